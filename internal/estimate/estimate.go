package estimate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"acousticsbake/internal/compute"
	"acousticsbake/internal/settings"
)

// SimulationConfig is the part of the simulation that drives cost, in metres.
type SimulationConfig struct {
	Frequency       float64
	ProbeCount      int
	ProbeSpacing    float64
	ReceiverSpacing float64
	Volume          float64 // m³
}

// NewSimulationConfig converts project settings (centimetres) to metres.
func NewSimulationConfig(sim settings.Simulation, probeCount int) SimulationConfig {
	lo, hi := sim.RegionLower, sim.RegionUpper
	volume := (hi.X/100 - lo.X/100) * (hi.Y/100 - lo.Y/100) * (hi.Z/100 - lo.Z/100)
	return SimulationConfig{
		Frequency:       sim.MaxFrequency,
		ProbeCount:      probeCount,
		ProbeSpacing:    sim.ProbeHorizontalSpacingMax / 100,
		ReceiverSpacing: sim.ReceiverSpacing / 100,
		Volume:          math.Abs(volume),
	}
}

// Estimate returns the expected wall-clock time of a bake, pool startup
// included. Compute scales linearly with probes and volume and with the cube
// of receiver density, and is spread evenly across all cores of the pool.
func Estimate(table *CostTable, sim SimulationConfig, pool compute.PoolConfig) (time.Duration, error) {
	if sim.ProbeCount < 0 {
		return 0, fmt.Errorf("probe count must not be negative")
	}
	nodes := pool.Nodes()
	if nodes <= 0 {
		return 0, fmt.Errorf("pool must have at least one node")
	}
	if sim.ReceiverSpacing <= 0 {
		return 0, fmt.Errorf("receiver spacing must be positive")
	}

	density := math.Pow(table.ReferenceReceiverSpacing/sim.ReceiverSpacing, 3)
	coreSeconds := float64(sim.ProbeCount) * table.SecondsPerProbe * (sim.Volume / table.ReferenceVolume) * density
	wall := coreSeconds / float64(nodes*table.Cores(pool.VMSize))

	return table.PoolStartup + time.Duration(wall*float64(time.Second)), nil
}

// FormatDuration renders d as "N days N hours N minutes", omitting leading
// zero units and using singular names for 1.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Minute)
	days := total / (24 * 60)
	hours := (total / 60) % 24
	minutes := total % 60

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%d %s ", days, plural(days, "day"))
	}
	if hours > 0 || days > 0 {
		fmt.Fprintf(&b, "%d %s ", hours, plural(hours, "hour"))
	}
	fmt.Fprintf(&b, "%d %s", minutes, plural(minutes, "minute"))
	return b.String()
}

func plural(n int64, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
