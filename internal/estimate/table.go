// Package estimate predicts how long a bake will take on a given pool.
package estimate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoCostTable means no table is bundled for the configured frequency.
var ErrNoCostTable = errors.New("cost table is not available for the configured simulation frequency")

// Table file names under the plugin resources directory.
const (
	CoarseTableFile = "CoarseBakeCostSheet.yaml"
	FineTableFile   = "FineBakeCostSheet.yaml"
)

// CostTable describes measured bake cost at one simulation frequency.
type CostTable struct {
	Name      string  `yaml:"name"`
	Frequency float64 `yaml:"frequency"` // Hz

	// Single-core compute time for one probe at the reference volume and
	// receiver spacing.
	SecondsPerProbe          float64 `yaml:"secondsPerProbe"`
	ReferenceVolume          float64 `yaml:"referenceVolume"`          // m³
	ReferenceReceiverSpacing float64 `yaml:"referenceReceiverSpacing"` // m

	PoolStartup  time.Duration  `yaml:"poolStartup"`
	VMCores      map[string]int `yaml:"vmCores"`
	DefaultCores int            `yaml:"defaultCores"`
}

// Validate checks the table can be used for estimates.
func (t *CostTable) Validate() error {
	switch {
	case t.Frequency <= 0:
		return fmt.Errorf("frequency must be positive")
	case t.SecondsPerProbe <= 0:
		return fmt.Errorf("secondsPerProbe must be positive")
	case t.ReferenceVolume <= 0:
		return fmt.Errorf("referenceVolume must be positive")
	case t.ReferenceReceiverSpacing <= 0:
		return fmt.Errorf("referenceReceiverSpacing must be positive")
	case t.DefaultCores <= 0:
		return fmt.Errorf("defaultCores must be positive")
	}
	return nil
}

// Cores returns the core count of a VM size.
func (t *CostTable) Cores(vmSize string) int {
	if c, ok := t.VMCores[vmSize]; ok && c > 0 {
		return c
	}
	return t.DefaultCores
}

// LoadTable reads a cost table from a YAML file.
func LoadTable(path string) (*CostTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cost table: %w", err)
	}
	var t CostTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse cost table %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("cost table %s: %w", path, err)
	}
	return &t, nil
}

// Tables resolves the bundled cost table for a frequency.
type Tables struct {
	dir   string
	files map[float64]string
}

// NewTables returns the coarse (250 Hz) and fine (500 Hz) tables under dir.
func NewTables(dir string) *Tables {
	return &Tables{
		dir: dir,
		files: map[float64]string{
			250: CoarseTableFile,
			500: FineTableFile,
		},
	}
}

// ForFrequency loads the table for frequency, or ErrNoCostTable.
func (t *Tables) ForFrequency(frequency float64) (*CostTable, error) {
	name, ok := t.files[frequency]
	if !ok {
		return nil, ErrNoCostTable
	}
	return LoadTable(filepath.Join(t.dir, name))
}
