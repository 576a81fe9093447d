package estimate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"acousticsbake/internal/compute"
	"acousticsbake/internal/settings"
)

func coarseTable() *CostTable {
	return &CostTable{
		Name:                     "coarse",
		Frequency:                250,
		SecondsPerProbe:          540,
		ReferenceVolume:          1_000_000,
		ReferenceReceiverSpacing: 0.5,
		PoolStartup:              12 * time.Minute,
		VMCores:                  map[string]int{"Standard_F8s_v2": 8, "Standard_H16": 16},
		DefaultCores:             4,
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	base := SimulationConfig{Frequency: 250, ProbeCount: 100, ReceiverSpacing: 0.5, Volume: 1_000_000}

	tests := []struct {
		name    string
		sim     SimulationConfig
		pool    compute.PoolConfig
		want    time.Duration
		wantErr bool
	}{
		{
			name: "reference scene",
			sim:  base,
			pool: compute.NewPoolConfig("Standard_F8s_v2", 10, false),
			want: 12*time.Minute + 675*time.Second,
		},
		{
			name: "low priority nodes count the same",
			sim:  base,
			pool: compute.NewPoolConfig("Standard_F8s_v2", 10, true),
			want: 12*time.Minute + 675*time.Second,
		},
		{
			name: "twice the cores halves compute",
			sim:  base,
			pool: compute.NewPoolConfig("Standard_H16", 10, false),
			want: 12*time.Minute + 337500*time.Millisecond,
		},
		{
			name: "unknown vm uses default cores",
			sim:  base,
			pool: compute.NewPoolConfig("Standard_X1", 10, false),
			want: 12*time.Minute + 1350*time.Second,
		},
		{
			name: "half receiver spacing is eight times the work",
			sim:  SimulationConfig{Frequency: 250, ProbeCount: 100, ReceiverSpacing: 0.25, Volume: 1_000_000},
			pool: compute.NewPoolConfig("Standard_F8s_v2", 10, false),
			want: 12*time.Minute + 5400*time.Second,
		},
		{
			name: "no probes is startup only",
			sim:  SimulationConfig{Frequency: 250, ReceiverSpacing: 0.5, Volume: 1_000_000},
			pool: compute.NewPoolConfig("Standard_F8s_v2", 1, false),
			want: 12 * time.Minute,
		},
		{
			name:    "empty pool",
			sim:     base,
			pool:    compute.NewPoolConfig("Standard_F8s_v2", 0, false),
			wantErr: true,
		},
		{
			name:    "unset receiver spacing",
			sim:     SimulationConfig{Frequency: 250, ProbeCount: 1, ReceiverSpacing: -0.01, Volume: 1},
			pool:    compute.NewPoolConfig("Standard_F8s_v2", 1, false),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Estimate(coarseTable(), tt.sim, tt.pool)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Estimate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Estimate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewSimulationConfigConvertsCentimetres(t *testing.T) {
	t.Parallel()
	sim := settings.Simulation{
		MaxFrequency:              500,
		ReceiverSpacing:           25,
		ProbeHorizontalSpacingMax: 400,
		RegionLower:               settings.Vector{X: -5000, Y: -5000, Z: -1000},
		RegionUpper:               settings.Vector{X: 5000, Y: 5000, Z: 1000},
	}

	got := NewSimulationConfig(sim, 42)
	want := SimulationConfig{Frequency: 500, ProbeCount: 42, ProbeSpacing: 4, ReceiverSpacing: 0.25, Volume: 100 * 100 * 20}
	if got != want {
		t.Errorf("NewSimulationConfig() = %+v, want %+v", got, want)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 minutes"},
		{59 * time.Second, "0 minutes"},
		{time.Minute, "1 minute"},
		{23*time.Minute + 15*time.Second, "23 minutes"},
		{61 * time.Minute, "1 hour 1 minute"},
		{2 * time.Hour, "2 hours 0 minutes"},
		{25 * time.Hour, "1 day 1 hour 0 minutes"},
		{48*time.Hour + 5*time.Minute, "2 days 0 hours 5 minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := FormatDuration(tt.d); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestTablesForFrequency(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTable(t, filepath.Join(dir, CoarseTableFile), "name: coarse\nfrequency: 250\nsecondsPerProbe: 540\nreferenceVolume: 1000000\nreferenceReceiverSpacing: 0.5\npoolStartup: 12m\ndefaultCores: 8\nvmCores:\n  Standard_H16: 16\n")

	tables := NewTables(dir)

	table, err := tables.ForFrequency(250)
	if err != nil {
		t.Fatalf("ForFrequency(250) error = %v", err)
	}
	if table.PoolStartup != 12*time.Minute || table.Cores("Standard_H16") != 16 || table.Cores("other") != 8 {
		t.Errorf("unexpected table %+v", table)
	}

	if _, err := tables.ForFrequency(125); !errors.Is(err, ErrNoCostTable) {
		t.Errorf("ForFrequency(125) error = %v, want ErrNoCostTable", err)
	}
	if _, err := tables.ForFrequency(500); err == nil || errors.Is(err, ErrNoCostTable) {
		t.Errorf("expected read error for missing fine table, got %v", err)
	}
}

func TestBundledTablesLoad(t *testing.T) {
	t.Parallel()
	tables := NewTables(filepath.Join("..", "..", "resources"))
	for _, freq := range []float64{250, 500} {
		table, err := tables.ForFrequency(freq)
		if err != nil {
			t.Fatalf("bundled table for %v Hz: %v", freq, err)
		}
		if table.Frequency != freq {
			t.Errorf("table frequency = %v, want %v", table.Frequency, freq)
		}
	}
}

func TestLoadTableRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeTable(t, path, "name: bad\nfrequency: 250\n")
	if _, err := LoadTable(path); err == nil {
		t.Error("expected validation error")
	}
}

func writeTable(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
