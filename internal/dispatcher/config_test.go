package dispatcher

import (
	"testing"
	"time"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   MemoryConfig
		want MemoryConfig
	}{
		{
			name: "zero values",
			in:   MemoryConfig{},
			want: MemoryConfig{BufferSize: 256, Workers: 2, HTTPTimeout: 10 * time.Second, MaxRetries: 3, Cooldown: 30 * time.Second},
		},
		{
			name: "negative values",
			in:   MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxRetries: -1, Cooldown: -1},
			want: MemoryConfig{BufferSize: 256, Workers: 2, HTTPTimeout: 10 * time.Second, MaxRetries: 0, Cooldown: 30 * time.Second},
		},
		{
			name: "valid values preserved",
			in:   MemoryConfig{BufferSize: 16, Workers: 1, HTTPTimeout: time.Second, MaxRetries: 5, Cooldown: time.Minute},
			want: MemoryConfig{BufferSize: 16, Workers: 1, HTTPTimeout: time.Second, MaxRetries: 5, Cooldown: time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_WORKERS", "4")
	t.Setenv("NOTIFY_HTTP_TIMEOUT", "3s")

	cfg := LoadConfigFromEnv()
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.HTTPTimeout != 3*time.Second {
		t.Errorf("HTTPTimeout = %v, want 3s", cfg.HTTPTimeout)
	}
	if cfg.BufferSize != defaultBufferSize {
		t.Errorf("BufferSize = %d, want %d", cfg.BufferSize, defaultBufferSize)
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL   string
		expected string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://editor.example.com/acoustics/import", "editor.example.com"},
		{"://invalid", "://invalid"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := hostOf(tt.rawURL); got != tt.expected {
			t.Errorf("hostOf(%q) = %q, want %q", tt.rawURL, got, tt.expected)
		}
	}
}
