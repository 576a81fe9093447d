// Package settings reads and writes the sectioned bake settings file.
//
// The file holds four sections: account credentials, simulation parameters,
// compute pool shape and operational state (including the active job).
// Clear-text keys in the account section are never written; an encrypted
// "secret" blob is stored in their place.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/ini.v1"

	"acousticsbake/internal/apperrors"
	"acousticsbake/internal/secret"
)

// Section names as they appear on disk.
const (
	SectionAccount     = "azure_account"
	SectionSimulation  = "simulation_parameters"
	SectionPool        = "compute_pool"
	SectionOperational = "operational_parameters"
)

var sectionOrder = []string{SectionAccount, SectionSimulation, SectionPool, SectionOperational}

// SecretCodec seals the account keys.
type SecretCodec interface {
	Encrypt(s secret.Secrets) (string, error)
	Decrypt(blob string) (secret.Secrets, error)
}

// Config is the in-memory form of one settings file.
type Config struct {
	sections map[string]Section
}

// New returns a config with every section empty.
func New() *Config {
	c := &Config{sections: make(map[string]Section)}
	for _, name := range sectionOrder {
		c.sections[name] = Section{}
	}
	return c
}

// Section returns the named section, creating it when absent.
func (c *Config) Section(name string) Section {
	s, ok := c.sections[name]
	if !ok {
		s = Section{}
		c.sections[name] = s
	}
	return s
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := &Config{sections: make(map[string]Section, len(c.sections))}
	for name, s := range c.sections {
		cp := make(Section, len(s))
		for k, v := range s {
			cp[k] = v
		}
		out.sections[name] = cp
	}
	return out
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{IgnoreInlineComment: true}
}

// Load reads path. A missing file yields an empty config. When the account
// section carries a secret blob it is decrypted into the three key fields;
// a blob that cannot be decrypted is logged and the keys are left absent.
func Load(path string, codec SecretCodec) (*Config, error) {
	cfg := New()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	file, err := ini.LoadSources(loadOptions(), path)
	if err != nil {
		return nil, apperrors.Internal("settings.load", fmt.Errorf("%s: %w", path, err))
	}

	var blob string
	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		target := cfg.Section(sec.Name())
		for _, key := range sec.Keys() {
			if sec.Name() == SectionAccount && key.Name() == KeySecret {
				blob = key.Value()
				continue
			}
			target[key.Name()] = key.Value()
		}
	}

	if blob != "" {
		s, err := codec.Decrypt(blob)
		if err != nil {
			slog.Error("Saved account keys are invalid and must be re-entered",
				"component", "settings", "path", path, "error", err)
		} else {
			acct := cfg.Section(SectionAccount)
			acct[KeyBatchKey] = s.BatchKey
			acct[KeyStorageKey] = s.StorageKey
			acct[KeyRegistryKey] = s.RegistryKey
		}
	}

	return cfg, nil
}

// LoadRequired is Load for files that must exist.
func LoadRequired(path string, codec SecretCodec) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, apperrors.ConfigMissing(path)
	}
	return Load(path, codec)
}

// Save rewrites path with the whole config. The three raw keys are dropped;
// if both the batch and storage keys are set a fresh secret blob replaces them.
func (c *Config) Save(path string, codec SecretCodec) error {
	file := ini.Empty(loadOptions())

	for _, name := range c.sectionNames() {
		values := c.sections[name]
		if name == SectionAccount {
			var err error
			values, err = sealAccount(values, codec)
			if err != nil {
				return err
			}
		}

		sec, err := file.NewSection(name)
		if err != nil {
			return apperrors.Internal("settings.save", err)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if _, err := sec.NewKey(k, values[k]); err != nil {
				return apperrors.Internal("settings.save", fmt.Errorf("key %s.%s: %w", name, k, err))
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Internal("settings.save", err)
	}
	if err := file.SaveTo(path); err != nil {
		return apperrors.Internal("settings.save", err)
	}
	return nil
}

func sealAccount(values Section, codec SecretCodec) (Section, error) {
	out := make(Section, len(values)+1)
	for k, v := range values {
		switch k {
		case KeyBatchKey, KeyStorageKey, KeyRegistryKey, KeySecret:
			continue
		}
		out[k] = v
	}

	if values[KeyBatchKey] != "" && values[KeyStorageKey] != "" {
		blob, err := codec.Encrypt(secret.Secrets{
			BatchKey:    values[KeyBatchKey],
			StorageKey:  values[KeyStorageKey],
			RegistryKey: values[KeyRegistryKey],
		})
		if err != nil {
			return nil, err
		}
		out[KeySecret] = blob
	}
	return out, nil
}

func (c *Config) sectionNames() []string {
	names := slices.Clone(sectionOrder)
	var extra []string
	for name := range c.sections {
		if !slices.Contains(sectionOrder, name) {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	return append(names, extra...)
}
