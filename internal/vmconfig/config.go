// Package vmconfig loads the optional YAML machine description cmd/rv64vm
// accepts via -config, grounded on the teacher's internal/bundle metadata
// file: a small typed struct with yaml tags and a normalize step that fills
// in defaults, rather than hand-rolled flag-only configuration.
package vmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Filename is the conventional machine description name, analogous to the
// teacher's ccbundle.yaml.
const Filename = "rv64vm.yaml"

// Config describes a machine to boot: everything that can also be set on
// the command line, so a YAML file and flags can be mixed (flags win, see
// cmd/rv64vm's mergeFlags).
type Config struct {
	CPUs     int    `yaml:"cpus,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	Kernel   string `yaml:"kernel"`
	Initrd   string `yaml:"initrd,omitempty"`
	Bootargs string `yaml:"bootargs,omitempty"`

	Disk       string `yaml:"disk,omitempty"`
	DiskDir    string `yaml:"diskDir,omitempty"`
	DiskSizeMB uint64 `yaml:"diskSizeMB,omitempty"`
	DiskReadOnly bool `yaml:"diskReadOnly,omitempty"`

	Network string `yaml:"network,omitempty"` // "none" | "nat" | "tap"
	TapIface string `yaml:"tapIface,omitempty"`

	Snapshot string `yaml:"snapshot,omitempty"`
}

func (c *Config) normalize() {
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 256
	}
	if c.DiskSizeMB == 0 {
		c.DiskSizeMB = 64
	}
	if c.Network == "" {
		c.Network = "none"
	}
}

// Load reads and normalizes a machine description from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vmconfig: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("vmconfig: parse %s: %w", path, err)
	}
	c.normalize()
	return c, nil
}

// Default returns a zero-value config with defaults applied, for the case
// where no -config file is given and everything comes from flags.
func Default() Config {
	var c Config
	c.normalize()
	return c
}
