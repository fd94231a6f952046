// Package config loads host-application defaults for the bridge daemon.
// It mirrors the teacher's two-layer approach in mpdgolinger.go
// (loadConfig/parseConfig reading a simple key=value file, later
// overridden by CLI flags in main) but swaps the hand-rolled key=value
// format for YAML via gopkg.in/yaml.v3, grounded on
// _examples/SiwaNetwork-TimeCard-Mini/tc-sync/internal/config, since that
// is the format the rest of the pack reaches for when an ecosystem config
// library is available.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a bridge configuration file.
type File struct {
	Port      int    `yaml:"port"`
	LatencyMs int    `yaml:"latency_ms"`
	BarAlign  bool   `yaml:"bar_align"`
	SyncMode  string `yaml:"sync_mode"`
	Listen    string `yaml:"listen"` // control-plane listen address, e.g. "127.0.0.1:17010"
}

// Default mirrors spec.md §6's defaults.
func Default() File {
	return File{
		Port:      17000,
		LatencyMs: 1,
		BarAlign:  false,
		SyncMode:  "off",
		Listen:    "127.0.0.1:17010",
	}
}

// Load reads and parses a YAML config file. A missing file is not an
// error — it returns Default(), the way the teacher's loadConfig treats a
// missing config as "use built-in defaults" rather than failing startup.
func Load(path string) (File, error) {
	cf := Default()
	if path == "" {
		return cf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cf, nil
		}
		return cf, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return cf, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cf, nil
}
