// Package config holds the settings shared by the profiling commands and the
// MCP server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Benny93/evalprof/internal/flamegraph"
)

// DirName is the name of the data directory created under the home
// directory when no data directory is configured.
const DirName = ".evalprof"

// Defaults.
const (
	DefaultTop      = 20
	DefaultDebounce = 500 * time.Millisecond
)

// Config is the resolved runtime configuration.
type Config struct {
	// Granularity selects the level-one flame graph frames.
	Granularity flamegraph.Granularity `json:"granularity"`

	// DataDir holds the profile database.
	DataDir string `json:"dataDir"`

	// Top bounds predicate tables.
	Top int `json:"top"`

	// Debounce is the quiet period before a changed log is profiled again.
	Debounce time.Duration `json:"debounce"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Granularity: flamegraph.GranularityStage,
		DataDir:     defaultDataDir(),
		Top:         DefaultTop,
		Debounce:    DefaultDebounce,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// DBPath is the location of the profile database inside DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "badger")
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if _, err := flamegraph.ParseGranularity(string(c.Granularity)); err != nil {
		errs = append(errs, err)
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data directory must not be empty"))
	}
	if c.Top < 0 {
		errs = append(errs, fmt.Errorf("top must not be negative, got %d", c.Top))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must not be negative, got %s", c.Debounce))
	}
	return errors.Join(errs...)
}
