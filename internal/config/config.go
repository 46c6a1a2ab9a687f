// Package config holds netdumpd's startup configuration: a flag-
// populated struct with an optional JSON file overriding values field
// by field.
package config

import (
	"encoding/json"
	"os"
)

// Config is netdumpd's full startup configuration.
type Config struct {
	// BindIP is the address to listen on ("" means all interfaces).
	BindIP string `json:"bind_ip"`
	// DumpDir is the dump directory root.
	DumpDir string `json:"dump_dir"`
	// HandlerScript is the optional per-session notification program.
	HandlerScript string `json:"handler_script"`
	// BootScript is the optional startup notification program
	// (original_source/netdumpd.c's "-b", dropped by the distillation
	// and restored by SPEC_FULL.md).
	BootScript string `json:"boot_script"`
	// PidFile is the pidfile path ("" means no pidfile is written).
	PidFile string `json:"pid_file"`
	// Debug runs in the foreground, logging to stdout/stderr instead
	// of syslog.
	Debug bool `json:"debug"`
	// StatsLog is an optional path for the periodic session-statistics
	// CSV log (internal/stats); empty disables it. May contain
	// time.Format directives for log rotation.
	StatsLog string `json:"stats_log"`
	// StatsPeriodSeconds is how often a row is appended to StatsLog.
	StatsPeriodSeconds int `json:"stats_period_seconds"`
}

// Default returns the flag defaults of spec.md §6.
func Default() Config {
	return Config{
		DumpDir: "/var/crash",
	}
}

// LoadJSON decodes path into cfg, overriding any field the file sets.
// Fields omitted from the file are left untouched: flags establish the
// baseline, the JSON file is a layered override on top.
func LoadJSON(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(cfg)
}
