package config

import (
	"flag"
	"os"
	"strconv"
)

// Options holds the process-level configuration parsed at startup.
type Options struct {
	StateDir       string
	MaxConcurrent  int
	BandwidthLimit int64
	LogLevel       string
	LogFile        string
	TUI            bool
}

// ParseOptions parses options from flags and environment variables.
// Flags take precedence over environment variables.
func ParseOptions() Options {
	return parseOptionsWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseOptionsWithFlagSet is an internal helper for testing with isolated
// flag sets.
func parseOptionsWithFlagSet(fs *flag.FlagSet, args []string) Options {
	opts := Options{
		StateDir:      "./.stevedore-state",
		MaxConcurrent: DefaultMaxConcurrent,
		LogLevel:      "info",
		TUI:           true,
	}

	// Read from environment first
	if dir := os.Getenv("STEVEDORE_STATE_DIR"); dir != "" {
		opts.StateDir = dir
	}
	if level := os.Getenv("STEVEDORE_LOG_LEVEL"); level != "" {
		opts.LogLevel = level
	}
	if file := os.Getenv("STEVEDORE_LOG_FILE"); file != "" {
		opts.LogFile = file
	}
	if v := os.Getenv("STEVEDORE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.MaxConcurrent = n
		}
	}
	if v := os.Getenv("STEVEDORE_BANDWIDTH_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			opts.BandwidthLimit = n
		}
	}

	// Flags override environment
	fs.StringVar(&opts.StateDir, "state-dir", opts.StateDir, "directory for transfer state and staging")
	fs.IntVar(&opts.MaxConcurrent, "max-concurrent", opts.MaxConcurrent, "max transfers running at once")
	fs.Int64Var(&opts.BandwidthLimit, "bandwidth", opts.BandwidthLimit, "global bandwidth limit in bytes/sec (0 = unlimited)")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&opts.LogFile, "log-file", opts.LogFile, "rotated JSON log file (empty = stdout only)")
	fs.BoolVar(&opts.TUI, "tui", opts.TUI, "enable TUI (disable for headless operation)")
	fs.Parse(args)

	return opts
}
