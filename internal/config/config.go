// Package config holds the root command line of uvperf. Every field can also
// be set from a JSON, YAML or TOML configuration file.
package config

import "github.com/Alia5/uvperf/internal/cmd"

// Log configures the structured logger and the raw payload dump.
type Log struct {
	Level    string `help:"Log level (trace, debug, info, warn, error)" default:"info" enum:"trace,debug,info,warn,error" env:"UVPERF_LOG_LEVEL"`
	File     string `help:"Write logs to this file; the console then only shows warnings and errors" env:"UVPERF_LOG_FILE"`
	RawFile  string `help:"Dump every transfer payload to this file" env:"UVPERF_LOG_RAW_FILE"`
	RawLimit int    `help:"Bytes of each payload to dump; 0 dumps everything" default:"64" env:"UVPERF_LOG_RAW_LIMIT"`
}

// CLI is the root command tree.
type CLI struct {
	Config string `help:"Configuration file" type:"path" env:"UVPERF_CONFIG"`
	Log    Log    `embed:"" prefix:"log."`

	Bench     cmd.Bench         `cmd:"" help:"Run a transfer benchmark"`
	List      cmd.List          `cmd:"" help:"List devices, interfaces and endpoints"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration file helpers"`
}
