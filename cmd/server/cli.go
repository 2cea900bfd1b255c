package main

import (
	"time"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Print version information and exit."`

	Config string `short:"c" help:"Path to a TOML or YAML configuration file." type:"path"`
	Listen string `help:"TCP address the relay listens on (overrides config)."`
	HTTP   string `name:"http" help:"HTTP address for health, WebSocket and metrics; \"off\" disables it."`

	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	LogFormat string `name:"log-format" help:"Log format (json, text)."`
	LogFile   string `name:"log-file" help:"Also write logs to this file, rotated by size." type:"path"`
	Unsafe    bool   `name:"no-safe-mode" help:"Log peer addresses instead of redacting them."`

	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Grace period for shutdown." default:"5s"`
}
