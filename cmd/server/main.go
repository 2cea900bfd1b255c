package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/Tyrowin/gorelay"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/server"
)

func main() {
	var cli CLI

	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cfg, err := loadConfig(cli)
	parser.FatalIfErrorf(err)

	logger, closer, err := logging.Setup("gorelay", cfg.Log)
	if err != nil {
		parser.FatalIfErrorf(fmt.Errorf("unable to set up logging: %w", err))
	}
	defer closer.Close()

	if err := run(cfg, logger, cli); err != nil {
		logger.Error("relay exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func newParser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	opts = append([]kong.Option{
		kong.Name("gorelay"),
		kong.Description("A TCP broadcast relay with connection banning and message-rate strikes"),
		kong.Vars{
			"version": gorelay.Version(),
		},
	}, opts...)
	return kong.New(cli, opts...)
}

// loadConfig layers the configuration: defaults, then the config file, then
// the environment, then explicit flags.
func loadConfig(cli CLI) (*server.Config, error) {
	cfg, err := server.LoadConfig(cli.Config)
	if err != nil {
		return nil, err
	}
	server.ApplyEnv(cfg)
	cli.apply(cfg)
	return cfg, nil
}

func run(cfg *server.Config, logger *slog.Logger, cli CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := server.New(cfg, logger)
	if err := relay.Start(); err != nil {
		return err
	}
	logger.Info("gorelay started", slog.String("version", gorelay.Version()))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	return relay.Shutdown(cli.ShutdownTimeout)
}

// apply lets explicit flags win over the config file and environment.
func (cli CLI) apply(cfg *server.Config) {
	if cli.Listen != "" {
		cfg.ListenAddr = cli.Listen
	}
	if cli.HTTP != "" {
		if strings.EqualFold(cli.HTTP, "off") {
			cfg.HTTPAddr = ""
		} else {
			cfg.HTTPAddr = cli.HTTP
		}
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.LogFile != "" {
		cfg.Log.File = cli.LogFile
	}
	if cli.Unsafe {
		cfg.Log.SafeMode = false
	}
}
