package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// ErrHelp is returned by Run when usage was requested.
var ErrHelp = pflag.ErrHelp

type cliFlags struct {
	configPath string
	envFile    string
	addr       string
	logLevel   string
	logFormat  string
	store      string
}

func parseFlags(args []string, out io.Writer) (cliFlags, *pflag.FlagSet, error) {
	var f cliFlags

	fs := pflag.NewFlagSet("propchat", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML config file (overrides environment)")
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address (overrides PROPCHAT_HTTP_ADDR)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "json or pretty")
	fs.StringVar(&f.store, "store", "", "message store: memory, postgres, mongo or redis")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, fs, err
	}
	return f, fs, nil
}

// LoadRuntimeConfig resolves configuration from .env, environment, an optional YAML file and
// command-line flags, in increasing order of precedence.
func LoadRuntimeConfig(args []string, out io.Writer) (Config, error) {
	f, fs, err := parseFlags(args, out)
	if err != nil {
		return Config{}, err
	}

	if err := LoadDotEnv(f.envFile); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", f.envFile, err)
	}

	cfg := LoadConfig()

	path := f.configPath
	if path == "" {
		path = EnvString("PROPCHAT_CONFIG", "")
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if fs.Changed("addr") {
		cfg.HTTPAddr = f.addr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if fs.Changed("store") {
		cfg.Store = f.store
	}

	return cfg, cfg.Validate()
}

// Run is the CLI entrypoint used by cmd/propchat.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(args []string) error {
	cfg, err := LoadRuntimeConfig(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ErrHelp
		}
		return err
	}

	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
