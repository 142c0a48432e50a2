package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andy6609/safechat-server/internal/config"
)

type options struct {
	cfg         config.Config
	configPath  string
	noSave      bool
	showVersion bool
}

// parseFlags resolves the configuration: built-in defaults, then the config
// file, then any flag given explicitly on the command line.
func parseFlags(args []string) (options, error) {
	return parseFlagsTo(args, os.Stderr)
}

func parseFlagsTo(args []string, out io.Writer) (options, error) {
	var (
		opts        options
		port        int
		maxSockets  int
		idleTimeout time.Duration
		sweep       time.Duration
		frameSize   int
		metricsAddr string
		logLevel    string
	)

	defaultPath, err := config.DefaultPath()
	if err != nil {
		defaultPath = config.FileName
	}

	fs := flag.NewFlagSet("safechat-server", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintf(out, "SafeChat-Server (version %s)\n\n\tsafechat-server [options]\n\nOptions:\n\n", version)
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.configPath, "config", defaultPath, "Config file path")
	fs.BoolVar(&opts.noSave, "no-save", false, "Do not write the config file on shutdown")
	fs.BoolVar(&opts.showVersion, "v", false, "Display the version")
	fs.IntVar(&port, "p", 0, "Port the server binds to")
	fs.IntVar(&maxSockets, "s", 0, "Maximum number of sockets the server keeps open")
	fs.DurationVar(&idleTimeout, "idle-timeout", 0, "Idle duration before a client is disconnected")
	fs.DurationVar(&sweep, "sweep-interval", 0, "Interval between idle connection sweeps")
	fs.IntVar(&frameSize, "max-frame-size", 0, "Largest accepted frame payload in bytes")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (empty keeps the config value)")
	fs.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return opts, fmt.Errorf("unknown argument '%s'", fs.Arg(0))
	}
	if opts.showVersion {
		return opts, nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return opts, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "p":
			cfg.Port = port
		case "s":
			cfg.MaxConnections = maxSockets
		case "idle-timeout":
			cfg.IdleTimeout = idleTimeout
		case "sweep-interval":
			cfg.SweepInterval = sweep
		case "max-frame-size":
			cfg.MaxFrameSize = frameSize
		case "metrics-addr":
			cfg.MetricsAddr = metricsAddr
		case "log-level":
			cfg.LogLevel = logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		fs.Usage()
		return opts, err
	}
	opts.cfg = cfg
	return opts, nil
}
