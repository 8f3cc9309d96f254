package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"

	"github.com/m2osw/snapdbproxy/pkg/snapdbproxy"
)

func main() {
	var (
		cfg          snapdbproxy.Config
		configFile   string
		printVersion bool
	)
	fs := flag.CommandLine
	cfg.RegisterFlags(fs)
	fs.StringVar(&configFile, "config.file", "", "YAML configuration file; flags set anything it leaves out.")
	fs.StringVar(&configFile, "c", "", "Shorthand for -config.file.")
	fs.BoolVar(&printVersion, "version", false, "Print the version and exit.")
	fs.StringVar(&cfg.Log.File, "l", cfg.Log.File, "Shorthand for -log.file.")
	fs.BoolVar(&cfg.Log.Disable, "n", cfg.Log.Disable, "Shorthand for -log.disable.")
	flag.Parse()

	if printVersion {
		fmt.Println(version.Print("snapdbproxy"))
		os.Exit(0)
	}

	// the config file overrides flag defaults, then explicit flags win
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed reading config: %v\n", err)
			os.Exit(1)
		}
		flag.Parse()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := snapdbproxy.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed opening log: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	app, err := snapdbproxy.New(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		level.Error(logger).Log("msg", "cannot assemble snapdbproxy", "err", err)
		os.Exit(1)
	}

	switch err := app.Run(context.Background()); {
	case err == nil:
		level.Info(logger).Log("msg", "snapdbproxy stopped")
	case errors.Is(err, snapdbproxy.ErrRestartRequested):
		level.Info(logger).Log("msg", "snapdbproxy exiting for restart")
		logger.Close()
		os.Exit(1)
	default:
		level.Error(logger).Log("msg", "snapdbproxy failed", "err", err)
		logger.Close()
		os.Exit(1)
	}
}
