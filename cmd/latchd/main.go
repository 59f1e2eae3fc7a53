// latchd is the head-restraint latch controller host.
// It connects to the latch hardware through a gateway, sequences both
// latches from the head-bar and release switches, and serves telemetry and
// control over HTTP and WebSocket.
//
// Usage:
//
//	latchd -config latchd.yaml [options]
//
// Options:
//
//	-config string   Configuration file (required)
//	-gateway string  Override the gateway kind (sim, bridge)
//	-api string      Override the API listen address
//	-console         Read single-byte commands from stdin
//
// Examples:
//
//	# Run against the simulated hub with the operator console
//	latchd -config latchd.yaml -gateway sim -console
//
//	# Run against mock-bridge
//	mock-bridge -socket /tmp/latch_bridge &
//	latchd -config latchd.yaml
//
// SIGHUP reloads the log section of the configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"head-restraint-go/pkg/api"
	"head-restraint-go/pkg/config"
	"head-restraint-go/pkg/console"
	"head-restraint-go/pkg/latch"
	"head-restraint-go/pkg/log"
	"head-restraint-go/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configFile := flag.String("config", "", "Configuration file (required)")
	gatewayKind := flag.String("gateway", "", "Override the gateway kind (sim, bridge)")
	apiAddr := flag.String("api", "", "Override the API listen address")
	useConsole := flag.Bool("console", false, "Read single-byte commands from stdin")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	over := overrides{gateway: *gatewayKind, api: *apiAddr}
	over.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error in config: %v\n", err)
		os.Exit(1)
	}

	logger, logFile, err := setupLogging(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(*configFile, cfg, over, logger, *useConsole); err != nil {
		logger.WithError(err).Error("latchd stopped")
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}
}

// overrides holds the command-line settings that replace file values.
type overrides struct {
	gateway string
	api     string
}

func (o overrides) apply(cfg *config.Config) {
	if o.gateway != "" {
		cfg.Gateway.Kind = o.gateway
	}
	if o.api != "" {
		cfg.API.Addr = o.api
	}
}

func setupLogging(c config.LogConfig) (*log.Logger, io.Closer, error) {
	var (
		logger *log.Logger
		closer io.Closer
	)
	if c.File != "" {
		l, w, err := log.NewFileLogger("latchd", log.RotationConfig{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			Compress:   c.Compress,
		})
		if err != nil {
			return nil, nil, err
		}
		logger, closer = l, w
	} else {
		logger = log.New("latchd")
	}
	applyLogConfig(logger, c)
	return logger, closer, nil
}

// applyLogConfig sets level, format and caller from c. The environment
// overrides the file.
func applyLogConfig(logger *log.Logger, c config.LogConfig) {
	logger.SetLevel(log.ParseLevel(c.Level))
	logger.SetFormat(log.ParseFormat(c.Format))
	logger.SetCaller(c.Caller)
	log.ConfigureFromEnv(logger)
}

func run(path string, cfg *config.Config, over overrides, logger *log.Logger, useConsole bool) error {
	logger.Info("starting with %s gateway, config %s", cfg.Gateway.Kind, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lm := metrics.NewLatchMetrics()
	gw, err := openGateway(cfg, logger, lm)
	if err != nil {
		return err
	}
	defer gw.hub.Close()

	channels, err := openChannels(gw.hub, cfg.Channels)
	if err != nil {
		return err
	}

	ctl, err := latch.NewController(channels, cfg.Latches.Left, cfg.Latches.Right,
		cfg.Controller.Settings(), latch.WithLogger(logger), latch.WithRecorder(lm))
	if err != nil {
		return err
	}
	defer ctl.Close()

	srv := api.New(api.Config{
		Addr:       cfg.API.Addr,
		Controller: ctl,
		Metrics:    lm.Handler(),
		Logger:     logger,
	})
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- srv.Start()
	}()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Stop(sctx); err != nil {
			logger.WithError(err).Warn("API shutdown")
		}
	}()

	ctl.Start()
	gw.start(ctx)

	quit := make(chan struct{})
	if useConsole {
		go func() {
			err := console.New(ctl, os.Stdin, os.Stdout, logger).Run()
			if err == nil {
				close(quit)
				return
			}
			logger.WithError(err).Warn("console input closed")
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	logger.Info("ready, API on %s", cfg.API.Addr)
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				cfg = reload(path, cfg, over, logger)
				continue
			}
			logger.Info("received %s, shutting down", sig)
			return nil
		case <-quit:
			logger.Info("console quit, shutting down")
			return nil
		case err := <-apiErr:
			if err != nil {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		case <-gw.done:
			if err := gw.err(); err != nil {
				return fmt.Errorf("bridge link lost: %w", err)
			}
			return fmt.Errorf("bridge link closed")
		}
	}
}

// reload re-reads the configuration file and applies the sections that can
// change at run time. Command-line overrides still win over the file. It
// returns the configuration now in effect.
func reload(path string, cur *config.Config, over overrides, logger *log.Logger) *config.Config {
	next, err := config.Load(path)
	if err != nil {
		logger.WithError(err).Error("reload failed, keeping current configuration")
		return cur
	}
	over.apply(next)

	changed := config.Changes(cur, next)
	if len(changed) == 0 {
		logger.Info("reload: no changes")
		return cur
	}
	if rest := config.NonReloadable(changed); len(rest) > 0 {
		logger.Warn("reload: sections %v need a restart and were not applied", rest)
	}

	applied := *cur
	for _, section := range changed {
		if section != config.SectionLog {
			continue
		}
		if next.Log.File != cur.Log.File {
			logger.Warn("reload: log file change needs a restart")
		}
		applyLogConfig(logger, next.Log)
		applied.Log = next.Log
		logger.Info("reload: applied log settings")
	}
	return &applied
}
