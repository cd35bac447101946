package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"UDPulse/internal/config"
	"UDPulse/internal/engine"
	"UDPulse/internal/live"
	"UDPulse/internal/metrics"
	"UDPulse/internal/model"
	"UDPulse/internal/record"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "Path to the configuration file.")
	role := flag.String("role", "", "Override the configured role (originator or responder).")
	flag.Parse()

	log.Println("Starting up-engine...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *role != "" {
		cfg.Role = *role
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid config for role %s: %v", *role, err)
		}
	}
	log.Printf("Configuration loaded, role: %s", cfg.Role)

	opts, cleanup, err := buildOptions(cfg)
	if err != nil {
		log.Fatalf("Failed to set up sinks: %v", err)
	}
	defer cleanup()

	eng, err := engine.New(cfg, opts)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	// An originator run ends on its own once the duration elapses; a
	// responder serves until interrupted. Either way SIGINT/SIGTERM stops
	// the run gracefully and the final summary is still printed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := eng.Run(ctx); err != nil {
		log.Fatalf("Engine run failed: %v", err)
	}
	log.Println("Shutdown complete.")
}

// buildOptions opens every configured sink and returns a cleanup that closes
// them in reverse order after the run.
func buildOptions(cfg *config.Config) (engine.Options, func(), error) {
	var opts engine.Options
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	fail := func(err error) (engine.Options, func(), error) {
		cleanup()
		return engine.Options{}, func() {}, err
	}

	if cfg.Role == string(model.RoleOriginator) {
		if path := cfg.Originator.SendLogPath; path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fail(errors.Wrap(err, "create send log"))
			}
			sendLog, err := record.NewSendLog(f)
			if err != nil {
				f.Close()
				return fail(errors.Wrap(err, "open send log"))
			}
			closers = append(closers, func() { sendLog.Close() })
			opts.SendLog = sendLog
		}
		if path := cfg.Originator.ReceiveLogPath; path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fail(errors.Wrap(err, "create receive log"))
			}
			recvLog, err := record.NewReceiveLog(f)
			if err != nil {
				f.Close()
				return fail(errors.Wrap(err, "open receive log"))
			}
			closers = append(closers, func() { recvLog.Close() })
			opts.SampleWriters = append(opts.SampleWriters, recvLog)
		}
	}

	if cfg.Role == string(model.RoleResponder) && cfg.Responder.LogPath != "" {
		f, err := os.Create(cfg.Responder.LogPath)
		if err != nil {
			return fail(errors.Wrap(err, "create responder log"))
		}
		respLog, err := record.NewResponderLog(f)
		if err != nil {
			f.Close()
			return fail(errors.Wrap(err, "open responder log"))
		}
		closers = append(closers, func() { respLog.Close() })
		opts.ResponderLog = respLog
	}

	if cfg.ClickHouse.Enabled {
		chWriter, err := record.NewClickHouseWriter(cfg.ClickHouse)
		if err != nil {
			return fail(errors.Wrap(err, "connect clickhouse"))
		}
		closers = append(closers, func() { chWriter.Close() })
		opts.SampleWriters = append(opts.SampleWriters, chWriter)
	}

	if cfg.Live.Enabled {
		pub, err := live.NewPublisher(cfg.Live.NATSURL, cfg.Live.Subject)
		if err != nil {
			return fail(errors.Wrap(err, "connect nats"))
		}
		closers = append(closers, pub.Close)
		opts.Sinks = append(opts.Sinks, pub)
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		server := metrics.NewServer(cfg.Metrics.ListenAddr, collector)
		server.Start()
		closers = append(closers, server.Stop)
		opts.Sinks = append(opts.Sinks, collector)
	}

	return opts, cleanup, nil
}
