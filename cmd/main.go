package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/tejusbharadwaj/vuecollect/internal/api"
	"github.com/tejusbharadwaj/vuecollect/internal/collector"
	"github.com/tejusbharadwaj/vuecollect/internal/config"
	"github.com/tejusbharadwaj/vuecollect/internal/database"
	"github.com/tejusbharadwaj/vuecollect/internal/datapoint"
	server "github.com/tejusbharadwaj/vuecollect/internal/grpc"
	"github.com/tejusbharadwaj/vuecollect/internal/metrics"
	"github.com/tejusbharadwaj/vuecollect/internal/publish"
	"github.com/tejusbharadwaj/vuecollect/internal/resolver"
	"github.com/tejusbharadwaj/vuecollect/internal/scheduler"
)

// Command vuecollect polls Emporia Vue energy monitors and stores their
// usage in InfluxDB or TimescaleDB.
//
// The collector supports:
//   - Minute usage every wake interval, with catch-up after outages
//   - Second and hour detail on the detail interval
//   - Daily totals at local midnight
//   - A one-off history load of hour and day data
//   - Optional MQTT mirroring, Prometheus metrics and gRPC health
//
// Usage:
//
//	vuecollect [flags] <config file>
//
// The flags are:
//
//	-v, --verbose
//	      log collection progress
//	-d, --debug
//	      dump every point before it is written
//	--historydays int
//	      days of hour and day history to load at startup
//	--resetdatabase
//	      delete all stored usage before collecting
//	--dryrun
//	      collect without writing to the database
func main() {
	os.Exit(run(os.Args[1:]))
}

type flags struct {
	configPath    string
	verbose       bool
	debug         bool
	historyDays   int
	resetDatabase bool
	dryRun        bool
}

// parseFlags returns done=true when the process should exit with code.
func parseFlags(args []string) (f flags, code int, done bool) {
	fs := pflag.NewFlagSet("vuecollect", pflag.ContinueOnError)
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log collection progress")
	fs.BoolVarP(&f.debug, "debug", "d", false, "dump every point before it is written")
	fs.IntVar(&f.historyDays, "historydays", 0, "days of hour and day history to load at startup")
	fs.BoolVar(&f.resetDatabase, "resetdatabase", false, "delete all stored usage before collecting")
	fs.BoolVar(&f.dryRun, "dryrun", false, "collect without writing to the database")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vuecollect [flags] <config file>\n\n%s", fs.FlagUsages())
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return f, 0, true
		}
		return f, 1, true
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return f, 1, true
	}
	f.configPath = fs.Arg(0)
	return f, 0, false
}

func run(args []string) int {
	f, code, done := parseFlags(args)
	if done {
		return code
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Logging, f.verbose, f.debug)
	startup := time.Now().UTC().Truncate(time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	logger.Debugf("Effective configuration:\n%s", cfg.Redacted())

	sink, encoder, err := openSink(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return 1
	}
	defer sink.Close()

	if f.resetDatabase {
		logger.WithField("before", startup).Info("Resetting database")
		if err := sink.Reset(ctx, startup); err != nil {
			logger.WithError(err).Error("Failed to reset database")
			return 1
		}
	}

	m := metrics.New()

	accounts, err := buildAccounts(cfg, m, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to set up accounts")
		return 1
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.WithError(err).Error("Invalid timezone")
		return 1
	}

	settings := scheduler.Settings{
		Interval:       time.Duration(cfg.UpdateIntervalSecs) * time.Second,
		DetailInterval: time.Duration(cfg.DetailedIntervalSecs) * time.Second,
		DetailEnabled:  cfg.DetailedDataEnabled,
		SecondsEnabled: cfg.SecondsEnabled(),
		HoursEnabled:   cfg.HoursEnabled(),
		Lag:            time.Duration(cfg.LagSecs) * time.Second,
		HistoryDays:    f.historyDays,
		MaxHistoryDays: cfg.MaxHistoryDays,
		Location:       loc,
		DryRun:         f.dryRun,
	}

	opts := []scheduler.Option{scheduler.WithMetrics(m), scheduler.WithEncoder(encoder)}
	if cfg.MQTT.Enabled {
		pub, err := publish.NewPublisher(publish.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			Retained:    cfg.MQTT.Retained,
			SSLVerify:   cfg.MQTT.SSLVerify,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to MQTT broker")
			return 1
		}
		defer pub.Close()
		opts = append(opts, scheduler.WithPublisher(pub))
	}

	walker := collector.NewWalker(resolver.New(sink, settings.DetailInterval), cfg.AddStationField, logger)
	sched := scheduler.NewScheduler(settings, accounts, walker, sink, logger, opts...)

	if cfg.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	if cfg.Health.Enabled {
		health := server.NewHealthChecker(sched)
		srv, err := server.SetupServer(health, server.ServerConfig{
			RateLimit:      cfg.Health.RateLimit,
			RateLimitBurst: cfg.Health.RateLimitBurst,
		}, m, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to set up health server")
			return 1
		}
		defer health.Shutdown()
		go func() {
			if err := server.Serve(ctx, srv, cfg.Health.Addr, logger); err != nil {
				logger.WithError(err).Error("Health server failed")
			}
		}()
	}

	if err := sched.Run(ctx); err != nil {
		logger.WithError(err).Error("Collection stopped")
		return 1
	}
	return 0
}

func newLogger(cfg config.LoggingConfig, verbose, debug bool) *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	if debug {
		level = logrus.TraceLevel
	}
	logger.SetLevel(level)
	return logger
}

// openSink connects the configured sink and returns the encoder matching
// its write protocol.
func openSink(ctx context.Context, cfg *config.Config) (database.Sink, datapoint.Encoder, error) {
	tags := cfg.InfluxDB.TagScheme()

	if cfg.Sink == config.SinkTimescaleDB {
		sink, err := database.NewTimescaleSink(ctx, cfg.Database.ConnString(), tags)
		if err != nil {
			return nil, nil, err
		}
		return sink, datapoint.PointEncoder{Tags: tags}, nil
	}

	encoder, err := datapoint.NewEncoder(cfg.InfluxDB.Version, tags)
	if err != nil {
		return nil, nil, err
	}

	if cfg.InfluxDB.Version == 2 {
		sink, err := database.NewInfluxV2Sink(ctx, database.InfluxV2Options{
			URL:       cfg.InfluxDB.URL,
			Token:     cfg.InfluxDB.Token,
			Org:       cfg.InfluxDB.Org,
			Bucket:    cfg.InfluxDB.Bucket,
			SSLVerify: cfg.InfluxDB.SSLVerify,
			Tags:      tags,
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, encoder, nil
	}

	sink, err := database.NewInfluxV1Sink(ctx, database.InfluxV1Options{
		Host:      cfg.InfluxDB.Host,
		Port:      cfg.InfluxDB.Port,
		User:      cfg.InfluxDB.User,
		Pass:      cfg.InfluxDB.Pass,
		Database:  cfg.InfluxDB.Database,
		SSLEnable: cfg.InfluxDB.SSLEnable,
		SSLVerify: cfg.InfluxDB.SSLVerify,
		Tags:      tags,
	})
	if err != nil {
		return nil, nil, err
	}
	return sink, encoder, nil
}

func buildAccounts(cfg *config.Config, m *metrics.Metrics, logger *logrus.Logger) ([]*collector.Account, error) {
	accounts := make([]*collector.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		overrides, err := a.Overrides()
		if err != nil {
			return nil, err
		}

		clientCfg := api.DefaultClientConfig(a.Token)
		if cfg.API.BaseURL != "" {
			clientCfg.BaseURL = cfg.API.BaseURL
		}
		clientCfg.Timeout = time.Duration(cfg.API.TimeoutSecs) * time.Second
		clientCfg.RateLimit = cfg.API.RateLimit
		clientCfg.RateLimitBurst = cfg.API.RateLimitBurst

		client := api.NewEmporiaClient(clientCfg).WithMetrics(m.APIRequests, m.APILatency)
		acct, err := collector.NewAccount(a.Name, client, overrides, cfg.API.DeviceCacheSize, logger)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", a.Name, err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}
