package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dnseed/config"
	"dnseed/gateway/middleware"
	"dnseed/gateway/routes"
	"dnseed/observability"
	"dnseed/observability/logging"
	telemetry "dnseed/observability/otel"
	"dnseed/p2p"
	"dnseed/p2p/addrpool"
	"dnseed/p2p/seeds"
	"dnseed/p2p/wire"
	"dnseed/storage"
)

const (
	serviceName     = "dnseed"
	version         = "0.1.0"
	resolveTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	configFile := flag.String("config", "./dnseed.toml", "Path to the configuration file")
	purgeDB := flag.Bool("purge-db", false, "Delete every stored address before starting")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(serviceName, version)
		return
	}
	if err := run(*configFile, *purgeDB); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(configFile string, purgeDB bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        cfg.Log.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	instanceID := uuid.NewString()
	logger = logger.With(slog.String("instance", instanceID))
	observability.Process().RecordStart(version, cfg.Network, instanceID, time.Now())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: serviceName,
			Environment: cfg.Log.Env,
			InstanceID:  instanceID,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	genesis, err := cfg.Genesis()
	if err != nil {
		return err
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("prepare data dir: %w", err)
		}
	}

	store, err := storage.Open(cfg.Storage.Backend, cfg.StorageDSN())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if purgeDB {
		if err := store.Purge(ctx); err != nil {
			return fmt.Errorf("purge storage: %w", err)
		}
		logger.Info("Stored addresses purged", slog.String("backend", cfg.Storage.Backend))
	}

	writer := storage.NewWriter(store, storage.WriterConfig{
		QueueSize:    cfg.Storage.QueueSize,
		ShowStats:    cfg.Storage.ShowStats,
		StatInterval: time.Duration(cfg.Storage.StatIntervalSeconds) * time.Second,
		Logger:       logger,
	})
	pool := addrpool.New(addrpool.Config{
		GoodScore: cfg.GoodAddressScore,
		Persister: writer,
	})
	if err := loadPool(ctx, logger, store, pool); err != nil {
		return err
	}
	addTrusted(ctx, logger, cfg, pool)

	transport := p2p.NewServer(p2p.ServerConfig{
		ListenIPv4: cfg.ListenIPv4,
		ListenIPv6: cfg.ListenIPv6,
		Shards:     cfg.Shards(),
		MaxInbound: cfg.MaxInbound,

		InboundPerIPRate:  cfg.InboundPerIPRate,
		InboundPerIPBurst: cfg.InboundPerIPBurst,

		Logger: logger,
	})
	if err := transport.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer transport.Close()

	stats := &p2p.RunStats{}
	dispatcher := p2p.NewDispatcher(transport, p2p.PeerConfig{
		Magic:             cfg.Magic(),
		Pool:              pool,
		DefaultPort:       cfg.DefaultPort,
		AddressesPerReply: cfg.AddressesPerReply,
		AllowAllAddresses: cfg.AllowAllAddresses,
		GenesisHash:       genesis,
	}, p2p.DispatchConfig{
		ProbesPerSecond: cfg.ProbesPerSecond,
		StressTest:      cfg.StressTest,
		Logger:          logger,
	}, stats)

	// The writer outlives the group so events posted while peers are torn
	// down still reach the store.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() { writerDone <- component("storage_writer", func() error { return writer.Run(writerCtx) }) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return component("dispatch", func() error { return dispatcher.Run(gctx) })
	})
	g.Go(func() error {
		stats.Report(gctx, logger, pool, cfg.StatInterval(), cfg.ShowRunStats)
		return nil
	})
	if cfg.DNS.Enabled {
		dnsServer := seeds.NewDNSServer(seeds.DNSConfig{
			ListenAddress:    cfg.DNS.ListenAddress,
			Zone:             cfg.DNS.Zone,
			NameServer:       cfg.DNS.NameServer,
			TTL:              time.Duration(cfg.DNS.TTLSeconds) * time.Second,
			MaxAnswers:       cfg.DNS.MaxAnswers,
			QueriesPerSecond: cfg.DNS.QueriesPerSecond,
			DefaultPort:      cfg.DefaultPort,
			Logger:           logger,
		}, pool)
		g.Go(func() error {
			return component("dns", func() error { return dnsServer.Run(gctx) })
		})
	}
	if cfg.Admin.Enabled {
		handler, err := routes.Handler(routes.Config{
			Pool:        pool,
			Stats:       stats,
			Storage:     writer,
			InstanceID:  instanceID,
			RateLimiter: middleware.NewRateLimiter(routes.RateLimits(cfg.Admin.RequestsPerMinute), logger),
			Observability: middleware.NewObservability(middleware.ObservabilityConfig{
				ServiceName: serviceName + "-admin",
				LogRequests: cfg.Admin.LogRequests,
				Enabled:     true,
			}, logger),
			Logger: logger,
		})
		if err != nil {
			stopWriter()
			<-writerDone
			return fmt.Errorf("build admin handler: %w", err)
		}
		admin := &http.Server{
			Addr:              cfg.Admin.ListenAddress,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			return component("admin", func() error {
				logger.Info("Admin endpoint listening", slog.String("address", cfg.Admin.ListenAddress))
				if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("admin: %w", err)
				}
				return nil
			})
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Seeder started",
		slog.String("network", cfg.Network),
		slog.Int("shards", transport.Shards()),
		slog.Int("pool_size", pool.Len()))

	runErr := g.Wait()
	if err := transport.Close(); err != nil {
		logger.Warn("Transport close failed", slog.Any("error", err))
	}
	stopWriter()
	if err := <-writerDone; err != nil && runErr == nil {
		runErr = err
	}
	logger.Info("Seeder stopped", slog.Any("writer", writer.Stats()))
	return runErr
}

// component flags name as up in the process metrics while fn runs.
func component(name string, fn func() error) error {
	observability.Process().ComponentUp(name, true)
	defer observability.Process().ComponentUp(name, false)
	return fn()
}

func loadPool(ctx context.Context, logger *slog.Logger, store storage.AddressStore, pool *addrpool.Pool) error {
	records, err := store.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("load stored addresses: %w", err)
	}
	skipped := 0
	for _, rec := range records {
		addr, err := netip.ParseAddr(rec.Address)
		if err != nil {
			skipped++
			continue
		}
		if !pool.AddFromPersistence(wire.NewEndpoint(addr, rec.Port), rec.Services, rec.Score) {
			skipped++
		}
	}
	logger.Info("Stored addresses loaded",
		slog.Int("records", len(records)),
		slog.Int("skipped", skipped))
	return nil
}

func addTrusted(ctx context.Context, logger *slog.Logger, cfg *config.Config, pool *addrpool.Pool) {
	if len(cfg.TrustedAddresses) == 0 {
		return
	}
	resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	endpoints, err := seeds.ResolveTrusted(resolveCtx, seeds.DefaultResolver(), cfg.TrustedAddresses, cfg.DefaultPort)
	if err != nil {
		logger.Warn("Some trusted addresses were ignored", slog.Any("error", err))
	}
	for _, ep := range endpoints {
		pool.AddTrusted(ep)
	}
	logger.Info("Trusted addresses added", slog.Int("count", len(endpoints)))
}
