package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"voucherkit/adapters/jsonfile"
	mem "voucherkit/adapters/memory"
	redisAdapter "voucherkit/adapters/redis"
	sqlxAdapter "voucherkit/adapters/sqlx"
	"voucherkit/analytics"
	"voucherkit/api/httpapi"
	"voucherkit/config"
	"voucherkit/core"
	"voucherkit/engine"
	"voucherkit/holdings"
	"voucherkit/importer"
	kafkasink "voucherkit/integrations/kafka"
	"voucherkit/integrations/webhook"
	"voucherkit/metrics"
	"voucherkit/realtime"
	"voucherkit/vouchers"
)

// App aggregates the assembled server components.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Service  *vouchers.Service
	Importer *importer.Importer
	Server   *http.Server
}

// Options are the command line inputs that shape the configuration.
type Options struct {
	ConfigFile string
	Profile    string
}

// MetricsHandler serves the Prometheus registry; nil when metrics are off.
type MetricsHandler http.Handler

// backend pairs the storage adapter with the holdings store it can also serve.
type backend struct {
	storage  engine.Storage
	holdings holdings.Store
}

func provideConfig(opts Options) (*config.Config, error) {
	switch {
	case opts.ConfigFile != "":
		return config.LoadFromFile(opts.ConfigFile)
	case opts.Profile != "":
		return config.LoadWithProfile(opts.Profile)
	case os.Getenv("VOUCHERKIT_PROFILE") != "":
		return config.LoadWithProfile(os.Getenv("VOUCHERKIT_PROFILE"))
	default:
		return config.Load()
	}
}

func provideLogger(cfg *config.Config) zerolog.Logger {
	return config.NewLogger(cfg.Logging)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

// provideBackend opens the configured storage adapter. Redis also keeps the
// held voucher stacks; the other adapters hold them in memory.
func provideBackend(cfg *config.Config, logger zerolog.Logger) (backend, func(), error) {
	nop := func() {}
	switch cfg.Storage.Adapter {
	case "memory":
		return backend{storage: mem.New(), holdings: holdings.NewMemory()}, nop, nil
	case "redis":
		store, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return backend{}, nil, err
		}
		return backend{storage: store, holdings: store}, func() { _ = store.Close() }, nil
	case "sql":
		store, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return backend{}, nil, err
		}
		logger.Warn().Msg("sql storage keeps held vouchers in memory only")
		return backend{storage: store, holdings: holdings.NewMemory()}, func() { _ = store.Close() }, nil
	case "file":
		store, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return backend{}, nil, err
		}
		logger.Warn().Msg("file storage keeps held vouchers in memory only")
		return backend{storage: store, holdings: holdings.NewMemory()}, nop, nil
	default:
		return backend{}, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func provideGrantor(cfg *config.Config, logger zerolog.Logger) core.Grantor {
	if cfg.Redemption.GrantorWebhookURL == "" {
		return webhook.LogGrantor{Logger: logger.With().Str("component", "grantor").Logger()}
	}
	return webhook.NewGrantor(cfg.Redemption.GrantorWebhookURL,
		webhook.WithSecret(cfg.Redemption.GrantorWebhookAuth),
		webhook.WithClient(&http.Client{Timeout: cfg.Webhook.Timeout}),
	)
}

func provideActivity() *analytics.Activity {
	return analytics.NewActivity()
}

func provideCollector(cfg *config.Config) *metrics.Collector {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New(cfg.Metrics.Namespace)
}

// provideSinks builds the event sinks the configuration enables.
func provideSinks(cfg *config.Config, logger zerolog.Logger, collector *metrics.Collector, activity *analytics.Activity) ([]vouchers.Sink, func()) {
	sinks := []vouchers.Sink{activity}
	cleanup := func() {}
	if collector != nil {
		sinks = append(sinks, collector)
	}
	if len(cfg.Webhook.Endpoints) > 0 {
		types := make([]core.EventType, 0, len(cfg.Webhook.EventTypes))
		for _, t := range cfg.Webhook.EventTypes {
			types = append(types, core.EventType(t))
		}
		sinks = append(sinks, webhook.New(cfg.Webhook.Endpoints,
			webhook.WithEventTypes(types...),
			webhook.WithSecret(cfg.Webhook.Secret),
			webhook.WithClient(&http.Client{Timeout: cfg.Webhook.Timeout}),
			webhook.WithLogger(logger),
		))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink := kafkasink.NewSink(kafkasink.NewWriter(kafkasink.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}), logger)
		sinks = append(sinks, sink)
		cleanup = func() {
			if err := sink.Close(); err != nil {
				logger.Warn().Err(err).Msg("kafka writer close")
			}
		}
	}
	return sinks, cleanup
}

// provideService assembles the engine, restores stored state and applies the seed catalog.
func provideService(ctx context.Context, cfg *config.Config, logger zerolog.Logger, b backend, hub *realtime.Hub, grantor core.Grantor, sinks []vouchers.Sink, activity *analytics.Activity) (*vouchers.Service, func(), error) {
	mode := engine.DispatchSync
	if cfg.Redemption.AsyncEvents {
		mode = engine.DispatchAsync
	}
	opts := []vouchers.Option{
		vouchers.WithStorage(b.storage),
		vouchers.WithHoldings(b.holdings),
		vouchers.WithGrantor(grantor),
		vouchers.WithDispatchMode(mode),
		vouchers.WithRealtime(hub),
		vouchers.WithLogger(logger),
		vouchers.WithSelectionTimeout(cfg.Redemption.SelectionTimeout),
		vouchers.WithGateway(engine.GatewayConfig{
			Workers:   cfg.Redemption.PersistWorkers,
			QueueSize: cfg.Redemption.PersistQueue,
			Timeout:   cfg.Redemption.PersistTimeout,
		}),
		vouchers.WithEngineOptions(
			engine.WithLocale(cfg.Messages),
			engine.WithGuaranteedSelection(cfg.Redemption.GuaranteedSelect),
			engine.WithDenialMessages(cfg.Redemption.DenialMessages),
		),
	}
	for _, s := range sinks {
		opts = append(opts, vouchers.WithSink(s))
	}
	svc := vouchers.New(opts...)
	cleanup := func() {
		svc.Flush()
		svc.Close()
	}

	if cfg.Redemption.HydrateOnStartup {
		if err := svc.Hydrate(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("hydrate: %w", err)
		}
		activity.Backfill(svc.Ledger().All())
	}
	if cfg.Catalog.SeedFile != "" {
		if err := seedCatalog(ctx, svc, cfg.Catalog.SeedFile, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	logger.Info().
		Int("vouchers", svc.Catalog().Len()).
		Int("records", svc.Ledger().Len()).
		Msg("redemption state loaded")
	return svc, cleanup, nil
}

func seedCatalog(ctx context.Context, svc *vouchers.Service, path string, logger zerolog.Logger) error {
	vs, bad, err := importer.LoadSeedFile(path)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	for _, e := range bad {
		logger.Warn().Err(e).Str("file", path).Msg("seed voucher skipped")
	}
	n := svc.Seed(ctx, vs)
	logger.Info().Int("added", n).Int("declared", len(vs)).Str("file", path).Msg("catalog seeded")
	return nil
}

func provideImporter(svc *vouchers.Service, logger zerolog.Logger) *importer.Importer {
	return importer.New(svc.RedemptionEngine, logger)
}

// provideMetricsHandler registers the sampled gauges and returns the scrape handler.
func provideMetricsHandler(cfg *config.Config, collector *metrics.Collector, svc *vouchers.Service, hub *realtime.Hub) MetricsHandler {
	if collector == nil {
		return nil
	}
	ns := cfg.Metrics.Namespace
	collector.Gauge(ns, "catalog_vouchers", "Vouchers in the catalog.", func() float64 {
		return float64(svc.Catalog().Len())
	})
	collector.Gauge(ns, "ledger_records", "Redemption records in the ledger.", func() float64 {
		return float64(svc.Ledger().Len())
	})
	collector.Gauge(ns, "realtime_subscribers", "Open event stream subscriptions.", func() float64 {
		return float64(hub.Subscribers())
	})
	collector.Gauge(ns, "realtime_dropped_events", "Events dropped for slow stream subscribers.", func() float64 {
		return float64(hub.Dropped())
	})
	collector.Gauge(ns, "bus_dropped_events", "Events the async bus dropped on a full queue.", func() float64 {
		return float64(svc.DroppedEvents())
	})
	return collector.Handler()
}

func provideHandler(cfg *config.Config, svc *vouchers.Service, im *importer.Importer, activity *analytics.Activity, mh MetricsHandler, logger zerolog.Logger) http.Handler {
	deps := httpapi.Deps{
		Engine:     svc.RedemptionEngine,
		Holdings:   svc.Holdings,
		Selections: svc.Selections,
		Importer:   im,
		Hub:        svc.Hub,
		Stats:      activity,
		Metrics:    mh,
		Logger:     logger.With().Str("component", "httpapi").Logger(),
	}
	return httpapi.NewMux(deps, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		MetricsPath:      cfg.Metrics.Path,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}
