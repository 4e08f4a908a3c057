// Package vouchers assembles a ready-to-use redemption service.
package vouchers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	mem "voucherkit/adapters/memory"
	"voucherkit/core"
	"voucherkit/engine"
	"voucherkit/holdings"
	"voucherkit/realtime"
	"voucherkit/selection"
)

// Sink receives every domain event. Webhook, Kafka and metrics sinks implement it.
type Sink interface {
	OnEvent(ctx context.Context, e core.Event)
}

// Option configures the service builder.
type Option func(*config)

type config struct {
	storage          engine.Storage
	holdings         holdings.Store
	grantor          core.Grantor
	mode             engine.DispatchMode
	gateway          engine.GatewayConfig
	hub              *realtime.Hub
	sinks            []Sink
	logger           zerolog.Logger
	selectionTimeout time.Duration
	engineOpts       []engine.Option
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithHoldings sets where held voucher quantities live.
func WithHoldings(s holdings.Store) Option { return func(c *config) { c.holdings = s } }

// WithGrantor sets the reward executor.
func WithGrantor(g core.Grantor) Option { return func(c *config) { c.grantor = g } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithGateway tunes the persistence workers.
func WithGateway(g engine.GatewayConfig) Option { return func(c *config) { c.gateway = g } }

// WithRealtime wires a realtime hub to receive all engine events and user messages.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithSink forwards every event to s.
func WithSink(s Sink) Option { return func(c *config) { c.sinks = append(c.sinks, s) } }

func WithLogger(l zerolog.Logger) Option { return func(c *config) { c.logger = l } }

// WithSelectionTimeout bounds how long a reward selection stays open.
func WithSelectionTimeout(d time.Duration) Option {
	return func(c *config) { c.selectionTimeout = d }
}

// WithEngineOptions passes options straight to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, opts...) }
}

// Service bundles the engine with the holdings and selection surfaces.
type Service struct {
	*engine.RedemptionEngine
	Holdings   *holdings.Service
	Selections *selection.Registry
	Hub        *realtime.Hub
}

// New builds a configured Service. If not provided, defaults are used:
//   - storage and holdings: in-memory
//   - grantor: one that rejects every grant
//   - dispatch: async
func New(opts ...Option) *Service {
	cfg := &config{
		mode:             engine.DispatchAsync,
		gateway:          engine.DefaultGatewayConfig(),
		logger:           zerolog.Nop(),
		selectionTimeout: 5 * time.Minute,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.holdings == nil {
		cfg.holdings = holdings.NewMemory()
	}
	if cfg.grantor == nil {
		cfg.grantor = noGrantor{}
	}

	bus := engine.NewEventBus(cfg.mode)
	registry := selection.NewRegistry(cfg.selectionTimeout, bus, cfg.logger)
	eopts := []engine.Option{engine.WithLogger(cfg.logger), engine.WithSelectionSurface(registry)}
	if cfg.hub != nil {
		eopts = append(eopts, engine.WithNotifier(realtime.NewNotifier(cfg.hub)))
		bus.SubscribeAll(cfg.hub.Broadcast)
	}
	for _, s := range cfg.sinks {
		bus.SubscribeAll(s.OnEvent)
	}
	gw := engine.NewGateway(cfg.storage, cfg.gateway, cfg.logger)
	eng := engine.New(engine.NewState(), gw, bus, cfg.grantor, append(eopts, cfg.engineOpts...)...)

	return &Service{
		RedemptionEngine: eng,
		Holdings:         holdings.NewService(cfg.holdings, eng.Catalog(), eng, cfg.logger),
		Selections:       registry,
		Hub:              cfg.hub,
	}
}

// Seed registers vouchers that are not in the catalog yet and returns how many were added.
func (s *Service) Seed(ctx context.Context, vs []core.Voucher) int {
	n := 0
	for _, v := range vs {
		if s.Catalog().Has(v.ID) {
			continue
		}
		if err := s.CreateVoucher(ctx, v); err == nil {
			n++
		}
	}
	return n
}

type noGrantor struct{}

func (noGrantor) RunCommand(context.Context, core.User, string) error {
	return errNoGrantor
}

func (noGrantor) GiveItem(context.Context, core.User, string, int) error {
	return errNoGrantor
}

func (noGrantor) ApplyEffect(context.Context, core.User, string, time.Duration, int) error {
	return errNoGrantor
}

var errNoGrantor = errors.New("no grantor configured")
