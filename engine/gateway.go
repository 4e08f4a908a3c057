package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voucherkit/core"
)

// ErrGatewayClosed is delivered to callbacks of writes submitted after Close.
var ErrGatewayClosed = errors.New("persistence gateway closed")

// GatewayConfig sizes the write pool.
type GatewayConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds every single storage call.
	Timeout time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{Workers: 4, QueueSize: 1024, Timeout: 5 * time.Second}
}

// Gateway writes to Storage off the caller's path. Results are delivered to
// callbacks, never returned; callbacks run on gateway goroutines.
// Writes sharing a key run on the same worker, in submission order.
type Gateway struct {
	store   Storage
	cfg     GatewayConfig
	logger  zerolog.Logger
	shards  []chan func()
	workers sync.WaitGroup
	mu      sync.RWMutex
	closed  bool

	inflightMu sync.Mutex
	idle       *sync.Cond
	inflight   int
}

func NewGateway(store Storage, cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	if store == nil {
		panic("NewGateway requires a storage")
	}
	def := DefaultGatewayConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	g := &Gateway{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "gateway").Logger(),
		shards: make([]chan func(), cfg.Workers),
	}
	g.idle = sync.NewCond(&g.inflightMu)
	for i := range g.shards {
		jobs := make(chan func(), cfg.QueueSize)
		g.shards[i] = jobs
		g.workers.Add(1)
		go func() {
			defer g.workers.Done()
			for job := range jobs {
				job()
			}
		}()
	}
	return g
}

func (g *Gateway) shard(key string) chan func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

// submit queues job on the shard of key. When the shard is full an ordered
// write waits for room; an unordered one runs on its own goroutine. No write is dropped.
func (g *Gateway) submit(key string, ordered bool, job func(ctx context.Context) error, done func(error)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		if done != nil {
			go done(ErrGatewayClosed)
		}
		return
	}
	g.begin()
	run := func() {
		defer g.end()
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
		err := job(ctx)
		cancel()
		if err != nil {
			err = fmt.Errorf("%w: %w", core.ErrPersistence, err)
		}
		if done != nil {
			done(err)
		}
	}
	jobs := g.shard(key)
	if ordered {
		jobs <- run
		return
	}
	select {
	case jobs <- run:
	default:
		g.logger.Warn().Int("queue_size", g.cfg.QueueSize).Msg("write queue full, spawning writer")
		go run()
	}
}

// CreateRecord persists rec and reports the outcome to done.
func (g *Gateway) CreateRecord(rec core.RedemptionRecord, done func(core.RedemptionRecord, error)) {
	g.submit(rec.ID, false, func(ctx context.Context) error {
		return g.store.CreateRecord(ctx, rec)
	}, func(err error) {
		if done != nil {
			done(rec, err)
		}
	})
}

// SaveVoucher upserts a voucher template.
func (g *Gateway) SaveVoucher(v core.Voucher, done func(error)) {
	v = v.Clone()
	g.submit(v.Key(), true, func(ctx context.Context) error { return g.store.SaveVoucher(ctx, v) }, done)
}

func (g *Gateway) DeleteVoucher(id string, done func(error)) {
	g.submit(core.NormalizeVoucherID(id), true, func(ctx context.Context) error { return g.store.DeleteVoucher(ctx, id) }, done)
}

// LoadAllRecords reads every stored record in the background.
func (g *Gateway) LoadAllRecords(ctx context.Context, done func([]core.RedemptionRecord, error)) {
	go func() {
		recs, err := g.store.LoadRecords(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", core.ErrPersistence, err)
		}
		done(recs, err)
	}()
}

// LoadAllVouchers reads every stored voucher in the background.
func (g *Gateway) LoadAllVouchers(ctx context.Context, done func([]core.Voucher, error)) {
	go func() {
		vs, err := g.store.LoadVouchers(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", core.ErrPersistence, err)
		}
		done(vs, err)
	}()
}

func (g *Gateway) begin() {
	g.inflightMu.Lock()
	g.inflight++
	g.inflightMu.Unlock()
}

func (g *Gateway) end() {
	g.inflightMu.Lock()
	g.inflight--
	if g.inflight == 0 {
		g.idle.Broadcast()
	}
	g.inflightMu.Unlock()
}

// Flush blocks until no write is in flight. It may be called while other
// goroutines keep submitting; it then returns at the first idle moment.
func (g *Gateway) Flush() {
	g.inflightMu.Lock()
	for g.inflight > 0 {
		g.idle.Wait()
	}
	g.inflightMu.Unlock()
}

// Close flushes pending writes and stops the workers. Later writes fail with ErrGatewayClosed.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.Flush()
	for _, jobs := range g.shards {
		close(jobs)
	}
	g.workers.Wait()
}
