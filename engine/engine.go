package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"voucherkit/catalog"
	"voucherkit/cooldown"
	"voucherkit/core"
	"voucherkit/ledger"
	"voucherkit/weighted"
)

// Status of a redemption that passed validation.
type Status string

const (
	StatusRedeemed         Status = "redeemed"
	StatusPendingSelection Status = "pending_selection"
)

// RedeemOptions bypass individual validation steps.
type RedeemOptions struct {
	IgnoreLimit    bool
	IgnoreCooldown bool
}

// Outcome describes a redemption that passed validation.
type Outcome struct {
	Status    Status                 `json:"status"`
	VoucherID string                 `json:"voucher"`
	Mode      core.RewardMode        `json:"mode"`
	Granted   core.Rewards           `json:"granted,omitempty"`
	Choices   core.Rewards           `json:"choices,omitempty"`
	Record    *core.RedemptionRecord `json:"record,omitempty"`
	// Token identifies the open selection of a pending outcome.
	Token string `json:"token,omitempty"`
}

// State is the process-wide in-memory state owned by the engine.
type State struct {
	Catalog   *catalog.Catalog
	Ledger    *ledger.Ledger
	Cooldowns *cooldown.Tracker
}

func NewState() State {
	return State{Catalog: catalog.New(), Ledger: ledger.New(), Cooldowns: cooldown.New()}
}

// RedemptionEngine validates redemption attempts, executes rewards under the
// voucher's reward mode and records the result.
type RedemptionEngine struct {
	state    State
	gateway  *Gateway
	bus      *EventBus
	grantor  core.Grantor
	notifier Notifier
	surface  SelectionSurface
	locale   core.Locale
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	guaranteedSelect bool
	denialMessages   bool
	locks            *keyLock
}

type Option func(*RedemptionEngine)

func WithNotifier(n Notifier) Option {
	return func(e *RedemptionEngine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithSelectionSurface(s SelectionSurface) Option {
	return func(e *RedemptionEngine) { e.surface = s }
}

func WithLocale(l core.Locale) Option { return func(e *RedemptionEngine) { e.locale = l } }

func WithLogger(l zerolog.Logger) Option { return func(e *RedemptionEngine) { e.logger = l } }

func WithTracer(t trace.Tracer) Option {
	return func(e *RedemptionEngine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *RedemptionEngine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithRand(r *rand.Rand) Option {
	return func(e *RedemptionEngine) {
		if r != nil {
			e.rng = r
		}
	}
}

// WithGuaranteedSelection controls whether a chosen REWARD_SELECT reward always
// executes. When false, it executes only if a roll against its chance succeeds.
func WithGuaranteedSelection(on bool) Option {
	return func(e *RedemptionEngine) { e.guaranteedSelect = on }
}

// WithDenialMessages toggles sending the locale line to denied users.
func WithDenialMessages(on bool) Option {
	return func(e *RedemptionEngine) { e.denialMessages = on }
}

func New(state State, gateway *Gateway, bus *EventBus, grantor core.Grantor, opts ...Option) *RedemptionEngine {
	if state.Catalog == nil || state.Ledger == nil || state.Cooldowns == nil || gateway == nil || bus == nil || grantor == nil {
		panic("engine.New requires non-nil state, gateway, bus, and grantor")
	}
	e := &RedemptionEngine{
		state:            state,
		gateway:          gateway,
		bus:              bus,
		grantor:          grantor,
		notifier:         nopNotifier{},
		locale:           core.DefaultLocale(),
		logger:           zerolog.Nop(),
		tracer:           otel.Tracer("voucherkit/engine"),
		now:              time.Now,
		rng:              weighted.NewRand(),
		guaranteedSelect: true,
		denialMessages:   true,
		locks:            newKeyLock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()
	return e
}

func (e *RedemptionEngine) Catalog() *catalog.Catalog    { return e.state.Catalog }
func (e *RedemptionEngine) Ledger() *ledger.Ledger       { return e.state.Ledger }
func (e *RedemptionEngine) Cooldowns() *cooldown.Tracker { return e.state.Cooldowns }

// Subscribe convenience method.
func (e *RedemptionEngine) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return e.bus.Subscribe(typ, handler)
}

func (e *RedemptionEngine) Publish(ctx context.Context, ev core.Event) { e.bus.Publish(ctx, ev) }

// DroppedEvents counts events the async bus discarded because its queue was full.
func (e *RedemptionEngine) DroppedEvents() int64 { return e.bus.Dropped() }

// RedeemByID resolves the voucher from the catalog and redeems it.
func (e *RedemptionEngine) RedeemByID(ctx context.Context, user core.User, voucherID string, opts RedeemOptions) (Outcome, error) {
	v, err := e.state.Catalog.Get(voucherID)
	if err != nil {
		if user != nil {
			if uid, nerr := core.NormalizeUserID(user.ID()); nerr == nil {
				e.deny(ctx, user, uid, core.Voucher{ID: voucherID}, err)
			}
		}
		return Outcome{}, fmt.Errorf("redeem %q: %w", voucherID, err)
	}
	return e.Redeem(ctx, user, v, opts)
}

// Redeem runs one redemption attempt. Validation failures leave no side
// effects. For REWARD_SELECT the outcome is pending until the selection
// surface reports a choice. A reward execution error is returned together
// with the outcome; the redemption is still recorded.
func (e *RedemptionEngine) Redeem(ctx context.Context, user core.User, v core.Voucher, opts RedeemOptions) (out Outcome, err error) {
	if user == nil {
		return Outcome{}, errors.New("redeem: nil user")
	}
	uid, err := core.NormalizeUserID(user.ID())
	if err != nil {
		return Outcome{}, err
	}
	ctx, span := e.tracer.Start(ctx, "voucher.redeem", trace.WithAttributes(
		attribute.String("voucher.id", v.ID),
		attribute.String("voucher.mode", string(v.RewardMode)),
		attribute.String("user.id", string(uid)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("redeem.status", string(out.Status)))
		}
		span.End()
	}()

	unlock := e.locks.Lock(string(uid) + "\x00" + v.Key())
	defer unlock()

	now := e.now()
	if err := e.validate(uid, user, v, opts, now); err != nil {
		e.deny(ctx, user, uid, v, err)
		return Outcome{}, err
	}
	consumed, err := e.claim(ctx, user, v)
	if err != nil {
		e.deny(ctx, user, uid, v, err)
		return Outcome{}, err
	}

	e.notify(ctx, user, v)

	var granted core.Rewards
	switch v.RewardMode {
	case core.ModeRewardSelect:
		unlock()
		return e.presentSelection(ctx, user, uid, v, opts, consumed)
	case core.ModeRandom:
		e.rngMu.Lock()
		sel := weighted.New[core.Reward](e.rng)
		for _, r := range v.Rewards {
			sel.Add(r, r.Weight())
		}
		r, _ := sel.Pick()
		e.rngMu.Unlock()
		granted = core.Rewards{r}
	default:
		granted = v.Rewards
	}

	execErr := e.execute(ctx, user, uid, v, granted)
	rec := e.complete(ctx, user, uid, v, opts, now, consumed)
	out = Outcome{Status: StatusRedeemed, VoucherID: v.ID, Mode: v.RewardMode, Granted: granted, Record: &rec}
	if execErr != nil {
		return out, fmt.Errorf("%w: %w", core.ErrRewardExecution, execErr)
	}
	return out, nil
}

func (e *RedemptionEngine) validate(uid core.UserID, user core.User, v core.Voucher, opts RedeemOptions, now time.Time) error {
	o := v.Options
	if o.RequiresPermission && !user.HasPermission(o.Permission) {
		return core.ErrNotAllowed
	}
	if !opts.IgnoreLimit && o.MaxUses >= 0 && e.state.Ledger.CountFor(uid, v.ID) >= o.MaxUses {
		return core.ErrLimitReached
	}
	if !opts.IgnoreCooldown {
		if rem := e.state.Cooldowns.Remaining(uid, v.ID, now); rem > 0 {
			return &core.CooldownError{VoucherID: v.ID, Remaining: rem}
		}
	}
	if !v.RewardMode.Valid() {
		return fmt.Errorf("%w: unknown reward mode %q", core.ErrInvalidVoucher, v.RewardMode)
	}
	return v.Redeemable()
}

// claim reserves the held unit of users backed by shared inventory. It reports
// whether the unit was already taken, in which case completion must not take it again.
func (e *RedemptionEngine) claim(ctx context.Context, user core.User, v core.Voucher) (bool, error) {
	r, ok := user.(core.Reserver)
	if !ok {
		return false, nil
	}
	if err := r.Reserve(ctx, v.Options.RemoveOnUse); err != nil {
		if !core.IsNotHeld(err) {
			err = fmt.Errorf("%w: %w", core.ErrNotHeld, err)
		}
		return false, err
	}
	return v.Options.RemoveOnUse, nil
}

func release(ctx context.Context, user core.User, consumed bool) {
	if !consumed {
		return
	}
	if r, ok := user.(core.Reserver); ok {
		r.Release(ctx)
	}
}

func denialReason(err error) string {
	switch {
	case core.IsNotAllowed(err):
		return "not_allowed"
	case core.IsLimitReached(err):
		return "limit_reached"
	case core.IsOnCooldown(err):
		return "on_cooldown"
	case core.IsNotHeld(err):
		return "not_held"
	case core.IsNotFound(err):
		return "not_found"
	case errors.Is(err, core.ErrNoRewards):
		return "no_rewards"
	default:
		return "invalid"
	}
}

func (e *RedemptionEngine) deny(ctx context.Context, user core.User, uid core.UserID, v core.Voucher, err error) {
	e.logger.Debug().Str("user", string(uid)).Str("voucher", v.ID).Err(err).Msg("redemption denied")
	if e.denialMessages {
		if msg := core.DenialMessage(err, e.locale); msg != "" {
			if serr := e.notifier.Send(ctx, user, core.MessageChat, core.Render(msg, user, v)); serr != nil {
				e.logger.Warn().Err(serr).Str("user", string(uid)).Msg("denial message not delivered")
			}
		}
	}
	e.bus.Publish(ctx, core.NewDenied(uid, v.ID, denialReason(err)))
}

// notify shows the title/subtitle pair as one display and sends every other
// message in authoring order.
func (e *RedemptionEngine) notify(ctx context.Context, user core.User, v core.Voucher) {
	msgs := v.Options.Messages
	if len(msgs) == 0 {
		return
	}
	if d, ok := core.CollectTitle(msgs); ok {
		var title, subtitle string
		if d.Title != nil {
			title = core.Render(d.Title.Text, user, v)
		}
		if d.Subtitle != nil {
			subtitle = core.Render(d.Subtitle.Text, user, v)
		}
		if err := e.notifier.ShowTitle(ctx, user, title, subtitle, d.Timing); err != nil {
			e.logger.Warn().Err(err).Str("voucher", v.ID).Msg("title not delivered")
		}
	}
	for _, m := range msgs {
		if m.IsTitle() {
			continue
		}
		if err := e.notifier.Send(ctx, user, m.Type, core.Render(m.Text, user, v)); err != nil {
			e.logger.Warn().Err(err).Str("voucher", v.ID).Str("type", string(m.Type)).Msg("message not delivered")
		}
	}
}

// execute runs every reward once, in order, and joins their errors.
func (e *RedemptionEngine) execute(ctx context.Context, user core.User, uid core.UserID, v core.Voucher, rewards core.Rewards) error {
	var errs []error
	for i, r := range rewards {
		if err := r.Execute(ctx, e.grantor, user, false); err != nil {
			e.logger.Error().Err(err).Str("user", string(uid)).Str("voucher", v.ID).Int("reward", i).Msg("reward execution failed")
			e.bus.Publish(ctx, core.NewRewardFailed(uid, v.ID, r, err))
			errs = append(errs, fmt.Errorf("reward %d (%s): %w", i, r.Kind(), err))
			continue
		}
		e.bus.Publish(ctx, core.NewRewardGranted(uid, v.ID, r))
	}
	return errors.Join(errs...)
}

// complete consumes the held voucher, starts the cooldown and records the
// redemption. The ledger is updated before the durable write is requested and
// is never rolled back if that write fails.
func (e *RedemptionEngine) complete(ctx context.Context, user core.User, uid core.UserID, v core.Voucher, opts RedeemOptions, now time.Time, consumed bool) core.RedemptionRecord {
	if v.Options.RemoveOnUse && !consumed {
		if inv, ok := user.(core.Inventory); ok {
			if q := inv.HeldQuantity(); q >= 2 {
				inv.SetHeldQuantity(q - 1)
			} else {
				inv.SetHeldQuantity(0)
			}
		}
	}
	if !opts.IgnoreCooldown && v.Options.CooldownSeconds > 0 {
		e.state.Cooldowns.Set(uid, v.ID, now, v.Options.CooldownSeconds)
	}
	rec := core.RedemptionRecord{ID: uuid.NewString(), UserID: uid, VoucherID: v.ID, Time: now.UTC()}
	e.state.Ledger.Add(rec)
	e.bus.Publish(ctx, core.NewRedeemed(rec, v.RewardMode))
	e.gateway.CreateRecord(rec, func(r core.RedemptionRecord, err error) {
		if err != nil {
			e.logger.Error().Err(err).Str("record", r.ID).Str("user", string(r.UserID)).Str("voucher", r.VoucherID).Msg("redemption record not persisted")
			e.bus.Publish(context.Background(), core.NewPersistFailed(r, err))
			return
		}
		e.bus.Publish(context.Background(), core.NewPersisted(r))
	})
	return rec
}

func (e *RedemptionEngine) presentSelection(ctx context.Context, user core.User, uid core.UserID, v core.Voucher, opts RedeemOptions, consumed bool) (Outcome, error) {
	bg := context.WithoutCancel(ctx)
	if e.surface == nil {
		release(bg, user, consumed)
		return Outcome{}, fmt.Errorf("%w: no selection surface configured", core.ErrSelection)
	}
	var once sync.Once
	onChosen := func(r core.Reward) {
		once.Do(func() {
			if r == nil {
				release(bg, user, consumed)
				return
			}
			// no re-validation here; concurrent selections for one pair may both complete
			unlock := e.locks.Lock(string(uid) + "\x00" + v.Key())
			defer unlock()
			if e.guaranteedSelect || e.roll(r.Weight()) {
				if err := e.execute(bg, user, uid, v, core.Rewards{r}); err != nil {
					e.logger.Error().Err(err).Str("voucher", v.ID).Msg("selected reward failed")
				}
			}
			e.complete(bg, user, uid, v, opts, e.now(), consumed)
		})
	}
	token, err := e.surface.Present(ctx, user, v, onChosen)
	if err != nil {
		release(bg, user, consumed)
		return Outcome{}, fmt.Errorf("%w: %w", core.ErrSelection, err)
	}
	return Outcome{Status: StatusPendingSelection, VoucherID: v.ID, Mode: v.RewardMode, Choices: v.Rewards, Token: token}, nil
}

// roll succeeds with probability chance percent.
func (e *RedemptionEngine) roll(chance float64) bool {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()*100 < chance
}

// Hydrate loads stored vouchers and records into the catalog and the ledger.
func (e *RedemptionEngine) Hydrate(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vs, err := await(gctx, func(done func([]core.Voucher, error)) { e.gateway.LoadAllVouchers(gctx, done) })
		if err != nil {
			return fmt.Errorf("load vouchers: %w", err)
		}
		for _, skipped := range e.state.Catalog.Replace(vs) {
			e.logger.Warn().Err(skipped).Msg("stored voucher skipped")
		}
		return nil
	})
	g.Go(func() error {
		recs, err := await(gctx, func(done func([]core.RedemptionRecord, error)) { e.gateway.LoadAllRecords(gctx, done) })
		if err != nil {
			return fmt.Errorf("load records: %w", err)
		}
		e.state.Ledger.LoadFrom(recs)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info().Int("vouchers", e.state.Catalog.Len()).Int("records", e.state.Ledger.Len()).Msg("state hydrated")
	return nil
}

func await[T any](ctx context.Context, call func(done func(T, error))) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	call(func(v T, err error) { ch <- result{v, err} })
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// CreateVoucher registers a new voucher and persists it in the background.
func (e *RedemptionEngine) CreateVoucher(ctx context.Context, v core.Voucher) error {
	if err := e.state.Catalog.Create(v); err != nil {
		return err
	}
	e.persistVoucher(v)
	return nil
}

// SaveVoucher overwrites a voucher and persists it in the background. The id
// of an existing voucher never changes, not even its case.
func (e *RedemptionEngine) SaveVoucher(ctx context.Context, v core.Voucher) error {
	stored, err := e.state.Catalog.Put(v)
	if err != nil {
		return err
	}
	e.persistVoucher(stored)
	return nil
}

func (e *RedemptionEngine) persistVoucher(v core.Voucher) {
	e.gateway.SaveVoucher(v, func(err error) {
		if err != nil {
			e.logger.Error().Err(err).Str("voucher", v.ID).Msg("voucher not persisted")
		}
	})
}

func (e *RedemptionEngine) DeleteVoucher(ctx context.Context, id string) error {
	if !e.state.Catalog.Remove(id) {
		return core.ErrVoucherNotFound
	}
	e.gateway.DeleteVoucher(core.NormalizeVoucherID(id), func(err error) {
		if err != nil {
			e.logger.Error().Err(err).Str("voucher", id).Msg("voucher delete not persisted")
		}
	})
	return nil
}

// ImportRecord adds a historical redemption to the ledger and persists it.
// It reports false when the record id is already known.
func (e *RedemptionEngine) ImportRecord(ctx context.Context, rec core.RedemptionRecord) (bool, error) {
	uid, err := core.NormalizeUserID(rec.UserID)
	if err != nil {
		return false, err
	}
	if err := core.ValidateVoucherID(rec.VoucherID); err != nil {
		return false, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.UserID = uid
	rec.Time = rec.Time.UTC()
	if !e.state.Ledger.Add(rec) {
		return false, nil
	}
	e.gateway.CreateRecord(rec, func(r core.RedemptionRecord, err error) {
		if err != nil {
			e.logger.Error().Err(err).Str("record", r.ID).Msg("imported record not persisted")
			e.bus.Publish(context.Background(), core.NewPersistFailed(r, err))
		}
	})
	return true, nil
}

// Flush waits for background writes.
func (e *RedemptionEngine) Flush() { e.gateway.Flush() }

// Close drains pending writes and stops the bus.
func (e *RedemptionEngine) Close() {
	e.gateway.Close()
	e.bus.Close()
}
