// Package holdings tracks the voucher items users hold and implements the
// give command surface.
package holdings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"voucherkit/core"
)

var (
	// ErrInsufficient is returned when taking more vouchers than a user holds.
	ErrInsufficient = errors.New("insufficient holding")
	// ErrInvalidAmount rejects gives of zero or fewer vouchers.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Store persists held quantities.
type Store interface {
	// Adjust changes the held quantity by delta and returns the new quantity.
	Adjust(ctx context.Context, user core.UserID, voucherID string, delta int) (int, error)
	// Held returns quantities keyed by normalized voucher id.
	Held(ctx context.Context, user core.UserID) (map[string]int, error)
	// Users lists every user the store has seen.
	Users(ctx context.Context) ([]core.UserID, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	held map[core.UserID]map[string]int
}

func NewMemory() *Memory { return &Memory{held: map[core.UserID]map[string]int{}} }

func (m *Memory) Adjust(_ context.Context, user core.UserID, voucherID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.held[user]
	if h == nil {
		h = map[string]int{}
		m.held[user] = h
	}
	k := core.NormalizeVoucherID(voucherID)
	next := h[k] + delta
	if next < 0 {
		return h[k], ErrInsufficient
	}
	if next == 0 {
		delete(h, k)
	} else {
		h[k] = next
	}
	return next, nil
}

func (m *Memory) Held(_ context.Context, user core.UserID) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.held[user]))
	for k, v := range m.held[user] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Users(_ context.Context) ([]core.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.UserID, 0, len(m.held))
	for u := range m.held {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Lookup resolves voucher ids for give requests.
type Lookup interface {
	Get(id string) (core.Voucher, error)
}

// Publisher receives give events.
type Publisher interface {
	Publish(ctx context.Context, ev core.Event)
}

// Service grants voucher items and hands out Holder views for redemption.
type Service struct {
	store  Store
	lookup Lookup
	pub    Publisher
	logger zerolog.Logger
}

func NewService(store Store, lookup Lookup, pub Publisher, logger zerolog.Logger) *Service {
	if store == nil || lookup == nil {
		panic("holdings.NewService requires a store and a voucher lookup")
	}
	return &Service{store: store, lookup: lookup, pub: pub, logger: logger.With().Str("component", "holdings").Logger()}
}

// Give grants amount units of a voucher to one user.
func (s *Service) Give(ctx context.Context, user core.UserID, voucherID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w, got %d", ErrInvalidAmount, amount)
	}
	uid, err := core.NormalizeUserID(user)
	if err != nil {
		return 0, err
	}
	v, err := s.lookup.Get(voucherID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.Adjust(ctx, uid, v.ID, amount)
	if err != nil {
		return 0, err
	}
	if s.pub != nil {
		s.pub.Publish(ctx, core.NewVoucherGiven(uid, v.ID, amount))
	}
	return n, nil
}

// GiveAll grants amount units to every user known to the store.
func (s *Service) GiveAll(ctx context.Context, voucherID string, amount int) (map[core.UserID]int, error) {
	if _, err := s.lookup.Get(voucherID); err != nil {
		return nil, err
	}
	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[core.UserID]int, len(users))
	var errs []error
	for _, u := range users {
		n, err := s.Give(ctx, u, voucherID, amount)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		out[u] = n
	}
	return out, errors.Join(errs...)
}

func (s *Service) Held(ctx context.Context, user core.UserID) (map[string]int, error) {
	uid, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	return s.store.Held(ctx, uid)
}

// Holder returns user viewed as holding its stack of voucherID. It fails with
// ErrInsufficient when the user holds none. The quantity is a snapshot; the
// redemption itself claims its unit through Reserve.
func (s *Service) Holder(ctx context.Context, user core.User, voucherID string) (*Holder, error) {
	uid, err := core.NormalizeUserID(user.ID())
	if err != nil {
		return nil, err
	}
	held, err := s.store.Held(ctx, uid)
	if err != nil {
		return nil, err
	}
	q := held[core.NormalizeVoucherID(voucherID)]
	if q <= 0 {
		return nil, ErrInsufficient
	}
	return &Holder{User: user, ctx: context.WithoutCancel(ctx), svc: s, uid: uid, voucher: voucherID, qty: q}, nil
}

// Holder adapts a user and its held stack to core.Inventory.
type Holder struct {
	core.User
	ctx     context.Context
	svc     *Service
	uid     core.UserID
	voucher string

	mu       sync.Mutex
	qty      int
	err      error
	reserved int
}

func (h *Holder) HeldQuantity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.qty
}

// SetHeldQuantity writes the difference through to the store.
func (h *Holder) SetHeldQuantity(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == h.qty {
		return
	}
	next, err := h.svc.store.Adjust(h.ctx, h.uid, h.voucher, n-h.qty)
	if err != nil {
		h.err = err
		h.svc.logger.Error().Err(err).Str("user", string(h.uid)).Str("voucher", h.voucher).Msg("held quantity not updated")
		return
	}
	h.qty = next
}

// Reserve checks the store, not the snapshot, for a held unit and takes it
// when consume is set. The store's Adjust refuses to go below zero, so two
// holders of one stack cannot both take its last unit.
func (h *Holder) Reserve(ctx context.Context, consume bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !consume {
		held, err := h.svc.store.Held(ctx, h.uid)
		if err != nil {
			return err
		}
		if held[core.NormalizeVoucherID(h.voucher)] <= 0 {
			h.qty = 0
			return fmt.Errorf("%w: %w", core.ErrNotHeld, ErrInsufficient)
		}
		return nil
	}
	next, err := h.svc.store.Adjust(ctx, h.uid, h.voucher, -1)
	if err != nil {
		if errors.Is(err, ErrInsufficient) {
			h.qty = 0
			return fmt.Errorf("%w: %w", core.ErrNotHeld, err)
		}
		return err
	}
	h.qty = next
	h.reserved++
	return nil
}

// Release returns a reserved unit to the store.
func (h *Holder) Release(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reserved == 0 {
		return
	}
	next, err := h.svc.store.Adjust(ctx, h.uid, h.voucher, 1)
	if err != nil {
		h.err = err
		h.svc.logger.Error().Err(err).Str("user", string(h.uid)).Str("voucher", h.voucher).Msg("reserved voucher not returned")
		return
	}
	h.reserved--
	h.qty = next
}

// Err reports the last failed store write.
func (h *Holder) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
