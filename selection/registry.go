// Package selection is the remote selection surface for REWARD_SELECT
// vouchers: each presentation becomes a pending token a client resolves.
package selection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voucherkit/core"
)

var (
	ErrUnknownToken = errors.New("unknown selection token")
	ErrBadChoice    = errors.New("choice out of range")
)

// Pending is an open selection awaiting the user's choice.
type Pending struct {
	Token     string       `json:"token"`
	UserID    core.UserID  `json:"user"`
	VoucherID string       `json:"voucher"`
	Choices   core.Rewards `json:"choices"`
	Created   time.Time    `json:"created"`
	Expires   time.Time    `json:"expires"`
}

// Publisher receives selection events.
type Publisher interface {
	Publish(ctx context.Context, ev core.Event)
}

type entry struct {
	Pending
	onChosen func(core.Reward)
}

// Registry holds pending selections until chosen, cancelled or expired.
// Cancelled and expired selections call back with a nil reward.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*entry
	timeout time.Duration
	now     func() time.Time
	pub     Publisher
	logger  zerolog.Logger
}

func NewRegistry(timeout time.Duration, pub Publisher, logger zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Registry{
		pending: map[string]*entry{},
		timeout: timeout,
		now:     time.Now,
		pub:     pub,
		logger:  logger.With().Str("component", "selection").Logger(),
	}
}

// Present registers a pending selection for user and returns its token.
func (r *Registry) Present(ctx context.Context, user core.User, v core.Voucher, onChosen func(core.Reward)) (string, error) {
	if len(v.Rewards) == 0 {
		return "", core.ErrNoRewards
	}
	uid, err := core.NormalizeUserID(user.ID())
	if err != nil {
		return "", err
	}
	now := r.now()
	e := &entry{
		Pending: Pending{
			Token:     uuid.NewString(),
			UserID:    uid,
			VoucherID: v.ID,
			Choices:   append(core.Rewards(nil), v.Rewards...),
			Created:   now,
			Expires:   now.Add(r.timeout),
		},
		onChosen: onChosen,
	}
	r.mu.Lock()
	r.pending[e.Token] = e
	r.mu.Unlock()
	if r.pub != nil {
		r.pub.Publish(ctx, core.NewSelectionRequested(uid, v.ID, e.Token))
	}
	return e.Token, nil
}

func (r *Registry) take(token string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.pending[token]
	delete(r.pending, token)
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownToken
	}
	if !r.now().Before(e.Expires) {
		abandon(e)
		return nil, ErrUnknownToken
	}
	return e, nil
}

// Choose resolves token with the reward at index and runs the redemption completion.
func (r *Registry) Choose(token string, index int) (core.Reward, error) {
	r.mu.Lock()
	e, ok := r.pending[token]
	if ok && (index < 0 || index >= len(e.Choices)) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d", ErrBadChoice, index, len(e.Choices))
	}
	r.mu.Unlock()

	e, err := r.take(token)
	if err != nil {
		return nil, err
	}
	reward := e.Choices[index]
	if e.onChosen != nil {
		e.onChosen(reward)
	}
	return reward, nil
}

// Cancel abandons a selection.
func (r *Registry) Cancel(token string) bool {
	r.mu.Lock()
	e, ok := r.pending[token]
	delete(r.pending, token)
	r.mu.Unlock()
	if ok {
		abandon(e)
	}
	return ok
}

func abandon(e *entry) {
	if e.onChosen != nil {
		e.onChosen(nil)
	}
}

// Get returns a pending selection.
func (r *Registry) Get(token string) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[token]
	if !ok {
		return Pending{}, false
	}
	return e.Pending, true
}

// PendingFor lists a user's open selections, oldest first.
func (r *Registry) PendingFor(user core.UserID) []Pending {
	r.mu.Lock()
	var out []Pending
	for _, e := range r.pending {
		if e.UserID == user {
			out = append(out, e.Pending)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Sweep drops expired selections and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.now()
	var expired []*entry
	r.mu.Lock()
	for token, e := range r.pending {
		if !now.Before(e.Expires) {
			delete(r.pending, token)
			expired = append(expired, e)
		}
	}
	r.mu.Unlock()
	for _, e := range expired {
		abandon(e)
	}
	if len(expired) > 0 {
		r.logger.Debug().Int("expired", len(expired)).Msg("selections expired")
	}
	return len(expired)
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}
