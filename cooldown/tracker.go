// Package cooldown tracks per-user, per-voucher cooldown expiry.
package cooldown

import (
	"sync"
	"time"

	"voucherkit/core"
)

type key struct {
	user    core.UserID
	voucher string
}

// Tracker maps (user, voucher) to the instant the cooldown ends.
// Stale entries are never purged; expiry is checked lazily.
type Tracker struct {
	mu      sync.RWMutex
	expires map[key]time.Time
}

func New() *Tracker {
	return &Tracker{expires: make(map[key]time.Time)}
}

func keyOf(user core.UserID, voucherID string) key {
	return key{user: user, voucher: core.NormalizeVoucherID(voucherID)}
}

// IsOnCooldown is true iff an entry exists and now is before its expiry.
func (t *Tracker) IsOnCooldown(user core.UserID, voucherID string, now time.Time) bool {
	return t.Remaining(user, voucherID, now) > 0
}

// Remaining returns the time left before the voucher can be redeemed again, or 0.
func (t *Tracker) Remaining(user core.UserID, voucherID string, now time.Time) time.Duration {
	t.mu.RLock()
	exp, ok := t.expires[keyOf(user, voucherID)]
	t.mu.RUnlock()
	if !ok || !now.Before(exp) {
		return 0
	}
	return exp.Sub(now)
}

// Set overwrites the entry with now + seconds. Non-positive durations clear it.
func (t *Tracker) Set(user core.UserID, voucherID string, now time.Time, seconds float64) {
	k := keyOf(user, voucherID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if seconds <= 0 {
		delete(t.expires, k)
		return
	}
	t.expires[k] = now.Add(time.Duration(seconds * float64(time.Second)))
}

func (t *Tracker) Clear(user core.UserID, voucherID string) {
	t.mu.Lock()
	delete(t.expires, keyOf(user, voucherID))
	t.mu.Unlock()
}

// Len counts entries, expired ones included.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.expires)
}
