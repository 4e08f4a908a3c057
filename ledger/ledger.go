// Package ledger indexes past redemption records for usage-limit checks.
package ledger

import (
	"sort"
	"sync"

	"voucherkit/core"
)

type pair struct {
	user    core.UserID
	voucher string
}

// Ledger is the authoritative in-memory view of redemption history.
// It is updated before the durable copy is written.
type Ledger struct {
	mu     sync.RWMutex
	byID   map[string]core.RedemptionRecord
	counts map[pair]int
	byUser map[core.UserID][]string
}

func New() *Ledger {
	l := &Ledger{}
	l.reset(0)
	return l
}

func (l *Ledger) reset(n int) {
	l.byID = make(map[string]core.RedemptionRecord, n)
	l.counts = make(map[pair]int)
	l.byUser = make(map[core.UserID][]string)
}

func pairOf(rec core.RedemptionRecord) pair {
	return pair{user: rec.UserID, voucher: core.NormalizeVoucherID(rec.VoucherID)}
}

// CountFor returns how many records exist for the pair. Voucher ids match case-insensitively.
func (l *Ledger) CountFor(user core.UserID, voucherID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[pair{user: user, voucher: core.NormalizeVoucherID(voucherID)}]
}

// Add stores rec. A record whose id is already present is ignored and Add returns false.
func (l *Ledger) Add(rec core.RedemptionRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(rec)
}

func (l *Ledger) addLocked(rec core.RedemptionRecord) bool {
	if _, ok := l.byID[rec.ID]; ok {
		return false
	}
	l.byID[rec.ID] = rec
	l.counts[pairOf(rec)]++
	l.byUser[rec.UserID] = append(l.byUser[rec.UserID], rec.ID)
	return true
}

// LoadFrom replaces the contents with recs, dropping duplicate ids.
func (l *Ledger) LoadFrom(recs []core.RedemptionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset(len(recs))
	for _, r := range recs {
		l.addLocked(r)
	}
}

// All returns every record ordered by time, then id.
func (l *Ledger) All() []core.RedemptionRecord {
	l.mu.RLock()
	out := make([]core.RedemptionRecord, 0, len(l.byID))
	for _, r := range l.byID {
		out = append(out, r)
	}
	l.mu.RUnlock()
	sortRecords(out)
	return out
}

// ForUser returns the records of one user ordered by time.
func (l *Ledger) ForUser(user core.UserID) []core.RedemptionRecord {
	l.mu.RLock()
	ids := l.byUser[user]
	out := make([]core.RedemptionRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.byID[id])
	}
	l.mu.RUnlock()
	sortRecords(out)
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

func sortRecords(rs []core.RedemptionRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Time.Equal(rs[j].Time) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Time.Before(rs[j].Time)
	})
}
