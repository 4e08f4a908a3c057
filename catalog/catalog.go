// Package catalog is the in-memory registry of voucher templates.
package catalog

import (
	"sort"
	"sync"

	"voucherkit/core"
)

// Catalog holds vouchers keyed by their case-insensitive id.
// Every voucher handed out is a deep copy.
type Catalog struct {
	mu       sync.RWMutex
	vouchers map[string]core.Voucher
}

func New() *Catalog {
	return &Catalog{vouchers: make(map[string]core.Voucher)}
}

func (c *Catalog) Get(id string) (core.Voucher, error) {
	c.mu.RLock()
	v, ok := c.vouchers[core.NormalizeVoucherID(id)]
	c.mu.RUnlock()
	if !ok {
		return core.Voucher{}, core.ErrVoucherNotFound
	}
	return v.Clone(), nil
}

func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.vouchers[core.NormalizeVoucherID(id)]
	return ok
}

// Create registers a new voucher, failing if the id is taken.
func (c *Catalog) Create(v core.Voucher) error {
	if err := v.Validate(); err != nil {
		return err
	}
	k := v.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vouchers[k]; ok {
		return core.ErrAlreadyExists
	}
	c.vouchers[k] = v.Clone()
	return nil
}

// Put inserts or overwrites a voucher and returns the stored copy. An
// overwrite keeps the id the voucher was created with.
func (c *Catalog) Put(v core.Voucher) (core.Voucher, error) {
	if err := v.Validate(); err != nil {
		return core.Voucher{}, err
	}
	k := v.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.vouchers[k]; ok {
		v.ID = cur.ID
	}
	c.vouchers[k] = v.Clone()
	return v.Clone(), nil
}

// Remove deletes a voucher and reports whether it existed.
func (c *Catalog) Remove(id string) bool {
	k := core.NormalizeVoucherID(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vouchers[k]; !ok {
		return false
	}
	delete(c.vouchers, k)
	return true
}

// List returns a snapshot sorted by id.
func (c *Catalog) List() []core.Voucher {
	c.mu.RLock()
	out := make([]core.Voucher, 0, len(c.vouchers))
	for _, v := range c.vouchers {
		out = append(out, v.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Replace swaps the whole registry. Invalid vouchers are skipped and
// returned so callers can log them.
func (c *Catalog) Replace(vs []core.Voucher) (skipped []error) {
	next := make(map[string]core.Voucher, len(vs))
	for _, v := range vs {
		if err := v.Validate(); err != nil {
			skipped = append(skipped, err)
			continue
		}
		next[v.Key()] = v.Clone()
	}
	c.mu.Lock()
	c.vouchers = next
	c.mu.Unlock()
	return skipped
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vouchers)
}
