package leaderboard

import (
	"math/rand/v2"
	"sync"

	"voucherkit/weighted"
)

const (
	maxHeight = 16
	// one node in promote reaches the next level
	promote = 4
)

type node struct {
	Entry
	links []*node
}

// Tally keeps counters in a skip list ordered by count descending, then key
// ascending, so Top walks the bottom level without sorting. Counts only grow.
type Tally struct {
	mu     sync.RWMutex
	head   node
	height int
	nodes  map[string]*node
	rng    *rand.Rand
}

func NewTally() *Tally {
	return &Tally{
		head:   node{links: make([]*node, maxHeight)},
		height: 1,
		nodes:  map[string]*node{},
		rng:    weighted.NewRand(),
	}
}

// ahead reports whether a ranks before b.
func ahead(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Key < b.Key
}

// path records, per level, the last node ranked ahead of e.
func (t *Tally) path(e Entry, prev *[maxHeight]*node) {
	x := &t.head
	for lv := t.height - 1; lv >= 0; lv-- {
		for x.links[lv] != nil && ahead(x.links[lv].Entry, e) {
			x = x.links[lv]
		}
		prev[lv] = x
	}
}

func (t *Tally) randomHeight() int {
	h := 1
	for h < maxHeight && t.rng.IntN(promote) == 0 {
		h++
	}
	return h
}

// Incr adds delta to key and returns its new count. Unknown keys start at
// zero; a non-positive delta only reports the current count.
func (t *Tally) Incr(key string, delta int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[key]
	if delta <= 0 {
		if n == nil {
			return 0
		}
		return n.Score
	}

	var prev [maxHeight]*node
	if n == nil {
		n = &node{Entry: Entry{Key: key}, links: make([]*node, t.randomHeight())}
		t.nodes[key] = n
		t.height = max(t.height, len(n.links))
	} else {
		// unlink, the node only moves towards the head
		t.path(n.Entry, &prev)
		for lv := range n.links {
			prev[lv].links[lv] = n.links[lv]
		}
	}
	n.Score += delta
	t.path(n.Entry, &prev)
	for lv := range n.links {
		n.links[lv] = prev[lv].links[lv]
		prev[lv].links[lv] = n
	}
	return n.Score
}

// Top returns up to n entries, best first.
func (t *Tally) Top(n int) []Entry {
	if n <= 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, min(n, len(t.nodes)))
	for x := t.head.links[0]; x != nil && len(out) < n; x = x.links[0] {
		out = append(out, x.Entry)
	}
	return out
}

func (t *Tally) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

var _ Ranking = (*Tally)(nil)
