// Package leaderboard ranks keys, such as voucher ids or users, by how often
// something happened to them.
package leaderboard

// Entry is one ranked key.
type Entry struct {
	Key   string `json:"key"`
	Score int64  `json:"score"`
}

// Ranking is a set of growing counters read back in rank order.
type Ranking interface {
	Incr(key string, delta int64) int64
	Top(n int) []Entry
	Len() int
}
