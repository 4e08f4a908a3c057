// Package analytics keeps in-process redemption activity: who redeems, which
// vouchers are popular and why attempts fail.
package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voucherkit/core"
	"voucherkit/leaderboard"
)

// Activity aggregates domain events by day, ISO week and voucher.
type Activity struct {
	mu sync.RWMutex

	dailyRedeemers    map[string]map[core.UserID]struct{}
	weeklyRedeemers   map[string]map[core.UserID]struct{}
	redemptionsByDay  map[string]int64
	redemptionsByMode map[core.RewardMode]int64

	deniedByReason map[string]int64
	rewardsByKind  map[core.RewardKind]int64
	rewardFailures int64
	selections     int64
	given          int64

	vouchers  leaderboard.Ranking
	redeemers leaderboard.Ranking
}

func NewActivity() *Activity {
	return &Activity{
		dailyRedeemers:    make(map[string]map[core.UserID]struct{}),
		weeklyRedeemers:   make(map[string]map[core.UserID]struct{}),
		redemptionsByDay:  make(map[string]int64),
		redemptionsByMode: make(map[core.RewardMode]int64),
		deniedByReason:    make(map[string]int64),
		rewardsByKind:     make(map[core.RewardKind]int64),
		vouchers:          leaderboard.NewTally(),
		redeemers:         leaderboard.NewTally(),
	}
}

// OnEvent folds e into the aggregates. It matches the event bus handler signature.
func (a *Activity) OnEvent(_ context.Context, e core.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e.Type {
	case core.EventVoucherRedeemed:
		a.redeemedLocked(e.UserID, e.VoucherID, e.Time)
		a.redemptionsByMode[e.Mode]++
	case core.EventRedeemDenied:
		a.deniedByReason[e.Reason]++
	case core.EventRewardGranted:
		a.rewardsByKind[e.Reward]++
	case core.EventRewardFailed:
		a.rewardFailures++
	case core.EventSelectionRequested:
		a.selections++
	case core.EventVoucherGiven:
		a.given++
	}
}

// Backfill counts records loaded from storage, which never pass through the bus.
func (a *Activity) Backfill(recs []core.RedemptionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range recs {
		a.redeemedLocked(r.UserID, r.VoucherID, r.Time)
	}
}

func (a *Activity) redeemedLocked(user core.UserID, voucherID string, at time.Time) {
	day, week := DayKey(at), WeekKey(at)
	a.redemptionsByDay[day]++
	addUser(a.dailyRedeemers, day, user)
	addUser(a.weeklyRedeemers, week, user)
	a.vouchers.Incr(core.NormalizeVoucherID(voucherID), 1)
	a.redeemers.Incr(string(user), 1)
}

func addUser(m map[string]map[core.UserID]struct{}, key string, user core.UserID) {
	set := m[key]
	if set == nil {
		set = map[core.UserID]struct{}{}
		m[key] = set
	}
	set[user] = struct{}{}
}

// DailyRedeemers is the number of distinct users that redeemed on day (YYYY-MM-DD).
func (a *Activity) DailyRedeemers(day string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.dailyRedeemers[day])
}

// WeeklyRedeemers is the number of distinct users that redeemed in week (YYYY-Www).
func (a *Activity) WeeklyRedeemers(week string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.weeklyRedeemers[week])
}

func (a *Activity) RedemptionsOn(day string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.redemptionsByDay[day]
}

// TopVouchers ranks vouchers by redemptions.
func (a *Activity) TopVouchers(n int) []leaderboard.Entry { return a.vouchers.Top(n) }

// TopRedeemers ranks users by redemptions.
func (a *Activity) TopRedeemers(n int) []leaderboard.Entry { return a.redeemers.Top(n) }

// Summary is a point-in-time report of the aggregates.
type Summary struct {
	Day               string                    `json:"day"`
	Week              string                    `json:"week"`
	DailyRedeemers    int                       `json:"daily_redeemers"`
	WeeklyRedeemers   int                       `json:"weekly_redeemers"`
	RedemptionsToday  int64                     `json:"redemptions_today"`
	RedemptionsByMode map[core.RewardMode]int64 `json:"redemptions_by_mode"`
	DeniedByReason    map[string]int64          `json:"denied_by_reason"`
	RewardsByKind     map[core.RewardKind]int64 `json:"rewards_by_kind"`
	RewardFailures    int64                     `json:"reward_failures"`
	Selections        int64                     `json:"selections"`
	Given             int64                     `json:"given"`
	TopVouchers       []leaderboard.Entry       `json:"top_vouchers"`
	TopRedeemers      []leaderboard.Entry       `json:"top_redeemers"`
}

// Summary reports the aggregates for the day and week containing now, with
// the top entries of both leaderboards.
func (a *Activity) Summary(now time.Time, top int) Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	day, week := DayKey(now), WeekKey(now)
	return Summary{
		Day:               day,
		Week:              week,
		DailyRedeemers:    len(a.dailyRedeemers[day]),
		WeeklyRedeemers:   len(a.weeklyRedeemers[week]),
		RedemptionsToday:  a.redemptionsByDay[day],
		RedemptionsByMode: copyMap(a.redemptionsByMode),
		DeniedByReason:    copyMap(a.deniedByReason),
		RewardsByKind:     copyMap(a.rewardsByKind),
		RewardFailures:    a.rewardFailures,
		Selections:        a.selections,
		Given:             a.given,
		TopVouchers:       nonNil(a.vouchers.Top(top)),
		TopRedeemers:      nonNil(a.redeemers.Top(top)),
	}
}

func copyMap[K comparable](m map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nonNil(es []leaderboard.Entry) []leaderboard.Entry {
	if es == nil {
		return []leaderboard.Entry{}
	}
	return es
}

// DayKey formats t as the UTC calendar day.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// WeekKey formats t as the UTC ISO week.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
