package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucherkit/core"
	"voucherkit/leaderboard"
)

func TestActivityOnEvent(t *testing.T) {
	a := NewActivity()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	redeem := func(id, user, voucher string, at time.Time) {
		a.OnEvent(ctx, core.NewRedeemed(core.RedemptionRecord{ID: id, UserID: core.UserID(user), VoucherID: voucher, Time: at}, core.ModeAutomatic))
	}
	for _, e := range []core.Event{
		core.NewDenied("bob", "crate", "limit_reached"),
		core.NewDenied("bob", "crate", "limit_reached"),
		core.NewRewardGranted("alice", "crate", core.ItemReward{Item: "diamond", Quantity: 1}),
		core.NewRewardFailed("alice", "crate", core.CommandReward{Command: "boom"}, errors.New("offline")),
		core.NewSelectionRequested("alice", "pick", "tok"),
		core.NewVoucherGiven("alice", "crate", 3),
	} {
		e.Time = now
		a.OnEvent(ctx, e)
	}
	redeem("r1", "alice", "Crate", now)
	redeem("r2", "alice", "crate", now)
	redeem("r3", "bob", "box", now)
	redeem("r4", "carol", "box", now.Add(-48*time.Hour))

	day := DayKey(now)
	assert.Equal(t, 2, a.DailyRedeemers(day))
	assert.Equal(t, 3, a.WeeklyRedeemers(WeekKey(now)))
	assert.Equal(t, int64(3), a.RedemptionsOn(day))

	assert.Equal(t, []leaderboard.Entry{{Key: "box", Score: 2}, {Key: "crate", Score: 2}}, a.TopVouchers(2))
	assert.Equal(t, "alice", a.TopRedeemers(1)[0].Key)

	s := a.Summary(now, 5)
	assert.Equal(t, "2026-03-04", s.Day)
	assert.Equal(t, "2026-W10", s.Week)
	assert.Equal(t, int64(2), s.DeniedByReason["limit_reached"])
	assert.Equal(t, int64(1), s.RewardsByKind[core.RewardItem])
	assert.Equal(t, int64(1), s.RewardFailures)
	assert.Equal(t, int64(1), s.Selections)
	assert.Equal(t, int64(1), s.Given)
	assert.Equal(t, int64(4), s.RedemptionsByMode[core.ModeAutomatic])
	require.Len(t, s.TopRedeemers, 3)
}

func TestActivityBackfillAndEmptySummary(t *testing.T) {
	a := NewActivity()
	now := time.Now()

	s := a.Summary(now, 3)
	assert.NotNil(t, s.TopVouchers)
	assert.Empty(t, s.TopVouchers)

	a.Backfill([]core.RedemptionRecord{
		{ID: "r1", UserID: "dave", VoucherID: "starter", Time: now},
		{ID: "r2", UserID: "erin", VoucherID: "starter", Time: now},
	})
	assert.Equal(t, 2, a.DailyRedeemers(DayKey(now)))
	e := a.TopVouchers(1)
	require.Len(t, e, 1)
	assert.Equal(t, leaderboard.Entry{Key: "starter", Score: 2}, e[0])
	// backfilled records have no mode
	assert.Empty(t, a.Summary(now, 1).RedemptionsByMode)
}
