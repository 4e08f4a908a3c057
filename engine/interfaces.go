package engine

import (
	"context"

	"voucherkit/core"
)

// Storage is the synchronous durable store behind the Gateway.
type Storage interface {
	CreateRecord(ctx context.Context, rec core.RedemptionRecord) error
	LoadRecords(ctx context.Context) ([]core.RedemptionRecord, error)
	SaveVoucher(ctx context.Context, v core.Voucher) error
	DeleteVoucher(ctx context.Context, id string) error
	LoadVouchers(ctx context.Context) ([]core.Voucher, error)
}

// Notifier displays rendered voucher messages to a user.
type Notifier interface {
	ShowTitle(ctx context.Context, user core.User, title, subtitle string, timing core.TitleTiming) error
	Send(ctx context.Context, user core.User, typ core.MessageType, text string) error
}

// SelectionSurface lets a user pick one reward of a REWARD_SELECT voucher.
// Present returns a token naming the open selection. onChosen is called at
// most once; a nil reward means the selection was abandoned.
type SelectionSurface interface {
	Present(ctx context.Context, user core.User, v core.Voucher, onChosen func(core.Reward)) (string, error)
}

type nopNotifier struct{}

func (nopNotifier) ShowTitle(context.Context, core.User, string, string, core.TitleTiming) error {
	return nil
}

func (nopNotifier) Send(context.Context, core.User, core.MessageType, string) error { return nil }
