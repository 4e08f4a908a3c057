package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventVoucherRedeemed    EventType = "voucher_redeemed"
	EventRedeemDenied       EventType = "redeem_denied"
	EventRewardGranted      EventType = "reward_granted"
	EventRewardFailed       EventType = "reward_failed"
	EventSelectionRequested EventType = "selection_requested"
	EventRecordPersisted    EventType = "record_persisted"
	EventPersistFailed      EventType = "persist_failed"
	EventMessage            EventType = "message"
	EventVoucherGiven       EventType = "voucher_given"
)

// Event represents an immutable domain event.
type Event struct {
	Type      EventType      `json:"type"`
	Time      time.Time      `json:"time"`
	UserID    UserID         `json:"user_id,omitempty"`
	VoucherID string         `json:"voucher_id,omitempty"`
	Mode      RewardMode     `json:"mode,omitempty"`
	RecordID  string         `json:"record_id,omitempty"`
	Reward    RewardKind     `json:"reward,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewRedeemed(rec RedemptionRecord, mode RewardMode) Event {
	return Event{Type: EventVoucherRedeemed, Time: time.Now().UTC(), UserID: rec.UserID, VoucherID: rec.VoucherID, Mode: mode, RecordID: rec.ID}
}

func NewDenied(user UserID, voucherID string, reason string) Event {
	return Event{Type: EventRedeemDenied, Time: time.Now().UTC(), UserID: user, VoucherID: voucherID, Reason: reason}
}

func NewRewardGranted(user UserID, voucherID string, r Reward) Event {
	return Event{Type: EventRewardGranted, Time: time.Now().UTC(), UserID: user, VoucherID: voucherID, Reward: r.Kind(),
		Metadata: map[string]any{"description": Describe(r)}}
}

func NewRewardFailed(user UserID, voucherID string, r Reward, err error) Event {
	return Event{Type: EventRewardFailed, Time: time.Now().UTC(), UserID: user, VoucherID: voucherID, Reward: r.Kind(), Reason: err.Error()}
}

func NewSelectionRequested(user UserID, voucherID string, token string) Event {
	return Event{Type: EventSelectionRequested, Time: time.Now().UTC(), UserID: user, VoucherID: voucherID,
		Metadata: map[string]any{"token": token}}
}

func NewPersisted(rec RedemptionRecord) Event {
	return Event{Type: EventRecordPersisted, Time: time.Now().UTC(), UserID: rec.UserID, VoucherID: rec.VoucherID, RecordID: rec.ID}
}

func NewPersistFailed(rec RedemptionRecord, err error) Event {
	return Event{Type: EventPersistFailed, Time: time.Now().UTC(), UserID: rec.UserID, VoucherID: rec.VoucherID, RecordID: rec.ID, Reason: err.Error()}
}

func NewVoucherGiven(user UserID, voucherID string, amount int) Event {
	return Event{Type: EventVoucherGiven, Time: time.Now().UTC(), UserID: user, VoucherID: voucherID,
		Metadata: map[string]any{"amount": amount}}
}
