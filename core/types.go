package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UserID uniquely identifies a redeeming user.
type UserID string

// RewardMode is the policy deciding which rewards a redemption grants.
type RewardMode string

const (
	// ModeAutomatic grants every reward, in declared order.
	ModeAutomatic RewardMode = "AUTOMATIC"
	// ModeRewardSelect lets the user pick exactly one reward.
	ModeRewardSelect RewardMode = "REWARD_SELECT"
	// ModeRandom grants one reward drawn by chance weight.
	ModeRandom RewardMode = "RANDOM"
)

// Valid reports whether m is one of the known reward modes.
func (m RewardMode) Valid() bool {
	switch m {
	case ModeAutomatic, ModeRewardSelect, ModeRandom:
		return true
	}
	return false
}

// ParseRewardMode accepts a mode name in any case.
func ParseRewardMode(s string) (RewardMode, error) {
	m := RewardMode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown reward mode %q", s)
	}
	return m, nil
}

// UnlimitedUses disables the per-user usage limit.
const UnlimitedUses = -1

// Options is the redemption policy attached to a voucher.
type Options struct {
	MaxUses            int       `json:"max_uses"`
	RequiresPermission bool      `json:"requires_permission"`
	Permission         string    `json:"permission,omitempty"`
	RemoveOnUse        bool      `json:"remove_on_use"`
	CooldownSeconds    float64   `json:"cooldown_seconds"`
	Messages           []Message `json:"messages,omitempty"`
}

// Cooldown returns the configured cooldown as a duration.
func (o Options) Cooldown() time.Duration {
	return time.Duration(o.CooldownSeconds * float64(time.Second))
}

// Voucher is a redeemable template. Catalogs hand out copies; mutate via Clone.
type Voucher struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description []string   `json:"description,omitempty"`
	RewardMode  RewardMode `json:"reward_mode"`
	Options     Options    `json:"options"`
	Rewards     Rewards    `json:"rewards"`
}

// NewVoucher returns a voucher with the defaults used by the admin editor:
// automatic rewards, unlimited uses, removed from the hand on use.
func NewVoucher(id string) Voucher {
	return Voucher{
		ID:         strings.TrimSpace(id),
		Name:       strings.TrimSpace(id),
		RewardMode: ModeAutomatic,
		Options: Options{
			MaxUses:     UnlimitedUses,
			RemoveOnUse: true,
		},
	}
}

// Clone returns a deep copy of the voucher.
func (v Voucher) Clone() Voucher {
	cp := v
	cp.Description = append([]string(nil), v.Description...)
	cp.Options.Messages = append([]Message(nil), v.Options.Messages...)
	cp.Rewards = append(Rewards(nil), v.Rewards...)
	return cp
}

// Key is the case-insensitive lookup key of the voucher.
func (v Voucher) Key() string { return NormalizeVoucherID(v.ID) }

// Validate checks the structural invariants of a voucher template.
func (v Voucher) Validate() error {
	if err := ValidateVoucherID(v.ID); err != nil {
		return err
	}
	var errs []string
	if !v.RewardMode.Valid() {
		errs = append(errs, fmt.Sprintf("unknown reward mode %q", v.RewardMode))
	}
	if v.Options.MaxUses < UnlimitedUses {
		errs = append(errs, "max_uses must be -1 (unlimited) or >= 0")
	}
	if v.Options.CooldownSeconds < 0 {
		errs = append(errs, "cooldown_seconds cannot be negative")
	}
	if v.Options.RequiresPermission && strings.TrimSpace(v.Options.Permission) == "" {
		errs = append(errs, "permission is required when requires_permission is set")
	}
	for i, r := range v.Rewards {
		if r == nil {
			errs = append(errs, fmt.Sprintf("rewards[%d] is empty", i))
			continue
		}
		if r.Weight() < 0 {
			errs = append(errs, fmt.Sprintf("rewards[%d] chance cannot be negative", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidVoucher, strings.Join(errs, "; "))
	}
	return nil
}

// Redeemable reports whether the voucher can be redeemed at all.
func (v Voucher) Redeemable() error {
	if len(v.Rewards) == 0 {
		return ErrNoRewards
	}
	return nil
}

// RedemptionRecord is the immutable trace of one successful redemption.
type RedemptionRecord struct {
	ID        string    `json:"id" db:"id"`
	UserID    UserID    `json:"user" db:"user"`
	VoucherID string    `json:"voucher" db:"voucher"`
	Time      time.Time `json:"time" db:"time"`
}

// User is the party redeeming a voucher. Hosts implement it for their user model.
type User interface {
	ID() UserID
	Name() string
	HasPermission(key string) bool
}

// Inventory is implemented by users that physically hold voucher items.
// HeldQuantity is the size of the stack that triggered the redemption.
type Inventory interface {
	HeldQuantity() int
	SetHeldQuantity(n int)
}

// Reserver is implemented by inventories backed by shared storage. Reserve
// runs under the redemption lock once validation passed and fails with
// ErrNotHeld when nothing is held; with consume set it takes the unit the
// redemption spends. Release returns a taken unit when the redemption is
// abandoned before completing.
type Reserver interface {
	Reserve(ctx context.Context, consume bool) error
	Release(ctx context.Context)
}

// Grantor executes reward side effects on behalf of rewards.
type Grantor interface {
	RunCommand(ctx context.Context, user User, command string) error
	GiveItem(ctx context.Context, user User, item string, quantity int) error
	ApplyEffect(ctx context.Context, user User, effect string, duration time.Duration, amplifier int) error
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

// NormalizeVoucherID is the case-insensitive form used for all voucher lookups.
func NormalizeVoucherID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidateVoucherID ensures a non-empty id with a simple charset.
func ValidateVoucherID(id string) error {
	s := strings.TrimSpace(id)
	if s == "" {
		return fmt.Errorf("%w: empty voucher id", ErrInvalidVoucher)
	}
	if len(s) > 64 {
		return fmt.Errorf("%w: voucher id longer than 64 characters", ErrInvalidVoucher)
	}
	// alnum, dash, underscore
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("%w: invalid voucher id %q", ErrInvalidVoucher, s)
	}
	return nil
}
