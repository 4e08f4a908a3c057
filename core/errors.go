package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for redemption and catalog failures.
var (
	ErrVoucherNotFound = errors.New("voucher not found")
	ErrAlreadyExists   = errors.New("voucher already exists")
	ErrInvalidVoucher  = errors.New("invalid voucher")
	ErrNoRewards       = errors.New("voucher has no rewards")

	// Validation denials. These are the only errors that guarantee no side effects.
	ErrNotAllowed   = errors.New("not allowed to use voucher")
	ErrLimitReached = errors.New("redeem limit reached")
	ErrOnCooldown   = errors.New("voucher on cooldown")
	ErrNotHeld      = errors.New("voucher not held")

	// Collaborator failures.
	ErrPersistence     = errors.New("redemption persistence failed")
	ErrRewardExecution = errors.New("reward execution failed")
	ErrSelection       = errors.New("reward selection failed")
)

// CooldownError is returned while a user waits out a voucher cooldown.
type CooldownError struct {
	VoucherID string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("voucher %s on cooldown for %.2fs", e.VoucherID, e.Remaining.Seconds())
}

func (e *CooldownError) Unwrap() error { return ErrOnCooldown }

// AsCooldown extracts a CooldownError from err.
func AsCooldown(err error, target **CooldownError) bool {
	return errors.As(err, target)
}

func IsNotFound(err error) bool     { return errors.Is(err, ErrVoucherNotFound) }
func IsNotAllowed(err error) bool   { return errors.Is(err, ErrNotAllowed) }
func IsLimitReached(err error) bool { return errors.Is(err, ErrLimitReached) }
func IsOnCooldown(err error) bool   { return errors.Is(err, ErrOnCooldown) }
func IsNotHeld(err error) bool      { return errors.Is(err, ErrNotHeld) }

// IsDenial reports whether err is a validation failure of a redemption attempt.
func IsDenial(err error) bool {
	return IsNotAllowed(err) || IsLimitReached(err) || IsOnCooldown(err) || IsNotHeld(err)
}
