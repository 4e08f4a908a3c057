package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"voucherkit/core"
)

// GiveEveryone is the user selector that targets every known user.
const GiveEveryone = "*"

// Redemption statuses reported by Redeem.
const (
	StatusRedeemed         = "redeemed"
	StatusPendingSelection = "pending_selection"
)

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status            string `json:"status"`
	Vouchers          int    `json:"vouchers"`
	Records           int    `json:"records"`
	Subscribers       int    `json:"subscribers"`
	SelectionsExpired int    `json:"selections_expired"`
}

// RedeemRequest carries the caller's identity and overrides for Redeem.
type RedeemRequest struct {
	Name           string
	Permissions    []string
	IgnoreLimit    bool
	IgnoreCooldown bool
}

// RedeemResult mirrors the redeem response.
type RedeemResult struct {
	Status    string                 `json:"status"`
	VoucherID string                 `json:"voucher"`
	Mode      core.RewardMode        `json:"mode"`
	Granted   core.Rewards           `json:"granted,omitempty"`
	Choices   core.Rewards           `json:"choices,omitempty"`
	Record    *core.RedemptionRecord `json:"record,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Warnings  string                 `json:"warnings,omitempty"`
}

// Pending reports whether the redemption waits for a reward choice.
func (r RedeemResult) Pending() bool { return r.Status == StatusPendingSelection }

type giveRequest struct {
	User    string `json:"user"`
	Voucher string `json:"voucher"`
	Amount  int    `json:"amount"`
}

// GiveAllResult maps each user to the quantity they now hold.
type GiveAllResult struct {
	Given  map[string]int `json:"given"`
	Errors string         `json:"errors,omitempty"`
}

// PendingSelection is an open reward choice.
type PendingSelection struct {
	Token     string       `json:"token"`
	UserID    string       `json:"user"`
	VoucherID string       `json:"voucher"`
	Choices   core.Rewards `json:"choices"`
	Created   time.Time    `json:"created"`
	Expires   time.Time    `json:"expires"`
}

// ChoiceResult is the reward granted by Choose.
type ChoiceResult struct {
	Chosen      core.Rewards `json:"chosen"`
	Description string       `json:"description"`
}

// ImportReport summarizes a legacy import.
type ImportReport struct {
	Vouchers int      `json:"vouchers"`
	Records  int      `json:"records"`
	Skipped  []string `json:"skipped"`
}

// APIError is the decoded error body of a failed request.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		ae := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(ae)
		return ae
	}
	if target == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

var (
	// ErrEmptyUserID is returned when user id is empty.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptyVoucherID is returned when voucher id is empty.
	ErrEmptyVoucherID = errors.New("voucher id is required")
	// ErrEmptyToken is returned when a selection token is empty.
	ErrEmptyToken = errors.New("selection token is required")
)
