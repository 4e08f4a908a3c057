package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"voucherkit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the voucherkit HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// Health probes /healthz.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil, &hs)
	return hs, err
}

// ListVouchers returns the whole catalog.
func (c *Client) ListVouchers(ctx context.Context) ([]core.Voucher, error) {
	var vs []core.Voucher
	err := c.do(ctx, http.MethodGet, "/vouchers", nil, nil, nil, &vs)
	return vs, err
}

// GetVoucher fetches one voucher; the id is matched case-insensitively.
func (c *Client) GetVoucher(ctx context.Context, id string) (core.Voucher, error) {
	if strings.TrimSpace(id) == "" {
		return core.Voucher{}, ErrEmptyVoucherID
	}
	var v core.Voucher
	err := c.do(ctx, http.MethodGet, "/vouchers/"+url.PathEscape(id), nil, nil, nil, &v)
	return v, err
}

// CreateVoucher adds a voucher. It fails with code already_exists if the id is taken.
func (c *Client) CreateVoucher(ctx context.Context, v core.Voucher) (core.Voucher, error) {
	var out core.Voucher
	err := c.do(ctx, http.MethodPost, "/vouchers", nil, nil, v, &out)
	return out, err
}

// SaveVoucher creates or replaces the voucher with v.ID.
func (c *Client) SaveVoucher(ctx context.Context, v core.Voucher) (core.Voucher, error) {
	if strings.TrimSpace(v.ID) == "" {
		return core.Voucher{}, ErrEmptyVoucherID
	}
	var out core.Voucher
	err := c.do(ctx, http.MethodPut, "/vouchers/"+url.PathEscape(v.ID), nil, nil, v, &out)
	return out, err
}

// DeleteVoucher removes a voucher from the catalog.
func (c *Client) DeleteVoucher(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyVoucherID
	}
	return c.do(ctx, http.MethodDelete, "/vouchers/"+url.PathEscape(id), nil, nil, nil, nil)
}

// Redeem attempts a redemption on behalf of userID. A reward failure is not
// an error: the result carries it in Warnings. Selection vouchers return
// StatusPendingSelection and a Token to pass to Choose.
func (c *Client) Redeem(ctx context.Context, userID, voucherID string, req RedeemRequest) (RedeemResult, error) {
	if strings.TrimSpace(userID) == "" {
		return RedeemResult{}, ErrEmptyUserID
	}
	if strings.TrimSpace(voucherID) == "" {
		return RedeemResult{}, ErrEmptyVoucherID
	}
	q := url.Values{}
	if req.IgnoreLimit {
		q.Set("ignore_limit", "true")
	}
	if req.IgnoreCooldown {
		q.Set("ignore_cooldown", "true")
	}
	h := http.Header{}
	if req.Name != "" {
		h.Set("X-User-Name", req.Name)
	}
	if len(req.Permissions) > 0 {
		h.Set("X-User-Permissions", strings.Join(req.Permissions, ","))
	}
	var res RedeemResult
	path := fmt.Sprintf("/users/%s/redeem/%s", url.PathEscape(userID), url.PathEscape(voucherID))
	err := c.do(ctx, http.MethodPost, path, q, h, nil, &res)
	return res, err
}

// Redemptions lists the ledger records of a user, oldest first.
func (c *Client) Redemptions(ctx context.Context, userID string) ([]core.RedemptionRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	var recs []core.RedemptionRecord
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/redemptions", nil, nil, nil, &recs)
	return recs, err
}

// Holdings returns the voucher quantities a user holds, keyed by voucher id.
func (c *Client) Holdings(ctx context.Context, userID string) (map[string]int, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	held := map[string]int{}
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/holdings", nil, nil, nil, &held)
	return held, err
}

// Give hands amount copies of a voucher to a user and returns the new quantity held.
func (c *Client) Give(ctx context.Context, userID, voucherID string, amount int) (int, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(userID) == GiveEveryone {
		return 0, ErrEmptyUserID
	}
	var body struct {
		Held int `json:"held"`
	}
	err := c.do(ctx, http.MethodPost, "/give", nil, nil, giveRequest{User: userID, Voucher: voucherID, Amount: amount}, &body)
	return body.Held, err
}

// GiveAll hands a voucher to every user the server knows. Partial failures
// are reported in GiveAllResult.Errors.
func (c *Client) GiveAll(ctx context.Context, voucherID string, amount int) (GiveAllResult, error) {
	var res GiveAllResult
	err := c.do(ctx, http.MethodPost, "/give", nil, nil, giveRequest{User: GiveEveryone, Voucher: voucherID, Amount: amount}, &res)
	return res, err
}

// PendingSelections lists the open reward choices of a user.
func (c *Client) PendingSelections(ctx context.Context, userID string) ([]PendingSelection, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	var ps []PendingSelection
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/selections", nil, nil, nil, &ps)
	return ps, err
}

// Choose resolves a pending selection with the reward at index.
func (c *Client) Choose(ctx context.Context, token string, index int) (ChoiceResult, error) {
	if strings.TrimSpace(token) == "" {
		return ChoiceResult{}, ErrEmptyToken
	}
	q := url.Values{"reward": {strconv.Itoa(index)}}
	var res ChoiceResult
	err := c.do(ctx, http.MethodPost, "/selections/"+url.PathEscape(token), q, nil, nil, &res)
	return res, err
}

// CancelSelection abandons a pending selection. The voucher stays unredeemed.
func (c *Client) CancelSelection(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrEmptyToken
	}
	return c.do(ctx, http.MethodDelete, "/selections/"+url.PathEscape(token), nil, nil, nil, nil)
}

// Import uploads a legacy YAML export.
func (c *Client) Import(ctx context.Context, legacy io.Reader) (ImportReport, error) {
	var rep ImportReport
	err := c.do(ctx, http.MethodPost, "/import", nil, http.Header{"Content-Type": {"application/yaml"}}, legacy, &rep)
	return rep, err
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// A non-empty userID limits the stream to that user's events.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, userID string) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target := c.wsURL
	if userID != "" {
		target += "?user=" + url.QueryEscape(userID)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
	if err != nil {
		return nil, err
	}

	// unblocks ReadJSON once ctx ends
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	out := make(chan core.Event, 32)
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

// do sends one API request. body may be nil, an io.Reader sent as is, or a
// value encoded as JSON. out may be nil for responses without a body.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, h http.Header, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	isJSON := false
	switch b := body.(type) {
	case nil:
	case io.Reader:
		rd = b
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
		isJSON = true
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	for k, vals := range h {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return ""
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
