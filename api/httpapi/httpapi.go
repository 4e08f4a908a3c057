package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	wsadapter "voucherkit/adapters/websocket"
	"voucherkit/analytics"
	"voucherkit/core"
	"voucherkit/engine"
	"voucherkit/holdings"
	"voucherkit/importer"
	"voucherkit/realtime"
	"voucherkit/selection"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup drops idle client buckets after this long.
	RateLimitCleanup time.Duration
	// MetricsPath serves Metrics when both are set. It is not prefixed.
	MetricsPath string
}

// Deps are the services behind the API. Engine is required; the others
// disable their routes when nil.
type Deps struct {
	Engine     *engine.RedemptionEngine
	Holdings   *holdings.Service
	Selections *selection.Registry
	Importer   *importer.Importer
	Hub        *realtime.Hub
	Stats      *analytics.Activity
	Metrics    http.Handler
	Logger     zerolog.Logger
}

type server struct {
	Deps
}

// NewMux builds an http.Handler exposing the voucher REST API and WebSocket stream.
// Routes:
//   - GET    {prefix}/healthz
//   - WS     {prefix}/ws?user={id}
//   - GET    {prefix}/vouchers
//   - POST   {prefix}/vouchers
//   - GET    {prefix}/vouchers/{id}
//   - PUT    {prefix}/vouchers/{id}
//   - DELETE {prefix}/vouchers/{id}
//   - POST   {prefix}/users/{id}/redeem/{voucher}?ignore_limit=1&ignore_cooldown=1
//   - GET    {prefix}/users/{id}/redemptions
//   - GET    {prefix}/users/{id}/holdings
//   - GET    {prefix}/users/{id}/selections
//   - POST   {prefix}/give
//   - POST   {prefix}/import
//   - POST   {prefix}/selections/{token}?reward=N
//   - DELETE {prefix}/selections/{token}
//   - GET    {prefix}/stats?top=N
func NewMux(deps Deps, opts Options) http.Handler {
	if deps.Engine == nil {
		panic("httpapi.NewMux requires an engine")
	}
	s := &server{Deps: deps}
	mux := http.NewServeMux()
	route := func(method, path string, h http.HandlerFunc) {
		mux.HandleFunc(method+" "+withPrefix(opts.PathPrefix, path), h)
	}

	route(http.MethodGet, "/healthz", s.health)
	if s.Hub != nil {
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(s.Hub))
	}

	route(http.MethodGet, "/vouchers", s.listVouchers)
	route(http.MethodPost, "/vouchers", s.createVoucher)
	route(http.MethodGet, "/vouchers/{id}", s.getVoucher)
	route(http.MethodPut, "/vouchers/{id}", s.putVoucher)
	route(http.MethodDelete, "/vouchers/{id}", s.deleteVoucher)

	route(http.MethodPost, "/users/{id}/redeem/{voucher}", s.redeem)
	route(http.MethodGet, "/users/{id}/redemptions", s.redemptions)
	if s.Holdings != nil {
		route(http.MethodGet, "/users/{id}/holdings", s.held)
		route(http.MethodPost, "/give", s.give)
	}
	if s.Selections != nil {
		route(http.MethodGet, "/users/{id}/selections", s.pendingSelections)
		route(http.MethodPost, "/selections/{token}", s.chooseSelection)
		route(http.MethodDelete, "/selections/{token}", s.cancelSelection)
	}
	if s.Importer != nil {
		route(http.MethodPost, "/import", s.importLegacy)
	}
	if s.Stats != nil {
		route(http.MethodGet, "/stats", s.stats)
	}
	if s.Metrics != nil && opts.MetricsPath != "" {
		mux.Handle(http.MethodGet+" "+opts.MetricsPath, s.Metrics)
	}

	var handler http.Handler = mux
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup)
	}
	// outermost so preflights skip auth
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	return handler
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":   "healthy",
		"vouchers": s.Engine.Catalog().Len(),
		"records":  s.Engine.Ledger().Len(),
	}
	if s.Selections != nil {
		status["selections_expired"] = s.Selections.Sweep()
	}
	if s.Hub != nil {
		status["subscribers"] = s.Hub.Subscribers()
	}
	writeJSON(w, status)
}

func (s *server) listVouchers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Engine.Catalog().List())
}

func (s *server) getVoucher(w http.ResponseWriter, r *http.Request) {
	v, err := s.Engine.Catalog().Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, v)
}

func (s *server) createVoucher(w http.ResponseWriter, r *http.Request) {
	var v core.Voucher
	if err := decodeBody(w, r, &v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if err := s.Engine.CreateVoucher(r.Context(), v); err != nil {
		s.fail(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, v)
}

func (s *server) putVoucher(w http.ResponseWriter, r *http.Request) {
	var v core.Voucher
	if err := decodeBody(w, r, &v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	v.ID = r.PathValue("id")
	if err := s.Engine.SaveVoucher(r.Context(), v); err != nil {
		s.fail(w, err)
		return
	}
	if stored, err := s.Engine.Catalog().Get(v.ID); err == nil {
		v = stored
	}
	writeJSON(w, v)
}

func (s *server) deleteVoucher(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteVoucher(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemResponse struct {
	engine.Outcome
	Warnings string `json:"warnings,omitempty"`
}

func (s *server) redeem(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requestUser(w, r)
	if !ok {
		return
	}
	voucherID := r.PathValue("voucher")
	q := r.URL.Query()
	opts := engine.RedeemOptions{IgnoreLimit: flag(q.Get("ignore_limit")), IgnoreCooldown: flag(q.Get("ignore_cooldown"))}

	var redeemer core.User = user
	if s.Holdings != nil && s.Engine.Catalog().Has(voucherID) {
		holder, err := s.Holdings.Holder(r.Context(), user, voucherID)
		if err != nil {
			s.fail(w, err)
			return
		}
		redeemer = holder
	}

	out, err := s.Engine.RedeemByID(r.Context(), redeemer, voucherID, opts)
	if err != nil && !errors.Is(err, core.ErrRewardExecution) {
		s.fail(w, err)
		return
	}
	resp := redeemResponse{Outcome: out}
	if err != nil {
		resp.Warnings = err.Error()
	}
	if out.Status == engine.StatusPendingSelection {
		writeJSONStatus(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, resp)
}

func (s *server) redemptions(w http.ResponseWriter, r *http.Request) {
	uid, err := core.NormalizeUserID(core.UserID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return
	}
	recs := s.Engine.Ledger().ForUser(uid)
	if recs == nil {
		recs = []core.RedemptionRecord{}
	}
	writeJSON(w, recs)
}

func (s *server) held(w http.ResponseWriter, r *http.Request) {
	held, err := s.Holdings.Held(r.Context(), core.UserID(r.PathValue("id")))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, held)
}

type giveRequest struct {
	User    string `json:"user"`
	Voucher string `json:"voucher"`
	Amount  int    `json:"amount"`
}

// give hands a voucher to one user, or to every known user when user is "*".
func (s *server) give(w http.ResponseWriter, r *http.Request) {
	var req giveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	if strings.TrimSpace(req.User) == "*" {
		given, err := s.Holdings.GiveAll(r.Context(), req.Voucher, req.Amount)
		if err != nil && given == nil {
			s.fail(w, err)
			return
		}
		resp := map[string]any{"given": given}
		if err != nil {
			resp["errors"] = err.Error()
		}
		writeJSON(w, resp)
		return
	}
	n, err := s.Holdings.Give(r.Context(), core.UserID(req.User), req.Voucher, req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"held": n})
}

func (s *server) importLegacy(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Importer.ImportLegacy(r.Context(), http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_import", err.Error(), nil)
		return
	}
	writeJSON(w, map[string]any{
		"vouchers": rep.Vouchers,
		"records":  rep.Records,
		"skipped":  rep.SkippedMessages(),
	})
}

func (s *server) pendingSelections(w http.ResponseWriter, r *http.Request) {
	uid, err := core.NormalizeUserID(core.UserID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return
	}
	pending := s.Selections.PendingFor(uid)
	if pending == nil {
		pending = []selection.Pending{}
	}
	writeJSON(w, pending)
}

func (s *server) chooseSelection(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.URL.Query().Get("reward"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_reward", "reward must be an integer index", nil)
		return
	}
	reward, err := s.Selections.Choose(r.PathValue("token"), idx)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.Engine.Flush()
	writeJSON(w, map[string]any{"chosen": core.Rewards{reward}, "description": core.Describe(reward)})
}

func (s *server) cancelSelection(w http.ResponseWriter, r *http.Request) {
	if !s.Selections.Cancel(r.PathValue("token")) {
		s.fail(w, selection.ErrUnknownToken)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	top := 10
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid_top", "top must be between 1 and 100", nil)
			return
		}
		top = n
	}
	writeJSON(w, s.Stats.Summary(time.Now(), top))
}

// fail maps domain errors to HTTP responses.
func (s *server) fail(w http.ResponseWriter, err error) {
	var cd *core.CooldownError
	switch {
	case core.AsCooldown(err, &cd):
		writeError(w, http.StatusTooManyRequests, "on_cooldown", err.Error(),
			map[string]any{"remaining_seconds": cd.Remaining.Seconds()})
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, selection.ErrUnknownToken):
		writeError(w, http.StatusNotFound, "unknown_selection", err.Error(), nil)
	case core.IsNotAllowed(err):
		writeError(w, http.StatusForbidden, "not_allowed", err.Error(), nil)
	case core.IsLimitReached(err):
		writeError(w, http.StatusConflict, "limit_reached", err.Error(), nil)
	case errors.Is(err, core.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error(), nil)
	case errors.Is(err, core.ErrNotHeld), errors.Is(err, holdings.ErrInsufficient):
		writeError(w, http.StatusConflict, "not_held", err.Error(), nil)
	case errors.Is(err, core.ErrNoRewards):
		writeError(w, http.StatusUnprocessableEntity, "no_rewards", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidVoucher), errors.Is(err, selection.ErrBadChoice), errors.Is(err, holdings.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	case errors.Is(err, core.ErrSelection), errors.Is(err, core.ErrPersistence):
		writeError(w, http.StatusBadGateway, "upstream", err.Error(), nil)
	default:
		s.Logger.Error().Err(err).Msg("unhandled api error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

// Helpers

const maxBody = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
}

func flag(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	return strings.TrimSuffix(prefix, "/") + path
}

func writeJSON(w http.ResponseWriter, v any) { writeJSONStatus(w, http.StatusOK, v) }

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg, Details: details})
}
