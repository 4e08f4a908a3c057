package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "voucherkit/adapters/memory"
	"voucherkit/analytics"
	"voucherkit/core"
	"voucherkit/engine"
	"voucherkit/holdings"
	"voucherkit/importer"
	"voucherkit/integrations/webhook"
	"voucherkit/selection"
)

type testAPI struct {
	handler  http.Handler
	engine   *engine.RedemptionEngine
	holdings *holdings.Service
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()
	bus := engine.NewEventBus(engine.DispatchSync)
	stats := analytics.NewActivity()
	bus.SubscribeAll(stats.OnEvent)
	gw := engine.NewGateway(mem.New(), engine.GatewayConfig{Workers: 1, QueueSize: 8}, zerolog.Nop())
	registry := selection.NewRegistry(time.Minute, bus, zerolog.Nop())
	eng := engine.New(engine.NewState(), gw, bus, webhook.LogGrantor{Logger: zerolog.Nop()},
		engine.WithSelectionSurface(registry))
	t.Cleanup(eng.Close)
	hs := holdings.NewService(holdings.NewMemory(), eng.Catalog(), eng, zerolog.Nop())

	deps := Deps{
		Engine:     eng,
		Holdings:   hs,
		Selections: registry,
		Importer:   importer.New(eng, zerolog.Nop()),
		Stats:      stats,
		Logger:     zerolog.Nop(),
	}
	if opts.PathPrefix == "" {
		opts.PathPrefix = "/api"
	}
	return &testAPI{handler: NewMux(deps, opts), engine: eng, holdings: hs}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func voucherBody(id string, mode core.RewardMode, maxUses int) core.Voucher {
	v := core.NewVoucher(id)
	v.RewardMode = mode
	v.Options.MaxUses = maxUses
	v.Rewards = core.Rewards{
		core.ItemReward{Item: "diamond", Quantity: 1, Chance: 50},
		core.CommandReward{Command: "say hi %player%", Chance: 50},
	}
	return v
}

func TestVoucherCRUD(t *testing.T) {
	api := newTestAPI(t, Options{})

	rec := api.do(t, http.MethodPost, "/api/vouchers", voucherBody("Crate", core.ModeAutomatic, -1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = api.do(t, http.MethodPost, "/api/vouchers", voucherBody("crate", core.ModeAutomatic, -1))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_exists", decode[apiError](t, rec).Code)

	rec = api.do(t, http.MethodPost, "/api/vouchers", `{"id":"bad id!","reward_mode":"AUTOMATIC"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/vouchers/CRATE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[core.Voucher](t, rec)
	assert.Equal(t, "Crate", got.ID)
	assert.Len(t, got.Rewards, 2)

	update := voucherBody("ignored", core.ModeRandom, 3)
	rec = api.do(t, http.MethodPut, "/api/vouchers/CRATE", update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Crate", decode[core.Voucher](t, rec).ID, "id keeps its original case")
	v, err := api.engine.Catalog().Get("crate")
	require.NoError(t, err)
	assert.Equal(t, "Crate", v.ID)
	assert.Equal(t, core.ModeRandom, v.RewardMode)
	assert.Equal(t, 3, v.Options.MaxUses)

	rec = api.do(t, http.MethodGet, "/api/vouchers", nil)
	assert.Len(t, decode[[]core.Voucher](t, rec), 1)

	rec = api.do(t, http.MethodDelete, "/api/vouchers/crate", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/vouchers/crate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(t, http.MethodDelete, "/api/vouchers/crate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRedeemConsumesHoldingAndEnforcesLimit(t *testing.T) {
	api := newTestAPI(t, Options{})
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/vouchers", voucherBody("v1", core.ModeAutomatic, 1)).Code)

	rec := api.do(t, http.MethodPost, "/api/users/alice/redeem/v1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_held", decode[apiError](t, rec).Code)

	rec = api.do(t, http.MethodPost, "/api/give", giveRequest{User: "Alice", Voucher: "v1", Amount: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/api/users/alice/redeem/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[redeemResponse](t, rec)
	assert.Equal(t, engine.StatusRedeemed, resp.Status)
	require.NotNil(t, resp.Record)
	assert.Equal(t, core.UserID("alice"), resp.Record.UserID)
	assert.Len(t, resp.Granted, 2)

	rec = api.do(t, http.MethodGet, "/api/users/alice/holdings", nil)
	assert.Equal(t, map[string]int{"v1": 1}, decode[map[string]int](t, rec))

	rec = api.do(t, http.MethodPost, "/api/users/alice/redeem/v1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "limit_reached", decode[apiError](t, rec).Code)

	rec = api.do(t, http.MethodPost, "/api/users/alice/redeem/v1?ignore_limit=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/users/alice/redemptions", nil)
	assert.Len(t, decode[[]core.RedemptionRecord](t, rec), 2)
}

func TestRedeemPermissionAndCooldown(t *testing.T) {
	api := newTestAPI(t, Options{})
	v := voucherBody("vip", core.ModeAutomatic, -1)
	v.Options.RequiresPermission = true
	v.Options.Permission = "vouchers.vip"
	v.Options.CooldownSeconds = 30
	v.Options.RemoveOnUse = false
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/vouchers", v).Code)
	api.do(t, http.MethodPost, "/api/give", giveRequest{User: "bob", Voucher: "vip"})

	rec := api.do(t, http.MethodPost, "/api/users/bob/redeem/vip", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/users/bob/redeem/vip", nil, headerPermissions, "other, Vouchers.VIP")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/api/users/bob/redeem/vip", nil, headerPermissions, "*")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode[apiError](t, rec)
	assert.Equal(t, "on_cooldown", body.Code)
	remaining := body.Details.(map[string]any)["remaining_seconds"].(float64)
	assert.InDelta(t, 30, remaining, 1)
}

func TestRedeemUnknownVoucher(t *testing.T) {
	api := newTestAPI(t, Options{})
	rec := api.do(t, http.MethodPost, "/api/users/alice/redeem/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelectionFlow(t *testing.T) {
	api := newTestAPI(t, Options{})
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/vouchers", voucherBody("pick", core.ModeRewardSelect, -1)).Code)
	api.do(t, http.MethodPost, "/api/give", giveRequest{User: "carol", Voucher: "pick", Amount: 1})

	rec := api.do(t, http.MethodPost, "/api/users/carol/redeem/pick", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[redeemResponse](t, rec)
	assert.Equal(t, engine.StatusPendingSelection, resp.Status)
	require.NotEmpty(t, resp.Token)
	assert.Len(t, resp.Choices, 2)
	assert.Zero(t, api.engine.Ledger().Len())

	rec = api.do(t, http.MethodGet, "/api/users/carol/selections", nil)
	pending := decode[[]selection.Pending](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, resp.Token, pending[0].Token)

	rec = api.do(t, http.MethodPost, "/api/selections/"+resp.Token+"?reward=9", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/selections/"+resp.Token+"?reward=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, api.engine.Ledger().CountFor("carol", "pick"))

	rec = api.do(t, http.MethodGet, "/api/users/carol/holdings", nil)
	assert.Empty(t, decode[map[string]int](t, rec))

	rec = api.do(t, http.MethodPost, "/api/selections/"+resp.Token+"?reward=0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelectionCancel(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.do(t, http.MethodPost, "/api/vouchers", voucherBody("pick", core.ModeRewardSelect, -1))
	api.do(t, http.MethodPost, "/api/give", giveRequest{User: "dan", Voucher: "pick"})
	resp := decode[redeemResponse](t, api.do(t, http.MethodPost, "/api/users/dan/redeem/pick", nil))

	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/api/selections/"+resp.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodDelete, "/api/selections/"+resp.Token, nil).Code)
	assert.Zero(t, api.engine.Ledger().Len())

	rec := api.do(t, http.MethodGet, "/api/users/dan/holdings", nil)
	assert.Equal(t, map[string]int{"pick": 1}, decode[map[string]int](t, rec), "cancelled selection returns the held unit")
}

func TestHeldUnitSpentOnce(t *testing.T) {
	api := newTestAPI(t, Options{})
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/vouchers", voucherBody("pick", core.ModeRewardSelect, -1)).Code)
	api.do(t, http.MethodPost, "/api/give", giveRequest{User: "carol", Voucher: "pick", Amount: 1})

	rec := api.do(t, http.MethodPost, "/api/users/carol/redeem/pick", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[redeemResponse](t, rec)

	rec = api.do(t, http.MethodPost, "/api/users/carol/redeem/pick", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "not_held", decode[apiError](t, rec).Code)

	rec = api.do(t, http.MethodGet, "/api/users/carol/selections", nil)
	require.Len(t, decode[[]selection.Pending](t, rec), 1)

	rec = api.do(t, http.MethodPost, "/api/selections/"+first.Token+"?reward=0", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, api.engine.Ledger().Len())
	rec = api.do(t, http.MethodGet, "/api/users/carol/holdings", nil)
	assert.Empty(t, decode[map[string]int](t, rec))
}

func TestConcurrentRedeemsSpendHeldStack(t *testing.T) {
	api := newTestAPI(t, Options{})
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/vouchers", voucherBody("crate", core.ModeAutomatic, -1)).Code)
	api.do(t, http.MethodPost, "/api/give", giveRequest{User: "erin", Voucher: "crate", Amount: 2})

	codes := make([]int, 12)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = api.do(t, http.MethodPost, "/api/users/erin/redeem/crate", nil).Code
		}()
	}
	wg.Wait()

	var ok, conflict int
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 10, conflict)
	assert.Equal(t, 2, api.engine.Ledger().CountFor("erin", "crate"))
	rec := api.do(t, http.MethodGet, "/api/users/erin/holdings", nil)
	assert.Empty(t, decode[map[string]int](t, rec))
}

func TestGiveAll(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.do(t, http.MethodPost, "/api/vouchers", voucherBody("gift", core.ModeAutomatic, -1))
	api.do(t, http.MethodPost, "/api/give", giveRequest{User: "alice", Voucher: "gift"})
	api.do(t, http.MethodPost, "/api/give", giveRequest{User: "bob", Voucher: "gift"})

	rec := api.do(t, http.MethodPost, "/api/give", giveRequest{User: "*", Voucher: "gift", Amount: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]map[string]int](t, rec)
	assert.Equal(t, map[string]int{"alice": 4, "bob": 4}, body["given"])

	rec = api.do(t, http.MethodPost, "/api/give", giveRequest{User: "*", Voucher: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/give", giveRequest{User: "alice", Voucher: "gift", Amount: -2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImport(t *testing.T) {
	api := newTestAPI(t, Options{})
	doc := `
vouchers:
  legacy:
    reward-mode: automatic
    rewards:
      - type: item
        item: emerald
        amount: 3
redeems:
  - id: old-1
    user: Erin
    voucher: legacy
    time: 1690000000000
`
	rec := api.do(t, http.MethodPost, "/api/import", doc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), body["vouchers"])
	assert.Equal(t, float64(1), body["records"])
	assert.True(t, api.engine.Catalog().Has("legacy"))
	assert.Equal(t, 1, api.engine.Ledger().CountFor("erin", "legacy"))

	rec = api.do(t, http.MethodPost, "/api/import", "vouchers: [")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	api := newTestAPI(t, Options{})
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/vouchers", voucherBody("v1", core.ModeAutomatic, 1)).Code)
	api.do(t, http.MethodPost, "/api/give", giveRequest{User: "alice", Voucher: "v1", Amount: 3})
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/users/alice/redeem/v1", nil).Code)
	api.do(t, http.MethodPost, "/api/users/alice/redeem/v1", nil)

	rec := api.do(t, http.MethodGet, "/api/stats?top=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s := decode[analytics.Summary](t, rec)
	assert.Equal(t, 1, s.DailyRedeemers)
	assert.Equal(t, int64(1), s.RedemptionsToday)
	assert.Equal(t, int64(1), s.DeniedByReason["limit_reached"])
	assert.Equal(t, int64(1), s.Given)
	require.Len(t, s.TopVouchers, 1)
	assert.Equal(t, "v1", s.TopVouchers[0].Key)

	rec = api.do(t, http.MethodGet, "/api/stats?top=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, Options{})
	rec := api.do(t, http.MethodGet, "/api/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])

	rec = api.do(t, http.MethodPost, "/api/healthz", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	api := newTestAPI(t, Options{APIKeys: []string{"secret"}, AllowCORSOrigin: "*"})

	rec := api.do(t, http.MethodGet, "/api/vouchers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/vouchers", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = api.do(t, http.MethodGet, "/api/vouchers?api_key=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/vouchers", nil, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	api := newTestAPI(t, Options{
		APIKeys:          []string{"k"},
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})

	rec := api.do(t, http.MethodGet, "/api/vouchers", nil, "X-API-Key", "k")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/vouchers", nil, "X-API-Key", "k")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimiterRefillAndPrune(t *testing.T) {
	l := newRateLimiter(60, 1)
	l.cleanup = time.Minute
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.pruned = start

	assert.True(t, l.allow("a", start))
	assert.False(t, l.allow("a", start.Add(100*time.Millisecond)))
	assert.True(t, l.allow("a", start.Add(1100*time.Millisecond)))

	assert.True(t, l.allow("b", start.Add(2*time.Minute)))
	_, kept := l.b["a"]
	assert.False(t, kept)
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, Options{AllowCORSOrigin: "https://admin.example.com"})
	rec := api.do(t, http.MethodOptions, "/api/vouchers", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "DELETE"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), headerPermissions)
}
