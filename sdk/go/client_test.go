package sdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucherkit/api/httpapi"
	"voucherkit/core"
	"voucherkit/engine"
	"voucherkit/importer"
	"voucherkit/integrations/webhook"
	"voucherkit/realtime"
	"voucherkit/vouchers"
)

// newTestServer runs the real API over an in-memory service.
func newTestServer(t *testing.T, opts httpapi.Options) *httptest.Server {
	t.Helper()
	svc := vouchers.New(
		vouchers.WithRealtime(realtime.NewHub()),
		vouchers.WithGrantor(webhook.LogGrantor{Logger: zerolog.Nop()}),
		vouchers.WithDispatchMode(engine.DispatchSync),
	)
	t.Cleanup(svc.Close)
	opts.PathPrefix = "/api"
	h := httpapi.NewMux(httpapi.Deps{
		Engine:     svc.RedemptionEngine,
		Holdings:   svc.Holdings,
		Selections: svc.Selections,
		Importer:   importer.New(svc.RedemptionEngine, zerolog.Nop()),
		Hub:        svc.Hub,
		Logger:     zerolog.Nop(),
	}, opts)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func crate(id string, mode core.RewardMode) core.Voucher {
	v := core.NewVoucher(id)
	v.RewardMode = mode
	v.Options.MaxUses = 1
	v.Rewards = core.Rewards{
		core.ItemReward{Item: "diamond", Quantity: 2, Chance: 100},
		core.CommandReward{Command: "say %player% opened a crate", Chance: 100},
	}
	return v
}

func TestDeriveWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api/ws", deriveWSURL("http://localhost:8080/api"))
	assert.Equal(t, "wss://vouchers.example.com/ws", deriveWSURL("https://vouchers.example.com/"))
	assert.Empty(t, deriveWSURL("ftp://vouchers.example.com"))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient("  ")
	assert.Error(t, err)
}

func TestClient_VoucherLifecycle(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	ctx := context.Background()

	created, err := client.CreateVoucher(ctx, crate("Crate", core.ModeAutomatic))
	require.NoError(t, err)
	assert.Equal(t, "Crate", created.ID)

	_, err = client.CreateVoucher(ctx, crate("crate", core.ModeAutomatic))
	require.Error(t, err)
	assert.True(t, IsCode(err, "already_exists"))

	got, err := client.GetVoucher(ctx, "CRATE")
	require.NoError(t, err)
	assert.Len(t, got.Rewards, 2)

	got.Name = "Golden crate"
	_, err = client.SaveVoucher(ctx, got)
	require.NoError(t, err)

	list, err := client.ListVouchers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Golden crate", list[0].Name)

	hs, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", hs.Status)
	assert.Equal(t, 1, hs.Vouchers)

	require.NoError(t, client.DeleteVoucher(ctx, "crate"))
	_, err = client.GetVoucher(ctx, "crate")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Equal(t, "not_found", ae.Code)
}

func TestClient_GiveAndRedeem(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.CreateVoucher(ctx, crate("crate", core.ModeAutomatic))
	require.NoError(t, err)

	_, err = client.Redeem(ctx, "alice", "crate", RedeemRequest{})
	assert.True(t, IsCode(err, "not_held"), "%v", err)

	held, err := client.Give(ctx, "alice", "crate", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, held)

	res, err := client.Redeem(ctx, "alice", "crate", RedeemRequest{Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, StatusRedeemed, res.Status)
	assert.Len(t, res.Granted, 2)
	require.NotNil(t, res.Record)
	assert.Equal(t, core.UserID("alice"), res.Record.UserID)

	_, err = client.Redeem(ctx, "alice", "crate", RedeemRequest{})
	assert.True(t, IsCode(err, "limit_reached"), "%v", err)

	_, err = client.Redeem(ctx, "alice", "crate", RedeemRequest{IgnoreLimit: true})
	require.NoError(t, err)

	recs, err := client.Redemptions(ctx, "ALICE")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	holdings, err := client.Holdings(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, holdings)

	all, err := client.GiveAll(ctx, "crate", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 1}, all.Given)

	_, err = client.Give(ctx, GiveEveryone, "crate", 1)
	assert.ErrorIs(t, err, ErrEmptyUserID)
}

func TestClient_Selection(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.CreateVoucher(ctx, crate("pick", core.ModeRewardSelect))
	require.NoError(t, err)
	_, err = client.Give(ctx, "bob", "pick", 2)
	require.NoError(t, err)

	res, err := client.Redeem(ctx, "bob", "pick", RedeemRequest{})
	require.NoError(t, err)
	require.True(t, res.Pending())
	require.NotEmpty(t, res.Token)
	assert.Len(t, res.Choices, 2)

	pending, err := client.PendingSelections(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Token, pending[0].Token)

	_, err = client.Choose(ctx, res.Token, 5)
	assert.True(t, IsCode(err, "invalid_input"), "%v", err)

	choice, err := client.Choose(ctx, res.Token, 0)
	require.NoError(t, err)
	require.Len(t, choice.Chosen, 1)
	assert.Equal(t, core.RewardItem, choice.Chosen[0].Kind())

	recs, err := client.Redemptions(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	err = client.CancelSelection(ctx, res.Token)
	assert.True(t, IsCode(err, "unknown_selection"), "%v", err)
	assert.ErrorIs(t, client.CancelSelection(ctx, ""), ErrEmptyToken)
}

func TestClient_Import(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	legacy := `
vouchers:
  starter:
    display-name: Starter kit
    reward-mode: automatic
    rewards:
      - type: item
        item: bread
        amount: 4
redeems:
  - id: r1
    user: carol
    voucher: starter
    time: 1700000000000
`
	rep, err := client.Import(context.Background(), strings.NewReader(legacy))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Vouchers)
	assert.Equal(t, 1, rep.Records)

	recs, err := client.Redemptions(context.Background(), "carol")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].ID)
}

func TestClient_APIKey(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	ctx := context.Background()

	anon, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	_, err = anon.ListVouchers(ctx)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.Status)

	for _, c := range []Option{WithAPIKey("k1"), WithAuthToken("k1"), WithHeader("X-API-Key", "k1")} {
		client, err := NewClient(srv.URL+"/api", c, WithHTTPClient(&http.Client{Timeout: time.Second}))
		require.NoError(t, err)
		_, err = client.ListVouchers(ctx)
		assert.NoError(t, err)
	}
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, "dave")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		hs, err := client.Health(ctx)
		return err == nil && hs.Subscribers == 1
	}, time.Second, 10*time.Millisecond)

	_, err = client.CreateVoucher(ctx, crate("crate", core.ModeAutomatic))
	require.NoError(t, err)
	_, err = client.Give(ctx, "erin", "crate", 1)
	require.NoError(t, err)
	_, err = client.Give(ctx, "dave", "crate", 1)
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, core.EventVoucherGiven, evt.Type)
		assert.Equal(t, core.UserID("dave"), evt.UserID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	cancel()
	for range events {
	}
}
