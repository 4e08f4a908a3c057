package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucherkit/analytics"
	"voucherkit/config"
	"voucherkit/holdings"
	"voucherkit/integrations/webhook"
	"voucherkit/metrics"
)

func TestProvideBackend(t *testing.T) {
	cfg := config.DefaultConfig()

	b, cleanup, err := provideBackend(cfg, zerolog.Nop())
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &holdings.Memory{}, b.holdings)

	cfg.Storage.Adapter = "file"
	cfg.Storage.File.Path = filepath.Join(t.TempDir(), "vouchers.json")
	b, cleanup, err = provideBackend(cfg, zerolog.Nop())
	require.NoError(t, err)
	cleanup()
	assert.NotNil(t, b.storage)

	cfg.Storage.Adapter = "tape"
	_, _, err = provideBackend(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestProvideGrantor(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.IsType(t, webhook.LogGrantor{}, provideGrantor(cfg, zerolog.Nop()))

	cfg.Redemption.GrantorWebhookURL = "https://host.example.com/grants"
	assert.IsType(t, &webhook.Grantor{}, provideGrantor(cfg, zerolog.Nop()))
}

func TestProvideSinks(t *testing.T) {
	cfg := config.DefaultConfig()
	sinks, cleanup := provideSinks(cfg, zerolog.Nop(), nil, analytics.NewActivity())
	cleanup()
	assert.Len(t, sinks, 1)

	cfg.Webhook.Endpoints = []string{"https://hooks.example.com"}
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	sinks, cleanup = provideSinks(cfg, zerolog.Nop(), metrics.New("vk"), analytics.NewActivity())
	defer cleanup()
	assert.Len(t, sinks, 4)
}

func TestBuildAppServesAPI(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
vouchers:
  - id: starter
    rewards:
      - type: item
        item: bread
        quantity: 4
`), 0o600))
	t.Setenv("VOUCHERKIT_CATALOG_SEED", seed)
	t.Setenv("VOUCHERKIT_METRICS_ENABLED", "true")
	t.Setenv("VOUCHERKIT_METRICS_NAMESPACE", "vk")

	app, cleanup, err := BuildApp(context.Background(), Options{Profile: "testing"})
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, config.EnvTesting, app.Config.Environment)
	assert.True(t, app.Service.Catalog().Has("starter"))

	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/vouchers/starter")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "vk_catalog_vouchers 1"), string(body))

	resp, err = http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
