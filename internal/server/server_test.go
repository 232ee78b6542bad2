package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kantor-pay/kantor/internal/config"
	"github.com/kantor-pay/kantor/internal/logging"
	"github.com/kantor-pay/kantor/internal/money"
	"github.com/kantor-pay/kantor/internal/rates"
	"github.com/kantor-pay/kantor/internal/routes"
)

type fixedSource struct {
	err error
}

func (s fixedSource) Fetch(context.Context) (map[money.Currency]rates.Quote, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[money.Currency]rates.Quote{
		"EUR": {Code: "EUR", Bid: decimal.RequireFromString("3.90"), Ask: decimal.RequireFromString("4.00"), EffectiveDate: "2024-01-02"},
		"USD": {Code: "USD", Bid: decimal.RequireFromString("3.60"), Ask: decimal.RequireFromString("3.70"), EffectiveDate: "2024-01-02"},
	}, nil
}

func testConfig() config.Config {
	return config.Config{
		AppName:             "Kantor",
		AppEnv:              "test",
		Port:                "0",
		IdempotencyTTL:      time.Minute,
		JWTSecret:           "test-secret",
		TokenTTL:            time.Hour,
		HomeCurrency:        "PLN",
		SupportedCurrencies: []money.Currency{"EUR", "USD"},
		DepositMax:          decimal.NewFromInt(100000),
		LoginAttempts:       5,
		RatesTimeout:        time.Second,
		RatesFreshness:      time.Minute,
		RatesMaxStaleness:   time.Minute,
		RatesRetryBackoff:   time.Millisecond,
	}
}

type client struct {
	t     *testing.T
	app   *fiber.App
	token string
}

func newClient(t *testing.T, source rates.Source) *client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	srv, err := New(routes.Deps{Cfg: testConfig(), Cache: cache, Logger: logging.Discard(), RateSource: source})
	require.NoError(t, err)
	return &client{t: t, app: srv.app}
}

func (c *client) do(method, path, body string, headers ...string) (int, http.Header, map[string]any) {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if c.token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := c.app.Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &decoded), "body %s", raw)
	}
	return resp.StatusCode, resp.Header, decoded
}

func (c *client) register(email string) {
	c.t.Helper()
	status, _, body := c.do(fiber.MethodPost, "/api/v1/auth/register", `{"email":"`+email+`","password":"secret1"}`)
	require.Equal(c.t, http.StatusCreated, status, "%v", body)
	c.token = body["accessToken"].(string)
}

func TestWalletExchangeFlow(t *testing.T) {
	c := newClient(t, fixedSource{})
	c.register("anna@example.com")

	status, _, body := c.do(fiber.MethodGet, "/api/v1/wallet", "")
	require.Equal(t, http.StatusOK, status)
	balances := body["balances"].(map[string]any)
	assert.Equal(t, "0.00000000", balances["PLN"])
	assert.Equal(t, "0.00000000", balances["EUR"])

	status, _, body = c.do(fiber.MethodPost, "/api/v1/wallet/deposit", `{"amount":"1000"}`, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusOK, status, "%v", body)
	assert.Equal(t, "1000.00000000", body["balance"])

	status, hdr, replayed := c.do(fiber.MethodPost, "/api/v1/wallet/deposit", `{"amount":"1000"}`, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "true", hdr.Get("Idempotent-Replayed"))
	assert.Equal(t, body["transactionId"], replayed["transactionId"])

	status, _, body = c.do(fiber.MethodPost, "/api/v1/exchange", `{"fromCurrency":"PLN","toCurrency":"EUR","amount":100}`, "Idempotency-Key", "ex-1")
	require.Equal(t, http.StatusOK, status, "%v", body)
	assert.Equal(t, "4.00000000", body["rate"])
	assert.Equal(t, "25.00000000", body["receivedAmount"])
	assert.NotEmpty(t, body["transactionId"])
	balances = body["wallet"].(map[string]any)["balances"].(map[string]any)
	assert.Equal(t, "900.00000000", balances["PLN"])
	assert.Equal(t, "25.00000000", balances["EUR"])

	status, _, body = c.do(fiber.MethodPost, "/api/v1/exchange", `{"fromCurrency":"EUR","toCurrency":"PLN","amount":"10"}`, "Idempotency-Key", "ex-2")
	require.Equal(t, http.StatusOK, status, "%v", body)
	assert.Equal(t, "3.90000000", body["rate"])
	assert.Equal(t, "39.00000000", body["receivedAmount"])

	status, _, _ = c.do(fiber.MethodPost, "/api/v1/exchange", `{"fromCurrency":"PLN","toCurrency":"EUR","amount":"5000"}`, "Idempotency-Key", "ex-3")
	assert.Equal(t, http.StatusConflict, status)

	status, _, _ = c.do(fiber.MethodPost, "/api/v1/exchange", `{"fromCurrency":"EUR","toCurrency":"USD","amount":"1"}`, "Idempotency-Key", "ex-4")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, body = c.do(fiber.MethodGet, "/api/v1/transactions", "")
	require.Equal(t, http.StatusOK, status)
	txs := body["transactions"].([]any)
	require.Len(t, txs, 3)
	assert.Equal(t, "SELL", txs[0].(map[string]any)["type"])
	assert.Equal(t, "BUY", txs[1].(map[string]any)["type"])
	assert.Nil(t, txs[2].(map[string]any)["rate"])

	status, _, body = c.do(fiber.MethodGet, "/api/v1/transactions?type=deposit&limit=5", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["transactions"].([]any), 1)

	status, _, _ = c.do(fiber.MethodGet, "/api/v1/transactions?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExchangeRequiresAuthentication(t *testing.T) {
	c := newClient(t, fixedSource{})

	status, _, body := c.do(fiber.MethodPost, "/api/v1/exchange", `{"fromCurrency":"PLN","toCurrency":"EUR","amount":"1"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NotEmpty(t, body["error"])

	c.token = "forged"
	status, _, _ = c.do(fiber.MethodGet, "/api/v1/wallet", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestExchangeRates(t *testing.T) {
	c := newClient(t, fixedSource{})

	status, _, body := c.do(fiber.MethodGet, "/api/v1/exchange-rates", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "PLN", body["base"])
	assert.Equal(t, false, body["stale"])
	list := body["rates"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "EUR", list[0].(map[string]any)["code"])
}

func TestRateSourceOutageIsRetryable(t *testing.T) {
	c := newClient(t, fixedSource{err: rates.ErrSourceUnavailable})
	c.register("anna@example.com")

	status, _, _ := c.do(fiber.MethodPost, "/api/v1/wallet/deposit", `{"amount":"100"}`, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusOK, status)

	status, hdr, _ := c.do(fiber.MethodPost, "/api/v1/exchange", `{"fromCurrency":"PLN","toCurrency":"EUR","amount":"50"}`, "Idempotency-Key", "ex-1")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.NotEmpty(t, hdr.Get(fiber.HeaderRetryAfter))

	status, _, body := c.do(fiber.MethodGet, "/api/v1/wallet", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "100.00000000", body["balances"].(map[string]any)["PLN"])
}

func TestChangePasswordRevokesOldTokens(t *testing.T) {
	c := newClient(t, fixedSource{})
	c.register("anna@example.com")
	old := c.token

	status, _, body := c.do(fiber.MethodPost, "/api/v1/auth/change-password", `{"oldPassword":"secret1","newPassword":"secret2"}`)
	require.Equal(t, http.StatusOK, status, "%v", body)
	fresh := body["accessToken"].(string)

	c.token = old
	status, _, _ = c.do(fiber.MethodGet, "/api/v1/me", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	c.token = fresh
	status, _, body = c.do(fiber.MethodGet, "/api/v1/me", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "anna@example.com", body["email"])

	c.token = ""
	status, _, _ = c.do(fiber.MethodPost, "/api/v1/auth/login", `{"email":"anna@example.com","password":"secret1"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _, _ = c.do(fiber.MethodPost, "/api/v1/auth/login", `{"email":"anna@example.com","password":"secret2"}`)
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthz(t *testing.T) {
	c := newClient(t, fixedSource{})
	status, _, body := c.do(fiber.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"].(map[string]any)["redis"])
}
