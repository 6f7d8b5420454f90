package echo

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spl402 "github.com/astrohackerx/spl402-sub000"
	spl402http "github.com/astrohackerx/spl402-sub000/http"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm/verifier"
	"github.com/astrohackerx/spl402-sub000/test/mocks/ledger"
)

var (
	now       = time.UnixMilli(1_700_000_000_000)
	recipient = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
)

func newEcho(t *testing.T, l *ledger.Ledger, opts ...Option) *echo.Echo {
	t.Helper()
	table, err := spl402http.NewRouteTable(spl402http.PaymentConfig{
		Recipient: recipient.String(),
		Network:   spl402.NetworkDevnet,
		Scheme:    spl402.SchemeTransfer,
	}, []spl402.Route{
		{Path: "/premium", Price: decimal.RequireFromString("0.001")},
		{Path: "/internal", Price: decimal.RequireFromString("0.001")},
		{Path: "/items/:id", Price: decimal.RequireFromString("0.001")},
	})
	require.NoError(t, err)

	server, err := spl402http.NewServer(table,
		verifier.New(l, verifier.WithClock(func() time.Time { return now })),
		spl402http.WithGatherer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	e := echo.New()
	e.Use(PaymentMiddleware(server, opts...))
	handler := func(c echo.Context) error {
		p, ok := Payment(c)
		if !ok {
			return c.String(http.StatusOK, "unpaid")
		}
		return c.String(http.StatusOK, p.TxHash)
	}
	e.GET("/premium", handler)
	e.GET("/internal", handler)
	e.GET("/items/:id", handler)
	e.GET(spl402http.MetricsPath, MetricsHandler(server))
	return e
}

func get(e *echo.Echo, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPaymentMiddleware(t *testing.T) {
	l := ledger.New()
	e := newEcho(t, l)

	rec := get(e, "/premium", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(spl402.HeaderPaymentRequired))

	sig, err := solana.NewWallet().PrivateKey.Sign([]byte("echo"))
	require.NoError(t, err)
	l.AddNativeTransfer(sig, solana.NewWallet().PublicKey(), recipient, 1_000_000)
	header, err := spl402http.EncodePaymentHeader(&spl402.PaymentPayload{
		Version: spl402.Version,
		Scheme:  spl402.SchemeTransfer,
		Network: spl402.NetworkDevnet,
		Payload: &spl402.TransferPayload{
			From:      solana.NewWallet().PublicKey().String(),
			To:        recipient.String(),
			Amount:    decimal.RequireFromString("0.001"),
			Signature: sig.String(),
			Timestamp: now.UnixMilli(),
		},
	})
	require.NoError(t, err)

	rec = get(e, "/premium", map[string]string{spl402.HeaderPayment: header})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, sig.String(), rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(spl402.HeaderPaymentResponse))
}

func TestPaymentMiddlewareEscapedAndHeadRequests(t *testing.T) {
	e := newEcho(t, ledger.New())

	for _, path := range []string{"/items/a%252fb", "/items/a%2Fb"} {
		rec := get(e, path, nil)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/premium", nil))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestPaymentMiddlewareSkipperAndStandardRoutes(t *testing.T) {
	e := newEcho(t, ledger.New(), WithSkipper(func(c echo.Context) bool {
		return c.Request().URL.Path == "/internal"
	}))

	rec := get(e, "/internal", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unpaid", rec.Body.String())

	rec = get(e, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = get(e, spl402http.MetricsPath, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
