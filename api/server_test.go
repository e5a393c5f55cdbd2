package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Aidin1998/walletledger/api"
	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/config"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/gateway/sandbox"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/Aidin1998/walletledger/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubParser struct {
	event *gateway.Event
	err   error
}

func (p *stubParser) ParseWebhook(payload []byte, signature string) (*gateway.Event, error) {
	return p.event, p.err
}

type stubHandler struct {
	events []*gateway.Event
	err    error
}

func (h *stubHandler) HandleEvent(ctx context.Context, ev *gateway.Event) error {
	h.events = append(h.events, ev)
	return h.err
}

type envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	TraceID    string          `json:"trace_id"`
	Pagination *struct {
		TotalRecords int64 `json:"total_records"`
		TotalPages   int   `json:"total_pages"`
		HasNext      bool  `json:"has_next"`
	} `json:"pagination"`
}

type testServer struct {
	router *gin.Engine
	svc    *wallet.Service
}

func setupServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t, ledger.Migrate, idempotency.Migrate)
	store := ledger.NewStore(db, zap.NewNop())
	guard := idempotency.NewGuard(idempotency.NewGormStore(db), zap.NewNop())
	reg, err := gateway.NewRegistry(sandbox.Name, sandbox.New())
	require.NoError(t, err)
	svc := wallet.NewService(store, guard, reg, zap.NewNop(), wallet.WithGatewayTimeout(time.Second))

	srv, err := api.NewServer(config.ServerConfig{Addr: ":0"}, zap.NewNop(), svc, opts...)
	require.NoError(t, err)
	return &testServer{router: srv.Router(), svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(api.IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) (envelope, T) {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	var data T
	if len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, &data))
	}
	return env, data
}

func problem(t *testing.T, w *httptest.ResponseRecorder) apperrors.ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p apperrors.ProblemDetails
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p), w.Body.String())
	return p
}

type walletBody struct {
	ID             uuid.UUID `json:"id"`
	Currency       string    `json:"currency"`
	Balance        int64     `json:"balance"`
	BalanceDisplay string    `json:"balance_display"`
	AutoRecharge   struct {
		Enabled   bool  `json:"enabled"`
		Threshold int64 `json:"threshold"`
	} `json:"auto_recharge"`
	Overdraft struct {
		Allow bool  `json:"allow"`
		Limit int64 `json:"limit"`
	} `json:"overdraft"`
}

type resultBody struct {
	Entry struct {
		ID     uuid.UUID `json:"id"`
		Amount int64     `json:"amount"`
		Status string    `json:"status"`
	} `json:"entry"`
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
	Status         string `json:"status"`
}

// fundedWallet creates a wallet with a card tokenized from token.
func (ts *testServer) fundedWallet(t *testing.T, token string) (uuid.UUID, uuid.UUID) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/wallets", uuid.NewString(), gin.H{"owner_id": uuid.NewString(), "currency": "USD"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, wb := decode[walletBody](t, w)

	w = ts.do(t, http.MethodPost, "/api/v1/wallets/"+wb.ID.String()+"/payment-methods", uuid.NewString(),
		gin.H{"gateway": "sandbox", "gateway_response": token})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, pm := decode[struct {
		ID uuid.UUID `json:"id"`
	}](t, w)
	return wb.ID, pm.ID
}

func TestHealthCheck(t *testing.T) {
	ts := setupServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCreateWallet(t *testing.T) {
	ts := setupServer(t)
	body := gin.H{"owner_id": "acct-1", "currency": "usd"}

	w := ts.do(t, http.MethodPost, "/api/v1/wallets", "", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.KindMissingIdempotencyKey, problem(t, w).Kind)

	w = ts.do(t, http.MethodPost, "/api/v1/wallets", "k1", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, first := decode[walletBody](t, w)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, "0.00", first.BalanceDisplay)

	w = ts.do(t, http.MethodPost, "/api/v1/wallets", "k1", body)
	require.Equal(t, http.StatusCreated, w.Code)
	_, again := decode[walletBody](t, w)
	assert.Equal(t, first.ID, again.ID)

	w = ts.do(t, http.MethodPost, "/api/v1/wallets", "k2", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/wallets", "k3", gin.H{"owner_id": "<b>x</b>", "currency": "USD"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	p := problem(t, w)
	require.NotEmpty(t, p.Errors)
	assert.Equal(t, "owner_id", p.Errors[0].Field)
}

func TestIdempotencyKeyAtLengthLimit(t *testing.T) {
	ts := setupServer(t)
	longest := strings.Repeat("k", wallet.MaxKeyLength)

	w := ts.do(t, http.MethodPost, "/api/v1/wallets", longest, gin.H{"owner_id": strings.Repeat("o", 128), "currency": "USD"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	walletID, pmID := ts.fundedWallet(t, "tok_visa")
	base := "/api/v1/wallets/" + walletID.String()
	w = ts.do(t, http.MethodPost, base+"/fund", longest, gin.H{"amount": 700, "payment_method_id": pmID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, base+"/fund", longest+"k", gin.H{"amount": 700, "payment_method_id": pmID})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.KindValidation, problem(t, w).Kind)
}

func TestFundChargeAndReplay(t *testing.T) {
	ts := setupServer(t)
	walletID, pmID := ts.fundedWallet(t, "tok_visa")
	base := "/api/v1/wallets/" + walletID.String()

	w := ts.do(t, http.MethodPost, base+"/fund", "A", gin.H{"amount": 5000, "payment_method_id": pmID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, funded := decode[resultBody](t, w)
	assert.Equal(t, int64(5000), funded.Balance)
	assert.Equal(t, "settled", funded.Entry.Status)
	assert.Equal(t, "completed", funded.Status)

	w = ts.do(t, http.MethodPost, base+"/charge", "B", gin.H{"amount": 1200})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, charged := decode[resultBody](t, w)
	assert.Equal(t, int64(3800), charged.Balance)
	assert.Equal(t, "38.00", charged.BalanceDisplay)

	w = ts.do(t, http.MethodPost, base+"/charge", "B", gin.H{"amount": 1200})
	require.Equal(t, http.StatusCreated, w.Code)
	_, replayed := decode[resultBody](t, w)
	assert.Equal(t, charged.Entry.ID, replayed.Entry.ID)

	w = ts.do(t, http.MethodPost, base+"/charge", "B", gin.H{"amount": 1300})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperrors.KindKeyConflict, problem(t, w).Kind)

	w = ts.do(t, http.MethodPost, base+"/charge", "C", gin.H{"amount": 10000})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	p := problem(t, w)
	assert.Equal(t, apperrors.KindInsufficientFunds, p.Kind)
	require.NotNil(t, p.Balance)
	assert.Equal(t, int64(3800), *p.Balance)

	w = ts.do(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, wb := decode[walletBody](t, w)
	assert.Equal(t, int64(3800), wb.Balance)
}

func TestFundProcessingReturnsAccepted(t *testing.T) {
	ts := setupServer(t)
	walletID, pmID := ts.fundedWallet(t, "tok_timeout")

	w := ts.do(t, http.MethodPost, "/api/v1/wallets/"+walletID.String()+"/fund", "T", gin.H{"amount": 700, "payment_method_id": pmID})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	env, res := decode[resultBody](t, w)
	assert.Equal(t, "processing", env.Message)
	assert.Equal(t, "processing", res.Status)
	assert.Equal(t, "pending", res.Entry.Status)
	assert.Zero(t, res.Balance)
}

func TestFundDeclined(t *testing.T) {
	ts := setupServer(t)
	walletID, pmID := ts.fundedWallet(t, "tok_decline")

	w := ts.do(t, http.MethodPost, "/api/v1/wallets/"+walletID.String()+"/fund", "D", gin.H{"amount": 700, "payment_method_id": pmID})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, apperrors.KindGatewayDeclined, problem(t, w).Kind)
}

func TestRequestValidation(t *testing.T) {
	ts := setupServer(t)
	walletID, _ := ts.fundedWallet(t, "tok_visa")
	base := "/api/v1/wallets/" + walletID.String()

	w := ts.do(t, http.MethodPost, base+"/charge", "v1", gin.H{"amount": 0})
	require.Equal(t, http.StatusBadRequest, w.Code)
	p := problem(t, w)
	assert.Equal(t, apperrors.KindValidation, p.Kind)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "amount", p.Errors[0].Field)

	w = ts.do(t, http.MethodPost, base+"/fund", "v2", gin.H{"amount": 10, "payment_method_id": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "payment_method_id", problem(t, w).Errors[0].Field)

	w = ts.do(t, http.MethodPost, "/api/v1/wallets/not-a-uuid/charge", "v3", gin.H{"amount": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/wallets/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, base+"/charge", bytes.NewBufferString("{"))
	req.Header.Set(api.IdempotencyHeader, "v4")
	req.Header.Set("X-Trace-ID", "trace-123")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "trace-123", problem(t, rec).TraceID)
	assert.Equal(t, "trace-123", rec.Header().Get("X-Trace-ID"))
}

func TestRefundEndpoint(t *testing.T) {
	ts := setupServer(t)
	walletID, pmID := ts.fundedWallet(t, "tok_visa")
	base := "/api/v1/wallets/" + walletID.String()

	w := ts.do(t, http.MethodPost, base+"/fund", "F", gin.H{"amount": 5000, "payment_method_id": pmID})
	require.Equal(t, http.StatusCreated, w.Code)
	w = ts.do(t, http.MethodPost, base+"/charge", "C", gin.H{"amount": 1200})
	require.Equal(t, http.StatusCreated, w.Code)
	_, charged := decode[resultBody](t, w)

	w = ts.do(t, http.MethodPost, base+"/refund", "R1", gin.H{"entry_id": charged.Entry.ID, "amount": 1200})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, refunded := decode[resultBody](t, w)
	assert.Equal(t, int64(5000), refunded.Balance)

	w = ts.do(t, http.MethodPost, base+"/refund", "R2", gin.H{"entry_id": charged.Entry.ID, "amount": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTransactionsPaginates(t *testing.T) {
	ts := setupServer(t)
	walletID, pmID := ts.fundedWallet(t, "tok_visa")
	base := "/api/v1/wallets/" + walletID.String()

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, base+"/fund", "F", gin.H{"amount": 5000, "payment_method_id": pmID}).Code)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, base+"/charge", uuid.NewString(), gin.H{"amount": 100}).Code)
	}

	w := ts.do(t, http.MethodGet, base+"/transactions?page=1&size=3", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env, entries := decode[[]map[string]any](t, w)
	assert.Len(t, entries, 3)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, int64(4), env.Pagination.TotalRecords)
	assert.Equal(t, 2, env.Pagination.TotalPages)
	assert.True(t, env.Pagination.HasNext)

	w = ts.do(t, http.MethodGet, base+"/transactions?size=500", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, base+"/transactions?page=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateSettingsIsPartial(t *testing.T) {
	ts := setupServer(t)
	walletID, pmID := ts.fundedWallet(t, "tok_visa")
	base := "/api/v1/wallets/" + walletID.String()

	w := ts.do(t, http.MethodPatch, base+"/settings", "s1", gin.H{
		"auto_recharge": gin.H{"enabled": true, "threshold": 1000, "amount": 2000, "payment_method_id": pmID},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPatch, base+"/settings", "s2", gin.H{"overdraft": gin.H{"allow": true, "limit": 500}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, wb := decode[walletBody](t, w)
	assert.True(t, wb.AutoRecharge.Enabled)
	assert.Equal(t, int64(1000), wb.AutoRecharge.Threshold)
	assert.True(t, wb.Overdraft.Allow)
	assert.Equal(t, int64(500), wb.Overdraft.Limit)

	w = ts.do(t, http.MethodPatch, base+"/settings", "s3", gin.H{"auto_recharge": gin.H{"enabled": true, "threshold": 10, "amount": 0}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentMethodEndpoints(t *testing.T) {
	ts := setupServer(t)
	walletID, pmID := ts.fundedWallet(t, "tok_visa")
	base := "/api/v1/wallets/" + walletID.String()

	w := ts.do(t, http.MethodPost, base+"/setup-intent", "si", gin.H{})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, si := decode[map[string]string](t, w)
	assert.NotEmpty(t, si["client_secret"])

	w = ts.do(t, http.MethodGet, base+"/payment-methods?active=true", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, methods := decode[[]map[string]any](t, w)
	require.Len(t, methods, 1)
	assert.NotContains(t, methods[0], "token")

	w = ts.do(t, http.MethodDelete, base+"/payment-methods/"+pmID.String(), "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodDelete, base+"/payment-methods/"+pmID.String(), "del", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, base+"/payment-methods?active=true", "", nil)
	_, methods = decode[[]map[string]any](t, w)
	assert.Empty(t, methods)
}

func TestReconcileEndpoint(t *testing.T) {
	ts := setupServer(t)
	walletID, _ := ts.fundedWallet(t, "tok_visa")

	w := ts.do(t, http.MethodPost, "/api/v1/wallets/"+walletID.String()+"/reconcile", "rec", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, report := decode[ledger.DriftReport](t, w)
	assert.Equal(t, walletID, report.WalletID)
	assert.Zero(t, report.Drift)
}

func TestStripeWebhook(t *testing.T) {
	ts := setupServer(t)
	w := ts.do(t, http.MethodPost, "/internal/webhooks/stripe", "", gin.H{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	ev := &gateway.Event{Gateway: "stripe", Operation: gateway.OperationCharge, Ref: "pi_1",
		Outcome: gateway.Outcome{Status: gateway.StatusSettled, Ref: "pi_1"}}
	handler := &stubHandler{}
	ts = setupServer(t, api.WithStripeWebhooks(&stubParser{event: ev}, handler))
	w = ts.do(t, http.MethodPost, "/internal/webhooks/stripe", "", gin.H{"id": "evt_1"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, handler.events, 1)
	assert.Equal(t, "pi_1", handler.events[0].Ref)

	ts = setupServer(t, api.WithStripeWebhooks(&stubParser{err: errors.New("bad signature")}, handler))
	w = ts.do(t, http.MethodPost, "/internal/webhooks/stripe", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	failing := &stubHandler{err: errors.New("db down")}
	ts = setupServer(t, api.WithStripeWebhooks(&stubParser{event: ev}, failing))
	w = ts.do(t, http.MethodPost, "/internal/webhooks/stripe", "", gin.H{})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	ts = setupServer(t, api.WithStripeWebhooks(&stubParser{}, handler))
	w = ts.do(t, http.MethodPost, "/internal/webhooks/stripe", "", gin.H{})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, handler.events, 1)
}
