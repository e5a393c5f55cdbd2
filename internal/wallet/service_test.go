package wallet_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/autorecharge"
	"github.com/Aidin1998/walletledger/internal/events"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/gateway/sandbox"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/Aidin1998/walletledger/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	svc     *wallet.Service
	store   *ledger.Store
	sandbox *sandbox.Gateway
	events  *events.Recorder
	clock   *testutil.Clock
}

func newHarness(t *testing.T, gateways ...gateway.Gateway) *harness {
	t.Helper()
	db := testutil.NewDB(t, ledger.Migrate, idempotency.Migrate)
	clock := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), time.Millisecond)
	store := ledger.NewStore(db, zap.NewNop(), ledger.WithClock(clock.Now))
	guard := idempotency.NewGuard(idempotency.NewGormStore(db), zap.NewNop(), idempotency.WithClock(clock.Now))

	sbx := sandbox.New()
	if len(gateways) == 0 {
		gateways = []gateway.Gateway{sbx}
	}
	reg, err := gateway.NewRegistry(sandbox.Name, gateways...)
	require.NoError(t, err)

	rec := &events.Recorder{}
	svc := wallet.NewService(store, guard, reg, zap.NewNop(),
		wallet.WithPublisher(rec),
		wallet.WithGatewayTimeout(2*time.Second))
	svc.SetRecharger(autorecharge.New(store, svc, 30*time.Minute, 5*time.Minute, zap.NewNop()))
	return &harness{svc: svc, store: store, sandbox: sbx, events: rec, clock: clock}
}

func (h *harness) wallet(t *testing.T) *ledger.Wallet {
	t.Helper()
	w, err := h.svc.CreateWallet(context.Background(), "owner-"+uuid.NewString(), "usd", uuid.NewString())
	require.NoError(t, err)
	return w
}

func (h *harness) card(t *testing.T, w *ledger.Wallet, token string) *ledger.PaymentMethod {
	t.Helper()
	pm, err := h.svc.AddPaymentMethod(context.Background(), wallet.AddPaymentMethodRequest{
		WalletID:        w.ID,
		Gateway:         sandbox.Name,
		GatewayResponse: token,
		IdempotencyKey:  uuid.NewString(),
	})
	require.NoError(t, err)
	return pm
}

func (h *harness) fund(t *testing.T, w *ledger.Wallet, pm *ledger.PaymentMethod, amount int64) *wallet.Result {
	t.Helper()
	res, err := h.svc.Fund(context.Background(), wallet.FundRequest{
		WalletID: w.ID, Amount: amount, PaymentMethodID: pm.ID, IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) entries(t *testing.T, w *ledger.Wallet, kind ledger.EntryKind) []ledger.LedgerEntry {
	t.Helper()
	all, _, err := h.store.ListEntries(context.Background(), w.ID, 1, 1000)
	require.NoError(t, err)
	var out []ledger.LedgerEntry
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) balance(t *testing.T, w *ledger.Wallet) int64 {
	t.Helper()
	b, err := h.svc.GetBalance(context.Background(), w.ID)
	require.NoError(t, err)
	return b
}

func TestFundThenChargeReplaysByKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_visa")

	funded, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 5000, PaymentMethodID: pm.ID, IdempotencyKey: "A"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, funded.Entry.Status)
	assert.Equal(t, int64(5000), funded.Balance)
	assert.NotEmpty(t, funded.Entry.Ref())

	charged, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 1200, IdempotencyKey: "B"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1200), charged.Entry.Amount)
	assert.Equal(t, int64(3800), charged.Balance)

	again, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 1200, IdempotencyKey: "B"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, charged.Entry.ID, again.Entry.ID)
	assert.Equal(t, int64(3800), again.Balance)

	assert.Len(t, h.entries(t, w, ledger.KindCharge), 1)
	assert.Equal(t, int64(3800), h.balance(t, w))

	// fund replay does not charge the card twice
	_, err = h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 5000, PaymentMethodID: pm.ID, IdempotencyKey: "A"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.sandbox.Charges())
	assert.Len(t, h.entries(t, w, ledger.KindFund), 1)
}

func TestChargeInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 3800)

	_, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 10000, IdempotencyKey: "C"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	balance, ok := apperrors.BalanceOf(err)
	require.True(t, ok)
	assert.Equal(t, int64(3800), balance)

	assert.Equal(t, int64(3800), h.balance(t, w))
	assert.Empty(t, h.entries(t, w, ledger.KindCharge))

	// the rejection is what the key recorded
	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 10000, IdempotencyKey: "C"})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestKeyReuseWithDifferentParameters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 5000)

	_, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 1200, IdempotencyKey: "B"})
	require.NoError(t, err)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 1300, IdempotencyKey: "B"})
	assert.ErrorIs(t, err, apperrors.ErrKeyConflict)
	assert.Len(t, h.entries(t, w, ledger.KindCharge), 1)
	assert.Equal(t, int64(3800), h.balance(t, w))
}

func TestChargeKeyReuseAfterRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 5000)

	first, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: "K"})
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 2000, IdempotencyKey: "K"})
	assert.ErrorIs(t, err, apperrors.ErrKeyConflict)
	assert.Len(t, h.entries(t, w, ledger.KindCharge), 1)
	assert.Equal(t, int64(4900), h.balance(t, w))

	again, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: "K"})
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.Equal(t, int64(4900), again.Balance)
	assert.Len(t, h.entries(t, w, ledger.KindCharge), 1)
}

func TestFundKeyReuseAfterRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	visa := h.card(t, w, "tok_visa")
	spare := h.card(t, w, "tok_mastercard")

	first, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 5000, PaymentMethodID: visa.ID, IdempotencyKey: "F"})
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	_, err = h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 7000, PaymentMethodID: visa.ID, IdempotencyKey: "F"})
	assert.ErrorIs(t, err, apperrors.ErrKeyConflict)
	_, err = h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 5000, PaymentMethodID: spare.ID, IdempotencyKey: "F"})
	assert.ErrorIs(t, err, apperrors.ErrKeyConflict)
	assert.Equal(t, 1, h.sandbox.Charges())
	assert.Equal(t, int64(5000), h.balance(t, w))

	again, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 5000, PaymentMethodID: visa.ID, IdempotencyKey: "F"})
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.Equal(t, 1, h.sandbox.Charges())
	assert.Len(t, h.entries(t, w, ledger.KindFund), 1)
}

func TestRefundKeyReuseAfterRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 5000)

	charged, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 1000, IdempotencyKey: "C1"})
	require.NoError(t, err)
	other, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 300, IdempotencyKey: "C2"})
	require.NoError(t, err)
	first, err := h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: charged.Entry.ID, Amount: 400, IdempotencyKey: "R"})
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	_, err = h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: charged.Entry.ID, Amount: 500, IdempotencyKey: "R"})
	assert.ErrorIs(t, err, apperrors.ErrKeyConflict)
	_, err = h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: other.Entry.ID, Amount: 400, IdempotencyKey: "R"})
	assert.ErrorIs(t, err, apperrors.ErrKeyConflict)
	assert.Len(t, h.entries(t, w, ledger.KindRefund), 1)
	assert.Equal(t, int64(4100), h.balance(t, w))

	again, err := h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: charged.Entry.ID, Amount: 400, IdempotencyKey: "R"})
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.Equal(t, int64(4100), again.Balance)
}

func TestEntryWithoutKeyRecordMustMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 5000)

	// an earlier attempt wrote the entry but its key record was released
	orphan, _, err := h.store.Append(ctx, ledger.EntryDraft{
		WalletID:       w.ID,
		Amount:         -100,
		Kind:           ledger.KindCharge,
		Status:         ledger.StatusSettled,
		IdempotencyKey: "orphan",
	}, nil)
	require.NoError(t, err)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 250, IdempotencyKey: "orphan"})
	assert.ErrorIs(t, err, apperrors.ErrKeyConflict)
	assert.Equal(t, int64(4900), h.balance(t, w))

	res, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: "orphan"})
	require.NoError(t, err)
	assert.Equal(t, orphan.ID, res.Entry.ID)
	assert.Len(t, h.entries(t, w, ledger.KindCharge), 1)
	assert.Equal(t, int64(4900), h.balance(t, w))
}

func TestIdempotencyKeyLength(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 5000)
	longest := strings.Repeat("k", wallet.MaxKeyLength)

	first, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: longest})
	require.NoError(t, err)
	again, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: longest})
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: longest + "k"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	owned, err := h.svc.CreateWallet(ctx, strings.Repeat("o", 128), "USD", longest)
	require.NoError(t, err)
	assert.Len(t, owned.OwnerID, 128)
	_, err = h.svc.CreateWallet(ctx, strings.Repeat("o", 129), "USD", "k")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRejectsBadRequestsWithoutEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_visa")

	_, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 100, PaymentMethodID: pm.ID})
	assert.ErrorIs(t, err, apperrors.ErrMissingIdempotencyKey)

	_, err = h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 0, PaymentMethodID: pm.ID, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: -5, IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: uuid.New(), Amount: 5, IdempotencyKey: "k3"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	all, total, err := h.store.ListEntries(ctx, w.ID, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, total)
}

func TestFundDeclinedMarksEntryFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_decline_card")

	req := wallet.FundRequest{WalletID: w.ID, Amount: 5000, PaymentMethodID: pm.ID, IdempotencyKey: "D"}
	_, err := h.svc.Fund(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrGatewayDeclined)
	balance, ok := apperrors.BalanceOf(err)
	require.True(t, ok)
	assert.Zero(t, balance)

	funds := h.entries(t, w, ledger.KindFund)
	require.Len(t, funds, 1)
	assert.Equal(t, ledger.StatusFailed, funds[0].Status)
	assert.Equal(t, "card_declined", funds[0].FailureReason)

	_, err = h.svc.Fund(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrGatewayDeclined)
	assert.Equal(t, 1, h.sandbox.Charges())
	assert.Len(t, h.events.OfType(events.EntryFailed), 1)
}

func TestFundTimeoutLeavesEntryPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_timeout")

	res, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 5000, PaymentMethodID: pm.ID, IdempotencyKey: "T"})
	require.NoError(t, err)
	assert.True(t, res.Processing())
	assert.Zero(t, res.Balance)

	again, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 5000, PaymentMethodID: pm.ID, IdempotencyKey: "T"})
	require.NoError(t, err)
	assert.True(t, again.Processing())
	assert.Equal(t, res.Entry.ID, again.Entry.ID)
	assert.Equal(t, 1, h.sandbox.Charges())
}

// cancellingGateway cancels the caller's context as soon as the charge is
// dispatched, the way a client disconnect would.
type cancellingGateway struct {
	*sandbox.Gateway
	cancel  context.CancelFunc
	callErr error
}

func (g *cancellingGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.Outcome, error) {
	g.cancel()
	g.callErr = ctx.Err()
	return g.Gateway.Charge(ctx, req)
}

func TestCallerCancellationDoesNotAbortGatewayCall(t *testing.T) {
	gw := &cancellingGateway{Gateway: sandbox.New()}
	h := newHarness(t, gw)
	w := h.wallet(t)
	pm := h.card(t, w, "tok_visa")

	ctx, cancel := context.WithCancel(context.Background())
	gw.cancel = cancel

	res, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 700, PaymentMethodID: pm.ID, IdempotencyKey: "X"})
	require.NoError(t, err)
	assert.NoError(t, gw.callErr)
	assert.Equal(t, ledger.StatusSettled, res.Entry.Status)
	assert.Equal(t, int64(700), h.balance(t, w))
}

func TestConcurrentFundAndChargeMatchLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_visa")
	h.fund(t, w, pm, 2000)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := uuid.NewString()
			if i%3 == 0 {
				_, _ = h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 150, PaymentMethodID: pm.ID, IdempotencyKey: key})
				return
			}
			// some of these are rejected for insufficient funds
			_, _ = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 250, IdempotencyKey: key})
		}(i)
	}
	wg.Wait()

	ledgerSum, err := h.store.BalanceAsOf(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerSum, h.balance(t, w))
	assert.GreaterOrEqual(t, ledgerSum, int64(0))

	report, err := h.svc.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Drift)
	assert.Empty(t, h.events.OfType(events.AlertType(events.AlertReconciliationDrift)))
}

func TestRefundUsageChargeUpToOriginal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 5000)
	charged, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 1200, IdempotencyKey: "B"})
	require.NoError(t, err)

	r1, err := h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: charged.Entry.ID, Amount: 500, IdempotencyKey: "R1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, r1.Entry.Status)
	assert.Equal(t, int64(500), r1.Entry.Amount)
	require.NotNil(t, r1.Entry.RefundOf)
	assert.Equal(t, charged.Entry.ID, *r1.Entry.RefundOf)
	assert.Equal(t, int64(4300), r1.Balance)

	r2, err := h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: charged.Entry.ID, Amount: 700, IdempotencyKey: "R2"})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), r2.Balance)

	_, err = h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: charged.Entry.ID, Amount: 1, IdempotencyKey: "R3"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	refunded, err := h.store.RefundedTotal(ctx, charged.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), refunded)
	assert.Zero(t, h.sandbox.Refunds())
}

func TestRefundFundingGoesThroughGateway(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	funded := h.fund(t, w, h.card(t, w, "tok_visa"), 5000)

	res, err := h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: funded.Entry.ID, Amount: 2000, IdempotencyKey: "RF"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, res.Entry.Status)
	assert.Equal(t, int64(-2000), res.Entry.Amount)
	assert.Equal(t, int64(3000), res.Balance)
	assert.Equal(t, 1, h.sandbox.Refunds())

	_, err = h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: funded.Entry.ID, Amount: 3001, IdempotencyKey: "RF2"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, 1, h.sandbox.Refunds())
}

func TestRefundFailureAtGatewayKeepsBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	funded := h.fund(t, w, h.card(t, w, "tok_visa"), 5000)
	h.sandbox.FailRefunds = true

	_, err := h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: funded.Entry.ID, Amount: 1000, IdempotencyKey: "RX"})
	assert.ErrorIs(t, err, apperrors.ErrGatewayDeclined)
	assert.Equal(t, int64(5000), h.balance(t, w))

	refunds := h.entries(t, w, ledger.KindRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, ledger.StatusFailed, refunds[0].Status)

	// failed refunds do not count against the cap
	refunded, err := h.store.RefundedTotal(ctx, funded.Entry.ID)
	require.NoError(t, err)
	assert.Zero(t, refunded)
}

func TestRefundRequiresSettledOriginal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pending, err := h.svc.Fund(ctx, wallet.FundRequest{
		WalletID: w.ID, Amount: 5000, PaymentMethodID: h.card(t, w, "tok_pending").ID, IdempotencyKey: "P",
	})
	require.NoError(t, err)
	require.True(t, pending.Processing())

	_, err = h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: pending.Entry.ID, Amount: 100, IdempotencyKey: "R"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: uuid.New(), Amount: 100, IdempotencyKey: "R2"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPendingRefundHoldsFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	funded := h.fund(t, w, h.card(t, w, "tok_visa"), 1000)
	h.sandbox.Delay = time.Hour

	// the refund call times out at the gateway and stays pending
	res, err := h.svc.Refund(ctx, wallet.RefundRequest{WalletID: w.ID, EntryID: funded.Entry.ID, Amount: 800, IdempotencyKey: "RP"})
	require.NoError(t, err)
	require.True(t, res.Processing())
	assert.Equal(t, int64(1000), res.Balance)

	// 1000 settled minus 800 held leaves 200 available
	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 300, IdempotencyKey: "C"})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 200, IdempotencyKey: "C2"})
	assert.NoError(t, err)
}

func TestReconcileCorrectsDriftAndAlerts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 5000)

	require.NoError(t, h.store.DB().Model(&ledger.Wallet{}).Where("id = ?", w.ID).Update("balance", 5300).Error)

	report, err := h.svc.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5300), report.Cached)
	assert.Equal(t, int64(5000), report.Ledger)
	assert.Equal(t, int64(300), report.Drift)
	assert.Equal(t, int64(5000), h.balance(t, w))
	assert.Len(t, h.events.OfType(events.AlertType(events.AlertReconciliationDrift)), 1)

	report, err = h.svc.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Drift)
	assert.Len(t, h.events.OfType(events.AlertType(events.AlertReconciliationDrift)), 1)
}

func TestReconcileAllPagesThroughWallets(t *testing.T) {
	h := newHarness(t)
	var drifted *ledger.Wallet
	for i := 0; i < 5; i++ {
		w := h.wallet(t)
		if i == 3 {
			drifted = w
		}
	}
	require.NoError(t, h.store.DB().Model(&ledger.Wallet{}).Where("id = ?", drifted.ID).Update("balance", -40).Error)

	reports, checked, err := h.svc.ReconcileAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, checked)
	require.Len(t, reports, 1)
	assert.Equal(t, drifted.ID, reports[0].WalletID)
	assert.Equal(t, int64(-40), reports[0].Drift)
	assert.Zero(t, h.balance(t, drifted))
}

func enableAutoRecharge(t *testing.T, h *harness, w *ledger.Wallet, pm *ledger.PaymentMethod, threshold, amount int64) {
	t.Helper()
	id := pm.ID
	_, err := h.svc.UpdateSettings(context.Background(), wallet.SettingsRequest{
		WalletID:       w.ID,
		AutoRecharge:   ledger.AutoRecharge{Enabled: true, Threshold: threshold, Amount: amount, PaymentMethodID: &id},
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)
}

func TestAutoRechargeTriggersOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_visa")
	h.fund(t, w, pm, 500)
	enableAutoRecharge(t, h, w, pm, 1000, 2000)

	res, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 200, IdempotencyKey: "U1"})
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.Balance)

	recharges := h.entries(t, w, ledger.KindAutoRecharge)
	require.Len(t, recharges, 1)
	assert.Equal(t, ledger.StatusSettled, recharges[0].Status)
	assert.Equal(t, int64(2000), recharges[0].Amount)
	assert.Equal(t, wallet.AutoRechargeKey(w.ID, 1), recharges[0].IdempotencyKey)
	assert.Equal(t, int64(2300), h.balance(t, w))

	current, err := h.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RechargeIdle, current.RechargeState)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: "U2"})
	require.NoError(t, err)
	assert.Len(t, h.entries(t, w, ledger.KindAutoRecharge), 1)
	assert.Len(t, h.events.OfType(events.AutoRechargeSucceeded), 1)
}

func TestAutoRechargeCooldownAfterDecline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 500)
	enableAutoRecharge(t, h, w, h.card(t, w, "tok_decline"), 1000, 2000)

	_, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 200, IdempotencyKey: "U1"})
	require.NoError(t, err)

	recharges := h.entries(t, w, ledger.KindAutoRecharge)
	require.Len(t, recharges, 1)
	assert.Equal(t, ledger.StatusFailed, recharges[0].Status)

	current, err := h.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RechargeCooldown, current.RechargeState)
	require.NotNil(t, current.CooldownUntil)

	// within the cooldown window nothing is charged
	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: "U2"})
	require.NoError(t, err)
	assert.Len(t, h.entries(t, w, ledger.KindAutoRecharge), 1)
	assert.Equal(t, 2, h.sandbox.Charges())

	h.clock.Advance(31 * time.Minute)
	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: "U3"})
	require.NoError(t, err)
	assert.Len(t, h.entries(t, w, ledger.KindAutoRecharge), 2)
	assert.Equal(t, int64(100), h.balance(t, w))
}

func TestAutoRechargePendingUntilResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 500)
	enableAutoRecharge(t, h, w, h.card(t, w, "tok_pending"), 1000, 2000)

	_, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 200, IdempotencyKey: "U1"})
	require.NoError(t, err)
	recharges := h.entries(t, w, ledger.KindAutoRecharge)
	require.Len(t, recharges, 1)
	require.Equal(t, ledger.StatusPending, recharges[0].Status)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 100, IdempotencyKey: "U2"})
	require.NoError(t, err)
	assert.Len(t, h.entries(t, w, ledger.KindAutoRecharge), 1)

	entry, changed, err := h.svc.ResolvePending(ctx, recharges[0].ID, gateway.Outcome{Status: gateway.StatusSettled, Ref: recharges[0].Ref()}, wallet.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ledger.StatusSettled, entry.Status)

	current, err := h.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RechargeIdle, current.RechargeState)
	assert.Equal(t, int64(2200), current.Balance)
}

func TestOverdraftOnlyWithAutoRecharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_pending")
	h.fund(t, w, h.card(t, w, "tok_visa"), 100)

	id := pm.ID
	_, err := h.svc.UpdateSettings(ctx, wallet.SettingsRequest{
		WalletID: w.ID, AllowOverdraft: true, OverdraftLimit: 500, IdempotencyKey: "s1",
	})
	require.NoError(t, err)
	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 300, IdempotencyKey: "O1"})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	_, err = h.svc.UpdateSettings(ctx, wallet.SettingsRequest{
		WalletID:       w.ID,
		AutoRecharge:   ledger.AutoRecharge{Enabled: true, Threshold: 50, Amount: 1000, PaymentMethodID: &id},
		AllowOverdraft: true,
		OverdraftLimit: 500,
		IdempotencyKey: "s2",
	})
	require.NoError(t, err)
	res, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 300, IdempotencyKey: "O2"})
	require.NoError(t, err)
	assert.Equal(t, int64(-200), res.Balance)

	_, err = h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 301, IdempotencyKey: "O3"})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestUpdateSettingsValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	other := h.wallet(t)
	foreign := h.card(t, other, "tok_visa")

	_, err := h.svc.UpdateSettings(ctx, wallet.SettingsRequest{
		WalletID: w.ID, AutoRecharge: ledger.AutoRecharge{Enabled: true, Threshold: 100, Amount: 500}, IdempotencyKey: "a",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	id := foreign.ID
	_, err = h.svc.UpdateSettings(ctx, wallet.SettingsRequest{
		WalletID: w.ID, AutoRecharge: ledger.AutoRecharge{Enabled: true, Threshold: 100, Amount: 500, PaymentMethodID: &id}, IdempotencyKey: "b",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.svc.UpdateSettings(ctx, wallet.SettingsRequest{WalletID: w.ID, OverdraftLimit: 10, IdempotencyKey: "c"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.svc.UpdateSettings(ctx, wallet.SettingsRequest{WalletID: w.ID, AllowOverdraft: true})
	assert.ErrorIs(t, err, apperrors.ErrMissingIdempotencyKey)
}

func TestCreateWalletIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.svc.CreateWallet(ctx, "acct-9", "eur", "k1")
	require.NoError(t, err)
	assert.Equal(t, "EUR", w.Currency)

	again, err := h.svc.CreateWallet(ctx, "acct-9", "eur", "k1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)

	_, err = h.svc.CreateWallet(ctx, "acct-9", "eur", "k2")
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = h.svc.CreateWallet(ctx, "acct-10", "euro", "k3")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Len(t, h.events.OfType(events.WalletCreated), 1)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	h.fund(t, w, h.card(t, w, "tok_visa"), 5000)
	for i := 0; i < 4; i++ {
		_, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: int64(100 + i), IdempotencyKey: uuid.NewString()})
		require.NoError(t, err)
	}

	page, err := h.svc.ListTransactions(ctx, w.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, int64(-103), page.Entries[0].Amount)
	assert.Equal(t, int64(-102), page.Entries[1].Amount)

	last, err := h.svc.ListTransactions(ctx, w.ID, 3, 2)
	require.NoError(t, err)
	require.Len(t, last.Entries, 1)
	assert.Equal(t, ledger.KindFund, last.Entries[0].Kind)

	_, err = h.svc.ListTransactions(ctx, w.ID, 0, 2)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = h.svc.ListTransactions(ctx, w.ID, 1, wallet.MaxPageSize+1)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestResolvePendingIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_pending")
	res, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 900, PaymentMethodID: pm.ID, IdempotencyKey: "P"})
	require.NoError(t, err)
	require.True(t, res.Processing())

	out := gateway.Outcome{Status: gateway.StatusSettled, Ref: res.Entry.Ref()}
	_, changed, err := h.svc.ResolvePending(ctx, res.Entry.ID, out, wallet.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, err = h.svc.ResolvePending(ctx, res.Entry.ID, out, wallet.SourceWebhook)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(900), h.balance(t, w))

	// a replay of the original request now reports the settled entry
	again, err := h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 900, PaymentMethodID: pm.ID, IdempotencyKey: "P"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, again.Entry.Status)
	assert.Equal(t, int64(900), again.Balance)
}

func TestExpirePendingAlertsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	res, err := h.svc.Fund(ctx, wallet.FundRequest{
		WalletID: w.ID, Amount: 900, PaymentMethodID: h.card(t, w, "tok_pending").ID, IdempotencyKey: "P",
	})
	require.NoError(t, err)

	entry, changed, err := h.svc.ExpirePending(ctx, res.Entry.ID, "expired")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ledger.StatusFailed, entry.Status)

	_, changed, err = h.svc.ExpirePending(ctx, res.Entry.ID, "expired")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, h.events.OfType(events.AlertType(events.AlertPendingExpired)), 1)
	assert.Zero(t, h.balance(t, w))
}

func TestPaymentMethodLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)

	si1, err := h.svc.CreateSetupIntent(ctx, w.ID, "", "si-key")
	require.NoError(t, err)
	si2, err := h.svc.CreateSetupIntent(ctx, w.ID, sandbox.Name, "si-key")
	require.NoError(t, err)
	assert.Equal(t, si1.ClientSecret, si2.ClientSecret)

	_, err = h.svc.CreateSetupIntent(ctx, w.ID, "paypal", "si-key-2")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.svc.AddPaymentMethod(ctx, wallet.AddPaymentMethodRequest{
		WalletID: w.ID, Gateway: sandbox.Name, GatewayResponse: "4242424242424242", IdempotencyKey: "pm-bad",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	pm := h.card(t, w, "tok_visa")
	assert.Equal(t, "4242", pm.Last4)
	assert.True(t, pm.Active)

	methods, err := h.svc.ListPaymentMethods(ctx, w.ID, true)
	require.NoError(t, err)
	require.Len(t, methods, 1)

	_, err = h.svc.DeactivatePaymentMethod(ctx, w.ID, pm.ID, "deact")
	require.NoError(t, err)
	methods, err = h.svc.ListPaymentMethods(ctx, w.ID, true)
	require.NoError(t, err)
	assert.Empty(t, methods)

	_, err = h.svc.Fund(ctx, wallet.FundRequest{WalletID: w.ID, Amount: 100, PaymentMethodID: pm.ID, IdempotencyKey: "F"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDeactivatingRechargeMethodStopsAutoRecharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.wallet(t)
	pm := h.card(t, w, "tok_visa")
	h.fund(t, w, pm, 5000)
	enableAutoRecharge(t, h, w, pm, 1000, 2000)

	_, err := h.svc.DeactivatePaymentMethod(ctx, w.ID, pm.ID, "deact")
	require.NoError(t, err)

	current, err := h.svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, current.AutoRecharge.Enabled)
	assert.Len(t, h.events.OfType(events.SettingsUpdated), 2)

	res, err := h.svc.ChargeForUsage(ctx, wallet.ChargeRequest{WalletID: w.ID, Amount: 4500, IdempotencyKey: "U"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Balance)
	assert.Empty(t, h.entries(t, w, ledger.KindAutoRecharge))
	assert.Equal(t, 1, h.sandbox.Charges())
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "38.00", wallet.FormatAmount(3800, "USD"))
	assert.Equal(t, "-2.05", wallet.FormatAmount(-205, "eur"))
	assert.Equal(t, "3800", wallet.FormatAmount(3800, "JPY"))
	assert.Equal(t, "1.234", wallet.FormatAmount(1234, "KWD"))
}
