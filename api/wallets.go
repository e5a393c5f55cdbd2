package api

import (
	"strconv"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/api/responses"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createWalletRequest struct {
	OwnerID  string `json:"owner_id" validate:"required,max=128,nomarkup"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

// POST /api/v1/wallets
func (s *Server) createWallet(c *gin.Context) {
	var req createWalletRequest
	if err := s.bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	w, err := s.wallets.CreateWallet(c.Request.Context(), req.OwnerID, req.Currency, c.GetHeader(IdempotencyHeader))
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Created(c, newWalletView(w), "Wallet created")
}

// GET /api/v1/wallets/:id
func (s *Server) getWallet(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	w, err := s.wallets.GetWallet(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Success(c, newWalletView(w))
}

type fundRequest struct {
	Amount          int64  `json:"amount" validate:"gt=0"`
	PaymentMethodID string `json:"payment_method_id" validate:"required,uuid"`
}

// POST /api/v1/wallets/:id/fund
func (s *Server) fundWallet(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	var req fundRequest
	if err := s.bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.wallets.Fund(c.Request.Context(), wallet.FundRequest{
		WalletID:        id,
		Amount:          req.Amount,
		PaymentMethodID: uuid.MustParse(req.PaymentMethodID),
		IdempotencyKey:  c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, id, res)
}

type chargeRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

// POST /api/v1/wallets/:id/charge
func (s *Server) chargeWallet(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	var req chargeRequest
	if err := s.bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.wallets.ChargeForUsage(c.Request.Context(), wallet.ChargeRequest{
		WalletID:       id,
		Amount:         req.Amount,
		IdempotencyKey: c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, id, res)
}

type refundRequest struct {
	EntryID string `json:"entry_id" validate:"required,uuid"`
	Amount  int64  `json:"amount" validate:"gt=0"`
}

// POST /api/v1/wallets/:id/refund
func (s *Server) refundEntry(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	var req refundRequest
	if err := s.bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.wallets.Refund(c.Request.Context(), wallet.RefundRequest{
		WalletID:       id,
		EntryID:        uuid.MustParse(req.EntryID),
		Amount:         req.Amount,
		IdempotencyKey: c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, id, res)
}

// writeResult answers 201 for a final entry and 202 while the gateway has
// not decided.
func (s *Server) writeResult(c *gin.Context, walletID uuid.UUID, res *wallet.Result) {
	currency := ""
	if w, err := s.wallets.GetWallet(c.Request.Context(), walletID); err == nil {
		currency = w.Currency
	}
	view := newResultView(res, currency)
	if res.Processing() {
		responses.Accepted(c, view, "processing")
		return
	}
	responses.Created(c, view, "Entry recorded")
}

// GET /api/v1/wallets/:id/transactions?page=&size=
func (s *Server) listTransactions(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		s.fail(c, err)
		return
	}
	size, err := queryInt(c, "size", 20)
	if err != nil {
		s.fail(c, err)
		return
	}
	result, err := s.wallets.ListTransactions(c.Request.Context(), id, page, size)
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Paginated(c, result.Entries, responses.NewPageInfo(result.Page, result.Size, result.Total))
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.ErrValidation.Explain("%s must be an integer", name).WithField(name, "must be an integer")
	}
	return v, nil
}

type autoRechargeRequest struct {
	Enabled         bool    `json:"enabled"`
	Threshold       int64   `json:"threshold" validate:"gte=0"`
	Amount          int64   `json:"amount" validate:"gte=0"`
	PaymentMethodID *string `json:"payment_method_id" validate:"omitempty,uuid"`
}

type overdraftRequest struct {
	Allow bool  `json:"allow"`
	Limit int64 `json:"limit" validate:"gte=0"`
}

// settingsRequest is a partial update: an omitted section keeps its
// current value.
type settingsRequest struct {
	AutoRecharge *autoRechargeRequest `json:"auto_recharge"`
	Overdraft    *overdraftRequest    `json:"overdraft"`
}

// PATCH /api/v1/wallets/:id/settings
func (s *Server) updateSettings(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	var req settingsRequest
	if err := s.bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	current, err := s.wallets.GetWallet(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	update := wallet.SettingsRequest{
		WalletID:       id,
		AutoRecharge:   current.AutoRecharge,
		AllowOverdraft: current.AllowOverdraft,
		OverdraftLimit: current.OverdraftLimit,
		IdempotencyKey: c.GetHeader(IdempotencyHeader),
	}
	if ar := req.AutoRecharge; ar != nil {
		update.AutoRecharge = ledger.AutoRecharge{Enabled: ar.Enabled, Threshold: ar.Threshold, Amount: ar.Amount}
		if ar.PaymentMethodID != nil {
			pmID := uuid.MustParse(*ar.PaymentMethodID)
			update.AutoRecharge.PaymentMethodID = &pmID
		}
	}
	if od := req.Overdraft; od != nil {
		update.AllowOverdraft = od.Allow
		update.OverdraftLimit = od.Limit
	}

	w, err := s.wallets.UpdateSettings(c.Request.Context(), update)
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Success(c, newWalletView(w), "Settings updated")
}

// POST /api/v1/wallets/:id/reconcile
func (s *Server) reconcileWallet(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	report, err := s.wallets.Reconcile(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Success(c, report)
}
