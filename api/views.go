package api

import (
	"time"

	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/google/uuid"
)

type overdraftView struct {
	Allow bool  `json:"allow"`
	Limit int64 `json:"limit"`
}

type walletView struct {
	ID             uuid.UUID           `json:"id"`
	OwnerID        string              `json:"owner_id"`
	Currency       string              `json:"currency"`
	Balance        int64               `json:"balance"`
	BalanceDisplay string              `json:"balance_display"`
	AutoRecharge   ledger.AutoRecharge `json:"auto_recharge"`
	Overdraft      overdraftView       `json:"overdraft"`
	RechargeState  string              `json:"recharge_state"`
	CreatedAt      time.Time           `json:"created_at"`
}

func newWalletView(w *ledger.Wallet) walletView {
	return walletView{
		ID:             w.ID,
		OwnerID:        w.OwnerID,
		Currency:       w.Currency,
		Balance:        w.Balance,
		BalanceDisplay: wallet.FormatAmount(w.Balance, w.Currency),
		AutoRecharge:   w.AutoRecharge,
		Overdraft:      overdraftView{Allow: w.AllowOverdraft, Limit: w.OverdraftLimit},
		RechargeState:  string(w.RechargeState),
		CreatedAt:      w.CreatedAt,
	}
}

// resultView is the body of fund, charge and refund responses.
type resultView struct {
	Entry          *ledger.LedgerEntry `json:"entry"`
	Balance        int64               `json:"balance"`
	BalanceDisplay string              `json:"balance_display,omitempty"`
	Status         string              `json:"status"`
}

func newResultView(res *wallet.Result, currency string) resultView {
	v := resultView{Entry: res.Entry, Balance: res.Balance, Status: "completed"}
	if currency != "" {
		v.BalanceDisplay = wallet.FormatAmount(res.Balance, currency)
	}
	if res.Processing() {
		v.Status = "processing"
	}
	return v
}
