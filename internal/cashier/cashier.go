// Package cashier moves money across the system boundary: deposits
// captured from the payment provider and withdrawals paid by check.
//
// Withdrawals follow a compensating saga. The money-movement order is
// (a) issue the check through the payment API, (b) persist the check
// record, (c) debit the user balance; if (c) aborts because the balance
// no longer covers the amount, the compensation cancels the issued
// check, deletes the record, and marks the transaction FAIL.
package cashier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/betpool/fund-engine/internal/ledger"
	"github.com/betpool/fund-engine/internal/metrics"
	"github.com/betpool/fund-engine/internal/model"
	"github.com/betpool/fund-engine/internal/store"
)

// withdrawWindow is the minimum spacing between withdrawals per user.
const withdrawWindow = 7 * 24 * time.Hour

// CheckIssue is the payment provider's receipt for an issued check.
type CheckIssue struct {
	CheckID     string
	CheckNumber int64
}

// CheckAPI issues and cancels physical checks.
type CheckAPI interface {
	IssueCheck(ctx context.Context, payeeName, address string, amountCents int64) (CheckIssue, error)
	CancelCheck(ctx context.Context, checkID string) error
}

// DepositAPI captures an authorized payment order.
type DepositAPI interface {
	CaptureDeposit(ctx context.Context, orderID string) (amountCents int64, err error)
}

// Mailer sends user notifications. Fire-and-forget: failures are logged
// by implementations, never propagated.
type Mailer interface {
	Notify(template, recipient string, data map[string]string)
}

// Cashier orchestrates external money movements.
type Cashier struct {
	store    store.Store
	ledger   *ledger.Ledger
	checks   CheckAPI
	deposits DepositAPI
	mailer   Mailer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a cashier. mailer may be nil.
func New(st store.Store, lg *ledger.Ledger, checks CheckAPI, deposits DepositAPI, mailer Mailer) *Cashier {
	return &Cashier{
		store:    st,
		ledger:   lg,
		checks:   checks,
		deposits: deposits,
		mailer:   mailer,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the per-user rate limiter, creating it on first use.
// One money movement per 10 seconds with a burst of 3 absorbs UI
// double-clicks without blocking normal use.
func (c *Cashier) limiter(userID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(10*time.Second), 3)
		c.limiters[userID] = lim
	}
	return lim
}

// --- Deposit ---

// Deposit captures orderID with the payment provider and credits the
// user. The transaction record is keyed by order id: a replayed capture
// of an order that is pending or already complete aborts as a
// duplicate, while a failed one may be retried.
func (c *Cashier) Deposit(ctx context.Context, userID, orderID string) (ledger.Receipt, error) {
	if c.deposits == nil {
		return ledger.Receipt{Reason: "deposits are not configured"}, nil
	}
	if orderID == "" {
		return ledger.Receipt{Reason: "order id is required"}, nil
	}
	if !c.limiter(userID).Allow() {
		return ledger.Receipt{Reason: "too many requests"}, nil
	}

	// A FAIL record means an earlier capture attempt never moved money;
	// re-arm it so the user can retry the order. PENDING and COMPLETE
	// records are duplicates.
	created, err := c.store.TransactTransaction(ctx, orderID, func(t *model.Transaction) (*model.Transaction, bool) {
		if t != nil {
			if t.Status != model.TxnFail {
				return nil, false
			}
			t.Status = model.TxnPending
			t.UpdatedMillis = model.NowMillis()
			return t, true
		}
		return &model.Transaction{
			ID:            orderID,
			UserID:        userID,
			Kind:          model.TxnDeposit,
			Status:        model.TxnPending,
			CreatedMillis: model.NowMillis(),
		}, true
	})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("deposit record: %w", err)
	}
	if !created.Committed {
		return ledger.Receipt{Reason: "order already processed"}, nil
	}

	amount, err := c.deposits.CaptureDeposit(ctx, orderID)
	if err != nil {
		c.setTransactionStatus(ctx, orderID, model.TxnFail, 0)
		return ledger.Receipt{}, fmt.Errorf("capture deposit %s: %w", orderID, err)
	}

	receipt, err := c.ledger.Deposit(ctx, userID, amount)
	if err != nil || !receipt.Committed {
		c.setTransactionStatus(ctx, orderID, model.TxnFail, amount)
		return receipt, err
	}
	c.setTransactionStatus(ctx, orderID, model.TxnComplete, amount)

	c.notify(ctx, userID, "deposit_complete", map[string]string{
		"amount": model.FormatUSD(amount),
	})
	return ledger.Receipt{Committed: true}, nil
}

// --- Withdraw ---

// Withdraw pays amount cents to the user by check mailed to address. At
// most one withdrawal per user is accepted within the 7-day window.
func (c *Cashier) Withdraw(ctx context.Context, userID string, amount int64, address string) (ledger.Receipt, error) {
	if c.checks == nil {
		return ledger.Receipt{Reason: "withdrawals are not configured"}, nil
	}
	if amount <= 0 {
		return ledger.Receipt{Reason: "withdrawal amount must be positive"}, nil
	}
	if address == "" {
		return ledger.Receipt{Reason: "mailing address is required"}, nil
	}
	if !c.limiter(userID).Allow() {
		return ledger.Receipt{Reason: "too many requests"}, nil
	}

	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("withdraw user: %w", err)
	}
	if !user.Approved {
		return ledger.Receipt{Reason: "identity verification required"}, nil
	}
	if user.Balance < amount {
		return ledger.Receipt{Reason: "insufficient balance"}, nil
	}

	recent, err := c.withdrewWithin(ctx, userID, withdrawWindow)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("withdraw history: %w", err)
	}
	if recent {
		return ledger.Receipt{Reason: "one withdrawal allowed per 7 days"}, nil
	}

	txnID := uuid.New().String()
	_, err = c.store.TransactTransaction(ctx, txnID, func(t *model.Transaction) (*model.Transaction, bool) {
		if t != nil {
			return nil, false
		}
		return &model.Transaction{
			ID:            txnID,
			UserID:        userID,
			Kind:          model.TxnWithdraw,
			Status:        model.TxnPending,
			Amount:        amount,
			CreatedMillis: model.NowMillis(),
		}, true
	})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("withdraw record: %w", err)
	}

	// (a) issue the check.
	issue, err := c.checks.IssueCheck(ctx, user.Name, address, amount)
	if err != nil {
		c.setTransactionStatus(ctx, txnID, model.TxnFail, amount)
		return ledger.Receipt{}, fmt.Errorf("issue check: %w", err)
	}

	// (b) persist the check record.
	check := &model.Check{
		ID:            issue.CheckID,
		UserID:        userID,
		Number:        issue.CheckNumber,
		Amount:        amount,
		CreatedMillis: model.NowMillis(),
	}
	if err := c.store.PutCheck(ctx, check); err != nil {
		c.compensate(ctx, txnID, issue, amount, false)
		return ledger.Receipt{}, fmt.Errorf("persist check: %w", err)
	}

	// (c) debit the balance. An abort here means a concurrent spend beat
	// us to the money: cancel the check.
	receipt, err := c.ledger.WithdrawDebit(ctx, userID, amount)
	if err != nil || !receipt.Committed {
		c.compensate(ctx, txnID, issue, amount, true)
		return receipt, err
	}

	c.completeWithdrawal(ctx, txnID, issue, amount)
	c.notify(ctx, userID, "withdrawal_sent", map[string]string{
		"amount":       model.FormatUSD(amount),
		"check_number": fmt.Sprintf("%d", issue.CheckNumber),
	})
	slog.Info("withdrawal complete", "user", userID, "amount", amount, "check", issue.CheckID)
	return ledger.Receipt{Committed: true}, nil
}

// compensate unwinds an issued check after a later step failed.
func (c *Cashier) compensate(ctx context.Context, txnID string, issue CheckIssue, amount int64, deleteRecord bool) {
	metrics.Compensations.WithLabelValues("withdraw").Inc()
	slog.Warn("withdrawal compensating", "txn", txnID, "check", issue.CheckID)
	if err := c.checks.CancelCheck(ctx, issue.CheckID); err != nil {
		slog.Error("check cancel failed; manual reconciliation required", "check", issue.CheckID, "err", err)
	}
	if deleteRecord {
		if err := c.store.DeleteCheck(ctx, issue.CheckID); err != nil {
			slog.Error("check record delete failed", "check", issue.CheckID, "err", err)
		}
	}
	c.setTransactionStatus(ctx, txnID, model.TxnFail, amount)
}

func (c *Cashier) completeWithdrawal(ctx context.Context, txnID string, issue CheckIssue, amount int64) {
	_, err := c.store.TransactTransaction(ctx, txnID, func(t *model.Transaction) (*model.Transaction, bool) {
		if t == nil || t.Status == model.TxnComplete {
			return nil, false
		}
		t.Status = model.TxnComplete
		t.Amount = amount
		t.CheckID = issue.CheckID
		t.CheckNumber = issue.CheckNumber
		t.UpdatedMillis = model.NowMillis()
		return t, true
	})
	if err != nil {
		slog.Error("withdrawal complete write failed", "txn", txnID, "err", err)
	}
}

// setTransactionStatus advances a transaction record idempotently: a
// repeated transition to the same status aborts.
func (c *Cashier) setTransactionStatus(ctx context.Context, txnID, status string, amount int64) {
	_, err := c.store.TransactTransaction(ctx, txnID, func(t *model.Transaction) (*model.Transaction, bool) {
		if t == nil || t.Status == status {
			return nil, false
		}
		t.Status = status
		if amount > 0 {
			t.Amount = amount
		}
		t.UpdatedMillis = model.NowMillis()
		return t, true
	})
	if err != nil {
		slog.Error("transaction status write failed", "txn", txnID, "status", status, "err", err)
	}
}

func (c *Cashier) withdrewWithin(ctx context.Context, userID string, window time.Duration) (bool, error) {
	txns, err := c.store.GetUserTransactions(ctx, userID)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-window).UnixMilli()
	for _, t := range txns {
		if t.Kind == model.TxnWithdraw && t.Status != model.TxnFail && t.CreatedMillis >= cutoff {
			return true, nil
		}
	}
	return false, nil
}

// --- Document verification ---

// UpdateUserDocumentStatus records the outcome of identity-document
// review and gates withdrawal approval. A repeated identical status
// aborts.
func (c *Cashier) UpdateUserDocumentStatus(ctx context.Context, userID, status string) (ledger.Receipt, error) {
	if status != model.DocVerified && status != model.DocFailed {
		return ledger.Receipt{Reason: "unknown document status"}, nil
	}
	res, err := c.store.TransactUser(ctx, userID, func(u *model.User) (*model.User, bool) {
		if u == nil || u.DocumentStatus == status {
			return nil, false
		}
		u.DocumentStatus = status
		u.Approved = status == model.DocVerified
		return u, true
	})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("document status: %w", err)
	}
	if !res.Committed {
		return ledger.Receipt{Reason: "status unchanged"}, nil
	}

	interaction := model.InteractionDocFail
	if status == model.DocVerified {
		interaction = model.InteractionDocVerified
	}
	c.ledger.Append(ctx, &model.Interaction{
		Type:     interaction,
		UserID:   userID,
		UserName: res.User.Name,
	})
	slog.Info("document status updated", "user", userID, "status", status)
	return ledger.Receipt{Committed: true}, nil
}

func (c *Cashier) notify(ctx context.Context, userID, template string, data map[string]string) {
	if c.mailer == nil {
		return
	}
	u, err := c.store.GetUser(ctx, userID)
	if err != nil || u.Email == "" {
		return
	}
	c.mailer.Notify(template, u.Email, data)
}
