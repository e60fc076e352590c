package cashier_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/betpool/fund-engine/internal/cashier"
	"github.com/betpool/fund-engine/internal/ledger"
	"github.com/betpool/fund-engine/internal/model"
	"github.com/betpool/fund-engine/internal/store"
)

type fakeChecks struct {
	issued   []cashier.CheckIssue
	canceled []string
	next     int64
}

func (f *fakeChecks) IssueCheck(_ context.Context, _, _ string, _ int64) (cashier.CheckIssue, error) {
	f.next++
	issue := cashier.CheckIssue{CheckID: fmt.Sprintf("chk-%d", f.next), CheckNumber: 1000 + f.next}
	f.issued = append(f.issued, issue)
	return issue, nil
}

func (f *fakeChecks) CancelCheck(_ context.Context, checkID string) error {
	f.canceled = append(f.canceled, checkID)
	return nil
}

type fakeDeposits struct {
	amounts map[string]int64
}

func (f *fakeDeposits) CaptureDeposit(_ context.Context, orderID string) (int64, error) {
	amount, ok := f.amounts[orderID]
	if !ok {
		return 0, fmt.Errorf("unknown order %s", orderID)
	}
	return amount, nil
}

func newCashier(t *testing.T) (*cashier.Cashier, *fakeChecks, *fakeDeposits, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Close)
	checks := &fakeChecks{}
	deposits := &fakeDeposits{amounts: make(map[string]int64)}
	lg := ledger.New(ms, nil)
	return cashier.New(ms, lg, checks, deposits, nil), checks, deposits, ms
}

func seedApprovedUser(t *testing.T, ms *store.MemoryStore, id string, balance int64) {
	t.Helper()
	err := ms.PutUser(context.Background(), &model.User{
		ID: id, Name: id, Balance: balance, Approved: true, DocumentStatus: model.DocVerified,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func userTxns(t *testing.T, ms *store.MemoryStore, userID string) []model.Transaction {
	t.Helper()
	txns, err := ms.GetUserTransactions(context.Background(), userID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	return txns
}

// --- Deposit ---

func TestDeposit_CreditsAndRecords(t *testing.T) {
	csh, _, deposits, ms := newCashier(t)
	ctx := context.Background()
	seedApprovedUser(t, ms, "u1", 1000)
	deposits.amounts["order-1"] = 5000

	receipt, err := csh.Deposit(ctx, "u1", "order-1")
	if err != nil || !receipt.Committed {
		t.Fatalf("deposit: receipt=%+v err=%v", receipt, err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 6000 {
		t.Errorf("balance = %d, want 6000", u.Balance)
	}
	txns := userTxns(t, ms, "u1")
	if len(txns) != 1 || txns[0].Status != model.TxnComplete || txns[0].Amount != 5000 {
		t.Errorf("transactions = %+v, want one COMPLETE of 5000", txns)
	}
}

func TestDeposit_DuplicateOrderRejected(t *testing.T) {
	csh, _, deposits, ms := newCashier(t)
	ctx := context.Background()
	seedApprovedUser(t, ms, "u1", 0)
	deposits.amounts["order-1"] = 5000

	csh.Deposit(ctx, "u1", "order-1")
	receipt, err := csh.Deposit(ctx, "u1", "order-1")
	if err != nil {
		t.Fatalf("replay deposit: %v", err)
	}
	if receipt.Committed {
		t.Fatal("duplicate order captured twice")
	}
	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 5000 {
		t.Errorf("balance = %d, want 5000 credited once", u.Balance)
	}
}

// A capture failure moves no money, so the same order must be
// retryable once the provider recovers.
func TestDeposit_RetryAfterCaptureFailure(t *testing.T) {
	csh, _, deposits, ms := newCashier(t)
	ctx := context.Background()
	seedApprovedUser(t, ms, "u1", 0)

	if _, err := csh.Deposit(ctx, "u1", "order-1"); err == nil {
		t.Fatal("expected capture error")
	}

	deposits.amounts["order-1"] = 5000
	receipt, err := csh.Deposit(ctx, "u1", "order-1")
	if err != nil || !receipt.Committed {
		t.Fatalf("retry after failure: receipt=%+v err=%v", receipt, err)
	}
	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 5000 {
		t.Errorf("balance = %d, want 5000", u.Balance)
	}
	txns := userTxns(t, ms, "u1")
	if len(txns) != 1 || txns[0].Status != model.TxnComplete {
		t.Errorf("transactions = %+v, want the one record re-armed to COMPLETE", txns)
	}
}

// A cashier wired without payment collaborators must refuse money
// movements with an abort, not a panic.
func TestCashier_UnconfiguredCollaborators(t *testing.T) {
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Close)
	csh := cashier.New(ms, ledger.New(ms, nil), nil, nil, nil)
	ctx := context.Background()
	seedApprovedUser(t, ms, "u1", 10000)

	receipt, err := csh.Deposit(ctx, "u1", "order-1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.Committed {
		t.Error("deposit committed without a payment provider")
	}

	receipt, err = csh.Withdraw(ctx, "u1", 1000, "1 Main St")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if receipt.Committed {
		t.Error("withdrawal committed without a check provider")
	}
}

func TestDeposit_CaptureFailureRecordsFail(t *testing.T) {
	csh, _, _, ms := newCashier(t)
	ctx := context.Background()
	seedApprovedUser(t, ms, "u1", 0)

	if _, err := csh.Deposit(ctx, "u1", "bogus"); err == nil {
		t.Fatal("expected capture error")
	}
	txns := userTxns(t, ms, "u1")
	if len(txns) != 1 || txns[0].Status != model.TxnFail {
		t.Errorf("transactions = %+v, want one FAIL", txns)
	}
}

// --- Withdraw ---

func TestWithdraw_IssuesCheckAndDebits(t *testing.T) {
	csh, checks, _, ms := newCashier(t)
	ctx := context.Background()
	seedApprovedUser(t, ms, "u1", 10000)

	receipt, err := csh.Withdraw(ctx, "u1", 4000, "1 Main St")
	if err != nil || !receipt.Committed {
		t.Fatalf("withdraw: receipt=%+v err=%v", receipt, err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 6000 || u.AmountHold != 4000 {
		t.Errorf("user = balance %d hold %d", u.Balance, u.AmountHold)
	}
	if len(checks.issued) != 1 || len(checks.canceled) != 0 {
		t.Errorf("checks = issued %d canceled %d", len(checks.issued), len(checks.canceled))
	}
	txns := userTxns(t, ms, "u1")
	if len(txns) != 1 || txns[0].Status != model.TxnComplete || txns[0].CheckID != checks.issued[0].CheckID {
		t.Errorf("transactions = %+v", txns)
	}
}

func TestWithdraw_SevenDayWindow(t *testing.T) {
	csh, _, _, ms := newCashier(t)
	ctx := context.Background()
	seedApprovedUser(t, ms, "u1", 20000)

	if receipt, err := csh.Withdraw(ctx, "u1", 4000, "1 Main St"); err != nil || !receipt.Committed {
		t.Fatalf("first withdraw: receipt=%+v err=%v", receipt, err)
	}
	receipt, err := csh.Withdraw(ctx, "u1", 4000, "1 Main St")
	if err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	if receipt.Committed {
		t.Fatal("second withdrawal inside the window committed")
	}
}

func TestWithdraw_RequiresApproval(t *testing.T) {
	csh, checks, _, ms := newCashier(t)
	ctx := context.Background()
	ms.PutUser(ctx, &model.User{ID: "u1", Name: "u1", Balance: 10000})

	receipt, err := csh.Withdraw(ctx, "u1", 4000, "1 Main St")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if receipt.Committed {
		t.Fatal("unverified user withdrew")
	}
	if len(checks.issued) != 0 {
		t.Error("check issued before the approval gate")
	}
}

// overdraftStore inflates the balance the precheck sees so the debit
// discovers the shortfall, the way a concurrent spend would.
type overdraftStore struct {
	store.Store
}

func (s overdraftStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.Store.GetUser(ctx, id)
	if err == nil {
		u.Balance += 100000
	}
	return u, err
}

func TestWithdraw_CompensationCancelsCheck(t *testing.T) {
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Close)
	checks := &fakeChecks{}
	lg := ledger.New(ms, nil)
	csh := cashier.New(overdraftStore{ms}, lg, checks, nil, nil)
	ctx := context.Background()
	seedApprovedUser(t, ms, "u1", 1000)

	receipt, err := csh.Withdraw(ctx, "u1", 4000, "1 Main St")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if receipt.Committed {
		t.Fatal("withdrawal committed despite insufficient balance")
	}

	if len(checks.issued) != 1 {
		t.Fatalf("issued %d checks, want 1", len(checks.issued))
	}
	if len(checks.canceled) != 1 || checks.canceled[0] != checks.issued[0].CheckID {
		t.Errorf("canceled = %v, want the issued check", checks.canceled)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 1000 || u.AmountHold != 0 {
		t.Errorf("user = balance %d hold %d, want untouched", u.Balance, u.AmountHold)
	}
	txns := userTxns(t, ms, "u1")
	if len(txns) != 1 || txns[0].Status != model.TxnFail {
		t.Errorf("transactions = %+v, want one FAIL", txns)
	}
}

// --- Document verification ---

func TestUpdateUserDocumentStatus(t *testing.T) {
	csh, _, _, ms := newCashier(t)
	ctx := context.Background()
	ms.PutUser(ctx, &model.User{ID: "u1", Name: "u1"})

	receipt, err := csh.UpdateUserDocumentStatus(ctx, "u1", model.DocVerified)
	if err != nil || !receipt.Committed {
		t.Fatalf("verify: receipt=%+v err=%v", receipt, err)
	}
	u, _ := ms.GetUser(ctx, "u1")
	if !u.Approved || u.DocumentStatus != model.DocVerified {
		t.Errorf("user = %+v, want approved", u)
	}

	// Repeating the same status aborts.
	receipt, err = csh.UpdateUserDocumentStatus(ctx, "u1", model.DocVerified)
	if err != nil {
		t.Fatalf("repeat verify: %v", err)
	}
	if receipt.Committed {
		t.Error("duplicate status transition committed")
	}

	receipt, err = csh.UpdateUserDocumentStatus(ctx, "u1", model.DocFailed)
	if err != nil || !receipt.Committed {
		t.Fatalf("fail status: receipt=%+v err=%v", receipt, err)
	}
	u, _ = ms.GetUser(ctx, "u1")
	if u.Approved {
		t.Error("approval not revoked on FAIL")
	}
}
