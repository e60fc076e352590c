package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/betpool/fund-engine/internal/ledger"
	"github.com/betpool/fund-engine/internal/model"
	"github.com/betpool/fund-engine/internal/store"
)

func newLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Close)
	return ledger.New(ms, nil), ms
}

func seedUser(t *testing.T, s store.Store, id string, balance int64) {
	t.Helper()
	if err := s.PutUser(context.Background(), &model.User{ID: id, Name: id, Balance: balance}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedOpenFund(t *testing.T, s store.Store, id string) {
	t.Helper()
	f := &model.Fund{ID: id, Name: id, ManagerID: "mgr", Status: model.FundOpen}
	if err := s.PutFund(context.Background(), f); err != nil {
		t.Fatalf("seed fund: %v", err)
	}
}

func lastInteraction(t *testing.T, s store.Store) *model.Interaction {
	t.Helper()
	ins, err := s.ListInteractions(context.Background())
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	if len(ins) == 0 {
		t.Fatal("no interactions recorded")
	}
	return &ins[len(ins)-1]
}

// --- UserWager ---

func TestUserWager_DebitsUserCreditsFund(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	seedUser(t, ms, "u1", 10000)
	seedOpenFund(t, ms, "f1")

	receipt, err := lg.UserWager(ctx, "u1", "f1", 2000, false)
	if err != nil {
		t.Fatalf("wager: %v", err)
	}
	if !receipt.Committed {
		t.Fatalf("wager not committed: %s", receipt.Reason)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 8000 {
		t.Errorf("user balance = %d, want 8000", u.Balance)
	}
	if u.Investments["f1"] != 2000 {
		t.Errorf("investment = %d, want 2000", u.Investments["f1"])
	}

	f, _ := ms.GetFund(ctx, "f1")
	if f.Balance != 2000 || f.AmountWagered != 2000 || f.PlayerCount != 1 {
		t.Errorf("fund = balance %d wagered %d players %d", f.Balance, f.AmountWagered, f.PlayerCount)
	}

	in := lastInteraction(t, ms)
	if in.Type != model.InteractionWager || in.Amount != 2000 {
		t.Errorf("interaction = %s/%d, want Wager/2000", in.Type, in.Amount)
	}
}

func TestUserWager_InsufficientBalance(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	seedUser(t, ms, "u1", 1000)
	seedOpenFund(t, ms, "f1")

	receipt, err := lg.UserWager(ctx, "u1", "f1", 2000, false)
	if err != nil {
		t.Fatalf("wager: %v", err)
	}
	if receipt.Committed {
		t.Fatal("overdraft wager committed")
	}

	u, _ := ms.GetUser(ctx, "u1")
	f, _ := ms.GetFund(ctx, "f1")
	if u.Balance != 1000 || f.Balance != 0 {
		t.Errorf("state changed on abort: user %d fund %d", u.Balance, f.Balance)
	}
}

func TestUserWager_FundNotOpen(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	seedUser(t, ms, "u1", 10000)
	ms.PutFund(ctx, &model.Fund{ID: "f1", Status: model.FundPending})

	receipt, err := lg.UserWager(ctx, "u1", "f1", 2000, false)
	if err != nil || receipt.Committed {
		t.Fatalf("wager on pending fund: receipt=%+v err=%v", receipt, err)
	}
}

func TestUserWager_FadeRoutesCounterPool(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	seedUser(t, ms, "u1", 10000)
	seedOpenFund(t, ms, "f1")

	receipt, err := lg.UserWager(ctx, "u1", "f1", 1500, true)
	if err != nil || !receipt.Committed {
		t.Fatalf("fade wager: receipt=%+v err=%v", receipt, err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 8500 || u.Investments["f1"] != -1500 {
		t.Errorf("user = balance %d investment %d", u.Balance, u.Investments["f1"])
	}

	f, _ := ms.GetFund(ctx, "f1")
	if f.CounterBalance != 1500 || f.FadeAmountWagered != 1500 || f.FadePlayerCount != 1 {
		t.Errorf("fund = counter %d fadeWagered %d fadePlayers %d",
			f.CounterBalance, f.FadeAmountWagered, f.FadePlayerCount)
	}
	if f.Balance != 0 || f.PlayerCount != 0 {
		t.Error("fade wager leaked into the long pool")
	}

	in := lastInteraction(t, ms)
	if in.Type != model.InteractionWagerAgainst {
		t.Errorf("interaction = %s, want Wager Against", in.Type)
	}
}

func TestUserWager_RepeatWagerKeepsPlayerCount(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	seedUser(t, ms, "u1", 10000)
	seedOpenFund(t, ms, "f1")

	lg.UserWager(ctx, "u1", "f1", 2000, false)
	lg.UserWager(ctx, "u1", "f1", 3000, false)

	f, _ := ms.GetFund(ctx, "f1")
	if f.PlayerCount != 1 {
		t.Errorf("player count = %d, want 1", f.PlayerCount)
	}
	if f.AmountWagered != 5000 {
		t.Errorf("amount wagered = %d, want 5000", f.AmountWagered)
	}
	u, _ := ms.GetUser(ctx, "u1")
	if u.Investments["f1"] != 5000 {
		t.Errorf("investment = %d, want 5000", u.Investments["f1"])
	}
}

// flakyStore injects conflicts into the fund transaction before
// delegating, exercising the retry path.
type flakyStore struct {
	store.Store
	conflicts int
}

func (s *flakyStore) TransactFund(ctx context.Context, id string, fn store.FundTxn) (store.FundResult, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return store.FundResult{}, store.ErrConflict
	}
	return s.Store.TransactFund(ctx, id, fn)
}

func TestUserWager_RetriesOnContention(t *testing.T) {
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Close)
	flaky := &flakyStore{Store: ms, conflicts: 3}
	lg := ledger.New(flaky, nil)
	ctx := context.Background()
	seedUser(t, ms, "u1", 10000)
	seedOpenFund(t, ms, "f1")

	receipt, err := lg.UserWager(ctx, "u1", "f1", 2000, false)
	if err != nil {
		t.Fatalf("wager: %v", err)
	}
	if !receipt.Committed {
		t.Fatalf("wager did not survive transient contention: %s", receipt.Reason)
	}
	f, _ := ms.GetFund(ctx, "f1")
	if f.Balance != 2000 {
		t.Errorf("fund balance = %d, want 2000", f.Balance)
	}
}

func TestUserWager_RetriesExhausted(t *testing.T) {
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Close)
	flaky := &flakyStore{Store: ms, conflicts: 100}
	lg := ledger.New(flaky, nil)
	ctx := context.Background()
	seedUser(t, ms, "u1", 10000)
	seedOpenFund(t, ms, "f1")

	_, err := lg.UserWager(ctx, "u1", "f1", 2000, false)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict after exhausted retries, got %v", err)
	}

	// The user-side debit stands: partial state is surfaced, not undone.
	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 8000 {
		t.Errorf("user balance = %d, want 8000 (debit applied)", u.Balance)
	}
	f, _ := ms.GetFund(ctx, "f1")
	if f.Balance != 0 {
		t.Errorf("fund balance = %d, want 0 (credit never landed)", f.Balance)
	}
}

// --- UserReturn ---

func TestUserReturn_PaysProRataExactlyOnce(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	ms.PutUser(ctx, &model.User{ID: "u1", Name: "u1", Balance: 0,
		Investments: map[string]int64{"f1": 1000}})
	snapshot := &model.Fund{ID: "f1", Status: model.FundPending, IsReturning: true,
		AmountWagered: 4000, Balance: 6000, PlayerCount: 2}
	ms.PutFund(ctx, snapshot)

	receipt, err := lg.UserReturn(ctx, snapshot, "u1")
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if !receipt.Committed || receipt.Amount != 1500 || receipt.Fade {
		t.Fatalf("receipt = %+v, want committed 1500 long", receipt)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 1500 || u.Returns["f1"] != 1500 {
		t.Errorf("user = balance %d return %d", u.Balance, u.Returns["f1"])
	}
	f, _ := ms.GetFund(ctx, "f1")
	if f.ReturnCount != 1 || f.AmountReturned != 1500 {
		t.Errorf("fund = returnCount %d amountReturned %d", f.ReturnCount, f.AmountReturned)
	}

	// Second call must not pay again.
	again, err := lg.UserReturn(ctx, snapshot, "u1")
	if err != nil {
		t.Fatalf("second return: %v", err)
	}
	if again.Committed {
		t.Fatal("double payout committed")
	}
	u, _ = ms.GetUser(ctx, "u1")
	if u.Balance != 1500 {
		t.Errorf("balance after double return = %d, want 1500", u.Balance)
	}
}

func TestUserReturn_ZeroLongPayoutCountsLongSide(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	ms.PutUser(ctx, &model.User{ID: "u1", Name: "u1",
		Investments: map[string]int64{"f1": 1000}})
	// Every bet lost: the long pool is empty but the payout still
	// belongs to the long side.
	snapshot := &model.Fund{ID: "f1", Status: model.FundPending, IsReturning: true,
		AmountWagered: 4000, Balance: 0, PlayerCount: 1}
	ms.PutFund(ctx, snapshot)

	receipt, err := lg.UserReturn(ctx, snapshot, "u1")
	if err != nil || !receipt.Committed {
		t.Fatalf("return: receipt=%+v err=%v", receipt, err)
	}
	if receipt.Amount != 0 || receipt.Fade {
		t.Fatalf("receipt = %+v, want zero long payout", receipt)
	}

	f, _ := ms.GetFund(ctx, "f1")
	if f.ReturnCount != 1 {
		t.Errorf("returnCount = %d, want 1", f.ReturnCount)
	}
	if f.FadeReturnCount != 0 {
		t.Errorf("fadeReturnCount = %d, want 0", f.FadeReturnCount)
	}
}

func TestUserReturn_CompletesFund(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	ms.PutUser(ctx, &model.User{ID: "u1", Name: "u1",
		Investments: map[string]int64{"f1": 2000}})
	snapshot := &model.Fund{ID: "f1", Status: model.FundPending, IsReturning: true,
		AmountWagered: 2000, Balance: 2000, PlayerCount: 1}
	ms.PutFund(ctx, snapshot)

	if _, err := lg.UserReturn(ctx, snapshot, "u1"); err != nil {
		t.Fatalf("return: %v", err)
	}

	f, _ := ms.GetFund(ctx, "f1")
	if f.Status != model.FundReturned {
		t.Errorf("fund status = %s, want RETURNED", f.Status)
	}
	if f.IsReturning {
		t.Error("return lock not released")
	}
	if f.ReturnTimeMillis == 0 {
		t.Error("returnTimeMillis not stamped")
	}
}

// --- Deposit / Withdraw ---

func TestDeposit(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	seedUser(t, ms, "u1", 1000)

	receipt, err := lg.Deposit(ctx, "u1", 5000)
	if err != nil || !receipt.Committed {
		t.Fatalf("deposit: receipt=%+v err=%v", receipt, err)
	}
	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 6000 {
		t.Errorf("balance = %d, want 6000", u.Balance)
	}
	if in := lastInteraction(t, ms); in.Type != model.InteractionDeposit {
		t.Errorf("interaction = %s, want Deposit", in.Type)
	}
}

func TestWithdrawDebit_HoldsFunds(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	seedUser(t, ms, "u1", 5000)

	receipt, err := lg.WithdrawDebit(ctx, "u1", 3000)
	if err != nil || !receipt.Committed {
		t.Fatalf("withdraw: receipt=%+v err=%v", receipt, err)
	}
	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 2000 || u.AmountHold != 3000 {
		t.Errorf("user = balance %d hold %d", u.Balance, u.AmountHold)
	}

	// Not enough left for a second withdrawal of the same size.
	receipt, err = lg.WithdrawDebit(ctx, "u1", 3000)
	if err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	if receipt.Committed {
		t.Fatal("overdraft withdrawal committed")
	}
}

func TestReleaseHold(t *testing.T) {
	lg, ms := newLedger(t)
	ctx := context.Background()
	seedUser(t, ms, "u1", 5000)
	lg.WithdrawDebit(ctx, "u1", 3000)

	if err := lg.ReleaseHold(ctx, "u1", 3000, true); err != nil {
		t.Fatalf("release hold: %v", err)
	}
	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 5000 || u.AmountHold != 0 {
		t.Errorf("user = balance %d hold %d, want restored 5000/0", u.Balance, u.AmountHold)
	}
}
