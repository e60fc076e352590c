// Package lifecycle drives the fund and bet state machines.
//
// Fund: STAGED → OPEN → PENDING → RETURNED. Bet: STAGED → LIVE →
// RETURNED, with deletion allowed only while STAGED. Status only moves
// forward; every transition is a single conditional update and an
// aborted condition is reported as not committed, never retried here.
// The one exception is the return payout fan-out, whose per-user sagas
// retry through the ledger.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/betpool/fund-engine/internal/ledger"
	"github.com/betpool/fund-engine/internal/metrics"
	"github.com/betpool/fund-engine/internal/model"
	"github.com/betpool/fund-engine/internal/store"
)

// Engine orchestrates lifecycle transitions against the store and routes
// money movements through the ledger.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
}

// NewEngine creates a lifecycle engine.
func NewEngine(st store.Store, lg *ledger.Ledger) *Engine {
	return &Engine{store: st, ledger: lg}
}

// --- Fund transitions ---

// CreateFund persists a new STAGED fund, assigning an id if absent.
func (e *Engine) CreateFund(ctx context.Context, f *model.Fund) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.Status = model.FundStaged
	f.CreatedMillis = model.NowMillis()
	if err := e.store.PutFund(ctx, f); err != nil {
		return fmt.Errorf("create fund: %w", err)
	}
	slog.Info("fund created", "fund", f.ID, "manager", f.ManagerID, "open_at", f.OpenTimeMillis, "closes_at", f.ClosingTime)
	return nil
}

// OpenFund transitions a STAGED fund to OPEN so it can accept wagers.
func (e *Engine) OpenFund(ctx context.Context, fundID string) (ledger.Receipt, error) {
	res, err := e.store.TransactFund(ctx, fundID, func(f *model.Fund) (*model.Fund, bool) {
		if f == nil || f.Status != model.FundStaged {
			return nil, false
		}
		f.Status = model.FundOpen
		return f, true
	})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("open fund %s: %w", fundID, err)
	}
	if !res.Committed {
		return ledger.Receipt{Reason: "fund is not staged"}, nil
	}
	metrics.FundTransitions.WithLabelValues(model.FundOpen).Inc()
	slog.Info("fund opened", "fund", fundID)
	return ledger.Receipt{Committed: true}, nil
}

// CloseFund transitions an OPEN fund to PENDING. A fund that attracted
// no participants on either side short-circuits straight to RETURNED.
// After the close commits, percentage-sized staged bets have their
// stakes backfilled against the now-final pools.
func (e *Engine) CloseFund(ctx context.Context, fundID string) (ledger.Receipt, error) {
	res, err := e.store.TransactFund(ctx, fundID, func(f *model.Fund) (*model.Fund, bool) {
		if f == nil || f.Status != model.FundOpen {
			return nil, false
		}
		if f.PlayerCount == 0 && f.FadePlayerCount == 0 {
			f.Status = model.FundReturned
			f.ReturnTimeMillis = model.NowMillis()
		} else {
			f.Status = model.FundPending
		}
		f.ClosedTimeMillis = model.NowMillis()
		return f, true
	})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("close fund %s: %w", fundID, err)
	}
	if !res.Committed {
		return ledger.Receipt{Reason: "fund is not open"}, nil
	}
	metrics.FundTransitions.WithLabelValues(res.Fund.Status).Inc()
	slog.Info("fund closed", "fund", fundID, "status", res.Fund.Status,
		"balance", res.Fund.Balance, "counter_balance", res.Fund.CounterBalance,
		"players", res.Fund.PlayerCount, "fade_players", res.Fund.FadePlayerCount)

	if res.Fund.Status == model.FundPending {
		e.backfillStakes(ctx, res.Fund)
	}
	return ledger.Receipt{Committed: true}, nil
}

// backfillStakes freezes the stake of every percentage-sized staged bet
// now that the pools are final.
func (e *Engine) backfillStakes(ctx context.Context, f *model.Fund) {
	bets, err := e.store.GetFundBets(ctx, f.ID)
	if err != nil {
		slog.Error("stake backfill list failed", "fund", f.ID, "err", err)
		return
	}
	for i := range bets {
		b := &bets[i]
		if b.Status != model.BetStaged || b.Wagered != 0 || b.PctOfFund <= 0 {
			continue
		}
		pool := f.AmountWagered
		if b.Fade {
			pool = f.FadeAmountWagered
		}
		stake := b.PctOfFund * pool / 100
		_, err := e.store.TransactBet(ctx, b.ID, func(cur *model.Bet) (*model.Bet, bool) {
			if cur == nil || cur.Status != model.BetStaged || cur.Wagered != 0 {
				return nil, false
			}
			cur.Wagered = stake
			return cur, true
		})
		if err != nil {
			slog.Error("stake backfill failed", "bet", b.ID, "fund", f.ID, "err", err)
		}
	}
}

// DeleteFund removes a STAGED fund and its bets. Funds that ever
// accepted money are immutable history and cannot be deleted.
func (e *Engine) DeleteFund(ctx context.Context, fundID string) (ledger.Receipt, error) {
	f, err := e.store.GetFund(ctx, fundID)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("delete fund %s: %w", fundID, err)
	}
	if f.Status != model.FundStaged {
		return ledger.Receipt{Reason: "only staged funds can be deleted"}, nil
	}

	bets, err := e.store.GetFundBets(ctx, fundID)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("delete fund %s bets: %w", fundID, err)
	}
	for i := range bets {
		if err := e.store.DeleteBet(ctx, bets[i].ID); err != nil {
			return ledger.Receipt{}, fmt.Errorf("delete bet %s: %w", bets[i].ID, err)
		}
	}
	if err := e.store.DeleteFund(ctx, fundID); err != nil {
		return ledger.Receipt{}, fmt.Errorf("delete fund %s: %w", fundID, err)
	}
	slog.Info("fund deleted", "fund", fundID, "bets_deleted", len(bets))
	return ledger.Receipt{Committed: true}, nil
}

// --- Return engine ---

// ReturnResult aggregates the payout fan-out. Failures are surfaced for
// manual reconciliation; partial success is a terminal outcome, not
// rolled back.
type ReturnResult struct {
	Committed bool
	Reason    string
	Successes map[string]int64
	Failures  map[string]string
}

// ReturnFund pays every participant their pro-rata share and transitions
// the fund to RETURNED. The isReturning flag locks out a concurrent
// double-return while the fan-out is in flight; payouts run in parallel,
// each independently idempotent via the per-user returns record.
func (e *Engine) ReturnFund(ctx context.Context, fundID string) (ReturnResult, error) {
	res, err := e.store.TransactFund(ctx, fundID, func(f *model.Fund) (*model.Fund, bool) {
		if f == nil || f.Status != model.FundPending || f.IsReturning {
			return nil, false
		}
		if f.HasPendingBets() {
			return nil, false
		}
		if f.PlayerCount == 0 && f.FadePlayerCount == 0 {
			f.Status = model.FundReturned
			f.ReturnTimeMillis = model.NowMillis()
			return f, true
		}
		f.IsReturning = true
		return f, true
	})
	if err != nil {
		return ReturnResult{}, fmt.Errorf("return fund %s: %w", fundID, err)
	}
	if !res.Committed {
		return ReturnResult{Reason: "fund is not ready to return"}, nil
	}
	if res.Fund.Status == model.FundReturned {
		metrics.FundTransitions.WithLabelValues(model.FundReturned).Inc()
		slog.Info("empty fund returned", "fund", fundID)
		return ReturnResult{Committed: true, Successes: map[string]int64{}, Failures: map[string]string{}}, nil
	}

	// Point-in-time snapshot: every payout computes from the same pools.
	snapshot := res.Fund

	users, err := e.store.GetUsersInFund(ctx, fundID)
	if err != nil {
		return ReturnResult{}, fmt.Errorf("return fund %s participants: %w", fundID, err)
	}

	var mu sync.Mutex
	successes := make(map[string]int64)
	failures := make(map[string]string)
	var wg sync.WaitGroup
	for i := range users {
		u := users[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := e.ledger.UserReturn(ctx, snapshot, u.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failures[u.ID] = err.Error()
			case receipt.Committed:
				successes[u.ID] = receipt.Amount
			default:
				failures[u.ID] = "return already recorded"
			}
		}()
	}
	wg.Wait()

	slog.Info("fund return fan-out complete", "fund", fundID,
		"paid", len(successes), "failed", len(failures))
	return ReturnResult{Committed: true, Successes: successes, Failures: failures}, nil
}

// --- Bet transitions ---

// CreateBet persists a STAGED bet and, unless the bet is itself a fade
// leg, its mirrored fade leg hedging the counter-pool. Returns the bet
// ids created.
func (e *Engine) CreateBet(ctx context.Context, b *model.Bet) ([]string, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.Status = model.BetStaged
	b.Returned = model.Unsettled
	b.CreatedMillis = model.NowMillis()
	if err := e.store.PutBet(ctx, b); err != nil {
		return nil, fmt.Errorf("create bet: %w", err)
	}
	ids := []string{b.ID}

	if !b.Fade {
		fade := *b
		fade.ID = uuid.New().String()
		fade.Fade = true
		if err := e.store.PutBet(ctx, &fade); err != nil {
			return ids, fmt.Errorf("create fade leg: %w", err)
		}
		ids = append(ids, fade.ID)
	}
	slog.Info("bet created", "bet", b.ID, "fund", b.FundID, "game", b.GameID, "type", b.Type, "legs", len(ids))
	return ids, nil
}

// PlaceBet draws the stake from the fund and marks the bet LIVE.
func (e *Engine) PlaceBet(ctx context.Context, betID string) (ledger.Receipt, error) {
	b, err := e.store.GetBet(ctx, betID)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("place bet %s: %w", betID, err)
	}
	if b.Status != model.BetStaged {
		return ledger.Receipt{Reason: "bet is not staged"}, nil
	}
	return e.ledger.FundBet(ctx, b)
}

// DeleteBet removes a STAGED bet, e.g. when its game started before
// placement.
func (e *Engine) DeleteBet(ctx context.Context, betID string) (ledger.Receipt, error) {
	b, err := e.store.GetBet(ctx, betID)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("delete bet %s: %w", betID, err)
	}
	if b.Status != model.BetStaged {
		return ledger.Receipt{Reason: "only staged bets can be deleted"}, nil
	}
	if err := e.store.DeleteBet(ctx, betID); err != nil {
		return ledger.Receipt{}, fmt.Errorf("delete bet %s: %w", betID, err)
	}
	slog.Info("bet deleted", "bet", betID, "fund", b.FundID)
	return ledger.Receipt{Committed: true}, nil
}

// --- Settlement ---

// SettleReceipt reports a settlement outcome.
type SettleReceipt struct {
	Committed bool
	Reason    string
	Outcome   string // "win", "lose", "push"
	Amount    int64
}

// SettleBet settles a LIVE bet against its finished game, at most once.
// The bet transaction is the exactly-once gate: it refuses a second
// settlement, so the fund credit that follows can be retried safely.
func (e *Engine) SettleBet(ctx context.Context, betID string) (SettleReceipt, error) {
	b, err := e.store.GetBet(ctx, betID)
	if err != nil {
		return SettleReceipt{}, fmt.Errorf("settle bet %s: %w", betID, err)
	}
	if b.Settled() || b.Status != model.BetLive {
		return SettleReceipt{Reason: "bet is not live"}, nil
	}

	game, err := e.store.GetGame(ctx, b.GameLeague, b.GameID)
	if err != nil {
		return SettleReceipt{}, fmt.Errorf("settle bet %s game: %w", betID, err)
	}
	if !game.Terminal() {
		return SettleReceipt{Reason: "game is not final"}, nil
	}

	amount, ok := b.ResultAmount(game)
	if !ok {
		slog.Info("bet requires manual settlement", "bet", betID, "type", b.Type)
		return SettleReceipt{Reason: "bet cannot be auto-scored"}, nil
	}
	return e.applyResult(ctx, b, amount)
}

// SettleBetManual records an operator-supplied result for a bet that
// cannot be auto-scored (prop bets).
func (e *Engine) SettleBetManual(ctx context.Context, betID string, amount int64) (SettleReceipt, error) {
	b, err := e.store.GetBet(ctx, betID)
	if err != nil {
		return SettleReceipt{}, fmt.Errorf("settle bet %s: %w", betID, err)
	}
	if b.Settled() || b.Status != model.BetLive {
		return SettleReceipt{Reason: "bet is not live"}, nil
	}
	if amount < 0 {
		return SettleReceipt{Reason: "settlement amount must be non-negative"}, nil
	}
	return e.applyResult(ctx, b, amount)
}

func (e *Engine) applyResult(ctx context.Context, b *model.Bet, amount int64) (SettleReceipt, error) {
	res, err := e.store.TransactBet(ctx, b.ID, func(cur *model.Bet) (*model.Bet, bool) {
		if cur == nil || cur.Settled() || cur.Status != model.BetLive {
			return nil, false
		}
		cur.Returned = amount
		cur.Status = model.BetReturned
		cur.ReturnTimeMillis = model.NowMillis()
		return cur, true
	})
	if err != nil {
		return SettleReceipt{}, fmt.Errorf("settle bet %s: %w", b.ID, err)
	}
	if !res.Committed {
		return SettleReceipt{Reason: "bet already settled"}, nil
	}
	settled := res.Bet

	var outcome string
	switch {
	case amount == 0:
		outcome = "lose"
	case amount > settled.Wagered:
		outcome = "win"
	default:
		outcome = "push"
	}
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()

	fundRes, err := e.creditResult(ctx, settled, amount)
	if err != nil || !fundRes.Committed {
		slog.Error("fund result credit failed after bet settled; manual reconciliation required",
			"bet", settled.ID, "fund", settled.FundID, "amount", amount, "err", err)
		if err != nil {
			return SettleReceipt{}, fmt.Errorf("settle bet %s fund credit: %w", settled.ID, err)
		}
		return SettleReceipt{Committed: true, Outcome: outcome, Amount: amount}, nil
	}

	slog.Info("bet settled", "bet", settled.ID, "fund", settled.FundID,
		"outcome", outcome, "wagered", settled.Wagered, "returned", amount, "fade", settled.Fade)

	if !settled.Fade {
		e.ledger.Append(ctx, &model.Interaction{
			Type:         resultInteraction(outcome),
			Amount:       amount,
			FundID:       settled.FundID,
			FundBalance:  model.FormatUSD(fundRes.Fund.Balance),
			ManagerID:    settled.ManagerID,
			WagerID:      settled.ID,
			WagerSummary: settled.Summary(),
			WagerAmount:  settled.Wagered,
			GameID:       settled.GameID,
			GameLeague:   settled.GameLeague,
			Public:       true,
		})
	}

	e.maybeAutoReturn(fundRes.Fund)
	return SettleReceipt{Committed: true, Outcome: outcome, Amount: amount}, nil
}

// creditResult applies the settled amount to the side-appropriate pool.
// Retried on conflict since settlements contend on hot funds.
func (e *Engine) creditResult(ctx context.Context, b *model.Bet, amount int64) (store.FundResult, error) {
	var res store.FundResult
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		res, err = e.store.TransactFund(ctx, b.FundID, func(f *model.Fund) (*model.Fund, bool) {
			if f == nil {
				return nil, false
			}
			if b.Fade {
				f.CounterBalance += amount
				if f.FadeResults == nil {
					f.FadeResults = make(map[string]int64)
				}
				f.FadeResults[b.ID] = amount
			} else {
				f.Balance += amount
				if f.Results == nil {
					f.Results = make(map[string]int64)
				}
				f.Results[b.ID] = amount
			}
			return f, true
		})
		if !errors.Is(err, store.ErrConflict) {
			return res, err
		}
		metrics.TxnConflicts.WithLabelValues("fund").Inc()
	}
	metrics.TxnRetriesExhausted.WithLabelValues("fund").Inc()
	return res, err
}

// maybeAutoReturn triggers an automatic return once a pending fund has
// nothing left to settle and its pools are exhausted. Runs detached: the
// triggering settlement has already committed.
func (e *Engine) maybeAutoReturn(f *model.Fund) {
	if f.Status != model.FundPending || f.IsReturning || f.HasPendingBets() {
		return
	}
	if f.Balance != 0 || f.CounterBalance != 0 {
		return
	}
	go func() {
		if _, err := e.ReturnFund(context.Background(), f.ID); err != nil {
			slog.Error("auto return failed", "fund", f.ID, "err", err)
		}
	}()
}

func resultInteraction(outcome string) string {
	switch outcome {
	case "win":
		return model.InteractionResultWin
	case "push":
		return model.InteractionResultPush
	default:
		return model.InteractionResultLose
	}
}
