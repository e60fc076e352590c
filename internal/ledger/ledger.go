// Package ledger implements the money-movement operations of the fund
// engine: user wagers, fund-side bet stakes, pro-rata return credits,
// deposits, and withdrawal debits.
//
// Every operation is a saga of single-aggregate optimistic transactions.
// There is no cross-aggregate atomicity: the step with contention risk
// (usually the shared fund aggregate) is retried on conflict, and a step
// that never commits leaves the preceding steps applied. That partial
// state is logged for operator attention, never silently dropped.
//
// All monetary values are int64 cents; multiplier and fraction math uses
// shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/betpool/fund-engine/internal/metrics"
	"github.com/betpool/fund-engine/internal/model"
	"github.com/betpool/fund-engine/internal/store"
)

// Sink receives every appended interaction for live broadcast.
// Pass nil if broadcasting is not needed.
type Sink interface {
	Publish(in *model.Interaction)
}

// RetryPolicy bounds conflict retries on the contended step of a saga.
// Retries are immediate with a fresh read each attempt; a business abort
// is never retried.
type RetryPolicy struct {
	MaxAttempts int
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 5
	}
	return p.MaxAttempts
}

// Receipt reports the outcome of a ledger operation. Reason is set when
// the operation did not commit and is safe to present to the caller.
type Receipt struct {
	Committed bool
	Reason    string
}

func abortReceipt(reason string) Receipt { return Receipt{Reason: reason} }

// Ledger executes money movements against the store.
type Ledger struct {
	store store.Store
	retry RetryPolicy
	sink  Sink
}

// New creates a ledger with the default retry policy.
func New(st store.Store, sink Sink) *Ledger {
	return &Ledger{store: st, retry: RetryPolicy{MaxAttempts: 5}, sink: sink}
}

// NewWithRetry creates a ledger with an explicit retry policy.
func NewWithRetry(st store.Store, sink Sink, retry RetryPolicy) *Ledger {
	return &Ledger{store: st, retry: retry, sink: sink}
}

// --- Conflict-retry plumbing ---

func (l *Ledger) transactFund(ctx context.Context, id string, fn store.FundTxn) (store.FundResult, error) {
	var res store.FundResult
	var err error
	for attempt := 1; attempt <= l.retry.attempts(); attempt++ {
		res, err = l.store.TransactFund(ctx, id, fn)
		if !errors.Is(err, store.ErrConflict) {
			return res, err
		}
		metrics.TxnConflicts.WithLabelValues("fund").Inc()
	}
	metrics.TxnRetriesExhausted.WithLabelValues("fund").Inc()
	return res, err
}

func (l *Ledger) transactUser(ctx context.Context, id string, fn store.UserTxn) (store.UserResult, error) {
	var res store.UserResult
	var err error
	for attempt := 1; attempt <= l.retry.attempts(); attempt++ {
		res, err = l.store.TransactUser(ctx, id, fn)
		if !errors.Is(err, store.ErrConflict) {
			return res, err
		}
		metrics.TxnConflicts.WithLabelValues("user").Inc()
	}
	metrics.TxnRetriesExhausted.WithLabelValues("user").Inc()
	return res, err
}

// Append records an interaction and broadcasts it to the sink. Append
// failures are logged, never propagated: the audit trail is best-effort
// relative to the committed money movement it describes.
func (l *Ledger) Append(ctx context.Context, in *model.Interaction) {
	l.appendInteraction(ctx, in)
}

func (l *Ledger) appendInteraction(ctx context.Context, in *model.Interaction) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.Time == 0 {
		in.Time = model.NowMillis()
	}
	if err := l.store.AppendInteraction(ctx, in); err != nil {
		slog.Error("interaction append failed", "type", in.Type, "user", in.UserID, "fund", in.FundID, "err", err)
		return
	}
	if l.sink != nil {
		l.sink.Publish(in)
	}
}

// --- User wager ---

// UserWager places a wager of amount cents by userID on fundID. fade
// routes the stake to the contrarian counter-pool.
//
// Two phases: (1) debit the user and record the signed investment, (2)
// credit the fund's side-appropriate pool. Phase 2 is retried on
// conflict; if it never commits the user stays debited and the gap is
// logged for reconciliation.
func (l *Ledger) UserWager(ctx context.Context, userID, fundID string, amount int64, fade bool) (Receipt, error) {
	if amount <= 0 {
		return abortReceipt("wager amount must be positive"), nil
	}

	fund, err := l.store.GetFund(ctx, fundID)
	if err != nil {
		return Receipt{}, fmt.Errorf("load fund: %w", err)
	}
	if fund.Status != model.FundOpen {
		return abortReceipt("fund is not open for wagers"), nil
	}
	if fund.MinInvestment > 0 && amount < fund.MinInvestment {
		return abortReceipt(fmt.Sprintf("minimum investment is %s", model.FormatUSD(fund.MinInvestment))), nil
	}
	if fund.MaxInvestment > 0 && amount > fund.MaxInvestment {
		return abortReceipt(fmt.Sprintf("maximum investment is %s", model.FormatUSD(fund.MaxInvestment))), nil
	}
	if !fade && fund.MaxBalance > 0 && fund.Balance+amount > fund.MaxBalance {
		return abortReceipt("fund is at capacity"), nil
	}

	signed := amount
	if fade {
		signed = -amount
	}

	// Phase 1: user debit. First wager in this fund gates the fund-side
	// player count.
	var firstWager bool
	var userName string
	var userBalance int64
	userRes, err := l.transactUser(ctx, userID, func(u *model.User) (*model.User, bool) {
		if u == nil {
			return nil, false
		}
		if u.Balance < amount {
			return nil, false
		}
		u.Balance -= amount
		if u.Investments == nil {
			u.Investments = make(map[string]int64)
		}
		_, held := u.Investments[fundID]
		firstWager = !held
		u.Investments[fundID] += signed
		userName = u.Name
		userBalance = u.Balance
		return u, true
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("user debit: %w", err)
	}
	if !userRes.Committed {
		slog.Info("wager rejected", "user", userID, "fund", fundID, "amount", amount)
		return abortReceipt("insufficient balance"), nil
	}

	// Phase 2: fund credit, retried on contention.
	var poolBalance, counterBalance int64
	fundRes, err := l.transactFund(ctx, fundID, func(f *model.Fund) (*model.Fund, bool) {
		if f == nil || f.Status != model.FundOpen {
			return nil, false
		}
		if fade {
			f.CounterBalance += amount
			f.FadeAmountWagered += amount
			if firstWager {
				f.FadePlayerCount++
			}
		} else {
			f.Balance += amount
			f.AmountWagered += amount
			if firstWager {
				f.PlayerCount++
			}
		}
		poolBalance = f.Balance
		counterBalance = f.CounterBalance
		return f, true
	})
	if err != nil || !fundRes.Committed {
		slog.Error("fund credit failed after user debit; manual reconciliation required",
			"user", userID, "fund", fundID, "amount", amount, "fade", fade, "err", err)
		if err != nil {
			return Receipt{}, fmt.Errorf("fund credit: %w", err)
		}
		return abortReceipt("fund could not accept the wager"), nil
	}

	side, interactionType := "long", model.InteractionWager
	if fade {
		side, interactionType = "fade", model.InteractionWagerAgainst
	}
	metrics.WagersTotal.WithLabelValues(side).Inc()
	metrics.WagerVolume.WithLabelValues(side).Add(float64(amount))

	slog.Info("wager committed",
		"user", userID,
		"fund", fundID,
		"amount", amount,
		"side", side,
		"first_wager", firstWager,
	)

	l.appendInteraction(ctx, &model.Interaction{
		Type:               interactionType,
		Amount:             amount,
		UserID:             userID,
		UserName:           userName,
		UserBalance:        model.FormatUSD(userBalance),
		FundID:             fundID,
		FundName:           fund.Name,
		FundBalance:        model.FormatUSD(poolBalance),
		FundCounterBalance: model.FormatUSD(counterBalance),
		ManagerID:          fund.ManagerID,
		Public:             true,
	})
	return Receipt{Committed: true}, nil
}

// --- Fund bet stake ---

// FundBet draws bet's stake from the side-appropriate pool and marks the
// bet LIVE. The stake is bet.Wagered when set, otherwise resolved from
// PctOfFund against the side's running amountWagered and frozen. The
// interaction is logged only for the non-fade leg; fade legs are the
// mirrored internal hedge.
func (l *Ledger) FundBet(ctx context.Context, bet *model.Bet) (Receipt, error) {
	var stake int64
	fundRes, err := l.transactFund(ctx, bet.FundID, func(f *model.Fund) (*model.Fund, bool) {
		if f == nil {
			return nil, false
		}
		stake = bet.Wagered
		if stake == 0 && bet.PctOfFund > 0 {
			pool := f.AmountWagered
			if bet.Fade {
				pool = f.FadeAmountWagered
			}
			stake = pctOf(bet.PctOfFund, pool)
		}
		if stake <= 0 {
			return nil, false
		}
		if bet.Fade {
			if f.CounterBalance < stake {
				return nil, false
			}
			f.CounterBalance -= stake
			if f.FadeWagers == nil {
				f.FadeWagers = make(map[string]int64)
			}
			f.FadeWagers[bet.ID] = stake
		} else {
			if f.Balance < stake {
				return nil, false
			}
			f.Balance -= stake
			if f.Wagers == nil {
				f.Wagers = make(map[string]int64)
			}
			f.Wagers[bet.ID] = stake
		}
		if f.Games == nil {
			f.Games = make(map[string]string)
		}
		f.Games[bet.GameID] = bet.GameLeague
		return f, true
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("fund stake: %w", err)
	}
	if !fundRes.Committed {
		slog.Info("bet placement aborted", "bet", bet.ID, "fund", bet.FundID, "fade", bet.Fade)
		return abortReceipt("fund could not cover the stake"), nil
	}

	betRes, err := l.store.TransactBet(ctx, bet.ID, func(b *model.Bet) (*model.Bet, bool) {
		if b == nil || b.Status != model.BetStaged {
			return nil, false
		}
		b.Status = model.BetLive
		b.Wagered = stake
		b.LiveTimeMillis = model.NowMillis()
		return b, true
	})
	if err != nil || !betRes.Committed {
		slog.Error("bet live transition failed after fund stake; manual reconciliation required",
			"bet", bet.ID, "fund", bet.FundID, "stake", stake, "err", err)
		if err != nil {
			return Receipt{}, fmt.Errorf("bet transition: %w", err)
		}
		return abortReceipt("bet is no longer placeable"), nil
	}

	slog.Info("bet placed", "bet", bet.ID, "fund", bet.FundID, "stake", stake, "fade", bet.Fade)

	if !bet.Fade {
		l.appendInteraction(ctx, &model.Interaction{
			Type:         model.InteractionBet,
			Amount:       stake,
			FundID:       bet.FundID,
			FundBalance:  model.FormatUSD(fundRes.Fund.Balance),
			ManagerID:    bet.ManagerID,
			WagerID:      bet.ID,
			WagerSummary: betRes.Bet.Summary(),
			WagerAmount:  stake,
			GameID:       bet.GameID,
			GameLeague:   bet.GameLeague,
			Public:       true,
		})
	}
	return Receipt{Committed: true}, nil
}

// pctOf is floor(pct/100 * pool).
func pctOf(pct, pool int64) int64 {
	return pct * pool / 100
}

// --- Pro-rata return credit ---

// PayoutReceipt reports a committed per-user return.
type PayoutReceipt struct {
	Committed bool
	Amount    int64
	Fade      bool
}

// UserReturn credits userID's pro-rata payout from snapshot, a
// point-in-time copy of the fund taken before the payout fan-out. The
// user-side credit is guarded by the per-fund returns record, so a
// repeated call never pays twice. The fund-side counters advance in a
// second transaction, and the fund transitions to RETURNED once both
// sides' counts match their participant counts.
func (l *Ledger) UserReturn(ctx context.Context, snapshot *model.Fund, userID string) (PayoutReceipt, error) {
	var amount int64
	var fade bool
	var userName string
	var userBalance int64
	userRes, err := l.transactUser(ctx, userID, func(u *model.User) (*model.User, bool) {
		if u == nil {
			return nil, false
		}
		if _, paid := u.Returns[snapshot.ID]; paid {
			return nil, false
		}
		amount, fade = snapshot.UserReturn(u.Investments[snapshot.ID])
		u.Balance += amount
		if u.Returns == nil {
			u.Returns = make(map[string]int64)
		}
		u.Returns[snapshot.ID] = amount
		userName = u.Name
		userBalance = u.Balance
		return u, true
	})
	if err != nil {
		return PayoutReceipt{}, fmt.Errorf("return credit: %w", err)
	}
	if !userRes.Committed {
		slog.Info("return already recorded", "user", userID, "fund", snapshot.ID)
		return PayoutReceipt{}, nil
	}

	// Fund-side counters. Side routing follows the investment's sign: a
	// zero long-side payout still counts toward returnCount.
	fundRes, err := l.transactFund(ctx, snapshot.ID, func(f *model.Fund) (*model.Fund, bool) {
		if f == nil {
			return nil, false
		}
		if fade {
			f.FadeReturned += amount
			f.FadeReturnCount++
		} else {
			f.AmountReturned += amount
			f.ReturnCount++
		}
		if f.Status == model.FundPending && f.ReturnsComplete() {
			f.Status = model.FundReturned
			f.IsReturning = false
			f.ReturnTimeMillis = model.NowMillis()
		}
		return f, true
	})
	if err != nil || !fundRes.Committed {
		slog.Error("return counters failed after user credit; manual reconciliation required",
			"user", userID, "fund", snapshot.ID, "amount", amount, "err", err)
		if err != nil {
			return PayoutReceipt{}, fmt.Errorf("return counters: %w", err)
		}
	} else if fundRes.Fund.Status == model.FundReturned {
		metrics.FundTransitions.WithLabelValues(model.FundReturned).Inc()
		slog.Info("fund returned", "fund", snapshot.ID,
			"returned", fundRes.Fund.AmountReturned, "fade_returned", fundRes.Fund.FadeReturned)
	}

	side := "long"
	if fade {
		side = "fade"
	}
	metrics.PayoutsTotal.WithLabelValues(side).Inc()
	metrics.PayoutVolume.WithLabelValues(side).Add(float64(amount))

	l.appendInteraction(ctx, &model.Interaction{
		Type:        model.InteractionReturn,
		Amount:      amount,
		UserID:      userID,
		UserName:    userName,
		UserBalance: model.FormatUSD(userBalance),
		FundID:      snapshot.ID,
		FundName:    snapshot.Name,
		ManagerID:   snapshot.ManagerID,
		Public:      true,
	})
	return PayoutReceipt{Committed: true, Amount: amount, Fade: fade}, nil
}

// --- External money movements ---

// Deposit credits amount cents to userID's balance.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount int64) (Receipt, error) {
	if amount <= 0 {
		return abortReceipt("deposit amount must be positive"), nil
	}
	var userName string
	var userBalance int64
	res, err := l.transactUser(ctx, userID, func(u *model.User) (*model.User, bool) {
		if u == nil {
			return nil, false
		}
		u.Balance += amount
		userName = u.Name
		userBalance = u.Balance
		return u, true
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("deposit credit: %w", err)
	}
	if !res.Committed {
		return abortReceipt("unknown user"), nil
	}

	slog.Info("deposit committed", "user", userID, "amount", amount)
	l.appendInteraction(ctx, &model.Interaction{
		Type:        model.InteractionDeposit,
		Amount:      amount,
		UserID:      userID,
		UserName:    userName,
		UserBalance: model.FormatUSD(userBalance),
	})
	return Receipt{Committed: true}, nil
}

// WithdrawDebit removes amount cents from userID's balance and places it
// on hold until the check clears. Aborts when the balance cannot cover
// the amount, so callers holding an already-issued check must compensate.
func (l *Ledger) WithdrawDebit(ctx context.Context, userID string, amount int64) (Receipt, error) {
	if amount <= 0 {
		return abortReceipt("withdrawal amount must be positive"), nil
	}
	var userName string
	var userBalance int64
	res, err := l.transactUser(ctx, userID, func(u *model.User) (*model.User, bool) {
		if u == nil {
			return nil, false
		}
		if u.Balance < amount {
			return nil, false
		}
		u.Balance -= amount
		u.AmountHold += amount
		userName = u.Name
		userBalance = u.Balance
		return u, true
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("withdraw debit: %w", err)
	}
	if !res.Committed {
		return abortReceipt("insufficient balance"), nil
	}

	slog.Info("withdrawal debited", "user", userID, "amount", amount)
	l.appendInteraction(ctx, &model.Interaction{
		Type:        model.InteractionWithdrawal,
		Amount:      amount,
		UserID:      userID,
		UserName:    userName,
		UserBalance: model.FormatUSD(userBalance),
	})
	return Receipt{Committed: true}, nil
}

// ReleaseHold clears amount from userID's hold after the check clears or
// restores the balance when the withdrawal failed downstream.
func (l *Ledger) ReleaseHold(ctx context.Context, userID string, amount int64, restore bool) error {
	res, err := l.transactUser(ctx, userID, func(u *model.User) (*model.User, bool) {
		if u == nil {
			return nil, false
		}
		if u.AmountHold < amount {
			return nil, false
		}
		u.AmountHold -= amount
		if restore {
			u.Balance += amount
		}
		return u, true
	})
	if err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	if !res.Committed {
		return fmt.Errorf("release hold: no matching hold for user %s", userID)
	}
	return nil
}
