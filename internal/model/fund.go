package model

import "github.com/shopspring/decimal"

// Fund is a pooled betting vehicle managed on behalf of its investors.
// Balance is the long-side pool; CounterBalance is the fade-side pool.
// Both are invariant >= 0 after every committed transition.
type Fund struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ManagerID  string `json:"managerId"`
	Status     string `json:"status"`
	League     string `json:"league"`
	Sport      string `json:"sport,omitempty"`
	Type       string `json:"type,omitempty"`
	IsTraining bool   `json:"isTraining,omitempty"`

	Balance           int64 `json:"balance"`
	CounterBalance    int64 `json:"counterBalance"`
	AmountWagered     int64 `json:"amountWagered"`
	FadeAmountWagered int64 `json:"fadeAmountWagered"`
	AmountReturned    int64 `json:"amountReturned"`
	FadeReturned      int64 `json:"fadeReturned"`

	PlayerCount     int64 `json:"playerCount"`
	FadePlayerCount int64 `json:"fadePlayerCount"`
	ReturnCount     int64 `json:"returnCount"`
	FadeReturnCount int64 `json:"fadeReturnCount"`

	MaxBalance    int64 `json:"maxBalance"`
	MinInvestment int64 `json:"minInvestment"`
	MaxInvestment int64 `json:"maxInvestment"`

	PercentFee         int64 `json:"percentFee,omitempty"`
	PctOfFeeCommission int64 `json:"pctOfFeeCommission,omitempty"`

	// Wagers/FadeWagers hold stakes currently drawn from each pool,
	// keyed by bet id; Results/FadeResults hold the settled amounts.
	Wagers      map[string]int64 `json:"wagers,omitempty"`
	FadeWagers  map[string]int64 `json:"fadeWagers,omitempty"`
	Results     map[string]int64 `json:"results,omitempty"`
	FadeResults map[string]int64 `json:"fadeResults,omitempty"`

	// Games tracks the fund's exposure: gameId -> league.
	Games map[string]string `json:"games,omitempty"`

	OpenTimeMillis   int64 `json:"openTimeMillis"`
	ClosingTime      int64 `json:"closingTime"` // unix seconds
	ClosedTimeMillis int64 `json:"closedTimeMillis,omitempty"`
	ReturnTimeMillis int64 `json:"returnTimeMillis,omitempty"`
	CreatedMillis    int64 `json:"createdTimeMillis,omitempty"`

	// IsReturning guards against a concurrent double-return while the
	// per-user payout fan-out is in flight.
	IsReturning bool `json:"isReturning,omitempty"`
}

// HasPendingBets reports whether any live stake on either side is still
// awaiting a settlement result.
func (f *Fund) HasPendingBets() bool {
	for betID := range f.Wagers {
		if _, ok := f.Results[betID]; !ok {
			return true
		}
	}
	for betID := range f.FadeWagers {
		if _, ok := f.FadeResults[betID]; !ok {
			return true
		}
	}
	return false
}

// UserReturn computes a participant's pro-rata payout from a point-in-time
// snapshot of the fund. The investment's sign selects the pool: positive
// draws from the long pool, negative from the fade counter-pool. The
// returned amount is always non-negative; fade reports which pool it
// belongs to.
func (f *Fund) UserReturn(investment int64) (amount int64, fade bool) {
	if investment == 0 {
		return 0, false
	}
	if investment > 0 {
		if f.AmountWagered <= 0 || f.Balance <= 0 {
			return 0, false
		}
		return prorata(investment, f.AmountWagered, f.Balance), false
	}
	if f.FadeAmountWagered <= 0 || f.CounterBalance <= 0 {
		return 0, true
	}
	return prorata(-investment, f.FadeAmountWagered, f.CounterBalance), true
}

// prorata is floor(stake * balance / pool). The product comes first so
// an exact quotient is not truncated by decimal division precision; a
// fund returned with no bets settled must pay every stake back whole.
func prorata(stake, pool, balance int64) int64 {
	return decimal.NewFromInt(stake).
		Mul(decimal.NewFromInt(balance)).
		Div(decimal.NewFromInt(pool)).
		Floor().
		IntPart()
}

// ProfitAmount is the fund's realized long-side profit after return.
func (f *Fund) ProfitAmount() int64 {
	return f.AmountReturned - f.AmountWagered
}

// ReturnsComplete reports whether every participant on both sides has a
// recorded payout, at which point the fund may transition to RETURNED.
func (f *Fund) ReturnsComplete() bool {
	return f.ReturnCount == f.PlayerCount && f.FadeReturnCount == f.FadePlayerCount
}
