package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Bet is a single staked proposition placed against a fund. Once LIVE it
// is immutable except for Returned/Status, which settlement sets exactly
// once. Fade bets draw from the fund's counter-pool and mirror the
// manager's pick.
type Bet struct {
	ID         string `json:"id"`
	FundID     string `json:"fundId"`
	ManagerID  string `json:"managerId"`
	GameID     string `json:"gameId"`
	GameLeague string `json:"gameLeague"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Fade       bool   `json:"fade,omitempty"`

	// PctOfFund sizes the stake as a percentage of the side-appropriate
	// amountWagered when Wagered is not set explicitly. Wagered is
	// resolved once at placement (or close-time backfill) and frozen.
	PctOfFund int64 `json:"pctOfFund,omitempty"`
	Wagered   int64 `json:"wagered"`

	// Returned is Unsettled (-1) until settlement writes it exactly once.
	Returned int64 `json:"returned"`

	// Returning is the payout multiplier from the odds, stake included
	// (e.g. 1.91 for -110).
	Returning decimal.Decimal `json:"returning"`

	// TeamID is the picked side for MONEYLINE/SPREAD. Line is the spread
	// handicap (signed, applied to the pick) or the OVER_UNDER total.
	TeamID    string          `json:"teamId,omitempty"`
	Line      decimal.Decimal `json:"line"`
	OverUnder string          `json:"overUnder,omitempty"` // "OVER" | "UNDER"

	CreatedMillis    int64 `json:"createdTimeMillis,omitempty"`
	LiveTimeMillis   int64 `json:"liveTimeMillis,omitempty"`
	ReturnTimeMillis int64 `json:"returnTimeMillis,omitempty"`
}

// Settled reports whether a settlement amount has been recorded.
func (b *Bet) Settled() bool {
	return b.Returned != Unsettled
}

// winAmount is floor(wagered * returning).
func (b *Bet) winAmount() int64 {
	return decimal.NewFromInt(b.Wagered).Mul(b.Returning).Floor().IntPart()
}

// ResultAmount computes the settlement amount for this bet given the
// final game. It is a pure function of stake, odds, and outcome: a win
// pays floor(wagered * returning), a push refunds the stake, a loss pays
// zero. ok is false when the bet cannot be auto-scored (prop bets,
// unknown pick) and must be settled manually.
func (b *Bet) ResultAmount(game *Game) (amount int64, ok bool) {
	switch b.Type {
	case BetMoneyline:
		pick, opp, known := b.pickScores(game)
		if !known {
			return 0, false
		}
		switch {
		case pick > opp:
			return b.winAmount(), true
		case pick == opp:
			return b.Wagered, true
		default:
			return 0, true
		}
	case BetSpread:
		pick, opp, known := b.pickScores(game)
		if !known {
			return 0, false
		}
		adjusted := decimal.NewFromInt(pick).Add(b.Line)
		oppDec := decimal.NewFromInt(opp)
		switch {
		case adjusted.GreaterThan(oppDec):
			return b.winAmount(), true
		case adjusted.Equal(oppDec):
			return b.Wagered, true
		default:
			return 0, true
		}
	case BetOverUnder:
		if b.OverUnder != "OVER" && b.OverUnder != "UNDER" {
			return 0, false
		}
		total := decimal.NewFromInt(game.HomeScore + game.AwayScore)
		if total.Equal(b.Line) {
			return b.Wagered, true
		}
		over := total.GreaterThan(b.Line)
		if over == (b.OverUnder == "OVER") {
			return b.winAmount(), true
		}
		return 0, true
	default:
		return 0, false
	}
}

// pickScores resolves the picked team's score and its opponent's.
func (b *Bet) pickScores(game *Game) (pick, opp int64, known bool) {
	switch b.TeamID {
	case game.HomeTeamID:
		return game.HomeScore, game.AwayScore, true
	case game.AwayTeamID:
		return game.AwayScore, game.HomeScore, true
	}
	return 0, 0, false
}

// RelativeResultAmount is the profit or loss relative to the stake.
func (b *Bet) RelativeResultAmount() int64 {
	if !b.Settled() {
		return 0
	}
	return b.Returned - b.Wagered
}

// Summary is a short human-readable description used on interactions.
func (b *Bet) Summary() string {
	switch b.Type {
	case BetOverUnder:
		return fmt.Sprintf("%s %s %s %s", b.GameLeague, b.GameID, b.OverUnder, b.Line)
	case BetSpread:
		return fmt.Sprintf("%s %s %s %s", b.GameLeague, b.TeamID, "spread", b.Line)
	default:
		return fmt.Sprintf("%s %s %s", b.GameLeague, b.TeamID, b.Type)
	}
}
