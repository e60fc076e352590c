package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func finalGame(home, away int64) *Game {
	return &Game{
		ID:         "g1",
		League:     "nba",
		Status:     GameComplete,
		HomeTeamID: "HOME",
		AwayTeamID: "AWAY",
		HomeScore:  home,
		AwayScore:  away,
	}
}

func TestResultAmount_Moneyline(t *testing.T) {
	tests := []struct {
		name       string
		team       string
		home, away int64
		want       int64
		ok         bool
	}{
		{"pick wins", "HOME", 110, 100, 1910, true},
		{"pick loses", "HOME", 100, 110, 0, true},
		{"tie pushes", "HOME", 100, 100, 1000, true},
		{"away pick wins", "AWAY", 100, 110, 1910, true},
		{"unknown team", "NEITHER", 110, 100, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Bet{Type: BetMoneyline, TeamID: tt.team, Wagered: 1000, Returning: d(1.91)}
			got, ok := b.ResultAmount(finalGame(tt.home, tt.away))
			if ok != tt.ok || got != tt.want {
				t.Errorf("ResultAmount = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResultAmount_Spread(t *testing.T) {
	tests := []struct {
		name       string
		line       float64
		home, away int64
		want       int64
		ok         bool
	}{
		{"covers", -5.5, 110, 100, 1910, true},
		{"fails to cover", -10.5, 110, 100, 0, true},
		{"lands on whole line", -10, 110, 100, 1000, true},
		{"underdog plus points wins", 7.5, 100, 105, 1910, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Bet{Type: BetSpread, TeamID: "HOME", Wagered: 1000, Returning: d(1.91), Line: d(tt.line)}
			got, ok := b.ResultAmount(finalGame(tt.home, tt.away))
			if ok != tt.ok || got != tt.want {
				t.Errorf("ResultAmount = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResultAmount_OverUnder(t *testing.T) {
	tests := []struct {
		name       string
		side       string
		line       float64
		home, away int64
		want       int64
		ok         bool
	}{
		{"over hits", "OVER", 210.5, 110, 105, 1910, true},
		{"over misses", "OVER", 220.5, 110, 105, 0, true},
		{"under hits", "UNDER", 220.5, 110, 105, 1910, true},
		{"total on line pushes", "OVER", 215, 110, 105, 1000, true},
		{"missing side", "", 210.5, 110, 105, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Bet{Type: BetOverUnder, OverUnder: tt.side, Wagered: 1000, Returning: d(1.91), Line: d(tt.line)}
			got, ok := b.ResultAmount(finalGame(tt.home, tt.away))
			if ok != tt.ok || got != tt.want {
				t.Errorf("ResultAmount = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResultAmount_PropNotAutoScorable(t *testing.T) {
	b := &Bet{Type: BetProp, Wagered: 1000, Returning: d(2.5)}
	if _, ok := b.ResultAmount(finalGame(110, 100)); ok {
		t.Error("prop bets must not auto-score")
	}
}

func TestWinAmountFloors(t *testing.T) {
	// 333 * 1.91 = 636.03 -> 636
	b := &Bet{Type: BetMoneyline, TeamID: "HOME", Wagered: 333, Returning: d(1.91)}
	got, ok := b.ResultAmount(finalGame(110, 100))
	if !ok || got != 636 {
		t.Errorf("ResultAmount = (%d, %v), want (636, true)", got, ok)
	}
}

func TestSettledAndRelativeResult(t *testing.T) {
	b := &Bet{Wagered: 1000, Returned: Unsettled}
	if b.Settled() {
		t.Error("unsettled bet reports settled")
	}
	if b.RelativeResultAmount() != 0 {
		t.Error("unsettled bet has non-zero relative result")
	}
	b.Returned = 1910
	if !b.Settled() || b.RelativeResultAmount() != 910 {
		t.Errorf("relative result = %d, want 910", b.RelativeResultAmount())
	}
	b.Returned = 0
	if b.RelativeResultAmount() != -1000 {
		t.Errorf("relative result = %d, want -1000", b.RelativeResultAmount())
	}
}
