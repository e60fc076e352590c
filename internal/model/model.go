// Package model defines the aggregate types shared across the fund engine.
// Balances and stakes are int64 minor-currency units (cents); multiplier
// and fraction arithmetic uses shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"
)

// Fund lifecycle statuses. Status only advances forward, never backward.
const (
	FundStaged   = "STAGED"
	FundOpen     = "OPEN"
	FundPending  = "PENDING"
	FundReturned = "RETURNED"
)

// Bet lifecycle statuses.
const (
	BetStaged   = "STAGED"
	BetLive     = "LIVE"
	BetReturned = "RETURNED"
)

// Bet types. Prop bets cannot be auto-scored and require manual settlement.
const (
	BetMoneyline = "MONEYLINE"
	BetSpread    = "SPREAD"
	BetOverUnder = "OVER_UNDER"
	BetProp      = "PROP"
)

// Unsettled is the sentinel value of Bet.Returned before settlement.
const Unsettled int64 = -1

// Game statuses as delivered by the results feed. A game is terminal once
// it is complete or closed.
const (
	GameScheduled  = "scheduled"
	GameInProgress = "inprogress"
	GameComplete   = "complete"
	GameClosed     = "closed"
)

// Preferences holds a user's notification opt-ins.
type Preferences struct {
	ReceiveBetEmail    bool `json:"receiveBetEmail"`
	ReceiveReturnEmail bool `json:"receiveReturnEmail"`
}

// User is an identity plus wallet. Balance never drops below zero;
// Investments and Returns are keyed by fund id. An investment is signed:
// positive is a long position, negative is a fade (contrarian) position.
// Returns enforces at-most-one payout per fund.
type User struct {
	ID             string           `json:"id"`
	PublicID       string           `json:"publicId"`
	Name           string           `json:"name"`
	Email          string           `json:"email,omitempty"`
	Balance        int64            `json:"balance"`
	AmountHold     int64            `json:"amountHold,omitempty"`
	Investments    map[string]int64 `json:"investments,omitempty"`
	Returns        map[string]int64 `json:"returns,omitempty"`
	ManagerID      string           `json:"managerId,omitempty"`
	Approved       bool             `json:"approved"`
	DocumentStatus string           `json:"documentStatus,omitempty"`
	Preferences    Preferences      `json:"preferences"`
	JoinTimeMillis int64            `json:"joinTimeMillis,omitempty"`
}

// Manager is the public profile of a fund manager.
type Manager struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	Company        string `json:"company,omitempty"`
	IsTraining     bool   `json:"isTraining,omitempty"`
	JoinTimeMillis int64  `json:"joinTimeMillis,omitempty"`
}

// Game is a scored sporting event referenced by bets.
type Game struct {
	ID                string `json:"id"`
	League            string `json:"league"`
	Status            string `json:"status"`
	ScheduledTimeUnix int64  `json:"scheduledTimeUnix"` // millis
	CompletedTime     int64  `json:"completedTimeMillis,omitempty"`
	HomeTeamID        string `json:"homeTeamId"`
	AwayTeamID        string `json:"awayTeamId"`
	HomeScore         int64  `json:"homeScore"`
	AwayScore         int64  `json:"awayScore"`
	Description       string `json:"description,omitempty"`
}

// Terminal reports whether the game has finished scoring.
func (g *Game) Terminal() bool {
	return g.Status == GameComplete || g.Status == GameClosed
}

// Transaction kinds and statuses. Transactions are the audit records of
// external money movements; status updates are idempotent (a duplicate
// status transition aborts).
const (
	TxnDeposit  = "DEPOSIT"
	TxnWithdraw = "WITHDRAW"

	TxnPending  = "PENDING"
	TxnComplete = "COMPLETE"
	TxnFail     = "FAIL"
)

// Transaction records an external money movement for one user.
type Transaction struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	CheckID       string `json:"checkId,omitempty"`
	CheckNumber   int64  `json:"checkNumber,omitempty"`
	CreatedMillis int64  `json:"createdTimeMillis,omitempty"`
	UpdatedMillis int64  `json:"updatedTimeMillis,omitempty"`
}

// Check is the persisted record of an issued withdrawal check.
type Check struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	Number        int64  `json:"number"`
	Amount        int64  `json:"amount"`
	CreatedMillis int64  `json:"createdTimeMillis,omitempty"`
}

// Interaction types.
const (
	InteractionDeposit      = "Deposit"
	InteractionWithdrawal   = "Withdrawal"
	InteractionWager        = "Wager"
	InteractionWagerAgainst = "Wager Against"
	InteractionBet          = "Bet"
	InteractionReturn       = "Return"
	InteractionResultWin    = "Result Win"
	InteractionResultLose   = "Result Lose"
	InteractionResultPush   = "Result Push"

	InteractionDocVerified = "Document Verified"
	InteractionDocFail     = "Document Fail"
)

// Document verification statuses.
const (
	DocVerified = "VERIFIED"
	DocFailed   = "FAIL"
)

// Interaction is an append-only ledger event used for the audit trail and
// the UI feed. Never mutated after creation.
type Interaction struct {
	ID                 string `json:"id,omitempty"`
	Time               int64  `json:"time"`
	Type               string `json:"type"`
	Amount             int64  `json:"amount,omitempty"`
	UserID             string `json:"userId,omitempty"`
	UserName           string `json:"userName,omitempty"`
	UserBalance        string `json:"userBalance,omitempty"`
	FundID             string `json:"fundId,omitempty"`
	FundName           string `json:"fundName,omitempty"`
	FundBalance        string `json:"fundBalance,omitempty"`
	FundCounterBalance string `json:"fundCounterBalance,omitempty"`
	ManagerID          string `json:"managerId,omitempty"`
	WagerID            string `json:"wagerId,omitempty"`
	WagerSummary       string `json:"wagerSummary,omitempty"`
	WagerAmount        int64  `json:"wagerAmount,omitempty"`
	GameID             string `json:"gameId,omitempty"`
	GameLeague         string `json:"gameLeague,omitempty"`
	Public             bool   `json:"public,omitempty"`
}

// FormatUSD renders cents as a display currency string for interactions.
func FormatUSD(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// NowMillis is the timestamp format used on every aggregate.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
