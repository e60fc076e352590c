// Package store defines the persistence interface for the fund engine.
// The backing store is a document store offering single-aggregate
// optimistic-concurrency transactions — there is no cross-entity atomic
// transaction. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/betpool/fund-engine/internal/model"
)

// ErrNotFound is returned by Get* when the aggregate does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by Transact* when a concurrent writer modified
// the aggregate between the read and the commit. It is distinct from a
// business abort (Committed == false, nil error): conflicts may be
// retried, business aborts must not be.
var ErrConflict = errors.New("store: aggregate modified concurrently")

// Transaction functions receive the current value (nil if the aggregate
// is absent) and return either a new value to commit, or commit == false
// to abort without writing. Exactly one optimistic attempt is made per
// call; retry policy belongs to the caller.
type (
	UserTxn func(u *model.User) (*model.User, bool)
	FundTxn func(f *model.Fund) (*model.Fund, bool)
	BetTxn  func(b *model.Bet) (*model.Bet, bool)
	TxnTxn  func(t *model.Transaction) (*model.Transaction, bool)
)

// UserResult reports the outcome of a user transaction. User holds the
// committed value, or the value read at abort time.
type UserResult struct {
	Committed bool
	User      *model.User
}

// FundResult reports the outcome of a fund transaction.
type FundResult struct {
	Committed bool
	Fund      *model.Fund
}

// BetResult reports the outcome of a bet transaction.
type BetResult struct {
	Committed bool
	Bet       *model.Bet
}

// TxnRecordResult reports the outcome of a transaction-record update.
type TxnRecordResult struct {
	Committed bool
	Txn       *model.Transaction
}

// Unsubscribe cancels a change feed.
type Unsubscribe func()

// Store is the persistence interface. Updates to a single aggregate are
// strictly serialized by the optimistic-transaction primitive; there is
// no ordering guarantee across different aggregates.
type Store interface {
	// --- Users ---

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByPublicID(ctx context.Context, publicID string) (*model.User, error)
	PutUser(ctx context.Context, u *model.User) error
	TransactUser(ctx context.Context, id string, fn UserTxn) (UserResult, error)

	// GetUsersInFund returns every user holding an investment (long or
	// fade) in the fund.
	GetUsersInFund(ctx context.Context, fundID string) ([]model.User, error)

	// --- Managers ---

	GetManager(ctx context.Context, id string) (*model.Manager, error)
	PutManager(ctx context.Context, m *model.Manager) error

	// --- Funds ---

	GetFund(ctx context.Context, id string) (*model.Fund, error)
	PutFund(ctx context.Context, f *model.Fund) error
	DeleteFund(ctx context.Context, id string) error
	TransactFund(ctx context.Context, id string, fn FundTxn) (FundResult, error)

	// --- Bets ---

	GetBet(ctx context.Context, id string) (*model.Bet, error)
	PutBet(ctx context.Context, b *model.Bet) error
	DeleteBet(ctx context.Context, id string) error
	TransactBet(ctx context.Context, id string, fn BetTxn) (BetResult, error)
	GetFundBets(ctx context.Context, fundID string) ([]model.Bet, error)
	GetGameBets(ctx context.Context, gameID string) ([]model.Bet, error)
	GetManagerBets(ctx context.Context, managerID string) ([]model.Bet, error)

	// --- Games ---

	GetGame(ctx context.Context, league, gameID string) (*model.Game, error)
	PutGame(ctx context.Context, g *model.Game) error

	// --- Transactions (external money movements) ---

	TransactTransaction(ctx context.Context, id string, fn TxnTxn) (TxnRecordResult, error)
	GetUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- Checks ---

	PutCheck(ctx context.Context, c *model.Check) error
	DeleteCheck(ctx context.Context, id string) error

	// --- Immutable interaction log ---

	AppendInteraction(ctx context.Context, in *model.Interaction) error
	ListInteractions(ctx context.Context) ([]model.Interaction, error)

	// --- Change feeds ---
	//
	// Feeds replay every currently-matching aggregate on subscribe, then
	// deliver subsequent changes. Per-aggregate callback ordering is
	// preserved; nothing is implied across aggregates.

	WatchFundsByStatus(status string, fn func(*model.Fund)) Unsubscribe
	WatchBetsByStatus(status string, fn func(*model.Bet)) Unsubscribe
	WatchBetRemovals(fn func(*model.Bet)) Unsubscribe
	WatchGame(league, gameID string, fn func(*model.Game)) Unsubscribe
}
