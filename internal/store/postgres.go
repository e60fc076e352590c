package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/betpool/fund-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Each collection is a table of JSONB documents with a version column;
// Transact* performs exactly one compare-and-swap against the version
// read, which gives the single-aggregate optimistic-concurrency
// primitive. Change feeds ride on LISTEN/NOTIFY.
type PostgresStore struct {
	pool    *pgxpool.Pool
	watches *watchHub
}

const notifyChannel = "aggregate_events"

// NewPostgresStore creates a new PostgreSQL-backed store and starts its
// notification listener. The caller owns the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, watches: newWatchHub()}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	go s.listen(ctx)
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        JSONB NOT NULL,
			version    BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS documents_fund_idx
			ON documents ((doc->>'fundId')) WHERE collection = 'wagers';
		CREATE INDEX IF NOT EXISTS documents_user_idx
			ON documents ((doc->>'userId'));
		CREATE TABLE IF NOT EXISTS interactions (
			seq BIGSERIAL PRIMARY KEY,
			doc JSONB NOT NULL
		);`)
	return err
}

// --- Generic document plumbing ---

func pgGet[T any](ctx context.Context, s *PostgresStore, col, id string) (*T, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND id = $2`, col, id).
		Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", col, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", col, id, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", col, id, err)
	}
	return &v, nil
}

func pgPut[T any](ctx context.Context, s *PostgresStore, col, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, doc, version) VALUES ($1, $2, $3, 0)
		 ON CONFLICT (collection, id)
		 DO UPDATE SET doc = EXCLUDED.doc, version = documents.version + 1`,
		col, id, data)
	if err != nil {
		return fmt.Errorf("put %s %s: %w", col, id, err)
	}
	return s.notify(ctx, col, id, false)
}

func pgDelete(ctx context.Context, s *PostgresStore, col, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, col, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", col, id, err)
	}
	if tag.RowsAffected() > 0 {
		return s.notify(ctx, col, id, true)
	}
	return nil
}

func pgQuery[T any](ctx context.Context, s *PostgresStore, col, where string, args ...any) ([]T, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM documents WHERE collection = '`+col+`' AND `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// pgTransact is a single optimistic attempt: read the document and its
// version, apply fn, then commit with WHERE version = read. Zero rows
// affected means a concurrent writer intervened.
func pgTransact[T any](ctx context.Context, s *PostgresStore, col, id string, fn func(*T) (*T, bool)) (bool, *T, error) {
	var raw []byte
	var version int64
	existed := true
	err := s.pool.QueryRow(ctx,
		`SELECT doc, version FROM documents WHERE collection = $1 AND id = $2`, col, id).
		Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		existed = false
	} else if err != nil {
		return false, nil, fmt.Errorf("read %s %s: %w", col, id, err)
	}

	var cur *T
	if existed {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return false, nil, fmt.Errorf("decode %s %s: %w", col, id, err)
		}
		cur = &v
	}

	next, commit := fn(cur)
	if !commit {
		return false, cur, nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, nil, err
	}

	var commitSQL string
	var args []any
	if existed {
		commitSQL = `UPDATE documents SET doc = $4, version = version + 1
			 WHERE collection = $1 AND id = $2 AND version = $3`
		args = []any{col, id, version, data}
	} else {
		commitSQL = `INSERT INTO documents (collection, id, doc, version) VALUES ($1, $2, $3, 0)
			 ON CONFLICT DO NOTHING`
		args = []any{col, id, data}
	}
	tag, err := s.pool.Exec(ctx, commitSQL, args...)
	if err != nil {
		return false, nil, fmt.Errorf("commit %s %s: %w", col, id, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil, ErrConflict
	}
	if err := s.notify(ctx, col, id, false); err != nil {
		slog.Error("notify after commit failed", "collection", col, "id", id, "err", err)
	}
	return true, next, nil
}

type notifyPayload struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Removed    bool   `json:"removed,omitempty"`
}

func (s *PostgresStore) notify(ctx context.Context, col, id string, removed bool) error {
	payload, _ := json.Marshal(notifyPayload{Collection: col, ID: id, Removed: removed})
	_, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

// listen holds a dedicated connection and dispatches notifications to the
// watch hub until ctx is canceled.
func (s *PostgresStore) listen(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			slog.Error("feed listener acquire failed", "err", err)
			return
		}
		if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
			slog.Error("feed listener LISTEN failed", "err", err)
			conn.Release()
			return
		}
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				conn.Release()
				if ctx.Err() != nil {
					return
				}
				slog.Warn("feed listener dropped, reconnecting", "err", err)
				break
			}
			var p notifyPayload
			if json.Unmarshal([]byte(n.Payload), &p) != nil {
				continue
			}
			s.dispatch(ctx, p)
		}
	}
}

func (s *PostgresStore) dispatch(ctx context.Context, p notifyPayload) {
	switch p.Collection {
	case colFunds:
		if p.Removed {
			return
		}
		f, err := pgGet[model.Fund](ctx, s, colFunds, p.ID)
		if err == nil {
			s.watches.deliverFund(f)
		}
	case colBets:
		if p.Removed {
			// Deliver a tombstone carrying only the id: the row is gone.
			s.watches.deliverBetRemoval(&model.Bet{ID: p.ID})
			return
		}
		b, err := pgGet[model.Bet](ctx, s, colBets, p.ID)
		if err == nil {
			s.watches.deliverBet(b)
		}
	case colGames:
		if p.Removed {
			return
		}
		g, err := pgGet[model.Game](ctx, s, colGames, p.ID)
		if err == nil {
			s.watches.deliverGame(g)
		}
	}
}

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return pgGet[model.User](ctx, s, colUsers, id)
}

func (s *PostgresStore) GetUserByPublicID(ctx context.Context, publicID string) (*model.User, error) {
	users, err := pgQuery[model.User](ctx, s, colUsers, `doc->>'publicId' = $1`, publicID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("public user %s: %w", publicID, ErrNotFound)
	}
	return &users[0], nil
}

func (s *PostgresStore) PutUser(ctx context.Context, u *model.User) error {
	return pgPut(ctx, s, colUsers, u.ID, u)
}

func (s *PostgresStore) TransactUser(ctx context.Context, id string, fn UserTxn) (UserResult, error) {
	committed, u, err := pgTransact(ctx, s, colUsers, id, fn)
	return UserResult{Committed: committed, User: u}, err
}

func (s *PostgresStore) GetUsersInFund(ctx context.Context, fundID string) ([]model.User, error) {
	return pgQuery[model.User](ctx, s, colUsers, `doc->'investments' ? $1`, fundID)
}

// --- Managers ---

func (s *PostgresStore) GetManager(ctx context.Context, id string) (*model.Manager, error) {
	return pgGet[model.Manager](ctx, s, colManagers, id)
}

func (s *PostgresStore) PutManager(ctx context.Context, m *model.Manager) error {
	return pgPut(ctx, s, colManagers, m.ID, m)
}

// --- Funds ---

func (s *PostgresStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	return pgGet[model.Fund](ctx, s, colFunds, id)
}

func (s *PostgresStore) PutFund(ctx context.Context, f *model.Fund) error {
	return pgPut(ctx, s, colFunds, f.ID, f)
}

func (s *PostgresStore) DeleteFund(ctx context.Context, id string) error {
	return pgDelete(ctx, s, colFunds, id)
}

func (s *PostgresStore) TransactFund(ctx context.Context, id string, fn FundTxn) (FundResult, error) {
	committed, f, err := pgTransact(ctx, s, colFunds, id, fn)
	return FundResult{Committed: committed, Fund: f}, err
}

// --- Bets ---

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return pgGet[model.Bet](ctx, s, colBets, id)
}

func (s *PostgresStore) PutBet(ctx context.Context, b *model.Bet) error {
	return pgPut(ctx, s, colBets, b.ID, b)
}

func (s *PostgresStore) DeleteBet(ctx context.Context, id string) error {
	return pgDelete(ctx, s, colBets, id)
}

func (s *PostgresStore) TransactBet(ctx context.Context, id string, fn BetTxn) (BetResult, error) {
	committed, b, err := pgTransact(ctx, s, colBets, id, fn)
	return BetResult{Committed: committed, Bet: b}, err
}

func (s *PostgresStore) GetFundBets(ctx context.Context, fundID string) ([]model.Bet, error) {
	return pgQuery[model.Bet](ctx, s, colBets, `doc->>'fundId' = $1`, fundID)
}

func (s *PostgresStore) GetGameBets(ctx context.Context, gameID string) ([]model.Bet, error) {
	return pgQuery[model.Bet](ctx, s, colBets, `doc->>'gameId' = $1`, gameID)
}

func (s *PostgresStore) GetManagerBets(ctx context.Context, managerID string) ([]model.Bet, error) {
	return pgQuery[model.Bet](ctx, s, colBets, `doc->>'managerId' = $1`, managerID)
}

// --- Games ---

func (s *PostgresStore) GetGame(ctx context.Context, league, gameID string) (*model.Game, error) {
	return pgGet[model.Game](ctx, s, colGames, gameKey(league, gameID))
}

func (s *PostgresStore) PutGame(ctx context.Context, g *model.Game) error {
	return pgPut(ctx, s, colGames, gameKey(g.League, g.ID), g)
}

// --- Transactions ---

func (s *PostgresStore) TransactTransaction(ctx context.Context, id string, fn TxnTxn) (TxnRecordResult, error) {
	committed, t, err := pgTransact(ctx, s, colTransactions, id, fn)
	return TxnRecordResult{Committed: committed, Txn: t}, err
}

func (s *PostgresStore) GetUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return pgQuery[model.Transaction](ctx, s, colTransactions, `doc->>'userId' = $1`, userID)
}

// --- Checks ---

func (s *PostgresStore) PutCheck(ctx context.Context, c *model.Check) error {
	return pgPut(ctx, s, colChecks, c.ID, c)
}

func (s *PostgresStore) DeleteCheck(ctx context.Context, id string) error {
	return pgDelete(ctx, s, colChecks, id)
}

// --- Interactions ---

func (s *PostgresStore) AppendInteraction(ctx context.Context, in *model.Interaction) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO interactions (doc) VALUES ($1)`, data)
	return err
}

func (s *PostgresStore) ListInteractions(ctx context.Context) ([]model.Interaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM interactions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var in model.Interaction
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Change feeds ---

func (s *PostgresStore) WatchFundsByStatus(status string, fn func(*model.Fund)) Unsubscribe {
	unsub := s.watches.addFund(status, fn)
	s.replayFunds(status, fn)
	return unsub
}

func (s *PostgresStore) WatchBetsByStatus(status string, fn func(*model.Bet)) Unsubscribe {
	unsub := s.watches.addBet(status, fn)
	s.replayBets(status, fn)
	return unsub
}

func (s *PostgresStore) WatchBetRemovals(fn func(*model.Bet)) Unsubscribe {
	return s.watches.addBetRemoval(fn)
}

func (s *PostgresStore) WatchGame(league, gameID string, fn func(*model.Game)) Unsubscribe {
	unsub := s.watches.addGame(league, gameID, fn)
	if g, err := s.GetGame(context.Background(), league, gameID); err == nil {
		fn(g)
	}
	return unsub
}

func (s *PostgresStore) replayFunds(status string, fn func(*model.Fund)) {
	funds, err := pgQuery[model.Fund](context.Background(), s, colFunds, `doc->>'status' = $1`, status)
	if err != nil {
		slog.Error("fund feed replay failed", "status", status, "err", err)
		return
	}
	for i := range funds {
		fn(&funds[i])
	}
}

func (s *PostgresStore) replayBets(status string, fn func(*model.Bet)) {
	bets, err := pgQuery[model.Bet](context.Background(), s, colBets, `doc->>'status' = $1`, status)
	if err != nil {
		slog.Error("bet feed replay failed", "status", status, "err", err)
		return
	}
	for i := range bets {
		fn(&bets[i])
	}
}
