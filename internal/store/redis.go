package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/betpool/fund-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot aggregates: users, funds, and the publicId→userId
// lookup. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Transactions bypass the
// cache entirely, since the optimistic read must come from the source of
// truth, and invalidate on commit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Users ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	// Cache miss: read from primary.
	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) GetUserByPublicID(ctx context.Context, publicID string) (*model.User, error) {
	// Try cache via publicId→userId mapping.
	userID, err := s.rdb.Get(ctx, publicKey(publicID)).Result()
	if err == nil {
		return s.GetUser(ctx, userID)
	}

	// Cache miss.
	u, err := s.primary.GetUserByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}

	// Cache both the user and the publicId→userId mapping.
	s.cacheUser(ctx, u)
	s.rdb.Set(ctx, publicKey(publicID), u.ID, s.ttl)
	return u, nil
}

func (s *CachedStore) PutUser(ctx context.Context, u *model.User) error {
	if err := s.primary.PutUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) TransactUser(ctx context.Context, id string, fn UserTxn) (UserResult, error) {
	res, err := s.primary.TransactUser(ctx, id, fn)
	if err == nil && res.Committed {
		// Invalidate; next read re-populates from the committed value.
		s.rdb.Del(ctx, userKey(id))
	}
	return res, err
}

func (s *CachedStore) GetUsersInFund(ctx context.Context, fundID string) ([]model.User, error) {
	return s.primary.GetUsersInFund(ctx, fundID)
}

// --- Managers ---

func (s *CachedStore) GetManager(ctx context.Context, id string) (*model.Manager, error) {
	return s.primary.GetManager(ctx, id)
}

func (s *CachedStore) PutManager(ctx context.Context, m *model.Manager) error {
	return s.primary.PutManager(ctx, m)
}

// --- Funds ---

func (s *CachedStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	data, err := s.rdb.Get(ctx, fundKey(id)).Bytes()
	if err == nil {
		var f model.Fund
		if json.Unmarshal(data, &f) == nil {
			return &f, nil
		}
	}

	f, err := s.primary.GetFund(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheFund(ctx, f)
	return f, nil
}

func (s *CachedStore) PutFund(ctx context.Context, f *model.Fund) error {
	if err := s.primary.PutFund(ctx, f); err != nil {
		return err
	}
	s.cacheFund(ctx, f)
	return nil
}

func (s *CachedStore) DeleteFund(ctx context.Context, id string) error {
	if err := s.primary.DeleteFund(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, fundKey(id))
	return nil
}

func (s *CachedStore) TransactFund(ctx context.Context, id string, fn FundTxn) (FundResult, error) {
	res, err := s.primary.TransactFund(ctx, id, fn)
	if err == nil && res.Committed {
		s.rdb.Del(ctx, fundKey(id))
	}
	return res, err
}

// --- Bets (not cached: read mostly through feeds and fund queries) ---

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) PutBet(ctx context.Context, b *model.Bet) error {
	return s.primary.PutBet(ctx, b)
}

func (s *CachedStore) DeleteBet(ctx context.Context, id string) error {
	return s.primary.DeleteBet(ctx, id)
}

func (s *CachedStore) TransactBet(ctx context.Context, id string, fn BetTxn) (BetResult, error) {
	return s.primary.TransactBet(ctx, id, fn)
}

func (s *CachedStore) GetFundBets(ctx context.Context, fundID string) ([]model.Bet, error) {
	return s.primary.GetFundBets(ctx, fundID)
}

func (s *CachedStore) GetGameBets(ctx context.Context, gameID string) ([]model.Bet, error) {
	return s.primary.GetGameBets(ctx, gameID)
}

func (s *CachedStore) GetManagerBets(ctx context.Context, managerID string) ([]model.Bet, error) {
	return s.primary.GetManagerBets(ctx, managerID)
}

// --- Games ---

func (s *CachedStore) GetGame(ctx context.Context, league, gameID string) (*model.Game, error) {
	return s.primary.GetGame(ctx, league, gameID)
}

func (s *CachedStore) PutGame(ctx context.Context, g *model.Game) error {
	return s.primary.PutGame(ctx, g)
}

// --- Transactions ---

func (s *CachedStore) TransactTransaction(ctx context.Context, id string, fn TxnTxn) (TxnRecordResult, error) {
	return s.primary.TransactTransaction(ctx, id, fn)
}

func (s *CachedStore) GetUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.GetUserTransactions(ctx, userID)
}

// --- Checks ---

func (s *CachedStore) PutCheck(ctx context.Context, c *model.Check) error {
	return s.primary.PutCheck(ctx, c)
}

func (s *CachedStore) DeleteCheck(ctx context.Context, id string) error {
	return s.primary.DeleteCheck(ctx, id)
}

// --- Interactions ---

func (s *CachedStore) AppendInteraction(ctx context.Context, in *model.Interaction) error {
	return s.primary.AppendInteraction(ctx, in)
}

func (s *CachedStore) ListInteractions(ctx context.Context) ([]model.Interaction, error) {
	return s.primary.ListInteractions(ctx)
}

// --- Change feeds (delegated: feeds must see every primary commit) ---

func (s *CachedStore) WatchFundsByStatus(status string, fn func(*model.Fund)) Unsubscribe {
	return s.primary.WatchFundsByStatus(status, fn)
}

func (s *CachedStore) WatchBetsByStatus(status string, fn func(*model.Bet)) Unsubscribe {
	return s.primary.WatchBetsByStatus(status, fn)
}

func (s *CachedStore) WatchBetRemovals(fn func(*model.Bet)) Unsubscribe {
	return s.primary.WatchBetRemovals(fn)
}

func (s *CachedStore) WatchGame(league, gameID string, fn func(*model.Game)) Unsubscribe {
	return s.primary.WatchGame(league, gameID, fn)
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheFund(ctx context.Context, f *model.Fund) {
	if data, err := json.Marshal(f); err == nil {
		s.rdb.Set(ctx, fundKey(f.ID), data, s.ttl)
	}
}

func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }
func fundKey(id string) string   { return fmt.Sprintf("fund:%s", id) }
func publicKey(id string) string { return fmt.Sprintf("public:%s", id) }
