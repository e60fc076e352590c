package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/betpool/fund-engine/internal/model"
)

// Collection names shared by the memory and Postgres implementations.
const (
	colUsers        = "users"
	colManagers     = "managers"
	colFunds        = "funds"
	colBets         = "wagers"
	colGames        = "games"
	colTransactions = "transactions"
	colChecks       = "checks"
)

// document is one stored aggregate. Values are kept JSON-encoded so every
// read hands out an independent copy, the way a real document store does.
type document struct {
	data    []byte
	version uint64
}

type event struct {
	col     string
	data    []byte
	removed bool
}

// MemoryStore implements Store with in-memory collections and a single
// dispatcher goroutine for change feeds. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.Mutex
	collections  map[string]map[string]*document
	interactions []model.Interaction

	watchMu      sync.Mutex
	nextWatch    int
	fundWatchers map[int]fundWatcher
	betWatchers  map[int]betWatcher
	betRemovals  map[int]func(*model.Bet)
	gameWatchers map[int]gameWatcher

	queueMu sync.Mutex
	queue   []event
	wake    *sync.Cond
	closed  bool
}

type fundWatcher struct {
	status string
	fn     func(*model.Fund)
}

type betWatcher struct {
	status string
	fn     func(*model.Bet)
}

type gameWatcher struct {
	league string
	gameID string
	fn     func(*model.Game)
}

// NewMemoryStore creates a new in-memory store and starts its feed
// dispatcher. Call Close to stop it.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		collections:  make(map[string]map[string]*document),
		fundWatchers: make(map[int]fundWatcher),
		betWatchers:  make(map[int]betWatcher),
		betRemovals:  make(map[int]func(*model.Bet)),
		gameWatchers: make(map[int]gameWatcher),
	}
	s.wake = sync.NewCond(&s.queueMu)
	go s.dispatch()
	return s
}

// Close stops the feed dispatcher.
func (s *MemoryStore) Close() {
	s.queueMu.Lock()
	s.closed = true
	s.queueMu.Unlock()
	s.wake.Signal()
}

func (s *MemoryStore) col(name string) map[string]*document {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]*document)
		s.collections[name] = c
	}
	return c
}

// emit enqueues a feed event in commit order. The queue is unbounded so a
// feed callback that writes back into the store can never deadlock.
func (s *MemoryStore) emit(col string, data []byte, removed bool) {
	s.queueMu.Lock()
	s.queue = append(s.queue, event{col: col, data: data, removed: removed})
	s.queueMu.Unlock()
	s.wake.Signal()
}

func (s *MemoryStore) dispatch() {
	for {
		s.queueMu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.wake.Wait()
		}
		if s.closed {
			s.queueMu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.queueMu.Unlock()
		s.deliver(ev)
	}
}

func (s *MemoryStore) deliver(ev event) {
	switch ev.col {
	case colFunds:
		var f model.Fund
		if json.Unmarshal(ev.data, &f) != nil || ev.removed {
			return
		}
		s.watchMu.Lock()
		ws := make([]fundWatcher, 0, len(s.fundWatchers))
		for _, w := range s.fundWatchers {
			ws = append(ws, w)
		}
		s.watchMu.Unlock()
		for _, w := range ws {
			if w.status == f.Status {
				w.fn(&f)
			}
		}
	case colBets:
		var b model.Bet
		if json.Unmarshal(ev.data, &b) != nil {
			return
		}
		s.watchMu.Lock()
		var fns []func(*model.Bet)
		if ev.removed {
			for _, fn := range s.betRemovals {
				fns = append(fns, fn)
			}
		} else {
			for _, w := range s.betWatchers {
				if w.status == b.Status {
					fns = append(fns, w.fn)
				}
			}
		}
		s.watchMu.Unlock()
		for _, fn := range fns {
			fn(&b)
		}
	case colGames:
		var g model.Game
		if json.Unmarshal(ev.data, &g) != nil || ev.removed {
			return
		}
		s.watchMu.Lock()
		var fns []func(*model.Game)
		for _, w := range s.gameWatchers {
			if w.league == g.League && w.gameID == g.ID {
				fns = append(fns, w.fn)
			}
		}
		s.watchMu.Unlock()
		for _, fn := range fns {
			fn(&g)
		}
	}
}

// --- Generic document plumbing ---

func memGet[T any](s *MemoryStore, col, id string) (*T, error) {
	s.mu.Lock()
	doc, ok := s.col(col)[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", col, id, ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(doc.data, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", col, id, err)
	}
	return &v, nil
}

func memPut[T any](s *MemoryStore, col, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c := s.col(col)
	var version uint64
	if prev, ok := c[id]; ok {
		version = prev.version + 1
	}
	c[id] = &document{data: data, version: version}
	s.emit(col, data, false)
	s.mu.Unlock()
	return nil
}

func memDelete[T any](s *MemoryStore, col, id string) error {
	s.mu.Lock()
	c := s.col(col)
	doc, ok := c[id]
	if ok {
		delete(c, id)
		s.emit(col, doc.data, true)
	}
	s.mu.Unlock()
	return nil
}

func memList[T any](s *MemoryStore, col string, match func(*T) bool) ([]T, error) {
	s.mu.Lock()
	raws := make([][]byte, 0, len(s.col(col)))
	for _, doc := range s.col(col) {
		raws = append(raws, doc.data)
	}
	s.mu.Unlock()

	var out []T
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if match(&v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// memTransact performs exactly one optimistic attempt: read, apply fn
// outside the lock, then commit only if no writer intervened.
func memTransact[T any](s *MemoryStore, col, id string, fn func(*T) (*T, bool)) (bool, *T, error) {
	s.mu.Lock()
	var cur *T
	var readVersion uint64
	existed := false
	if doc, ok := s.col(col)[id]; ok {
		existed = true
		readVersion = doc.version
		var v T
		if err := json.Unmarshal(doc.data, &v); err != nil {
			s.mu.Unlock()
			return false, nil, fmt.Errorf("decode %s %s: %w", col, id, err)
		}
		cur = &v
	}
	s.mu.Unlock()

	next, commit := fn(cur)
	if !commit {
		return false, cur, nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.col(col)
	doc, ok := c[id]
	if ok != existed || (ok && doc.version != readVersion) {
		return false, nil, ErrConflict
	}
	c[id] = &document{data: data, version: readVersion + 1}
	s.emit(col, data, false)
	return true, next, nil
}

// --- Users ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	return memGet[model.User](s, colUsers, id)
}

func (s *MemoryStore) GetUserByPublicID(_ context.Context, publicID string) (*model.User, error) {
	users, err := memList(s, colUsers, func(u *model.User) bool { return u.PublicID == publicID })
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("public user %s: %w", publicID, ErrNotFound)
	}
	return &users[0], nil
}

func (s *MemoryStore) PutUser(_ context.Context, u *model.User) error {
	return memPut(s, colUsers, u.ID, u)
}

func (s *MemoryStore) TransactUser(_ context.Context, id string, fn UserTxn) (UserResult, error) {
	committed, u, err := memTransact(s, colUsers, id, fn)
	return UserResult{Committed: committed, User: u}, err
}

func (s *MemoryStore) GetUsersInFund(_ context.Context, fundID string) ([]model.User, error) {
	return memList(s, colUsers, func(u *model.User) bool {
		_, ok := u.Investments[fundID]
		return ok
	})
}

// --- Managers ---

func (s *MemoryStore) GetManager(_ context.Context, id string) (*model.Manager, error) {
	return memGet[model.Manager](s, colManagers, id)
}

func (s *MemoryStore) PutManager(_ context.Context, m *model.Manager) error {
	return memPut(s, colManagers, m.ID, m)
}

// --- Funds ---

func (s *MemoryStore) GetFund(_ context.Context, id string) (*model.Fund, error) {
	return memGet[model.Fund](s, colFunds, id)
}

func (s *MemoryStore) PutFund(_ context.Context, f *model.Fund) error {
	return memPut(s, colFunds, f.ID, f)
}

func (s *MemoryStore) DeleteFund(_ context.Context, id string) error {
	return memDelete[model.Fund](s, colFunds, id)
}

func (s *MemoryStore) TransactFund(_ context.Context, id string, fn FundTxn) (FundResult, error) {
	committed, f, err := memTransact(s, colFunds, id, fn)
	return FundResult{Committed: committed, Fund: f}, err
}

// --- Bets ---

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	return memGet[model.Bet](s, colBets, id)
}

func (s *MemoryStore) PutBet(_ context.Context, b *model.Bet) error {
	return memPut(s, colBets, b.ID, b)
}

func (s *MemoryStore) DeleteBet(_ context.Context, id string) error {
	return memDelete[model.Bet](s, colBets, id)
}

func (s *MemoryStore) TransactBet(_ context.Context, id string, fn BetTxn) (BetResult, error) {
	committed, b, err := memTransact(s, colBets, id, fn)
	return BetResult{Committed: committed, Bet: b}, err
}

func (s *MemoryStore) GetFundBets(_ context.Context, fundID string) ([]model.Bet, error) {
	return memList(s, colBets, func(b *model.Bet) bool { return b.FundID == fundID })
}

func (s *MemoryStore) GetGameBets(_ context.Context, gameID string) ([]model.Bet, error) {
	return memList(s, colBets, func(b *model.Bet) bool { return b.GameID == gameID })
}

func (s *MemoryStore) GetManagerBets(_ context.Context, managerID string) ([]model.Bet, error) {
	return memList(s, colBets, func(b *model.Bet) bool { return b.ManagerID == managerID })
}

// --- Games ---

func gameKey(league, gameID string) string {
	return league + "/" + gameID
}

func (s *MemoryStore) GetGame(_ context.Context, league, gameID string) (*model.Game, error) {
	return memGet[model.Game](s, colGames, gameKey(league, gameID))
}

func (s *MemoryStore) PutGame(_ context.Context, g *model.Game) error {
	return memPut(s, colGames, gameKey(g.League, g.ID), g)
}

// --- Transactions ---

func (s *MemoryStore) TransactTransaction(_ context.Context, id string, fn TxnTxn) (TxnRecordResult, error) {
	committed, t, err := memTransact(s, colTransactions, id, fn)
	return TxnRecordResult{Committed: committed, Txn: t}, err
}

func (s *MemoryStore) GetUserTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	return memList(s, colTransactions, func(t *model.Transaction) bool { return t.UserID == userID })
}

// --- Checks ---

func (s *MemoryStore) PutCheck(_ context.Context, c *model.Check) error {
	return memPut(s, colChecks, c.ID, c)
}

func (s *MemoryStore) DeleteCheck(_ context.Context, id string) error {
	return memDelete[model.Check](s, colChecks, id)
}

// --- Interactions ---

func (s *MemoryStore) AppendInteraction(_ context.Context, in *model.Interaction) error {
	s.mu.Lock()
	s.interactions = append(s.interactions, *in)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListInteractions(_ context.Context) ([]model.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Interaction, len(s.interactions))
	copy(out, s.interactions)
	return out, nil
}

// --- Change feeds ---

func (s *MemoryStore) WatchFundsByStatus(status string, fn func(*model.Fund)) Unsubscribe {
	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.fundWatchers[id] = fundWatcher{status: status, fn: fn}
	s.watchMu.Unlock()

	s.replay(colFunds)
	return func() {
		s.watchMu.Lock()
		delete(s.fundWatchers, id)
		s.watchMu.Unlock()
	}
}

func (s *MemoryStore) WatchBetsByStatus(status string, fn func(*model.Bet)) Unsubscribe {
	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.betWatchers[id] = betWatcher{status: status, fn: fn}
	s.watchMu.Unlock()

	s.replay(colBets)
	return func() {
		s.watchMu.Lock()
		delete(s.betWatchers, id)
		s.watchMu.Unlock()
	}
}

func (s *MemoryStore) WatchBetRemovals(fn func(*model.Bet)) Unsubscribe {
	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.betRemovals[id] = fn
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.betRemovals, id)
		s.watchMu.Unlock()
	}
}

func (s *MemoryStore) WatchGame(league, gameID string, fn func(*model.Game)) Unsubscribe {
	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.gameWatchers[id] = gameWatcher{league: league, gameID: gameID, fn: fn}
	s.watchMu.Unlock()

	s.replay(colGames)
	return func() {
		s.watchMu.Lock()
		delete(s.gameWatchers, id)
		s.watchMu.Unlock()
	}
}

// replay re-emits every current document of a collection so a new
// subscriber observes existing aggregates, the way the backing store's
// child-added feeds do. Non-matching subscribers filter by status/key, so
// duplicate delivery is bounded and callbacks must be idempotent — the
// same contract the watcher already honors for change feeds.
func (s *MemoryStore) replay(col string) {
	s.mu.Lock()
	for _, doc := range s.col(col) {
		s.emit(col, doc.data, false)
	}
	s.mu.Unlock()
}
