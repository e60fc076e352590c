// Package watcher subscribes to the store's change feeds and drives
// scheduled lifecycle transitions: fund opens and closes, bet placement
// ahead of kickoff, and automatic returns once a pending fund's games
// all finish.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/betpool/fund-engine/internal/lifecycle"
	"github.com/betpool/fund-engine/internal/model"
	"github.com/betpool/fund-engine/internal/store"
)

const (
	// returnGrace delays the automatic return after the last game goes
	// final, leaving a window for late settlement corrections.
	returnGrace = 15 * time.Minute

	// placementLead places staged bets this far ahead of kickoff.
	placementLead = 10 * time.Minute
)

// Watcher wires feed policies to the lifecycle engine. Feed callbacks
// are idempotent: replays and duplicate deliveries reschedule the same
// timer key rather than stacking transitions.
type Watcher struct {
	store  store.Store
	engine *lifecycle.Engine
	timers *Timers

	mu      sync.Mutex
	unsubs  []store.Unsubscribe
	pending map[string]*pendingFund
}

// New creates a watcher; Start subscribes it.
func New(st store.Store, engine *lifecycle.Engine) *Watcher {
	return &Watcher{
		store:   st,
		engine:  engine,
		timers:  NewTimers(),
		pending: make(map[string]*pendingFund),
	}
}

// Start subscribes to the fund, bet, and removal feeds.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unsubs = append(w.unsubs,
		w.store.WatchFundsByStatus(model.FundStaged, w.onStagedFund),
		w.store.WatchFundsByStatus(model.FundOpen, w.onOpenFund),
		w.store.WatchFundsByStatus(model.FundPending, w.onPendingFund),
		w.store.WatchBetsByStatus(model.BetStaged, w.onStagedBet),
		w.store.WatchBetRemovals(w.onBetRemoved),
	)
	slog.Info("watcher started")
}

// Stop unsubscribes every feed and cancels all pending timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	unsubs := w.unsubs
	w.unsubs = nil
	trackers := w.pending
	w.pending = make(map[string]*pendingFund)
	w.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, p := range trackers {
		p.close()
	}
	w.timers.Stop()
	slog.Info("watcher stopped")
}

// --- Fund policies ---

func (w *Watcher) onStagedFund(f *model.Fund) {
	delay := time.Until(time.UnixMilli(f.OpenTimeMillis))
	w.timers.Schedule("fund:"+f.ID, delay, func() {
		receipt, err := w.engine.OpenFund(context.Background(), f.ID)
		if err != nil {
			slog.Error("scheduled open failed", "fund", f.ID, "err", err)
		} else if !receipt.Committed {
			slog.Info("scheduled open aborted", "fund", f.ID, "reason", receipt.Reason)
		}
	})
}

func (w *Watcher) onOpenFund(f *model.Fund) {
	delay := time.Until(time.Unix(f.ClosingTime, 0))
	w.timers.Schedule("fund:"+f.ID, delay, func() {
		receipt, err := w.engine.CloseFund(context.Background(), f.ID)
		if err != nil {
			slog.Error("scheduled close failed", "fund", f.ID, "err", err)
		} else if !receipt.Committed {
			slog.Info("scheduled close aborted", "fund", f.ID, "reason", receipt.Reason)
		}
	})
}

// pendingFund tracks a PENDING fund's game exposure until every game is
// final, then arms the grace-window return timer.
type pendingFund struct {
	fundID   string
	mu       sync.Mutex
	terminal map[string]bool
	unsubs   []store.Unsubscribe
}

func (p *pendingFund) close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (w *Watcher) onPendingFund(f *model.Fund) {
	w.mu.Lock()
	if _, tracked := w.pending[f.ID]; tracked {
		w.mu.Unlock()
		return
	}
	p := &pendingFund{fundID: f.ID, terminal: make(map[string]bool)}
	for gameID := range f.Games {
		p.terminal[gameID] = false
	}
	w.pending[f.ID] = p
	w.mu.Unlock()

	if len(p.terminal) == 0 {
		w.scheduleReturn(f.ID)
		return
	}
	for gameID, league := range f.Games {
		gameID, league := gameID, league
		unsub := w.store.WatchGame(league, gameID, func(g *model.Game) {
			if !g.Terminal() {
				return
			}
			p.mu.Lock()
			p.terminal[gameID] = true
			done := true
			for _, t := range p.terminal {
				if !t {
					done = false
					break
				}
			}
			p.mu.Unlock()
			if done {
				w.scheduleReturn(f.ID)
			}
		})
		p.mu.Lock()
		p.unsubs = append(p.unsubs, unsub)
		p.mu.Unlock()
	}
}

func (w *Watcher) scheduleReturn(fundID string) {
	slog.Info("all games final, return scheduled", "fund", fundID, "grace", returnGrace)
	w.timers.Schedule("fund:"+fundID, returnGrace, func() {
		res, err := w.engine.ReturnFund(context.Background(), fundID)
		if err != nil {
			slog.Error("scheduled return failed", "fund", fundID, "err", err)
		} else if !res.Committed {
			slog.Info("scheduled return aborted", "fund", fundID, "reason", res.Reason)
		}
		w.mu.Lock()
		p, ok := w.pending[fundID]
		delete(w.pending, fundID)
		w.mu.Unlock()
		if ok {
			p.close()
		}
	})
}

// --- Bet policies ---

func (w *Watcher) onStagedBet(b *model.Bet) {
	game, err := w.store.GetGame(context.Background(), b.GameLeague, b.GameID)
	if err != nil {
		slog.Error("staged bet game lookup failed", "bet", b.ID, "game", b.GameID, "err", err)
		return
	}
	kickoff := time.UnixMilli(game.ScheduledTimeUnix)
	if game.Status != model.GameScheduled || !time.Now().Before(kickoff) {
		// Too late to place.
		receipt, err := w.engine.DeleteBet(context.Background(), b.ID)
		if err != nil {
			slog.Error("late bet delete failed", "bet", b.ID, "err", err)
		} else if receipt.Committed {
			slog.Info("late bet deleted", "bet", b.ID, "game", b.GameID)
		}
		return
	}
	delay := time.Until(kickoff.Add(-placementLead))
	w.timers.Schedule("bet:"+b.ID, delay, func() {
		receipt, err := w.engine.PlaceBet(context.Background(), b.ID)
		if err != nil {
			slog.Error("scheduled placement failed", "bet", b.ID, "err", err)
		} else if !receipt.Committed {
			slog.Info("scheduled placement aborted", "bet", b.ID, "reason", receipt.Reason)
		}
	})
}

func (w *Watcher) onBetRemoved(b *model.Bet) {
	w.timers.Cancel("bet:" + b.ID)
}
