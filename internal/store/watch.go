package store

import (
	"sync"

	"github.com/betpool/fund-engine/internal/model"
)

// watchHub is the subscriber registry behind the Postgres change feeds.
// Delivery runs on the listener goroutine, so per-aggregate callback
// ordering follows notification order.
type watchHub struct {
	mu           sync.Mutex
	next         int
	fundWatchers map[int]fundWatcher
	betWatchers  map[int]betWatcher
	betRemovals  map[int]func(*model.Bet)
	gameWatchers map[int]gameWatcher
}

func newWatchHub() *watchHub {
	return &watchHub{
		fundWatchers: make(map[int]fundWatcher),
		betWatchers:  make(map[int]betWatcher),
		betRemovals:  make(map[int]func(*model.Bet)),
		gameWatchers: make(map[int]gameWatcher),
	}
}

func (h *watchHub) addFund(status string, fn func(*model.Fund)) Unsubscribe {
	h.mu.Lock()
	id := h.next
	h.next++
	h.fundWatchers[id] = fundWatcher{status: status, fn: fn}
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.fundWatchers, id)
		h.mu.Unlock()
	}
}

func (h *watchHub) addBet(status string, fn func(*model.Bet)) Unsubscribe {
	h.mu.Lock()
	id := h.next
	h.next++
	h.betWatchers[id] = betWatcher{status: status, fn: fn}
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.betWatchers, id)
		h.mu.Unlock()
	}
}

func (h *watchHub) addBetRemoval(fn func(*model.Bet)) Unsubscribe {
	h.mu.Lock()
	id := h.next
	h.next++
	h.betRemovals[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.betRemovals, id)
		h.mu.Unlock()
	}
}

func (h *watchHub) addGame(league, gameID string, fn func(*model.Game)) Unsubscribe {
	h.mu.Lock()
	id := h.next
	h.next++
	h.gameWatchers[id] = gameWatcher{league: league, gameID: gameID, fn: fn}
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.gameWatchers, id)
		h.mu.Unlock()
	}
}

func (h *watchHub) deliverFund(f *model.Fund) {
	h.mu.Lock()
	var fns []func(*model.Fund)
	for _, w := range h.fundWatchers {
		if w.status == f.Status {
			fns = append(fns, w.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (h *watchHub) deliverBet(b *model.Bet) {
	h.mu.Lock()
	var fns []func(*model.Bet)
	for _, w := range h.betWatchers {
		if w.status == b.Status {
			fns = append(fns, w.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

func (h *watchHub) deliverBetRemoval(b *model.Bet) {
	h.mu.Lock()
	var fns []func(*model.Bet)
	for _, fn := range h.betRemovals {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

func (h *watchHub) deliverGame(g *model.Game) {
	h.mu.Lock()
	var fns []func(*model.Game)
	for _, w := range h.gameWatchers {
		if w.league == g.League && w.gameID == g.ID {
			fns = append(fns, w.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(g)
	}
}
