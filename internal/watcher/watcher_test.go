package watcher_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/betpool/fund-engine/internal/ledger"
	"github.com/betpool/fund-engine/internal/lifecycle"
	"github.com/betpool/fund-engine/internal/model"
	"github.com/betpool/fund-engine/internal/store"
	"github.com/betpool/fund-engine/internal/watcher"
)

func newWatcherEnv(t *testing.T) (*watcher.Watcher, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	t.Cleanup(ms.Close)
	engine := lifecycle.NewEngine(ms, ledger.New(ms, nil))
	w := watcher.New(ms, engine)
	t.Cleanup(w.Stop)
	return w, ms
}

// waitFor polls cond until it holds or the deadline passes. Feed
// delivery is asynchronous, so assertions poll instead of sleeping.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcher_OpensFundAtOpenTime(t *testing.T) {
	w, ms := newWatcherEnv(t)
	ctx := context.Background()
	ms.PutFund(ctx, &model.Fund{
		ID:             "f1",
		Status:         model.FundStaged,
		OpenTimeMillis: model.NowMillis() - 1000,
		ClosingTime:    time.Now().Add(time.Hour).Unix(),
	})

	w.Start()

	waitFor(t, "fund to open", func() bool {
		f, err := ms.GetFund(ctx, "f1")
		return err == nil && f.Status == model.FundOpen
	})
}

func TestWatcher_ClosesFundAtClosingTime(t *testing.T) {
	w, ms := newWatcherEnv(t)
	ctx := context.Background()
	ms.PutFund(ctx, &model.Fund{
		ID:          "f1",
		Status:      model.FundOpen,
		ClosingTime: time.Now().Add(-time.Minute).Unix(),
	})

	w.Start()

	waitFor(t, "fund to close", func() bool {
		f, err := ms.GetFund(ctx, "f1")
		return err == nil && f.Status != model.FundOpen
	})
}

func TestWatcher_DeletesLateStagedBet(t *testing.T) {
	w, ms := newWatcherEnv(t)
	ctx := context.Background()
	ms.PutGame(ctx, &model.Game{
		ID: "g1", League: "nba", Status: model.GameInProgress,
		ScheduledTimeUnix: model.NowMillis() - 60_000,
	})
	ms.PutBet(ctx, &model.Bet{
		ID: "b1", FundID: "f1", GameID: "g1", GameLeague: "nba",
		Status: model.BetStaged, Wagered: 500, Returned: model.Unsettled,
	})

	w.Start()

	waitFor(t, "late bet to be deleted", func() bool {
		_, err := ms.GetBet(ctx, "b1")
		return errors.Is(err, store.ErrNotFound)
	})
}

func TestWatcher_PlacesBetNearKickoff(t *testing.T) {
	w, ms := newWatcherEnv(t)
	ctx := context.Background()
	// Kickoff within the placement lead: the bet places immediately.
	ms.PutGame(ctx, &model.Game{
		ID: "g1", League: "nba", Status: model.GameScheduled,
		ScheduledTimeUnix: model.NowMillis() + (5 * time.Minute).Milliseconds(),
	})
	ms.PutFund(ctx, &model.Fund{ID: "f1", Status: model.FundPending, Balance: 2000})
	ms.PutBet(ctx, &model.Bet{
		ID: "b1", FundID: "f1", GameID: "g1", GameLeague: "nba",
		Status: model.BetStaged, Wagered: 500, Returned: model.Unsettled,
	})

	w.Start()

	waitFor(t, "bet to go live", func() bool {
		b, err := ms.GetBet(ctx, "b1")
		return err == nil && b.Status == model.BetLive
	})
}
