package wager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strainex/exchange-engine/internal/model"
	"github.com/strainex/exchange-engine/internal/store"
	"github.com/strainex/exchange-engine/internal/wager"
)

func seedWager(t *testing.T, ms *store.MemoryStore, svc *wager.Service, accountID string, expiresIn time.Duration) string {
	t.Helper()
	result, err := svc.Place(context.Background(), wager.PlaceParams{
		AccountID:   accountID,
		Kind:        model.KindProp,
		Stake:       d(100),
		Odds:        d(2),
		ExpiresAt:   time.Now().Add(expiresIn),
		Description: "sweep test",
	})
	if err != nil {
		t.Fatalf("failed to place wager: %v", err)
	}
	return result.WagerID
}

func TestSweeper_SettlesExpired(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)

	id1 := seedWager(t, ms, svc, "user1", -time.Hour)
	id2 := seedWager(t, ms, svc, "user1", -time.Minute)

	alwaysWin := wager.ResolverFunc(func(*model.Wager) (bool, error) { return true, nil })
	sw := wager.NewSweeper(ms, svc, alwaysWin)

	settled, failed := sw.Run(context.Background())
	if settled != 2 {
		t.Errorf("expected 2 settled, got %d", settled)
	}
	if failed != 0 {
		t.Errorf("expected 0 failed, got %d", failed)
	}

	for _, id := range []string{id1, id2} {
		w, _ := ms.GetWager(context.Background(), id)
		if !w.Settled {
			t.Errorf("wager %s should be settled", id)
		}
		if w.Outcome != model.OutcomeWon {
			t.Errorf("wager %s: expected won, got %s", id, w.Outcome)
		}
	}

	// 1000 - 200 escrow + 2*200 payout.
	account, _ := ms.GetAccount(context.Background(), "user1")
	if !account.Balance.Equal(d(1200)) {
		t.Errorf("expected balance 1200, got %s", account.Balance)
	}
}

func TestSweeper_SkipsUnexpired(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)

	id := seedWager(t, ms, svc, "user1", time.Hour)

	sw := wager.NewSweeper(ms, svc, wager.ResolverFunc(func(*model.Wager) (bool, error) { return true, nil }))
	settled, failed := sw.Run(context.Background())
	if settled != 0 || failed != 0 {
		t.Errorf("expected no activity, got settled=%d failed=%d", settled, failed)
	}

	w, _ := ms.GetWager(context.Background(), id)
	if w.Settled {
		t.Error("unexpired wager should still be pending")
	}
}

func TestSweeper_FailureIsolation(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)

	bad := seedWager(t, ms, svc, "user1", -time.Hour)
	seedWager(t, ms, svc, "user1", -time.Hour)
	seedWager(t, ms, svc, "user1", -time.Hour)

	// Resolver fails for one wager; the rest must still settle.
	resolver := wager.ResolverFunc(func(w *model.Wager) (bool, error) {
		if w.ID == bad {
			return false, errors.New("oracle unavailable")
		}
		return false, nil
	})

	sw := wager.NewSweeper(ms, svc, resolver)
	settled, failed := sw.Run(context.Background())
	if settled != 2 {
		t.Errorf("expected 2 settled, got %d", settled)
	}
	if failed != 1 {
		t.Errorf("expected 1 failed, got %d", failed)
	}

	// The failed wager stays pending for the next run.
	w, _ := ms.GetWager(context.Background(), bad)
	if w.Settled {
		t.Error("failed wager should remain unsettled")
	}

	// Retry with a healthy resolver picks it up.
	sw = wager.NewSweeper(ms, svc, wager.ResolverFunc(func(*model.Wager) (bool, error) { return true, nil }))
	settled, failed = sw.Run(context.Background())
	if settled != 1 || failed != 0 {
		t.Errorf("retry: expected settled=1 failed=0, got settled=%d failed=%d", settled, failed)
	}
}

func TestSweeper_DefaultResolver(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	id := seedWager(t, ms, svc, "user1", -time.Hour)

	sw := wager.NewSweeper(ms, svc, nil)
	settled, failed := sw.Run(context.Background())
	if settled != 1 || failed != 0 {
		t.Fatalf("expected settled=1 failed=0, got settled=%d failed=%d", settled, failed)
	}

	w, _ := ms.GetWager(context.Background(), id)
	if w.Outcome != model.OutcomeWon && w.Outcome != model.OutcomeLost {
		t.Errorf("expected terminal outcome, got %s", w.Outcome)
	}
}
