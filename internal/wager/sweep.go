package wager

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/strainex/exchange-engine/internal/metrics"
	"github.com/strainex/exchange-engine/internal/model"
	"github.com/strainex/exchange-engine/internal/store"
)

// Resolver decides the outcome of an expired wager. The production resolver
// is a coin flip; a real oracle slots in behind the same interface.
type Resolver interface {
	Resolve(w *model.Wager) (won bool, err error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(w *model.Wager) (bool, error)

func (f ResolverFunc) Resolve(w *model.Wager) (bool, error) { return f(w) }

// RandomResolver settles each wager as won or lost with equal probability.
type RandomResolver struct{}

func (RandomResolver) Resolve(*model.Wager) (bool, error) {
	return rand.IntN(2) == 0, nil
}

// Sweeper finds expired unsettled wagers and settles them. A failure on one
// wager never aborts the sweep; the wager stays pending and is retried on
// the next run.
type Sweeper struct {
	store    store.Store
	svc      *Service
	resolver Resolver
	now      func() time.Time
}

// NewSweeper creates a sweeper. A nil resolver defaults to RandomResolver.
func NewSweeper(st store.Store, svc *Service, resolver Resolver) *Sweeper {
	if resolver == nil {
		resolver = RandomResolver{}
	}
	return &Sweeper{store: st, svc: svc, resolver: resolver, now: time.Now}
}

// Run settles every wager whose expiry has passed. It returns the number of
// wagers settled and the number that failed.
func (s *Sweeper) Run(ctx context.Context) (settled, failed int) {
	expired, err := s.store.ListExpiredUnsettled(ctx, s.now())
	if err != nil {
		slog.Error("settlement sweep: listing expired wagers failed", "error", err)
		metrics.SweepFailures.Inc()
		return 0, 0
	}

	for i := range expired {
		w := &expired[i]

		won, err := s.resolver.Resolve(w)
		if err != nil {
			slog.Error("settlement sweep: resolve failed",
				"wager_id", w.ID, "kind", w.Kind, "error", err)
			metrics.SweepFailures.Inc()
			failed++
			continue
		}

		if _, err := s.svc.Settle(ctx, w.ID, won); err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				// Lost a race with a manual settlement. Not a failure.
				continue
			}
			slog.Error("settlement sweep: settle failed",
				"wager_id", w.ID, "kind", w.Kind, "error", err)
			metrics.SweepFailures.Inc()
			failed++
			continue
		}
		settled++
	}

	if settled > 0 || failed > 0 {
		slog.Info("settlement sweep complete", "settled", settled, "failed", failed)
	}
	return settled, failed
}
