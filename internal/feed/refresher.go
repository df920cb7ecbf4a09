// Package feed periodically recomputes strain quotes from market signals and
// appends the result to each strain's price history.
package feed

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/strainex/exchange-engine/internal/metrics"
	"github.com/strainex/exchange-engine/internal/model"
	"github.com/strainex/exchange-engine/internal/pricing"
	"github.com/strainex/exchange-engine/internal/store"
)

// SignalSource supplies the per-refresh market signals for a strain. The
// production source simulates them; a real market data feed slots in behind
// the same interface.
type SignalSource interface {
	// FavoriteDrift returns the change in favorite count for this cycle.
	FavoriteDrift(s *model.Strain) int64
	// Volume returns the trading volume to record on the price point.
	Volume(s *model.Strain) int64
}

// SimulatedSource drifts favorites by a small random amount each cycle and
// reports random volume.
type SimulatedSource struct{}

func (SimulatedSource) FavoriteDrift(*model.Strain) int64 {
	return rand.Int64N(8) - 2 // -2..5
}

func (SimulatedSource) Volume(*model.Strain) int64 {
	return rand.Int64N(101)
}

// Broadcaster pushes price updates to connected clients. Satisfied by
// *exchange.WSHub; nil disables broadcasting.
type Broadcaster interface {
	BroadcastPriceUpdate(strainID string, price, changePct decimal.Decimal)
}

// Refresher recomputes all strain quotes on demand.
type Refresher struct {
	store  store.Store
	source SignalSource
	hub    Broadcaster
}

// NewRefresher creates a refresher. A nil source defaults to SimulatedSource.
func NewRefresher(st store.Store, source SignalSource, hub Broadcaster) *Refresher {
	if source == nil {
		source = SimulatedSource{}
	}
	return &Refresher{store: st, source: source, hub: hub}
}

// RefreshAll requotes every strain. A failure on one strain never aborts the
// cycle; the stale quote stands until the next run.
func (r *Refresher) RefreshAll(ctx context.Context) (updated int) {
	strains, err := r.store.ListStrains(ctx)
	if err != nil {
		slog.Error("price refresh: listing strains failed", "error", err)
		return 0
	}

	now := time.Now().UTC()
	for i := range strains {
		st := &strains[i]

		favorites := st.FavoriteCount + r.source.FavoriteDrift(st)
		if favorites < 0 {
			favorites = 0
		}

		newPrice := pricing.Price(pricing.Signals{
			AvgPricePerUnit:  st.BasePrice.Div(decimal.NewFromInt(10)),
			FavoriteCount:    favorites,
			VolatilitySpread: st.VolatilityScore,
		})

		point := &model.PricePoint{
			ID:        uuid.New().String(),
			StrainID:  st.ID,
			Price:     newPrice,
			Volume:    r.source.Volume(st),
			Timestamp: now,
		}
		if err := r.store.UpdateStrainPrice(ctx, st.ID, newPrice, favorites, now, point); err != nil {
			slog.Error("price refresh: update failed", "strain", st.ID, "error", err)
			continue
		}
		updated++

		if r.hub != nil {
			r.hub.BroadcastPriceUpdate(st.ID, newPrice, pricing.PercentChange(st.CurrentPrice, newPrice))
		}
	}

	metrics.PriceRefreshes.Inc()
	slog.Info("price refresh complete", "strains", updated)
	return updated
}
