// Package wager creates and settles wagers against the ledger store. The
// three wager kinds (futures, head-to-head, prop) share one lifecycle: stake
// is escrowed out of the balance at placement, the wager sits pending until
// it is settled exactly once as won or lost, and winning credits stake times
// odds with principal included. Losing forfeits the stake.
//
// All monetary values use shopspring/decimal, never float64.
package wager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/strainex/exchange-engine/internal/ledger"
	"github.com/strainex/exchange-engine/internal/metrics"
	"github.com/strainex/exchange-engine/internal/model"
	"github.com/strainex/exchange-engine/internal/store"
)

var (
	// ErrInvalidStake is returned for zero or negative stakes.
	ErrInvalidStake = errors.New("wager: stake must be greater than zero")

	// ErrInvalidOdds is returned for zero or negative odds.
	ErrInvalidOdds = errors.New("wager: odds must be greater than zero")

	// ErrInvalidKind is returned for an unknown wager kind or a payload
	// that does not match the kind.
	ErrInvalidKind = errors.New("wager: invalid wager kind")

	// ErrInsufficientFunds is returned when the balance cannot cover the stake.
	ErrInsufficientFunds = errors.New("wager: insufficient WeedCoin balance")

	// ErrAlreadySettled is returned on a double-settlement attempt. The
	// transition to settled is terminal; callers must detect this and skip
	// rather than retry.
	ErrAlreadySettled = errors.New("wager: already settled")
)

// Service places and settles wagers. Balance mutations run under the same
// per-account ledger locks the exchange engine uses, so escrow debits and
// payout credits serialize with trades.
type Service struct {
	store  store.Store
	locker *ledger.AccountLocker
}

// NewService creates a new wager service.
func NewService(st store.Store, locker *ledger.AccountLocker) *Service {
	return &Service{store: st, locker: locker}
}

// PlaceParams carries the common wager fields plus the kind-specific payload.
type PlaceParams struct {
	AccountID string
	Kind      model.WagerKind
	Stake     decimal.Decimal
	Odds      decimal.Decimal
	ExpiresAt time.Time

	// Futures payload.
	TargetStrainID string
	Prediction     string

	// Head-to-head payload.
	StrainAID string
	StrainBID string
	Metric    string

	// Prop payload.
	Description string
}

// PlaceResult is returned from Place.
type PlaceResult struct {
	WagerID         string          `json:"wager_id"`
	Kind            model.WagerKind `json:"kind"`
	Stake           decimal.Decimal `json:"stake"`
	Odds            decimal.Decimal `json:"odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	ExpiresAt       time.Time       `json:"expires_at"`
	NewBalance      decimal.Decimal `json:"new_balance"`
}

// SettleResult is returned from Settle.
type SettleResult struct {
	WagerID    string             `json:"wager_id"`
	Outcome    model.WagerOutcome `json:"outcome"`
	Payout     decimal.Decimal    `json:"payout"` // zero when lost
	NewBalance decimal.Decimal    `json:"new_balance"`
}

// Place escrows the stake and creates a pending wager, atomically or not
// at all.
func (s *Service) Place(ctx context.Context, p PlaceParams) (*PlaceResult, error) {
	if p.Stake.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidStake
	}
	if p.Odds.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidOdds
	}
	if err := s.validatePayload(ctx, p); err != nil {
		return nil, err
	}

	s.locker.Lock(p.AccountID)
	defer s.locker.Unlock(p.AccountID)

	account, err := s.store.GetAccount(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Balance.LessThan(p.Stake) {
		return nil, ErrInsufficientFunds
	}

	// Escrow: the stake leaves the balance now, for the wager's lifetime.
	newBalance := account.Balance.Sub(p.Stake)

	w := &model.Wager{
		ID:              uuid.New().String(),
		AccountID:       p.AccountID,
		Kind:            p.Kind,
		Stake:           p.Stake,
		Odds:            p.Odds,
		PotentialPayout: p.Stake.Mul(p.Odds),
		ExpiresAt:       p.ExpiresAt,
		Settled:         false,
		Outcome:         model.OutcomePending,
		CreatedAt:       time.Now().UTC(),
		TargetStrainID:  p.TargetStrainID,
		Prediction:      p.Prediction,
		StrainAID:       p.StrainAID,
		StrainBID:       p.StrainBID,
		Metric:          p.Metric,
		Description:     p.Description,
	}

	if err := s.store.ApplyWagerPlacement(ctx, w, newBalance); err != nil {
		return nil, err
	}

	metrics.WagersPlaced.WithLabelValues(string(p.Kind)).Inc()
	slog.Info("wager placed",
		"wager_id", w.ID,
		"account", p.AccountID,
		"kind", p.Kind,
		"stake", p.Stake.String(),
		"odds", p.Odds.String(),
		"payout", w.PotentialPayout.String(),
		"expires_at", p.ExpiresAt,
	)

	return &PlaceResult{
		WagerID:         w.ID,
		Kind:            w.Kind,
		Stake:           w.Stake,
		Odds:            w.Odds,
		PotentialPayout: w.PotentialPayout,
		ExpiresAt:       w.ExpiresAt,
		NewBalance:      newBalance,
	}, nil
}

// validatePayload checks the kind-specific fields, including that any
// referenced strains exist.
func (s *Service) validatePayload(ctx context.Context, p PlaceParams) error {
	switch p.Kind {
	case model.KindFutures:
		if p.TargetStrainID == "" || p.Prediction == "" {
			return ErrInvalidKind
		}
		if _, err := s.store.GetStrain(ctx, p.TargetStrainID); err != nil {
			return err
		}
	case model.KindHeadToHead:
		if p.StrainAID == "" || p.StrainBID == "" || p.Metric == "" || p.Prediction == "" {
			return ErrInvalidKind
		}
		if _, err := s.store.GetStrain(ctx, p.StrainAID); err != nil {
			return err
		}
		if _, err := s.store.GetStrain(ctx, p.StrainBID); err != nil {
			return err
		}
	case model.KindProp:
		if p.Description == "" {
			return ErrInvalidKind
		}
	default:
		return ErrInvalidKind
	}
	return nil
}

// Settle transitions a pending wager to won or lost, exactly once. Winning
// credits the potential payout; losing credits nothing and the escrowed
// stake is forfeited.
func (s *Service) Settle(ctx context.Context, wagerID string, won bool) (*SettleResult, error) {
	w, err := s.store.GetWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}

	s.locker.Lock(w.AccountID)
	defer s.locker.Unlock(w.AccountID)

	// Re-read under the lock: another settlement may have won the race.
	w, err = s.store.GetWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if w.Settled {
		return nil, ErrAlreadySettled
	}

	account, err := s.store.GetAccount(ctx, w.AccountID)
	if err != nil {
		return nil, err
	}

	outcome := model.OutcomeLost
	payout := decimal.Zero
	newBalance := account.Balance
	if won {
		outcome = model.OutcomeWon
		payout = w.PotentialPayout
		newBalance = account.Balance.Add(payout)
	}

	if err := s.store.ApplyWagerSettlement(ctx, wagerID, outcome, w.AccountID, newBalance); err != nil {
		return nil, err
	}

	metrics.WagersSettled.WithLabelValues(string(outcome)).Inc()
	slog.Info("wager settled",
		"wager_id", wagerID,
		"account", w.AccountID,
		"kind", w.Kind,
		"outcome", outcome,
		"payout", payout.String(),
	)

	return &SettleResult{
		WagerID:    wagerID,
		Outcome:    outcome,
		Payout:     payout,
		NewBalance: newBalance,
	}, nil
}

// --- Request types ---

// FuturesRequest is the JSON body for POST /wagers/futures.
type FuturesRequest struct {
	AccountID      string          `json:"account_id"`
	TargetStrainID string          `json:"target_strain_id"`
	Prediction     string          `json:"prediction"`
	Stake          decimal.Decimal `json:"stake"`
	Odds           decimal.Decimal `json:"odds"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// HeadToHeadRequest is the JSON body for POST /wagers/head-to-head.
type HeadToHeadRequest struct {
	AccountID  string          `json:"account_id"`
	StrainAID  string          `json:"strain_a_id"`
	StrainBID  string          `json:"strain_b_id"`
	Metric     string          `json:"metric"`
	Prediction string          `json:"prediction"`
	Stake      decimal.Decimal `json:"stake"`
	Odds       decimal.Decimal `json:"odds"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// PropRequest is the JSON body for POST /wagers/prop.
type PropRequest struct {
	AccountID   string          `json:"account_id"`
	Description string          `json:"description"`
	Stake       decimal.Decimal `json:"stake"`
	Odds        decimal.Decimal `json:"odds"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// SettleRequest is the JSON body for POST /wagers/{wagerID}/settle.
type SettleRequest struct {
	Won bool `json:"won"`
}

// --- HTTP handlers ---

// HandlePlaceFutures handles POST /api/v1/wagers/futures.
func (s *Service) HandlePlaceFutures(w http.ResponseWriter, r *http.Request) {
	var req FuturesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.place(w, r, PlaceParams{
		AccountID:      req.AccountID,
		Kind:           model.KindFutures,
		Stake:          req.Stake,
		Odds:           req.Odds,
		ExpiresAt:      req.ExpiresAt,
		TargetStrainID: req.TargetStrainID,
		Prediction:     req.Prediction,
	})
}

// HandlePlaceHeadToHead handles POST /api/v1/wagers/head-to-head.
func (s *Service) HandlePlaceHeadToHead(w http.ResponseWriter, r *http.Request) {
	var req HeadToHeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.place(w, r, PlaceParams{
		AccountID:  req.AccountID,
		Kind:       model.KindHeadToHead,
		Stake:      req.Stake,
		Odds:       req.Odds,
		ExpiresAt:  req.ExpiresAt,
		StrainAID:  req.StrainAID,
		StrainBID:  req.StrainBID,
		Metric:     req.Metric,
		Prediction: req.Prediction,
	})
}

// HandlePlaceProp handles POST /api/v1/wagers/prop.
func (s *Service) HandlePlaceProp(w http.ResponseWriter, r *http.Request) {
	var req PropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.place(w, r, PlaceParams{
		AccountID:   req.AccountID,
		Kind:        model.KindProp,
		Stake:       req.Stake,
		Odds:        req.Odds,
		ExpiresAt:   req.ExpiresAt,
		Description: req.Description,
	})
}

func (s *Service) place(w http.ResponseWriter, r *http.Request, p PlaceParams) {
	if p.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	result, err := s.Place(r.Context(), p)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// HandleSettle handles POST /api/v1/wagers/{wagerID}/settle.
func (s *Service) HandleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.Settle(r.Context(), chi.URLParam(r, "wagerID"), req.Won)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleListWagers handles GET /api/v1/wagers/account/{accountID}.
func (s *Service) HandleListWagers(w http.ResponseWriter, r *http.Request) {
	wagers, err := s.store.GetWagers(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if wagers == nil {
		wagers = []model.Wager{}
	}
	writeJSON(w, http.StatusOK, wagers)
}

// --- helpers ---

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidStake), errors.Is(err, ErrInvalidOdds), errors.Is(err, ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
