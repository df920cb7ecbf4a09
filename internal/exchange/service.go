// Package exchange executes buy and sell orders against the ledger store at
// the current computed quote, maintains position cost basis, and serves
// portfolio valuations.
//
// All monetary values use shopspring/decimal, never float64.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/strainex/exchange-engine/internal/ledger"
	"github.com/strainex/exchange-engine/internal/metrics"
	"github.com/strainex/exchange-engine/internal/model"
	"github.com/strainex/exchange-engine/internal/pricing"
	"github.com/strainex/exchange-engine/internal/store"
)

var (
	// ErrInvalidQuantity is returned for zero or negative share counts.
	ErrInvalidQuantity = errors.New("exchange: shares must be greater than zero")

	// ErrInsufficientFunds is returned when the balance cannot cover a buy.
	ErrInsufficientFunds = errors.New("exchange: insufficient WeedCoin balance")

	// ErrInsufficientPosition is returned when selling more shares than held.
	ErrInsufficientPosition = errors.New("exchange: insufficient shares to sell")
)

// DefaultStartingBalance is credited to newly created accounts.
var DefaultStartingBalance = decimal.NewFromInt(1000)

// Service executes trades and valuations. Every balance-touching operation
// runs under the account's ledger lock, shared with the wager engine, so a
// buy can never race a wager placement past a stale balance check.
type Service struct {
	store  store.Store
	locker *ledger.AccountLocker
	wsHub  *WSHub // optional hub for real-time broadcasts
}

// NewService creates a new exchange service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, locker *ledger.AccountLocker, hub *WSHub) *Service {
	return &Service{
		store:  st,
		locker: locker,
		wsHub:  hub,
	}
}

// TradeResult is returned from ExecuteBuy and ExecuteSell.
type TradeResult struct {
	TradeID    string          `json:"trade_id"`
	StrainID   string          `json:"strain_id"`
	Side       model.TradeSide `json:"side"`
	Shares     decimal.Decimal `json:"shares"`
	Price      decimal.Decimal `json:"price"`
	Total      decimal.Decimal `json:"total"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// ExecuteBuy debits the cost of shares at the current quote, upserts the
// position at the recomputed average cost basis, and appends the trade
// record, atomically or not at all.
func (s *Service) ExecuteBuy(ctx context.Context, accountID, strainID string, shares decimal.Decimal) (*TradeResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}

	start := time.Now()
	s.locker.Lock(accountID)
	defer s.locker.Unlock(accountID)

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	strain, err := s.store.GetStrain(ctx, strainID)
	if err != nil {
		return nil, err
	}

	cost := strain.CurrentPrice.Mul(shares)
	if account.Balance.LessThan(cost) {
		return nil, ErrInsufficientFunds
	}
	newBalance := account.Balance.Sub(cost)

	now := time.Now().UTC()
	pos, err := s.store.GetPosition(ctx, accountID, strainID)
	switch {
	case err == nil:
		// Weighted-average entry price over the combined position.
		newShares := pos.SharesOwned.Add(shares)
		newInvested := pos.TotalInvested.Add(cost)
		pos.SharesOwned = newShares
		pos.TotalInvested = newInvested
		pos.AvgCostBasis = newInvested.Div(newShares)
		pos.UpdatedAt = now
	case errors.Is(err, store.ErrNotFound):
		pos = &model.Position{
			AccountID:     accountID,
			StrainID:      strainID,
			SharesOwned:   shares,
			AvgCostBasis:  strain.CurrentPrice,
			TotalInvested: cost,
			UpdatedAt:     now,
		}
	default:
		return nil, err
	}

	trade := &model.Trade{
		ID:        uuid.New().String(),
		AccountID: accountID,
		StrainID:  strainID,
		Side:      model.SideBuy,
		Shares:    shares,
		Price:     strain.CurrentPrice,
		Total:     cost,
		Timestamp: now,
	}

	if err := s.store.ApplyTrade(ctx, newBalance, pos, false, trade); err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(model.SideBuy)).Inc()
	metrics.TradeLatency.WithLabelValues(string(model.SideBuy)).Observe(time.Since(start).Seconds())

	slog.Info("buy executed",
		"trade_id", trade.ID,
		"account", accountID,
		"strain", strainID,
		"shares", shares.String(),
		"price", strain.CurrentPrice.String(),
		"cost", cost.String(),
	)

	if s.wsHub != nil {
		s.wsHub.BroadcastTrade(strainID, model.SideBuy, shares, strain.CurrentPrice)
	}

	return &TradeResult{
		TradeID:    trade.ID,
		StrainID:   strainID,
		Side:       model.SideBuy,
		Shares:     shares,
		Price:      strain.CurrentPrice,
		Total:      cost,
		NewBalance: newBalance,
	}, nil
}

// ExecuteSell credits the proceeds of shares at the current quote and shrinks
// the position, removing cost basis at the average entry price. Realized
// gain or loss is implicit in the balance credit versus the cost removed.
// Selling the entire position deletes it.
func (s *Service) ExecuteSell(ctx context.Context, accountID, strainID string, shares decimal.Decimal) (*TradeResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}

	start := time.Now()
	s.locker.Lock(accountID)
	defer s.locker.Unlock(accountID)

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	strain, err := s.store.GetStrain(ctx, strainID)
	if err != nil {
		return nil, err
	}

	pos, err := s.store.GetPosition(ctx, accountID, strainID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInsufficientPosition
	}
	if err != nil {
		return nil, err
	}
	if pos.SharesOwned.LessThan(shares) {
		return nil, ErrInsufficientPosition
	}

	proceeds := strain.CurrentPrice.Mul(shares)
	newBalance := account.Balance.Add(proceeds)

	now := time.Now().UTC()
	pos.SharesOwned = pos.SharesOwned.Sub(shares)
	pos.TotalInvested = pos.TotalInvested.Sub(pos.AvgCostBasis.Mul(shares))
	pos.UpdatedAt = now
	removePosition := pos.SharesOwned.IsZero()

	trade := &model.Trade{
		ID:        uuid.New().String(),
		AccountID: accountID,
		StrainID:  strainID,
		Side:      model.SideSell,
		Shares:    shares,
		Price:     strain.CurrentPrice,
		Total:     proceeds,
		Timestamp: now,
	}

	if err := s.store.ApplyTrade(ctx, newBalance, pos, removePosition, trade); err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(model.SideSell)).Inc()
	metrics.TradeLatency.WithLabelValues(string(model.SideSell)).Observe(time.Since(start).Seconds())

	slog.Info("sell executed",
		"trade_id", trade.ID,
		"account", accountID,
		"strain", strainID,
		"shares", shares.String(),
		"price", strain.CurrentPrice.String(),
		"proceeds", proceeds.String(),
		"position_closed", removePosition,
	)

	if s.wsHub != nil {
		s.wsHub.BroadcastTrade(strainID, model.SideSell, shares, strain.CurrentPrice)
	}

	return &TradeResult{
		TradeID:    trade.ID,
		StrainID:   strainID,
		Side:       model.SideSell,
		Shares:     shares,
		Price:      strain.CurrentPrice,
		Total:      proceeds,
		NewBalance: newBalance,
	}, nil
}

// PortfolioValue marks every position of the account to the current quote.
// Runs under the account lock so the snapshot is consistent with respect to
// concurrent trades.
func (s *Service) PortfolioValue(ctx context.Context, accountID string) (*model.Portfolio, error) {
	s.locker.Lock(accountID)
	defer s.locker.Unlock(accountID)

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.GetPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	holdingsValue := decimal.Zero
	holdings := make([]model.Holding, 0, len(positions))

	for _, pos := range positions {
		strain, err := s.store.GetStrain(ctx, pos.StrainID)
		if err != nil {
			return nil, err
		}

		currentValue := strain.CurrentPrice.Mul(pos.SharesOwned)
		profitLoss := currentValue.Sub(pos.TotalInvested)
		profitLossPct := decimal.Zero
		if pos.TotalInvested.IsPositive() {
			profitLossPct = profitLoss.Div(pos.TotalInvested).Mul(decimal.NewFromInt(100)).Round(2)
		}

		holdingsValue = holdingsValue.Add(currentValue)
		holdings = append(holdings, model.Holding{
			StrainID:      pos.StrainID,
			StrainName:    strain.Name,
			Shares:        pos.SharesOwned,
			AvgCostBasis:  pos.AvgCostBasis,
			CurrentPrice:  strain.CurrentPrice,
			CurrentValue:  currentValue,
			ProfitLoss:    profitLoss,
			ProfitLossPct: profitLossPct,
		})
	}

	return &model.Portfolio{
		AccountID:     accountID,
		Balance:       account.Balance,
		HoldingsValue: holdingsValue,
		TotalValue:    account.Balance.Add(holdingsValue),
		Holdings:      holdings,
	}, nil
}

// --- Request types ---

// TradeRequest is the JSON body for POST /trades/buy and /trades/sell.
type TradeRequest struct {
	AccountID string          `json:"account_id"`
	StrainID  string          `json:"strain_id"`
	Shares    decimal.Decimal `json:"shares"`
}

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	Username string `json:"username"`
}

// CreateStrainRequest is the JSON body for strain creation.
type CreateStrainRequest struct {
	Name            string          `json:"name"`
	Slug            string          `json:"slug"`
	BasePrice       decimal.Decimal `json:"base_price"`
	VolatilityScore decimal.Decimal `json:"volatility_score"`
	FavoriteCount   int64           `json:"favorite_count"`
}

// StrainSummary is the list-view strain representation with 24h change.
type StrainSummary struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Slug          string          `json:"slug"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	FavoriteCount int64           `json:"favorite_count"`
	Change24h     decimal.Decimal `json:"change_24h"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// StrainDetail is the detail-view strain representation with history.
type StrainDetail struct {
	model.Strain
	PriceHistory []model.PricePoint `json:"price_history"`
}

// --- HTTP handlers ---

// HandleBuy handles POST /api/v1/trades/buy.
func (s *Service) HandleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.ExecuteBuy)
}

// HandleSell handles POST /api/v1/trades/sell.
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.ExecuteSell)
}

func (s *Service) handleTrade(w http.ResponseWriter, r *http.Request, exec func(context.Context, string, string, decimal.Decimal) (*TradeResult, error)) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.StrainID == "" {
		writeError(w, "account_id and strain_id are required", http.StatusBadRequest)
		return
	}

	result, err := exec(r.Context(), req.AccountID, req.StrainID, req.Shares)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandlePortfolio handles GET /api/v1/portfolio/{accountID}.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	portfolio, err := s.PortfolioValue(r.Context(), accountID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, portfolio)
}

// HandleTradeHistory handles GET /api/v1/trades/history?account_id=&limit=&offset=.
func (s *Service) HandleTradeHistory(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	trades, err := s.store.GetTrades(r.Context(), accountID, limit, offset)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	writeJSON(w, http.StatusOK, trades)
}

// HandleCreateAccount handles POST /api/v1/accounts.
func (s *Service) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	account := &model.Account{
		ID:        uuid.New().String(),
		Username:  req.Username,
		Balance:   DefaultStartingBalance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("account created", "id", account.ID, "username", account.Username)
	writeJSON(w, http.StatusCreated, account)
}

// HandleGetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HandleCreateStrain handles POST /api/v1/strains.
// The initial quote is computed from the supplied signals.
func (s *Service) HandleCreateStrain(w http.ResponseWriter, r *http.Request) {
	var req CreateStrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Slug == "" {
		writeError(w, "name and slug are required", http.StatusBadRequest)
		return
	}
	if req.BasePrice.LessThanOrEqual(decimal.Zero) {
		writeError(w, "base_price must be positive", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	price := pricing.Price(pricing.Signals{
		AvgPricePerUnit:  req.BasePrice.Div(decimal.NewFromInt(10)),
		FavoriteCount:    req.FavoriteCount,
		VolatilitySpread: req.VolatilityScore,
	})
	strain := &model.Strain{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Slug:            req.Slug,
		CurrentPrice:    price,
		BasePrice:       req.BasePrice,
		VolatilityScore: req.VolatilityScore,
		FavoriteCount:   req.FavoriteCount,
		LastUpdated:     now,
		CreatedAt:       now,
	}
	if err := s.store.CreateStrain(r.Context(), strain); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("strain created", "id", strain.ID, "name", strain.Name, "price", price.String())
	writeJSON(w, http.StatusCreated, strain)
}

// HandleListStrains handles GET /api/v1/strains.
// Each strain carries its percent change against the earliest quote in the
// trailing 24 hours.
func (s *Service) HandleListStrains(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	strains, err := s.store.ListStrains(ctx)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	summaries := make([]StrainSummary, 0, len(strains))
	for _, st := range strains {
		change := decimal.Zero
		if points, err := s.store.GetPriceHistory(ctx, st.ID, since); err == nil && len(points) > 0 {
			change = pricing.PercentChange(points[0].Price, st.CurrentPrice)
		}
		summaries = append(summaries, StrainSummary{
			ID:            st.ID,
			Name:          st.Name,
			Slug:          st.Slug,
			CurrentPrice:  st.CurrentPrice,
			FavoriteCount: st.FavoriteCount,
			Change24h:     change,
			LastUpdated:   st.LastUpdated,
		})
	}

	writeJSON(w, http.StatusOK, summaries)
}

// HandleGetStrain handles GET /api/v1/strains/{strainID}.
func (s *Service) HandleGetStrain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	strain, err := s.store.GetStrain(ctx, chi.URLParam(r, "strainID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	points, err := s.store.GetPriceHistory(ctx, strain.ID, since)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	writeJSON(w, http.StatusOK, StrainDetail{Strain: *strain, PriceHistory: points})
}

// --- helpers ---

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientPosition):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
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
