package exchange_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/strainex/exchange-engine/internal/exchange"
	"github.com/strainex/exchange-engine/internal/ledger"
	"github.com/strainex/exchange-engine/internal/model"
	"github.com/strainex/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*exchange.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := exchange.NewService(ms, ledger.NewAccountLocker(), nil)

	r := chi.NewRouter()
	r.Post("/api/v1/accounts", svc.HandleCreateAccount)
	r.Get("/api/v1/accounts/{accountID}", svc.HandleGetAccount)
	r.Post("/api/v1/strains", svc.HandleCreateStrain)
	r.Get("/api/v1/strains", svc.HandleListStrains)
	r.Get("/api/v1/strains/{strainID}", svc.HandleGetStrain)
	r.Post("/api/v1/trades/buy", svc.HandleBuy)
	r.Post("/api/v1/trades/sell", svc.HandleSell)
	r.Get("/api/v1/trades/history", svc.HandleTradeHistory)
	r.Get("/api/v1/portfolio/{accountID}", svc.HandlePortfolio)

	return svc, ms, r
}

func seedAccount(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID:        id,
		Username:  id,
		Balance:   d(balance),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func seedStrain(t *testing.T, ms *store.MemoryStore, id string, price float64) {
	t.Helper()
	err := ms.CreateStrain(context.Background(), &model.Strain{
		ID:           id,
		Name:         "Strain " + id,
		Slug:         "strain-" + id,
		CurrentPrice: d(price),
		BasePrice:    d(price),
		LastUpdated:  time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed strain: %v", err)
	}
}

func doTrade(t *testing.T, router chi.Router, path string, req exchange.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", path, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

// --- Buy tests ---

func TestBuy_DebitsExactCost(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	seedStrain(t, ms, "strain1", 25)

	w := doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(4),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp exchange.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Total.Equal(d(100)) {
		t.Errorf("expected total 100, got %s", resp.Total)
	}
	if !resp.NewBalance.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", resp.NewBalance)
	}

	pos, err := ms.GetPosition(context.Background(), "user1", "strain1")
	if err != nil {
		t.Fatalf("position not created: %v", err)
	}
	if !pos.SharesOwned.Equal(d(4)) {
		t.Errorf("expected 4 shares, got %s", pos.SharesOwned)
	}
	if !pos.AvgCostBasis.Equal(d(25)) {
		t.Errorf("expected avg cost 25, got %s", pos.AvgCostBasis)
	}
	if !pos.TotalInvested.Equal(d(100)) {
		t.Errorf("expected invested 100, got %s", pos.TotalInvested)
	}
}

func TestBuy_AveragesCostBasis(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	seedStrain(t, ms, "strain1", 10)

	doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(10),
	})

	// Price moves, second buy at 20.
	ms.UpdateStrainPrice(context.Background(), "strain1", d(20), 0, time.Now().UTC(), &model.PricePoint{
		ID: "p1", StrainID: "strain1", Price: d(20), Timestamp: time.Now().UTC(),
	})

	doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(10),
	})

	pos, _ := ms.GetPosition(context.Background(), "user1", "strain1")
	if !pos.SharesOwned.Equal(d(20)) {
		t.Fatalf("expected 20 shares, got %s", pos.SharesOwned)
	}
	// 10@10 + 10@20 = 300 invested, avg 15.
	if !pos.TotalInvested.Equal(d(300)) {
		t.Errorf("expected invested 300, got %s", pos.TotalInvested)
	}
	if !pos.AvgCostBasis.Equal(d(15)) {
		t.Errorf("expected avg cost 15, got %s", pos.AvgCostBasis)
	}

	// Invariant: total_invested = avg_cost_basis * shares_owned.
	if !pos.AvgCostBasis.Mul(pos.SharesOwned).Equal(pos.TotalInvested) {
		t.Errorf("cost basis invariant violated: %s * %s != %s",
			pos.AvgCostBasis, pos.SharesOwned, pos.TotalInvested)
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 50)
	seedStrain(t, ms, "strain1", 25)

	w := doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(3),
	})

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Rejected buy leaves no trace.
	account, _ := ms.GetAccount(context.Background(), "user1")
	if !account.Balance.Equal(d(50)) {
		t.Errorf("balance should be unchanged, got %s", account.Balance)
	}
	if _, err := ms.GetPosition(context.Background(), "user1", "strain1"); err == nil {
		t.Error("no position should exist after rejected buy")
	}
	trades, _ := ms.GetTrades(context.Background(), "user1", 10, 0)
	if len(trades) != 0 {
		t.Errorf("expected 0 trades, got %d", len(trades))
	}
}

func TestBuy_ZeroShares(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	seedStrain(t, ms, "strain1", 25)

	w := doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: decimal.Zero,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero shares, got %d", w.Code)
	}

	w = doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(-5),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative shares, got %d", w.Code)
	}
}

func TestBuy_StrainNotFound(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)

	w := doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "missing", Shares: d(1),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Sell tests ---

func TestSell_CreditsProceedsAndShrinksBasis(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	seedStrain(t, ms, "strain1", 10)

	doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(10),
	})

	// Price rises to 16, sell 4.
	ms.UpdateStrainPrice(context.Background(), "strain1", d(16), 0, time.Now().UTC(), &model.PricePoint{
		ID: "p1", StrainID: "strain1", Price: d(16), Timestamp: time.Now().UTC(),
	})

	w := doTrade(t, router, "/api/v1/trades/sell", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(4),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp exchange.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Total.Equal(d(64)) {
		t.Errorf("expected proceeds 64, got %s", resp.Total)
	}
	// 1000 - 100 buy + 64 sell.
	if !resp.NewBalance.Equal(d(964)) {
		t.Errorf("expected balance 964, got %s", resp.NewBalance)
	}

	// Basis shrinks at the average entry price, not the sale price.
	pos, _ := ms.GetPosition(context.Background(), "user1", "strain1")
	if !pos.SharesOwned.Equal(d(6)) {
		t.Errorf("expected 6 shares, got %s", pos.SharesOwned)
	}
	if !pos.TotalInvested.Equal(d(60)) {
		t.Errorf("expected invested 60, got %s", pos.TotalInvested)
	}
	if !pos.AvgCostBasis.Equal(d(10)) {
		t.Errorf("avg cost should stay 10 through a sell, got %s", pos.AvgCostBasis)
	}
}

func TestSell_EntirePositionDeletesIt(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	seedStrain(t, ms, "strain1", 10)

	doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(5),
	})
	w := doTrade(t, router, "/api/v1/trades/sell", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(5),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if _, err := ms.GetPosition(context.Background(), "user1", "strain1"); err == nil {
		t.Error("fully sold position should be deleted")
	}

	account, _ := ms.GetAccount(context.Background(), "user1")
	if !account.Balance.Equal(d(1000)) {
		t.Errorf("round trip at flat price should restore balance, got %s", account.Balance)
	}
}

func TestSell_MoreThanHeld(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	seedStrain(t, ms, "strain1", 10)

	doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(5),
	})
	w := doTrade(t, router, "/api/v1/trades/sell", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(6),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for oversell, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSell_NoPosition(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	seedStrain(t, ms, "strain1", 10)

	w := doTrade(t, router, "/api/v1/trades/sell", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for sell without position, got %d", w.Code)
	}
}

// --- Concurrency ---

func TestBuy_ConcurrentNeverOverdraws(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedAccount(t, ms, "user1", 100)
	seedStrain(t, ms, "strain1", 30)

	// Only 3 of 10 concurrent buys can be funded.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.ExecuteBuy(context.Background(), "user1", "strain1", d(1))
		}()
	}
	wg.Wait()

	account, _ := ms.GetAccount(context.Background(), "user1")
	if account.Balance.IsNegative() {
		t.Fatalf("balance went negative: %s", account.Balance)
	}
	if !account.Balance.Equal(d(10)) {
		t.Errorf("expected balance 10 after 3 funded buys, got %s", account.Balance)
	}

	pos, _ := ms.GetPosition(context.Background(), "user1", "strain1")
	if !pos.SharesOwned.Equal(d(3)) {
		t.Errorf("expected 3 shares, got %s", pos.SharesOwned)
	}
}

// --- Portfolio ---

func TestPortfolio_MarksToCurrentQuote(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)
	seedStrain(t, ms, "strain1", 10)

	doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
		AccountID: "user1", StrainID: "strain1", Shares: d(10),
	})
	ms.UpdateStrainPrice(context.Background(), "strain1", d(15), 0, time.Now().UTC(), &model.PricePoint{
		ID: "p1", StrainID: "strain1", Price: d(15), Timestamp: time.Now().UTC(),
	})

	req := httptest.NewRequest("GET", "/api/v1/portfolio/user1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)

	if !portfolio.Balance.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", portfolio.Balance)
	}
	if !portfolio.HoldingsValue.Equal(d(150)) {
		t.Errorf("expected holdings value 150, got %s", portfolio.HoldingsValue)
	}
	if !portfolio.TotalValue.Equal(d(1050)) {
		t.Errorf("expected total value 1050, got %s", portfolio.TotalValue)
	}

	if len(portfolio.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(portfolio.Holdings))
	}
	h := portfolio.Holdings[0]
	if !h.ProfitLoss.Equal(d(50)) {
		t.Errorf("expected profit 50, got %s", h.ProfitLoss)
	}
	if !h.ProfitLossPct.Equal(d(50)) {
		t.Errorf("expected profit pct 50, got %s", h.ProfitLossPct)
	}
}

func TestPortfolio_Empty(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 1000)

	req := httptest.NewRequest("GET", "/api/v1/portfolio/user1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if len(portfolio.Holdings) != 0 {
		t.Errorf("expected 0 holdings, got %d", len(portfolio.Holdings))
	}
	if !portfolio.TotalValue.Equal(d(1000)) {
		t.Errorf("expected total value 1000, got %s", portfolio.TotalValue)
	}
}

// --- Trade history ---

func TestTradeHistory_Pagination(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "user1", 10000)
	seedStrain(t, ms, "strain1", 10)

	for i := 0; i < 5; i++ {
		doTrade(t, router, "/api/v1/trades/buy", exchange.TradeRequest{
			AccountID: "user1", StrainID: "strain1", Shares: d(1),
		})
	}

	req := httptest.NewRequest("GET", "/api/v1/trades/history?account_id=user1&limit=2&offset=0", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 2 {
		t.Errorf("expected 2 trades, got %d", len(trades))
	}

	req = httptest.NewRequest("GET", "/api/v1/trades/history?account_id=user1&limit=10&offset=4", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade at offset 4, got %d", len(trades))
	}
}

// --- Accounts and strains via API ---

func TestCreateAccount_StartingBalance(t *testing.T) {
	_, _, router := newTestEnv(t)

	body, _ := json.Marshal(exchange.CreateAccountRequest{Username: "alice"})
	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var account model.Account
	json.Unmarshal(w.Body.Bytes(), &account)
	if account.ID == "" {
		t.Error("expected non-empty account id")
	}
	if !account.Balance.Equal(exchange.DefaultStartingBalance) {
		t.Errorf("expected starting balance %s, got %s", exchange.DefaultStartingBalance, account.Balance)
	}
}

func TestCreateStrain_ComputesInitialQuote(t *testing.T) {
	_, _, router := newTestEnv(t)

	body, _ := json.Marshal(exchange.CreateStrainRequest{
		Name:      "OG Kush",
		Slug:      "og-kush",
		BasePrice: d(100),
	})
	req := httptest.NewRequest("POST", "/api/v1/strains", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var strain model.Strain
	json.Unmarshal(w.Body.Bytes(), &strain)
	// base_price 100 and no signals quote at exactly 100.
	if !strain.CurrentPrice.Equal(d(100)) {
		t.Errorf("expected initial quote 100, got %s", strain.CurrentPrice)
	}
}

func TestListStrains_Reports24hChange(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedStrain(t, ms, "strain1", 100)

	// A quote from an hour ago at 100, current price moved to 110.
	ms.UpdateStrainPrice(context.Background(), "strain1", d(100), 0, time.Now().UTC().Add(-time.Hour), &model.PricePoint{
		ID: "p1", StrainID: "strain1", Price: d(100), Timestamp: time.Now().UTC().Add(-time.Hour),
	})
	ms.UpdateStrainPrice(context.Background(), "strain1", d(110), 0, time.Now().UTC(), &model.PricePoint{
		ID: "p2", StrainID: "strain1", Price: d(110), Timestamp: time.Now().UTC(),
	})

	req := httptest.NewRequest("GET", "/api/v1/strains", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var summaries []exchange.StrainSummary
	json.Unmarshal(w.Body.Bytes(), &summaries)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 strain, got %d", len(summaries))
	}
	if !summaries[0].Change24h.Equal(d(10)) {
		t.Errorf("expected 24h change 10, got %s", summaries[0].Change24h)
	}
}

func TestGetStrain_IncludesHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedStrain(t, ms, "strain1", 100)
	ms.UpdateStrainPrice(context.Background(), "strain1", d(105), 0, time.Now().UTC(), &model.PricePoint{
		ID: "p1", StrainID: "strain1", Price: d(105), Timestamp: time.Now().UTC(),
	})

	req := httptest.NewRequest("GET", "/api/v1/strains/strain1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var detail exchange.StrainDetail
	json.Unmarshal(w.Body.Bytes(), &detail)
	if detail.ID != "strain1" {
		t.Errorf("unexpected strain id: %s", detail.ID)
	}
	if len(detail.PriceHistory) != 1 {
		t.Errorf("expected 1 history point, got %d", len(detail.PriceHistory))
	}
}
