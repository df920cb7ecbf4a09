// Package model defines the core domain types shared across the exchange
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a user's WeedCoin balance. The balance is mutated only by
// the exchange engine (trade settlement) and the wager engine (stake escrow,
// payout credit), always under the account's ledger lock.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"` // non-negative
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Strain is a tradable instrument with a price computed from market signals.
// CurrentPrice is written only by the feed refresh, never by trade execution.
type Strain struct {
	ID              string          `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Slug            string          `json:"slug" db:"slug"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	BasePrice       decimal.Decimal `json:"base_price" db:"base_price"`
	PopularityScore decimal.Decimal `json:"popularity_score" db:"popularity_score"`
	VolatilityScore decimal.Decimal `json:"volatility_score" db:"volatility_score"`
	FavoriteCount   int64           `json:"favorite_count" db:"favorite_count"`
	LastUpdated     time.Time       `json:"last_updated" db:"last_updated"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// PricePoint is one entry in a strain's append-only price history.
// Once created, these are never modified or deleted.
type PricePoint struct {
	ID        string          `json:"id" db:"id"`
	StrainID  string          `json:"strain_id" db:"strain_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Volume    int64           `json:"volume" db:"volume"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is one account's holding in one strain, tracked at average cost.
// Unique per (account, strain); created on first buy and deleted when
// SharesOwned reaches exactly zero.
//
// Invariant: TotalInvested == AvgCostBasis * SharesOwned after every
// mutation, and SharesOwned >= 0 always.
type Position struct {
	AccountID     string          `json:"account_id" db:"account_id"`
	StrainID      string          `json:"strain_id" db:"strain_id"`
	SharesOwned   decimal.Decimal `json:"shares_owned" db:"shares_owned"`
	AvgCostBasis  decimal.Decimal `json:"avg_cost_basis" db:"avg_cost_basis"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeSide is the direction of an executed trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Trade is an immutable record of one executed buy or sell.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	StrainID  string          `json:"strain_id" db:"strain_id"`
	Side      TradeSide       `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"` // quote at execution
	Total     decimal.Decimal `json:"total" db:"total"` // price * shares
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// WagerKind discriminates the three wager shapes. All kinds share one
// lifecycle and one settlement path; only the payload fields differ.
type WagerKind string

const (
	KindFutures    WagerKind = "futures"
	KindHeadToHead WagerKind = "head_to_head"
	KindProp       WagerKind = "prop"
)

// WagerOutcome is the wager lifecycle state: pending until settled, then
// won or lost, terminally.
type WagerOutcome string

const (
	OutcomePending WagerOutcome = "pending"
	OutcomeWon     WagerOutcome = "won"
	OutcomeLost    WagerOutcome = "lost"
)

// Wager is a staked prediction with fixed odds. The stake is escrowed out of
// the account balance at creation; winning credits PotentialPayout
// (stake * odds, principal included), losing forfeits the stake.
type Wager struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Kind            WagerKind       `json:"kind" db:"kind"`
	Stake           decimal.Decimal `json:"stake" db:"stake"`
	Odds            decimal.Decimal `json:"odds" db:"odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout" db:"potential_payout"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`
	Settled         bool            `json:"settled" db:"settled"`
	Outcome         WagerOutcome    `json:"outcome" db:"outcome"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`

	// Futures payload.
	TargetStrainID string `json:"target_strain_id,omitempty" db:"target_strain_id"`
	Prediction     string `json:"prediction,omitempty" db:"prediction"`

	// Head-to-head payload.
	StrainAID string `json:"strain_a_id,omitempty" db:"strain_a_id"`
	StrainBID string `json:"strain_b_id,omitempty" db:"strain_b_id"`
	Metric    string `json:"metric,omitempty" db:"metric"`

	// Prop payload.
	Description string `json:"description,omitempty" db:"description"`
}

// Holding is the per-strain breakdown inside a portfolio valuation.
type Holding struct {
	StrainID      string          `json:"strain_id"`
	StrainName    string          `json:"strain_name"`
	Shares        decimal.Decimal `json:"shares"`
	AvgCostBasis  decimal.Decimal `json:"avg_cost_basis"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	ProfitLoss    decimal.Decimal `json:"profit_loss"`
	ProfitLossPct decimal.Decimal `json:"profit_loss_pct"` // rounded to 2 places
}

// Portfolio is a consistent snapshot of an account's balance and holdings.
type Portfolio struct {
	AccountID     string          `json:"account_id"`
	Balance       decimal.Decimal `json:"balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Holdings      []Holding       `json:"holdings"`
}
