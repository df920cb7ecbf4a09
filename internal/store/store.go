// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strainex/exchange-engine/internal/model"
)

// ErrNotFound is returned when an account, strain, position, or wager does
// not exist. Implementations wrap it so callers can test with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The Apply* methods are composite:
// each commits every mutation of one engine operation atomically (one
// transaction in PostgreSQL, one critical section in memory) so a reader
// can never observe a balance debit without its trade, escrow, or payout
// record.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Strains ---

	// CreateStrain persists a new strain.
	CreateStrain(ctx context.Context, s *model.Strain) error

	// GetStrain retrieves a strain by ID.
	GetStrain(ctx context.Context, id string) (*model.Strain, error)

	// ListStrains returns all strains.
	ListStrains(ctx context.Context) ([]model.Strain, error)

	// UpdateStrainPrice writes the refreshed price, favorite count, and
	// last-updated stamp, and appends the history point, atomically.
	UpdateStrainPrice(ctx context.Context, strainID string, price decimal.Decimal, favoriteCount int64, updatedAt time.Time, point *model.PricePoint) error

	// GetPriceHistory returns a strain's history points at or after since,
	// ordered by timestamp ascending.
	GetPriceHistory(ctx context.Context, strainID string, since time.Time) ([]model.PricePoint, error)

	// --- Positions ---

	// GetPosition retrieves one account's position in one strain.
	GetPosition(ctx context.Context, accountID, strainID string) (*model.Position, error)

	// GetPositions returns all positions held by an account.
	GetPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Trades ---

	// GetTrades returns an account's trades, newest first.
	GetTrades(ctx context.Context, accountID string, limit, offset int) ([]model.Trade, error)

	// ApplyTrade commits one executed trade: the account's new balance, the
	// position upsert (or removal when removePosition is set), and the
	// immutable trade record, as one atomic unit.
	ApplyTrade(ctx context.Context, newBalance decimal.Decimal, pos *model.Position, removePosition bool, trade *model.Trade) error

	// --- Wagers ---

	// ApplyWagerPlacement commits a new pending wager together with the
	// escrow debit (the account's new balance), atomically.
	ApplyWagerPlacement(ctx context.Context, w *model.Wager, newBalance decimal.Decimal) error

	// GetWager retrieves a wager by ID.
	GetWager(ctx context.Context, id string) (*model.Wager, error)

	// GetWagers returns all wagers placed by an account, newest first.
	GetWagers(ctx context.Context, accountID string) ([]model.Wager, error)

	// ListExpiredUnsettled returns every unsettled wager whose expiry is at
	// or before now.
	ListExpiredUnsettled(ctx context.Context, now time.Time) ([]model.Wager, error)

	// ApplyWagerSettlement marks the wager settled with the given terminal
	// outcome and writes the account's new balance, atomically. The wager
	// must still be unsettled.
	ApplyWagerSettlement(ctx context.Context, wagerID string, outcome model.WagerOutcome, accountID string, newBalance decimal.Decimal) error
}
