package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/strainex/exchange-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The Apply* methods run inside a single transaction so every engine
// operation commits or rolls back as a whole.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		a.ID, a.Username, a.Balance.String(), a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Username, &balance, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "account", id)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

// --- Strains ---

func (s *PostgresStore) CreateStrain(ctx context.Context, st *model.Strain) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strains (id, name, slug, current_price, base_price,
		                      popularity_score, volatility_score, favorite_count,
		                      last_updated, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		st.ID, st.Name, st.Slug,
		st.CurrentPrice.String(), st.BasePrice.String(),
		st.PopularityScore.String(), st.VolatilityScore.String(),
		st.FavoriteCount, st.LastUpdated, st.CreatedAt,
	)
	return err
}

const strainColumns = `id, name, slug,
       current_price::TEXT, base_price::TEXT,
       popularity_score::TEXT, volatility_score::TEXT,
       favorite_count, last_updated, created_at`

func scanStrain(row pgx.Row) (*model.Strain, error) {
	var st model.Strain
	var currentPrice, basePrice, popularity, volatility string

	err := row.Scan(&st.ID, &st.Name, &st.Slug,
		&currentPrice, &basePrice, &popularity, &volatility,
		&st.FavoriteCount, &st.LastUpdated, &st.CreatedAt)
	if err != nil {
		return nil, err
	}

	st.CurrentPrice, _ = decimal.NewFromString(currentPrice)
	st.BasePrice, _ = decimal.NewFromString(basePrice)
	st.PopularityScore, _ = decimal.NewFromString(popularity)
	st.VolatilityScore, _ = decimal.NewFromString(volatility)
	return &st, nil
}

func (s *PostgresStore) GetStrain(ctx context.Context, id string) (*model.Strain, error) {
	st, err := scanStrain(s.pool.QueryRow(ctx,
		`SELECT `+strainColumns+` FROM strains WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "strain", id)
	}
	return st, nil
}

func (s *PostgresStore) ListStrains(ctx context.Context) ([]model.Strain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strainColumns+` FROM strains ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strains []model.Strain
	for rows.Next() {
		st, err := scanStrain(rows)
		if err != nil {
			return nil, err
		}
		strains = append(strains, *st)
	}
	return strains, rows.Err()
}

func (s *PostgresStore) UpdateStrainPrice(ctx context.Context, strainID string, price decimal.Decimal, favoriteCount int64, updatedAt time.Time, point *model.PricePoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE strains
		 SET current_price = $2::NUMERIC, favorite_count = $3, last_updated = $4
		 WHERE id = $1`,
		strainID, price.String(), favoriteCount, updatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("strain %s: %w", strainID, ErrNotFound)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO price_history (id, strain_id, price, volume, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		point.ID, point.StrainID, point.Price.String(), point.Volume, point.Timestamp,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, strainID string, since time.Time) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, strain_id, price::TEXT, volume, timestamp
		 FROM price_history
		 WHERE strain_id = $1 AND timestamp >= $2
		 ORDER BY timestamp`, strainID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var price string
		if err := rows.Scan(&p.ID, &p.StrainID, &price, &p.Volume, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(price)
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Positions ---

const positionColumns = `account_id, strain_id,
       shares_owned::TEXT, avg_cost_basis::TEXT, total_invested::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var shares, avgCost, invested string

	err := row.Scan(&p.AccountID, &p.StrainID, &shares, &avgCost, &invested, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.SharesOwned, _ = decimal.NewFromString(shares)
	p.AvgCostBasis, _ = decimal.NewFromString(avgCost)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, strainID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 AND strain_id = $2`,
		accountID, strainID))
	if err != nil {
		return nil, notFound(err, "position", accountID+"/"+strainID)
	}
	return p, nil
}

func (s *PostgresStore) GetPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 ORDER BY strain_id`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Trades ---

func (s *PostgresStore) GetTrades(ctx context.Context, accountID string, limit, offset int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, strain_id, side, shares::TEXT, price::TEXT, total::TEXT, timestamp
		 FROM trades WHERE account_id = $1
		 ORDER BY timestamp DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var shares, price, total string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.StrainID, &t.Side,
			&shares, &price, &total, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Shares, _ = decimal.NewFromString(shares)
		t.Price, _ = decimal.NewFromString(price)
		t.Total, _ = decimal.NewFromString(total)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, newBalance decimal.Decimal, pos *model.Position, removePosition bool, trade *model.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`,
		trade.AccountID, newBalance.String()); err != nil {
		return err
	}

	if removePosition {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND strain_id = $2`,
			pos.AccountID, pos.StrainID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (account_id, strain_id, shares_owned, avg_cost_basis, total_invested, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (account_id, strain_id) DO UPDATE
			 SET shares_owned = EXCLUDED.shares_owned,
			     avg_cost_basis = EXCLUDED.avg_cost_basis,
			     total_invested = EXCLUDED.total_invested,
			     updated_at = EXCLUDED.updated_at`,
			pos.AccountID, pos.StrainID,
			pos.SharesOwned.String(), pos.AvgCostBasis.String(), pos.TotalInvested.String(),
			pos.UpdatedAt); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, account_id, strain_id, side, shares, price, total, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		trade.ID, trade.AccountID, trade.StrainID, trade.Side,
		trade.Shares.String(), trade.Price.String(), trade.Total.String(),
		trade.Timestamp); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// --- Wagers ---

const wagerColumns = `id, account_id, kind, stake::TEXT, odds::TEXT, potential_payout::TEXT,
       expires_at, settled, outcome, created_at,
       target_strain_id, prediction, strain_a_id, strain_b_id, metric, description`

func scanWager(row pgx.Row) (*model.Wager, error) {
	var w model.Wager
	var stake, odds, payout string

	err := row.Scan(&w.ID, &w.AccountID, &w.Kind, &stake, &odds, &payout,
		&w.ExpiresAt, &w.Settled, &w.Outcome, &w.CreatedAt,
		&w.TargetStrainID, &w.Prediction, &w.StrainAID, &w.StrainBID, &w.Metric, &w.Description)
	if err != nil {
		return nil, err
	}

	w.Stake, _ = decimal.NewFromString(stake)
	w.Odds, _ = decimal.NewFromString(odds)
	w.PotentialPayout, _ = decimal.NewFromString(payout)
	return &w, nil
}

func (s *PostgresStore) ApplyWagerPlacement(ctx context.Context, w *model.Wager, newBalance decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`,
		w.AccountID, newBalance.String()); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO wagers (id, account_id, kind, stake, odds, potential_payout,
		                     expires_at, settled, outcome, created_at,
		                     target_strain_id, prediction, strain_a_id, strain_b_id, metric, description)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		w.ID, w.AccountID, w.Kind,
		w.Stake.String(), w.Odds.String(), w.PotentialPayout.String(),
		w.ExpiresAt, w.Settled, w.Outcome, w.CreatedAt,
		w.TargetStrainID, w.Prediction, w.StrainAID, w.StrainBID, w.Metric, w.Description); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	w, err := scanWager(s.pool.QueryRow(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "wager", id)
	}
	return w, nil
}

func (s *PostgresStore) GetWagers(ctx context.Context, accountID string) ([]model.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectWagers(rows)
}

func (s *PostgresStore) ListExpiredUnsettled(ctx context.Context, now time.Time) ([]model.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerColumns+` FROM wagers
		 WHERE settled = FALSE AND expires_at <= $1
		 ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectWagers(rows)
}

func (s *PostgresStore) ApplyWagerSettlement(ctx context.Context, wagerID string, outcome model.WagerOutcome, accountID string, newBalance decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// settled = FALSE guard makes the terminal transition exactly-once even
	// if a stale caller slips past the engine's check.
	tag, err := tx.Exec(ctx,
		`UPDATE wagers SET settled = TRUE, outcome = $2
		 WHERE id = $1 AND settled = FALSE`,
		wagerID, outcome)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unsettled wager %s: %w", wagerID, ErrNotFound)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`,
		accountID, newBalance.String()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func collectWagers(rows pgx.Rows) ([]model.Wager, error) {
	var wagers []model.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, err
		}
		wagers = append(wagers, *w)
	}
	return wagers, rows.Err()
}
