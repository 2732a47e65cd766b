package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT id, username, credits::TEXT, total_score::TEXT, COALESCE(access_token, '')
		 FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) ListLinkedUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, credits::TEXT, total_score::TEXT, access_token
		 FROM users
		 WHERE access_token IS NOT NULL AND access_token <> ''
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) ListUsersPage(ctx context.Context, limit, offset int) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, credits::TEXT, total_score::TEXT, COALESCE(access_token, '')
		 FROM users ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) TopUsersByScore(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, credits::TEXT, total_score::TEXT, COALESCE(access_token, '')
		 FROM users ORDER BY total_score DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, symbol string) (*model.PriceSnapshot, error) {
	var snap model.PriceSnapshot
	var scoreS, priceS string

	err := s.pool.QueryRow(ctx,
		`SELECT stock_symbol, score::TEXT, price::TEXT, timestamp
		 FROM stock_price_history
		 WHERE stock_symbol = $1
		 ORDER BY timestamp DESC LIMIT 1`, symbol).
		Scan(&snap.Symbol, &scoreS, &priceS, &snap.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("latest snapshot %s: %w", symbol, err)
	}

	snap.Score, _ = decimal.NewFromString(scoreS)
	snap.Price, _ = decimal.NewFromString(priceS)
	return &snap, nil
}

func (s *PostgresStore) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	if len(symbols) == 0 {
		return prices, nil
	}

	rows, err := s.pool.Query(ctx,
		`WITH ranked AS (
			SELECT stock_symbol, price,
			       ROW_NUMBER() OVER (PARTITION BY stock_symbol ORDER BY timestamp DESC) AS rn
			FROM stock_price_history
			WHERE stock_symbol = ANY($1)
		 )
		 SELECT stock_symbol, price::TEXT FROM ranked WHERE rn = 1`, symbols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sym, priceS string
		if err := rows.Scan(&sym, &priceS); err != nil {
			return nil, err
		}
		price, _ := decimal.NewFromString(priceS)
		prices[sym] = price
	}
	return prices, rows.Err()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stock_price_history (stock_symbol, score, price, timestamp)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
		snap.Symbol, snap.Score.String(), snap.Price.String(), snap.Timestamp)
	return err
}

func (s *PostgresStore) InsertSnapshots(ctx context.Context, snaps []model.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO stock_price_history (stock_symbol, score, price, timestamp) VALUES `)
	args := make([]interface{}, 0, len(snaps)*4)
	for i, snap := range snaps {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d, $%d::NUMERIC, $%d::NUMERIC, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, snap.Symbol, snap.Score.String(), snap.Price.String(), snap.Timestamp)
	}

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PostgresStore) StaleSymbols(ctx context.Context, userID int64, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT h.stock_symbol
		 FROM holdings h
		 LEFT JOIN (
			SELECT stock_symbol, MAX(timestamp) AS last_updated
			FROM stock_price_history
			GROUP BY stock_symbol
		 ) sph ON h.stock_symbol = sph.stock_symbol
		 WHERE h.user_id = $1
		   AND (sph.last_updated IS NULL OR sph.last_updated < $2)
		 ORDER BY h.stock_symbol`, userID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID int64, symbol string) (*model.Position, error) {
	var p model.Position
	var spentS string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, stock_symbol, shares, total_spent::TEXT
		 FROM holdings WHERE user_id = $1 AND stock_symbol = $2`, userID, symbol).
		Scan(&p.UserID, &p.Symbol, &p.Shares, &spentS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPosition
		}
		return nil, fmt.Errorf("get position %d/%s: %w", userID, symbol, err)
	}

	p.TotalSpent, _ = decimal.NewFromString(spentS)
	return &p, nil
}

func (s *PostgresStore) CountPositions(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM holdings WHERE user_id = $1 AND shares > 0`, userID).
		Scan(&count)
	return count, err
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID int64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, stock_symbol, shares, total_spent::TEXT
		 FROM holdings WHERE user_id = $1 ORDER BY stock_symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) PositionsForUsers(ctx context.Context, userIDs []int64) ([]model.Position, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, stock_symbol, shares, total_spent::TEXT
		 FROM holdings WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ExecuteTrade runs the full buy/sell sequence in one transaction with
// the user and position rows locked, so concurrent trades on the same
// position serialize at the database.
func (s *PostgresStore) ExecuteTrade(ctx context.Context, userID int64, symbol string,
	fn func(user *model.User, pos *model.Position, positionCount int) (*TradeEffect, error)) error {

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	user, err := scanUser(tx.QueryRow(ctx,
		`SELECT id, username, credits::TEXT, total_score::TEXT, COALESCE(access_token, '')
		 FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user %d: %w", userID, err)
	}

	var pos *model.Position
	var p model.Position
	var spentS string
	err = tx.QueryRow(ctx,
		`SELECT user_id, stock_symbol, shares, total_spent::TEXT
		 FROM holdings WHERE user_id = $1 AND stock_symbol = $2 FOR UPDATE`,
		userID, symbol).
		Scan(&p.UserID, &p.Symbol, &p.Shares, &spentS)
	switch {
	case err == nil:
		p.TotalSpent, _ = decimal.NewFromString(spentS)
		pos = &p
	case errors.Is(err, pgx.ErrNoRows):
		// first trade in this symbol
	default:
		return fmt.Errorf("lock position %d/%s: %w", userID, symbol, err)
	}

	// The user row lock serializes this user's trades, so the count is
	// stable for the rest of the transaction.
	var positionCount int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM holdings WHERE user_id = $1`, userID).
		Scan(&positionCount); err != nil {
		return fmt.Errorf("count positions %d: %w", userID, err)
	}

	effect, err := fn(user, pos, positionCount)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits = credits + $2::NUMERIC WHERE id = $1`,
		userID, effect.CreditsDelta.String()); err != nil {
		return fmt.Errorf("update credits: %w", err)
	}

	if effect.DeletePosition {
		if _, err := tx.Exec(ctx,
			`DELETE FROM holdings WHERE user_id = $1 AND stock_symbol = $2`,
			userID, symbol); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (user_id, stock_symbol, shares, total_spent)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (user_id, stock_symbol)
			 DO UPDATE SET shares = $3, total_spent = $4::NUMERIC`,
			userID, symbol, effect.NewShares, effect.NewTotalSpent.String()); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
	}

	t := effect.Transaction
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, stock_symbol, action, shares, price_per_share, total_cost, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.UserID, t.Symbol, t.Action, t.Shares,
		t.PricePerShare.String(), t.TotalCost.String(), t.Timestamp); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) OpenOption(ctx context.Context, contract *model.OptionContract,
	fn func(user *model.User) error) (int64, error) {

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	user, err := scanUser(tx.QueryRow(ctx,
		`SELECT id, username, credits::TEXT, total_score::TEXT, COALESCE(access_token, '')
		 FROM users WHERE id = $1 FOR UPDATE`, contract.UserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("lock user %d: %w", contract.UserID, err)
	}

	if err := fn(user); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO options (user_id, stock_symbol, option_type, strike_price, premium_paid, quantity, expires_at, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 RETURNING id`,
		contract.UserID, contract.Symbol, contract.OptionType,
		contract.StrikePrice.String(), contract.PremiumPaid.String(),
		contract.Quantity, contract.ExpiresAt, contract.CreatedAt).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert option: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits = credits - $2::NUMERIC WHERE id = $1`,
		contract.UserID, contract.PremiumPaid.String()); err != nil {
		return 0, fmt.Errorf("debit premium: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO option_transactions (user_id, stock_symbol, option_type, strike_price, premium_paid, quantity, payout, action, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, 0, $7, $8)`,
		contract.UserID, contract.Symbol, contract.OptionType,
		contract.StrikePrice.String(), contract.PremiumPaid.String(),
		contract.Quantity, model.OptionActionBuy, contract.CreatedAt); err != nil {
		return 0, fmt.Errorf("insert option transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// SettleOptions commits a settlement batch in one transaction. The
// DELETE runs first; a contract already removed by a concurrent sweep
// yields no row and the rest of that settlement is skipped, keeping
// settlement exactly-once.
func (s *PostgresStore) SettleOptions(ctx context.Context, settlements []Settlement) ([]Settlement, error) {
	if len(settlements) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var applied []Settlement
	for _, st := range settlements {
		tag, err := tx.Exec(ctx,
			`DELETE FROM options WHERE id = $1`, st.Contract.ID)
		if err != nil {
			return nil, fmt.Errorf("delete option %d: %w", st.Contract.ID, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET credits = credits + $2::NUMERIC WHERE id = $1`,
			st.Contract.UserID, st.Payout.String()); err != nil {
			return nil, fmt.Errorf("credit payout for option %d: %w", st.Contract.ID, err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO option_transactions (user_id, stock_symbol, option_type, strike_price, premium_paid, quantity, payout, action, timestamp)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)`,
			st.Contract.UserID, st.Contract.Symbol, st.Contract.OptionType,
			st.Contract.StrikePrice.String(), st.Contract.PremiumPaid.String(),
			st.Contract.Quantity, st.Payout.String(), st.Action, st.Timestamp); err != nil {
			return nil, fmt.Errorf("insert settlement for option %d: %w", st.Contract.ID, err)
		}

		applied = append(applied, st)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return applied, nil
}

func (s *PostgresStore) ListExpiredOptions(ctx context.Context, asOf time.Time) ([]model.OptionContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, stock_symbol, option_type, strike_price::TEXT, premium_paid::TEXT, quantity, expires_at, created_at
		 FROM options WHERE expires_at <= $1 ORDER BY id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOptions(rows)
}

func (s *PostgresStore) GetOptionsByIDs(ctx context.Context, ids []int64) ([]model.OptionContract, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, stock_symbol, option_type, strike_price::TEXT, premium_paid::TEXT, quantity, expires_at, created_at
		 FROM options WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOptions(rows)
}

func (s *PostgresStore) ListUserOptions(ctx context.Context, userID int64) ([]model.OptionContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, stock_symbol, option_type, strike_price::TEXT, premium_paid::TEXT, quantity, expires_at, created_at
		 FROM options WHERE user_id = $1 ORDER BY expires_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOptions(rows)
}

func (s *PostgresStore) NextOptionExpiry(ctx context.Context) (time.Time, bool, error) {
	var next time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT expires_at FROM options ORDER BY expires_at ASC LIMIT 1`).
		Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return next, true, nil
}

func (s *PostgresStore) UpdateTotalScores(ctx context.Context, snaps []model.PortfolioSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	// One statement for the whole batch: users joined against an
	// unnested (id, value) pair set.
	ids := make([]int64, len(snaps))
	values := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.UserID
		values[i] = snap.PortfolioValue.String()
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE users u
		 SET total_score = v.value::NUMERIC
		 FROM (SELECT UNNEST($1::BIGINT[]) AS id, UNNEST($2::TEXT[]) AS value) v
		 WHERE u.id = v.id`, ids, values)
	return err
}

func (s *PostgresStore) InsertPortfolioSnapshots(ctx context.Context, snaps []model.PortfolioSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO portfolio_value_history (user_id, portfolio_value, credits, timestamp) VALUES `)
	args := make([]interface{}, 0, len(snaps)*4)
	for i, snap := range snaps {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d, $%d::NUMERIC, $%d::NUMERIC, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, snap.UserID, snap.PortfolioValue.String(), snap.Credits.String(), snap.Timestamp)
	}

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID int64) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, stock_symbol, action, shares, price_per_share::TEXT, total_cost::TEXT, timestamp
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var priceS, costS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Action, &t.Shares,
			&priceS, &costS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.PricePerShare, _ = decimal.NewFromString(priceS)
		t.TotalCost, _ = decimal.NewFromString(costS)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) ListOptionTransactions(ctx context.Context, userID int64) ([]model.OptionTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, stock_symbol, option_type, strike_price::TEXT, premium_paid::TEXT, quantity, payout::TEXT, action, timestamp
		 FROM option_transactions WHERE user_id = $1 ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.OptionTransaction
	for rows.Next() {
		var t model.OptionTransaction
		var strikeS, premiumS, payoutS string
		if err := rows.Scan(&t.UserID, &t.Symbol, &t.OptionType, &strikeS, &premiumS,
			&t.Quantity, &payoutS, &t.Action, &t.Timestamp); err != nil {
			return nil, err
		}
		t.StrikePrice, _ = decimal.NewFromString(strikeS)
		t.PremiumPaid, _ = decimal.NewFromString(premiumS)
		t.Payout, _ = decimal.NewFromString(payoutS)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// --- Row scanning helpers ---

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var creditsS, scoreS string
	if err := row.Scan(&u.ID, &u.Username, &creditsS, &scoreS, &u.AccessToken); err != nil {
		return nil, err
	}
	u.Credits, _ = decimal.NewFromString(creditsS)
	u.TotalScore, _ = decimal.NewFromString(scoreS)
	return &u, nil
}

func scanUsers(rows pgx.Rows) ([]model.User, error) {
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var spentS string
		if err := rows.Scan(&p.UserID, &p.Symbol, &p.Shares, &spentS); err != nil {
			return nil, err
		}
		p.TotalSpent, _ = decimal.NewFromString(spentS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanOptions(rows pgx.Rows) ([]model.OptionContract, error) {
	var contracts []model.OptionContract
	for rows.Next() {
		var c model.OptionContract
		var strikeS, premiumS string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Symbol, &c.OptionType,
			&strikeS, &premiumS, &c.Quantity, &c.ExpiresAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.StrikePrice, _ = decimal.NewFromString(strikeS)
		c.PremiumPaid, _ = decimal.NewFromString(premiumS)
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}
