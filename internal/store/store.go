// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for hot prices), and in-memory (for testing).
//
// Money movement is atomic at this layer: ExecuteTrade, OpenOption and
// SettleOptions each commit all of their row effects in one database
// transaction or none of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
)

var (
	// ErrUserNotFound is returned when a user id has no row.
	ErrUserNotFound = errors.New("store: user not found")

	// ErrNoSnapshot is returned when an instrument has no price history
	// yet. The oracle treats this as a first-time seed.
	ErrNoSnapshot = errors.New("store: no price snapshot for symbol")

	// ErrNoPosition is returned when a user holds no position in a symbol.
	ErrNoPosition = errors.New("store: no position for user and symbol")
)

// TradeEffect describes the row mutations one trade commits atomically:
// a credits delta on the user, the post-trade position state, and the
// immutable transaction record.
type TradeEffect struct {
	CreditsDelta   decimal.Decimal // negative for buys, positive for sells
	NewShares      int64
	NewTotalSpent  decimal.Decimal
	DeletePosition bool // remove the position row (shares reached zero)
	Transaction    model.Transaction
}

// Settlement is one contract resolution to apply: payout credited to
// the holder, an option-transaction ledger row, and contract deletion.
type Settlement struct {
	Contract  model.OptionContract
	Payout    decimal.Decimal
	Action    string // "EXERCISE" or "EXPIRE"
	Timestamp time.Time
}

// Store is the persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache for latest prices.
type Store interface {
	// --- Users ---

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id int64) (*model.User, error)

	// ListLinkedUsers returns users with a provider credential, i.e.
	// those whose holdings the refresh job can fetch scores for.
	ListLinkedUsers(ctx context.Context) ([]model.User, error)

	// ListUsersPage returns one fixed-size page of users ordered by id.
	ListUsersPage(ctx context.Context, limit, offset int) ([]model.User, error)

	// TopUsersByScore returns the leaderboard: users ordered by
	// portfolio value, highest first.
	TopUsersByScore(ctx context.Context, limit int) ([]model.User, error)

	// --- Price history (append-only) ---

	// LatestSnapshot returns the most recent snapshot for a symbol,
	// or ErrNoSnapshot.
	LatestSnapshot(ctx context.Context, symbol string) (*model.PriceSnapshot, error)

	// LatestPrices resolves the latest price per distinct symbol in one
	// query. Symbols without history are absent from the result.
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)

	// InsertSnapshot appends a single price snapshot.
	InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error

	// InsertSnapshots appends a batch of snapshots in one statement.
	InsertSnapshots(ctx context.Context, snaps []model.PriceSnapshot) error

	// StaleSymbols returns symbols among a user's positions whose
	// latest snapshot is older than cutoff, or that have none.
	StaleSymbols(ctx context.Context, userID int64, cutoff time.Time) ([]string, error)

	// --- Positions ---

	// GetPosition returns a user's position in a symbol, or ErrNoPosition.
	GetPosition(ctx context.Context, userID int64, symbol string) (*model.Position, error)

	// CountPositions returns the number of distinct symbols a user holds.
	CountPositions(ctx context.Context, userID int64) (int, error)

	// ListPositions returns all of a user's positions.
	ListPositions(ctx context.Context, userID int64) ([]model.Position, error)

	// PositionsForUsers returns all positions held by a batch of users.
	PositionsForUsers(ctx context.Context, userIDs []int64) ([]model.Position, error)

	// --- Atomic money movement ---

	// ExecuteTrade loads the user and their position in symbol under
	// row locks, invokes fn to validate preconditions and compute the
	// trade effect, and commits the effect atomically. pos is nil when
	// the user holds no position; positionCount is the user's distinct
	// symbol count, read inside the same transaction so cap checks stay
	// strict under concurrent buys. An error from fn rolls back and is
	// returned verbatim.
	ExecuteTrade(ctx context.Context, userID int64, symbol string,
		fn func(user *model.User, pos *model.Position, positionCount int) (*TradeEffect, error)) error

	// OpenOption inserts the contract, debits the premium from the
	// holder's credits and appends a BUY option-transaction row, all
	// atomically. Returns the closure error verbatim on rollback.
	OpenOption(ctx context.Context, contract *model.OptionContract,
		fn func(user *model.User) error) (int64, error)

	// SettleOptions applies a settlement batch in one transaction:
	// per contract, credit the payout, append the option-transaction
	// row and delete the contract. Contracts already deleted by a
	// concurrent settlement are skipped, so settlement is exactly-once.
	// Returns the settlements that actually applied.
	SettleOptions(ctx context.Context, settlements []Settlement) ([]Settlement, error)

	// --- Option contracts ---

	// ListExpiredOptions returns contracts with expires_at <= asOf.
	ListExpiredOptions(ctx context.Context, asOf time.Time) ([]model.OptionContract, error)

	// GetOptionsByIDs returns the contracts with the given ids.
	GetOptionsByIDs(ctx context.Context, ids []int64) ([]model.OptionContract, error)

	// ListUserOptions returns a user's open contracts ordered by expiry.
	ListUserOptions(ctx context.Context, userID int64) ([]model.OptionContract, error)

	// NextOptionExpiry returns the soonest expires_at across all open
	// contracts; ok is false when none are open.
	NextOptionExpiry(ctx context.Context) (next time.Time, ok bool, err error)

	// --- Bulk portfolio revaluation ---

	// UpdateTotalScores bulk-updates users.total_score for a batch.
	UpdateTotalScores(ctx context.Context, snaps []model.PortfolioSnapshot) error

	// InsertPortfolioSnapshots bulk-inserts mark-to-market records.
	InsertPortfolioSnapshots(ctx context.Context, snaps []model.PortfolioSnapshot) error

	// --- Ledger reads ---

	// ListTransactions returns a user's trade history, newest first.
	ListTransactions(ctx context.Context, userID int64) ([]model.Transaction, error)

	// ListOptionTransactions returns a user's option settlement
	// history, newest first.
	ListOptionTransactions(ctx context.Context, userID int64) ([]model.OptionTransaction, error)
}
