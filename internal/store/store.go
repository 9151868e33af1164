// Package store provides transactional access to the engine's five
// persistent entities (Users, Assets, Orders, Trades, AuditLog) with
// row-level locking within atomic transactions. It is the only
// component that talks to the database; every service above it is
// handed a live *gorm.DB transaction rather than opening its own.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/spotx/internal/apperr"
	"github.com/web3guy0/spotx/internal/money"
)

// Order status values. Terminal states (Filled, Cancelled) never
// change.
const (
	StatusOpen      = "open"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
)

// Order side values.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// User is the engine's account row. Balance is the *available* USD
// balance; funds locked for open buy orders have already been
// subtracted from it.
type User struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	Email        string `gorm:"uniqueIndex"`
	PasswordHash string
	Balance      money.Decimal `gorm:"type:numeric(38,8)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Asset is one row per (user, symbol). AvailableAmount is derived, never
// stored.
type Asset struct {
	UserID       string        `gorm:"primaryKey"`
	Symbol       string        `gorm:"primaryKey"`
	Amount       money.Decimal `gorm:"type:numeric(38,8)"`
	LockedAmount money.Decimal `gorm:"type:numeric(38,8)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AvailableAmount returns Amount - LockedAmount.
func (a Asset) AvailableAmount() money.Decimal {
	return a.Amount.Sub(a.LockedAmount)
}

// Order is a resting limit order. Status is monotone: open -> filled or
// open -> cancelled; terminal states never change.
type Order struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Symbol    string `gorm:"index:idx_book,priority:1"`
	Side      string `gorm:"index:idx_book,priority:2"`
	Price     money.Decimal `gorm:"type:numeric(38,8);index:idx_book,priority:4"`
	Amount    money.Decimal `gorm:"type:numeric(38,8)"`
	Status    string        `gorm:"index:idx_book,priority:3"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trade is immutable after creation.
type Trade struct {
	ID          string `gorm:"primaryKey"`
	BuyOrderID  string `gorm:"index"`
	SellOrderID string `gorm:"index"`
	BuyerID     string `gorm:"index"`
	SellerID    string `gorm:"index"`
	Symbol      string
	Price       money.Decimal `gorm:"type:numeric(38,8)"`
	Amount      money.Decimal `gorm:"type:numeric(38,8)"`
	Volume      money.Decimal `gorm:"type:numeric(38,8)"`
	Commission  money.Decimal `gorm:"type:numeric(38,8)"`
	CreatedAt   time.Time
}

// AuditEntry is an append-only log row.
type AuditEntry struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	UserID     string `gorm:"index"`
	Action     string
	EntityKind string
	EntityID   string
	Details    string // JSON-encoded into a plain column rather than a JSON/JSONB type.
	IP         string
	CreatedAt  time.Time `gorm:"index"`
}

// Store wraps the database handle. All mutable engine state lives here;
// no in-memory caches of balances or order books are kept anywhere
// else.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn, dispatching on its shape: a postgres://-prefixed
// DSN gets the Postgres driver, anything else is treated as a SQLite
// file path (or ":memory:" for tests).
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		log.Info().Msg("store connected (PostgreSQL)")
	} else {
		if dsn != ":memory:" {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
				}
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("store initialized (SQLite)")
	}

	if err := db.AutoMigrate(&User{}, &Asset{}, &Order{}, &Trade{}, &AuditEntry{}); err != nil {
		return nil, fmt.Errorf("store: automigrate: %w", err)
	}

	return &Store{db: db}, nil
}

// WithTx runs fn inside a single atomic transaction: on return, changes
// commit; on error, all changes roll back. timeout bounds the whole
// unit of work, including row-lock waits; a deadline overrun (e.g. a
// row stuck behind another transaction's lock) is reported as
// apperr.TransientError rather than bubbling up the raw context error.
func (s *Store) WithTx(ctx context.Context, timeout time.Duration, fn func(tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.TransientError, "transaction timed out", err)
	}
	return err
}

// DB exposes the underlying handle for read-only queries that don't need
// a transaction (listOrders, orderbook, getBalance, getAssets).
func (s *Store) DB() *gorm.DB { return s.db }

// lockingClauses returns the clauses needed to acquire a
// SELECT ... FOR UPDATE row lock on tx. SQLite has no FOR UPDATE syntax
// and instead takes a whole-database write lock for the lifetime of the
// transaction, so the clause is only attached for dialects that support
// it (Postgres).
func lockingClauses(tx *gorm.DB) []clause.Expression {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
}

// TxLockUser acquires an exclusive row lock (SELECT ... FOR UPDATE) on
// the user row within tx and returns its current value.
func TxLockUser(tx *gorm.DB, id string) (*User, error) {
	var u User
	err := tx.Clauses(lockingClauses(tx)...).First(&u, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// TxLockAsset acquires an exclusive row lock on a user's asset row.
func TxLockAsset(tx *gorm.DB, userID string, symbol money.Symbol) (*Asset, error) {
	var a Asset
	err := tx.Clauses(lockingClauses(tx)...).
		First(&a, "user_id = ? AND symbol = ?", userID, string(symbol)).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// TxLockOrder acquires an exclusive row lock on an order row.
func TxLockOrder(tx *gorm.DB, id string) (*Order, error) {
	var o Order
	err := tx.Clauses(lockingClauses(tx)...).First(&o, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// OrderUserIDs returns a, b sorted ascending, the order to lock in
// whenever a transaction acquires two user rows (e.g. transferUSD), so
// two transactions contending for the same pair never deadlock by
// locking in opposite order.
func OrderUserIDs(a, b string) (first, second string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// AssetKey identifies one asset row for lock-ordering purposes.
type AssetKey struct {
	UserID string
	Symbol money.Symbol
}

// OrderAssetKeys returns a, b sorted ascending by (user_id, symbol), the
// order to lock in for any transaction acquiring two asset rows (e.g.
// transferAssets).
func OrderAssetKeys(a, b AssetKey) (first, second AssetKey) {
	if a.UserID < b.UserID || (a.UserID == b.UserID && a.Symbol <= b.Symbol) {
		return a, b
	}
	return b, a
}

// OpenOrdersBySymbolSide returns Open orders for symbol/side within tx,
// ordered by price (asc or desc per ascPrice) then by creation time then
// by id. The trailing id tiebreak makes iteration order fully
// deterministic even when two rows share both price and created_at.
// Used by the matching engine and by the public order book.
func OpenOrdersBySymbolSide(tx *gorm.DB, symbol money.Symbol, side string, ascPrice bool) ([]Order, error) {
	dir := "DESC"
	if ascPrice {
		dir = "ASC"
	}
	var orders []Order
	err := tx.
		Where("symbol = ? AND side = ? AND status = ?", string(symbol), side, StatusOpen).
		Order(fmt.Sprintf("price %s, created_at ASC, id ASC", dir)).
		Find(&orders).Error
	return orders, err
}
