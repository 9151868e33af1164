// Package asset locks, releases, transfers, and credits per-symbol
// holdings under a caller-supplied transaction.
package asset

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/web3guy0/spotx/internal/apperr"
	"github.com/web3guy0/spotx/internal/money"
	"github.com/web3guy0/spotx/internal/store"
)

// Holding is the per-symbol balance view returned to callers.
type Holding struct {
	Symbol    money.Symbol
	Total     money.Decimal
	Locked    money.Decimal
	Available money.Decimal
}

// GetAssets returns every asset row the user holds, symbol -> holding.
func GetAssets(tx *gorm.DB, userID string) (map[money.Symbol]Holding, error) {
	var rows []store.Asset
	if err := tx.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "load assets", err)
	}
	out := make(map[money.Symbol]Holding, len(rows))
	for _, r := range rows {
		sym := money.Symbol(r.Symbol)
		out[sym] = Holding{Symbol: sym, Total: r.Amount, Locked: r.LockedAmount, Available: r.AvailableAmount()}
	}
	return out, nil
}

// GetOrCreateAsset returns the user's existing row for symbol, creating
// a zeroed one if it does not exist.
func GetOrCreateAsset(tx *gorm.DB, userID string, symbol money.Symbol) (*store.Asset, error) {
	if !money.ValidSymbol(symbol) {
		return nil, apperr.New(apperr.ValidationError, "invalid symbol: "+string(symbol))
	}
	var a store.Asset
	err := tx.First(&a, "user_id = ? AND symbol = ?", userID, string(symbol)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a = store.Asset{UserID: userID, Symbol: string(symbol), Amount: money.Zero, LockedAmount: money.Zero}
		if err := tx.Create(&a).Error; err != nil {
			return nil, apperr.Wrap(apperr.InternalError, "create asset", err)
		}
		return &a, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "load asset", err)
	}
	return &a, nil
}

// LockAssets requires an existing row, asserts available >= amount, and
// adds amount to locked_amount.
func LockAssets(tx *gorm.DB, userID string, symbol money.Symbol, amount money.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "lock amount must be positive")
	}
	a, err := store.TxLockAsset(tx, userID, symbol)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.NotFound, "asset not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "load asset", err)
	}
	if a.AvailableAmount().LessThan(amount) {
		return apperr.New(apperr.InsufficientAssets, fmt.Sprintf("available %s < required %s", a.AvailableAmount().Format(), amount.Format()))
	}
	a.LockedAmount = a.LockedAmount.Add(amount)
	if err := tx.Save(a).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save asset", err)
	}
	return nil
}

// ReleaseAssets requires an existing row, asserts locked_amount >=
// amount, and subtracts amount from locked_amount.
func ReleaseAssets(tx *gorm.DB, userID string, symbol money.Symbol, amount money.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "release amount must be positive")
	}
	a, err := store.TxLockAsset(tx, userID, symbol)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.NotFound, "asset not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "load asset", err)
	}
	if a.LockedAmount.LessThan(amount) {
		return apperr.New(apperr.ValidationError, fmt.Sprintf("locked %s < release amount %s", a.LockedAmount.Format(), amount.Format()))
	}
	a.LockedAmount = a.LockedAmount.Sub(amount)
	if err := tx.Save(a).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save asset", err)
	}
	return nil
}

// TransferAssets locks both rows in user-id order, asserts
// from.locked_amount >= amount, and moves amount out of the sender's
// locked pool into the receiver's total (creating the receiver's row if
// needed). This is why settlement decrements both the locked pool and
// the total on the seller, and never touches the seller's available
// portion: the asset was already locked at order placement.
func TransferAssets(tx *gorm.DB, fromID, toID string, symbol money.Symbol, amount money.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "transfer amount must be positive")
	}
	firstKey, secondKey := store.OrderAssetKeys(
		store.AssetKey{UserID: fromID, Symbol: symbol},
		store.AssetKey{UserID: toID, Symbol: symbol},
	)
	first, err := lockOrCreate(tx, firstKey)
	if err != nil {
		return err
	}
	second, err := lockOrCreate(tx, secondKey)
	if err != nil {
		return err
	}

	from, to := first, second
	if firstKey.UserID != fromID {
		from, to = second, first
	}

	if from.LockedAmount.LessThan(amount) {
		return apperr.New(apperr.InsufficientLocked, fmt.Sprintf("locked %s < required %s", from.LockedAmount.Format(), amount.Format()))
	}
	from.Amount = from.Amount.Sub(amount)
	from.LockedAmount = from.LockedAmount.Sub(amount)
	to.Amount = to.Amount.Add(amount)

	if err := tx.Save(from).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save sender asset", err)
	}
	if err := tx.Save(to).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save receiver asset", err)
	}
	return nil
}

func lockOrCreate(tx *gorm.DB, key store.AssetKey) (*store.Asset, error) {
	a, err := store.TxLockAsset(tx, key.UserID, key.Symbol)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GetOrCreateAsset(tx, key.UserID, key.Symbol)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "load asset", err)
	}
	return a, nil
}

// Credit adds amount to the user's total holding for symbol, for
// initial funding only. It never touches locked_amount.
func Credit(tx *gorm.DB, userID string, symbol money.Symbol, amount money.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "credit amount must be positive")
	}
	if _, err := GetOrCreateAsset(tx, userID, symbol); err != nil {
		return err
	}
	locked, err := store.TxLockAsset(tx, userID, symbol)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "lock asset", err)
	}
	locked.Amount = locked.Amount.Add(amount)
	if err := tx.Save(locked).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save asset", err)
	}
	return nil
}
