// Package balance locks, releases, transfers, and deducts USD under a
// caller-supplied transaction. No operation here opens its own
// transaction: the outermost caller (the order service) does; inner
// services, the matching engine included, only ever accept a
// transaction handle.
package balance

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/web3guy0/spotx/internal/apperr"
	"github.com/web3guy0/spotx/internal/money"
	"github.com/web3guy0/spotx/internal/store"
)

// Snapshot is the balance view returned to callers: the available
// balance, duplicated under the available_usd label for REST
// compatibility.
type Snapshot struct {
	Balance      money.Decimal
	AvailableUSD money.Decimal
}

// GetBalance returns the user's current available balance.
func GetBalance(tx *gorm.DB, userID string) (Snapshot, error) {
	var u store.User
	err := tx.First(&u, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return Snapshot{}, apperr.Wrap(apperr.InternalError, "load user", err)
	}
	return Snapshot{Balance: u.Balance, AvailableUSD: u.Balance}, nil
}

// LockFunds validates amount > 0, checks balance >= amount, and
// subtracts amount from the user's available balance.
func LockFunds(tx *gorm.DB, userID string, amount money.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "lock amount must be positive")
	}
	u, err := store.TxLockUser(tx, userID)
	if err != nil {
		return loadErr(err, "user")
	}
	if u.Balance.LessThan(amount) {
		return apperr.New(apperr.InsufficientBalance, fmt.Sprintf("balance %s < required %s", u.Balance.Format(), amount.Format()))
	}
	u.Balance = u.Balance.Sub(amount)
	if err := tx.Save(u).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save user", err)
	}
	return nil
}

// ReleaseFunds validates amount > 0 and adds amount back to the user's
// available balance. Never fails for insufficiency: releasing is
// always safe.
func ReleaseFunds(tx *gorm.DB, userID string, amount money.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "release amount must be positive")
	}
	u, err := store.TxLockUser(tx, userID)
	if err != nil {
		return loadErr(err, "user")
	}
	u.Balance = u.Balance.Add(amount)
	if err := tx.Save(u).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save user", err)
	}
	return nil
}

// TransferUSD locks both users in ascending id order to avoid
// deadlocking against a reverse-order lock elsewhere, checks
// from.balance >= amount, and moves amount from from to to.
func TransferUSD(tx *gorm.DB, fromID, toID string, amount money.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "transfer amount must be positive")
	}
	firstID, secondID := store.OrderUserIDs(fromID, toID)
	first, err := store.TxLockUser(tx, firstID)
	if err != nil {
		return loadErr(err, "user")
	}
	second, err := store.TxLockUser(tx, secondID)
	if err != nil {
		return loadErr(err, "user")
	}

	from, to := first, second
	if firstID != fromID {
		from, to = second, first
	}

	if from.Balance.LessThan(amount) {
		return apperr.New(apperr.InsufficientBalance, fmt.Sprintf("balance %s < required %s", from.Balance.Format(), amount.Format()))
	}
	from.Balance = from.Balance.Sub(amount)
	to.Balance = to.Balance.Add(amount)

	if err := tx.Save(from).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save sender", err)
	}
	if err := tx.Save(to).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save receiver", err)
	}
	return nil
}

// DeductCommission has the same mechanics as LockFunds but is
// semantically a sink: the deducted amount is not tracked for a later
// release, it is house revenue.
func DeductCommission(tx *gorm.DB, userID string, amount money.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "commission amount must be positive")
	}
	u, err := store.TxLockUser(tx, userID)
	if err != nil {
		return loadErr(err, "user")
	}
	if u.Balance.LessThan(amount) {
		return apperr.New(apperr.InsufficientBalance, fmt.Sprintf("balance %s < commission %s", u.Balance.Format(), amount.Format()))
	}
	u.Balance = u.Balance.Sub(amount)
	if err := tx.Save(u).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "save user", err)
	}
	return nil
}

func loadErr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.NotFound, what+" not found")
	}
	return apperr.Wrap(apperr.InternalError, "load "+what, err)
}
