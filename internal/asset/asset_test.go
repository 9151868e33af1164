package asset

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/web3guy0/spotx/internal/apperr"
	"github.com/web3guy0/spotx/internal/money"
	"github.com/web3guy0/spotx/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func seedAsset(t *testing.T, s *store.Store, userID string, symbol money.Symbol, amount string) {
	t.Helper()
	a := &store.Asset{UserID: userID, Symbol: string(symbol), Amount: money.MustParse(amount), LockedAmount: money.Zero}
	if err := s.DB().Create(a).Error; err != nil {
		t.Fatalf("seed asset: %v", err)
	}
}

func withTx(t *testing.T, s *store.Store, fn func(tx *gorm.DB) error) error {
	t.Helper()
	return s.WithTx(context.Background(), time.Second, fn)
}

func TestLockAssetsInsufficient(t *testing.T) {
	s := newTestStore(t)
	seedAsset(t, s, "u1", money.BTC, "1.00000000")

	err := withTx(t, s, func(tx *gorm.DB) error {
		return LockAssets(tx, "u1", money.BTC, money.MustParse("2.00000000"))
	})
	if apperr.KindOf(err) != apperr.InsufficientAssets {
		t.Fatalf("got %v, want InsufficientAssets", err)
	}
}

func TestLockReleaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedAsset(t, s, "u1", money.BTC, "10.00000000")

	err := withTx(t, s, func(tx *gorm.DB) error {
		return LockAssets(tx, "u1", money.BTC, money.MustParse("2.00000000"))
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	var a store.Asset
	s.DB().First(&a, "user_id = ? AND symbol = ?", "u1", "BTC")
	if a.LockedAmount.Cmp(money.MustParse("2.00000000")) != 0 {
		t.Fatalf("locked = %s, want 2", a.LockedAmount.Format())
	}

	err = withTx(t, s, func(tx *gorm.DB) error {
		return ReleaseAssets(tx, "u1", money.BTC, money.MustParse("2.00000000"))
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	s.DB().First(&a, "user_id = ? AND symbol = ?", "u1", "BTC")
	if a.LockedAmount.Cmp(money.Zero) != 0 {
		t.Errorf("locked after release = %s, want 0", a.LockedAmount.Format())
	}
	if a.Amount.Cmp(money.MustParse("10.00000000")) != 0 {
		t.Errorf("total changed by lock/release cycle: %s", a.Amount.Format())
	}
}

func TestTransferAssetsMovesLockedToAvailable(t *testing.T) {
	s := newTestStore(t)
	seedAsset(t, s, "seller", money.BTC, "10.00000000")

	err := withTx(t, s, func(tx *gorm.DB) error {
		if err := LockAssets(tx, "seller", money.BTC, money.MustParse("1.00000000")); err != nil {
			return err
		}
		return TransferAssets(tx, "seller", "buyer", money.BTC, money.MustParse("1.00000000"))
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	var seller, buyer store.Asset
	s.DB().First(&seller, "user_id = ? AND symbol = ?", "seller", "BTC")
	s.DB().First(&buyer, "user_id = ? AND symbol = ?", "buyer", "BTC")

	if seller.Amount.Cmp(money.MustParse("9.00000000")) != 0 {
		t.Errorf("seller total = %s, want 9", seller.Amount.Format())
	}
	if !seller.LockedAmount.IsZero() {
		t.Errorf("seller locked = %s, want 0", seller.LockedAmount.Format())
	}
	if buyer.Amount.Cmp(money.MustParse("1.00000000")) != 0 {
		t.Errorf("buyer total = %s, want 1", buyer.Amount.Format())
	}
	if !buyer.LockedAmount.IsZero() {
		t.Errorf("buyer locked should remain 0 until buyer locks it: %s", buyer.LockedAmount.Format())
	}
}

func TestCreditIncreasesTotalOnly(t *testing.T) {
	s := newTestStore(t)

	err := withTx(t, s, func(tx *gorm.DB) error {
		return Credit(tx, "u1", money.ETH, money.MustParse("10.00000000"))
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	var a store.Asset
	s.DB().First(&a, "user_id = ? AND symbol = ?", "u1", "ETH")
	if a.Amount.Cmp(money.MustParse("10.00000000")) != 0 {
		t.Errorf("amount = %s, want 10", a.Amount.Format())
	}
	if !a.LockedAmount.IsZero() {
		t.Errorf("locked should be 0 after credit, got %s", a.LockedAmount.Format())
	}
}
