package store

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/web3guy0/spotx/internal/apperr"
	"github.com/web3guy0/spotx/internal/money"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func seedUser(t *testing.T, s *Store, id string, balance string) {
	t.Helper()
	u := &User{ID: id, Name: id, Email: id + "@example.com", Balance: money.MustParse(balance)}
	if err := s.DB().Create(u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestOrderUserIDsDeterministicOrder(t *testing.T) {
	first, second := OrderUserIDs("b", "a")
	if first != "a" || second != "b" {
		t.Errorf("OrderUserIDs = (%s, %s), want (a, b)", first, second)
	}
}

func TestOrderAssetKeysDeterministicOrder(t *testing.T) {
	k1 := AssetKey{UserID: "u2", Symbol: money.BTC}
	k2 := AssetKey{UserID: "u1", Symbol: money.ETH}
	first, second := OrderAssetKeys(k1, k2)
	if first.UserID != "u1" || second.UserID != "u2" {
		t.Errorf("OrderAssetKeys did not sort by user id: %+v, %+v", first, second)
	}
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", "100.00000000")

	err := s.WithTx(context.Background(), time.Second, func(tx *gorm.DB) error {
		u, err := TxLockUser(tx, "u1")
		if err != nil {
			return err
		}
		u.Balance = u.Balance.Add(money.MustParse("50.00000000"))
		return tx.Save(u).Error
	})
	if err != nil {
		t.Fatalf("WithTx commit: %v", err)
	}

	var got User
	s.DB().First(&got, "id = ?", "u1")
	if got.Balance.Cmp(money.MustParse("150.00000000")) != 0 {
		t.Errorf("balance after commit = %s, want 150", got.Balance.Format())
	}

	wantErr := context.Canceled
	err = s.WithTx(context.Background(), time.Second, func(tx *gorm.DB) error {
		u, err := TxLockUser(tx, "u1")
		if err != nil {
			return err
		}
		u.Balance = money.Zero
		if err := tx.Save(u).Error; err != nil {
			return err
		}
		return wantErr
	})
	if err == nil {
		t.Fatal("expected rollback error to propagate")
	}

	s.DB().First(&got, "id = ?", "u1")
	if got.Balance.Cmp(money.MustParse("150.00000000")) != 0 {
		t.Errorf("balance after rollback = %s, want unchanged 150", got.Balance.Format())
	}
}

func TestWithTxDeadlineExceededMapsToTransientError(t *testing.T) {
	s := newTestStore(t)

	// Simulate a lock wait that overruns timeout: by the time fn
	// observes the context, the deadline set by WithTx has already
	// elapsed. Reading ctx.Err() directly (rather than relying on a
	// driver to surface the timeout from a live query) keeps this
	// deterministic.
	err := s.WithTx(context.Background(), time.Millisecond, func(tx *gorm.DB) error {
		time.Sleep(20 * time.Millisecond)
		return tx.Statement.Context.Err()
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if apperr.KindOf(err) != apperr.TransientError {
		t.Errorf("KindOf(err) = %v, want TransientError", apperr.KindOf(err))
	}
}

func TestOpenOrdersBySymbolSideOrdering(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	orders := []Order{
		{ID: "o1", UserID: "u1", Symbol: "BTC", Side: SideSell, Price: money.MustParse("55000.00000000"), Amount: money.MustParse("1.00000000"), Status: StatusOpen, CreatedAt: now},
		{ID: "o2", UserID: "u1", Symbol: "BTC", Side: SideSell, Price: money.MustParse("50000.00000000"), Amount: money.MustParse("1.00000000"), Status: StatusOpen, CreatedAt: now.Add(time.Second)},
		{ID: "o3", UserID: "u1", Symbol: "BTC", Side: SideSell, Price: money.MustParse("52000.00000000"), Amount: money.MustParse("1.00000000"), Status: StatusOpen, CreatedAt: now.Add(2 * time.Second)},
	}
	for _, o := range orders {
		if err := s.DB().Create(&o).Error; err != nil {
			t.Fatalf("create order: %v", err)
		}
	}

	got, err := OpenOrdersBySymbolSide(s.DB(), money.BTC, SideSell, true)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d orders, want 3", len(got))
	}
	want := []string{"o2", "o3", "o1"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}
}
