// Package order validates, places, cancels, and lists orders, and
// renders the public order book. CreateOrder is the one place that
// opens the transaction the matching engine then runs inside.
package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/spotx/internal/apperr"
	"github.com/web3guy0/spotx/internal/asset"
	"github.com/web3guy0/spotx/internal/audit"
	"github.com/web3guy0/spotx/internal/balance"
	"github.com/web3guy0/spotx/internal/matching"
	"github.com/web3guy0/spotx/internal/money"
	"github.com/web3guy0/spotx/internal/store"
)

// TxTimeout bounds every order-creation or cancellation transaction,
// including row-lock waits.
const TxTimeout = 5 * time.Second

// Publisher is the post-commit side of EventPublisher that Service
// depends on. internal/events.Hub satisfies it.
type Publisher interface {
	Publish(userID, eventName string, payload any) error
}

// Service wires OrderService to a Store and a Publisher.
type Service struct {
	store *store.Store
	pub   Publisher
}

// New builds a Service.
func New(s *store.Store, pub Publisher) *Service {
	return &Service{store: s, pub: pub}
}

// NewOrderRequest is the validated input to CreateOrder.
type NewOrderRequest struct {
	UserID string
	Symbol money.Symbol
	Side   string
	Price  money.Decimal
	Amount money.Decimal
}

// ValidateNew checks req against the fixed allow-list required before
// any lock is attempted: symbol/side enums and positive price/amount.
// Decimal.Parse already enforces the 8-fractional-digit rule and
// non-negativity at the HTTP boundary, so this only re-asserts strict
// positivity and enum membership.
func ValidateNew(req NewOrderRequest) error {
	if !money.ValidSymbol(req.Symbol) {
		return apperr.New(apperr.ValidationError, "invalid symbol: "+string(req.Symbol))
	}
	if req.Side != store.SideBuy && req.Side != store.SideSell {
		return apperr.New(apperr.ValidationError, "invalid side: "+req.Side)
	}
	if !req.Price.IsPositive() {
		return apperr.New(apperr.ValidationError, "price must be positive")
	}
	if !req.Amount.IsPositive() {
		return apperr.New(apperr.ValidationError, "amount must be positive")
	}
	return nil
}

// CreateOrder validates, locks funds or assets, inserts the order, and
// runs the matching engine against it, all inside one transaction.
func (s *Service) CreateOrder(ctx context.Context, req NewOrderRequest) (store.Order, error) {
	if err := ValidateNew(req); err != nil {
		return store.Order{}, err
	}

	now := time.Now().UTC()
	newOrder := store.Order{
		ID:        "order_" + uuid.NewString(),
		UserID:    req.UserID,
		Symbol:    string(req.Symbol),
		Side:      req.Side,
		Price:     req.Price,
		Amount:    req.Amount,
		Status:    store.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var pending []matching.Event

	err := s.store.WithTx(ctx, TxTimeout, func(tx *gorm.DB) error {
		if req.Side == store.SideBuy {
			if err := balance.LockFunds(tx, req.UserID, req.Price.Mul(req.Amount)); err != nil {
				return err
			}
		} else {
			if err := asset.LockAssets(tx, req.UserID, req.Symbol, req.Amount); err != nil {
				return err
			}
		}

		if err := tx.Create(&newOrder).Error; err != nil {
			return apperr.Wrap(apperr.InternalError, "insert order", err)
		}

		audit.Log(tx, audit.Entry{
			UserID:     req.UserID,
			Action:     audit.ActionOrderPlaced,
			EntityKind: "order",
			EntityID:   newOrder.ID,
			Details:    map[string]any{"symbol": newOrder.Symbol, "side": newOrder.Side, "price": newOrder.Price.Format(), "amount": newOrder.Amount.Format()},
		})

		events, err := matching.Process(tx, &newOrder)
		if err != nil {
			return err
		}
		pending = events
		return nil
	})
	if err != nil {
		return store.Order{}, err
	}

	s.flush(pending)
	return newOrder, nil
}

// flush delivers events queued by a just-committed transaction. Publish
// errors are logged, not returned: delivery is non-transactional and
// never retried by the engine.
func (s *Service) flush(events []matching.Event) {
	for _, e := range events {
		if err := s.pub.Publish(e.UserID, e.EventName, e.Payload); err != nil {
			log.Warn().Err(err).Str("user_id", e.UserID).Str("event", e.EventName).Msg("order: event publish failed")
		}
	}
}

// CancelOrder releases the requester's locked funds or assets and marks
// the order Cancelled, rejecting orders not owned by the caller or no
// longer Open.
func (s *Service) CancelOrder(ctx context.Context, orderID, requestingUserID string) (store.Order, error) {
	var result store.Order
	err := s.store.WithTx(ctx, TxTimeout, func(tx *gorm.DB) error {
		o, err := store.TxLockOrder(tx, orderID)
		if err != nil {
			return apperr.New(apperr.NotFound, "order not found")
		}
		if o.UserID != requestingUserID {
			return apperr.New(apperr.OwnershipViolation, "order belongs to another user")
		}
		if o.Status != store.StatusOpen {
			return apperr.New(apperr.IllegalState, "order is not open")
		}

		if o.Side == store.SideBuy {
			if err := balance.ReleaseFunds(tx, o.UserID, o.Price.Mul(o.Amount)); err != nil {
				return err
			}
		} else {
			if err := asset.ReleaseAssets(tx, o.UserID, money.Symbol(o.Symbol), o.Amount); err != nil {
				return err
			}
		}

		o.Status = store.StatusCancelled
		o.UpdatedAt = time.Now().UTC()
		if err := tx.Save(o).Error; err != nil {
			return apperr.Wrap(apperr.InternalError, "save order", err)
		}

		audit.Log(tx, audit.Entry{
			UserID:     o.UserID,
			Action:     audit.ActionOrderCancelled,
			EntityKind: "order",
			EntityID:   o.ID,
		})

		result = *o
		return nil
	})
	if err != nil {
		return store.Order{}, err
	}
	return result, nil
}

// ListOrders returns the user's own orders, optionally filtered by
// status, most recent first.
func (s *Service) ListOrders(userID string, statusFilter string) ([]store.Order, error) {
	q := s.store.DB().Where("user_id = ?", userID)
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	var orders []store.Order
	if err := q.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "list orders", err)
	}
	return orders, nil
}

// Book is the rendered order book returned to callers.
type Book struct {
	BuyOrders  []store.Order `json:"buy_orders"`
	SellOrders []store.Order `json:"sell_orders"`
}

// Orderbook renders the open book for symbol: buy orders sorted
// price-descending, sell orders sorted price-ascending.
func (s *Service) Orderbook(symbol money.Symbol) (Book, error) {
	buys, err := store.OpenOrdersBySymbolSide(s.store.DB(), symbol, store.SideBuy, false)
	if err != nil {
		return Book{}, apperr.Wrap(apperr.InternalError, "load buy orders", err)
	}
	sells, err := store.OpenOrdersBySymbolSide(s.store.DB(), symbol, store.SideSell, true)
	if err != nil {
		return Book{}, apperr.Wrap(apperr.InternalError, "load sell orders", err)
	}
	return Book{BuyOrders: buys, SellOrders: sells}, nil
}
