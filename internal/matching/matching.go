// Package matching finds, for a newly-open order, the best compatible
// counter-order and settles the trade atomically inside the caller's
// transaction. Process never opens its own transaction: it must run
// inside the order-creation transaction so a rollback covers any
// partial settlement.
package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/web3guy0/spotx/internal/apperr"
	"github.com/web3guy0/spotx/internal/asset"
	"github.com/web3guy0/spotx/internal/audit"
	"github.com/web3guy0/spotx/internal/balance"
	"github.com/web3guy0/spotx/internal/money"
	"github.com/web3guy0/spotx/internal/store"
)

// CommissionRate is the fraction of traded volume deducted from the
// buyer on every match (1.5% by default). cmd/spotx sets it once at
// startup from Config.CommissionRate.
var CommissionRate = money.MustParse("0.01500000")

// SetCommissionRate overrides CommissionRate. Call once during startup,
// before the first order is processed.
func SetCommissionRate(rate money.Decimal) {
	CommissionRate = rate
}

// TradePayload is the trade half of the order.matched event payload.
type TradePayload struct {
	ID          string        `json:"id"`
	BuyOrderID  string        `json:"buy_order_id"`
	SellOrderID string        `json:"sell_order_id"`
	BuyerID     string        `json:"buyer_id"`
	SellerID    string        `json:"seller_id"`
	Symbol      string        `json:"symbol"`
	Price       money.Decimal `json:"price"`
	Amount      money.Decimal `json:"amount"`
	Volume      money.Decimal `json:"volume"`
	Commission  money.Decimal `json:"commission"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AssetsPayload mirrors asset.Holding but with JSON tags for the wire
// format.
type AssetsPayload struct {
	Total     money.Decimal `json:"total"`
	Locked    money.Decimal `json:"locked"`
	Available money.Decimal `json:"available"`
}

// OrderMatchedPayload is the full payload of the "order.matched" event,
// one per party.
type OrderMatchedPayload struct {
	Trade       TradePayload                        `json:"trade"`
	UserBalance struct {
		USDBalance money.Decimal `json:"usd_balance"`
	} `json:"user_balance"`
	UserAssets map[money.Symbol]AssetsPayload `json:"user_assets"`
}

// Event is a notification pending delivery once the caller's
// transaction commits. The matching engine never publishes directly:
// publish must happen strictly after commit, so a rollback can never
// produce a phantom event.
type Event struct {
	UserID    string
	EventName string
	Payload   OrderMatchedPayload
}

// Process matches and settles newOrder against the resting book.
// newOrder must already be inserted (as Open) in the current
// transaction.
func Process(tx *gorm.DB, newOrder *store.Order) ([]Event, error) {
	// Re-read under lock; idempotent no-op if already settled.
	fresh, err := store.TxLockOrder(tx, newOrder.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "reload new order", err)
	}
	if fresh.Status != store.StatusOpen {
		return nil, nil
	}
	*newOrder = *fresh

	oppositeSide := store.SideSell
	ascPrice := true
	if newOrder.Side == store.SideSell {
		oppositeSide = store.SideBuy
		ascPrice = false
	}

	// Scan candidates best-price-first. A candidate that was filled by a
	// concurrent transaction between our unlocked scan and our lock
	// attempt is skipped in favor of the next one, not treated as a
	// hard failure.
	//
	// Self-match prevention is intentionally not enforced here: a user
	// trading against their own resting order is neither required nor
	// forbidden.
	candidates, err := store.OpenOrdersBySymbolSide(tx, money.Symbol(newOrder.Symbol), oppositeSide, ascPrice)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "scan counter-orders", err)
	}

	for _, candidateRef := range candidates {
		counter, err := lockPairByID(tx, newOrder.ID, candidateRef.ID)
		if err != nil {
			return nil, err
		}
		if counter.Status != store.StatusOpen {
			continue
		}
		if !priceCompatible(newOrder, counter) {
			// Candidates are sorted best-first; once one fails the price
			// test, everything after it is strictly worse.
			break
		}

		return settle(tx, newOrder, counter)
	}

	return nil, nil
}

// priceCompatible reports whether newOrder and counter can match: a
// sell's price must not exceed a buy's price.
func priceCompatible(newOrder, counter *store.Order) bool {
	var buy, sell *store.Order
	if newOrder.Side == store.SideBuy {
		buy, sell = newOrder, counter
	} else {
		buy, sell = counter, newOrder
	}
	return sell.Price.LessThanOrEqual(buy.Price)
}

// lockPairByID locks both order rows in ascending id order to avoid
// deadlocking against a concurrent match locking the same pair in
// reverse, and returns the row whose id is not newOrderID.
func lockPairByID(tx *gorm.DB, newOrderID, otherID string) (*store.Order, error) {
	first, second := newOrderID, otherID
	if second < first {
		first, second = second, first
	}
	firstRow, err := store.TxLockOrder(tx, first)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "lock order", err)
	}
	secondRow, err := store.TxLockOrder(tx, second)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "lock order", err)
	}
	if firstRow.ID == newOrderID {
		return secondRow, nil
	}
	return firstRow, nil
}

func settle(tx *gorm.DB, newOrder, counter *store.Order) ([]Event, error) {
	var buy, sell *store.Order
	if newOrder.Side == store.SideBuy {
		buy, sell = newOrder, counter
	} else {
		buy, sell = counter, newOrder
	}

	// Only a full match is supported: partial fills are rejected outright
	// rather than leaving a reduced remainder on the book.
	if buy.Amount.Cmp(sell.Amount) != 0 {
		return nil, apperr.New(apperr.UnsupportedPartialMatch,
			fmt.Sprintf("buy amount %s != sell amount %s", buy.Amount.Format(), sell.Amount.Format()))
	}

	// Clearing price is always the sell order's price, whichever side
	// arrived first.
	matchPrice := sell.Price
	amount := buy.Amount
	volume := matchPrice.Mul(amount)
	commission := volume.Mul(CommissionRate)

	if err := asset.TransferAssets(tx, sell.UserID, buy.UserID, money.Symbol(sell.Symbol), amount); err != nil {
		return nil, err
	}
	// Release the buyer's actual locked amount (buy.Price * amount), not
	// the match volume. When the buy limit is above the clearing price
	// the difference would otherwise vanish: it was subtracted from the
	// buyer's balance at lock time and neither the seller nor the house
	// ever receives it.
	if err := balance.ReleaseFunds(tx, buy.UserID, buy.Price.Mul(amount)); err != nil {
		return nil, err
	}
	if err := balance.TransferUSD(tx, buy.UserID, sell.UserID, volume.Sub(commission)); err != nil {
		return nil, err
	}
	if err := balance.DeductCommission(tx, buy.UserID, commission); err != nil {
		return nil, err
	}

	now := timeNow()
	buy.Status = store.StatusFilled
	buy.UpdatedAt = now
	sell.Status = store.StatusFilled
	sell.UpdatedAt = now
	if err := tx.Save(buy).Error; err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "save buy order", err)
	}
	if err := tx.Save(sell).Error; err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "save sell order", err)
	}

	trade := store.Trade{
		ID:          newTradeID(),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Symbol:      sell.Symbol,
		Price:       matchPrice,
		Amount:      amount,
		Volume:      volume,
		Commission:  commission,
		CreatedAt:   now,
	}
	if err := tx.Create(&trade).Error; err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "create trade", err)
	}

	audit.Log(tx, audit.Entry{
		UserID:     buy.UserID,
		Action:     audit.ActionTradeExecutedBuy,
		EntityKind: "trade",
		EntityID:   trade.ID,
		Details:    map[string]any{"symbol": trade.Symbol, "price": trade.Price.Format(), "amount": trade.Amount.Format()},
	})
	audit.Log(tx, audit.Entry{
		UserID:     sell.UserID,
		Action:     audit.ActionTradeExecutedSell,
		EntityKind: "trade",
		EntityID:   trade.ID,
		Details:    map[string]any{"symbol": trade.Symbol, "price": trade.Price.Format(), "amount": trade.Amount.Format()},
	})

	// Build (but do not send) one event per party. The caller flushes
	// these only after the transaction commits.
	events, err := buildEvents(tx, trade)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func buildEvents(tx *gorm.DB, trade store.Trade) ([]Event, error) {
	tradePayload := TradePayload{
		ID:          trade.ID,
		BuyOrderID:  trade.BuyOrderID,
		SellOrderID: trade.SellOrderID,
		BuyerID:     trade.BuyerID,
		SellerID:    trade.SellerID,
		Symbol:      trade.Symbol,
		Price:       trade.Price,
		Amount:      trade.Amount,
		Volume:      trade.Volume,
		Commission:  trade.Commission,
		CreatedAt:   trade.CreatedAt,
	}

	buyerEvent, err := buildPartyEvent(tx, trade.BuyerID, tradePayload)
	if err != nil {
		return nil, err
	}
	sellerEvent, err := buildPartyEvent(tx, trade.SellerID, tradePayload)
	if err != nil {
		return nil, err
	}
	return []Event{buyerEvent, sellerEvent}, nil
}

func buildPartyEvent(tx *gorm.DB, userID string, tradePayload TradePayload) (Event, error) {
	bal, err := balance.GetBalance(tx, userID)
	if err != nil {
		return Event{}, err
	}
	assets, err := asset.GetAssets(tx, userID)
	if err != nil {
		return Event{}, err
	}

	payload := OrderMatchedPayload{Trade: tradePayload, UserAssets: make(map[money.Symbol]AssetsPayload, len(assets))}
	payload.UserBalance.USDBalance = bal.Balance
	for sym, h := range assets {
		payload.UserAssets[sym] = AssetsPayload{Total: h.Total, Locked: h.Locked, Available: h.Available}
	}

	return Event{UserID: userID, EventName: "order.matched", Payload: payload}, nil
}

// timeNow and newTradeID are indirected through package-level vars so
// tests can make trade creation deterministic.
var timeNow = func() time.Time { return time.Now().UTC() }

// newTradeID must be safe under concurrent settlement across the
// pool of matching transactions, so it is backed by uuid rather than
// an in-process counter, which would race (and could mint duplicate
// ids under concurrent workers) without a mutex or atomic.
var newTradeID = func() string {
	return "trade_" + uuid.NewString()
}

