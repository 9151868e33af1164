// Package audit is an append-only event log written inside the
// caller's transaction, with a best-effort structured log line on the
// side. A failure here must never fail the surrounding transaction.
package audit

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/spotx/internal/store"
)

// Action tags used by the engine itself. The Orchestrator adds its own
// REGISTER tag on top of these.
const (
	ActionTradeExecutedBuy  = "TRADE_EXECUTED_BUY"
	ActionTradeExecutedSell = "TRADE_EXECUTED_SELL"
	ActionOrderPlaced       = "ORDER_PLACED"
	ActionOrderCancelled    = "ORDER_CANCELLED"
)

// Entry is one row of the audit log.
type Entry struct {
	UserID     string
	Action     string
	EntityKind string
	EntityID   string
	Details    map[string]any
	IP         string
}

// Log writes entry as an AuditEntry row inside tx. Marshal or write
// failures are swallowed and logged at Warn, never returned, so a audit
// failure can never roll back the trade or order it describes.
func Log(tx *gorm.DB, entry Entry) {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		log.Warn().Err(err).Str("action", entry.Action).Msg("audit: failed to marshal details")
		details = []byte("{}")
	}

	row := store.AuditEntry{
		UserID:     entry.UserID,
		Action:     entry.Action,
		EntityKind: entry.EntityKind,
		EntityID:   entry.EntityID,
		Details:    string(details),
		IP:         entry.IP,
	}

	if err := tx.Create(&row).Error; err != nil {
		log.Warn().Err(err).Str("action", entry.Action).Str("entity_id", entry.EntityID).Msg("audit: failed to write entry")
		return
	}

	log.Info().
		Str("component", "audit").
		Str("action", entry.Action).
		Str("entity_kind", entry.EntityKind).
		Str("entity_id", entry.EntityID).
		Str("user_id", entry.UserID).
		Msg("audit entry recorded")
}
