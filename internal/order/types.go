package order

import (
	"time"

	"github.com/google/uuid"

	"signalist/internal/domain"
)

// keyNamespace scopes idempotency keys; changing it would break dedupe of
// trades already in the ledger.
var keyNamespace = uuid.MustParse("5b0a8f3e-6a43-4c55-9a57-6f0d2b1c9e11")

// IdempotencyKey derives the stable submission key for a bot's signal.
// Retrying the same signal always yields the same key.
func IdempotencyKey(botID string, signalTime time.Time) string {
	name := botID + "|" + signalTime.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// Request is one approved signal to submit on behalf of a bot.
type Request struct {
	UserID string
	BotID  string
	Broker string
	Signal domain.Signal
}

// Result is the outcome of a dispatched order.
type Result struct {
	Trade domain.Trade
	// Duplicate is set when the key was already in the ledger and no new
	// order was sent.
	Duplicate bool
	Attempts  int
}
