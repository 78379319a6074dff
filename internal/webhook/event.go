package webhook

import (
	"encoding/json"
	"fmt"
)

// EventKind classifies a purchase-processor event.
type EventKind string

const (
	KindPurchase EventKind = "purchase"
	KindRefund   EventKind = "refund"
	KindUnknown  EventKind = "unknown"
)

var (
	purchaseEventTypes = map[string]struct{}{
		"INITIAL_PURCHASE":      {},
		"RENEWAL":               {},
		"NON_RENEWING_PURCHASE": {},
	}
	refundEventTypes = map[string]struct{}{
		"CANCELLATION": {},
		"REFUND":       {},
		"EXPIRATION":   {},
	}
)

// Envelope is the processor's wire shape: a single "event" object.
type Envelope struct {
	Event EventPayload `json:"event"`
}

type EventPayload struct {
	ID                    string `json:"id"`
	Type                  string `json:"type"`
	AppUserID             string `json:"app_user_id"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Environment           string `json:"environment"`
}

// EventData is a classified, fully-extracted event ready to apply.
type EventData struct {
	Kind          EventKind
	Type          string
	AppUserID     string
	ProductID     string
	TransactionID string
	Environment   string
}

// ParseEvent decodes the raw body into the processor Envelope.
func ParseEvent(body []byte) (Envelope, error) {
	var parsed Envelope
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Envelope{}, fmt.Errorf("malformed event payload: %w", err)
	}
	return parsed, nil
}

// Classify maps an Envelope to purchase/refund data. The second return is
// false when the event type is unhandled or a required field is missing;
// such events are acknowledged but never applied.
func Classify(parsed Envelope) (EventData, bool) {
	event := parsed.Event
	kind := KindUnknown
	if _, isPurchase := purchaseEventTypes[event.Type]; isPurchase {
		kind = KindPurchase
	}
	if _, isRefund := refundEventTypes[event.Type]; isRefund {
		kind = KindRefund
	}
	if kind == KindUnknown {
		return EventData{}, false
	}
	transactionID := event.TransactionID
	if transactionID == "" {
		transactionID = event.ID
	}
	if event.AppUserID == "" || event.ProductID == "" || transactionID == "" {
		return EventData{}, false
	}
	return EventData{
		Kind:          kind,
		Type:          event.Type,
		AppUserID:     event.AppUserID,
		ProductID:     event.ProductID,
		TransactionID: transactionID,
		Environment:   event.Environment,
	}, true
}
