package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/essentialpopstar/powerd/pkg/power"
	"go.uber.org/zap"
)

// Status is the terminal state of an ingested request.
type Status string

const (
	// StatusApplied means the event mutated the power balance (or replayed
	// idempotently). The processor must not retry.
	StatusApplied Status = "applied"
	// StatusIgnored means the event was acknowledged without effect.
	StatusIgnored Status = "ignored"
	// StatusRejected means the request failed verification or parsing.
	StatusRejected Status = "rejected"
)

// Rejection and ignore detail codes.
const (
	RejectInvalidSignature = "invalid_signature"
	RejectMalformedPayload = "malformed_payload"
	IgnoreUnhandledType    = "unhandled_event_type"
	IgnoreUnknownProduct   = "unknown_product"
	IgnoreMissingFields    = "missing_event_fields"

	refundKeyPrefix = "refund_"
)

// ErrInvalidProcessorConfig reports bad Processor wiring.
var ErrInvalidProcessorConfig = errors.New("invalid processor config")

// PowerGranter is the slice of the power service the pipeline needs.
type PowerGranter interface {
	Grant(ctx context.Context, userID power.UserID, amount int64, reason power.Reason, idempotencyKey *power.IdempotencyKey, externalTxnID string, metadata power.MetadataJSON) (power.GrantResult, error)
}

// Result describes the outcome of one ingested request.
type Result struct {
	Status  Status
	Detail  string
	Granted int64
}

// Processor runs the ingestion pipeline: verify signature, parse, classify,
// apply. All mutation funnels through the power service's idempotent grant
// path, so redelivered events are safe.
type Processor struct {
	secret  string
	catalog ProductCatalog
	engine  PowerGranter
	logger  *zap.Logger
}

// NewProcessor wires a Processor. A nil catalog falls back to DefaultCatalog.
func NewProcessor(secret string, catalog ProductCatalog, engine PowerGranter, logger *zap.Logger) (*Processor, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: power granter is nil", ErrInvalidProcessorConfig)
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		secret:  secret,
		catalog: catalog,
		engine:  engine,
		logger:  logger,
	}, nil
}

// Process ingests one raw webhook request. A non-nil error means the apply
// step failed mid-flight; the caller should answer 500 so the processor
// retries, which the idempotency keys make safe.
func (processor *Processor) Process(ctx context.Context, body []byte, signatureHex string) (Result, error) {
	if !VerifySignature(body, signatureHex, processor.secret) {
		processor.logger.Warn("webhook signature rejected")
		return Result{Status: StatusRejected, Detail: RejectInvalidSignature}, nil
	}
	parsed, err := ParseEvent(body)
	if err != nil {
		processor.logger.Warn("webhook payload rejected", zap.Error(err))
		return Result{Status: StatusRejected, Detail: RejectMalformedPayload}, nil
	}
	event, handled := Classify(parsed)
	if !handled {
		detail := IgnoreUnhandledType
		if parsed.Event.AppUserID == "" || parsed.Event.ProductID == "" {
			detail = IgnoreMissingFields
		}
		processor.logger.Info("webhook event ignored",
			zap.String("event_type", parsed.Event.Type),
			zap.String("detail", detail))
		return Result{Status: StatusIgnored, Detail: detail}, nil
	}
	delta := processor.catalog.PowerDelta(event.ProductID)
	if delta <= 0 {
		processor.logger.Info("webhook event ignored",
			zap.String("event_type", event.Type),
			zap.String("product_id", event.ProductID),
			zap.String("detail", IgnoreUnknownProduct))
		return Result{Status: StatusIgnored, Detail: IgnoreUnknownProduct}, nil
	}

	switch event.Kind {
	case KindPurchase:
		return processor.applyPurchase(ctx, event, delta)
	case KindRefund:
		return processor.applyRefund(ctx, event, delta)
	}
	return Result{Status: StatusIgnored, Detail: IgnoreUnhandledType}, nil
}

func (processor *Processor) applyPurchase(ctx context.Context, event EventData, delta int64) (Result, error) {
	userID, reason, key, metadata, err := grantInputs(event, power.ReasonPrefixPurchase, event.TransactionID)
	if err != nil {
		return Result{}, err
	}
	result, err := processor.engine.Grant(ctx, userID, delta, reason, key, event.TransactionID, metadata)
	if err != nil {
		return Result{}, err
	}
	processor.logger.Info("purchase applied",
		zap.String("user_id", event.AppUserID),
		zap.String("product_id", event.ProductID),
		zap.String("transaction_id", event.TransactionID),
		zap.Int64("granted", result.Granted),
		zap.Bool("duplicate", result.Duplicate))
	return Result{Status: StatusApplied, Granted: result.Granted}, nil
}

func (processor *Processor) applyRefund(ctx context.Context, event EventData, delta int64) (Result, error) {
	// The grant path clamps at zero inside its transaction, so the claw-back
	// never removes more than the user currently holds.
	userID, reason, key, metadata, err := grantInputs(event, power.ReasonPrefixRefund, refundKeyPrefix+event.TransactionID)
	if err != nil {
		return Result{}, err
	}
	result, err := processor.engine.Grant(ctx, userID, -delta, reason, key, event.TransactionID, metadata)
	if err != nil {
		return Result{}, err
	}
	processor.logger.Info("refund applied",
		zap.String("user_id", event.AppUserID),
		zap.String("product_id", event.ProductID),
		zap.String("transaction_id", event.TransactionID),
		zap.Int64("removed", -result.Granted),
		zap.Bool("duplicate", result.Duplicate))
	return Result{Status: StatusApplied, Granted: result.Granted}, nil
}

func grantInputs(event EventData, reasonPrefix string, keyValue string) (power.UserID, power.Reason, *power.IdempotencyKey, power.MetadataJSON, error) {
	userID, err := power.NewUserID(event.AppUserID)
	if err != nil {
		return power.UserID{}, power.Reason{}, nil, power.MetadataJSON{}, err
	}
	reason, err := power.NewReason(reasonPrefix + event.ProductID)
	if err != nil {
		return power.UserID{}, power.Reason{}, nil, power.MetadataJSON{}, err
	}
	key, err := power.NewIdempotencyKey(keyValue)
	if err != nil {
		return power.UserID{}, power.Reason{}, nil, power.MetadataJSON{}, err
	}
	metadata, err := eventMetadata(event)
	if err != nil {
		return power.UserID{}, power.Reason{}, nil, power.MetadataJSON{}, err
	}
	return userID, reason, &key, metadata, nil
}

func eventMetadata(event EventData) (power.MetadataJSON, error) {
	raw, err := json.Marshal(map[string]string{
		"event_type":  event.Type,
		"product_id":  event.ProductID,
		"environment": event.Environment,
	})
	if err != nil {
		return power.MetadataJSON{}, err
	}
	return power.NewMetadataJSON(string(raw))
}
