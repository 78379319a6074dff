package power

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection across the ledger.
type IdempotencyKey struct {
	value string
}

// Reason is the namespaced cause recorded with a ledger entry,
// e.g. "spend:generate_tweet" or "purchase:coffee_5".
type Reason struct {
	value string
}

// MetadataJSON stores arbitrary event metadata alongside an entry.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewReason validates and normalizes a reason.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason{value: trimmed}, nil
}

// String returns the normalized reason.
func (reason Reason) String() string {
	return reason.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewSpendCost validates a spend cost and ensures it is strictly positive.
func NewSpendCost(raw int64) (int64, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: cost must be greater than zero", ErrInvalidAmount)
	}
	return raw, nil
}

// NewGrantAmount validates a grant delta. Positive amounts add power;
// negative amounts are the internal refund variant. Zero is rejected.
func NewGrantAmount(raw int64) (int64, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	return raw, nil
}

// Config is the process-wide power configuration.
type Config struct {
	MaxPower       int64
	RefillAmount   int64
	RefillInterval time.Duration
}

// Validate rejects degenerate configurations before they reach the calculator.
func (config Config) Validate() error {
	if config.MaxPower < 0 {
		return fmt.Errorf("%w: max_power must be non-negative", ErrInvalidConfig)
	}
	if config.RefillAmount < 0 {
		return fmt.Errorf("%w: refill_amount must be non-negative", ErrInvalidConfig)
	}
	if config.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// ConfigUpdate carries a partial configuration change; nil fields are untouched.
type ConfigUpdate struct {
	MaxPower       *int64
	RefillAmount   *int64
	RefillInterval *time.Duration
}

// Apply folds the update into an existing configuration.
func (update ConfigUpdate) Apply(config Config) Config {
	if update.MaxPower != nil {
		config.MaxPower = *update.MaxPower
	}
	if update.RefillAmount != nil {
		config.RefillAmount = *update.RefillAmount
	}
	if update.RefillInterval != nil {
		config.RefillInterval = *update.RefillInterval
	}
	return config
}

// IsZero reports whether the update touches no fields.
func (update ConfigUpdate) IsZero() bool {
	return update.MaxPower == nil && update.RefillAmount == nil && update.RefillInterval == nil
}

// Snapshot is the stored balance state for one user. BasePower is the power
// value as of LastUpdate; accrued refill is virtual until the next write.
type Snapshot struct {
	UserID     string
	BasePower  int64
	LastUpdate time.Time
}

// EffectivePower is the power value as of "now", computed from a snapshot.
type EffectivePower struct {
	Current        int64
	Max            int64
	RefillAmount   int64
	RefillInterval time.Duration
	NextRefillIn   time.Duration
	LastUpdate     time.Time
}

// EntryInput describes a ledger entry to append.
type EntryInput struct {
	UserID         string
	Delta          int64
	Reason         string
	IdempotencyKey *IdempotencyKey
	ExternalTxnID  string
	MetadataJSON   string
	CreatedAt      time.Time
}

// A single immutable line in the ledger.
type Entry struct {
	EntryID        string
	UserID         string
	Delta          int64
	Reason         string
	IdempotencyKey string
	ExternalTxnID  string
	MetadataJSON   string
	CreatedAt      time.Time
}

// Store is the persistence contract used by Service. Implementations must
// enforce idempotency-key uniqueness with a storage-level constraint and
// surface violations as ErrDuplicateIdempotencyKey. Inside WithTx,
// GetOrCreateBalance must lock the balance row so same-user operations
// serialize end to end. A lazily created row is stamped with the caller's
// now, keeping last_update on the service clock rather than the wall or
// database clock.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateBalance(ctx context.Context, userID UserID, now time.Time) (Snapshot, error)
	UpdateBalance(ctx context.Context, userID UserID, basePower int64, lastUpdate time.Time) error
	InsertEntry(ctx context.Context, entry EntryInput) error
	ListEntries(ctx context.Context, userID UserID, limit int) ([]Entry, error)
	GetConfig(ctx context.Context) (Config, error)
	UpdateConfig(ctx context.Context, update ConfigUpdate) (Config, error)
}
