package power

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the power-economy domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GrantResult reports the outcome of a grant.
type GrantResult struct {
	// Granted is the delta actually applied to the balance. It is zero on an
	// idempotent replay and may be smaller in magnitude than requested when
	// the balance clamps at zero or max.
	Granted   int64
	Duplicate bool
	Power     EffectivePower
}

// Get returns the effective power for a user, creating the default balance on
// first reference. Read-only: accrued refill stays virtual until the next
// grant or spend materializes it.
func (service *Service) Get(ctx context.Context, userID UserID) (EffectivePower, error) {
	now := service.nowFn()
	snapshot, err := service.store.GetOrCreateBalance(ctx, userID, now)
	if err != nil {
		return EffectivePower{}, err
	}
	config, err := service.loadConfig(ctx, service.store)
	if err != nil {
		return EffectivePower{}, err
	}
	return ComputeCurrentPower(now, snapshot.BasePower, snapshot.LastUpdate, config), nil
}

// Spend deducts cost from the user's effective power as one atomic
// read-modify-write. The balance row is locked for the duration of the
// transaction, so concurrent spends for the same user serialize and cannot
// both observe a sufficient balance.
func (service *Service) Spend(ctx context.Context, userID UserID, cost int64, reason Reason) (EffectivePower, error) {
	if _, err := NewSpendCost(cost); err != nil {
		return EffectivePower{}, err
	}
	var result EffectivePower
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn()
		snapshot, err := transactionStore.GetOrCreateBalance(ctx, userID, now)
		if err != nil {
			return err
		}
		config, err := service.loadConfig(ctx, transactionStore)
		if err != nil {
			return err
		}
		effective := ComputeCurrentPower(now, snapshot.BasePower, snapshot.LastUpdate, config)
		if effective.Current < cost {
			return InsufficientPowerError{Current: effective.Current, Required: cost}
		}
		newBase := effective.Current - cost
		if err := transactionStore.InsertEntry(ctx, EntryInput{
			UserID:    userID.String(),
			Delta:     -cost,
			Reason:    reason.String(),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, userID, newBase, now); err != nil {
			return err
		}
		result = ComputeCurrentPower(now, newBase, now, config)
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSpend,
		UserID:    userID,
		Amount:    -cost,
		Reason:    reason.String(),
		Error:     operationError,
	})
	return result, operationError
}

// Grant applies a delta to the user's effective power as one atomic
// read-modify-write. Positive amounts clamp at max power (the full requested
// delta is still recorded, matching the purchase receipt); negative amounts
// are the internal refund variant and clamp at zero, recording only what was
// actually removed.
//
// When idempotencyKey is set and an entry with the same key already exists,
// the call is a no-op that returns the current state with Duplicate set.
// This is what makes webhook redelivery safe.
func (service *Service) Grant(ctx context.Context, userID UserID, amount int64, reason Reason, idempotencyKey *IdempotencyKey, externalTxnID string, metadata MetadataJSON) (GrantResult, error) {
	if _, err := NewGrantAmount(amount); err != nil {
		return GrantResult{}, err
	}
	var result GrantResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn()
		snapshot, err := transactionStore.GetOrCreateBalance(ctx, userID, now)
		if err != nil {
			return err
		}
		config, err := service.loadConfig(ctx, transactionStore)
		if err != nil {
			return err
		}
		effective := ComputeCurrentPower(now, snapshot.BasePower, snapshot.LastUpdate, config)
		newBase := clampPower(effective.Current+amount, config.MaxPower)
		applied := newBase - effective.Current
		recorded := amount
		if amount < 0 {
			recorded = applied
		}
		if recorded == 0 {
			// Refund with nothing left to claw back.
			result = GrantResult{Granted: 0, Power: effective}
			return nil
		}
		if err := transactionStore.InsertEntry(ctx, EntryInput{
			UserID:         userID.String(),
			Delta:          recorded,
			Reason:         reason.String(),
			IdempotencyKey: idempotencyKey,
			ExternalTxnID:  externalTxnID,
			MetadataJSON:   metadata.String(),
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, userID, newBase, now); err != nil {
			return err
		}
		result = GrantResult{
			Granted: applied,
			Power:   ComputeCurrentPower(now, newBase, now, config),
		}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		current, getErr := service.Get(ctx, userID)
		if getErr != nil {
			return GrantResult{}, getErr
		}
		service.logOperation(ctx, OperationLog{
			Operation:      operationGrant,
			UserID:         userID,
			Amount:         amount,
			Reason:         reason.String(),
			IdempotencyKey: keyString(idempotencyKey),
			Status:         operationStatusDuplicate,
		})
		return GrantResult{Granted: 0, Duplicate: true, Power: current}, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		Amount:         amount,
		Reason:         reason.String(),
		IdempotencyKey: keyString(idempotencyKey),
		Error:          operationError,
	})
	return result, operationError
}

// History lists ledger entries for a user, newest first. A non-positive limit
// falls back to DefaultHistoryLimit; anything above MaxHistoryLimit is clamped.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return service.store.ListEntries(ctx, userID, limit)
}

// Config returns the current power configuration.
func (service *Service) Config(ctx context.Context) (Config, error) {
	return service.loadConfig(ctx, service.store)
}

// UpdateConfig applies a partial configuration change. The merged result is
// validated before anything is persisted; invalid updates leave the stored
// configuration untouched.
func (service *Service) UpdateConfig(ctx context.Context, update ConfigUpdate) (Config, error) {
	if update.IsZero() {
		return Config{}, fmt.Errorf("%w: no fields to update", ErrInvalidConfig)
	}
	return service.store.UpdateConfig(ctx, update)
}

func (service *Service) loadConfig(ctx context.Context, store Store) (Config, error) {
	config, err := store.GetConfig(ctx)
	if err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func keyString(key *IdempotencyKey) string {
	if key == nil {
		return ""
	}
	return key.String()
}
