package power

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

const (
	serviceUserIDValue   = "user-1"
	serviceReasonValue   = "spend:test_action"
	purchaseReasonValue  = "purchase:coffee_1"
	refundReasonValue    = "refund:coffee_1"
	idempotencyKeyValue  = "txn-1"
	errorMismatchMessage = "expected %v, got %v"
)

var errStoreFailure = errors.New("store error")

type fakeClock struct {
	current time.Time
}

func (clock *fakeClock) Now() time.Time {
	return clock.current
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.current = clock.current.Add(delta)
}

type stubStore struct {
	config Config

	balances map[string]Snapshot
	entries  []Entry
	seenKeys map[string]struct{}

	lastListLimit int

	getBalanceError    error
	updateBalanceError error
	insertEntryError   error
	listEntriesError   error
	getConfigError     error
	updateConfigError  error
}

func newStubStore(config Config) *stubStore {
	return &stubStore{
		config:   config,
		balances: make(map[string]Snapshot),
		seenKeys: make(map[string]struct{}),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateBalance(_ context.Context, userID UserID, now time.Time) (Snapshot, error) {
	if store.getBalanceError != nil {
		return Snapshot{}, store.getBalanceError
	}
	snapshot, exists := store.balances[userID.String()]
	if !exists {
		snapshot = Snapshot{UserID: userID.String(), BasePower: 0, LastUpdate: now}
		store.balances[userID.String()] = snapshot
	}
	return snapshot, nil
}

func (store *stubStore) UpdateBalance(_ context.Context, userID UserID, basePower int64, lastUpdate time.Time) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	store.balances[userID.String()] = Snapshot{UserID: userID.String(), BasePower: basePower, LastUpdate: lastUpdate}
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry EntryInput) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	keyValue := ""
	if entry.IdempotencyKey != nil {
		keyValue = entry.IdempotencyKey.String()
		if _, exists := store.seenKeys[keyValue]; exists {
			return WrapError("store", "entry", "duplicate", ErrDuplicateIdempotencyKey)
		}
		store.seenKeys[keyValue] = struct{}{}
	}
	store.entries = append(store.entries, Entry{
		EntryID:        fmt.Sprintf("entry-%d", len(store.entries)+1),
		UserID:         entry.UserID,
		Delta:          entry.Delta,
		Reason:         entry.Reason,
		IdempotencyKey: keyValue,
		ExternalTxnID:  entry.ExternalTxnID,
		MetadataJSON:   entry.MetadataJSON,
		CreatedAt:      entry.CreatedAt,
	})
	return nil
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, limit int) ([]Entry, error) {
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	store.lastListLimit = limit
	entries := make([]Entry, 0, limit)
	for index := len(store.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		if store.entries[index].UserID == userID.String() {
			entries = append(entries, store.entries[index])
		}
	}
	return entries, nil
}

func (store *stubStore) GetConfig(context.Context) (Config, error) {
	if store.getConfigError != nil {
		return Config{}, store.getConfigError
	}
	return store.config, nil
}

func (store *stubStore) UpdateConfig(_ context.Context, update ConfigUpdate) (Config, error) {
	if store.updateConfigError != nil {
		return Config{}, store.updateConfigError
	}
	merged := update.Apply(store.config)
	if err := merged.Validate(); err != nil {
		return Config{}, err
	}
	store.config = merged
	return merged, nil
}

func mustNewService(test *testing.T, store Store, clock *fakeClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	reason, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return reason
}

func mustIdempotencyKey(test *testing.T, raw string) *IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return &key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func TestGetCreatesDefaultBalanceAndAccrues(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	store := newStubStore(calculatorConfig)
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, serviceUserIDValue)

	effective, err := service.Get(context.Background(), userID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if effective.Current != 0 {
		test.Fatalf("expected fresh user at 0 power, got %d", effective.Current)
	}

	clock.Advance(61 * time.Minute)
	effective, err = service.Get(context.Background(), userID)
	if err != nil {
		test.Fatalf("get after 61m: %v", err)
	}
	if effective.Current != 2 {
		test.Fatalf("expected 2 power after 61 minutes, got %d", effective.Current)
	}
	if effective.NextRefillIn != 29*time.Minute {
		test.Fatalf("expected next refill in 29m, got %v", effective.NextRefillIn)
	}
	if snapshot := store.balances[serviceUserIDValue]; snapshot.BasePower != 0 {
		test.Fatalf("get must not materialize refill, base power became %d", snapshot.BasePower)
	}
}

func TestSpendConservation(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	store := newStubStore(calculatorConfig)
	store.balances[serviceUserIDValue] = Snapshot{UserID: serviceUserIDValue, BasePower: 5, LastUpdate: baseTime}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, serviceUserIDValue)
	reason := mustReason(test, serviceReasonValue)

	effective, err := service.Spend(context.Background(), userID, 3, reason)
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if effective.Current != 2 {
		test.Fatalf("expected 2 power after spend, got %d", effective.Current)
	}
	if len(store.entries) != 1 || store.entries[0].Delta != -3 {
		test.Fatalf("expected one -3 ledger entry, got %+v", store.entries)
	}

	_, err = service.Spend(context.Background(), userID, 3, reason)
	if !errors.Is(err, ErrInsufficientPower) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientPower, err)
	}
	var insufficientError InsufficientPowerError
	if !errors.As(err, &insufficientError) {
		test.Fatalf("expected InsufficientPowerError, got %T", err)
	}
	if insufficientError.Current != 2 || insufficientError.Required != 3 {
		test.Fatalf("expected current=2 required=3, got %+v", insufficientError)
	}
	if len(store.entries) != 1 {
		test.Fatalf("failed spend must not write ledger entries, got %d", len(store.entries))
	}
	if snapshot := store.balances[serviceUserIDValue]; snapshot.BasePower != 2 {
		test.Fatalf("failed spend must not mutate balance, got %d", snapshot.BasePower)
	}
}

func TestSpendRejectsNonPositiveCost(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	service := mustNewService(test, newStubStore(calculatorConfig), clock)
	userID := mustUserID(test, serviceUserIDValue)
	reason := mustReason(test, serviceReasonValue)

	for _, cost := range []int64{0, -5} {
		if _, err := service.Spend(context.Background(), userID, cost, reason); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf(errorMismatchMessage, ErrInvalidAmount, err)
		}
	}
}

func TestGrantIdempotentReplay(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	store := newStubStore(calculatorConfig)
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, serviceUserIDValue)
	reason := mustReason(test, purchaseReasonValue)
	key := mustIdempotencyKey(test, idempotencyKeyValue)
	metadata := mustMetadata(test, "")

	first, err := service.Grant(context.Background(), userID, 8, reason, key, idempotencyKeyValue, metadata)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if first.Granted != 8 || first.Duplicate {
		test.Fatalf("expected granted=8 on first application, got %+v", first)
	}

	replay, err := service.Grant(context.Background(), userID, 8, reason, key, idempotencyKeyValue, metadata)
	if err != nil {
		test.Fatalf("replay must be success-no-op, got %v", err)
	}
	if !replay.Duplicate || replay.Granted != 0 {
		test.Fatalf("expected duplicate no-op, got %+v", replay)
	}
	if replay.Power.Current != 8 {
		test.Fatalf("expected balance 8 after replay, got %d", replay.Power.Current)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected exactly one ledger entry, got %d", len(store.entries))
	}
}

func TestGrantClampsAtMaxPower(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	store := newStubStore(calculatorConfig)
	store.balances[serviceUserIDValue] = Snapshot{UserID: serviceUserIDValue, BasePower: 20, LastUpdate: baseTime}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, serviceUserIDValue)
	reason := mustReason(test, purchaseReasonValue)

	result, err := service.Grant(context.Background(), userID, 8, reason, nil, "", MetadataJSON{})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result.Granted != 4 {
		test.Fatalf("expected 4 power applied at clamp, got %d", result.Granted)
	}
	if result.Power.Current != 24 {
		test.Fatalf("expected balance at max 24, got %d", result.Power.Current)
	}
	// The purchase receipt keeps the full requested delta.
	if store.entries[0].Delta != 8 {
		test.Fatalf("expected recorded delta 8, got %d", store.entries[0].Delta)
	}
}

func TestNegativeGrantClampsAtZero(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	store := newStubStore(calculatorConfig)
	store.balances[serviceUserIDValue] = Snapshot{UserID: serviceUserIDValue, BasePower: 5, LastUpdate: baseTime}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, serviceUserIDValue)
	reason := mustReason(test, refundReasonValue)
	key := mustIdempotencyKey(test, "refund_"+idempotencyKeyValue)

	result, err := service.Grant(context.Background(), userID, -8, reason, key, idempotencyKeyValue, MetadataJSON{})
	if err != nil {
		test.Fatalf("refund grant: %v", err)
	}
	if result.Granted != -5 {
		test.Fatalf("expected -5 applied, got %d", result.Granted)
	}
	if result.Power.Current != 0 {
		test.Fatalf("expected balance 0 after refund, got %d", result.Power.Current)
	}
	if store.entries[0].Delta != -5 {
		test.Fatalf("expected recorded delta -5, got %d", store.entries[0].Delta)
	}
}

func TestNegativeGrantWithNothingHeldIsNoop(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	store := newStubStore(calculatorConfig)
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, serviceUserIDValue)
	reason := mustReason(test, refundReasonValue)

	result, err := service.Grant(context.Background(), userID, -8, reason, nil, "", MetadataJSON{})
	if err != nil {
		test.Fatalf("refund grant: %v", err)
	}
	if result.Granted != 0 {
		test.Fatalf("expected nothing removed, got %d", result.Granted)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no ledger entries, got %d", len(store.entries))
	}
}

func TestGrantRejectsZeroAmount(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	service := mustNewService(test, newStubStore(calculatorConfig), clock)
	userID := mustUserID(test, serviceUserIDValue)
	reason := mustReason(test, purchaseReasonValue)

	if _, err := service.Grant(context.Background(), userID, 0, reason, nil, "", MetadataJSON{}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatchMessage, ErrInvalidAmount, err)
	}
}

func TestSpendReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{
			name: "balance lookup error",
			configure: func(store *stubStore) {
				store.getBalanceError = errStoreFailure
			},
		},
		{
			name: "config lookup error",
			configure: func(store *stubStore) {
				store.getConfigError = errStoreFailure
			},
		},
		{
			name: "insert entry error",
			configure: func(store *stubStore) {
				store.insertEntryError = errStoreFailure
			},
		},
		{
			name: "update balance error",
			configure: func(store *stubStore) {
				store.updateBalanceError = errStoreFailure
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
			clock := &fakeClock{current: baseTime}
			store := newStubStore(calculatorConfig)
			store.balances[serviceUserIDValue] = Snapshot{UserID: serviceUserIDValue, BasePower: 10, LastUpdate: baseTime}
			testCase.configure(store)
			service := mustNewService(test, store, clock)
			userID := mustUserID(test, serviceUserIDValue)
			reason := mustReason(test, serviceReasonValue)

			if _, err := service.Spend(context.Background(), userID, 3, reason); !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
		})
	}
}

func TestHistoryClampsLimit(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	store := newStubStore(calculatorConfig)
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, serviceUserIDValue)

	if _, err := service.History(context.Background(), userID, 0); err != nil {
		test.Fatalf("history: %v", err)
	}
	if store.lastListLimit != DefaultHistoryLimit {
		test.Fatalf("expected default limit %d, got %d", DefaultHistoryLimit, store.lastListLimit)
	}
	if _, err := service.History(context.Background(), userID, 10_000); err != nil {
		test.Fatalf("history: %v", err)
	}
	if store.lastListLimit != MaxHistoryLimit {
		test.Fatalf("expected max limit %d, got %d", MaxHistoryLimit, store.lastListLimit)
	}
}

func TestUpdateConfigRejectsEmptyUpdate(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	service := mustNewService(test, newStubStore(calculatorConfig), clock)

	if _, err := service.UpdateConfig(context.Background(), ConfigUpdate{}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidConfig, err)
	}
}

func TestUpdateConfigRejectsInvalidMerge(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}
	store := newStubStore(calculatorConfig)
	service := mustNewService(test, store, clock)

	negative := int64(-1)
	if _, err := service.UpdateConfig(context.Background(), ConfigUpdate{MaxPower: &negative}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidConfig, err)
	}
	if store.config.MaxPower != calculatorConfig.MaxPower {
		test.Fatalf("invalid update must not persist, max became %d", store.config.MaxPower)
	}

	updatedMax := int64(48)
	updated, err := service.UpdateConfig(context.Background(), ConfigUpdate{MaxPower: &updatedMax})
	if err != nil {
		test.Fatalf("update config: %v", err)
	}
	if updated.MaxPower != 48 || updated.RefillAmount != calculatorConfig.RefillAmount {
		test.Fatalf("unexpected merged config %+v", updated)
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	baseTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{current: baseTime}

	if _, err := NewService(nil, clock.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(calculatorConfig), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}
