package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/essentialpopstar/powerd/pkg/power"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testConfig = power.Config{
	MaxPower:       24,
	RefillAmount:   1,
	RefillInterval: 30 * time.Minute,
}

func openTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/power.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	if err := store.EnsureConfig(context.Background(), testConfig); err != nil {
		test.Fatalf("seed config failed: %v", err)
	}
	return store
}

func mustUserID(test *testing.T, raw string) power.UserID {
	test.Helper()
	userID, err := power.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustIdempotencyKey(test *testing.T, raw string) *power.IdempotencyKey {
	test.Helper()
	key, err := power.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return &key
}

func TestGetOrCreateBalanceCreatesDefaultRow(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-1")

	creationTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	snapshot, err := store.GetOrCreateBalance(context.Background(), userID, creationTime)
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if snapshot.UserID != "user-1" || snapshot.BasePower != 0 {
		test.Fatalf("unexpected default snapshot %+v", snapshot)
	}
	if !snapshot.LastUpdate.Equal(creationTime) {
		test.Fatalf("expected last update %v from the caller's clock, got %v", creationTime, snapshot.LastUpdate)
	}

	again, err := store.GetOrCreateBalance(context.Background(), userID, creationTime.Add(time.Hour))
	if err != nil {
		test.Fatalf("second get: %v", err)
	}
	if !again.LastUpdate.Equal(snapshot.LastUpdate) {
		test.Fatalf("repeat lookup must not rewrite the row")
	}
}

func TestUpdateBalanceRewritesSnapshot(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	userID := mustUserID(test, "user-2")
	creationTime := time.Date(2025, time.March, 1, 11, 0, 0, 0, time.UTC)
	if _, err := store.GetOrCreateBalance(context.Background(), userID, creationTime); err != nil {
		test.Fatalf("get or create: %v", err)
	}

	updateTime := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	if err := store.UpdateBalance(context.Background(), userID, 7, updateTime); err != nil {
		test.Fatalf("update balance: %v", err)
	}
	snapshot, err := store.GetOrCreateBalance(context.Background(), userID, updateTime)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if snapshot.BasePower != 7 {
		test.Fatalf("expected base power 7, got %d", snapshot.BasePower)
	}
	if !snapshot.LastUpdate.Equal(updateTime) {
		test.Fatalf("expected last update %v, got %v", updateTime, snapshot.LastUpdate)
	}
}

func TestInsertEntryEnforcesIdempotencyKeyUniqueness(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	now := time.Now().UTC()
	entry := power.EntryInput{
		UserID:         "user-3",
		Delta:          8,
		Reason:         "purchase:coffee_1",
		IdempotencyKey: mustIdempotencyKey(test, "tx1"),
		ExternalTxnID:  "tx1",
		CreatedAt:      now,
	}

	if err := store.InsertEntry(context.Background(), entry); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	err := store.InsertEntry(context.Background(), entry)
	if !errors.Is(err, power.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected duplicate idempotency key error, got %v", err)
	}

	entries, listErr := store.ListEntries(context.Background(), mustUserID(test, "user-3"), 10)
	if listErr != nil {
		test.Fatalf("list: %v", listErr)
	}
	if len(entries) != 1 {
		test.Fatalf("expected exactly one entry, got %d", len(entries))
	}
}

func TestInsertEntryAllowsMultipleKeylessRows(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	now := time.Now().UTC()
	for index := 0; index < 2; index++ {
		entry := power.EntryInput{
			UserID:    "user-4",
			Delta:     -1,
			Reason:    "spend:action",
			CreatedAt: now.Add(time.Duration(index) * time.Second),
		}
		if err := store.InsertEntry(context.Background(), entry); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}
	entries, err := store.ListEntries(context.Background(), mustUserID(test, "user-4"), 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected two keyless entries, got %d", len(entries))
	}
}

func TestListEntriesNewestFirstWithLimit(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	for index := 0; index < 5; index++ {
		entry := power.EntryInput{
			UserID:    "user-5",
			Delta:     int64(index + 1),
			Reason:    "admin:test",
			CreatedAt: base.Add(time.Duration(index) * time.Minute),
		}
		if err := store.InsertEntry(context.Background(), entry); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}

	entries, err := store.ListEntries(context.Background(), mustUserID(test, "user-5"), 3)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Delta != 5 || entries[1].Delta != 4 || entries[2].Delta != 3 {
		test.Fatalf("expected newest first order, got %+v", entries)
	}
}

func TestConfigSeedAndPartialUpdate(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	config, err := store.GetConfig(context.Background())
	if err != nil {
		test.Fatalf("get config: %v", err)
	}
	if config != testConfig {
		test.Fatalf("expected seeded config %+v, got %+v", testConfig, config)
	}

	// Re-seeding must not clobber the stored row.
	other := power.Config{MaxPower: 99, RefillAmount: 9, RefillInterval: time.Minute}
	if err := store.EnsureConfig(context.Background(), other); err != nil {
		test.Fatalf("re-seed: %v", err)
	}
	config, err = store.GetConfig(context.Background())
	if err != nil {
		test.Fatalf("get config: %v", err)
	}
	if config != testConfig {
		test.Fatalf("re-seed overwrote config: %+v", config)
	}

	newMax := int64(48)
	updated, err := store.UpdateConfig(context.Background(), power.ConfigUpdate{MaxPower: &newMax})
	if err != nil {
		test.Fatalf("update config: %v", err)
	}
	if updated.MaxPower != 48 || updated.RefillAmount != testConfig.RefillAmount || updated.RefillInterval != testConfig.RefillInterval {
		test.Fatalf("unexpected merged config %+v", updated)
	}

	negative := int64(-1)
	if _, err := store.UpdateConfig(context.Background(), power.ConfigUpdate{RefillAmount: &negative}); !errors.Is(err, power.ErrInvalidConfig) {
		test.Fatalf("expected invalid config error, got %v", err)
	}
	config, err = store.GetConfig(context.Background())
	if err != nil {
		test.Fatalf("get config: %v", err)
	}
	if config.RefillAmount != testConfig.RefillAmount {
		test.Fatalf("invalid update must not persist, refill amount became %d", config.RefillAmount)
	}
}

func TestServiceAgainstSQLiteStore(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	service, err := power.NewService(store, func() time.Time { return now })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	userID := mustUserID(test, "user-6")
	reason, err := power.NewReason("purchase:coffee_1")
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	metadata, err := power.NewMetadataJSON(`{"product_id":"coffee_1"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}

	result, err := service.Grant(context.Background(), userID, 8, reason, mustIdempotencyKey(test, "tx-sqlite"), "tx-sqlite", metadata)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result.Granted != 8 {
		test.Fatalf("expected 8 granted, got %d", result.Granted)
	}

	replay, err := service.Grant(context.Background(), userID, 8, reason, mustIdempotencyKey(test, "tx-sqlite"), "tx-sqlite", metadata)
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if !replay.Duplicate || replay.Power.Current != 8 {
		test.Fatalf("expected duplicate no-op at 8 power, got %+v", replay)
	}

	now = now.Add(time.Minute)
	spendReason, err := power.NewReason("spend:generate_tweet")
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	effective, err := service.Spend(context.Background(), userID, 3, spendReason)
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if effective.Current != 5 {
		test.Fatalf("expected 5 power after spend, got %d", effective.Current)
	}

	entries, err := service.History(context.Background(), userID, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	if entries[0].Delta != -3 || entries[1].Delta != 8 {
		test.Fatalf("expected newest-first [-3, 8], got %+v", entries)
	}
}

func TestServiceWithClockOffsetFromWallClock(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	// The service clock runs well ahead of the wall clock, so any row the
	// store stamps on its own would hand the fresh user accrued ticks.
	now := time.Now().UTC().Truncate(time.Second).Add(9 * time.Hour)
	service, err := power.NewService(store, func() time.Time { return now })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	userID := mustUserID(test, "user-7")

	fresh, err := service.Get(context.Background(), userID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if fresh.Current != 0 {
		test.Fatalf("fresh user must start at 0 power, got %d", fresh.Current)
	}

	now = now.Add(61 * time.Minute)
	accrued, err := service.Get(context.Background(), userID)
	if err != nil {
		test.Fatalf("get after 61m: %v", err)
	}
	if accrued.Current != 2 {
		test.Fatalf("expected 2 power after 61 minutes, got %d", accrued.Current)
	}
	if accrued.NextRefillIn != 29*time.Minute {
		test.Fatalf("expected next refill in 29m, got %v", accrued.NextRefillIn)
	}
}
