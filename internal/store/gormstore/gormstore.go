package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/essentialpopstar/powerd/pkg/power"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintLedgerIdempotencyKey = "uniq_power_ledger_idem"
	configRowID                    = int64(1)
	defaultMetadataJSON            = "{}"
	pgUniqueViolationCode          = "23505"
	sqliteConstraintCode           = 19
	postgresDialectName            = "postgres"
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectConfig             = "config"
	errorSubjectEntry              = "entry"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeList                  = "list"
	errorCodeLookup                = "lookup"
	errorCodeMissing               = "missing"
	errorCodeUpdate                = "update"
)

// Store implements power.Store using GORM.
type Store struct {
	db         *gorm.DB
	rowLocking bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{
		db:         db,
		rowLocking: db.Dialector.Name() == postgresDialectName,
	}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore power.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, rowLocking: store.rowLocking})
	})
}

// GetOrCreateBalance returns the user's balance snapshot, creating the default
// row on first reference. The created row's last_update is stamped with the
// caller's now so it stays on the service clock. Inside a transaction on
// postgres the row is locked so same-user operations serialize; sqlite
// serializes writers on its own.
func (store *Store) GetOrCreateBalance(ctx context.Context, userID power.UserID, now time.Time) (power.Snapshot, error) {
	query := store.db.WithContext(ctx)
	if store.rowLocking {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row PowerBalance
	err := query.Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = PowerBalance{UserID: userID.String(), BasePower: 0, LastUpdate: now.UTC()}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&row).Error
		if createErr != nil {
			return power.Snapshot{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
		}
		err = query.Where("user_id = ?", userID.String()).Take(&row).Error
	}
	if err != nil {
		return power.Snapshot{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return power.Snapshot{
		UserID:     row.UserID,
		BasePower:  row.BasePower,
		LastUpdate: row.LastUpdate,
	}, nil
}

// UpdateBalance rewrites the stored snapshot for a user.
func (store *Store) UpdateBalance(ctx context.Context, userID power.UserID, basePower int64, lastUpdate time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&PowerBalance{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"base_power":  basePower,
			"last_update": lastUpdate.UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return nil
}

// InsertEntry appends a ledger entry. A unique-constraint violation on the
// idempotency key is surfaced as power.ErrDuplicateIdempotencyKey.
func (store *Store) InsertEntry(ctx context.Context, entryInput power.EntryInput) error {
	var idempotencyKey *string
	if entryInput.IdempotencyKey != nil {
		value := entryInput.IdempotencyKey.String()
		idempotencyKey = &value
	}
	var externalTxnID *string
	if entryInput.ExternalTxnID != "" {
		value := entryInput.ExternalTxnID
		externalTxnID = &value
	}
	entry := LedgerEntry{
		UserID:         entryInput.UserID,
		Delta:          entryInput.Delta,
		Reason:         entryInput.Reason,
		IdempotencyKey: idempotencyKey,
		ExternalTxnID:  externalTxnID,
		Metadata:       datatypesJSON(entryInput.MetadataJSON),
		CreatedAt:      entryInput.CreatedAt.UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, power.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// ListEntries returns a user's ledger entries, newest first.
func (store *Store) ListEntries(ctx context.Context, userID power.UserID, limit int) ([]power.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]power.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

// GetConfig reads the singleton configuration row.
func (store *Store) GetConfig(ctx context.Context) (power.Config, error) {
	var row PowerConfig
	err := store.db.WithContext(ctx).Take(&row, configRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return power.Config{}, wrapStoreError(errorSubjectConfig, errorCodeMissing, err)
	}
	if err != nil {
		return power.Config{}, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	return mapConfig(row), nil
}

// UpdateConfig applies a partial update to the configuration row, validating
// the merged result before persisting.
func (store *Store) UpdateConfig(ctx context.Context, update power.ConfigUpdate) (power.Config, error) {
	var merged power.Config
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		query := transaction
		if store.rowLocking {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var row PowerConfig
		if err := query.Take(&row, configRowID).Error; err != nil {
			return wrapStoreError(errorSubjectConfig, errorCodeGet, err)
		}
		merged = update.Apply(mapConfig(row))
		if err := merged.Validate(); err != nil {
			return err
		}
		row.MaxPower = merged.MaxPower
		row.RefillAmount = merged.RefillAmount
		row.RefillIntervalMinutes = int64(merged.RefillInterval / time.Minute)
		row.UpdatedAt = time.Now().UTC()
		if err := transaction.Save(&row).Error; err != nil {
			return wrapStoreError(errorSubjectConfig, errorCodeUpdate, err)
		}
		return nil
	})
	if err != nil {
		return power.Config{}, err
	}
	return merged, nil
}

// EnsureConfig seeds the singleton configuration row when absent. Existing
// values are never overwritten.
func (store *Store) EnsureConfig(ctx context.Context, defaults power.Config) error {
	if err := defaults.Validate(); err != nil {
		return err
	}
	row := PowerConfig{
		ID:                    configRowID,
		MaxPower:              defaults.MaxPower,
		RefillAmount:          defaults.RefillAmount,
		RefillIntervalMinutes: int64(defaults.RefillInterval / time.Minute),
		UpdatedAt:             time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeCreate, err)
	}
	return nil
}

// Migrate creates the power tables.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&PowerBalance{}, &LedgerEntry{}, &PowerConfig{})
}

func wrapStoreError(subject string, code string, err error) error {
	return power.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntry(row LedgerEntry) power.Entry {
	return power.Entry{
		EntryID:        row.EntryID,
		UserID:         row.UserID,
		Delta:          row.Delta,
		Reason:         row.Reason,
		IdempotencyKey: stringOrEmpty(row.IdempotencyKey),
		ExternalTxnID:  stringOrEmpty(row.ExternalTxnID),
		MetadataJSON:   string(row.Metadata),
		CreatedAt:      row.CreatedAt,
	}
}

func mapConfig(row PowerConfig) power.Config {
	return power.Config{
		MaxPower:       row.MaxPower,
		RefillAmount:   row.RefillAmount,
		RefillInterval: time.Duration(row.RefillIntervalMinutes) * time.Minute,
	}
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
