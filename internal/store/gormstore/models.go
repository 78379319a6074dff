package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PowerBalance mirrors the power_balances table. One row per user, created
// lazily on first reference and rewritten only by grants and spends.
type PowerBalance struct {
	UserID     string    `gorm:"primaryKey"`
	BasePower  int64     `gorm:"not null"`
	LastUpdate time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (PowerBalance) TableName() string { return "power_balances" }

// LedgerEntry mirrors the power_ledger table. Append-only; the idempotency
// key carries a storage-level unique constraint (NULLs do not collide).
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_power_ledger_user_created,priority:1"`
	Delta          int64          `gorm:"not null"`
	Reason         string         `gorm:"not null"`
	IdempotencyKey *string        `gorm:"uniqueIndex:uniq_power_ledger_idem"`
	ExternalTxnID  *string        `gorm:"index:idx_power_ledger_external_txn"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_power_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "power_ledger" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PowerConfig mirrors the power_configs table. A single row (id 1) holds the
// process-wide configuration.
type PowerConfig struct {
	ID                    int64     `gorm:"primaryKey"`
	MaxPower              int64     `gorm:"not null"`
	RefillAmount          int64     `gorm:"not null"`
	RefillIntervalMinutes int64     `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (PowerConfig) TableName() string { return "power_configs" }
