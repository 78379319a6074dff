package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/essentialpopstar/powerd/pkg/power"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintLedgerIdempotencyKey = "power_ledger_idempotency_key_key"
	configRowID                    = int64(1)
	pgUniqueViolationCode          = "23505"
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectConfig             = "config"
	errorSubjectEntry              = "entry"
	errorSubjectTransaction        = "transaction"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeList                  = "list"
	errorCodeLookup                = "lookup"
	errorCodeUpdate                = "update"

	// Insert-or-get doubles as the per-user lock: the conflict branch takes
	// the row lock, serializing same-user operations for the transaction. The
	// created row's last_update comes from the caller's clock, not the
	// database's, so refill accrual never sees clock skew between the two.
	sqlUpsertBalance = `
		insert into power_balances(user_id, base_power, last_update)
		values ($1, 0, $2)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning user_id, base_power, last_update
	`

	sqlUpdateBalance = `
		update power_balances
		set base_power = $2, last_update = $3
		where user_id = $1
	`

	sqlInsertEntry = `
		insert into power_ledger(
			entry_id, user_id, delta, reason, idempotency_key, external_txn_id, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), nullif($5,''),
			coalesce(nullif($6,''),'{}')::jsonb,
			$7
		)
	`

	sqlListEntries = `
		select
			entry_id::text,
			user_id,
			delta,
			reason,
			coalesce(idempotency_key,''),
			coalesce(external_txn_id,''),
			coalesce(metadata::text,'{}'),
			created_at
		from power_ledger
		where user_id = $1
		order by created_at desc
		limit $2
	`

	sqlSelectConfig = `
		select max_power, refill_amount, refill_interval_minutes
		from power_configs
		where id = $1
	`

	sqlSelectConfigForUpdate = sqlSelectConfig + ` for update`

	sqlUpdateConfig = `
		update power_configs
		set max_power = $2, refill_amount = $3, refill_interval_minutes = $4, updated_at = now()
		where id = $1
	`

	sqlInsertConfig = `
		insert into power_configs(id, max_power, refill_amount, refill_interval_minutes, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (id) do nothing
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements power.Store using a pgx connection pool. Outside WithTx it
// runs in autocommit mode; inside, all calls share one transaction.
type Store struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore power.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, q: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateBalance(ctx context.Context, userID power.UserID, now time.Time) (power.Snapshot, error) {
	var (
		userValue  string
		basePower  int64
		lastUpdate time.Time
	)
	err := store.q.QueryRow(ctx, sqlUpsertBalance, userID.String(), now.UTC()).Scan(&userValue, &basePower, &lastUpdate)
	if err != nil {
		return power.Snapshot{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return power.Snapshot{UserID: userValue, BasePower: basePower, LastUpdate: lastUpdate}, nil
}

func (store *Store) UpdateBalance(ctx context.Context, userID power.UserID, basePower int64, lastUpdate time.Time) error {
	_, err := store.q.Exec(ctx, sqlUpdateBalance, userID.String(), basePower, lastUpdate.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput power.EntryInput) error {
	idempotencyKey := ""
	if entryInput.IdempotencyKey != nil {
		idempotencyKey = entryInput.IdempotencyKey.String()
	}
	createdAt := entryInput.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.q.Exec(ctx, sqlInsertEntry,
		entryInput.UserID,
		entryInput.Delta,
		entryInput.Reason,
		idempotencyKey,
		entryInput.ExternalTxnID,
		entryInput.MetadataJSON,
		createdAt,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, power.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID power.UserID, limit int) ([]power.Entry, error) {
	rows, err := store.q.Query(ctx, sqlListEntries, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	entries := make([]power.Entry, 0, limit)
	for rows.Next() {
		var entry power.Entry
		if err := rows.Scan(
			&entry.EntryID,
			&entry.UserID,
			&entry.Delta,
			&entry.Reason,
			&entry.IdempotencyKey,
			&entry.ExternalTxnID,
			&entry.MetadataJSON,
			&entry.CreatedAt,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) GetConfig(ctx context.Context) (power.Config, error) {
	return store.selectConfig(ctx, sqlSelectConfig)
}

func (store *Store) UpdateConfig(ctx context.Context, update power.ConfigUpdate) (power.Config, error) {
	var merged power.Config
	err := store.WithTx(ctx, func(ctx context.Context, txStore power.Store) error {
		transactionStore := txStore.(*Store)
		current, err := transactionStore.selectConfig(ctx, sqlSelectConfigForUpdate)
		if err != nil {
			return err
		}
		merged = update.Apply(current)
		if err := merged.Validate(); err != nil {
			return err
		}
		_, err = transactionStore.q.Exec(ctx, sqlUpdateConfig,
			configRowID,
			merged.MaxPower,
			merged.RefillAmount,
			int64(merged.RefillInterval/time.Minute),
		)
		if err != nil {
			return wrapStoreError(errorSubjectConfig, errorCodeUpdate, err)
		}
		return nil
	})
	if err != nil {
		return power.Config{}, err
	}
	return merged, nil
}

// EnsureConfig seeds the singleton configuration row when absent.
func (store *Store) EnsureConfig(ctx context.Context, defaults power.Config) error {
	if err := defaults.Validate(); err != nil {
		return err
	}
	_, err := store.q.Exec(ctx, sqlInsertConfig,
		configRowID,
		defaults.MaxPower,
		defaults.RefillAmount,
		int64(defaults.RefillInterval/time.Minute),
	)
	if err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) selectConfig(ctx context.Context, query string) (power.Config, error) {
	var (
		maxPower        int64
		refillAmount    int64
		intervalMinutes int64
	)
	err := store.q.QueryRow(ctx, query, configRowID).Scan(&maxPower, &refillAmount, &intervalMinutes)
	if err != nil {
		return power.Config{}, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	return power.Config{
		MaxPower:       maxPower,
		RefillAmount:   refillAmount,
		RefillInterval: time.Duration(intervalMinutes) * time.Minute,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return power.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerIdempotencyKey
	}
	return false
}
