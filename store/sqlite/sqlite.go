/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists balances, the transaction log, allocations, timebank exchanges and
  issuance events. In production, the same patterns apply to PostgreSQL -
  only minor SQL dialect differences (FOR UPDATE instead of IMMEDIATE).

APPEND-ONLY ENFORCEMENT:
  - The only statement touching transactions is INSERT
  - Triggers abort any UPDATE or DELETE on the table
  - Corrections happen through RepairBalance on the cache, never the log

KEY TABLES:
  rp_balances, sp_balances,
  tbc_balances, sh_balances: One row per member, one table per currency shape
  transactions:              Immutable ledger of all value movements
  allocations:               SP directed at targets
  timebank_transactions:     Escrowed exchanges
  issuance_events:           Capped SH issuance events
  event_purchases:           Per-member cumulative purchases per event

CONCURRENCY:
  Units are opened with _txlock=immediate, so a writer takes the database
  write lock at BEGIN and every read inside the unit sees a stable snapshot.
  A busy or locked database surfaces as ledger.ErrConcurrencyConflict.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers never block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, settings)

MIGRATION:
  Schema is auto-migrated on New(). NewWithDB skips migration so tests can
  hand in a mocked connection.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/ledger"
)

// timeLayout is fixed-width so that text comparison orders instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const dsnParams = "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"

// Store implements ledger.Store using SQLite.
type Store struct {
	reader
	db *sql.DB
	mu sync.Mutex // serialises in-process writers ahead of the database lock
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db)
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// dsn appends the store's connection parameters to a plain path or to a
// file: URI that already carries its own.
func dsn(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + dsnParams
	}
	return dbPath + "?" + dsnParams
}

// NewWithDB wraps an already-open handle without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{reader: reader{q: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	-- Balances: one table per currency shape
	CREATE TABLE IF NOT EXISTS rp_balances (
		member_id TEXT PRIMARY KEY,
		total_earned TEXT NOT NULL,
		available TEXT NOT NULL,
		spent TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sp_balances (
		member_id TEXT PRIMARY KEY,
		total_earned TEXT NOT NULL,
		available TEXT NOT NULL,
		allocated TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tbc_balances (
		member_id TEXT PRIMARY KEY,
		total_earned TEXT NOT NULL,
		available TEXT NOT NULL,
		spent TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sh_balances (
		member_id TEXT PRIMARY KEY,
		total_earned TEXT NOT NULL,
		available TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		member_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		source TEXT NOT NULL,
		target_type TEXT,
		target_id TEXT,
		dedup_key TEXT UNIQUE,
		metadata_json TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Balance replay and paging (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_member_currency
		ON transactions(member_id, currency, seq);

	CREATE TRIGGER IF NOT EXISTS transactions_no_update
		BEFORE UPDATE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;

	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
		BEFORE DELETE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;

	-- Allocations
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		allocated_at TEXT NOT NULL,
		closed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_member_target
		ON allocations(member_id, target_type, target_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_allocations_target
		ON allocations(target_type, target_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_allocations_allocated_at
		ON allocations(allocated_at) WHERE status = 'active';

	-- Timebank exchanges
	CREATE TABLE IF NOT EXISTS timebank_transactions (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		description TEXT NOT NULL,
		cost TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		confirmed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_timebank_provider ON timebank_transactions(provider_id);
	CREATE INDEX IF NOT EXISTS idx_timebank_receiver ON timebank_transactions(receiver_id);
	CREATE INDEX IF NOT EXISTS idx_timebank_pending
		ON timebank_transactions(created_at) WHERE status = 'pending';

	-- Issuance events
	CREATE TABLE IF NOT EXISTS issuance_events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		starts_at TEXT NOT NULL,
		ends_at TEXT NOT NULL,
		payment_currency TEXT NOT NULL,
		rate TEXT NOT NULL,
		per_person_cap TEXT NOT NULL,
		global_cap TEXT NOT NULL,
		distributed TEXT NOT NULL,
		fiscal_required INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_purchases (
		event_id TEXT NOT NULL REFERENCES issuance_events(id),
		member_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (event_id, member_id)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txStore struct {
	reader
	tx *sql.Tx
}

// LockBalance reads inside the IMMEDIATE unit, which already holds the write lock.
func (ts *txStore) LockBalance(ctx context.Context, member ledger.MemberID, currency ledger.Currency) (ledger.Balance, bool, error) {
	return ts.GetBalance(ctx, member, currency)
}

func (ts *txStore) PutBalance(ctx context.Context, b ledger.Balance) error {
	t, err := tableFor(b.Currency)
	if err != nil {
		return err
	}
	cols := []string{"member_id", "total_earned", "available"}
	args := []any{b.MemberID, b.TotalEarned, b.Available}
	if t.extra != "" {
		cols = append(cols, t.extra)
		args = append(args, *t.field(&b))
	}
	cols = append(cols, "updated_at")
	args = append(args, formatTime(b.UpdatedAt))

	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(member_id) DO UPDATE SET %s",
		t.name, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))

	if _, err := ts.tx.ExecContext(ctx, query, args...); err != nil {
		return mapError(fmt.Errorf("failed to write %s balance: %w", b.Currency, err))
	}
	return nil
}

// AppendTransaction adds a transaction to the ledger and assigns its Seq.
func (ts *txStore) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO transactions
		(id, member_id, currency, tx_type, amount, source, target_type, target_id,
		 dedup_key, metadata_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := ts.tx.ExecContext(ctx, query,
		tx.ID,
		tx.MemberID,
		tx.Currency,
		tx.Type,
		tx.Amount,
		tx.Source,
		nullString(tx.TargetType),
		nullString(tx.TargetID),
		nullString(tx.DedupKey),
		metadataJSON,
		tx.Status,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if tx.DedupKey != "" && isUniqueConstraintError(err) {
			return ledger.ErrDuplicateEvent
		}
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction seq: %w", err)
	}
	tx.Seq = seq
	return nil
}

func (ts *txStore) InsertAllocation(ctx context.Context, a ledger.Allocation) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO allocations (id, member_id, target_type, target_id, amount, status, allocated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.MemberID, a.TargetType, a.TargetID, a.Amount, a.Status, formatTime(a.AllocatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to insert allocation: %w", err))
	}
	return nil
}

func (ts *txStore) CloseAllocation(ctx context.Context, id ledger.AllocationID, status ledger.AllocationStatus, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE allocations SET status = ?, closed_at = ? WHERE id = ? AND status = 'active'",
		status, formatTime(at), id)
	if err != nil {
		return mapError(fmt.Errorf("failed to close allocation: %w", err))
	}
	return requireOneRow(res, "allocation", string(id))
}

func (ts *txStore) InsertTimebank(ctx context.Context, t ledger.TimebankTransaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO timebank_transactions (id, provider_id, receiver_id, description, cost, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProviderID, t.ReceiverID, t.ServiceDescription, t.Cost, t.Status, formatTime(t.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to insert timebank transaction: %w", err))
	}
	return nil
}

// ConfirmTimebank only moves a pending row, so a racing second confirm
// changes nothing and is reported as not found.
func (ts *txStore) ConfirmTimebank(ctx context.Context, id ledger.TimebankID, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE timebank_transactions SET status = 'confirmed', confirmed_at = ? WHERE id = ? AND status = 'pending'",
		formatTime(at), id)
	if err != nil {
		return mapError(fmt.Errorf("failed to confirm timebank transaction: %w", err))
	}
	return requireOneRow(res, "timebank_transaction", string(id))
}

func (ts *txStore) InsertEvent(ctx context.Context, e ledger.IssuanceEvent) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO issuance_events
		(id, name, starts_at, ends_at, payment_currency, rate, per_person_cap, global_cap,
		 distributed, fiscal_required, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, formatTime(e.StartsAt), formatTime(e.EndsAt), e.PaymentCurrency,
		e.Rate, e.PerPersonCap, e.GlobalCap, e.Distributed, e.FiscalRegularityRequired,
		e.Status, formatTime(e.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to insert event: %w", err))
	}
	return nil
}

func (ts *txStore) LockEvent(ctx context.Context, id ledger.EventID) (*ledger.IssuanceEvent, error) {
	return ts.GetEvent(ctx, id)
}

func (ts *txStore) SetEventStatus(ctx context.Context, id ledger.EventID, status ledger.EventStatus) error {
	res, err := ts.tx.ExecContext(ctx, "UPDATE issuance_events SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return mapError(fmt.Errorf("failed to update event status: %w", err))
	}
	return requireOneRow(res, "event", string(id))
}

// AddDistributed bumps the event counter and the member's running total.
// Decimal columns are TEXT, so the arithmetic happens here rather than in SQL.
func (ts *txStore) AddDistributed(ctx context.Context, id ledger.EventID, member ledger.MemberID, amount decimal.Decimal) error {
	ev, err := ts.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev == nil {
		return &ledger.NotFoundError{Kind: "event", ID: string(id)}
	}
	if _, err := ts.tx.ExecContext(ctx,
		"UPDATE issuance_events SET distributed = ? WHERE id = ?",
		ev.Distributed.Add(amount), id); err != nil {
		return mapError(fmt.Errorf("failed to update distributed: %w", err))
	}

	purchased, err := ts.MemberPurchased(ctx, id, member)
	if err != nil {
		return err
	}
	if _, err := ts.tx.ExecContext(ctx, `
		INSERT INTO event_purchases (event_id, member_id, amount) VALUES (?, ?, ?)
		ON CONFLICT(event_id, member_id) DO UPDATE SET amount = excluded.amount
	`, id, member, purchased.Add(amount)); err != nil {
		return mapError(fmt.Errorf("failed to record purchase: %w", err))
	}
	return nil
}

// =============================================================================
// READER - Shared by Store (on *sql.DB) and txStore (on *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type reader struct {
	q querier
}

// balanceTable describes how one currency shape is laid out.
type balanceTable struct {
	name  string
	extra string // "spent", "allocated" or "" for SH
}

var balanceTables = map[ledger.Currency]balanceTable{
	ledger.CurrencyRP:  {name: "rp_balances", extra: "spent"},
	ledger.CurrencySP:  {name: "sp_balances", extra: "allocated"},
	ledger.CurrencyTBC: {name: "tbc_balances", extra: "spent"},
	ledger.CurrencySH:  {name: "sh_balances"},
}

func tableFor(c ledger.Currency) (balanceTable, error) {
	t, ok := balanceTables[c]
	if !ok {
		return balanceTable{}, fmt.Errorf("no balance table for currency %q", c)
	}
	return t, nil
}

func (t balanceTable) field(b *ledger.Balance) *decimal.Decimal {
	if t.extra == "allocated" {
		return &b.Allocated
	}
	return &b.Spent
}

func (r reader) GetBalance(ctx context.Context, member ledger.MemberID, currency ledger.Currency) (ledger.Balance, bool, error) {
	t, err := tableFor(currency)
	if err != nil {
		return ledger.Balance{}, false, err
	}
	cols := "total_earned, available"
	b := ledger.ZeroBalance(member, currency)
	var updatedAt string
	dest := []any{&b.TotalEarned, &b.Available}
	if t.extra != "" {
		cols += ", " + t.extra
		dest = append(dest, t.field(&b))
	}
	dest = append(dest, &updatedAt)

	err = r.q.QueryRowContext(ctx,
		"SELECT "+cols+", updated_at FROM "+t.name+" WHERE member_id = ?", member,
	).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, mapError(fmt.Errorf("failed to read %s balance: %w", currency, err))
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Balance{}, false, err
	}
	return b, true, nil
}

const transactionColumns = `
	seq, id, member_id, currency, tx_type, amount, source, target_type, target_id,
	dedup_key, metadata_json, status, created_at`

// LoadTransactions returns all transactions for a member+currency in log order.
func (r reader) LoadTransactions(ctx context.Context, member ledger.MemberID, currency ledger.Currency) ([]ledger.Transaction, error) {
	query := "SELECT " + transactionColumns + `
		FROM transactions
		WHERE member_id = ? AND currency = ?
		ORDER BY seq ASC`
	return r.queryTransactions(ctx, query, member, currency)
}

func (r reader) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE member_id = ? AND seq > ?"
	args := []any{f.MemberID, f.AfterSeq}
	if f.Currency != "" {
		query += " AND currency = ?"
		args = append(args, f.Currency)
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, f.Limit)
	return r.queryTransactions(ctx, query, args...)
}

func (r reader) FindByDedupKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	txs, err := r.queryTransactions(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE dedup_key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (r reader) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows scanner) (ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		targetType   sql.NullString
		targetID     sql.NullString
		dedupKey     sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)
	err := rows.Scan(
		&tx.Seq, &tx.ID, &tx.MemberID, &tx.Currency, &tx.Type, &tx.Amount, &tx.Source,
		&targetType, &targetID, &dedupKey, &metadataJSON, &tx.Status, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.TargetType = targetType.String
	tx.TargetID = targetID.String
	tx.DedupKey = dedupKey.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
		}
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, err
	}
	return tx, nil
}

// -----------------------------------------------------------------------------
// Allocations
// -----------------------------------------------------------------------------

const allocationColumns = "id, member_id, target_type, target_id, amount, status, allocated_at, closed_at"

func (r reader) ListAllocations(ctx context.Context, member ledger.MemberID, activeOnly bool) ([]ledger.Allocation, error) {
	query := "SELECT " + allocationColumns + " FROM allocations WHERE member_id = ?"
	if activeOnly {
		query += " AND status = 'active'"
	}
	query += " ORDER BY allocated_at DESC, rowid DESC"
	return r.queryAllocations(ctx, query, member)
}

func (r reader) ActiveAllocations(ctx context.Context, member ledger.MemberID, targetType, targetID string) ([]ledger.Allocation, error) {
	return r.queryAllocations(ctx, "SELECT "+allocationColumns+`
		FROM allocations
		WHERE member_id = ? AND target_type = ? AND target_id = ? AND status = 'active'
		ORDER BY allocated_at ASC, rowid ASC`, member, targetType, targetID)
}

func (r reader) ActiveAllocationsForTarget(ctx context.Context, targetType, targetID string) ([]ledger.Allocation, error) {
	return r.queryAllocations(ctx, "SELECT "+allocationColumns+`
		FROM allocations
		WHERE target_type = ? AND target_id = ? AND status = 'active'
		ORDER BY allocated_at ASC, rowid ASC`, targetType, targetID)
}

func (r reader) ActiveAllocationsBefore(ctx context.Context, before time.Time) ([]ledger.Allocation, error) {
	return r.queryAllocations(ctx, "SELECT "+allocationColumns+`
		FROM allocations
		WHERE allocated_at < ? AND status = 'active'
		ORDER BY allocated_at ASC, rowid ASC`, formatTime(before))
}

func (r reader) queryAllocations(ctx context.Context, query string, args ...any) ([]ledger.Allocation, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query allocations: %w", err))
	}
	defer rows.Close()

	var out []ledger.Allocation
	for rows.Next() {
		var (
			a           ledger.Allocation
			allocatedAt string
			closedAt    sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.MemberID, &a.TargetType, &a.TargetID, &a.Amount,
			&a.Status, &allocatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		if a.AllocatedAt, err = parseTime(allocatedAt); err != nil {
			return nil, err
		}
		if a.ClosedAt, err = parseNullTime(closedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Timebank
// -----------------------------------------------------------------------------

const timebankColumns = "id, provider_id, receiver_id, description, cost, status, created_at, confirmed_at"

func (r reader) GetTimebank(ctx context.Context, id ledger.TimebankID) (*ledger.TimebankTransaction, error) {
	out, err := r.queryTimebank(ctx, "SELECT "+timebankColumns+" FROM timebank_transactions WHERE id = ?", id)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (r reader) ListTimebank(ctx context.Context, member ledger.MemberID) ([]ledger.TimebankTransaction, error) {
	return r.queryTimebank(ctx, "SELECT "+timebankColumns+`
		FROM timebank_transactions
		WHERE provider_id = ? OR receiver_id = ?
		ORDER BY created_at ASC, rowid ASC`, member, member)
}

func (r reader) ListPendingTimebankBefore(ctx context.Context, before time.Time) ([]ledger.TimebankTransaction, error) {
	return r.queryTimebank(ctx, "SELECT "+timebankColumns+`
		FROM timebank_transactions
		WHERE status = 'pending' AND created_at < ?
		ORDER BY created_at ASC, rowid ASC`, formatTime(before))
}

func (r reader) queryTimebank(ctx context.Context, query string, args ...any) ([]ledger.TimebankTransaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query timebank transactions: %w", err))
	}
	defer rows.Close()

	var out []ledger.TimebankTransaction
	for rows.Next() {
		var (
			t           ledger.TimebankTransaction
			createdAt   string
			confirmedAt sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.ProviderID, &t.ReceiverID, &t.ServiceDescription,
			&t.Cost, &t.Status, &createdAt, &confirmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan timebank transaction: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.ConfirmedAt, err = parseNullTime(confirmedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Issuance events
// -----------------------------------------------------------------------------

const eventColumns = `id, name, starts_at, ends_at, payment_currency, rate, per_person_cap,
	global_cap, distributed, fiscal_required, status, created_at`

func (r reader) GetEvent(ctx context.Context, id ledger.EventID) (*ledger.IssuanceEvent, error) {
	out, err := r.queryEvents(ctx, "SELECT "+eventColumns+" FROM issuance_events WHERE id = ?", id)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (r reader) ListEvents(ctx context.Context) ([]ledger.IssuanceEvent, error) {
	return r.queryEvents(ctx, "SELECT "+eventColumns+" FROM issuance_events ORDER BY created_at ASC, rowid ASC")
}

func (r reader) queryEvents(ctx context.Context, query string, args ...any) ([]ledger.IssuanceEvent, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	var out []ledger.IssuanceEvent
	for rows.Next() {
		var (
			e                           ledger.IssuanceEvent
			startsAt, endsAt, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Name, &startsAt, &endsAt, &e.PaymentCurrency, &e.Rate,
			&e.PerPersonCap, &e.GlobalCap, &e.Distributed, &e.FiscalRegularityRequired,
			&e.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		for _, p := range []struct {
			dst *time.Time
			raw string
		}{{&e.StartsAt, startsAt}, {&e.EndsAt, endsAt}, {&e.CreatedAt, createdAt}} {
			if *p.dst, err = parseTime(p.raw); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r reader) MemberPurchased(ctx context.Context, event ledger.EventID, member ledger.MemberID) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := r.q.QueryRowContext(ctx,
		"SELECT amount FROM event_purchases WHERE event_id = ? AND member_id = ?", event, member,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, mapError(fmt.Errorf("failed to read purchases: %w", err))
	}
	return amount, nil
}

func (r reader) ListMembers(ctx context.Context) ([]ledger.MemberID, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT member_id FROM rp_balances
		UNION SELECT member_id FROM sp_balances
		UNION SELECT member_id FROM tbc_balances
		UNION SELECT member_id FROM sh_balances
		ORDER BY member_id
	`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to list members: %w", err))
	}
	defer rows.Close()

	var out []ledger.MemberID
	for rows.Next() {
		var m ledger.MemberID
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// mapError turns lock contention into the retryable ledger sentinel.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrencyConflict, err)
	}
	return err
}
