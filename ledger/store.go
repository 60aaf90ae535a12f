/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the interface between the ledger operations and the database.
  Every mutating operation runs inside Store.WithTx: balance read, invariant
  checks, balance write and log append commit or roll back as one unit.

KEY INTERFACES:
  Store:  Opens atomic units and serves read-only queries
  Tx:     Everything an operation may read or write inside one atomic unit

APPEND-ONLY CONTRACT:
  The transaction log has exactly one write method, AppendTransaction.
  There is no Update or Delete for transactions. Balances, allocations,
  timebank transactions and events are mutable rows, but only inside WithTx.

IDEMPOTENCY:
  AppendTransaction rejects a non-empty DedupKey that already exists with
  ErrDuplicateEvent. FindByDedupKey lets the earning engine return the
  original award instead.

LOCKING:
  Reads that precede a write in the same unit (LockBalance, GetTimebank,
  LockEvent) must observe the latest committed state and keep it stable
  until commit. SQLite gets this from a single IMMEDIATE writer; a
  row-locking database would use SELECT ... FOR UPDATE.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - log.go: TransactionLog built on Tx
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithTx executes fn within an atomic unit.
	// If fn returns error, everything fn wrote is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Reader
}

// Reader is the read-only surface, available both inside and outside WithTx.
type Reader interface {
	// GetBalance returns the cached balance; ok is false when no row exists.
	GetBalance(ctx context.Context, member MemberID, currency Currency) (b Balance, ok bool, err error)

	// LoadTransactions returns all of a member's transactions for a currency in log order.
	LoadTransactions(ctx context.Context, member MemberID, currency Currency) ([]Transaction, error)

	// ListTransactions returns one page of a member's log ordered by Seq.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	FindByDedupKey(ctx context.Context, key string) (*Transaction, error)

	ListAllocations(ctx context.Context, member MemberID, activeOnly bool) ([]Allocation, error)
	ActiveAllocations(ctx context.Context, member MemberID, targetType, targetID string) ([]Allocation, error)
	ActiveAllocationsForTarget(ctx context.Context, targetType, targetID string) ([]Allocation, error)
	ActiveAllocationsBefore(ctx context.Context, before time.Time) ([]Allocation, error)

	GetTimebank(ctx context.Context, id TimebankID) (*TimebankTransaction, error)
	ListTimebank(ctx context.Context, member MemberID) ([]TimebankTransaction, error)
	ListPendingTimebankBefore(ctx context.Context, before time.Time) ([]TimebankTransaction, error)

	GetEvent(ctx context.Context, id EventID) (*IssuanceEvent, error)
	ListEvents(ctx context.Context) ([]IssuanceEvent, error)
	MemberPurchased(ctx context.Context, event EventID, member MemberID) (decimal.Decimal, error)

	// ListMembers returns every member with at least one balance row.
	ListMembers(ctx context.Context) ([]MemberID, error)
}

// Tx is the read-write view handed to WithTx callbacks.
type Tx interface {
	Reader

	// LockBalance returns the balance row for update; ok is false when no row exists yet.
	LockBalance(ctx context.Context, member MemberID, currency Currency) (b Balance, ok bool, err error)
	PutBalance(ctx context.Context, b Balance) error

	// AppendTransaction is the ONLY write to the log. Assigns tx.Seq.
	AppendTransaction(ctx context.Context, tx *Transaction) error

	InsertAllocation(ctx context.Context, a Allocation) error
	CloseAllocation(ctx context.Context, id AllocationID, status AllocationStatus, at time.Time) error

	InsertTimebank(ctx context.Context, t TimebankTransaction) error
	ConfirmTimebank(ctx context.Context, id TimebankID, at time.Time) error

	InsertEvent(ctx context.Context, e IssuanceEvent) error
	LockEvent(ctx context.Context, id EventID) (*IssuanceEvent, error)
	SetEventStatus(ctx context.Context, id EventID, status EventStatus) error
	AddDistributed(ctx context.Context, id EventID, member MemberID, amount decimal.Decimal) error
}
