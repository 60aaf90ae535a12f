/*
Package ledger provides the points economy engine.

PURPOSE:
  This package contains the types and algorithms for the four interlocking
  value instruments of the platform: Reward Points, Support Points, Timebank
  Credits and Social Horizon shares. It owns balance bookkeeping, the
  immutable transaction log, earning rules, allocation/reclaim, the timebank
  exchange protocol and capped issuance events.

KEY CONCEPTS IN THIS FILE (types.go):
  - Currency: RP, SP, TBC, SH
  - Transaction: An immutable log entry recording a value movement
  - Allocation: SP directed at a target (proposal, group)
  - TimebankTransaction: Escrowed peer-to-peer service exchange
  - IssuanceEvent: Time-boxed, capped conversion into SH

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing member/target IDs
  4. Derived state: Balances are a cache that replaying the log reproduces

USAGE:
  svc := ledger.NewService(store, settings)
  res, err := svc.Earn(ctx, ledger.EarnRequest{
      MemberID: "member-1",
      Event:    ledger.LessonCompleted{LessonID: "intro-1", Score: 90},
  })

SEE ALSO:
  - balance.go: Balance shapes and transaction application
  - store.go: Persistence interface
  - service.go: Operation facade used by callers
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type TransactionID string
type AllocationID string
type TimebankID string
type EventID string

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

const (
	CurrencyRP  Currency = "RP"  // Reward Points: liquid, earned by contribution
	CurrencySP  Currency = "SP"  // Support Points: directed allocation instrument
	CurrencyTBC Currency = "TBC" // Timebank Credits: peer exchanged for services
	CurrencySH  Currency = "SH"  // Social Horizon shares: capped, non-transferable
)

// Currencies lists every currency the ledger keeps balances for.
var Currencies = []Currency{CurrencyRP, CurrencySP, CurrencyTBC, CurrencySH}

func (c Currency) Valid() bool {
	switch c {
	case CurrencyRP, CurrencySP, CurrencyTBC, CurrencySH:
		return true
	}
	return false
}

// ParseCurrency accepts the canonical code in any case.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &ValidationError{Field: "currency", Reason: "unknown currency " + s}
	}
	return c, nil
}

// =============================================================================
// TRANSACTION - Immutable log entry
// =============================================================================

type TransactionType string

const (
	TxEarn     TransactionType = "earn"     // Credit from an earning rule
	TxAllocate TransactionType = "allocate" // SP moved from available to allocated
	TxReclaim  TransactionType = "reclaim"  // SP moved from allocated back to available
	TxSpend    TransactionType = "spend"    // Debit of available (escrow hold, purchase payment, conversion)
	TxTransfer TransactionType = "transfer" // Credit from another member (timebank confirm)
	TxIssue    TransactionType = "issue"    // SH issued by a purchase event, or TBC issued by conversion
)

type TransactionStatus string

const (
	StatusPosted TransactionStatus = "posted"
)

type Transaction struct {
	ID       TransactionID
	Seq      int64 // assigned by the store, strictly increasing
	MemberID MemberID
	Currency Currency
	Type     TransactionType
	Amount   decimal.Decimal // always positive; Type decides direction
	Source   string

	// Optional reference to what the movement concerns.
	TargetType string
	TargetID   string

	DedupKey  string
	Metadata  map[string]string
	Status    TransactionStatus
	CreatedAt time.Time
}

// TransactionFilter selects a page of a member's log.
type TransactionFilter struct {
	MemberID MemberID
	Currency Currency // empty = all currencies
	AfterSeq int64
	Limit    int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

func (f TransactionFilter) normalized() TransactionFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	return f
}

// PageSize is the number of rows a page of this filter holds at most.
func (f TransactionFilter) PageSize() int {
	return f.normalized().Limit
}

// =============================================================================
// ALLOCATION
// =============================================================================

type AllocationStatus string

const (
	AllocationActive    AllocationStatus = "active"
	AllocationReclaimed AllocationStatus = "reclaimed"
	AllocationExpired   AllocationStatus = "expired"
)

type Allocation struct {
	ID          AllocationID
	MemberID    MemberID
	TargetType  string
	TargetID    string
	Amount      decimal.Decimal
	Status      AllocationStatus
	AllocatedAt time.Time
	ClosedAt    *time.Time // reclaimed or expired
}

// =============================================================================
// TIMEBANK
// =============================================================================

type TimebankStatus string

const (
	TimebankPending   TimebankStatus = "pending"
	TimebankConfirmed TimebankStatus = "confirmed"
)

type TimebankTransaction struct {
	ID                 TimebankID
	ProviderID         MemberID
	ReceiverID         MemberID
	ServiceDescription string
	Cost               decimal.Decimal
	Status             TimebankStatus
	CreatedAt          time.Time
	ConfirmedAt        *time.Time
}

// =============================================================================
// ISSUANCE / PURCHASE EVENT
// =============================================================================

type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventActive    EventStatus = "active"
	EventClosed    EventStatus = "closed"
)

// PaymentCurrency is what a purchase event accepts: RP (debited from the
// ledger) or EXT (external money settled outside the ledger).
type PaymentCurrency string

const (
	PayWithRP       PaymentCurrency = "RP"
	PayWithExternal PaymentCurrency = "EXT"
)

type IssuanceEvent struct {
	ID                       EventID
	Name                     string
	StartsAt                 time.Time
	EndsAt                   time.Time
	PaymentCurrency          PaymentCurrency
	Rate                     decimal.Decimal // payment units per 1 SH
	PerPersonCap             decimal.Decimal
	GlobalCap                decimal.Decimal
	Distributed              decimal.Decimal
	FiscalRegularityRequired bool
	Status                   EventStatus
	CreatedAt                time.Time
}

// Open reports whether purchases are accepted at the given instant.
func (e IssuanceEvent) Open(at time.Time) bool {
	return e.Status == EventActive && !at.Before(e.StartsAt) && !at.After(e.EndsAt)
}

// Remaining is the SH still available under the global cap.
func (e IssuanceEvent) Remaining() decimal.Decimal {
	r := e.GlobalCap.Sub(e.Distributed)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
