/*
balance.go - Balance shapes and transaction application

PURPOSE:
  A Balance is derived state: the per-(member, currency) aggregate of the
  transaction log, cached for fast reads. This file holds the ONE function
  that turns a transaction into a balance change (Apply). Live operations and
  the replay path both go through it, so the cache and the log cannot
  disagree about arithmetic.

BALANCE SHAPES:
  RP:  TotalEarned, Available, Spent      (Available + Spent == TotalEarned)
  SP:  TotalEarned, Available, Allocated  (Available + Allocated == TotalEarned)
  TBC: TotalEarned, Available, Spent      (Available + Spent == TotalEarned)
  SH:  TotalEarned, Available             (Available == TotalEarned)

TRANSACTION EFFECTS:
  earn, transfer, issue  TotalEarned += a, Available += a
  allocate (SP)          Available -= a,   Allocated += a
  reclaim  (SP)          Allocated -= a,   Available += a
  spend    (RP, TBC)     Available -= a,   Spent += a

SEE ALSO:
  - log.go: Replay (ReconstructBalance) and audit
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	MemberID    MemberID
	Currency    Currency
	TotalEarned decimal.Decimal
	Available   decimal.Decimal
	Allocated   decimal.Decimal // SP only
	Spent       decimal.Decimal // RP and TBC only
	UpdatedAt   time.Time
}

// ZeroBalance is the lazily-created row for a (member, currency) pair.
func ZeroBalance(member MemberID, currency Currency) Balance {
	return Balance{
		MemberID:    member,
		Currency:    currency,
		TotalEarned: decimal.Zero,
		Available:   decimal.Zero,
		Allocated:   decimal.Zero,
		Spent:       decimal.Zero,
	}
}

// Equal compares the amounts only (not timestamps).
func (b Balance) Equal(o Balance) bool {
	return b.MemberID == o.MemberID &&
		b.Currency == o.Currency &&
		b.TotalEarned.Equal(o.TotalEarned) &&
		b.Available.Equal(o.Available) &&
		b.Allocated.Equal(o.Allocated) &&
		b.Spent.Equal(o.Spent)
}

// CheckInvariant verifies the currency-specific identity and that no
// component is negative.
func (b Balance) CheckInvariant() error {
	for name, v := range map[string]decimal.Decimal{
		"total_earned": b.TotalEarned,
		"available":    b.Available,
		"allocated":    b.Allocated,
		"spent":        b.Spent,
	} {
		if v.IsNegative() {
			return fmt.Errorf("balance %s/%s: negative %s %s", b.MemberID, b.Currency, name, v)
		}
	}

	var sum decimal.Decimal
	switch b.Currency {
	case CurrencySP:
		sum = b.Available.Add(b.Allocated)
	case CurrencyRP, CurrencyTBC:
		sum = b.Available.Add(b.Spent)
	case CurrencySH:
		sum = b.Available
	default:
		return fmt.Errorf("balance %s: unknown currency %q", b.MemberID, b.Currency)
	}
	if !sum.Equal(b.TotalEarned) {
		return fmt.Errorf("balance %s/%s: components %s != total earned %s",
			b.MemberID, b.Currency, sum, b.TotalEarned)
	}
	return nil
}

// =============================================================================
// APPLY - The single place a transaction changes a balance
// =============================================================================

// Apply returns the balance after tx. It fails with InsufficientBalanceError
// when a debit exceeds the component it draws from, and rejects transaction
// types the currency does not support. b is not modified.
func Apply(b Balance, tx Transaction) (Balance, error) {
	if tx.MemberID != b.MemberID || tx.Currency != b.Currency {
		return b, fmt.Errorf("transaction %s for %s/%s applied to balance %s/%s",
			tx.ID, tx.MemberID, tx.Currency, b.MemberID, b.Currency)
	}
	if !tx.Amount.IsPositive() {
		return b, invalid("amount", "must be positive, got %s", tx.Amount)
	}

	next := b
	a := tx.Amount

	switch tx.Type {
	case TxEarn, TxTransfer, TxIssue:
		if tx.Currency == CurrencySH && tx.Type != TxIssue {
			return b, invalid("type", "%s cannot be credited by %s", tx.Currency, tx.Type)
		}
		next.TotalEarned = b.TotalEarned.Add(a)
		next.Available = b.Available.Add(a)

	case TxAllocate:
		if tx.Currency != CurrencySP {
			return b, invalid("type", "%s cannot be allocated", tx.Currency)
		}
		if b.Available.LessThan(a) {
			return b, &InsufficientBalanceError{MemberID: b.MemberID, Currency: b.Currency, Available: b.Available, Requested: a}
		}
		next.Available = b.Available.Sub(a)
		next.Allocated = b.Allocated.Add(a)

	case TxReclaim:
		if tx.Currency != CurrencySP {
			return b, invalid("type", "%s cannot be reclaimed", tx.Currency)
		}
		if b.Allocated.LessThan(a) {
			return b, fmt.Errorf("reclaim %s exceeds allocated %s for %s", a, b.Allocated, b.MemberID)
		}
		next.Allocated = b.Allocated.Sub(a)
		next.Available = b.Available.Add(a)

	case TxSpend:
		if tx.Currency != CurrencyRP && tx.Currency != CurrencyTBC {
			return b, invalid("type", "%s cannot be spent", tx.Currency)
		}
		if b.Available.LessThan(a) {
			return b, &InsufficientBalanceError{MemberID: b.MemberID, Currency: b.Currency, Available: b.Available, Requested: a}
		}
		next.Available = b.Available.Sub(a)
		next.Spent = b.Spent.Add(a)

	default:
		return b, invalid("type", "unknown transaction type %q", tx.Type)
	}

	next.UpdatedAt = tx.CreatedAt
	return next, nil
}

// Replay folds a member's transactions (in log order) into a balance,
// starting from zero.
func Replay(member MemberID, currency Currency, txs []Transaction) (Balance, error) {
	b := ZeroBalance(member, currency)
	for _, tx := range txs {
		if tx.MemberID != member || tx.Currency != currency {
			continue
		}
		next, err := Apply(b, tx)
		if err != nil {
			return b, fmt.Errorf("replay %s/%s at tx %s: %w", member, currency, tx.ID, err)
		}
		b = next
	}
	return b, nil
}
