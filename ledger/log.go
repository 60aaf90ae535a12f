/*
log.go - Transaction Log & Balance Store operations

PURPOSE:
  The transaction log is the immutable source of truth for every value
  movement. Balances are a cache beside it. record() is the only path that
  changes a balance, and it always appends the matching transaction in the
  same atomic unit.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ONE MOVEMENT, ONE ENTRY: record is called exactly once per logical movement
  3. LAZY ROWS: A missing balance row is created inside the same unit as the
     first transaction that touches it, never as a separate step
  4. REPLAYABLE: ReconstructBalance(member, currency) == GetBalance(member, currency)

REPAIR:
  AuditBalance compares the cache with a full replay. RepairBalance
  overwrites the cache with the replayed value. Neither touches the log.

SEE ALSO:
  - balance.go: Apply, the arithmetic shared by record and replay
  - store.go: Tx interface used here
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// RECORD - Append one transaction and update its balance atomically
// =============================================================================

// record applies entry to the locked balance, checks the invariant, appends
// the transaction and writes the balance. Must be called inside WithTx.
func (s *Service) record(ctx context.Context, tx Tx, entry Transaction) (Transaction, Balance, error) {
	current, ok, err := tx.LockBalance(ctx, entry.MemberID, entry.Currency)
	if err != nil {
		return Transaction{}, Balance{}, fmt.Errorf("lock balance: %w", err)
	}
	if !ok {
		current = ZeroBalance(entry.MemberID, entry.Currency)
	}

	if entry.ID == "" {
		entry.ID = TransactionID(s.newID())
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.Status = StatusPosted

	next, err := Apply(current, entry)
	if err != nil {
		return Transaction{}, Balance{}, err
	}
	if err := next.CheckInvariant(); err != nil {
		return Transaction{}, Balance{}, err
	}

	if err := tx.AppendTransaction(ctx, &entry); err != nil {
		return Transaction{}, Balance{}, err
	}
	if err := tx.PutBalance(ctx, next); err != nil {
		return Transaction{}, Balance{}, fmt.Errorf("put balance: %w", err)
	}
	return entry, next, nil
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the cached balance. A pair that has never moved reads as zero.
func (s *Service) GetBalance(ctx context.Context, member MemberID, currency Currency) (Balance, error) {
	if err := requireMember("member_id", member); err != nil {
		return Balance{}, err
	}
	if !currency.Valid() {
		return Balance{}, invalid("currency", "unknown currency %q", currency)
	}
	b, ok, err := s.store.GetBalance(ctx, member, currency)
	if err != nil {
		return Balance{}, err
	}
	if !ok {
		return ZeroBalance(member, currency), nil
	}
	return b, nil
}

// ListTransactions returns a page of the member's log in append order.
// Continue with AfterSeq set to the last Seq returned.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if err := requireMember("member_id", filter.MemberID); err != nil {
		return nil, err
	}
	if filter.Currency != "" && !filter.Currency.Valid() {
		return nil, invalid("currency", "unknown currency %q", filter.Currency)
	}
	if filter.AfterSeq < 0 {
		return nil, invalid("after", "must not be negative")
	}
	return s.store.ListTransactions(ctx, filter.normalized())
}

// ReconstructBalance replays the member's full log for the currency from zero.
func (s *Service) ReconstructBalance(ctx context.Context, member MemberID, currency Currency) (Balance, error) {
	if err := requireMember("member_id", member); err != nil {
		return Balance{}, err
	}
	if !currency.Valid() {
		return Balance{}, invalid("currency", "unknown currency %q", currency)
	}
	txs, err := s.store.LoadTransactions(ctx, member, currency)
	if err != nil {
		return Balance{}, err
	}
	return Replay(member, currency, txs)
}

// ListMembers enumerates members that hold at least one balance row.
func (s *Service) ListMembers(ctx context.Context) ([]MemberID, error) {
	return s.store.ListMembers(ctx)
}

// =============================================================================
// AUDIT & REPAIR
// =============================================================================

type AuditReport struct {
	MemberID  MemberID
	Currency  Currency
	Cached    Balance
	Replayed  Balance
	Drift     bool
	Repaired  bool
	CheckedAt time.Time
}

// AuditBalance compares the cached balance with a full replay of the log.
func (s *Service) AuditBalance(ctx context.Context, member MemberID, currency Currency) (AuditReport, error) {
	cached, err := s.GetBalance(ctx, member, currency)
	if err != nil {
		return AuditReport{}, err
	}
	replayed, err := s.ReconstructBalance(ctx, member, currency)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditReport{
		MemberID:  member,
		Currency:  currency,
		Cached:    cached,
		Replayed:  replayed,
		Drift:     !cached.Equal(replayed),
		CheckedAt: s.now(),
	}, nil
}

// RepairBalance rewrites the cached balance from the log when they drift.
// The replay and the write happen in one unit so no movement can slip in
// between them.
func (s *Service) RepairBalance(ctx context.Context, member MemberID, currency Currency) (AuditReport, error) {
	started := time.Now()
	if err := requireMember("member_id", member); err != nil {
		return AuditReport{}, err
	}
	if !currency.Valid() {
		return AuditReport{}, invalid("currency", "unknown currency %q", currency)
	}

	var report AuditReport
	err := s.store.WithTx(ctx, func(tx Tx) error {
		cached, ok, err := tx.LockBalance(ctx, member, currency)
		if err != nil {
			return err
		}
		if !ok {
			cached = ZeroBalance(member, currency)
		}
		txs, err := tx.LoadTransactions(ctx, member, currency)
		if err != nil {
			return err
		}
		replayed, err := Replay(member, currency, txs)
		if err != nil {
			return err
		}
		report = AuditReport{
			MemberID:  member,
			Currency:  currency,
			Cached:    cached,
			Replayed:  replayed,
			Drift:     !cached.Equal(replayed),
			CheckedAt: s.now(),
		}
		if !report.Drift {
			return nil
		}
		replayed.UpdatedAt = s.now()
		if err := tx.PutBalance(ctx, replayed); err != nil {
			return err
		}
		report.Repaired = true
		return nil
	})
	if err == nil && report.Repaired {
		s.log.WithFields(logrus.Fields{
			"member_id": member,
			"currency":  currency,
			"cached":    report.Cached.Available.String(),
			"replayed":  report.Replayed.Available.String(),
		}).Warn("balance cache drifted from log; repaired")
	}
	return report, s.finish("repair_balance", started, err, logrus.Fields{"member_id": member, "currency": currency})
}
