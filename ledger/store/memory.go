// Package store provides in-process ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the whole ledger in maps guarded by one RWMutex. WithTx holds
// the write lock for the full unit, which serialises writers the same way a
// single SQLite writer does.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type balanceKey struct {
	member   ledger.MemberID
	currency ledger.Currency
}

type purchaseKey struct {
	event  ledger.EventID
	member ledger.MemberID
}

type state struct {
	seq       int64
	log       []ledger.Transaction // ordered by Seq
	dedup     map[string]int       // dedup key -> index into log
	balances  map[balanceKey]ledger.Balance
	allocs    map[ledger.AllocationID]ledger.Allocation
	allocIDs  []ledger.AllocationID // insertion order
	timebank  map[ledger.TimebankID]ledger.TimebankTransaction
	tbIDs     []ledger.TimebankID
	events    map[ledger.EventID]ledger.IssuanceEvent
	eventIDs  []ledger.EventID
	purchases map[purchaseKey]decimal.Decimal
}

func newState() *state {
	return &state{
		dedup:     make(map[string]int),
		balances:  make(map[balanceKey]ledger.Balance),
		allocs:    make(map[ledger.AllocationID]ledger.Allocation),
		timebank:  make(map[ledger.TimebankID]ledger.TimebankTransaction),
		events:    make(map[ledger.EventID]ledger.IssuanceEvent),
		purchases: make(map[purchaseKey]decimal.Decimal),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ ledger.Store = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// snapshot copies every mutable collection. Log entries are never modified
// after append, so only the slice header needs copying for them.
func (s *state) clone() *state {
	c := &state{
		seq:       s.seq,
		log:       s.log[:len(s.log):len(s.log)],
		dedup:     make(map[string]int, len(s.dedup)),
		balances:  make(map[balanceKey]ledger.Balance, len(s.balances)),
		allocs:    make(map[ledger.AllocationID]ledger.Allocation, len(s.allocs)),
		allocIDs:  append([]ledger.AllocationID(nil), s.allocIDs...),
		timebank:  make(map[ledger.TimebankID]ledger.TimebankTransaction, len(s.timebank)),
		tbIDs:     append([]ledger.TimebankID(nil), s.tbIDs...),
		events:    make(map[ledger.EventID]ledger.IssuanceEvent, len(s.events)),
		eventIDs:  append([]ledger.EventID(nil), s.eventIDs...),
		purchases: make(map[purchaseKey]decimal.Decimal, len(s.purchases)),
	}
	for k, v := range s.dedup {
		c.dedup[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.allocs {
		c.allocs[k] = v
	}
	for k, v := range s.timebank {
		c.timebank[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.purchases {
		c.purchases[k] = v
	}
	return c
}

// =============================================================================
// READS - Outside a transaction
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, member ledger.MemberID, currency ledger.Currency) (ledger.Balance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.st.balances[balanceKey{member, currency}]
	return b, ok, nil
}

func (m *Memory) LoadTransactions(_ context.Context, member ledger.MemberID, currency ledger.Currency) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.loadTransactions(member, currency), nil
}

func (m *Memory) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listTransactions(f), nil
}

func (m *Memory) FindByDedupKey(_ context.Context, key string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findByDedupKey(key), nil
}

func (m *Memory) ListAllocations(_ context.Context, member ledger.MemberID, activeOnly bool) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAllocations(member, activeOnly), nil
}

func (m *Memory) ActiveAllocations(_ context.Context, member ledger.MemberID, targetType, targetID string) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.activeAllocations(func(a ledger.Allocation) bool {
		return a.MemberID == member && a.TargetType == targetType && a.TargetID == targetID
	}), nil
}

func (m *Memory) ActiveAllocationsForTarget(_ context.Context, targetType, targetID string) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.activeAllocations(func(a ledger.Allocation) bool {
		return a.TargetType == targetType && a.TargetID == targetID
	}), nil
}

func (m *Memory) ActiveAllocationsBefore(_ context.Context, before time.Time) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.activeAllocations(func(a ledger.Allocation) bool {
		return a.AllocatedAt.Before(before)
	}), nil
}

func (m *Memory) GetTimebank(_ context.Context, id ledger.TimebankID) (*ledger.TimebankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTimebank(id), nil
}

func (m *Memory) ListTimebank(_ context.Context, member ledger.MemberID) ([]ledger.TimebankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listTimebank(func(t ledger.TimebankTransaction) bool {
		return t.ProviderID == member || t.ReceiverID == member
	}), nil
}

func (m *Memory) ListPendingTimebankBefore(_ context.Context, before time.Time) ([]ledger.TimebankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listTimebank(func(t ledger.TimebankTransaction) bool {
		return t.Status == ledger.TimebankPending && t.CreatedAt.Before(before)
	}), nil
}

func (m *Memory) GetEvent(_ context.Context, id ledger.EventID) (*ledger.IssuanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getEvent(id), nil
}

func (m *Memory) ListEvents(_ context.Context) ([]ledger.IssuanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listEvents(), nil
}

func (m *Memory) MemberPurchased(_ context.Context, event ledger.EventID, member ledger.MemberID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.memberPurchased(event, member), nil
}

func (m *Memory) ListMembers(_ context.Context) ([]ledger.MemberID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listMembers(), nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Runs under the write lock held by WithTx
// =============================================================================

type txView struct {
	st *state
}

func (tv *txView) GetBalance(_ context.Context, member ledger.MemberID, currency ledger.Currency) (ledger.Balance, bool, error) {
	b, ok := tv.st.balances[balanceKey{member, currency}]
	return b, ok, nil
}

// LockBalance needs no extra locking: the whole store is held by WithTx.
func (tv *txView) LockBalance(ctx context.Context, member ledger.MemberID, currency ledger.Currency) (ledger.Balance, bool, error) {
	return tv.GetBalance(ctx, member, currency)
}

func (tv *txView) PutBalance(_ context.Context, b ledger.Balance) error {
	tv.st.balances[balanceKey{b.MemberID, b.Currency}] = b
	return nil
}

func (tv *txView) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	if tx.DedupKey != "" {
		if _, exists := tv.st.dedup[tx.DedupKey]; exists {
			return ledger.ErrDuplicateEvent
		}
	}
	tv.st.seq++
	tx.Seq = tv.st.seq
	entry := *tx
	entry.Metadata = copyMetadata(tx.Metadata)
	tv.st.log = append(tv.st.log, entry)
	if tx.DedupKey != "" {
		tv.st.dedup[tx.DedupKey] = len(tv.st.log) - 1
	}
	return nil
}

func (tv *txView) LoadTransactions(_ context.Context, member ledger.MemberID, currency ledger.Currency) ([]ledger.Transaction, error) {
	return tv.st.loadTransactions(member, currency), nil
}

func (tv *txView) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return tv.st.listTransactions(f), nil
}

func (tv *txView) FindByDedupKey(_ context.Context, key string) (*ledger.Transaction, error) {
	return tv.st.findByDedupKey(key), nil
}

func (tv *txView) InsertAllocation(_ context.Context, a ledger.Allocation) error {
	tv.st.allocs[a.ID] = a
	tv.st.allocIDs = append(tv.st.allocIDs, a.ID)
	return nil
}

func (tv *txView) CloseAllocation(_ context.Context, id ledger.AllocationID, status ledger.AllocationStatus, at time.Time) error {
	a, ok := tv.st.allocs[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "allocation", ID: string(id)}
	}
	a.Status = status
	a.ClosedAt = &at
	tv.st.allocs[id] = a
	return nil
}

func (tv *txView) ListAllocations(_ context.Context, member ledger.MemberID, activeOnly bool) ([]ledger.Allocation, error) {
	return tv.st.listAllocations(member, activeOnly), nil
}

func (tv *txView) ActiveAllocations(_ context.Context, member ledger.MemberID, targetType, targetID string) ([]ledger.Allocation, error) {
	return tv.st.activeAllocations(func(a ledger.Allocation) bool {
		return a.MemberID == member && a.TargetType == targetType && a.TargetID == targetID
	}), nil
}

func (tv *txView) ActiveAllocationsForTarget(_ context.Context, targetType, targetID string) ([]ledger.Allocation, error) {
	return tv.st.activeAllocations(func(a ledger.Allocation) bool {
		return a.TargetType == targetType && a.TargetID == targetID
	}), nil
}

func (tv *txView) ActiveAllocationsBefore(_ context.Context, before time.Time) ([]ledger.Allocation, error) {
	return tv.st.activeAllocations(func(a ledger.Allocation) bool {
		return a.AllocatedAt.Before(before)
	}), nil
}

func (tv *txView) InsertTimebank(_ context.Context, t ledger.TimebankTransaction) error {
	tv.st.timebank[t.ID] = t
	tv.st.tbIDs = append(tv.st.tbIDs, t.ID)
	return nil
}

func (tv *txView) ConfirmTimebank(_ context.Context, id ledger.TimebankID, at time.Time) error {
	t, ok := tv.st.timebank[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "timebank_transaction", ID: string(id)}
	}
	t.Status = ledger.TimebankConfirmed
	t.ConfirmedAt = &at
	tv.st.timebank[id] = t
	return nil
}

func (tv *txView) GetTimebank(_ context.Context, id ledger.TimebankID) (*ledger.TimebankTransaction, error) {
	return tv.st.getTimebank(id), nil
}

func (tv *txView) ListTimebank(_ context.Context, member ledger.MemberID) ([]ledger.TimebankTransaction, error) {
	return tv.st.listTimebank(func(t ledger.TimebankTransaction) bool {
		return t.ProviderID == member || t.ReceiverID == member
	}), nil
}

func (tv *txView) ListPendingTimebankBefore(_ context.Context, before time.Time) ([]ledger.TimebankTransaction, error) {
	return tv.st.listTimebank(func(t ledger.TimebankTransaction) bool {
		return t.Status == ledger.TimebankPending && t.CreatedAt.Before(before)
	}), nil
}

func (tv *txView) InsertEvent(_ context.Context, e ledger.IssuanceEvent) error {
	tv.st.events[e.ID] = e
	tv.st.eventIDs = append(tv.st.eventIDs, e.ID)
	return nil
}

func (tv *txView) LockEvent(_ context.Context, id ledger.EventID) (*ledger.IssuanceEvent, error) {
	return tv.st.getEvent(id), nil
}

func (tv *txView) GetEvent(_ context.Context, id ledger.EventID) (*ledger.IssuanceEvent, error) {
	return tv.st.getEvent(id), nil
}

func (tv *txView) ListEvents(_ context.Context) ([]ledger.IssuanceEvent, error) {
	return tv.st.listEvents(), nil
}

func (tv *txView) SetEventStatus(_ context.Context, id ledger.EventID, status ledger.EventStatus) error {
	e, ok := tv.st.events[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "event", ID: string(id)}
	}
	e.Status = status
	tv.st.events[id] = e
	return nil
}

func (tv *txView) AddDistributed(_ context.Context, id ledger.EventID, member ledger.MemberID, amount decimal.Decimal) error {
	e, ok := tv.st.events[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "event", ID: string(id)}
	}
	e.Distributed = e.Distributed.Add(amount)
	tv.st.events[id] = e
	k := purchaseKey{id, member}
	tv.st.purchases[k] = tv.st.memberPurchased(id, member).Add(amount)
	return nil
}

func (tv *txView) MemberPurchased(_ context.Context, event ledger.EventID, member ledger.MemberID) (decimal.Decimal, error) {
	return tv.st.memberPurchased(event, member), nil
}

func (tv *txView) ListMembers(_ context.Context) ([]ledger.MemberID, error) {
	return tv.st.listMembers(), nil
}

// =============================================================================
// SHARED QUERIES - Callers hold the appropriate lock
// =============================================================================

func (s *state) loadTransactions(member ledger.MemberID, currency ledger.Currency) []ledger.Transaction {
	var out []ledger.Transaction
	for _, tx := range s.log {
		if tx.MemberID == member && tx.Currency == currency {
			out = append(out, cloneTx(tx))
		}
	}
	return out
}

func (s *state) listTransactions(f ledger.TransactionFilter) []ledger.Transaction {
	// Seq is dense and 1-based, so AfterSeq is also a slice offset.
	start := int(f.AfterSeq)
	if start > len(s.log) {
		return nil
	}
	var out []ledger.Transaction
	for _, tx := range s.log[start:] {
		if tx.MemberID != f.MemberID {
			continue
		}
		if f.Currency != "" && tx.Currency != f.Currency {
			continue
		}
		out = append(out, cloneTx(tx))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (s *state) findByDedupKey(key string) *ledger.Transaction {
	i, ok := s.dedup[key]
	if !ok {
		return nil
	}
	tx := cloneTx(s.log[i])
	return &tx
}

func (s *state) listAllocations(member ledger.MemberID, activeOnly bool) []ledger.Allocation {
	var out []ledger.Allocation
	for i := len(s.allocIDs) - 1; i >= 0; i-- {
		a := s.allocs[s.allocIDs[i]]
		if a.MemberID != member {
			continue
		}
		if activeOnly && a.Status != ledger.AllocationActive {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (s *state) activeAllocations(match func(ledger.Allocation) bool) []ledger.Allocation {
	var out []ledger.Allocation
	for _, id := range s.allocIDs {
		a := s.allocs[id]
		if a.Status == ledger.AllocationActive && match(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s *state) getTimebank(id ledger.TimebankID) *ledger.TimebankTransaction {
	t, ok := s.timebank[id]
	if !ok {
		return nil
	}
	return &t
}

func (s *state) listTimebank(match func(ledger.TimebankTransaction) bool) []ledger.TimebankTransaction {
	var out []ledger.TimebankTransaction
	for _, id := range s.tbIDs {
		if t := s.timebank[id]; match(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *state) getEvent(id ledger.EventID) *ledger.IssuanceEvent {
	e, ok := s.events[id]
	if !ok {
		return nil
	}
	return &e
}

func (s *state) listEvents() []ledger.IssuanceEvent {
	out := make([]ledger.IssuanceEvent, 0, len(s.eventIDs))
	for _, id := range s.eventIDs {
		out = append(out, s.events[id])
	}
	return out
}

func (s *state) memberPurchased(event ledger.EventID, member ledger.MemberID) decimal.Decimal {
	if v, ok := s.purchases[purchaseKey{event, member}]; ok {
		return v
	}
	return decimal.Zero
}

func (s *state) listMembers() []ledger.MemberID {
	seen := make(map[ledger.MemberID]bool)
	var out []ledger.MemberID
	for k := range s.balances {
		if !seen[k.member] {
			seen[k.member] = true
			out = append(out, k.member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneTx(tx ledger.Transaction) ledger.Transaction {
	tx.Metadata = copyMetadata(tx.Metadata)
	return tx
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
