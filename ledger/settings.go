package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SETTINGS PROVIDER - Rates, bounds and rules owned outside the ledger
// =============================================================================

// EarningRule maps one event type to an award.
type EarningRule struct {
	EventType EventType
	Currency  Currency        // RP when empty
	Amount    decimal.Decimal
	// MinThreshold guards the event's measure (lines changed, score, words).
	// Zero disables the guard.
	MinThreshold decimal.Decimal
	Active       bool
}

type AllocationBounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultAllocationBounds is the per-action SP range.
var DefaultAllocationBounds = AllocationBounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(10)}

// DefaultPurchaseTolerance absorbs rounding between paymentAmount and shAmount x rate.
var DefaultPurchaseTolerance = decimal.New(1, -2)

// SettingsProvider is consulted on every call; implementations must not hand
// out values cached indefinitely.
type SettingsProvider interface {
	EarningRule(ctx context.Context, eventType EventType) (rule EarningRule, ok bool, err error)
	AllocationBounds(ctx context.Context) (AllocationBounds, error)
	// RewardToTimebankRate is the TBC credited per RP converted.
	RewardToTimebankRate(ctx context.Context) (decimal.Decimal, error)
	PurchaseTolerance(ctx context.Context) (decimal.Decimal, error)
}

// EligibilityChecker answers the fiscal-regularity question for purchase
// events that require it.
type EligibilityChecker interface {
	FiscallyRegular(ctx context.Context, member MemberID) (bool, error)
}

// =============================================================================
// STATIC SETTINGS - In-process provider for tests and embedding
// =============================================================================

type StaticSettings struct {
	mu        sync.RWMutex
	rules     map[EventType]EarningRule
	bounds    AllocationBounds
	rate      decimal.Decimal
	tolerance decimal.Decimal
}

func NewStaticSettings(rules ...EarningRule) *StaticSettings {
	s := &StaticSettings{
		rules:     make(map[EventType]EarningRule),
		bounds:    DefaultAllocationBounds,
		rate:      decimal.NewFromInt(1),
		tolerance: DefaultPurchaseTolerance,
	}
	for _, r := range rules {
		s.rules[r.EventType] = r
	}
	return s
}

func (s *StaticSettings) SetRule(r EarningRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.EventType] = r
}

func (s *StaticSettings) SetRewardToTimebankRate(rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

func (s *StaticSettings) SetAllocationBounds(b AllocationBounds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = b
}

func (s *StaticSettings) SetPurchaseTolerance(t decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tolerance = t
}

func (s *StaticSettings) EarningRule(_ context.Context, t EventType) (EarningRule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[t]
	return r, ok, nil
}

func (s *StaticSettings) AllocationBounds(context.Context) (AllocationBounds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds, nil
}

func (s *StaticSettings) RewardToTimebankRate(context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate, nil
}

func (s *StaticSettings) PurchaseTolerance(context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tolerance, nil
}

// EligibilityFunc adapts a function to EligibilityChecker.
type EligibilityFunc func(ctx context.Context, member MemberID) (bool, error)

func (f EligibilityFunc) FiscallyRegular(ctx context.Context, member MemberID) (bool, error) {
	return f(ctx, member)
}
