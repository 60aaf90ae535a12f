package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
	"github.com/warp/points-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc      *ledger.Service
	store    ledger.Store
	settings *ledger.StaticSettings
	clock    *fakeClock
	ctx      context.Context
}

var epoch = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func defaultRules() []ledger.EarningRule {
	return []ledger.EarningRule{
		{EventType: ledger.EventLessonCompleted, Currency: ledger.CurrencyRP, Amount: d("10"), Active: true},
		{EventType: ledger.EventCodeContribution, Currency: ledger.CurrencyRP, Amount: d("25"), MinThreshold: d("1"), Active: true},
		{EventType: ledger.EventForumPost, Currency: ledger.CurrencyRP, Amount: d("2"), MinThreshold: d("20"), Active: true},
		{EventType: ledger.EventVoteCast, Currency: ledger.CurrencySP, Amount: d("5"), Active: true},
		{EventType: ledger.EventProposalSubmitted, Currency: ledger.CurrencySP, Amount: d("10"), Active: false},
		{EventType: ledger.EventOnboardingStep, Currency: ledger.CurrencyTBC, Amount: d("5"), Active: true},
	}
}

func newEnv(t *testing.T, s ledger.Store, opts ...ledger.Option) *testEnv {
	t.Helper()
	clock := &fakeClock{now: epoch}
	settings := ledger.NewStaticSettings(defaultRules()...)
	opts = append([]ledger.Option{ledger.WithClock(clock.Now)}, opts...)
	return &testEnv{
		svc:      ledger.NewService(s, settings, opts...),
		store:    s,
		settings: settings,
		clock:    clock,
		ctx:      context.Background(),
	}
}

func newSQLiteStore(t *testing.T) ledger.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn once per Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, env *testEnv), opts ...ledger.Option) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newEnv(t, store.NewMemory(), opts...))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newEnv(t, newSQLiteStore(t), opts...))
	})
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// SEEDING
// =============================================================================

// seedRP awards 10 RP per lesson.
func (e *testEnv) seedRP(t *testing.T, member ledger.MemberID, lessons int) {
	t.Helper()
	for i := 0; i < lessons; i++ {
		_, err := e.svc.Earn(e.ctx, ledger.EarnRequest{
			MemberID: member,
			Event:    ledger.LessonCompleted{LessonID: "seed-" + string(rune('a'+i)), Score: 90},
		})
		require.NoError(t, err)
	}
}

// seedSP awards 5 SP per proposal voted on.
func (e *testEnv) seedSP(t *testing.T, member ledger.MemberID, votes int) {
	t.Helper()
	for i := 0; i < votes; i++ {
		_, err := e.svc.Earn(e.ctx, ledger.EarnRequest{
			MemberID: member,
			Event:    ledger.VoteCast{ProposalID: "seed-" + string(rune('a'+i)), Choice: "yes"},
		})
		require.NoError(t, err)
	}
}

// seedTBC awards 5 TBC per onboarding step.
func (e *testEnv) seedTBC(t *testing.T, member ledger.MemberID, steps int) {
	t.Helper()
	for i := 0; i < steps; i++ {
		_, err := e.svc.Earn(e.ctx, ledger.EarnRequest{
			MemberID: member,
			Event:    ledger.OnboardingStep{Step: "seed-" + string(rune('a'+i))},
		})
		require.NoError(t, err)
	}
}

func (e *testEnv) balance(t *testing.T, member ledger.MemberID, c ledger.Currency) ledger.Balance {
	t.Helper()
	b, err := e.svc.GetBalance(e.ctx, member, c)
	require.NoError(t, err)
	return b
}

// assertReplayMatches checks the cache against a full log replay.
func (e *testEnv) assertReplayMatches(t *testing.T, member ledger.MemberID, c ledger.Currency) {
	t.Helper()
	report, err := e.svc.AuditBalance(e.ctx, member, c)
	require.NoError(t, err)
	require.Falsef(t, report.Drift, "cache %+v drifted from replay %+v", report.Cached, report.Replayed)
}
