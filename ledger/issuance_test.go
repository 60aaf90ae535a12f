package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
)

func openEvent(t *testing.T, env *testEnv, pay ledger.PaymentCurrency, rate, perPerson, global string) ledger.IssuanceEvent {
	t.Helper()
	ev, err := env.svc.CreateEvent(env.ctx, ledger.EventSpec{
		Name:            "spring issuance",
		StartsAt:        epoch.Add(-time.Hour),
		EndsAt:          epoch.Add(7 * 24 * time.Hour),
		PaymentCurrency: pay,
		Rate:            d(rate),
		PerPersonCap:    d(perPerson),
		GlobalCap:       d(global),
		Activate:        true,
	})
	require.NoError(t, err)
	return ev
}

func buy(env *testEnv, member ledger.MemberID, ev ledger.IssuanceEvent, sh string) (ledger.PurchaseResult, error) {
	amount := d(sh)
	return env.svc.Purchase(env.ctx, ledger.PurchaseRequest{
		MemberID:      member,
		EventID:       ev.ID,
		SHAmount:      amount,
		PaymentAmount: amount.Mul(ev.Rate),
	})
}

// =============================================================================
// CAPS
// =============================================================================

func TestPurchase_GlobalCap_NoPartialFill(t *testing.T) {
	// GIVEN: Global cap 100 with 95 distributed
	// WHEN: Another member requests 10
	// THEN: Rejected with CapExceeded and Distributed stays 95

	forEachStore(t, func(t *testing.T, env *testEnv) {
		ev := openEvent(t, env, ledger.PayWithExternal, "1", "100", "100")
		_, err := buy(env, "alice", ev, "95")
		require.NoError(t, err)

		_, err = buy(env, "bob", ev, "10")

		var capErr *ledger.CapExceededError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, ledger.CapGlobal, capErr.Kind)
		assert.True(t, capErr.Current.Equal(d("95")))

		stored, err := env.svc.GetEvent(env.ctx, ev.ID)
		require.NoError(t, err)
		assert.True(t, stored.Distributed.Equal(d("95")))
		assert.True(t, stored.Remaining().Equal(d("5")))
		assert.True(t, env.balance(t, "bob", ledger.CurrencySH).TotalEarned.IsZero())

		// Exactly filling the cap is allowed.
		_, err = buy(env, "bob", ev, "5")
		require.NoError(t, err)
	})
}

func TestPurchase_PerPersonCap(t *testing.T) {
	// GIVEN: Per-person cap 5, member bought 3
	// WHEN: Requesting 4 more
	// THEN: Rejected; member total stays 3

	forEachStore(t, func(t *testing.T, env *testEnv) {
		ev := openEvent(t, env, ledger.PayWithExternal, "1", "5", "1000")
		res, err := buy(env, "alice", ev, "3")
		require.NoError(t, err)
		assert.True(t, res.MemberTotal.Equal(d("3")))
		assert.Nil(t, res.PaymentBalance, "external payment leaves RP untouched")

		_, err = buy(env, "alice", ev, "4")

		var capErr *ledger.CapExceededError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, ledger.CapPerPerson, capErr.Kind)
		total, err := env.svc.MemberPurchased(env.ctx, ev.ID, "alice")
		require.NoError(t, err)
		assert.True(t, total.Equal(d("3")))

		// Another member has an independent allowance.
		_, err = buy(env, "bob", ev, "4")
		require.NoError(t, err)
	})
}

func TestPurchase_ConcurrentBuyersNeverExceedGlobalCap(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ev := openEvent(t, env, ledger.PayWithExternal, "1", "10", "25")

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := 0; i < 6; i++ {
			member := ledger.MemberID("buyer-" + string(rune('a'+i)))
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := buy(env, member, ev, "10")
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, ledger.ErrCapExceeded), "unexpected error %v", err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 2, accepted)
		stored, err := env.svc.GetEvent(env.ctx, ev.ID)
		require.NoError(t, err)
		assert.True(t, stored.Distributed.Equal(d("20")))
	})
}

// =============================================================================
// PAYMENT
// =============================================================================

func TestPurchase_PaidInRP(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		env.seedRP(t, "alice", 3)
		ev := openEvent(t, env, ledger.PayWithRP, "2", "50", "1000")

		res, err := buy(env, "alice", ev, "5")

		require.NoError(t, err)
		require.NotNil(t, res.PaymentBalance)
		assert.True(t, res.PaymentBalance.Available.Equal(d("20")))
		assert.True(t, res.PaymentBalance.Spent.Equal(d("10")))
		assert.True(t, res.SHBalance.Available.Equal(d("5")))
		require.Len(t, res.Transactions, 2)
		assert.Equal(t, ledger.TxSpend, res.Transactions[0].Type)
		assert.Equal(t, ledger.TxIssue, res.Transactions[1].Type)

		env.assertReplayMatches(t, "alice", ledger.CurrencyRP)
		env.assertReplayMatches(t, "alice", ledger.CurrencySH)
	})
}

func TestPurchase_InsufficientRP_NothingIssued(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		env.seedRP(t, "alice", 1)
		ev := openEvent(t, env, ledger.PayWithRP, "2", "50", "1000")

		_, err := buy(env, "alice", ev, "6")

		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		stored, err := env.svc.GetEvent(env.ctx, ev.ID)
		require.NoError(t, err)
		assert.True(t, stored.Distributed.IsZero(), "cap counter rolled back with the debit")
		assert.True(t, env.balance(t, "alice", ledger.CurrencySH).TotalEarned.IsZero())
	})
}

func TestPurchase_PaymentMismatch_Rejected(t *testing.T) {
	env := newEnv(t, newSQLiteStore(t))
	ev := openEvent(t, env, ledger.PayWithExternal, "1.5", "50", "1000")

	_, err := env.svc.Purchase(env.ctx, ledger.PurchaseRequest{MemberID: "alice", EventID: ev.ID, SHAmount: d("2"), PaymentAmount: d("2.9")})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// Within tolerance.
	_, err = env.svc.Purchase(env.ctx, ledger.PurchaseRequest{MemberID: "alice", EventID: ev.ID, SHAmount: d("2"), PaymentAmount: d("2.995")})
	assert.NoError(t, err)
}

// =============================================================================
// WINDOW, STATUS & ELIGIBILITY
// =============================================================================

func TestPurchase_OutsideWindowOrInactive_Rejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ev := openEvent(t, env, ledger.PayWithExternal, "1", "50", "1000")

		env.clock.Advance(8 * 24 * time.Hour)
		_, err := buy(env, "alice", ev, "1")
		assert.ErrorIs(t, err, ledger.ErrValidation, "after EndsAt")

		scheduled, err := env.svc.CreateEvent(env.ctx, ledger.EventSpec{
			Name: "later", StartsAt: epoch, EndsAt: epoch.Add(30 * 24 * time.Hour),
			Rate: d("1"), PerPersonCap: d("5"), GlobalCap: d("10"),
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.EventScheduled, scheduled.Status)
		assert.Equal(t, ledger.PayWithRP, scheduled.PaymentCurrency)
		_, err = buy(env, "alice", scheduled, "1")
		assert.ErrorIs(t, err, ledger.ErrValidation, "scheduled events do not sell")

		_, err = buy(env, "alice", ledger.IssuanceEvent{ID: "missing", Rate: d("1")}, "1")
		assert.True(t, ledger.IsNotFound(err))
	})
}

func TestPurchase_FiscalRegularityRequired(t *testing.T) {
	regular := map[ledger.MemberID]bool{"alice": true}
	checker := ledger.EligibilityFunc(func(_ context.Context, m ledger.MemberID) (bool, error) {
		return regular[m], nil
	})

	forEachStore(t, func(t *testing.T, env *testEnv) {
		ev, err := env.svc.CreateEvent(env.ctx, ledger.EventSpec{
			Name: "regulated", StartsAt: epoch.Add(-time.Hour), EndsAt: epoch.Add(time.Hour),
			PaymentCurrency: ledger.PayWithExternal, Rate: d("1"), PerPersonCap: d("5"), GlobalCap: d("10"),
			FiscalRegularityRequired: true, Activate: true,
		})
		require.NoError(t, err)

		_, err = buy(env, "alice", ev, "1")
		assert.NoError(t, err)

		_, err = buy(env, "bob", ev, "1")
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	}, ledger.WithEligibility(checker))
}

func TestPurchase_FiscalRequiredWithoutChecker_Unauthorized(t *testing.T) {
	env := newEnv(t, newSQLiteStore(t))
	ev, err := env.svc.CreateEvent(env.ctx, ledger.EventSpec{
		Name: "regulated", StartsAt: epoch.Add(-time.Hour), EndsAt: epoch.Add(time.Hour),
		PaymentCurrency: ledger.PayWithExternal, Rate: d("1"), PerPersonCap: d("5"), GlobalCap: d("10"),
		FiscalRegularityRequired: true, Activate: true,
	})
	require.NoError(t, err)

	_, err = buy(env, "alice", ev, "1")

	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

// =============================================================================
// EVENT ADMINISTRATION
// =============================================================================

func TestCreateEvent_Validation(t *testing.T) {
	env := newEnv(t, newSQLiteStore(t))
	base := ledger.EventSpec{
		Name: "e", StartsAt: epoch, EndsAt: epoch.Add(time.Hour),
		Rate: d("1"), PerPersonCap: d("5"), GlobalCap: d("10"),
	}

	tests := []struct {
		name   string
		mutate func(*ledger.EventSpec)
	}{
		{"no name", func(s *ledger.EventSpec) { s.Name = "" }},
		{"inverted window", func(s *ledger.EventSpec) { s.EndsAt = s.StartsAt.Add(-time.Minute) }},
		{"bad payment currency", func(s *ledger.EventSpec) { s.PaymentCurrency = "BTC" }},
		{"zero rate", func(s *ledger.EventSpec) { s.Rate = d("0") }},
		{"per person above global", func(s *ledger.EventSpec) { s.PerPersonCap = d("11") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			tt.mutate(&spec)
			_, err := env.svc.CreateEvent(env.ctx, spec)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestSetEventStatus_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		ev, err := env.svc.CreateEvent(env.ctx, ledger.EventSpec{
			Name: "e", StartsAt: epoch, EndsAt: epoch.Add(time.Hour),
			PaymentCurrency: ledger.PayWithExternal, Rate: d("1"), PerPersonCap: d("5"), GlobalCap: d("10"),
		})
		require.NoError(t, err)

		updated, err := env.svc.SetEventStatus(env.ctx, ev.ID, ledger.EventActive)
		require.NoError(t, err)
		assert.Equal(t, ledger.EventActive, updated.Status)

		_, err = env.svc.SetEventStatus(env.ctx, ev.ID, ledger.EventScheduled)
		assert.ErrorIs(t, err, ledger.ErrValidation)

		_, err = env.svc.SetEventStatus(env.ctx, ev.ID, ledger.EventClosed)
		require.NoError(t, err)

		_, err = env.svc.SetEventStatus(env.ctx, ev.ID, ledger.EventActive)
		assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)

		events, err := env.svc.ListEvents(env.ctx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, ledger.EventClosed, events[0].Status)
	})
}
