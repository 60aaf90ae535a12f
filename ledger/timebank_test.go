package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
)

func requestService(env *testEnv, receiver, provider ledger.MemberID, cost string) (ledger.TimebankTransaction, error) {
	return env.svc.RequestService(env.ctx, ledger.ServiceRequest{
		ReceiverID:  receiver,
		ProviderID:  provider,
		Description: "bike repair",
		Cost:        d(cost),
	})
}

// =============================================================================
// ESCROW PROTOCOL
// =============================================================================

func TestTimebank_Scenario(t *testing.T) {
	// GIVEN: Receiver holds 5 TBC
	// WHEN: Requesting a 2 TBC service and the provider confirms twice
	// THEN: Receiver 3 available; provider +2 once; the second confirm fails

	forEachStore(t, func(t *testing.T, env *testEnv) {
		env.seedTBC(t, "receiver", 1)

		exchange, err := requestService(env, "receiver", "provider", "2")
		require.NoError(t, err)
		assert.Equal(t, ledger.TimebankPending, exchange.Status)

		held := env.balance(t, "receiver", ledger.CurrencyTBC)
		assert.True(t, held.Available.Equal(d("3")))
		assert.True(t, held.Spent.Equal(d("2")))
		assert.True(t, env.balance(t, "provider", ledger.CurrencyTBC).TotalEarned.IsZero(), "nothing credited before confirm")

		res, err := env.svc.ConfirmService(env.ctx, exchange.ID, "provider")
		require.NoError(t, err)
		assert.Equal(t, ledger.TimebankConfirmed, res.Status)
		assert.True(t, res.AmountTransferred.Equal(d("2")))
		assert.True(t, res.ProviderBalance.TotalEarned.Equal(d("2")))
		assert.Equal(t, ledger.TxTransfer, res.Transaction.Type)

		_, err = env.svc.ConfirmService(env.ctx, exchange.ID, "provider")
		assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)

		assert.True(t, env.balance(t, "provider", ledger.CurrencyTBC).TotalEarned.Equal(d("2")))
		assert.True(t, env.balance(t, "receiver", ledger.CurrencyTBC).Available.Equal(d("3")))

		stored, err := env.svc.GetTimebankTransaction(env.ctx, exchange.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.TimebankConfirmed, stored.Status)
		require.NotNil(t, stored.ConfirmedAt)

		env.assertReplayMatches(t, "receiver", ledger.CurrencyTBC)
		env.assertReplayMatches(t, "provider", ledger.CurrencyTBC)
	})
}

func TestTimebank_ConfirmByNonProvider_Unauthorized(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		env.seedTBC(t, "receiver", 1)
		exchange, err := requestService(env, "receiver", "provider", "2")
		require.NoError(t, err)

		for _, acting := range []ledger.MemberID{"receiver", "mallory"} {
			_, err = env.svc.ConfirmService(env.ctx, exchange.ID, acting)
			assert.ErrorIs(t, err, ledger.ErrUnauthorized)
		}

		stored, err := env.svc.GetTimebankTransaction(env.ctx, exchange.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.TimebankPending, stored.Status)
	})
}

func TestTimebank_InsufficientCredits_NoEscrow(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		env.seedTBC(t, "receiver", 1)

		_, err := requestService(env, "receiver", "provider", "5.5")

		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		list, err := env.svc.ListTimebankTransactions(env.ctx, "receiver")
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.True(t, env.balance(t, "receiver", ledger.CurrencyTBC).Available.Equal(d("5")))
	})
}

func TestTimebank_UnknownTransaction_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		_, err := env.svc.ConfirmService(env.ctx, "missing", "provider")

		assert.True(t, ledger.IsNotFound(err))
		var nf *ledger.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "timebank_transaction", nf.Kind)
	})
}

func TestTimebank_RequestValidation(t *testing.T) {
	env := newEnv(t, newSQLiteStore(t))
	env.seedTBC(t, "receiver", 1)

	tests := []struct {
		name string
		req  ledger.ServiceRequest
	}{
		{"self exchange", ledger.ServiceRequest{ReceiverID: "receiver", ProviderID: "receiver", Description: "x", Cost: d("1")}},
		{"missing provider", ledger.ServiceRequest{ReceiverID: "receiver", Description: "x", Cost: d("1")}},
		{"empty description", ledger.ServiceRequest{ReceiverID: "receiver", ProviderID: "p", Description: "  ", Cost: d("1")}},
		{"zero cost", ledger.ServiceRequest{ReceiverID: "receiver", ProviderID: "p", Description: "x", Cost: d("0")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.RequestService(env.ctx, tt.req)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func TestTimebank_ListAndStaleReport(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		env.seedTBC(t, "receiver", 2)

		old, err := requestService(env, "receiver", "provider", "1")
		require.NoError(t, err)
		env.clock.Advance(10 * 24 * time.Hour)
		fresh, err := requestService(env, "receiver", "other", "1")
		require.NoError(t, err)

		forProvider, err := env.svc.ListTimebankTransactions(env.ctx, "provider")
		require.NoError(t, err)
		require.Len(t, forProvider, 1)
		assert.Equal(t, old.ID, forProvider[0].ID)

		forReceiver, err := env.svc.ListTimebankTransactions(env.ctx, "receiver")
		require.NoError(t, err)
		assert.Len(t, forReceiver, 2)

		stale, err := env.svc.StalePendingTimebank(env.ctx, epoch.Add(7*24*time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, old.ID, stale[0].ID)
		assert.NotEqual(t, fresh.ID, stale[0].ID)
	})
}
