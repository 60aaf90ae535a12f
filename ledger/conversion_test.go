package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
)

func TestConvertRewardToTimebank(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		env.seedRP(t, "alice", 2)
		env.settings.SetRewardToTimebankRate(d("0.5"))

		res, err := env.svc.ConvertRewardToTimebank(env.ctx, "alice", d("10"))

		require.NoError(t, err)
		assert.True(t, res.TBCIssued.Equal(d("5")))
		assert.True(t, res.RPBalance.Available.Equal(d("10")))
		assert.True(t, res.RPBalance.Spent.Equal(d("10")))
		assert.True(t, res.TBCBalance.Available.Equal(d("5")))
		env.assertReplayMatches(t, "alice", ledger.CurrencyRP)
		env.assertReplayMatches(t, "alice", ledger.CurrencyTBC)
	})
}

func TestConvertRewardToTimebank_RoundsDown(t *testing.T) {
	env := newEnv(t, newSQLiteStore(t))
	env.seedRP(t, "alice", 1)
	env.settings.SetRewardToTimebankRate(d("0.333"))

	res, err := env.svc.ConvertRewardToTimebank(env.ctx, "alice", d("1"))
	require.NoError(t, err)
	assert.Equal(t, "0.33", res.TBCIssued.String())

	_, err = env.svc.ConvertRewardToTimebank(env.ctx, "alice", d("0.01"))
	assert.ErrorIs(t, err, ledger.ErrValidation, "would issue nothing")
	assert.True(t, env.balance(t, "alice", ledger.CurrencyRP).Available.Equal(d("9")))
}

func TestConvertRewardToTimebank_Disabled(t *testing.T) {
	env := newEnv(t, newSQLiteStore(t))
	env.seedRP(t, "alice", 1)
	env.settings.SetRewardToTimebankRate(d("0"))

	_, err := env.svc.ConvertRewardToTimebank(env.ctx, "alice", d("5"))

	assert.ErrorIs(t, err, ledger.ErrValidation)
}
