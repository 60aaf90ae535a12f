package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
)

func entry(member ledger.MemberID, c ledger.Currency, typ ledger.TransactionType, amount string) ledger.Transaction {
	return ledger.Transaction{MemberID: member, Currency: c, Type: typ, Amount: d(amount), CreatedAt: epoch}
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_SPAllocateReclaim_PreservesIdentity(t *testing.T) {
	// GIVEN: 5 SP earned
	// WHEN: 3 allocated then reclaimed
	// THEN: available + allocated == totalEarned at every step

	b := ledger.ZeroBalance("m1", ledger.CurrencySP)
	steps := []ledger.Transaction{
		entry("m1", ledger.CurrencySP, ledger.TxEarn, "5"),
		entry("m1", ledger.CurrencySP, ledger.TxAllocate, "3"),
		entry("m1", ledger.CurrencySP, ledger.TxReclaim, "3"),
	}
	for _, tx := range steps {
		var err error
		b, err = ledger.Apply(b, tx)
		require.NoError(t, err)
		require.NoError(t, b.CheckInvariant())
		assert.True(t, b.Available.Add(b.Allocated).Equal(b.TotalEarned))
	}
	assert.True(t, b.Available.Equal(d("5")))
	assert.True(t, b.Allocated.IsZero())
}

func TestApply_SpendBeyondAvailable_Insufficient(t *testing.T) {
	b, err := ledger.Apply(ledger.ZeroBalance("m1", ledger.CurrencyRP), entry("m1", ledger.CurrencyRP, ledger.TxEarn, "4"))
	require.NoError(t, err)

	_, err = ledger.Apply(b, entry("m1", ledger.CurrencyRP, ledger.TxSpend, "4.01"))

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall().Equal(d("0.01")))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestApply_CurrencyRestrictions(t *testing.T) {
	tests := []struct {
		name string
		tx   ledger.Transaction
	}{
		{"SH cannot be earned", entry("m1", ledger.CurrencySH, ledger.TxEarn, "1")},
		{"SH cannot be transferred", entry("m1", ledger.CurrencySH, ledger.TxTransfer, "1")},
		{"RP cannot be allocated", entry("m1", ledger.CurrencyRP, ledger.TxAllocate, "1")},
		{"TBC cannot be reclaimed", entry("m1", ledger.CurrencyTBC, ledger.TxReclaim, "1")},
		{"SP cannot be spent", entry("m1", ledger.CurrencySP, ledger.TxSpend, "1")},
		{"amount must be positive", entry("m1", ledger.CurrencyRP, ledger.TxEarn, "0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Apply(ledger.ZeroBalance("m1", tt.tx.Currency), tt.tx)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestApply_SHIssue_Credits(t *testing.T) {
	b, err := ledger.Apply(ledger.ZeroBalance("m1", ledger.CurrencySH), entry("m1", ledger.CurrencySH, ledger.TxIssue, "3"))
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("3")))
	assert.True(t, b.TotalEarned.Equal(d("3")))
	require.NoError(t, b.CheckInvariant())
}

// =============================================================================
// REPLAY & INVARIANT
// =============================================================================

func TestReplay_SkipsOtherMembersAndCurrencies(t *testing.T) {
	txs := []ledger.Transaction{
		entry("m1", ledger.CurrencyRP, ledger.TxEarn, "10"),
		entry("m2", ledger.CurrencyRP, ledger.TxEarn, "99"),
		entry("m1", ledger.CurrencySP, ledger.TxEarn, "7"),
		entry("m1", ledger.CurrencyRP, ledger.TxSpend, "4"),
	}

	b, err := ledger.Replay("m1", ledger.CurrencyRP, txs)

	require.NoError(t, err)
	assert.True(t, b.TotalEarned.Equal(d("10")))
	assert.True(t, b.Available.Equal(d("6")))
	assert.True(t, b.Spent.Equal(d("4")))
}

func TestReplay_InvalidHistory_Fails(t *testing.T) {
	txs := []ledger.Transaction{entry("m1", ledger.CurrencyTBC, ledger.TxSpend, "1")}
	_, err := ledger.Replay("m1", ledger.CurrencyTBC, txs)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestCheckInvariant_DetectsBrokenIdentity(t *testing.T) {
	b := ledger.ZeroBalance("m1", ledger.CurrencySP)
	b.TotalEarned = d("5")
	b.Available = d("3")
	b.Allocated = d("1")
	assert.Error(t, b.CheckInvariant())

	b.Allocated = d("2")
	assert.NoError(t, b.CheckInvariant())
}

func TestParseCurrency(t *testing.T) {
	c, err := ledger.ParseCurrency(" tbc ")
	require.NoError(t, err)
	assert.Equal(t, ledger.CurrencyTBC, c)

	_, err = ledger.ParseCurrency("EUR")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
