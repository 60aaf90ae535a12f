package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// CONVERSION - RP into TBC at the configured rate
// =============================================================================

// TimebankPrecision is the number of decimal places TBC is issued with.
const TimebankPrecision = 2

type ConversionResult struct {
	RPSpent    decimal.Decimal
	TBCIssued  decimal.Decimal
	Rate       decimal.Decimal
	RPBalance  Balance
	TBCBalance Balance
}

// ConvertRewardToTimebank spends RP on TBC, a derived instrument. The TBC
// amount is rounded down, and a conversion that would issue nothing is
// rejected rather than silently consuming RP.
func (s *Service) ConvertRewardToTimebank(ctx context.Context, member MemberID, rpAmount decimal.Decimal) (ConversionResult, error) {
	started := time.Now()
	res, err := s.convert(ctx, member, rpAmount)
	return res, s.finish("convert_rp_tbc", started, err, logrus.Fields{
		"member_id": member,
		"amount":    rpAmount.String(),
	})
}

func (s *Service) convert(ctx context.Context, member MemberID, rpAmount decimal.Decimal) (ConversionResult, error) {
	if err := requireMember("member_id", member); err != nil {
		return ConversionResult{}, err
	}
	if !rpAmount.IsPositive() {
		return ConversionResult{}, invalid("amount", "must be positive")
	}
	rate, err := s.settings.RewardToTimebankRate(ctx)
	if err != nil {
		return ConversionResult{}, err
	}
	if !rate.IsPositive() {
		return ConversionResult{}, invalid("rate", "conversion is disabled")
	}
	tbc := rpAmount.Mul(rate).RoundFloor(TimebankPrecision)
	if !tbc.IsPositive() {
		return ConversionResult{}, invalid("amount", "%s RP converts to less than the smallest TBC unit at rate %s", rpAmount, rate)
	}

	var res ConversionResult
	err = s.store.WithTx(ctx, func(tx Tx) error {
		at := s.now()
		meta := map[string]string{"rate": rate.String(), "rp_amount": rpAmount.String(), "tbc_amount": tbc.String()}
		_, rpBal, err := s.record(ctx, tx, Transaction{
			MemberID:  member,
			Currency:  CurrencyRP,
			Type:      TxSpend,
			Amount:    rpAmount,
			Source:    "conversion",
			Metadata:  meta,
			CreatedAt: at,
		})
		if err != nil {
			return err
		}
		_, tbcBal, err := s.record(ctx, tx, Transaction{
			MemberID:  member,
			Currency:  CurrencyTBC,
			Type:      TxIssue,
			Amount:    tbc,
			Source:    "conversion",
			Metadata:  meta,
			CreatedAt: at,
		})
		if err != nil {
			return err
		}
		res = ConversionResult{RPSpent: rpAmount, TBCIssued: tbc, Rate: rate, RPBalance: rpBal, TBCBalance: tbcBal}
		return nil
	})
	if err != nil {
		return ConversionResult{}, err
	}
	return res, nil
}
