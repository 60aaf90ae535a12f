/*
earning.go - Earning Rule Engine

PURPOSE:
  Maps contribution events to point awards. Callers (merge hooks, lesson
  completion, forum) may retry or double-deliver; the dedup key makes the
  award happen at most once.

FLOW:
  1. Validate the typed event
  2. Resolve the active rule for its type (UnknownEventType otherwise)
  3. Apply the minimum-threshold guard to the event's measure
  4. Derive the dedup key from (member, type, source) or the caller's token
  5. If the key exists: return the ORIGINAL award and the CURRENT balance
  6. Otherwise record one earn transaction

DEDUP KEY:
  sha256(member \x00 eventType \x00 identity), hex encoded, prefixed "earn:".
  identity is the event's SourceID, or "token:" + IdempotencyToken when the
  caller supplies one.
*/
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type EarnRequest struct {
	MemberID MemberID
	Event    Event
	// IdempotencyToken replaces the event's source identity in the dedup key.
	IdempotencyToken string
}

type EarnResult struct {
	AmountAwarded decimal.Decimal
	Currency      Currency
	Balance       Balance
	Transaction   Transaction
	// Duplicate is true when the key was already credited and nothing changed.
	Duplicate bool
}

// DedupKey derives the deduplication key for an earn.
func DedupKey(member MemberID, eventType EventType, identity string) string {
	h := sha256.New()
	h.Write([]byte(member))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(identity))
	return "earn:" + hex.EncodeToString(h.Sum(nil))
}

// Earn credits the award for one contribution event.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (EarnResult, error) {
	started := time.Now()
	fields := logrus.Fields{"member_id": req.MemberID}
	if req.Event != nil {
		fields["event_type"] = req.Event.Type()
	}
	res, err := s.earn(ctx, req)
	if err == nil && res.Duplicate {
		s.log.WithFields(fields).WithField("op", "earn").Debug("earn already credited; returning original award")
		s.observe("earn", "duplicate", started)
		return res, nil
	}
	return res, s.finish("earn", started, err, fields)
}

func (s *Service) earn(ctx context.Context, req EarnRequest) (EarnResult, error) {
	if err := requireMember("member_id", req.MemberID); err != nil {
		return EarnResult{}, err
	}
	if req.Event == nil {
		return EarnResult{}, invalid("event", "is required")
	}
	if err := req.Event.Validate(); err != nil {
		return EarnResult{}, err
	}

	eventType := req.Event.Type()
	rule, ok, err := s.settings.EarningRule(ctx, eventType)
	if err != nil {
		return EarnResult{}, err
	}
	if !ok || !rule.Active {
		return EarnResult{}, fmt.Errorf("%w: no active earning rule for %q", ErrUnknownEventType, eventType)
	}
	currency := rule.Currency
	if currency == "" {
		currency = CurrencyRP
	}
	if currency == CurrencySH || !currency.Valid() {
		return EarnResult{}, invalid("rule", "event type %q awards unsupported currency %q", eventType, currency)
	}
	if !rule.Amount.IsPositive() {
		return EarnResult{}, invalid("rule", "event type %q has non-positive amount %s", eventType, rule.Amount)
	}
	if rule.MinThreshold.IsPositive() && req.Event.Measure().LessThan(rule.MinThreshold) {
		return EarnResult{}, invalid("event", "measure %s below threshold %s for %q",
			req.Event.Measure(), rule.MinThreshold, eventType)
	}

	identity := req.Event.SourceID()
	if req.IdempotencyToken != "" {
		identity = "token:" + req.IdempotencyToken
	}
	key := DedupKey(req.MemberID, eventType, identity)

	if res, found, err := s.existingAward(ctx, key); err != nil || found {
		return res, err
	}

	metadata := req.Event.Labels()
	metadata["event_type"] = string(eventType)

	var res EarnResult
	err = s.store.WithTx(ctx, func(tx Tx) error {
		// Re-check under the unit: a concurrent delivery may have committed
		// between the fast-path read and here.
		if prior, err := tx.FindByDedupKey(ctx, key); err != nil {
			return err
		} else if prior != nil {
			return ErrDuplicateEvent
		}

		entry, bal, err := s.record(ctx, tx, Transaction{
			MemberID: req.MemberID,
			Currency: currency,
			Type:     TxEarn,
			Amount:   rule.Amount,
			Source:   string(eventType) + ":" + req.Event.SourceID(),
			DedupKey: key,
			Metadata: metadata,
		})
		if err != nil {
			return err
		}
		res = EarnResult{AmountAwarded: entry.Amount, Currency: currency, Balance: bal, Transaction: entry}
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		res, found, lookupErr := s.existingAward(ctx, key)
		if lookupErr != nil {
			return EarnResult{}, lookupErr
		}
		if found {
			return res, nil
		}
	}
	if err != nil {
		return EarnResult{}, err
	}
	return res, nil
}

// existingAward resolves a dedup key that was already credited.
func (s *Service) existingAward(ctx context.Context, key string) (EarnResult, bool, error) {
	prior, err := s.store.FindByDedupKey(ctx, key)
	if err != nil || prior == nil {
		return EarnResult{}, false, err
	}
	bal, err := s.GetBalance(ctx, prior.MemberID, prior.Currency)
	if err != nil {
		return EarnResult{}, false, err
	}
	return EarnResult{
		AmountAwarded: prior.Amount,
		Currency:      prior.Currency,
		Balance:       bal,
		Transaction:   *prior,
		Duplicate:     true,
	}, true, nil
}
