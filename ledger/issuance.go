/*
issuance.go - Issuance/Purchase Event Manager

PURPOSE:
  Social Horizon shares are only ever issued through time-boxed events that
  convert Reward Points (or external money) into SH under a per-person cap
  and a global cap.

EVENT LIFECYCLE:
  scheduled -> active -> closed
  scheduled -> closed
  closed is terminal.

PURCHASE CHECKS (all inside one unit with the writes):
  1. Event active and now within [StartsAt, EndsAt]
  2. |paymentAmount - shAmount x rate| <= tolerance
  3. member's purchases in event + shAmount <= PerPersonCap
  4. Distributed + shAmount <= GlobalCap
  5. Fiscal regularity, when the event requires it
  Then: debit RP (if RP-priced), issue SH, Distributed += shAmount.

WHY ATOMIC:
  Two purchases near the cap must not both pass the check. The event row is
  locked for the whole unit, so check and increment are indivisible. There is
  no partial fill: a request that does not fit is rejected entirely.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EventSpec is the input for CreateEvent.
type EventSpec struct {
	Name                     string
	StartsAt                 time.Time
	EndsAt                   time.Time
	PaymentCurrency          PaymentCurrency
	Rate                     decimal.Decimal
	PerPersonCap             decimal.Decimal
	GlobalCap                decimal.Decimal
	FiscalRegularityRequired bool
	Activate                 bool
}

type PurchaseRequest struct {
	MemberID      MemberID
	EventID       EventID
	PaymentAmount decimal.Decimal
	SHAmount      decimal.Decimal
}

type PurchaseResult struct {
	Event          IssuanceEvent
	MemberTotal    decimal.Decimal // member's cumulative SH in this event
	SHBalance      Balance
	PaymentBalance *Balance // nil for external payment
	Transactions   []Transaction
}

// =============================================================================
// EVENT ADMINISTRATION
// =============================================================================

func (s *Service) CreateEvent(ctx context.Context, spec EventSpec) (IssuanceEvent, error) {
	started := time.Now()
	ev, err := s.createEvent(ctx, spec)
	return ev, s.finish("create_event", started, err, logrus.Fields{"event_id": ev.ID, "name": spec.Name})
}

func (s *Service) createEvent(ctx context.Context, spec EventSpec) (IssuanceEvent, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return IssuanceEvent{}, invalid("name", "is required")
	}
	if spec.StartsAt.IsZero() || spec.EndsAt.IsZero() || !spec.EndsAt.After(spec.StartsAt) {
		return IssuanceEvent{}, invalid("window", "end must be after start")
	}
	switch spec.PaymentCurrency {
	case PayWithRP, PayWithExternal:
	case "":
		spec.PaymentCurrency = PayWithRP
	default:
		return IssuanceEvent{}, invalid("payment_currency", "must be RP or EXT, got %q", spec.PaymentCurrency)
	}
	if !spec.Rate.IsPositive() {
		return IssuanceEvent{}, invalid("rate", "must be positive")
	}
	if !spec.PerPersonCap.IsPositive() || !spec.GlobalCap.IsPositive() {
		return IssuanceEvent{}, invalid("caps", "must be positive")
	}
	if spec.PerPersonCap.GreaterThan(spec.GlobalCap) {
		return IssuanceEvent{}, invalid("per_person_cap", "must not exceed global cap")
	}

	status := EventScheduled
	if spec.Activate {
		status = EventActive
	}
	ev := IssuanceEvent{
		ID:                       EventID(s.newID()),
		Name:                     strings.TrimSpace(spec.Name),
		StartsAt:                 spec.StartsAt.UTC(),
		EndsAt:                   spec.EndsAt.UTC(),
		PaymentCurrency:          spec.PaymentCurrency,
		Rate:                     spec.Rate,
		PerPersonCap:             spec.PerPersonCap,
		GlobalCap:                spec.GlobalCap,
		Distributed:              decimal.Zero,
		FiscalRegularityRequired: spec.FiscalRegularityRequired,
		Status:                   status,
		CreatedAt:                s.now(),
	}
	if err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertEvent(ctx, ev)
	}); err != nil {
		return IssuanceEvent{}, err
	}
	return ev, nil
}

func (s *Service) GetEvent(ctx context.Context, id EventID) (IssuanceEvent, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return IssuanceEvent{}, err
	}
	if ev == nil {
		return IssuanceEvent{}, &NotFoundError{Kind: "event", ID: string(id)}
	}
	return *ev, nil
}

func (s *Service) ListEvents(ctx context.Context) ([]IssuanceEvent, error) {
	return s.store.ListEvents(ctx)
}

// SetEventStatus moves an event along its lifecycle.
func (s *Service) SetEventStatus(ctx context.Context, id EventID, status EventStatus) (IssuanceEvent, error) {
	started := time.Now()
	var updated IssuanceEvent
	err := s.store.WithTx(ctx, func(tx Tx) error {
		ev, err := tx.LockEvent(ctx, id)
		if err != nil {
			return err
		}
		if ev == nil {
			return &NotFoundError{Kind: "event", ID: string(id)}
		}
		if ev.Status == EventClosed {
			return fmt.Errorf("%w: event %s is closed", ErrAlreadyProcessed, id)
		}
		switch {
		case ev.Status == status:
		case ev.Status == EventScheduled && (status == EventActive || status == EventClosed):
		case ev.Status == EventActive && status == EventClosed:
		default:
			return invalid("status", "cannot move event from %s to %s", ev.Status, status)
		}
		if err := tx.SetEventStatus(ctx, id, status); err != nil {
			return err
		}
		updated = *ev
		updated.Status = status
		return nil
	})
	return updated, s.finish("set_event_status", started, err, logrus.Fields{"event_id": id, "status": status})
}

// MemberPurchased is the member's cumulative SH bought in an event.
func (s *Service) MemberPurchased(ctx context.Context, id EventID, member MemberID) (decimal.Decimal, error) {
	if err := requireMember("member_id", member); err != nil {
		return decimal.Zero, err
	}
	return s.store.MemberPurchased(ctx, id, member)
}

// =============================================================================
// PURCHASE
// =============================================================================

func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	started := time.Now()
	res, err := s.purchase(ctx, req)
	return res, s.finish("purchase", started, err, logrus.Fields{
		"member_id": req.MemberID,
		"currency":  CurrencySH,
		"event_id":  req.EventID,
		"sh_amount": req.SHAmount.String(),
	})
}

func (s *Service) purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	if err := requireMember("member_id", req.MemberID); err != nil {
		return PurchaseResult{}, err
	}
	if req.EventID == "" {
		return PurchaseResult{}, invalid("event_id", "is required")
	}
	if !req.SHAmount.IsPositive() {
		return PurchaseResult{}, invalid("sh_amount", "must be positive")
	}
	if !req.PaymentAmount.IsPositive() {
		return PurchaseResult{}, invalid("payment_amount", "must be positive")
	}
	tolerance, err := s.settings.PurchaseTolerance(ctx)
	if err != nil {
		return PurchaseResult{}, err
	}

	// Eligibility is an external call; resolve it before the unit opens so no
	// lock is held across it. FiscalRegularityRequired is immutable, but the
	// member's standing may change between this check and the commit.
	preview, err := s.GetEvent(ctx, req.EventID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if preview.FiscalRegularityRequired {
		if s.eligibility == nil {
			return PurchaseResult{}, fmt.Errorf("%w: event %s requires fiscal regularity and no checker is configured", ErrUnauthorized, req.EventID)
		}
		ok, err := s.eligibility.FiscallyRegular(ctx, req.MemberID)
		if err != nil {
			return PurchaseResult{}, fmt.Errorf("fiscal eligibility check: %w", err)
		}
		if !ok {
			return PurchaseResult{}, fmt.Errorf("%w: member %s is not fiscally regular", ErrUnauthorized, req.MemberID)
		}
	}

	var res PurchaseResult
	err = s.store.WithTx(ctx, func(tx Tx) error {
		ev, err := tx.LockEvent(ctx, req.EventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return &NotFoundError{Kind: "event", ID: string(req.EventID)}
		}
		now := s.now()
		if !ev.Open(now) {
			return invalid("event", "event %s is %s and open %s to %s",
				ev.ID, ev.Status, ev.StartsAt.Format(time.RFC3339), ev.EndsAt.Format(time.RFC3339))
		}

		expected := req.SHAmount.Mul(ev.Rate)
		if req.PaymentAmount.Sub(expected).Abs().GreaterThan(tolerance) {
			return invalid("payment_amount", "expected %s for %s SH at rate %s, got %s",
				expected, req.SHAmount, ev.Rate, req.PaymentAmount)
		}

		purchased, err := tx.MemberPurchased(ctx, ev.ID, req.MemberID)
		if err != nil {
			return err
		}
		if purchased.Add(req.SHAmount).GreaterThan(ev.PerPersonCap) {
			return &CapExceededError{EventID: ev.ID, Kind: CapPerPerson, Cap: ev.PerPersonCap, Current: purchased, Requested: req.SHAmount}
		}
		if ev.Distributed.Add(req.SHAmount).GreaterThan(ev.GlobalCap) {
			return &CapExceededError{EventID: ev.ID, Kind: CapGlobal, Cap: ev.GlobalCap, Current: ev.Distributed, Requested: req.SHAmount}
		}

		refMeta := map[string]string{
			"event_id":         string(ev.ID),
			"sh_amount":        req.SHAmount.String(),
			"payment_amount":   req.PaymentAmount.String(),
			"payment_currency": string(ev.PaymentCurrency),
		}

		var txs []Transaction
		var paymentBal *Balance
		if ev.PaymentCurrency == PayWithRP {
			entry, bal, err := s.record(ctx, tx, Transaction{
				MemberID:   req.MemberID,
				Currency:   CurrencyRP,
				Type:       TxSpend,
				Amount:     req.PaymentAmount,
				Source:     "issuance_payment",
				TargetType: "issuance_event",
				TargetID:   string(ev.ID),
				Metadata:   refMeta,
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
			txs = append(txs, entry)
			paymentBal = &bal
		}

		entry, shBal, err := s.record(ctx, tx, Transaction{
			MemberID:   req.MemberID,
			Currency:   CurrencySH,
			Type:       TxIssue,
			Amount:     req.SHAmount,
			Source:     "issuance_purchase",
			TargetType: "issuance_event",
			TargetID:   string(ev.ID),
			Metadata:   refMeta,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		txs = append(txs, entry)

		if err := tx.AddDistributed(ctx, ev.ID, req.MemberID, req.SHAmount); err != nil {
			return err
		}

		updated := *ev
		updated.Distributed = ev.Distributed.Add(req.SHAmount)
		res = PurchaseResult{
			Event:          updated,
			MemberTotal:    purchased.Add(req.SHAmount),
			SHBalance:      shBal,
			PaymentBalance: paymentBal,
			Transactions:   txs,
		}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	return res, nil
}
