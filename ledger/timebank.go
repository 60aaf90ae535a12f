/*
timebank.go - Timebank Exchange Workflow

PURPOSE:
  Moves Timebank Credits between two members through an escrow-then-confirm
  protocol. The receiver pays into escrow when requesting; the provider is
  credited only when the provider confirms delivery.

STATE MACHINE:
  pending -> confirmed (terminal)

  There is deliberately no cancel, dispute or timeout edge. An abandoned
  pending request keeps the receiver's credits held until a product decision
  defines a resolution. StalePendingTimebank reports such requests without
  acting on them.

REQUEST:
  One unit: receiver TBC available -= cost (spend), pending row written.

CONFIRM:
  Only the provider of the transaction may confirm, and only once. One unit:
  provider TBC total/available += cost (transfer, lazily creating the row),
  status -> confirmed.
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

// MaxServiceDescription bounds the free-text description.
const MaxServiceDescription = 500

type ServiceRequest struct {
	ReceiverID  MemberID
	ProviderID  MemberID
	Description string
	Cost        decimal.Decimal
}

type ConfirmResult struct {
	Exchange          TimebankTransaction
	Status            TimebankStatus
	AmountTransferred decimal.Decimal
	ProviderBalance   Balance
	Transaction       Transaction
}

// =============================================================================
// REQUEST - Escrow the receiver's credits
// =============================================================================

func (s *Service) RequestService(ctx context.Context, req ServiceRequest) (TimebankTransaction, error) {
	started := time.Now()
	res, err := s.requestService(ctx, req)
	return res, s.finish("request_service", started, err, logrus.Fields{
		"member_id":   req.ReceiverID,
		"provider_id": req.ProviderID,
		"currency":    CurrencyTBC,
		"cost":        req.Cost.String(),
		"timebank_id": res.ID,
	})
}

func (s *Service) requestService(ctx context.Context, req ServiceRequest) (TimebankTransaction, error) {
	if err := requireMember("receiver_id", req.ReceiverID); err != nil {
		return TimebankTransaction{}, err
	}
	if err := requireMember("provider_id", req.ProviderID); err != nil {
		return TimebankTransaction{}, err
	}
	if req.ReceiverID == req.ProviderID {
		return TimebankTransaction{}, invalid("provider_id", "receiver and provider must differ")
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return TimebankTransaction{}, invalid("description", "is required")
	}
	if len(desc) > MaxServiceDescription {
		return TimebankTransaction{}, invalid("description", "must be at most %d bytes", MaxServiceDescription)
	}
	if !req.Cost.IsPositive() {
		return TimebankTransaction{}, invalid("cost", "must be positive, got %s", req.Cost)
	}

	exchange := TimebankTransaction{
		ID:                 TimebankID(s.newID()),
		ProviderID:         req.ProviderID,
		ReceiverID:         req.ReceiverID,
		ServiceDescription: desc,
		Cost:               req.Cost,
		Status:             TimebankPending,
		CreatedAt:          s.now(),
	}

	err := s.store.WithTx(ctx, func(tx Tx) error {
		if _, _, err := s.record(ctx, tx, Transaction{
			MemberID:   req.ReceiverID,
			Currency:   CurrencyTBC,
			Type:       TxSpend,
			Amount:     req.Cost,
			Source:     "timebank_request",
			TargetType: "timebank",
			TargetID:   string(exchange.ID),
			Metadata:   map[string]string{"provider_id": string(req.ProviderID)},
			CreatedAt:  exchange.CreatedAt,
		}); err != nil {
			return err
		}
		return tx.InsertTimebank(ctx, exchange)
	})
	if err != nil {
		return TimebankTransaction{}, err
	}
	return exchange, nil
}

// =============================================================================
// CONFIRM - Release escrow to the provider
// =============================================================================

func (s *Service) ConfirmService(ctx context.Context, id TimebankID, acting MemberID) (ConfirmResult, error) {
	started := time.Now()
	res, err := s.confirmService(ctx, id, acting)
	return res, s.finish("confirm_service", started, err, logrus.Fields{
		"member_id":   acting,
		"currency":    CurrencyTBC,
		"timebank_id": id,
	})
}

func (s *Service) confirmService(ctx context.Context, id TimebankID, acting MemberID) (ConfirmResult, error) {
	if id == "" {
		return ConfirmResult{}, invalid("transaction_id", "is required")
	}
	if err := requireMember("acting_member_id", acting); err != nil {
		return ConfirmResult{}, err
	}

	var res ConfirmResult
	err := s.store.WithTx(ctx, func(tx Tx) error {
		exchange, err := tx.GetTimebank(ctx, id)
		if err != nil {
			return err
		}
		if exchange == nil {
			return &NotFoundError{Kind: "timebank_transaction", ID: string(id)}
		}
		if exchange.ProviderID != acting {
			return fmt.Errorf("%w: only provider %s may confirm timebank transaction %s", ErrUnauthorized, exchange.ProviderID, id)
		}
		if exchange.Status != TimebankPending {
			return fmt.Errorf("%w: timebank transaction %s is %s", ErrAlreadyProcessed, id, exchange.Status)
		}

		at := s.now()
		entry, bal, err := s.record(ctx, tx, Transaction{
			MemberID:   exchange.ProviderID,
			Currency:   CurrencyTBC,
			Type:       TxTransfer,
			Amount:     exchange.Cost,
			Source:     "timebank_confirm",
			TargetType: "timebank",
			TargetID:   string(exchange.ID),
			Metadata:   map[string]string{"receiver_id": string(exchange.ReceiverID)},
			CreatedAt:  at,
		})
		if err != nil {
			return err
		}
		if err := tx.ConfirmTimebank(ctx, exchange.ID, at); err != nil {
			return err
		}

		confirmed := *exchange
		confirmed.Status = TimebankConfirmed
		confirmed.ConfirmedAt = &at
		res = ConfirmResult{
			Exchange:          confirmed,
			Status:            TimebankConfirmed,
			AmountTransferred: exchange.Cost,
			ProviderBalance:   bal,
			Transaction:       entry,
		}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	return res, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) GetTimebankTransaction(ctx context.Context, id TimebankID) (TimebankTransaction, error) {
	t, err := s.store.GetTimebank(ctx, id)
	if err != nil {
		return TimebankTransaction{}, err
	}
	if t == nil {
		return TimebankTransaction{}, &NotFoundError{Kind: "timebank_transaction", ID: string(id)}
	}
	return *t, nil
}

// ListTimebankTransactions returns exchanges where member is provider or receiver.
func (s *Service) ListTimebankTransactions(ctx context.Context, member MemberID) ([]TimebankTransaction, error) {
	if err := requireMember("member_id", member); err != nil {
		return nil, err
	}
	return s.store.ListTimebank(ctx, member)
}

// StalePendingTimebank lists pending exchanges created before cutoff. It is a
// report only: no refund or cancellation path exists.
func (s *Service) StalePendingTimebank(ctx context.Context, cutoff time.Time) ([]TimebankTransaction, error) {
	return s.store.ListPendingTimebankBefore(ctx, cutoff)
}
