/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's Go types from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount is a decimal. Responses encode it as a JSON string ("12.5");
  requests accept either a string or a number.

TIMESTAMPS:
  RFC 3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// EarnRequest carries a contribution event. Payload is the kind-specific
// object, e.g. {"repository":"core","change_id":"42","lines_changed":120}.
type EarnRequest struct {
	EventType        string          `json:"event_type"`
	Payload          json.RawMessage `json:"payload"`
	IdempotencyToken string          `json:"idempotency_token,omitempty"`
}

type AllocateRequest struct {
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type ReclaimRequest struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

type ConvertRequest struct {
	RPAmount decimal.Decimal `json:"rp_amount"`
}

type ServiceRequestDTO struct {
	ReceiverID  string          `json:"receiver_id"`
	ProviderID  string          `json:"provider_id"`
	Description string          `json:"description"`
	Cost        decimal.Decimal `json:"cost"`
}

type ConfirmRequest struct {
	ActingMemberID string `json:"acting_member_id"`
}

type CreateEventRequest struct {
	Name                     string          `json:"name"`
	StartsAt                 time.Time       `json:"starts_at"`
	EndsAt                   time.Time       `json:"ends_at"`
	PaymentCurrency          string          `json:"payment_currency"`
	Rate                     decimal.Decimal `json:"rate"`
	PerPersonCap             decimal.Decimal `json:"per_person_cap"`
	GlobalCap                decimal.Decimal `json:"global_cap"`
	FiscalRegularityRequired bool            `json:"fiscal_regularity_required"`
	Activate                 bool            `json:"activate"`
}

type EventStatusRequest struct {
	Status string `json:"status"`
}

type PurchaseRequest struct {
	MemberID      string          `json:"member_id"`
	PaymentAmount decimal.Decimal `json:"payment_amount"`
	SHAmount      decimal.Decimal `json:"sh_amount"`
}

type ExpireRequest struct {
	OlderThan time.Time `json:"older_than"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type BalanceDTO struct {
	MemberID    string           `json:"member_id"`
	Currency    string           `json:"currency"`
	TotalEarned decimal.Decimal  `json:"total_earned"`
	Available   decimal.Decimal  `json:"available"`
	Allocated   *decimal.Decimal `json:"allocated,omitempty"`
	Spent       *decimal.Decimal `json:"spent,omitempty"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
}

type TransactionDTO struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	MemberID   string            `json:"member_id"`
	Currency   string            `json:"currency"`
	Type       string            `json:"type"`
	Amount     decimal.Decimal   `json:"amount"`
	Source     string            `json:"source"`
	TargetType string            `json:"target_type,omitempty"`
	TargetID   string            `json:"target_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	CreatedAt  string            `json:"created_at"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	// NextAfter is the cursor for the next page; absent on the last page.
	NextAfter *int64 `json:"next_after,omitempty"`
}

type EarnResponse struct {
	AmountAwarded decimal.Decimal `json:"amount_awarded"`
	Currency      string          `json:"currency"`
	Duplicate     bool            `json:"duplicate"`
	Balance       BalanceDTO      `json:"balance"`
	Transaction   TransactionDTO  `json:"transaction"`
}

type AllocationDTO struct {
	ID          string          `json:"id"`
	MemberID    string          `json:"member_id"`
	TargetType  string          `json:"target_type"`
	TargetID    string          `json:"target_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	AllocatedAt string          `json:"allocated_at"`
	ClosedAt    string          `json:"closed_at,omitempty"`
}

type AllocateResponse struct {
	Allocation  AllocationDTO  `json:"allocation"`
	Balance     BalanceDTO     `json:"balance"`
	Transaction TransactionDTO `json:"transaction"`
}

type ReclaimResponse struct {
	Reclaimed   decimal.Decimal `json:"reclaimed"`
	Allocations []AllocationDTO `json:"allocations"`
	Balance     BalanceDTO      `json:"balance"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

type ConversionResponse struct {
	RPSpent    decimal.Decimal `json:"rp_spent"`
	TBCIssued  decimal.Decimal `json:"tbc_issued"`
	Rate       decimal.Decimal `json:"rate"`
	RPBalance  BalanceDTO      `json:"rp_balance"`
	TBCBalance BalanceDTO      `json:"tbc_balance"`
}

type TimebankDTO struct {
	ID                 string          `json:"id"`
	ProviderID         string          `json:"provider_id"`
	ReceiverID         string          `json:"receiver_id"`
	ServiceDescription string          `json:"service_description"`
	Cost               decimal.Decimal `json:"cost"`
	Status             string          `json:"status"`
	CreatedAt          string          `json:"created_at"`
	ConfirmedAt        string          `json:"confirmed_at,omitempty"`
}

type ConfirmResponse struct {
	Exchange          TimebankDTO     `json:"exchange"`
	Status            string          `json:"status"`
	AmountTransferred decimal.Decimal `json:"amount_transferred"`
	ProviderBalance   BalanceDTO      `json:"provider_balance"`
	Transaction       TransactionDTO  `json:"transaction"`
}

type EventDTO struct {
	ID                       string          `json:"id"`
	Name                     string          `json:"name"`
	StartsAt                 string          `json:"starts_at"`
	EndsAt                   string          `json:"ends_at"`
	PaymentCurrency          string          `json:"payment_currency"`
	Rate                     decimal.Decimal `json:"rate"`
	PerPersonCap             decimal.Decimal `json:"per_person_cap"`
	GlobalCap                decimal.Decimal `json:"global_cap"`
	Distributed              decimal.Decimal `json:"distributed"`
	Remaining                decimal.Decimal `json:"remaining"`
	FiscalRegularityRequired bool            `json:"fiscal_regularity_required"`
	Status                   string          `json:"status"`
	CreatedAt                string          `json:"created_at"`
}

type PurchaseResponse struct {
	Event          EventDTO         `json:"event"`
	MemberTotal    decimal.Decimal  `json:"member_total"`
	SHBalance      BalanceDTO       `json:"sh_balance"`
	PaymentBalance *BalanceDTO      `json:"payment_balance,omitempty"`
	Transactions   []TransactionDTO `json:"transactions"`
}

type AuditDTO struct {
	MemberID  string     `json:"member_id"`
	Currency  string     `json:"currency"`
	Cached    BalanceDTO `json:"cached"`
	Replayed  BalanceDTO `json:"replayed"`
	Drift     bool       `json:"drift"`
	Repaired  bool       `json:"repaired"`
	CheckedAt string     `json:"checked_at"`
}

// ErrorDTO is the body of every non-2xx response.
type ErrorDTO struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// toBalanceDTO only emits the fields the currency's shape carries.
func toBalanceDTO(b ledger.Balance) BalanceDTO {
	dto := BalanceDTO{
		MemberID:    string(b.MemberID),
		Currency:    string(b.Currency),
		TotalEarned: b.TotalEarned,
		Available:   b.Available,
		UpdatedAt:   formatTime(b.UpdatedAt),
	}
	switch b.Currency {
	case ledger.CurrencySP:
		allocated := b.Allocated
		dto.Allocated = &allocated
	case ledger.CurrencyRP, ledger.CurrencyTBC:
		spent := b.Spent
		dto.Spent = &spent
	}
	return dto
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:         string(t.ID),
		Seq:        t.Seq,
		MemberID:   string(t.MemberID),
		Currency:   string(t.Currency),
		Type:       string(t.Type),
		Amount:     t.Amount,
		Source:     t.Source,
		TargetType: t.TargetType,
		TargetID:   t.TargetID,
		Metadata:   t.Metadata,
		Status:     string(t.Status),
		CreatedAt:  formatTime(t.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		out[i] = toTransactionDTO(t)
	}
	return out
}

func toAllocationDTO(a ledger.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:          string(a.ID),
		MemberID:    string(a.MemberID),
		TargetType:  a.TargetType,
		TargetID:    a.TargetID,
		Amount:      a.Amount,
		Status:      string(a.Status),
		AllocatedAt: formatTime(a.AllocatedAt),
		ClosedAt:    formatTimePtr(a.ClosedAt),
	}
}

func toAllocationDTOs(allocs []ledger.Allocation) []AllocationDTO {
	out := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		out[i] = toAllocationDTO(a)
	}
	return out
}

func toReclaimResponse(r ledger.ReclaimResult) ReclaimResponse {
	resp := ReclaimResponse{
		Reclaimed:   r.Reclaimed,
		Allocations: toAllocationDTOs(r.Allocations),
		Balance:     toBalanceDTO(r.Balance),
	}
	if r.Transaction != nil {
		tx := toTransactionDTO(*r.Transaction)
		resp.Transaction = &tx
	}
	return resp
}

func toTimebankDTO(t ledger.TimebankTransaction) TimebankDTO {
	return TimebankDTO{
		ID:                 string(t.ID),
		ProviderID:         string(t.ProviderID),
		ReceiverID:         string(t.ReceiverID),
		ServiceDescription: t.ServiceDescription,
		Cost:               t.Cost,
		Status:             string(t.Status),
		CreatedAt:          formatTime(t.CreatedAt),
		ConfirmedAt:        formatTimePtr(t.ConfirmedAt),
	}
}

func toTimebankDTOs(list []ledger.TimebankTransaction) []TimebankDTO {
	out := make([]TimebankDTO, len(list))
	for i, t := range list {
		out[i] = toTimebankDTO(t)
	}
	return out
}

func toEventDTO(e ledger.IssuanceEvent) EventDTO {
	return EventDTO{
		ID:                       string(e.ID),
		Name:                     e.Name,
		StartsAt:                 formatTime(e.StartsAt),
		EndsAt:                   formatTime(e.EndsAt),
		PaymentCurrency:          string(e.PaymentCurrency),
		Rate:                     e.Rate,
		PerPersonCap:             e.PerPersonCap,
		GlobalCap:                e.GlobalCap,
		Distributed:              e.Distributed,
		Remaining:                e.Remaining(),
		FiscalRegularityRequired: e.FiscalRegularityRequired,
		Status:                   string(e.Status),
		CreatedAt:                formatTime(e.CreatedAt),
	}
}

func toAuditDTO(r ledger.AuditReport) AuditDTO {
	return AuditDTO{
		MemberID:  string(r.MemberID),
		Currency:  string(r.Currency),
		Cached:    toBalanceDTO(r.Cached),
		Replayed:  toBalanceDTO(r.Replayed),
		Drift:     r.Drift,
		Repaired:  r.Repaired,
		CheckedAt: formatTime(r.CheckedAt),
	}
}
