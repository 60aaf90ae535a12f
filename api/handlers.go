/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger service over REST. Handlers parse the request, call
  exactly one ledger operation and serialize its result. No ledger rule
  lives here.

ENDPOINTS:
  Members:
    POST   /api/members/{id}/earn                 Award a contribution event
    GET    /api/members/{id}/balances             All four balances
    GET    /api/members/{id}/balances/{currency}  One balance
    GET    /api/members/{id}/transactions         Paged log (?currency=&after=&limit=)
    POST   /api/members/{id}/allocations          Allocate SP to a target
    GET    /api/members/{id}/allocations          Allocations (?active=true)
    POST   /api/members/{id}/reclaim              Reclaim SP from a target
    POST   /api/members/{id}/conversions          Convert RP into TBC
    GET    /api/members/{id}/timebank             Exchanges the member is party to

  Timebank:
    POST   /api/timebank                          Request a service (escrow)
    GET    /api/timebank/{id}                     Exchange details
    POST   /api/timebank/{id}/confirm             Provider confirms delivery

  Issuance events:
    GET    /api/events                            List events
    POST   /api/events                            Create event
    GET    /api/events/{id}                       Event details
    POST   /api/events/{id}/status                Activate or close
    POST   /api/events/{id}/purchases             Buy SH

  Admin:
    GET    /api/admin/audit/{id}/{currency}       Cached vs replayed balance
    POST   /api/admin/repair/{id}/{currency}      Overwrite cache with replay
    POST   /api/admin/allocations/expire          Expire allocations before a cutoff
    POST   /api/admin/targets/{type}/{id}/reclaim Reclaim every allocation on a target
    GET    /api/admin/timebank/stale              Pending exchanges (?older_than=168h)

ERROR HANDLING:
  Errors are returned as ErrorDTO with a status derived from the ledger's
  error taxonomy:
  - 400: Validation errors, unknown event type
  - 402: Insufficient balance
  - 403: Unauthorized party
  - 404: Resource not found
  - 409: Already processed, cap exceeded, concurrency conflict
  - 429: Rate limited (middleware)
  - 500: Internal errors

IDENTITY:
  The member is always explicit in the path or body. There is no default
  or fallback identity.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/ledger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Log     logrus.FieldLogger
}

func NewHandler(svc *ledger.Service, log logrus.FieldLogger) *Handler {
	return &Handler{Service: svc, Log: log}
}

func memberParam(r *http.Request) ledger.MemberID {
	return ledger.MemberID(chi.URLParam(r, "id"))
}

func currencyParam(r *http.Request) (ledger.Currency, error) {
	return ledger.ParseCurrency(chi.URLParam(r, "currency"))
}

// =============================================================================
// EARNING
// =============================================================================

func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !h.decode(w, r, &req) {
		return
	}

	event, err := ledger.DecodeEvent(req.EventType, req.Payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Service.Earn(r.Context(), ledger.EarnRequest{
		MemberID:         memberParam(r),
		Event:            event,
		IdempotencyToken: req.IdempotencyToken,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, EarnResponse{
		AmountAwarded: res.AmountAwarded,
		Currency:      string(res.Currency),
		Duplicate:     res.Duplicate,
		Balance:       toBalanceDTO(res.Balance),
		Transaction:   toTransactionDTO(res.Transaction),
	})
}

// =============================================================================
// BALANCES & LOG
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	currency, err := currencyParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.Service.GetBalance(r.Context(), memberParam(r), currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	out := make([]BalanceDTO, 0, len(ledger.Currencies))
	for _, c := range ledger.Currencies {
		b, err := h.Service.GetBalance(r.Context(), memberParam(r), c)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, toBalanceDTO(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.TransactionFilter{MemberID: memberParam(r)}

	if c := q.Get("currency"); c != "" {
		currency, err := ledger.ParseCurrency(c)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.Currency = currency
	}
	var err error
	if filter.AfterSeq, err = intQuery(q.Get("after")); err != nil {
		h.fail(w, r, &ledger.ValidationError{Field: "after", Reason: "must be an integer"})
		return
	}
	limit, err := intQuery(q.Get("limit"))
	if err != nil {
		h.fail(w, r, &ledger.ValidationError{Field: "limit", Reason: "must be an integer"})
		return
	}
	filter.Limit = int(limit)

	txs, err := h.Service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	page := TransactionPageDTO{Transactions: toTransactionDTOs(txs)}
	if len(txs) > 0 && len(txs) >= filter.PageSize() {
		next := txs[len(txs)-1].Seq
		page.NextAfter = &next
	}
	writeJSON(w, http.StatusOK, page)
}

func intQuery(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// =============================================================================
// ALLOCATION
// =============================================================================

func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.Allocate(r.Context(), ledger.AllocateRequest{
		MemberID:   memberParam(r),
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Amount:     req.Amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AllocateResponse{
		Allocation:  toAllocationDTO(res.Allocation),
		Balance:     toBalanceDTO(res.Balance),
		Transaction: toTransactionDTO(res.Transaction),
	})
}

func (h *Handler) Reclaim(w http.ResponseWriter, r *http.Request) {
	var req ReclaimRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.Reclaim(r.Context(), ledger.ReclaimRequest{
		MemberID:   memberParam(r),
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReclaimResponse(res))
}

func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	allocs, err := h.Service.ListAllocations(r.Context(), memberParam(r), activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(allocs))
}

// =============================================================================
// CONVERSION
// =============================================================================

func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.ConvertRewardToTimebank(r.Context(), memberParam(r), req.RPAmount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ConversionResponse{
		RPSpent:    res.RPSpent,
		TBCIssued:  res.TBCIssued,
		Rate:       res.Rate,
		RPBalance:  toBalanceDTO(res.RPBalance),
		TBCBalance: toBalanceDTO(res.TBCBalance),
	})
}

// =============================================================================
// TIMEBANK
// =============================================================================

func (h *Handler) RequestService(w http.ResponseWriter, r *http.Request) {
	var req ServiceRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	tb, err := h.Service.RequestService(r.Context(), ledger.ServiceRequest{
		ReceiverID:  ledger.MemberID(req.ReceiverID),
		ProviderID:  ledger.MemberID(req.ProviderID),
		Description: req.Description,
		Cost:        req.Cost,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTimebankDTO(tb))
}

func (h *Handler) GetTimebank(w http.ResponseWriter, r *http.Request) {
	tb, err := h.Service.GetTimebankTransaction(r.Context(), ledger.TimebankID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimebankDTO(tb))
}

func (h *Handler) ConfirmService(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.ConfirmService(r.Context(),
		ledger.TimebankID(chi.URLParam(r, "id")), ledger.MemberID(req.ActingMemberID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmResponse{
		Exchange:          toTimebankDTO(res.Exchange),
		Status:            string(res.Status),
		AmountTransferred: res.AmountTransferred,
		ProviderBalance:   toBalanceDTO(res.ProviderBalance),
		Transaction:       toTransactionDTO(res.Transaction),
	})
}

func (h *Handler) ListMemberTimebank(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListTimebankTransactions(r.Context(), memberParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimebankDTOs(list))
}

// =============================================================================
// ISSUANCE EVENTS
// =============================================================================

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev, err := h.Service.CreateEvent(r.Context(), ledger.EventSpec{
		Name:                     req.Name,
		StartsAt:                 req.StartsAt,
		EndsAt:                   req.EndsAt,
		PaymentCurrency:          ledger.PaymentCurrency(strings.ToUpper(req.PaymentCurrency)),
		Rate:                     req.Rate,
		PerPersonCap:             req.PerPersonCap,
		GlobalCap:                req.GlobalCap,
		FiscalRegularityRequired: req.FiscalRegularityRequired,
		Activate:                 req.Activate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(ev))
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Service.ListEvents(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]EventDTO, len(events))
	for i, e := range events {
		out[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Service.GetEvent(r.Context(), ledger.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (h *Handler) SetEventStatus(w http.ResponseWriter, r *http.Request) {
	var req EventStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev, err := h.Service.SetEventStatus(r.Context(),
		ledger.EventID(chi.URLParam(r, "id")), ledger.EventStatus(strings.ToLower(req.Status)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.Purchase(r.Context(), ledger.PurchaseRequest{
		MemberID:      ledger.MemberID(req.MemberID),
		EventID:       ledger.EventID(chi.URLParam(r, "id")),
		PaymentAmount: req.PaymentAmount,
		SHAmount:      req.SHAmount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := PurchaseResponse{
		Event:        toEventDTO(res.Event),
		MemberTotal:  res.MemberTotal,
		SHBalance:    toBalanceDTO(res.SHBalance),
		Transactions: toTransactionDTOs(res.Transactions),
	}
	if res.PaymentBalance != nil {
		pb := toBalanceDTO(*res.PaymentBalance)
		resp.PaymentBalance = &pb
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) AuditBalance(w http.ResponseWriter, r *http.Request) {
	currency, err := currencyParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.Service.AuditBalance(r.Context(), memberParam(r), currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

func (h *Handler) RepairBalance(w http.ResponseWriter, r *http.Request) {
	currency, err := currencyParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.Service.RepairBalance(r.Context(), memberParam(r), currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

func (h *Handler) ExpireAllocations(w http.ResponseWriter, r *http.Request) {
	var req ExpireRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OlderThan.IsZero() {
		h.fail(w, r, &ledger.ValidationError{Field: "older_than", Reason: "is required"})
		return
	}
	results, err := h.Service.ExpireAllocations(r.Context(), req.OlderThan)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ReclaimResponse, len(results))
	for i, res := range results {
		out[i] = toReclaimResponse(res)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ReclaimTarget(w http.ResponseWriter, r *http.Request) {
	results, err := h.Service.ReclaimTarget(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ReclaimResponse, len(results))
	for i, res := range results {
		out[i] = toReclaimResponse(res)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) StaleTimebank(w http.ResponseWriter, r *http.Request) {
	age := 7 * 24 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.fail(w, r, &ledger.ValidationError{Field: "older_than", Reason: "must be a positive duration"})
			return
		}
		age = d
	}
	list, err := h.Service.StalePendingTimebank(r.Context(), time.Now().UTC().Add(-age))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimebankDTOs(list))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrorDTO{
			Error:   "invalid request body",
			Code:    "validation",
			Details: err.Error(),
		})
		return false
	}
	return true
}

// fail maps a ledger error onto a status and logs server-side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
	}
	if status == http.StatusConflict && errors.Is(err, ledger.ErrConcurrencyConflict) {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, body)
}

func errorResponse(err error) (int, ErrorDTO) {
	body := ErrorDTO{Error: err.Error()}

	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}

	switch {
	case errors.Is(err, ledger.ErrValidation):
		body.Code = "validation"
		return http.StatusBadRequest, body
	case errors.Is(err, ledger.ErrUnknownEventType):
		body.Code = "unknown_event_type"
		return http.StatusBadRequest, body
	case errors.Is(err, ledger.ErrInsufficientBalance):
		body.Code = "insufficient_balance"
		return http.StatusPaymentRequired, body
	case errors.Is(err, ledger.ErrUnauthorized):
		body.Code = "unauthorized"
		return http.StatusForbidden, body
	case errors.Is(err, ledger.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		body.Code = "already_processed"
		return http.StatusConflict, body
	case errors.Is(err, ledger.ErrCapExceeded):
		body.Code = "cap_exceeded"
		return http.StatusConflict, body
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		body.Code = "conflict"
		return http.StatusConflict, body
	}
	return http.StatusInternalServerError, ErrorDTO{Error: "internal error", Code: "internal"}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, body ErrorDTO) {
	writeJSON(w, status, body)
}
