/*
handlers.go - HTTP handlers for the credit ledger

PURPOSE:
  Exposes the ledger operations over JSON for the three external callers:
  the payment notifier (credit), the chargeable-work engine (debit), and the
  account/session claim flow (transfer). Handles HTTP request/response and
  delegates everything else to ledger.Service.

ENDPOINTS:
  POST   /api/balances                        Get-or-create by owner key
  GET    /api/balances/{id}                   Balance by id
  GET    /api/balances/by-owner/{key}         Balance by owner key
  GET    /api/balances/{id}/transactions      History, newest first
  GET    /api/balances/{id}/grants            Lots (refund-eligibility view)
  POST   /api/balances/{id}/credit            Purchase / award
  POST   /api/balances/{id}/debit             Charge for billable work
  POST   /api/transfers                       Claim a session into an account

ERROR HANDLING:
  - 400: malformed input, non-positive amounts
  - 402: insufficient credits (definitive, caller must not start the work)
  - 404: unknown balance
  - 422: transfer validation failure
  - 500: grant race or infrastructure fault

SECURITY NOTE:
  No authentication; this is the in-cluster boundary, fronted elsewhere.

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/credit-ledger/ledger"
)

// Handler holds the handler dependencies.
type Handler struct {
	Ledger *ledger.Service
}

// NewHandler creates a handler backed by svc.
func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{Ledger: svc}
}

// =============================================================================
// BALANCES
// =============================================================================

func (h *Handler) CreateBalance(w http.ResponseWriter, r *http.Request) {
	var req CreateBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.OwnerKey == "" {
		writeError(w, http.StatusBadRequest, "missing_owner_key", "owner_key is required")
		return
	}

	b, err := h.Ledger.GetOrCreate(r.Context(), ledger.OwnerKey(req.OwnerKey))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(b))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.BalanceID(chi.URLParam(r, "id"))
	b, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(b))
}

func (h *Handler) GetBalanceByOwner(w http.ResponseWriter, r *http.Request) {
	key := ledger.OwnerKey(chi.URLParam(r, "key"))
	b, err := h.Ledger.GetByOwner(r.Context(), key)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(b))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.BalanceID(chi.URLParam(r, "id"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	txs, err := h.Ledger.History(r.Context(), id, limit)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponses(txs))
}

func (h *Handler) GetGrants(w http.ResponseWriter, r *http.Request) {
	id := ledger.BalanceID(chi.URLParam(r, "id"))
	grants, err := h.Ledger.Grants(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	out := make([]GrantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toGrantResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

// Credit handles purchase notifications. Safe to call more than once per
// source reference; the second delivery returns the same transaction.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	id := ledger.BalanceID(chi.URLParam(r, "id"))

	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	tx, err := h.Ledger.Credit(r.Context(), ledger.CreditParams{
		BalanceID:       id,
		Amount:          req.Amount,
		Description:     req.Description,
		SourceReference: req.SourceReference,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// Debit charges for billable work. A 402 means the work must not run.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	id := ledger.BalanceID(chi.URLParam(r, "id"))

	var req DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	result, err := h.Ledger.Debit(r.Context(), ledger.DebitParams{
		BalanceID:   id,
		Amount:      req.Amount,
		Description: req.Description,
		FileType:    req.FileType,
	})
	if err != nil && result.Outcome == "" {
		h.writeLedgerError(w, err)
		return
	}

	switch result.Outcome {
	case ledger.OutcomeOK:
		writeJSON(w, http.StatusOK, DebitResponse{
			Outcome:      string(result.Outcome),
			Transactions: toTransactionResponses(result.Transactions),
		})
	case ledger.OutcomeInsufficientFunds:
		writeJSON(w, http.StatusPaymentRequired, DebitResponse{Outcome: string(result.Outcome)})
	default:
		writeError(w, http.StatusInternalServerError, string(result.Outcome), "debit failed")
	}
}

// =============================================================================
// TRANSFERS
// =============================================================================

// Transfer claims one balance's credits and lots into another. Called once
// per session claim.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.Ledger.Transfer(r.Context(), ledger.TransferParams{
		FromBalanceID: ledger.BalanceID(req.FromBalanceID),
		ToBalanceID:   ledger.BalanceID(req.ToBalanceID),
		Amount:        req.Amount,
		Description:   req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransferResponse{
		Out: toTransactionResponse(res.Out),
		In:  toTransactionResponse(res.In),
	})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, ledger.ErrTransferValidation):
		writeError(w, http.StatusUnprocessableEntity, "transfer_validation", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
