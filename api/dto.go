/*
dto.go - Request/response structures for the HTTP boundary

PURPOSE:
  JSON shapes exchanged with the three ledger callers (payment notifier,
  chargeable-work engine, claim flow) and the serialization helpers that map
  domain types onto them.
*/
package api

import (
	"time"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateBalanceRequest struct {
	OwnerKey string `json:"owner_key"`
}

type CreditRequest struct {
	Amount          int64      `json:"amount"`
	Description     string     `json:"description"`
	SourceReference string     `json:"source_reference,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

type DebitRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	FileType    string `json:"file_type,omitempty"`
}

type TransferRequest struct {
	FromBalanceID string `json:"from_balance_id"`
	ToBalanceID   string `json:"to_balance_id"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceResponse struct {
	ID        string    `json:"id"`
	OwnerKey  string    `json:"owner_key"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TransactionResponse struct {
	ID              string    `json:"id"`
	BalanceID       string    `json:"balance_id"`
	GrantID         string    `json:"grant_id,omitempty"`
	Kind            string    `json:"kind"`
	Amount          int64     `json:"amount"`
	Description     string    `json:"description,omitempty"`
	FileType        string    `json:"file_type,omitempty"`
	SourceReference string    `json:"source_reference,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type GrantResponse struct {
	ID              string     `json:"id"`
	BalanceID       string     `json:"balance_id"`
	Amount          int64      `json:"amount"`
	Remaining       int64      `json:"remaining"`
	Description     string     `json:"description,omitempty"`
	SourceReference string     `json:"source_reference,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

type DebitResponse struct {
	Outcome      string                `json:"outcome"`
	Transactions []TransactionResponse `json:"transactions,omitempty"`
}

type TransferResponse struct {
	Out TransactionResponse `json:"out"`
	In  TransactionResponse `json:"in"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toBalanceResponse(b ledger.Balance) BalanceResponse {
	return BalanceResponse{
		ID:        string(b.ID),
		OwnerKey:  string(b.OwnerKey),
		Credits:   b.Credits,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func toTransactionResponse(tx ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:              string(tx.ID),
		BalanceID:       string(tx.BalanceID),
		GrantID:         string(tx.GrantID),
		Kind:            string(tx.Kind),
		Amount:          tx.Amount,
		Description:     tx.Description,
		FileType:        tx.FileType,
		SourceReference: tx.SourceReference,
		CreatedAt:       tx.CreatedAt,
	}
}

func toTransactionResponses(txs []ledger.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	return out
}

func toGrantResponse(g ledger.Grant) GrantResponse {
	return GrantResponse{
		ID:              string(g.ID),
		BalanceID:       string(g.BalanceID),
		Amount:          g.Amount,
		Remaining:       g.Remaining,
		Description:     g.Description,
		SourceReference: g.SourceReference,
		CreatedAt:       g.CreatedAt,
		ExpiresAt:       g.ExpiresAt,
	}
}
