// Copyright 2025 The nutgate Authors
// This file is part of the nutgate library.
//
// The nutgate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nutgate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nutgate library. If not, see <http://www.gnu.org/licenses/>.

package ledger

import (
	"time"

	"github.com/elnosh/gonuts/cashu"
)

// Status is the lifecycle state of a ledger entry. The only legal
// transitions are pending->unspent, pending->failed and unspent->spent;
// the store rejects everything else.
type Status string

const (
	StatusPending Status = "pending"
	StatusUnspent Status = "unspent"
	StatusSpent   Status = "spent"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUnspent, StatusSpent, StatusFailed:
		return true
	}
	return false
}

// transitionAllowed is the whole legal transition table.
func transitionAllowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusUnspent || to == StatusFailed
	case StatusUnspent:
		return to == StatusSpent
	}
	return false
}

// Kind records why an entry exists.
type Kind string

const (
	KindMinted     Kind = "minted"
	KindReceived   Kind = "received"
	KindSent       Kind = "sent"
	KindChange     Kind = "change"
	KindMeltChange Kind = "melt_change"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMinted, KindReceived, KindSent, KindChange, KindMeltChange:
		return true
	}
	return false
}

// Well-known metadata keys. Metadata is free-form beyond these, but
// MetaSource must always be present.
const (
	MetaSource        = "source"
	MetaQuoteID       = "quote_id"
	MetaMintAmount    = "mint_amount"
	MetaInvoice       = "invoice"
	MetaExpiry        = "expiry"
	MetaFeeReserve    = "fee_reserve"
	MetaPaymentResult = "payment_result"
	MetaFailureReason = "failure_reason"
	MetaFailedAt      = "failed_at"
	MetaCompletedAt   = "completed_at"
	MetaCompletionVia = "completion_method"

	// MetaReservedProofs holds the melt bundle of a payment whose
	// outcome is unknown, so recovery can re-check it at the mint.
	MetaReservedProofs = "reserved_proofs"

	// MetaMeltOutcome is written onto melted source entries; it nests
	// the melt's quote id, payment result and any reserved bundle.
	MetaMeltOutcome = "melt_outcome"
)

// Wallet is the durable identity record for one (user, mint) pair.
type Wallet struct {
	ID        string    `json:"id"`
	UserKey   string    `json:"user_key"`
	MintURL   string    `json:"mint_url"`
	Unit      string    `json:"unit"`
	PublicKey string    `json:"p2pk_pubkey"`
	PrivKeyNg []byte    `json:"p2pk_privkey_enc"` // encrypted at rest
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is one row of the proof ledger: an unspent proof bundle, a
// spent bundle kept for history, a pending mint awaiting payment, a
// failed attempt, or a change bundle.
type Entry struct {
	ID            string                 `json:"id"`
	UserKey       string                 `json:"user_key"`
	WalletID      string                 `json:"wallet_id"`
	MintURL       string                 `json:"mint_url"`
	TransactionID string                 `json:"transaction_id"`
	Kind          Kind                   `json:"kind"`
	Status        Status                 `json:"status"`
	Proofs        cashu.Proofs           `json:"proofs,omitempty"`
	TotalAmount   int64                  `json:"total_amount"`
	CreatedAt     time.Time              `json:"created_at"`
	SpentAt       *time.Time             `json:"spent_at,omitempty"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// ProofSum returns the sum of the entry's proof amounts.
func (e *Entry) ProofSum() int64 {
	var sum int64
	for _, p := range e.Proofs {
		sum += int64(p.Amount)
	}
	return sum
}

// wellFormed is the write-side validation of §3. Pending and failed
// entries carry no value; unspent and spent entries must balance.
func (e *Entry) wellFormed() error {
	if e.UserKey == "" || e.MintURL == "" || e.TransactionID == "" {
		return ErrMissingField
	}
	if !e.Kind.Valid() || !e.Status.Valid() {
		return ErrMissingField
	}
	src, ok := e.Metadata[MetaSource].(string)
	if !ok || src == "" {
		return ErrMissingSource
	}
	if e.TotalAmount < 0 {
		return ErrNegativeAmount
	}
	switch e.Status {
	case StatusPending, StatusFailed:
		if len(e.Proofs) != 0 || e.TotalAmount != 0 {
			return ErrPendingNotEmpty
		}
	case StatusUnspent, StatusSpent:
		if len(e.Proofs) == 0 || e.TotalAmount != e.ProofSum() {
			return ErrAmountMismatch
		}
	}
	if e.Status == StatusSpent && e.SpentAt == nil {
		return ErrMissingField
	}
	return nil
}

// corrupted is the read-side filter used by history: entries missing
// mandatory fields, carrying negative amounts or an empty source tag
// are reported, never returned.
func (e *Entry) corrupted() bool {
	if e.UserKey == "" || e.MintURL == "" || e.TransactionID == "" {
		return true
	}
	if !e.Kind.Valid() || !e.Status.Valid() {
		return true
	}
	if e.TotalAmount < 0 {
		return true
	}
	src, ok := e.Metadata[MetaSource].(string)
	return !ok || src == ""
}
