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

package wallet

import (
	"errors"
	"fmt"
)

var (
	// ErrPendingCapExceeded rejects new mints while the user already
	// holds the maximum number of unredeemed quotes.
	ErrPendingCapExceeded = errors.New("wallet: too many pending mints")

	// ErrPollerExists rejects registering a second poller for the same
	// (user, quote, transaction) key.
	ErrPollerExists = errors.New("wallet: poller already registered")
)

// ValidationError is a request refused before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("wallet: invalid %s: %s", e.Field, e.Reason)
}

// InconsistencyError is raised when pre-flight reconciliation finds a
// HIGH-severity divergence between the ledger and the mint oracle. The
// operation is refused even when the ledger was corrected, because the
// funds the caller believed in are ambiguous.
type InconsistencyError struct {
	TransactionID string
	Discrepancies []Discrepancy
	Corrected     int
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("wallet: proof state inconsistency (%d discrepancies, %d corrected)",
		len(e.Discrepancies), e.Corrected)
}

// CriticalError is the worst case: the mint acted (proofs consumed,
// payment settled) but the ledger commit failed. It carries everything
// needed to reconcile out of band and is never retried automatically.
type CriticalError struct {
	Op            string
	QuoteID       string
	TransactionID string
	PaymentResult string
	Err           error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("wallet: CRITICAL db failure after mint success in %s (quote=%s tx=%s): %v",
		e.Op, e.QuoteID, e.TransactionID, e.Err)
}

func (e *CriticalError) Unwrap() error { return e.Err }
