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

// Post-commit notifications published on the wallet's event mux. The
// monitor subscribes; nothing in the operation paths ever blocks on a
// subscriber.

// MintStartedEvent fires when a mint quote was created and its pending
// entry stored.
type MintStartedEvent struct {
	UserKey       string
	TransactionID string
	QuoteID       string
	Amount        int64
}

// MintCompletedEvent fires when a pending mint became unspent proofs.
type MintCompletedEvent struct {
	UserKey       string
	TransactionID string
	QuoteID       string
	Amount        int64
	Method        string // "poller" or "explicit"
}

// MintFailedEvent fires when a pending mint was marked failed.
type MintFailedEvent struct {
	UserKey       string
	TransactionID string
	QuoteID       string
	Reason        string
}

// MeltCompletedEvent fires after a successful atomic melt commit.
type MeltCompletedEvent struct {
	UserKey       string
	TransactionID string
	QuoteID       string
	PaidAmount    int64
	FeesPaid      int64
}

// DiscrepancyEvent fires for every reconciliation divergence found.
type DiscrepancyEvent struct {
	UserKey  string
	Severity Severity
	Type     DiscrepancyType
	Count    int
}

// CriticalFailureEvent mirrors a CriticalError for alerting.
type CriticalFailureEvent struct {
	UserKey       string
	Op            string
	QuoteID       string
	TransactionID string
}
