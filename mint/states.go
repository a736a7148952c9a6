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

package mint

import (
	"time"

	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut07"
)

// QuoteState is the coordinator's view of a mint quote. The mint wire
// protocol knows more states than these; everything it reports is folded
// into this set.
type QuoteState string

const (
	QuoteUnpaid  QuoteState = "UNPAID"
	QuotePaid    QuoteState = "PAID"
	QuoteExpired QuoteState = "EXPIRED"
	QuotePending QuoteState = "PENDING"
)

// ProofState is the mint oracle's view of a single proof.
type ProofState string

const (
	ProofUnspent ProofState = "UNSPENT"
	ProofSpent   ProofState = "SPENT"
	ProofPending ProofState = "PENDING"
)

// quoteStateFromNut04 maps the NUT-04 wire state onto the coordinator's
// quote states. An already-issued quote counts as paid; completion is
// made idempotent one layer up. Expiry is decided locally against the
// quote's own deadline because not every mint reports it.
func quoteStateFromNut04(state nut04.State, expiry uint64) QuoteState {
	switch state {
	case nut04.Paid, nut04.Issued:
		return QuotePaid
	case nut04.Pending:
		return QuotePending
	}
	if expiry > 0 && time.Now().Unix() > int64(expiry) {
		return QuoteExpired
	}
	return QuoteUnpaid
}

// proofStateFromNut07 maps the NUT-07 wire state onto the coordinator's
// proof states. Unknown states are treated as pending rather than
// unspent so a confused mint can never unlock funds.
func proofStateFromNut07(state nut07.State) ProofState {
	switch state {
	case nut07.Unspent:
		return ProofUnspent
	case nut07.Spent:
		return ProofSpent
	default:
		return ProofPending
	}
}
