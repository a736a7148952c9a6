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

import "errors"

var (
	// ErrWalletNotFound means no wallet exists for the (user, mint) pair.
	ErrWalletNotFound = errors.New("ledger: wallet not found")

	// ErrWalletExists rejects a second wallet for the same (user, mint).
	ErrWalletExists = errors.New("ledger: wallet already exists")

	// ErrEntryNotFound means no ledger entry carries the requested id.
	ErrEntryNotFound = errors.New("ledger: entry not found")

	// ErrInvalidTransition rejects a status change outside the legal
	// table. This is a programmer error on the calling side.
	ErrInvalidTransition = errors.New("ledger: status transition not allowed")

	// ErrDuplicateSecret rejects an unspent entry whose proof secret is
	// already live in another unspent entry of the same user.
	ErrDuplicateSecret = errors.New("ledger: proof secret already unspent")

	// ErrInsufficientFunds means the user's unspent entries cannot cover
	// the requested amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient unspent funds")

	// ErrMissingField rejects entries without the mandatory identifiers.
	ErrMissingField = errors.New("ledger: entry missing mandatory field")

	// ErrMissingSource rejects entries without a metadata source tag.
	ErrMissingSource = errors.New("ledger: entry missing metadata source")

	// ErrNegativeAmount rejects entries with a negative total.
	ErrNegativeAmount = errors.New("ledger: negative total amount")

	// ErrPendingNotEmpty rejects pending/failed entries that carry value.
	ErrPendingNotEmpty = errors.New("ledger: pending entry must carry no value")

	// ErrAmountMismatch rejects entries whose total does not equal the
	// proof sum.
	ErrAmountMismatch = errors.New("ledger: total amount does not match proofs")
)
