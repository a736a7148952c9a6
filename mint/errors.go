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
	"errors"
	"fmt"
)

var (
	// ErrUnreachable is returned by Dial when the reachability probe
	// against the mint's info endpoint fails.
	ErrUnreachable = errors.New("mint unreachable")

	// ErrKeysetsNotLoaded is returned by operations that need the mint
	// keysets before they have been fetched.
	ErrKeysetsNotLoaded = errors.New("mint keysets not loaded")

	// ErrQuoteNotPaid is returned by MintProofs when the quote has not
	// been paid yet.
	ErrQuoteNotPaid = errors.New("mint quote not paid")

	// ErrQuoteAlreadyIssued is returned by MintProofs when the proofs
	// for the quote were already issued.
	ErrQuoteAlreadyIssued = errors.New("mint quote already issued")

	// ErrInsufficientProofs is returned by SendSwap when the supplied
	// proofs do not cover the requested amount.
	ErrInsufficientProofs = errors.New("proofs do not cover requested amount")
)

// TransportError wraps a network-level failure talking to the mint.
// Callers use it to distinguish retryable connectivity problems from
// policy refusals.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mint transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PolicyError is a refusal issued by the mint itself: quote unpaid or
// expired, proofs rejected, malformed invoice. It is never retried.
type PolicyError struct {
	Op     string
	Code   int
	Detail string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("mint refused %s: %s (code %d)", e.Op, e.Detail, e.Code)
}

// IsTransport reports whether err originated below the mint protocol,
// i.e. the request may never have reached the mint.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
