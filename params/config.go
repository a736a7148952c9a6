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

// Package params holds the tunables of the wallet coordinator.
package params

import "time"

const (
	// MinAmount and MaxAmount bound the sat value accepted by any
	// fund-moving operation. Requests outside the range are rejected
	// before anything touches the mint or the ledger.
	MinAmount = 1
	MaxAmount = 1_000_000

	// LargeAmountWarn is the threshold above which an operation is
	// admitted but logged with a warning.
	LargeAmountWarn = 100_000

	// MaxPendingPerUser caps the number of unredeemed mint quotes a single
	// user may hold inside the pending lookback window.
	MaxPendingPerUser = 5

	// PendingLookback is the window over which pending mints count
	// against MaxPendingPerUser.
	PendingLookback = 24 * time.Hour

	// StuckThreshold is the age after which a pending mint is considered
	// stuck and reported by the monitor.
	StuckThreshold = time.Hour
)

const (
	// PollInterval is the tick period of a mint-quote poller.
	PollInterval = 10 * time.Second

	// PollBudget is the total lifetime of a poller. A quote that has not
	// been paid within the budget is marked failed.
	PollBudget = 180 * time.Second

	// PollMaxConsecutiveErrors aborts a poller after this many failed
	// oracle checks in a row.
	PollMaxConsecutiveErrors = 3
)

const (
	// MintSocketTimeout bounds every socket operation against the mint.
	MintSocketTimeout = 30 * time.Second

	// MintMaxSockets bounds concurrent connections per mint host.
	MintMaxSockets = 10
)

const (
	// RetryBaseDelay and RetryMaxDelay shape the exponential backoff used
	// on read-only oracle calls. RetryAttempts is the total try count.
	RetryBaseDelay = time.Second
	RetryMaxDelay  = 5 * time.Second
	RetryAttempts  = 3
)

// DefaultMintURL is the mint used when a wallet is created without an
// explicit mint override.
const DefaultMintURL = "https://mint.minibits.cash/Bitcoin"

// SatUnit is the only currency unit the coordinator handles.
const SatUnit = "sat"
