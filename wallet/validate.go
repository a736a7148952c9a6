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
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/params"
)

// Structural validation runs before any state is read; stateful checks
// like the pending cap run against the ledger afterwards. Nothing here
// ever talks to the mint.

// validateUserKey accepts a Nostr npub (bech32, 32-byte payload) or a
// raw 64-char hex pubkey.
func validateUserKey(userKey string) error {
	if userKey == "" {
		return &ValidationError{Field: "user_key", Reason: "empty"}
	}
	if strings.HasPrefix(userKey, "npub1") {
		hrp, data, err := bech32.Decode(userKey)
		if err != nil {
			return &ValidationError{Field: "user_key", Reason: fmt.Sprintf("bad bech32: %v", err)}
		}
		if hrp != "npub" {
			return &ValidationError{Field: "user_key", Reason: "hrp is not npub"}
		}
		raw, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil || len(raw) != 32 {
			return &ValidationError{Field: "user_key", Reason: "npub payload is not 32 bytes"}
		}
		return nil
	}
	raw, err := hex.DecodeString(userKey)
	if err != nil || len(raw) != 32 {
		return &ValidationError{Field: "user_key", Reason: "not an npub or 64-char hex key"}
	}
	return nil
}

// validateAmount enforces the sat bounds and reports whether the
// amount is large enough to deserve a warning log.
func validateAmount(amount int64) (large bool, err error) {
	if amount < params.MinAmount {
		return false, &ValidationError{Field: "amount", Reason: fmt.Sprintf("below minimum of %d sat", params.MinAmount)}
	}
	if amount > params.MaxAmount {
		return false, &ValidationError{Field: "amount", Reason: fmt.Sprintf("above maximum of %d sat", params.MaxAmount)}
	}
	return amount >= params.LargeAmountWarn, nil
}

// validateP2PKPubkey checks a recipient lock key: compressed secp256k1,
// hex encoded.
func validateP2PKPubkey(pub string) error {
	if pub == "" {
		return nil
	}
	raw, err := hex.DecodeString(pub)
	if err != nil {
		return &ValidationError{Field: "pubkey", Reason: "not hex"}
	}
	if len(raw) != 33 || (raw[0] != 0x02 && raw[0] != 0x03) {
		return &ValidationError{Field: "pubkey", Reason: "not a compressed secp256k1 point"}
	}
	return nil
}

// checkPendingCap rejects a new mint when the user already holds the
// maximum number of unredeemed quotes inside the lookback window.
// Approaching the cap and quotes stuck past the threshold are warned
// about, never refused here.
func (w *Wallet) checkPendingCap(userKey string) error {
	cutoff := time.Now().UTC().Add(-params.PendingLookback)
	pending, err := w.store.FindPendingMints(userKey, cutoff)
	if err != nil {
		return err
	}
	if len(pending) >= params.MaxPendingPerUser {
		return fmt.Errorf("%w: %d pending mints in the last %s",
			ErrPendingCapExceeded, len(pending), params.PendingLookback)
	}
	if len(pending) == params.MaxPendingPerUser-1 {
		w.log.Warn("User approaching pending mint cap", "user", userKey,
			"pending", len(pending), "cap", params.MaxPendingPerUser)
	}
	stuckCutoff := time.Now().UTC().Add(-w.cfg.StuckThreshold)
	for _, e := range pending {
		if e.CreatedAt.Before(stuckCutoff) {
			w.log.Warn("User has a stuck pending mint", "user", userKey,
				"tx", e.TransactionID, "age", time.Since(e.CreatedAt).Round(time.Second))
		}
	}
	return nil
}

// findPendingByQuote locates the user's pending mint entry for a quote.
func (w *Wallet) findPendingByQuote(userKey, quoteID string) (*ledger.Entry, error) {
	pending, err := w.store.FindPendingMints(userKey, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, e := range pending {
		if q, _ := e.Metadata[ledger.MetaQuoteID].(string); q == quoteID {
			return e, nil
		}
	}
	return nil, ledger.ErrEntryNotFound
}
