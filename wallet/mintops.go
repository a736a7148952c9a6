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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/mint"
)

// MintResult is the outcome of starting a mint: an invoice the user
// must pay and the handles to watch it with.
type MintResult struct {
	TransactionID string `json:"transaction_id"`
	QuoteID       string `json:"quote_id"`
	Invoice       string `json:"invoice"`
	Amount        int64  `json:"amount"`
	Expiry        uint64 `json:"expiry"`
}

// CompleteMintResult is the outcome of redeeming a paid quote.
type CompleteMintResult struct {
	TransactionID    string `json:"transaction_id"`
	EntryID          string `json:"entry_id"`
	Amount           int64  `json:"amount"`
	AlreadyCompleted bool   `json:"already_completed"`
}

// Mint requests a Lightning invoice worth amount sats from the mint and
// records a pending ledger entry. A background poller watches the quote
// and redeems it the moment the invoice is paid.
func (w *Wallet) Mint(ctx context.Context, userKey string, amount int64) (*MintResult, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	large, err := validateAmount(amount)
	if err != nil {
		return nil, err
	}
	if large {
		w.log.Warn("Large mint requested", "user", userKey, "amount", amount)
	}
	rec, err := w.ensureWallet(userKey)
	if err != nil {
		return nil, err
	}
	if err := w.checkPendingCap(userKey); err != nil {
		return nil, err
	}

	ora, err := w.dial(ctx, w.cfg.MintURL)
	if err != nil {
		return nil, err
	}
	quote, err := ora.CreateMintQuote(ctx, uint64(amount))
	if err != nil {
		return nil, err
	}

	txID := newTransactionID()
	entry := &ledger.Entry{
		UserKey:       userKey,
		WalletID:      rec.ID,
		MintURL:       w.cfg.MintURL,
		TransactionID: txID,
		Kind:          ledger.KindMinted,
		Status:        ledger.StatusPending,
		Metadata: map[string]interface{}{
			ledger.MetaSource:     "mint",
			ledger.MetaQuoteID:    quote.QuoteID,
			ledger.MetaMintAmount: amount,
			ledger.MetaInvoice:    quote.Invoice,
			ledger.MetaExpiry:     quote.Expiry,
		},
	}
	if err := w.store.StoreEntry(entry); err != nil {
		return nil, err
	}
	w.log.Info("Mint started", "user", userKey, "amount", amount, "quote", quote.QuoteID, "tx", txID)
	w.mux.Post(MintStartedEvent{UserKey: userKey, TransactionID: txID, QuoteID: quote.QuoteID, Amount: amount})

	if err := w.pollers.Register(userKey, quote.QuoteID, txID); err != nil {
		// A second registration of the same quote cannot happen for a
		// fresh quote id; anything else is a real fault worth logging,
		// but the mint itself succeeded.
		w.log.Error("Failed to register mint poller", "quote", quote.QuoteID, "err", err)
	}

	return &MintResult{
		TransactionID: txID,
		QuoteID:       quote.QuoteID,
		Invoice:       quote.Invoice,
		Amount:        amount,
		Expiry:        quote.Expiry,
	}, nil
}

// CompleteMint redeems a paid quote into proofs. It is idempotent: a
// quote whose proofs already landed reports AlreadyCompleted instead of
// failing, so callers and pollers can race safely.
func (w *Wallet) CompleteMint(ctx context.Context, userKey, quoteID string) (*CompleteMintResult, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	entry, err := w.findPendingByQuote(userKey, quoteID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		if done := w.findCompletedByQuote(userKey, quoteID); done != nil {
			return &CompleteMintResult{
				TransactionID:    done.TransactionID,
				EntryID:          done.ID,
				Amount:           done.TotalAmount,
				AlreadyCompleted: true,
			}, nil
		}
		return nil, fmt.Errorf("%w: no pending mint for quote %s", ledger.ErrEntryNotFound, quoteID)
	}
	if err != nil {
		return nil, err
	}
	return w.completePending(ctx, entry, "explicit")
}

// completePending drives a pending mint entry to its terminal state.
// Shared by the explicit CompleteMint call, the pollers and cleanup.
func (w *Wallet) completePending(ctx context.Context, entry *ledger.Entry, via string) (*CompleteMintResult, error) {
	quoteID, _ := entry.Metadata[ledger.MetaQuoteID].(string)
	amount := entryMintAmount(entry)

	ora, err := w.dial(ctx, entry.MintURL)
	if err != nil {
		return nil, err
	}
	var quote *mint.MintQuote
	err = w.withRetry(ctx, "check mint quote", func() error {
		var cerr error
		quote, cerr = ora.CheckMintQuote(ctx, quoteID)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	switch quote.State {
	case mint.QuotePaid:
	case mint.QuoteExpired:
		if err := w.failPending(entry, "quote expired"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: quote %s expired", mint.ErrQuoteNotPaid, quoteID)
	default:
		return nil, fmt.Errorf("%w: quote %s is %s", mint.ErrQuoteNotPaid, quoteID, quote.State)
	}

	// Past this point the mint issues proofs exactly once. No retries,
	// and a ledger failure after issuance is the critical path.
	proofs, err := ora.MintProofs(ctx, uint64(amount), quoteID)
	if errors.Is(err, mint.ErrQuoteAlreadyIssued) {
		// Lost the race against another completion path. The winner's
		// commit is authoritative.
		if done := w.findCompletedByQuote(entry.UserKey, quoteID); done != nil {
			return &CompleteMintResult{
				TransactionID:    done.TransactionID,
				EntryID:          done.ID,
				Amount:           done.TotalAmount,
				AlreadyCompleted: true,
			}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if minted := int64(proofs.Amount()); minted != amount {
		// The minted total is what the ledger records; the request is
		// only what we asked for.
		w.log.Warn("Minted amount differs from requested",
			"user", entry.UserKey, "quote", quoteID, "requested", amount, "minted", minted)
	}

	updated, err := w.store.UpdatePending(entry.ID, ledger.PendingDelta{
		Status:      ledger.StatusUnspent,
		Proofs:      proofs,
		TotalAmount: int64(proofs.Amount()),
		Metadata: map[string]interface{}{
			ledger.MetaCompletedAt:   time.Now().UTC().Format(time.RFC3339),
			ledger.MetaCompletionVia: via,
		},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			// The entry left pending under us; treat as completed
			// elsewhere rather than raising a false critical.
			if done := w.findCompletedByQuote(entry.UserKey, quoteID); done != nil {
				return &CompleteMintResult{
					TransactionID:    done.TransactionID,
					EntryID:          done.ID,
					Amount:           done.TotalAmount,
					AlreadyCompleted: true,
				}, nil
			}
		}
		crit := &CriticalError{
			Op:            "complete_mint",
			QuoteID:       quoteID,
			TransactionID: entry.TransactionID,
			Err:           err,
		}
		w.log.Crit("Ledger commit failed after mint issued proofs",
			"user", entry.UserKey, "quote", quoteID, "tx", entry.TransactionID, "err", err)
		w.mux.Post(CriticalFailureEvent{
			UserKey: entry.UserKey, Op: "complete_mint",
			QuoteID: quoteID, TransactionID: entry.TransactionID,
		})
		return nil, crit
	}

	w.pollers.Remove(entry.UserKey, quoteID, entry.TransactionID)
	w.log.Info("Mint completed", "user", entry.UserKey, "amount", updated.TotalAmount,
		"quote", quoteID, "tx", entry.TransactionID, "via", via)
	w.mux.Post(MintCompletedEvent{
		UserKey: entry.UserKey, TransactionID: entry.TransactionID,
		QuoteID: quoteID, Amount: updated.TotalAmount, Method: via,
	})
	return &CompleteMintResult{
		TransactionID: entry.TransactionID,
		EntryID:       updated.ID,
		Amount:        updated.TotalAmount,
	}, nil
}

// failPending marks a pending mint entry failed and notifies.
func (w *Wallet) failPending(entry *ledger.Entry, reason string) error {
	quoteID, _ := entry.Metadata[ledger.MetaQuoteID].(string)
	_, err := w.store.UpdatePending(entry.ID, ledger.PendingDelta{
		Status: ledger.StatusFailed,
		Metadata: map[string]interface{}{
			ledger.MetaFailureReason: reason,
			ledger.MetaFailedAt:      time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	w.pollers.Remove(entry.UserKey, quoteID, entry.TransactionID)
	w.log.Info("Mint failed", "user", entry.UserKey, "quote", quoteID, "reason", reason)
	w.mux.Post(MintFailedEvent{
		UserKey: entry.UserKey, TransactionID: entry.TransactionID,
		QuoteID: quoteID, Reason: reason,
	})
	return nil
}

// ReceiptsResult summarizes a CheckPendingReceipts sweep.
type ReceiptsResult struct {
	Checked   int                  `json:"checked"`
	Completed []CompleteMintResult `json:"completed,omitempty"`
	Failed    []string             `json:"failed,omitempty"` // quote ids marked failed
	Waiting   int                  `json:"waiting"`
}

// CheckPendingReceipts walks the user's pending mints once, redeeming
// every quote that was paid since the last look and failing the expired
// ones. Quotes still awaiting payment are left alone.
func (w *Wallet) CheckPendingReceipts(ctx context.Context, userKey string) (*ReceiptsResult, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	pending, err := w.store.FindPendingMints(userKey, time.Time{})
	if err != nil {
		return nil, err
	}
	res := &ReceiptsResult{Checked: len(pending)}
	for _, entry := range pending {
		quoteID, _ := entry.Metadata[ledger.MetaQuoteID].(string)
		done, err := w.completePending(ctx, entry, "receipt_sweep")
		switch {
		case err == nil:
			res.Completed = append(res.Completed, *done)
		case errors.Is(err, mint.ErrQuoteNotPaid):
			if expired := entryExpired(entry); expired {
				res.Failed = append(res.Failed, quoteID)
			} else {
				res.Waiting++
			}
		default:
			// Transport trouble or a critical; surface it, the sweep is
			// advisory and must not mask real faults.
			return res, err
		}
	}
	return res, nil
}

// findCompletedByQuote looks for an unspent-or-later minted entry that
// redeemed the given quote.
func (w *Wallet) findCompletedByQuote(userKey, quoteID string) *ledger.Entry {
	page, err := w.store.GetHistory(userKey, ledger.HistoryFilter{Kind: ledger.KindMinted, Limit: 100})
	if err != nil {
		return nil
	}
	for _, e := range page.Entries {
		if e.Status != ledger.StatusUnspent && e.Status != ledger.StatusSpent {
			continue
		}
		if q, _ := e.Metadata[ledger.MetaQuoteID].(string); q == quoteID {
			return e
		}
	}
	return nil
}

func entryMintAmount(e *ledger.Entry) int64 {
	switch v := e.Metadata[ledger.MetaMintAmount].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func entryExpired(e *ledger.Entry) bool {
	switch v := e.Metadata[ledger.MetaExpiry].(type) {
	case uint64:
		return v > 0 && time.Now().Unix() > int64(v)
	case int64:
		return v > 0 && time.Now().Unix() > v
	case float64:
		return v > 0 && time.Now().Unix() > int64(v)
	}
	return false
}
