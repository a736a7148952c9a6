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

	"github.com/elnosh/gonuts/cashu"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/mint"
)

// MeltPaymentResult is the outcome of paying a Lightning invoice with
// the user's proofs.
type MeltPaymentResult struct {
	TransactionID string `json:"transaction_id"`
	QuoteID       string `json:"quote_id"`
	PaymentResult string `json:"payment_result"`
	PaidAmount    int64  `json:"paid_amount"`
	FeesPaid      int64  `json:"fees_paid"`
	ChangeAmount  int64  `json:"change_amount"`
	Preimage      string `json:"preimage,omitempty"`
}

// ErrPaymentFailed reports a melt whose Lightning payment did not go
// through. The user's funds were recredited as change.
var ErrPaymentFailed = errors.New("wallet: lightning payment failed")

// ErrPaymentPending reports a melt still in flight at the mint. The
// committed proofs are reserved until the mint settles either way.
var ErrPaymentPending = errors.New("wallet: lightning payment pending")

// Melt pays a BOLT11 invoice with the user's proofs. The flow swaps the
// selected sources into an exact melt bundle plus change, hands the
// bundle to the mint, then commits everything in one ledger batch. The
// sources are consumed by the swap no matter how the payment ends, so
// every branch after the swap must commit something.
func (w *Wallet) Melt(ctx context.Context, userKey, invoice string) (*MeltPaymentResult, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, &ValidationError{Field: "invoice", Reason: err.Error()}
	}
	if bolt11.MSatoshi == 0 {
		return nil, &ValidationError{Field: "invoice", Reason: "amountless invoices are not supported"}
	}
	amount := bolt11.MSatoshi / 1000
	large, err := validateAmount(amount)
	if err != nil {
		return nil, err
	}
	if large {
		w.log.Warn("Large melt requested", "user", userKey, "amount", amount, "hash", bolt11.PaymentHash)
	}
	return w.executeMelt(ctx, userKey, invoice)
}

// executeMelt runs the melt flow for an already validated invoice.
func (w *Wallet) executeMelt(ctx context.Context, userKey, invoice string) (*MeltPaymentResult, error) {
	if _, err := w.ensureWallet(userKey); err != nil {
		return nil, err
	}

	ora, err := w.dial(ctx, w.cfg.MintURL)
	if err != nil {
		return nil, err
	}
	quote, err := ora.CreateMeltQuote(ctx, invoice)
	if err != nil {
		return nil, err
	}
	need := int64(quote.Amount + quote.FeeReserve)

	txID := newTransactionID()
	report, err := w.preFlight(ctx, ora, userKey, txID)
	if err != nil {
		return nil, err
	}
	sources, proofs, err := selectSpendable(report.Spendable, need)
	if err != nil {
		return nil, err
	}

	// Shape the inputs: an exact bundle for the melt, the rest back as
	// keep proofs. From here on the sources are gone at the mint.
	var swap *mint.SwapResult
	for {
		swap, err = ora.SendSwap(ctx, proofs, uint64(need), mint.SwapOptions{})
		if err == nil {
			break
		}
		if errors.Is(err, mint.ErrInsufficientProofs) && len(sources) < len(report.Spendable) {
			next := report.Spendable[len(sources)]
			sources = append(sources, next)
			proofs = append(proofs, next.Proofs...)
			continue
		}
		return nil, err
	}
	ids := make([]string, len(sources))
	for i, e := range sources {
		ids[i] = e.ID
	}

	result, err := ora.MeltProofs(ctx, quote, swap.Send)
	if err != nil {
		if mint.IsTransport(err) {
			// The payment may or may not be in flight. Reserve the melt
			// bundle and let recovery settle it.
			if cerr := w.commitMelt(ids, swap.Keep, nil, txID, userKey, map[string]interface{}{
				ledger.MetaQuoteID:        quote.QuoteID,
				ledger.MetaPaymentResult:  "unknown",
				ledger.MetaInvoice:        invoice,
				ledger.MetaReservedProofs: swap.Send,
			}); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("%w: %v", ErrPaymentPending, err)
		}
		// The mint refused the melt outright; the bundle is still ours.
		if cerr := w.commitMelt(ids, append(swap.Keep, swap.Send...), nil, txID, userKey, map[string]interface{}{
			ledger.MetaQuoteID:       quote.QuoteID,
			ledger.MetaPaymentResult: "refused",
		}); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	switch result.State {
	case mint.QuotePaid:
		// The reserved fee is what the melt charged the user up front;
		// overpayment comes back separately as NUT-08 change.
		changeAmount := int64(result.Change.Amount())
		feesPaid := int64(quote.FeeReserve)
		if err := w.commitMelt(ids, swap.Keep, result.Change, txID, userKey, map[string]interface{}{
			ledger.MetaQuoteID:       quote.QuoteID,
			ledger.MetaPaymentResult: "paid",
			ledger.MetaFeeReserve:    quote.FeeReserve,
			"preimage":               result.Preimage,
		}); err != nil {
			return nil, err
		}
		keepAmount := int64(swap.Keep.Amount())
		w.log.Info("Melt paid", "user", userKey, "amount", quote.Amount, "fees", feesPaid, "tx", txID)
		w.mux.Post(MeltCompletedEvent{
			UserKey: userKey, TransactionID: txID, QuoteID: quote.QuoteID,
			PaidAmount: int64(quote.Amount), FeesPaid: feesPaid,
		})
		return &MeltPaymentResult{
			TransactionID: txID,
			QuoteID:       quote.QuoteID,
			PaymentResult: "paid",
			PaidAmount:    int64(quote.Amount),
			FeesPaid:      feesPaid,
			ChangeAmount:  keepAmount + changeAmount,
			Preimage:      result.Preimage,
		}, nil

	case mint.QuotePending:
		if err := w.commitMelt(ids, swap.Keep, nil, txID, userKey, map[string]interface{}{
			ledger.MetaQuoteID:        quote.QuoteID,
			ledger.MetaPaymentResult:  "pending",
			ledger.MetaInvoice:        invoice,
			ledger.MetaReservedProofs: swap.Send,
		}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: quote %s", ErrPaymentPending, quote.QuoteID)

	default:
		// Payment failed; the mint released the melt bundle, so it goes
		// back into the ledger as change alongside the keep proofs.
		if err := w.commitMelt(ids, append(swap.Keep, swap.Send...), nil, txID, userKey, map[string]interface{}{
			ledger.MetaQuoteID:       quote.QuoteID,
			ledger.MetaPaymentResult: "failed",
		}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: quote %s", ErrPaymentFailed, quote.QuoteID)
	}
}

// commitMelt lands the ledger side of a melt attempt. The mint already
// consumed the sources, so a failure here is critical.
func (w *Wallet) commitMelt(sourceIDs []string, keep, change cashu.Proofs, txID, userKey string, meta map[string]interface{}) error {
	if _, err := w.store.ExecuteAtomicMelt(sourceIDs, keep, change, txID, meta); err != nil {
		quoteID, _ := meta[ledger.MetaQuoteID].(string)
		crit := &CriticalError{
			Op:            "melt",
			QuoteID:       quoteID,
			TransactionID: txID,
			PaymentResult: fmt.Sprint(meta[ledger.MetaPaymentResult]),
			Err:           err,
		}
		w.log.Crit("Ledger commit failed after melt", "user", userKey, "quote", quoteID, "tx", txID, "err", err)
		w.mux.Post(CriticalFailureEvent{UserKey: userKey, Op: "melt", QuoteID: quoteID, TransactionID: txID})
		return crit
	}
	return nil
}
