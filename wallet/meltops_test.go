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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/mint"
)

const fakeInvoice = "lnbcfakeinvoice"

func TestMeltPaysInvoice(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	fund(t, w, f, testUser, 100)

	f.meltQuote = &mint.MeltQuote{QuoteID: "melt-1", Amount: 90, FeeReserve: 2}
	f.meltState = mint.QuotePaid
	f.meltChange = 1

	res, err := w.executeMelt(ctx, testUser, fakeInvoice)
	require.NoError(t, err)
	require.Equal(t, "paid", res.PaymentResult)
	require.Equal(t, int64(90), res.PaidAmount)
	require.Equal(t, int64(2), res.FeesPaid) // the reserve; overpayment returns as change
	require.Equal(t, int64(9), res.ChangeAmount)
	require.NotEmpty(t, res.Preimage)

	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(9), bal.Unspent)

	// Sources, change and melt change all share the transaction id.
	linked, err := w.store.FindByTransactionID(res.TransactionID)
	require.NoError(t, err)
	kinds := map[ledger.Kind]int64{}
	for _, e := range linked {
		kinds[e.Kind] += e.TotalAmount
	}
	require.Equal(t, int64(8), kinds[ledger.KindChange])
	require.Equal(t, int64(1), kinds[ledger.KindMeltChange])
}

func TestMeltReportsReservedFee(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	fund(t, w, f, testUser, 1010)

	f.meltQuote = &mint.MeltQuote{QuoteID: "melt-6", Amount: 1000, FeeReserve: 10}
	f.meltState = mint.QuotePaid
	f.meltChange = 8

	res, err := w.executeMelt(ctx, testUser, fakeInvoice)
	require.NoError(t, err)
	require.Equal(t, int64(1000), res.PaidAmount)
	require.Equal(t, int64(10), res.FeesPaid)
	require.Equal(t, int64(8), res.ChangeAmount)

	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(8), bal.Unspent)
}

func TestMeltCommitFailureIsCritical(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	done := fund(t, w, f, testUser, 100)

	f.meltQuote = &mint.MeltQuote{QuoteID: "melt-crit", Amount: 90, FeeReserve: 2}
	f.meltState = mint.QuotePaid

	// The source entry leaves unspent between selection and commit, so
	// the ledger refuses the batch after the mint already settled.
	f.onMelt = func() {
		_, err := w.store.MarkSpent([]string{done.EntryID})
		require.NoError(t, err)
	}

	_, err := w.executeMelt(ctx, testUser, fakeInvoice)
	var crit *CriticalError
	require.ErrorAs(t, err, &crit)
	require.Equal(t, "melt", crit.Op)
	require.Equal(t, "melt-crit", crit.QuoteID)
	require.NotEmpty(t, crit.TransactionID)
	require.Equal(t, "paid", crit.PaymentResult)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	// Critical failures are never silently absorbed; the monitor keeps
	// the record for operators.
	require.Eventually(t, func() bool {
		return len(w.monitor.CriticalFailures()) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestMeltPaymentFailedRecreditsFunds(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	fund(t, w, f, testUser, 100)

	f.meltQuote = &mint.MeltQuote{QuoteID: "melt-2", Amount: 90, FeeReserve: 2}
	f.meltState = mint.QuoteUnpaid

	_, err := w.executeMelt(ctx, testUser, fakeInvoice)
	require.ErrorIs(t, err, ErrPaymentFailed)

	// The melt bundle came back; no value was lost.
	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Unspent)
}

func TestMeltPendingReservesFunds(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	fund(t, w, f, testUser, 100)

	f.meltQuote = &mint.MeltQuote{QuoteID: "melt-3", Amount: 90, FeeReserve: 2}
	f.meltState = mint.QuotePending

	_, err := w.executeMelt(ctx, testUser, fakeInvoice)
	require.ErrorIs(t, err, ErrPaymentPending)

	// The in-flight bundle stays reserved; only the keep change is
	// spendable.
	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(8), bal.Unspent)

	// The spent source carries the nested melt outcome, including the
	// reserved bundle, so recovery can find it after a restart.
	page, err := w.GetHistory(testUser, ledger.HistoryFilter{Kind: ledger.KindMinted})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	outcome, ok := page.Entries[0].Metadata[ledger.MetaMeltOutcome].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "pending", outcome[ledger.MetaPaymentResult])
	require.NotNil(t, outcome[ledger.MetaReservedProofs])
}

func TestMeltInsufficientFunds(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	fund(t, w, f, testUser, 50)

	f.meltQuote = &mint.MeltQuote{QuoteID: "melt-4", Amount: 90, FeeReserve: 2}

	_, err := w.executeMelt(context.Background(), testUser, fakeInvoice)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(50), bal.Unspent)
}

func TestMeltTransportFailureReservesBundle(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	fund(t, w, f, testUser, 100)

	f.meltQuote = &mint.MeltQuote{QuoteID: "melt-5", Amount: 90, FeeReserve: 2}
	f.meltErr = &mint.TransportError{Op: "melt", URL: testMintURL, Err: context.DeadlineExceeded}

	_, err := w.executeMelt(ctx, testUser, fakeInvoice)
	require.ErrorIs(t, err, ErrPaymentPending)

	// The payment outcome is unknown; the bundle must not be respent.
	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(8), bal.Unspent)

	page, err := w.GetHistory(testUser, ledger.HistoryFilter{Kind: ledger.KindChange})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	require.Equal(t, "unknown", page.Entries[0].Metadata[ledger.MetaPaymentResult])
}

func TestMeltRejectsBadInvoice(t *testing.T) {
	w, _ := newTestWallet(t, Config{})

	_, err := w.Melt(context.Background(), testUser, "not-an-invoice")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "invoice", verr.Field)
}
