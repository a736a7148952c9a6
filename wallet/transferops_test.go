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

	"github.com/elnosh/gonuts/cashu"
	"github.com/stretchr/testify/require"

	"github.com/nutgate/nutgate/ledger"
)

func TestSendProducesTokenAndChange(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	fund(t, w, f, testUser, 12)

	res, err := w.Send(ctx, testUser, 5, SendOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Amount)
	require.Equal(t, int64(7), res.ChangeAmount)

	token, err := cashu.DecodeToken(res.Token)
	require.NoError(t, err)
	require.Equal(t, testMintURL, token.Mint())
	require.Equal(t, uint64(5), token.Amount())

	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(7), bal.Unspent)

	// The transaction links the sent record and its change.
	linked, err := w.store.FindByTransactionID(res.TransactionID)
	require.NoError(t, err)
	kinds := map[ledger.Kind]ledger.Status{}
	for _, e := range linked {
		kinds[e.Kind] = e.Status
	}
	require.Equal(t, ledger.StatusSpent, kinds[ledger.KindSent])
	require.Equal(t, ledger.StatusUnspent, kinds[ledger.KindChange])
}

func TestSendInsufficientFunds(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	fund(t, w, f, testUser, 10)

	_, err := w.Send(context.Background(), testUser, 11, SendOptions{})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestSendRefusedAfterExternalSpend(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	done := fund(t, w, f, testUser, 10)

	// The mint saw these proofs spent through a path the ledger never
	// learned about.
	entry, err := w.store.GetEntry(done.EntryID)
	require.NoError(t, err)
	f.markSpent(entry.Proofs)

	_, err = w.Send(ctx, testUser, 5, SendOptions{})
	var inc *InconsistencyError
	require.ErrorAs(t, err, &inc)
	require.Len(t, inc.Discrepancies, 1)
	require.Equal(t, DiscrepancySpentAtMint, inc.Discrepancies[0].Type)
	require.Equal(t, SeverityHigh, inc.Discrepancies[0].Severity)
	require.Equal(t, 1, inc.Corrected)

	// The ledger was corrected: the phantom funds are gone.
	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(0), bal.Unspent)

	// With the ledger honest again, fresh funds spend normally.
	fund(t, w, f, testUser, 8)
	_, err = w.Send(ctx, testUser, 3, SendOptions{})
	require.NoError(t, err)
}

func TestSendPartialExternalSpend(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	done := fund(t, w, f, testUser, 10)

	entry, err := w.store.GetEntry(done.EntryID)
	require.NoError(t, err)
	require.True(t, len(entry.Proofs) > 1)
	f.markSpent(entry.Proofs[:1])

	_, err = w.Send(context.Background(), testUser, 5, SendOptions{})
	var inc *InconsistencyError
	require.ErrorAs(t, err, &inc)
	require.Equal(t, DiscrepancyPartialSpend, inc.Discrepancies[0].Type)

	// The whole bundle is written off; partial bundles are not
	// spendable.
	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(0), bal.Unspent)
}

func TestPreflightAllowsPendingProofs(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	limbo := fund(t, w, f, testUser, 10)
	fund(t, w, f, testUser, 6)

	entry, err := w.store.GetEntry(limbo.EntryID)
	require.NoError(t, err)
	f.markPending(entry.Proofs)

	// Proofs in limbo at the mint are a LOW finding: reported, left
	// untouched and still selectable. The mint arbitrates any real race.
	report, err := w.CheckProofStates(ctx, testUser)
	require.NoError(t, err)
	require.False(t, report.Consistent)
	require.Len(t, report.Discrepancies, 1)
	require.Equal(t, DiscrepancyPendingAtMint, report.Discrepancies[0].Type)
	require.Equal(t, 1, report.SeverityCounts[SeverityLow])

	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(16), bal.Unspent)

	// Nothing is excluded from selection, so 8 sat clears.
	res, err := w.Send(ctx, testUser, 8, SendOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(8), res.Amount)
}

func TestSendWithP2PKLock(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	fund(t, w, f, testUser, 10)

	rec, err := w.WalletInfo(otherUser)
	require.NoError(t, err)

	res, err := w.Send(context.Background(), testUser, 4, SendOptions{RecipientPubKey: rec.PublicKey})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.Amount)

	_, err = w.Send(context.Background(), testUser, 1, SendOptions{RecipientPubKey: "zz"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "pubkey", verr.Field)
}

func TestReceiveStoresFreshProofs(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	fund(t, w, f, testUser, 12)

	sent, err := w.Send(ctx, testUser, 5, SendOptions{})
	require.NoError(t, err)

	res, err := w.Receive(ctx, otherUser, sent.Token)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Amount)

	bal, err := w.GetBalance(otherUser)
	require.NoError(t, err)
	require.Equal(t, int64(5), bal.Unspent)

	page, err := w.GetHistory(otherUser, ledger.HistoryFilter{Kind: ledger.KindReceived})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	require.Equal(t, ledger.StatusUnspent, page.Entries[0].Status)
}

func TestReceiveRejectsForeignMint(t *testing.T) {
	w, f := newTestWallet(t, Config{})

	token, err := cashu.NewTokenV4(f.makeProofs(5), "http://other.mint", cashu.Sat, true)
	require.NoError(t, err)
	serialized, err := token.Serialize()
	require.NoError(t, err)

	_, err = w.Receive(context.Background(), testUser, serialized)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "token", verr.Field)
}

func TestReceiveRejectsGarbageToken(t *testing.T) {
	w, _ := newTestWallet(t, Config{})

	_, err := w.Receive(context.Background(), testUser, "cashuBnotatoken")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCheckProofStatesReportsWithoutRefusing(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	clean := fund(t, w, f, testUser, 6)
	gone := fund(t, w, f, testUser, 10)

	entry, err := w.store.GetEntry(gone.EntryID)
	require.NoError(t, err)
	f.markSpent(entry.Proofs)

	report, err := w.CheckProofStates(ctx, testUser)
	require.NoError(t, err)
	require.False(t, report.Consistent)
	require.Len(t, report.Discrepancies, 1)
	require.Equal(t, DiscrepancySpentAtMint, report.Discrepancies[0].Type)
	require.Equal(t, 1, report.SeverityCounts[SeverityHigh])
	require.NotEmpty(t, report.States)

	// The HIGH finding was corrected even though the call itself never
	// refuses; only the clean entry remains spendable.
	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(6), bal.Unspent)

	report, err = w.CheckProofStates(ctx, testUser)
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Empty(t, report.Discrepancies)

	cleanEntry, err := w.store.GetEntry(clean.EntryID)
	require.NoError(t, err)
	require.Len(t, report.States, len(cleanEntry.Proofs))
}

func TestReconcileFullAuditReportsSpentStillHonored(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()
	fund(t, w, f, testUser, 10)

	// A spent entry whose proofs the oracle never saw: the mint still
	// honors them. MEDIUM severity, logged for investigation only.
	spentAt := time.Now().UTC()
	ghost := &ledger.Entry{
		UserKey:       testUser,
		MintURL:       testMintURL,
		TransactionID: "tx-ghost",
		Kind:          ledger.KindSent,
		Status:        ledger.StatusSpent,
		Proofs:        f.makeProofs(7),
		TotalAmount:   7,
		SpentAt:       &spentAt,
		Metadata:      map[string]interface{}{ledger.MetaSource: "send"},
	}
	require.NoError(t, w.store.StoreEntry(ghost))

	report, err := w.Reconcile(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	require.Equal(t, DiscrepancyUnspentAtMint, report.Discrepancies[0].Type)
	require.Equal(t, SeverityMedium, report.Discrepancies[0].Severity)
	require.Zero(t, report.Corrected)

	// Spent history is never resurrected.
	bal, err := w.GetBalance(testUser)
	require.NoError(t, err)
	require.Equal(t, int64(10), bal.Unspent)
}
