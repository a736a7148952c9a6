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

	"github.com/elnosh/gonuts/cashu"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/mint"
)

// Reconciliation compares what the ledger believes about a user's
// proofs with what the mint oracle reports. The ledger is the source of
// truth for ownership; the mint is the source of truth for spendability.
// When the two disagree the mint wins for spendability and the ledger
// is corrected, but a HIGH finding still refuses the operation that
// triggered it, because the funds the caller counted on were not real.

// Severity grades a reconciliation finding.
type Severity string

const (
	// SeverityHigh: the ledger promised spendable funds the mint has
	// already seen spent. The ledger is corrected and the operation
	// refused.
	SeverityHigh Severity = "high"

	// SeverityMedium: the ledger wrote proofs off that the mint still
	// honors. Logged for investigation; spent history is never
	// resurrected.
	SeverityMedium Severity = "medium"

	// SeverityLow: the mint holds the proofs in limbo (an in-flight
	// melt elsewhere). Monitored only; the entry stays selectable and
	// the mint is the one that arbitrates any race.
	SeverityLow Severity = "low"
)

// DiscrepancyType names the ledger/oracle divergence.
type DiscrepancyType string

const (
	DiscrepancySpentAtMint   DiscrepancyType = "db_unspent_mint_spent"
	DiscrepancyPendingAtMint DiscrepancyType = "db_unspent_mint_pending"
	DiscrepancyUnspentAtMint DiscrepancyType = "db_spent_mint_unspent"
	DiscrepancyPartialSpend  DiscrepancyType = "partial_spend"
)

// Discrepancy is one entry-level finding.
type Discrepancy struct {
	EntryID   string          `json:"entry_id"`
	Type      DiscrepancyType `json:"type"`
	Severity  Severity        `json:"severity"`
	Amount    int64           `json:"amount"`
	Spent     int             `json:"spent_proofs"`
	Pending   int             `json:"pending_proofs"`
	Unspent   int             `json:"unspent_proofs"`
	Corrected bool            `json:"corrected"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	UserKey       string        `json:"user_key"`
	Checked       int           `json:"entries_checked"`
	Proofs        int           `json:"proofs_checked"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	Corrected     int           `json:"corrected"`

	// Spendable are the entries that survived the pass and may be
	// selected for spending.
	Spendable []*ledger.Entry `json:"-"`

	// states carries the raw oracle answer for CheckProofStates.
	states []mint.ProofStateInfo
}

func (r *ReconcileReport) highest() Severity {
	worst := Severity("")
	for _, d := range r.Discrepancies {
		switch d.Severity {
		case SeverityHigh:
			return SeverityHigh
		case SeverityMedium:
			worst = SeverityMedium
		case SeverityLow:
			if worst == "" {
				worst = SeverityLow
			}
		}
	}
	return worst
}

// reconcileUnspent verifies the user's unspent entries against the
// oracle. HIGH findings are corrected in the ledger (the entries become
// spent); LOW findings over mint-pending proofs are reported but stay
// selectable, since the mint rejects a double spend anyway.
func (w *Wallet) reconcileUnspent(ctx context.Context, ora oracle, userKey string) (*ReconcileReport, error) {
	entries, err := w.store.FindUnspent(userKey, w.cfg.MintURL)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{UserKey: userKey, Checked: len(entries)}
	if len(entries) == 0 {
		return report, nil
	}

	var all cashu.Proofs
	bounds := make([]int, 0, len(entries)+1)
	bounds = append(bounds, 0)
	for _, e := range entries {
		all = append(all, e.Proofs...)
		bounds = append(bounds, len(all))
	}
	report.Proofs = len(all)

	var states []mint.ProofStateInfo
	err = w.withRetry(ctx, "checkstate", func() error {
		var cerr error
		states, cerr = ora.CheckProofStates(ctx, all)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	report.states = states

	var toCorrect []string
	for i, e := range entries {
		spent, pending := 0, 0
		for _, st := range states[bounds[i]:bounds[i+1]] {
			switch st.State {
			case mint.ProofSpent:
				spent++
			case mint.ProofPending:
				pending++
			}
		}
		total := bounds[i+1] - bounds[i]
		switch {
		case spent == total && total > 0:
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				EntryID: e.ID, Type: DiscrepancySpentAtMint, Severity: SeverityHigh,
				Amount: e.TotalAmount, Spent: spent, Corrected: true,
			})
			toCorrect = append(toCorrect, e.ID)
		case spent > 0:
			// Some proofs of the bundle are gone. The whole entry is
			// written off; the unspent remainder is unrecoverable value
			// and gets surfaced for operators.
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				EntryID: e.ID, Type: DiscrepancyPartialSpend, Severity: SeverityHigh,
				Amount: e.TotalAmount, Spent: spent, Unspent: total - spent - pending, Pending: pending,
				Corrected: true,
			})
			toCorrect = append(toCorrect, e.ID)
		case pending > 0:
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				EntryID: e.ID, Type: DiscrepancyPendingAtMint, Severity: SeverityLow,
				Amount: e.TotalAmount, Pending: pending, Unspent: total - pending,
			})
			report.Spendable = append(report.Spendable, e)
		default:
			report.Spendable = append(report.Spendable, e)
		}
	}

	if len(toCorrect) > 0 {
		n, err := w.store.MarkSpent(toCorrect)
		if err != nil {
			return nil, err
		}
		report.Corrected = n
		w.log.Warn("Reconciliation corrected ledger entries",
			"user", userKey, "corrected", n, "discrepancies", len(report.Discrepancies))
	}
	for _, d := range report.Discrepancies {
		w.mux.Post(DiscrepancyEvent{UserKey: userKey, Severity: d.Severity, Type: d.Type, Count: 1})
	}
	return report, nil
}

// preFlight is the gate every spend path passes before proof selection.
// It returns the spendable entries, or an InconsistencyError when a
// HIGH finding poisoned the balance the caller believed in.
func (w *Wallet) preFlight(ctx context.Context, ora oracle, userKey, txID string) (*ReconcileReport, error) {
	report, err := w.reconcileUnspent(ctx, ora, userKey)
	if err != nil {
		return nil, err
	}
	if report.highest() == SeverityHigh {
		return nil, &InconsistencyError{
			TransactionID: txID,
			Discrepancies: report.Discrepancies,
			Corrected:     report.Corrected,
		}
	}
	return report, nil
}

// ProofStatesReport is the oracle's view of the user's unspent proofs
// together with the findings the comparison produced.
type ProofStatesReport struct {
	UserKey        string                `json:"user_key"`
	States         []mint.ProofStateInfo `json:"states"`
	Discrepancies  []Discrepancy         `json:"discrepancies,omitempty"`
	SeverityCounts map[Severity]int      `json:"severity_counts,omitempty"`
	Consistent     bool                  `json:"consistent"`
}

// CheckProofStates asks the oracle about every unspent proof the user
// holds and reports the raw states alongside any discrepancies found.
// HIGH findings are corrected in the ledger, same as pre-flight, but
// the call itself never refuses.
func (w *Wallet) CheckProofStates(ctx context.Context, userKey string) (*ProofStatesReport, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	ora, err := w.dial(ctx, w.cfg.MintURL)
	if err != nil {
		return nil, err
	}
	report, err := w.reconcileUnspent(ctx, ora, userKey)
	if err != nil {
		return nil, err
	}
	out := &ProofStatesReport{
		UserKey:       userKey,
		States:        report.states,
		Discrepancies: report.Discrepancies,
		Consistent:    len(report.Discrepancies) == 0,
	}
	if len(report.Discrepancies) > 0 {
		out.SeverityCounts = make(map[Severity]int)
		for _, d := range report.Discrepancies {
			out.SeverityCounts[d.Severity]++
		}
	}
	return out, nil
}

// Reconcile runs a full audit of the user's ledger against the oracle:
// the unspent pass of preFlight plus a sweep over spent
// entries the mint still honors. It never refuses; it reports.
func (w *Wallet) Reconcile(ctx context.Context, userKey string) (*ReconcileReport, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	ora, err := w.dial(ctx, w.cfg.MintURL)
	if err != nil {
		return nil, err
	}
	report, err := w.reconcileUnspent(ctx, ora, userKey)
	if err != nil {
		return nil, err
	}

	spent, err := w.store.FindSpent(userKey, w.cfg.MintURL)
	if err != nil {
		return nil, err
	}
	for _, e := range spent {
		if len(e.Proofs) == 0 {
			continue
		}
		states, err := ora.CheckProofStates(ctx, e.Proofs)
		if err != nil {
			return nil, err
		}
		unspent := 0
		for _, st := range states {
			if st.State == mint.ProofUnspent {
				unspent++
			}
		}
		report.Checked++
		report.Proofs += len(e.Proofs)
		if unspent == len(e.Proofs) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				EntryID: e.ID, Type: DiscrepancyUnspentAtMint, Severity: SeverityMedium,
				Amount: e.TotalAmount, Unspent: unspent,
			})
			w.log.Warn("Spent entry still honored by mint", "user", userKey, "entry", e.ID, "amount", e.TotalAmount)
			w.mux.Post(DiscrepancyEvent{UserKey: userKey, Severity: SeverityMedium, Type: DiscrepancyUnspentAtMint, Count: 1})
		}
	}
	return report, nil
}
