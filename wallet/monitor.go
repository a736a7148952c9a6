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
	"sync"
	"time"

	"github.com/nutgate/nutgate/event"
	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/metrics"
	"github.com/nutgate/nutgate/mint"
	"github.com/nutgate/nutgate/params"
)

// stuckScanInterval is how often the monitor sweeps the ledger for
// pending mints past the stuck threshold.
const stuckScanInterval = 10 * time.Minute

// maxCriticalHistory bounds the in-memory critical failure log.
const maxCriticalHistory = 64

// Monitor subscribes to the coordinator's post-commit events, keeps the
// operation counters and periodically sweeps for stuck pending mints.
type Monitor struct {
	w    *Wallet
	sub  *event.TypeMuxSubscription
	quit chan struct{}
	done chan struct{}

	mintsStarted   metrics.Counter
	mintsCompleted metrics.Counter
	mintsFailed    metrics.Counter
	meltsCompleted metrics.Counter
	discrepancies  metrics.Counter
	criticals      metrics.Counter
	stuckPending   metrics.Gauge

	mu      sync.Mutex
	critLog []CriticalFailureEvent
}

func newMonitor(w *Wallet) *Monitor {
	m := &Monitor{
		w:    w,
		quit: make(chan struct{}),
		done: make(chan struct{}),

		mintsStarted:   metrics.GetOrRegisterCounter("wallet/mints/started", nil),
		mintsCompleted: metrics.GetOrRegisterCounter("wallet/mints/completed", nil),
		mintsFailed:    metrics.GetOrRegisterCounter("wallet/mints/failed", nil),
		meltsCompleted: metrics.GetOrRegisterCounter("wallet/melts/completed", nil),
		discrepancies:  metrics.GetOrRegisterCounter("wallet/reconcile/discrepancies", nil),
		criticals:      metrics.GetOrRegisterCounter("wallet/critical", nil),
		stuckPending:   metrics.GetOrRegisterGauge("wallet/pending/stuck", nil),
	}
	m.sub = w.mux.Subscribe(
		MintStartedEvent{},
		MintCompletedEvent{},
		MintFailedEvent{},
		MeltCompletedEvent{},
		DiscrepancyEvent{},
		CriticalFailureEvent{},
	)
	go m.loop()
	return m
}

// Stop terminates the monitor loop.
func (m *Monitor) Stop() {
	close(m.quit)
	<-m.done
	m.sub.Unsubscribe()
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(stuckScanInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-m.sub.Chan():
			if !ok {
				return
			}
			m.handle(ev.Data)
		case <-ticker.C:
			m.scanStuck()
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) handle(data interface{}) {
	switch ev := data.(type) {
	case MintStartedEvent:
		m.mintsStarted.Inc(1)
	case MintCompletedEvent:
		m.mintsCompleted.Inc(1)
	case MintFailedEvent:
		m.mintsFailed.Inc(1)
	case MeltCompletedEvent:
		m.meltsCompleted.Inc(1)
	case DiscrepancyEvent:
		m.discrepancies.Inc(int64(ev.Count))
	case CriticalFailureEvent:
		m.criticals.Inc(1)
		m.mu.Lock()
		m.critLog = append(m.critLog, ev)
		if len(m.critLog) > maxCriticalHistory {
			m.critLog = m.critLog[len(m.critLog)-maxCriticalHistory:]
		}
		m.mu.Unlock()
		m.w.log.Error("Critical failure recorded",
			"op", ev.Op, "user", ev.UserKey, "quote", ev.QuoteID, "tx", ev.TransactionID)
	}
}

// scanStuck counts pending mints past the stuck threshold and logs a
// warning when any exist.
func (m *Monitor) scanStuck() {
	cutoff := time.Now().UTC().Add(-m.w.cfg.StuckThreshold)
	stuck, err := m.w.store.ScanPendingOlderThan(cutoff)
	if err != nil {
		m.w.log.Error("Stuck pending scan failed", "err", err)
		return
	}
	m.stuckPending.Update(int64(len(stuck)))
	if len(stuck) > 0 {
		m.w.log.Warn("Stuck pending mints detected", "count", len(stuck), "older_than", m.w.cfg.StuckThreshold)
	}
}

// Stats is a snapshot of the monitor counters.
type Stats struct {
	MintsStarted   int64 `json:"mints_started"`
	MintsCompleted int64 `json:"mints_completed"`
	MintsFailed    int64 `json:"mints_failed"`
	MeltsCompleted int64 `json:"melts_completed"`
	Discrepancies  int64 `json:"discrepancies"`
	Criticals      int64 `json:"critical_failures"`
	StuckPending   int64 `json:"stuck_pending"`
}

// Stats returns the current counter values.
func (m *Monitor) Stats() Stats {
	return Stats{
		MintsStarted:   m.mintsStarted.Count(),
		MintsCompleted: m.mintsCompleted.Count(),
		MintsFailed:    m.mintsFailed.Count(),
		MeltsCompleted: m.meltsCompleted.Count(),
		Discrepancies:  m.discrepancies.Count(),
		Criticals:      m.criticals.Count(),
		StuckPending:   m.stuckPending.Value(),
	}
}

// CriticalFailures returns the recent critical failure log, newest last.
func (m *Monitor) CriticalFailures() []CriticalFailureEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CriticalFailureEvent, len(m.critLog))
	copy(out, m.critLog)
	return out
}

// RecoveryStats summarizes the user's pending mints for recovery
// tooling: how many quotes are still open, how many are stuck past the
// threshold, and the transaction ids to chase.
type RecoveryStats struct {
	TotalPending int      `json:"total_pending"`
	Stuck        int      `json:"stuck"`
	Transactions []string `json:"transactions,omitempty"`
}

// RecoveryStats reports the state of the user's pending mints.
func (w *Wallet) RecoveryStats(userKey string) (*RecoveryStats, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	pending, err := w.store.FindPendingMints(userKey, time.Time{})
	if err != nil {
		return nil, err
	}
	stats := &RecoveryStats{TotalPending: len(pending)}
	cutoff := time.Now().UTC().Add(-w.cfg.StuckThreshold)
	for _, e := range pending {
		stats.Transactions = append(stats.Transactions, e.TransactionID)
		if e.CreatedAt.Before(cutoff) {
			stats.Stuck++
		}
	}
	return stats, nil
}

// CleanupReport summarizes one cleanup pass over stale pending mints.
type CleanupReport struct {
	DryRun     bool     `json:"dry_run"`
	Scanned    int      `json:"scanned"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Candidates []string `json:"candidates,omitempty"` // entry ids, dry run only
}

// Cleanup resolves the user's pending mints older than the given age:
// quotes that turn out paid are completed, the rest are marked failed.
// With dryRun set nothing is touched; the candidates are reported.
func (w *Wallet) Cleanup(ctx context.Context, userKey string, olderThan time.Duration, dryRun bool) (*CleanupReport, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	if olderThan <= 0 {
		olderThan = params.StuckThreshold
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := w.store.FindPendingMintsOlderThan(userKey, cutoff)
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{DryRun: dryRun, Scanned: len(stale)}
	if dryRun {
		for _, e := range stale {
			report.Candidates = append(report.Candidates, e.ID)
		}
		return report, nil
	}
	for _, entry := range stale {
		_, err := w.completePending(ctx, entry, "cleanup")
		switch {
		case err == nil:
			report.Completed++
		case errors.Is(err, mint.ErrQuoteNotPaid):
			// completePending failed expired quotes already; everything
			// else stale gets written off here.
			if _, ferr := w.findPendingByQuote(userKey, quoteIDOf(entry)); errors.Is(ferr, ledger.ErrEntryNotFound) {
				report.Failed++
				continue
			}
			if ferr := w.failPending(entry, "cleanup: stale pending mint"); ferr != nil {
				return report, ferr
			}
			report.Failed++
		case mint.IsTransport(err):
			// Leave it for the next pass rather than failing entries on
			// a flaky mint.
			report.Skipped++
		default:
			return report, err
		}
	}
	w.log.Info("Cleanup finished", "user", userKey,
		"scanned", report.Scanned, "completed", report.Completed, "failed", report.Failed)
	return report, nil
}

func quoteIDOf(e *ledger.Entry) string {
	q, _ := e.Metadata[ledger.MetaQuoteID].(string)
	return q
}
