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
	"sort"
	"sync"
	"time"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/mint"
	"github.com/nutgate/nutgate/params"
)

// A poller watches one mint quote until the invoice is paid, the quote
// expires, or its time budget runs out. Pollers are keyed by the full
// (user, quote, transaction) triple so a quote id reused across mints
// can never cross wires.

type pollKey struct {
	user  string
	quote string
	tx    string
}

// PollerInfo is one registry row, as reported by Status.
type PollerInfo struct {
	UserKey       string    `json:"user_key"`
	QuoteID       string    `json:"quote_id"`
	TransactionID string    `json:"transaction_id"`
	Started       time.Time `json:"started"`
	Checks        int       `json:"checks"`
	Errors        int       `json:"errors"`
}

type poller struct {
	key      pollKey
	started  time.Time
	quit     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	checks int
	errs   int
}

func (p *poller) stop() {
	p.stopOnce.Do(func() { close(p.quit) })
}

func (p *poller) info() PollerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PollerInfo{
		UserKey:       p.key.user,
		QuoteID:       p.key.quote,
		TransactionID: p.key.tx,
		Started:       p.started,
		Checks:        p.checks,
		Errors:        p.errs,
	}
}

// PollerRegistry owns the background pollers. All registration and
// teardown funnels through it; operations never touch pollers directly.
type PollerRegistry struct {
	w  *Wallet
	mu sync.Mutex
	m  map[pollKey]*poller
	wg sync.WaitGroup
}

func newPollerRegistry(w *Wallet) *PollerRegistry {
	return &PollerRegistry{w: w, m: make(map[pollKey]*poller)}
}

// Register starts a poller for the given quote. Exactly one poller may
// exist per key.
func (r *PollerRegistry) Register(userKey, quoteID, txID string) error {
	key := pollKey{user: userKey, quote: quoteID, tx: txID}
	r.mu.Lock()
	if _, ok := r.m[key]; ok {
		r.mu.Unlock()
		return ErrPollerExists
	}
	p := &poller{key: key, started: time.Now(), quit: make(chan struct{})}
	r.m[key] = p
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(p)
	return nil
}

// Remove stops and unregisters a poller. Safe to call from within the
// poller's own goroutine and on unknown keys.
func (r *PollerRegistry) Remove(userKey, quoteID, txID string) {
	key := pollKey{user: userKey, quote: quoteID, tx: txID}
	r.mu.Lock()
	p, ok := r.m[key]
	if ok {
		delete(r.m, key)
	}
	r.mu.Unlock()
	if ok {
		p.stop()
	}
}

// Len returns the number of live pollers.
func (r *PollerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Status snapshots the registry, oldest poller first.
func (r *PollerRegistry) Status() []PollerInfo {
	r.mu.Lock()
	out := make([]PollerInfo, 0, len(r.m))
	for _, p := range r.m {
		out = append(out, p.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// CleanupAll stops every poller and waits for the goroutines to drain.
// Called on shutdown.
func (r *PollerRegistry) CleanupAll() {
	r.mu.Lock()
	pollers := make([]*poller, 0, len(r.m))
	for _, p := range r.m {
		pollers = append(pollers, p)
	}
	r.m = make(map[pollKey]*poller)
	r.mu.Unlock()
	for _, p := range pollers {
		p.stop()
	}
	r.wg.Wait()
}

// run is the poller loop: one oracle check per tick until a terminal
// state, too many consecutive errors, or the budget expires.
func (r *PollerRegistry) run(p *poller) {
	defer r.wg.Done()
	defer r.Remove(p.key.user, p.key.quote, p.key.tx)

	w := r.w
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	budget := time.NewTimer(w.cfg.PollBudget)
	defer budget.Stop()

	consecutive := 0
	for {
		select {
		case <-p.quit:
			return

		case <-budget.C:
			w.log.Warn("Poll budget exhausted", "quote", p.key.quote, "user", p.key.user)
			r.abandon(p, "Polling timeout")
			return

		case <-ticker.C:
			done, fatal := r.check(p)
			if done {
				return
			}
			if fatal {
				consecutive++
				if consecutive >= params.PollMaxConsecutiveErrors {
					w.log.Warn("Poller giving up after repeated errors",
						"quote", p.key.quote, "errors", consecutive)
					r.abandon(p, "Polling aborted after repeated errors")
					return
				}
			} else {
				consecutive = 0
			}
		}
	}
}

// abandon marks the watched pending entry failed with the given reason.
// The entry may already be gone when another path finished the quote
// first; that is not an error.
func (r *PollerRegistry) abandon(p *poller, reason string) {
	w := r.w
	entry, err := w.findPendingByQuote(p.key.user, p.key.quote)
	if err != nil {
		return
	}
	if err := w.failPending(entry, reason); err != nil {
		w.log.Error("Failed to fail pending mint", "quote", p.key.quote, "err", err)
	}
}

// check performs one oracle round. done means the poller is finished
// (terminal state reached or the entry vanished); fatal marks an error
// that counts toward the consecutive error limit.
func (r *PollerRegistry) check(p *poller) (done, fatal bool) {
	w := r.w
	p.mu.Lock()
	p.checks++
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), params.MintSocketTimeout)
	defer cancel()

	entry, err := w.findPendingByQuote(p.key.user, p.key.quote)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		// Completed or failed through another path.
		return true, false
	}
	if err != nil {
		p.countError()
		return false, true
	}

	_, err = w.completePending(ctx, entry, "poller")
	switch {
	case err == nil:
		return true, false
	case errors.Is(err, mint.ErrQuoteNotPaid):
		// Expired quotes were already failed inside completePending;
		// check whether the entry is still alive.
		if _, ferr := w.findPendingByQuote(p.key.user, p.key.quote); errors.Is(ferr, ledger.ErrEntryNotFound) {
			return true, false
		}
		return false, false
	default:
		var crit *CriticalError
		if errors.As(err, &crit) {
			// Never retry past a critical; the proofs are issued and
			// recovery owns the rest.
			return true, false
		}
		p.countError()
		w.log.Debug("Poll check failed", "quote", p.key.quote, "err", err)
		return false, true
	}
}

func (p *poller) countError() {
	p.mu.Lock()
	p.errs++
	p.mu.Unlock()
}
