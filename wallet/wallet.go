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

// Package wallet implements the custodial wallet coordinator: per-user
// proof ledgers, the mint/send/receive/melt flows against a Cashu mint,
// pre-flight reconciliation and the background pollers and monitor that
// keep the ledger honest.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/gonuts/cashu"
	"github.com/google/uuid"

	"github.com/nutgate/nutgate/event"
	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/log"
	"github.com/nutgate/nutgate/mint"
	"github.com/nutgate/nutgate/params"
)

// oracle is the slice of the mint client the coordinator uses. Tests
// substitute a stub; production always talks to a dialed mint.Client.
type oracle interface {
	URL() string
	CreateMintQuote(ctx context.Context, amount uint64) (*mint.MintQuote, error)
	CheckMintQuote(ctx context.Context, quoteID string) (*mint.MintQuote, error)
	MintProofs(ctx context.Context, amount uint64, quoteID string) (cashu.Proofs, error)
	CreateMeltQuote(ctx context.Context, invoice string) (*mint.MeltQuote, error)
	SendSwap(ctx context.Context, proofsIn cashu.Proofs, amount uint64, opts mint.SwapOptions) (*mint.SwapResult, error)
	MeltProofs(ctx context.Context, quote *mint.MeltQuote, proofs cashu.Proofs) (*mint.MeltResult, error)
	CheckProofStates(ctx context.Context, proofs cashu.Proofs) ([]mint.ProofStateInfo, error)
	Receive(ctx context.Context, proofs cashu.Proofs, p2pkKey *btcec.PrivateKey) (cashu.Proofs, error)
}

type dialFunc func(ctx context.Context, mintURL string) (oracle, error)

// Config are the coordinator tunables. Zero values fall back to the
// defaults in params.
type Config struct {
	// MintURL is the mint wallets are created against.
	MintURL string

	// KeySecret seals wallet P2PK private keys at rest.
	KeySecret string

	// PollInterval and PollBudget shape mint-quote pollers.
	PollInterval time.Duration
	PollBudget   time.Duration

	// StuckThreshold is the pending age the monitor alerts on.
	StuckThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.MintURL == "" {
		c.MintURL = params.DefaultMintURL
	}
	if c.PollInterval == 0 {
		c.PollInterval = params.PollInterval
	}
	if c.PollBudget == 0 {
		c.PollBudget = params.PollBudget
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = params.StuckThreshold
	}
	return c
}

// Wallet is the operation coordinator. All fund-moving methods follow
// the same shape: validate, reconcile, act on the mint, commit to the
// ledger, notify.
type Wallet struct {
	cfg     Config
	store   *ledger.Store
	mux     *event.TypeMux
	pollers *PollerRegistry
	monitor *Monitor
	dial    dialFunc
	log     log.Logger
}

// New wires a coordinator over the given ledger store.
func New(store *ledger.Store, cfg Config) *Wallet {
	cfg = cfg.withDefaults()
	w := &Wallet{
		cfg:   cfg,
		store: store,
		mux:   new(event.TypeMux),
		log:   log.New("pkg", "wallet"),
	}
	w.dial = func(ctx context.Context, mintURL string) (oracle, error) {
		return mint.Dial(ctx, mintURL)
	}
	if cfg.KeySecret == "" {
		w.log.Warn("No key secret configured, wallet P2PK keys are sealed with an empty secret")
	}
	w.pollers = newPollerRegistry(w)
	w.monitor = newMonitor(w)
	return w
}

// Close stops the pollers and the monitor and shuts the event mux. The
// ledger store is owned by the caller and stays open.
func (w *Wallet) Close() {
	w.pollers.CleanupAll()
	w.monitor.Stop()
	w.mux.Stop()
}

// EventMux exposes the post-commit notification bus.
func (w *Wallet) EventMux() *event.TypeMux { return w.mux }

// Monitor exposes the operational monitor.
func (w *Wallet) Monitor() *Monitor { return w.monitor }

// Pollers exposes the mint-quote poller registry.
func (w *Wallet) Pollers() *PollerRegistry { return w.pollers }

// ensureWallet returns the user's wallet for the configured mint,
// creating it (with a fresh P2PK keypair) on first contact.
func (w *Wallet) ensureWallet(userKey string) (*ledger.Wallet, error) {
	rec, err := w.store.FindWallet(userKey, w.cfg.MintURL)
	if err == nil {
		return rec, nil
	}
	if err != ledger.ErrWalletNotFound {
		return nil, err
	}
	pub, sealed, err := newP2PKKey(w.cfg.KeySecret)
	if err != nil {
		return nil, err
	}
	rec = &ledger.Wallet{
		ID:        uuid.NewString(),
		UserKey:   userKey,
		MintURL:   w.cfg.MintURL,
		Unit:      params.SatUnit,
		PublicKey: pub,
		PrivKeyNg: sealed,
		Origin:    "coordinator",
	}
	if err := w.store.CreateWallet(rec); err != nil {
		if err == ledger.ErrWalletExists {
			return w.store.FindWallet(userKey, w.cfg.MintURL)
		}
		return nil, err
	}
	w.log.Info("Created wallet", "user", userKey, "mint", w.cfg.MintURL, "pubkey", pub)
	return rec, nil
}

// WalletInfo returns the user's wallet record, creating it on demand.
func (w *Wallet) WalletInfo(userKey string) (*ledger.Wallet, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	return w.ensureWallet(userKey)
}

// GetBalance returns the user's ledger balance at the configured mint.
func (w *Wallet) GetBalance(userKey string) (*ledger.Balance, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	return w.store.GetBalance(userKey, w.cfg.MintURL)
}

// GetHistory pages through the user's ledger, newest first.
func (w *Wallet) GetHistory(userKey string, filter ledger.HistoryFilter) (*ledger.HistoryPage, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	return w.store.GetHistory(userKey, filter)
}

// HealthStatus grades the coordinator's ability to serve fund-moving
// operations.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Health reports whether the coordinator can serve fund-moving
// operations right now. An unreachable mint or an unresolved critical
// failure grades critical; stuck pending mints grade warning.
type Health struct {
	Status        HealthStatus `json:"status"`
	MintURL       string       `json:"mint_url"`
	MintReachable bool         `json:"mint_reachable"`
	ActivePollers int          `json:"active_pollers"`
	Counters      Stats        `json:"counters"`
	Alerts        []string     `json:"alerts,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// CheckHealth probes the mint and folds the monitor's view into a
// single status grade.
func (w *Wallet) CheckHealth(ctx context.Context) *Health {
	h := &Health{
		Status:        HealthHealthy,
		MintURL:       w.cfg.MintURL,
		ActivePollers: w.pollers.Len(),
		Counters:      w.monitor.Stats(),
	}
	if _, err := w.dial(ctx, w.cfg.MintURL); err != nil {
		h.Error = err.Error()
		h.Status = HealthCritical
		h.Alerts = append(h.Alerts, "mint unreachable")
	} else {
		h.MintReachable = true
	}
	if n := len(w.monitor.CriticalFailures()); n > 0 {
		h.Status = HealthCritical
		h.Alerts = append(h.Alerts, fmt.Sprintf("%d critical failures need manual reconciliation", n))
	}
	if h.Status == HealthHealthy && h.Counters.StuckPending > 0 {
		h.Status = HealthWarning
		h.Alerts = append(h.Alerts, fmt.Sprintf("%d pending mints stuck past %s", h.Counters.StuckPending, w.cfg.StuckThreshold))
	}
	return h
}

// withRetry runs fn up to params.RetryAttempts times with exponential
// backoff, retrying transport failures only. Mint policy refusals are
// final on the first answer. Only read-only oracle calls may go through
// here; anything that moves funds runs exactly once.
func (w *Wallet) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := params.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !mint.IsTransport(err) {
			return err
		}
		if attempt >= params.RetryAttempts {
			return err
		}
		w.log.Debug("Retrying oracle call", "op", op, "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > params.RetryMaxDelay {
			delay = params.RetryMaxDelay
		}
	}
}

// newTransactionID mints the id linking all ledger entries of one
// logical operation.
func newTransactionID() string { return uuid.NewString() }
