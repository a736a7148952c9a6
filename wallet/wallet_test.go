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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/gonuts/cashu"
	"github.com/stretchr/testify/require"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/mint"
)

var (
	testUser  = strings.Repeat("a", 64)
	otherUser = strings.Repeat("b", 64)
)

const testMintURL = "http://mint.test"

// testKeysetID is hex-decodable so V4 token serialization works.
const testKeysetID = "00ffd1dbad256f4c"

// fakeOracle is an in-memory mint. It issues proofs with sequential
// secrets and tracks which ones it has seen spent, which is all the
// coordinator ever observes.
type fakeOracle struct {
	url string

	mu  sync.Mutex
	seq int

	quotes  map[string]*mint.MintQuote
	paid    map[string]bool
	expired map[string]bool
	issued  map[string]bool

	meltQuote  *mint.MeltQuote
	meltState  mint.QuoteState
	meltChange uint64
	meltErr    error
	onMelt     func()

	// mintOverride replaces the issued amount when non-zero, for mints
	// that settle short or over the request.
	mintOverride uint64

	spentSecrets   map[string]bool
	pendingSecrets map[string]bool

	dialErr      error
	checkErr     error
	checkErrOnce bool
}

func newFakeOracle(url string) *fakeOracle {
	return &fakeOracle{
		url:            url,
		quotes:         make(map[string]*mint.MintQuote),
		paid:           make(map[string]bool),
		expired:        make(map[string]bool),
		issued:         make(map[string]bool),
		spentSecrets:   make(map[string]bool),
		pendingSecrets: make(map[string]bool),
		meltState:      mint.QuotePaid,
	}
}

func (f *fakeOracle) URL() string { return f.url }

func (f *fakeOracle) makeProofs(amount uint64) cashu.Proofs {
	var out cashu.Proofs
	for _, amt := range cashu.AmountSplit(amount) {
		f.seq++
		out = append(out, cashu.Proof{
			Amount: amt,
			Id:     testKeysetID,
			Secret: fmt.Sprintf("secret-%04d", f.seq),
			C:      "02a9acc1e48c25eeeb9289b5031cc57da9fe72f3fe2861d264bdc074209b107ba2",
		})
	}
	return out
}

func (f *fakeOracle) setPaid(quoteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid[quoteID] = true
	if q, ok := f.quotes[quoteID]; ok {
		q.State = mint.QuotePaid
	}
}

func (f *fakeOracle) setDialErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

func (f *fakeOracle) markSpent(proofs cashu.Proofs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range proofs {
		f.spentSecrets[p.Secret] = true
	}
}

func (f *fakeOracle) markPending(proofs cashu.Proofs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range proofs {
		f.pendingSecrets[p.Secret] = true
	}
}

func (f *fakeOracle) CreateMintQuote(ctx context.Context, amount uint64) (*mint.MintQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	q := &mint.MintQuote{
		QuoteID: fmt.Sprintf("quote-%04d", f.seq),
		Invoice: "lnbcfakeinvoice",
		State:   mint.QuoteUnpaid,
		Expiry:  uint64(time.Now().Add(10 * time.Minute).Unix()),
	}
	f.quotes[q.QuoteID] = q
	cp := *q
	return &cp, nil
}

func (f *fakeOracle) CheckMintQuote(ctx context.Context, quoteID string) (*mint.MintQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		err := f.checkErr
		if f.checkErrOnce {
			f.checkErr = nil
		}
		return nil, err
	}
	q, ok := f.quotes[quoteID]
	if !ok {
		return nil, &mint.PolicyError{Op: "check", Code: 404, Detail: "unknown quote"}
	}
	cp := *q
	switch {
	case f.paid[quoteID]:
		cp.State = mint.QuotePaid
	case f.expired[quoteID]:
		cp.State = mint.QuoteExpired
	}
	return &cp, nil
}

func (f *fakeOracle) MintProofs(ctx context.Context, amount uint64, quoteID string) (cashu.Proofs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paid[quoteID] {
		return nil, mint.ErrQuoteNotPaid
	}
	if f.issued[quoteID] {
		return nil, mint.ErrQuoteAlreadyIssued
	}
	f.issued[quoteID] = true
	if f.mintOverride != 0 {
		amount = f.mintOverride
	}
	return f.makeProofs(amount), nil
}

func (f *fakeOracle) CreateMeltQuote(ctx context.Context, invoice string) (*mint.MeltQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meltQuote == nil {
		return nil, &mint.PolicyError{Op: "melt quote", Code: 400, Detail: "no quote configured"}
	}
	cp := *f.meltQuote
	cp.Invoice = invoice
	return &cp, nil
}

func (f *fakeOracle) SendSwap(ctx context.Context, proofsIn cashu.Proofs, amount uint64, opts mint.SwapOptions) (*mint.SwapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := proofsIn.Amount()
	if total < amount {
		return nil, mint.ErrInsufficientProofs
	}
	for _, p := range proofsIn {
		f.spentSecrets[p.Secret] = true
	}
	res := &mint.SwapResult{Send: f.makeProofs(amount)}
	if total > amount {
		res.Keep = f.makeProofs(total - amount)
	}
	return res, nil
}

func (f *fakeOracle) MeltProofs(ctx context.Context, quote *mint.MeltQuote, proofs cashu.Proofs) (*mint.MeltResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meltErr != nil {
		return nil, f.meltErr
	}
	if f.onMelt != nil {
		f.onMelt()
	}
	for _, p := range proofs {
		f.spentSecrets[p.Secret] = true
	}
	res := &mint.MeltResult{State: f.meltState}
	if f.meltState == mint.QuotePaid {
		res.Preimage = "0001020304"
		if f.meltChange > 0 {
			res.Change = f.makeProofs(f.meltChange)
		}
	}
	return res, nil
}

func (f *fakeOracle) CheckProofStates(ctx context.Context, proofs cashu.Proofs) ([]mint.ProofStateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mint.ProofStateInfo, len(proofs))
	for i, p := range proofs {
		state := mint.ProofUnspent
		if f.pendingSecrets[p.Secret] {
			state = mint.ProofPending
		}
		if f.spentSecrets[p.Secret] {
			state = mint.ProofSpent
		}
		out[i] = mint.ProofStateInfo{Secret: p.Secret, Y: p.Secret, State: state}
	}
	return out, nil
}

func (f *fakeOracle) Receive(ctx context.Context, proofs cashu.Proofs, p2pkKey *btcec.PrivateKey) (cashu.Proofs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range proofs {
		f.spentSecrets[p.Secret] = true
	}
	return f.makeProofs(proofs.Amount()), nil
}

// newTestWallet builds a coordinator over an in-memory store talking to
// a fake oracle. Pollers are effectively disabled unless the test
// configures a short interval.
func newTestWallet(t *testing.T, cfg Config) (*Wallet, *fakeOracle) {
	t.Helper()
	if cfg.MintURL == "" {
		cfg.MintURL = testMintURL
	}
	if cfg.KeySecret == "" {
		cfg.KeySecret = "test-secret"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	store := ledger.NewMemStore()
	w := New(store, cfg)
	f := newFakeOracle(cfg.MintURL)
	w.dial = func(ctx context.Context, mintURL string) (oracle, error) {
		f.mu.Lock()
		dialErr := f.dialErr
		f.mu.Unlock()
		if dialErr != nil {
			return nil, dialErr
		}
		return f, nil
	}
	t.Cleanup(func() {
		w.Close()
		store.Close()
	})
	return w, f
}

// fund mints and completes a quote, leaving the user with an unspent
// entry of the given amount.
func fund(t *testing.T, w *Wallet, f *fakeOracle, userKey string, amount int64) *CompleteMintResult {
	t.Helper()
	res, err := w.Mint(context.Background(), userKey, amount)
	require.NoError(t, err)
	f.setPaid(res.QuoteID)
	done, err := w.CompleteMint(context.Background(), userKey, res.QuoteID)
	require.NoError(t, err)
	require.False(t, done.AlreadyCompleted)
	return done
}

func TestWalletCreatedOnFirstContact(t *testing.T) {
	w, _ := newTestWallet(t, Config{})

	rec, err := w.WalletInfo(testUser)
	require.NoError(t, err)
	require.Equal(t, testUser, rec.UserKey)
	require.Equal(t, testMintURL, rec.MintURL)
	require.Len(t, rec.PublicKey, 66)
	require.NotEmpty(t, rec.PrivKeyNg)

	// Second lookup returns the same wallet, not a fresh keypair.
	again, err := w.WalletInfo(testUser)
	require.NoError(t, err)
	require.Equal(t, rec.ID, again.ID)
	require.Equal(t, rec.PublicKey, again.PublicKey)
}

func TestP2PKKeySealRoundtrip(t *testing.T) {
	pub, sealed, err := newP2PKKey("hunter2")
	require.NoError(t, err)

	priv, err := openP2PKKey(sealed, "hunter2")
	require.NoError(t, err)
	require.Equal(t, pub, fmt.Sprintf("%x", priv.PubKey().SerializeCompressed()))

	_, err = openP2PKKey(sealed, "wrong")
	require.Error(t, err)
}

func TestCheckHealth(t *testing.T) {
	w, f := newTestWallet(t, Config{})

	h := w.CheckHealth(context.Background())
	require.True(t, h.MintReachable)
	require.Equal(t, testMintURL, h.MintURL)
	require.Equal(t, HealthHealthy, h.Status)
	require.Empty(t, h.Alerts)

	f.setDialErr(&mint.TransportError{Op: "dial", URL: testMintURL, Err: context.DeadlineExceeded})
	h = w.CheckHealth(context.Background())
	require.False(t, h.MintReachable)
	require.NotEmpty(t, h.Error)
	require.Equal(t, HealthCritical, h.Status)
	require.NotEmpty(t, h.Alerts)
}

func TestRecoveryStats(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	ctx := context.Background()

	stats, err := w.RecoveryStats(testUser)
	require.NoError(t, err)
	require.Zero(t, stats.TotalPending)

	open, err := w.Mint(ctx, testUser, 10)
	require.NoError(t, err)
	done, err := w.Mint(ctx, testUser, 20)
	require.NoError(t, err)
	f.setPaid(done.QuoteID)
	_, err = w.CompleteMint(ctx, testUser, done.QuoteID)
	require.NoError(t, err)

	stats, err = w.RecoveryStats(testUser)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalPending)
	require.Zero(t, stats.Stuck)
	require.Equal(t, []string{open.TransactionID}, stats.Transactions)
}

func TestMonitorCountsEvents(t *testing.T) {
	w, f := newTestWallet(t, Config{})
	before := w.Monitor().Stats()
	fund(t, w, f, testUser, 20)

	// Counters land asynchronously through the event mux.
	require.Eventually(t, func() bool {
		s := w.Monitor().Stats()
		return s.MintsStarted == before.MintsStarted+1 &&
			s.MintsCompleted == before.MintsCompleted+1
	}, 2*time.Second, 10*time.Millisecond)
}
