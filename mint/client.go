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

// Package mint implements the transport and the typed client the wallet
// coordinator uses to talk to a Cashu mint. A client is request scoped:
// every coordinator operation dials its own handle and nothing is shared
// across operations except the keyset cache.
package mint

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut02"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/cashu/nuts/nut06"
	"github.com/elnosh/gonuts/cashu/nuts/nut07"
	"github.com/elnosh/gonuts/cashu/nuts/nut10"
	"github.com/elnosh/gonuts/cashu/nuts/nut11"
	lru "github.com/hashicorp/golang-lru"

	"github.com/nutgate/nutgate/log"
)

// keysetCacheSize bounds the number of mints whose active keyset is kept
// warm between dials.
const keysetCacheSize = 16

var keysetCache, _ = lru.New(keysetCacheSize)

// activeKeyset is the parsed signing keyset of a mint.
type activeKeyset struct {
	id          string
	unit        string
	inputFeePpk uint
	keys        map[uint64]*secp256k1.PublicKey
}

// MintQuote is the coordinator's view of a NUT-04 quote.
type MintQuote struct {
	QuoteID string
	Invoice string
	State   QuoteState
	Expiry  uint64
}

// MeltQuote is the coordinator's view of a NUT-05 quote.
type MeltQuote struct {
	QuoteID    string
	Amount     uint64
	FeeReserve uint64
	State      QuoteState
	Expiry     uint64
	Invoice    string
}

// SwapResult is the outcome of a send split at the mint.
type SwapResult struct {
	Send cashu.Proofs
	Keep cashu.Proofs
}

// MeltResult is the outcome of paying a Lightning invoice with proofs.
type MeltResult struct {
	State    QuoteState
	Preimage string
	Change   cashu.Proofs
}

// ProofStateInfo pairs a proof secret with the oracle's verdict on it.
type ProofStateInfo struct {
	Secret string
	Y      string
	State  ProofState
}

// SwapOptions tweak a send swap.
type SwapOptions struct {
	// IncludeFees adds the keyset input fee on top of the send amount so
	// the recipient can redeem the full face value.
	IncludeFees bool

	// RecipientPubKey locks the send outputs to the given P2PK key
	// (hex compressed) when non-empty.
	RecipientPubKey string
}

// Client is a request-scoped handle onto one mint. It holds no wallet
// state; all it knows is the mint's URL, its active keyset and an HTTP
// client with the IPv4/keep-alive discipline applied.
type Client struct {
	url    string
	httpc  *http.Client
	info   *nut06.MintInfo
	keyset *activeKeyset
	log    log.Logger
}

// Dial constructs a client for the given mint and proves reachability by
// fetching the mint info. It also loads the active keyset, without which
// no signing operation can run. Dial failing fast here is what keeps
// half-connected mints out of the fund-moving paths.
func Dial(ctx context.Context, mintURL string) (*Client, error) {
	c := &Client{
		url:   strings.TrimSuffix(mintURL, "/"),
		httpc: newHTTPClient(),
		log:   log.New("mint", mintURL),
	}
	info, err := c.GetInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c.info = info

	if err := c.loadKeyset(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// URL returns the mint endpoint this client is bound to.
func (c *Client) URL() string { return c.url }

// Info returns the mint metadata captured at dial time.
func (c *Client) Info() *nut06.MintInfo { return c.info }

// KeysetID returns the id of the active keyset.
func (c *Client) KeysetID() string {
	if c.keyset == nil {
		return ""
	}
	return c.keyset.id
}

// GetInfo fetches the NUT-06 mint metadata.
func (c *Client) GetInfo(ctx context.Context) (*nut06.MintInfo, error) {
	var info nut06.MintInfo
	if err := c.get(ctx, "/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateMintQuote asks the mint for a Lightning invoice worth amount sats.
func (c *Client) CreateMintQuote(ctx context.Context, amount uint64) (*MintQuote, error) {
	req := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: c.unit()}
	var resp nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, "/v1/mint/quote/bolt11", req, &resp); err != nil {
		return nil, err
	}
	return &MintQuote{
		QuoteID: resp.Quote,
		Invoice: resp.Request,
		State:   quoteStateFromNut04(resp.State, resp.Expiry),
		Expiry:  resp.Expiry,
	}, nil
}

// CheckMintQuote asks the mint for the current state of a quote.
func (c *Client) CheckMintQuote(ctx context.Context, quoteID string) (*MintQuote, error) {
	var resp nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, "/v1/mint/quote/bolt11/"+quoteID, &resp); err != nil {
		return nil, err
	}
	return &MintQuote{
		QuoteID: resp.Quote,
		Invoice: resp.Request,
		State:   quoteStateFromNut04(resp.State, resp.Expiry),
		Expiry:  resp.Expiry,
	}, nil
}

// MintProofs redeems a paid quote into proofs. Not idempotent: the mint
// issues the signatures exactly once, so the caller owns persisting the
// result before anything else can fail.
func (c *Client) MintProofs(ctx context.Context, amount uint64, quoteID string) (cashu.Proofs, error) {
	if c.keyset == nil {
		return nil, ErrKeysetsNotLoaded
	}
	outputs, factors, err := createBlindedMessages(amount, c.keyset.id)
	if err != nil {
		return nil, err
	}
	req := nut04.PostMintBolt11Request{Quote: quoteID, Outputs: outputs}
	var resp nut04.PostMintBolt11Response
	if err := c.post(ctx, "/v1/mint/bolt11", req, &resp); err != nil {
		return nil, remapMintError(err)
	}
	return constructProofs(resp.Signatures, factors, c.keyset.keys)
}

// CreateMeltQuote asks the mint to price paying the given BOLT11 invoice.
func (c *Client) CreateMeltQuote(ctx context.Context, invoice string) (*MeltQuote, error) {
	req := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: c.unit()}
	var resp nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/quote/bolt11", req, &resp); err != nil {
		return nil, err
	}
	return &MeltQuote{
		QuoteID:    resp.Quote,
		Amount:     resp.Amount,
		FeeReserve: resp.FeeReserve,
		State:      meltStateFromNut05(resp.State),
		Expiry:     resp.Expiry,
		Invoice:    invoice,
	}, nil
}

// SendSwap trades proofsIn at the mint for a split of fresh proofs: a
// send bundle of exactly amount (plus fees when requested) and a keep
// bundle with the remainder. Inputs are consumed by the mint whether or
// not the caller persists the result.
func (c *Client) SendSwap(ctx context.Context, proofsIn cashu.Proofs, amount uint64, opts SwapOptions) (*SwapResult, error) {
	if c.keyset == nil {
		return nil, ErrKeysetsNotLoaded
	}
	sendAmount := amount
	fee := c.feeForProofs(len(proofsIn))
	if opts.IncludeFees {
		sendAmount += c.feeForProofs(len(cashu.AmountSplit(amount)))
	}
	total := proofsIn.Amount()
	if total < sendAmount+fee {
		return nil, ErrInsufficientProofs
	}
	keepAmount := total - sendAmount - fee

	var (
		sendOutputs cashu.BlindedMessages
		sendFactors *blindFactors
		err         error
	)
	if opts.RecipientPubKey != "" {
		sendOutputs, sendFactors, err = c.blindP2PK(sendAmount, opts.RecipientPubKey)
	} else {
		sendOutputs, sendFactors, err = createBlindedMessages(sendAmount, c.keyset.id)
	}
	if err != nil {
		return nil, err
	}
	keepOutputs, keepFactors, err := createBlindedMessages(keepAmount, c.keyset.id)
	if err != nil {
		return nil, err
	}

	req := nut03.PostSwapRequest{Inputs: proofsIn, Outputs: append(sendOutputs, keepOutputs...)}
	var resp nut03.PostSwapResponse
	if err := c.post(ctx, "/v1/swap", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Signatures) != len(sendOutputs)+len(keepOutputs) {
		return nil, fmt.Errorf("mint returned %d signatures for %d outputs",
			len(resp.Signatures), len(sendOutputs)+len(keepOutputs))
	}

	send, err := constructProofs(resp.Signatures[:len(sendOutputs)], sendFactors, c.keyset.keys)
	if err != nil {
		return nil, err
	}
	keep, err := constructProofs(resp.Signatures[len(sendOutputs):], keepFactors, c.keyset.keys)
	if err != nil {
		return nil, err
	}
	return &SwapResult{Send: send, Keep: keep}, nil
}

// MeltProofs pays the quoted invoice with the given proofs. Blank
// outputs ride along so overpaid fee reserve comes back as change.
// Not idempotent; same persistence obligation as MintProofs.
func (c *Client) MeltProofs(ctx context.Context, quote *MeltQuote, proofs cashu.Proofs) (*MeltResult, error) {
	if c.keyset == nil {
		return nil, ErrKeysetsNotLoaded
	}
	outputs, factors, err := createBlankOutputs(quote.FeeReserve, c.keyset.id)
	if err != nil {
		return nil, err
	}
	req := nut05.PostMeltBolt11Request{Quote: quote.QuoteID, Inputs: proofs, Outputs: outputs}
	var resp nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/bolt11", req, &resp); err != nil {
		return nil, err
	}
	var change cashu.Proofs
	if len(resp.Change) > 0 {
		change, err = constructProofs(resp.Change, factors, c.keyset.keys)
		if err != nil {
			// The payment went through; losing the change construction
			// must not look like a failed melt.
			c.log.Error("Failed to unblind melt change", "quote", quote.QuoteID, "err", err)
			change = nil
		}
	}
	return &MeltResult{
		State:    meltStateFromNut05(resp.State),
		Preimage: resp.Preimage,
		Change:   change,
	}, nil
}

// CheckProofStates asks the oracle for the state of every given proof.
// The result preserves input order.
func (c *Client) CheckProofStates(ctx context.Context, proofs cashu.Proofs) ([]ProofStateInfo, error) {
	ys, err := proofYs(proofs)
	if err != nil {
		return nil, err
	}
	req := nut07.PostCheckStateRequest{Ys: ys}
	var resp nut07.PostCheckStateResponse
	if err := c.post(ctx, "/v1/checkstate", req, &resp); err != nil {
		return nil, err
	}
	byY := make(map[string]nut07.State, len(resp.States))
	for _, st := range resp.States {
		byY[st.Y] = st.State
	}
	out := make([]ProofStateInfo, len(proofs))
	for i, proof := range proofs {
		state, ok := byY[ys[i]]
		if !ok {
			// The oracle answered but skipped this Y; treat as pending
			// so nothing is unlocked on silence.
			out[i] = ProofStateInfo{Secret: proof.Secret, Y: ys[i], State: ProofPending}
			continue
		}
		out[i] = ProofStateInfo{Secret: proof.Secret, Y: ys[i], State: proofStateFromNut07(state)}
	}
	return out, nil
}

// Receive swaps incoming token proofs into fresh proofs owned by this
// wallet. P2PK-locked proofs are signed with the supplied key first.
func (c *Client) Receive(ctx context.Context, proofs cashu.Proofs, p2pkKey *btcec.PrivateKey) (cashu.Proofs, error) {
	if c.keyset == nil {
		return nil, ErrKeysetsNotLoaded
	}
	if p2pkKey != nil {
		var err error
		proofs, err = nut11.AddSignatureToInputs(proofs, p2pkKey)
		if err != nil {
			return nil, fmt.Errorf("p2pk signing: %w", err)
		}
	}
	total := proofs.Amount()
	fee := c.feeForProofs(len(proofs))
	if total <= fee {
		return nil, ErrInsufficientProofs
	}
	outputs, factors, err := createBlindedMessages(total-fee, c.keyset.id)
	if err != nil {
		return nil, err
	}
	req := nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs}
	var resp nut03.PostSwapResponse
	if err := c.post(ctx, "/v1/swap", req, &resp); err != nil {
		return nil, err
	}
	return constructProofs(resp.Signatures, factors, c.keyset.keys)
}

// blindP2PK blinds a send split whose secrets are NUT-11 P2PK locks on
// the recipient key instead of plain random secrets.
func (c *Client) blindP2PK(amount uint64, recipient string) (cashu.BlindedMessages, *blindFactors, error) {
	splits := cashu.AmountSplit(amount)
	msgs := make(cashu.BlindedMessages, len(splits))
	factors := &blindFactors{
		secrets: make([]string, len(splits)),
		rs:      make([]*secp256k1.PrivateKey, len(splits)),
	}
	for i, amt := range splits {
		secret, err := nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
			Kind: nut10.P2PK,
			Data: recipient,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("p2pk secret: %w", err)
		}
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
		B_, r, err := blindSecret(secret, r)
		if err != nil {
			return nil, nil, err
		}
		msgs[i] = cashu.NewBlindedMessage(c.keyset.id, amt, B_)
		factors.secrets[i] = secret
		factors.rs[i] = r
	}
	return msgs, factors, nil
}

// feeForProofs is the keyset input fee for spending n proofs, rounded up
// per NUT-02.
func (c *Client) feeForProofs(n int) uint64 {
	if c.keyset == nil || c.keyset.inputFeePpk == 0 {
		return 0
	}
	return (uint64(n)*uint64(c.keyset.inputFeePpk) + 999) / 1000
}

func (c *Client) unit() string {
	if c.keyset != nil {
		return c.keyset.unit
	}
	return "sat"
}

// loadKeyset fetches and parses the mint's active keyset, consulting the
// process-wide cache first.
func (c *Client) loadKeyset(ctx context.Context) error {
	if cached, ok := keysetCache.Get(c.url); ok {
		c.keyset = cached.(*activeKeyset)
		return nil
	}
	var keysets nut02.GetKeysetsResponse
	if err := c.get(ctx, "/v1/keysets", &keysets); err != nil {
		return err
	}
	var active *nut02.Keyset
	for i := range keysets.Keysets {
		ks := &keysets.Keysets[i]
		if ks.Active && ks.Unit == "sat" {
			active = ks
			break
		}
	}
	if active == nil {
		return fmt.Errorf("%w: mint has no active sat keyset", ErrKeysetsNotLoaded)
	}

	// The NUT-01 keys response is decoded into a plain map so amount
	// keys and hex values stay under our control.
	var keys struct {
		Keysets []struct {
			Id   string            `json:"id"`
			Unit string            `json:"unit"`
			Keys map[uint64]string `json:"keys"`
		} `json:"keysets"`
	}
	if err := c.get(ctx, "/v1/keys/"+active.Id, &keys); err != nil {
		return err
	}
	if len(keys.Keysets) == 0 {
		return fmt.Errorf("%w: empty keys response for keyset %s", ErrKeysetsNotLoaded, active.Id)
	}
	parsed := make(map[uint64]*secp256k1.PublicKey, len(keys.Keysets[0].Keys))
	for amount, keyhex := range keys.Keysets[0].Keys {
		raw, err := hex.DecodeString(keyhex)
		if err != nil {
			return fmt.Errorf("keyset %s amount %d: %w", active.Id, amount, err)
		}
		pub, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return fmt.Errorf("keyset %s amount %d: %w", active.Id, amount, err)
		}
		parsed[amount] = pub
	}
	c.keyset = &activeKeyset{
		id:          active.Id,
		unit:        active.Unit,
		inputFeePpk: active.InputFeePpk,
		keys:        parsed,
	}
	keysetCache.Add(c.url, c.keyset)
	return nil
}

// get performs a GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

// post performs a JSON POST and decodes the JSON body into out.
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransportError{Op: op, URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: op, URL: c.url, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		var cashuErr cashu.Error
		if jsonErr := json.Unmarshal(body, &cashuErr); jsonErr == nil && cashuErr.Detail != "" {
			return &PolicyError{Op: op, Code: int(cashuErr.Code), Detail: cashuErr.Detail}
		}
		return &PolicyError{Op: op, Code: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransportError{Op: op, URL: c.url, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

// meltStateFromNut05 folds the NUT-05 wire state into quote states.
func meltStateFromNut05(state nut05.State) QuoteState {
	switch state {
	case nut05.Paid:
		return QuotePaid
	case nut05.Pending:
		return QuotePending
	default:
		return QuoteUnpaid
	}
}

// remapMintError promotes well-known NUT-04 refusals to sentinels the
// coordinator can branch on.
func remapMintError(err error) error {
	var pe *PolicyError
	if !errors.As(err, &pe) {
		return err
	}
	detail := strings.ToLower(pe.Detail)
	switch {
	case strings.Contains(detail, "not paid"):
		return fmt.Errorf("%w: %w", ErrQuoteNotPaid, err)
	case strings.Contains(detail, "already issued"), strings.Contains(detail, "already minted"):
		return fmt.Errorf("%w: %w", ErrQuoteAlreadyIssued, err)
	}
	return err
}
