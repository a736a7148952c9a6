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

package mint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut02"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut06"
	"github.com/elnosh/gonuts/cashu/nuts/nut07"
	"github.com/stretchr/testify/require"
)

const stubKeysetID = "00ad268c4d1f5826"

// stubMint is a minimal Cashu mint over httptest. It signs nothing for
// real; blinded outputs are echoed back as signatures, which unblind
// into syntactically valid proofs.
type stubMint struct {
	t      *testing.T
	keys   map[uint64]*secp256k1.PrivateKey
	paid   map[string]bool
	issued map[string]bool
	states map[string]nut07.State // by Y
	srv    *httptest.Server
}

func newStubMint(t *testing.T) *stubMint {
	m := &stubMint{
		t:      t,
		keys:   make(map[uint64]*secp256k1.PrivateKey),
		paid:   make(map[string]bool),
		issued: make(map[string]bool),
		states: make(map[string]nut07.State),
	}
	for amount := uint64(1); amount <= 1<<20; amount <<= 1 {
		key, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		m.keys[amount] = key
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	// The production transport pins tcp4; httptest listens on 127.0.0.1
	// so the two agree.
	return m
}

func (m *stubMint) URL() string { return m.srv.URL }

func (m *stubMint) reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (m *stubMint) refuse(w http.ResponseWriter, code int, detail string) {
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(cashu.Error{Code: cashu.CashuErrCode(code), Detail: detail})
}

func (m *stubMint) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/v1/info":
		m.reply(w, nut06.MintInfo{Name: "stub mint"})

	case r.URL.Path == "/v1/keysets":
		m.reply(w, nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{
			{Id: stubKeysetID, Unit: "sat", Active: true, InputFeePpk: 0},
		}})

	case strings.HasPrefix(r.URL.Path, "/v1/keys/"):
		keys := make(map[uint64]string, len(m.keys))
		for amount, key := range m.keys {
			keys[amount] = hex.EncodeToString(key.PubKey().SerializeCompressed())
		}
		m.reply(w, map[string]interface{}{
			"keysets": []map[string]interface{}{
				{"id": stubKeysetID, "unit": "sat", "keys": keys},
			},
		})

	case r.URL.Path == "/v1/mint/quote/bolt11" && r.Method == http.MethodPost:
		m.reply(w, &nut04.PostMintQuoteBolt11Response{
			Quote:   "q-1",
			Request: "lnbcstub",
			Expiry:  uint64(time.Now().Add(time.Hour).Unix()),
		})

	case strings.HasPrefix(r.URL.Path, "/v1/mint/quote/bolt11/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/mint/quote/bolt11/")
		state := nut04.Unpaid
		if m.paid[id] {
			state = nut04.Paid
		}
		m.reply(w, &nut04.PostMintQuoteBolt11Response{Quote: id, State: state})

	case r.URL.Path == "/v1/mint/bolt11":
		var req nut04.PostMintBolt11Request
		json.NewDecoder(r.Body).Decode(&req)
		if !m.paid[req.Quote] {
			m.refuse(w, 20001, "quote not paid")
			return
		}
		if m.issued[req.Quote] {
			m.refuse(w, 20002, "quote already issued")
			return
		}
		m.issued[req.Quote] = true
		m.reply(w, nut04.PostMintBolt11Response{Signatures: m.sign(req.Outputs)})

	case r.URL.Path == "/v1/swap":
		var req nut03.PostSwapRequest
		json.NewDecoder(r.Body).Decode(&req)
		m.reply(w, nut03.PostSwapResponse{Signatures: m.sign(req.Outputs)})

	case r.URL.Path == "/v1/checkstate":
		var req nut07.PostCheckStateRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := nut07.PostCheckStateResponse{}
		for _, y := range req.Ys {
			state, ok := m.states[y]
			if !ok {
				state = nut07.Unspent
			}
			resp.States = append(resp.States, nut07.ProofState{Y: y, State: state})
		}
		m.reply(w, resp)

	default:
		http.NotFound(w, r)
	}
}

// sign echoes each blinded point back, which is enough for the client
// side unblinding math to produce parseable proofs.
func (m *stubMint) sign(outputs cashu.BlindedMessages) cashu.BlindedSignatures {
	sigs := make(cashu.BlindedSignatures, len(outputs))
	for i, out := range outputs {
		sigs[i] = cashu.BlindedSignature{Amount: out.Amount, Id: out.Id, C_: out.B_}
	}
	return sigs
}

func TestDialLoadsKeyset(t *testing.T) {
	stub := newStubMint(t)

	c, err := Dial(context.Background(), stub.URL())
	require.NoError(t, err)
	require.Equal(t, stubKeysetID, c.KeysetID())
	require.Equal(t, "stub mint", c.Info().Name)
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "http://127.0.0.1:1")
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestMintQuoteLifecycle(t *testing.T) {
	stub := newStubMint(t)
	c, err := Dial(context.Background(), stub.URL())
	require.NoError(t, err)
	ctx := context.Background()

	quote, err := c.CreateMintQuote(ctx, 21)
	require.NoError(t, err)
	require.Equal(t, "q-1", quote.QuoteID)
	require.Equal(t, QuoteUnpaid, quote.State)

	checked, err := c.CheckMintQuote(ctx, quote.QuoteID)
	require.NoError(t, err)
	require.Equal(t, QuoteUnpaid, checked.State)

	// Unpaid quotes refuse issuance with the mapped sentinel.
	_, err = c.MintProofs(ctx, 21, quote.QuoteID)
	require.ErrorIs(t, err, ErrQuoteNotPaid)

	stub.paid[quote.QuoteID] = true
	checked, err = c.CheckMintQuote(ctx, quote.QuoteID)
	require.NoError(t, err)
	require.Equal(t, QuotePaid, checked.State)

	proofs, err := c.MintProofs(ctx, 21, quote.QuoteID)
	require.NoError(t, err)
	require.Equal(t, uint64(21), proofs.Amount())
	for _, p := range proofs {
		require.Equal(t, stubKeysetID, p.Id)
		require.NotEmpty(t, p.Secret)
	}

	// Second issuance is refused and mapped.
	_, err = c.MintProofs(ctx, 21, quote.QuoteID)
	require.ErrorIs(t, err, ErrQuoteAlreadyIssued)
}

func TestSendSwapSplits(t *testing.T) {
	stub := newStubMint(t)
	c, err := Dial(context.Background(), stub.URL())
	require.NoError(t, err)
	ctx := context.Background()

	quote, err := c.CreateMintQuote(ctx, 32)
	require.NoError(t, err)
	stub.paid[quote.QuoteID] = true
	proofs, err := c.MintProofs(ctx, 32, quote.QuoteID)
	require.NoError(t, err)

	res, err := c.SendSwap(ctx, proofs, 5, SwapOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(5), res.Send.Amount())
	require.Equal(t, uint64(27), res.Keep.Amount())

	_, err = c.SendSwap(ctx, res.Keep, 100, SwapOptions{})
	require.ErrorIs(t, err, ErrInsufficientProofs)
}

func TestCheckProofStatesPreservesOrder(t *testing.T) {
	stub := newStubMint(t)
	c, err := Dial(context.Background(), stub.URL())
	require.NoError(t, err)
	ctx := context.Background()

	quote, err := c.CreateMintQuote(ctx, 3)
	require.NoError(t, err)
	stub.paid[quote.QuoteID] = true
	proofs, err := c.MintProofs(ctx, 3, quote.QuoteID)
	require.NoError(t, err)
	require.Len(t, proofs, 2) // 1 + 2

	ys, err := proofYs(proofs)
	require.NoError(t, err)
	stub.states[ys[1]] = nut07.Spent

	states, err := c.CheckProofStates(ctx, proofs)
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, ProofUnspent, states[0].State)
	require.Equal(t, ProofSpent, states[1].State)
	require.Equal(t, proofs[0].Secret, states[0].Secret)
}

func TestPolicyErrorCarriesMintDetail(t *testing.T) {
	stub := newStubMint(t)
	c, err := Dial(context.Background(), stub.URL())
	require.NoError(t, err)

	_, err = c.MintProofs(context.Background(), 5, "unknown-quote")
	require.ErrorIs(t, err, ErrQuoteNotPaid)
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 20001, pe.Code)
	require.False(t, IsTransport(err))
}
