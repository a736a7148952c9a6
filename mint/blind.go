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
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/crypto"
)

// blindFactors carries the per-output secrets a blinding round produced.
// The mint only ever sees the blinded points; secrets and factors stay
// on this side until the signatures come back.
type blindFactors struct {
	secrets []string
	rs      []*secp256k1.PrivateKey
}

// createBlindedMessages splits amount into power-of-two outputs for the
// given keyset and blinds a fresh random secret for each.
func createBlindedMessages(amount uint64, keysetID string) (cashu.BlindedMessages, *blindFactors, error) {
	splits := cashu.AmountSplit(amount)
	return blindAmounts(splits, keysetID)
}

// createBlankOutputs produces the NUT-08 blank outputs used to receive
// overpaid Lightning fees back as change. NUT-08 fixes the count at
// ceil(log2(feeReserve)) outputs, minimum one, each of amount zero.
func createBlankOutputs(feeReserve uint64, keysetID string) (cashu.BlindedMessages, *blindFactors, error) {
	count := 1
	for n := feeReserve; n > 1; n >>= 1 {
		count++
	}
	if feeReserve == 0 {
		count = 0
	}
	amounts := make([]uint64, count)
	return blindAmounts(amounts, keysetID)
}

// blindSecret blinds one explicit secret. Used by the P2PK send path
// where the secret is a structured lock, not a random scalar.
func blindSecret(secret string, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	return crypto.BlindMessage(secret, r)
}

func blindAmounts(amounts []uint64, keysetID string) (cashu.BlindedMessages, *blindFactors, error) {
	msgs := make(cashu.BlindedMessages, len(amounts))
	factors := &blindFactors{
		secrets: make([]string, len(amounts)),
		rs:      make([]*secp256k1.PrivateKey, len(amounts)),
	}
	for i, amt := range amounts {
		var secretBytes [32]byte
		if _, err := rand.Read(secretBytes[:]); err != nil {
			return nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes[:])

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, err
		}
		msgs[i] = cashu.NewBlindedMessage(keysetID, amt, B_)
		factors.secrets[i] = secret
		factors.rs[i] = r
	}
	return msgs, factors, nil
}

// constructProofs unblinds the mint's signatures into spendable proofs.
// The signature order is defined to match the output order, so factors
// line up by index.
func constructProofs(sigs cashu.BlindedSignatures, factors *blindFactors, keys map[uint64]*secp256k1.PublicKey) (cashu.Proofs, error) {
	if len(sigs) > len(factors.secrets) {
		return nil, fmt.Errorf("got %d signatures for %d outputs", len(sigs), len(factors.secrets))
	}
	proofs := make(cashu.Proofs, 0, len(sigs))
	for i, sig := range sigs {
		K, ok := keys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("mint keyset has no key for amount %d", sig.Amount)
		}
		C_bytes, err := hex.DecodeString(sig.C_)
		if err != nil {
			return nil, fmt.Errorf("invalid blinded signature: %w", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid blinded signature point: %w", err)
		}
		C := crypto.UnblindSignature(C_, factors.rs[i], K)
		proofs = append(proofs, cashu.Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: factors.secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		})
	}
	return proofs, nil
}

// proofYs computes the NUT-07 curve points the check-state endpoint is
// keyed by, preserving input order.
func proofYs(proofs cashu.Proofs) ([]string, error) {
	ys := make([]string, len(proofs))
	for i, proof := range proofs {
		y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		ys[i] = hex.EncodeToString(y.SerializeCompressed())
	}
	return ys, nil
}
