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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/nacl/secretbox"
)

// Each wallet carries a P2PK keypair so incoming tokens can be locked
// to it. The private key sits in the wallet record sealed with a
// process-wide secret; losing the secret strands locked tokens, not
// the ledger itself.

const keyNonceSize = 24

func sealBoxKey(secret string) *[32]byte {
	sum := sha256.Sum256([]byte(secret))
	return &sum
}

// newP2PKKey generates a wallet keypair and returns the compressed
// public key hex plus the sealed private key.
func newP2PKKey(secret string) (pubHex string, sealed []byte, err error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", nil, err
	}
	var nonce [keyNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", nil, err
	}
	sealed = secretbox.Seal(nonce[:], priv.Serialize(), &nonce, sealBoxKey(secret))
	return hex.EncodeToString(priv.PubKey().SerializeCompressed()), sealed, nil
}

// openP2PKKey unseals a wallet private key.
func openP2PKKey(sealed []byte, secret string) (*btcec.PrivateKey, error) {
	if len(sealed) <= keyNonceSize {
		return nil, errors.New("sealed key too short")
	}
	var nonce [keyNonceSize]byte
	copy(nonce[:], sealed[:keyNonceSize])
	raw, ok := secretbox.Open(nil, sealed[keyNonceSize:], &nonce, sealBoxKey(secret))
	if !ok {
		return nil, fmt.Errorf("cannot unseal wallet key, wrong key secret")
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}
