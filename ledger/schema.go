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

package ledger

import "fmt"

// Key layout. Entry ids are zero-padded hex of a global sequence, so
// lexicographic key order is insertion order — SelectForSpend depends
// on this.
//
//	w + user \x00 mint           -> wallet JSON
//	e + entryID                  -> entry JSON
//	s + user \x00 status \x00 id -> entryID      (per-user status index)
//	t + txID \x00 entryID        -> entryID      (transaction-id index)
//	p + user \x00 secret         -> entryID      (live proof-secret index)
//	q                            -> last sequence number
var (
	walletPrefix = []byte("w")
	entryPrefix  = []byte("e")
	statusPrefix = []byte("s")
	txPrefix     = []byte("t")
	secretPrefix = []byte("p")
	seqKey       = []byte("q")
)

const sep = byte(0x00)

func walletKey(userKey, mintURL string) []byte {
	return compose(walletPrefix, userKey, mintURL)
}

func entryKey(id string) []byte {
	return append(append([]byte{}, entryPrefix...), id...)
}

func statusKey(userKey string, status Status, id string) []byte {
	return compose(statusPrefix, userKey, string(status), id)
}

func statusScanPrefix(userKey string, status Status) []byte {
	k := compose(statusPrefix, userKey, string(status))
	return append(k, sep)
}

func userScanPrefix(userKey string) []byte {
	k := append(append([]byte{}, statusPrefix...), userKey...)
	return append(k, sep)
}

func txKey(txID, entryID string) []byte {
	return compose(txPrefix, txID, entryID)
}

func txScanPrefix(txID string) []byte {
	k := append(append([]byte{}, txPrefix...), txID...)
	return append(k, sep)
}

func secretKey(userKey, secret string) []byte {
	return compose(secretPrefix, userKey, secret)
}

func compose(prefix []byte, parts ...string) []byte {
	k := append([]byte{}, prefix...)
	for i, p := range parts {
		if i > 0 {
			k = append(k, sep)
		}
		k = append(k, p...)
	}
	return k
}

// formatSeq renders a sequence number as a fixed-width entry id.
func formatSeq(seq uint64) string {
	return fmt.Sprintf("%016x", seq)
}
