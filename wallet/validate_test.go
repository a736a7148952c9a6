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
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/require"

	"github.com/nutgate/nutgate/params"
)

func testNpub(t *testing.T) string {
	t.Helper()
	data, err := bech32.ConvertBits(bytes.Repeat([]byte{0x01}, 32), 8, 5, true)
	require.NoError(t, err)
	npub, err := bech32.Encode("npub", data)
	require.NoError(t, err)
	return npub
}

func TestValidateUserKey(t *testing.T) {
	require.NoError(t, validateUserKey(strings.Repeat("a", 64)))
	require.NoError(t, validateUserKey(testNpub(t)))

	for _, bad := range []string{
		"",
		"npub1invalidchecksum",
		strings.Repeat("a", 63),
		strings.Repeat("g", 64), // not hex
		"npub1" + strings.Repeat("q", 10),
	} {
		err := validateUserKey(bad)
		require.Error(t, err, "key %q", bad)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	}
}

func TestValidateAmount(t *testing.T) {
	for _, bad := range []int64{-1, 0, params.MaxAmount + 1} {
		_, err := validateAmount(bad)
		require.Error(t, err, "amount %d", bad)
	}

	large, err := validateAmount(params.MinAmount)
	require.NoError(t, err)
	require.False(t, large)

	large, err = validateAmount(params.LargeAmountWarn)
	require.NoError(t, err)
	require.True(t, large)

	large, err = validateAmount(params.MaxAmount)
	require.NoError(t, err)
	require.True(t, large)
}

func TestValidateP2PKPubkey(t *testing.T) {
	require.NoError(t, validateP2PKPubkey(""))
	require.NoError(t, validateP2PKPubkey("02"+strings.Repeat("ab", 32)))
	require.NoError(t, validateP2PKPubkey("03"+strings.Repeat("cd", 32)))

	for _, bad := range []string{
		"xyz",
		"04" + strings.Repeat("ab", 32), // uncompressed prefix
		"02" + strings.Repeat("ab", 31), // short
	} {
		require.Error(t, validateP2PKPubkey(bad), "pubkey %q", bad)
	}
}
