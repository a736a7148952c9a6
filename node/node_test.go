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

package node

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/wallet"
)

var testUser = strings.Repeat("a", 64)

// newTestNode wires a node over an in-memory ledger. The mint address
// points at a closed local port, so anything that dials fails fast
// with a transport error instead of reaching the network.
func newTestNode(t *testing.T) *Node {
	t.Helper()
	store := ledger.NewMemStore()
	w := wallet.New(store, wallet.Config{
		MintURL:   "http://127.0.0.1:1",
		KeySecret: "test-secret",
	})
	t.Cleanup(func() {
		w.Close()
		store.Close()
	})
	return New(w, Config{HTTPAddr: "127.0.0.1:0"})
}

func do(t *testing.T, n *Node, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, req)
	return rec
}

func TestBalanceEndpoint(t *testing.T) {
	n := newTestNode(t)

	rec := do(t, n, http.MethodGet, "/v1/users/"+testUser+"/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var bal ledger.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	require.Zero(t, bal.Total)
}

func TestValidationErrorsMapTo400(t *testing.T) {
	n := newTestNode(t)

	rec := do(t, n, http.MethodGet, "/v1/users/not-a-key/balance", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, "validation", apiErr.Kind)

	rec = do(t, n, http.MethodPost, "/v1/users/"+testUser+"/mint", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, n, http.MethodPost, "/v1/users/"+testUser+"/mint", `{"amount": 0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMintUnreachableMapsTo502(t *testing.T) {
	n := newTestNode(t)

	rec := do(t, n, http.MethodPost, "/v1/users/"+testUser+"/mint", `{"amount": 10}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthReportsUnreachableMint(t *testing.T) {
	n := newTestNode(t)

	rec := do(t, n, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var h wallet.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	require.False(t, h.MintReachable)
	require.NotEmpty(t, h.Error)
	require.Equal(t, wallet.HealthCritical, h.Status)
	require.NotEmpty(t, h.Alerts)
}

func TestRecoveryEndpoint(t *testing.T) {
	n := newTestNode(t)

	rec := do(t, n, http.MethodGet, "/v1/users/"+testUser+"/recovery", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats wallet.RecoveryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Zero(t, stats.TotalPending)
}

func TestHistoryAndStatsEndpoints(t *testing.T) {
	n := newTestNode(t)

	rec := do(t, n, http.MethodGet, "/v1/users/"+testUser+"/history?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page ledger.HistoryPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Zero(t, page.Total)

	rec = do(t, n, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, n, http.MethodGet, "/v1/pollers", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCleanupDryRun(t *testing.T) {
	n := newTestNode(t)

	rec := do(t, n, http.MethodPost, "/v1/users/"+testUser+"/cleanup", `{"dry_run": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var report wallet.CleanupReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.True(t, report.DryRun)
	require.Zero(t, report.Scanned)
}

func TestWalletInfoOmitsSealedKey(t *testing.T) {
	n := newTestNode(t)

	rec := do(t, n, http.MethodGet, "/v1/users/"+testUser+"/wallet", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "privkey")

	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.NotEmpty(t, info["p2pk_pubkey"])
}
