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

// Package node exposes the wallet coordinator over HTTP. The API is a
// thin shell: request decoding, error mapping and JSON replies; all
// semantics live in the wallet package.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/log"
	"github.com/nutgate/nutgate/mint"
	"github.com/nutgate/nutgate/wallet"
)

// Config are the HTTP shell tunables.
type Config struct {
	// HTTPAddr is the listen address, e.g. "127.0.0.1:7677".
	HTTPAddr string

	// CORSOrigins is the allowed origin list for browser clients.
	// Empty disables CORS headers entirely.
	CORSOrigins []string
}

// DefaultHTTPAddr is used when no listen address is configured.
const DefaultHTTPAddr = "127.0.0.1:7677"

// Node ties the coordinator to an HTTP listener.
type Node struct {
	cfg    Config
	wallet *wallet.Wallet
	srv    *http.Server
	log    log.Logger
}

// New builds a node around the given coordinator.
func New(w *wallet.Wallet, cfg Config) *Node {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	n := &Node{cfg: cfg, wallet: w, log: log.New("pkg", "node")}

	router := httprouter.New()
	router.GET("/health", n.health)
	router.GET("/v1/users/:user/balance", n.balance)
	router.GET("/v1/users/:user/history", n.history)
	router.GET("/v1/users/:user/wallet", n.walletInfo)
	router.GET("/v1/users/:user/proofstates", n.proofStates)
	router.GET("/v1/users/:user/reconcile", n.reconcile)
	router.GET("/v1/users/:user/recovery", n.recovery)
	router.POST("/v1/users/:user/mint", n.mint)
	router.POST("/v1/users/:user/mint/:quote/complete", n.completeMint)
	router.POST("/v1/users/:user/receipts", n.receipts)
	router.POST("/v1/users/:user/send", n.send)
	router.POST("/v1/users/:user/receive", n.receive)
	router.POST("/v1/users/:user/melt", n.melt)
	router.POST("/v1/users/:user/cleanup", n.cleanup)
	router.GET("/v1/pollers", n.pollers)
	router.GET("/v1/stats", n.stats)

	var handler http.Handler = router
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}).Handler(handler)
	}
	n.srv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return n
}

// Start binds the listener and serves until Stop. It returns once the
// listener is bound; serving continues in the background.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	n.log.Info("HTTP server started", "addr", ln.Addr())
	go func() {
		if err := n.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (n *Node) Stop(ctx context.Context) error {
	n.log.Info("HTTP server stopping")
	return n.srv.Shutdown(ctx)
}

// Handler exposes the routed handler, used by tests.
func (n *Node) Handler() http.Handler { return n.srv.Handler }

// --- handlers ---

func (n *Node) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n.reply(w, http.StatusOK, n.wallet.CheckHealth(r.Context()))
}

func (n *Node) balance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	bal, err := n.wallet.GetBalance(ps.ByName("user"))
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, bal)
}

func (n *Node) walletInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rec, err := n.wallet.WalletInfo(ps.ByName("user"))
	if err != nil {
		n.fail(w, err)
		return
	}
	// The sealed private key never leaves the process.
	n.reply(w, http.StatusOK, map[string]interface{}{
		"id":          rec.ID,
		"user_key":    rec.UserKey,
		"mint_url":    rec.MintURL,
		"unit":        rec.Unit,
		"p2pk_pubkey": rec.PublicKey,
		"created_at":  rec.CreatedAt,
	})
}

func (n *Node) history(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	filter := ledger.HistoryFilter{
		Kind:    ledger.Kind(q.Get("kind")),
		MintURL: q.Get("mint"),
	}
	filter.Limit, _ = atoi(q.Get("limit"))
	filter.Skip, _ = atoi(q.Get("skip"))
	page, err := n.wallet.GetHistory(ps.ByName("user"), filter)
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, page)
}

func (n *Node) proofStates(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	report, err := n.wallet.CheckProofStates(r.Context(), ps.ByName("user"))
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, report)
}

func (n *Node) reconcile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	report, err := n.wallet.Reconcile(r.Context(), ps.ByName("user"))
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, report)
}

func (n *Node) recovery(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	stats, err := n.wallet.RecoveryStats(ps.ByName("user"))
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, stats)
}

func (n *Node) mint(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !n.decode(w, r, &req) {
		return
	}
	res, err := n.wallet.Mint(r.Context(), ps.ByName("user"), req.Amount)
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusCreated, res)
}

func (n *Node) completeMint(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := n.wallet.CompleteMint(r.Context(), ps.ByName("user"), ps.ByName("quote"))
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, res)
}

func (n *Node) receipts(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := n.wallet.CheckPendingReceipts(r.Context(), ps.ByName("user"))
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, res)
}

func (n *Node) send(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Amount      int64  `json:"amount"`
		Pubkey      string `json:"pubkey"`
		IncludeFees bool   `json:"include_fees"`
	}
	if !n.decode(w, r, &req) {
		return
	}
	res, err := n.wallet.Send(r.Context(), ps.ByName("user"), req.Amount, wallet.SendOptions{
		RecipientPubKey: req.Pubkey,
		IncludeFees:     req.IncludeFees,
	})
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, res)
}

func (n *Node) receive(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Token string `json:"token"`
	}
	if !n.decode(w, r, &req) {
		return
	}
	res, err := n.wallet.Receive(r.Context(), ps.ByName("user"), req.Token)
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, res)
}

func (n *Node) melt(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Invoice string `json:"invoice"`
	}
	if !n.decode(w, r, &req) {
		return
	}
	res, err := n.wallet.Melt(r.Context(), ps.ByName("user"), req.Invoice)
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, res)
}

func (n *Node) cleanup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		OlderThanSeconds int64 `json:"older_than_seconds"`
		DryRun           bool  `json:"dry_run"`
	}
	if !n.decode(w, r, &req) {
		return
	}
	report, err := n.wallet.Cleanup(r.Context(), ps.ByName("user"),
		time.Duration(req.OlderThanSeconds)*time.Second, req.DryRun)
	if err != nil {
		n.fail(w, err)
		return
	}
	n.reply(w, http.StatusOK, report)
}

func (n *Node) pollers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n.reply(w, http.StatusOK, n.wallet.Pollers().Status())
}

func (n *Node) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n.reply(w, http.StatusOK, map[string]interface{}{
		"stats":             n.wallet.Monitor().Stats(),
		"critical_failures": n.wallet.Monitor().CriticalFailures(),
	})
}

// --- plumbing ---

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (n *Node) reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (n *Node) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		n.reply(w, http.StatusBadRequest, apiError{Error: "malformed request body", Kind: "validation"})
		return false
	}
	return true
}

// fail maps coordinator errors onto HTTP statuses. Validation refusals
// are the caller's fault; mint transport trouble is upstream; critical
// failures and inconsistencies surface with their own kinds so clients
// can alert on them.
func (n *Node) fail(w http.ResponseWriter, err error) {
	var (
		verr *wallet.ValidationError
		inc  *wallet.InconsistencyError
		crit *wallet.CriticalError
	)
	switch {
	case errors.As(err, &verr):
		n.reply(w, http.StatusBadRequest, apiError{Error: err.Error(), Kind: "validation"})
	case errors.Is(err, wallet.ErrPendingCapExceeded):
		n.reply(w, http.StatusTooManyRequests, apiError{Error: err.Error(), Kind: "pending_cap"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		n.reply(w, http.StatusPaymentRequired, apiError{Error: err.Error(), Kind: "insufficient_funds"})
	case errors.Is(err, ledger.ErrEntryNotFound), errors.Is(err, ledger.ErrWalletNotFound):
		n.reply(w, http.StatusNotFound, apiError{Error: err.Error(), Kind: "not_found"})
	case errors.As(err, &inc):
		n.reply(w, http.StatusConflict, apiError{Error: err.Error(), Kind: "inconsistency"})
	case errors.As(err, &crit):
		n.reply(w, http.StatusInternalServerError, apiError{Error: err.Error(), Kind: "critical"})
	case mint.IsTransport(err), errors.Is(err, mint.ErrUnreachable):
		n.reply(w, http.StatusBadGateway, apiError{Error: err.Error(), Kind: "mint_unreachable"})
	default:
		n.reply(w, http.StatusInternalServerError, apiError{Error: err.Error(), Kind: "internal"})
	}
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
