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
	"errors"
	"fmt"

	"github.com/elnosh/gonuts/cashu"

	"github.com/nutgate/nutgate/ledger"
	"github.com/nutgate/nutgate/mint"
)

// SendOptions tweak an outgoing transfer.
type SendOptions struct {
	// RecipientPubKey locks the token to the given P2PK key when set.
	RecipientPubKey string

	// IncludeFees adds the redemption fee on top so the recipient nets
	// the full face value.
	IncludeFees bool
}

// SendResult is a serialized token ready to hand to the recipient plus
// the ledger bookkeeping around it.
type SendResult struct {
	Token         string `json:"token"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	ChangeAmount  int64  `json:"change_amount"`
}

// ReceiveResult is the outcome of redeeming an incoming token.
type ReceiveResult struct {
	TransactionID string `json:"transaction_id"`
	EntryID       string `json:"entry_id"`
	Amount        int64  `json:"amount"`
}

// Send swaps the user's proofs at the mint into a bundle of exactly
// amount sats, serializes it as a token and commits the ledger side
// atomically: sources spent, a sent record, change kept.
func (w *Wallet) Send(ctx context.Context, userKey string, amount int64, opts SendOptions) (*SendResult, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	large, err := validateAmount(amount)
	if err != nil {
		return nil, err
	}
	if err := validateP2PKPubkey(opts.RecipientPubKey); err != nil {
		return nil, err
	}
	if large {
		w.log.Warn("Large send requested", "user", userKey, "amount", amount)
	}
	if _, err := w.ensureWallet(userKey); err != nil {
		return nil, err
	}

	ora, err := w.dial(ctx, w.cfg.MintURL)
	if err != nil {
		return nil, err
	}
	txID := newTransactionID()
	report, err := w.preFlight(ctx, ora, userKey, txID)
	if err != nil {
		return nil, err
	}

	sources, proofs, err := selectSpendable(report.Spendable, amount)
	if err != nil {
		return nil, err
	}
	swapOpts := mint.SwapOptions{IncludeFees: opts.IncludeFees, RecipientPubKey: opts.RecipientPubKey}
	var swap *mint.SwapResult
	for {
		swap, err = ora.SendSwap(ctx, proofs, uint64(amount), swapOpts)
		if err == nil {
			break
		}
		// Input fees may push the requirement past the selection; widen
		// it entry by entry until the pool is exhausted.
		if errors.Is(err, mint.ErrInsufficientProofs) && len(sources) < len(report.Spendable) {
			next := report.Spendable[len(sources)]
			sources = append(sources, next)
			proofs = append(proofs, next.Proofs...)
			continue
		}
		return nil, err
	}

	entries, err := w.commitSend(sources, swap, txID, userKey, amount)
	if err != nil {
		return nil, err
	}
	token, err := cashu.NewTokenV4(swap.Send, w.cfg.MintURL, cashu.Sat, true)
	if err != nil {
		return nil, err
	}
	serialized, err := token.Serialize()
	if err != nil {
		return nil, err
	}

	var change int64
	for _, e := range entries {
		if e.Kind == ledger.KindChange {
			change += e.TotalAmount
		}
	}
	w.log.Info("Send committed", "user", userKey, "amount", amount, "change", change, "tx", txID)
	return &SendResult{
		Token:         serialized,
		TransactionID: txID,
		Amount:        int64(swap.Send.Amount()),
		ChangeAmount:  change,
	}, nil
}

// commitSend lands a completed swap in the ledger. The mint consumed
// the inputs already, so a commit failure here is critical.
func (w *Wallet) commitSend(sources []*ledger.Entry, swap *mint.SwapResult, txID, userKey string, amount int64) ([]*ledger.Entry, error) {
	ids := make([]string, len(sources))
	for i, e := range sources {
		ids[i] = e.ID
	}
	entries, err := w.store.ExecuteAtomicSend(ids, swap.Send, swap.Keep, txID, map[string]interface{}{
		"send_amount": amount,
	})
	if err != nil {
		crit := &CriticalError{Op: "send", TransactionID: txID, Err: err}
		w.log.Crit("Ledger commit failed after send swap", "user", userKey, "tx", txID, "err", err)
		w.mux.Post(CriticalFailureEvent{UserKey: userKey, Op: "send", TransactionID: txID})
		return nil, crit
	}
	return entries, nil
}

// Receive redeems an incoming token: the proofs are swapped at the
// mint into fresh ones only this wallet knows the secrets of, then
// stored as a new unspent entry.
func (w *Wallet) Receive(ctx context.Context, userKey, tokenStr string) (*ReceiveResult, error) {
	if err := validateUserKey(userKey); err != nil {
		return nil, err
	}
	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return nil, &ValidationError{Field: "token", Reason: err.Error()}
	}
	if token.Mint() != w.cfg.MintURL {
		return nil, &ValidationError{Field: "token", Reason: fmt.Sprintf("token is for mint %s, wallet is bound to %s", token.Mint(), w.cfg.MintURL)}
	}
	large, err := validateAmount(int64(token.Amount()))
	if err != nil {
		return nil, err
	}
	if large {
		w.log.Warn("Large receive", "user", userKey, "amount", token.Amount())
	}
	rec, err := w.ensureWallet(userKey)
	if err != nil {
		return nil, err
	}
	p2pkKey, err := openP2PKKey(rec.PrivKeyNg, w.cfg.KeySecret)
	if err != nil {
		return nil, err
	}

	ora, err := w.dial(ctx, w.cfg.MintURL)
	if err != nil {
		return nil, err
	}
	fresh, err := ora.Receive(ctx, token.Proofs(), p2pkKey)
	if err != nil {
		return nil, err
	}

	txID := newTransactionID()
	entry := &ledger.Entry{
		UserKey:       userKey,
		WalletID:      rec.ID,
		MintURL:       w.cfg.MintURL,
		TransactionID: txID,
		Kind:          ledger.KindReceived,
		Status:        ledger.StatusUnspent,
		Proofs:        fresh,
		TotalAmount:   int64(fresh.Amount()),
		Metadata: map[string]interface{}{
			ledger.MetaSource: "receive",
		},
	}
	if err := w.store.StoreEntry(entry); err != nil {
		// The swap happened; the fresh proofs exist only in memory now.
		crit := &CriticalError{Op: "receive", TransactionID: txID, Err: err}
		w.log.Crit("Ledger commit failed after receive swap", "user", userKey, "tx", txID, "err", err)
		w.mux.Post(CriticalFailureEvent{UserKey: userKey, Op: "receive", TransactionID: txID})
		return nil, crit
	}
	w.log.Info("Receive committed", "user", userKey, "amount", entry.TotalAmount, "tx", txID)
	return &ReceiveResult{
		TransactionID: txID,
		EntryID:       entry.ID,
		Amount:        entry.TotalAmount,
	}, nil
}

// selectSpendable greedily picks entries in insertion order until they
// cover amount.
func selectSpendable(entries []*ledger.Entry, amount int64) ([]*ledger.Entry, cashu.Proofs, error) {
	var (
		picked []*ledger.Entry
		proofs cashu.Proofs
		total  int64
	)
	for _, e := range entries {
		if total >= amount {
			break
		}
		picked = append(picked, e)
		proofs = append(proofs, e.Proofs...)
		total += e.TotalAmount
	}
	if total < amount {
		return nil, nil, fmt.Errorf("%w: have %d, need %d", ledger.ErrInsufficientFunds, total, amount)
	}
	return picked, proofs, nil
}
