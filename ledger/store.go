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

// Package ledger implements durable storage for wallets and the proof
// ledger on top of leveldb. All committing writes go through a single
// mutex and land in one leveldb batch each, which is what gives the
// coordinator its atomic-swap guarantee.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/elnosh/gonuts/cashu"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/nutgate/nutgate/log"
)

// Store is the single source of truth for proof ownership.
type Store struct {
	db  *leveldb.DB
	seq uint64 // guarded by the write lock below
	mu  chan struct{}
	log log.Logger
}

// NewStore opens (or creates) a ledger database at path.
func NewStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

// NewMemStore creates an in-memory store, used by tests.
func NewMemStore() *Store {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic(err) // memory storage cannot fail to open
	}
	s, _ := newStore(db)
	return s
}

func newStore(db *leveldb.DB) (*Store, error) {
	s := &Store{
		db:  db,
		mu:  make(chan struct{}, 1),
		log: log.New("pkg", "ledger"),
	}
	raw, err := db.Get(seqKey, nil)
	switch {
	case err == nil:
		s.seq = binary.BigEndian.Uint64(raw)
	case errors.Is(err, leveldb.ErrNotFound):
		s.seq = 0
	default:
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// lock serializes committing writes. Reads never take it; they operate
// on leveldb snapshots of individual keys and tolerate being concurrent
// with a commit.
func (s *Store) lock() func() {
	s.mu <- struct{}{}
	return func() { <-s.mu }
}

// nextID allocates the next entry id. Caller must hold the write lock;
// the sequence is persisted inside the same batch as the entry it names.
func (s *Store) nextID(batch *leveldb.Batch) string {
	s.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.seq)
	batch.Put(seqKey, buf[:])
	return formatSeq(s.seq)
}

// --- wallets ---

// CreateWallet stores a new wallet. Exactly one wallet may exist per
// (user, mint) pair.
func (s *Store) CreateWallet(w *Wallet) error {
	unlock := s.lock()
	defer unlock()

	key := walletKey(w.UserKey, w.MintURL)
	if _, err := s.db.Get(key, nil); err == nil {
		return ErrWalletExists
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.db.Put(key, raw, nil)
}

// FindWallet returns the wallet for the (user, mint) pair.
func (s *Store) FindWallet(userKey, mintURL string) (*Wallet, error) {
	raw, err := s.db.Get(walletKey(userKey, mintURL), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	var w Wallet
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("corrupt wallet record: %w", err)
	}
	return &w, nil
}

// --- entries ---

// StoreEntry persists a new ledger entry, or replaces an existing one
// when the status transition is legal. Violations of the §3 invariants
// fail without touching the database.
func (s *Store) StoreEntry(e *Entry) error {
	unlock := s.lock()
	defer unlock()

	batch := new(leveldb.Batch)
	if e.ID == "" {
		e.ID = s.nextID(batch)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := e.wellFormed(); err != nil {
		return err
	}

	old, err := s.getEntry(e.ID)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return err
	}
	if old != nil {
		if old.Status != e.Status && !transitionAllowed(old.Status, e.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old.Status, e.Status)
		}
		batch.Delete(statusKey(old.UserKey, old.Status, old.ID))
		if old.Status == StatusUnspent {
			for _, p := range old.Proofs {
				batch.Delete(secretKey(old.UserKey, p.Secret))
			}
		}
	}
	if e.Status == StatusUnspent {
		if err := s.checkSecretsFree(e); err != nil {
			return err
		}
	}
	s.writeEntry(batch, e)
	return s.db.Write(batch, nil)
}

// checkSecretsFree enforces proof uniqueness: no secret of e may be live
// in another unspent entry of the same user.
func (s *Store) checkSecretsFree(e *Entry) error {
	for _, p := range e.Proofs {
		owner, err := s.db.Get(secretKey(e.UserKey, p.Secret), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if string(owner) != e.ID {
			return fmt.Errorf("%w: secret held by entry %s", ErrDuplicateSecret, owner)
		}
	}
	return nil
}

// writeEntry stages an entry plus all of its index rows into batch.
func (s *Store) writeEntry(batch *leveldb.Batch, e *Entry) {
	raw, _ := json.Marshal(e)
	batch.Put(entryKey(e.ID), raw)
	batch.Put(statusKey(e.UserKey, e.Status, e.ID), []byte(e.ID))
	batch.Put(txKey(e.TransactionID, e.ID), []byte(e.ID))
	if e.Status == StatusUnspent {
		for _, p := range e.Proofs {
			batch.Put(secretKey(e.UserKey, p.Secret), []byte(e.ID))
		}
	}
}

func (s *Store) getEntry(id string) (*Entry, error) {
	raw, err := s.db.Get(entryKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("corrupt entry %s: %w", id, err)
	}
	return &e, nil
}

// GetEntry returns a single entry by id.
func (s *Store) GetEntry(id string) (*Entry, error) {
	return s.getEntry(id)
}

// FindUnspent returns the user's unspent entries for one mint, in
// insertion order.
func (s *Store) FindUnspent(userKey, mintURL string) ([]*Entry, error) {
	return s.scanStatus(userKey, StatusUnspent, mintURL)
}

// FindSpent returns the user's spent entries for one mint, in
// insertion order. Used by the full reconciliation audit.
func (s *Store) FindSpent(userKey, mintURL string) ([]*Entry, error) {
	return s.scanStatus(userKey, StatusSpent, mintURL)
}

// scanStatus walks the per-user status index. Entry ids are sequence
// numbers, so iteration order is insertion order.
func (s *Store) scanStatus(userKey string, status Status, mintURL string) ([]*Entry, error) {
	var out []*Entry
	iter := s.db.NewIterator(util.BytesPrefix(statusScanPrefix(userKey, status)), nil)
	defer iter.Release()
	for iter.Next() {
		e, err := s.getEntry(string(iter.Value()))
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue // index row outlived its entry; harmless
			}
			return nil, err
		}
		if mintURL != "" && e.MintURL != mintURL {
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// FindByTransactionID returns every entry sharing the transaction id.
// A send and its change, or melt sources and their change, are linked
// this way.
func (s *Store) FindByTransactionID(txID string) ([]*Entry, error) {
	var out []*Entry
	iter := s.db.NewIterator(util.BytesPrefix(txScanPrefix(txID)), nil)
	defer iter.Release()
	for iter.Next() {
		e, err := s.getEntry(string(iter.Value()))
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// FindPendingMints returns the user's pending mint entries created
// after the cutoff.
func (s *Store) FindPendingMints(userKey string, newerThan time.Time) ([]*Entry, error) {
	pending, err := s.scanStatus(userKey, StatusPending, "")
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range pending {
		if e.Kind == KindMinted && e.CreatedAt.After(newerThan) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindPendingMintsOlderThan returns the user's pending mint entries
// created before the cutoff. Used by cleanup and the monitor.
func (s *Store) FindPendingMintsOlderThan(userKey string, olderThan time.Time) ([]*Entry, error) {
	pending, err := s.scanStatus(userKey, StatusPending, "")
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range pending {
		if e.Kind == KindMinted && e.CreatedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ScanPendingOlderThan walks every pending entry in the database,
// regardless of user, returning those older than the cutoff. This is
// the monitor's alert scan; it is a full entry walk by design and runs
// on a timer, not on request paths.
func (s *Store) ScanPendingOlderThan(olderThan time.Time) ([]*Entry, error) {
	var out []*Entry
	iter := s.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.Status == StatusPending && e.CreatedAt.Before(olderThan) {
			cp := e
			out = append(out, &cp)
		}
	}
	return out, iter.Error()
}

// PendingDelta describes the completion (or failure) of a pending entry.
type PendingDelta struct {
	Status      Status
	Proofs      cashu.Proofs
	TotalAmount int64
	Metadata    map[string]interface{} // merged over the existing metadata
}

// UpdatePending applies a pending->unspent or pending->failed
// transition. Any other starting status or target status fails without
// modifying state.
func (s *Store) UpdatePending(entryID string, delta PendingDelta) (*Entry, error) {
	unlock := s.lock()
	defer unlock()

	e, err := s.getEntry(entryID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending || !transitionAllowed(e.Status, delta.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, delta.Status)
	}

	updated := *e
	updated.Status = delta.Status
	updated.Proofs = delta.Proofs
	updated.TotalAmount = delta.TotalAmount
	if updated.Metadata == nil {
		updated.Metadata = make(map[string]interface{})
	} else {
		merged := make(map[string]interface{}, len(updated.Metadata)+len(delta.Metadata))
		for k, v := range updated.Metadata {
			merged[k] = v
		}
		updated.Metadata = merged
	}
	for k, v := range delta.Metadata {
		updated.Metadata[k] = v
	}
	if err := updated.wellFormed(); err != nil {
		return nil, err
	}
	if updated.Status == StatusUnspent {
		if err := s.checkSecretsFree(&updated); err != nil {
			return nil, err
		}
	}

	batch := new(leveldb.Batch)
	batch.Delete(statusKey(e.UserKey, e.Status, e.ID))
	s.writeEntry(batch, &updated)
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	return &updated, nil
}

// MarkSpent transitions the given entries from unspent to spent and
// returns the number actually transitioned. Entries already spent (or
// otherwise not unspent) are skipped, making repeated calls no-ops.
func (s *Store) MarkSpent(entryIDs []string) (int, error) {
	unlock := s.lock()
	defer unlock()
	batch := new(leveldb.Batch)
	n, err := s.stageMarkSpent(batch, entryIDs, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.db.Write(batch, nil)
}

// stageMarkSpent stages unspent->spent transitions into batch. Caller
// holds the write lock.
func (s *Store) stageMarkSpent(batch *leveldb.Batch, entryIDs []string, now time.Time) (int, error) {
	count := 0
	for _, id := range entryIDs {
		e, err := s.getEntry(id)
		if err != nil {
			return 0, err
		}
		if e.Status != StatusUnspent {
			continue
		}
		batch.Delete(statusKey(e.UserKey, e.Status, e.ID))
		for _, p := range e.Proofs {
			batch.Delete(secretKey(e.UserKey, p.Secret))
		}
		spent := *e
		spent.Status = StatusSpent
		ts := now
		spent.SpentAt = &ts
		s.writeEntry(batch, &spent)
		count++
	}
	return count, nil
}

// SpendSelection is the result of picking entries to cover an amount.
type SpendSelection struct {
	Entries       []*Entry
	TotalSelected int64
	ChangeAmount  int64
}

// SelectForSpend greedily picks unspent entries in insertion order until
// they cover amount. It fails when the user's total unspent funds for
// the mint fall short.
func (s *Store) SelectForSpend(userKey, mintURL string, amount int64) (*SpendSelection, error) {
	entries, err := s.FindUnspent(userKey, mintURL)
	if err != nil {
		return nil, err
	}
	sel := &SpendSelection{}
	for _, e := range entries {
		if sel.TotalSelected >= amount {
			break
		}
		sel.Entries = append(sel.Entries, e)
		sel.TotalSelected += e.TotalAmount
	}
	if sel.TotalSelected < amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, sel.TotalSelected, amount)
	}
	sel.ChangeAmount = sel.TotalSelected - amount
	return sel, nil
}

// ExecuteAtomicMelt commits the ledger side of a settled melt as one
// unit: the source entries become spent with the melt outcome merged
// into their metadata, the keep proofs become a change entry and the
// mint's fee change becomes a melt_change entry. Either all of it lands
// or none of it does. Writing the outcome onto the sources matters for
// melts without change: it is the only durable record of a reserved
// in-flight bundle.
func (s *Store) ExecuteAtomicMelt(sourceIDs []string, keepProofs, meltChangeProofs cashu.Proofs, txID string, common map[string]interface{}) ([]*Entry, error) {
	unlock := s.lock()
	defer unlock()

	if len(sourceIDs) == 0 {
		return nil, ErrEntryNotFound
	}
	// Template fields come from the first source entry; melts never mix
	// users or mints.
	first, err := s.getEntry(sourceIDs[0])
	if err != nil {
		return nil, err
	}
	sources := make([]*Entry, len(sourceIDs))
	for i, id := range sourceIDs {
		e, err := s.getEntry(id)
		if err != nil {
			return nil, err
		}
		if e.Status != StatusUnspent {
			return nil, fmt.Errorf("%w: source %s is %s", ErrInvalidTransition, id, e.Status)
		}
		sources[i] = e
	}

	now := time.Now().UTC()
	batch := new(leveldb.Batch)
	for _, e := range sources {
		batch.Delete(statusKey(e.UserKey, e.Status, e.ID))
		for _, p := range e.Proofs {
			batch.Delete(secretKey(e.UserKey, p.Secret))
		}
		spent := *e
		spent.Status = StatusSpent
		ts := now
		spent.SpentAt = &ts
		merged := make(map[string]interface{}, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			merged[k] = v
		}
		// Nested so the source's own quote_id and friends survive.
		merged[MetaMeltOutcome] = common
		spent.Metadata = merged
		s.writeEntry(batch, &spent)
	}

	var created []*Entry
	stage := func(kind Kind, proofs cashu.Proofs) error {
		meta := map[string]interface{}{MetaSource: "melt"}
		for k, v := range common {
			meta[k] = v
		}
		e := &Entry{
			ID:            s.nextID(batch),
			UserKey:       first.UserKey,
			WalletID:      first.WalletID,
			MintURL:       first.MintURL,
			TransactionID: txID,
			Kind:          kind,
			Status:        StatusUnspent,
			Proofs:        proofs,
			CreatedAt:     now,
			Metadata:      meta,
		}
		e.TotalAmount = e.ProofSum()
		if err := e.wellFormed(); err != nil {
			return err
		}
		if err := s.checkSecretsFree(e); err != nil {
			return err
		}
		s.writeEntry(batch, e)
		created = append(created, e)
		return nil
	}
	if len(keepProofs) > 0 {
		if err := stage(KindChange, keepProofs); err != nil {
			return nil, err
		}
	}
	if len(meltChangeProofs) > 0 {
		if err := stage(KindMeltChange, meltChangeProofs); err != nil {
			return nil, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	return created, nil
}

// ExecuteAtomicSend commits the ledger side of a send swap as one unit:
// the source entries become spent, the proofs handed to the recipient
// are recorded as a spent sent entry for history and the keep proofs
// become an unspent change entry.
func (s *Store) ExecuteAtomicSend(sourceIDs []string, sentProofs, keepProofs cashu.Proofs, txID string, common map[string]interface{}) ([]*Entry, error) {
	unlock := s.lock()
	defer unlock()

	if len(sourceIDs) == 0 {
		return nil, ErrEntryNotFound
	}
	first, err := s.getEntry(sourceIDs[0])
	if err != nil {
		return nil, err
	}
	for _, id := range sourceIDs {
		e, err := s.getEntry(id)
		if err != nil {
			return nil, err
		}
		if e.Status != StatusUnspent {
			return nil, fmt.Errorf("%w: source %s is %s", ErrInvalidTransition, id, e.Status)
		}
	}

	now := time.Now().UTC()
	batch := new(leveldb.Batch)
	if _, err := s.stageMarkSpent(batch, sourceIDs, now); err != nil {
		return nil, err
	}

	var created []*Entry
	stage := func(kind Kind, status Status, proofs cashu.Proofs) error {
		meta := map[string]interface{}{MetaSource: "send"}
		for k, v := range common {
			meta[k] = v
		}
		e := &Entry{
			ID:            s.nextID(batch),
			UserKey:       first.UserKey,
			WalletID:      first.WalletID,
			MintURL:       first.MintURL,
			TransactionID: txID,
			Kind:          kind,
			Status:        status,
			Proofs:        proofs,
			CreatedAt:     now,
			Metadata:      meta,
		}
		e.TotalAmount = e.ProofSum()
		if status == StatusSpent {
			ts := now
			e.SpentAt = &ts
		}
		if err := e.wellFormed(); err != nil {
			return err
		}
		if status == StatusUnspent {
			if err := s.checkSecretsFree(e); err != nil {
				return err
			}
		}
		s.writeEntry(batch, e)
		created = append(created, e)
		return nil
	}
	if len(sentProofs) > 0 {
		if err := stage(KindSent, StatusSpent, sentProofs); err != nil {
			return nil, err
		}
	}
	if len(keepProofs) > 0 {
		if err := stage(KindChange, StatusUnspent, keepProofs); err != nil {
			return nil, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	return created, nil
}

// --- balance & history ---

// Balance is the per-(user, mint) value summary. Pending is the sum of
// requested mint amounts still awaiting payment; it contributes nothing
// to Total.
type Balance struct {
	Total   int64 `json:"total"`
	Unspent int64 `json:"unspent"`
	Pending int64 `json:"pending"`
	Spent   int64 `json:"spent"`
}

// GetBalance sums the user's ledger for one mint.
func (s *Store) GetBalance(userKey, mintURL string) (*Balance, error) {
	bal := &Balance{}
	unspent, err := s.scanStatus(userKey, StatusUnspent, mintURL)
	if err != nil {
		return nil, err
	}
	for _, e := range unspent {
		bal.Unspent += e.TotalAmount
	}
	spent, err := s.scanStatus(userKey, StatusSpent, mintURL)
	if err != nil {
		return nil, err
	}
	for _, e := range spent {
		bal.Spent += e.TotalAmount
	}
	pending, err := s.scanStatus(userKey, StatusPending, mintURL)
	if err != nil {
		return nil, err
	}
	for _, e := range pending {
		bal.Pending += metaInt(e.Metadata[MetaMintAmount])
	}
	bal.Total = bal.Unspent
	return bal, nil
}

// HistoryFilter narrows and pages a history query.
type HistoryFilter struct {
	Limit   int
	Skip    int
	Kind    Kind
	MintURL string
}

// HistoryPage is one page of ledger history.
type HistoryPage struct {
	Entries         []*Entry `json:"entries"`
	Total           int      `json:"total"`
	InvalidFiltered int      `json:"invalid_filtered"`
	HasMore         bool     `json:"has_more"`
}

// GetHistory returns the user's entries newest first. Corrupted rows
// are never returned; their count is reported instead.
func (s *Store) GetHistory(userKey string, filter HistoryFilter) (*HistoryPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Skip < 0 {
		filter.Skip = 0
	}

	page := &HistoryPage{}
	var all []*Entry
	iter := s.db.NewIterator(util.BytesPrefix(userScanPrefix(userKey)), nil)
	defer iter.Release()
	for iter.Next() {
		e, err := s.getEntry(string(iter.Value()))
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue
			}
			page.InvalidFiltered++
			continue
		}
		if e.corrupted() {
			page.InvalidFiltered++
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.MintURL != "" && e.MintURL != filter.MintURL {
			continue
		}
		all = append(all, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	page.Total = len(all)
	if filter.Skip < len(all) {
		end := filter.Skip + filter.Limit
		if end > len(all) {
			end = len(all)
		}
		page.Entries = all[filter.Skip:end]
		page.HasMore = end < len(all)
	}
	return page, nil
}

// metaInt reads a numeric metadata value. JSON round-trips turn numbers
// into float64, so both forms must be accepted.
func metaInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
