// Package store is the wallet's note store: owned notes keyed by commitment
// and by nullifier, the ordered log of applied pool events, and the journal
// of in-flight operations.
//
// The store is the single owner of note state. Selecting notes and marking
// them PendingSpend happens in SelectAndLock under one mutex, which is what
// keeps concurrent spends from choosing the same note.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/token"
)

var (
	ErrNotFound      = errors.New("note not found")
	ErrNotSpendable  = errors.New("note not spendable")
	ErrLockNotHeld   = errors.New("lock not held by operation")
	ErrEventGap      = errors.New("pool event gap")
	ErrEventConflict = errors.New("pool event conflicts with applied event")
)

// Record is an owned note together with its lifecycle state.
type Record struct {
	Note       note.Note       `json:"note"`
	Commitment note.Commitment `json:"commitment"`
	State      note.State      `json:"state"`
	Nullifier  *note.Nullifier `json:"nullifier,omitempty"`
	LockedBy   string          `json:"locked_by,omitempty"`
	LockedAt   time.Time       `json:"locked_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Event is one applied pool event: a commitment at its leaf index.
type Event struct {
	Index      uint64          `json:"index"`
	Commitment note.Commitment `json:"commitment"`
}

// Balance summarizes owned value of one token by state.
type Balance struct {
	Token       token.ID `json:"token"`
	Confirmed   uint64   `json:"confirmed"`
	Pending     uint64   `json:"pending"`
	Unconfirmed uint64   `json:"unconfirmed"`
	Notes       int      `json:"notes"`
}

// Store holds the wallet state. A nil db keeps everything in memory.
type Store struct {
	mu sync.Mutex

	db  *leveldb.DB
	log zerolog.Logger
	now func() time.Time

	notes       map[note.Commitment]*Record
	byNullifier map[note.Nullifier]note.Commitment
	events      []note.Commitment
	ops         map[string]json.RawMessage
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the time source used for lock timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Store {
	s := &Store{
		log:         zerolog.Nop(),
		now:         time.Now,
		notes:       make(map[note.Commitment]*Record),
		byNullifier: make(map[note.Nullifier]note.Commitment),
		ops:         make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddNote inserts an owned note, deduplicated by commitment. A note already
// known as Unconfirmed is promoted when it is seen again with a leaf index
// and state Confirmed. It reports whether the store changed.
func (s *Store) AddNote(n *note.Note, state note.State, nf *note.Nullifier) (bool, error) {
	cm, err := note.Commit(n)
	if err != nil {
		return false, err
	}
	if state != note.Unconfirmed && state != note.Confirmed {
		return false, fmt.Errorf("cannot add note in state %s", state)
	}
	if state == note.Confirmed && (n.LeafIndex == nil || nf == nil) {
		return false, fmt.Errorf("confirmed note %s needs leaf index and nullifier", cm.Hex())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.notes[cm]
	if ok && !(existing.State == note.Unconfirmed && state == note.Confirmed) {
		return false, nil
	}
	rec := &Record{
		Note:       *n,
		Commitment: cm,
		State:      state,
		Nullifier:  nf,
		UpdatedAt:  s.now(),
	}
	if err := s.commit([]*Record{rec}, nil); err != nil {
		return false, err
	}
	s.log.Debug().Str("commitment", cm.Hex()).Stringer("state", state).Uint64("amount", n.Amount).Msg("note stored")
	return true, nil
}

// Get returns the record for a commitment.
func (s *Store) Get(cm note.Commitment) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.notes[cm]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ByNullifier returns the record whose nullifier is nf.
func (s *Store) ByNullifier(nf note.Nullifier) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cm, ok := s.byNullifier[nf]
	if !ok {
		return Record{}, false
	}
	return *s.notes[cm], true
}

// List returns copies of the records accepted by keep, ordered by leaf
// index with unplaced notes last.
func (s *Store) List(keep func(*Record) bool) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(keep)
}

func (s *Store) list(keep func(*Record) bool) []Record {
	out := make([]Record, 0, len(s.notes))
	for _, rec := range s.notes {
		if keep == nil || keep(rec) {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].Note.LeafIndex, recs[j].Note.LeafIndex
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return recs[i].Commitment.Cmp(recs[j].Commitment) < 0
	})
}

// Spendable returns the Confirmed notes of a token.
func (s *Store) Spendable(tok token.ID) []Record {
	return s.List(func(r *Record) bool {
		return r.State == note.Confirmed && r.Note.Token == tok
	})
}

// SelectAndLock runs choose over the spendable notes of tok and marks the
// chosen notes PendingSpend for opID, as one atomic step. choose must only
// return commitments from the slice it was given.
func (s *Store) SelectAndLock(opID string, tok token.ID, choose func([]Record) ([]note.Commitment, error)) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	available := s.list(func(r *Record) bool {
		return r.State == note.Confirmed && r.Note.Token == tok
	})
	chosen, err := choose(available)
	if err != nil {
		return nil, err
	}

	now := s.now()
	seen := make(map[note.Commitment]bool, len(chosen))
	updated := make([]*Record, 0, len(chosen))
	for _, cm := range chosen {
		rec, ok := s.notes[cm]
		if !ok || seen[cm] || rec.State != note.Confirmed || rec.Note.Token != tok {
			return nil, fmt.Errorf("%w: %s", ErrNotSpendable, cm.Hex())
		}
		seen[cm] = true
		next := *rec
		next.State = note.PendingSpend
		next.LockedBy = opID
		next.LockedAt = now
		next.UpdatedAt = now
		updated = append(updated, &next)
	}
	if err := s.commit(updated, nil); err != nil {
		return nil, err
	}

	out := make([]Record, len(updated))
	for i, rec := range updated {
		out[i] = *rec
	}
	s.log.Debug().Str("op", opID).Int("notes", len(out)).Msg("notes locked")
	return out, nil
}

// Release returns notes locked by opID to Confirmed. With no commitments it
// releases every lock held by opID. It returns the released commitments.
func (s *Store) Release(opID string, cms ...note.Commitment) ([]note.Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(cms) == 0 {
		cms = s.lockedBy(opID)
	}
	now := s.now()
	updated := make([]*Record, 0, len(cms))
	for _, cm := range cms {
		rec, ok := s.notes[cm]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cm.Hex())
		}
		if rec.State != note.PendingSpend || rec.LockedBy != opID {
			return nil, fmt.Errorf("%w: %s held by %q in state %s", ErrLockNotHeld, cm.Hex(), rec.LockedBy, rec.State)
		}
		next := *rec
		next.State = note.Confirmed
		next.LockedBy = ""
		next.LockedAt = time.Time{}
		next.UpdatedAt = now
		updated = append(updated, &next)
	}
	if err := s.commit(updated, nil); err != nil {
		return nil, err
	}
	released := make([]note.Commitment, len(updated))
	for i, rec := range updated {
		released[i] = rec.Commitment
	}
	return released, nil
}

// MarkSpent moves the notes owning the given nullifiers to Spent and
// returns their commitments. Unknown nullifiers are ignored.
func (s *Store) MarkSpent(nfs ...note.Nullifier) ([]note.Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var updated []*Record
	for _, nf := range nfs {
		cm, ok := s.byNullifier[nf]
		if !ok {
			continue
		}
		rec := s.notes[cm]
		if rec.State == note.Spent {
			continue
		}
		next := *rec
		next.State = note.Spent
		next.LockedBy = ""
		next.LockedAt = time.Time{}
		next.UpdatedAt = now
		updated = append(updated, &next)
	}
	if err := s.commit(updated, nil); err != nil {
		return nil, err
	}
	spent := make([]note.Commitment, len(updated))
	for i, rec := range updated {
		spent[i] = rec.Commitment
	}
	return spent, nil
}

// Locked returns the commitments currently locked by opID.
func (s *Store) Locked(opID string) []note.Commitment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedBy(opID)
}

func (s *Store) lockedBy(opID string) []note.Commitment {
	var out []note.Commitment
	for cm, rec := range s.notes {
		if rec.State == note.PendingSpend && rec.LockedBy == opID {
			out = append(out, cm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// StaleLocks returns PendingSpend records locked longer than maxAge.
func (s *Store) StaleLocks(maxAge time.Duration) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	return s.list(func(r *Record) bool {
		return r.State == note.PendingSpend && r.LockedAt.Before(cutoff)
	})
}

// Balance sums owned notes of tok by state.
func (s *Store) Balance(tok token.ID) Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := Balance{Token: tok}
	for _, rec := range s.notes {
		if rec.Note.Token != tok {
			continue
		}
		switch rec.State {
		case note.Confirmed:
			b.Confirmed += rec.Note.Amount
			b.Notes++
		case note.PendingSpend:
			b.Pending += rec.Note.Amount
		case note.Unconfirmed:
			b.Unconfirmed += rec.Note.Amount
		}
	}
	return b
}

// AppendEvents records pool events in leaf order. Events already applied
// are checked and skipped; a gap fails with ErrEventGap. It returns the
// events that were new.
func (s *Store) AppendEvents(evs []Event) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(len(s.events))
	var fresh []Event
	for _, ev := range evs {
		switch {
		case ev.Index < uint64(len(s.events)):
			if s.events[ev.Index] != ev.Commitment {
				return nil, fmt.Errorf("%w: index %d", ErrEventConflict, ev.Index)
			}
		case ev.Index < next:
			if fresh[ev.Index-uint64(len(s.events))].Commitment != ev.Commitment {
				return nil, fmt.Errorf("%w: index %d", ErrEventConflict, ev.Index)
			}
		case ev.Index == next:
			fresh = append(fresh, ev)
			next++
		default:
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrEventGap, next, ev.Index)
		}
	}
	if err := s.commit(nil, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Events returns the applied event log.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	for i, cm := range s.events {
		out[i] = Event{Index: uint64(i), Commitment: cm}
	}
	return out
}

// Checkpoint is the next pool event index to scan.
func (s *Store) Checkpoint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.events))
}

// PutOp journals an operation under id.
func (s *Store) PutOp(id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode op %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Put(opKey(id), raw, nil); err != nil {
			return fmt.Errorf("persist op %s: %w", id, err)
		}
	}
	s.ops[id] = raw
	return nil
}

// DeleteOp removes an operation from the journal.
func (s *Store) DeleteOp(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Delete(opKey(id), nil); err != nil {
			return fmt.Errorf("delete op %s: %w", id, err)
		}
	}
	delete(s.ops, id)
	return nil
}

// Ops returns the journaled operations.
func (s *Store) Ops() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.ops))
	for id, raw := range s.ops {
		out[id] = append(json.RawMessage(nil), raw...)
	}
	return out
}

// Reset drops all state.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := wipe(s.db); err != nil {
			return err
		}
	}
	s.notes = make(map[note.Commitment]*Record)
	s.byNullifier = make(map[note.Nullifier]note.Commitment)
	s.events = nil
	s.ops = make(map[string]json.RawMessage)
	return nil
}

// commit persists then applies updated records and new events. Callers hold
// s.mu.
func (s *Store) commit(recs []*Record, evs []Event) error {
	if len(recs) == 0 && len(evs) == 0 {
		return nil
	}
	if s.db != nil {
		if err := persist(s.db, recs, evs); err != nil {
			return err
		}
	}
	for _, rec := range recs {
		s.notes[rec.Commitment] = rec
		if rec.Nullifier != nil {
			s.byNullifier[*rec.Nullifier] = rec.Commitment
		}
	}
	for _, ev := range evs {
		s.events = append(s.events, ev.Commitment)
	}
	return nil
}
