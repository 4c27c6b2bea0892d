// leveldb.go - Durable backing for the note store.
//
// Key layout:
//
//	note_<commitment hex>  -> Record (json)
//	ev_<index %020d>       -> commitment (32 bytes)
//	op_<operation id>      -> journaled operation (json)
//
// The nullifier index is rebuilt from the records on open.

package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/HamzaZF/shieldpool/internal/note"
)

const (
	notePrefix  = "note_"
	eventPrefix = "ev_"
	opPrefix    = "op_"
)

func noteKey(cm note.Commitment) []byte { return []byte(notePrefix + cm.Hex()) }
func eventKey(idx uint64) []byte        { return []byte(fmt.Sprintf("%s%020d", eventPrefix, idx)) }
func opKey(id string) []byte            { return []byte(opPrefix + id) }

// Open opens or creates a leveldb-backed store at path and loads its
// contents into memory.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open note store %s: %w", path, err)
	}
	s := NewMemory(opts...)
	s.db = db
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info().Str("path", path).Int("notes", len(s.notes)).Int("events", len(s.events)).Int("ops", len(s.ops)).Msg("note store opened")
	return s, nil
}

// Close releases the database. Memory stores close trivially.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) load() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(notePrefix)), nil)
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Release()
			return fmt.Errorf("decode note %s: %w", iter.Key(), err)
		}
		s.notes[rec.Commitment] = &rec
		if rec.Nullifier != nil {
			s.byNullifier[*rec.Nullifier] = rec.Commitment
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate notes: %w", err)
	}

	// zero-padded keys iterate in index order
	iter = s.db.NewIterator(util.BytesPrefix([]byte(eventPrefix)), nil)
	for iter.Next() {
		want := eventKey(uint64(len(s.events)))
		if string(iter.Key()) != string(want) {
			iter.Release()
			return fmt.Errorf("%w: stored event log broken at %s", ErrEventGap, iter.Key())
		}
		s.events = append(s.events, common.BytesToHash(iter.Value()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}

	iter = s.db.NewIterator(util.BytesPrefix([]byte(opPrefix)), nil)
	for iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), opPrefix)
		s.ops[id] = append(json.RawMessage(nil), iter.Value()...)
	}
	iter.Release()
	return iter.Error()
}

// persist writes records and events in one batch.
func persist(db *leveldb.DB, recs []*Record, evs []Event) error {
	batch := new(leveldb.Batch)
	for _, rec := range recs {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode note %s: %w", rec.Commitment.Hex(), err)
		}
		batch.Put(noteKey(rec.Commitment), raw)
	}
	for _, ev := range evs {
		batch.Put(eventKey(ev.Index), ev.Commitment.Bytes())
	}
	if err := db.Write(batch, nil); err != nil {
		return fmt.Errorf("write note store batch: %w", err)
	}
	return nil
}

func wipe(db *leveldb.DB) error {
	batch := new(leveldb.Batch)
	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate note store: %w", err)
	}
	return db.Write(batch, nil)
}
