// Package scanner ingests pool events: it mirrors the commitment tree and
// trial-decrypts every new ciphertext with the wallet keys, adding the notes
// it owns to the store.
//
// Scanning resumes from the store checkpoint, the index of the next pool
// event to read. Notes are added before the checkpoint moves, so a crash in
// between replays the batch and the commitment dedup absorbs it.
package scanner

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/merkle"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
)

// Source streams pool events from an index.
type Source interface {
	StreamPoolEvents(ctx context.Context, from uint64) ([]ledger.PoolEvent, error)
}

// NullifierQuerier checks whether a nullifier is on chain.
type NullifierQuerier interface {
	QueryNullifier(ctx context.Context, nf note.Nullifier) (bool, error)
}

// Result summarizes one Apply or Sync call.
type Result struct {
	Events     int              `json:"events"`
	Discovered []note.Commitment `json:"discovered"`
	Checkpoint uint64           `json:"checkpoint"`
	Root       note.Commitment  `json:"root"`
}

// Scanner owns the ingestion path of one wallet.
type Scanner struct {
	mu sync.Mutex

	keys    note.KeyProvider
	store   *store.Store
	tree    *merkle.Tree
	workers int
	log     zerolog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithWorkers bounds parallel trial decryption.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the scanner logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scanner) { s.log = l }
}

// New creates a scanner and brings tree up to the events already recorded
// in st.
func New(keys note.KeyProvider, st *store.Store, tree *merkle.Tree, opts ...Option) (*Scanner, error) {
	s := &Scanner{
		keys:    keys,
		store:   st,
		tree:    tree,
		workers: runtime.NumCPU(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.restoreTree(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scanner) restoreTree() error {
	evs := s.store.Events()
	leaves := make([]merkle.Leaf, len(evs))
	for i, ev := range evs {
		leaves[i] = merkle.Leaf{Index: ev.Index, Commitment: ev.Commitment}
	}
	if _, err := s.tree.Sync(leaves); err != nil {
		return fmt.Errorf("restore tree from store: %w", err)
	}
	return nil
}

// Tree returns the mirrored commitment tree.
func (s *Scanner) Tree() *merkle.Tree { return s.tree }

// Apply ingests an ordered batch of events. Events below the checkpoint are
// checked against the tree and otherwise ignored.
func (s *Scanner) Apply(ctx context.Context, evs []ledger.PoolEvent) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint := s.store.Checkpoint()
	var fresh []ledger.PoolEvent
	leaves := make([]merkle.Leaf, len(evs))
	for i, ev := range evs {
		leaves[i] = merkle.Leaf{Index: ev.Index, Commitment: ev.Commitment}
		if ev.Index >= checkpoint {
			fresh = append(fresh, ev)
		}
	}

	// Step 1: trial decryption of the new events
	found, err := s.decrypt(ctx, fresh)
	if err != nil {
		return nil, err
	}

	// Step 2: tree first, it validates order and capacity for the batch
	root, err := s.tree.Sync(leaves)
	if err != nil {
		return nil, err
	}

	// Step 3: notes before the checkpoint moves
	res := &Result{Root: root}
	for _, n := range found {
		cm, err := note.Commit(n)
		if err != nil {
			return nil, err
		}
		nf, err := note.Nullify(n, s.keys.SpendSecret(), *n.LeafIndex)
		if err != nil {
			return nil, err
		}
		added, err := s.store.AddNote(n, note.Confirmed, &nf)
		if err != nil {
			return nil, err
		}
		if added {
			res.Discovered = append(res.Discovered, cm)
			s.log.Info().
				Str("commitment", cm.Hex()).
				Uint64("leaf", *n.LeafIndex).
				Stringer("token", n.Token).
				Uint64("amount", n.Amount).
				Msg("note discovered")
		}
	}

	// Step 4: checkpoint
	storeEvents := make([]store.Event, len(fresh))
	for i, ev := range fresh {
		storeEvents[i] = store.Event{Index: ev.Index, Commitment: ev.Commitment}
	}
	applied, err := s.store.AppendEvents(storeEvents)
	if err != nil {
		// the in-memory tree is ahead of the store now
		s.resetTree()
		return nil, err
	}
	res.Events = len(applied)
	res.Checkpoint = s.store.Checkpoint()
	return res, nil
}

// Reset drops every record from the store and empties the tree, so the
// next Sync rescans the pool from the first leaf.
func (s *Scanner) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Reset(); err != nil {
		return err
	}
	s.tree.Reset()
	s.log.Warn().Msg("scanner state reset")
	return nil
}

func (s *Scanner) resetTree() {
	s.tree.Reset()
	if err := s.restoreTree(); err != nil {
		s.log.Error().Err(err).Msg("tree restore failed")
	}
}

// decrypt trial-decrypts evs in parallel and returns the owned, non-padding
// notes in event order, placed at their leaf index.
func (s *Scanner) decrypt(ctx context.Context, evs []ledger.PoolEvent) ([]*note.Note, error) {
	results := make([]*note.Note, len(evs))
	owner := note.FieldToHash(s.keys.OwnerPubkey())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range evs {
		ev := evs[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, ok := note.Decrypt(ev.Ciphertext, s.keys)
			if !ok || n.IsPadding() {
				return nil
			}
			cm, err := note.Commit(n)
			if err != nil || cm != ev.Commitment {
				s.log.Warn().Uint64("leaf", ev.Index).Msg("ciphertext does not open to its commitment")
				return nil
			}
			if n.Owner != owner {
				// readable but spendable only by another secret
				s.log.Debug().Uint64("leaf", ev.Index).Msg("note owned by another key")
				return nil
			}
			results[i] = n.WithLeafIndex(ev.Index)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := results[:0]
	for _, n := range results {
		if n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// Sync pages through src from the checkpoint until it is exhausted.
func (s *Scanner) Sync(ctx context.Context, src Source) (*Result, error) {
	total := &Result{Checkpoint: s.store.Checkpoint(), Root: s.tree.Root()}
	for {
		evs, err := src.StreamPoolEvents(ctx, s.store.Checkpoint())
		if err != nil {
			return total, fmt.Errorf("stream pool events: %w", err)
		}
		if len(evs) == 0 {
			return total, nil
		}
		res, err := s.Apply(ctx, evs)
		if err != nil {
			return total, err
		}
		total.Events += res.Events
		total.Discovered = append(total.Discovered, res.Discovered...)
		total.Checkpoint = res.Checkpoint
		total.Root = res.Root
		if res.Events == 0 {
			// source keeps returning applied events
			return total, nil
		}
	}
}

// RefreshSpent asks the ledger about every Confirmed note and marks the
// spent ones. It catches spends made by another device holding the same
// keys. It returns the notes marked spent.
func (s *Scanner) RefreshSpent(ctx context.Context, q NullifierQuerier) ([]note.Commitment, error) {
	confirmed := s.store.List(func(r *store.Record) bool {
		return r.State == note.Confirmed && r.Nullifier != nil
	})
	var spent []note.Nullifier
	for _, rec := range confirmed {
		ok, err := q.QueryNullifier(ctx, *rec.Nullifier)
		if err != nil {
			return nil, fmt.Errorf("query nullifier %s: %w", rec.Nullifier.Hex(), err)
		}
		if ok {
			spent = append(spent, *rec.Nullifier)
		}
	}
	return s.store.MarkSpent(spent...)
}
