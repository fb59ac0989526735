// Package versioned implements the versioned store (spec.md §4.2): it
// composes one pending DAG (package pending) with backend tables for the
// commit<->history-number maps, the history index, and the bulk change
// log, and exposes snapshot-at-commit, historical-change iteration, and
// atomic promotion of confirmed pending commits into history.
package versioned

import (
	"encoding/binary"
	"fmt"

	"github.com/eth2030/lvmt/backend"
	"github.com/eth2030/lvmt/log"
	"github.com/eth2030/lvmt/lvmterrors"
	"github.com/eth2030/lvmt/lvmttypes"
	"github.com/eth2030/lvmt/pending"
)

type CID = lvmttypes.CID
type HN = lvmttypes.HN

// Store composes a pending DAG with one (history-change, history-index)
// column pair; the commit<->history-number maps are shared across every
// Store instance pointed at the same Backend (spec.md §3: "two tables,
// CID → HN and HN → CID", singular -- one pair for the whole system).
type Store struct {
	backend   backend.Backend
	pending   *pending.VersionedMap
	changeCol backend.Column
	indexCol  backend.Column
	log       *log.Logger
}

// Open constructs a Store for one of the three versioned tables
// (flat key-value, amt-node, slot-allocation), loading the pending tree's
// bootstrap anchor from the shared CID<->HN tables.
func Open(b backend.Backend, changeCol, indexCol backend.Column) (*Store, error) {
	parentOfRoot, latestHN, err := latestConfirmed(b)
	if err != nil {
		return nil, err
	}
	return &Store{
		backend:   b,
		pending:   pending.NewVersionedMap(parentOfRoot, uint64(latestHN)),
		changeCol: changeCol,
		indexCol:  indexCol,
		log:       log.Default().Module("versioned"),
	}, nil
}

// SetLogger overrides the Store's logger, for callers that want promotion
// and GC events routed somewhere other than the process-wide default.
func (s *Store) SetLogger(l *log.Logger) { s.log = l }

// latestConfirmed scans HNToCommitID for the greatest key (HN is stored
// bit-inverted big-endian, so the greatest HN has the smallest physical
// key) to find the tip of history, if any.
func latestConfirmed(b backend.Backend) (*CID, HN, error) {
	it, err := b.IterFrom(backend.ColHNToCommitID, nil)
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()
	if !it.Next() {
		return nil, 0, nil
	}
	hn := lvmttypes.DecodeHNRev(toArr8(it.Key()))
	var c CID
	copy(c[:], it.Value())
	return &c, hn, nil
}

func toArr8(b []byte) [8]byte {
	var out [8]byte
	copy(out[:], b)
	return out
}

// AddToPendingPart stages a new pending commit. Rejects cid already
// present in history.
func (s *Store) AddToPendingPart(parent *CID, cid CID, updates map[string]pending.Update) error {
	if _, found, err := s.backend.Get(backend.ColCommitIDToHN, cid[:]); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %x", lvmterrors.ErrCommitIdAlreadyExistsInHistory, cid)
	}
	return s.pending.AddNode(cid, parent, updates)
}

func (s *Store) Discard(cid CID) error {
	if _, found, err := s.backend.Get(backend.ColCommitIDToHN, cid[:]); err != nil {
		return err
	} else if found {
		return nil // no-op: history is immutable
	}
	return s.pending.Discard(cid)
}

// historyHN returns the HN for cid if it is already confirmed.
func (s *Store) historyHN(cid CID) (HN, bool, error) {
	raw, found, err := s.backend.Get(backend.ColCommitIDToHN, cid[:])
	if err != nil || !found {
		return 0, found, err
	}
	return HN(binary.BigEndian.Uint64(raw)), true, nil
}

// GetVersionedKey resolves key as of cid: pending first, falling back to
// the history anchor if pending has no opinion.
func (s *Store) GetVersionedKey(cid CID, key []byte) (value []byte, deleted bool, found bool, err error) {
	// History-confirmed commits are resolved via the history path first
	// even if their node still lingers in the pending arena as the
	// current root (scenario S3): a commit once confirmed is addressed
	// through history, not through the pending fold.
	if hn, ok, herr := s.historyHN(cid); herr != nil {
		return nil, false, false, herr
	} else if ok {
		return s.getFromHistory(key, hn)
	}

	if s.pending.GetNodeByCID(cid) {
		v, del, ok, perr := s.pending.GetVersionedKey(cid, key)
		if perr != nil {
			return nil, false, false, perr
		}
		if ok {
			return v, del, true, nil
		}
	}

	parent := s.pending.ParentOfRoot()
	if parent == nil {
		return nil, false, false, nil
	}
	hn, ok, herr := s.historyHN(*parent)
	if herr != nil {
		return nil, false, false, herr
	}
	if !ok {
		return nil, false, false, nil
	}
	return s.getFromHistory(key, hn)
}

// getFromHistory performs the reverse scan described in spec.md §4.2:
// starting at (key, hn), the first history-index record whose logical key
// matches key carries the answer.
func (s *Store) getFromHistory(key []byte, hn HN) (value []byte, deleted bool, found bool, err error) {
	start := lvmttypes.HistoryIndexKey{Key: key, HN: hn}.Encode()
	it, err := s.backend.IterFrom(s.indexCol, start)
	if err != nil {
		return nil, false, false, err
	}
	defer it.Close()
	if !it.Next() {
		return nil, false, false, nil
	}
	rec, ok := lvmttypes.DecodeHistoryIndexKey(it.Key())
	if !ok || string(rec.Key) != string(key) {
		return nil, false, false, nil
	}

	changeKey := changeLogKey(rec.HN, key)
	raw, found, err := s.backend.Get(s.changeCol, changeKey)
	if err != nil {
		return nil, false, false, err
	}
	if !found {
		return nil, false, false, fmt.Errorf("%w: hn=%d", lvmterrors.ErrVersionNotFound, rec.HN)
	}
	if len(raw) == 0 {
		return nil, true, true, nil // tombstone
	}
	return raw, false, true, nil
}

// IterCurrent returns every live (non-deleted) key/value pair visible at
// cid: the history base as of cid's confirmed ancestor, overlaid with cid's
// own pending fold if cid is still pending. This is a full-table scan,
// appropriate for the debug/test consistency-check path (spec.md §8
// TestableProperty 6 / scenario S4) rather than any hot read path.
func (s *Store) IterCurrent(cid CID) (map[string][]byte, error) {
	out := make(map[string][]byte)

	if hn, ok, err := s.historyHN(cid); err != nil {
		return nil, err
	} else if ok {
		if err := s.collectHistoryBase(hn, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	if parent := s.pending.ParentOfRoot(); parent != nil {
		if hn, ok, err := s.historyHN(*parent); err != nil {
			return nil, err
		} else if ok {
			if err := s.collectHistoryBase(hn, out); err != nil {
				return nil, err
			}
		}
	}

	if s.pending.GetNodeByCID(cid) {
		snap, err := s.pending.CurrentSnapshot(cid)
		if err != nil {
			return nil, err
		}
		for k, upd := range snap {
			if upd.Deleted {
				delete(out, k)
				continue
			}
			out[k] = upd.Value
		}
	}
	return out, nil
}

// collectHistoryBase scans the entire history index once, keeping for every
// distinct key the value at the highest HN not exceeding anchor.
func (s *Store) collectHistoryBase(anchor HN, out map[string][]byte) error {
	it, err := s.backend.IterFrom(s.indexCol, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	var currentKey string
	resolved := false
	for it.Next() {
		rec, ok := lvmttypes.DecodeHistoryIndexKey(it.Key())
		if !ok {
			continue
		}
		k := string(rec.Key)
		if k != currentKey {
			currentKey = k
			resolved = false
		}
		if resolved || rec.HN > anchor {
			continue
		}
		resolved = true

		raw, found, err := s.backend.Get(s.changeCol, changeLogKey(rec.HN, rec.Key))
		if err != nil {
			return err
		}
		if found && len(raw) > 0 {
			out[k] = raw
		}
	}
	return it.Err()
}

func changeLogKey(hn HN, key []byte) []byte {
	out := make([]byte, 0, 8+len(key))
	var hnBuf [8]byte
	binary.BigEndian.PutUint64(hnBuf[:], uint64(hn))
	out = append(out, hnBuf[:]...)
	return append(out, key...)
}

// IterHistoricalChanges walks pending, then history, yielding every commit
// that modified key in strictly decreasing (HN, pending-depth) order.
func (s *Store) IterHistoricalChanges(cid CID, key []byte, accept pending.AcceptFunc) error {
	if _, found, err := s.historyHN(cid); err != nil {
		return err
	} else if found {
		hn, _, _ := s.historyHN(cid)
		return s.iterHistoryOnly(key, hn, accept)
	}

	completed, err := s.pending.IterHistoricalChanges(cid, key, accept)
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}
	parent := s.pending.ParentOfRoot()
	if parent == nil {
		return nil
	}
	hn, ok, err := s.historyHN(*parent)
	if err != nil || !ok {
		return err
	}
	if s.pending.GetNodeByCID(*parent) {
		// The pending root is itself confirmed and was visited above.
		hn--
	}
	return s.iterHistoryOnly(key, hn, accept)
}

func (s *Store) iterHistoryOnly(key []byte, hn HN, accept pending.AcceptFunc) error {
	start := lvmttypes.HistoryIndexKey{Key: key, HN: hn}.Encode()
	it, err := s.backend.IterFrom(s.indexCol, start)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		rec, ok := lvmttypes.DecodeHistoryIndexKey(it.Key())
		if !ok || string(rec.Key) != string(key) {
			return nil
		}
		raw, found, err := s.backend.Get(s.changeCol, changeLogKey(rec.HN, key))
		if err != nil {
			return err
		}
		deleted := !found || len(raw) == 0
		rev := lvmttypes.EncodeHNRev(rec.HN)
		cidRaw, cidFound, err := s.backend.Get(backend.ColHNToCommitID, rev[:])
		if err != nil {
			return err
		}
		if !cidFound {
			return fmt.Errorf("%w: hn=%d", lvmterrors.ErrVersionNotFound, rec.HN)
		}
		var c CID
		copy(c[:], cidRaw)
		if !accept(c, raw, deleted) {
			return nil
		}
	}
	return it.Err()
}
