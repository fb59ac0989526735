package versioned

import (
	"encoding/binary"

	"github.com/eth2030/lvmt/backend"
	"github.com/eth2030/lvmt/lvmttypes"
	"github.com/eth2030/lvmt/pending"
)

// ConfirmedPendingToHistory promotes newRootCID and everything between the
// current pending root and it into history (spec.md §4.1 change_root /
// §4.2 confirmed_pending_to_history): it runs the pending ChangeRoot,
// assigns each newly-confirmed commit the next History Number, and writes
// the commit<->HN maps, the history index, and the history change log in
// one atomic batch.
func (s *Store) ConfirmedPendingToHistory(newRootCID CID) error {
	startHN, err := s.nextHN()
	if err != nil {
		return err
	}

	_, path, err := s.pending.ChangeRoot(newRootCID)
	if err != nil {
		return err
	}

	batch := s.backend.NewBatch()
	hn := startHN
	for _, entry := range path {
		if err := s.writeConfirmedCommit(batch, hn, entry); err != nil {
			return err
		}
		hn++
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	s.log.Info("promoted pending commits to history",
		"new_root", newRootCID, "start_hn", startHN, "count", len(path))
	return nil
}

func (s *Store) writeConfirmedCommit(batch backend.WriteBatch, hn HN, entry pending.PathEntry) error {
	var hnBuf [8]byte
	binary.BigEndian.PutUint64(hnBuf[:], uint64(hn))

	batch.Put(backend.ColCommitIDToHN, entry.CID[:], hnBuf[:])
	rev := lvmttypes.EncodeHNRev(hn)
	batch.Put(backend.ColHNToCommitID, rev[:], entry.CID[:])

	for key, upd := range entry.Changes {
		indexKey := lvmttypes.HistoryIndexKey{Key: []byte(key), HN: hn}.Encode()
		batch.Put(s.indexCol, indexKey, nil)

		changeKey := changeLogKey(hn, []byte(key))
		if upd.Deleted {
			batch.Put(s.changeCol, changeKey, nil)
		} else {
			batch.Put(s.changeCol, changeKey, upd.Value)
		}
	}
	return nil
}

func (s *Store) nextHN() (HN, error) {
	_, latest, err := latestConfirmed(s.backend)
	if err != nil {
		return 0, err
	}
	return latest + 1, nil
}

// GCBefore discards every history change-log and index entry for commits
// confirmed at or before keepAfter, the supplemented bulk-GC operation
// (SPEC_FULL.md "Supplemented features"): it keeps the commit<->HN maps
// (needed to resolve old CIDs to "pruned") but drops the per-key records,
// bounding storage growth for long-lived history logs.
func (s *Store) GCBefore(keepAfter HN) error {
	batch := s.backend.NewBatch()

	it, err := s.backend.IterFrom(s.indexCol, nil)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		rec, ok := lvmttypes.DecodeHistoryIndexKey(it.Key())
		if !ok {
			continue
		}
		if rec.HN > keepAfter {
			continue
		}
		batch.Delete(s.indexCol, it.Key())
		batch.Delete(s.changeCol, changeLogKey(rec.HN, rec.Key))
	}
	if err := it.Err(); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	s.log.Info("garbage collected history entries", "keep_after_hn", keepAfter)
	return nil
}
