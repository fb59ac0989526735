package versioned

import (
	"testing"

	"github.com/eth2030/lvmt/backend"
	"github.com/eth2030/lvmt/lvmttypes"
	"github.com/eth2030/lvmt/pending"
)

func cid(b byte) CID {
	var c CID
	c[0] = b
	return c
}

func ptr(c CID) *CID { return &c }

func upd(v string) pending.Update { return pending.Update{Value: []byte(v)} }

func newStore(t *testing.T) (*Store, *backend.MemBackend) {
	t.Helper()
	b := backend.NewMemBackend()
	s, err := Open(b, backend.ColHistoryChangeKV, backend.ColHistoryIndexKV)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, b
}

// TestPendingThenPromote mirrors scenario S3: a value is committed in
// pending, confirmed into history, and still resolves correctly afterward
// even though the confirmed commit remains the pending root.
func TestPendingThenPromote(t *testing.T) {
	s, _ := newStore(t)

	if err := s.AddToPendingPart(nil, cid(1), map[string]pending.Update{"a": upd("1")}); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if err := s.AddToPendingPart(ptr(cid(1)), cid(2), map[string]pending.Update{"a": upd("2")}); err != nil {
		t.Fatalf("add c2: %v", err)
	}

	v, deleted, found, err := s.GetVersionedKey(cid(2), []byte("a"))
	if err != nil || !found || deleted || string(v) != "2" {
		t.Fatalf("pending get: v=%s found=%v deleted=%v err=%v", v, found, deleted, err)
	}

	if err := s.ConfirmedPendingToHistory(cid(2)); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Now resolved via the history path, even though cid(2) is still the
	// pending root.
	v, deleted, found, err = s.GetVersionedKey(cid(2), []byte("a"))
	if err != nil || !found || deleted || string(v) != "2" {
		t.Fatalf("history get after promote: v=%s found=%v deleted=%v err=%v", v, found, deleted, err)
	}
}

func TestUnknownCommitLookupFails(t *testing.T) {
	s, _ := newStore(t)
	if err := s.AddToPendingPart(nil, cid(1), map[string]pending.Update{"a": upd("1")}); err != nil {
		t.Fatal(err)
	}
	_, _, found, err := s.GetVersionedKey(cid(9), []byte("a"))
	if err == nil && found {
		t.Fatal("expected lookup of unknown commit to fail or report not found")
	}
}

func TestGCBeforeDropsOldChangeLog(t *testing.T) {
	s, b := newStore(t)
	if err := s.AddToPendingPart(nil, cid(1), map[string]pending.Update{"a": upd("1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfirmedPendingToHistory(cid(1)); err != nil {
		t.Fatal(err)
	}

	if err := s.GCBefore(lvmttypes.HN(100)); err != nil {
		t.Fatalf("gc: %v", err)
	}

	_, found, err := b.Get(backend.ColHistoryIndexKV, lvmttypes.HistoryIndexKey{Key: []byte("a"), HN: 1}.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected history index entry to be GC'd")
	}
}
