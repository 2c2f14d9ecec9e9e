package index

import (
	"path/filepath"
	"testing"

	"github.com/mjl-/mboxsync/mbox"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func topen(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "box.index"))
	tcheck(t, err, "open index")
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndexState(t *testing.T) {
	ix := topen(t)
	st, err := ix.Header()
	tcheck(t, err, "header")
	if st.NextUID != 1 || st.UIDValidity != 0 || st.Corrupted {
		t.Fatalf("unexpected fresh state %+v", st)
	}

	ix.MarkCorrupted()
	st, err = ix.Header()
	tcheck(t, err, "header")
	if !st.Corrupted {
		t.Fatalf("index not marked corrupted")
	}
}

func TestAppendLookup(t *testing.T) {
	ix := topen(t)

	s, err := ix.SyncBegin()
	tcheck(t, err, "sync begin")
	tx := s.Transaction()
	for _, uid := range []uint32{2, 5, 9} {
		seq := tx.Append(uid)
		tcheck(t, tx.UpdateFlags(seq, ModifyReplace, mbox.FlagSeen), "update flags")
		tcheck(t, tx.UpdateFromOffset(seq, int64(uid)*100), "update offset")
	}
	tx.SetNextUID(10)
	tcheck(t, tx.Commit(), "commit tx")
	tcheck(t, s.Commit(), "commit sync")

	s, err = ix.SyncBegin()
	tcheck(t, err, "second sync begin")
	if s.MessagesCount() != 3 {
		t.Fatalf("got %d messages", s.MessagesCount())
	}
	if uid := s.LookupUID(2); uid != 5 {
		t.Fatalf("got uid %d at seq 2", uid)
	}
	r, ok := s.Lookup(3)
	if !ok || r.UID() != 9 || r.FromOffset != 900 || r.Flags != mbox.FlagSeen {
		t.Fatalf("got record %+v", r)
	}

	seq1, seq2 := s.LookupUIDRange(3, 9)
	if seq1 != 2 || seq2 != 3 {
		t.Fatalf("got range %d-%d, expected 2-3", seq1, seq2)
	}
	seq1, seq2 = s.LookupUIDRange(10, ^uint32(0))
	if seq1 != 0 || seq2 != 0 {
		t.Fatalf("got range %d-%d for empty", seq1, seq2)
	}
	s.Rollback()
}

func TestChangesApplied(t *testing.T) {
	ix := topen(t)

	// Seed two records.
	s, err := ix.SyncBegin()
	tcheck(t, err, "sync begin")
	tx := s.Transaction()
	tx.Append(1)
	tx.Append(2)
	tcheck(t, tx.Commit(), "commit tx")
	tcheck(t, s.Commit(), "commit sync")

	tcheck(t, ix.Enqueue(Change{UID1: 2, UID2: 2, Type: ChangeFlags, AddFlags: mbox.FlagSeen}), "enqueue flags")
	tcheck(t, ix.Enqueue(Change{UID1: 1, UID2: 1, Type: ChangeKeywordAdd, Keywords: []string{"work"}}), "enqueue keyword")

	s, err = ix.SyncBegin()
	tcheck(t, err, "sync begin")
	// The stream comes out sorted by UID.
	ch, ok := s.SyncNext()
	if !ok || ch.UID1 != 1 || ch.Type != ChangeKeywordAdd {
		t.Fatalf("got change %+v", ch)
	}
	ch, ok = s.SyncNext()
	if !ok || ch.UID1 != 2 {
		t.Fatalf("got change %+v", ch)
	}
	if _, ok := s.SyncNext(); ok {
		t.Fatalf("unexpected extra change")
	}
	s.SyncReset()
	if !s.HaveMore() {
		t.Fatalf("reset did not rewind the stream")
	}

	// Committing the transaction folds the changes into the records,
	// committing the session consumes the queue.
	tx = s.Transaction()
	tcheck(t, tx.Commit(), "commit tx")
	tcheck(t, s.Commit(), "commit sync")

	recs, err := ix.Records()
	tcheck(t, err, "records")
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if len(recs[0].Keywords) != 1 || recs[0].Keywords[0] != "work" {
		t.Fatalf("keyword change not applied: %+v", recs[0])
	}
	if recs[1].Flags != mbox.FlagSeen {
		t.Fatalf("flag change not applied: %+v", recs[1])
	}

	s, err = ix.SyncBegin()
	tcheck(t, err, "sync begin")
	if s.HaveMore() {
		t.Fatalf("change queue not consumed")
	}
	s.Rollback()
}

func TestExpungeRollback(t *testing.T) {
	ix := topen(t)

	s, err := ix.SyncBegin()
	tcheck(t, err, "sync begin")
	tx := s.Transaction()
	tx.Append(1)
	tx.Append(2)
	tcheck(t, tx.Commit(), "commit tx")
	tcheck(t, s.Commit(), "commit sync")

	// A rolled back transaction changes nothing.
	s, err = ix.SyncBegin()
	tcheck(t, err, "sync begin")
	tx = s.Transaction()
	tcheck(t, tx.Expunge(1), "expunge")
	tx.Rollback()
	s.Rollback()

	recs, err := ix.Records()
	tcheck(t, err, "records")
	if len(recs) != 2 {
		t.Fatalf("rollback lost records: %d", len(recs))
	}

	// A committed expunge removes the record.
	s, err = ix.SyncBegin()
	tcheck(t, err, "sync begin")
	tx = s.Transaction()
	tcheck(t, tx.Expunge(1), "expunge")
	tcheck(t, tx.Commit(), "commit tx")
	tcheck(t, s.Commit(), "commit sync")

	recs, err = ix.Records()
	tcheck(t, err, "records")
	if len(recs) != 1 || recs[0].UID() != 2 {
		t.Fatalf("got records %+v", recs)
	}
}
