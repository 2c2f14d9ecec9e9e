package index

import (
	"context"
	"fmt"
	"sort"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mboxsync/mbox"
)

// Sync is one sync session against the index: a snapshot view of the
// records with 1-based sequences, the pending-change stream, and a
// factory for transactions. A session ends with Commit (consuming the
// changes handed out) or Rollback.
type Sync struct {
	ix      *Index
	hdr     State
	view    []Record
	changes []Change
	pos     int
	done    bool

	// Set once a transaction commit has folded the pending changes into
	// the stored records, so a later transaction in the same session
	// does not apply them twice.
	changesApplied bool
}

// SyncBegin starts a sync session, snapshotting records, state and
// pending changes.
func (ix *Index) SyncBegin() (*Sync, error) {
	s := &Sync{ix: ix}
	err := ix.DB.Read(context.Background(), func(tx *bstore.Tx) error {
		st := State{ID: 1}
		if err := tx.Get(&st); err != nil {
			return err
		}
		s.hdr = st

		recs, err := bstore.QueryTx[Record](tx).SortAsc("ID").List()
		if err != nil {
			return err
		}
		s.view = recs

		chs, err := bstore.QueryTx[Change](tx).SortAsc("ID").List()
		if err != nil {
			return err
		}
		s.changes = chs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("begin index sync: %w", err)
	}
	// The stream is consumed in UID order: the sync walks the mbox from
	// low to high UIDs and skips forward to the next change. Insertion
	// order is kept per UID.
	sort.SliceStable(s.changes, func(i, j int) bool { return s.changes[i].UID1 < s.changes[j].UID1 })
	return s, nil
}

// AddDirtyChanges inserts a synthetic no-op flag change for every record
// with the dirty flag, so a sync writing out deferred changes visits
// those messages.
func (s *Sync) AddDirtyChanges() {
	n := 0
	for _, r := range s.view {
		if r.Flags&mbox.FlagDirty != 0 {
			s.changes = append(s.changes, Change{UID1: r.UID(), UID2: r.UID(), Type: ChangeFlags})
			n++
		}
	}
	if n == 0 {
		return
	}
	sort.SliceStable(s.changes, func(i, j int) bool { return s.changes[i].UID1 < s.changes[j].UID1 })
	s.pos = 0
}

// Header returns the folder state as of session start.
func (s *Sync) Header() State {
	return s.hdr
}

// MessagesCount returns the number of records in the view.
func (s *Sync) MessagesCount() uint32 {
	return uint32(len(s.view))
}

// Lookup returns the record at 1-based sequence seq in the view.
func (s *Sync) Lookup(seq uint32) (Record, bool) {
	if seq < 1 || seq > uint32(len(s.view)) {
		return Record{}, false
	}
	return s.view[seq-1], true
}

// LookupUID returns the UID of the record at seq, or 0.
func (s *Sync) LookupUID(seq uint32) uint32 {
	r, ok := s.Lookup(seq)
	if !ok {
		return 0
	}
	return r.UID()
}

// LookupUIDRange returns the first and last sequence of records with
// uid1 <= UID <= uid2. Both are 0 when no record is in range.
func (s *Sync) LookupUIDRange(uid1, uid2 uint32) (seq1, seq2 uint32) {
	i := sort.Search(len(s.view), func(i int) bool { return s.view[i].UID() >= uid1 })
	if i == len(s.view) || s.view[i].UID() > uid2 {
		return 0, 0
	}
	j := sort.Search(len(s.view), func(j int) bool { return s.view[j].UID() > uid2 })
	return uint32(i + 1), uint32(j)
}

// SyncNext returns the next pending change, ordered by UID1 (insertion
// order per UID1). The second return value is false when the stream is
// exhausted.
func (s *Sync) SyncNext() (Change, bool) {
	if s.pos >= len(s.changes) {
		return Change{}, false
	}
	ch := s.changes[s.pos]
	s.pos++
	return ch, true
}

// SyncReset rewinds the pending-change stream to the beginning.
func (s *Sync) SyncReset() {
	s.pos = 0
}

// HaveMore returns whether unread pending changes remain.
func (s *Sync) HaveMore() bool {
	return s.pos < len(s.changes)
}

// Transaction starts a transaction on this session. Multiple transactions
// may be created in turn, e.g. after rolling back a failed sync attempt.
func (s *Sync) Transaction() *Tx {
	return &Tx{s: s, work: map[uint32]*workRec{}}
}

// Commit ends the session, removing the snapshotted pending changes from
// the log: they have been applied (or deliberately discarded) by the sync.
func (s *Sync) Commit() error {
	if s.done {
		return fmt.Errorf("sync session already ended")
	}
	s.done = true
	if len(s.changes) == 0 {
		return nil
	}
	err := s.ix.DB.Write(context.Background(), func(tx *bstore.Tx) error {
		for _, ch := range s.changes {
			if ch.ID == 0 {
				// Synthetic dirty change, not in the database.
				continue
			}
			if err := tx.Delete(&Change{ID: ch.ID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit index sync: %w", err)
	}
	return nil
}

// Rollback ends the session, leaving the pending changes in the log.
func (s *Sync) Rollback() {
	s.done = true
}
