package index

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mboxsync/mbox"
)

// Modify is the mode of a flag or keyword update.
type Modify int

const (
	ModifyReplace Modify = iota
	ModifyAdd
	ModifyRemove
)

type opKind int

const (
	opFlags opKind = iota
	opKeywords
	opFromOffset
	opHeaderMD5
)

type recOp struct {
	kind     opKind
	mode     Modify
	flags    mbox.Flags
	keywords []string
	offset   int64
	md5      []byte
}

type workRec struct {
	uid      uint32
	appended bool
	expunged bool
	ops      []recOp
}

// Tx buffers record and state mutations of one sync attempt. Nothing is
// written to the database until Commit, which first applies the session's
// pending changes to the stored records and then the buffered operations
// on top, the order modifications were requested in. Sequences beyond the
// view refer to records appended in this transaction.
type Tx struct {
	s       *Sync
	work    map[uint32]*workRec
	appends []uint32 // Sequences, in append order.
	done    bool

	uidValidity *uint32
	nextUID     *uint32
	syncStamp   *int64
	syncSize    *int64
}

func (tx *Tx) get(seq uint32) (*workRec, error) {
	if w, ok := tx.work[seq]; ok {
		return w, nil
	}
	r, ok := tx.s.Lookup(seq)
	if !ok {
		return nil, fmt.Errorf("unknown index sequence %d", seq)
	}
	w := &workRec{uid: r.UID()}
	tx.work[seq] = w
	return w, nil
}

// Append adds a record for uid and returns its sequence, continuing after
// the view.
func (tx *Tx) Append(uid uint32) uint32 {
	seq := tx.s.MessagesCount() + uint32(len(tx.appends)) + 1
	tx.work[seq] = &workRec{uid: uid, appended: true}
	tx.appends = append(tx.appends, seq)
	return seq
}

// Expunge removes the record at seq on commit.
func (tx *Tx) Expunge(seq uint32) error {
	w, err := tx.get(seq)
	if err != nil {
		return err
	}
	w.expunged = true
	return nil
}

// UpdateFlags changes the flags of the record at seq.
func (tx *Tx) UpdateFlags(seq uint32, mode Modify, flags mbox.Flags) error {
	w, err := tx.get(seq)
	if err != nil {
		return err
	}
	w.ops = append(w.ops, recOp{kind: opFlags, mode: mode, flags: flags})
	return nil
}

// UpdateKeywords changes the keywords of the record at seq. The stored
// set is kept sorted.
func (tx *Tx) UpdateKeywords(seq uint32, mode Modify, keywords []string) error {
	w, err := tx.get(seq)
	if err != nil {
		return err
	}
	w.ops = append(w.ops, recOp{kind: opKeywords, mode: mode, keywords: append([]string{}, keywords...)})
	return nil
}

// UpdateFromOffset stores the mbox file offset of the record at seq.
func (tx *Tx) UpdateFromOffset(seq uint32, offset int64) error {
	w, err := tx.get(seq)
	if err != nil {
		return err
	}
	w.ops = append(w.ops, recOp{kind: opFromOffset, offset: offset})
	return nil
}

// UpdateHeaderMD5 stores the header digest of the record at seq.
func (tx *Tx) UpdateHeaderMD5(seq uint32, sum [16]byte) error {
	w, err := tx.get(seq)
	if err != nil {
		return err
	}
	w.ops = append(w.ops, recOp{kind: opHeaderMD5, md5: append([]byte{}, sum[:]...)})
	return nil
}

func (tx *Tx) SetUIDValidity(v uint32) { tx.uidValidity = &v }
func (tx *Tx) SetNextUID(v uint32)     { tx.nextUID = &v }
func (tx *Tx) SetSyncStamp(v int64)    { tx.syncStamp = &v }
func (tx *Tx) SetSyncSize(v int64)     { tx.syncSize = &v }

func applyOps(rec *Record, ops []recOp) {
	for _, op := range ops {
		switch op.kind {
		case opFlags:
			switch op.mode {
			case ModifyReplace:
				rec.Flags = op.flags
			case ModifyAdd:
				rec.Flags |= op.flags
			case ModifyRemove:
				rec.Flags &^= op.flags
			}
		case opKeywords:
			switch op.mode {
			case ModifyReplace:
				rec.Keywords = append([]string{}, op.keywords...)
			case ModifyAdd:
				rec.Keywords = addKeywords(rec.Keywords, op.keywords)
			case ModifyRemove:
				rec.Keywords = delKeywords(rec.Keywords, op.keywords)
			}
			sort.Strings(rec.Keywords)
		case opFromOffset:
			rec.FromOffset = op.offset
		case opHeaderMD5:
			rec.HeaderMD5 = op.md5
		}
	}
}

// applyChange folds one pending change into the stored records it covers.
func applyChange(btx *bstore.Tx, ch Change) error {
	if ch.Type == ChangeAppend {
		// Appends become records through the sync itself.
		return nil
	}

	q := bstore.QueryTx[Record](btx).
		FilterGreaterEqual("ID", int64(ch.UID1)).
		FilterLessEqual("ID", int64(ch.UID2))

	if ch.Type == ChangeExpunge {
		_, err := q.Delete()
		return err
	}

	recs, err := q.List()
	if err != nil {
		return err
	}
	for i := range recs {
		rec := &recs[i]
		switch ch.Type {
		case ChangeFlags:
			rec.Flags = (rec.Flags &^ ch.RemoveFlags) | ch.AddFlags
		case ChangeKeywordAdd:
			rec.Keywords = addKeywords(rec.Keywords, ch.Keywords)
			sort.Strings(rec.Keywords)
		case ChangeKeywordRemove:
			rec.Keywords = delKeywords(rec.Keywords, ch.Keywords)
		case ChangeKeywordReset:
			rec.Keywords = nil
		}
		if err := btx.Update(rec); err != nil {
			return err
		}
	}
	return nil
}

// Commit writes the pending changes and all buffered mutations to the
// database atomically.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already ended")
	}
	tx.done = true

	seqs := make([]uint32, 0, len(tx.work))
	for seq := range tx.work {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	err := tx.s.ix.DB.Write(context.Background(), func(btx *bstore.Tx) error {
		if !tx.s.changesApplied {
			for _, ch := range tx.s.changes {
				if err := applyChange(btx, ch); err != nil {
					return fmt.Errorf("apply pending change %d: %w", ch.ID, err)
				}
			}
		}

		for _, seq := range seqs {
			w := tx.work[seq]
			switch {
			case w.expunged && !w.appended:
				err := btx.Delete(&Record{ID: int64(w.uid)})
				if err != nil && !errors.Is(err, bstore.ErrAbsent) {
					// Absent is fine: a pending expunge change may have
					// removed it already.
					return fmt.Errorf("expunge uid %d: %w", w.uid, err)
				}
			case w.appended && !w.expunged:
				rec := Record{ID: int64(w.uid), FromOffset: -1}
				applyOps(&rec, w.ops)
				if err := btx.Insert(&rec); err != nil {
					return fmt.Errorf("append uid %d: %w", w.uid, err)
				}
			case len(w.ops) > 0 && !w.expunged:
				rec := Record{ID: int64(w.uid)}
				err := btx.Get(&rec)
				if errors.Is(err, bstore.ErrAbsent) {
					// Removed by a pending expunge change.
					continue
				} else if err != nil {
					return fmt.Errorf("lookup uid %d: %w", w.uid, err)
				}
				applyOps(&rec, w.ops)
				if err := btx.Update(&rec); err != nil {
					return fmt.Errorf("update uid %d: %w", w.uid, err)
				}
			}
		}

		if tx.uidValidity != nil || tx.nextUID != nil || tx.syncStamp != nil || tx.syncSize != nil {
			st := State{ID: 1}
			if err := btx.Get(&st); err != nil {
				return err
			}
			if tx.uidValidity != nil {
				st.UIDValidity = *tx.uidValidity
			}
			if tx.nextUID != nil {
				st.NextUID = *tx.nextUID
			}
			if tx.syncStamp != nil {
				st.SyncStamp = *tx.syncStamp
			}
			if tx.syncSize != nil {
				st.SyncSize = *tx.syncSize
			}
			if err := btx.Update(&st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit index transaction: %w", err)
	}
	tx.s.changesApplied = true
	return nil
}

// Rollback discards all buffered mutations.
func (tx *Tx) Rollback() {
	tx.done = true
	tx.work = map[uint32]*workRec{}
	tx.appends = nil
}

func addKeywords(have, add []string) []string {
	m := map[string]bool{}
	for _, k := range have {
		m[k] = true
	}
	for _, k := range add {
		m[k] = true
	}
	l := make([]string, 0, len(m))
	for k := range m {
		l = append(l, k)
	}
	return l
}

func delKeywords(have, remove []string) []string {
	m := map[string]bool{}
	for _, k := range remove {
		m[k] = true
	}
	var l []string
	for _, k := range have {
		if !m[k] {
			l = append(l, k)
		}
	}
	return l
}
