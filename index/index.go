// Package index is the persistent message index an mbox folder is synced
// against.
//
// The index holds one record per message (UID, flags, keywords, the byte
// offset of the message in the mbox file and optionally an MD5 of its
// header), a folder state singleton (uid-validity, next-uid and the
// mtime/size of the file at the last sync), and a queue of pending
// modifications requested by mail clients that the next sync must apply
// to the file.
//
// Syncing happens through a Sync session: a snapshot view of the records
// with 1-based sequence numbers, the pending-change stream, and a
// transaction that buffers appends, expunges and updates until commit.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mboxsync/mbox"
	"github.com/mjl-/mboxsync/mlog"
)

var xlog = mlog.New("index")

// Record is one indexed message. The primary key is the message UID.
type Record struct {
	ID         int64 // UID.
	Flags      mbox.Flags
	Keywords   []string
	FromOffset int64  // Offset of the message region in the mbox file, -1 if unknown.
	HeaderMD5  []byte // 16 bytes, nil when MD5 tracking is off.
}

// UID returns the record's UID.
func (r Record) UID() uint32 {
	return uint32(r.ID)
}

// State is the folder state singleton, with fixed ID 1.
type State struct {
	ID          int64
	UIDValidity uint32
	NextUID     uint32
	SyncStamp   int64 // Mbox mtime in unix seconds at last full reconciliation.
	SyncSize    int64 // Mbox size at last full reconciliation.
	Corrupted   bool
}

// ChangeType says what a pending Change does.
type ChangeType string

const (
	ChangeAppend        ChangeType = "append"
	ChangeExpunge       ChangeType = "expunge"
	ChangeFlags         ChangeType = "flags"
	ChangeKeywordAdd    ChangeType = "keywordadd"
	ChangeKeywordRemove ChangeType = "keywordremove"
	ChangeKeywordReset  ChangeType = "keywordreset"
)

// Change is a pending index modification, applied to the mbox file and the
// records by the next sync. Changes form an append-only log; a sync
// session consumes them ordered by UID1, in insertion order per UID1.
type Change struct {
	ID          int64 // Assigned in insertion order.
	UID1, UID2  uint32
	Type        ChangeType
	AddFlags    mbox.Flags
	RemoveFlags mbox.Flags
	Keywords    []string
}

// Index is an open message index.
type Index struct {
	Path string
	DB   *bstore.DB

	log *mlog.Log
}

// DBTypes are the types stored in the index database.
var DBTypes = []any{Record{}, State{}, Change{}}

// Open opens or creates the index database at path.
func Open(path string) (*Index, error) {
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	ix := &Index{Path: path, DB: db, log: xlog}
	err = db.Write(context.Background(), func(tx *bstore.Tx) error {
		st := State{ID: 1}
		err := tx.Get(&st)
		if err == bstore.ErrAbsent {
			st.NextUID = 1
			return tx.Insert(&st)
		}
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init index state: %w", err)
	}
	return ix, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.DB.Close()
}

// Header returns the current folder state.
func (ix *Index) Header() (State, error) {
	st := State{ID: 1}
	err := ix.DB.Read(context.Background(), func(tx *bstore.Tx) error {
		return tx.Get(&st)
	})
	return st, err
}

// Enqueue adds a pending modification to the change log.
func (ix *Index) Enqueue(ch Change) error {
	return ix.DB.Write(context.Background(), func(tx *bstore.Tx) error {
		return tx.Insert(&ch)
	})
}

// MarkCorrupted flags the index as corrupted. It takes effect immediately,
// outside any open sync transaction.
func (ix *Index) MarkCorrupted() {
	err := ix.DB.Write(context.Background(), func(tx *bstore.Tx) error {
		st := State{ID: 1}
		if err := tx.Get(&st); err != nil {
			return err
		}
		st.Corrupted = true
		return tx.Update(&st)
	})
	if err != nil {
		ix.log.Errorx("marking index corrupted", err, mlog.Field("path", ix.Path))
	}
}

// Records returns all records ordered by UID, e.g. for dumping.
func (ix *Index) Records() ([]Record, error) {
	return bstore.QueryDB[Record](context.Background(), ix.DB).SortAsc("ID").List()
}
