// Package mboxsync reconciles an mbox file with its message index and a
// queue of pending index modifications.
//
// Modifying mbox files is slow, so a sync does it all at once, minimizing
// disk I/O. A pass may need to update flags in Status, X-Status and
// X-Keywords headers, write missing X-UID and X-IMAPbase headers, write
// missing or broken Content-Length headers, and expunge messages.
//
// Messages are read from the start of the file. The mutable headers may
// contain trailing-space padding; a header that must change is rewritten
// in place when its padding allows. When it does not, following messages
// are read and their padding counted until enough has accumulated to
// rewrite the whole window in one batch. An expunged message contributes
// its entire span as padding, and messages after it are moved backwards to
// fill the hole. At end of file the file is grown instead.
package mboxsync

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mjl-/mboxsync/index"
	"github.com/mjl-/mboxsync/mbox"
	"github.com/mjl-/mboxsync/mlog"
)

var xlog = mlog.New("mboxsync")

// ErrCorrupted means the mbox file and index disagree in a way that
// cannot be reconciled, e.g. a changed uid-validity. The index has been
// marked corrupted.
var ErrCorrupted = errors.New("mboxsync: mailbox corrupted")

// SyncFlags adjust how a sync pass runs.
type SyncFlags int

const (
	// Resync the whole file even when stamps say it is unchanged.
	SyncForceFull SyncFlags = 1 << iota

	// Rescan messages whose on-disk flags are marked stale, instead of
	// trusting the index.
	SyncUndirty

	// Write deferred (dirty) header changes even under a lazy-write policy.
	SyncRewrite

	// Take a read lock before checking for changes, and sync only when
	// something changed. For callers about to read the file.
	SyncLockReading

	// Sync only modifications enqueued before the sync started. Pending
	// changes are always a finite snapshot here, so this is implied.
	SyncLastCommit

	// Reconcile folder state (uid-validity, uid-last) even when message
	// content is known unchanged. Bypasses the nothing-to-do early exit.
	SyncHeaderOnly
)

// Folder is an mbox folder with its index, ready for syncing. Fields must
// be set before the first call and not changed after.
type Folder struct {
	Path  string
	Index *index.Index

	ReadOnly    bool
	KeepRecent  bool // Do not rewrite headers just to clear the recent state.
	DelayWrites bool // Defer flag writes, marking index records dirty instead.
	SaveMD5     bool // Always store header digests in the index.

	HeaderPadding int // Padding per rewritten message, mbox.HeaderPadding if 0.
	LockTimeout   time.Duration

	syncDirty  bool // File and index are known to disagree beyond the stamps.
	dirtyStamp int64
	dirtySize  int64
}

func (f *Folder) headerPadding() int64 {
	if f.HeaderPadding > 0 {
		return int64(f.HeaderPadding)
	}
	return mbox.HeaderPadding
}

func (f *Folder) lockTimeout() time.Duration {
	if f.LockTimeout > 0 {
		return f.LockTimeout
	}
	return 10 * time.Second
}

// HasChanged is the cheap pre-check: compare file mtime/size against the
// stamps stored in the index. With leaveDirty set, a folder already known
// dirty only reports change when the file changed again since.
func (f *Folder) HasChanged(leaveDirty bool) (bool, error) {
	st, err := os.Stat(f.Path)
	if err != nil {
		return false, fmt.Errorf("stat mbox: %w", err)
	}
	hdr, err := f.Index.Header()
	if err != nil {
		return false, fmt.Errorf("read index state: %w", err)
	}

	if st.ModTime().Unix() == hdr.SyncStamp && st.Size() == hdr.SyncSize {
		// Fully synced.
		f.syncDirty = false
		return false, nil
	}

	if !f.syncDirty || !leaveDirty {
		f.syncDirty = true
		return true, nil
	}

	return st.ModTime().Unix() != f.dirtyStamp || st.Size() != f.dirtySize, nil
}
