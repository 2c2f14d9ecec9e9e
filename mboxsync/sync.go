package mboxsync

import (
	"fmt"
	"os"
	"time"

	"github.com/mjl-/mboxsync/index"
	"github.com/mjl-/mboxsync/mbox"
	"github.com/mjl-/mboxsync/mboxlock"
	"github.com/mjl-/mboxsync/metrics"
	"github.com/mjl-/mboxsync/mlog"
)

// mailRecord is the per-message bookkeeping during a pass, and the unit
// the space planner batches into windows.
type mailRecord struct {
	uid      uint32
	flags    mbox.Flags
	keywords []string

	fromOffset int64 // Region start: separator byte, or 0 for the first message.
	offset     int64 // Header start, or region start for an expunged record.
	bodyOffset int64
	bodySize   int64

	// Padding available in the headers for in-place rewrites, negative
	// when the header needs to grow. For an expunged record the full
	// reclaimable span.
	space int64

	idxSeq   uint32
	expunged bool

	// Saved for batch rewriting after the reader has moved on.
	rawHeader     []byte
	fromLine      []byte
	crlf          bool
	contentLength int64
}

// mailContext is the state for the message currently under inspection.
type mailContext struct {
	sc   *syncContext
	mail mailRecord
	seq  uint32
	msg  *mbox.Message

	needRewrite bool
	dirty       bool
	pseudo      bool
	uidBroken   bool
}

// syncContext lives for one sync.
type syncContext struct {
	folder *Folder
	log    *mlog.Log
	flags  SyncFlags

	file     *os.File
	writable bool
	rd       *mbox.Reader

	isync *index.Sync
	tx    *index.Tx
	hdr   index.State

	syncRec index.Change   // Lookahead pending change, zero when exhausted.
	syncs   []index.Change // Pending changes relevant to the current message.

	seq        uint32 // Mbox message sequence, 1-based, pseudo included.
	idxSeq     uint32 // Index sequence cursor, 1-based.
	prevMsgUID uint32
	nextUID    uint32
	idxNextUID uint32

	baseUIDValidity   uint32
	baseUIDLast       uint32
	baseUIDLastOffset int64

	mails         []mailRecord // Pending rewrite window.
	needSpaceSeq  uint32       // First message of the window, 0 when closed.
	spaceDiff     int64
	expungedSpace int64

	destFirstMail         bool
	firstMailCRLFExpunged bool
	movedOffsets          bool
	renumberUIDs          bool
	delayWrites           bool
	saveMD5               bool

	origSize  int64
	origMtime int64
}

// Sync reconciles the mbox file with the index, applying pending index
// modifications to the file and file changes to the index.
func (f *Folder) Sync(flags SyncFlags) (rerr error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if rerr != nil {
			result = "error"
		}
		metrics.SyncObserve(result, start)
	}()

	log := xlog.Fields(mlog.Field("mbox", f.Path))

	delayWrites := f.ReadOnly || (flags&SyncRewrite == 0 && f.DelayWrites)

	var file *os.File
	var err error
	if f.ReadOnly {
		file, err = os.Open(f.Path)
	} else {
		file, err = os.OpenFile(f.Path, os.O_RDWR, 0660)
	}
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	var lock *mboxlock.Lock
	unlock := func() {
		if lock != nil {
			if uerr := lock.Release(); uerr != nil {
				log.Errorx("releasing mbox lock", uerr)
			}
			lock = nil
		}
	}
	defer unlock()

	if flags&SyncLockReading != 0 {
		lock, err = mboxlock.Acquire(file, false, f.lockTimeout())
		if err != nil {
			return fmt.Errorf("read-locking mbox: %w", err)
		}
	}

	changed := flags&(SyncHeaderOnly|SyncForceFull) != 0
	if !changed {
		changed, err = f.HasChanged(flags&SyncUndirty == 0)
		if err != nil {
			return err
		}
	}

	if flags&SyncLockReading != 0 {
		// We just wanted to lock for reading. If the mbox hasn't been
		// modified, don't sync at all.
		if !changed {
			return nil
		}
		// Have to sync to make sure offsets have stayed the same. Drop
		// the read lock first, we'll need a write lock.
		unlock()
	}

	var sc *syncContext
	for {
		if changed {
			lock, err = mboxlock.Acquire(file, !f.ReadOnly, f.lockTimeout())
			if err != nil {
				return fmt.Errorf("locking mbox: %w", err)
			}
		}

		isync, err := f.Index.SyncBegin()
		if err != nil {
			return err
		}
		if flags&SyncRewrite != 0 {
			// Visit messages whose deferred flag changes are to be
			// written out now.
			isync.AddDirtyChanges()
		}

		if !changed && !isync.HaveMore() {
			// Nothing to do.
			return isync.Commit()
		}

		sc = &syncContext{
			folder:      f,
			log:         log,
			flags:       flags,
			file:        file,
			isync:       isync,
			hdr:         isync.Header(),
			delayWrites: delayWrites,
			saveMD5:     f.SaveMD5,
		}
		sc.tx = isync.Transaction()
		sc.nextUID = sc.hdr.NextUID
		sc.idxNextUID = sc.hdr.NextUID

		if !changed && delayWrites {
			// Only flag changes pending: mark the records dirty and skip
			// opening the mbox data entirely.
			if _, err := sc.readIndexSyncs(1); err != nil {
				sc.tx.Rollback()
				isync.Rollback()
				return err
			}
			if sc.syncRec.UID1 == 0 {
				if err := sc.tx.Commit(); err != nil {
					isync.Rollback()
					return err
				}
				return isync.Commit()
			}
		}

		if lock == nil {
			// We have something to do but no lock. Restart syncing with
			// the lock held from the start.
			sc.tx.Rollback()
			isync.Rollback()
			changed = true
			continue
		}
		break
	}

	sc.writable = lock.Write()
	sc.rd, err = mbox.NewReader(file)
	if err == nil {
		err = sc.syncDo()
	}

	if err != nil {
		sc.tx.Rollback()
		sc.isync.Rollback()
	} else {
		err = sc.tx.Commit()
		if err != nil {
			sc.isync.Rollback()
		} else {
			err = sc.isync.Commit()
		}
	}

	if err == nil && sc.baseUIDLast != sc.nextUID-1 && !sc.delayWrites &&
		sc.baseUIDLastOffset != 0 {
		// Rewrite uid-last in the X-IMAPbase header if we've seen it
		// (i.e. the file isn't empty).
		err = sc.rewriteBaseUIDLast()
	}

	if lock.Write() {
		if derr := lock.Downgrade(f.lockTimeout()); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// restart resets all per-pass state, keeping the session and transaction.
func (sc *syncContext) restart() {
	sc.baseUIDValidity = 0
	sc.baseUIDLast = 0
	sc.baseUIDLastOffset = 0

	sc.mails = nil
	sc.syncs = nil
	sc.syncRec = index.Change{}
	sc.isync.SyncReset()

	sc.prevMsgUID = 0
	sc.nextUID = sc.hdr.NextUID
	sc.idxNextUID = sc.hdr.NextUID
	sc.seq = 0
	sc.idxSeq = 1
	sc.needSpaceSeq = 0
	sc.expungedSpace = 0
	sc.spaceDiff = 0

	sc.destFirstMail = true
}

// syncDo decides between partial and full syncing and runs the sync loop,
// retrying in full mode when a partial pass turns out to be unsafe.
func (sc *syncContext) syncDo() error {
	st, err := sc.file.Stat()
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}
	sc.origSize = st.Size()
	sc.origMtime = st.ModTime().Unix()

	var partial bool
	switch {
	case sc.flags&SyncForceFull != 0:
		// Forcing a full sync. Assume the file has changed.
		partial = false
		sc.folder.syncDirty = true
	case sc.origMtime == sc.hdr.SyncStamp && sc.origSize == sc.hdr.SyncSize:
		// File is fully synced.
		partial = true
		sc.folder.syncDirty = false
	case sc.flags&SyncUndirty != 0 || sc.origSize == sc.hdr.SyncSize:
		// Full sync. Always do this when the size hasn't changed but the
		// timestamp has: most likely someone modified a header, and we
		// want to know about it.
		partial = false
		sc.folder.syncDirty = true
	default:
		// Delay syncing the whole file. Partial syncing notices expunges
		// and appends.
		partial = true
		sc.folder.syncDirty = true
	}

	sc.restart()
	var mc mailContext
	for i := 0; i < 3; i++ {
		done, err := sc.syncLoop(&mc, partial)
		if err != nil {
			return err
		}
		if done {
			break
		}

		// Partial syncing didn't work, do it again. Also reached when we
		// ran out of UIDs.
		metrics.MetricSyncRetry.Inc()
		sc.restart()
		sc.tx.Rollback()
		sc.tx = sc.isync.Transaction()
		partial = false
	}

	if err := sc.handleEOFUpdates(&mc); err != nil {
		return err
	}

	// Only pending changes left now are appends (and their updates) that
	// weren't consumed for some reason. We've overwritten them above.
	sc.syncs = nil
	sc.syncRec = index.Change{}

	return sc.updateIndexHeader()
}
