package mboxsync

import (
	"errors"

	"github.com/mjl-/mboxsync/mbox"
)

// seekToSeq positions the reader and the sequence cursors at the index
// sequence seq, or at the start of the file for seq 0. It returns false
// without error when the stored offset has gone stale and sequential
// reading must continue from the current position.
func (sc *syncContext) seekToSeq(seq uint32) (bool, error) {
	if seq == 0 {
		if err := sc.rd.Seek(0); err != nil {
			if errors.Is(err, mbox.ErrNoFromLine) {
				return false, errors.New("mailbox is not a valid mbox file")
			}
			return false, err
		}
		sc.prevMsgUID = 0
		sc.seq = 0
		sc.idxSeq = 1
		sc.destFirstMail = true
		return true, nil
	}

	oldOffset := sc.rd.Offset()

	rec, ok := sc.isync.Lookup(seq)
	if !ok || rec.FromOffset < 0 {
		return false, nil
	}
	if err := sc.rd.Seek(rec.FromOffset); err != nil {
		if errors.Is(err, mbox.ErrNoFromLine) {
			// The stored offset is stale. Go back and continue
			// sequentially.
			if serr := sc.seek(oldOffset); serr != nil {
				return false, serr
			}
			return false, nil
		}
		return false, err
	}

	var uid uint32
	if seq > 1 {
		uid = sc.isync.LookupUID(seq - 1)
	}
	sc.prevMsgUID = uid

	// Set one below the target, it is incremented on the next read.
	sc.seq = seq - 1
	if sc.seq == 0 && rec.FromOffset != 0 {
		// This mbox has a pseudo mail carrying the X-IMAP header.
		sc.seq++
	}
	sc.idxSeq = seq
	sc.destFirstMail = sc.seq == 0
	return true, nil
}

// seekToUID seeks to the message with uid, or to the end of the file when
// it no longer exists (e.g. to find appended messages).
func (sc *syncContext) seekToUID(uid uint32) (bool, error) {
	seq1, _ := sc.isync.LookupUIDRange(uid, ^uint32(0))
	if seq1 == 0 {
		// Doesn't exist anymore, seek to end of file.
		if err := sc.rd.Sync(); err != nil {
			return false, err
		}
		if err := sc.rd.Seek(sc.rd.Size()); err != nil {
			return false, err
		}
		sc.idxSeq = sc.isync.MessagesCount() + 1
		return true, nil
	}
	return sc.seekToSeq(seq1)
}

// partialSeekNext implements partial-sync skipping: after finishing a
// message, jump to the next UID with pending changes, or to the tail to
// look for appends, or stop early. A stale offset degrades to sequential
// reading for the remainder.
func (sc *syncContext) partialSeekNext(nextUID uint32, partial, skippedMails *bool) (bool, error) {
	// Drop changes that are behind us. Anything left means the next
	// message needs modifying.
	sc.deleteSyncsTo(nextUID)
	if len(sc.syncs) > 0 {
		return true, nil
	}

	if sc.syncRec.UID1 != 0 {
		// We can skip forward to the next message that needs updating.
		if sc.syncRec.UID1 != nextUID {
			*skippedMails = true
			nextUID = sc.syncRec.UID1
		}
		ok, err := sc.seekToUID(nextUID)
		if err != nil {
			return false, err
		}
		if !ok {
			// Seek failed because the offset is stale. Just continue
			// from where we are now.
			*partial = false
		}
		return true, nil
	}

	// No pending changes left: we can stop, unless this is a dirty sync,
	// then check for new messages at the tail.
	if !sc.folder.syncDirty {
		return false, nil
	}

	messagesCount := sc.isync.MessagesCount()
	if sc.seq+1 != messagesCount {
		// A stale offset just means we continue sequentially.
		if _, err := sc.seekToSeq(messagesCount); err != nil {
			return false, err
		}
		*skippedMails = true
	}
	*partial = false
	return true, nil
}
