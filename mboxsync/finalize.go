package mboxsync

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mjl-/mboxsync/mbox"
	"github.com/mjl-/mboxsync/mlog"
)

// writePseudo replaces the (now empty) file with a fresh pseudo message
// carrying the current uid-validity and uid-last.
func (sc *syncContext) writePseudo() error {
	uidValidity := sc.ensureBaseUIDValidity()
	buf := mbox.PseudoMessage(uidValidity, sc.nextUID-1, time.Now())

	if _, err := sc.file.WriteAt(buf, 0); err != nil {
		if !errors.Is(err, unix.ENOSPC) {
			return fmt.Errorf("write pseudo message: %w", err)
		}
		// Out of disk space, truncate to empty.
		if terr := sc.file.Truncate(0); terr != nil {
			sc.log.Errorx("truncating after failed pseudo write", terr)
		}
		return fmt.Errorf("write pseudo message: %w", err)
	}

	sc.baseUIDLastOffset = 0 // Don't bother calculating.
	sc.baseUIDLast = sc.nextUID - 1
	return nil
}

// handleEOFUpdates finishes the file work after the loop reached the end
// of the mbox: grow the file for an unflushed rewrite window, and slide
// the trailer back over remaining expunged space, truncating the file.
func (sc *syncContext) handleEOFUpdates(mc *mailContext) error {
	if !sc.rd.EOF() {
		// A partial sync stopped early; no structural work can be open.
		return nil
	}

	if err := sc.rd.Sync(); err != nil {
		return err
	}
	fileSize := sc.rd.Size()
	if fileSize < sc.rd.Offset() {
		sc.log.Error("file size unexpectedly shrank in mbox file",
			mlog.Field("size", fileSize), mlog.Field("offset", sc.rd.Offset()))
		return fmt.Errorf("mbox file shrank from under us (%d < %d)", fileSize, sc.rd.Offset())
	}

	if sc.needSpaceSeq != 0 {
		padding := sc.folder.headerPadding() * int64(sc.seq-sc.needSpaceSeq+1)
		sc.spaceDiff -= padding

		sc.spaceDiff += sc.expungedSpace
		sc.expungedSpace = 0

		if sc.spaceDiff >= 0 {
			return fmt.Errorf("internal error: unflushed rewrite window with non-negative space %d", sc.spaceDiff)
		}
		grow := -sc.spaceDiff

		if err := sc.file.Truncate(fileSize + grow); err != nil {
			if terr := sc.file.Truncate(fileSize); terr != nil {
				sc.log.Errorx("restoring file size after failed grow", terr)
			}
			return fmt.Errorf("grow mbox file: %w", err)
		}
		if err := sc.rd.Sync(); err != nil {
			return err
		}

		if err := sc.rewriteWindow(fileSize, grow, false); err != nil {
			return err
		}
		sc.updateWindowFromOffsets()

		sc.needSpaceSeq = 0
		sc.spaceDiff = 0
		sc.mails = nil
	}

	if sc.expungedSpace > 0 {
		// Copy the trailer over the expunged span, then truncate.
		if err := sc.rd.Sync(); err != nil {
			return err
		}
		fileSize = sc.rd.Size()

		trailerSize := sc.rd.TrailerSize()
		if fileSize == sc.expungedSpace {
			// Everything was deleted; the trailer was part of the
			// expunged span already.
			trailerSize = 0
		}

		if fileSize < sc.expungedSpace+trailerSize {
			return fmt.Errorf("internal error: expunged space %d larger than file %d", sc.expungedSpace, fileSize)
		}
		offset := fileSize - sc.expungedSpace - trailerSize

		if err := sc.move(offset, offset+sc.expungedSpace, trailerSize); err != nil {
			return err
		}
		if err := sc.file.Truncate(offset + trailerSize); err != nil {
			return fmt.Errorf("truncate mbox file: %w", err)
		}

		if offset == 0 {
			if err := sc.writePseudo(); err != nil {
				return err
			}
		}

		sc.expungedSpace = 0
		if err := sc.rd.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// updateIndexHeader stores uid-validity, next-uid and the sync stamps in
// the index after a completed pass.
func (sc *syncContext) updateIndexHeader() error {
	st, err := sc.file.Stat()
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}

	if sc.movedOffsets &&
		(st.Size() == sc.hdr.SyncSize || st.Size() == sc.origSize) {
		// We moved messages inside the mbox without changing the file
		// size. If the mtime doesn't change, other processes not sharing
		// our index can't see that the file changed, so make sure it
		// advances. Rare enough that sleeping is acceptable.
		for sc.origMtime == st.ModTime().Unix() {
			time.Sleep(500 * time.Millisecond)
			if err := unix.Utimes(sc.folder.Path, nil); err != nil {
				return fmt.Errorf("utimes mbox: %w", err)
			}
			if st, err = sc.file.Stat(); err != nil {
				return fmt.Errorf("stat mbox: %w", err)
			}
		}
	}

	if sc.baseUIDValidity != sc.hdr.UIDValidity || sc.baseUIDValidity == 0 {
		sc.tx.SetUIDValidity(sc.ensureBaseUIDValidity())
	}

	if sc.rd.EOF() && sc.nextUID != sc.hdr.NextUID {
		sc.tx.SetNextUID(sc.nextUID)
	}

	if st.ModTime().Unix() != sc.hdr.SyncStamp && !sc.folder.syncDirty {
		sc.tx.SetSyncStamp(st.ModTime().Unix())
	}
	if st.Size() != sc.hdr.SyncSize && !sc.folder.syncDirty {
		sc.tx.SetSyncSize(st.Size())
	}

	sc.folder.dirtyStamp = st.ModTime().Unix()
	sc.folder.dirtySize = st.Size()
	return nil
}

// rewriteBaseUIDLast patches the fixed-width uid-last field of the
// X-IMAPbase header in place. The 10 bytes are read back first and must
// be exactly the digits written earlier: an extra safety check so we
// never write to a wrong location in the file.
func (sc *syncContext) rewriteBaseUIDLast() error {
	var buf [10]byte
	if _, err := sc.file.ReadAt(buf[:], sc.baseUIDLastOffset); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			sc.log.Error("x-imapbase uid-last unexpectedly points outside mbox file",
				mlog.Field("offset", sc.baseUIDLastOffset))
			return fmt.Errorf("uid-last offset %d outside mbox file", sc.baseUIDLastOffset)
		}
		return fmt.Errorf("read uid-last: %w", err)
	}

	var uidLast uint32
	ok := true
	for _, c := range buf {
		if c < '0' || c > '9' {
			ok = false
			break
		}
		uidLast = uidLast*10 + uint32(c-'0')
	}

	if !ok || uidLast != sc.baseUIDLast {
		sc.log.Error("x-imapbase uid-last unexpectedly lost in mbox file",
			mlog.Field("offset", sc.baseUIDLastOffset))
		return fmt.Errorf("uid-last value changed under us at offset %d", sc.baseUIDLastOffset)
	}

	s := fmt.Sprintf("%010d", sc.nextUID-1)
	if err := sc.writeAt([]byte(s), sc.baseUIDLastOffset); err != nil {
		return err
	}

	sc.baseUIDLast = sc.nextUID - 1
	return nil
}
