package mboxsync

import (
	"bytes"
	"fmt"
	"io"

	"github.com/mjl-/mboxsync/index"
	"github.com/mjl-/mboxsync/mbox"
	"github.com/mjl-/mboxsync/metrics"
	"github.com/mjl-/mboxsync/mlog"
)

// seek positions the reader at a message region offset. Losing a
// From-line mid-sync means something else mutated the file under us.
func (sc *syncContext) seek(fromOffset int64) error {
	if err := sc.rd.Seek(fromOffset); err != nil {
		sc.log.Errorx("unexpectedly lost From-line", err, mlog.Field("offset", fromOffset))
		return fmt.Errorf("lost From-line at offset %d: %w", fromOffset, err)
	}
	return nil
}

// deleteSyncsTo drops buffered pending changes that apply only to UIDs
// before lastUID.
func (sc *syncContext) deleteSyncsTo(lastUID uint32) {
	syncs := sc.syncs[:0]
	for _, s := range sc.syncs {
		if lastUID <= s.UID2 {
			syncs = append(syncs, s)
		}
	}
	sc.syncs = syncs
}

func (sc *syncContext) syncsHaveExpunges() bool {
	for _, s := range sc.syncs {
		if s.Type == index.ChangeExpunge {
			return true
		}
	}
	return false
}

// readIndexSyncs pulls all pending changes overlapping uid into the
// per-message buffer, reporting whether any of them is an expunge. The
// stream stays one record ahead so the seek coordinator knows the next
// UID with work.
func (sc *syncContext) readIndexSyncs(uid uint32) (bool, error) {
	expunge := false

	if uid == 0 {
		// Nothing for this or future ones.
		uid = ^uint32(0)
	}

	sc.deleteSyncsTo(uid)
	for uid >= sc.syncRec.UID1 {
		if uid <= sc.syncRec.UID2 && sc.syncRec.Type != index.ChangeAppend &&
			(sc.syncRec.Type != index.ChangeExpunge || !sc.folder.ReadOnly) {
			sc.syncs = append(sc.syncs, sc.syncRec)
			if sc.syncRec.Type == index.ChangeExpunge {
				expunge = true
			}
		}

		ch, ok := sc.isync.SyncNext()
		if !ok {
			sc.syncRec = index.Change{}
			break
		}
		sc.syncRec = ch

		switch ch.Type {
		case index.ChangeAppend:
			if ch.UID2 >= sc.nextUID {
				sc.nextUID = ch.UID2 + 1
			}
			sc.syncRec = index.Change{}
		case index.ChangeExpunge:
		default:
			if sc.delayWrites {
				// We're not writing these yet: mark the records dirty,
				// the index keeps the truth.
				seq1, seq2 := sc.isync.LookupUIDRange(ch.UID1, ch.UID2)
				for seq := seq1; seq1 > 0 && seq <= seq2; seq++ {
					if err := sc.tx.UpdateFlags(seq, index.ModifyAdd, mbox.FlagDirty); err != nil {
						return false, err
					}
				}
				sc.syncRec = index.Change{}
			}
		}
	}

	if !expunge {
		expunge = sc.syncsHaveExpunges()
	}
	return expunge, nil
}

// applyIndexSyncs applies the buffered changes to flags and keywords,
// returning whether keywords changed.
func (sc *syncContext) applyIndexSyncs(m *mailRecord) bool {
	kwChanged := false
	for _, s := range sc.syncs {
		switch s.Type {
		case index.ChangeFlags:
			m.flags = (m.flags &^ s.RemoveFlags) | s.AddFlags
		case index.ChangeKeywordAdd:
			n := mergeSortedKeywords(m.keywords, s.Keywords)
			if len(n) != len(m.keywords) {
				kwChanged = true
			}
			m.keywords = n
		case index.ChangeKeywordRemove:
			n := removeSortedKeywords(m.keywords, s.Keywords)
			if len(n) != len(m.keywords) {
				kwChanged = true
			}
			m.keywords = n
		case index.ChangeKeywordReset:
			if len(m.keywords) > 0 {
				kwChanged = true
			}
			m.keywords = nil
		}
	}
	return kwChanged
}

// readNextMail parses the next message and prepares the mail context:
// offsets, flags, UID ordering, base header values and recent state.
func (sc *syncContext) readNextMail(mc *mailContext) (bool, error) {
	msg, err := sc.rd.Next()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.MetricMessagesScanned.Inc()

	sc.seq++
	*mc = mailContext{sc: sc, seq: sc.seq, msg: msg}
	mc.mail = mailRecord{
		fromOffset:    msg.FromOffset,
		offset:        msg.HeaderOffset,
		bodyOffset:    msg.BodyOffset,
		bodySize:      msg.BodySize,
		flags:         msg.Flags,
		keywords:      msg.Keywords,
		space:         msg.Space,
		rawHeader:     msg.Header,
		fromLine:      msg.FromLine,
		crlf:          msg.CRLF,
		contentLength: msg.ContentLength,
	}
	mc.pseudo = msg.Pseudo && mc.seq == 1

	if !mc.pseudo && msg.UID != 0 {
		if msg.UID <= sc.prevMsgUID {
			mc.uidBroken = true
		} else {
			mc.mail.uid = msg.UID
			sc.prevMsgUID = msg.UID
			if msg.UID >= sc.nextUID {
				sc.nextUID = msg.UID + 1
			}
		}
	}

	if mc.seq == 1 && (msg.Pseudo || msg.BaseUIDValidity != 0) {
		sc.baseUIDValidity = msg.BaseUIDValidity
		sc.baseUIDLast = msg.BaseUIDLast
		sc.baseUIDLastOffset = msg.BaseUIDLastOffset
		if sc.baseUIDLast != 0 && sc.baseUIDLast+1 > sc.nextUID {
			sc.nextUID = sc.baseUIDLast + 1
		}
	}

	if mc.mail.flags&mbox.FlagRecent != 0 && !mc.pseudo && !sc.folder.KeepRecent {
		// Need to add the O flag to the Status header.
		mc.needRewrite = true
	}
	return true, nil
}

// readIndexRec finds the index record for uid, expunging index records
// for messages that vanished from the file. A nil record with ok set
// means uid is new at the tail; ok false means the UID is not usable.
func (sc *syncContext) readIndexRec(uid uint32) (*index.Record, bool, error) {
	messagesCount := sc.isync.MessagesCount()
	var rec *index.Record
	for sc.idxSeq <= messagesCount {
		r, _ := sc.isync.Lookup(sc.idxSeq)
		if uid <= r.UID() {
			rec = &r
			break
		}
		// Externally expunged message, remove from index.
		if err := sc.tx.Expunge(sc.idxSeq); err != nil {
			return nil, false, err
		}
		sc.idxSeq++
	}

	if rec == nil && uid < sc.idxNextUID {
		// This UID was already in the index and it was expunged.
		sc.log.Error("expunged message reappeared in mailbox",
			mlog.Field("uid", uid), mlog.Field("idxnextuid", sc.idxNextUID), mlog.Field("seq", sc.seq))
		return nil, false, nil
	} else if rec != nil && rec.UID() != uid {
		// New UID in the middle of the mailbox, shouldn't happen.
		sc.log.Error("uid inserted in the middle of mailbox",
			mlog.Field("recuid", rec.UID()), mlog.Field("uid", uid), mlog.Field("seq", sc.seq))
		return nil, false, nil
	}
	return rec, true, nil
}

// findIndexMD5 finds the next index record with a matching header digest,
// expunging records before it: they are gone from the file.
func (sc *syncContext) findIndexMD5(sum [16]byte) (*index.Record, error) {
	messagesCount := sc.isync.MessagesCount()
	for sc.idxSeq <= messagesCount {
		r, _ := sc.isync.Lookup(sc.idxSeq)
		if r.HeaderMD5 != nil && bytes.Equal(r.HeaderMD5, sum[:]) {
			return &r, nil
		}
		// Externally expunged message, remove from index.
		if err := sc.tx.Expunge(sc.idxSeq); err != nil {
			return nil, err
		}
		sc.idxSeq++
	}
	return nil, nil
}

// syncLoop is one pass over the mbox. It returns false (with no error)
// when the pass must be restarted as a full sync.
func (sc *syncContext) syncLoop(mc *mailContext, partial bool) (bool, error) {
	messagesCount := sc.isync.MessagesCount()

	// Always start from the first message so the X-IMAP or X-IMAPbase
	// header is re-read.
	if ok, err := sc.seekToSeq(0); err != nil || !ok {
		return ok, err
	}

	if sc.renumberUIDs {
		// Expunge everything.
		for sc.idxSeq <= messagesCount {
			if err := sc.tx.Expunge(sc.idxSeq); err != nil {
				return false, err
			}
			sc.idxSeq++
		}
	}

	skippedMails, uidsBroken := false, false
	for {
		ok, err := sc.readNextMail(mc)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		uid := mc.mail.uid

		if mc.seq == 1 && sc.baseUIDValidity != 0 && sc.hdr.UIDValidity != 0 &&
			sc.baseUIDValidity != sc.hdr.UIDValidity {
			sc.log.Error("uid-validity changed in mbox file",
				mlog.Field("old", sc.hdr.UIDValidity), mlog.Field("new", sc.baseUIDValidity))
			sc.folder.Index.MarkCorrupted()
			return false, fmt.Errorf("%w: uid-validity changed (%d -> %d)", ErrCorrupted, sc.hdr.UIDValidity, sc.baseUIDValidity)
		}

		if mc.uidBroken && partial {
			// UID ordering problems, resync everything to get it right.
			if sc.folder.syncDirty {
				return false, nil
			}
			sc.log.Error("uids broken with partial sync", mlog.Field("seq", sc.seq))
			sc.folder.syncDirty = true
			return false, nil
		}
		if mc.uidBroken {
			uidsBroken = true
		}

		if mc.pseudo {
			uid = 0
		}

		var rec *index.Record
		uidOK := true
		if uid != 0 {
			rec, uidOK, err = sc.readIndexRec(uid)
			if err != nil {
				return false, err
			}
		}

		if !uidOK {
			// UID found but it's broken.
			uid = 0
		} else if uid == 0 && !mc.pseudo &&
			(sc.delayWrites || sc.idxSeq <= messagesCount) {
			// If we can't use/store X-UID headers, fall back to the
			// header digest. Also check existing digests when we are
			// able to write X-UIDs.
			sc.saveMD5 = true
			rec, err = sc.findIndexMD5(mc.msg.MD5)
			if err != nil {
				return false, err
			}
			if rec != nil {
				uid = rec.UID()
				mc.mail.uid = uid
			}
		}

		// Get all pending changes for this message. With the pseudo
		// message just fetch the first change so partial seeking knows
		// where to jump.
		syncUID := uid
		if mc.pseudo {
			syncUID = 1
		}
		expunged, err := sc.readIndexSyncs(syncUID)
		if err != nil {
			return false, err
		}

		if mc.pseudo {
			// If it was set, it was for the next message.
			expunged = false
		} else if rec == nil {
			// Message wasn't found in the index. We have to read
			// everything from now on, no more skipping.
			partial = false
		}

		if !expunged && rec != nil && rec.Flags&mbox.FlagDirty != 0 && !sc.delayWrites {
			// The on-disk flags are stale, the index holds the truth.
			// Write the index state out, keeping the file's recent state.
			mc.mail.flags = (rec.Flags &^ (mbox.FlagDirty | mbox.FlagRecent)) |
				(mc.mail.flags & mbox.FlagRecent)
			mc.mail.keywords = append([]string{}, rec.Keywords...)
			mc.needRewrite = true
		}

		if uid == 0 && !mc.pseudo {
			// Missing or broken X-UID. All the rest of the mails need
			// new UIDs.
			for sc.idxSeq <= messagesCount {
				if err := sc.tx.Expunge(sc.idxSeq); err != nil {
					return false, err
				}
				sc.idxSeq++
			}

			if sc.nextUID == ^uint32(0) {
				// Out of UIDs. Shouldn't happen normally, so just try to
				// get it fixed without crashing.
				sc.log.Error("out of uids, renumbering them")
				sc.renumberUIDs = true
				return false, nil
			}

			mc.needRewrite = true
			mc.mail.uid = sc.nextUID
			sc.nextUID++
			sc.prevMsgUID = mc.mail.uid
		}

		if !mc.pseudo {
			mc.mail.idxSeq = sc.idxSeq
		}

		if !expunged {
			if err := sc.handleHeader(mc); err != nil {
				return false, err
			}
			sc.destFirstMail = false
		} else {
			mc.mail.uid = 0
			sc.handleExpunge(mc)
		}

		if !mc.pseudo {
			if !expunged {
				if err := sc.updateIndex(mc, rec); err != nil {
					return false, err
				}
			}
			sc.idxSeq++
		}

		// The reader already sits past the body.
		offset := sc.rd.Offset()

		if sc.needSpaceSeq != 0 {
			if err := sc.handleMissingSpace(mc); err != nil {
				return false, err
			}
			if err := sc.seek(offset); err != nil {
				return false, err
			}
		} else if sc.expungedSpace > 0 {
			if !expunged {
				// Move the body backwards to fill expunged space.
				if err := sc.move(mc.msg.BodyOffset-sc.expungedSpace, mc.msg.BodyOffset, mc.mail.bodySize); err != nil {
					return false, err
				}
				if err := sc.seek(offset); err != nil {
					return false, err
				}
			}
		} else if partial {
			cont, err := sc.partialSeekNext(uid+1, &partial, &skippedMails)
			if err != nil {
				return false, err
			}
			if !cont {
				break
			}
		}
	}

	if sc.rd.EOF() {
		// Rest of the messages in the index don't exist, expunge them.
		for sc.idxSeq <= messagesCount {
			if err := sc.tx.Expunge(sc.idxSeq); err != nil {
				return false, err
			}
			sc.idxSeq++
		}
	}

	if !skippedMails {
		sc.folder.syncDirty = false
	}
	if uidsBroken && sc.delayWrites {
		// Once the deferred changes get written, a full sync is needed to
		// avoid the broken-uid partial sync error.
		sc.folder.syncDirty = true
	}
	return true, nil
}
