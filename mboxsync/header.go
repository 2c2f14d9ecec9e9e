package mboxsync

import (
	"fmt"
	"time"

	"github.com/mjl-/mboxsync/mbox"
	"github.com/mjl-/mboxsync/metrics"
)

// ensureBaseUIDValidity returns the folder's uid-validity, taking it from
// the index or inventing one when the folder never had any.
func (sc *syncContext) ensureBaseUIDValidity() uint32 {
	if sc.baseUIDValidity == 0 {
		if sc.hdr.UIDValidity != 0 {
			sc.baseUIDValidity = sc.hdr.UIDValidity
		} else {
			sc.baseUIDValidity = uint32(time.Now().Unix())
		}
	}
	return sc.baseUIDValidity
}

// headerUpdate composes the target header state for a message. first is
// whether the message will be the first in the file and so carries the
// X-IMAPbase header.
func (sc *syncContext) headerUpdate(m *mailRecord, first bool, padding int) mbox.HeaderUpdate {
	up := mbox.HeaderUpdate{
		Flags:         m.flags,
		Keywords:      m.keywords,
		UID:           m.uid,
		ContentLength: m.bodySize,
		Padding:       padding,
	}
	if !sc.folder.KeepRecent {
		// Writing the header makes the message old: the Status header
		// gets the O flag.
		up.Flags &^= mbox.FlagRecent
	}
	if first {
		up.IMAPBase = true
		up.UIDValidity = sc.ensureBaseUIDValidity()
		up.UIDLast = sc.nextUID - 1
	}
	return up
}

// tryRewrite regenerates the message's header and writes it in place at
// moveDiff bytes from its current position, when the padding allows. On
// failure the message's space is set to the (negative) deficit so the
// space planner can batch it.
func (sc *syncContext) tryRewrite(mc *mailContext, moveDiff int64) (bool, error) {
	span := mc.msg.BodyOffset - mc.msg.HeaderOffset
	first := mc.seq == 1 && !mc.pseudo

	up := sc.headerUpdate(&mc.mail, first, 0)
	hdr, _ := mbox.RewriteHeader(mc.msg, up)
	need := int64(len(hdr))
	if need > span {
		mc.mail.space = span - need
		return false, nil
	}

	up.Padding = int(span - need)
	hdr, uidLastRel := mbox.RewriteHeader(mc.msg, up)
	if int64(len(hdr)) != span {
		// Padding could not be placed, e.g. no header line to carry it.
		mc.mail.space = span - need
		return false, nil
	}

	if err := sc.writeAt(hdr, mc.msg.HeaderOffset+moveDiff); err != nil {
		return false, err
	}
	metrics.MetricHeaderRewrites.Inc()

	if first && uidLastRel >= 0 {
		sc.baseUIDLast = up.UIDLast
		sc.baseUIDLastOffset = mc.msg.HeaderOffset + moveDiff + int64(uidLastRel)
	}

	mc.mail.space = span - need
	return true, nil
}

func (sc *syncContext) writeAt(buf []byte, offset int64) error {
	if !sc.writable {
		return fmt.Errorf("mbox not open for writing")
	}
	if _, err := sc.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("write mbox at %d: %w", offset, err)
	}
	return nil
}

// writeFromLine writes the message's separator and From-line at its (new)
// region offset.
func (sc *syncContext) writeFromLine(mc *mailContext) error {
	var buf []byte
	if mc.mail.fromOffset > 0 {
		if mc.mail.crlf {
			buf = append(buf, "\r\n"...)
		} else {
			buf = append(buf, '\n')
		}
	}
	buf = append(buf, mc.mail.fromLine...)
	return sc.writeAt(buf, mc.mail.fromOffset)
}

// handleHeader decides, for a non-expunged message, whether its header is
// rewritten in place, deferred as dirty, moved backwards into expunged
// space, or batched into a rewrite window.
func (sc *syncContext) handleHeader(mc *mailContext) error {
	if mc.pseudo {
		// The pseudo message is only ever replaced wholesale, or its
		// uid-last patched in place at the end of the sync.
		return nil
	}

	var rewritten bool
	switch {
	case sc.expungedSpace > 0 && sc.needSpaceSeq == 0:
		// Move the header backwards to fill expunged space.
		moveDiff := -sc.expungedSpace

		origFromOffset := mc.mail.fromOffset
		if sc.destFirstMail {
			// This mail moves to the beginning of the file. Skip the
			// initial separator, it's already counted in expungedSpace.
			mc.mail.fromOffset++
			if sc.firstMailCRLFExpunged {
				mc.mail.fromOffset++
			}
		}

		sc.applyIndexSyncs(&mc.mail)
		ok, err := sc.tryRewrite(mc, moveDiff)
		if err != nil {
			return err
		}
		if ok {
			// Rewrite successful, write the From-line at the new
			// location.
			mc.mail.fromOffset += moveDiff
			mc.mail.offset += moveDiff
			if err := sc.writeFromLine(mc); err != nil {
				return err
			}
		} else if sc.destFirstMail {
			// Not enough space. Put the offset back so seeking into it
			// doesn't fail.
			mc.mail.fromOffset = origFromOffset
		}
		rewritten = ok

	case mc.needRewrite || len(sc.syncs) != 0:
		sc.applyIndexSyncs(&mc.mail)
		if sc.delayWrites {
			// Mark it dirty and do it later.
			mc.dirty = true
			return nil
		}
		ok, err := sc.tryRewrite(mc, 0)
		if err != nil {
			return err
		}
		rewritten = ok

	default:
		// Nothing to do.
		return nil
	}

	if !rewritten && sc.needSpaceSeq == 0 {
		// First mail without space to write it: open a rewrite window.
		sc.needSpaceSeq = sc.seq
		sc.spaceDiff = 0

		if sc.expungedSpace > 0 {
			// Describe the expunged space before this message with a
			// synthetic record so the batch rewrite can consume it.
			var m mailRecord
			m.expunged = true
			m.fromOffset = mc.mail.fromOffset - sc.expungedSpace
			if sc.destFirstMail {
				m.fromOffset++
			}
			m.offset = m.fromOffset
			m.space = sc.expungedSpace

			sc.spaceDiff = sc.expungedSpace
			sc.expungedSpace = 0

			sc.needSpaceSeq--
			sc.mails = append(sc.mails, m)
		}
	}
	return nil
}

// handleExpunge turns the current message into reclaimable space.
func (sc *syncContext) handleExpunge(mc *mailContext) {
	mc.mail.expunged = true
	mc.mail.offset = mc.mail.fromOffset
	mc.mail.space = mc.msg.BodyOffset - mc.mail.fromOffset + mc.mail.bodySize
	mc.mail.bodySize = 0

	if sc.seq == 1 {
		// Expunging the first message: the separator before the next
		// message goes too, it would otherwise precede the new first
		// From-line.
		mc.mail.space++
		if mc.msg.CRLF {
			mc.mail.space++
			sc.firstMailCRLFExpunged = true
		}

		// The uid-last offset is invalid now.
		sc.baseUIDLastOffset = 0
	}

	metrics.MetricExpungedBytes.Add(float64(mc.mail.space))
	sc.expungedSpace += mc.mail.space
}
