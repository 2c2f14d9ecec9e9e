package mboxsync

// handleMissingSpace adds the current message to the open rewrite window
// and flushes the window once the accumulated padding and expunged space
// cover the deficit.
func (sc *syncContext) handleMissingSpace(mc *mailContext) error {
	if !mc.mail.expunged {
		// Recompute the member's surplus/deficit against its regenerated
		// header, so the window arithmetic matches what the batch
		// rewrite will actually produce.
		mc.mail.space = sc.headerNeed(mc, sc.windowFirst())
	}
	sc.mails = append(sc.mails, mc.mail)

	sc.spaceDiff += mc.mail.space
	if sc.spaceDiff < 0 {
		if sc.expungedSpace > 0 {
			// The expunged span is part of the window now.
			sc.expungedSpace = 0
		}
		return nil
	}

	// We have enough space now.
	var lastHeaderOnly bool
	var endOffset, moveDiff int64
	if mc.mail.expunged {
		// The flushing message was expunged: fill more or less of its
		// span. spaceDiff is the deficit of the previous messages plus
		// this message's span, so it holds how much extra space we have.
		extraSpace := sc.folder.headerPadding() * int64(sc.seq-sc.needSpaceSeq+1)
		needed := mc.mail.space - sc.spaceDiff
		if sc.spaceDiff > needed+extraSpace {
			// Don't waste too much on padding.
			moveDiff = needed + extraSpace
			sc.expungedSpace = mc.mail.space - moveDiff
		} else {
			moveDiff = mc.mail.space
			sc.expungedSpace = 0
		}
		// The expunged message itself is not rewritten: the window grows
		// into its span instead, anything left stays expunged space.
		sc.mails = sc.mails[:len(sc.mails)-1]
		endOffset = mc.mail.fromOffset
	} else {
		// This message's headers gave enough space. Rewriting stops at
		// the end of its headers; bodies after that stay in place.
		sc.expungedSpace = 0
		endOffset = mc.msg.BodyOffset
		moveDiff = 0
		lastHeaderOnly = true
	}

	if err := sc.rewriteWindow(endOffset, moveDiff, lastHeaderOnly); err != nil {
		return err
	}
	sc.updateWindowFromOffsets()

	sc.needSpaceSeq = 0
	sc.spaceDiff = 0
	sc.mails = nil
	return nil
}

// windowFirst returns whether the next message added to the window will
// be the first message of the file after the batch rewrite, and so must
// carry the X-IMAPbase header.
func (sc *syncContext) windowFirst() bool {
	if len(sc.mails) == 0 {
		return sc.seq == 1
	}
	if sc.mails[0].fromOffset > 0 {
		return false
	}
	for i := range sc.mails {
		if !sc.mails[i].expunged {
			return false
		}
	}
	return true
}

// updateWindowFromOffsets stores the new offsets of rewritten messages in
// the index.
func (sc *syncContext) updateWindowFromOffsets() {
	for i := range sc.mails {
		m := &sc.mails[i]
		if m.idxSeq == 0 || m.expunged {
			continue
		}
		sc.movedOffsets = true
		if err := sc.tx.UpdateFromOffset(m.idxSeq, m.fromOffset); err != nil {
			sc.log.Errorx("updating from-offset after rewrite", err)
		}
	}
}
