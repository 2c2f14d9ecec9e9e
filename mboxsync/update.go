package mboxsync

import (
	"bytes"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/mjl-/mboxsync/index"
	"github.com/mjl-/mboxsync/mbox"
)

// syncFlagsMask covers the flags handled separately from the regular flags when deciding
// on index updates: recent can only be dropped and dirty is index-internal.
const syncFlagsMask = mbox.FlagRecent | mbox.FlagDirty

// updateFromOffset stores the message's offset in the index, skipping the
// write when the stored value is already right.
func (sc *syncContext) updateFromOffset(m *mailRecord, rec *index.Record, nocheck bool) error {
	if !nocheck && rec != nil && rec.FromOffset == m.fromOffset {
		return nil
	}
	return sc.tx.UpdateFromOffset(sc.idxSeq, m.fromOffset)
}

// updateIndex reconciles the index record with the message as read from
// the file, after pending changes were applied: append new messages,
// issue minimal flag updates, and refresh keywords, digest and offset.
func (sc *syncContext) updateIndex(mc *mailContext, rec *index.Record) error {
	mail := &mc.mail

	mboxFlags := mail.flags & mbox.FlagsMask
	if mc.dirty {
		mboxFlags |= mbox.FlagDirty
	} else if !sc.delayWrites {
		mboxFlags &^= mbox.FlagDirty
	}

	if rec == nil {
		// New message.
		seq := sc.tx.Append(mail.uid)
		sc.idxSeq = seq
		if err := sc.tx.UpdateFlags(seq, index.ModifyReplace, mboxFlags); err != nil {
			return err
		}
		if err := sc.tx.UpdateKeywords(seq, index.ModifyReplace, mail.keywords); err != nil {
			return err
		}
		if sc.saveMD5 {
			if err := sc.tx.UpdateHeaderMD5(seq, mc.msg.MD5); err != nil {
				return err
			}
		}
	} else {
		// The pending changes have been applied to the file side
		// already; apply them to a copy of the index record so both
		// sides are compared post-change.
		idxMail := mailRecord{
			flags:    rec.Flags,
			keywords: append([]string{}, rec.Keywords...),
		}
		sc.applyIndexSyncs(&idxMail)

		if idxMail.flags&mbox.FlagDirty != 0 {
			// Flags are dirty: ignore whatever was in the mbox, but
			// update the recent/dirty state if needed.
			mboxFlags &= syncFlagsMask
			mboxFlags |= idxMail.flags &^ syncFlagsMask
			if sc.delayWrites {
				mboxFlags |= mbox.FlagDirty
			}
		} else {
			// Keep the index's internal flags.
			mboxFlags &= mbox.FlagsMask | syncFlagsMask
			mboxFlags |= idxMail.flags &^ (mbox.FlagsMask | syncFlagsMask)
		}

		if idxMail.flags&^syncFlagsMask != mboxFlags&^syncFlagsMask {
			// Flags other than recent/dirty changed.
			if err := sc.tx.UpdateFlags(sc.idxSeq, index.ModifyReplace, mboxFlags); err != nil {
				return err
			}
		} else {
			if (idxMail.flags^mboxFlags)&mbox.FlagRecent != 0 {
				// The recent flag can only be dropped.
				if err := sc.tx.UpdateFlags(sc.idxSeq, index.ModifyRemove, mbox.FlagRecent); err != nil {
					return err
				}
			}
			if (idxMail.flags^mboxFlags)&mbox.FlagDirty != 0 {
				mode := index.ModifyRemove
				if mboxFlags&mbox.FlagDirty != 0 {
					mode = index.ModifyAdd
				}
				if err := sc.tx.UpdateFlags(sc.idxSeq, mode, mbox.FlagDirty); err != nil {
					return err
				}
			}
		}

		if idxMail.flags&mbox.FlagDirty == 0 && !keywordsEqual(idxMail.keywords, mail.keywords) {
			if err := sc.tx.UpdateKeywords(sc.idxSeq, index.ModifyReplace, mail.keywords); err != nil {
				return err
			}
		}

		if sc.saveMD5 {
			if rec.HeaderMD5 == nil || !bytes.Equal(rec.HeaderMD5, mc.msg.MD5[:]) {
				if err := sc.tx.UpdateHeaderMD5(sc.idxSeq, mc.msg.MD5); err != nil {
					return err
				}
			}
		}
	}

	// Update the offset, but not when this message is part of an open
	// rewrite window: rewriting would just move it again.
	if sc.needSpaceSeq == 0 {
		nocheck := rec == nil || sc.expungedSpace > 0
		if err := sc.updateFromOffset(mail, rec, nocheck); err != nil {
			return err
		}
	}
	return nil
}

func keywordsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mergeSortedKeywords(have, add []string) []string {
	m := map[string]bool{}
	for _, k := range have {
		m[k] = true
	}
	for _, k := range add {
		m[k] = true
	}
	l := maps.Keys(m)
	sort.Strings(l)
	return l
}

func removeSortedKeywords(have, remove []string) []string {
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
