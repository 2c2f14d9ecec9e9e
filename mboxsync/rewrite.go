package mboxsync

import (
	"fmt"
	"io"

	"github.com/mjl-/mboxsync/mbox"
	"github.com/mjl-/mboxsync/metrics"
	"github.com/mjl-/mboxsync/mlog"
)

// headerNeed returns how much space the message's regenerated minimal
// header falls short of (negative) or leaves over (positive) compared to
// its current header block.
func (sc *syncContext) headerNeed(mc *mailContext, first bool) int64 {
	span := mc.msg.BodyOffset - mc.msg.HeaderOffset
	up := sc.headerUpdate(&mc.mail, first, 0)
	hdr, _ := mbox.RewriteHeader(mc.msg, up)
	return span - int64(len(hdr))
}

func (sc *syncContext) readFull(buf []byte, offset int64) error {
	if _, err := io.ReadFull(io.NewSectionReader(sc.file, offset, int64(len(buf))), buf); err != nil {
		return fmt.Errorf("read mbox at %d: %w", offset, err)
	}
	return nil
}

// move copies size bytes backwards, from src to dest (dest < src), to
// reclaim expunged space. Chunks are copied front to back so the regions
// may overlap.
func (sc *syncContext) move(dest, src, size int64) error {
	if size == 0 {
		return nil
	}
	metrics.MetricMovedBytes.Add(float64(size))
	buf := make([]byte, 32*1024)
	for size > 0 {
		n := int64(len(buf))
		if n > size {
			n = size
		}
		if err := sc.readFull(buf[:n], src); err != nil {
			return err
		}
		if err := sc.writeAt(buf[:n], dest); err != nil {
			return err
		}
		src += n
		dest += n
		size -= n
	}
	return nil
}

// rewriteWindow rewrites all messages in the pending window in one batch.
// The window's source region runs from the first record's offset to
// endOffset and its replacement is moveDiff bytes larger (growing into
// expunged space after it, or into room made at the end of the file).
// Expunged records contribute their span and vanish; the remaining
// messages get new headers with the leftover distributed as padding. With
// lastHeaderOnly, the last message's body is not part of the window and
// stays in place.
func (sc *syncContext) rewriteWindow(endOffset, moveDiff int64, lastHeaderOnly bool) error {
	if len(sc.mails) == 0 {
		return nil
	}
	start := sc.mails[0].fromOffset
	destSize := endOffset - start + moveDiff

	var live []*mailRecord
	for i := range sc.mails {
		if !sc.mails[i].expunged {
			live = append(live, &sc.mails[i])
		}
	}
	if len(live) == 0 {
		return fmt.Errorf("rewrite window without messages")
	}

	// Bytes between the last window member and endOffset ride along
	// unchanged, e.g. the file trailer when growing at the end of the
	// file.
	lastm := &sc.mails[len(sc.mails)-1]
	var tailSrc int64
	switch {
	case lastHeaderOnly:
		tailSrc = endOffset
	case lastm.expunged:
		tailSrc = lastm.fromOffset + lastm.space
	default:
		tailSrc = lastm.bodyOffset + lastm.bodySize
	}
	tailSize := endOffset - tailSrc
	if tailSize < 0 {
		return fmt.Errorf("rewrite window ends inside a message body")
	}

	type genState struct {
		msg   mbox.Message
		first bool
		hdr   []byte
		rel   int
	}
	gens := make([]genState, len(live))

	fixed := tailSize
	for i, m := range live {
		gens[i].msg = mbox.Message{
			Header:        m.rawHeader,
			CRLF:          m.crlf,
			ContentLength: m.contentLength,
			BodyOffset:    m.bodyOffset,
			HeaderOffset:  m.offset,
		}
		gens[i].first = i == 0 && start == 0
		if i > 0 || start > 0 {
			if m.crlf {
				fixed += 2
			} else {
				fixed++
			}
		}
		fixed += int64(len(m.fromLine))
		if !lastHeaderOnly || i < len(live)-1 {
			fixed += m.bodySize
		}
	}

	minTotal := fixed
	for i, m := range live {
		up := sc.headerUpdate(m, gens[i].first, 0)
		hdr, _ := mbox.RewriteHeader(&gens[i].msg, up)
		gens[i].hdr = hdr
		gens[i].rel = -1
		minTotal += int64(len(hdr))
	}

	leftover := destSize - minTotal
	if leftover < 0 {
		sc.log.Error("rewrite window does not fit",
			mlog.Field("start", start), mlog.Field("need", -leftover))
		return fmt.Errorf("rewrite window short by %d bytes", -leftover)
	}

	per := leftover / int64(len(live))
	rem := leftover % int64(len(live))
	for i, m := range live {
		pad := per
		if i == len(live)-1 {
			pad += rem
		}
		up := sc.headerUpdate(m, gens[i].first, int(pad))
		hdr, rel := mbox.RewriteHeader(&gens[i].msg, up)
		if int64(len(hdr)) != int64(len(gens[i].hdr))+pad {
			// Padding had no line to land on, put it all in the last
			// message instead.
			rem += pad
			continue
		}
		gens[i].hdr = hdr
		gens[i].rel = rel
	}

	out := make([]byte, 0, destSize)
	for i, m := range live {
		newFrom := start + int64(len(out))
		if newFrom > 0 {
			if m.crlf {
				out = append(out, "\r\n"...)
			} else {
				out = append(out, '\n')
			}
		}
		out = append(out, m.fromLine...)
		newHdr := start + int64(len(out))
		out = append(out, gens[i].hdr...)
		newBody := start + int64(len(out))

		if gens[i].first && gens[i].rel >= 0 {
			sc.baseUIDLast = sc.nextUID - 1
			sc.baseUIDLastOffset = newHdr + int64(gens[i].rel)
		}

		if !lastHeaderOnly || i < len(live)-1 {
			body := make([]byte, m.bodySize)
			if err := sc.readFull(body, m.bodyOffset); err != nil {
				return err
			}
			out = append(out, body...)
		}

		m.fromOffset = newFrom
		m.offset = newHdr
		m.bodyOffset = newBody
	}

	if tailSize > 0 {
		tail := make([]byte, tailSize)
		if err := sc.readFull(tail, tailSrc); err != nil {
			return err
		}
		out = append(out, tail...)
	}

	if int64(len(out)) != destSize {
		return fmt.Errorf("internal error: rewrite window size %d, expected %d", len(out), destSize)
	}

	if err := sc.writeAt(out, start); err != nil {
		return err
	}
	metrics.MetricHeaderRewrites.Add(float64(len(live)))
	return sc.rd.Sync()
}
