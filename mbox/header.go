package mbox

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// HeaderUpdate describes the target state of a message's mutable headers
// for a rewrite.
type HeaderUpdate struct {
	Flags    Flags
	Keywords []string
	UID      uint32 // 0 leaves X-UID out.

	ContentLength int64 // -1 leaves Content-Length untouched.

	// When IMAPBase is set, an X-IMAPbase header with UIDValidity and a
	// fixed-width uid-last is written. Only for the first message.
	IMAPBase    bool
	UIDValidity uint32
	UIDLast     uint32

	Padding int // Trailing spaces added to the X-UID (or X-IMAPbase) header.
}

const (
	hdrStatus = iota
	hdrXStatus
	hdrXKeywords
	hdrContentLength
	hdrXIMAPBase
	hdrXUID
	hdrMax
)

var hdrNames = [hdrMax]string{"Status", "X-Status", "X-Keywords", "Content-Length", "X-IMAPbase", "X-UID"}

var hdrPrefixes = [hdrMax][]byte{
	[]byte("Status:"),
	[]byte("X-Status:"),
	[]byte("X-Keywords:"),
	[]byte("Content-Length:"),
	[]byte("X-IMAPbase:"),
	[]byte("X-UID:"),
}

// RewriteHeader generates a new header block for m (including the
// terminating blank line) with the mutable headers replaced according to
// up. Existing mutable headers keep their position, missing ones are
// added before the end of the header. The second return value is the
// offset within the block of the first digit of the 10-digit uid-last
// field, or -1 when no X-IMAPbase was written.
func RewriteHeader(m *Message, up HeaderUpdate) ([]byte, int) {
	eol := "\n"
	if m.CRLF {
		eol = "\r\n"
	}

	values := headerValues(m, up)

	var buf bytes.Buffer
	uidLast := -1
	written := [hdrMax]bool{}

	writeHdr := func(h int) {
		v, ok := values[h]
		if !ok {
			return
		}
		buf.WriteString(hdrNames[h])
		buf.WriteString(": ")
		if h == hdrXIMAPBase {
			uidLast = buf.Len() + strings.Index(v, " ") + 1
		}
		buf.WriteString(v)
		if up.Padding > 0 && (h == hdrXUID || (h == hdrXIMAPBase && values[hdrXUID] == "")) {
			buf.WriteString(strings.Repeat(" ", up.Padding))
		}
		buf.WriteString(eol)
	}

	for _, line := range splitLines(m.Header) {
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			break
		}
		managed := -1
		for h, prefix := range hdrPrefixes {
			if bytes.HasPrefix(line, prefix) {
				managed = h
				break
			}
		}
		if managed < 0 {
			buf.Write(line)
			continue
		}
		if written[managed] {
			// Duplicate mutable header, drop it.
			continue
		}
		written[managed] = true
		writeHdr(managed)
	}

	// Add mutable headers the message did not have yet.
	for _, h := range []int{hdrXIMAPBase, hdrStatus, hdrXStatus, hdrXKeywords, hdrContentLength, hdrXUID} {
		if !written[h] {
			writeHdr(h)
		}
	}

	buf.WriteString(eol)
	return buf.Bytes(), uidLast
}

func headerValues(m *Message, up HeaderUpdate) map[int]string {
	values := map[int]string{}

	status := ""
	if up.Flags&FlagSeen != 0 {
		status += "R"
	}
	if up.Flags&FlagRecent == 0 {
		status += "O"
	}
	if status != "" {
		values[hdrStatus] = status
	}

	xstatus := ""
	if up.Flags&FlagAnswered != 0 {
		xstatus += "A"
	}
	if up.Flags&FlagFlagged != 0 {
		xstatus += "F"
	}
	if up.Flags&FlagDraft != 0 {
		xstatus += "T"
	}
	if up.Flags&FlagDeleted != 0 {
		xstatus += "D"
	}
	if xstatus != "" {
		values[hdrXStatus] = xstatus
	}

	if len(up.Keywords) > 0 {
		values[hdrXKeywords] = strings.Join(up.Keywords, " ")
	}

	if up.ContentLength >= 0 {
		values[hdrContentLength] = strconv.FormatInt(up.ContentLength, 10)
	} else if m.ContentLength >= 0 {
		values[hdrContentLength] = strconv.FormatInt(m.ContentLength, 10)
	}

	if up.IMAPBase {
		values[hdrXIMAPBase] = fmt.Sprintf("%d %010d", up.UIDValidity, up.UIDLast)
	}

	if up.UID > 0 {
		values[hdrXUID] = strconv.FormatUint(uint64(up.UID), 10)
	}

	return values
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			lines = append(lines, b)
			break
		}
		lines = append(lines, b[:i+1])
		b = b[i+1:]
	}
	return lines
}
