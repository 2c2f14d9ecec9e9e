package mbox

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
)

// ErrNoFromLine is returned by Seek when the offset does not point at a
// message boundary, e.g. because a stored offset went stale.
var ErrNoFromLine = errors.New("mbox: no From-line at offset")

// Reader walks messages in an mbox file. It reads through the file
// descriptor with positional reads, so the caller can write behind the
// read position. After writing, call Sync to drop cached file state.
type Reader struct {
	f    *os.File
	size int64
	next int64 // Region start of the message Next will return.
	eof  bool
}

// NewReader returns a reader positioned at the start of f.
func NewReader(f *os.File) (*Reader, error) {
	r := &Reader{f: f}
	if err := r.Sync(); err != nil {
		return nil, err
	}
	return r, nil
}

// Sync refreshes the cached file size, e.g. after writes or truncation.
func (r *Reader) Sync() error {
	st, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}
	r.size = st.Size()
	return nil
}

// Size returns the file size as of the last Sync.
func (r *Reader) Size() int64 {
	return r.size
}

// TrailerSize returns the size of the blank-line trailer at the end of
// the file: 0, 1 or 2 bytes.
func (r *Reader) TrailerSize() int64 {
	var buf [4]byte
	n := int64(len(buf))
	if n > r.size {
		n = r.size
	}
	if n < 2 {
		return 0
	}
	if _, err := r.f.ReadAt(buf[4-n:], r.size-n); err != nil && err != io.EOF {
		return 0
	}
	b := buf[4-n:]
	if n >= 4 && bytes.Equal(b[len(b)-4:], []byte("\r\n\r\n")) {
		return 2
	}
	if bytes.Equal(b[len(b)-2:], []byte("\n\n")) {
		return 1
	}
	return 0
}

// DataEnd returns the offset just past the last message, before the
// trailer.
func (r *Reader) DataEnd() int64 {
	return r.size - r.TrailerSize()
}

// EOF returns whether the reader has run past the last message.
func (r *Reader) EOF() bool {
	return r.eof
}

// Offset returns the region start of the message Next will parse.
func (r *Reader) Offset() int64 {
	return r.next
}

// Seek positions the reader at a message region starting at off: offset 0,
// or the separator newline preceding a From-line. ErrNoFromLine means the
// offset does not point at a message boundary.
func (r *Reader) Seek(off int64) error {
	if err := r.Sync(); err != nil {
		return err
	}
	r.eof = false
	if off >= r.DataEnd() {
		r.next = off
		return nil
	}
	var buf [8]byte
	n, err := r.f.ReadAt(buf[:], off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read at %d: %w", off, err)
	}
	b := buf[:n]
	switch {
	case off == 0 && bytes.HasPrefix(b, []byte("From ")):
	case off > 0 && bytes.HasPrefix(b, []byte("\nFrom ")):
	case off > 0 && bytes.HasPrefix(b, []byte("\r\nFrom ")):
	default:
		return fmt.Errorf("%w: offset %d", ErrNoFromLine, off)
	}
	r.next = off
	return nil
}

// readLine reads one line starting at off, up to and including the
// newline, not past limit. A line at the limit without newline is
// returned as-is.
func (r *Reader) readLine(off, limit int64) ([]byte, error) {
	var line []byte
	buf := make([]byte, 512)
	for off < limit {
		n := int64(len(buf))
		if off+n > limit {
			n = limit - off
		}
		rn, err := r.f.ReadAt(buf[:n], off)
		if rn == 0 {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read at %d: %w", off, err)
		}
		if i := bytes.IndexByte(buf[:rn], '\n'); i >= 0 {
			return append(line, buf[:i+1]...), nil
		}
		line = append(line, buf[:rn]...)
		off += int64(rn)
	}
	if len(line) == 0 {
		return nil, io.EOF
	}
	return line, nil
}

// findFrom returns the offset of the next message separator ("\nFrom " or
// "\r\nFrom ") at or after off, or -1 when there is none before the end of
// the file.
func (r *Reader) findFrom(off int64) (int64, error) {
	const overlap = 8
	buf := make([]byte, 32*1024)
	for off < r.size {
		n, err := r.f.ReadAt(buf, off)
		if n == 0 {
			if err == io.EOF {
				break
			}
			return -1, fmt.Errorf("read at %d: %w", off, err)
		}
		if i := bytes.Index(buf[:n], []byte("\nFrom ")); i >= 0 {
			p := off + int64(i)
			if i > 0 && buf[i-1] == '\r' {
				return p - 1, nil
			}
			if i == 0 && off > 0 {
				var c [1]byte
				if _, cerr := r.f.ReadAt(c[:], off-1); cerr == nil && c[0] == '\r' {
					return p - 1, nil
				}
			}
			return p, nil
		}
		if err == io.EOF {
			break
		}
		// Overlap so a separator spanning the chunk boundary is found.
		off += int64(n) - overlap
	}
	return -1, nil
}

// Next parses the message at the current position and advances past its
// body. It returns io.EOF past the last message.
func (r *Reader) Next() (*Message, error) {
	if r.eof {
		return nil, io.EOF
	}
	end := r.DataEnd()
	if r.next >= end {
		r.eof = true
		return nil, io.EOF
	}

	m := &Message{FromOffset: r.next, ContentLength: -1}

	off := r.next
	if off > 0 {
		var buf [2]byte
		if _, err := r.f.ReadAt(buf[:], off); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read separator at %d: %w", off, err)
		}
		switch {
		case buf[0] == '\r' && buf[1] == '\n':
			m.CRLF = true
			off += 2
		case buf[0] == '\n':
			off++
		default:
			return nil, fmt.Errorf("%w: offset %d", ErrNoFromLine, r.next)
		}
	}

	fromLine, err := r.readLine(off, r.size)
	if err != nil {
		return nil, fmt.Errorf("read From-line at %d: %w", off, err)
	}
	if !IsFromLine(fromLine) {
		return nil, fmt.Errorf("%w: offset %d", ErrNoFromLine, r.next)
	}
	m.FromLine = fromLine
	m.HeaderOffset = off + int64(len(fromLine))

	if err := r.parseHeader(m); err != nil {
		return nil, err
	}

	if err := r.resolveBody(m, end); err != nil {
		return nil, err
	}

	r.next = m.BodyOffset + m.BodySize
	return m, nil
}

func (r *Reader) parseHeader(m *Message) error {
	digest := md5.New()
	keywords := map[string]bool{}
	statusSeen := false

	off := m.HeaderOffset
	var hdr []byte
	for {
		line, err := r.readLine(off, r.size)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		hdr = append(hdr, line...)
		lineOff := off
		off += int64(len(line))

		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			m.HasEOH = true
			if !m.CRLF && bytes.HasSuffix(line, []byte("\r\n")) {
				m.CRLF = true
			}
			break
		}

		value := func(prefix string) (string, bool) {
			if !bytes.HasPrefix(line, []byte(prefix)) {
				return "", false
			}
			return strings.TrimSpace(string(trimmed[len(prefix):])), true
		}

		if v, ok := value("Status:"); ok {
			for _, c := range v {
				switch c {
				case 'R':
					m.Flags |= FlagSeen
				case 'O':
					statusSeen = true
				}
			}
			continue
		}
		if v, ok := value("X-Status:"); ok {
			for _, c := range v {
				switch c {
				case 'A':
					m.Flags |= FlagAnswered
				case 'F':
					m.Flags |= FlagFlagged
				case 'D':
					m.Flags |= FlagDeleted
				case 'T':
					m.Flags |= FlagDraft
				}
			}
			continue
		}
		if v, ok := value("X-Keywords:"); ok {
			for _, w := range strings.FieldsFunc(v, func(c rune) bool { return c == ' ' || c == ',' }) {
				keywords[w] = true
			}
			m.Space += countPadding(trimmed)
			continue
		}
		if v, ok := value("X-UID:"); ok {
			if uid, perr := strconv.ParseUint(v, 10, 32); perr == nil && uid > 0 {
				m.UID = uint32(uid)
			}
			m.Space += countPadding(trimmed)
			continue
		}
		if v, ok := value("Content-Length:"); ok {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil && n >= 0 {
				m.ContentLength = n
			}
			continue
		}
		if v, ok := value("X-IMAPbase:"); ok {
			r.parseIMAPBase(m, v, lineOff, line)
			m.Space += countPadding(trimmed)
			continue
		}
		if v, ok := value("X-IMAP:"); ok {
			r.parseIMAPBase(m, v, lineOff, line)
			if m.FromOffset == 0 {
				m.Pseudo = true
			}
			continue
		}

		digest.Write(line)
	}

	m.Header = hdr
	m.BodyOffset = m.HeaderOffset + int64(len(hdr))
	if !statusSeen {
		m.Flags |= FlagRecent
	}
	if len(keywords) > 0 {
		m.Keywords = maps.Keys(keywords)
		sort.Strings(m.Keywords)
	}
	digest.Sum(m.MD5[:0])
	return nil
}

// parseIMAPBase picks up "<uid-validity> <uid-last>" and, when uid-last is
// the fixed-width 10-digit form, the file offset of its first digit so it
// can later be rewritten in place.
func (r *Reader) parseIMAPBase(m *Message, v string, lineOff int64, line []byte) {
	fields := strings.Fields(v)
	if len(fields) < 2 {
		return
	}
	uv, err1 := strconv.ParseUint(fields[0], 10, 32)
	ul, err2 := strconv.ParseUint(fields[1], 10, 32)
	if err1 != nil || err2 != nil {
		return
	}
	m.BaseUIDValidity = uint32(uv)
	m.BaseUIDLast = uint32(ul)
	if len(fields[1]) == 10 {
		if i := bytes.Index(line, []byte(fields[1])); i >= 0 {
			m.BaseUIDLastOffset = lineOff + int64(i)
		}
	}
}

func countPadding(trimmed []byte) int64 {
	var n int64
	for i := len(trimmed) - 1; i >= 0 && trimmed[i] == ' '; i-- {
		n++
	}
	return n
}

// resolveBody determines the body size, preferring a Content-Length that
// points exactly at the next message boundary or the end of data, falling
// back to scanning for the next From-line.
func (r *Reader) resolveBody(m *Message, end int64) error {
	if m.BodyOffset >= end {
		m.BodySize = 0
		return nil
	}
	if m.ContentLength >= 0 {
		cand := m.BodyOffset + m.ContentLength
		if cand == end {
			m.ContentValid = true
			m.BodySize = m.ContentLength
			return nil
		}
		if cand < end {
			var buf [8]byte
			n, err := r.f.ReadAt(buf[:], cand)
			if err != nil && err != io.EOF {
				return fmt.Errorf("read at %d: %w", cand, err)
			}
			b := buf[:n]
			if bytes.HasPrefix(b, []byte("\nFrom ")) || bytes.HasPrefix(b, []byte("\r\nFrom ")) {
				m.ContentValid = true
				m.BodySize = m.ContentLength
				return nil
			}
		}
	}

	from, err := r.findFrom(m.BodyOffset)
	if err != nil {
		return err
	}
	if from < 0 {
		m.BodySize = end - m.BodyOffset
	} else {
		m.BodySize = from - m.BodyOffset
	}
	return nil
}
