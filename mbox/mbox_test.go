package mbox

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func writeMbox(t *testing.T, data string) *os.File {
	t.Helper()
	p := filepath.Join(t.TempDir(), "box")
	err := os.WriteFile(p, []byte(data), 0660)
	tcheck(t, err, "write mbox")
	f, err := os.OpenFile(p, os.O_RDWR, 0660)
	tcheck(t, err, "open mbox")
	t.Cleanup(func() { f.Close() })
	return f
}

const twoMsgBox = "From alice@example.org  Thu Jan  1 10:00:00 2026\n" +
	"Subject: first\n" +
	"Status: RO\n" +
	"X-UID: 1   \n" +
	"Content-Length: 9\n" +
	"\n" +
	"body one\n" +
	"\n" +
	"From bob@example.org  Thu Jan  1 11:00:00 2026\n" +
	"Subject: second\n" +
	"Status: O\n" +
	"X-Status: AF\n" +
	"X-Keywords: work urgent\n" +
	"X-UID: 2\n" +
	"Content-Length: 12\n" +
	"\n" +
	"second body\n" +
	"\n"

func TestFromLine(t *testing.T) {
	l := FromLine("alice@example.org", time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	if l != "From alice@example.org  Thu Jan  1 10:00:00 2026" {
		t.Fatalf("unexpected From-line %q", l)
	}
	if !IsFromLine([]byte(l)) {
		t.Fatalf("IsFromLine false for %q", l)
	}
	if s := FromLineSender([]byte(l + "\n")); s != "alice@example.org" {
		t.Fatalf("got sender %q", s)
	}
}

func TestReader(t *testing.T) {
	f := writeMbox(t, twoMsgBox)
	r, err := NewReader(f)
	tcheck(t, err, "new reader")

	if ts := r.TrailerSize(); ts != 1 {
		t.Fatalf("got trailer size %d, expected 1", ts)
	}

	m1, err := r.Next()
	tcheck(t, err, "first message")
	if m1.FromOffset != 0 {
		t.Fatalf("first message from offset %d", m1.FromOffset)
	}
	if m1.UID != 1 {
		t.Fatalf("got uid %d, expected 1", m1.UID)
	}
	if m1.Flags != FlagSeen {
		t.Fatalf("got flags %#x, expected seen", m1.Flags)
	}
	if m1.Space != 3 {
		t.Fatalf("got padding %d, expected 3", m1.Space)
	}
	if !m1.ContentValid || m1.BodySize != 9 {
		t.Fatalf("content-length not used, body size %d", m1.BodySize)
	}
	checkBody(t, f, m1, "body one\n")

	m2, err := r.Next()
	tcheck(t, err, "second message")
	if m2.FromOffset != m1.BodyOffset+m1.BodySize {
		t.Fatalf("second message region at %d, expected %d", m2.FromOffset, m1.BodyOffset+m1.BodySize)
	}
	if m2.UID != 2 {
		t.Fatalf("got uid %d, expected 2", m2.UID)
	}
	wantFlags := FlagAnswered | FlagFlagged
	if m2.Flags != wantFlags {
		t.Fatalf("got flags %#x, expected %#x", m2.Flags, wantFlags)
	}
	if len(m2.Keywords) != 2 || m2.Keywords[0] != "urgent" || m2.Keywords[1] != "work" {
		t.Fatalf("got keywords %v", m2.Keywords)
	}
	checkBody(t, f, m2, "second body\n")

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("got err %v, expected eof", err)
	}
	if !r.EOF() {
		t.Fatalf("reader not at eof")
	}

	// Seeking back to the second message must work, a bogus offset must
	// not.
	err = r.Seek(m2.FromOffset)
	tcheck(t, err, "seek to second message")
	m, err := r.Next()
	tcheck(t, err, "reread second message")
	if m.UID != 2 {
		t.Fatalf("got uid %d after seek", m.UID)
	}
	if err := r.Seek(m2.FromOffset + 3); err == nil {
		t.Fatalf("seek to bogus offset succeeded")
	}
}

func checkBody(t *testing.T, f *os.File, m *Message, want string) {
	t.Helper()
	buf := make([]byte, m.BodySize)
	_, err := f.ReadAt(buf, m.BodyOffset)
	tcheck(t, err, "read body")
	if string(buf) != want {
		t.Fatalf("got body %q, expected %q", buf, want)
	}
}

func TestReaderScanBody(t *testing.T) {
	// No Content-Length: the body must be found by scanning for the next
	// From-line, and a quoted >From must not end it.
	box := "From a@a  Thu Jan  1 10:00:00 2026\n" +
		"Subject: x\n" +
		"\n" +
		"one\n" +
		">From not a new message\n" +
		"\n" +
		"From b@b  Thu Jan  1 11:00:00 2026\n" +
		"Subject: y\n" +
		"\n" +
		"two\n" +
		"\n"
	f := writeMbox(t, box)
	r, err := NewReader(f)
	tcheck(t, err, "new reader")

	m1, err := r.Next()
	tcheck(t, err, "first message")
	checkBody(t, f, m1, "one\n>From not a new message\n")
	if m1.Flags&FlagRecent == 0 {
		t.Fatalf("message without Status O not recent")
	}

	m2, err := r.Next()
	tcheck(t, err, "second message")
	checkBody(t, f, m2, "two\n")
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("got err %v, expected eof", err)
	}
}

func TestReaderBadContentLength(t *testing.T) {
	// A Content-Length not pointing at a message boundary is ignored.
	box := "From a@a  Thu Jan  1 10:00:00 2026\n" +
		"Content-Length: 2\n" +
		"\n" +
		"one\n" +
		"\n" +
		"From b@b  Thu Jan  1 11:00:00 2026\n" +
		"\n" +
		"two\n" +
		"\n"
	f := writeMbox(t, box)
	r, err := NewReader(f)
	tcheck(t, err, "new reader")
	m1, err := r.Next()
	tcheck(t, err, "first message")
	if m1.ContentValid {
		t.Fatalf("broken content-length accepted")
	}
	checkBody(t, f, m1, "one\n")
}

func TestPseudoMessage(t *testing.T) {
	buf := PseudoMessage(1234567, 42, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	f := writeMbox(t, string(buf))
	r, err := NewReader(f)
	tcheck(t, err, "new reader")
	m, err := r.Next()
	tcheck(t, err, "read pseudo")
	if !m.Pseudo {
		t.Fatalf("message not recognised as pseudo")
	}
	if m.BaseUIDValidity != 1234567 || m.BaseUIDLast != 42 {
		t.Fatalf("got base %d %d", m.BaseUIDValidity, m.BaseUIDLast)
	}
	if m.BaseUIDLastOffset == 0 {
		t.Fatalf("no uid-last offset for fixed-width field")
	}
	var digits [10]byte
	_, err = f.ReadAt(digits[:], m.BaseUIDLastOffset)
	tcheck(t, err, "read uid-last field")
	if string(digits[:]) != "0000000042" {
		t.Fatalf("got uid-last field %q", digits)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("pseudo not the only message: %v", err)
	}
}

func TestRewriteHeader(t *testing.T) {
	f := writeMbox(t, twoMsgBox)
	r, err := NewReader(f)
	tcheck(t, err, "new reader")
	m, err := r.Next()
	tcheck(t, err, "first message")

	up := HeaderUpdate{
		Flags:         FlagSeen | FlagAnswered,
		Keywords:      []string{"todo"},
		UID:           1,
		ContentLength: m.BodySize,
		IMAPBase:      true,
		UIDValidity:   99,
		UIDLast:       7,
	}
	hdr, rel := RewriteHeader(m, up)
	s := string(hdr)
	for _, want := range []string{"Status: RO\n", "X-Status: A\n", "X-Keywords: todo\n", "X-UID: 1\n", "Content-Length: 9\n", "X-IMAPbase: 99 0000000007\n", "Subject: first\n"} {
		if !strings.Contains(s, want) {
			t.Fatalf("rewritten header misses %q:\n%s", want, s)
		}
	}
	if !strings.HasSuffix(s, "\n\n") {
		t.Fatalf("rewritten header not terminated by blank line:\n%q", s)
	}
	if rel < 0 || string(hdr[rel:rel+10]) != "0000000007" {
		t.Fatalf("uid-last offset %d wrong in:\n%q", rel, s)
	}

	// Padding must grow the block by exactly the requested amount, as
	// spaces at the end of the X-UID header.
	up.Padding = 16
	padded, _ := RewriteHeader(m, up)
	if len(padded) != len(hdr)+16 {
		t.Fatalf("padded header is %d bytes, expected %d", len(padded), len(hdr)+16)
	}
	if !strings.Contains(string(padded), "X-UID: 1"+strings.Repeat(" ", 16)+"\n") {
		t.Fatalf("padding not on X-UID header:\n%q", padded)
	}
}

func TestDeliver(t *testing.T) {
	f := writeMbox(t, "")
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	err := Deliver(f, "alice@example.org", now, []byte("Subject: hi\n\nhello\nFrom here it looks fine\n"))
	tcheck(t, err, "deliver first")
	err = Deliver(f, "bob@example.org", now, []byte("Subject: yo\n\nsup\n"))
	tcheck(t, err, "deliver second")

	r, err := NewReader(f)
	tcheck(t, err, "new reader")
	m1, err := r.Next()
	tcheck(t, err, "first message")
	checkBody(t, f, m1, "hello\n>From here it looks fine\n")
	m2, err := r.Next()
	tcheck(t, err, "second message")
	checkBody(t, f, m2, "sup\n")
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("got err %v, expected eof", err)
	}
}
