package mboxsync

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mboxsync/index"
	"github.com/mjl-/mboxsync/mbox"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func newFolder(t *testing.T) *Folder {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "box")
	err := os.WriteFile(path, nil, 0660)
	tcheck(t, err, "create mbox")
	ix, err := index.Open(filepath.Join(dir, "box.index"))
	tcheck(t, err, "open index")
	t.Cleanup(func() { ix.Close() })
	return &Folder{Path: path, Index: ix}
}

var deliverTime = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func deliver(t *testing.T, f *Folder, subject, body string) {
	t.Helper()
	mf, err := os.OpenFile(f.Path, os.O_RDWR, 0660)
	tcheck(t, err, "open mbox")
	defer mf.Close()
	msg := fmt.Sprintf("Subject: %s\n\n%s", subject, body)
	err = mbox.Deliver(mf, "sender@example.org", deliverTime, []byte(msg))
	tcheck(t, err, "deliver")
}

// touch makes sure the file looks changed to the mtime/size pre-check,
// tests run faster than the second-granularity stamps.
func touch(t *testing.T, path string) {
	t.Helper()
	err := os.Chtimes(path, time.Now(), time.Now().Add(5*time.Second))
	tcheck(t, err, "chtimes")
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	buf, err := os.ReadFile(path)
	tcheck(t, err, "read mbox")
	return buf
}

type parsedMsg struct {
	m    *mbox.Message
	body string
}

func parseMbox(t *testing.T, path string) []parsedMsg {
	t.Helper()
	mf, err := os.Open(path)
	tcheck(t, err, "open mbox")
	defer mf.Close()
	r, err := mbox.NewReader(mf)
	tcheck(t, err, "new reader")
	var l []parsedMsg
	for {
		m, err := r.Next()
		if err == io.EOF {
			break
		}
		tcheck(t, err, "next message")
		body := make([]byte, m.BodySize)
		_, err = mf.ReadAt(body, m.BodyOffset)
		tcheck(t, err, "read body")
		l = append(l, parsedMsg{m, string(body)})
	}
	return l
}

func records(t *testing.T, f *Folder) []index.Record {
	t.Helper()
	recs, err := f.Index.Records()
	tcheck(t, err, "index records")
	return recs
}

func state(t *testing.T, f *Folder) index.State {
	t.Helper()
	st, err := f.Index.Header()
	tcheck(t, err, "index state")
	return st
}

// Empty mbox, three deliveries, sync: messages get UIDs 1..3 and X-UID
// headers, the first message carries the folder data in X-IMAPbase, and
// the index matches.
func TestSyncFresh(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", "A\n")
	deliver(t, f, "two", "B\n")
	deliver(t, f, "three", "C\n")

	tcheck(t, f.Sync(0), "sync")

	st := state(t, f)
	if st.UIDValidity == 0 {
		t.Fatalf("uid-validity not assigned")
	}
	if st.NextUID != 4 {
		t.Fatalf("got next-uid %d, expected 4", st.NextUID)
	}

	recs := records(t, f)
	if len(recs) != 3 {
		t.Fatalf("got %d index records, expected 3", len(recs))
	}
	for i, r := range recs {
		if r.UID() != uint32(i+1) {
			t.Fatalf("record %d has uid %d", i, r.UID())
		}
	}

	msgs := parseMbox(t, f.Path)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, pm := range msgs {
		if pm.m.UID != uint32(i+1) {
			t.Fatalf("message %d has uid %d", i, pm.m.UID)
		}
		if pm.body != []string{"A\n", "B\n", "C\n"}[i] {
			t.Fatalf("message %d body %q", i, pm.body)
		}
		if int64(pm.m.FromOffset) != recs[i].FromOffset {
			t.Fatalf("message %d at %d, index says %d", i, pm.m.FromOffset, recs[i].FromOffset)
		}
	}
	if msgs[0].m.BaseUIDValidity != st.UIDValidity || msgs[0].m.BaseUIDLast != 3 {
		t.Fatalf("got base %d %d in first message", msgs[0].m.BaseUIDValidity, msgs[0].m.BaseUIDLast)
	}
	if msgs[0].m.BaseUIDLastOffset == 0 {
		t.Fatalf("uid-last not written as fixed-width field")
	}
}

// Running sync twice on an unchanged mbox is a no-op after the first.
func TestSyncIdempotent(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", "A\n")
	deliver(t, f, "two", "B\n")
	tcheck(t, f.Sync(0), "first sync")

	buf1 := readFile(t, f.Path)
	st1 := state(t, f)
	if st1.SyncSize != int64(len(buf1)) {
		t.Fatalf("sync-size %d, file is %d", st1.SyncSize, len(buf1))
	}

	tcheck(t, f.Sync(0), "second sync")
	buf2 := readFile(t, f.Path)
	st2 := state(t, f)
	if !bytes.Equal(buf1, buf2) {
		t.Fatalf("file changed by no-op sync")
	}
	if st1 != st2 {
		t.Fatalf("state changed by no-op sync: %+v != %+v", st1, st2)
	}

	changed, err := f.HasChanged(true)
	tcheck(t, err, "haschanged")
	if changed {
		t.Fatalf("unchanged mbox reported as changed")
	}
}

// A pending flag change is written into the header padding in place,
// without changing the file size.
func TestFlagUpdateInPlace(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", "A\n")
	deliver(t, f, "two", "B\n")
	tcheck(t, f.Sync(0), "initial sync")

	size1 := int64(len(readFile(t, f.Path)))

	err := f.Index.Enqueue(index.Change{UID1: 2, UID2: 2, Type: index.ChangeFlags, AddFlags: mbox.FlagSeen})
	tcheck(t, err, "enqueue flag change")

	tcheck(t, f.Sync(0), "sync flag change")

	if size2 := int64(len(readFile(t, f.Path))); size2 != size1 {
		t.Fatalf("file size changed from %d to %d", size1, size2)
	}
	msgs := parseMbox(t, f.Path)
	if msgs[1].m.Flags&mbox.FlagSeen == 0 {
		t.Fatalf("seen flag not written to file")
	}
	if msgs[0].m.Flags&mbox.FlagSeen != 0 {
		t.Fatalf("seen flag leaked to first message")
	}
	recs := records(t, f)
	if recs[1].Flags&mbox.FlagSeen == 0 {
		t.Fatalf("seen flag not in index")
	}

	st2 := state(t, f)
	if st2.SyncSize != size1 {
		t.Fatalf("sync-size %d, file is %d", st2.SyncSize, size1)
	}
}

// Expunging the middle message shrinks the file by exactly that message's
// span and moves the following message backwards unchanged.
func TestExpungeMiddle(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", strings.Repeat("a", 100)+"\n")
	deliver(t, f, "two", strings.Repeat("b", 200)+"\n")
	deliver(t, f, "three", strings.Repeat("c", 150)+"\n")
	tcheck(t, f.Sync(0), "initial sync")

	before := parseMbox(t, f.Path)
	span := before[1].m.Size()
	size1 := int64(len(readFile(t, f.Path)))

	err := f.Index.Enqueue(index.Change{UID1: 2, UID2: 2, Type: index.ChangeExpunge})
	tcheck(t, err, "enqueue expunge")
	tcheck(t, f.Sync(0), "sync expunge")

	size2 := int64(len(readFile(t, f.Path)))
	if size2 != size1-span {
		t.Fatalf("file went from %d to %d, expected shrink by %d", size1, size2, span)
	}

	after := parseMbox(t, f.Path)
	if len(after) != 2 {
		t.Fatalf("got %d messages", len(after))
	}
	if after[0].m.UID != 1 || after[1].m.UID != 3 {
		t.Fatalf("got uids %d %d", after[0].m.UID, after[1].m.UID)
	}
	if after[0].body != before[0].body || after[1].body != before[2].body {
		t.Fatalf("bodies damaged by expunge")
	}
	if after[0].m.BaseUIDLast != 3 {
		t.Fatalf("uid-last changed to %d", after[0].m.BaseUIDLast)
	}

	recs := records(t, f)
	if len(recs) != 2 || recs[0].UID() != 1 || recs[1].UID() != 3 {
		t.Fatalf("got index records %+v", recs)
	}
	if recs[1].FromOffset != after[1].m.FromOffset {
		t.Fatalf("index offset %d, message at %d", recs[1].FromOffset, after[1].m.FromOffset)
	}
}

// A header change too large for the padding grows the file by the deficit
// plus one padding unit, preserving the body byte for byte.
func TestDeficitGrow(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", "grow me\n")
	tcheck(t, f.Sync(0), "initial sync")

	before := parseMbox(t, f.Path)
	size1 := int64(len(readFile(t, f.Path)))
	oldSpan := before[0].m.BodyOffset - before[0].m.HeaderOffset

	// "X-Keywords: " plus 100 chars plus newline is 113 bytes, well over
	// the 64 bytes of padding.
	kw := strings.Repeat("k", 100)
	err := f.Index.Enqueue(index.Change{UID1: 1, UID2: 1, Type: index.ChangeKeywordAdd, Keywords: []string{kw}})
	tcheck(t, err, "enqueue keyword change")
	tcheck(t, f.Sync(0), "sync keyword change")

	size2 := int64(len(readFile(t, f.Path)))
	deficit := int64(len("X-Keywords: ")+len(kw)+1) - mbox.HeaderPadding
	if size2-size1 != deficit+mbox.HeaderPadding {
		t.Fatalf("file grew by %d, expected %d", size2-size1, deficit+mbox.HeaderPadding)
	}

	after := parseMbox(t, f.Path)
	if after[0].body != before[0].body {
		t.Fatalf("body damaged by grow: %q", after[0].body)
	}
	if len(after[0].m.Keywords) != 1 || after[0].m.Keywords[0] != kw {
		t.Fatalf("keyword not written: %v", after[0].m.Keywords)
	}
	if after[0].m.Space != mbox.HeaderPadding {
		t.Fatalf("got padding %d after grow, expected %d", after[0].m.Space, mbox.HeaderPadding)
	}
	newSpan := after[0].m.BodyOffset - after[0].m.HeaderOffset
	if newSpan-oldSpan != size2-size1 {
		t.Fatalf("growth %d not confined to the header (span %d -> %d)", size2-size1, oldSpan, newSpan)
	}

	recs := records(t, f)
	if len(recs[0].Keywords) != 1 || recs[0].Keywords[0] != kw {
		t.Fatalf("keyword not in index: %v", recs[0].Keywords)
	}
	if recs[0].FromOffset != 0 {
		t.Fatalf("index offset %d for only message", recs[0].FromOffset)
	}
}

// Removing a message from the file behind our back expunges its index
// record on the next sync; the others keep their UIDs.
func TestExternalExpunge(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", "A\n")
	deliver(t, f, "two", "B\n")
	tcheck(t, f.Sync(0), "initial sync")

	msgs := parseMbox(t, f.Path)
	buf := readFile(t, f.Path)
	// Strip the first message including the separator before the second.
	sep := int64(len(msgs[1].m.Sep()))
	err := os.WriteFile(f.Path, buf[msgs[1].m.FromOffset+sep:], 0660)
	tcheck(t, err, "rewrite mbox")
	touch(t, f.Path)

	tcheck(t, f.Sync(0), "sync after external expunge")

	recs := records(t, f)
	if len(recs) != 1 || recs[0].UID() != 2 {
		t.Fatalf("got index records %+v", recs)
	}
	after := parseMbox(t, f.Path)
	if len(after) != 1 || after[0].m.UID != 2 || after[0].body != "B\n" {
		t.Fatalf("remaining message damaged")
	}
	if recs[0].FromOffset != 0 {
		t.Fatalf("index offset %d for first message", recs[0].FromOffset)
	}
}

// A message appended with an out-of-order UID gets a new UID after the
// existing ones. The partial pass has turned sequential at its tail check
// before reaching it, so the pass completes without a restart.
func TestUIDOrderBroken(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", "A\n")
	deliver(t, f, "two", "B\n")
	deliver(t, f, "three", "C\n")
	tcheck(t, f.Sync(0), "initial sync")

	intruder := "From evil@example.org  Thu Jan  1 12:00:00 2026\n" +
		"Subject: intruder\n" +
		"Status: RO\n" +
		"X-UID: 2\n" +
		"\n" +
		"intruder\n" +
		"\n"
	mf, err := os.OpenFile(f.Path, os.O_RDWR, 0660)
	tcheck(t, err, "open mbox")
	st, err := mf.Stat()
	tcheck(t, err, "stat mbox")
	_, err = mf.WriteAt([]byte(intruder), st.Size())
	tcheck(t, err, "append intruder")
	mf.Close()
	touch(t, f.Path)

	tcheck(t, f.Sync(0), "sync with broken uid order")

	after := parseMbox(t, f.Path)
	if len(after) != 4 {
		t.Fatalf("got %d messages", len(after))
	}
	prev := uint32(0)
	for i, pm := range after {
		if pm.m.UID <= prev {
			t.Fatalf("uid order still broken at message %d: %d after %d", i, pm.m.UID, prev)
		}
		prev = pm.m.UID
	}
	if after[3].m.UID != 4 {
		t.Fatalf("intruder got uid %d, expected 4", after[3].m.UID)
	}
	recs := records(t, f)
	if len(recs) != 4 {
		t.Fatalf("got %d index records", len(recs))
	}
	if st := state(t, f); st.NextUID != 5 {
		t.Fatalf("got next-uid %d", st.NextUID)
	}
}

// A changed uid-validity in the folder's base header is fatal: the index
// is marked corrupted and nothing is written.
func TestUIDValidityGuard(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", "A\n")
	tcheck(t, f.Sync(0), "initial sync")

	st := state(t, f)
	buf := readFile(t, f.Path)
	old := fmt.Sprintf("X-IMAPbase: %d ", st.UIDValidity)
	if !bytes.Contains(buf, []byte(old)) {
		t.Fatalf("base header not found in file")
	}
	mutated := bytes.Replace(buf, []byte(old), []byte("X-IMAPbase: 777 "), 1)
	err := os.WriteFile(f.Path, mutated, 0660)
	tcheck(t, err, "mutate mbox")
	touch(t, f.Path)

	if err := f.Sync(0); err == nil {
		t.Fatalf("sync accepted changed uid-validity")
	}
	if !state(t, f).Corrupted {
		t.Fatalf("index not marked corrupted")
	}
	if !bytes.Equal(readFile(t, f.Path), mutated) {
		t.Fatalf("sync wrote to the file despite uid-validity mismatch")
	}
}

// The positional uid-last rewrite refuses to write unless the 10 bytes on
// disk are exactly the digits recorded earlier.
func TestUIDLastGuard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "box")
	content := "X-IMAPbase: 1 0000000005\n"
	err := os.WriteFile(path, []byte(content), 0660)
	tcheck(t, err, "write file")
	mf, err := os.OpenFile(path, os.O_RDWR, 0660)
	tcheck(t, err, "open file")
	defer mf.Close()

	offset := int64(strings.Index(content, "0000000005"))
	sc := &syncContext{
		folder:            &Folder{Path: path},
		log:               xlog,
		file:              mf,
		writable:          true,
		baseUIDLast:       5,
		baseUIDLastOffset: offset,
		nextUID:           7,
	}
	tcheck(t, sc.rewriteBaseUIDLast(), "rewrite uid-last")
	buf := readFile(t, path)
	if !bytes.Contains(buf, []byte("0000000006")) {
		t.Fatalf("uid-last not rewritten: %q", buf)
	}

	// A mismatch between the recorded and on-disk value must refuse.
	sc.baseUIDLast = 9
	sc.nextUID = 11
	if err := sc.rewriteBaseUIDLast(); err == nil {
		t.Fatalf("uid-last rewrite accepted changed digits")
	}

	// Non-digits on disk must refuse too.
	_, err = mf.WriteAt([]byte("xx"), offset)
	tcheck(t, err, "corrupt digits")
	sc.baseUIDLast = 6
	if err := sc.rewriteBaseUIDLast(); err == nil {
		t.Fatalf("uid-last rewrite accepted non-digits")
	}
	if !bytes.Contains(readFile(t, path), []byte("xx000000")) {
		t.Fatalf("guard wrote over corrupted field")
	}
}

// With delayed writes, flag changes only mark index records dirty; a
// rewrite sync writes everything out and clears the dirty state.
func TestDelayWrites(t *testing.T) {
	f := newFolder(t)
	f.DelayWrites = true
	f.SaveMD5 = true
	deliver(t, f, "one", "A\n")
	deliver(t, f, "two", "B\n")

	buf1 := readFile(t, f.Path)
	tcheck(t, f.Sync(0), "initial sync")
	if !bytes.Equal(readFile(t, f.Path), buf1) {
		t.Fatalf("delayed-write sync wrote to the file")
	}

	recs := records(t, f)
	if len(recs) != 2 || recs[0].UID() != 1 || recs[1].UID() != 2 {
		t.Fatalf("got index records %+v", recs)
	}
	for _, r := range recs {
		if r.Flags&mbox.FlagDirty == 0 {
			t.Fatalf("record %d not dirty", r.UID())
		}
		if len(r.HeaderMD5) != 16 {
			t.Fatalf("record %d has no header digest", r.UID())
		}
	}

	err := f.Index.Enqueue(index.Change{UID1: 1, UID2: 1, Type: index.ChangeFlags, AddFlags: mbox.FlagSeen})
	tcheck(t, err, "enqueue flag change")
	tcheck(t, f.Sync(0), "sync flag change")
	if !bytes.Equal(readFile(t, f.Path), buf1) {
		t.Fatalf("flag change written to file despite delayed writes")
	}
	recs = records(t, f)
	if recs[0].Flags&mbox.FlagSeen == 0 || recs[0].Flags&mbox.FlagDirty == 0 {
		t.Fatalf("flag change not kept dirty in index: %+v", recs[0])
	}

	// Now write everything out.
	tcheck(t, f.Sync(SyncRewrite), "rewrite sync")
	msgs := parseMbox(t, f.Path)
	if len(msgs) != 2 || msgs[0].m.UID != 1 || msgs[1].m.UID != 2 {
		t.Fatalf("uids not written out")
	}
	if msgs[0].m.Flags&mbox.FlagSeen == 0 {
		t.Fatalf("seen flag not written out")
	}
	recs = records(t, f)
	for _, r := range recs {
		if r.Flags&mbox.FlagDirty != 0 {
			t.Fatalf("record %d still dirty after rewrite", r.UID())
		}
	}
}

// Expunging everything leaves a fresh pseudo message carrying the folder
// state.
func TestExpungeAll(t *testing.T) {
	f := newFolder(t)
	deliver(t, f, "one", "A\n")
	deliver(t, f, "two", "B\n")
	tcheck(t, f.Sync(0), "initial sync")
	st1 := state(t, f)

	err := f.Index.Enqueue(index.Change{UID1: 1, UID2: 2, Type: index.ChangeExpunge})
	tcheck(t, err, "enqueue expunge")
	tcheck(t, f.Sync(0), "sync expunge")

	if recs := records(t, f); len(recs) != 0 {
		t.Fatalf("got %d index records after expunging all", len(recs))
	}
	msgs := parseMbox(t, f.Path)
	if len(msgs) != 1 || !msgs[0].m.Pseudo {
		t.Fatalf("expected only a pseudo message, got %d messages", len(msgs))
	}
	if msgs[0].m.BaseUIDValidity != st1.UIDValidity || msgs[0].m.BaseUIDLast != 2 {
		t.Fatalf("pseudo carries base %d %d", msgs[0].m.BaseUIDValidity, msgs[0].m.BaseUIDLast)
	}
}
