package mbox

import (
	"bytes"
	"fmt"
	"os"
	"time"
)

// Deliver appends a message to the open mbox file, the way delivery
// agents do: a From-line, the message with body lines starting with
// "From " quoted as ">From ", and a blank-line trailer. The caller must
// hold a write lock on the file.
func Deliver(f *os.File, sender string, t time.Time, msg []byte) error {
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(FromLine(sender, t))
	buf.WriteByte('\n')

	inHeader := true
	for _, line := range splitLines(msg) {
		if inHeader && len(bytes.TrimRight(line, "\r\n")) == 0 {
			inHeader = false
		} else if !inHeader && bytes.HasPrefix(line, []byte("From ")) {
			buf.WriteByte('>')
		}
		buf.Write(line)
	}
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}
	// Blank-line trailer, so the next delivery can start with its
	// From-line directly.
	buf.WriteByte('\n')

	if _, err := f.WriteAt(buf.Bytes(), st.Size()); err != nil {
		return fmt.Errorf("append to mbox: %w", err)
	}
	return nil
}
