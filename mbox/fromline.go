package mbox

import (
	"bytes"
	"fmt"
	"time"
)

// IsFromLine returns whether line starts a new message.
func IsFromLine(line []byte) bool {
	return bytes.HasPrefix(line, []byte("From "))
}

// FromLine composes a From-line for sender at time t, without trailing
// newline. The date is in asctime format, as written by c-client.
func FromLine(sender string, t time.Time) string {
	return fmt.Sprintf("From %s  %s", sender, t.Format("Mon Jan _2 15:04:05 2006"))
}

// FromLineSender returns the sender address of a From-line, or the empty
// string when the line cannot be parsed.
func FromLineSender(line []byte) string {
	line = bytes.TrimPrefix(line, []byte("From "))
	line = bytes.TrimRight(line, "\r\n")
	i := bytes.IndexByte(line, ' ')
	if i < 0 {
		return string(line)
	}
	return string(line[:i])
}
