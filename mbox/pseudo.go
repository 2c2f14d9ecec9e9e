package mbox

import (
	"fmt"
	"os"
	"time"
)

// The text below is what c-client writes, other mbox readers expect it.
const pseudoBody = "This text is part of the internal format of your mail folder, and is not\n" +
	"a real message.  It is created automatically by the mail system software.\n" +
	"If deleted, important folder data will be lost, and it will be re-created\n" +
	"with the data reset to initial values.\n"

// PseudoMessage composes the internal-data first message carrying the
// folder's uid-validity and uid-last in an X-IMAP header, including the
// blank-line trailer.
func PseudoMessage(uidValidity, uidLast uint32, t time.Time) []byte {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	s := fmt.Sprintf("%s\n"+
		"Date: %s\n"+
		"From: Mail System Internal Data <MAILER-DAEMON@%s>\n"+
		"Subject: DON'T DELETE THIS MESSAGE -- FOLDER INTERNAL DATA\n"+
		"Message-ID: <%d@%s>\n"+
		"X-IMAP: %d %010d\n"+
		"Status: RO\n"+
		"\n"+
		pseudoBody+
		"\n",
		FromLine("MAILER_DAEMON", t),
		t.Format("Mon, 2 Jan 2006 15:04:05 -0700"),
		hostname, t.Unix(), hostname,
		uidValidity, uidLast)
	return []byte(s)
}
