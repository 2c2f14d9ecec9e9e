// Command mboxsync synchronizes mbox mail folders with their message
// indexes.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mboxsync/index"
	"github.com/mjl-/mboxsync/mbox"
	"github.com/mjl-/mboxsync/mboxlock"
	"github.com/mjl-/mboxsync/mboxsync"
	"github.com/mjl-/mboxsync/mlog"
)

var xlog = mlog.New("main")

var (
	configPath string
	loglevel   string
	config     Config
)

type cmd struct {
	name   string
	params string
	help   string
	fn     func(c *cmd)

	flag     *flag.FlagSet
	flagArgs []string
	args     []string
}

func (c *cmd) Parse() {
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
}

func (c *cmd) Usage() {
	fmt.Fprintf(os.Stderr, "usage: mboxsync %s %s\n", c.name, c.params)
	c.flag.PrintDefaults()
	if c.help != "" {
		fmt.Fprintln(os.Stderr, "\n"+c.help)
	}
	os.Exit(2)
}

var commands = []*cmd{
	{name: "sync", params: "[-full] [-rewrite] [-undirty] mboxfile", fn: cmdSync,
		help: "Synchronize an mbox file with its index, applying pending flag changes and expunges."},
	{name: "check", params: "mboxfile", fn: cmdCheck,
		help: "Report whether an mbox file changed since its last sync."},
	{name: "deliver", params: "[-sender address] mboxfile", fn: cmdDeliver,
		help: "Append a message read from stdin to an mbox file."},
	{name: "dump", params: "mboxfile", fn: cmdDump,
		help: "Print the index records for an mbox file."},
	{name: "config", params: "describe", fn: cmdConfig,
		help: "Print an annotated example configuration file."},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mboxsync [-config path] [-loglevel level] command ...")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "       mboxsync %s %s\n", c.name, c.params)
	}
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", "", "path to mboxsync.conf")
	flag.StringVar(&loglevel, "loglevel", "", "log level, overriding the config file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	loadConfig()

	for _, c := range commands {
		if c.name == args[0] {
			c.flag = flag.NewFlagSet("mboxsync "+c.name, flag.ExitOnError)
			c.flagArgs = args[1:]
			c.fn(c)
			return
		}
	}
	usage()
}

func loadConfig() {
	if configPath != "" {
		if err := sconf.ParseFile(configPath, &config); err != nil {
			xlog.Fatalx("parsing config file", err, mlog.Field("path", configPath))
		}
	}

	levels := map[string]mlog.Level{"": mlog.LevelError}
	if config.LogLevel != "" {
		l, ok := mlog.Levels[config.LogLevel]
		if !ok {
			xlog.Fatal("unknown log level", mlog.Field("level", config.LogLevel))
		}
		levels[""] = l
	}
	for pkg, s := range config.PackageLogLevels {
		l, ok := mlog.Levels[s]
		if !ok {
			xlog.Fatal("unknown log level", mlog.Field("level", s))
		}
		levels[pkg] = l
	}
	if loglevel != "" {
		l, ok := mlog.Levels[loglevel]
		if !ok {
			xlog.Fatal("unknown log level", mlog.Field("level", loglevel))
		}
		levels[""] = l
	}
	mlog.SetConfig(levels)
}

// indexPath returns the index database path belonging to an mbox file.
func indexPath(mboxPath string) string {
	return mboxPath + ".index"
}

func openFolder(mboxPath string) *mboxsync.Folder {
	ix, err := index.Open(indexPath(mboxPath))
	if err != nil {
		xlog.Fatalx("opening index", err, mlog.Field("path", indexPath(mboxPath)))
	}
	return &mboxsync.Folder{
		Path:          mboxPath,
		Index:         ix,
		KeepRecent:    config.KeepRecent,
		DelayWrites:   config.DelayWrites,
		SaveMD5:       config.SaveMD5,
		HeaderPadding: config.HeaderPadding,
		LockTimeout:   time.Duration(config.LockTimeoutSecs) * time.Second,
	}
}

func cmdSync(c *cmd) {
	var full, rewrite, undirty bool
	c.flag.BoolVar(&full, "full", false, "force a full sync, rescanning the whole file")
	c.flag.BoolVar(&rewrite, "rewrite", false, "write out deferred (dirty) header changes")
	c.flag.BoolVar(&undirty, "undirty", false, "rescan messages whose on-disk flags are marked stale")
	c.Parse()
	if len(c.args) != 1 {
		c.Usage()
	}

	f := openFolder(c.args[0])
	defer f.Index.Close()

	var flags mboxsync.SyncFlags
	if full {
		flags |= mboxsync.SyncForceFull
	}
	if rewrite {
		flags |= mboxsync.SyncRewrite
	}
	if undirty {
		flags |= mboxsync.SyncUndirty
	}

	if err := f.Sync(flags); err != nil {
		xlog.Fatalx("sync", err, mlog.Field("mbox", c.args[0]))
	}
}

func cmdCheck(c *cmd) {
	c.Parse()
	if len(c.args) != 1 {
		c.Usage()
	}

	f := openFolder(c.args[0])
	defer f.Index.Close()

	changed, err := f.HasChanged(true)
	if err != nil {
		xlog.Fatalx("check", err, mlog.Field("mbox", c.args[0]))
	}
	if changed {
		fmt.Println("changed")
		os.Exit(1)
	}
	fmt.Println("unchanged")
}

func cmdDeliver(c *cmd) {
	var sender string
	c.flag.StringVar(&sender, "sender", "MAILER-DAEMON", "envelope sender for the From-line")
	c.Parse()
	if len(c.args) != 1 {
		c.Usage()
	}

	msg, err := io.ReadAll(os.Stdin)
	if err != nil {
		xlog.Fatalx("reading message from stdin", err)
	}

	mf, err := os.OpenFile(c.args[0], os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		xlog.Fatalx("opening mbox", err)
	}
	defer mf.Close()

	timeout := time.Duration(config.LockTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lock, err := mboxlock.Acquire(mf, true, timeout)
	if err != nil {
		xlog.Fatalx("locking mbox", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			xlog.Errorx("releasing mbox lock", err)
		}
	}()

	if err := mbox.Deliver(mf, sender, time.Now(), msg); err != nil {
		xlog.Fatalx("delivering message", err, mlog.Field("mbox", c.args[0]))
	}
}

func cmdDump(c *cmd) {
	c.Parse()
	if len(c.args) != 1 {
		c.Usage()
	}

	ix, err := index.Open(indexPath(c.args[0]))
	if err != nil {
		xlog.Fatalx("opening index", err)
	}
	defer ix.Close()

	st, err := ix.Header()
	if err != nil {
		xlog.Fatalx("reading index state", err)
	}
	fmt.Printf("uidvalidity %d\nnextuid %d\nsyncstamp %d\nsyncsize %d\ncorrupted %v\n",
		st.UIDValidity, st.NextUID, st.SyncStamp, st.SyncSize, st.Corrupted)

	recs, err := ix.Records()
	if err != nil {
		xlog.Fatalx("listing records", err)
	}
	for _, r := range recs {
		kw := strings.Join(r.Keywords, ",")
		fmt.Printf("uid %d flags %#x keywords %q offset %d\n", r.UID(), r.Flags, kw, r.FromOffset)
	}
}

func cmdConfig(c *cmd) {
	c.Parse()
	if len(c.args) != 1 || c.args[0] != "describe" {
		c.Usage()
	}
	if err := sconf.Describe(os.Stdout, &Config{}); err != nil {
		xlog.Fatalx("describing config", err)
	}
}
