package main

// Config is the mboxsync.conf configuration file.
type Config struct {
	LogLevel         string            `sconf:"optional" sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. mboxsync, index, mbox)."`
	HeaderPadding    int               `sconf:"optional" sconf-doc:"Padding in bytes written at the end of the mutable headers of each rewritten message, absorbing future header growth without rewriting the file. Default 64."`
	SaveMD5          bool              `sconf:"optional" sconf-doc:"Always store a digest of each message header in the index, so messages keep their identity even when X-UID headers cannot be trusted or written."`
	DelayWrites      bool              `sconf:"optional" sconf-doc:"Do not rewrite message headers for flag changes during normal syncs. Changed flags are kept in the index, marked dirty, and written out when a sync with the rewrite flag runs."`
	KeepRecent       bool              `sconf:"optional" sconf-doc:"Do not rewrite headers just to mark messages as no longer recent. Some setups want the recent state preserved for other mail readers."`
	LockTimeoutSecs  int               `sconf:"optional" sconf-doc:"Seconds to wait for the advisory lock on an mbox file. Default 10."`
}
