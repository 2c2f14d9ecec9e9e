// Package mlog provides leveled logging with key/value fields.
//
// Logging strings should be constant, with variable data in fields, for
// easier log processing. Levels can be configured per originating package.
// The configuration is process-global.
package mlog

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int

const (
	LevelPrint Level = 0 // Printed regardless of configured log level.
	LevelFatal Level = 1 // Printed regardless of configured log level.
	LevelError Level = 2
	LevelInfo  Level = 3
	LevelDebug Level = 4
)

var LevelStrings = map[Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

var Levels = map[string]Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
}

// Holds a map[string]Level, mapping field pkg to a log level. The empty
// string is the fallback level.
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelError})
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]Level) {
	config.Store(c)
}

// Pair is a field/value pair for logged lines.
type Pair struct {
	key   string
	value any
}

// Field is a shorthand for making a Pair.
func Field(k string, v any) Pair {
	return Pair{k, v}
}

// Log logs lines, each with its configured fields added.
type Log struct {
	fields []Pair
}

// New returns a new Log instance. Each log invocation adds field "pkg".
func New(pkg string) *Log {
	return &Log{
		fields: []Pair{{"pkg", pkg}},
	}
}

// Fields returns a copy of l with fields added to each logged line.
func (l *Log) Fields(fields ...Pair) *Log {
	nl := *l
	nl.fields = append(fields, nl.fields...)
	return &nl
}

func (l *Log) Fatal(text string, fields ...Pair) { l.Fatalx(text, nil, fields...) }
func (l *Log) Fatalx(text string, err error, fields ...Pair) {
	l.plog(LevelFatal, err, text, fields...)
	os.Exit(1)
}

func (l *Log) Print(text string, fields ...Pair) bool {
	return l.logx(LevelPrint, nil, text, fields...)
}
func (l *Log) Printx(text string, err error, fields ...Pair) bool {
	return l.logx(LevelPrint, err, text, fields...)
}

func (l *Log) Debug(text string, fields ...Pair) bool {
	return l.logx(LevelDebug, nil, text, fields...)
}
func (l *Log) Debugx(text string, err error, fields ...Pair) bool {
	return l.logx(LevelDebug, err, text, fields...)
}

func (l *Log) Info(text string, fields ...Pair) bool { return l.logx(LevelInfo, nil, text, fields...) }
func (l *Log) Infox(text string, err error, fields ...Pair) bool {
	return l.logx(LevelInfo, err, text, fields...)
}

func (l *Log) Error(text string, fields ...Pair) bool {
	return l.logx(LevelError, nil, text, fields...)
}
func (l *Log) Errorx(text string, err error, fields ...Pair) bool {
	return l.logx(LevelError, err, text, fields...)
}

func (l *Log) logx(level Level, err error, text string, fields ...Pair) bool {
	if !l.match(level) {
		return false
	}
	l.plog(level, err, text, fields...)
	return true
}

func (l *Log) match(level Level) bool {
	if level <= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]Level)
	pkg := ""
	for _, f := range l.fields {
		if f.key == "pkg" {
			if s, ok := f.value.(string); ok {
				pkg = s
			}
			break
		}
	}
	high, ok := cl[pkg]
	if !ok {
		high = cl[""]
	}
	return level <= high
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		return strconv.FormatInt(r, 10)
	case uint32:
		return strconv.FormatUint(uint64(r), 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case error:
		return r.Error()
	case time.Time:
		return r.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}

var outMutex sync.Mutex

func (l *Log) plog(level Level, err error, text string, fields ...Pair) {
	var sb strings.Builder
	sb.WriteString("l=")
	sb.WriteString(LevelStrings[level])
	sb.WriteString(" m=")
	sb.WriteString(logfmtValue(text))
	if err != nil {
		sb.WriteString(" err=")
		sb.WriteString(logfmtValue(err.Error()))
	}
	for i := 0; i < len(fields); i++ {
		sb.WriteString(" " + fields[i].key + "=" + logfmtValue(stringValue(fields[i].value)))
	}
	for i := 0; i < len(l.fields); i++ {
		sb.WriteString(" " + l.fields[i].key + "=" + logfmtValue(stringValue(l.fields[i].value)))
	}
	sb.WriteString("\n")

	outMutex.Lock()
	defer outMutex.Unlock()
	_, werr := os.Stderr.WriteString(sb.String())
	if werr != nil {
		// Retry once. Failing to log is bad, we can't do much about it though.
		os.Stderr.WriteString(sb.String())
	}
}
