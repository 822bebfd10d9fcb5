// Package applog writes one-line structured events to the agent's log file.
package applog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	fileName    = "readeasy.log"
	maxFileSize = 5 << 20 // 5 MB
	maxValueLen = 200
	truncSuffix = "…"
)

var (
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
)

// Init opens dir/readeasy.log for appending, rotating it to .log.1 first if
// it has grown past 5 MB. All log calls are no-ops until Init or SetOutput.
func Init(dir string) error {
	path := filepath.Join(dir, fileName)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if info, err := os.Stat(path); err == nil && info.Size() > maxFileSize {
		os.Rename(path, path+".1")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	mu.Lock()
	if closer != nil {
		closer.Close()
	}
	out, closer = f, f
	mu.Unlock()
	return nil
}

// SetOutput sends log lines to w instead of a file. Passing nil disables logging.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
		closer = nil
	}
	out = w
}

// Close closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
	}
	out, closer = nil, nil
}

// Info logs a structured event line.
//
//	applog.Info("ws.connected", "tab", 12)
//	applog.Info("settings.merged", "keys", "fontSize")
func Info(event string, kv ...any) {
	write("INFO", event, nil, kv)
}

// Warn logs a degraded-but-handled condition, such as an unreachable server.
func Warn(event string, err error, kv ...any) {
	write("WARN", event, err, kv)
}

// Error logs an event with an error.
//
//	applog.Error("remote.push", err, "user", id)
func Error(event string, err error, kv ...any) {
	write("ERROR", event, err, kv)
}

func write(level, event string, err error, kv []any) {
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteByte(' ')
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(event)

	if err != nil {
		b.WriteString(" err=")
		b.WriteString(quote(err.Error()))
	}

	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteByte(' ')
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteByte('=')
		b.WriteString(quote(fmt.Sprint(kv[i+1])))
	}
	b.WriteByte('\n')

	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		io.WriteString(out, b.String())
	}
}

func quote(s string) string {
	if len(s) > maxValueLen {
		s = s[:maxValueLen] + truncSuffix
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
	}
	return s
}
