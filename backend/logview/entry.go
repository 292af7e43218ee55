// Package logview reads the application's JSON log back for the log viewer:
// parsing, severity and time filtering, search and newest-first ordering.
package logview

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Severity of a log entry. UNKNOWN ranks above FATAL so a threshold never
// hides records with an unrecognised level.
type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Error
	Fatal
	Unknown
)

var severityNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL", "UNKNOWN"}

func (s Severity) String() string {
	if s < Debug || s > Unknown {
		return severityNames[Unknown]
	}
	return severityNames[s]
}

// MarshalText writes the severity name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity maps a level name to a Severity. slog's offset levels such
// as "ERROR+2" map to their base level. Anything unrecognised is Unknown.
func ParseSeverity(s string) Severity {
	name := strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexAny(name, "+-"); i > 0 {
		name = name[:i]
	}
	switch name {
	case "DEBUG":
		return Debug
	case "INFO":
		return Info
	case "WARN", "WARNING":
		return Warn
	case "ERROR":
		return Error
	case "FATAL":
		return Fatal
	}
	return Unknown
}

// ParseThreshold parses a user-supplied minimum severity. Unlike
// ParseSeverity it rejects unrecognised names, which would otherwise rank
// as Unknown and hide every ordinary entry.
func ParseThreshold(s string) (Severity, error) {
	level := ParseSeverity(s)
	if level == Unknown && !strings.EqualFold(strings.TrimSpace(s), "unknown") {
		return Unknown, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Entry is one parsed log line
type Entry struct {
	Index   int            `json:"index"`
	Level   Severity       `json:"level"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message"`
	App     string         `json:"app,omitempty"`
	Version string         `json:"version,omitempty"`
	PID     int            `json:"pid,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ParseLine parses one JSON log line. Lines without a level, a valid time
// and a message are rejected.
func ParseLine(line string) (Entry, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return Entry{}, false
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Entry{}, false
	}

	level, ok := rec["level"].(string)
	if !ok {
		return Entry{}, false
	}
	msg, ok := rec["msg"].(string)
	if !ok {
		return Entry{}, false
	}
	ts, ok := rec["time"].(string)
	if !ok {
		return Entry{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, false
	}

	e := Entry{
		Level:   ParseSeverity(level),
		Time:    t,
		Message: msg,
	}
	e.App, _ = rec["app"].(string)
	e.Version, _ = rec["version"].(string)
	if pid, ok := rec["pid"].(float64); ok {
		e.PID = int(pid)
	}

	for _, k := range []string{"level", "msg", "time", "app", "version", "pid"} {
		delete(rec, k)
	}
	if len(rec) > 0 {
		e.Attrs = rec
	}
	return e, true
}

// maxLineSize is the longest line ReadLog will parse. Longer lines are
// skipped like any other unparsable line.
var maxLineSize = 4 * 1024 * 1024

// ReadLog reads the whole file and returns its parsable entries in file
// order. Index is the zero-based line number, so skipped lines leave gaps.
func ReadLog(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	var (
		entries []Entry
		line    []byte
		tooLong bool
	)
	reader := bufio.NewReaderSize(f, 64*1024)

	for i := 0; ; {
		chunk, isPrefix, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log: %w", err)
		}

		if !tooLong && len(line)+len(chunk) > maxLineSize {
			tooLong = true
			line = line[:0]
		}
		if !tooLong {
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}

		if !tooLong {
			if e, ok := ParseLine(string(line)); ok {
				e.Index = i
				entries = append(entries, e)
			}
		}
		line = line[:0]
		tooLong = false
		i++
	}
	return entries, nil
}
