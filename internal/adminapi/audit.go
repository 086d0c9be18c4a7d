// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEntry is one line of the audit log: who did what, to which
// resource, and what the API returned.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	ClientIP  string    `json:"client_ip"`
}

// AuditLogger writes one JSON line per destructive admin action to a
// size-rotated file. Unlike the teacher's hand-rolled rotation (manual
// stat-and-rename on every write), rotation itself is delegated to
// lumberjack.v2, which the teacher's go.mod already carries but never wires
// up — this is that wiring.
type AuditLogger struct {
	out *lumberjack.Logger
}

// NewAuditLogger opens (or creates) the audit log at path, rotating once it
// exceeds maxSizeMB and keeping at most maxBackups rotated files.
func NewAuditLogger(path string, maxSizeMB, maxBackups int) *AuditLogger {
	return &AuditLogger{out: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}
}

// Log appends entry as a single JSON line.
func (l *AuditLogger) Log(entry AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = l.out.Write(line)
	return err
}

// Close flushes and closes the underlying rotated file.
func (l *AuditLogger) Close() error {
	return l.out.Close()
}
