package logging

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DaemonLog is the append-only daemon log sink.
//
// Line format: [<ISO8601-millis-Z>] [<LEVEL>] <message>
// where LEVEL occupies five characters (DEBUG, INFO , WARN , ERROR).
// Writes are totally ordered by an internal mutex. Lifecycle messages are
// emitted at INFO regardless of the configured filter level.
type DaemonLog struct {
	mu     sync.Mutex
	out    io.WriteCloser
	level  Level
	now    func() time.Time
	closed bool
}

// DaemonLogPath returns the daemon log file location for a project.
func DaemonLogPath(projectPath string) string {
	return filepath.Join(projectPath, ".apex", "daemon.log")
}

// OpenDaemonLog opens (creating if needed) the daemon log for a project.
func OpenDaemonLog(projectPath string, level Level) *DaemonLog {
	writer := &lumberjack.Logger{
		Filename:   DaemonLogPath(projectPath),
		MaxSize:    50, // megabytes
		MaxBackups: 3,
	}
	return &DaemonLog{out: writer, level: level, now: time.Now}
}

// NewDaemonLogWriter wraps an arbitrary writer; used by tests.
func NewDaemonLogWriter(w io.WriteCloser, level Level) *DaemonLog {
	return &DaemonLog{out: w, level: level, now: time.Now}
}

// SetClock overrides the timestamp source; used by tests.
func (d *DaemonLog) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

func (d *DaemonLog) write(level Level, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.out == nil {
		return
	}
	stamp := d.now().UTC().Format("2006-01-02T15:04:05.000Z")
	fmt.Fprintf(d.out, "[%s] [%-5s] %s\n", stamp, level.String(), message)
}

// Lifecycle writes a start/stop/recovery message at INFO, bypassing the filter.
func (d *DaemonLog) Lifecycle(format string, args ...any) {
	d.write(LevelInfo, fmt.Sprintf(format, args...))
}

func (d *DaemonLog) log(level Level, format string, args ...any) {
	if level < d.level {
		return
	}
	d.write(level, fmt.Sprintf(format, args...))
}

func (d *DaemonLog) Debug(format string, args ...any) { d.log(LevelDebug, format, args...) }
func (d *DaemonLog) Info(format string, args ...any)  { d.log(LevelInfo, format, args...) }
func (d *DaemonLog) Warn(format string, args ...any)  { d.log(LevelWarn, format, args...) }
func (d *DaemonLog) Error(format string, args ...any) { d.log(LevelError, format, args...) }

// Close flushes and closes the underlying stream. Further writes are dropped.
func (d *DaemonLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.out == nil {
		return nil
	}
	return d.out.Close()
}
