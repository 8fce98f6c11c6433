package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"strategia.ai/internal/sim/world"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// FrameJournal records every outbound frame. cmd/replay rebuilds a client
// mirror from it.
type FrameJournal struct{ w *JSONLZstdWriter }

func NewFrameJournal(worldDir string) *FrameJournal {
	return &FrameJournal{w: NewJSONLZstdWriter(filepath.Join(worldDir, "frames"), "frames")}
}

func (l *FrameJournal) WriteFrame(v world.FrameEntry) error { return l.w.Write(v) }
func (l *FrameJournal) Close() error                        { return l.w.Close() }

// FlushLogger writes one JSONL entry per non-empty flush (compressed).
type FlushLogger struct{ w *JSONLZstdWriter }

func NewFlushLogger(worldDir string) *FlushLogger {
	return &FlushLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "flushes"), "flushes")}
}

func (l *FlushLogger) WriteFlush(v world.FlushEntry) error { return l.w.Write(v) }
func (l *FlushLogger) Close() error                        { return l.w.Close() }

// SessionLogger writes client join/leave/watch entries (compressed).
type SessionLogger struct{ w *JSONLZstdWriter }

func NewSessionLogger(worldDir string) *SessionLogger {
	return &SessionLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "sessions"), "sessions")}
}

func (l *SessionLogger) WriteSession(v world.SessionEntry) error { return l.w.Write(v) }
func (l *SessionLogger) Close() error                            { return l.w.Close() }
