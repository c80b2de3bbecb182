// Package audit implements the structured audit log: one JSON line per
// security-relevant event, written through a non-blocking buffered channel so
// emission never stalls the request path. If the channel fills up
// (> 10 000 entries), new entries are dropped and counted in Dropped.
//
// Records go to stdout as JSON lines; AUDIT_LOG_FILE adds a file sink.
// Downstream log aggregators (CloudWatch, Elastic, Splunk) ingest the lines
// directly — no parsing rules needed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	loggerName    = "gateway.audit"
	channelBuffer = 10_000
)

// Fields carries the per-event audit payload merged into the JSON record.
type Fields map[string]any

type entry struct {
	level     slog.Level
	message   string
	requestID string
	fields    Fields
}

// Logger is the thread-safe audit sink.
type Logger struct {
	ch        chan entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	out  *slog.Logger
	file io.Closer
}

// New creates a Logger writing to stdout and, when filePath is non-empty, to
// that file as well. The file is created if missing and appended to otherwise.
func New(level slog.Level, filePath string) (*Logger, error) {
	var w io.Writer = os.Stdout
	var fc io.Closer

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("audit: open %s: %w", filePath, err)
		}
		w = io.MultiWriter(os.Stdout, f)
		fc = f
	}

	l := NewWithWriter(w, level)
	l.file = fc
	return l, nil
}

// NewWithWriter creates a Logger writing to w. Used by tests to capture
// records; production code goes through New.
func NewWithWriter(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				// ISO-8601 UTC, matching the wire shape log collectors expect.
				return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
			case slog.MessageKey:
				return slog.String("message", a.Value.String())
			}
			return a
		},
	})

	l := &Logger{
		ch:   make(chan entry, channelBuffer),
		done: make(chan struct{}),
		out:  slog.New(handler).With(slog.String("logger", loggerName)),
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Info enqueues an INFO-level audit record. Never blocks.
func (l *Logger) Info(requestID, message string, fields Fields) {
	l.log(slog.LevelInfo, requestID, message, fields)
}

// Warn enqueues a WARN-level audit record. Never blocks.
func (l *Logger) Warn(requestID, message string, fields Fields) {
	l.log(slog.LevelWarn, requestID, message, fields)
}

func (l *Logger) log(level slog.Level, requestID, message string, fields Fields) {
	select {
	case l.ch <- entry{level: level, message: message, requestID: requestID, fields: fields}:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped returns the number of records discarded due to a full buffer.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains pending records and releases the file sink. Safe to call more
// than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	emit := func(e entry) {
		attrs := make([]slog.Attr, 0, 1+len(e.fields))
		attrs = append(attrs, slog.String("request_id", e.requestID))
		for k, v := range e.fields {
			attrs = append(attrs, slog.Any(k, normalize(v)))
		}
		l.out.LogAttrs(context.Background(), e.level, e.message, attrs...)
	}

	for {
		select {
		case e := <-l.ch:
			emit(e)
		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					emit(e)
				default:
					return
				}
			}
		}
	}
}

// normalize keeps JSON-encodable values as-is and stringifies everything else
// rather than dropping it from the record.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		[]string, []any, map[string]any:
		return v
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	return fmt.Sprint(v)
}

// NewRequestID returns the 12-hex-char id attached to every request and its
// audit records.
func NewRequestID() string {
	id := uuid.New()
	const hextable = "0123456789abcdef"
	buf := make([]byte, 12)
	for i := 0; i < 6; i++ {
		buf[i*2] = hextable[id[i]>>4]
		buf[i*2+1] = hextable[id[i]&0x0f]
	}
	return string(buf)
}
