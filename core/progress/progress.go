package progress

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tjanez/tus/core/model"
	"github.com/tjanez/tus/lib/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log, _ = logger.New("progress")

// Logger appends structured records describing cursor positions, chunk
// transitions and the terminal outcome of a run to a durable log file. Every
// record is synced so a crash leaves a truthful partial log. Pipeline
// correctness never depends on logging: after the first write failure the
// logger reports once and disables itself.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	core     zapcore.Core
	disabled bool
}

// New opens the progress log for appending. An unwritable path is a fatal
// condition for the caller.
func New(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open progress log: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.LevelKey = ""
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), zapcore.InfoLevel)

	return &Logger{file: f, core: core}, nil
}

func (l *Logger) RecordCursor(offset int64) {
	l.record("cursor", zap.Int64("offset", offset))
}

func (l *Logger) RecordChunkBoundary(index int, length int64) {
	l.record("chunk", zap.Int("index", index), zap.Int64("length", length))
}

func (l *Logger) RecordTerminal(status model.SessionStatus, detail string) {
	l.record("terminal", zap.String("status", string(status)), zap.String("detail", detail))
}

func (l *Logger) RecordEngineOutput(line string) {
	l.record("engine", zap.String("line", line))
}

// EngineWriter adapts the logger into an io.Writer suitable for teeing the
// imaging engine's stderr, recording one entry per line.
func (l *Logger) EngineWriter() *EngineWriter {
	return &EngineWriter{logger: l}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disabled = true
	return l.file.Close()
}

func (l *Logger) record(event string, fields ...zap.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled {
		return
	}

	ent := zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Now(), Message: event}
	if err := l.core.Write(ent, fields); err != nil {
		l.disable(err)
		return
	}
	if err := l.file.Sync(); err != nil {
		l.disable(err)
	}
}

func (l *Logger) disable(err error) {
	l.disabled = true
	log.Errorw("progress log write failed, disabling progress logging", "error", err)
}

// EngineWriter buffers engine stderr and emits a record per complete line.
// Both newlines and carriage returns delimit lines, since partclone redraws
// its progress display with bare \r.
type EngineWriter struct {
	logger *Logger
	buf    bytes.Buffer
}

func (w *EngineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)

	for {
		i := bytes.IndexAny(w.buf.Bytes(), "\r\n")
		if i < 0 {
			// Partial line, keep it buffered for the next write.
			break
		}
		line := string(w.buf.Next(i + 1))
		if trimmed := trimLine(line); trimmed != "" {
			w.logger.RecordEngineOutput(trimmed)
		}
	}

	return len(p), nil
}

// Flush records any buffered partial line.
func (w *EngineWriter) Flush() {
	if trimmed := trimLine(w.buf.String()); trimmed != "" {
		w.logger.RecordEngineOutput(trimmed)
	}
	w.buf.Reset()
}

func trimLine(line string) string {
	return string(bytes.TrimRight([]byte(line), "\r\n"))
}
