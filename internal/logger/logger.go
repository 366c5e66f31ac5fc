package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12

	logRetention = 30 * 24 * time.Hour
)

// sink owns the writer goroutine and the daily log file. Handlers derived
// through WithAttrs/WithGroup share it.
type sink struct {
	ch          chan []byte
	writer      io.Writer
	console     io.Writer
	currentDay  int
	currentFile *os.File
	basePath    string
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

// NewAsyncHandler writes to console and, when basePath is not empty, to
// basePath/<date>.log rotated daily.
func NewAsyncHandler(console io.Writer, basePath string, logLevel slog.Level) *AsyncHandler {
	s := &sink{
		ch:       make(chan []byte, 1024),
		console:  console,
		writer:   console,
		basePath: basePath,
	}
	if basePath != "" {
		if err := s.rotateIfNeeded(time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		}
		s.cleanOldLogs(time.Now())
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

func (s *sink) cleanOldLogs(now time.Time) {
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > logRetention {
			_ = os.Remove(f)
		}
	}
}

func (s *sink) rotateIfNeeded(now time.Time) error {
	currentDay := now.YearDay()
	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		s.currentFile = nil
	}

	logPath := filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(s.console, f)
	return nil
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		if s.basePath != "" {
			if err := s.rotateIfNeeded(time.Now()); err != nil {
				fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			}
		}
		_, _ = s.writer.Write(data)
	}
}

func (s *sink) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		s.wg.Wait()
		if s.currentFile != nil {
			_ = s.currentFile.Sync()
			_ = s.currentFile.Close()
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func levelString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return color.MagentaString(level.String())
	case slog.LevelInfo:
		return color.BlueString(level.String())
	case slog.LevelWarn:
		return color.YellowString(level.String())
	case slog.LevelError:
		return color.RedString(level.String())
	case LevelFatal:
		return color.HiRedString("FATAL")
	}
	return level.String()
}

func (h *AsyncHandler) formatAttr(b *strings.Builder, attr slog.Attr) {
	key := attr.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	b.WriteString(color.CyanString(" %s=%v", key, attr.Value))
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(color.GreenString(r.Time.Format("2006-01-02T15:04:05")))
	b.WriteString(" | ")
	b.WriteString(fmt.Sprintf("%-5s", levelString(r.Level)))
	b.WriteString(" | ")
	b.WriteString(color.CyanString(r.Message))

	for _, attr := range h.attrs {
		h.formatAttr(&b, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.formatAttr(&b, attr)
		return true
	})
	b.WriteByte('\n')

	h.Write([]byte(b.String()))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)
	return &AsyncHandler{sink: h.sink, attrs: newAttrs, group: h.group, logLevel: h.logLevel}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &AsyncHandler{sink: h.sink, attrs: h.attrs, group: group, logLevel: h.logLevel}
}

func (h *AsyncHandler) Write(p []byte) {
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		// the sink is closed during shutdown; late records go to stderr
		if recover() != nil {
			_, _ = os.Stderr.Write(pb)
		}
	}()
	h.sink.ch <- pb
}

func (h *AsyncHandler) Close() error {
	h.sink.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

// Init installs the async handler as the slog default.
func Init(logDir string, debug bool) *ShutdownCallback {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(os.Stdout, logDir, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
