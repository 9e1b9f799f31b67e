package shell

import (
	"context"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// LineSink receives remote output line by line while the command runs.
type LineSink interface {
	Info(line string)
	Error(line string)
}

type sinkKey struct{}

// ContextWithSink returns a context that routes the output of every command run with it to the sink.
func ContextWithSink(ctx context.Context, s LineSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

func sinkFrom(ctx context.Context, fallback LineSink) LineSink {
	if s, ok := ctx.Value(sinkKey{}).(LineSink); ok && s != nil {
		return s
	}
	return fallback
}

// Discard drops every line.
type Discard struct{}

// Info implements LineSink.
func (Discard) Info(string) {}

// Error implements LineSink.
func (Discard) Error(string) {}

// NewLoggerSink forwards lines to the logger at debug level.
func NewLoggerSink(logger log.Logger) LineSink {
	return loggerSink{logger: logger}
}

type loggerSink struct {
	logger log.Logger
}

func (s loggerSink) Info(line string) {
	_ = level.Debug(s.logger).Log("stream", "stdout", "line", line)
}

func (s loggerSink) Error(line string) {
	_ = level.Debug(s.logger).Log("stream", "stderr", "line", line)
}

// Buffer keeps every line and optionally mirrors it to another sink.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	tee   LineSink
}

// NewBuffer creates a new buffer.
func NewBuffer(tee LineSink) *Buffer {
	if tee == nil {
		tee = Discard{}
	}
	return &Buffer{tee: tee}
}

// Info implements LineSink.
func (b *Buffer) Info(line string) {
	b.add(line)
	b.tee.Info(line)
}

// Error implements LineSink.
func (b *Buffer) Error(line string) {
	b.add("ERR: " + line)
	b.tee.Error(line)
}

// Note appends a line that did not come from a remote command.
func (b *Buffer) Note(line string) {
	b.add(line)
}

func (b *Buffer) add(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

// String returns all lines.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
