package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
	seen  chan struct{}
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{seen: make(chan struct{}, 4)}
}

func (l *captureLogger) Error(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
	l.seen <- struct{}{}
}

func (l *captureLogger) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return ""
	}
	return l.lines[len(l.lines)-1]
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "runner", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoReportsPanicWithLabel(t *testing.T) {
	logger := newCaptureLogger()
	Go(logger, "heartbeat-job-1", func() { panic("boom") })

	select {
	case <-logger.seen:
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
	line := logger.last()
	require.NotEmpty(t, line)
	assert.Contains(t, line, "heartbeat-job-1")
	assert.Contains(t, line, "boom")
	assert.Contains(t, line, "goroutine.go")
}

func TestRecoverEmptyLabelFallsBack(t *testing.T) {
	logger := newCaptureLogger()
	func() {
		defer Recover(logger, "")
		panic("nameless")
	}()
	require.Len(t, logger.lines, 1)
	assert.Contains(t, logger.lines[0], "unnamed")
}

func TestRecoverNilLoggerSwallowsPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		func() {
			defer Recover(nil, "quiet")
			panic("dropped")
		}()
	})
}

func TestRecoverWithoutPanicIsNoop(t *testing.T) {
	logger := newCaptureLogger()
	func() {
		defer Recover(logger, "calm")
	}()
	assert.False(t, strings.Contains(logger.last(), "calm"))
	assert.Empty(t, logger.lines)
}
