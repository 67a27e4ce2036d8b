package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.lines = append(r.lines, "debug") }
func (r *recordingLogger) Info(format string, args ...any)  { r.lines = append(r.lines, "info") }
func (r *recordingLogger) Warn(format string, args ...any)  { r.lines = append(r.lines, "warn") }
func (r *recordingLogger) Error(format string, args ...any) { r.lines = append(r.lines, "error") }

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	var typed *recordingLogger
	assert.Equal(t, Nop(), OrNop(typed))

	real := &recordingLogger{}
	assert.Equal(t, Logger(real), OrNop(real))
}

func TestMultiFansOut(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}

	logger := Multi(a, nil, b)
	logger.Info("hello %s", "world")
	logger.Error("boom")

	require.Equal(t, []string{"info", "error"}, a.lines)
	require.Equal(t, []string{"info", "error"}, b.lines)
}

func TestMultiFlattensNested(t *testing.T) {
	a := &recordingLogger{}
	inner := Multi(a)
	outer := Multi(inner)
	outer.Warn("w")
	assert.Equal(t, []string{"warn"}, a.lines)
}

func TestComponentLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "warn", Output: &buf})
	defer Configure(Config{})

	logger := NewComponentLogger("test")
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("visible %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible 1")
	assert.Contains(t, out, "component=test")
}
