package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	require.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	l.Info("action.succeeded", String("kind", "like"), Int("daily", 3), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "action.succeeded", m["message"])
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, "like", m["kind"])
	assert.EqualValues(t, 3, m["daily"])
	assert.Equal(t, "boom", m[zerolog.ErrorFieldName])
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.True(t, l.Enabled(LevelError))
	assert.False(t, l.Enabled(LevelDebug))
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "info", "DEBUG", "warning", "error", "trace"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("verbose"))
}
