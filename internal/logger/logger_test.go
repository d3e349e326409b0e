package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, "test")

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "component=test")
}

func TestCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, "")

	ctx := WithCorrelation(context.Background(), Correlation{ClientID: "shell", RequestID: "r-1"})
	l.FromContext(ctx).With("catalog", "fashion").Info("committed")

	out := buf.String()
	assert.Contains(t, out, "client=shell")
	assert.Contains(t, out, "request=r-1")
	assert.Contains(t, out, "catalog=fashion")

	c, ok := CorrelationFrom(context.Background())
	assert.False(t, ok)
	assert.Equal(t, Correlation{}, c)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel("whatever"))
}
