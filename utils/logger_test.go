package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaultArgs_Accumulates(t *testing.T) {
	ctx := WithDefaultArgs(context.Background(), "pass", 1)
	ctx = WithDefaultArgs(ctx, "item", "a")
	assert.Equal(t, []any{"pass", 1, "item", "a"}, getDefaultArgs(ctx))

	// a fresh context carries nothing
	assert.Empty(t, getDefaultArgs(context.Background()))
}

func TestDefaultLogger_CtxCarriesDefaultArgs(t *testing.T) {
	var buf bytes.Buffer
	d := &DefaultLogger{logger: slog.New(slog.NewTextHandler(&buf, nil))}

	ctx := WithDefaultArgs(context.Background(), "pass", 2)
	d.WarnCtx(ctx, "item past retry cap", "item", "q1")

	out := buf.String()
	assert.Contains(t, out, prefix+"item past retry cap")
	assert.Contains(t, out, "item=q1")
	assert.Contains(t, out, "pass=2")

	buf.Reset()
	d.InfoCtx(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "pass=")
}
