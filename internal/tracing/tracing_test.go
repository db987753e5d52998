package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracingFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "spans.txt")
	require.NoError(t, Init("crmflow", "test", fname))

	ctx, span := StartSpan(context.Background(), "proposal.execute", "INTERNAL")
	span.WithAttributes(map[string]string{"proposal.id": "p1"})
	_, child := StartSpan(ctx, "mutator.apply", "CLIENT")
	EndSpan(child, errors.New("boom"))
	EndSpan(span, nil)
	require.NoError(t, Shutdown(context.Background()))

	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	require.Contains(t, string(data), "proposal.execute")
	require.Contains(t, string(data), "boom")
}

func TestNilSpanIsSafe(t *testing.T) {
	var sp *Span
	sp.WithAttributes(map[string]string{"a": "b"})
	sp.SetStatus(nil)
	EndSpan(sp, nil)
}
