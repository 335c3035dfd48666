package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cascada-lang/cascada/runtime/outbuf"
)

func newTestBuffer(t *testing.T) *outbuf.Buffer {
	t.Helper()
	return outbuf.NewRoot()
}

func flattenTestBuffer(t *testing.T, buf *outbuf.Buffer) string {
	t.Helper()
	out, err := buf.Flatten(context.Background())
	require.NoError(t, err)
	return out
}
