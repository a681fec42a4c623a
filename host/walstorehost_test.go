package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"WP/term"
)

func TestWalStoreHostAppendAndRead(t *testing.T) {
	h, err := NewWalStoreHost(t.TempDir(), term.LSN(0x100))
	require.NoError(t, err)
	defer h.Close(context.Background())

	require.NoError(t, h.Append([]byte("hello ")))
	require.NoError(t, h.Append([]byte("world")))

	avail, err := h.AvailableLsn(context.Background())
	require.NoError(t, err)
	require.Equal(t, term.LSN(0x100+len("hello world")), avail)

	redo, err := h.RedoStartLsn(context.Background())
	require.NoError(t, err)
	require.Equal(t, term.LSN(0x100), redo)

	b, err := h.ReadWAL(context.Background(), 0x100, avail)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(b))
}

func TestWalStoreHostFinishSyncSafekeepers(t *testing.T) {
	h, err := NewWalStoreHost(t.TempDir(), term.InvalidLSN)
	require.NoError(t, err)
	defer h.Close(context.Background())

	require.False(t, h.Finished())
	require.NoError(t, h.FinishSyncSafekeepers(context.Background(), 0x500))
	require.True(t, h.Finished())
}
