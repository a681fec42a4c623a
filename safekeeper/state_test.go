package safekeeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"WP/term"
)

func TestWantsWriteConnecting(t *testing.T) {
	a := NewAcceptor(0, "sk1:5454", nil)
	a.State = ConnectingWrite
	require.True(t, a.WantsWrite(1000))
}

func TestWantsWriteActiveBehindAvailable(t *testing.T) {
	a := NewAcceptor(0, "sk1:5454", nil)
	a.State = Active
	a.StreamingAt = term.LSN(100)
	require.True(t, a.WantsWrite(term.LSN(200)))
	a.StreamingAt = term.LSN(200)
	require.False(t, a.WantsWrite(term.LSN(200)))
}

func TestWantsWriteActiveFlushPending(t *testing.T) {
	a := NewAcceptor(0, "sk1:5454", nil)
	a.State = Active
	a.StreamingAt = term.LSN(200)
	a.FlushWrite = true
	require.True(t, a.WantsWrite(term.LSN(200)))
}

func TestWantsWriteIdleNeverWrites(t *testing.T) {
	a := NewAcceptor(0, "sk1:5454", nil)
	a.State = Idle
	require.False(t, a.WantsWrite(term.LSN(1000)))
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "Offline", Offline.String())
	require.Equal(t, "Active", Active.String())
	require.Equal(t, "Unknown", State(99).String())
}

func TestInactiveRespectsTimeout(t *testing.T) {
	a := NewAcceptor(0, "sk1:5454", nil)
	a.State = Active
	require.False(t, a.Inactive(time.Now(), 0)) // zero LatestMsgReceivedAt: never flagged

	a.LatestMsgReceivedAt = time.Now().Add(-time.Minute)
	require.True(t, a.Inactive(time.Now(), time.Second))
	require.False(t, a.Inactive(time.Now(), time.Hour))
}
