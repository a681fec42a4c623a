//go:build linux

package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollerSignalWakesWait(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Reset(nil))
	require.NoError(t, p.Signal())

	res, err := p.Wait(time.Second)
	require.NoError(t, err)
	require.True(t, res.Woken)
}

func TestPollerWaitTimesOutWithNoEvents(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Reset(nil))
	res, err := p.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.False(t, res.Woken)
}
