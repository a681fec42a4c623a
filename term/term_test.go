package term

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistoryValidate(t *testing.T) {
	ok := History{{1, 0x100}, {2, 0x100}, {4, 0x200}}
	require.NoError(t, ok.Validate())

	badTerm := History{{2, 0x100}, {1, 0x200}}
	require.Error(t, badTerm.Validate())

	badLSN := History{{1, 0x200}, {2, 0x100}}
	require.Error(t, badLSN.Validate())
}

func TestHistoryAppend(t *testing.T) {
	h := History{{1, 0x100}}
	h2 := h.Append(2, 0x200)
	require.Equal(t, History{{1, 0x100}}, h, "Append must not mutate receiver")
	require.Equal(t, History{{1, 0x100}, {2, 0x200}}, h2)
}

func TestHistoryAppendPanicsOnNonIncreasingTerm(t *testing.T) {
	h := History{{3, 0x100}}
	require.Panics(t, func() { h.Append(3, 0x200) })
	require.Panics(t, func() { h.Append(1, 0x200) })
}

func TestCommonPrefixIndex(t *testing.T) {
	a := History{{1, 0x100}, {3, 0x200}, {5, 0x300}}
	b := History{{1, 0x100}, {3, 0x200}}
	require.Equal(t, 1, a.CommonPrefixIndex(b))
	require.Equal(t, 1, b.CommonPrefixIndex(a))

	empty := History{}
	require.Equal(t, -1, a.CommonPrefixIndex(empty))

	diverged := History{{1, 0x100}, {4, 0x900}}
	require.Equal(t, 0, a.CommonPrefixIndex(diverged))
}

func TestCommonPrefixIndexPanicsOnDivergentLSN(t *testing.T) {
	a := History{{1, 0x100}}
	b := History{{1, 0x200}}
	require.Panics(t, func() { a.CommonPrefixIndex(b) })
}

func TestLastTerm(t *testing.T) {
	require.Equal(t, Term(0), History{}.LastTerm())
	require.Equal(t, Term(5), History{{1, 0}, {5, 0x10}}.LastTerm())
}

func TestLSNString(t *testing.T) {
	require.Equal(t, "1/100", LSN(0x100000100).String())
}
