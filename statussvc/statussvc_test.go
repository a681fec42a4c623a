package statussvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/emptypb"
)

type fakeSource struct{ snap Snapshot }

func (f fakeSource) Snapshot() Snapshot { return f.snap }

func TestGetStatusReportsSnapshot(t *testing.T) {
	src := fakeSource{snap: Snapshot{
		Term: 6, EpochStartLsn: 0x100, CommitLsn: 0x500, TruncateLsn: 0x400,
		Acceptors: []AcceptorStatus{
			{Index: 0, Addr: "a:1", State: "Active", FlushLsn: 0x500},
		},
	}}
	s := NewServer(src)

	out, err := s.GetStatus(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	require.Equal(t, float64(6), out.Fields["term"].GetNumberValue())
	require.Equal(t, float64(0x500), out.Fields["commit_lsn"].GetNumberValue())

	acceptors := out.Fields["acceptors"].GetListValue().Values
	require.Len(t, acceptors, 1)
	require.Equal(t, "Active", acceptors[0].GetStructValue().Fields["state"].GetStringValue())
}
