// Package statussvc exposes a read-only snapshot of the running proposer
// over gRPC (spec.md §9's capability surface includes a "log sink" the
// operator can observe without touching the single-threaded core). The
// service descriptor is hand-written against the well-known
// google.golang.org/protobuf/types/known packages so the module needs no
// protoc codegen step for a payload this small.
package statussvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// AcceptorStatus is one row of the acceptor table in a status snapshot.
type AcceptorStatus struct {
	Index    int
	Addr     string
	State    string
	FlushLsn uint64
}

// Snapshot is the read-only view of proposer state this service reports.
type Snapshot struct {
	Term          uint64
	EpochStartLsn uint64
	CommitLsn     uint64
	TruncateLsn   uint64
	AvailableLsn  uint64
	Backpressure  uint64
	Acceptors     []AcceptorStatus
}

// Source is the one method statussvc needs from proposer.Proposer, kept
// narrow so tests can supply a fake snapshot without a live Proposer.
type Source interface {
	Snapshot() Snapshot
}

// StatusServiceServer is the hand-written gRPC service contract: one
// read-only RPC, Empty in, a generic Struct out.
type StatusServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Server adapts a Source into a StatusServiceServer.
type Server struct {
	source Source
}

// NewServer constructs a Server backed by source.
func NewServer(source Source) *Server {
	return &Server{source: source}
}

func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := s.source.Snapshot()

	acceptors := make([]interface{}, len(snap.Acceptors))
	for i, a := range snap.Acceptors {
		acceptors[i] = map[string]interface{}{
			"index":     float64(a.Index),
			"addr":      a.Addr,
			"state":     a.State,
			"flush_lsn": float64(a.FlushLsn),
		}
	}

	return structpb.NewStruct(map[string]interface{}{
		"term":            float64(snap.Term),
		"epoch_start_lsn": float64(snap.EpochStartLsn),
		"commit_lsn":      float64(snap.CommitLsn),
		"truncate_lsn":    float64(snap.TruncateLsn),
		"available_lsn":   float64(snap.AvailableLsn),
		"backpressure":    float64(snap.Backpressure),
		"acceptors":       acceptors,
	})
}

// Register attaches the status service to a grpc.Server (or any
// grpc.ServiceRegistrar, e.g. in tests).
func Register(reg grpc.ServiceRegistrar, srv StatusServiceServer) {
	reg.RegisterService(&serviceDesc, srv)
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/walproposer.StatusService/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServiceServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "walproposer.StatusService",
	HandlerType: (*StatusServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "statussvc.proto",
}
