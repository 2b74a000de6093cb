package rpcsrv

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/nsbpf/nsbpfd/internal/image"
	"github.com/nsbpf/nsbpfd/internal/lifecycle"
	"github.com/nsbpf/nsbpfd/internal/registry"
)

// Server implements every RPC the daemon exposes, delegating directly
// to an *lifecycle.Orchestrator. It holds no state of its own.
type Server struct {
	orch *lifecycle.Orchestrator
}

func NewServer(orch *lifecycle.Orchestrator) *Server {
	return &Server{orch: orch}
}

func (s *Server) addProgram(ctx context.Context, req *AddProgramRequest) (*AddProgramResponse, error) {
	p, err := s.orch.Add(req.toAddRequest())
	if err != nil {
		return nil, err
	}
	return &AddProgramResponse{Program: toView(p)}, nil
}

func (s *Server) removeProgram(ctx context.Context, req *RemoveProgramRequest) (*RemoveProgramResponse, error) {
	if err := s.orch.Remove(req.ID); err != nil {
		return nil, err
	}
	return &RemoveProgramResponse{}, nil
}

func (s *Server) getProgram(ctx context.Context, req *GetProgramRequest) (*GetProgramResponse, error) {
	p, err := s.orch.Get(req.ID)
	if err != nil {
		return nil, err
	}
	return &GetProgramResponse{Program: toView(p)}, nil
}

func (s *Server) listPrograms(ctx context.Context, req *ListProgramsRequest) (*ListProgramsResponse, error) {
	ps, err := s.orch.List(req.toListFilter())
	if err != nil {
		return nil, err
	}
	resp := &ListProgramsResponse{Programs: make([]ProgramView, len(ps))}
	for i, p := range ps {
		resp.Programs[i] = toView(p)
	}
	return resp, nil
}

func (s *Server) pullImage(ctx context.Context, req *PullImageRequest) (*PullImageResponse, error) {
	policy, err := image.ParsePullPolicy(req.PullPolicy)
	if err != nil {
		return nil, err
	}
	loc := registry.Location{
		ImageRef:   req.ImageRef,
		PullPolicy: string(policy),
		Username:   req.Username,
		Password:   req.Password,
	}
	path, err := s.orch.Pull(loc)
	if err != nil {
		return nil, err
	}
	return &PullImageResponse{LocalPath: path}, nil
}

const serviceName = "nsbpfd.v1.Daemon"

// unaryHandler adapts one of Server's typed methods to grpc's untyped
// methodHandler signature, decoding the request with whatever codec
// the transport negotiated (codecName, registered in codec.go).
func unaryHandler[Req, Resp any](method string, fn func(*Server, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		s, ok := srv.(*Server)
		if !ok {
			return nil, fmt.Errorf("rpcsrv: unexpected service type %T", srv)
		}
		if interceptor == nil {
			return fn(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(s, ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// ServiceDesc is registered against a *grpc.Server in server.go. No
// .proto/protoc toolchain is available in this build, so methods are
// wired by hand against the JSON codec rather than generated stubs
// (see codec.go).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddProgram", Handler: unaryHandler("AddProgram", (*Server).addProgram)},
		{MethodName: "RemoveProgram", Handler: unaryHandler("RemoveProgram", (*Server).removeProgram)},
		{MethodName: "GetProgram", Handler: unaryHandler("GetProgram", (*Server).getProgram)},
		{MethodName: "ListPrograms", Handler: unaryHandler("ListPrograms", (*Server).listPrograms)},
		{MethodName: "PullImage", Handler: unaryHandler("PullImage", (*Server).pullImage)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nsbpfd.proto",
}
