package rpcsrv

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/nsbpf/nsbpfd/internal/config"
	"github.com/nsbpf/nsbpfd/internal/lifecycle"
)

// Listener is one bound Unix socket a *grpc.Server is serving on,
// paired with the listener so Close can clean up the socket file.
type Listener struct {
	Path string
	grpcServer *grpc.Server
	netListener net.Listener
}

// Serve blocks accepting connections until the underlying grpc.Server
// stops.
func (l *Listener) Serve() error {
	return l.grpcServer.Serve(l.netListener)
}

// Close stops accepting new RPCs, waits for in-flight ones to
// complete, and removes the socket file.
func (l *Listener) Close() {
	l.grpcServer.GracefulStop()
	_ = os.Remove(l.Path)
}

// Listen binds one *grpc.Server per enabled, "unix"-typed endpoint in
// cfg.GRPC.Endpoints, each wrapping orch and logging every RPC via
// accessLogInterceptor.
func Listen(cfg *config.GRPCConfig, orch *lifecycle.Orchestrator, accessLog *logrus.Logger) ([]*Listener, error) {
	srv := NewServer(orch)
	var out []*Listener
	for _, ep := range cfg.Endpoints {
		if !ep.IsEnabled() {
			continue
		}
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		_ = os.Remove(ep.Path)
		nl, err := net.Listen("unix", ep.Path)
		if err != nil {
			for _, l := range out {
				l.Close()
			}
			return nil, fmt.Errorf("listen on %s: %w", ep.Path, err)
		}
		gs := grpc.NewServer(grpc.UnaryInterceptor(accessLogInterceptor(accessLog)))
		gs.RegisterService(&ServiceDesc, srv)
		out = append(out, &Listener{Path: ep.Path, grpcServer: gs, netListener: nl})
	}
	return out, nil
}

// accessLogInterceptor logs one structured line per RPC with its
// method, duration, and outcome, matching the teacher's own choice of
// github.com/sirupsen/logrus for its access-log surface.
func accessLogInterceptor(log *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := logrus.Fields{
			"method":   info.FullMethod,
			"duration": time.Since(start).String(),
		}
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("rpc failed")
		} else {
			log.WithFields(fields).Info("rpc ok")
		}
		return resp, err
	}
}
