package ipcbackend

import (
	"context"
	"net"
	"sync/atomic"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"

	"github.com/enclavecore/primitives/elog"
	"github.com/enclavecore/primitives/entry"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/pstatus"
	"github.com/enclavecore/primitives/selector"
)

// Server is the trusted-side harness a spawned trusted image runs: it
// listens on the control socket the untrusted Backend dials, verifies the
// load-token handshake, and routes Entry RPCs into an entry.Registry.
type Server struct {
	// Registry holds the trusted-side entry handlers. Must not be nil.
	Registry *entry.Registry
	// SigningKey verifies load tokens; must match the Backend's key.
	SigningKey []byte
	// ImagePath is the trusted image path load tokens must assert,
	// typically this process's own executable path.
	ImagePath string
	// MaxConns bounds concurrent connections on the control socket.
	// Zero means unbounded.
	MaxConns int

	grpcServer *grpc.Server
	handshaken atomic.Bool
	aborted    atomic.Bool
}

// Serve listens on the Unix-domain socket at sockPath and serves until
// ctx is canceled, then drains in-flight RPCs and returns.
func (s *Server) Serve(ctx context.Context, sockPath string) error {
	log := elog.New("ipcserver")

	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		return err
	}
	if s.MaxConns > 0 {
		lis = netutil.LimitListener(lis, s.MaxConns)
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)

	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()

	log.WithField("socket", sockPath).WithField("image", s.ImagePath).
		Info("trusted-side server listening")
	return s.grpcServer.Serve(lis)
}

// Handshake verifies the presented load token. Entry RPCs are rejected
// until a handshake has succeeded.
func (s *Server) Handshake(_ context.Context, req *handshakeRequest) (*handshakeResponse, error) {
	if err := verifyLoadToken(req.Token, s.SigningKey, s.ImagePath); err != nil {
		return &handshakeResponse{OK: false, Message: err.Error()}, nil
	}
	s.handshaken.Store(true)
	return &handshakeResponse{OK: true}, nil
}

// Entry services one untrusted entry: it rebuilds the parameter stack
// from the request's frames, dispatches through the registry, and
// returns the resulting status and frames. The reserved Abort selector
// flips the server into a non-enterable state, mirroring what a real
// trusted runtime's abort does.
func (s *Server) Entry(_ context.Context, req *entryRequest) (*entryResponse, error) {
	if !s.handshaken.Load() {
		return failedEntry(pstatus.New(pstatus.KindFailedPrecondition, "ipcbackend: no handshake")), nil
	}
	if s.aborted.Load() {
		return failedEntry(pstatus.New(pstatus.KindFailedPrecondition, "ipcbackend: trusted side aborted")), nil
	}

	sel := selector.Selector(req.Selector)
	if sel == selector.Abort {
		s.aborted.Store(true)
		return &entryResponse{Code: pstatus.OK.Code}, nil
	}

	var stack paramstack.Stack
	stack.ReplaceFrames(req.Frames)

	status := s.Registry.Dispatch(sel, &stack)
	return &entryResponse{
		Code:    status.Code,
		Message: status.Message,
		Frames:  stack.Frames(),
	}, nil
}

func failedEntry(status pstatus.Status) *entryResponse {
	return &entryResponse{Code: status.Code, Message: status.Message}
}
