// Package server exposes the class machinery over gRPC for external
// tooling: listing and dumping linked classes, driving initialization,
// and reading runtime counters. The protobuf schema is assembled from
// descriptor builders at startup, so the binary carries no generated
// stubs and reflection-aware clients (grpcurl and friends) can still
// discover it.
package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/chazu/kiln/vm"
)

// Server wraps a gRPC server serving the inspection service for one
// runtime.
type Server struct {
	rt   *vm.Runtime
	svc  *inspectService
	grpc *grpc.Server
	log  commonlog.Logger

	mu  sync.Mutex
	lis net.Listener
}

// New builds a server around rt. Extra options are handed to the
// underlying gRPC server untouched.
func New(rt *vm.Runtime, opts ...grpc.ServerOption) (*Server, error) {
	svc, err := newInspectService(rt)
	if err != nil {
		return nil, err
	}
	s := &Server{
		rt:   rt,
		svc:  svc,
		grpc: grpc.NewServer(opts...),
		log:  commonlog.GetLogger("kiln.server"),
	}
	s.grpc.RegisterService(svc.serviceDesc(), svc)
	registerSchema(svc.fd, s.log)
	reflection.Register(s.grpc)
	return s, nil
}

// File returns the descriptor of the served schema; clients without
// reflection resolve methods through it.
func (s *Server) File() *desc.FileDescriptor { return s.svc.fd }

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	s.log.Noticef("inspect service on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// ListenAndServe binds addr and serves until Stop.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Addr returns the bound listener address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	s.log.Info("inspect service stopped")
}

// The dynamic schema goes into the process-global registry once, no
// matter how many servers a test spins up.
var registerSchemaOnce sync.Once

func registerSchema(fd *desc.FileDescriptor, log commonlog.Logger) {
	registerSchemaOnce.Do(func() {
		if err := protoregistry.GlobalFiles.RegisterFile(fd.UnwrapFile()); err != nil {
			log.Warningf("schema registration: %v", err)
		}
	})
}
