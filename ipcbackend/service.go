package ipcbackend

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified gRPC service name used for both the
// client's Invoke calls and the server's registered ServiceDesc.
const serviceName = "enclaveprim.ipc.Trusted"

// trustedServer is implemented by the trusted-side harness (Server in
// server.go) and invoked by the hand-written method handlers below in
// place of protoc-generated dispatch code.
type trustedServer interface {
	Handshake(ctx context.Context, req *handshakeRequest) (*handshakeResponse, error)
	Entry(ctx context.Context, req *entryRequest) (*entryResponse, error)
}

func handshakeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(handshakeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(trustedServer).Handshake(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Handshake"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(trustedServer).Handshake(ctx, req.(*handshakeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func entryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(entryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(trustedServer).Entry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Entry"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(trustedServer).Entry(ctx, req.(*entryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc describes the Trusted service to grpc.Server.RegisterService,
// in place of the ServiceDesc a .proto file would otherwise generate.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*trustedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handshake", Handler: handshakeHandler},
		{MethodName: "Entry", Handler: entryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ipcbackend",
}
