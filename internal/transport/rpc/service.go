// Package rpc bridges contexts in other processes onto the daemon's host
// over gRPC. The service is declared by hand; both methods carry wire frames
// as JSON inside BytesValue messages:
//
//	service Host {
//	  rpc Send(google.protobuf.BytesValue) returns (google.protobuf.BytesValue);
//	  rpc Attach(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue);
//	}
//
// Send delivers one request frame to a context on the host. Attach registers
// the caller as a context: its first frame is a hello, after which the
// server streams requests addressed to it and reads back its responses.
//
// The Attach response header carries a session token. A Send whose frame
// names an attached context as its origin must present that token, so one
// socket client cannot speak for a context another client attached.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName  = "scrollr.v1.Host"
	sendMethod   = "/" + serviceName + "/Send"
	attachMethod = "/" + serviceName + "/Attach"

	// sessionHeader is the metadata key of the token issued on Attach.
	sessionHeader = "x-scrollr-session"
)

type hostServer interface {
	Send(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Attach(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*hostServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Send",
		Handler:    sendHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Attach",
		Handler:       attachHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "scrollr/v1/host.proto",
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(hostServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(hostServer).Send(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(hostServer).Attach(stream)
}
