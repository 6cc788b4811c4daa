// Copyright 2024 The Torii Authors
// This file is part of Torii.
//
// Torii is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Torii is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Torii. If not, see <http://www.gnu.org/licenses/>.

package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/anypb"
)

// ToriiServer is the interface proto/torii.proto's Torii service describes. Every
// request/response is an *anypb.Any wrapping a google.protobuf.Struct, per this
// package's doc comment.
type ToriiServer interface {
	GetVersion(ctx context.Context, req *anypb.Any) (*anypb.Any, error)
	ListTopics(ctx context.Context, req *anypb.Any) (*anypb.Any, error)
	SubscribeToTopicsStream(req *anypb.Any, stream ToriiSubscribeToTopicsStreamServer) error
	SubscribeToTopics(stream ToriiSubscribeToTopicsServer) error
}

// ToriiSubscribeToTopicsStreamServer is the server-streaming half of
// SubscribeToTopicsStream.
type ToriiSubscribeToTopicsStreamServer interface {
	Send(*anypb.Any) error
	grpc.ServerStream
}

type toriiSubscribeToTopicsStreamServer struct{ grpc.ServerStream }

func (x *toriiSubscribeToTopicsStreamServer) Send(m *anypb.Any) error {
	return x.ServerStream.SendMsg(m)
}

// ToriiSubscribeToTopicsServer is the bidirectional-streaming half of
// SubscribeToTopics.
type ToriiSubscribeToTopicsServer interface {
	Send(*anypb.Any) error
	Recv() (*anypb.Any, error)
	grpc.ServerStream
}

type toriiSubscribeToTopicsServer struct{ grpc.ServerStream }

func (x *toriiSubscribeToTopicsServer) Send(m *anypb.Any) error {
	return x.ServerStream.SendMsg(m)
}

func (x *toriiSubscribeToTopicsServer) Recv() (*anypb.Any, error) {
	m := new(anypb.Any)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Torii_GetVersion_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(anypb.Any)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToriiServer).GetVersion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/torii.Torii/GetVersion"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ToriiServer).GetVersion(ctx, req.(*anypb.Any))
	}
	return interceptor(ctx, in, info, handler)
}

func _Torii_ListTopics_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(anypb.Any)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToriiServer).ListTopics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/torii.Torii/ListTopics"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ToriiServer).ListTopics(ctx, req.(*anypb.Any))
	}
	return interceptor(ctx, in, info, handler)
}

func _Torii_SubscribeToTopicsStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(anypb.Any)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ToriiServer).SubscribeToTopicsStream(m, &toriiSubscribeToTopicsStreamServer{stream})
}

func _Torii_SubscribeToTopics_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ToriiServer).SubscribeToTopics(&toriiSubscribeToTopicsServer{stream})
}

// ServiceDesc is the hand-assembled equivalent of protoc-gen-go-grpc's generated
// _Torii_serviceDesc. See this package's doc comment for why it is hand-written.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "torii.Torii",
	HandlerType: (*ToriiServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetVersion", Handler: _Torii_GetVersion_Handler},
		{MethodName: "ListTopics", Handler: _Torii_ListTopics_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeToTopicsStream",
			Handler:       _Torii_SubscribeToTopicsStream_Handler,
			ServerStreams: true,
		},
		{
			StreamName:    "SubscribeToTopics",
			Handler:       _Torii_SubscribeToTopics_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/torii.proto",
}
