package relay

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// RelayServer is the server API for the relay service. Requests and
// replies carry protowire frames inside BytesValue so the service needs no
// generated code.
type RelayServer interface {
	Publish(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Subscribe(*wrapperspb.BytesValue, Relay_SubscribeServer) error
	Query(*wrapperspb.BytesValue, Relay_QueryServer) error
	Peers(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

type UnimplementedRelayServer struct{}

func (UnimplementedRelayServer) Publish(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Publish not implemented")
}
func (UnimplementedRelayServer) Subscribe(*wrapperspb.BytesValue, Relay_SubscribeServer) error {
	return status.Error(codes.Unimplemented, "method Subscribe not implemented")
}
func (UnimplementedRelayServer) Query(*wrapperspb.BytesValue, Relay_QueryServer) error {
	return status.Error(codes.Unimplemented, "method Query not implemented")
}
func (UnimplementedRelayServer) Peers(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Peers not implemented")
}

func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&Relay_ServiceDesc, srv)
}

type Relay_SubscribeServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type Relay_QueryServer = Relay_SubscribeServer

type frameServerStream struct{ grpc.ServerStream }

func (x *frameServerStream) Send(m *wrapperspb.BytesValue) error { return x.ServerStream.SendMsg(m) }

// RelayClient is the client API for the relay service.
type RelayClient interface {
	Publish(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Subscribe(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (Relay_SubscribeClient, error)
	Query(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (Relay_QueryClient, error)
	Peers(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

type Relay_SubscribeClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type Relay_QueryClient = Relay_SubscribeClient

type frameClientStream struct{ grpc.ClientStream }

func (x *frameClientStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type relayClient struct{ cc grpc.ClientConnInterface }

func NewRelayClient(cc grpc.ClientConnInterface) RelayClient { return &relayClient{cc: cc} }

func (c *relayClient) Publish(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/freepress.relay.v1.Relay/Publish", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *relayClient) Peers(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/freepress.relay.v1.Relay/Peers", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *relayClient) Subscribe(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (Relay_SubscribeClient, error) {
	return c.openStream(ctx, 0, "/freepress.relay.v1.Relay/Subscribe", in, opts...)
}

func (c *relayClient) Query(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (Relay_QueryClient, error) {
	return c.openStream(ctx, 1, "/freepress.relay.v1.Relay/Query", in, opts...)
}

func (c *relayClient) openStream(ctx context.Context, idx int, method string, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*frameClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &Relay_ServiceDesc.Streams[idx], method, opts...)
	if err != nil {
		return nil, err
	}
	x := &frameClientStream{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func _Relay_Publish_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/freepress.relay.v1.Relay/Publish"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Publish(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Relay_Peers_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Peers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/freepress.relay.v1.Relay/Peers"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Peers(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Relay_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RelayServer).Subscribe(in, &frameServerStream{stream})
}

func _Relay_Query_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RelayServer).Query(in, &frameServerStream{stream})
}

// Relay_ServiceDesc is the grpc.ServiceDesc for the relay service.
var Relay_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "freepress.relay.v1.Relay",
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: _Relay_Publish_Handler},
		{MethodName: "Peers", Handler: _Relay_Peers_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: _Relay_Subscribe_Handler, ServerStreams: true},
		{StreamName: "Query", Handler: _Relay_Query_Handler, ServerStreams: true},
	},
	Metadata: "relay.proto",
}
