package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "satlink.v1.LinkControl"

const (
	reportCnoMethod       = "/" + ServiceName + "/ReportCno"
	schedulerStatusMethod = "/" + ServiceName + "/SchedulerStatus"
	terminalStatsMethod   = "/" + ServiceName + "/TerminalStats"
)

// LinkControlServer is the server API of the LinkControl service. Messages
// are protobuf well-known types so no generated code is needed.
type LinkControlServer interface {
	// ReportCno injects a C/N0 sample: {"terminal": "<mac>", "cno": <dB-Hz>}.
	ReportCno(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// SchedulerStatus returns a snapshot of the forward and return link.
	SchedulerStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// TerminalStats returns the statistics of the terminal with the given
	// MAC address.
	TerminalStats(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// LinkControlServiceDesc describes the LinkControl service for grpc.
var LinkControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LinkControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportCno", Handler: reportCnoHandler},
		{MethodName: "SchedulerStatus", Handler: schedulerStatusHandler},
		{MethodName: "TerminalStats", Handler: terminalStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "satlink/v1/link_control.proto",
}

// RegisterLinkControlServer registers srv on s.
func RegisterLinkControlServer(s grpc.ServiceRegistrar, srv LinkControlServer) {
	s.RegisterService(&LinkControlServiceDesc, srv)
}

func reportCnoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LinkControlServer).ReportCno(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reportCnoMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LinkControlServer).ReportCno(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LinkControlServer).SchedulerStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: schedulerStatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LinkControlServer).SchedulerStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func terminalStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LinkControlServer).TerminalStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: terminalStatsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LinkControlServer).TerminalStats(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// LinkControlClient is the client API of the LinkControl service.
type LinkControlClient struct {
	cc grpc.ClientConnInterface
}

// NewLinkControlClient wraps a client connection.
func NewLinkControlClient(cc grpc.ClientConnInterface) *LinkControlClient {
	return &LinkControlClient{cc: cc}
}

// ReportCno calls LinkControl.ReportCno.
func (c *LinkControlClient) ReportCno(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, reportCnoMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SchedulerStatus calls LinkControl.SchedulerStatus.
func (c *LinkControlClient) SchedulerStatus(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, schedulerStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TerminalStats calls LinkControl.TerminalStats.
func (c *LinkControlClient) TerminalStats(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, terminalStatsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
