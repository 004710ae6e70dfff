package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/meridianfleet/controlplane/pkg/transport/wire"
)

// agentTransportServer is the interface grpc.Server.RegisterService
// checks *Server against via reflection; it stands in for the
// interface a protoc-generated *_grpc.pb.go would define.
type agentTransportServer interface {
	RegisterAgent(context.Context, *wire.AgentRegistration) (*wire.RegistrationResponse, error)
	Heartbeat(context.Context, *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error)
	ReportServices(context.Context, *wire.ServiceDiscovery) (*wire.ServiceDiscoveryResponse, error)
	ReportCommandResult(context.Context, *wire.CommandResult) (*wire.CommandResult, error)
}

var _ agentTransportServer = (*Server)(nil)

func registerAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.AgentRegistration)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agentTransportServer).RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.ServiceName + "/RegisterAgent"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(agentTransportServer).RegisterAgent(ctx, req.(*wire.AgentRegistration))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agentTransportServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.ServiceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(agentTransportServer).Heartbeat(ctx, req.(*wire.HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportServicesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.ServiceDiscovery)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agentTransportServer).ReportServices(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.ServiceName + "/ReportServices"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(agentTransportServer).ReportServices(ctx, req.(*wire.ServiceDiscovery))
	}
	return interceptor(ctx, in, info, handler)
}

func reportCommandResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.CommandResult)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(agentTransportServer).ReportCommandResult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.ServiceName + "/ReportCommandResult"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(agentTransportServer).ReportCommandResult(ctx, req.(*wire.CommandResult))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-written equivalent of a protoc-generated
// _grpc.pb.go's ServiceDesc, wiring the four unary RPCs and the
// StreamMetrics/DeployService streams onto *Server.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*agentTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterAgent", Handler: registerAgentHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "ReportServices", Handler: reportServicesHandler},
		{MethodName: "ReportCommandResult", Handler: reportCommandResultHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamMetrics", Handler: streamMetricsHandler, ClientStreams: true},
		{StreamName: "DeployService", Handler: deployServiceHandler, ClientStreams: true, ServerStreams: true},
	},
	Metadata: "pkg/transport/wire/wire.go",
}
