package control

import (
	"context"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/observability"
)

const procedureIDMetadataKey = "x-procedure-id"

func unaryHandler[Req any](call func(*Service, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(*Service)
		if interceptor == nil {
			return call(svc, ctx, in)
		}
		full, _ := grpc.Method(ctx)
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*Req))
		})
	}
}

// controlServer is the handler type registered for ServiceDesc.
type controlServer interface {
	AddUE(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	UpdateUE(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	RemoveUE(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.StringValue, error)
	GetSnapshot(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddUE", Handler: unaryHandler(func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) { return s.AddUE(ctx, in) })},
		{MethodName: "UpdateUE", Handler: unaryHandler(func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) { return s.UpdateUE(ctx, in) })},
		{MethodName: "RemoveUE", Handler: unaryHandler(func(s *Service, ctx context.Context, in *wrapperspb.UInt32Value) (any, error) {
			return s.RemoveUE(ctx, in)
		})},
		{MethodName: "ReportCSI", Handler: unaryHandler(func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) { return s.ReportCSI(ctx, in) })},
		{MethodName: "ReportBuffer", Handler: unaryHandler(func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.ReportBuffer(ctx, in)
		})},
		{MethodName: "ReportSR", Handler: unaryHandler(func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) { return s.ReportSR(ctx, in) })},
		{MethodName: "ReportHARQ", Handler: unaryHandler(func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) { return s.ReportHARQ(ctx, in) })},
		{MethodName: "GetSnapshot", Handler: unaryHandler(func(s *Service, ctx context.Context, in *wrapperspb.UInt32Value) (any, error) {
			return s.GetSnapshot(ctx, in)
		})},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamResults",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(wrapperspb.Int32Value)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*Service).StreamResults(in, stream)
			},
		},
	},
}

// ProcedureIDUnaryServerInterceptor takes the procedure id from inbound
// metadata when the caller supplied one, and attaches a per-request logger.
func ProcedureIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(procedureIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithProcedureID(ctx, vals[0])
			}
		}
		ctx = logging.ContextWithLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		return handler(ctx, req)
	}
}

// TracingUnaryServerInterceptor names the RPC span and tags it with the
// service and method.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := observability.Tracer()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := fmt.Sprintf("Control/%s", method)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(name)
		}
		span.SetAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
		)
		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return resp, err
	}
}

// NewGRPCServer builds a gRPC server carrying the control service and the
// standard health service.
func NewGRPCServer(svc *Service, log logging.Logger, metrics *observability.ControlCollector) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			ProcedureIDUnaryServerInterceptor(log),
			TracingUnaryServerInterceptor(),
			metrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			metrics.StreamServerInterceptor(),
		),
	)
	server.RegisterService(&ServiceDesc, svc)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// Serve runs server on addr until ctx is done, then stops it gracefully.
func Serve(ctx context.Context, server *grpc.Server, addr string, log logging.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	log.Info(ctx, "control server listening", logging.String("addr", lis.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(lis) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		server.GracefulStop()
		return nil
	}
}
