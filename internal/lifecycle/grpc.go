package lifecycle

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"chaos-orchestrator/internal/logging"
)

const serviceName = "chaos.lifecycle.v1.Lifecycle"

const (
	stopMethod  = "/" + serviceName + "/Stop"
	startMethod = "/" + serviceName + "/Start"
)

// lifecycleServer is the server API of the Lifecycle service. Requests carry
// the compose service name in a StringValue.
type lifecycleServer interface {
	Stop(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Start(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

var lifecycleServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*lifecycleServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stop", Handler: unaryHandler(stopMethod, lifecycleServer.Stop)},
		{MethodName: "Start", Handler: unaryHandler(startMethod, lifecycleServer.Start)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chaos/lifecycle/v1/lifecycle.proto",
}

func unaryHandler(fullMethod string, call func(lifecycleServer, context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(lifecycleServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(lifecycleServer), ctx, req.(*wrapperspb.StringValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer exposes a local Controller to a remote orchestrator.
type GRPCServer struct {
	controller Controller
	logger     *logging.Logger
	server     *grpc.Server
	listener   net.Listener
}

func NewGRPCServer(controller Controller, logger *logging.Logger) *GRPCServer {
	s := &GRPCServer{
		controller: controller,
		logger:     logger.WithField("component", "lifecycled"),
	}
	s.server = grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor))
	s.server.RegisterService(&lifecycleServiceDesc, s)
	return s
}

// Listen binds address and serves in the background.
func (s *GRPCServer) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.logger.Info("Starting lifecycle gRPC server", "address", listener.Addr().String())
	s.Serve(listener)
	return nil
}

// Serve accepts connections on listener in the background.
func (s *GRPCServer) Serve(listener net.Listener) {
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("Lifecycle gRPC server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting calls and waits for pending ones.
func (s *GRPCServer) Shutdown() {
	s.logger.Info("Stopping lifecycle gRPC server")
	s.server.GracefulStop()
}

func (s *GRPCServer) Stop(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.apply(ctx, "stop", req.GetValue(), s.controller.Stop)
}

func (s *GRPCServer) Start(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.apply(ctx, "start", req.GetValue(), s.controller.Start)
}

func (s *GRPCServer) apply(ctx context.Context, action, service string, fn func(context.Context, string) error) (*emptypb.Empty, error) {
	if service == "" {
		return nil, status.Error(codes.InvalidArgument, "service name cannot be empty")
	}

	start := time.Now()
	err := fn(ctx, service)
	s.logger.ControlAction(ctx, action, service, time.Since(start), err)

	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Errorf(codes.Internal, "%s %s: %v", action, service, err)
	}
	return &emptypb.Empty{}, nil
}

func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	if err != nil {
		s.logger.ErrorContext(ctx, "gRPC request failed",
			"method", info.FullMethod,
			"duration", duration,
			"error", err,
		)
	} else {
		s.logger.DebugContext(ctx, "gRPC request completed",
			"method", info.FullMethod,
			"duration", duration,
		)
	}
	return resp, err
}

// GRPCController forwards Stop and Start to a remote lifecycle daemon.
type GRPCController struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a client for the daemon at address. The connection is
// established lazily on the first call.
func DialGRPC(address string, opts ...grpc.DialOption) (*GRPCController, error) {
	if address == "" {
		return nil, fmt.Errorf("lifecycle daemon address is required")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle client: %w", err)
	}
	return &GRPCController{conn: conn}, nil
}

func (c *GRPCController) Stop(ctx context.Context, service string) error {
	return c.conn.Invoke(ctx, stopMethod, wrapperspb.String(service), new(emptypb.Empty))
}

func (c *GRPCController) Start(ctx context.Context, service string) error {
	return c.conn.Invoke(ctx, startMethod, wrapperspb.String(service), new(emptypb.Empty))
}

func (c *GRPCController) Close() error {
	return c.conn.Close()
}
