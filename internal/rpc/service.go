// Package rpc serves the pose estimator over gRPC. Messages are protobuf
// well-known types so clients need no generated stubs: poses and vision
// measurements travel as google.protobuf.Struct with the same field names
// as the HTTP API.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fieldpose.v1.PoseService"

const (
	methodGetPose              = "/" + ServiceName + "/GetPose"
	methodResetPose            = "/" + ServiceName + "/ResetPose"
	methodAddVisionMeasurement = "/" + ServiceName + "/AddVisionMeasurement"
	methodStreamPoses          = "/" + ServiceName + "/StreamPoses"
)

// PoseServiceServer is the server API for PoseService.
type PoseServiceServer interface {
	GetPose(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ResetPose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddVisionMeasurement(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	// StreamPoses sends the current pose every period until the client
	// goes away.
	StreamPoses(*durationpb.Duration, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterPoseServiceServer registers srv on s.
func RegisterPoseServiceServer(s grpc.ServiceRegistrar, srv PoseServiceServer) {
	s.RegisterService(&PoseServiceDesc, srv)
}

func getPoseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PoseServiceServer).GetPose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetPose}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PoseServiceServer).GetPose(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func resetPoseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PoseServiceServer).ResetPose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodResetPose}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PoseServiceServer).ResetPose(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func addVisionMeasurementHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PoseServiceServer).AddVisionMeasurement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAddVisionMeasurement}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PoseServiceServer).AddVisionMeasurement(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamPosesHandler(srv any, stream grpc.ServerStream) error {
	in := new(durationpb.Duration)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PoseServiceServer).StreamPoses(in, &grpc.GenericServerStream[durationpb.Duration, structpb.Struct]{ServerStream: stream})
}

// PoseServiceDesc describes PoseService for grpc.Server.RegisterService.
var PoseServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PoseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPose", Handler: getPoseHandler},
		{MethodName: "ResetPose", Handler: resetPoseHandler},
		{MethodName: "AddVisionMeasurement", Handler: addVisionMeasurementHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamPoses", Handler: streamPosesHandler, ServerStreams: true},
	},
	Metadata: "fieldpose/v1/pose_service.proto",
}
