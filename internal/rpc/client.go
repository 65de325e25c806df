package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/geom"
)

// Client calls PoseService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) GetPose(ctx context.Context, opts ...grpc.CallOption) (estimator.Estimate, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetPose, &emptypb.Empty{}, out, opts...); err != nil {
		return estimator.Estimate{}, err
	}
	return StructToPose(out)
}

func (c *Client) ResetPose(ctx context.Context, p geom.Pose, opts ...grpc.CallOption) (estimator.Estimate, error) {
	out := new(structpb.Struct)
	in := PoseToStruct(estimator.Estimate{Pose: p})
	if err := c.cc.Invoke(ctx, methodResetPose, in, out, opts...); err != nil {
		return estimator.Estimate{}, err
	}
	return StructToPose(out)
}

// AddVisionMeasurement reports whether the estimator applied m.
func (c *Client) AddVisionMeasurement(ctx context.Context, m estimator.VisionMeasurement, opts ...grpc.CallOption) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, methodAddVisionMeasurement, MeasurementToStruct(m), out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// StreamPoses opens a pose stream. Cancel ctx to end it.
func (c *Client) StreamPoses(ctx context.Context, period time.Duration, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &PoseServiceDesc.Streams[0], methodStreamPoses, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[durationpb.Duration, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(durationpb.New(period)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
