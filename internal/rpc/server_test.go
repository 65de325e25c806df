package rpc

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/monitoring"
	"github.com/banshee-data/fieldpose/internal/odometry"
)

func newTestClient(t *testing.T) (*Client, *estimator.Estimator) {
	t.Helper()
	est, err := estimator.New(estimator.Config{})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	l := NewListener("bufconn", NewServer(est))
	require.NoError(t, l.Serve(lis))
	assert.Error(t, l.Serve(lis), "second Serve")
	t.Cleanup(l.Stop)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), est
}

func TestGetAndResetPose(t *testing.T) {
	c, est := newTestClient(t)
	ctx := context.Background()

	got, err := c.GetPose(ctx)
	require.NoError(t, err)
	assert.Equal(t, estimator.Estimate{}, got)

	got, err = c.ResetPose(ctx, geom.NewPose(1, -2, 3*math.Pi/2))
	require.NoError(t, err)
	assert.InDelta(t, 1, got.Pose.X, 1e-12)
	assert.InDelta(t, -2, got.Pose.Y, 1e-12)
	assert.InDelta(t, -math.Pi/2, got.Pose.Heading, 1e-12, "heading is wrapped")
	assert.InDelta(t, est.Pose().Pose.Heading, got.Pose.Heading, 1e-12)
}

func TestAddVisionMeasurement(t *testing.T) {
	c, est := newTestClient(t)
	ctx := context.Background()
	defer monitoring.SetLogger(monitoring.SetLogger(nil))

	m := estimator.VisionMeasurement{
		Pose:      geom.NewPose(1, 0, 0),
		Timestamp: 0.5,
		StdDev:    [3]float64{0.1, 0.1, 0.1},
		Source:    "cam1",
	}
	applied, err := c.AddVisionMeasurement(ctx, m)
	require.NoError(t, err)
	assert.False(t, applied, "no history")

	est.Integrate(odometry.Frame{Timestamp: 0.5})
	applied, err = c.AddVisionMeasurement(ctx, m)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Greater(t, est.Pose().Pose.X, 0.0)
}

func TestAddVisionMeasurementInvalid(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   map[string]any
	}{
		{"missing timestamp", map[string]any{"x": 1, "y": 1, "heading": 0}},
		{"string x", map[string]any{"x": "1", "y": 1, "heading": 0, "timestamp": 1}},
		{"short std_dev", map[string]any{"x": 1, "y": 1, "heading": 0, "timestamp": 1, "std_dev": []any{0.1}}},
		{"text std_dev", map[string]any{"x": 1, "y": 1, "heading": 0, "timestamp": 1, "std_dev": []any{"a", "b", "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := structpb.NewStruct(tt.in)
			require.NoError(t, err)
			var out wrapperspb.BoolValue
			err = c.cc.Invoke(ctx, methodAddVisionMeasurement, in, &out)
			assert.Equal(t, codes.InvalidArgument, status.Code(err), "%v", err)
		})
	}
}

func TestStructToMeasurementDefaults(t *testing.T) {
	s := NewServer(nil)
	in, err := structpb.NewStruct(map[string]any{"x": 1, "y": 2, "heading": 0.5, "timestamp": 3})
	require.NoError(t, err)

	m, err := s.structToMeasurement(in)
	require.NoError(t, err)
	assert.Equal(t, estimator.VisionMeasurement{
		Pose:      geom.NewPose(1, 2, 0.5),
		Timestamp: 3,
		StdDev:    estimator.DefaultVisionStdDevs,
		Source:    "grpc",
	}, m)

	// round trip through the client encoding
	back, err := s.structToMeasurement(MeasurementToStruct(estimator.VisionMeasurement{
		Pose: geom.NewPose(1, 2, 0.5), Timestamp: 3, StdDev: [3]float64{1, 2, 3}, Source: "cam",
	}))
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1, 2, 3}, back.StdDev)
	assert.Equal(t, "cam", back.Source)

	s.SetDefaultStdDev([3]float64{0.3, 0.3, 0.6})
	m, err = s.structToMeasurement(in)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{0.3, 0.3, 0.6}, m.StdDev)
}

func TestStreamPoses(t *testing.T) {
	c, est := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := c.StreamPoses(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	p, err := StructToPose(first)
	require.NoError(t, err)
	assert.Zero(t, p.Pose.X)

	est.ResetPose(geom.NewPose(4, 0, 0))
	require.Eventually(t, func() bool {
		msg, err := stream.Recv()
		if err != nil {
			return false
		}
		p, err := StructToPose(msg)
		return err == nil && p.Pose.X == 4
	}, 2*time.Second, time.Millisecond)

	cancel()
	for err == nil {
		_, err = stream.Recv()
	}
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestStreamPosesRejectsFastPeriod(t *testing.T) {
	c, _ := newTestClient(t)
	stream, err := c.StreamPoses(context.Background(), time.Millisecond)
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListenerStart(t *testing.T) {
	est, err := estimator.New(estimator.Config{})
	require.NoError(t, err)

	l := NewListener("127.0.0.1:0", NewServer(est))
	assert.Nil(t, l.Addr())
	require.NoError(t, l.Start())
	assert.NotNil(t, l.Addr())
	assert.Error(t, l.Start())
	l.Stop()
	l.Stop()
}
