package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/geom"
)

const (
	// MinStreamPeriod bounds how often StreamPoses may send.
	MinStreamPeriod = 5 * time.Millisecond
	// DefaultStreamPeriod is used when StreamPoses is called with a zero
	// duration.
	DefaultStreamPeriod = 100 * time.Millisecond
)

// Estimator is the pose estimator surface exposed over gRPC.
type Estimator interface {
	Pose() estimator.Estimate
	ResetPose(geom.Pose)
	AddVisionMeasurement(estimator.VisionMeasurement) bool
}

var _ PoseServiceServer = (*Server)(nil)

// Server implements PoseService.
type Server struct {
	est Estimator
	// defaultStdDev applies to measurements that carry no std_dev.
	defaultStdDev [3]float64
}

// NewServer returns a PoseService backed by est.
func NewServer(est Estimator) *Server {
	return &Server{est: est, defaultStdDev: estimator.DefaultVisionStdDevs}
}

// SetDefaultStdDev replaces the std devs given to measurements that carry
// none. Call before serving.
func (s *Server) SetDefaultStdDev(sd [3]float64) {
	s.defaultStdDev = sd
}

// PoseToStruct encodes an estimate as {x, y, heading, timestamp}.
func PoseToStruct(e estimator.Estimate) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"x":         structpb.NewNumberValue(e.Pose.X),
		"y":         structpb.NewNumberValue(e.Pose.Y),
		"heading":   structpb.NewNumberValue(e.Pose.Heading),
		"timestamp": structpb.NewNumberValue(e.Timestamp),
	}}
}

// StructToPose decodes {x, y, heading, timestamp}. Missing fields are zero.
func StructToPose(s *structpb.Struct) (estimator.Estimate, error) {
	var vals [4]float64
	for i, k := range []string{"x", "y", "heading", "timestamp"} {
		v, _, err := number(s, k)
		if err != nil {
			return estimator.Estimate{}, err
		}
		vals[i] = v
	}
	return estimator.Estimate{Pose: geom.NewPose(vals[0], vals[1], vals[2]), Timestamp: vals[3]}, nil
}

// number reads a numeric field. ok is false when the field is absent.
func number(s *structpb.Struct, key string) (v float64, ok bool, err error) {
	f, ok := s.GetFields()[key]
	if !ok {
		return 0, false, nil
	}
	n, isNum := f.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, true, fmt.Errorf("%s must be a number", key)
	}
	if math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, true, fmt.Errorf("%s must be finite", key)
	}
	return n.NumberValue, true, nil
}

// MeasurementToStruct encodes a vision measurement.
func MeasurementToStruct(m estimator.VisionMeasurement) *structpb.Struct {
	s := PoseToStruct(estimator.Estimate{Pose: m.Pose, Timestamp: m.Timestamp})
	s.Fields["std_dev"] = structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
		structpb.NewNumberValue(m.StdDev[0]),
		structpb.NewNumberValue(m.StdDev[1]),
		structpb.NewNumberValue(m.StdDev[2]),
	}})
	if m.Source != "" {
		s.Fields["source"] = structpb.NewStringValue(m.Source)
	}
	return s
}

// structToMeasurement decodes a measurement. x, y, heading and timestamp
// are required.
func (s *Server) structToMeasurement(in *structpb.Struct) (estimator.VisionMeasurement, error) {
	var vals [4]float64
	for i, k := range []string{"x", "y", "heading", "timestamp"} {
		v, ok, err := number(in, k)
		if err != nil {
			return estimator.VisionMeasurement{}, err
		}
		if !ok {
			return estimator.VisionMeasurement{}, fmt.Errorf("%s is required", k)
		}
		vals[i] = v
	}
	m := estimator.VisionMeasurement{
		Pose:      geom.NewPose(vals[0], vals[1], vals[2]),
		Timestamp: vals[3],
		StdDev:    s.defaultStdDev,
		Source:    "grpc",
	}
	if f, ok := in.GetFields()["std_dev"]; ok {
		list := f.GetListValue().GetValues()
		if len(list) != 3 {
			return estimator.VisionMeasurement{}, fmt.Errorf("std_dev needs 3 values, got %d", len(list))
		}
		for i, v := range list {
			n, isNum := v.GetKind().(*structpb.Value_NumberValue)
			if !isNum {
				return estimator.VisionMeasurement{}, errors.New("std_dev values must be numbers")
			}
			m.StdDev[i] = n.NumberValue
		}
	}
	if src := in.GetFields()["source"].GetStringValue(); src != "" {
		m.Source = src
	}
	return m, nil
}

// GetPose returns the latest estimate.
func (s *Server) GetPose(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return PoseToStruct(s.est.Pose()), nil
}

// ResetPose sets the pose and returns the new estimate. timestamp in the
// request is ignored.
func (s *Server) ResetPose(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	e, err := StructToPose(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.est.ResetPose(e.Pose)
	return PoseToStruct(s.est.Pose()), nil
}

// AddVisionMeasurement reports whether the measurement was applied.
// Malformed measurements are InvalidArgument; well-formed ones the
// estimator declines return false.
func (s *Server) AddVisionMeasurement(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	m, err := s.structToMeasurement(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return wrapperspb.Bool(s.est.AddVisionMeasurement(m)), nil
}

// StreamPoses sends the pose every period until the client cancels.
func (s *Server) StreamPoses(in *durationpb.Duration, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if err := in.CheckValid(); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	period := in.AsDuration()
	switch {
	case period == 0:
		period = DefaultStreamPeriod
	case period < MinStreamPeriod:
		return status.Errorf(codes.InvalidArgument, "period %v is below the %v minimum", period, MinStreamPeriod)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	ctx := stream.Context()
	for {
		if err := stream.Send(PoseToStruct(s.est.Pose())); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Listener runs a grpc.Server with PoseService registered.
type Listener struct {
	addr    string
	server  *grpc.Server
	lis     net.Listener
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewListener prepares a listener for addr. The service is registered
// immediately; nothing is bound until Start.
func NewListener(addr string, srv PoseServiceServer) *Listener {
	l := &Listener{addr: addr, server: grpc.NewServer()}
	RegisterPoseServiceServer(l.server, srv)
	return l
}

// Start binds the address and serves in the background.
func (l *Listener) Start() error {
	if l.running.Load() {
		return errors.New("rpc: listener already running")
	}
	lis, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return l.Serve(lis)
}

// Serve serves on an existing listener in the background.
func (l *Listener) Serve(lis net.Listener) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("rpc: listener already running")
	}
	l.lis = lis
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		log.Printf("[gRPC] PoseService listening on %s", lis.Addr())
		if err := l.server.Serve(lis); err != nil && l.running.Load() {
			log.Printf("[gRPC] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	if l.lis == nil {
		return nil
	}
	return l.lis.Addr()
}

// Stop stops the server. Streams are cancelled rather than drained since
// StreamPoses never ends on its own.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	l.server.Stop()
	l.wg.Wait()
	log.Printf("[gRPC] PoseService stopped")
}
