package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/monitoring"
)

// DefaultRecorderBuffer bounds the queue between the control loop and the
// database writer.
const DefaultRecorderBuffer = 1024

// PoseSource is polled by Recorder.Periodic.
type PoseSource interface {
	Pose() estimator.Estimate
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	DB      *DB
	Session uuid.UUID
	// Poses, if set, is polled every Periodic call.
	Poses PoseSource
	// PoseInterval decimates logged poses by their estimate timestamp.
	PoseInterval time.Duration
	Buffer       int
}

// RecorderStats counts recorder activity.
type RecorderStats struct {
	Poses   uint64 `json:"poses"`
	Vision  uint64 `json:"vision"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
}

type record struct {
	pose   *PoseRow
	vision *VisionRow
}

// Recorder writes poses and vision measurements to the pose log on its
// own goroutine. The Record methods never block: when the buffer is full
// the record is dropped and counted.
type Recorder struct {
	db       *DB
	session  uuid.UUID
	source   PoseSource
	interval float64
	ch       chan record

	mu       sync.Mutex
	lastPose float64
	havePose bool

	poses, vision, dropped, failed atomic.Uint64
}

// NewRecorder returns an idle Recorder. Call Run to start writing.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultRecorderBuffer
	}
	return &Recorder{
		db:       cfg.DB,
		session:  cfg.Session,
		source:   cfg.Poses,
		interval: cfg.PoseInterval.Seconds(),
		ch:       make(chan record, cfg.Buffer),
	}
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

// RecordPose logs e unless it is within PoseInterval of the last logged
// pose.
func (r *Recorder) RecordPose(e estimator.Estimate) {
	r.mu.Lock()
	if r.havePose && e.Timestamp-r.lastPose < r.interval {
		r.mu.Unlock()
		return
	}
	r.lastPose, r.havePose = e.Timestamp, true
	r.mu.Unlock()

	r.enqueue(record{pose: &PoseRow{T: e.Timestamp, X: e.Pose.X, Y: e.Pose.Y, Heading: e.Pose.Heading}})
}

// RecordVision logs a measurement and its outcome. Its signature matches
// estimator.Config.OnVision.
func (r *Recorder) RecordVision(m estimator.VisionMeasurement, o estimator.Outcome) {
	r.enqueue(record{vision: &VisionRow{
		T:       m.Timestamp,
		X:       m.Pose.X,
		Y:       m.Pose.Y,
		Heading: m.Pose.Heading,
		StdDev:  m.StdDev,
		Source:  m.Source,
		Outcome: string(o),
	}})
}

// Periodic implements loop.Periodic by polling the configured PoseSource.
func (r *Recorder) Periodic() {
	if r.source != nil {
		r.RecordPose(r.source.Pose())
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is
// already queued and returns.
func (r *Recorder) Run(ctx context.Context) error {
	var batch []PoseRow
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.db.RecordPoses(r.session, batch); err != nil {
			r.failed.Add(1)
			monitoring.Logf("recorder: %v", err)
		} else {
			r.poses.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}
	write := func(rec record) {
		switch {
		case rec.pose != nil:
			batch = append(batch, *rec.pose)
		case rec.vision != nil:
			flush()
			if err := r.db.RecordVision(r.session, *rec.vision); err != nil {
				r.failed.Add(1)
				monitoring.Logf("recorder: %v", err)
				return
			}
			r.vision.Add(1)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.ch:
					write(rec)
				default:
					flush()
					return nil
				}
			}
		case rec := <-r.ch:
			write(rec)
			// batch whatever else is already waiting
			for drained := false; !drained; {
				select {
				case rec := <-r.ch:
					write(rec)
				default:
					drained = true
				}
			}
			flush()
		}
	}
}

// Stats returns recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Poses:   r.poses.Load(),
		Vision:  r.vision.Load(),
		Dropped: r.dropped.Load(),
		Errors:  r.failed.Load(),
	}
}
