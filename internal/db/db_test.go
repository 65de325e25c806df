package db

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/monitoring"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := NewDB(filepath.Join(t.TempDir(), "fieldpose.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrations(t *testing.T) {
	d := newTestDB(t)
	migrations, err := getMigrationsFS()
	require.NoError(t, err)

	latest, err := GetLatestMigrationVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := d.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	require.NoError(t, d.MigrateDown(migrations))
	version, _, err = d.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, d.MigrateDown(migrations))
	version, _, err = d.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, d.MigrateTo(migrations, 2))
	// up is idempotent
	require.NoError(t, d.MigrateUp(migrations))
	version, _, err = d.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, latest, version)
}

func TestSessions(t *testing.T) {
	d := newTestDB(t)

	first, err := d.CreateSession("sim", "bench", nil)
	require.NoError(t, err)
	second, err := d.CreateSession("serial-bridge", "", json.RawMessage(`{"max_drive_speed":4.5}`))
	require.NoError(t, err)

	sessions, err := d.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID, "newest first")
	assert.JSONEq(t, `{"max_drive_speed":4.5}`, string(sessions[0].Config))
	assert.Equal(t, "bench", sessions[1].Note)
	assert.JSONEq(t, `{}`, string(sessions[1].Config))
	assert.Nil(t, sessions[1].Ended)

	require.NoError(t, d.EndSession(first.ID))
	got, err := d.Session(first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Ended)
	assert.True(t, first.Started.Equal(got.Started), "%v != %v", first.Started, got.Started)

	_, err = d.Session(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.EndSession(uuid.New()), ErrNotFound)
}

func TestPosesAndVision(t *testing.T) {
	d := newTestDB(t)
	s, err := d.CreateSession("sim", "", nil)
	require.NoError(t, err)

	require.NoError(t, d.RecordPoses(s.ID, nil))
	require.NoError(t, d.RecordPoses(s.ID, []PoseRow{
		{T: 0.2, X: 2},
		{T: 0.1, X: 1},
		{T: 0.3, X: 3, Heading: 0.5},
	}))

	poses, err := d.Poses(s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []PoseRow{{T: 0.1, X: 1}, {T: 0.2, X: 2}, {T: 0.3, X: 3, Heading: 0.5}}, poses)

	poses, err = d.Poses(s.ID, 2)
	require.NoError(t, err)
	assert.Len(t, poses, 2)

	v := VisionRow{T: 0.15, X: 1, Y: 2, Heading: 3, StdDev: [3]float64{0.1, 0.2, 0.3}, Source: "cam", Outcome: "applied"}
	require.NoError(t, d.RecordVision(s.ID, v))
	rows, err := d.VisionMeasurements(s.ID)
	require.NoError(t, err)
	assert.Equal(t, []VisionRow{v}, rows)

	// foreign key enforced
	assert.Error(t, d.RecordVision(uuid.New(), v))
}

type fixedPose struct{ e estimator.Estimate }

func (f *fixedPose) Pose() estimator.Estimate { return f.e }

func TestRecorder(t *testing.T) {
	defer monitoring.SetLogger(monitoring.SetLogger(nil))

	d := newTestDB(t)
	s, err := d.CreateSession("sim", "", nil)
	require.NoError(t, err)

	src := &fixedPose{}
	rec := NewRecorder(RecorderConfig{DB: d, Session: s.ID, Poses: src, PoseInterval: 90 * time.Millisecond})

	// decimation happens before queueing, so these can be recorded before
	// Run starts
	for i := 0; i <= 10; i++ {
		src.e = estimator.Estimate{Pose: geom.NewPose(float64(i), 0, 0), Timestamp: float64(i) * 0.05}
		rec.Periodic()
	}
	rec.RecordVision(estimator.VisionMeasurement{Pose: geom.NewPose(1, 1, 0), Timestamp: 0.2, Source: "cam"}, estimator.OutcomeStale)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.Eventually(t, func() bool {
		st := rec.Stats()
		return st.Poses == 6 && st.Vision == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	poses, err := d.Poses(s.ID, 0)
	require.NoError(t, err)
	require.Len(t, poses, 6)
	for i, p := range poses {
		assert.InDelta(t, float64(i)*0.1, p.T, 1e-9)
	}
	rows, err := d.VisionMeasurements(s.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "stale", rows[0].Outcome)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	d := newTestDB(t)
	rec := NewRecorder(RecorderConfig{DB: d, Session: uuid.New(), Buffer: 2})
	for i := 0; i < 5; i++ {
		rec.RecordVision(estimator.VisionMeasurement{Timestamp: float64(i)}, estimator.OutcomeApplied)
	}
	assert.Equal(t, uint64(3), rec.Stats().Dropped)
}

func TestRecorderFlushesOnCancel(t *testing.T) {
	defer monitoring.SetLogger(monitoring.SetLogger(nil))

	d := newTestDB(t)
	s, err := d.CreateSession("sim", "", nil)
	require.NoError(t, err)
	rec := NewRecorder(RecorderConfig{DB: d, Session: s.ID})
	rec.RecordPose(estimator.Estimate{Timestamp: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.Run(ctx))

	poses, err := d.Poses(s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, poses, 1)
}

func TestRunMigrateCommand(t *testing.T) {
	defer monitoring.SetLogger(monitoring.SetLogger(nil))

	path := filepath.Join(t.TempDir(), "cli.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand([]string{"status"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "2 version(s) behind")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"up"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"version", "1"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"help"}, path, &out))
	assert.Contains(t, out.String(), "fieldpose migrate")

	assert.Error(t, RunMigrateCommand(nil, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"sideways"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"version", "x"}, path, &out))
}

func TestBackupRoute(t *testing.T) {
	d := newTestDB(t)
	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.NotZero(t, rec.Body.Len())
}
