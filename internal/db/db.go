// Package db is the sqlite pose log: drive sessions, decimated odometry
// poses and every vision measurement with its outcome.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

var ErrNotFound = errors.New("db: not found")

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching the schema. Pragmas go in
// the DSN so every pooled connection gets them.
func OpenDB(path string) (*DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrations, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Session is one run of the drivetrain.
type Session struct {
	ID      uuid.UUID       `json:"id"`
	Started time.Time       `json:"started"`
	Ended   *time.Time      `json:"ended,omitempty"`
	Vendor  string          `json:"vendor"`
	Note    string          `json:"note,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// PoseRow is one logged pose.
type PoseRow struct {
	T       float64 `json:"t"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// VisionRow is one logged vision measurement.
type VisionRow struct {
	T       float64    `json:"t"`
	X       float64    `json:"x"`
	Y       float64    `json:"y"`
	Heading float64    `json:"heading"`
	StdDev  [3]float64 `json:"std_dev"`
	Source  string     `json:"source,omitempty"`
	Outcome string     `json:"outcome"`
}

// CreateSession starts a session. config is stored verbatim and may be nil.
func (db *DB) CreateSession(vendor, note string, config json.RawMessage) (Session, error) {
	s := Session{
		ID:      uuid.New(),
		Started: time.Now().UTC().Truncate(time.Millisecond),
		Vendor:  vendor,
		Note:    note,
		Config:  config,
	}
	if len(config) == 0 {
		s.Config = json.RawMessage("{}")
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_unix_ms, vendor, note, config_json) VALUES (?, ?, ?, ?, ?)`,
		s.ID.String(), s.Started.UnixMilli(), s.Vendor, s.Note, string(s.Config),
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id uuid.UUID) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix_ms = ? WHERE session_id = ?`,
		time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSession(scan func(...any) error) (Session, error) {
	var (
		s       Session
		id      string
		started int64
		ended   sql.NullInt64
		config  string
	)
	if err := scan(&id, &started, &ended, &s.Vendor, &s.Note, &config); err != nil {
		return Session{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Session{}, fmt.Errorf("bad session id %q: %w", id, err)
	}
	s.ID = parsed
	s.Started = time.UnixMilli(started).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		s.Ended = &t
	}
	s.Config = json.RawMessage(config)
	return s, nil
}

const sessionColumns = `session_id, started_unix_ms, ended_unix_ms, vendor, note, config_json`

// Sessions lists sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_unix_ms DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Session returns one session.
func (db *DB) Session(id uuid.UUID) (Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id.String())
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// RecordPoses inserts poses for a session in one transaction.
func (db *DB) RecordPoses(session uuid.UUID, poses []PoseRow) error {
	if len(poses) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO poses (session_id, t, x, y, heading) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range poses {
		if _, err := stmt.Exec(session.String(), p.T, p.X, p.Y, p.Heading); err != nil {
			return fmt.Errorf("failed to record pose: %w", err)
		}
	}
	return tx.Commit()
}

// RecordVision inserts one vision measurement.
func (db *DB) RecordVision(session uuid.UUID, v VisionRow) error {
	_, err := db.Exec(`
		INSERT INTO vision_measurements
			(session_id, t, x, y, heading, std_x, std_y, std_heading, source, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.String(), v.T, v.X, v.Y, v.Heading,
		v.StdDev[0], v.StdDev[1], v.StdDev[2], v.Source, v.Outcome,
	)
	if err != nil {
		return fmt.Errorf("failed to record vision measurement: %w", err)
	}
	return nil
}

// Poses returns up to limit poses for a session in time order. limit <= 0
// returns all of them.
func (db *DB) Poses(session uuid.UUID, limit int) ([]PoseRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT t, x, y, heading FROM poses WHERE session_id = ? ORDER BY t, pose_id LIMIT ?`,
		session.String(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var poses []PoseRow
	for rows.Next() {
		var p PoseRow
		if err := rows.Scan(&p.T, &p.X, &p.Y, &p.Heading); err != nil {
			return nil, err
		}
		poses = append(poses, p)
	}
	return poses, rows.Err()
}

// VisionMeasurements returns every logged measurement for a session in
// time order.
func (db *DB) VisionMeasurements(session uuid.UUID) ([]VisionRow, error) {
	rows, err := db.Query(`
		SELECT t, x, y, heading, std_x, std_y, std_heading, source, outcome
		FROM vision_measurements WHERE session_id = ? ORDER BY t, measurement_id`,
		session.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VisionRow
	for rows.Next() {
		var v VisionRow
		if err := rows.Scan(&v.T, &v.X, &v.Y, &v.Heading,
			&v.StdDev[0], &v.StdDev[1], &v.StdDev[2], &v.Source, &v.Outcome); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Pose log",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupName := fmt.Sprintf("backup-%d.db", time.Now().UnixNano())
		backupPath := filepath.Join(os.TempDir(), backupName)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupName))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to write backup file: %v", err)
		}
	}))
}
