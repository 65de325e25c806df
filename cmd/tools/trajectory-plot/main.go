// Command trajectory-plot renders a logged drive session: the estimated
// path and the vision measurements that corrected it. It reads either the
// pose log database directly or a running fieldpose HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fieldpose/internal/db"
	"github.com/banshee-data/fieldpose/internal/httputil"
	"github.com/banshee-data/fieldpose/internal/security"
)

var (
	dbPath    = flag.String("db", "fieldpose.db", "Pose log database to read")
	serverURL = flag.String("server", "", "Read from a running fieldpose HTTP API instead of -db (e.g. http://robot:8080)")
	sessionID = flag.String("session", "", "Session to plot (defaults to the most recent)")
	limit     = flag.Int("limit", 0, "Maximum poses to plot (0 = all)")
	outDir    = flag.String("out", ".", "Output directory, under the working or temp directory")
	noPNG     = flag.Bool("no-png", false, "Skip the PNG plot")
	noHTML    = flag.Bool("no-html", false, "Skip the HTML chart")
)

// source is where sessions are read from. *db.DB implements it.
type source interface {
	Sessions() ([]db.Session, error)
	Poses(session uuid.UUID, limit int) ([]db.PoseRow, error)
	VisionMeasurements(session uuid.UUID) ([]db.VisionRow, error)
}

// apiSource reads sessions from the fieldpose HTTP API.
type apiSource struct {
	ctx    context.Context
	base   string
	client httputil.HTTPClient
}

func (s apiSource) Sessions() ([]db.Session, error) {
	var out []db.Session
	err := httputil.GetJSON(s.ctx, s.client, s.base+"/api/sessions", &out)
	return out, err
}

func (s apiSource) Poses(session uuid.UUID, limit int) ([]db.PoseRow, error) {
	u := fmt.Sprintf("%s/api/sessions/%s/poses", s.base, session)
	if limit > 0 {
		u += "?" + url.Values{"limit": {fmt.Sprint(limit)}}.Encode()
	}
	var out []db.PoseRow
	err := httputil.GetJSON(s.ctx, s.client, u, &out)
	return out, err
}

func (s apiSource) VisionMeasurements(session uuid.UUID) ([]db.VisionRow, error) {
	var out []db.VisionRow
	err := httputil.GetJSON(s.ctx, s.client, fmt.Sprintf("%s/api/sessions/%s/vision", s.base, session), &out)
	return out, err
}

// loadTrack reads one session. An empty id picks the most recent session.
func loadTrack(src source, id string, limit int) (track, error) {
	sessions, err := src.Sessions()
	if err != nil {
		return track{}, fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		return track{}, errors.New("no sessions recorded")
	}

	session := sessions[0] // newest first
	if id != "" {
		want, err := uuid.Parse(id)
		if err != nil {
			return track{}, fmt.Errorf("invalid session id %q: %w", id, err)
		}
		found := false
		for _, s := range sessions {
			if s.ID == want {
				session, found = s, true
				break
			}
		}
		if !found {
			return track{}, fmt.Errorf("session %s not found", want)
		}
	}

	poses, err := src.Poses(session.ID, limit)
	if err != nil {
		return track{}, fmt.Errorf("reading poses: %w", err)
	}
	vision, err := src.VisionMeasurements(session.ID)
	if err != nil {
		return track{}, fmt.Errorf("reading vision measurements: %w", err)
	}
	return track{Session: session, Poses: poses, Vision: vision}, nil
}

// outputName is the file stem for a session's plots.
func outputName(s db.Session) string {
	name := "trajectory_" + s.ID.String()[:8]
	if s.Note != "" {
		name += "_" + security.SanitizeFilename(s.Note)
	}
	return name
}

func main() {
	flag.Parse()

	var src source
	if *serverURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		src = apiSource{
			ctx:    ctx,
			base:   strings.TrimRight(*serverURL, "/"),
			client: &http.Client{Timeout: 10 * time.Second},
		}
	} else {
		database, err := db.OpenDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		src = database
	}

	t, err := loadTrack(src, *sessionID, *limit)
	if err != nil {
		log.Fatalf("Failed to load session: %v", err)
	}
	st := t.Stats()
	log.Printf("Session %s (%s): %d poses, %.2f m travelled, %d/%d vision applied, residual %.3f±%.3f m",
		t.Session.ID, t.Session.Vendor, st.Poses, st.PathLength, st.Applied, st.Vision, st.ResidualMean, st.ResidualStdDev)

	if err := security.ValidateOutputPath(*outDir); err != nil {
		log.Fatalf("Invalid -out: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	base := filepath.Join(*outDir, outputName(t.Session))

	if !*noPNG {
		if err := renderPNG(t, base+".png"); err != nil {
			log.Fatalf("Failed to render PNG: %v", err)
		}
		log.Printf("Wrote %s.png", base)
	}
	if !*noHTML {
		f, err := os.Create(base + ".html")
		if err != nil {
			log.Fatalf("Failed to create HTML file: %v", err)
		}
		if err := renderHTML(t, f); err != nil {
			f.Close()
			log.Fatalf("Failed to render HTML: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("Failed to write HTML: %v", err)
		}
		log.Printf("Wrote %s.html", base)
	}
}
