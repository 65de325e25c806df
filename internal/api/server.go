package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fieldpose/internal/db"
	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/httputil"
	"github.com/banshee-data/fieldpose/internal/kinematics"
	"github.com/banshee-data/fieldpose/internal/loop"
	"github.com/banshee-data/fieldpose/internal/odometry"
	"github.com/banshee-data/fieldpose/internal/serialmux"
	"github.com/banshee-data/fieldpose/internal/units"
	"github.com/banshee-data/fieldpose/internal/vision"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// PoseService is the estimator surface served by the API.
type PoseService interface {
	Pose() estimator.Estimate
	ResetPose(geom.Pose)
	AddVisionMeasurement(estimator.VisionMeasurement) bool
	Stats() estimator.Stats
	Providers() []estimator.ProviderStatus
}

// Drive is the drivetrain surface served by the API.
type Drive interface {
	OdometryStatus() odometry.Status
	MeasuredSpeeds() kinematics.ChassisSpeeds
	RunVelocity(speeds kinematics.ChassisSpeeds, fieldRelative bool)
	Stop()
	StopWithX()
}

// SessionStore reads the pose log.
type SessionStore interface {
	Sessions() ([]db.Session, error)
	Session(uuid.UUID) (db.Session, error)
	Poses(session uuid.UUID, limit int) ([]db.PoseRow, error)
	VisionMeasurements(session uuid.UUID) ([]db.VisionRow, error)
}

// LoopStatus reports the control loop.
type LoopStatus interface {
	Stats() loop.Stats
	Telemetry() map[string]any
}

// SerialReloader reopens the bridge port.
type SerialReloader interface {
	Snapshot() serialmux.Snapshot
	Reload(ctx context.Context, port string, opts serialmux.PortOptions) (serialmux.ReloadResult, error)
	SendCommand(string) error
}

// Options wires a Server. Only Estimator is required; routes whose
// dependency is nil answer 503.
type Options struct {
	Estimator PoseService
	Drive     Drive
	Sessions  SessionStore
	Loop      LoopStatus
	Serial    SerialReloader
	// Vision decodes POST /api/vision bodies.
	Vision *vision.Decoder
	// Units is the default display unit for speeds.
	Units string
}

type Server struct {
	est      PoseService
	drive    Drive
	sessions SessionStore
	loop     LoopStatus
	serial   SerialReloader
	decoder  *vision.Decoder
	units    string
}

func NewServer(opts Options) *Server {
	if opts.Units == "" {
		opts.Units = units.MPS
	}
	dec := opts.Vision
	if dec == nil {
		dec = &vision.Decoder{DefaultStdDev: estimator.DefaultVisionStdDevs, Source: "http"}
	}
	return &Server{
		est:      opts.Estimator,
		drive:    opts.Drive,
		sessions: opts.Sessions,
		loop:     opts.Loop,
		serial:   opts.Serial,
		decoder:  dec,
		units:    opts.Units,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pose", s.showPose)
	mux.HandleFunc("/api/pose/reset", s.resetPose)
	mux.HandleFunc("/api/vision", s.addVision)
	mux.HandleFunc("/api/providers", s.listProviders)
	mux.HandleFunc("/api/odometry/status", s.showOdometryStatus)
	mux.HandleFunc("/api/drive", s.driveVelocity)
	mux.HandleFunc("/api/drive/stop", s.driveStop)
	mux.HandleFunc("/api/telemetry", s.showTelemetry)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/{id}", s.showSession)
	mux.HandleFunc("/api/sessions/{id}/poses", s.listPoses)
	mux.HandleFunc("/api/sessions/{id}/vision", s.listVision)
	mux.HandleFunc("/api/serial", s.serialConfig)
	mux.HandleFunc("/api/serial/command", s.sendCommandHandler)
	mux.HandleFunc("/api/serial/ports", s.listSerialPorts)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

func unavailable(w http.ResponseWriter, what string) {
	httputil.WriteJSONError(w, http.StatusServiceUnavailable, what+" not configured")
}

// requestUnits resolves ?units=, falling back to the server default.
func (s *Server) requestUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid 'units' parameter, expected one of: %s", units.GetValidUnitsString())
	}
	return u, nil
}

func (s *Server) showPose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.est.Pose())
}

// poseRequest accepts SI numbers or unit strings.
type poseRequest struct {
	X       units.Distance `json:"x"`
	Y       units.Distance `json:"y"`
	Heading units.Angle    `json:"heading"`
}

func (s *Server) resetPose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req poseRequest
	// an empty body resets to the origin
	if err := httputil.DecodeJSON(r, &req, maxBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.est.ResetPose(geom.NewPose(float64(req.X), float64(req.Y), float64(req.Heading)))
	httputil.WriteJSONOK(w, s.est.Pose())
}

type visionResponse struct {
	Applied     bool                        `json:"applied"`
	Measurement estimator.VisionMeasurement `json:"measurement"`
	Pose        estimator.Estimate          `json:"pose"`
}

func (s *Server) addVision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	m, err := s.decoder.Decode(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	applied := s.est.AddVisionMeasurement(m)
	httputil.WriteJSON(w, http.StatusAccepted, visionResponse{
		Applied:     applied,
		Measurement: m,
		Pose:        s.est.Pose(),
	})
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	providers := s.est.Providers()
	if providers == nil {
		providers = []estimator.ProviderStatus{}
	}
	httputil.WriteJSONOK(w, providers)
}

type speedsResponse struct {
	Units string  `json:"units"`
	VX    float64 `json:"vx"`
	VY    float64 `json:"vy"`
	Speed float64 `json:"speed"`
	Omega float64 `json:"omega"`
}

type odometryStatusResponse struct {
	odometry.Status
	Measured  speedsResponse  `json:"measured"`
	Estimator estimator.Stats `json:"estimator"`
}

func (s *Server) showOdometryStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.drive == nil {
		unavailable(w, "drivetrain")
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sp := s.drive.MeasuredSpeeds()
	httputil.WriteJSONOK(w, odometryStatusResponse{
		Status: s.drive.OdometryStatus(),
		Measured: speedsResponse{
			Units: u,
			VX:    units.ConvertSpeed(sp.VX, u),
			VY:    units.ConvertSpeed(sp.VY, u),
			Speed: units.ConvertSpeed(geom.Translation{X: sp.VX, Y: sp.VY}.Norm(), u),
			Omega: sp.Omega,
		},
		Estimator: s.est.Stats(),
	})
}

type driveRequest struct {
	VX            units.Speed        `json:"vx"`
	VY            units.Speed        `json:"vy"`
	Omega         units.AngularSpeed `json:"omega"`
	FieldRelative bool               `json:"field_relative"`
}

func (s *Server) driveVelocity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.drive == nil {
		unavailable(w, "drivetrain")
		return
	}
	var req driveRequest
	if err := httputil.DecodeJSON(r, &req, maxBodyBytes); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	speeds := kinematics.ChassisSpeeds{VX: float64(req.VX), VY: float64(req.VY), Omega: float64(req.Omega)}
	s.drive.RunVelocity(speeds, req.FieldRelative)
	httputil.WriteJSONOK(w, speeds)
}

func (s *Server) driveStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.drive == nil {
		unavailable(w, "drivetrain")
		return
	}
	if x, _ := strconv.ParseBool(r.URL.Query().Get("x")); x {
		s.drive.StopWithX()
	} else {
		s.drive.Stop()
	}
	httputil.WriteJSONOK(w, map[string]bool{"stopped": true})
}

func (s *Server) showTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.loop == nil {
		unavailable(w, "control loop")
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"loop":    s.loop.Stats(),
		"sources": s.loop.Telemetry(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.sessions == nil {
		unavailable(w, "pose log")
		return
	}
	sessions, err := s.sessions.Sessions()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// sessionID parses the {id} path segment and checks the session exists.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return uuid.Nil, false
	}
	if s.sessions == nil {
		unavailable(w, "pose log")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.BadRequest(w, "Invalid session id")
		return uuid.Nil, false
	}
	if _, err := s.sessions.Session(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, "Session not found")
		} else {
			httputil.InternalServerError(w, err.Error())
		}
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	session, err := s.sessions.Session(id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, session)
}

func (s *Server) listPoses(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	poses, err := s.sessions.Poses(id, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve poses: %v", err))
		return
	}
	if poses == nil {
		poses = []db.PoseRow{}
	}
	httputil.WriteJSONOK(w, poses)
}

func (s *Server) listVision(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	rows, err := s.sessions.VisionMeasurements(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve vision measurements: %v", err))
		return
	}
	if rows == nil {
		rows = []db.VisionRow{}
	}
	httputil.WriteJSONOK(w, rows)
}

type serialRequest struct {
	Port string `json:"port"`
	serialmux.PortOptions
}

func (s *Server) serialConfig(w http.ResponseWriter, r *http.Request) {
	if s.serial == nil {
		unavailable(w, "serial bridge")
		return
	}
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.serial.Snapshot())
	case http.MethodPost:
		var req serialRequest
		if err := httputil.DecodeJSON(r, &req, maxBodyBytes); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		res, err := s.serial.Reload(r.Context(), req.Port, req.PortOptions)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, res)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// listSerialPorts reports the serial devices present, for picking a port
// to reload onto. It works without a configured bridge.
func (s *Server) listSerialPorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ports, err := serialmux.AvailablePorts()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list serial ports: %v", err))
		return
	}
	if ports == nil {
		ports = []string{}
	}
	httputil.WriteJSONOK(w, map[string][]string{"ports": ports})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.serial == nil {
		unavailable(w, "serial bridge")
		return
	}

	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	if err := s.serial.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"units":       s.units,
		"valid_units": units.ValidUnits,
	})
}
