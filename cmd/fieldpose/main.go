package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/fieldpose/internal/api"
	"github.com/banshee-data/fieldpose/internal/config"
	"github.com/banshee-data/fieldpose/internal/db"
	"github.com/banshee-data/fieldpose/internal/drive"
	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/hardware"
	"github.com/banshee-data/fieldpose/internal/kinematics"
	"github.com/banshee-data/fieldpose/internal/loop"
	"github.com/banshee-data/fieldpose/internal/rpc"
	"github.com/banshee-data/fieldpose/internal/sampler"
	"github.com/banshee-data/fieldpose/internal/serialmux"
	"github.com/banshee-data/fieldpose/internal/timeutil"
	"github.com/banshee-data/fieldpose/internal/units"
	"github.com/banshee-data/fieldpose/internal/version"
	"github.com/banshee-data/fieldpose/internal/vision"
)

var (
	configPath  = flag.String("config", "", "Path to a drive config JSON file (defaults apply when empty)")
	vendorFlag  = flag.String("vendor", "", "Override the hardware vendor (sim, serial-bridge)")
	dbPathFlag  = flag.String("db-path", "", "Override the pose log database path")
	listen      = flag.String("listen", "", "Override the HTTP listen address")
	grpcListen  = flag.String("grpc-listen", "", "Override the gRPC listen address")
	visionUDP   = flag.String("vision-udp", "", "Override the vision datagram listen address")
	visionPCAP  = flag.String("vision-pcap", "", "Replay vision datagrams from a pcap file")
	pcapPort    = flag.Int("vision-pcap-port", 5810, "UDP port of vision datagrams in the pcap file")
	pcapSpeed   = flag.Float64("vision-pcap-speed", 1.0, "Replay speed multiplier for -vision-pcap")
	speedUnits  = flag.String("units", units.MPS, "Default speed units for the HTTP API")
	sessionNote = flag.String("note", "", "Note stored with this drive session")
	noRecord    = flag.Bool("no-record", false, "Do not write poses to the database")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// telemetryFunc adapts a snapshot function to loop.TelemetrySource.
type telemetryFunc func() any

func (f telemetryFunc) Telemetry() any { return f() }

// loadConfig reads path, or the defaults when path is empty, and applies
// the command line overrides.
func loadConfig(path string) (*config.DriveConfig, error) {
	cfg := config.DefaultDriveConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadDriveConfig(path); err != nil {
			return nil, err
		}
	}
	override := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	override(&cfg.Vendor, *vendorFlag)
	override(&cfg.DatabasePath, *dbPathFlag)
	override(&cfg.HTTPListen, *listen)
	override(&cfg.GRPCListen, *grpcListen)
	override(&cfg.VisionUDPAddr, *visionUDP)
	override(&cfg.VisionPCAP, *visionPCAP)
	return cfg, cfg.Validate()
}

// newKinematics builds the swerve geometry and per-module position wraps
// from the configured module placements.
func newKinematics(cfg *config.DriveConfig) (*kinematics.Swerve, []string, []float64, error) {
	mods := cfg.GetModules()
	offsets := make([]geom.Translation, len(mods))
	names := make([]string, len(mods))
	wraps := make([]float64, len(mods))
	for i, m := range mods {
		offsets[i] = geom.Translation{X: m.X, Y: m.Y}
		names[i] = m.Name
		wraps[i] = m.PositionWrap
	}
	kin, err := kinematics.New(offsets)
	if err != nil {
		return nil, nil, nil, err
	}
	return kin, names, wraps, nil
}

// newSerialManager opens the configured bridge port. Vendors that need no
// serial link get a manager around a disabled mux and no factory.
func newSerialManager(vendor hardware.Vendor, cfg *config.DriveConfig) (*serialmux.Manager, error) {
	if vendor != hardware.VendorSerialBridge {
		return serialmux.NewManager(serialmux.NewDisabledSerialMux(), serialmux.Snapshot{}, nil), nil
	}
	if cfg.Serial == nil {
		return nil, errors.New("serial vendor needs a serial block in the config")
	}
	opts, err := serialmux.PortOptions{
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		StopBits: cfg.Serial.StopBits,
		Parity:   cfg.Serial.Parity,
	}.Normalize()
	if err != nil {
		return nil, fmt.Errorf("serial options: %w", err)
	}
	factory := func(path string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
		m, err := serialmux.NewRealSerialMux(path, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	initial, err := factory(cfg.Serial.Port, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Serial.Port, err)
	}
	if err := initial.Initialize(); err != nil {
		initial.Close()
		return nil, fmt.Errorf("failed to initialize serial bridge: %w", err)
	}
	return serialmux.NewManager(initial, serialmux.Snapshot{Port: cfg.Serial.Port, Options: opts}, factory), nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetDatabasePath(), os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if !units.IsValid(*speedUnits) {
		log.Fatalf("Invalid -units %q, valid: %s", *speedUnits, units.GetValidUnitsString())
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	vendor, err := hardware.ParseVendor(cfg.GetVendor())
	if err != nil {
		log.Fatalf("Failed to parse vendor: %v", err)
	}
	kin, names, wraps, err := newKinematics(cfg)
	if err != nil {
		log.Fatalf("Failed to build kinematics: %v", err)
	}
	log.Printf("%s: %s drivetrain with %d modules", version.String(), vendor, len(names))

	serialMgr, err := newSerialManager(vendor, cfg)
	if err != nil {
		log.Fatalf("Failed to set up serial: %v", err)
	}
	defer serialMgr.Close()

	set, err := hardware.NewModules(vendor, hardware.Options{
		Names:      names,
		Kinematics: kin,
		Mux:        serialMgr,
	})
	if err != nil {
		log.Fatalf("Failed to create hardware: %v", err)
	}

	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// one epoch for the sampler and every vision decoder so measurement
	// timestamps line up with odometry
	epoch := timeutil.NewEpoch(timeutil.RealClock{})

	var recorder *db.Recorder
	x, y, heading := cfg.GetInitialPose()
	estCfg := estimator.Config{
		HistoryCapacity: cfg.GetHistoryCapacity(),
		InitialPose:     geom.NewPose(x, y, heading),
		StateStdDevs:    cfg.GetStateStdDevs(),
		DriftStdDevs:    cfg.GetDriftStdDevsPerMeter(),
		TurnDriftStdDev: cfg.GetTurnDriftStdDev(),
	}
	if !*noRecord {
		estCfg.OnVision = func(m estimator.VisionMeasurement, o estimator.Outcome) {
			recorder.RecordVision(m, o)
		}
	}
	est, err := estimator.New(estCfg)
	if err != nil {
		log.Fatalf("Failed to create estimator: %v", err)
	}

	var session db.Session
	if !*noRecord {
		snapshot, err := json.Marshal(cfg)
		if err != nil {
			log.Fatalf("Failed to encode config: %v", err)
		}
		session, err = database.CreateSession(vendor.String(), *sessionNote, snapshot)
		if err != nil {
			log.Fatalf("Failed to create session: %v", err)
		}
		log.Printf("Recording session %s to %s", session.ID, cfg.GetDatabasePath())
		recorder = db.NewRecorder(db.RecorderConfig{
			DB:           database,
			Session:      session.ID,
			Poses:        est,
			PoseInterval: cfg.GetPoseLogInterval(),
		})
	}

	tickPeriod := cfg.GetTickPeriod()
	drivetrain, err := drive.New(drive.Config{
		Kinematics:    kin,
		Hardware:      set,
		Estimator:     est,
		PositionWraps: wraps,
		MaxSpeed:      cfg.GetMaxDriveSpeed(),
		Period:        tickPeriod,
		Sampler: sampler.Config{
			Name:          "drivetrain",
			Period:        cfg.GetSamplePeriod(),
			QueueCapacity: cfg.GetQueueCapacity(),
			Epoch:         &epoch,
		},
	})
	if err != nil {
		log.Fatalf("Failed to create drivetrain: %v", err)
	}

	scheduler := loop.New(loop.Config{Period: tickPeriod})
	if set.Sim != nil {
		scheduler.AddSimulated(set.Sim)
	}
	scheduler.AddPeriodic(drivetrain)
	scheduler.AddTelemetry("drive", drivetrain)
	if recorder != nil {
		scheduler.AddPeriodic(recorder)
		scheduler.AddTelemetry("recorder", telemetryFunc(func() any { return recorder.Stats() }))
	}
	if set.Bridge != nil {
		scheduler.AddTelemetry("bridge", telemetryFunc(func() any {
			parse, send := set.Bridge.Errors()
			return map[string]any{"parse_errors": parse, "send_errors": send, "device": set.Bridge.DeviceConfig()}
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if err := drivetrain.Start(ctx); err != nil {
		log.Fatalf("Failed to start sampler: %v", err)
	}

	if addr := cfg.GetVisionUDPAddr(); addr != "" {
		udp, err := vision.ListenUDP(addr, &vision.Decoder{
			Epoch:         epoch,
			DefaultStdDev: cfg.GetVisionDefaultStdDevs(),
			Source:        "udp",
		})
		if err != nil {
			log.Fatalf("Failed to listen for vision: %v", err)
		}
		est.RegisterPoseProvider(ctx, udp)
		scheduler.AddTelemetry("vision_udp", telemetryFunc(func() any { return udp.Stats() }))
		log.Printf("Vision datagrams on %s", udp.Addr())
	}
	if path := cfg.GetVisionPCAP(); path != "" {
		replay := vision.NewPCAPProvider(vision.PCAPConfig{
			Path:            path,
			Port:            *pcapPort,
			SpeedMultiplier: *pcapSpeed,
		}, &vision.Decoder{
			Epoch:           epoch,
			DefaultStdDev:   cfg.GetVisionDefaultStdDevs(),
			IgnoreTimestamp: true,
			Source:          "pcap",
		})
		est.RegisterPoseProvider(ctx, replay)
		scheduler.AddTelemetry("vision_pcap", telemetryFunc(func() any { return replay.Stats() }))
		log.Printf("Replaying vision from %s", path)
	}

	// serial monitor routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serialMgr.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	if set.Bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := set.Bridge.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("serial bridge stopped: %v", err)
			}
		}()
	}

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(ctx); err != nil {
				log.Printf("recorder stopped: %v", err)
			}
			log.Printf("recorder flushed: %+v", recorder.Stats())
		}()
	}

	// control loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("control loop stopped: %v", err)
		}
		drivetrain.Close()
		log.Print("control loop terminated")
	}()

	// gRPC server
	if addr := cfg.GetGRPCListen(); addr != "" {
		poseService := rpc.NewServer(est)
		poseService.SetDefaultStdDev(cfg.GetVisionDefaultStdDevs())
		grpcServer := rpc.NewListener(addr, poseService)
		if err := grpcServer.Start(); err != nil {
			log.Fatalf("Failed to start gRPC server: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			grpcServer.Stop()
		}()
	}

	// HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()

		opts := api.Options{
			Estimator: est,
			Drive:     drivetrain,
			Sessions:  database,
			Loop:      scheduler,
			Vision: &vision.Decoder{
				Epoch:         epoch,
				DefaultStdDev: cfg.GetVisionDefaultStdDevs(),
				Source:        "http",
			},
			Units: *speedUnits,
		}
		if vendor == hardware.VendorSerialBridge {
			opts.Serial = serialMgr
		}
		mux := api.NewServer(opts).ServeMux()
		serialMgr.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    cfg.GetHTTPListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP API listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	est.WaitProviders()

	if recorder != nil {
		if err := database.EndSession(session.ID); err != nil {
			log.Printf("failed to end session: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}
