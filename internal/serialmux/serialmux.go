// Package serialmux shares one line-oriented serial device between many
// readers and writers. The drivetrain uses it to talk to the motor
// controller bridge: the bridge streams module and gyro telemetry lines and
// accepts setpoint commands.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("serialmux: short write")

// SerialMuxInterface is implemented by SerialMux, DisabledSerialMux and
// Manager.
type SerialMuxInterface interface {
	// Subscribe returns a buffered channel of received lines and the id to
	// Unsubscribe it with.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one line to the device.
	SendCommand(string) error
	// Monitor reads lines and publishes them until ctx is done or the
	// device fails.
	Monitor(context.Context) error
	// Close closes every subscriber channel and the device.
	Close() error
	// Initialize puts the device into streaming mode.
	Initialize() error
	// AttachAdminRoutes mounts debug routes under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// bridgeStartCommands follow the clock sync in Initialize.
var bridgeStartCommands = []string{
	"SX", // stop all modules
	"OM", // enable module telemetry
	"OG", // enable gyro telemetry
}

// SerialMux multiplexes one port. T is usually serial.Port.
type SerialMux[T SerialPorter] struct {
	port    T
	subs    *fanout
	writeMu sync.Mutex
	closing atomic.Bool
}

var _ SerialMuxInterface = (*SerialMux[SerialPorter])(nil)

// NewSerialMux wraps port. Nothing is read until Monitor runs.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{port: port, subs: newFanout()}
}

func (s *SerialMux[T]) Subscribe() (string, chan string) { return s.subs.add() }

func (s *SerialMux[T]) Unsubscribe(id string) { s.subs.remove(id) }

// Initialize syncs the bridge clock to wall time in milliseconds, then
// parks every module and enables the telemetry streams the drivetrain
// samples.
func (s *SerialMux[T]) Initialize() error {
	if err := s.SendCommand(fmt.Sprintf("C=%d", time.Now().UnixMilli())); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}
	for _, cmd := range bridgeStartCommands {
		if err := s.SendCommand(cmd); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", cmd, err)
		}
	}
	return nil
}

// SendCommand writes command, newline terminated. Concurrent callers never
// interleave.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor publishes every line read from the port. Trailing carriage
// returns are stripped. It returns ctx.Err() on cancellation, nil once the
// mux is closed or the port reaches EOF, and the read error otherwise.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// Scan blocks in Read, so it runs on its own goroutine and exits when
	// the port is closed.
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			select {
			case lines <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		readErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if s.closing.Load() {
					return nil
				}
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if s.closing.Load() {
				return nil
			}
			s.subs.publish(line)
		}
	}
}

// Close closes every subscriber and then the port.
func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)
	s.subs.close()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutesForMux(mux, s)
}

// AttachAdminRoutesForMux mounts /debug/send-command-api and /debug/tail
// for any SerialMuxInterface.
func AttachAdminRoutesForMux(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command-api", "POST a command to the serial port", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command: "+err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	// server-sent events, one per received line
	debug.HandleFunc("tail", "server-sent events of serial port lines", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, lines := s.Subscribe()
		defer s.Unsubscribe(id)

		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
