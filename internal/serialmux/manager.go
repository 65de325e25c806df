package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/fieldpose/internal/monitoring"
)

// ErrManagerClosed is returned by Manager methods after Close.
var ErrManagerClosed = errors.New("serialmux: manager closed")

// Factory opens a mux on the given port. NewRealSerialMux is the production
// factory; tests inject their own.
type Factory func(path string, opts PortOptions) (SerialMuxInterface, error)

// Snapshot describes the port configuration currently applied.
type Snapshot struct {
	Port    string      `json:"port"`
	Options PortOptions `json:"options"`
}

// ReloadResult is reported to API clients after a reload request.
type ReloadResult struct {
	Changed bool     `json:"changed"`
	Message string   `json:"message"`
	Config  Snapshot `json:"config"`
}

// Manager wraps a SerialMuxInterface so the port can be reopened with new
// options while the process runs. It implements SerialMuxInterface itself.
//
// Subscribers receive channels owned by the manager rather than by the
// underlying mux. A forwarding goroutine subscribes to whichever mux is current
// and forwards lines, resubscribing after every reload, so subscriptions
// outlive the mux they were created against.
type Manager struct {
	mu      sync.RWMutex
	current SerialMuxInterface
	snap    Snapshot
	closed  bool
	factory Factory

	reloadMu sync.Mutex

	subs *fanout
	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager starts a Manager around initial. factory may be nil, in which
// case Reload always fails.
func NewManager(initial SerialMuxInterface, snap Snapshot, factory Factory) *Manager {
	m := &Manager{
		current: initial,
		snap:    snap,
		factory: factory,
		subs:    newFanout(),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.forward()
	return m
}

// CurrentMux returns the mux in use, or nil mid-reload.
func (m *Manager) CurrentMux() SerialMuxInterface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the active port configuration.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

const resubscribeDelay = 50 * time.Millisecond

func (m *Manager) forward() {
	defer m.wg.Done()
	var (
		subID  string
		subCh  chan string
		source SerialMuxInterface
	)
	defer func() {
		if subID != "" && source != nil {
			source.Unsubscribe(subID)
		}
		m.subs.close()
	}()

	for {
		if subID == "" {
			source = m.CurrentMux()
			if source != nil {
				subID, subCh = source.Subscribe()
			}
			if subID == "" {
				select {
				case <-m.done:
					return
				case <-time.After(resubscribeDelay):
					continue
				}
			}
		}

		select {
		case <-m.done:
			return
		case line, ok := <-subCh:
			if !ok {
				// the mux was closed, most likely by Reload
				subID, subCh, source = "", nil, nil
				continue
			}
			m.subs.publish(line)
		}
	}
}

// Subscribe returns a channel that survives reloads. After Close it returns
// a closed channel and an empty id.
func (m *Manager) Subscribe() (string, chan string) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		m.subs.close()
	}
	return m.subs.add()
}

// Unsubscribe closes and forgets a subscriber channel.
func (m *Manager) Unsubscribe(id string) { m.subs.remove(id) }

func (m *Manager) active() (SerialMuxInterface, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.current == nil {
		return nil, errors.New("serialmux: no port open")
	}
	return m.current, nil
}

// SendCommand writes to the current mux.
func (m *Manager) SendCommand(command string) error {
	mux, err := m.active()
	if err != nil {
		return err
	}
	return mux.SendCommand(command)
}

// Initialize initializes the current mux.
func (m *Manager) Initialize() error {
	mux, err := m.active()
	if err != nil {
		return err
	}
	return mux.Initialize()
}

// Monitor runs the current mux's Monitor, moving on to the replacement
// after each reload, until ctx is cancelled.
func (m *Manager) Monitor(ctx context.Context) error {
	for {
		mux := m.CurrentMux()
		if mux == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(resubscribeDelay):
				continue
			}
		}

		err := mux.Monitor(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			monitoring.Logf("serialmux: monitor stopped: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resubscribeDelay):
		}
	}
}

// Close closes the current mux and every subscriber channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cur := m.current
	m.current = nil
	m.mu.Unlock()

	var err error
	if cur != nil {
		err = cur.Close()
	}
	close(m.done)
	m.wg.Wait()
	return err
}

// AttachAdminRoutes mounts the debug routes against the manager.
func (m *Manager) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutesForMux(mux, m)
}

// Reload reopens the port with new settings. A request matching the active
// configuration is a no-op. The old mux is closed before the new one is
// opened since a serial port cannot be opened twice.
func (m *Manager) Reload(ctx context.Context, port string, opts PortOptions) (ReloadResult, error) {
	if m.factory == nil {
		return ReloadResult{}, errors.New("serialmux: no factory configured")
	}
	if port == "" {
		return ReloadResult{}, errors.New("serialmux: port is required")
	}
	if err := ctx.Err(); err != nil {
		return ReloadResult{}, err
	}
	normalized, err := opts.Normalize()
	if err != nil {
		return ReloadResult{}, err
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	m.mu.RLock()
	closed, snap := m.closed, m.snap
	m.mu.RUnlock()
	if closed {
		return ReloadResult{}, ErrManagerClosed
	}
	want := Snapshot{Port: port, Options: normalized}
	if snap.Port == port {
		if same, err := snap.Options.Equal(normalized); err == nil && same {
			return ReloadResult{Message: fmt.Sprintf("%s already active", port), Config: snap}, nil
		}
	}

	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			monitoring.Logf("serialmux: closing %s: %v", snap.Port, err)
		}
	}

	next, err := m.factory(port, normalized)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("failed to open %s: %w", port, err)
	}
	if err := next.Initialize(); err != nil {
		next.Close()
		return ReloadResult{}, fmt.Errorf("failed to initialize %s: %w", port, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		next.Close()
		return ReloadResult{}, ErrManagerClosed
	}
	m.current, m.snap = next, want
	m.mu.Unlock()

	monitoring.Logf("serialmux: reopened %s at %d baud", port, normalized.BaudRate)
	return ReloadResult{Changed: true, Message: fmt.Sprintf("reopened %s", port), Config: want}, nil
}

var _ SerialMuxInterface = (*Manager)(nil)
