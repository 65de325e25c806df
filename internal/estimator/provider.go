package estimator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fieldpose/internal/monitoring"
)

// MeasurementSink accepts vision measurements. *Estimator implements it.
type MeasurementSink interface {
	AddVisionMeasurement(VisionMeasurement) bool
}

// PoseProvider produces vision measurements on its own cadence until ctx is
// cancelled.
type PoseProvider interface {
	Name() string
	Run(ctx context.Context, sink MeasurementSink) error
}

// ProviderStatus describes a registered provider.
type ProviderStatus struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
	Running bool      `json:"running"`
	Err     string    `json:"error,omitempty"`
}

type providerSet struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	status []*ProviderStatus
}

// RegisterPoseProvider runs p on its own goroutine, feeding this estimator,
// until ctx is cancelled or p returns. It returns the provider's id.
func (e *Estimator) RegisterPoseProvider(ctx context.Context, p PoseProvider) uuid.UUID {
	st := &ProviderStatus{
		ID:      uuid.New(),
		Name:    p.Name(),
		Started: time.Now(),
		Running: true,
	}
	ps := &e.providers
	ps.mu.Lock()
	ps.status = append(ps.status, st)
	ps.mu.Unlock()

	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		monitoring.Logf("pose provider %s (%s) started", st.Name, st.ID)
		err := p.Run(ctx, e)

		ps.mu.Lock()
		st.Running = false
		if err != nil && !errors.Is(err, context.Canceled) {
			st.Err = err.Error()
		}
		ps.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("pose provider %s (%s) stopped: %v", st.Name, st.ID, err)
			return
		}
		monitoring.Logf("pose provider %s (%s) stopped", st.Name, st.ID)
	}()
	return st.ID
}

// Providers lists registered pose providers in registration order.
func (e *Estimator) Providers() []ProviderStatus {
	ps := &e.providers
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]ProviderStatus, len(ps.status))
	for i, st := range ps.status {
		out[i] = *st
	}
	return out
}

// WaitProviders blocks until every registered provider has returned.
func (e *Estimator) WaitProviders() {
	e.providers.wg.Wait()
}
