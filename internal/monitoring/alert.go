package monitoring

import "sync"

// Severity grades an Alert for operator dashboards.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is a persistent, operator-visible condition. Set may be called every
// control tick; only transitions are logged.
type Alert struct {
	text     string
	severity Severity

	mu     sync.Mutex
	active bool
	raised int
}

// NewAlert creates an inactive alert.
func NewAlert(text string, severity Severity) *Alert {
	return &Alert{text: text, severity: severity}
}

// Set updates the alert state and reports whether it changed.
func (a *Alert) Set(active bool) bool {
	a.mu.Lock()
	if a.active == active {
		a.mu.Unlock()
		return false
	}
	a.active = active
	if active {
		a.raised++
	}
	a.mu.Unlock()

	if active {
		Logf("[alert:%s] %s", a.severity, a.text)
	} else {
		Logf("[alert:%s] cleared: %s", a.severity, a.text)
	}
	return true
}

// Active reports whether the alert is currently raised.
func (a *Alert) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Raised returns how many times the alert has transitioned to active.
func (a *Alert) Raised() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raised
}

// Text returns the alert message.
func (a *Alert) Text() string { return a.text }

// Severity returns the alert severity.
func (a *Alert) Severity() Severity { return a.severity }
