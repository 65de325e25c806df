package estimator

import (
	"sort"

	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/odometry"
)

// entry is one retained odometry step.
type entry struct {
	frame odometry.Frame
	// odom is the pose after applying frame.Twist to the previous entry's
	// pose, before any correction anchored at this entry.
	odom geom.Pose
	// odomPath is the distance travelled since the last applied correction,
	// measured before this entry's corrections.
	odomPath float64
	// odomTurn is the absolute heading change since the last applied
	// correction, measured before this entry's corrections.
	odomTurn float64
	// pose is odom with every correction anchored here applied in
	// timestamp order.
	pose geom.Pose
	// corrections anchored at this entry, sorted by timestamp.
	corrections []VisionMeasurement
	// path is the distance travelled since the last applied correction,
	// measured after this entry's corrections.
	path float64
	turn float64
}

func (e *entry) timestamp() float64 { return e.frame.Timestamp }

// history is a fixed-capacity ring of entries in timestamp order.
type history struct {
	buf   []entry
	start int
	n     int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]entry, capacity)}
}

func (h *history) len() int { return h.n }

// at returns the i-th oldest entry.
func (h *history) at(i int) *entry {
	return &h.buf[(h.start+i)%len(h.buf)]
}

func (h *history) oldest() *entry { return h.at(0) }

func (h *history) newest() *entry { return h.at(h.n - 1) }

// push appends e, evicting the oldest entry when full.
func (h *history) push(e entry) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = e
		h.n++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// floor returns the index of the newest entry at or before ts, or -1 when
// ts predates every entry.
func (h *history) floor(ts float64) int {
	i := sort.Search(h.n, func(i int) bool { return h.at(i).timestamp() > ts })
	return i - 1
}

func (h *history) clear() {
	for i := range h.buf {
		h.buf[i] = entry{}
	}
	h.start, h.n = 0, 0
}
