package sampler

// Sample is one queued signal value. Valid is always true for required
// signals and timestamps; optional signals carry their per-instant validity.
type Sample struct {
	Value float64
	Valid bool
}

// Queue is a fixed-capacity FIFO written by one Sampler and drained by one
// consumer. When full, new samples are dropped. All access is guarded by the
// owning Sampler's lock.
type Queue struct {
	name    string
	owner   *Sampler
	buf     []Sample
	head    int
	n       int
	dropped uint64
}

func newQueue(name string, owner *Sampler, capacity int) *Queue {
	return &Queue{name: name, owner: owner, buf: make([]Sample, capacity)}
}

// offer appends s and reports whether it fit. Caller holds owner.mu.
func (q *Queue) offer(s Sample) bool {
	if q.n == len(q.buf) {
		q.dropped++
		return false
	}
	q.buf[(q.head+q.n)%len(q.buf)] = s
	q.n++
	return true
}

// drainInto appends every queued sample to dst in FIFO order and empties
// the queue. Caller holds owner.mu.
func (q *Queue) drainInto(dst []Sample) []Sample {
	for i := 0; i < q.n; i++ {
		dst = append(dst, q.buf[(q.head+i)%len(q.buf)])
	}
	q.head, q.n = 0, 0
	return dst
}

// Name returns the name the queue was registered under.
func (q *Queue) Name() string { return q.name }

// Sampler returns the sampler that writes this queue.
func (q *Queue) Sampler() *Sampler { return q.owner }

// Cap returns the fixed queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Len returns the number of queued samples.
func (q *Queue) Len() int {
	q.owner.mu.Lock()
	defer q.owner.mu.Unlock()
	return q.n
}

// Dropped returns how many samples were discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.owner.mu.Lock()
	defer q.owner.mu.Unlock()
	return q.dropped
}
