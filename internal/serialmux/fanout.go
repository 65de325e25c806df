package serialmux

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// SubscriberBuffer is the per-subscriber line buffer. A subscriber that
// falls further behind than this misses lines rather than stalling the port.
const SubscriberBuffer = 64

// randomID returns 8 random bytes, hex encoded.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// fanout is a set of subscriber channels. Publishing never blocks: a full
// channel misses the line.
type fanout struct {
	mu     sync.Mutex
	subs   map[string]chan string
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]chan string)}
}

// add registers a channel. Once the fanout is closed it returns an empty id
// and an already closed channel so readers never block.
func (f *fanout) add() (string, chan string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		ch := make(chan string)
		close(ch)
		return "", ch
	}
	id := randomID()
	ch := make(chan string, SubscriberBuffer)
	f.subs[id] = ch
	return id, ch
}

// remove closes and forgets one channel. Unknown ids are ignored.
func (f *fanout) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fanout) publish(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// close closes every channel and rejects later subscribers. It reports
// whether this call did the closing.
func (f *fanout) close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	return true
}

func (f *fanout) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
