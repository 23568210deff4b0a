// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package npi

import (
	"fmt"
	"sync"
	"time"
)

// traceEvent is one timestamped entry in a Transport's debug ring buffer.
type traceEvent struct {
	at  time.Time
	txt string
}

// traceRing is a bounded ring buffer of timestamped diagnostic strings
// (poll_lock acquired/released and the failure notes the transport and
// engine push), read back through Transport.DebugEvents.
type traceRing struct {
	mu   sync.Mutex
	buf  []traceEvent
	size int
}

// defaultTraceSize bounds memory use; old entries are dropped once full.
const defaultTraceSize = 512

func newTraceRing(size int) *traceRing {
	if size <= 0 {
		size = defaultTraceSize
	}
	return &traceRing{size: size}
}

func (r *traceRing) push(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, traceEvent{at: time.Now(), txt: fmt.Sprintf(format, args...)})
	if len(r.buf) > r.size {
		r.buf = r.buf[len(r.buf)-r.size:]
	}
}

// Events returns a snapshot of the recorded trace, each formatted as
// "<seconds-since-first-event>s: <text>".
func (r *traceRing) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	t0 := r.buf[0].at
	out := make([]string, len(r.buf))
	for i, ev := range r.buf {
		out[i] = fmt.Sprintf("%.6fs: %s", ev.at.Sub(t0).Seconds(), ev.txt)
	}
	return out
}

func (r *traceRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
