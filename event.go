// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package npi

import (
	"sync/atomic"
	"time"

	"github.com/tve/npi/thread"
)

const (
	minEventTimeout = 3 * time.Millisecond
	maxEventTimeout = 100 * time.Millisecond
	// minTimeoutsBeforeBackoff is the number of consecutive OS-level
	// timeouts at the minimum cadence before the event goroutine gives up
	// on a busy slave and backs off to the maximum timeout.
	minTimeoutsBeforeBackoff = 100
)

// eventLoop is the event goroutine (C7, interrupt mode only): it
// translates SRDY edge events from the OS-level readiness handle into
// wakeups for the poll goroutine, adapting its wait timeout between 3 ms
// and 100 ms to match traffic cadence. It never touches SPI (I5).
func (t *Transport) eventLoop() {
	defer t.wg.Done()
	defer func() {
		select {
		case t.pollWake <- struct{}{}:
		default:
		}
	}()

	if t.cfg.RealtimeEventThread {
		if err := thread.Realtime(); err != nil {
			t.trace.push("event: realtime scheduling unavailable: %v", err)
		}
	}

	timeout := maxEventTimeout
	consecutiveMinTimeouts := 0
	lastEdge := time.Now()

	for atomic.LoadInt32(&t.terminate) == 0 {
		if !t.srdyMu.TryLock() {
			// A send_sync/send_async/poll body owns SRDY right now; this
			// iteration contributes nothing, so back off briefly rather
			// than spin.
			time.Sleep(time.Millisecond)
			continue
		}

		edge := t.srdy.WaitEdge(timeout)
		if atomic.LoadInt32(&t.terminate) != 0 {
			t.srdyMu.Unlock()
			return
		}

		if !edge {
			t.srdyMu.Unlock()
			// No edge before the timeout. After enough of these in a row at
			// minimum cadence, assume traffic has stopped and back off.
			if timeout == minEventTimeout {
				consecutiveMinTimeouts++
				if consecutiveMinTimeouts >= minTimeoutsBeforeBackoff {
					timeout = maxEventTimeout
					consecutiveMinTimeouts = 0
				}
			}
			continue
		}

		now := time.Now()
		asserted := t.srdy.Asserted()
		wasAsserted := atomic.SwapInt32(&t.globalSrdy, boolToLevel(asserted)) == 1
		t.srdyMu.Unlock()

		if !asserted || wasAsserted {
			continue
		}

		delta := now.Sub(lastEdge)
		lastEdge = now
		timeout = clampDuration(delta, minEventTimeout, maxEventTimeout)
		if timeout == minEventTimeout {
			consecutiveMinTimeouts = 0
		}

		// Serialize with an in-flight send_sync/send_async before waking
		// the poll goroutine (O2): acquiring and releasing poll_lock here
		// ensures any transaction that is mid-flight finishes first.
		if err := t.lockPoll(siteEventSerialize); err != nil {
			t.fatal(err)
			return
		}
		if err := t.unlockPoll(siteEventSerialize); err != nil {
			t.fatal(err)
			return
		}

		select {
		case t.pollWake <- struct{}{}:
		default:
		}
	}
}

func boolToLevel(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
