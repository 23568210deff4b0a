// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package npi

import (
	"time"

	"github.com/tve/npi/frame"
	"github.com/tve/npi/handshake"
)

// pollLoop is the poll goroutine (C6): it waits for a readiness signal
// (the event goroutine in interrupt mode, a fixed interval otherwise),
// drains one slave-initiated frame through the handshake engine, and
// dispatches AREQ frames to Config.OnAREQ.
func (t *Transport) pollLoop() {
	defer t.wg.Done()
	interval := t.cfg.pollInterval()

	for {
		select {
		case <-t.doneCh:
			return
		case <-t.pollWake:
		case <-time.After(interval):
			if t.cfg.Interrupt {
				// In interrupt mode the ticker is just a dead-man's switch;
				// the real wakeups come from pollWake.
				continue
			}
		}

		if err := t.pollOnce(); err != nil {
			t.fatal(err)
			return
		}
	}
}

// pollOnce runs a single poll iteration under poll_lock, re-verifying SRDY
// to guard against a stale wakeup (I4) before touching the handshake
// engine.
func (t *Transport) pollOnce() error {
	if err := t.lockPoll(sitePoll); err != nil {
		return err
	}
	defer func() {
		if uerr := t.unlockPoll(sitePoll); uerr != nil {
			// unlockPoll already tagged this as a PollLockVarError; surface
			// it through the same fatal path the caller would otherwise use.
			t.fatal(uerr)
		}
	}()

	if !t.srdy.Asserted() {
		return nil
	}

	f, err := t.engine.Poll()
	if err != nil {
		if isIllegalHeader(err) {
			t.trace.push("poll: illegal header, dropped")
			return nil
		}
		return err
	}

	if f.Type() == frame.TypeAREQ && t.cfg.OnAREQ != nil {
		if cbErr := t.cfg.OnAREQ(f); cbErr != nil {
			return handshake.New(handshake.KindCallbackFailure, cbErr)
		}
	}
	return nil
}
