// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package handshake implements the MRDY/SRDY handshake protocol core: the
// four primitive operations (ASYNC send, SYNC request/response, poll, and
// reset/sync) that drive the GPIO line abstraction (gpioline) and the SPI
// bus abstraction (spibus) to exchange frames with a tethered Network
// Processor.
//
// Every primitive here assumes its caller already holds whatever
// serialization discipline the transport coordinator requires (the
// poll-lock); the engine itself has no locking of its own; see package npi
// for that.
package handshake

import (
	"time"

	"github.com/tve/npi/frame"
	"github.com/tve/npi/gpioline"
	"github.com/tve/npi/spibus"
)

// DefaultResetDetectUS is the default slow-SRDY-rise threshold, in
// microseconds, above which a SYNC request or poll is suspected to have
// raced a slave reset. 500ms is the documented default.
const DefaultResetDetectUS = 500_000

// State names the handshake state machine's states (§4.3.5 of the protocol
// description). The engine does not gate control flow on State — Go's
// ordinary sequential control flow already enforces the transitions — but
// it reports each transition through Config.OnState for tracing and tests.
type State int

const (
	StateIdle State = iota
	StateMrdyAsserted
	StateSrdyAckd
	StateWriting
	StateAwaitingSrdyHigh
	StateReading
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateMrdyAsserted:
		return "MrdyAsserted"
	case StateSrdyAckd:
		return "SrdyAckd"
	case StateWriting:
		return "Writing"
	case StateAwaitingSrdyHigh:
		return "AwaitingSrdyHigh"
	case StateReading:
		return "Reading"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config parametrizes the handshake engine. It is the immutable-after-open
// configuration from §3 of the protocol description, restricted to the
// fields the engine itself consults.
type Config struct {
	EarlyMrdyDeassert             bool
	DetectResetFromSlowSrdyAssert bool
	ForceRunOnReset               *byte
	SrdyMrdyHandshakeSupport      bool
	ResetDetectThreshold          time.Duration
	// SrdyWaitTimeout bounds every wait_asserted/wait_deasserted call on SRDY.
	SrdyWaitTimeout time.Duration
	// MrdyWaitTimeout is carried with the other wait bounds; the engine
	// performs no waits on MRDY (the host drives it) and does not read it.
	MrdyWaitTimeout time.Duration
	// OnState, if set, is called on every handshake state transition.
	OnState func(State)
	// Trace, if set, receives a short diagnostic string whenever a
	// best-effort MRDY deassert fails (the transport coordinator supplies a
	// ring buffer).
	Trace func(format string, args ...interface{})
}

// Engine is the handshake protocol core: it drives MRDY, SRDY, and the SPI
// bus through the four primitive exchanges.
type Engine struct {
	MRDY  *gpioline.Line
	SRDY  *gpioline.Line
	RESET *gpioline.Line
	Bus   *spibus.Bus
	Cfg   Config
}

func (e *Engine) setState(s State) {
	if e.Cfg.OnState != nil {
		e.Cfg.OnState(s)
	}
}

func (e *Engine) trace(format string, args ...interface{}) {
	if e.Cfg.Trace != nil {
		e.Cfg.Trace(format, args...)
	}
}

// deassertMrdyBestEffort asserts I3: MRDY is brought back up on every exit
// path, including failure paths, without masking the original error.
func (e *Engine) deassertMrdyBestEffort() {
	if err := e.MRDY.Deassert(); err != nil {
		e.trace("handshake: best-effort MRDY deassert failed: %v", err)
	}
}

// SendAsync implements §4.3.1: a fire-and-forget AREQ frame, host to slave.
// early_mrdy_deassert never applies to AREQ (Open Question (a)).
func (e *Engine) SendAsync(f frame.Frame) error {
	f = f.WithType(frame.TypeAREQ)
	e.setState(StateIdle)

	if err := e.MRDY.Assert(); err != nil {
		return New(KindGpioInitFailed, err)
	}
	e.setState(StateMrdyAsserted)
	defer e.deassertMrdyBestEffort()

	if res, err := e.SRDY.WaitDeasserted(e.Cfg.SrdyWaitTimeout); err != nil {
		return New(KindSrdyWaitTimeout, err)
	} else if res == gpioline.Timeout {
		return New(KindSrdyWaitTimeout, nil)
	}
	e.setState(StateSrdyAckd)

	e.setState(StateWriting)
	if err := e.Bus.Write(f.Encode()); err != nil {
		e.setState(StateFailed)
		return New(KindSpiIoError, err)
	}

	e.setState(StateDone)
	return nil
}

// SendSync implements §4.3.2: a SREQ/SRSP exchange. On success the returned
// Frame is the decoded SRSP.
func (e *Engine) SendSync(f frame.Frame) (frame.Frame, error) {
	f = f.WithType(frame.TypeSREQ)
	e.setState(StateIdle)

	if err := e.MRDY.Assert(); err != nil {
		return frame.Frame{}, New(KindGpioInitFailed, err)
	}
	e.setState(StateMrdyAsserted)
	mrdyAsserted := true
	defer func() {
		if mrdyAsserted {
			e.deassertMrdyBestEffort()
		}
	}()

	if res, err := e.SRDY.WaitDeasserted(e.Cfg.SrdyWaitTimeout); err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSrdyWaitTimeout, err)
	} else if res == gpioline.Timeout {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSrdyWaitTimeout, nil)
	}
	e.setState(StateSrdyAckd)

	e.setState(StateWriting)
	if err := e.Bus.Write(f.Encode()); err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSpiIoError, err)
	}

	e.setState(StateAwaitingSrdyHigh)
	start := time.Now()
	res, err := e.SRDY.WaitAsserted(e.Cfg.SrdyWaitTimeout)
	delta := time.Since(start)
	if err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSrdyWaitTimeout, err)
	}
	if res == gpioline.Timeout {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSrdyWaitTimeout, nil)
	}
	if e.Cfg.DetectResetFromSlowSrdyAssert {
		threshold := e.Cfg.ResetDetectThreshold
		if threshold <= 0 {
			threshold = DefaultResetDetectUS * time.Microsecond
		}
		if delta > threshold {
			e.setState(StateFailed)
			return frame.Frame{}, New(KindPossibleSlaveReset, nil)
		}
	}

	if e.Cfg.EarlyMrdyDeassert {
		e.deassertMrdyBestEffort()
		mrdyAsserted = false
	}

	e.setState(StateReading)
	hdrBuf, err := e.Bus.Read(frame.HeaderLen)
	if err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSpiIoError, err)
	}
	hdr, err := frame.DecodeHeader(hdrBuf)
	if err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSpiIoError, err)
	}
	if hdr.Illegal() {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindIllegalHeader, nil)
	}

	var payload []byte
	if hdr.Len > 0 {
		payload, err = e.Bus.Read(int(hdr.Len))
		if err != nil {
			e.setState(StateFailed)
			return frame.Frame{}, New(KindSpiIoError, err)
		}
	}

	e.setState(StateDone)
	return frame.Frame{Header: hdr, Payload: payload}, nil
}

// Poll implements §4.3.3: drain one slave-initiated frame. The caller is
// responsible for only invoking Poll once SRDY has been observed asserted
// (directly, or via the event thread's signal).
func (e *Engine) Poll() (frame.Frame, error) {
	e.setState(StateIdle)

	if err := e.MRDY.Assert(); err != nil {
		return frame.Frame{}, New(KindGpioInitFailed, err)
	}
	e.setState(StateMrdyAsserted)
	mrdyAsserted := true
	defer func() {
		if mrdyAsserted {
			e.deassertMrdyBestEffort()
		}
	}()

	e.setState(StateWriting)
	if err := e.Bus.Write(frame.Poll().Encode()); err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSpiIoError, err)
	}

	e.setState(StateAwaitingSrdyHigh)
	start := time.Now()
	res, err := e.SRDY.WaitAsserted(e.Cfg.SrdyWaitTimeout)
	delta := time.Since(start)
	if err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSrdyWaitTimeout, err)
	}
	if res == gpioline.Timeout {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSrdyWaitTimeout, nil)
	}
	if e.Cfg.DetectResetFromSlowSrdyAssert {
		threshold := e.Cfg.ResetDetectThreshold
		if threshold <= 0 {
			threshold = DefaultResetDetectUS * time.Microsecond
		}
		if delta > threshold {
			e.setState(StateFailed)
			return frame.Frame{}, New(KindPossibleSlaveReset, nil)
		}
	}

	if e.Cfg.EarlyMrdyDeassert {
		e.deassertMrdyBestEffort()
		mrdyAsserted = false
	}

	e.setState(StateReading)
	hdrBuf, err := e.Bus.Read(frame.HeaderLen)
	if err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSpiIoError, err)
	}
	hdr, err := frame.DecodeHeader(hdrBuf)
	if err != nil {
		e.setState(StateFailed)
		return frame.Frame{}, New(KindSpiIoError, err)
	}
	if hdr.Illegal() {
		// Logged and dropped by the poll thread, not a fatal engine error;
		// the engine still reports it so the caller can decide.
		e.setState(StateFailed)
		return frame.Frame{}, New(KindIllegalHeader, nil)
	}

	var payload []byte
	if hdr.Len > 0 {
		payload, err = e.Bus.Read(int(hdr.Len))
		if err != nil {
			e.setState(StateFailed)
			return frame.Frame{}, New(KindSpiIoError, err)
		}
	}

	e.setState(StateDone)
	return frame.Frame{Header: hdr, Payload: payload}, nil
}

// ResetAndSync implements §4.3.4: pulse RESET (or, when the engine has no
// RESET line, call swReset if it is non-nil), optionally request the slave to run, and
// optionally perform the 4-edge SRDY/MRDY handshake.
func (e *Engine) ResetAndSync(swReset func() error) error {
	e.setState(StateIdle)

	if e.RESET != nil {
		if err := e.RESET.Assert(); err != nil {
			return New(KindGpioInitFailed, err)
		}
		time.Sleep(1 * time.Millisecond)
		if err := e.RESET.Deassert(); err != nil {
			return New(KindGpioInitFailed, err)
		}
	} else if swReset != nil {
		if err := swReset(); err != nil {
			return New(KindSpiIoError, err)
		}
	}

	if e.Cfg.ForceRunOnReset != nil {
		if res, err := e.SRDY.WaitDeasserted(e.Cfg.SrdyWaitTimeout); err != nil {
			return New(KindSrdyWaitTimeout, err)
		} else if res == gpioline.Timeout {
			return New(KindSrdyWaitTimeout, nil)
		}
		if err := e.Bus.Write([]byte{*e.Cfg.ForceRunOnReset}); err != nil {
			return New(KindSpiIoError, err)
		}
		if res, err := e.SRDY.WaitAsserted(e.Cfg.SrdyWaitTimeout); err != nil {
			return New(KindSrdyWaitTimeout, err)
		} else if res == gpioline.Timeout {
			return New(KindSrdyWaitTimeout, nil)
		}
	}

	if e.Cfg.SrdyMrdyHandshakeSupport {
		// The 4-edge handshake: wait SRDY clear, assert MRDY, wait SRDY set,
		// deassert MRDY, then verify SRDY went high again.
		if res, err := e.SRDY.WaitDeasserted(e.Cfg.SrdyWaitTimeout); err != nil {
			return New(KindSrdyWaitTimeout, err)
		} else if res == gpioline.Timeout {
			return New(KindSrdyWaitTimeout, nil)
		}
		if err := e.MRDY.Assert(); err != nil {
			return New(KindGpioInitFailed, err)
		}
		res, err := e.SRDY.WaitAsserted(e.Cfg.SrdyWaitTimeout)
		if err != nil {
			e.deassertMrdyBestEffort()
			return New(KindSrdyWaitTimeout, err)
		}
		e.deassertMrdyBestEffort()
		if res == gpioline.Timeout {
			return New(KindSrdyWaitTimeout, nil)
		}
		if e.SRDY.Asserted() {
			return New(KindSrdyWaitTimeout, nil)
		}
	}

	time.Sleep(500 * time.Microsecond)
	e.setState(StateDone)
	return nil
}
