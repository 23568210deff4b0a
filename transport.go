// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package npi implements the host side of the NPI (Network Processor
// Interface) SPI transport: a driver that exchanges framed messages with a
// tethered network processor over a SPI bus coordinated by the MRDY/SRDY
// handshake lines plus RESET.
//
// A Transport is created with New, wired to hardware (or a mock HAL for
// tests) with Open, and used from one or more goroutines via SendAsync,
// SendSync, ResetSlave, and SyncSlave. Slave-initiated frames are delivered
// to Config.OnAREQ from an internal poll goroutine; transport-fatal errors
// are delivered to Config.OnFatal and end the transport's background
// goroutines.
package npi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/periph/conn/gpio"

	"github.com/tve/npi/frame"
	"github.com/tve/npi/gpioline"
	"github.com/tve/npi/handshake"
	"github.com/tve/npi/spibus"
)

// HAL bundles the hardware (or mock) handles a Transport drives. MRDY and
// RESET only ever need level control; SRDY additionally needs edge
// detection for the event goroutine, so it is typed as the wider
// gpioline.EdgePin.
type HAL struct {
	MRDY, RESET gpioline.Pin
	SRDY        gpioline.EdgePin
	Port        spibus.Port

	MRDYActiveLow  bool
	SRDYActiveLow  bool
	RESETActiveLow bool
}

// Config parametrizes a Transport. It is immutable once passed to Open.
type Config struct {
	SPI spibus.Params

	EarlyMrdyDeassert             bool
	DetectResetFromSlowSrdyAssert bool
	ForceRunOnReset               *byte
	SrdyMrdyHandshakeSupport      bool
	ResetDetectThreshold          time.Duration

	SrdyWaitTimeout time.Duration
	MrdyWaitTimeout time.Duration

	// Interrupt selects the event-goroutine (C7) architecture; when false,
	// the poll goroutine (C6) simply wakes every PollInterval instead.
	Interrupt    bool
	PollInterval time.Duration

	// RealtimeEventThread requests SCHED_RR escalation for the event
	// goroutine (only meaningful with Interrupt); failure is logged, not
	// fatal, since unprivileged processes cannot obtain it on Linux.
	RealtimeEventThread bool

	// TraceSize bounds the debug ring buffer; 0 selects the default.
	TraceSize int

	// OnAREQ receives every slave-initiated frame, in SRDY-edge order. A
	// non-nil return is treated as CallbackFailure and is fatal for the
	// transport.
	OnAREQ func(frame.Frame) error
	// OnFatal is notified exactly once, with the error that ended the
	// transport's background goroutines.
	OnFatal func(error)
}

func (c Config) resetDetectThreshold() time.Duration {
	if c.ResetDetectThreshold > 0 {
		return c.ResetDetectThreshold
	}
	return handshake.DefaultResetDetectUS * time.Microsecond
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 10 * time.Millisecond
}

// Call-site identifiers for PollLockVarError: each site tags the
// diagnostic with the instrumentation point that detected it rather than a
// generic message.
const (
	siteSendAsync = iota + 1
	siteSendSync
	sitePoll
	siteReset
	siteSync
	siteEventSerialize
)

// Transport is the NPI SPI transport coordinator (C5): it owns poll_lock,
// dispatches client calls onto the handshake engine, and runs the poll
// (C6) and, optionally, event (C7) goroutines.
type Transport struct {
	mu          sync.Mutex // poll_lock
	pollLockVar int32      // shadow of poll_lock's held-state; see lockPoll/unlockPoll
	srdyMu      sync.Mutex // srdy_lock, interrupt mode only

	opened    bool
	terminate int32 // poll_terminate, one-shot
	closeOnce sync.Once
	pollWake  chan struct{}
	doneCh    chan struct{}
	wg        sync.WaitGroup

	globalSrdy int32 // last SRDY level observed by the event goroutine

	cfg     Config
	engine  *handshake.Engine
	bus     *spibus.Bus
	srdy    *gpioline.Line
	trace   *traceRing
	fatalMu sync.Mutex
	fatal1  error
}

// New returns an unopened Transport. Call Open to attach it to hardware.
func New() *Transport {
	return &Transport{pollWake: make(chan struct{}, 1), doneCh: make(chan struct{})}
}

// Open initializes GPIO and SPI resources from hal, brings the slave up
// with the reset/sync sequence, and starts the poll goroutine (and, if
// cfg.Interrupt, the event goroutine). It fails without starting any
// goroutine if Open was already called on this Transport, or if any
// GPIO/SPI initialization step fails.
func (t *Transport) Open(hal HAL, cfg Config) error {
	t.mu.Lock()
	if t.opened {
		t.mu.Unlock()
		return handshake.New(handshake.KindAlreadyOpen, nil)
	}
	t.opened = true
	t.mu.Unlock()

	t.cfg = cfg
	t.trace = newTraceRing(cfg.TraceSize)

	mrdy := gpioline.New("MRDY", hal.MRDY, hal.MRDYActiveLow)
	srdy := gpioline.New("SRDY", hal.SRDY, hal.SRDYActiveLow)
	if err := mrdy.ConfigureOut(); err != nil {
		return handshake.New(handshake.KindGpioInitFailed, err)
	}
	edge := gpio.NoEdge
	if cfg.Interrupt {
		edge = gpio.BothEdges
	}
	if err := srdy.ConfigureIn(edge); err != nil {
		return handshake.New(handshake.KindGpioInitFailed, err)
	}

	var reset *gpioline.Line
	if hal.RESET != nil {
		reset = gpioline.New("RESET", hal.RESET, hal.RESETActiveLow)
		if err := reset.ConfigureOut(); err != nil {
			return handshake.New(handshake.KindGpioInitFailed, err)
		}
	}

	bus, err := spibus.Open(hal.Port, cfg.SPI)
	if err != nil {
		return handshake.New(handshake.KindSpiInitFailed, err)
	}

	t.srdy = srdy
	t.bus = bus
	t.engine = &handshake.Engine{
		MRDY:  mrdy,
		SRDY:  srdy,
		RESET: reset,
		Bus:   bus,
		Cfg: handshake.Config{
			EarlyMrdyDeassert:             cfg.EarlyMrdyDeassert,
			DetectResetFromSlowSrdyAssert: cfg.DetectResetFromSlowSrdyAssert,
			ForceRunOnReset:               cfg.ForceRunOnReset,
			SrdyMrdyHandshakeSupport:      cfg.SrdyMrdyHandshakeSupport,
			ResetDetectThreshold:          cfg.resetDetectThreshold(),
			SrdyWaitTimeout:               cfg.SrdyWaitTimeout,
			MrdyWaitTimeout:               cfg.MrdyWaitTimeout,
			Trace:                         t.trace.push,
		},
	}

	if err := t.bringUp(); err != nil {
		return err
	}

	t.wg.Add(1)
	go t.pollLoop()
	if cfg.Interrupt {
		t.wg.Add(1)
		go t.eventLoop()
	}
	return nil
}

// bringUp runs the reset/sync sequence (§4.3.4) while poll_lock is held,
// matching sync_slave's documented precondition, then releases it so the
// poll goroutine may run once started.
func (t *Transport) bringUp() error {
	if err := t.lockPoll(siteReset); err != nil {
		return err
	}
	err := t.engine.ResetAndSync(nil)
	if uerr := t.unlockPoll(siteReset); uerr != nil {
		return uerr
	}
	return err
}

// Close idempotently shuts the transport down: it sets poll_terminate,
// wakes both goroutines, joins them, and releases the SPI handle. Close
// happens-after the last delivered OnAREQ callback (O4), since the poll
// goroutine always finishes its current iteration before observing
// poll_terminate. It is also called internally (in the background) when a
// goroutine reports a fatal error, so every caller — whether that triggered
// the shutdown or merely observed it — waits for the same join and gets the
// same bus-close result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		atomic.StoreInt32(&t.terminate, 1)
		close(t.doneCh)
		select {
		case t.pollWake <- struct{}{}:
		default:
		}
	})
	t.wg.Wait()
	if t.bus != nil {
		return t.bus.Close()
	}
	return nil
}

// lockPoll acquires poll_lock and asserts poll_lock_var transitions 0->1
// (I1, I2). site tags the call site for PollLockVarError.
func (t *Transport) lockPoll(site int) error {
	t.mu.Lock()
	if !atomic.CompareAndSwapInt32(&t.pollLockVar, 0, 1) {
		old := atomic.LoadInt32(&t.pollLockVar)
		t.mu.Unlock()
		return handshake.NewAtLine(site, fmt.Errorf("poll_lock_var was %d on acquire, want 0", old))
	}
	t.trace.push("poll_lock acquired at site %d", site)
	return nil
}

// unlockPoll asserts poll_lock_var's 1->0 transition and releases poll_lock.
func (t *Transport) unlockPoll(site int) error {
	ok := atomic.CompareAndSwapInt32(&t.pollLockVar, 1, 0)
	t.mu.Unlock()
	if !ok {
		return handshake.NewAtLine(site, fmt.Errorf("poll_lock_var was not 1 on release"))
	}
	t.trace.push("poll_lock released at site %d", site)
	return nil
}

// withSrdyLock runs fn with srdy_lock held when interrupt mode is active,
// excluding the event goroutine from the transaction body (O2); in
// polling mode there is no event goroutine to exclude, so it is a no-op.
func (t *Transport) withSrdyLock(fn func() error) error {
	if t.cfg.Interrupt {
		t.srdyMu.Lock()
		defer t.srdyMu.Unlock()
	}
	return fn()
}

// SendAsync sends f as a fire-and-forget AREQ frame (C4 §4.3.1).
func (t *Transport) SendAsync(f frame.Frame) error {
	if err := t.lockPoll(siteSendAsync); err != nil {
		return err
	}
	defer func() {
		if uerr := t.unlockPoll(siteSendAsync); uerr != nil {
			t.fatal(uerr)
		}
	}()
	return t.withSrdyLock(func() error {
		return t.engine.SendAsync(f)
	})
}

// SendSync sends f as a SREQ and returns the matching SRSP (C4 §4.3.2). If
// the slave's SRDY rise during the exchange is slow enough to suggest a
// restart, it returns a handshake.Error with Kind KindPossibleSlaveReset;
// the caller should then call ResetSlave and retry.
func (t *Transport) SendSync(f frame.Frame) (frame.Frame, error) {
	if err := t.lockPoll(siteSendSync); err != nil {
		return frame.Frame{}, err
	}
	defer func() {
		if uerr := t.unlockPoll(siteSendSync); uerr != nil {
			t.fatal(uerr)
		}
	}()
	var resp frame.Frame
	err := t.withSrdyLock(func() error {
		var err error
		resp, err = t.engine.SendSync(f)
		return err
	})
	return resp, err
}

// ResetSlave pulses RESET (or runs the software-reset fallback) and
// performs the post-reset bring-up handshake (C4 §4.3.4).
func (t *Transport) ResetSlave() error {
	if err := t.lockPoll(siteReset); err != nil {
		return err
	}
	defer func() {
		if uerr := t.unlockPoll(siteReset); uerr != nil {
			t.fatal(uerr)
		}
	}()
	return t.engine.ResetAndSync(nil)
}

// SyncSlave re-runs the SRDY/MRDY bring-up handshake without pulsing
// RESET, for recovery after a KindPossibleSlaveReset without a full
// hardware reset.
func (t *Transport) SyncSlave() error {
	if err := t.lockPoll(siteSync); err != nil {
		return err
	}
	defer func() {
		if uerr := t.unlockPoll(siteSync); uerr != nil {
			t.fatal(uerr)
		}
	}()
	eng := *t.engine
	eng.RESET = nil
	return eng.ResetAndSync(nil)
}

// fatal records (once) and reports the error that ends the transport's
// background goroutines, then shuts it down the same way an explicit Close
// would, so a fatal error still releases the SPI handle and a subsequent
// Close call from the owner blocks only until the goroutines it itself
// observes are actually gone.
func (t *Transport) fatal(err error) {
	t.fatalMu.Lock()
	first := t.fatal1 == nil
	if first {
		t.fatal1 = err
	}
	t.fatalMu.Unlock()
	if first && t.cfg.OnFatal != nil {
		t.cfg.OnFatal(err)
	}
	go t.Close()
}

// DebugEvents returns a snapshot of the transport's internal trace ring
// buffer: poll_lock acquisitions/releases, dropped illegal poll headers,
// failed best-effort MRDY deasserts, and a failed realtime escalation of the
// event goroutine. SRDY edges and handshake state transitions are not
// recorded.
func (t *Transport) DebugEvents() []string {
	return t.trace.Events()
}

// isIllegalHeader reports whether err is a handshake.Error of kind
// KindIllegalHeader, the poll path's "log and drop" case.
func isIllegalHeader(err error) bool {
	var he *handshake.Error
	if !errors.As(err, &he) {
		return false
	}
	return he.Kind == handshake.KindIllegalHeader
}
