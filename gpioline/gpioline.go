// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package gpioline provides a polarity-aware wrapper around a periph.io GPIO
// pin for the three handshake lines used by the NPI SPI transport: MRDY,
// SRDY, and RESET.
//
// It translates the transport's assert/deassert vocabulary (which is
// polarity-independent) onto the underlying pin's electrical level, and
// gives bounded-wait semantics to what periph.io otherwise exposes as raw
// level reads and edge waits.
package gpioline

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"
)

// Result is the outcome of a bounded wait.
type Result int

const (
	// OK means the awaited condition was observed before the timeout.
	OK Result = iota
	// Timeout means the timeout elapsed with no sign of the condition.
	Timeout
)

func (r Result) String() string {
	if r == OK {
		return "ok"
	}
	return "timeout"
}

// Pin is the subset of periph.io/x/periph/conn/gpio.PinIO that Line needs
// for level-based operation. Any periph.io gpio.PinIO satisfies Pin.
type Pin interface {
	Out(l gpio.Level) error
	Read() gpio.Level
}

// EdgePin additionally supports edge configuration and edge-triggered
// waits, the subset of gpio.PinIO that the SRDY line needs for the event
// thread (C7). Any periph.io gpio.PinIO satisfies EdgePin; a gpio.PinIn
// alone does not, since EdgePin embeds Pin and so requires Out.
type EdgePin interface {
	Pin
	In(pull gpio.Pull, edge gpio.Edge) error
	WaitForEdge(timeout time.Duration) bool
}

// Line wraps a periph.io GPIO pin with active-high/active-low polarity so
// callers only ever deal with "asserted" and "deasserted".
type Line struct {
	name      string
	pin       Pin
	activeLow bool
}

// New wraps pin as a named handshake line. activeLow matches the typical
// wiring assumed throughout the protocol description: asserted means the
// line is driven low.
func New(name string, pin Pin, activeLow bool) *Line {
	return &Line{name: name, pin: pin, activeLow: activeLow}
}

// Name returns the line's configured name, e.g. "MRDY".
func (l *Line) Name() string { return l.name }

func (l *Line) assertedLevel() gpio.Level {
	if l.activeLow {
		return gpio.Low
	}
	return gpio.High
}

// ConfigureOut configures the line as an output, initially deasserted.
func (l *Line) ConfigureOut() error {
	lvl := !l.assertedLevel()
	if err := l.pin.Out(lvl); err != nil {
		return fmt.Errorf("gpioline: %s: configure out: %w", l.name, err)
	}
	return nil
}

// ConfigureIn configures the line as an input, arming edge detection if
// edge is not gpio.NoEdge. Used for SRDY, which needs both level reads (the
// poll path) and edge-triggered waits (the event thread).
func (l *Line) ConfigureIn(edge gpio.Edge) error {
	in, ok := l.pin.(EdgePin)
	if !ok {
		return fmt.Errorf("gpioline: %s: pin does not support input mode", l.name)
	}
	if err := in.In(gpio.PullNoChange, edge); err != nil {
		return fmt.Errorf("gpioline: %s: configure in: %w", l.name, err)
	}
	return nil
}

// Assert drives the line to its asserted electrical level.
func (l *Line) Assert() error {
	if err := l.pin.Out(l.assertedLevel()); err != nil {
		return fmt.Errorf("gpioline: %s: assert: %w", l.name, err)
	}
	return nil
}

// Deassert drives the line to its deasserted electrical level.
func (l *Line) Deassert() error {
	if err := l.pin.Out(!l.assertedLevel()); err != nil {
		return fmt.Errorf("gpioline: %s: deassert: %w", l.name, err)
	}
	return nil
}

// Asserted reports whether the line currently reads as asserted.
func (l *Line) Asserted() bool {
	return l.pin.Read() == l.assertedLevel()
}

// WaitAsserted blocks until the line reads as asserted or timeout elapses,
// re-reading the level every pollInterval. A timeout <= 0 means a single
// immediate check.
func (l *Line) WaitAsserted(timeout time.Duration) (Result, error) {
	return l.waitFor(l.assertedLevel(), timeout)
}

// WaitDeasserted blocks until the line reads as deasserted or timeout
// elapses.
func (l *Line) WaitDeasserted(timeout time.Duration) (Result, error) {
	return l.waitFor(!l.assertedLevel(), timeout)
}

const pollInterval = 200 * time.Microsecond

func (l *Line) waitFor(want gpio.Level, timeout time.Duration) (Result, error) {
	if l.pin.Read() == want {
		return OK, nil
	}
	if timeout <= 0 {
		return Timeout, nil
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.pin.Read() == want {
			return OK, nil
		}
		time.Sleep(pollInterval)
	}
	if l.pin.Read() == want {
		return OK, nil
	}
	return Timeout, nil
}

// WaitEdge blocks on the pin's OS-level edge-readiness handle (periph.io's
// WaitForEdge, typically backed by a sysfs epoll/poll(2) readiness fd) and
// reports whether an edge was observed before timeout. This is the event
// thread's (C7) primitive: it never touches SPI, only the edge handle.
func (l *Line) WaitEdge(timeout time.Duration) bool {
	in, ok := l.pin.(EdgePin)
	if !ok {
		return false
	}
	done := make(chan bool, 1)
	go func() { done <- in.WaitForEdge(timeout) }()
	return <-done
}
