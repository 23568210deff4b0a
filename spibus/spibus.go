// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package spibus provides a thin, byte-oriented read/write wrapper around a
// periph.io SPI connection, matching the raw SPI HAL surface the NPI
// transport's handshake engine is written against: write(buf), read(n), and
// an optional full-duplex transfer. No framing, no retry — those are the
// handshake engine's job.
package spibus

import (
	"fmt"

	"periph.io/x/periph/conn/spi"
)

// Conn is the subset of periph.io/x/periph/conn/spi.Conn that Bus needs: a
// single simultaneous write/read transaction. Any periph.io spi.Conn
// satisfies Conn.
type Conn interface {
	Tx(w, r []byte) error
}

// Port is the subset of periph.io/x/periph/conn/spi.PortCloser that Bus
// needs to negotiate transfer parameters and release the device. A periph.io
// spi.PortCloser does not satisfy Port directly, because its DevParams
// returns spi.Conn; it needs an adapter that returns the result as Conn.
type Port interface {
	DevParams(maxHz int64, mode spi.Mode, bits int) (Conn, error)
	Close() error
}

// Bus is a byte-oriented wrapper around a periph.io SPI connection.
type Bus struct {
	port        Port
	conn        Conn
	fullDuplex  bool
	maxHz       int64
	mode        spi.Mode
	bitsPerWord int
}

// Params bundles the SPI parameters from the transport configuration
// (§3 of the protocol description).
type Params struct {
	SpeedHz     int64
	Mode        spi.Mode
	BitsPerWord int
	FullDuplex  bool
}

// Open configures port with params and returns a ready-to-use Bus.
func Open(port Port, p Params) (*Bus, error) {
	conn, err := port.DevParams(p.SpeedHz, p.Mode, p.BitsPerWord)
	if err != nil {
		return nil, fmt.Errorf("spibus: configure: %w", err)
	}
	return &Bus{
		port:        port,
		conn:        conn,
		fullDuplex:  p.FullDuplex,
		maxHz:       p.SpeedHz,
		mode:        p.Mode,
		bitsPerWord: p.BitsPerWord,
	}, nil
}

// Write clocks out buf, discarding the shifted-in bytes. Reads performed
// during Write are dummy bytes as far as the caller is concerned.
func (b *Bus) Write(buf []byte) error {
	scratch := make([]byte, len(buf))
	if err := b.conn.Tx(buf, scratch); err != nil {
		return fmt.Errorf("spibus: write: %w", err)
	}
	return nil
}

// Read clocks in n bytes by writing n dummy (zero) bytes and returns what
// was shifted in.
func (b *Bus) Read(n int) ([]byte, error) {
	out := make([]byte, n)
	in := make([]byte, n)
	if err := b.conn.Tx(out, in); err != nil {
		return nil, fmt.Errorf("spibus: read: %w", err)
	}
	return in, nil
}

// FullDuplex performs a simultaneous write(tx)/read(len(tx)) transaction.
// It returns an error if the bus was not configured for full-duplex
// operation.
func (b *Bus) FullDuplex(tx []byte) ([]byte, error) {
	if !b.fullDuplex {
		return nil, fmt.Errorf("spibus: full-duplex transfers not enabled for this bus")
	}
	rx := make([]byte, len(tx))
	if err := b.conn.Tx(tx, rx); err != nil {
		return nil, fmt.Errorf("spibus: full-duplex: %w", err)
	}
	return rx, nil
}

// Close releases the underlying SPI port.
func (b *Bus) Close() error {
	if err := b.port.Close(); err != nil {
		return fmt.Errorf("spibus: close: %w", err)
	}
	return nil
}
