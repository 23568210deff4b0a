// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package npi is the host-side driver for the NPI SPI transport: it
// exchanges framed messages with a tethered network processor over a SPI
// bus coordinated by the MRDY/SRDY handshake lines, using periph.io for
// the underlying GPIO and SPI access.
//
// The protocol core lives in frame (wire codec), gpioline and spibus (the
// hardware abstraction), and handshake (the MRDY/SRDY state machine); this
// package wires them into a Transport coordinator with poll and event
// goroutines. npiconfig loads the transport configuration from an
// INI-shaped source, and cmd/npi-gateway is a CLI front end that turns that
// configuration into a Transport's Config.
package npi
