// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/tve/npi"
	"github.com/tve/npi/frame"
	"github.com/tve/npi/npiconfig"
	"github.com/tve/npi/spibus"
)

// openTransport loads the configuration file at configPath, initializes
// periph.io, opens the named GPIO lines and SPI port, and brings up an
// *npi.Transport against them.
func openTransport(log *logrus.Logger) (*npi.Transport, *npiconfig.Config, error) {
	src, err := ini.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := npiconfig.Load(src)
	if err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DeviceKey != npiconfig.DeviceSPI {
		return nil, nil, fmt.Errorf("DEVICE.deviceKey=%s: only SPI is implemented by this transport", cfg.DeviceKey)
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph host init: %w", err)
	}

	mrdyPin, err := openLinePin(cfg.MRDY)
	if err != nil {
		return nil, nil, fmt.Errorf("MRDY: %w", err)
	}
	srdyPin, err := openLinePin(cfg.SRDY)
	if err != nil {
		return nil, nil, fmt.Errorf("SRDY: %w", err)
	}

	var resetPin gpio.PinIO
	if cfg.RESET.Value != 0 {
		resetPin, err = openLinePin(cfg.RESET)
		if err != nil {
			return nil, nil, fmt.Errorf("RESET: %w", err)
		}
	}

	port, err := spireg.Open(cfg.DevPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open SPI port %s: %w", cfg.DevPath, err)
	}

	hal := npi.HAL{
		MRDY:           mrdyPin,
		SRDY:           srdyPin,
		RESET:          resetPin,
		Port:           periphPort{port},
		MRDYActiveLow:  cfg.MRDY.ActiveLowHigh,
		SRDYActiveLow:  cfg.SRDY.ActiveLowHigh,
		RESETActiveLow: cfg.RESET.ActiveLowHigh,
	}

	t := npi.New()
	err = t.Open(hal, transportConfig(cfg, log))
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("open transport: %w", err)
	}
	return t, cfg, nil
}

// periphPort adapts a periph.io spi.PortCloser to spibus.Port: periph's
// DevParams returns spi.Conn, a wider type than the spibus.Conn seam Bus is
// written against, so a PortCloser does not satisfy spibus.Port directly.
type periphPort struct{ port spi.PortCloser }

func (p periphPort) DevParams(maxHz int64, mode spi.Mode, bits int) (spibus.Conn, error) {
	return p.port.DevParams(maxHz, mode, bits)
}

func (p periphPort) Close() error { return p.port.Close() }

// openLinePin resolves a GPIO_*.GPIO.value number to a periph.io pin via
// gpioreg, the registry periph.io's sysfs and SoC-specific drivers
// populate at host.Init() time.
func openLinePin(lc npiconfig.LineConfig) (gpio.PinIO, error) {
	name := fmt.Sprintf("GPIO%d", lc.Value)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no such GPIO pin %s", name)
	}
	return p, nil
}

func transportConfig(cfg *npiconfig.Config, log *logrus.Logger) npi.Config {
	mode := spi.Mode0
	switch cfg.SPI.Mode {
	case 1:
		mode = spi.Mode1
	case 2:
		mode = spi.Mode2
	case 3:
		mode = spi.Mode3
	}
	return npi.Config{
		SPI: spibus.Params{
			SpeedHz:     cfg.SPI.SpeedHz,
			Mode:        mode,
			BitsPerWord: cfg.SPI.BitsPerWord,
			FullDuplex:  cfg.Handshake.UseFullDuplexAPI,
		},

		EarlyMrdyDeassert:             cfg.Handshake.EarlyMrdyDeAssert,
		DetectResetFromSlowSrdyAssert: cfg.Handshake.DetectResetFromSlowSrdyAssert,
		ForceRunOnReset:               cfg.SPI.ForceRunOnReset,
		SrdyMrdyHandshakeSupport:      cfg.Handshake.SrdyMrdyHandshakeSupport,

		Interrupt:           cfg.SRDY.Edge != npiconfig.EdgeNone,
		RealtimeEventThread: true,

		OnFatal: func(err error) { log.WithError(err).Error("transport fatal error") },
		OnAREQ: func(f frame.Frame) error {
			log.Infof("AREQ: %s", f.String())
			return nil
		},
	}
}
