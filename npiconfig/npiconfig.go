// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package npiconfig loads the NPI SPI transport's configuration from an
// INI-shaped source (gopkg.in/ini.v1), producing a typed Config that
// cmd/npi-gateway translates into gpioline/spibus handles and an
// npi.Config.
package npiconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// maxLineLen bounds a single "section.key=value" configuration triple: a
// required key whose triple is wider than this is rejected rather than
// silently truncated. Optional keys are not length-checked.
const maxLineLen = 128

// DeviceKey selects the physical transport the configuration describes.
// Only DeviceSPI is consumed by this module; the others are recognized for
// forward-compatible parsing of a configuration file shared across
// transport kinds.
type DeviceKey int

const (
	DeviceUART DeviceKey = iota
	DeviceSPI
	DeviceI2C
	DeviceUARTUSB
)

func (k DeviceKey) String() string {
	switch k {
	case DeviceUART:
		return "UART"
	case DeviceSPI:
		return "SPI"
	case DeviceI2C:
		return "I2C"
	case DeviceUARTUSB:
		return "UART_USB"
	default:
		return fmt.Sprintf("DeviceKey(%d)", int(k))
	}
}

// Edge names a GPIO edge-detection mode as spelled in the GPIO_*.GPIO.edge
// keys.
type Edge string

const (
	EdgeNone    Edge = "none"
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
	EdgeBoth    Edge = "both"
)

// LineConfig is one GPIO_<SRDY|MRDY|RESET> section: the sysfs GPIO number,
// direction, edge mode, and polarity.
type LineConfig struct {
	Value         int
	Direction     string
	Edge          Edge
	ActiveLowHigh bool // true = active-low, the typical wiring assumed throughout this module
}

// SPIConfig is the SPI.* section.
type SPIConfig struct {
	SpeedHz         int64
	Mode            int
	BitsPerWord     int
	ForceRunOnReset *byte
}

// HandshakeConfig is the MRDY_SRDY.* section.
type HandshakeConfig struct {
	UseFullDuplexAPI              bool
	EarlyMrdyDeAssert             bool
	DetectResetFromSlowSrdyAssert bool
	SrdyMrdyHandshakeSupport      bool
}

// Config is the fully parsed transport configuration section (§4.7).
type Config struct {
	DeviceKey      DeviceKey
	DevPath        string
	LogPath        string
	Port           string
	DebugSupported bool
	StartupDelay   time.Duration

	SRDY, MRDY, RESET LineConfig

	SPI      SPIConfig
	Handshake HandshakeConfig
}

// Load parses src (an already-opened INI file) into a Config, applying the
// documented defaults for every optional key and the strtol base rules for
// numeric keys (base 16 for SPI.mode and SPI.forceRunOnReset, base 10 for
// everything else).
func Load(src *ini.File) (*Config, error) {
	c := &Config{
		Port:         "8000",
		StartupDelay: 0,
		SPI: SPIConfig{
			SpeedHz:     500000,
			Mode:        0,
			BitsPerWord: 8,
		},
		Handshake: HandshakeConfig{
			UseFullDuplexAPI:              true,
			EarlyMrdyDeAssert:             true,
			DetectResetFromSlowSrdyAssert: true,
			SrdyMrdyHandshakeSupport:      true,
		},
	}

	deviceKey, err := requiredInt(src, "DEVICE", "deviceKey", 10)
	if err != nil {
		return nil, err
	}
	if deviceKey < int(DeviceUART) || deviceKey > int(DeviceUARTUSB) {
		return nil, fmt.Errorf("npiconfig: DEVICE.deviceKey: unrecognized value %d", deviceKey)
	}
	c.DeviceKey = DeviceKey(deviceKey)

	c.DevPath, err = required(src, "DEVICE", "devPath")
	if err != nil {
		return nil, err
	}
	c.LogPath, err = required(src, "LOG", "log")
	if err != nil {
		return nil, err
	}

	if v, ok := optional(src, "PORT", "port"); ok {
		c.Port = v
	}
	if v, ok := optional(src, "DEBUG", "supported"); ok {
		n, err := parseInt(v, 10)
		if err != nil {
			return nil, fmt.Errorf("npiconfig: DEBUG.supported: %w", err)
		}
		c.DebugSupported = n != 0
	}
	if v, ok := optional(src, "STARTUP", "delaySeconds"); ok {
		n, err := parseInt(v, 10)
		if err != nil {
			return nil, fmt.Errorf("npiconfig: STARTUP.delaySeconds: %w", err)
		}
		c.StartupDelay = time.Duration(n) * time.Second
	}

	if c.SRDY, err = loadLine(src, "GPIO_SRDY"); err != nil {
		return nil, err
	}
	if c.MRDY, err = loadLine(src, "GPIO_MRDY"); err != nil {
		return nil, err
	}
	if c.RESET, err = loadLine(src, "GPIO_RESET"); err != nil {
		return nil, err
	}

	if c.DeviceKey == DeviceSPI {
		if v, ok := optional(src, "SPI", "speed"); ok {
			n, err := parseInt(v, 10)
			if err != nil {
				return nil, fmt.Errorf("npiconfig: SPI.speed: %w", err)
			}
			c.SPI.SpeedHz = int64(n)
		}
		if v, ok := optional(src, "SPI", "mode"); ok {
			n, err := parseInt(v, 16)
			if err != nil {
				return nil, fmt.Errorf("npiconfig: SPI.mode: %w", err)
			}
			c.SPI.Mode = n
		}
		if v, ok := optional(src, "SPI", "bitsPerWord"); ok {
			n, err := parseInt(v, 10)
			if err != nil {
				return nil, fmt.Errorf("npiconfig: SPI.bitsPerWord: %w", err)
			}
			c.SPI.BitsPerWord = n
		}
		if v, ok := optional(src, "SPI", "forceRunOnReset"); ok && v != "" {
			n, err := parseInt(v, 16)
			if err != nil {
				return nil, fmt.Errorf("npiconfig: SPI.forceRunOnReset: %w", err)
			}
			b := byte(n)
			c.SPI.ForceRunOnReset = &b
		}

		if v, ok := optional(src, "MRDY_SRDY", "useFullDuplexAPI"); ok {
			c.Handshake.UseFullDuplexAPI = v != "0"
		}
		if v, ok := optional(src, "MRDY_SRDY", "earlyMrdyDeAssert"); ok {
			c.Handshake.EarlyMrdyDeAssert = v != "0"
		}
		if v, ok := optional(src, "MRDY_SRDY", "detectResetFromSlowSrdyAssert"); ok {
			c.Handshake.DetectResetFromSlowSrdyAssert = v != "0"
		}
		if v, ok := optional(src, "MRDY_SRDY", "srdyMrdyHandshakeSupport"); ok {
			c.Handshake.SrdyMrdyHandshakeSupport = v != "0"
		}
	}

	return c, nil
}

// loadLine reads the GPIO.{value,direction,edge,active_high_low} keys from
// section, e.g. section "GPIO_SRDY" and key "GPIO.value".
func loadLine(src *ini.File, section string) (LineConfig, error) {
	lc := LineConfig{Direction: "in", Edge: EdgeNone, ActiveLowHigh: true}

	v, err := required(src, section, "GPIO.value")
	if err != nil {
		return lc, err
	}
	n, err := parseInt(v, 10)
	if err != nil {
		return lc, fmt.Errorf("npiconfig: %s.GPIO.value: %w", section, err)
	}
	lc.Value = n

	if v, ok := optional(src, section, "GPIO.direction"); ok {
		lc.Direction = v
	}
	if v, ok := optional(src, section, "GPIO.edge"); ok {
		lc.Edge = Edge(v)
	}
	if v, ok := optional(src, section, "GPIO.active_high_low"); ok {
		n, err := parseInt(v, 10)
		if err != nil {
			return lc, fmt.Errorf("npiconfig: %s.GPIO.active_high_low: %w", section, err)
		}
		lc.ActiveLowHigh = n != 0
	}
	return lc, nil
}

func lookup(src *ini.File, section, key string) (string, bool) {
	if !src.HasSection(section) {
		return "", false
	}
	sec := src.Section(section)
	if !sec.HasKey(key) {
		return "", false
	}
	return sec.Key(key).String(), true
}

func required(src *ini.File, section, key string) (string, error) {
	v, ok := lookup(src, section, key)
	if !ok {
		return "", fmt.Errorf("npiconfig: missing required %s.%s", section, key)
	}
	if len(section)+len(key)+len(v)+2 > maxLineLen {
		return "", fmt.Errorf("npiconfig: %s.%s: value exceeds %d-byte line limit", section, key, maxLineLen)
	}
	return v, nil
}

func optional(src *ini.File, section, key string) (string, bool) {
	v, ok := lookup(src, section, key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func requiredInt(src *ini.File, section, key string, base int) (int, error) {
	v, err := required(src, section, key)
	if err != nil {
		return 0, err
	}
	n, err := parseInt(v, base)
	if err != nil {
		return 0, fmt.Errorf("npiconfig: %s.%s: %w", section, key, err)
	}
	return n, nil
}

// parseInt follows strtol's base semantics: base 16 accepts an optional
// "0x" prefix, base 10 does not.
func parseInt(v string, base int) (int, error) {
	v = strings.TrimSpace(v)
	if base == 16 {
		v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	}
	n, err := strconv.ParseInt(v, base, 32)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
