package npiconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

const sampleINI = `
[DEVICE]
deviceKey = 1
devPath = /dev/spidev0.0

[LOG]
log = /var/log/npi.log

[GPIO_SRDY]
GPIO.value = 24
GPIO.direction = in
GPIO.edge = falling
GPIO.active_high_low = 1

[GPIO_MRDY]
GPIO.value = 23
GPIO.direction = out
GPIO.active_high_low = 1

[GPIO_RESET]
GPIO.value = 25
GPIO.direction = out
GPIO.active_high_low = 1

[SPI]
speed = 4000000
mode = 0x0
bitsPerWord = 8
forceRunOnReset = 0x01

[MRDY_SRDY]
useFullDuplexAPI = 1
earlyMrdyDeAssert = 1
detectResetFromSlowSrdyAssert = 1
srdyMrdyHandshakeSupport = 1
`

func load(t *testing.T, text string) *Config {
	t.Helper()
	f, err := ini.Load([]byte(text))
	require.NoError(t, err)
	cfg, err := Load(f)
	require.NoError(t, err)
	return cfg
}

func TestLoadFullConfig(t *testing.T) {
	cfg := load(t, sampleINI)
	assert.Equal(t, DeviceSPI, cfg.DeviceKey)
	assert.Equal(t, "/dev/spidev0.0", cfg.DevPath)
	assert.Equal(t, "/var/log/npi.log", cfg.LogPath)
	assert.Equal(t, 24, cfg.SRDY.Value)
	assert.Equal(t, EdgeFalling, cfg.SRDY.Edge)
	assert.True(t, cfg.SRDY.ActiveLowHigh)
	assert.Equal(t, int64(4000000), cfg.SPI.SpeedHz)
	assert.Equal(t, 0, cfg.SPI.Mode)
	require.NotNil(t, cfg.SPI.ForceRunOnReset)
	assert.Equal(t, byte(0x01), *cfg.SPI.ForceRunOnReset)
	assert.True(t, cfg.Handshake.SrdyMrdyHandshakeSupport)
}

func TestDefaultsApplyWhenOptionalKeysMissing(t *testing.T) {
	minimal := `
[DEVICE]
deviceKey = 1
devPath = /dev/spidev0.0

[LOG]
log = /var/log/npi.log

[GPIO_SRDY]
GPIO.value = 24

[GPIO_MRDY]
GPIO.value = 23

[GPIO_RESET]
GPIO.value = 25
`
	cfg := load(t, minimal)
	assert.Equal(t, int64(500000), cfg.SPI.SpeedHz)
	assert.Equal(t, 0, cfg.SPI.Mode)
	assert.Equal(t, 8, cfg.SPI.BitsPerWord)
	assert.Nil(t, cfg.SPI.ForceRunOnReset)
	assert.True(t, cfg.Handshake.EarlyMrdyDeAssert)
	assert.True(t, cfg.Handshake.DetectResetFromSlowSrdyAssert)
	assert.True(t, cfg.Handshake.SrdyMrdyHandshakeSupport)
	assert.Equal(t, "8000", cfg.Port)
	assert.False(t, cfg.DebugSupported)
}

func TestMissingRequiredKeyErrors(t *testing.T) {
	f, err := ini.Load([]byte("[DEVICE]\ndeviceKey = 1\n"))
	require.NoError(t, err)
	_, err = Load(f)
	assert.Error(t, err)
}

func TestHexBaseParsingForModeAndForceRunOnReset(t *testing.T) {
	text := sampleINI + "\n" // mode=0x0 already covered; test non-zero hex mode separately
	f, err := ini.Load([]byte(text))
	require.NoError(t, err)
	f.Section("SPI").Key("mode").SetValue("0x2")
	f.Section("SPI").Key("forceRunOnReset").SetValue("ff")
	cfg, err := Load(f)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.SPI.Mode)
	require.NotNil(t, cfg.SPI.ForceRunOnReset)
	assert.Equal(t, byte(0xFF), *cfg.SPI.ForceRunOnReset)
}

func TestUnrecognizedDeviceKeyErrors(t *testing.T) {
	text := `
[DEVICE]
deviceKey = 9
devPath = x

[LOG]
log = x

[GPIO_SRDY]
GPIO.value = 1
[GPIO_MRDY]
GPIO.value = 2
[GPIO_RESET]
GPIO.value = 3
`
	f, err := ini.Load([]byte(text))
	require.NoError(t, err)
	_, err = Load(f)
	assert.Error(t, err)
}
