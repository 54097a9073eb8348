package spibus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

func TestDeviceConfig_Validate(t *testing.T) {
	ok := DeviceConfig{ClockSpeed: 10 * physic.MegaHertz}
	require.NoError(t, ok.Validate())

	cases := map[string]func(c *DeviceConfig){
		"half duplex flag": func(c *DeviceConfig) { c.Mode = spi.Mode0 | spi.HalfDuplex },
		"no clock":         func(c *DeviceConfig) { c.ClockSpeed = 0 },
		"sub hertz clock":  func(c *DeviceConfig) { c.ClockSpeed = physic.MilliHertz },
		"command bits":     func(c *DeviceConfig) { c.CommandBits = 17 },
		"address bits":     func(c *DeviceConfig) { c.AddressBits = 65 },
		"negative cs":      func(c *DeviceConfig) { c.ChipSelect = ChipSelectPin(-2) },
		"negative queue":   func(c *DeviceConfig) { c.QueueSize = -1 },
		"negative delay":   func(c *DeviceConfig) { c.InputDelay = -time.Nanosecond },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := ok
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			require.Equal(t, StatusInvalidArg, Code(err))
		})
	}
}

func TestDeviceConfig_Driver(t *testing.T) {
	c := DeviceConfig{
		CommandBits: 8,
		Mode:        spi.Mode3,
		ClockSpeed:  26 * physic.MegaHertz,
		InputDelay:  25 * time.Nanosecond,
	}
	d := c.driver()
	require.Equal(t, uint8(3), d.Mode)
	require.Equal(t, int32(26000000), d.ClockSpeedHz)
	require.Equal(t, int32(25), d.InputDelayNs)
	require.Equal(t, -1, d.ChipSelect)
	require.Equal(t, DefaultQueueSize, d.QueueSize)
	require.True(t, c.ManualChipSelect())

	c.ChipSelect = ChipSelectPin(14)
	c.QueueSize = 2
	d = c.driver()
	require.Equal(t, 14, d.ChipSelect)
	require.Equal(t, 2, d.QueueSize)
	require.False(t, c.ManualChipSelect())
}

func TestBusConfig(t *testing.T) {
	c := BusConfig{MOSI: 23, MISO: 19, SCLK: 18}
	require.NoError(t, c.Validate())
	d := c.driver()
	require.Equal(t, -1, d.QuadWP)
	require.Equal(t, -1, d.QuadHD)

	c.Quad = &QuadPins{WP: 22, HD: 21}
	d = c.driver()
	require.Equal(t, 22, d.QuadWP)
	require.Equal(t, 21, d.QuadHD)

	require.Error(t, BusConfig{MOSI: 23, MISO: 19, SCLK: NoPin}.Validate())
	require.Error(t, BusConfig{MOSI: NoPin, MISO: NoPin, SCLK: 18}.Validate())
	require.Error(t, BusConfig{MOSI: 23, SCLK: 18, MaxTransferSize: -1}.Validate())
}

func TestStatusError(t *testing.T) {
	require.NoError(t, StatusOK.Err("op"))

	err := Status(0x4242).Err("transfer")
	require.EqualError(t, err, "spibus: transfer: status 0x4242")
	require.Equal(t, Status(0x4242), Code(err))
	require.ErrorIs(t, fmt.Errorf("lcd: %w", err), Status(0x4242))
	require.NotErrorIs(t, err, StatusFail)

	require.Equal(t, StatusOK, Code(nil))
	require.Equal(t, StatusFail, Code(errors.New("elsewhere")))
	require.Equal(t, "timeout", StatusTimeout.String())
	require.Equal(t, "construction failed", StatusConstructionFailed.String())
	require.Equal(t, "status 0x1", Status(1).String())
}
