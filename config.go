package spibus

import (
	"math"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// DefaultQueueSize is used when DeviceConfig.QueueSize is zero.
const DefaultQueueSize = 8

// QuadPins are the extra data lines used in quad mode.
type QuadPins struct {
	WP, HD Pin
}

// BusConfig holds the pin assignment and limits of one controller.
type BusConfig struct {
	MOSI, MISO, SCLK Pin
	Quad             *QuadPins // nil when the bus is not wired for quad mode
	MaxTransferSize  int       // bytes; zero selects the driver default
}

// Validate checks the configuration before it reaches the driver.
func (c BusConfig) Validate() error {
	if c.SCLK < 0 {
		return invalidArg("validate bus config", "sclk pin is required")
	}
	if c.MOSI < 0 && c.MISO < 0 {
		return invalidArg("validate bus config", "at least one of mosi/miso is required")
	}
	if c.MaxTransferSize < 0 {
		return invalidArg("validate bus config", "negative max transfer size %d", c.MaxTransferSize)
	}
	return nil
}

func (c BusConfig) driver() DriverBusConfig {
	d := DriverBusConfig{
		MOSI:            int(c.MOSI),
		MISO:            int(c.MISO),
		SCLK:            int(c.SCLK),
		QuadWP:          -1,
		QuadHD:          -1,
		MaxTransferSize: c.MaxTransferSize,
	}
	if c.Quad != nil {
		d.QuadWP = int(c.Quad.WP)
		d.QuadHD = int(c.Quad.HD)
	}
	return d
}

// DeviceConfig describes one peripheral on the bus. It is copied on attach
// and never changes afterwards.
type DeviceConfig struct {
	CommandBits uint8
	AddressBits uint8
	DummyBits   uint8
	Mode        spi.Mode
	ClockSpeed  physic.Frequency

	// ChipSelect is the pin the driver toggles around each transaction.
	// When nil the caller must assert and de-assert chip select itself.
	ChipSelect *Pin

	DutyCyclePos   uint8 // high time of the clock in 1/256 units; zero means 50%
	CSEnaPretrans  uint8 // cycles CS is active before the transfer
	CSEnaPosttrans uint8 // cycles CS stays active after the transfer
	InputDelay     time.Duration
	QueueSize      int
}

// ChipSelectPin returns a pointer suitable for DeviceConfig.ChipSelect.
func ChipSelectPin(p Pin) *Pin {
	return &p
}

// ManualChipSelect reports whether the caller owns the chip select line.
func (c DeviceConfig) ManualChipSelect() bool {
	return c.ChipSelect == nil
}

// Validate checks the configuration before it reaches the driver.
func (c DeviceConfig) Validate() error {
	const op = "validate device config"
	if c.Mode&^spi.Mode3 != 0 {
		return invalidArg(op, "unsupported mode %s", c.Mode)
	}
	if c.ClockSpeed <= 0 {
		return invalidArg(op, "clock speed must be positive")
	}
	if hz := int64(c.ClockSpeed / physic.Hertz); hz == 0 || hz > math.MaxInt32 {
		return invalidArg(op, "clock speed %s out of range", c.ClockSpeed)
	}
	if c.CommandBits > 16 {
		return invalidArg(op, "command bits %d > 16", c.CommandBits)
	}
	if c.AddressBits > 64 {
		return invalidArg(op, "address bits %d > 64", c.AddressBits)
	}
	if c.ChipSelect != nil && *c.ChipSelect < 0 {
		return invalidArg(op, "negative chip select pin %d", *c.ChipSelect)
	}
	if c.QueueSize < 0 {
		return invalidArg(op, "negative queue size %d", c.QueueSize)
	}
	if c.InputDelay < 0 {
		return invalidArg(op, "negative input delay %s", c.InputDelay)
	}
	return nil
}

func (c DeviceConfig) driver() DriverDeviceConfig {
	d := DriverDeviceConfig{
		CommandBits:    c.CommandBits,
		AddressBits:    c.AddressBits,
		DummyBits:      c.DummyBits,
		Mode:           uint8(c.Mode & spi.Mode3),
		DutyCyclePos:   c.DutyCyclePos,
		CSEnaPretrans:  c.CSEnaPretrans,
		CSEnaPosttrans: c.CSEnaPosttrans,
		ClockSpeedHz:   int32(c.ClockSpeed / physic.Hertz),
		InputDelayNs:   int32(c.InputDelay.Nanoseconds()),
		ChipSelect:     -1,
		QueueSize:      c.QueueSize,
	}
	if c.ChipSelect != nil {
		d.ChipSelect = int(*c.ChipSelect)
	}
	if d.QueueSize == 0 {
		d.QueueSize = DefaultQueueSize
	}
	return d
}
