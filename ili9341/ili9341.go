// Package ili9341 drives an ILI9341 display controller over spibus.
//
// The controller needs a data/command select line next to the SPI signals.
// Every transaction carries the DC level as its context and the device's
// pre-transfer callback drives the DC pin from it, so the line switches right
// at the start of the hardware transfer window. Chip select is driven by this
// package around each transaction; the device is attached without a driver
// managed CS pin.
package ili9341

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	spibus "github.com/luhtfiimanal/go-spibus"
)

// ClockSpeed is the SPI clock used for the controller.
const ClockSpeed = 10 * physic.MegaHertz

const (
	resetPulse   = 150 * time.Millisecond
	sleepOutWait = 120 * time.Millisecond
)

// Pins are the GPIO lines the controller needs besides the SPI bus.
type Pins struct {
	CS  gpio.PinOut
	DC  gpio.PinOut
	RST gpio.PinOut
	BL  gpio.PinOut
}

// Option configures an LCD.
type Option func(*LCD)

// WithSleep replaces time.Sleep for the reset and wake-up delays.
func WithSleep(f func(time.Duration)) Option {
	return func(l *LCD) { l.sleep = f }
}

// WithDeviceConfig replaces DeviceConfig() for the bus attachment, for
// panels that need a different clock. Chip select stays with the LCD.
func WithDeviceConfig(cfg spibus.DeviceConfig) Option {
	return func(l *LCD) {
		cfg.ChipSelect = nil
		l.cfg = cfg
	}
}

// WithLogger sets the LCD logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *LCD) {
		if log != nil {
			l.log = log
		}
	}
}

// LCD is an ILI9341 on a shared SPI bus.
type LCD struct {
	dev   *spibus.SharedDevice[bool]
	cfg   spibus.DeviceConfig
	pins  Pins
	sleep func(time.Duration)
	log   *zap.Logger
}

// DeviceConfig is the bus configuration of the controller: mode 0, 10 MHz,
// chip select left to the caller.
func DeviceConfig() spibus.DeviceConfig {
	return spibus.DeviceConfig{
		Mode:       spi.Mode0,
		ClockSpeed: ClockSpeed,
	}
}

// Attach configures the GPIO lines, attaches the controller to bus and
// returns the LCD. Idle levels are DC high, RST low, BL off and CS high.
func Attach(bus *spibus.Bus, pins Pins, opts ...Option) (*LCD, error) {
	l := &LCD{cfg: DeviceConfig(), pins: pins, sleep: time.Sleep, log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("lcd")

	err := multierr.Combine(
		pins.DC.Out(gpio.High),
		pins.RST.Out(gpio.Low),
		pins.BL.Out(gpio.Low),
		pins.CS.Out(gpio.High),
	)
	if err != nil {
		return nil, fmt.Errorf("lcd: configure pins: %w", err)
	}

	dev, err := spibus.Attach(bus, l.cfg, l.selectDC, nil)
	if err != nil {
		return nil, fmt.Errorf("lcd: attach: %w", err)
	}
	l.dev = dev
	return l, nil
}

// selectDC runs right before each transfer. Errors cannot be reported from
// here; the pin was already driven successfully in Attach.
func (l *LCD) selectDC(data bool) {
	_ = l.pins.DC.Out(gpio.Level(data))
}

// Device returns the underlying bus device.
func (l *LCD) Device() *spibus.SharedDevice[bool] { return l.dev }

// framed runs one transaction with CS asserted. CS is released even if the
// transfer fails.
func (l *LCD) framed(g *spibus.BusGuard[bool], t spibus.Transaction[bool]) (err error) {
	if err := l.pins.CS.Out(gpio.Low); err != nil {
		return fmt.Errorf("lcd: assert cs: %w", err)
	}
	defer func() {
		err = multierr.Append(err, l.pins.CS.Out(gpio.High))
	}()
	return g.Transfer(t)
}

func (l *LCD) writeCmd(g *spibus.BusGuard[bool], cmd byte) error {
	if err := l.framed(g, spibus.NewWrite([]byte{cmd}, false)); err != nil {
		return fmt.Errorf("lcd: command %#02x: %w", cmd, err)
	}
	return nil
}

func (l *LCD) writeData(g *spibus.BusGuard[bool], data []byte) error {
	if err := l.framed(g, spibus.NewWrite(data, true)); err != nil {
		return fmt.Errorf("lcd: write %d bytes: %w", len(data), err)
	}
	return nil
}

func (l *LCD) readData(g *spibus.BusGuard[bool], buf []byte) error {
	if err := l.framed(g, spibus.NewRead(buf, true)); err != nil {
		return fmt.Errorf("lcd: read %d bytes: %w", len(buf), err)
	}
	return nil
}

// WriteCmd sends a single command byte with DC low.
func (l *LCD) WriteCmd(cmd byte) error {
	return l.dev.Do(func(g *spibus.BusGuard[bool]) error {
		return l.writeCmd(g, cmd)
	})
}

// WriteData sends parameter or pixel bytes with DC high.
func (l *LCD) WriteData(data []byte) error {
	return l.dev.Do(func(g *spibus.BusGuard[bool]) error {
		return l.writeData(g, data)
	})
}

// WriteCmdData sends a command followed by its parameters as two transfers.
// The parameters are not sent if the command fails.
func (l *LCD) WriteCmdData(cmd byte, data []byte) error {
	return l.dev.Do(func(g *spibus.BusGuard[bool]) error {
		if err := l.writeCmd(g, cmd); err != nil {
			return err
		}
		return l.writeData(g, data)
	})
}

// ReadData reads len(buf) bytes with DC high.
func (l *LCD) ReadData(buf []byte) error {
	return l.dev.Do(func(g *spibus.BusGuard[bool]) error {
		return l.readData(g, buf)
	})
}

// ReadID returns the three display identification bytes.
func (l *LCD) ReadID() ([3]byte, error) {
	var id [3]byte
	err := l.dev.Do(func(g *spibus.BusGuard[bool]) error {
		if err := l.writeCmd(g, RDDID); err != nil {
			return err
		}
		return l.readData(g, id[:])
	})
	return id, err
}

// Reset pulses the reset line, runs the power-on sequence, wakes the panel
// and turns the backlight on. It stops at the first failure.
func (l *LCD) Reset() error {
	if err := l.pins.RST.Out(gpio.Low); err != nil {
		return fmt.Errorf("lcd: reset low: %w", err)
	}
	l.sleep(resetPulse)
	if err := l.pins.RST.Out(gpio.High); err != nil {
		return fmt.Errorf("lcd: reset high: %w", err)
	}
	l.sleep(resetPulse)

	err := l.dev.Do(func(g *spibus.BusGuard[bool]) error {
		for _, s := range initSequence {
			if err := l.writeCmd(g, s.cmd); err != nil {
				return err
			}
			if err := l.writeData(g, s.data); err != nil {
				return err
			}
		}
		return l.writeCmd(g, SLPOUT)
	})
	if err != nil {
		l.log.Warn("init sequence failed", zap.Error(err))
		return err
	}
	l.sleep(sleepOutWait)

	if err := l.WriteCmd(DISPON); err != nil {
		return err
	}
	if err := l.WriteCmdData(MADCTL, []byte{MadBGR}); err != nil {
		return err
	}
	l.log.Debug("display initialized")
	return l.SetBacklight(true)
}

// SetBacklight switches the backlight.
func (l *LCD) SetBacklight(on bool) error {
	if err := l.pins.BL.Out(gpio.Level(on)); err != nil {
		return fmt.Errorf("lcd: backlight: %w", err)
	}
	return nil
}

// SetWindow selects the rectangle written by the next RAMWR and issues RAMWR.
// Bounds are inclusive.
func (l *LCD) SetWindow(x0, y0, x1, y1 uint16) error {
	if x1 < x0 || y1 < y0 {
		return fmt.Errorf("lcd: empty window (%d,%d)-(%d,%d)", x0, y0, x1, y1)
	}
	return l.dev.Do(func(g *spibus.BusGuard[bool]) error {
		if err := l.writeCmd(g, CASET); err != nil {
			return err
		}
		if err := l.writeData(g, []byte{byte(x0 >> 8), byte(x0), byte(x1 >> 8), byte(x1)}); err != nil {
			return err
		}
		if err := l.writeCmd(g, PASET); err != nil {
			return err
		}
		if err := l.writeData(g, []byte{byte(y0 >> 8), byte(y0), byte(y1 >> 8), byte(y1)}); err != nil {
			return err
		}
		return l.writeCmd(g, RAMWR)
	})
}
