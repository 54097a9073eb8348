//go:build linux
// +build linux

package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	spibus "github.com/luhtfiimanal/go-spibus"
	"github.com/luhtfiimanal/go-spibus/ili9341"
	"github.com/luhtfiimanal/go-spibus/spidev"
)

func openBus(cfg config, log *zap.Logger) (*spibus.Bus, error) {
	opts := []spidev.Option{spidev.WithLogger(log)}
	if cfg.LockDir != "" {
		opts = append(opts, spidev.WithLockDir(cfg.LockDir))
	}
	drv := spidev.Open(opts...)
	return spibus.Initialize(drv, cfg.Host, cfg.Bus, cfg.DMAChannel, spibus.WithLogger(log))
}

// xfer runs one transaction on a device attached to bus and returns the
// received bytes. Writing and reading together is a duplex transfer.
func xfer(bus *spibus.Bus, dc spibus.DeviceConfig, tx []byte, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("read count must not be negative, got %d", n)
	}
	if len(tx) == 0 && n == 0 {
		return nil, fmt.Errorf("nothing to do: pass --write or --read")
	}
	dev, err := spibus.Attach[struct{}](bus, dc, nil, nil)
	if err != nil {
		return nil, err
	}

	var rx []byte
	var t spibus.Transaction[struct{}]
	switch {
	case n == 0:
		t = spibus.NewWrite(tx, struct{}{})
	case len(tx) == 0:
		rx = make([]byte, n)
		t = spibus.NewRead(rx, struct{}{})
	default:
		rx = make([]byte, n)
		t = spibus.NewDuplex(tx, rx, struct{}{})
	}
	if err := dev.Transfer(t); err != nil {
		return nil, err
	}
	return rx, nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse --write: %w", err)
	}
	return b, nil
}

func runXfer(c *cli.Context, log *zap.Logger) (err error) {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	dc, err := cfg.device(c.String(flagDevice))
	if err != nil {
		return err
	}
	tx, err := parseHex(c.String(flagWrite))
	if err != nil {
		return err
	}

	bus, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, bus.Close()) }()

	rx, err := xfer(bus, dc, tx, c.Int(flagRead))
	if err != nil {
		return err
	}
	if len(rx) > 0 {
		fmt.Fprintf(c.App.Writer, "% x\n", rx)
	}
	return nil
}

func lookupPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	return p, nil
}

func lcdPinsFor(l *lcdPins) (ili9341.Pins, error) {
	var pins ili9341.Pins
	var err error
	if pins.CS, err = lookupPin(l.CS); err != nil {
		return pins, err
	}
	if pins.DC, err = lookupPin(l.DC); err != nil {
		return pins, err
	}
	if pins.RST, err = lookupPin(l.RST); err != nil {
		return pins, err
	}
	if pins.BL, err = lookupPin(l.BL); err != nil {
		return pins, err
	}
	return pins, nil
}

func runLCD(c *cli.Context, log *zap.Logger, fn func(*ili9341.LCD) error) (err error) {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	if cfg.LCD == nil {
		return fmt.Errorf("no [lcd] section in %s", c.String(flagConfig))
	}
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("init host drivers: %w", err)
	}
	dc, err := cfg.device(cfg.LCD.Device)
	if err != nil {
		return err
	}
	pins, err := lcdPinsFor(cfg.LCD)
	if err != nil {
		return err
	}

	bus, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, bus.Close()) }()

	lcd, err := ili9341.Attach(bus, pins, ili9341.WithDeviceConfig(dc), ili9341.WithLogger(log))
	if err != nil {
		return err
	}
	return fn(lcd)
}
