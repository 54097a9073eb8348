// Package spibus provides a thin, synchronous layer over a microcontroller's
// SPI driver: it owns a bus controller, attaches independently configured
// devices to it and runs transactions on them with strict exclusivity.
//
// The hardware itself is reached through the Driver interface. The spidev
// package implements it on Linux and the spitest package provides an
// in-memory driver for tests.
//
// Features:
//   - One live Bus per controller, torn down exactly once on Close
//   - Per-device clock speed, mode, chip select and queue depth
//   - Typed pre/post transfer callbacks receiving a per-transaction context
//   - Scoped bus ownership (BusGuard) for multi-transaction sequences
//   - One-byte Send/Read pair for generic byte shifting
//   - periph.io spi.Conn adapter
//
// Chip select: a device attached with DeviceConfig.ChipSelect set has its CS
// line driven by the driver. A device attached without it leaves CS to the
// caller, which must assert and release it around every transaction.
//
// Example usage:
//
//	bus, err := spibus.Initialize(drv, spibus.VSPI, spibus.BusConfig{
//	    MOSI: 23, MISO: 19, SCLK: 18,
//	}, 1)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close()
//
//	dev, err := spibus.Attach[bool](bus, spibus.DeviceConfig{
//	    ClockSpeed: 10 * physic.MegaHertz,
//	    ChipSelect: spibus.ChipSelectPin(14),
//	}, func(dc bool) { dcPin.Out(gpio.Level(dc)) }, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Single transaction, the driver takes the bus for it.
//	err = dev.Transfer(spibus.NewWrite([]byte{0x01}, false))
//
//	// Several transactions without letting another device in between.
//	err = dev.Do(func(g *spibus.BusGuard[bool]) error {
//	    if err := g.Transfer(spibus.NewWrite([]byte{0x2c}, false)); err != nil {
//	        return err
//	    }
//	    return g.Transfer(spibus.NewWrite(pixels, true))
//	})
package spibus
