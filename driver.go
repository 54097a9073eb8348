package spibus

import "fmt"

// Host identifies one physical SPI controller.
type Host int

// SPI controllers.
const (
	SPI1 Host = iota // flash controller, rarely usable for peripherals
	HSPI             // SPI2
	VSPI             // SPI3
)

func (h Host) String() string {
	switch h {
	case SPI1:
		return "SPI1"
	case HSPI:
		return "HSPI"
	case VSPI:
		return "VSPI"
	default:
		return fmt.Sprintf("Host(%d)", int(h))
	}
}

// Pin is a controller pin number. NoPin marks an unused signal.
type Pin int

// NoPin leaves a signal unconnected.
const NoPin Pin = -1

// Ticks is a scheduler timeout for AcquireBus.
type Ticks uint32

// MaxDelay waits forever.
const MaxDelay Ticks = 0xffffffff

// Handle identifies a device registered with a Driver.
type Handle uint32

// DriverBusConfig is the bus configuration handed to Driver.Initialize.
type DriverBusConfig struct {
	MOSI, MISO, SCLK int
	QuadWP, QuadHD   int
	MaxTransferSize  int
}

// DriverDeviceConfig is the device configuration handed to Driver.AddDevice.
type DriverDeviceConfig struct {
	CommandBits    uint8
	AddressBits    uint8
	DummyBits      uint8
	Mode           uint8 // 0..3
	DutyCyclePos   uint8
	CSEnaPretrans  uint8
	CSEnaPosttrans uint8
	ClockSpeedHz   int32
	InputDelayNs   int32
	ChipSelect     int // -1 when chip select is driven by the caller
	QueueSize      int
}

// Descriptor is one low-level transfer as seen by the Driver. Lengths are in
// bits. RxLength zero means "same as Length" for transfers with a receive
// buffer.
type Descriptor struct {
	Length   int
	RxLength int
	Cmd      uint16
	Addr     uint64
	Tx       []byte
	Rx       []byte

	// User is the opaque transaction context. It is handed back to the
	// pre/post callbacks untouched.
	User any
}

// Callback is invoked by the driver immediately before or after the
// low-level transfer of a descriptor. It must not block or touch the bus.
type Callback func(d *Descriptor)

// Driver is the vendor hardware driver this package sits on. All statuses
// are zero on success.
type Driver interface {
	Initialize(host Host, cfg DriverBusConfig, dmaChannel int) Status
	Free(host Host) Status
	AddDevice(host Host, cfg DriverDeviceConfig, pre, post Callback) (Handle, Status)
	AcquireBus(h Handle, timeout Ticks) Status
	ReleaseBus(h Handle)
	PollingTransmit(h Handle, d *Descriptor) Status
}
