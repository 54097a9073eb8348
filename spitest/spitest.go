// Package spitest provides an in-memory spibus.Driver.
//
// The driver behaves like the hardware one where it matters to callers: the
// bus is a real semaphore shared by all devices on a host, AcquireBus blocks,
// PollingTransmit auto-acquires when the calling device does not hold the bus,
// and pre/post callbacks run around every transfer. It also counts acquires
// and releases, records every transfer and detects overlapping transfers.
package spitest

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	spibus "github.com/luhtfiimanal/go-spibus"
)

// MaxDevicesPerHost matches the number of hardware chip select slots.
const MaxDevicesPerHost = 3

// Responder fills rx for a transfer on h. The default echoes tx.
type Responder func(h spibus.Handle, tx, rx []byte)

// Record is one completed PollingTransmit.
type Record struct {
	Handle   spibus.Handle
	Length   int
	RxLength int
	Cmd      uint16
	Addr     uint64
	Tx       []byte
	Rx       []byte
	User     any
	Status   spibus.Status
}

type host struct {
	cfg     spibus.DriverBusConfig
	dma     int
	sem     chan struct{}
	owner   spibus.Handle
	devices []spibus.Handle
	busy    atomic.Bool
}

type device struct {
	host      spibus.Host
	cfg       spibus.DriverDeviceConfig
	pre, post spibus.Callback
}

// Driver is an in-memory spibus.Driver. The zero value is not usable; call
// New.
type Driver struct {
	mu      sync.Mutex
	hosts   map[spibus.Host]*host
	devices map[spibus.Handle]*device
	next    spibus.Handle
	records []Record
	events  []string
	fail    map[string]spibus.Status

	// Respond fills receive buffers. Set before the first transfer.
	Respond Responder

	// Latency is how long each transfer holds the bus.
	Latency time.Duration

	// TickDuration converts AcquireBus timeouts to wall time.
	TickDuration time.Duration

	acquires atomic.Int64
	releases atomic.Int64
	overlaps atomic.Int64
	frees    atomic.Int64
}

// New returns an empty driver with no initialized hosts.
func New() *Driver {
	return &Driver{
		hosts:        make(map[spibus.Host]*host),
		devices:      make(map[spibus.Handle]*device),
		fail:         make(map[string]spibus.Status),
		Respond:      Echo,
		TickDuration: time.Millisecond,
	}
}

// Echo copies tx into rx.
func Echo(_ spibus.Handle, tx, rx []byte) {
	copy(rx, tx)
}

// Fixed returns a Responder that fills rx from data, cycling if rx is longer.
func Fixed(data ...byte) Responder {
	return func(_ spibus.Handle, _, rx []byte) {
		if len(data) == 0 {
			return
		}
		for i := range rx {
			rx[i] = data[i%len(data)]
		}
	}
}

// Fail makes the next call to op return st. op is one of "initialize",
// "free", "add", "acquire" or "transmit".
func (d *Driver) Fail(op string, st spibus.Status) {
	d.mu.Lock()
	d.fail[op] = st
	d.mu.Unlock()
}

func (d *Driver) takeFailure(op string) spibus.Status {
	st, ok := d.fail[op]
	if ok {
		delete(d.fail, op)
	}
	return st
}

func (d *Driver) event(format string, args ...any) {
	d.events = append(d.events, fmt.Sprintf(format, args...))
}

// Initialize implements spibus.Driver.
func (d *Driver) Initialize(h spibus.Host, cfg spibus.DriverBusConfig, dma int) spibus.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.takeFailure("initialize"); st != spibus.StatusOK {
		return st
	}
	if _, ok := d.hosts[h]; ok {
		return spibus.StatusInvalidState
	}
	if cfg.SCLK < 0 || dma < 0 || dma > 2 {
		return spibus.StatusInvalidArg
	}
	d.hosts[h] = &host{cfg: cfg, dma: dma, sem: make(chan struct{}, 1)}
	d.event("init %s", h)
	return spibus.StatusOK
}

// Free implements spibus.Driver.
func (d *Driver) Free(h spibus.Host) spibus.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.takeFailure("free"); st != spibus.StatusOK {
		return st
	}
	hs, ok := d.hosts[h]
	if !ok {
		return spibus.StatusInvalidState
	}
	for _, dev := range hs.devices {
		delete(d.devices, dev)
	}
	delete(d.hosts, h)
	d.frees.Inc()
	d.event("free %s", h)
	return spibus.StatusOK
}

// AddDevice implements spibus.Driver.
func (d *Driver) AddDevice(h spibus.Host, cfg spibus.DriverDeviceConfig, pre, post spibus.Callback) (spibus.Handle, spibus.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.takeFailure("add"); st != spibus.StatusOK {
		return 0, st
	}
	hs, ok := d.hosts[h]
	if !ok {
		return 0, spibus.StatusInvalidState
	}
	if cfg.Mode > 3 || cfg.ClockSpeedHz <= 0 {
		return 0, spibus.StatusInvalidArg
	}
	if len(hs.devices) >= MaxDevicesPerHost {
		return 0, spibus.StatusNotFound
	}
	d.next++
	handle := d.next
	d.devices[handle] = &device{host: h, cfg: cfg, pre: pre, post: post}
	hs.devices = append(hs.devices, handle)
	d.event("add %d", handle)
	return handle, spibus.StatusOK
}

func (d *Driver) lookup(handle spibus.Handle) (*device, *host, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[handle]
	if !ok {
		return nil, nil, false
	}
	return dev, d.hosts[dev.host], true
}

// AcquireBus implements spibus.Driver.
func (d *Driver) AcquireBus(handle spibus.Handle, timeout spibus.Ticks) spibus.Status {
	d.mu.Lock()
	st := d.takeFailure("acquire")
	d.mu.Unlock()
	if st != spibus.StatusOK {
		return st
	}
	_, hs, ok := d.lookup(handle)
	if !ok {
		return spibus.StatusInvalidArg
	}
	d.mu.Lock()
	reentrant := hs.owner == handle
	d.mu.Unlock()
	if reentrant {
		return spibus.StatusInvalidState
	}
	if !d.take(hs, timeout) {
		return spibus.StatusTimeout
	}
	d.mu.Lock()
	hs.owner = handle
	d.event("acquire %d", handle)
	d.mu.Unlock()
	d.acquires.Inc()
	return spibus.StatusOK
}

func (d *Driver) take(hs *host, timeout spibus.Ticks) bool {
	if timeout == spibus.MaxDelay {
		hs.sem <- struct{}{}
		return true
	}
	t := time.NewTimer(time.Duration(timeout) * d.TickDuration)
	defer t.Stop()
	select {
	case hs.sem <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

// ReleaseBus implements spibus.Driver. Releasing a bus the device does not
// hold is ignored.
func (d *Driver) ReleaseBus(handle spibus.Handle) {
	_, hs, ok := d.lookup(handle)
	if !ok {
		return
	}
	d.mu.Lock()
	if hs.owner != handle {
		d.mu.Unlock()
		return
	}
	hs.owner = 0
	d.event("release %d", handle)
	d.mu.Unlock()
	d.releases.Inc()
	<-hs.sem
}

// PollingTransmit implements spibus.Driver.
func (d *Driver) PollingTransmit(handle spibus.Handle, desc *spibus.Descriptor) spibus.Status {
	dev, hs, ok := d.lookup(handle)
	if !ok {
		return spibus.StatusInvalidArg
	}

	d.mu.Lock()
	held := hs.owner == handle
	d.mu.Unlock()
	if !held {
		if st := d.AcquireBus(handle, spibus.MaxDelay); st != spibus.StatusOK {
			return st
		}
		defer d.ReleaseBus(handle)
	}

	if st := d.check(hs, desc); st != spibus.StatusOK {
		d.record(handle, desc, st)
		return st
	}

	if !hs.busy.CompareAndSwap(false, true) {
		d.overlaps.Inc()
	}
	defer hs.busy.Store(false)

	if dev.pre != nil {
		dev.pre(desc)
	}
	d.mu.Lock()
	d.event("xfer %d", handle)
	st := d.takeFailure("transmit")
	respond := d.Respond
	d.mu.Unlock()
	if st == spibus.StatusOK && len(desc.Rx) > 0 {
		respond(handle, desc.Tx, desc.Rx)
	}
	if d.Latency > 0 {
		time.Sleep(d.Latency)
	}
	if dev.post != nil {
		dev.post(desc)
	}
	d.record(handle, desc, st)
	return st
}

func (d *Driver) check(hs *host, desc *spibus.Descriptor) spibus.Status {
	if desc.Length < 0 || desc.RxLength < 0 {
		return spibus.StatusInvalidArg
	}
	if desc.Tx != nil && len(desc.Tx)*8 < desc.Length {
		return spibus.StatusInvalidArg
	}
	rx := desc.RxLength
	if rx == 0 && desc.Tx == nil {
		rx = desc.Length
	}
	if len(desc.Rx)*8 < rx {
		return spibus.StatusInvalidArg
	}
	if max := hs.cfg.MaxTransferSize; max > 0 && (desc.Length > max*8 || rx > max*8) {
		return spibus.StatusInvalidSize
	}
	return spibus.StatusOK
}

func (d *Driver) record(handle spibus.Handle, desc *spibus.Descriptor, st spibus.Status) {
	r := Record{
		Handle:   handle,
		Length:   desc.Length,
		RxLength: desc.RxLength,
		Cmd:      desc.Cmd,
		Addr:     desc.Addr,
		Tx:       append([]byte(nil), desc.Tx...),
		Rx:       append([]byte(nil), desc.Rx...),
		User:     desc.User,
		Status:   st,
	}
	d.mu.Lock()
	d.records = append(d.records, r)
	d.mu.Unlock()
}

// Records returns a copy of all transfers so far.
func (d *Driver) Records() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Record(nil), d.records...)
}

// Events returns the ordered driver events ("acquire 1", "xfer 1", ...).
func (d *Driver) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

// DeviceConfig returns the configuration a device was added with.
func (d *Driver) DeviceConfig(handle spibus.Handle) (spibus.DriverDeviceConfig, bool) {
	dev, _, ok := d.lookup(handle)
	if !ok {
		return spibus.DriverDeviceConfig{}, false
	}
	return dev.cfg, true
}

// Initialized reports whether h is initialized.
func (d *Driver) Initialized(h spibus.Host) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.hosts[h]
	return ok
}

// Acquires counts successful AcquireBus calls, including the ones
// PollingTransmit makes on its own.
func (d *Driver) Acquires() int64 { return d.acquires.Load() }

// Releases counts effective ReleaseBus calls.
func (d *Driver) Releases() int64 { return d.releases.Load() }

// Overlaps counts transfers that started while another was in flight on the
// same host.
func (d *Driver) Overlaps() int64 { return d.overlaps.Load() }

// Frees counts successful Free calls.
func (d *Driver) Frees() int64 { return d.frees.Load() }

var _ spibus.Driver = (*Driver)(nil)
