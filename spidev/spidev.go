//go:build linux
// +build linux

package spidev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	spibus "github.com/luhtfiimanal/go-spibus"
)

const (
	spiIOCWrMode        = 0x40016b01 // _IOW('k', 1, __u8)
	spiIOCWrBitsPerWord = 0x40016b03 // _IOW('k', 3, __u8)
	spiIOCWrMaxSpeedHz  = 0x40046b04 // _IOW('k', 4, __u32)
	spiIOCMessage1      = 0x40206b00 // SPI_IOC_MESSAGE(1)

	spiNoCS = 0x40

	// DefaultMaxTransferSize is the spidev default buffer size.
	DefaultMaxTransferSize = 4096
)

// spi_ioc_transfer from linux/spi/spidev.h.
type iocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNBits     uint8
	rxNBits     uint8
	wordDelay   uint8
	pad         uint8
}

// PathFunc returns the device node for chip select cs on host.
type PathFunc func(host spibus.Host, cs int) string

// DefaultPath maps host and cs to /dev/spidevHOST.CS.
func DefaultPath(host spibus.Host, cs int) string {
	return fmt.Sprintf("/dev/spidev%d.%d", int(host), cs)
}

// Option configures a Driver.
type Option func(*Driver)

// WithPath overrides how device nodes are located.
func WithPath(f PathFunc) Option {
	return func(d *Driver) { d.path = f }
}

// WithLockDir sets the directory holding the per-host lock files.
func WithLockDir(dir string) Option {
	return func(d *Driver) { d.lockDir = dir }
}

// WithLogger sets the driver logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

type bus struct {
	host    spibus.Host
	cfg     spibus.DriverBusConfig
	claim   *os.File
	lock    *os.File
	sem     chan struct{}
	owner   spibus.Handle
	devices []spibus.Handle
}

// node is one /dev/spidevB.C. The mode set through SPI_IOC_WR_MODE belongs
// to the node, not to the open file, so devices sharing a node take turns.
type node struct {
	path string
	mode uint8
	refs int
}

type device struct {
	bus       *bus
	node      *node
	file      *os.File
	mode      uint8
	cfg       spibus.DriverDeviceConfig
	pre, post spibus.Callback
}

type ioctlFunc func(f *os.File, req uintptr, arg unsafe.Pointer) error

// Driver is a spibus.Driver for Linux spidev. It is safe for concurrent use.
type Driver struct {
	mu      sync.Mutex
	path    PathFunc
	lockDir string
	log     *zap.Logger
	tick    time.Duration
	ioctl   ioctlFunc

	buses   map[spibus.Host]*bus
	devices map[spibus.Handle]*device
	nodes   map[string]*node
	next    spibus.Handle
}

// Open returns a driver with no initialized buses.
func Open(opts ...Option) *Driver {
	d := &Driver{
		path:    DefaultPath,
		lockDir: os.TempDir(),
		log:     zap.NewNop(),
		tick:    time.Millisecond,
		ioctl:   sysIoctl,
		buses:   make(map[spibus.Host]*bus),
		devices: make(map[spibus.Handle]*device),
		nodes:   make(map[string]*node),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Named("spidev")
	return d
}

func status(err error) spibus.Status {
	if err == nil {
		return spibus.StatusOK
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return spibus.Status(errno)
	}
	return spibus.StatusFail
}

func sysIoctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Initialize implements spibus.Driver. Pins are fixed by the device tree on
// Linux and only checked for presence; the DMA channel is ignored.
//
// Ownership of host is claimed with an flock on spibus-HOST.owner in the lock
// directory, so a second driver, in this process or another one sharing the
// lock directory, gets StatusInvalidState until the owner calls Free.
func (d *Driver) Initialize(host spibus.Host, cfg spibus.DriverBusConfig, dmaChannel int) spibus.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buses[host]; ok {
		return spibus.StatusInvalidState
	}
	if cfg.SCLK < 0 {
		return spibus.StatusInvalidArg
	}
	if cfg.MaxTransferSize == 0 {
		cfg.MaxTransferSize = DefaultMaxTransferSize
	}
	claim, st := d.claim(host)
	if st != spibus.StatusOK {
		return st
	}
	name := filepath.Join(d.lockDir, fmt.Sprintf("spibus-%d.lock", int(host)))
	lock, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		claim.Close()
		d.log.Warn("open lock file", zap.String("path", name), zap.Error(err))
		return status(err)
	}
	d.buses[host] = &bus{host: host, cfg: cfg, claim: claim, lock: lock, sem: make(chan struct{}, 1)}
	d.log.Debug("bus initialized", zap.Stringer("host", host), zap.String("lock", name))
	return spibus.StatusOK
}

func (d *Driver) claim(host spibus.Host) (*os.File, spibus.Status) {
	name := filepath.Join(d.lockDir, fmt.Sprintf("spibus-%d.owner", int(host)))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		d.log.Warn("open owner file", zap.String("path", name), zap.Error(err))
		return nil, status(err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			d.log.Warn("bus owned elsewhere", zap.Stringer("host", host), zap.String("path", name))
			return nil, spibus.StatusInvalidState
		}
		return nil, status(err)
	}
	return f, spibus.StatusOK
}

// Free implements spibus.Driver. It closes every device node opened on host.
func (d *Driver) Free(host spibus.Host) spibus.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buses[host]
	if !ok {
		return spibus.StatusInvalidState
	}
	var err error
	for _, h := range b.devices {
		dev := d.devices[h]
		err = multierr.Append(err, dev.file.Close())
		if dev.node.refs--; dev.node.refs == 0 {
			delete(d.nodes, dev.node.path)
		}
		delete(d.devices, h)
	}
	err = multierr.Append(err, b.lock.Close())
	err = multierr.Append(err, b.claim.Close())
	delete(d.buses, host)
	if err != nil {
		d.log.Warn("free bus", zap.Stringer("host", host), zap.Error(err))
		return status(err)
	}
	return spibus.StatusOK
}

// AddDevice implements spibus.Driver.
func (d *Driver) AddDevice(host spibus.Host, cfg spibus.DriverDeviceConfig, pre, post spibus.Callback) (spibus.Handle, spibus.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buses[host]
	if !ok {
		return 0, spibus.StatusInvalidState
	}
	if cfg.Mode > 3 || cfg.ClockSpeedHz <= 0 {
		return 0, spibus.StatusInvalidArg
	}

	cs := cfg.ChipSelect
	mode := cfg.Mode
	if cs < 0 {
		cs = 0
		mode |= spiNoCS
	}
	path := d.path(host, cs)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		d.log.Warn("open device", zap.String("path", path), zap.Error(err))
		return 0, status(err)
	}
	if err := d.configure(f, mode, uint32(cfg.ClockSpeedHz)); err != nil {
		d.log.Warn("configure device", zap.String("path", path), zap.Error(err))
		f.Close()
		return 0, status(err)
	}

	h := d.register(b, path, f, mode, cfg, pre, post)
	d.log.Debug("device added", zap.String("path", path), zap.Uint32("handle", uint32(h)))
	return h, spibus.StatusOK
}

// register records an opened and configured node. d.mu must be held.
func (d *Driver) register(b *bus, path string, f *os.File, mode uint8, cfg spibus.DriverDeviceConfig, pre, post spibus.Callback) spibus.Handle {
	n, ok := d.nodes[path]
	if !ok {
		n = &node{path: path}
		d.nodes[path] = n
	}
	n.mode = mode
	n.refs++

	d.next++
	h := d.next
	d.devices[h] = &device{bus: b, node: n, file: f, mode: mode, cfg: cfg, pre: pre, post: post}
	b.devices = append(b.devices, h)
	return h
}

func (d *Driver) configure(f *os.File, mode uint8, speedHz uint32) error {
	if err := d.ioctl(f, spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	bits := uint8(8)
	if err := d.ioctl(f, spiIOCWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		return fmt.Errorf("set bits per word: %w", err)
	}
	if err := d.ioctl(f, spiIOCWrMaxSpeedHz, unsafe.Pointer(&speedHz)); err != nil {
		return fmt.Errorf("set speed: %w", err)
	}
	return nil
}

// applyMode restores the device's mode on its node if another device on the
// same node changed it since. The caller holds the bus.
func (d *Driver) applyMode(dev *device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev.node.mode == dev.mode {
		return nil
	}
	mode := dev.mode
	if err := d.ioctl(dev.file, spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	dev.node.mode = mode
	return nil
}

func (d *Driver) lookup(h spibus.Handle) (*device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[h]
	return dev, ok
}

func (d *Driver) owner(b *bus) spibus.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return b.owner
}

// AcquireBus implements spibus.Driver. MaxDelay waits forever; any other
// timeout is counted in milliseconds.
func (d *Driver) AcquireBus(h spibus.Handle, timeout spibus.Ticks) spibus.Status {
	dev, ok := d.lookup(h)
	if !ok {
		return spibus.StatusInvalidArg
	}
	b := dev.bus
	if d.owner(b) == h {
		return spibus.StatusInvalidState
	}

	var deadline time.Time
	if timeout != spibus.MaxDelay {
		deadline = time.Now().Add(time.Duration(timeout) * d.tick)
	}
	if !d.take(b, deadline) {
		return spibus.StatusTimeout
	}
	if st := d.flock(b, deadline); st != spibus.StatusOK {
		<-b.sem
		return st
	}

	d.mu.Lock()
	b.owner = h
	d.mu.Unlock()
	return spibus.StatusOK
}

func (d *Driver) take(b *bus, deadline time.Time) bool {
	if deadline.IsZero() {
		b.sem <- struct{}{}
		return true
	}
	select {
	case b.sem <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case b.sem <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (d *Driver) flock(b *bus, deadline time.Time) spibus.Status {
	fd := int(b.lock.Fd())
	if deadline.IsZero() {
		return status(unix.Flock(fd, unix.LOCK_EX))
	}
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return spibus.StatusOK
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return status(err)
		}
		if time.Now().After(deadline) {
			return spibus.StatusTimeout
		}
		time.Sleep(d.tick)
	}
}

// ReleaseBus implements spibus.Driver. Releasing a bus the device does not
// hold is ignored.
func (d *Driver) ReleaseBus(h spibus.Handle) {
	dev, ok := d.lookup(h)
	if !ok {
		return
	}
	b := dev.bus
	d.mu.Lock()
	if b.owner != h {
		d.mu.Unlock()
		return
	}
	b.owner = 0
	d.mu.Unlock()

	if err := unix.Flock(int(b.lock.Fd()), unix.LOCK_UN); err != nil {
		d.log.Warn("unlock bus", zap.Stringer("host", b.host), zap.Error(err))
	}
	<-b.sem
}

// PollingTransmit implements spibus.Driver. The bus is acquired for the
// call unless h already holds it.
func (d *Driver) PollingTransmit(h spibus.Handle, desc *spibus.Descriptor) spibus.Status {
	dev, ok := d.lookup(h)
	if !ok {
		return spibus.StatusInvalidArg
	}
	if d.owner(dev.bus) != h {
		if st := d.AcquireBus(h, spibus.MaxDelay); st != spibus.StatusOK {
			return st
		}
		defer d.ReleaseBus(h)
	}

	f, st := newFrame(dev.cfg, desc)
	if st != spibus.StatusOK {
		return st
	}
	if max := dev.bus.cfg.MaxTransferSize; len(f.tx) > max {
		return spibus.StatusInvalidSize
	}
	if err := d.applyMode(dev); err != nil {
		d.log.Warn("restore mode", zap.Uint32("handle", uint32(h)), zap.Error(err))
		return status(err)
	}

	if dev.pre != nil {
		dev.pre(desc)
	}
	err := d.message(dev, f)
	if err == nil {
		f.copyRx(desc)
	}
	if dev.post != nil {
		dev.post(desc)
	}
	if err != nil {
		d.log.Debug("transfer failed", zap.Uint32("handle", uint32(h)), zap.Error(err))
	}
	return status(err)
}

func (d *Driver) message(dev *device, f frame) error {
	if len(f.tx) == 0 {
		return nil
	}
	tr := iocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&f.tx[0]))),
		length:      uint32(len(f.tx)),
		speedHz:     uint32(dev.cfg.ClockSpeedHz),
		bitsPerWord: 8,
	}
	if f.rx != nil {
		tr.rxBuf = uint64(uintptr(unsafe.Pointer(&f.rx[0])))
	}
	err := d.ioctl(dev.file, spiIOCMessage1, unsafe.Pointer(&tr))
	runtime.KeepAlive(f)
	return err
}

var _ spibus.Driver = (*Driver)(nil)
