package spibus

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type busKey struct {
	drv  Driver
	host Host
}

// live tracks initialized controllers so a second Initialize for the same
// host fails before it reaches the driver.
var live = struct {
	sync.Mutex
	hosts map[busKey]struct{}
}{hosts: make(map[busKey]struct{})}

func claim(k busKey) bool {
	live.Lock()
	defer live.Unlock()
	if _, ok := live.hosts[k]; ok {
		return false
	}
	live.hosts[k] = struct{}{}
	return true
}

func unclaim(k busKey) {
	live.Lock()
	delete(live.hosts, k)
	live.Unlock()
}

// Bus owns one initialized SPI controller. Devices are attached to it with
// Attach. Close tears the controller down; devices attached to a closed bus
// fail every transfer with StatusInvalidState.
//
// Drivers are used as map keys and must be comparable (pointer types).
type Bus struct {
	drv  Driver
	host Host
	cfg  BusConfig
	dma  int
	log  *zap.Logger

	// mu serializes attachment and is reserved for bus-level coordination.
	mu      sync.Mutex
	handles []Handle

	// life is held for reading by driver calls that must not overlap Free.
	life sync.RWMutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Initialize brings up the controller identified by host. It fails with
// StatusInvalidState if a live Bus already owns host on drv, and with the
// driver's code if the driver rejects the configuration.
func Initialize(drv Driver, host Host, cfg BusConfig, dmaChannel int, opts ...Option) (*Bus, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.Named("bus").With(zap.Stringer("host", host))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := busKey{drv: drv, host: host}
	if !claim(k) {
		log.Warn("bus already initialized")
		return nil, &Error{Op: "initialize", Code: StatusInvalidState, Detail: host.String() + " already initialized"}
	}
	if st := drv.Initialize(host, cfg.driver(), dmaChannel); st != StatusOK {
		unclaim(k)
		log.Warn("driver rejected bus", zap.Stringer("status", st))
		return nil, st.Err("initialize")
	}
	log.Debug("bus initialized", zap.Int("dma", dmaChannel), zap.Int("max_transfer_size", cfg.MaxTransferSize))
	return &Bus{drv: drv, host: host, cfg: cfg, dma: dmaChannel, log: log}, nil
}

// Host returns the controller this bus owns.
func (b *Bus) Host() Host { return b.host }

// Config returns the configuration the bus was initialized with.
func (b *Bus) Config() BusConfig { return b.cfg }

// Devices returns the number of devices attached so far.
func (b *Bus) Devices() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

// Close frees the controller. It waits for a transfer already inside the
// driver to finish. It is safe to call more than once; only the first call
// reaches the driver.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.life.Lock()
		defer b.life.Unlock()

		b.mu.Lock()
		b.closed.Store(true)
		n := len(b.handles)
		b.mu.Unlock()

		st := b.drv.Free(b.host)
		unclaim(busKey{drv: b.drv, host: b.host})
		if st != StatusOK {
			b.log.Warn("bus free failed", zap.Stringer("status", st))
			b.closeErr = st.Err("free")
			return
		}
		b.log.Debug("bus freed", zap.Int("devices", n))
	})
	return b.closeErr
}

func (b *Bus) isClosed() bool {
	return b.closed.Load()
}

// Attach registers a device on b. pre and post run immediately before and
// after the low-level transfer of every transaction on the device and receive
// the transaction's Context. Either may be nil. They must not block or issue
// bus operations.
//
// Devices cannot be detached; they live until the bus is closed.
func Attach[T any](b *Bus, cfg DeviceConfig, pre, post func(T)) (*SharedDevice[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b.life.RLock()
	defer b.life.RUnlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return nil, &Error{Op: "attach", Code: StatusInvalidState, Detail: "bus closed"}
	}

	d := &Device[T]{
		bus:  b,
		cfg:  cfg,
		pre:  pre,
		post: post,
	}
	h, st := b.drv.AddDevice(b.host, cfg.driver(), d.preHandler, d.postHandler)
	if st != StatusOK {
		b.log.Warn("driver rejected device", zap.Stringer("status", st))
		return nil, st.Err("attach")
	}
	if h == 0 {
		return nil, &Error{Op: "attach", Code: StatusConstructionFailed, Detail: "driver returned no handle"}
	}
	d.handle = h
	d.log = b.log.Named("device").With(zap.Uint32("handle", uint32(h)))
	b.handles = append(b.handles, h)

	d.log.Debug("device attached",
		zap.Stringer("mode", cfg.Mode),
		zap.Stringer("clock", cfg.ClockSpeed),
		zap.Bool("manual_cs", cfg.ManualChipSelect()),
	)
	return &SharedDevice[T]{dev: d}, nil
}
