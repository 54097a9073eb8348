package spibus

import (
	"go.uber.org/zap"
)

// Device is one peripheral attached to a Bus. It is only reachable through a
// SharedDevice, which guarantees that a single transaction is in flight at a
// time.
type Device[T any] struct {
	bus    *Bus
	handle Handle
	cfg    DeviceConfig
	log    *zap.Logger

	pre, post func(T)

	// lastWord is the byte shifted in by the most recent send.
	lastWord byte
}

// Config returns the configuration the device was attached with.
func (d *Device[T]) Config() DeviceConfig { return d.cfg }

// Handle returns the driver handle of the device.
func (d *Device[T]) Handle() Handle { return d.handle }

func (d *Device[T]) preHandler(desc *Descriptor) {
	if d.pre == nil {
		return
	}
	ctx, _ := desc.User.(T)
	d.pre(ctx)
}

func (d *Device[T]) postHandler(desc *Descriptor) {
	if d.post == nil {
		return
	}
	ctx, _ := desc.User.(T)
	d.post(ctx)
}

// transfer runs t with a blocking polling transmit. The caller holds the
// SharedDevice lock and the bus, so the driver call never waits on another
// device while Close is kept out.
func (d *Device[T]) transfer(t Transaction[T]) error {
	if err := t.Validate(); err != nil {
		return err
	}
	d.bus.life.RLock()
	defer d.bus.life.RUnlock()
	if d.bus.isClosed() {
		return &Error{Op: "transfer", Code: StatusInvalidState, Detail: "bus closed"}
	}
	desc := t.descriptor()
	if st := d.bus.drv.PollingTransmit(d.handle, &desc); st != StatusOK {
		d.log.Warn("transfer failed",
			zap.Stringer("dir", t.Direction()),
			zap.Int("bits", desc.Length),
			zap.Stringer("status", st),
		)
		return st.Err("transfer")
	}
	return nil
}

// send shifts word out and caches the byte shifted in.
func (d *Device[T]) send(word byte) error {
	var ctx T
	tx := [1]byte{word}
	var rx [1]byte
	if err := d.transfer(NewDuplex(tx[:], rx[:], ctx)); err != nil {
		return err
	}
	d.lastWord = rx[0]
	return nil
}

func (d *Device[T]) acquire() error {
	if d.bus.isClosed() {
		return &Error{Op: "lock", Code: StatusInvalidState, Detail: "bus closed"}
	}
	if st := d.bus.drv.AcquireBus(d.handle, MaxDelay); st != StatusOK {
		d.log.Warn("acquire bus failed", zap.Stringer("status", st))
		return st.Err("lock")
	}
	if d.bus.isClosed() {
		d.release()
		return &Error{Op: "lock", Code: StatusInvalidState, Detail: "bus closed"}
	}
	return nil
}

func (d *Device[T]) release() {
	d.bus.drv.ReleaseBus(d.handle)
}
