package spibus

import "sync"

// BusGuard is exclusive ownership of the bus by one device. It is not safe
// for concurrent use and must not be kept after Release.
type BusGuard[T any] struct {
	owner    *SharedDevice[T]
	once     sync.Once
	released bool
}

// Release gives the bus back. Only the first call has an effect.
func (g *BusGuard[T]) Release() {
	g.once.Do(func() {
		g.released = true
		g.owner.dev.release()
		g.owner.mu.Unlock()
	})
}

func (g *BusGuard[T]) check(op string) error {
	if g.released {
		return &Error{Op: op, Code: StatusInvalidState, Detail: "bus guard released"}
	}
	return nil
}

// Transfer runs t on the guarded device.
func (g *BusGuard[T]) Transfer(t Transaction[T]) error {
	if err := g.check("transfer"); err != nil {
		return err
	}
	return g.owner.dev.transfer(t)
}

// Send shifts word out in a one-byte duplex exchange and caches the reply.
func (g *BusGuard[T]) Send(word byte) error {
	if err := g.check("send"); err != nil {
		return err
	}
	return g.owner.dev.send(word)
}

// Read returns the byte cached by the latest Send.
func (g *BusGuard[T]) Read() (byte, error) {
	if err := g.check("read"); err != nil {
		return 0, err
	}
	return g.owner.dev.lastWord, nil
}

// Device returns the guarded device.
func (g *BusGuard[T]) Device() *Device[T] {
	return g.owner.dev
}
