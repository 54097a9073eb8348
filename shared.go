package spibus

import (
	"sync"
)

// SharedDevice lets several goroutines hold the same Device. Transfers on it
// are strictly sequential: each call takes the device for its whole duration,
// and Lock extends that exclusivity across a sequence of transactions.
type SharedDevice[T any] struct {
	mu  sync.Mutex
	dev *Device[T]
}

// Config returns the configuration the device was attached with.
func (s *SharedDevice[T]) Config() DeviceConfig { return s.dev.cfg }

// Handle returns the driver handle of the device.
func (s *SharedDevice[T]) Handle() Handle { return s.dev.handle }

// Lock acquires the physical bus for the device, waiting as long as it takes.
// The returned guard must be released; until then no other transaction can
// run on this device and no other device can use the bus.
func (s *SharedDevice[T]) Lock() (*BusGuard[T], error) {
	s.mu.Lock()
	if err := s.dev.acquire(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &BusGuard[T]{owner: s}, nil
}

// Do runs fn while holding the bus. The bus is released when fn returns,
// fails or panics.
func (s *SharedDevice[T]) Do(fn func(g *BusGuard[T]) error) error {
	g, err := s.Lock()
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g)
}

// Transfer runs a single transaction, holding the bus around it. An invalid
// transaction is rejected before the bus is taken.
func (s *SharedDevice[T]) Transfer(t Transaction[T]) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.Do(func(g *BusGuard[T]) error {
		return g.Transfer(t)
	})
}

// Write transmits words with a zero context while holding the bus.
func (s *SharedDevice[T]) Write(words []byte) error {
	var ctx T
	return s.Do(func(g *BusGuard[T]) error {
		return g.Transfer(NewWrite(words, ctx))
	})
}

// Send shifts word out in a one-byte duplex exchange. The byte shifted in is
// kept for the next Read. A Send that is not followed by Read loses that byte.
func (s *SharedDevice[T]) Send(word byte) error {
	return s.Do(func(g *BusGuard[T]) error {
		return g.Send(word)
	})
}

// Read returns the byte shifted in by the latest Send, or zero if nothing
// was sent yet.
func (s *SharedDevice[T]) Read() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.lastWord
}

// TransferInPlace exchanges words one byte at a time, replacing each with the
// byte shifted in while it was sent. The bus is held for the whole sequence.
func (s *SharedDevice[T]) TransferInPlace(words []byte) error {
	return s.Do(func(g *BusGuard[T]) error {
		for i, w := range words {
			if err := g.Send(w); err != nil {
				return err
			}
			b, err := g.Read()
			if err != nil {
				return err
			}
			words[i] = b
		}
		return nil
	})
}
