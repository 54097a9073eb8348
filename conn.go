package spibus

import (
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

// Conn adapts the device to periph's spi.Conn so drivers written against
// periph can run on this bus. Every transaction carries ctx.
func (s *SharedDevice[T]) Conn(ctx T) spi.Conn {
	return &deviceConn[T]{s: s, ctx: ctx}
}

type deviceConn[T any] struct {
	s   *SharedDevice[T]
	ctx T
}

var _ spi.Conn = (*deviceConn[bool])(nil)

func (c *deviceConn[T]) String() string {
	return fmt.Sprintf("%s/%d", c.s.dev.bus.host, c.s.dev.handle)
}

// Tx runs a write, read or duplex transaction depending on which of w and r
// are non-empty.
func (c *deviceConn[T]) Tx(w, r []byte) error {
	return c.s.Transfer(c.transaction(w, r))
}

// TxPackets runs all packets while holding the bus.
func (c *deviceConn[T]) TxPackets(p []spi.Packet) error {
	for i := range p {
		if p[i].BitsPerWord != 0 && p[i].BitsPerWord != 8 {
			return invalidArg("tx packets", "packet %d: %d bits per word not supported", i, p[i].BitsPerWord)
		}
	}
	return c.s.Do(func(g *BusGuard[T]) error {
		for i := range p {
			if err := g.Transfer(c.transaction(p[i].W, p[i].R)); err != nil {
				return fmt.Errorf("packet %d: %w", i, err)
			}
		}
		return nil
	})
}

func (c *deviceConn[T]) Duplex() conn.Duplex {
	return conn.Full
}

func (c *deviceConn[T]) transaction(w, r []byte) Transaction[T] {
	switch {
	case len(r) == 0:
		return NewWrite(w, c.ctx)
	case len(w) == 0:
		return NewRead(r, c.ctx)
	default:
		return NewDuplex(w, r, c.ctx)
	}
}
