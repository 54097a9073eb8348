package spibus

// Direction of a Transaction.
type Direction uint8

// Transaction directions. The zero value is not a valid direction.
const (
	Write Direction = iota + 1
	Read
	Duplex
)

func (d Direction) String() string {
	switch d {
	case Write:
		return "write"
	case Read:
		return "read"
	case Duplex:
		return "duplex"
	default:
		return "invalid"
	}
}

// Transaction describes one data exchange with a device. It only borrows its
// buffers: it must not be kept after the call it is passed to returns.
//
// Context is handed to the device's pre and post callbacks.
type Transaction[T any] struct {
	dir     Direction
	cmd     uint16
	addr    uint64
	tx      []byte
	rx      []byte
	Context T
}

// NewWrite transmits tx and receives nothing.
func NewWrite[T any](tx []byte, ctx T) Transaction[T] {
	return Transaction[T]{dir: Write, tx: tx, Context: ctx}
}

// NewRead receives len(rx) bytes and transmits nothing.
func NewRead[T any](rx []byte, ctx T) Transaction[T] {
	return Transaction[T]{dir: Read, rx: rx, Context: ctx}
}

// NewDuplex transmits tx while receiving into rx. The lengths may differ.
func NewDuplex[T any](tx, rx []byte, ctx T) Transaction[T] {
	return Transaction[T]{dir: Duplex, tx: tx, rx: rx, Context: ctx}
}

// WithCommand sets the command phase value. It is only clocked out when the
// device was attached with non-zero CommandBits.
func (t Transaction[T]) WithCommand(cmd uint16) Transaction[T] {
	t.cmd = cmd
	return t
}

// WithAddress sets the address phase value. It is only clocked out when the
// device was attached with non-zero AddressBits.
func (t Transaction[T]) WithAddress(addr uint64) Transaction[T] {
	t.addr = addr
	return t
}

// Direction returns the direction the transaction was built with.
func (t Transaction[T]) Direction() Direction { return t.dir }

// Length is the total transfer length in bits.
func (t Transaction[T]) Length() int {
	switch t.dir {
	case Read:
		return len(t.rx) * 8
	case Write, Duplex:
		return len(t.tx) * 8
	default:
		return 0
	}
}

// RxLength is the receive length in bits. Zero for reads means "same as
// Length", which is how the driver expects a read-only transfer.
func (t Transaction[T]) RxLength() int {
	if t.dir == Duplex {
		return len(t.rx) * 8
	}
	return 0
}

// Validate rejects transactions that were not built by one of the
// constructors. Zero-length buffers are accepted.
func (t Transaction[T]) Validate() error {
	switch t.dir {
	case Write, Read, Duplex:
		return nil
	default:
		return invalidArg("transaction", "no direction")
	}
}

func (t Transaction[T]) descriptor() Descriptor {
	return Descriptor{
		Length:   t.Length(),
		RxLength: t.RxLength(),
		Cmd:      t.cmd,
		Addr:     t.addr,
		Tx:       t.tx,
		Rx:       t.rx,
		User:     t.Context,
	}
}
