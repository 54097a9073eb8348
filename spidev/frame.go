package spidev

import (
	"encoding/binary"

	spibus "github.com/luhtfiimanal/go-spibus"
)

// frame is one spidev message: command, address and dummy bytes followed by
// the data phase. rx is nil when nothing is received.
type frame struct {
	tx     []byte
	rx     []byte
	prefix int
	rxLen  int
}

func bytesFor(bits int) int {
	return (bits + 7) / 8
}

func newFrame(cfg spibus.DriverDeviceConfig, desc *spibus.Descriptor) (frame, spibus.Status) {
	if cfg.CommandBits%8 != 0 || cfg.AddressBits%8 != 0 || cfg.DummyBits%8 != 0 ||
		cfg.CommandBits > 16 || cfg.AddressBits > 64 {
		return frame{}, spibus.StatusNotSupported
	}
	if desc.Length < 0 || desc.RxLength < 0 {
		return frame{}, spibus.StatusInvalidArg
	}

	txLen := 0
	if desc.Tx != nil {
		txLen = bytesFor(desc.Length)
		if txLen > len(desc.Tx) {
			return frame{}, spibus.StatusInvalidArg
		}
	}
	rxLen := 0
	if desc.Rx != nil {
		rxLen = bytesFor(desc.RxLength)
		if desc.RxLength == 0 {
			rxLen = bytesFor(desc.Length)
		}
		if rxLen > len(desc.Rx) {
			return frame{}, spibus.StatusInvalidArg
		}
	}

	cmd := int(cfg.CommandBits / 8)
	addr := int(cfg.AddressBits / 8)
	prefix := cmd + addr + int(cfg.DummyBits/8)
	n := txLen
	if rxLen > n {
		n = rxLen
	}
	if prefix+n == 0 {
		return frame{}, spibus.StatusOK
	}

	f := frame{tx: make([]byte, prefix+n), prefix: prefix, rxLen: rxLen}
	var word [8]byte
	binary.BigEndian.PutUint16(word[:2], desc.Cmd)
	copy(f.tx[:cmd], word[2-cmd:2])
	binary.BigEndian.PutUint64(word[:], desc.Addr)
	copy(f.tx[cmd:cmd+addr], word[8-addr:])
	copy(f.tx[prefix:], desc.Tx[:txLen])
	if rxLen > 0 {
		f.rx = make([]byte, len(f.tx))
	}
	return f, spibus.StatusOK
}

func (f frame) copyRx(desc *spibus.Descriptor) {
	if f.rx == nil {
		return
	}
	copy(desc.Rx[:f.rxLen], f.rx[f.prefix:])
}
