package spibus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"

	spibus "github.com/luhtfiimanal/go-spibus"
	"github.com/luhtfiimanal/go-spibus/spitest"
)

func attach[T any](t *testing.T, bus *spibus.Bus, pre, post func(T)) *spibus.SharedDevice[T] {
	t.Helper()
	dev, err := spibus.Attach(bus, lcdConfig(), pre, post)
	require.NoError(t, err)
	return dev
}

func TestDevice_WriteThenRead(t *testing.T) {
	drv := spitest.New()
	drv.Respond = spitest.Fixed(0x00, 0x93, 0x41)
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	require.NoError(t, dev.Transfer(spibus.NewWrite([]byte{0x01}, false)))

	buf := make([]byte, 3)
	require.NoError(t, dev.Transfer(spibus.NewRead(buf, true)))
	require.Equal(t, []byte{0x00, 0x93, 0x41}, buf)

	recs := drv.Records()
	require.Len(t, recs, 2)
	require.Equal(t, 8, recs[0].Length)
	require.Equal(t, []byte{0x01}, recs[0].Tx)
	require.Nil(t, recs[0].Rx)
	require.Equal(t, 24, recs[1].Length)
	require.Zero(t, recs[1].RxLength)
	require.Nil(t, recs[1].Tx)
	require.Equal(t, true, recs[1].User)
}

func TestDevice_DuplexIndependentLengths(t *testing.T) {
	drv := spitest.New()
	dev := attach[int](t, newBus(t, drv), nil, nil)

	rx := make([]byte, 4)
	require.NoError(t, dev.Transfer(spibus.NewDuplex([]byte{0x9f}, rx, 0).WithCommand(0x05)))

	rec := drv.Records()[0]
	require.Equal(t, 8, rec.Length)
	require.Equal(t, 32, rec.RxLength)
	require.Equal(t, uint16(0x05), rec.Cmd)
	require.Equal(t, byte(0x9f), rx[0])
}

func TestDevice_CallbacksReceiveContext(t *testing.T) {
	drv := spitest.New()
	var mu sync.Mutex
	var seen []string
	pre := func(ctx string) {
		mu.Lock()
		seen = append(seen, "pre:"+ctx)
		mu.Unlock()
	}
	post := func(ctx string) {
		mu.Lock()
		seen = append(seen, "post:"+ctx)
		mu.Unlock()
	}
	dev := attach(t, newBus(t, drv), pre, post)

	require.NoError(t, dev.Transfer(spibus.NewWrite([]byte{0x2c}, "cmd")))
	require.NoError(t, dev.Transfer(spibus.NewWrite([]byte{1, 2, 3}, "data")))
	require.Equal(t, []string{"pre:cmd", "post:cmd", "pre:data", "post:data"}, seen)

	h := dev.Handle()
	require.Equal(t, []string{
		"init VSPI", "add 1",
		"acquire 1", "xfer 1", "release 1",
		"acquire 1", "xfer 1", "release 1",
	}, drv.Events())
	require.EqualValues(t, 1, h)
}

func TestDevice_LockWithoutTransfersIsBalanced(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	g, err := dev.Lock()
	require.NoError(t, err)
	g.Release()
	g.Release()

	require.EqualValues(t, 1, drv.Acquires())
	require.EqualValues(t, 1, drv.Releases())

	// The device is usable again.
	require.NoError(t, dev.Transfer(spibus.NewWrite([]byte{0}, false)))
	require.Equal(t, drv.Acquires(), drv.Releases())
}

func TestDevice_GuardSpansSequence(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	err := dev.Do(func(g *spibus.BusGuard[bool]) error {
		if err := g.Transfer(spibus.NewWrite([]byte{0x36}, false)); err != nil {
			return err
		}
		return g.Transfer(spibus.NewWrite([]byte{0x08}, true))
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"init VSPI", "add 1",
		"acquire 1", "xfer 1", "xfer 1", "release 1",
	}, drv.Events())
}

func TestDevice_FailedTransferReleasesBus(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	drv.Fail("transmit", spibus.Status(0x10b))
	err := dev.Transfer(spibus.NewWrite([]byte{1}, false))
	require.Equal(t, spibus.Status(0x10b), spibus.Code(err))
	require.Equal(t, drv.Acquires(), drv.Releases())

	drv.Fail("transmit", spibus.StatusFail)
	err = dev.Do(func(g *spibus.BusGuard[bool]) error {
		return g.Transfer(spibus.NewWrite([]byte{1}, false))
	})
	require.ErrorIs(t, err, spibus.StatusFail)
	require.EqualValues(t, 2, drv.Acquires())
	require.EqualValues(t, 2, drv.Releases())
}

func TestDevice_InvalidTransferReleasesBus(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	// Larger than MaxTransferSize.
	err := dev.Transfer(spibus.NewWrite(make([]byte, 8192), false))
	require.ErrorIs(t, err, spibus.StatusInvalidSize)
	require.Equal(t, drv.Acquires(), drv.Releases())

	var zero spibus.Transaction[bool]
	require.ErrorIs(t, dev.Transfer(zero), spibus.StatusInvalidArg)
}

func TestDevice_PanicInGuardReleasesBus(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	require.Panics(t, func() {
		_ = dev.Do(func(g *spibus.BusGuard[bool]) error {
			require.NoError(t, g.Transfer(spibus.NewWrite([]byte{1}, false)))
			panic("boom")
		})
	})
	require.EqualValues(t, 1, drv.Acquires())
	require.EqualValues(t, 1, drv.Releases())
	require.NoError(t, dev.Transfer(spibus.NewWrite([]byte{2}, false)))
}

func TestDevice_AcquireFailure(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	drv.Fail("acquire", spibus.StatusTimeout)
	_, err := dev.Lock()
	require.ErrorIs(t, err, spibus.StatusTimeout)

	// The device lock was given back on failure.
	g, err := dev.Lock()
	require.NoError(t, err)
	g.Release()
}

func TestDevice_GuardUnusableAfterRelease(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	g, err := dev.Lock()
	require.NoError(t, err)
	require.Equal(t, dev.Handle(), g.Device().Handle())
	g.Release()

	require.ErrorIs(t, g.Transfer(spibus.NewWrite([]byte{1}, false)), spibus.StatusInvalidState)
	require.ErrorIs(t, g.Send(1), spibus.StatusInvalidState)
	_, err = g.Read()
	require.ErrorIs(t, err, spibus.StatusInvalidState)
	require.Len(t, drv.Records(), 0)
}

func TestDevice_GuardRead(t *testing.T) {
	drv := spitest.New()
	drv.Respond = spitest.Fixed(0x42)
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	err := dev.Do(func(g *spibus.BusGuard[bool]) error {
		if err := g.Send(0x01); err != nil {
			return err
		}
		b, err := g.Read()
		require.NoError(t, err)
		require.Equal(t, byte(0x42), b)
		return nil
	})
	require.NoError(t, err)
}

func TestDevice_SendRead(t *testing.T) {
	drv := spitest.New()
	drv.Respond = func(_ spibus.Handle, tx, rx []byte) {
		rx[0] = ^tx[0]
	}
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	require.Zero(t, dev.Read(), "fresh device has nothing cached")

	require.NoError(t, dev.Send(0x5a))
	require.Equal(t, byte(0xa5), dev.Read())
	require.Equal(t, byte(0xa5), dev.Read(), "read does not consume")

	// A send without a read in between overwrites the cached byte.
	require.NoError(t, dev.Send(0x01))
	require.NoError(t, dev.Send(0x02))
	require.Equal(t, byte(0xfd), dev.Read())

	rec := drv.Records()[0]
	require.Equal(t, 8, rec.Length)
	require.Equal(t, 8, rec.RxLength)
}

func TestDevice_FailedSendKeepsCachedByte(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	require.NoError(t, dev.Send(0x11))
	drv.Fail("transmit", spibus.StatusFail)
	require.Error(t, dev.Send(0x22))
	require.Equal(t, byte(0x11), dev.Read())
	require.Equal(t, drv.Acquires(), drv.Releases())
}

func TestDevice_TransferInPlace(t *testing.T) {
	drv := spitest.New()
	drv.Respond = spitest.Fixed(0xff)
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	words := []byte{1, 2, 3}
	require.NoError(t, dev.TransferInPlace(words))
	require.Equal(t, []byte{0xff, 0xff, 0xff}, words)
	require.EqualValues(t, 1, drv.Acquires(), "whole sequence under one acquisition")
	require.Len(t, drv.Records(), 3)
}

func TestDevice_Write(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	require.NoError(t, dev.Write([]byte{0xca, 0xfe}))
	rec := drv.Records()[0]
	require.Equal(t, 16, rec.Length)
	require.Equal(t, false, rec.User)
}

func TestDevice_SequentialOnSameDevice(t *testing.T) {
	drv := spitest.New()
	drv.Latency = 2 * time.Millisecond
	dev := attach[bool](t, newBus(t, drv), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			assert.NoError(t, dev.Send(b))
			_ = dev.Read()
		}(byte(i))
	}
	wg.Wait()

	require.Zero(t, drv.Overlaps())
	require.Len(t, drv.Records(), 8)
	require.Equal(t, drv.Acquires(), drv.Releases())
}

func TestDevice_GuardExcludesOtherDevices(t *testing.T) {
	drv := spitest.New()
	bus := newBus(t, drv)
	a := attach[bool](t, bus, nil, nil)
	b := attach[bool](t, bus, nil, nil)

	g, err := a.Lock()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- b.Transfer(spibus.NewWrite([]byte{0xbb}, false))
	}()

	select {
	case <-done:
		t.Fatal("transfer on another device ran while the bus was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, g.Transfer(spibus.NewWrite([]byte{0xaa}, false)))
	g.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("transfer did not resume after release")
	}

	recs := drv.Records()
	require.Len(t, recs, 2)
	require.Equal(t, a.Handle(), recs[0].Handle)
	require.Equal(t, b.Handle(), recs[1].Handle)
	require.Zero(t, drv.Overlaps())
}

func TestDevice_ClosedBus(t *testing.T) {
	drv := spitest.New()
	bus := newBus(t, drv)
	dev := attach[bool](t, bus, nil, nil)
	require.NoError(t, bus.Close())

	require.ErrorIs(t, dev.Transfer(spibus.NewWrite([]byte{1}, false)), spibus.StatusInvalidState)
	_, err := dev.Lock()
	require.ErrorIs(t, err, spibus.StatusInvalidState)
}

func TestDevice_CloseWaitsForTransfer(t *testing.T) {
	drv := spitest.New()
	drv.Latency = 50 * time.Millisecond
	bus := newBus(t, drv)
	started := make(chan struct{}, 1)
	dev := attach(t, bus, func(bool) {
		select {
		case started <- struct{}{}:
		default:
		}
	}, nil)

	done := make(chan error, 1)
	go func() {
		done <- dev.Transfer(spibus.NewWrite([]byte{0x2c}, false))
	}()
	<-started
	require.NoError(t, bus.Close())
	require.NoError(t, <-done)

	// Free only reached the driver once the transfer was out of it.
	events := drv.Events()
	require.Equal(t, []string{"init VSPI", "add 1", "acquire 1", "xfer 1"}, events[:4])
	require.Equal(t, "free VSPI", events[len(events)-1])
	require.Len(t, drv.Records(), 1)
	require.ErrorIs(t, dev.Transfer(spibus.NewWrite([]byte{1}, false)), spibus.StatusInvalidState)
}

func TestDevice_GuardAfterClose(t *testing.T) {
	drv := spitest.New()
	bus := newBus(t, drv)
	dev := attach[bool](t, bus, nil, nil)

	g, err := dev.Lock()
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	require.ErrorIs(t, g.Transfer(spibus.NewWrite([]byte{1}, false)), spibus.StatusInvalidState)
	require.ErrorIs(t, g.Send(1), spibus.StatusInvalidState)
	require.NotPanics(t, g.Release)
	require.Empty(t, drv.Records())
	require.EqualValues(t, 1, drv.Frees())
}

func TestDevice_Conn(t *testing.T) {
	drv := spitest.New()
	var ctxs []int
	dev := attach(t, newBus(t, drv), func(c int) { ctxs = append(ctxs, c) }, nil)

	c := dev.Conn(7)
	require.Equal(t, conn.Full, c.Duplex())
	require.Equal(t, "VSPI/1", c.String())

	r := make([]byte, 2)
	require.NoError(t, c.Tx([]byte{0xa0, 0xa1}, r))
	require.Equal(t, []byte{0xa0, 0xa1}, r)
	require.NoError(t, c.Tx([]byte{0x01}, nil))
	require.NoError(t, c.Tx(nil, r))

	recs := drv.Records()
	require.Len(t, recs, 3)
	require.Equal(t, 16, recs[0].RxLength)
	require.Nil(t, recs[1].Rx)
	require.Nil(t, recs[2].Tx)
	require.Equal(t, []int{7, 7, 7}, ctxs)
}

func TestDevice_ConnTxPackets(t *testing.T) {
	drv := spitest.New()
	dev := attach[bool](t, newBus(t, drv), nil, nil)
	c := dev.Conn(false)

	rx := make([]byte, 2)
	err := c.TxPackets([]spi.Packet{
		{W: []byte{0x03, 0x00}},
		{R: rx},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, drv.Acquires())
	require.EqualValues(t, 1, drv.Releases())
	require.Len(t, drv.Records(), 2)

	err = c.TxPackets([]spi.Packet{{W: []byte{1}, BitsPerWord: 16}})
	require.ErrorIs(t, err, spibus.StatusInvalidArg)
	require.Len(t, drv.Records(), 2)
}
