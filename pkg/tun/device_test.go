package tun

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/tunshield/pkg/core"
)

func TestMockDescriptorRead(t *testing.T) {
	m := NewMockDescriptor()
	ready, err := m.WaitReadable(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = m.Read(make([]byte, 10))
	assert.ErrorIs(t, err, core.ErrWouldBlock)

	m.SimulatePacketReceived([]byte{1, 2, 3})
	m.SimulateWouldBlock(1)
	ready, err = m.WaitReadable(time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	_, err = m.Read(make([]byte, 10))
	assert.ErrorIs(t, err, core.ErrWouldBlock)

	buf := make([]byte, 10)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	m.Hangup()
	_, err = m.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMockDescriptorWakesWaiter(t *testing.T) {
	m := NewMockDescriptor()
	done := make(chan bool, 1)
	go func() {
		ready, _ := m.WaitReadable(2 * time.Second)
		done <- ready
	}()
	time.Sleep(20 * time.Millisecond)
	m.SimulatePacketReceived([]byte{0x45})
	select {
	case ready := <-done:
		assert.True(t, ready)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestDeviceReadWrite(t *testing.T) {
	m := NewMockDescriptor()
	dev := NewDevice(m, "test0", 1280)
	defer dev.Close()

	assert.Equal(t, wgtun.Event(wgtun.EventUp), <-dev.Events())
	mtu, _ := dev.MTU()
	assert.Equal(t, 1280, mtu)
	name, _ := dev.Name()
	assert.Equal(t, "test0", name)
	assert.Equal(t, 1, dev.BatchSize())
	assert.Nil(t, dev.File())

	m.SimulateWouldBlock(2)
	m.SimulatePacketReceived([]byte("packet"))

	bufs := [][]byte{make([]byte, 1500)}
	sizes := make([]int, 1)
	n, err := dev.Read(bufs, sizes, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("packet"), bufs[0][16:16+sizes[0]])

	out := append(make([]byte, 16), []byte("reply")...)
	n, err = dev.Write([][]byte{out}, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]byte{[]byte("reply")}, m.GetWrittenPackets())
	assert.Zero(t, m.Pending())
}

func TestDeviceReadErrors(t *testing.T) {
	m := NewMockDescriptor()
	dev := NewDevice(m, "test0", 0)
	boom := errors.New("boom")
	m.Fail(boom)
	_, err := dev.Read([][]byte{make([]byte, 100)}, make([]int, 1), 0)
	assert.ErrorIs(t, err, boom)

	_, err = dev.Read([][]byte{make([]byte, 4)}, make([]int, 1), 4)
	assert.Error(t, err)
}

func TestDeviceCloseUnblocksRead(t *testing.T) {
	dev := NewDevice(NewMockDescriptor(), "test0", 1280)
	errc := make(chan error, 1)
	go func() {
		_, err := dev.Read([][]byte{make([]byte, 100)}, make([]int, 1), 0)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read not unblocked by close")
	}
	_, err := dev.Write([][]byte{{1}}, 0)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestDefaultWrapper(t *testing.T) {
	_, err := DefaultWrapper{}.Wrap(nil, 1280)
	assert.ErrorIs(t, err, core.ErrDeviceWrap)

	dev, err := DefaultWrapper{}.Wrap(NewMockDescriptor(), 1280)
	require.NoError(t, err)
	assert.NoError(t, dev.Close())
}
