//go:build linux

package gxenclave

import (
	"os"
	"testing"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

// openEnclaveOnPty opens a GXEnclave on the slave end of a pty pair. The
// master end plays the enclave device.
func openEnclaveOnPty(t *testing.T) (*os.File, *GXEnclave) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	media := NewGXEnclave(slave.Name(), gxcommon.BaudRate(9600))
	require.NoError(t, media.Open())
	t.Cleanup(func() { media.Close() })
	return master, media
}

func TestEnclavePty_StateUpdate(t *testing.T) {
	master, media := openEnclaveOnPty(t)

	_, err := master.Write(buildFrame(PacketTypeStateUpdate, []byte{0x01, 0x02}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return media.RootState() == 1 && media.Version() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestEnclavePty_ReadForwardedPacket(t *testing.T) {
	master, media := openEnclaveOnPty(t)
	frame := buildFrame(0x0042, []byte("telemetry"))

	type result struct {
		n   int
		err error
		buf []byte
	}
	results := make(chan result, 1)
	go func() {
		buf := make([]byte, 128)
		n, err := media.Read(buf, true)
		results <- result{n, err, buf[:n]}
	}()

	_, err := master.Write(frame)
	require.NoError(t, err)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Equal(t, frame, r.buf)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for forwarded packet")
	}
}

func TestEnclavePty_ChunkedFrameDelivery(t *testing.T) {
	master, media := openEnclaveOnPty(t)
	frame := buildFrame(0x0013, []byte{0xCA, 0xFE, 0xBA, 0xBE})

	cut := PacketHeaderSize + 1
	_, err := master.Write(frame[:cut])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = master.Write(frame[cut:])
	require.NoError(t, err)

	buf := make([]byte, 128)
	n, err := media.Read(buf, true)
	require.NoError(t, err)
	require.Equal(t, frame, buf[:n])
}

func TestEnclavePty_WritePassthrough(t *testing.T) {
	master, media := openEnclaveOnPty(t)

	payload := []byte("raw command")
	n, err := media.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestEnclavePty_CloseUnblocksRead(t *testing.T) {
	_, media := openEnclaveOnPty(t)

	errs := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := media.Read(buf, true)
		errs <- err
	}()

	// Give the goroutine a chance to block.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, media.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Read to unblock after Close")
	}

	// Safe to call again.
	require.NoError(t, media.Close())
}

func TestEnclavePty_GarbageThenFrame(t *testing.T) {
	master, media := openEnclaveOnPty(t)
	frame := buildFrame(0x0077, []byte{1, 2, 3})

	_, err := master.Write(append([]byte{0x00, 0xFF, 0x13, 0x37}, frame...))
	require.NoError(t, err)

	buf := make([]byte, 128)
	n, err := media.Read(buf, true)
	require.NoError(t, err)
	require.Equal(t, frame, buf[:n])
}
