package gxenclave

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// Wire frame constants. Every frame is an 8 byte little-endian header
// followed by PayloadLength bytes of payload.
const (
	//PacketSignature marks the start of a valid frame.
	PacketSignature uint32 = 0x0BADF00D
	//PacketHeaderSize is the size of the fixed frame header.
	PacketHeaderSize = 8
	//PacketTypeStateUpdate carries the device state mirror fields.
	PacketTypeStateUpdate uint16 = 0x0004
)

// stagingSize bounds the receive staging buffer. A frame larger than this
// can never complete and ends in a staging reset.
const stagingSize = 2048

// ErrStagingOverflow is reported when appending received data would exceed
// the staging buffer capacity. The staging buffer is reset entirely,
// dropping any partial frame, because a truncated frame would desynchronize
// the header scan.
var ErrStagingOverflow = errors.New("receive staging buffer overflow")

// frameParser owns the receive staging buffer and resolves the unstructured
// byte stream into complete frames. It is driven from a single goroutine
// (the media reader) and needs no internal locking; only the counters are
// read concurrently.
type frameParser struct {
	buf      []byte
	dispatch func(packetType uint16, frame []byte)

	resyncs   atomic.Uint64
	overflows atomic.Uint64
}

func newFrameParser(dispatch func(packetType uint16, frame []byte)) *frameParser {
	return &frameParser{
		buf:      make([]byte, 0, stagingSize),
		dispatch: dispatch,
	}
}

// feed appends data to the staging buffer and resolves as many complete
// frames as the buffer now holds. Each complete frame is handed to the
// dispatch callback as one slice containing header and payload; the slice is
// owned by the callback.
//
// If appending would exceed the staging capacity the buffer is reset to
// empty and ErrStagingOverflow is returned. Nothing is accepted partially.
func (f *frameParser) feed(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(f.buf)+len(data) > stagingSize {
		f.buf = f.buf[:0]
		f.overflows.Add(1)
		return ErrStagingOverflow
	}
	f.buf = append(f.buf, data...)

	for len(f.buf) >= PacketHeaderSize {
		if binary.LittleEndian.Uint32(f.buf) != PacketSignature {
			// Resync: discard exactly one byte and retry. Skipping more
			// could step past a genuine frame start inside garbage.
			n := copy(f.buf, f.buf[1:])
			f.buf = f.buf[:n]
			f.resyncs.Add(1)
			continue
		}
		packetType := binary.LittleEndian.Uint16(f.buf[4:6])
		payloadSize := int(binary.LittleEndian.Uint16(f.buf[6:8]))
		total := PacketHeaderSize + payloadSize
		if len(f.buf) < total {
			// Partial frame stays at the front until more data arrives.
			break
		}
		frame := make([]byte, total)
		copy(frame, f.buf[:total])
		f.dispatch(packetType, frame)
		n := copy(f.buf, f.buf[total:])
		f.buf = f.buf[:n]
	}
	return nil
}

// reset discards all staged bytes.
func (f *frameParser) reset() {
	f.buf = f.buf[:0]
}

// pending returns the number of staged bytes not yet resolved into frames.
func (f *frameParser) pending() int {
	return len(f.buf)
}

func (f *frameParser) resyncCount() uint64 {
	return f.resyncs.Load()
}

func (f *frameParser) overflowCount() uint64 {
	return f.overflows.Load()
}
