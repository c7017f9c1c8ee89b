package gxenclave

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFrame returns one complete wire frame with the given type and payload.
func buildFrame(packetType uint16, payload []byte) []byte {
	frame := make([]byte, PacketHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], PacketSignature)
	binary.LittleEndian.PutUint16(frame[4:6], packetType)
	binary.LittleEndian.PutUint16(frame[6:8], uint16(len(payload)))
	copy(frame[PacketHeaderSize:], payload)
	return frame
}

type dispatched struct {
	packetType uint16
	frame      []byte
}

func newRecordingParser() (*frameParser, *[]dispatched) {
	var got []dispatched
	p := newFrameParser(func(packetType uint16, frame []byte) {
		got = append(got, dispatched{packetType, frame})
	})
	return p, &got
}

func TestFrameParser_SingleFrame(t *testing.T) {
	p, got := newRecordingParser()

	frame := buildFrame(0x0007, []byte{0xAA, 0xBB, 0xCC})
	require.NoError(t, p.feed(frame))

	require.Len(t, *got, 1)
	require.Equal(t, uint16(0x0007), (*got)[0].packetType)
	require.Equal(t, frame, (*got)[0].frame)
	require.Zero(t, p.pending())
}

func TestFrameParser_ZeroLengthPayload(t *testing.T) {
	p, got := newRecordingParser()

	require.NoError(t, p.feed(buildFrame(0x0001, nil)))

	require.Len(t, *got, 1)
	require.Len(t, (*got)[0].frame, PacketHeaderSize)
	require.Zero(t, p.pending())
}

func TestFrameParser_ByteAtATimeChunking(t *testing.T) {
	p, got := newRecordingParser()

	frames := [][]byte{
		buildFrame(0x0001, []byte("first")),
		buildFrame(0x0004, []byte{0x01, 0x02}),
		buildFrame(0xFFFF, []byte("third payload")),
	}
	var stream []byte
	for _, f := range frames {
		stream = append(stream, f...)
	}

	for _, b := range stream {
		require.NoError(t, p.feed([]byte{b}))
	}

	require.Len(t, *got, len(frames))
	for i, f := range frames {
		require.Equal(t, f, (*got)[i].frame, "frame %d", i)
	}
	require.Zero(t, p.pending())
	require.Zero(t, p.resyncCount())
}

func TestFrameParser_MultipleFramesOneFeed(t *testing.T) {
	p, got := newRecordingParser()

	a := buildFrame(0x0010, []byte{1})
	b := buildFrame(0x0020, []byte{2, 3})
	require.NoError(t, p.feed(append(append([]byte{}, a...), b...)))

	require.Len(t, *got, 2)
	require.Equal(t, a, (*got)[0].frame)
	require.Equal(t, b, (*got)[1].frame)
}

func TestFrameParser_ResyncAfterGarbage(t *testing.T) {
	p, got := newRecordingParser()

	garbage := make([]byte, 17)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	frame := buildFrame(0x0042, []byte("payload"))
	require.NoError(t, p.feed(append(garbage, frame...)))

	require.Len(t, *got, 1)
	require.Equal(t, frame, (*got)[0].frame)
	require.Zero(t, p.pending())
	require.Equal(t, uint64(len(garbage)), p.resyncCount())
}

func TestFrameParser_GarbageOverlappingSignature(t *testing.T) {
	p, got := newRecordingParser()

	// Garbage ending with a partial signature prefix must not cause the
	// following genuine frame to be skipped.
	frame := buildFrame(0x0005, []byte{0xDE, 0xAD})
	stream := append([]byte{0x00, 0x0D, 0xF0}, frame...)
	require.NoError(t, p.feed(stream))

	require.Len(t, *got, 1)
	require.Equal(t, frame, (*got)[0].frame)
}

func TestFrameParser_PartialFrameStability(t *testing.T) {
	p, got := newRecordingParser()

	frame := buildFrame(0x0009, []byte("partial delivery"))
	cut := PacketHeaderSize + 4
	require.NoError(t, p.feed(frame[:cut]))
	require.Empty(t, *got)
	require.Equal(t, cut, p.pending())

	require.NoError(t, p.feed(frame[cut:]))
	require.Len(t, *got, 1)
	require.Equal(t, frame, (*got)[0].frame)
	require.Zero(t, p.pending())
}

func TestFrameParser_OversizedClaimedLengthWaits(t *testing.T) {
	p, got := newRecordingParser()

	// A claimed payload larger than the staging buffer can never complete.
	// The parser must not error; it waits until the accumulator overflow
	// fallback resets everything.
	header := make([]byte, PacketHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], PacketSignature)
	binary.LittleEndian.PutUint16(header[4:6], 0x0001)
	binary.LittleEndian.PutUint16(header[6:8], 60000)
	require.NoError(t, p.feed(header))
	require.Empty(t, *got)
	require.Equal(t, PacketHeaderSize, p.pending())

	filler := make([]byte, 1000)
	require.NoError(t, p.feed(filler))
	require.NoError(t, p.feed(filler))

	// The next chunk would exceed the staging capacity.
	err := p.feed(filler)
	require.ErrorIs(t, err, ErrStagingOverflow)
	require.Zero(t, p.pending())
	require.Empty(t, *got)
	require.Equal(t, uint64(1), p.overflowCount())
}

func TestFrameParser_OverflowRejectsWholeChunk(t *testing.T) {
	p, _ := newRecordingParser()

	// No partial accept: either the whole chunk fits or nothing does.
	require.NoError(t, p.feed(buildFrame(0x0001, make([]byte, 2030))[:2000]))
	before := p.pending()
	err := p.feed(make([]byte, stagingSize))
	require.ErrorIs(t, err, ErrStagingOverflow)
	require.Zero(t, p.pending())
	require.Less(t, 0, before)

	// The parser keeps working after a reset.
	var got []dispatched
	p.dispatch = func(packetType uint16, frame []byte) {
		got = append(got, dispatched{packetType, frame})
	}
	frame := buildFrame(0x0002, []byte{9})
	require.NoError(t, p.feed(frame))
	require.Len(t, got, 1)
	require.Equal(t, frame, got[0].frame)
}
