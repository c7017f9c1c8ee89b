// Package gxenclave provides serial based media for an enclave co-processor.
// It implements the common IGXMedia-style contract on top of a framed packet
// protocol: open/close a connection, send raw data, read demultiplexed
// packets, and emit events for received data, errors, tracing and state
// changes.
//
// Features
//
//   - Configurable serial settings (port, baud rate); the enclave link is
//     fixed at 8 data bits, no parity, one stop bit.
//   - Frame deframing with single-byte resynchronization on signature
//     mismatch. Partial frames are kept until the stream completes them.
//   - Packet demultiplexing: state-update packets refresh the device state
//     mirror (RootState, Version); all other packet types are queued whole
//     for the reader.
//   - Blocking and non-blocking reads from the packet queue; Close unblocks
//     pending reads.
//   - Tracing: configurable trace level/mask for sent/received/error/info.
//   - Events: Received, Error, Trace and MediaState callbacks.
//
// # Construction
//
// Use NewGXEnclave to create a connection with the used serial port.
//
// Example
//
//	media := gxenclave.NewGXEnclave("/dev/ttyS3", gxcommon.BaudRate(9600))
//
//	media.SetOnError(func(m gxcommon.IGXMedia, err error) {
//	    // log/handle error
//	})
//
//	if err := media.Open(); err != nil {
//	    // handle connect error
//	}
//	defer media.Close()
//
//	buf := make([]byte, 256)
//	n, err := media.Read(buf, true)
//
// # Wire format
//
// Every frame starts with an 8 byte little-endian header: a 4 byte signature
// (PacketSignature), a 2 byte packet type and a 2 byte payload length,
// followed by the payload. A state-update packet (PacketTypeStateUpdate)
// carries the root state in payload byte 0 and the version in payload byte 1.
// Unknown packet types are not rejected; the whole frame, header included, is
// handed to the reader for an external consumer to interpret.
//
// # Data loss
//
// The receive staging buffer and the packet queue are bounded. A staging
// overflow resets the staging buffer entirely, the packet queue drops its
// oldest unread bytes when full. Both events are counted and traceable;
// see StagingOverflowCount and DroppedByteCount.
//
// # Notes
//
// The zero value of GXEnclave is not ready for use; always construct via
// NewGXEnclave. OnReceived fires as a notification for every queued packet;
// the packet stays readable through Read. Long-running work in event
// handlers should be offloaded to a separate goroutine to avoid blocking the
// receive path. No outbound framing is applied by Write or Send; framing, if
// the device requires it, is the caller's responsibility.
package gxenclave
