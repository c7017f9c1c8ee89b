package gxenclave

// --------------------------------------------------------------------------
//
//	Gurux Ltd
//
// Filename:        $HeadURL$
//
// Version:         $Revision$,
//
//	$Date$
//	$Author$
//
// # Copyright (c) Gurux Ltd
//
// ---------------------------------------------------------------------------
//
//	DESCRIPTION
//
// This file is a part of Gurux Device Framework.
//
// Gurux Device Framework is Open Source software; you can redistribute it
// and/or modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; version 2 of the License.
// Gurux Device Framework is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU General Public License for more details.
//
// More information of Gurux products: https://www.gurux.org
//
// This code is licensed under the GNU General Public License v2.
// Full text may be retrieved at http://www.gnu.org/licenses/gpl-2.0.txt
// ---------------------------------------------------------------------------

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// maxWriteSize bounds a single Write or Send. Larger payloads must be
// chunked by the caller.
const maxWriteSize = 2048

// ErrWriteTooLarge is returned when a Write exceeds maxWriteSize.
var ErrWriteTooLarge = errors.New("write exceeds maximum write size")

// GXEnclave holds connection configuration, the receive framing state and
// the device state mirror for an enclave media.
type GXEnclave struct {
	Port     string
	baudRate gxcommon.BaudRate
	eop      any
	// The trace level specifies which types of trace messages are emitted.
	traceLevel gxcommon.TraceLevel
	mu         sync.RWMutex
	wg         sync.WaitGroup

	stop        chan struct{}
	synchronous bool

	bytesSent     uint64
	bytesReceived uint64

	//Called when the Media state is changed.
	onState gxcommon.MediaStateHandler

	//Called when a packet is queued for the reader.
	onReceive gxcommon.ReceivedEventHandler

	//Called when the Media is sending or receiving data.
	onTrace gxcommon.TraceEventHandler

	//Called when the Media is sending or receiving data.
	onErr gxcommon.ErrorEventHandler

	//Receive framing state and the outbound packet queue.
	parser *frameParser
	queue  *packetQueue

	//Device state mirror. Root state in bits 8-15, version in bits 0-7,
	//published as one record so readers never see a torn pair.
	state     atomic.Uint32
	malformed atomic.Uint64

	//Writer scratch buffer; decouples caller memory from the port write.
	writeMu      sync.Mutex
	writeScratch [maxWriteSize]byte

	s port
	// Printer for localized messages.
	p *message.Printer
}

// NewGXEnclave creates a GXEnclave configured with the given serial port and
// baud rate. The enclave link always runs 8 data bits, no parity, one stop
// bit; the baud rate is the single protocol tunable.
func NewGXEnclave(port string, baudRate gxcommon.BaudRate) *GXEnclave {
	g := &GXEnclave{Port: port, baudRate: baudRate, stop: make(chan struct{})}
	g.Localize(language.AmericanEnglish)
	g.queue = newPacketQueue()
	g.parser = newFrameParser(g.handlePacket)
	return g
}

// GetPortNames returns list of available serial ports.
func GetPortNames() ([]string, error) {
	return getPortNames()
}

// BaudRate returns the used baud rate.
func (g *GXEnclave) BaudRate() gxcommon.BaudRate {
	return g.baudRate
}

// SetBaudRate sets the used baud rate.
func (g *GXEnclave) SetBaudRate(value gxcommon.BaudRate) error {
	g.baudRate = value
	if g.s.isOpen() {
		return g.s.setBaudRate(value)
	}
	return nil
}

// RootState returns the last root state reported by the device in a
// state-update packet, zero before the first one.
func (g *GXEnclave) RootState() byte {
	return byte(g.state.Load() >> 8)
}

// Version returns the last version reported by the device in a state-update
// packet, zero before the first one.
func (g *GXEnclave) Version() byte {
	return byte(g.state.Load())
}

// ResyncCount returns the number of bytes discarded while searching for a
// valid frame signature.
func (g *GXEnclave) ResyncCount() uint64 {
	return g.parser.resyncCount()
}

// StagingOverflowCount returns the number of receive staging buffer resets.
// Each reset loses any partial frame that was in flight.
func (g *GXEnclave) StagingOverflowCount() uint64 {
	return g.parser.overflowCount()
}

// DroppedByteCount returns the number of queued packet bytes evicted by the
// drop-oldest overflow policy.
func (g *GXEnclave) DroppedByteCount() uint64 {
	return g.queue.dropCount()
}

// MalformedPacketCount returns the number of discarded state-update packets
// whose payload was too short.
func (g *GXEnclave) MalformedPacketCount() uint64 {
	return g.malformed.Load()
}

// GetBytesToRead returns the number of bytes currently available to read
// from the packet queue.
func (g *GXEnclave) GetBytesToRead() (int, error) {
	return g.queue.length(), nil
}

// GetBytesToWrite returns the number of bytes currently available to write.
func (g *GXEnclave) GetBytesToWrite() (int, error) {
	if g.s.isOpen() {
		return g.s.getBytesToWrite()
	}
	return 0, nil
}

// String implements IGXMedia
func (g *GXEnclave) String() string {
	return fmt.Sprintf("%s %s 8N1", g.Port, g.baudRate)
}

// GetName implements IGXMedia
func (g *GXEnclave) GetName() string {
	return fmt.Sprint(g.Port)
}

// IsOpen implements IGXMedia
func (g *GXEnclave) IsOpen() bool {
	return g.s.isOpen()
}

// Copy implements IGXMedia
func (g *GXEnclave) Copy(target gxcommon.IGXMedia) error {
	switch dst := target.(type) {
	case *GXEnclave:
		dst.Port = g.Port
		dst.baudRate = g.baudRate
		dst.traceLevel = g.traceLevel
		dst.eop = g.eop
	default:
		return fmt.Errorf("copy: target is %T; want *GXEnclave", target)
	}
	return nil
}

// GetMediaType implements IGXMedia
func (g *GXEnclave) GetMediaType() string {
	return "Enclave"
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}

// GetSettings implements IGXMedia
func (g *GXEnclave) GetSettings() string {
	var b strings.Builder
	if g.Port != "" {
		fmt.Fprintf(&b, "<Port>%s</Port>\n", xmlEscape(g.Port))
	}
	if g.baudRate != 0 {
		fmt.Fprintf(&b, "<Bps>%d</Bps>\n", g.baudRate)
	}
	return b.String()
}

// SetSettings implements IGXMedia
func (g *GXEnclave) SetSettings(value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	dec := xml.NewDecoder(strings.NewReader("<root>" + value + "</root>"))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "Port":
			var v string
			if err := dec.DecodeElement(&v, &se); err != nil {
				return err
			}
			g.Port = v
		case "Bps":
			var v string
			if err := dec.DecodeElement(&v, &se); err != nil {
				return err
			}
			g.baudRate, err = gxcommon.BaudRateParse(v)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// GetSynchronous implements IGXMedia
func (g *GXEnclave) GetSynchronous() func() {
	g.mu.Lock()
	g.synchronous = true
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.synchronous = false
		g.mu.Unlock()
	}
}

// IsSynchronous implements IGXMedia
func (g *GXEnclave) IsSynchronous() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.synchronous
}

// ResetSynchronousBuffer implements IGXMedia
func (g *GXEnclave) ResetSynchronousBuffer() {
	g.queue.reset()
}

// GetBytesSent implements IGXMedia
func (g *GXEnclave) GetBytesSent() uint64 {
	return g.bytesSent
}

// GetBytesReceived implements IGXMedia
func (g *GXEnclave) GetBytesReceived() uint64 {
	return g.bytesReceived
}

// ResetByteCounters implements IGXMedia
func (g *GXEnclave) ResetByteCounters() {
	g.bytesSent = 0
	g.bytesReceived = 0
}

// Validate implements IGXMedia
func (g *GXEnclave) Validate() error {
	if g.Port == "" {
		return errors.New(g.p.Sprintf("msg.no_serial_port_selected"))
	}
	return nil
}

// SetEop implements IGXMedia
func (g *GXEnclave) SetEop(eop any) {
	g.eop = eop
}

// GetEop implements IGXMedia
func (g *GXEnclave) GetEop() any {
	return g.eop
}

// GetTrace implements IGXMedia
func (g *GXEnclave) GetTrace() gxcommon.TraceLevel {
	return g.traceLevel
}

// SetTrace implements IGXMedia
func (g *GXEnclave) SetTrace(traceLevel gxcommon.TraceLevel) error {
	g.traceLevel = traceLevel
	return nil
}

// SetOnReceived implements IGXMedia
func (g *GXEnclave) SetOnReceived(value gxcommon.ReceivedEventHandler) {
	g.mu.Lock()
	g.onReceive = value
	g.mu.Unlock()
}

// SetOnError implements IGXMedia
func (g *GXEnclave) SetOnError(value gxcommon.ErrorEventHandler) {
	g.mu.Lock()
	g.onErr = value
	g.mu.Unlock()
}

// SetOnMediaStateChange implements IGXMedia
func (g *GXEnclave) SetOnMediaStateChange(value gxcommon.MediaStateHandler) {
	g.mu.Lock()
	g.onState = value
	g.mu.Unlock()
}

// SetOnTrace implements IGXMedia
func (g *GXEnclave) SetOnTrace(value gxcommon.TraceEventHandler) {
	g.mu.Lock()
	g.onTrace = value
	g.mu.Unlock()
}

// Open implements IGXMedia
func (g *GXEnclave) Open() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.s.isOpen() {
		return nil
	}
	g.statef(false, gxcommon.MediaStateOpening)
	g.trace(false, gxcommon.TraceTypesInfo, g.p.Sprintf("msg.connecting_to", g.Port))
	err := openPort(g)
	if err != nil {
		g.trace(false, gxcommon.TraceTypesError, g.p.Sprintf("msg.connect_failed", g.Port, err))
		g.errorf(false, err)
		return err
	}
	// A fresh session starts with clean framing state; a partial frame
	// left by a previous session is garbage on the new stream.
	g.parser.reset()
	g.queue.reopen()
	select {
	case <-g.stop:
		g.stop = make(chan struct{})
	default:
	}
	g.wg.Add(1)
	go g.reader()
	g.trace(false, gxcommon.TraceTypesInfo, g.p.Sprintf("msg.connected_to", g.Port))
	g.statef(false, gxcommon.MediaStateOpen)
	return nil
}

// Write forwards data verbatim to the serial port and returns the number of
// bytes the transport accepted. Data is copied into a writer-owned scratch
// buffer first, so the caller may reuse p immediately. Writes larger than
// maxWriteSize fail with ErrWriteTooLarge; the caller must chunk.
func (g *GXEnclave) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > maxWriteSize {
		return 0, ErrWriteTooLarge
	}
	g.writeMu.Lock()
	n := copy(g.writeScratch[:], p)
	ret, err := g.s.write(g.writeScratch[:n])
	if err == nil {
		g.bytesSent += uint64(ret)
	}
	g.writeMu.Unlock()
	if err != nil {
		g.errorf(true, err)
		return ret, err
	}
	g.tracef(true, gxcommon.TraceTypesSent, "TX: % X", p[:n])
	return ret, nil
}

// Send implements IGXMedia
func (g *GXEnclave) Send(data any, receiver string) error {
	tmp, err := gxcommon.ToBytes(data, binary.BigEndian)
	if err != nil {
		return err
	}
	_, err = g.Write(tmp)
	return err
}

// Read drains the packet queue into p and returns the number of bytes
// copied, which may be less than len(p). On an empty queue a non-blocking
// call returns ErrWouldBlock; a blocking call suspends until packet data
// arrives, or returns ErrInterrupted when the media is closed.
func (g *GXEnclave) Read(p []byte, blocking bool) (int, error) {
	return g.queue.dequeue(p, blocking)
}

// Receive implements IGXMedia
func (g *GXEnclave) Receive(args *gxcommon.ReceiveParameters) (bool, error) {
	if args.EOP == nil && args.Count == 0 && !args.AllData {
		return false, errors.New(g.p.Sprintf("msg.count_or_eop"))
	}
	terminator, err := gxcommon.ToBytes(args.EOP, binary.BigEndian)
	if err != nil {
		return false, err
	}

	var waitTime time.Duration
	if args.WaitTime <= 0 {
		waitTime = 0
	} else {
		waitTime = time.Duration(args.WaitTime) * time.Millisecond
	}
	index := g.queue.search(terminator, args.Count, waitTime)
	if index == -1 {
		return false, nil
	}

	if args.AllData {
		//Read all data.
		index = -1
	}
	args.Reply, err = gxcommon.BytesToAny2(g.queue.get(index), args.ReplyType, binary.ByteOrder(binary.BigEndian))
	if err != nil {
		return false, err
	}
	return true, nil
}

// handlePacket routes one complete frame. State-update packets mutate the
// device state mirror; every other type is forwarded whole into the packet
// queue for the reader.
func (g *GXEnclave) handlePacket(packetType uint16, frame []byte) {
	payload := frame[PacketHeaderSize:]
	if packetType == PacketTypeStateUpdate {
		if len(payload) < 2 {
			g.malformed.Add(1)
			g.tracef(true, gxcommon.TraceTypesError, "state update packet payload too small: %d bytes", len(payload))
			return
		}
		g.state.Store(uint32(payload[0])<<8 | uint32(payload[1]))
		g.tracef(true, gxcommon.TraceTypesInfo, "state update: root state %d, version %d", payload[0], payload[1])
		return
	}
	g.queue.enqueue(frame)
	g.tracef(true, gxcommon.TraceTypesReceived, "RX packet type 0x%04X: %d bytes", packetType, len(frame))
	if !g.synchronous {
		g.receivef(true, frame)
	}
}

func (g *GXEnclave) handleData(data []byte) {
	resyncs := g.parser.resyncCount()
	err := g.parser.feed(data)
	if n := g.parser.resyncCount() - resyncs; n > 0 {
		g.tracef(true, gxcommon.TraceTypesInfo, "invalid packet signature, discarded %d bytes", n)
	}
	if err != nil {
		g.tracef(true, gxcommon.TraceTypesError, "RX failed: %v", err)
		g.errorf(true, err)
	}
}

func (g *GXEnclave) reader() {
	defer g.wg.Done()
	for {
		ret, err := g.s.read()
		if err != nil {
			select {
			case <-g.stop:
			default:
				g.trace(false, gxcommon.TraceTypesError, g.p.Sprintf("msg.connection_failed", err))
				g.errorf(false, err)
			}
			return
		}
		if len(ret) != 0 {
			g.bytesReceived += uint64(len(ret))
			g.handleData(ret)
		}
		select {
		case <-g.stop:
			return
		default:
		}
		if ret == nil {
			// Close wakeup from the port.
			return
		}
	}
}

func (g *GXEnclave) receivef(lock bool, data []byte) {
	var cb gxcommon.ReceivedEventHandler
	if lock {
		g.mu.RLock()
		cb = g.onReceive
		g.mu.RUnlock()
	} else {
		cb = g.onReceive
	}
	if cb != nil {
		cb(g, *gxcommon.NewReceiveEventArgs(data, g.Port))
	}
}

func (g *GXEnclave) errorf(lock bool, err error) {
	var cb gxcommon.ErrorEventHandler
	if lock {
		g.mu.RLock()
		cb = g.onErr
		g.mu.RUnlock()
	} else {
		cb = g.onErr
	}
	if cb != nil {
		cb(g, err)
	}
}

func (g *GXEnclave) tracef(lock bool, traceType gxcommon.TraceTypes, fmtStr string, a ...any) {
	var cb gxcommon.TraceEventHandler
	trace := false
	if lock {
		g.mu.RLock()
		trace = !(int(g.traceLevel) < int(traceType))
		cb = g.onTrace
		g.mu.RUnlock()
	} else {
		trace = !(int(g.traceLevel) < int(traceType))
		cb = g.onTrace
	}
	if cb != nil && trace {
		p := gxcommon.NewTraceEventArgs(traceType, fmt.Sprintf(fmtStr, a...), "")
		var m gxcommon.IGXMedia = g
		cb(m, *p)
	}
}

func (g *GXEnclave) trace(lock bool, traceType gxcommon.TraceTypes, message string) {
	var cb gxcommon.TraceEventHandler
	trace := false
	if lock {
		g.mu.RLock()
		trace = !(int(g.traceLevel) < int(traceType))
		cb = g.onTrace
		g.mu.RUnlock()
	} else {
		trace = !(int(g.traceLevel) < int(traceType))
		cb = g.onTrace
	}
	if cb != nil && trace {
		p := gxcommon.NewTraceEventArgs(traceType, message, "")
		var m gxcommon.IGXMedia = g
		cb(m, *p)
	}
}

func (g *GXEnclave) statef(lock bool, state gxcommon.MediaState) {
	var cb gxcommon.MediaStateHandler
	if lock {
		g.mu.RLock()
		cb = g.onState
		g.mu.RUnlock()
	} else {
		cb = g.onState
	}
	if cb != nil {
		cb(g, *gxcommon.NewMediaStateEventArgs(state))
	}
}

// Close implements IGXMedia
func (g *GXEnclave) Close() error {
	var err error
	g.mu.Lock()
	select {
	case <-g.stop:
		// already closed
	default:
		if g.s.isOpen() {
			g.trace(false, gxcommon.TraceTypesInfo, g.p.Sprintf("msg.closing_connection", g.Port))
			g.statef(false, gxcommon.MediaStateClosing)
		}
		close(g.stop)
		_ = g.s.close()
		g.trace(false, gxcommon.TraceTypesInfo, g.p.Sprintf("msg.connection_closed", g.Port))
		g.statef(false, gxcommon.MediaStateClosed)
	}
	// The lock is released before waiting: the reader may be inside an
	// event callback that takes it.
	g.mu.Unlock()
	g.queue.interrupt()
	g.wg.Wait()
	return err
}

//nolint:errcheck
func init() {
	// --- English (default) ---
	message.SetString(language.AmericanEnglish, "msg.closing_connection", "Closing connection to %s")
	message.SetString(language.AmericanEnglish, "msg.connection_closed", "Connection closed to %s")
	message.SetString(language.AmericanEnglish, "msg.connection_failed", "Connection failed: %v")
	message.SetString(language.AmericanEnglish, "msg.count_or_eop", "Either Count or EOP must be set")
	message.SetString(language.AmericanEnglish, "msg.connected_to", "Connected to %s:")
	message.SetString(language.AmericanEnglish, "msg.connect_failed", "connect to %s: failed: %v")
	message.SetString(language.AmericanEnglish, "msg.connecting_to", "Connecting to %s")
	message.SetString(language.AmericanEnglish, "msg.no_serial_port_selected", "No serial port selected. Please select a serial port.")

	// --- German (de) ---
	message.SetString(language.German, "msg.closing_connection", "Verbindung zu %s: wird geschlossen")
	message.SetString(language.German, "msg.connection_closed", "Verbindung zu %s: wurde geschlossen")
	message.SetString(language.German, "msg.connection_failed", "Verbindung fehlgeschlagen: %v")
	message.SetString(language.German, "msg.count_or_eop", "Entweder Count oder EOP muss gesetzt sein")
	message.SetString(language.German, "msg.connected_to", "Verbunden mit %s:")
	message.SetString(language.German, "msg.connect_failed", "Verbindung zu %s: fehlgeschlagen: %v")
	message.SetString(language.German, "msg.connecting_to", "Verbindung zu %s wird aufgebaut")
	message.SetString(language.German, "msg.no_serial_port_selected", "Kein serieller Port ausgewählt. Bitte wählen Sie einen seriellen Port aus.")

	// --- Finnish (fi) ---
	message.SetString(language.Finnish, "msg.closing_connection", "Suljetaan yhteys kohteeseen %s:")
	message.SetString(language.Finnish, "msg.connection_closed", "Yhteys suljettu kohteeseen %s:")
	message.SetString(language.Finnish, "msg.connection_failed", "Yhteyden muodostus epäonnistui: %v")
	message.SetString(language.Finnish, "msg.count_or_eop", "Joko Count tai EOP on asetettava")
	message.SetString(language.Finnish, "msg.connected_to", "Yhdistetty kohteeseen %s:")
	message.SetString(language.Finnish, "msg.connect_failed", "Yhteyden muodostus kohteeseen %s: epäonnistui: %v")
	message.SetString(language.Finnish, "msg.connecting_to", "Yhdistetään kohteeseen %s")
	message.SetString(language.Finnish, "msg.no_serial_port_selected", "Sarjaporttia ei ole valittu. Valitse sarjaportti.")

	// --- Swedish (sv) ---
	message.SetString(language.Swedish, "msg.closing_connection", "Stänger anslutning till %s:")
	message.SetString(language.Swedish, "msg.connection_closed", "Anslutning stängd till %s:")
	message.SetString(language.Swedish, "msg.connection_failed", "Anslutningen misslyckades: %v")
	message.SetString(language.Swedish, "msg.count_or_eop", "Antingen Count eller EOP måste anges")
	message.SetString(language.Swedish, "msg.connected_to", "Ansluten till %s:")
	message.SetString(language.Swedish, "msg.connect_failed", "Anslutning till %s: misslyckades: %v")
	message.SetString(language.Swedish, "msg.connecting_to", "Ansluter till %s")
	message.SetString(language.Swedish, "msg.no_serial_port_selected", "Ingen seriell port vald. Välj en seriell port.")

	// --- Spanish (es) ---
	message.SetString(language.Spanish, "msg.closing_connection", "Cerrando conexión con %s:")
	message.SetString(language.Spanish, "msg.connection_closed", "Conexión cerrada con %s:")
	message.SetString(language.Spanish, "msg.connection_failed", "Error de conexión: %v")
	message.SetString(language.Spanish, "msg.count_or_eop", "Se debe establecer Count o EOP")
	message.SetString(language.Spanish, "msg.connected_to", "Conectado a %s:")
	message.SetString(language.Spanish, "msg.connect_failed", "Error al conectar con %s:: %v")
	message.SetString(language.Spanish, "msg.connecting_to", "Conectando a %s")
	message.SetString(language.Spanish, "msg.no_serial_port_selected", "No se ha seleccionado ningún puerto serie. Seleccione un puerto serie.")

	// --- Estonian (et) ---
	message.SetString(language.Estonian, "msg.closing_connection", "Suletakse ühendus sihtkohta %s:")
	message.SetString(language.Estonian, "msg.connection_closed", "Ühendus suleti sihtkohta %s:")
	message.SetString(language.Estonian, "msg.connection_failed", "Ühendus ebaõnnestus: %v")
	message.SetString(language.Estonian, "msg.count_or_eop", "Count või EOP peab olema määratud")
	message.SetString(language.Estonian, "msg.connected_to", "Ühendatud sihtkohta %s:")
	message.SetString(language.Estonian, "msg.connect_failed", "Ühendamine sihtkohta %s: ebaõnnestus: %v")
	message.SetString(language.Estonian, "msg.connecting_to", "Ühendatakse sihtkohta %s")
	message.SetString(language.Estonian, "msg.no_serial_port_selected", "Ühtegi jadaporti pole valitud. Palun valige jadaport.")
}

// Localize messages for the specified language.
// No errors is returned if language is not supported.
func (g *GXEnclave) Localize(language language.Tag) {
	g.p = message.NewPrinter(language)
}
