package aoa

import (
	"log"
	"strings"
	"sync"

	"github.com/dronebridge/dbusbbridge/frame"
)

// inBufferSize is the size of the reusable IN read buffer, matching the
// original USB_BUFFER_SIZ.
const inBufferSize = 1024

// InEvent is published by the reader goroutine for every IN completion.
// Exactly one of Data or Err is meaningful at a time.
type InEvent struct {
	Data []byte
	Err  error
	// Disconnected is set when the completion indicates the accessory is
	// gone (a "No device" outcome); the bridge loop routes this to
	// RECOVER.
	Disconnected bool
}

// Transport drives the accessory's bulk endpoints: it owns a reader
// goroutine performing a submit/auto-resubmit read loop, and serializes
// all outbound writes (including fragmentation) on the calling goroutine,
// which in this codebase is always the bridge loop.
type Transport struct {
	acc *Accessory

	events chan InEvent

	mu     sync.Mutex
	closed bool
}

// NewTransport wraps an opened Accessory and starts its reader goroutine.
func NewTransport(acc *Accessory) *Transport {
	t := &Transport{acc: acc, events: make(chan InEvent, 4)}
	go t.readLoop()
	return t
}

// Events returns the channel of IN completions. It is meant to be
// registered directly into a pollset.Registry as the USB descriptor
// source.
func (t *Transport) Events() <-chan InEvent {
	return t.events
}

func (t *Transport) readLoop() {
	buf := make([]byte, inBufferSize)
	for {
		n, err := t.acc.In.Read(buf)
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			ev := classify(err)
			t.events <- ev
			if ev.Disconnected {
				return
			}
			// Timed out or a transient error on IN: resubmit, matching
			// the "resubmit no matter what happened" rule for the IN
			// endpoint.
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.events <- InEvent{Data: data}
	}
}

// classify maps a gousb error to a disconnected/transient outcome, using
// the same substring-matching idiom comm.RemoteDevice uses to classify
// connection errors, since gousb surfaces libusb's error text rather than
// typed sentinel values for every outcome.
func classify(err error) InEvent {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "no device"), strings.Contains(s, "disconnect"):
		return InEvent{Err: err, Disconnected: true}
	case strings.Contains(s, "timeout"), strings.Contains(s, "timed out"):
		return InEvent{Err: err}
	default:
		log.Printf("aoa: transfer error: %v", err)
		return InEvent{Err: err}
	}
}

// Write fragments and submits an outbound frame. For frames whose total
// length exceeds the OUT endpoint's max packet size, it is split into
// successive writes of exactly MaxPacketSize bytes (the final one
// carrying the remainder); the header is only present in the first
// fragment's bytes, since it was written once into framed[0:6] by
// frame.EncodeInto and the payload length field already declares the
// full size. Every fragment is written synchronously before the next is
// submitted, which is what serializes outbound writes in this codebase:
// no other goroutine calls Write. Write returns the number of fragments
// submitted (1 when no splitting was needed) so the caller can maintain
// a running fragment count for diagnostics.
func (t *Transport) Write(framed []byte) (int, error) {
	chunks := fragment(framed, t.acc.MaxPacketSize())
	for _, chunk := range chunks {
		if _, err := t.acc.Out.Write(chunk); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// fragment splits framed into successive chunks of at most maxPacket
// bytes. It is a pure function so the exact-boundary behavior (header
// only in the first chunk, remainder in the last) can be tested without a
// real USB endpoint.
func fragment(framed []byte, maxPacket int) [][]byte {
	if maxPacket <= 0 || len(framed) <= maxPacket {
		return [][]byte{framed}
	}
	var chunks [][]byte
	for sent := 0; sent < len(framed); sent += maxPacket {
		end := sent + maxPacket
		if end > len(framed) {
			end = len(framed)
		}
		chunks = append(chunks, framed[sent:end])
	}
	return chunks
}

// SendWake submits the minimal TIMEOUT_WAKE frame used to unblock the
// peer's blocking read when no other traffic has flowed recently.
func (t *Transport) SendWake() error {
	buf := make([]byte, frame.HeaderSize+1)
	buf[frame.HeaderSize] = 0
	n, err := frame.EncodeInto(buf, frame.PortTimeoutWake, buf[frame.HeaderSize:])
	if err != nil {
		return err
	}
	_, err = t.acc.Out.Write(buf[:n])
	return err
}

// Close stops the reader goroutine and releases the accessory handle.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.acc.Close()
}
