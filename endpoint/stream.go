package endpoint

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/dronebridge/dbusbbridge/comm"
	"github.com/dronebridge/dbusbbridge/frame"
)

// DefaultRetryInterval is how often a Stream endpoint retries its initial
// connect.
const DefaultRetryInterval = 1 * time.Second

// Fixed loopback TCP ports for the three stream modules.
const (
	DefaultPortProxy  = 14650
	DefaultPortStatus = 14651
	DefaultPortComm   = 14652
)

// Stream is a TCP client endpoint for one of proxy, status or comm. It
// holds a comm.RemoteDevice for connection management, reusing its
// Open/Close and the backoff.Retry dial loop that protects a flaky
// remote from being connection-thrashed; this package wraps that single
// attempt in its own ctx-aware loop so a Stream retries indefinitely
// instead of giving up after RemoteDevice's own bounded backoff budget
// elapses. Stream talks to rd.Conn directly for I/O, since this wire
// format has no line terminator to add or strip.
type Stream struct {
	port frame.Port
	rd   comm.RemoteDevice
	recv chan []byte
	stop chan struct{}
}

// NewStream dials addr (retrying per ctx/interval) and starts a goroutine
// relaying received byte runs onto Reads().
func NewStream(ctx context.Context, port frame.Port, addr string, interval time.Duration) (*Stream, error) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	rd := comm.NewRemoteDevice(addr, false, nil)
	rd.Timeout = interval
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := rd.Open()
		if err == nil {
			break
		}
		log.Printf("endpoint: connect to %s stream at %s failed: %v", port, addr, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	// TCPSetup leaves an absolute read/write deadline set from connect
	// time; clear it so an idle stream isn't killed once interval
	// elapses.
	if nc, ok := rd.Conn.(net.Conn); ok {
		nc.SetDeadline(time.Time{})
	}
	log.Printf("endpoint: connected %s stream at %s", port, addr)
	s := &Stream{
		port: port,
		rd:   rd,
		recv: make(chan []byte, 8),
		stop: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Stream) readLoop() {
	buf := make([]byte, MaxPayload)
	for {
		n, err := s.rd.Conn.Read(buf)
		select {
		case <-s.stop:
			return
		default:
		}
		if err != nil {
			log.Printf("endpoint: %s stream read error: %v", s.port, err)
			return
		}
		if n == 0 {
			continue
		}
		run := make([]byte, n)
		copy(run, buf[:n])
		s.recv <- run
	}
}

// Port implements Endpoint.
func (s *Stream) Port() frame.Port { return s.port }

// Reads implements Endpoint.
func (s *Stream) Reads() <-chan []byte { return s.recv }

// Send writes bytes received from the USB peer to the local stream. A
// failure here is logged by the caller and never escalates to the
// bridge's connection state: local-socket faults do not trigger a
// reconnect within the bridge.
func (s *Stream) Send(b []byte) error {
	_, err := s.rd.Conn.Write(b)
	return err
}

// Close stops the read goroutine and closes the connection.
func (s *Stream) Close() error {
	close(s.stop)
	return s.rd.Close()
}
