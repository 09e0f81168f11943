package endpoint

import (
	"log"
	"net"
	"os"

	"github.com/dronebridge/dbusbbridge/frame"
)

// DefaultVideoSocketPath is the well-known AF_UNIX datagram socket the
// bridge listens on for video module data.
const DefaultVideoSocketPath = "/tmp/DBVideoVideo"

// Video is the datagram server endpoint for the video module. It is the
// only one-way endpoint: inbound USB frames on PortVideo are never
// delivered anywhere (see bridge.Engine).
type Video struct {
	path string
	conn *net.UnixConn
	recv chan []byte
	stop chan struct{}
}

// NewVideo unlinks any stale socket at path, binds a new AF_UNIX datagram
// socket there, and starts a goroutine relaying complete datagrams onto
// Reads().
func NewVideo(path string) (*Video, error) {
	if path == "" {
		path = DefaultVideoSocketPath
	}
	_ = os.Remove(path)
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}
	v := &Video{
		path: path,
		conn: conn,
		recv: make(chan []byte, 8),
		stop: make(chan struct{}),
	}
	go v.readLoop()
	return v, nil
}

func (v *Video) readLoop() {
	buf := make([]byte, MaxPayload)
	for {
		n, _, err := v.conn.ReadFromUnix(buf)
		select {
		case <-v.stop:
			return
		default:
		}
		if err != nil {
			log.Printf("endpoint: video socket read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		v.recv <- datagram
	}
}

// Port implements Endpoint.
func (v *Video) Port() frame.Port { return frame.PortVideo }

// Reads implements Endpoint.
func (v *Video) Reads() <-chan []byte { return v.recv }

// Send is a no-op error: video is one-way, host to device. Any inbound
// USB frame on PortVideo is dropped by the caller before Send would ever
// be invoked; this exists only to satisfy the Endpoint interface.
func (v *Video) Send([]byte) error {
	log.Printf("endpoint: video module does not accept incoming data")
	return nil
}

// Close unlinks the socket and stops the read goroutine.
func (v *Video) Close() error {
	close(v.stop)
	err := v.conn.Close()
	_ = os.Remove(v.path)
	return err
}
