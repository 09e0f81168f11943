/*Package endpoint implements the local data sources/sinks: one
datagram video socket the bridge serves, and up to three TCP stream
endpoints the bridge connects to as a client.

Stream's connection management is grounded directly in
comm.RemoteDevice.Open, reusing its backoff.Retry-wrapped dial instead of
duplicating dial-and-retry logic here.
*/
package endpoint

import (
	"github.com/dronebridge/dbusbbridge/frame"
)

// MaxPayload bounds a single read from a local endpoint, mirroring
// frame.MaxPayload so every inbound chunk fits in one frame.
const MaxPayload = frame.MaxPayload

// Endpoint is the uniform surface pollset/bridge drive every local data
// source/sink through.
type Endpoint interface {
	// Port is the logical port this endpoint's data is framed under.
	Port() frame.Port
	// Reads returns a channel of byte runs read from the local socket.
	// Each value becomes the payload of exactly one outbound frame.
	Reads() <-chan []byte
	// Send delivers bytes received from the USB peer to the local
	// socket. Errors are logged by the caller; local I/O failures never
	// propagate to the bridge's connection state.
	Send([]byte) error
	// Close releases the underlying socket.
	Close() error
}
