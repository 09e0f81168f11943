/*Package frame implements the wire framing used on the USB bulk pipe.

A frame is a 6-byte header followed by 0..MaxPayload bytes of payload:

	byte 0-1: magic 'D', 'B'
	byte 2:   protocol version
	byte 3:   logical port
	byte 4-5: payload length N, little-endian, 0 <= N <= MaxPayload

EncodeInto is a zero-copy operation: the caller reserves HeaderSize bytes
at the front of its buffer and this package fills them in. Decode is done
incrementally by a Parser, since a frame's payload may be split across
several USB bulk transfers.
*/
package frame

import (
	"encoding/binary"
	"errors"
)

// Port identifies one of the logical streams multiplexed over the USB pipe.
type Port byte

const (
	// PortVideo carries one-way (host->device) video datagrams.
	PortVideo Port = 1
	// PortProxy carries the bidirectional telemetry proxy stream.
	PortProxy Port = 2
	// PortStatus carries the bidirectional status stream.
	PortStatus Port = 3
	// PortComm carries the bidirectional communication stream.
	PortComm Port = 4
	// PortTimeoutWake is host->device only; it carries a single sentinel
	// byte whose sole purpose is to unblock a blocking read on the peer.
	PortTimeoutWake Port = 5
)

func (p Port) String() string {
	switch p {
	case PortVideo:
		return "video"
	case PortProxy:
		return "proxy"
	case PortStatus:
		return "status"
	case PortComm:
		return "comm"
	case PortTimeoutWake:
		return "timeout-wake"
	default:
		return "unknown"
	}
}

const (
	// ProtocolVersion is the single version byte carried in every header.
	ProtocolVersion = 2

	// HeaderSize is the fixed length of a frame header.
	HeaderSize = 6

	// MaxPayload bounds a single frame's payload. Chosen so a header plus
	// a full payload fits inside the 1024-byte buffer used for USB IN
	// reads.
	MaxPayload = 1024 - HeaderSize

	magic0 = 'D'
	magic1 = 'B'
)

// ErrPayloadTooLarge is returned by EncodeInto when the payload exceeds
// MaxPayload.
var ErrPayloadTooLarge = errors.New("frame: payload exceeds MaxPayload")

// EncodeInto writes a frame header into dst[0:HeaderSize]. The caller is
// expected to have already placed len(payload) bytes at
// dst[HeaderSize:HeaderSize+len(payload)]; this is the zero-copy contract
// with the USB transport, which submits dst[:n] directly. It returns the
// total framed length n = HeaderSize+len(payload).
func EncodeInto(dst []byte, port Port, payload []byte) (int, error) {
	n := len(payload)
	if n > MaxPayload {
		return 0, ErrPayloadTooLarge
	}
	if len(dst) < HeaderSize+n {
		return 0, errors.New("frame: dst too small for header and payload")
	}
	dst[0] = magic0
	dst[1] = magic1
	dst[2] = ProtocolVersion
	dst[3] = byte(port)
	binary.LittleEndian.PutUint16(dst[4:6], uint16(n))
	return HeaderSize + n, nil
}

// Encode allocates a new buffer and encodes port/payload into it. Prefer
// EncodeInto on the hot path; this exists for tests and callers that don't
// already own a reusable buffer.
func Encode(port Port, payload []byte) ([]byte, error) {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[HeaderSize:], payload)
	n, err := EncodeInto(buf, port, payload)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
