package frame

import "log"

type parserState int

const (
	searchingHeader parserState = iota
	awaitingPayload
)

// Parser reassembles (port, payload) events from a byte stream that
// arrives in chunks (USB bulk transfers). A frame's payload may be split
// across any number of chunks, but its header must arrive whole at the
// start of a single chunk: a chunk shorter than HeaderSize fed while
// searching for a header is dropped, so a header split across chunks is
// not reassembled.
//
// It is not concurrency-safe: the bridge loop owns one Parser and calls
// Feed from a single goroutine, same as it owns the reassembly buffer for
// the duration of one partial frame.
type Parser struct {
	state  parserState
	port   Port
	n      uint16 // declared payload length of the frame in progress
	buf    []byte // allocated lazily, len == n, capacity exactly n
	cursor int    // 0 <= cursor <= len(buf)
}

// NewParser returns a Parser ready to search for the next header.
func NewParser() *Parser {
	return &Parser{state: searchingHeader}
}

// Reset discards any partial frame and returns to SEARCHING_HEADER. Used
// by the bridge loop's RECOVER transition.
func (p *Parser) Reset() {
	p.state = searchingHeader
	p.buf = nil
	p.cursor = 0
	p.port = 0
	p.n = 0
}

// Feed consumes one chunk of bytes from the USB IN stream and invokes
// emit once per fully reassembled frame. Bytes beyond a frame's declared
// length that arrive concatenated in the same chunk are dropped, and the
// parser does not attempt to resynchronize mid-chunk: recovery happens
// only at the boundary of the next chunk handed to Feed.
func (p *Parser) Feed(chunk []byte, emit func(Port, []byte)) {
	switch p.state {
	case searchingHeader:
		p.feedSearching(chunk, emit)
	case awaitingPayload:
		p.feedAwaiting(chunk, emit)
	}
}

func (p *Parser) feedSearching(chunk []byte, emit func(Port, []byte)) {
	if len(chunk) < HeaderSize || chunk[0] != magic0 || chunk[1] != magic1 || chunk[2] != ProtocolVersion {
		// No header at the start of this chunk. There is no sliding
		// window across chunk boundaries; the rest of the chunk is
		// dropped and we wait for the next one.
		return
	}
	port := Port(chunk[3])
	n := uint16(chunk[4]) | uint16(chunk[5])<<8
	if n > MaxPayload {
		log.Printf("frame: declared payload %d exceeds MaxPayload %d, dropping chunk", n, MaxPayload)
		return
	}
	tail := len(chunk) - HeaderSize
	switch {
	case tail == int(n):
		emit(port, chunk[HeaderSize:HeaderSize+int(n)])
	case tail < int(n):
		p.buf = make([]byte, n)
		copy(p.buf, chunk[HeaderSize:])
		p.cursor = tail
		p.port = port
		p.n = n
		p.state = awaitingPayload
	default:
		// tail > n: a second frame's bytes are concatenated onto this
		// one. Not expected from a conforming peer; treated the same
		// as the malformed case below.
		log.Printf("frame: chunk carries %d bytes past declared payload %d, dropping", tail-int(n), n)
	}
}

func (p *Parser) feedAwaiting(chunk []byte, emit func(Port, []byte)) {
	remaining := int(p.n) - p.cursor
	switch {
	case len(chunk) == remaining:
		copy(p.buf[p.cursor:], chunk)
		port, buf := p.port, p.buf
		p.Reset()
		emit(port, buf)
	case len(chunk) < remaining:
		copy(p.buf[p.cursor:], chunk)
		p.cursor += len(chunk)
	default:
		log.Printf("frame: malformed stream, chunk of %d bytes exceeds remaining %d, resyncing", len(chunk), remaining)
		p.Reset()
	}
}
