package frame_test

import (
	"bytes"
	"testing"

	"github.com/dronebridge/dbusbbridge/frame"
)

type event struct {
	port    frame.Port
	payload []byte
}

func collect(p *frame.Parser, chunks ...[]byte) []event {
	var got []event
	for _, c := range chunks {
		p.Feed(c, func(port frame.Port, payload []byte) {
			got = append(got, event{port, append([]byte{}, payload...)})
		})
	}
	return got
}

func TestFeedAllAtOnce(t *testing.T) {
	frame := []byte{'D', 'B', 2, 2, 5, 0, 'h', 'e', 'l', 'l', 'o'}
	p := frameParser()
	got := collect(p, frame)
	if len(got) != 1 || string(got[0].payload) != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestFeedByteByByte(t *testing.T) {
	raw := []byte{'D', 'B', 2, 2, 5, 0, 'h', 'e', 'l', 'l', 'o'}
	p := frameParser()
	var chunks [][]byte
	for _, b := range raw {
		chunks = append(chunks, []byte{b})
	}
	got := collect(p, chunks...)
	if len(got) != 1 || string(got[0].payload) != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestFeedFragmentedPayload(t *testing.T) {
	// header plus a partial payload arrives first, then the rest
	p := frameParser()
	got := collect(p,
		[]byte{'D', 'B', 2, 2, 5, 0, 'h', 'e'},
		[]byte{'l', 'l', 'o'},
	)
	if len(got) != 1 || got[0].port != frame.PortProxy || string(got[0].payload) != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestFeedOversizeDeclarationThenRecovers(t *testing.T) {
	p := frameParser()
	oversize := frame.MaxPayload + 1
	hdr := []byte{'D', 'B', 2, 2, byte(oversize), byte(oversize >> 8)}
	valid := []byte{'D', 'B', 2, 3, 2, 0, 'o', 'k'}
	got := collect(p, hdr, valid)
	if len(got) != 1 {
		t.Fatalf("expected only the valid frame to decode, got %+v", got)
	}
	if got[0].port != frame.PortStatus || string(got[0].payload) != "ok" {
		t.Fatalf("got %+v", got)
	}
}

func TestFeedDesyncDropsTrailingBytesAndResyncsNextChunk(t *testing.T) {
	p := frameParser()
	// header declares N=2, but this first chunk carries 4 payload-region
	// bytes: the two belonging to this frame plus the start of another.
	// A "tail > N on a first chunk" case is treated like
	// the overflow case: the whole chunk is dropped.
	got := collect(p, []byte{'D', 'B', 2, 4, 2, 0, 'h', 'i', 'X', 'X'})
	if len(got) != 0 {
		t.Fatalf("expected no emitted frame on desync, got %+v", got)
	}
	// the parser must have returned to SEARCHING_HEADER; feed a fresh,
	// valid frame in the next chunk and confirm it decodes normally.
	got = collect(p, []byte{'D', 'B', 2, 1, 3, 0, 'f', 'o', 'o'})
	if len(got) != 1 || got[0].port != frame.PortVideo || string(got[0].payload) != "foo" {
		t.Fatalf("got %+v", got)
	}
}

func TestFeedDesyncAcrossChunksDropsAndResyncs(t *testing.T) {
	p := frameParser()
	// header + first half of a 2-byte payload, split across chunks
	got := collect(p, []byte{'D', 'B', 2, 4, 2, 0, 'h'})
	if len(got) != 0 {
		t.Fatalf("expected no frame yet, got %+v", got)
	}
	// the next chunk carries more than the 1 remaining byte: a second
	// frame's bytes got concatenated onto the tail. The partial buffer
	// is dropped and the parser returns to SEARCHING_HEADER.
	got = collect(p, []byte{'i', 'X', 'X'})
	if len(got) != 0 {
		t.Fatalf("expected no frame on desync, got %+v", got)
	}
	got = collect(p, []byte{'D', 'B', 2, 1, 3, 0, 'f', 'o', 'o'})
	if len(got) != 1 || got[0].port != frame.PortVideo || string(got[0].payload) != "foo" {
		t.Fatalf("got %+v", got)
	}
}

func TestFeedZeroLengthPayload(t *testing.T) {
	p := frameParser()
	got := collect(p, []byte{'D', 'B', 2, 4, 0, 0})
	if len(got) != 1 || len(got[0].payload) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestFeedDropsChunkNotStartingWithHeader(t *testing.T) {
	p := frameParser()
	got := collect(p, []byte("garbage"))
	if len(got) != 0 {
		t.Fatalf("expected no frames from a chunk with no header, got %+v", got)
	}
	// subsequent valid frame still decodes
	got = collect(p, []byte{'D', 'B', 2, 2, 1, 0, 'x'})
	if len(got) != 1 || !bytes.Equal(got[0].payload, []byte("x")) {
		t.Fatalf("got %+v", got)
	}
}

func frameParser() *frame.Parser {
	return frame.NewParser()
}
