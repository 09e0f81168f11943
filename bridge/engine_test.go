package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/dronebridge/dbusbbridge/endpoint"
	"github.com/dronebridge/dbusbbridge/frame"
)

type fakeEndpoint struct {
	port     frame.Port
	reads    chan []byte
	sent     [][]byte
	sendErr  error
}

func newFakeEndpoint(port frame.Port) *fakeEndpoint {
	return &fakeEndpoint{port: port, reads: make(chan []byte, 4)}
}

func (f *fakeEndpoint) Port() frame.Port      { return f.port }
func (f *fakeEndpoint) Reads() <-chan []byte  { return f.reads }
func (f *fakeEndpoint) Close() error          { return nil }
func (f *fakeEndpoint) Send(b []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

var _ endpoint.Endpoint = (*fakeEndpoint)(nil)

func TestDispatchDropsVideoAndTimeoutWake(t *testing.T) {
	e := &Engine{Endpoints: map[frame.Port]endpoint.Endpoint{}}
	e.dispatch(frame.PortVideo, []byte("should not be delivered"))
	e.dispatch(frame.PortTimeoutWake, []byte("should not be delivered"))
	// Nothing to assert beyond "does not panic and does not look up an
	// endpoint" - both ports are intentionally absent from Endpoints.
}

func TestDispatchDropsUnknownPort(t *testing.T) {
	e := &Engine{Endpoints: map[frame.Port]endpoint.Endpoint{}}
	e.dispatch(frame.Port(200), []byte("orphaned"))
}

func TestDispatchDeliversToMatchingEndpoint(t *testing.T) {
	fe := newFakeEndpoint(frame.PortProxy)
	e := &Engine{Endpoints: map[frame.Port]endpoint.Endpoint{frame.PortProxy: fe}}
	e.dispatch(frame.PortProxy, []byte("payload"))
	if len(fe.sent) != 1 || string(fe.sent[0]) != "payload" {
		t.Fatalf("fe.sent = %+v, want one entry %q", fe.sent, "payload")
	}
}

func TestDispatchLogsButDoesNotPanicOnSendError(t *testing.T) {
	fe := newFakeEndpoint(frame.PortStatus)
	fe.sendErr = errors.New("local socket gone")
	e := &Engine{Endpoints: map[frame.Port]endpoint.Endpoint{frame.PortStatus: fe}}
	e.dispatch(frame.PortStatus, []byte("x"))
}

func TestBuildLocalCasesIncludesCtxDoneAndEveryEndpoint(t *testing.T) {
	fe1 := newFakeEndpoint(frame.PortProxy)
	fe2 := newFakeEndpoint(frame.PortStatus)
	e := &Engine{Endpoints: map[frame.Port]endpoint.Endpoint{
		frame.PortProxy:  fe1,
		frame.PortStatus: fe2,
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ports, cases := e.buildLocalCases(ctx)
	if len(cases) != 3 {
		t.Fatalf("len(cases) = %d, want 3 (ctx.Done + 2 endpoints)", len(cases))
	}
	if len(ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(ports))
	}
	seen := map[frame.Port]bool{}
	for _, p := range ports {
		seen[p] = true
	}
	if !seen[frame.PortProxy] || !seen[frame.PortStatus] {
		t.Fatalf("ports = %+v, missing an expected port", ports)
	}
}

func TestStatusReflectsSetters(t *testing.T) {
	e := &Engine{Endpoints: map[frame.Port]endpoint.Endpoint{
		frame.PortProxy: newFakeEndpoint(frame.PortProxy),
	}}
	e.setState(StateRunning)
	e.setConnected(true)
	e.touchLastWrite()

	snap := e.Status()
	if snap.State != StateRunning {
		t.Fatalf("State = %v, want StateRunning", snap.State)
	}
	if !snap.Connected {
		t.Fatal("Connected = false, want true")
	}
	if snap.ActiveEndpoints != 1 {
		t.Fatalf("ActiveEndpoints = %d, want 1", snap.ActiveEndpoints)
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	cases := map[State]string{
		StateInit:       "init",
		StateRunning:    "running",
		StateRecovering: "recovering",
		StateExited:     "exited",
		State(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
