/*Package bridge implements the main loop that ties the local endpoints,
the USB transport and the framing parser together: it is the Go
rewrite of the original single-threaded poll loop, using a
pollset.Registry in place of a raw pollfd array and channels in place of
the non-blocking USB event callback.

Ownership is deliberately narrow: Engine.Run's loop goroutine is the only
mutator of connected state, the frame parser, the outbound buffer header
and the pollset.Registry. Every endpoint and the USB transport publish
their data over channels and never reach back into the loop's state.
*/
package bridge

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/dronebridge/dbusbbridge/aoa"
	"github.com/dronebridge/dbusbbridge/endpoint"
	"github.com/dronebridge/dbusbbridge/frame"
	"github.com/dronebridge/dbusbbridge/pollset"
)

// MaxWriteTimeout bounds how long the loop waits for activity before
// sending a keep-alive frame, matching the original's 300ms budget.
const MaxWriteTimeout = 300 * time.Millisecond

// State is the engine's current phase, exposed for the diagnostics
// surface.
type State int

const (
	StateInit State = iota
	StateRunning
	StateRecovering
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Engine owns the accessory connection, the set of local endpoints and
// the framing state, and drives them all from a single goroutine.
type Engine struct {
	VID, PID gousb.ID
	Identity aoa.Identity

	// Endpoints lists every local endpoint the bridge serves, indexed by
	// frame.Port for routing inbound USB frames.
	Endpoints map[frame.Port]endpoint.Endpoint

	// stats, guarded by mu, back the diagnostics surface.
	mu             sync.Mutex
	state          State
	lastWrite      time.Time
	connected      bool
	fragmentCount  uint64
	keepAliveCount uint64
}

// Snapshot is a point-in-time read of the engine's status, safe to read
// from any goroutine.
type Snapshot struct {
	State           State
	Connected       bool
	LastWriteAge    time.Duration
	ActiveEndpoints int
	FragmentCount   uint64
	KeepAliveCount  uint64
}

// Status returns a thread-safe snapshot for the diagnostics surface.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	age := time.Duration(0)
	if !e.lastWrite.IsZero() {
		age = time.Since(e.lastWrite)
	}
	return Snapshot{
		State:           e.state,
		Connected:       e.connected,
		LastWriteAge:    age,
		ActiveEndpoints: len(e.Endpoints),
		FragmentCount:   e.fragmentCount,
		KeepAliveCount:  e.keepAliveCount,
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) setConnected(c bool) {
	e.mu.Lock()
	e.connected = c
	e.mu.Unlock()
}

func (e *Engine) touchLastWrite() {
	e.mu.Lock()
	e.lastWrite = time.Now()
	e.mu.Unlock()
}

// sinceLastWrite reports how long it has been since the last outbound
// transfer (regular frame or keep-alive), for the keep-alive staleness
// check that must run after every loop iteration, not only when Select
// times out.
func (e *Engine) sinceLastWrite() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastWrite.IsZero() {
		return 0
	}
	return time.Since(e.lastWrite)
}

func (e *Engine) addFragments(n int) {
	e.mu.Lock()
	e.fragmentCount += uint64(n)
	e.mu.Unlock()
}

func (e *Engine) addKeepAlive() {
	e.mu.Lock()
	e.keepAliveCount++
	e.mu.Unlock()
}

// Run blocks until ctx is cancelled or a fatal initialization error
// occurs, driving the INIT -> RUN -> RECOVER/EXIT state machine.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(StateInit)

	ports, localCases := e.buildLocalCases(ctx)

	_, transport, err := e.openAccessory(ctx)
	if err != nil {
		e.setState(StateExited)
		return err
	}
	defer func() { transport.Close() }()

	registry := pollset.New(localCases)
	usbPos, ok := registry.AddUSB(usbCase(transport))
	if !ok {
		e.setState(StateExited)
		return fmt.Errorf("bridge: pollset registry full before first accessory connected")
	}

	parser := frame.NewParser()
	e.setState(StateRunning)
	e.setConnected(true)
	e.touchLastWrite()

	outBuf := make([]byte, frame.HeaderSize+frame.MaxPayload)

	for {
		remaining := MaxWriteTimeout - e.sinceLastWrite()
		if remaining < 0 {
			remaining = 0
		}
		idx, recv, recvOK, timedOut := registry.Select(remaining)

		select {
		case <-ctx.Done():
			e.setState(StateExited)
			return ctx.Err()
		default:
		}

		var recoverErr error
		switch {
		case timedOut:
			// No event; the keep-alive check below (which runs on every
			// iteration, not just this one) will see the elapsed write
			// gap and act on it.

		case idx == ctxCaseIndex:
			e.setState(StateExited)
			return ctx.Err()

		case idx < registry.LocalLen():
			port := ports[idx-localCaseOffset]
			if !recvOK {
				// The endpoint's reader goroutine exited; nothing more
				// will arrive on this channel. Leave it registered (it
				// will simply never fire again) rather than reshuffle
				// positions mid-run.
				break
			}
			chunk := recv.Interface().([]byte)
			n, err := frame.EncodeInto(outBuf, port, chunk)
			if err != nil {
				log.Printf("bridge: encode frame for %s: %v", port, err)
				break
			}
			fragments, err := transport.Write(outBuf[:n])
			if err != nil {
				log.Printf("bridge: submit write for %s failed: %v", port, err)
				transport, usbPos, recoverErr = e.recover(ctx, registry, usbPos, parser, transport)
				break
			}
			e.addFragments(fragments)
			e.touchLastWrite()

		default: // usb region
			if !recvOK {
				transport, usbPos, recoverErr = e.recover(ctx, registry, usbPos, parser, transport)
				break
			}
			ev := recv.Interface().(aoa.InEvent)
			if ev.Disconnected {
				transport, usbPos, recoverErr = e.recover(ctx, registry, usbPos, parser, transport)
				break
			}
			if ev.Err != nil {
				// Transient (e.g. a single read timeout); the reader
				// goroutine has already resubmitted.
				break
			}
			parser.Feed(ev.Data, func(p frame.Port, payload []byte) {
				e.dispatch(p, payload)
			})
		}
		if recoverErr != nil {
			e.setState(StateExited)
			return recoverErr
		}

		// The write-staleness check runs after every iteration,
		// regardless of whether Select returned a local event, a USB
		// event, or timed out: continuous non-write traffic (e.g. a
		// steady stream of inbound USB events) must not suppress the
		// keep-alive, or the peer's blocking read could stall forever.
		if e.sinceLastWrite() >= MaxWriteTimeout {
			if err := transport.SendWake(); err != nil {
				log.Printf("bridge: keep-alive write failed: %v", err)
				newTransport, newPos, err := e.recover(ctx, registry, usbPos, parser, transport)
				if err != nil {
					e.setState(StateExited)
					return err
				}
				transport, usbPos = newTransport, newPos
				continue
			}
			e.touchLastWrite()
			e.addKeepAlive()
		}
	}
}

const ctxCaseIndex = 0
const localCaseOffset = 1

// buildLocalCases assembles the fixed local region: ctx.Done() first (so
// cancellation is detected positionally like any other local event),
// followed by one case per endpoint in map iteration order, recorded in
// ports for later lookup by index.
func (e *Engine) buildLocalCases(ctx context.Context) ([]frame.Port, []reflect.SelectCase) {
	cases := make([]reflect.SelectCase, 0, 1+len(e.Endpoints))
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	ports := make([]frame.Port, 0, len(e.Endpoints))
	for port, ep := range e.Endpoints {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ep.Reads())})
		ports = append(ports, port)
	}
	return ports, cases
}

func usbCase(t *aoa.Transport) reflect.SelectCase {
	return reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.Events())}
}

func (e *Engine) openAccessory(ctx context.Context) (*aoa.Accessory, *aoa.Transport, error) {
	acc, err := aoa.Open(ctx, e.VID, e.PID, e.Identity)
	if err != nil {
		return nil, nil, err
	}
	return acc, aoa.NewTransport(acc), nil
}

// dispatch routes one reassembled inbound frame to its local endpoint.
// Video is host-to-device only, so an inbound video frame is a protocol
// anomaly and is dropped; timeout-wake frames exist solely to unblock a
// peer's blocking read and carry nothing to deliver locally.
func (e *Engine) dispatch(port frame.Port, payload []byte) {
	switch port {
	case frame.PortVideo:
		log.Printf("bridge: inbound frame on video port, dropping (video is host-to-device only)")
		return
	case frame.PortTimeoutWake:
		return
	}
	ep, ok := e.Endpoints[port]
	if !ok {
		log.Printf("bridge: inbound frame for unknown port %s, dropping", port)
		return
	}
	if err := ep.Send(payload); err != nil {
		log.Printf("bridge: delivering inbound frame to %s failed: %v", port, err)
	}
}

// recover implements the RECOVER phase: the accessory is closed, the
// frame parser and outbound write timer are reset, and a new accessory
// is opened (blocking, honoring ctx) before control returns to RUN.
// Local endpoints are never torn down here.
func (e *Engine) recover(ctx context.Context, registry *pollset.Registry, usbPos int, parser *frame.Parser, transport *aoa.Transport) (*aoa.Transport, int, error) {
	e.setState(StateRecovering)
	e.setConnected(false)
	registry.RemoveUSB(usbPos)
	transport.Close()
	parser.Reset()

	_, newTransport, err := e.openAccessory(ctx)
	if err != nil {
		return nil, 0, err
	}
	pos, ok := registry.AddUSB(usbCase(newTransport))
	if !ok {
		newTransport.Close()
		return nil, 0, fmt.Errorf("bridge: pollset registry full after recovery")
	}
	e.setState(StateRunning)
	e.setConnected(true)
	e.touchLastWrite()
	return newTransport, pos, nil
}
