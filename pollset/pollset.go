/*Package pollset is the Go stand-in for the single unified poll() array
the original bridge used to wait on local sockets and the USB IN endpoint
together. reflect.SelectCase plays the role of a pollfd entry: a fixed
"local" region registered once at startup, and a "usb" region that grows
and shrinks as accessory connections come and go.

Position, not the channel value, is what tells a caller which region an
event came from, mirroring the source's reliance on array index rather
than fd number.
*/
package pollset

import (
	"log"
	"reflect"
	"time"
)

// MaxPollFDs bounds the combined local+usb region, matching the fixed
// pollfd array size the original engine allocated up front.
const MaxPollFDs = 64

// Registry holds a fixed local region and a dynamic usb region.
type Registry struct {
	local []reflect.SelectCase
	usb   []reflect.SelectCase
}

// New builds a Registry with local fixed at construction time; local's
// length never changes afterward.
func New(local []reflect.SelectCase) *Registry {
	r := &Registry{local: local}
	return r
}

// LocalLen returns the size of the fixed local region, the boundary
// below which Select's idx classifies an event as local.
func (r *Registry) LocalLen() int {
	return len(r.local)
}

// AddUSB appends a case to the usb region, returning its position within
// the combined array (i.e. LocalLen()+index-within-usb). Returns
// ok=false without mutating the registry if doing so would exceed
// MaxPollFDs.
func (r *Registry) AddUSB(c reflect.SelectCase) (pos int, ok bool) {
	if len(r.local)+len(r.usb) >= MaxPollFDs {
		log.Printf("pollset: registry full, refusing to add usb case")
		return 0, false
	}
	r.usb = append(r.usb, c)
	return len(r.local) + len(r.usb) - 1, true
}

// RemoveUSB deletes the usb-region entry at combined position pos,
// shifting every later entry down by one. pos must be >= LocalLen().
func (r *Registry) RemoveUSB(pos int) {
	i := pos - len(r.local)
	if i < 0 || i >= len(r.usb) {
		log.Printf("pollset: RemoveUSB: position %d out of range", pos)
		return
	}
	r.usb = append(r.usb[:i], r.usb[i+1:]...)
}

// Select combines local and usb cases with a timeout case and blocks on
// reflect.Select. idx is the position within the combined local+usb
// array; idx < LocalLen() means the event originated from a local
// endpoint, idx >= LocalLen() means it came from a USB case.
// timedOut reports whether the timeout fired instead.
func (r *Registry) Select(timeout time.Duration) (idx int, recv reflect.Value, recvOK bool, timedOut bool) {
	total := len(r.local) + len(r.usb)
	cases := make([]reflect.SelectCase, 0, total+1)
	cases = append(cases, r.local...)
	cases = append(cases, r.usb...)
	timeoutCase := reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(time.After(timeout)),
	}
	cases = append(cases, timeoutCase)

	chosen, recv, recvOK := reflect.Select(cases)
	if chosen == total {
		return 0, reflect.Value{}, false, true
	}
	return chosen, recv, recvOK, false
}
