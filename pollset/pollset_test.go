package pollset

import (
	"reflect"
	"testing"
	"time"
)

func chanCase(ch chan int) reflect.SelectCase {
	return reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)}
}

func TestSelectClassifiesLocalByPosition(t *testing.T) {
	localCh := make(chan int, 1)
	r := New([]reflect.SelectCase{chanCase(localCh)})

	localCh <- 42
	idx, recv, ok, timedOut := r.Select(time.Second)
	if timedOut {
		t.Fatal("unexpected timeout")
	}
	if idx != 0 {
		t.Fatalf("idx = %d, want 0 (local region)", idx)
	}
	if !ok || recv.Int() != 42 {
		t.Fatalf("recv = %+v, ok = %v", recv, ok)
	}
}

func TestSelectClassifiesUSBByPosition(t *testing.T) {
	localCh := make(chan int, 1)
	usbCh := make(chan int, 1)
	r := New([]reflect.SelectCase{chanCase(localCh)})
	pos, ok := r.AddUSB(chanCase(usbCh))
	if !ok || pos != 1 {
		t.Fatalf("AddUSB returned pos=%d ok=%v, want pos=1 ok=true", pos, ok)
	}

	usbCh <- 7
	idx, recv, recvOK, timedOut := r.Select(time.Second)
	if timedOut {
		t.Fatal("unexpected timeout")
	}
	if idx < r.LocalLen() {
		t.Fatalf("idx = %d classified as local, want usb region (>= %d)", idx, r.LocalLen())
	}
	if !recvOK || recv.Int() != 7 {
		t.Fatalf("recv = %+v, ok = %v", recv, recvOK)
	}
}

func TestSelectTimesOutWhenNothingReady(t *testing.T) {
	r := New(nil)
	_, _, _, timedOut := r.Select(20 * time.Millisecond)
	if !timedOut {
		t.Fatal("expected timeout")
	}
}

func TestRemoveUSBShiftsLaterEntriesDown(t *testing.T) {
	a := make(chan int, 1)
	b := make(chan int, 1)
	c := make(chan int, 1)
	r := New(nil)
	r.AddUSB(chanCase(a))
	posB, _ := r.AddUSB(chanCase(b))
	posC, _ := r.AddUSB(chanCase(c))

	r.RemoveUSB(0) // remove a, b and c shift down by one

	c <- 99
	idx, recv, ok, timedOut := r.Select(time.Second)
	if timedOut || !ok {
		t.Fatalf("unexpected result: idx=%d ok=%v timedOut=%v", idx, ok, timedOut)
	}
	if idx != posC-1 {
		t.Fatalf("idx = %d, want %d after shift", idx, posC-1)
	}
	if recv.Int() != 99 {
		t.Fatalf("recv.Int() = %d, want 99", recv.Int())
	}
	_ = posB
}

func TestAddUSBRejectsWhenRegistryFull(t *testing.T) {
	local := make([]reflect.SelectCase, 4)
	for i := range local {
		local[i] = chanCase(make(chan int))
	}
	r := New(local)
	for i := 0; i < MaxPollFDs-len(local); i++ {
		if _, ok := r.AddUSB(chanCase(make(chan int))); !ok {
			t.Fatalf("AddUSB failed early at i=%d", i)
		}
	}
	if _, ok := r.AddUSB(chanCase(make(chan int))); ok {
		t.Fatal("expected AddUSB to refuse once registry is full")
	}
}
