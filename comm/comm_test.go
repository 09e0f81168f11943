package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/dronebridge/dbusbbridge/comm"
)

func tcpEchoServer(t *testing.T, addr string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln
}

func TestRemoteDeviceOpenConnectsAndConnEchoes(t *testing.T) {
	ln := tcpEchoServer(t, "127.0.0.1:0")
	defer ln.Close()

	rd := comm.NewRemoteDevice(ln.Addr().String(), false, nil)
	if err := rd.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rd.Close()

	if _, err := rd.Conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(rd.Conn, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echoed = %q, want %q", buf, "ping")
	}
}

func TestRemoteDeviceOpenIsNoopWhenAlreadyConnected(t *testing.T) {
	ln := tcpEchoServer(t, "127.0.0.1:0")
	defer ln.Close()

	rd := comm.NewRemoteDevice(ln.Addr().String(), false, nil)
	if err := rd.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rd.Close()
	conn := rd.Conn

	if err := rd.Open(); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if rd.Conn != conn {
		t.Error("second Open replaced an already-live connection")
	}
}

func TestRemoteDeviceOpenFailsWhenNothingListening(t *testing.T) {
	ln := tcpEchoServer(t, "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	rd := comm.NewRemoteDevice(addr, false, nil)
	rd.Timeout = 200 * time.Millisecond
	if err := rd.Open(); err == nil {
		rd.Close()
		t.Fatal("expected Open to fail against a closed listener")
	}
}

func TestRemoteDeviceCloseIsIdempotent(t *testing.T) {
	ln := tcpEchoServer(t, "127.0.0.1:0")
	defer ln.Close()

	rd := comm.NewRemoteDevice(ln.Addr().String(), false, nil)
	if err := rd.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rd.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := rd.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRemoteDeviceOpenFailsWithoutSerialConfig(t *testing.T) {
	// Open checks for a missing serial.Config before dialing and returns
	// ErrNoSerialConf without entering its backoff loop.
	rd := comm.NewRemoteDevice("", true, nil)
	rd.Timeout = 50 * time.Millisecond
	if err := rd.Open(); err == nil {
		t.Fatal("expected Open to fail when IsSerial is true and no serial.Config was given")
	}
}
