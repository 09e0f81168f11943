/*Package aoa implements the USB transport: it owns the Android Open
Accessory (AOA) handle and the asynchronous bulk IN/OUT transfers that
carry framed data to and from the tethered device.

Opening an accessory is grounded in the vendor/product open sequence used
by cmd/ldctest (gousb.Context.OpenDeviceWithVIDPID, SetAutoDetach,
DefaultInterface, In/OutEndpoint), generalized from a single fixed VID/PID
device to the two-step AOA flow: a USB device first enumerates under its
normal vendor ID, gets switched into accessory mode by a short control
transfer handshake, and re-enumerates under Google's accessory VID/PID,
at which point the two bulk endpoints this package cares about appear.
*/
package aoa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Google's accessory vendor ID and the two accessory product IDs (with and
// without the ADB interface). A device may enumerate under either its own
// VID/PID or one of these once switched into accessory mode.
const (
	googleVID       gousb.ID = 0x18D1
	accessoryPID    gousb.ID = 0x2D00
	accessoryAdbPID gousb.ID = 0x2D01
)

// AOA control request codes (Google Accessory protocol).
const (
	reqGetProtocol    uint8 = 51
	reqSendString     uint8 = 52
	reqStartAccessory uint8 = 53
)

// String indices for SendString.
const (
	stringManufacturer uint16 = 0
	stringModel        uint16 = 1
	stringDescription  uint16 = 2
	stringVersion      uint16 = 3
	stringURI          uint16 = 4
	stringSerial       uint16 = 5
)

// Identity describes the accessory strings sent during the handshake.
type Identity struct {
	Manufacturer string
	Model        string
	Description  string
	Version      string
	URI          string
	Serial       string
}

// DefaultIdentity is used when the caller does not supply one.
var DefaultIdentity = Identity{
	Manufacturer: "DroneBridge",
	Model:        "USB Bridge",
	Description:  "DroneBridge USB accessory bridge",
	Version:      "2.0",
	URI:          "https://github.com/seeul8er/DroneBridge",
	Serial:       "0",
}

// retryInterval is how often Open retries after a failed attempt, mirroring
// the 1-second cadence the rest of this codebase uses for connection
// retries (package endpoint).
const retryInterval = 1 * time.Second

// Accessory owns the gousb handle and the two bulk endpoints used by the
// framing protocol. The bridge loop exclusively owns it once Open returns
// until Close is called.
type Accessory struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	iface  *gousb.Interface
	closer func()

	In  *gousb.InEndpoint
	Out *gousb.OutEndpoint
}

// Open blocks until an accessory-mode endpoint pair is available or ctx is
// cancelled. vid/pid identify the device in its normal (non-accessory)
// mode; if the device is already enumerated in accessory mode (e.g. after
// a previous run switched it and it was never power-cycled), that is
// detected and used directly.
func Open(ctx context.Context, vid, pid gousb.ID, id Identity) (*Accessory, error) {
	gctx := gousb.NewContext()
	for {
		acc, err := tryOpen(gctx, vid, pid, id)
		if err == nil {
			return acc, nil
		}
		select {
		case <-ctx.Done():
			gctx.Close()
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func tryOpen(gctx *gousb.Context, vid, pid gousb.ID, id Identity) (*Accessory, error) {
	dev, err := gctx.OpenDeviceWithVIDPID(googleVID, accessoryPID)
	if err != nil || dev == nil {
		dev, err = gctx.OpenDeviceWithVIDPID(googleVID, accessoryAdbPID)
	}
	if err != nil || dev == nil {
		// Not yet in accessory mode: find it by its normal VID/PID and
		// switch it, then wait for the re-enumeration on the next retry.
		raw, err := gctx.OpenDeviceWithVIDPID(vid, pid)
		if err != nil {
			return nil, fmt.Errorf("aoa: device %04x:%04x not present: %w", vid, pid, err)
		}
		if raw == nil {
			return nil, fmt.Errorf("aoa: device %04x:%04x not present", vid, pid)
		}
		defer raw.Close()
		if err := negotiate(raw, id); err != nil {
			return nil, fmt.Errorf("aoa: handshake failed: %w", err)
		}
		return nil, fmt.Errorf("aoa: switched device into accessory mode, awaiting re-enumeration")
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, err
	}
	iface, closer, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return nil, err
	}
	in, err := iface.InEndpoint(1)
	if err != nil {
		closer()
		dev.Close()
		return nil, err
	}
	out, err := iface.OutEndpoint(1)
	if err != nil {
		closer()
		dev.Close()
		return nil, err
	}
	return &Accessory{ctx: gctx, dev: dev, iface: iface, closer: closer, In: in, Out: out}, nil
}

// negotiate runs the Google Accessory protocol control transfer sequence
// against a device still enumerated in its normal mode, switching it into
// accessory mode. The device will disconnect and re-enumerate under the
// Google accessory VID/PID; the caller must retry Open to pick it up.
func negotiate(dev *gousb.Device, id Identity) error {
	proto := make([]byte, 2)
	if _, err := dev.Control(0xC0, reqGetProtocol, 0, 0, proto); err != nil {
		return fmt.Errorf("get protocol: %w", err)
	}

	strings := []struct {
		index uint16
		value string
	}{
		{stringManufacturer, id.Manufacturer},
		{stringModel, id.Model},
		{stringDescription, id.Description},
		{stringVersion, id.Version},
		{stringURI, id.URI},
		{stringSerial, id.Serial},
	}
	for _, s := range strings {
		payload := append([]byte(s.value), 0)
		if _, err := dev.Control(0x40, reqSendString, 0, s.index, payload); err != nil {
			return fmt.Errorf("send string %d: %w", s.index, err)
		}
	}
	if _, err := dev.Control(0x40, reqStartAccessory, 0, 0, nil); err != nil {
		return fmt.Errorf("start accessory: %w", err)
	}
	return nil
}

// MaxPacketSize returns the OUT endpoint's maximum packet size, used by
// Transport.Write to decide how to fragment outbound frames.
func (a *Accessory) MaxPacketSize() int {
	return a.Out.Desc.MaxPacketSize
}

// Close releases the interface and device handle.
func (a *Accessory) Close() error {
	if a.closer != nil {
		a.closer()
	}
	var err error
	if a.dev != nil {
		err = a.dev.Close()
	}
	if a.ctx != nil {
		a.ctx.Close()
	}
	return err
}
