// Package bluez implements the boop transport on Linux Bluetooth LE through
// the BlueZ D-Bus API.
//
// Every node advertises its PeerID as 16 bytes of service data and exposes a
// GATT service with two write characteristics: one for wire frames and one
// for ranging discovery tokens. Scanning turns Device1 objects carrying that
// service data into sightings; the D-Bus object path of the device is the
// transport handle.
package bluez

import (
	"errors"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/boop-network/boop/internal/domain"
)

const (
	// AdvertUUID keys the service data that carries the PeerID. A 16-bit
	// UUID keeps the advertisement inside a legacy 31-byte payload.
	AdvertUUID = "0000feb0-0000-1000-8000-00805f9b34fb"

	ServiceUUID      = "b0b0b0b0-5e55-4c1d-9a7e-000000000001"
	MessageCharUUID  = "b0b0b0b0-5e55-4c1d-9a7e-000000000002"
	TokenCharUUID    = "b0b0b0b0-5e55-4c1d-9a7e-000000000003"
	advertLocalName  = "boop"
	defaultAdapter   = "hci0"
	objectPathPrefix = "/io/boop"
)

const (
	bluezService       = "org.bluez"
	adapterIface       = "org.bluez.Adapter1"
	deviceIface        = "org.bluez.Device1"
	gattManagerIface   = "org.bluez.GattManager1"
	gattServiceIface   = "org.bluez.GattService1"
	gattCharIface      = "org.bluez.GattCharacteristic1"
	advertManagerIface = "org.bluez.LEAdvertisingManager1"
	advertIface        = "org.bluez.LEAdvertisement1"
	objManagerIface    = "org.freedesktop.DBus.ObjectManager"
	propsIface         = "org.freedesktop.DBus.Properties"
)

// ErrUnsupported is returned on platforms without BlueZ.
var ErrUnsupported = errors.New("bluez: not supported on this platform")

// Config controls the BlueZ transport.
type Config struct {
	Adapter        string
	ConnectTimeout time.Duration
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Adapter:        defaultAdapter,
		ConnectTimeout: 10 * time.Second,
	}
}

// managedObjects is the shape of ObjectManager.GetManagedObjects.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// sighting extracts the advertised PeerID and RSSI from Device1 properties.
// ok is false when the device does not carry boop service data.
func sighting(props map[string]dbus.Variant) (id domain.PeerID, rssi int, ok bool) {
	v, found := props["ServiceData"]
	if !found {
		return domain.NilPeer, 0, false
	}
	data, _ := v.Value().(map[string]dbus.Variant)
	for uuid, payload := range data {
		if !strings.EqualFold(uuid, AdvertUUID) {
			continue
		}
		raw, _ := payload.Value().([]byte)
		if len(raw) != domain.PeerIDSize {
			return domain.NilPeer, 0, false
		}
		parsed, err := domain.PeerIDFromBytes(raw)
		if err != nil || parsed.IsZero() {
			return domain.NilPeer, 0, false
		}
		id, ok = parsed, true
	}
	if !ok {
		return domain.NilPeer, 0, false
	}
	if v, found := props["RSSI"]; found {
		if r, isInt := v.Value().(int16); isInt {
			rssi = int(r)
		}
	}
	return id, rssi, true
}

// remoteChars maps the boop characteristic UUIDs to their object paths under
// a connected device.
func remoteChars(objs managedObjects, device dbus.ObjectPath) map[string]dbus.ObjectPath {
	prefix := string(device) + "/"
	out := make(map[string]dbus.ObjectPath, 2)
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		switch {
		case strings.EqualFold(uuid, MessageCharUUID):
			out[MessageCharUUID] = path
		case strings.EqualFold(uuid, TokenCharUUID):
			out[TokenCharUUID] = path
		}
	}
	return out
}

// devicePath returns the Device1 path a GATT write came from, taken from
// the "device" option BlueZ attaches to WriteValue.
func devicePath(options map[string]dbus.Variant) dbus.ObjectPath {
	if v, ok := options["device"]; ok {
		p, _ := v.Value().(dbus.ObjectPath)
		return p
	}
	return ""
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// advertProperties is the LEAdvertisement1 property set for a peer.
func advertProperties(id domain.PeerID) map[string]dbus.Variant {
	raw := make([]byte, domain.PeerIDSize)
	copy(raw, id[:])
	return map[string]dbus.Variant{
		"Type":        dbus.MakeVariant("peripheral"),
		"ServiceData": dbus.MakeVariant(map[string]dbus.Variant{AdvertUUID: dbus.MakeVariant(raw)}),
		"LocalName":   dbus.MakeVariant(advertLocalName),
	}
}

// gattObjects describes the exported GATT application for GetManagedObjects.
func gattObjects(service, msgChar, tokenChar dbus.ObjectPath) managedObjects {
	char := func(uuid string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			gattCharIface: {
				"UUID":    dbus.MakeVariant(uuid),
				"Service": dbus.MakeVariant(service),
				"Flags":   dbus.MakeVariant([]string{"write", "write-without-response"}),
			},
		}
	}
	return managedObjects{
		service: {
			gattServiceIface: {
				"UUID":    dbus.MakeVariant(ServiceUUID),
				"Primary": dbus.MakeVariant(true),
			},
		},
		msgChar:   char(MessageCharUUID),
		tokenChar: char(TokenCharUUID),
	}
}
