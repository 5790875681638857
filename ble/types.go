// Package ble manages the Bluetooth Low Energy link to an OBD-II adapter or
// companion device: adapter power state, scanning, connection lifecycle and
// notification delivery into the frame decoder.
package ble

import (
	"fmt"
	"github.com/pkg/errors"
	"strings"
)

// PowerState is what the radio reports about the adapter.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

func (p PowerState) String() string {
	switch p {
	case PowerResetting:
		return "Resetting"
	case PowerUnsupported:
		return "Unsupported"
	case PowerUnauthorized:
		return "Unauthorized"
	case PowerOff:
		return "Off"
	case PowerOn:
		return "On"
	}
	return "Unknown"
}

// State of a Manager. States from StateIdle onwards are only reachable
// while the adapter is powered on.
type State int

const (
	// before the radio has reported anything
	StateUnknown State = iota
	StatePoweredOff
	StateUnauthorized
	StateResetting
	StateUnsupported
	StateIdle
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
)

var stateNames = map[State]string{
	StateUnknown:      "Unknown",
	StatePoweredOff:   "PoweredOff",
	StateUnauthorized: "Unauthorized",
	StateResetting:    "Resetting",
	StateUnsupported:  "Unsupported",
	StateIdle:         "PoweredOn.Idle",
	StateScanning:     "PoweredOn.Scanning",
	StateConnecting:   "PoweredOn.Connecting",
	StateConnected:    "PoweredOn.Connected",
	StateDisconnected: "PoweredOn.Disconnected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) PoweredOn() bool {
	return s >= StateIdle
}

// Terminal states need the radio to report a new power state before any
// operation is possible again.
func (s State) Terminal() bool {
	return s == StateUnsupported || s == StateUnauthorized
}

func stateForPower(p PowerState) State {
	switch p {
	case PowerOn:
		return StateIdle
	case PowerOff:
		return StatePoweredOff
	case PowerUnauthorized:
		return StateUnauthorized
	case PowerUnsupported:
		return StateUnsupported
	case PowerResetting:
		return StateResetting
	}
	return StateUnknown
}

// PeripheralKind distinguishes the devices the manager can connect to by
// the service they advertise.
type PeripheralKind int

const (
	OBDAdapter PeripheralKind = iota
	CompanionDevice
)

const (
	obdServiceUUID       = "FFE0"
	companionServiceUUID = "FFEF"
	dataCharUUID         = "FFE1"

	bluetoothBaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"
)

func (k PeripheralKind) String() string {
	switch k {
	case OBDAdapter:
		return "OBDAdapter"
	case CompanionDevice:
		return "CompanionDevice"
	}
	return fmt.Sprintf("PeripheralKind(%d)", int(k))
}

func (k PeripheralKind) valid() bool {
	return k == OBDAdapter || k == CompanionDevice
}

func (k PeripheralKind) ServiceUUID() string {
	if k == CompanionDevice {
		return companionServiceUUID
	}
	return obdServiceUUID
}

// CharacteristicUUID is the data characteristic, the same for both kinds.
func (k PeripheralKind) CharacteristicUUID() string {
	return dataCharUUID
}

// ParsePeripheralKind accepts "obd" and "companion" (or "beaglebone").
func ParsePeripheralKind(s string) (PeripheralKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "obd", "obdadapter", "":
		return OBDAdapter, nil
	case "companion", "companiondevice", "beaglebone":
		return CompanionDevice, nil
	}
	return 0, errors.Errorf("unknown peripheral kind %q", s)
}

// ExpandUUID turns a 16-bit short UUID into its 128-bit form on the
// Bluetooth base UUID, lower case. Longer UUIDs are only lower cased.
func ExpandUUID(u string) string {
	u = strings.ToLower(u)
	if len(u) == 4 {
		return "0000" + u + bluetoothBaseUUIDSuffix
	}
	return u
}

// Peripheral is a discovered device.
type Peripheral struct {
	Address  string
	Name     string
	RSSI     int
	Services []string
}

func (p Peripheral) HasService(uuid string) bool {
	want := ExpandUUID(uuid)
	for _, s := range p.Services {
		if ExpandUUID(s) == want {
			return true
		}
	}
	return false
}

func (p Peripheral) String() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Address
}
