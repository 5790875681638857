package ble

import "context"

// Callbacks receive radio events. Any of them may be nil.
type Callbacks struct {
	PowerState   func(PowerState)
	Discovered   func(Peripheral)
	Notification func(data []byte)
	Disconnected func(p Peripheral, err error)
}

// Radio is the platform Bluetooth stack. Start runs the event loop and
// blocks until ctx is done or the stack fails. Implementations must not
// invoke callbacks synchronously from within their other methods.
type Radio interface {
	PowerState() PowerState
	Start(ctx context.Context, cb Callbacks) error
	Close() error

	StartScan(service string) error
	StopScan() error
	// Connect blocks until the peripheral is connected and its data
	// characteristic is resolved, or ctx is done.
	Connect(ctx context.Context, p Peripheral) error
	Disconnect(p Peripheral) error
	SetNotify(p Peripheral, enabled bool) error

	Advertise(service, name string) error
	StopAdvertising() error
}
