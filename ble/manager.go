package ble

import (
	"context"
	"fmt"
	"github.com/jd3nn1s/vbox/obd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

const DefaultConnectTimeout = 10 * time.Second

// Decoder turns notification payloads into readings; obd.Decoder
// implements it.
type Decoder interface {
	Decode(data []byte) ([]obd.Reading, error)
	Reset()
}

// Stream receives decoded readings; diag.Stream implements it.
type Stream interface {
	UpdateBatch(readings []obd.Reading)
	Clear()
}

type Options struct {
	ConnectTimeout time.Duration
	// enable notifications as soon as a connection is established
	AutoNotify bool
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		AutoNotify:     true,
	}
}

// Manager is the connection state machine for one central session. All
// state transitions happen synchronously under its lock; connection
// attempts complete asynchronously and are matched to the attempt that
// started them, so results of abandoned attempts are dropped.
type Manager struct {
	mu      sync.Mutex
	radio   Radio
	decoder Decoder
	stream  Stream
	opts    Options
	events  *emitter

	state       State
	target      PeripheralKind
	peripheral  *Peripheral
	notifying   bool
	advertising bool

	attempt       uint64
	cancelConnect context.CancelFunc
}

func NewManager(radio Radio, decoder Decoder, stream Stream, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Manager{
		radio:   radio,
		decoder: decoder,
		stream:  stream,
		opts:    opts,
		events:  newEmitter(),
		state:   stateForPower(radio.PowerState()),
	}
}

// SetObserver replaces the observer; nil removes it.
func (m *Manager) SetObserver(o Observer) {
	m.events.setObserver(o)
}

// Close stops signal delivery and abandons any connection attempt. It does
// not disconnect the peripheral.
func (m *Manager) Close() {
	m.mu.Lock()
	m.attempt++
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.mu.Unlock()
	m.events.close()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peripheral returns the peripheral being connected or connected to.
func (m *Manager) Peripheral() (Peripheral, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peripheral == nil {
		return Peripheral{}, false
	}
	return *m.peripheral, true
}

func (m *Manager) Notifying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifying
}

// Callbacks returns the handlers to pass to Radio.Start.
func (m *Manager) Callbacks() Callbacks {
	return Callbacks{
		PowerState:   m.handlePowerState,
		Discovered:   m.handleDiscovered,
		Notification: m.handleNotification,
		Disconnected: m.handleDisconnected,
	}
}

// ScanForPeripheral starts scanning for peripherals of the given kind. It
// returns false without changing state unless the adapter is powered on and
// no connection is in progress or established.
func (m *Manager) ScanForPeripheral(kind PeripheralKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle, StateScanning, StateDisconnected:
	case StateConnecting, StateConnected:
		m.logf("cannot scan: already %s", m.state)
		return false
	default:
		if m.state.Terminal() {
			m.logf("cannot scan: bluetooth state is %s until the radio reports again", m.state)
		} else {
			m.logf("cannot scan: bluetooth state is %s", m.state)
		}
		return false
	}
	if !kind.valid() {
		m.logf("cannot scan: unknown peripheral kind %s", kind)
		return false
	}
	if err := m.radio.StartScan(kind.ServiceUUID()); err != nil {
		m.logf("cannot scan: %v", err)
		return false
	}

	m.target = kind
	m.attempt++
	m.setState(StateScanning)
	m.events.emit(func(o Observer) {
		o.ScanBegan()
	})
	m.logf("scanning for %s peripherals", kind)
	return true
}

func (m *Manager) StopScanning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateScanning {
		m.logf("not scanning")
		return
	}
	if err := m.radio.StopScan(); err != nil {
		m.logf("unable to stop scan: %v", err)
	}
	m.attempt++
	m.setState(StateIdle)
	m.emitScanStopped()
	m.logf("stopped scanning")
}

// SetNotifyValue toggles notifications on the data characteristic. It only
// has an effect while connected.
func (m *Manager) SetNotifyValue(enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		m.logf("cannot set notifications: not connected")
		return false
	}
	return m.setNotifyLocked(enabled)
}

// Disconnect ends a connection or connection attempt. Calling it in any
// other state does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateConnected {
		m.logf("no peripheral connected")
		m.mu.Unlock()
		return
	}
	p := *m.peripheral
	m.abandonLocked()
	m.setState(StateDisconnected)
	m.emitDisconnected()
	m.logf("disconnected from %s", p)
	m.mu.Unlock()

	if err := m.radio.Disconnect(p); err != nil {
		log.WithError(err).WithField("peripheral", p.Address).Warn("unable to disconnect peripheral")
	}
}

// AdvertisePeripheral advertises the companion service under name. It does
// not affect the central role.
func (m *Manager) AdvertisePeripheral(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.PoweredOn() {
		m.logf("cannot advertise: bluetooth state is %s", m.state)
		return false
	}
	if err := m.radio.Advertise(CompanionDevice.ServiceUUID(), name); err != nil {
		m.logf("unable to advertise: %v", err)
		return false
	}
	m.advertising = true
	m.logf("advertising as %s", name)
	return true
}

func (m *Manager) StopAdvertisingPeripheral() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.advertising {
		return
	}
	if err := m.radio.StopAdvertising(); err != nil {
		m.logf("unable to stop advertising: %v", err)
	}
	m.advertising = false
	m.logf("stopped advertising")
}

func (m *Manager) handlePowerState(p PowerState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	if p == PowerOn {
		if !prev.PoweredOn() {
			m.state = StateIdle
		}
	} else {
		switch prev {
		case StateScanning:
			m.attempt++
			m.emitScanStopped()
		case StateConnecting, StateConnected:
			m.abandonLocked()
			if prev == StateConnected {
				m.emitDisconnected()
			}
		}
		m.advertising = false
		m.state = stateForPower(p)
	}

	m.logf("bluetooth state changed: %s", p)
	s := m.state
	m.events.emit(func(o Observer) {
		o.StateChanged(s)
	})
}

func (m *Manager) handleDiscovered(p Peripheral) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateScanning {
		log.WithField("peripheral", p.Address).Debug("ignoring discovery while not scanning")
		return
	}
	if p.Name == "" || !p.HasService(m.target.ServiceUUID()) {
		return
	}
	m.logf("discovered %s (RSSI: %d)", p, p.RSSI)

	if err := m.radio.StopScan(); err != nil {
		m.logf("unable to stop scan: %v", err)
	}
	m.emitScanStopped()

	m.attempt++
	attempt := m.attempt
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancelConnect = cancel
	m.peripheral = &p
	m.setState(StateConnecting)
	m.logf("connecting to %s", p)

	go func() {
		defer cancel()
		err := m.radio.Connect(ctx, p)
		if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ctx.Err()
		}
		m.connectResult(attempt, p, err)
	}()
}

func (m *Manager) connectResult(attempt uint64, p Peripheral, err error) {
	m.mu.Lock()
	if attempt != m.attempt || m.state != StateConnecting {
		m.mu.Unlock()
		log.WithField("peripheral", p.Address).Debug("discarding result of abandoned connect")
		if err == nil {
			if err := m.radio.Disconnect(p); err != nil {
				log.WithError(err).Debug("unable to release abandoned connection")
			}
		}
		return
	}
	m.cancelConnect = nil

	if err != nil {
		m.peripheral = nil
		if errors.Is(err, context.DeadlineExceeded) {
			m.logf("connect to %s timed out after %s", p, m.opts.ConnectTimeout)
		} else {
			m.logf("failed to connect to %s: %v", p, err)
		}
		m.setState(StateIdle)
		m.mu.Unlock()
		if err := m.radio.Disconnect(p); err != nil {
			log.WithError(err).Debug("unable to cancel connection")
		}
		return
	}

	m.setState(StateConnected)
	m.events.emit(func(o Observer) {
		o.Connected(p)
	})
	m.logf("connected to %s", p)
	if m.opts.AutoNotify {
		m.setNotifyLocked(true)
	}
	m.mu.Unlock()
}

func (m *Manager) handleDisconnected(p Peripheral, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peripheral == nil || m.peripheral.Address != p.Address {
		return
	}
	switch m.state {
	case StateConnecting:
		m.abandonLocked()
		m.logf("failed to connect to %s: link lost", p)
		m.setState(StateIdle)
	case StateConnected:
		m.abandonLocked()
		m.setState(StateDisconnected)
		m.emitDisconnected()
		if cause != nil {
			m.logf("disconnected from %s: %v", p, cause)
		} else {
			m.logf("disconnected from %s", p)
		}
	}
}

func (m *Manager) handleNotification(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected || !m.notifying {
		log.WithField("bytes", len(data)).Debug("dropping notification")
		return
	}
	readings, err := m.decoder.Decode(data)
	if err != nil {
		m.logf("invalid packet: %v", err)
	}
	switch len(readings) {
	case 0:
		return
	case 1:
		r := readings[0]
		m.stream.UpdateBatch(readings)
		m.events.emit(func(o Observer) {
			o.DiagnosticUpdated(r.Kind, r.Value)
		})
	default:
		m.stream.UpdateBatch(readings)
		m.events.emit(func(o Observer) {
			o.DiagnosticsUpdated(readings)
		})
	}
}

func (m *Manager) setNotifyLocked(enabled bool) bool {
	if err := m.radio.SetNotify(*m.peripheral, enabled); err != nil {
		m.logf("unable to set notifications: %v", err)
		return false
	}
	m.notifying = enabled
	if enabled {
		m.logf("notifications enabled")
	} else {
		m.logf("notifications disabled")
	}
	return true
}

// abandonLocked invalidates the current attempt and connection and drops
// any diagnostics received over it.
func (m *Manager) abandonLocked() {
	m.attempt++
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.peripheral = nil
	m.notifying = false
	m.decoder.Reset()
	m.stream.Clear()
}

func (m *Manager) setState(s State) {
	if s == m.state {
		return
	}
	m.state = s
	m.events.emit(func(o Observer) {
		o.StateChanged(s)
	})
}

func (m *Manager) emitScanStopped() {
	m.events.emit(func(o Observer) {
		o.ScanStopped()
	})
}

func (m *Manager) emitDisconnected() {
	m.events.emit(func(o Observer) {
		o.Disconnected()
	})
}

func (m *Manager) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.WithField("component", "ble").Debug(msg)
	m.events.emit(func(o Observer) {
		o.DebugLog(msg)
	})
}
