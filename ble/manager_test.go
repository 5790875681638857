package ble

import (
	"context"
	"github.com/jd3nn1s/vbox/diag"
	"github.com/jd3nn1s/vbox/obd"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type radioStub struct {
	mu          sync.Mutex
	power       PowerState
	scanning    bool
	scanService string
	notify      map[string]bool
	disconnects []string
	advertised  string

	// Connect returns the next value sent here, or ctx.Err()
	connectChan chan error
	connected   chan Peripheral
}

func newRadioStub(power PowerState) *radioStub {
	return &radioStub{
		power:       power,
		notify:      map[string]bool{},
		connectChan: make(chan error, 1),
		connected:   make(chan Peripheral, 4),
	}
}

func (r *radioStub) PowerState() PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.power
}

func (r *radioStub) Start(ctx context.Context, cb Callbacks) error {
	<-ctx.Done()
	return nil
}

func (r *radioStub) Close() error {
	return nil
}

func (r *radioStub) StartScan(service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = true
	r.scanService = service
	return nil
}

func (r *radioStub) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	return nil
}

func (r *radioStub) Connect(ctx context.Context, p Peripheral) error {
	r.connected <- p
	select {
	case err := <-r.connectChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *radioStub) Disconnect(p Peripheral) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, p.Address)
	return nil
}

func (r *radioStub) SetNotify(p Peripheral, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify[p.Address] = enabled
	return nil
}

func (r *radioStub) Advertise(service, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertised = name
	return nil
}

func (r *radioStub) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertised = ""
	return nil
}

func (r *radioStub) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

type recorder struct {
	mu      sync.Mutex
	signals []string
	states  []State
	logs    []string
	values  map[obd.Kind]float64
	batches int
}

func newRecorder() *recorder {
	return &recorder{values: map[obd.Kind]float64{}}
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

func (r *recorder) ScanBegan() { r.add("scanBegan") }
func (r *recorder) ScanStopped() { r.add("scanStopped") }
func (r *recorder) Connected(Peripheral) { r.add("connected") }
func (r *recorder) Disconnected() { r.add("disconnected") }

func (r *recorder) DebugLog(msg string) {
	r.mu.Lock()
	r.logs = append(r.logs, msg)
	r.mu.Unlock()
}

func (r *recorder) StateChanged(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) DiagnosticUpdated(kind obd.Kind, value float64) {
	r.mu.Lock()
	r.values[kind] = value
	r.mu.Unlock()
	r.add("diagnostic")
}

func (r *recorder) DiagnosticsUpdated(readings []obd.Reading) {
	r.mu.Lock()
	for _, rd := range readings {
		r.values[rd.Kind] = rd.Value
	}
	r.batches++
	r.mu.Unlock()
	r.add("diagnostics")
}

// take returns and clears everything recorded so far.
func (r *recorder) take() ([]string, []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, st := r.signals, r.states
	r.signals, r.states = nil, nil
	return s, st
}

func (r *recorder) lastLog() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.logs) == 0 {
		return ""
	}
	return r.logs[len(r.logs)-1]
}

var obdPeripheral = Peripheral{
	Address:  "00:11:22:33:44:55",
	Name:     "OBDII",
	RSSI:     -60,
	Services: []string{"0000ffe0-0000-1000-8000-00805f9b34fb"},
}

type fixture struct {
	radio  *radioStub
	stream *diag.Stream
	m      *Manager
	cb     Callbacks
	rec    *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	r := newRadioStub(PowerOn)
	s := diag.NewStream()
	m := NewManager(r, obd.NewDecoder(), s, opts)
	rec := newRecorder()
	m.SetObserver(rec)
	t.Cleanup(m.Close)
	return &fixture{radio: r, stream: s, m: m, cb: m.Callbacks(), rec: rec}
}

// settle waits for all pending signals and returns them.
func (f *fixture) settle() ([]string, []State) {
	f.m.events.sync()
	return f.rec.take()
}

func (f *fixture) connect(t *testing.T) {
	require.True(t, f.m.ScanForPeripheral(OBDAdapter))
	f.cb.Discovered(obdPeripheral)
	<-f.radio.connected
	f.radio.connectChan <- nil
	require.Eventually(t, func() bool {
		return f.m.State() == StateConnected
	}, time.Second, time.Millisecond)
	f.settle()
}

func TestInitialState(t *testing.T) {
	r := newRadioStub(PowerOff)
	m := NewManager(r, obd.NewDecoder(), diag.NewStream(), DefaultOptions())
	defer m.Close()
	assert.Equal(t, StatePoweredOff, m.State())
	assert.Equal(t, "PoweredOn.Idle", StateIdle.String())
}

func TestScanConnectNotify(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	require.True(t, f.m.ScanForPeripheral(OBDAdapter))
	signals, states := f.settle()
	assert.Equal(t, []string{"scanBegan"}, signals)
	assert.Equal(t, []State{StateScanning}, states)
	assert.Equal(t, "FFE0", f.radio.scanService)

	// no name, wrong service
	f.cb.Discovered(Peripheral{Address: "a", Services: []string{"ffe0"}})
	f.cb.Discovered(Peripheral{Address: "b", Name: "Other", Services: []string{"180d"}})
	signals, _ = f.settle()
	assert.Empty(t, signals)
	assert.Equal(t, StateScanning, f.m.State())

	f.cb.Discovered(obdPeripheral)
	assert.Equal(t, obdPeripheral, <-f.radio.connected)
	assert.False(t, f.radio.scanning)
	signals, states = f.settle()
	assert.Equal(t, []string{"scanStopped"}, signals)
	assert.Equal(t, []State{StateConnecting}, states)

	f.radio.connectChan <- nil
	require.Eventually(t, func() bool {
		return f.m.State() == StateConnected
	}, time.Second, time.Millisecond)
	signals, states = f.settle()
	assert.Equal(t, []string{"connected"}, signals)
	assert.Equal(t, []State{StateConnected}, states)
	assert.True(t, f.m.Notifying())
	assert.True(t, f.radio.notify[obdPeripheral.Address])

	p, ok := f.m.Peripheral()
	assert.True(t, ok)
	assert.Equal(t, "OBDII", p.Name)
}

func TestNotificationUpdatesStream(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)

	f.cb.Notification(obd.Encode(obd.Packet{Time: 1, PID: obd.PIDRPM, Values: []float32{2500}}))
	signals, _ := f.settle()
	assert.Equal(t, []string{"diagnostic"}, signals)
	assert.Equal(t, 2500.0, f.rec.values[obd.KindRPM])

	v, ok := f.stream.Snapshot().Get(obd.KindRPM)
	require.True(t, ok)
	assert.Equal(t, 2500.0, v.Value)

	data := append(
		obd.Encode(obd.Packet{Time: 2, PID: obd.PIDSpeed, Values: []float32{60}}),
		obd.Encode(obd.Packet{Time: 2, PID: obd.PIDCoolantTemp, Values: []float32{90}})...)
	f.cb.Notification(data)
	signals, _ = f.settle()
	assert.Equal(t, []string{"diagnostics"}, signals)
	assert.Equal(t, 3, f.stream.Len())

	bad := obd.Encode(obd.Packet{Time: 3, PID: obd.PIDRPM, Values: []float32{3000}})
	bad[9] ^= 0xff
	f.cb.Notification(bad)
	signals, _ = f.settle()
	assert.Empty(t, signals)
	assert.Contains(t, f.rec.lastLog(), "invalid packet")
	v, _ = f.stream.Snapshot().Get(obd.KindRPM)
	assert.Equal(t, 2500.0, v.Value)
}

func TestNotificationIgnoredWhenNotifyDisabled(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)

	require.True(t, f.m.SetNotifyValue(false))
	f.cb.Notification(obd.Encode(obd.Packet{PID: obd.PIDRPM, Values: []float32{800}}))
	signals, _ := f.settle()
	assert.Empty(t, signals)
	assert.Equal(t, 0, f.stream.Len())
}

func TestDisconnectTwice(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.cb.Notification(obd.Encode(obd.Packet{PID: obd.PIDRPM, Values: []float32{800}}))
	f.settle()

	f.m.Disconnect()
	signals, states := f.settle()
	assert.Equal(t, []string{"disconnected"}, signals)
	assert.Equal(t, []State{StateDisconnected}, states)
	assert.Equal(t, 1, f.radio.disconnectCount())
	assert.Equal(t, 0, f.stream.Len())
	assert.False(t, f.m.Notifying())

	f.m.Disconnect()
	signals, states = f.settle()
	assert.Empty(t, signals)
	assert.Empty(t, states)
	assert.Equal(t, "no peripheral connected", f.rec.lastLog())
	assert.Equal(t, StateDisconnected, f.m.State())
	assert.Equal(t, 1, f.radio.disconnectCount())

	// a fresh scan is allowed after disconnecting
	assert.True(t, f.m.ScanForPeripheral(OBDAdapter))
}

func TestScanRejected(t *testing.T) {
	r := newRadioStub(PowerOff)
	m := NewManager(r, obd.NewDecoder(), diag.NewStream(), DefaultOptions())
	defer m.Close()
	assert.False(t, m.ScanForPeripheral(OBDAdapter))
	assert.False(t, r.scanning)
	assert.Equal(t, StatePoweredOff, m.State())

	f := newFixture(t, DefaultOptions())
	f.connect(t)
	assert.False(t, f.m.ScanForPeripheral(CompanionDevice))
	assert.Equal(t, StateConnected, f.m.State())
	assert.False(t, f.m.ScanForPeripheral(PeripheralKind(7)))
}

func TestStopScanning(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.m.StopScanning()
	signals, _ := f.settle()
	assert.Empty(t, signals)

	require.True(t, f.m.ScanForPeripheral(CompanionDevice))
	assert.Equal(t, "FFEF", f.radio.scanService)
	f.m.StopScanning()
	signals, states := f.settle()
	assert.Equal(t, []string{"scanBegan", "scanStopped"}, signals)
	assert.Equal(t, []State{StateScanning, StateIdle}, states)

	// late discovery after the scan stopped
	f.cb.Discovered(Peripheral{Address: "x", Name: "vBox", Services: []string{"FFEF"}})
	signals, states = f.settle()
	assert.Empty(t, signals)
	assert.Empty(t, states)
	assert.Equal(t, StateIdle, f.m.State())
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, Options{ConnectTimeout: 20 * time.Millisecond})
	require.True(t, f.m.ScanForPeripheral(OBDAdapter))
	f.cb.Discovered(obdPeripheral)
	<-f.radio.connected

	require.Eventually(t, func() bool {
		return f.m.State() == StateIdle
	}, time.Second, time.Millisecond)
	signals, states := f.settle()
	assert.Equal(t, []string{"scanBegan", "scanStopped"}, signals)
	assert.Equal(t, []State{StateScanning, StateConnecting, StateIdle}, states)
	assert.Contains(t, f.rec.lastLog(), "timed out")
	_, ok := f.m.Peripheral()
	assert.False(t, ok)
}

func TestConnectFailure(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	require.True(t, f.m.ScanForPeripheral(OBDAdapter))
	f.cb.Discovered(obdPeripheral)
	<-f.radio.connected
	f.radio.connectChan <- errors.New("le-connection-abort-by-local")

	require.Eventually(t, func() bool {
		return f.m.State() == StateIdle
	}, time.Second, time.Millisecond)
	f.settle()
	assert.Contains(t, f.rec.lastLog(), "failed to connect")
}

func TestStaleConnectIsDiscarded(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	require.True(t, f.m.ScanForPeripheral(OBDAdapter))
	f.cb.Discovered(obdPeripheral)
	<-f.radio.connected

	// the user gives up before the connection completes
	f.m.Disconnect()
	assert.Equal(t, StateDisconnected, f.m.State())
	f.settle()

	require.True(t, f.m.ScanForPeripheral(OBDAdapter))
	f.radio.connectChan <- nil
	time.Sleep(10 * time.Millisecond)
	signals, states := f.settle()
	assert.Equal(t, []string{"scanBegan"}, signals)
	assert.Equal(t, []State{StateScanning}, states)
	assert.Equal(t, StateScanning, f.m.State())
}

func TestPowerOffWhileConnected(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.cb.Notification(obd.Encode(obd.Packet{PID: obd.PIDSpeed, Values: []float32{40}}))
	f.settle()
	require.Equal(t, 1, f.stream.Len())

	f.cb.PowerState(PowerOff)
	signals, states := f.settle()
	assert.Equal(t, []string{"disconnected"}, signals)
	assert.Equal(t, []State{StatePoweredOff}, states)
	assert.Equal(t, 0, f.stream.Len())
	assert.False(t, f.m.ScanForPeripheral(OBDAdapter))

	f.cb.PowerState(PowerOn)
	_, states = f.settle()
	assert.Equal(t, []State{StateIdle}, states)
	assert.True(t, f.m.ScanForPeripheral(OBDAdapter))
}

func TestPowerOffWhileScanning(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	require.True(t, f.m.ScanForPeripheral(OBDAdapter))
	f.settle()

	f.cb.PowerState(PowerUnauthorized)
	signals, states := f.settle()
	assert.Equal(t, []string{"scanStopped"}, signals)
	assert.Equal(t, []State{StateUnauthorized}, states)
	assert.True(t, f.m.State().Terminal())
}

func TestScanRejectedWhileUnsupported(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.cb.PowerState(PowerUnsupported)
	_, states := f.settle()
	assert.Equal(t, []State{StateUnsupported}, states)

	assert.False(t, f.m.ScanForPeripheral(OBDAdapter))
	f.settle()
	assert.Contains(t, f.rec.lastLog(), "until the radio reports again")
	assert.False(t, f.radio.scanning)

	f.cb.PowerState(PowerOn)
	f.settle()
	assert.False(t, f.m.State().Terminal())
	assert.True(t, f.m.ScanForPeripheral(OBDAdapter))
}

func TestParsePeripheralKind(t *testing.T) {
	k, err := ParsePeripheralKind(" OBD ")
	require.NoError(t, err)
	assert.Equal(t, OBDAdapter, k)
	k, err = ParsePeripheralKind("beaglebone")
	require.NoError(t, err)
	assert.Equal(t, CompanionDevice, k)
	_, err = ParsePeripheralKind("toaster")
	assert.EqualError(t, err, `unknown peripheral kind "toaster"`)
}

func TestPowerOnReportedTwice(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)
	f.cb.PowerState(PowerOn)
	signals, states := f.settle()
	assert.Empty(t, signals)
	assert.Equal(t, []State{StateConnected}, states)
	assert.Equal(t, StateConnected, f.m.State())
}

func TestRadioDisconnect(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.connect(t)

	f.cb.Disconnected(Peripheral{Address: "ff:ff"}, nil)
	signals, _ := f.settle()
	assert.Empty(t, signals)

	f.cb.Disconnected(obdPeripheral, errors.New("link loss"))
	signals, states := f.settle()
	assert.Equal(t, []string{"disconnected"}, signals)
	assert.Equal(t, []State{StateDisconnected}, states)
	assert.Equal(t, 0, f.radio.disconnectCount())
}

func TestAdvertise(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	assert.True(t, f.m.AdvertisePeripheral("vBox"))
	assert.Equal(t, "vBox", f.radio.advertised)
	f.m.StopAdvertisingPeripheral()
	assert.Equal(t, "", f.radio.advertised)

	r := newRadioStub(PowerOff)
	m := NewManager(r, obd.NewDecoder(), diag.NewStream(), DefaultOptions())
	defer m.Close()
	assert.False(t, m.AdvertisePeripheral("vBox"))
}
