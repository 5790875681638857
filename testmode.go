package vbox

import (
	"context"
	"github.com/jd3nn1s/vbox/ble"
	"github.com/jd3nn1s/vbox/obd"
	"github.com/jd3nn1s/vbox/trip"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"math"
	"sync"
	"time"
)

const (
	simTick         = 250 * time.Millisecond
	simConnectDelay = 100 * time.Millisecond

	simAddress = "00:00:00:00:0B:D2"
	simName    = "OBDII"

	metersPerDegree = 111320.0
)

var simGPSInterval = time.Second

// SimRadio is a Radio with one simulated OBD adapter in range. Once
// connected with notifications enabled it sends a frame of ramping engine
// values every tick.
type SimRadio struct {
	tick         time.Duration
	connectDelay time.Duration
	events       chan func(ble.Callbacks)

	mu          sync.Mutex
	power       ble.PowerState
	scanning    bool
	connected   bool
	notify      bool
	advertising bool
	vehicle     simVehicle
}

func NewSimRadio() *SimRadio {
	return &SimRadio{
		tick:         simTick,
		connectDelay: simConnectDelay,
		events:       make(chan func(ble.Callbacks), 16),
		power:        ble.PowerOff,
	}
}

func (r *SimRadio) PowerState() ble.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.power
}

func (r *SimRadio) Start(ctx context.Context, cb ble.Callbacks) error {
	r.mu.Lock()
	r.power = ble.PowerOn
	r.mu.Unlock()
	if cb.PowerState != nil {
		cb.PowerState(ble.PowerOn)
	}

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.events:
			fn(cb)
		case <-ticker.C:
			if frame := r.frame(); frame != nil && cb.Notification != nil {
				cb.Notification(frame)
			}
		}
	}
}

func (r *SimRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.power = ble.PowerOff
	r.connected = false
	r.notify = false
	return nil
}

func (r *SimRadio) post(fn func(ble.Callbacks)) {
	select {
	case r.events <- fn:
	default:
		log.Warn("simulator event queue full, dropping event")
	}
}

func (r *SimRadio) StartScan(service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.power != ble.PowerOn {
		return errors.Errorf("bluetooth is %s", r.power)
	}
	r.scanning = true
	p := ble.Peripheral{
		Address:  simAddress,
		Name:     simName,
		RSSI:     -50,
		Services: []string{service},
	}
	r.post(func(cb ble.Callbacks) {
		r.mu.Lock()
		scanning := r.scanning
		r.mu.Unlock()
		if scanning && cb.Discovered != nil {
			cb.Discovered(p)
		}
	})
	return nil
}

func (r *SimRadio) StopScan() error {
	r.mu.Lock()
	r.scanning = false
	r.mu.Unlock()
	return nil
}

func (r *SimRadio) Connect(ctx context.Context, p ble.Peripheral) error {
	select {
	case <-time.After(r.connectDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Address != simAddress {
		return errors.Errorf("unknown peripheral %s", p.Address)
	}
	r.connected = true
	return nil
}

func (r *SimRadio) Disconnect(p ble.Peripheral) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	r.notify = false
	return nil
}

func (r *SimRadio) SetNotify(p ble.Peripheral, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return errors.New("not connected")
	}
	r.notify = enabled
	return nil
}

func (r *SimRadio) Advertise(service, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = true
	log.WithField("name", name).Debug("simulator advertising")
	return nil
}

func (r *SimRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	return nil
}

// frame advances the vehicle and encodes its packets, or returns nil when
// nobody is listening.
func (r *SimRadio) frame() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected || !r.notify {
		return nil
	}
	r.vehicle.step(r.tick)
	var frame []byte
	for _, p := range r.vehicle.packets() {
		frame = append(frame, obd.Encode(p)...)
	}
	return frame
}

type simVehicle struct {
	time uint32

	rpm     float32
	rpmDown bool

	speed     float32
	speedDown bool

	coolant     float32
	fuel        float32
	coolantDown bool
}

func (v *simVehicle) step(d time.Duration) {
	v.time += uint32(d / time.Millisecond)

	if v.rpmDown {
		v.rpm -= 100
	} else {
		v.rpm += 100
	}
	if v.rpm == 1800 {
		v.rpmDown = true
	} else if v.rpm == 0 {
		v.rpmDown = false
	}

	if v.speedDown {
		v.speed--
	} else {
		v.speed++
	}
	if v.speed == 100 {
		v.speedDown = true
	} else if v.speed == 0 {
		v.speedDown = false
	}

	if v.coolantDown {
		v.coolant -= 5
		v.fuel--
	} else {
		v.coolant += 5
		v.fuel++
	}
	if v.coolant == 120 {
		v.coolantDown = true
	} else if v.coolant == 0 {
		v.coolantDown = false
	}
}

func (v *simVehicle) packets() []obd.Packet {
	return []obd.Packet{
		{Time: v.time, PID: obd.PIDRPM, Values: []float32{v.rpm}},
		{Time: v.time, PID: obd.PIDSpeed, Values: []float32{v.speed}},
		{Time: v.time, PID: obd.PIDCoolantTemp, Values: []float32{v.coolant}},
		{Time: v.time, PID: obd.PIDFuelLevel, Values: []float32{v.fuel}},
		{Time: v.time, PID: obd.PIDAccelerometer, Values: []float32{v.speed / 1000}},
	}
}

// simGPS drives east from a fixed point, ramping speed up and down.
type simGPS struct {
	sendChan chan<- trip.Fix
	interval time.Duration

	fix  trip.Fix
	down bool
}

func (g *simGPS) Open() error {
	if g.fix.Timestamp.IsZero() {
		g.fix = trip.Fix{
			Latitude:           47.6062,
			Longitude:          -122.3321,
			Altitude:           50,
			HorizontalAccuracy: 5,
		}
	}
	return nil
}

func (g *simGPS) Close() error {
	return nil
}

func (g *simGPS) Start(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sendFix(g.sendChan, g.next(now))
		}
	}
}

func (g *simGPS) Name() string {
	return "simgps"
}

func (g *simGPS) next(now time.Time) trip.Fix {
	meters := g.fix.Speed / 3.6 * g.interval.Seconds()
	g.fix.Longitude += meters / (metersPerDegree * math.Cos(g.fix.Latitude*math.Pi/180))
	g.fix.Timestamp = now

	if g.down {
		g.fix.Speed -= 5
	} else {
		g.fix.Speed += 5
	}
	if g.fix.Speed >= 100 {
		g.down = true
	} else if g.fix.Speed <= 0 {
		g.down = false
	}
	return g.fix
}
