// Package trip records GPS fixes merged with diagnostic snapshots into
// trips and keeps the ordered history of finalized trips.
package trip

import (
	"github.com/google/uuid"
	"github.com/jd3nn1s/vbox/diag"
	"github.com/jd3nn1s/vbox/obd"
	"time"
)

// Fix is an already resolved location from a GPS source.
type Fix struct {
	Latitude  float64
	Longitude float64
	// meters
	Altitude float64
	// km/h
	Speed float64
	// meters, 0 when the source does not report it
	HorizontalAccuracy float64
	Timestamp          time.Time
}

// BluetoothData is the diagnostic snapshot attached to a location. A nil
// field was not reported during the session.
type BluetoothData struct {
	Speed       *float64
	AmbientTemp *float64
	Fuel        *float64
	Distance    *float64
	Barometric  *float64
	RPM         *float64
	CoolantTemp *float64
	EngineLoad  *float64
	IntakeTemp  *float64
	Throttle    *float64
	AccelX      *float64
	AccelY      *float64
	AccelZ      *float64
}

// BluetoothDataFromSnapshot returns nil for an empty snapshot.
func BluetoothDataFromSnapshot(s diag.Snapshot) *BluetoothData {
	if s.Empty() {
		return nil
	}
	return &BluetoothData{
		Speed:       s.Float(obd.KindSpeed),
		AmbientTemp: s.Float(obd.KindAmbientTemp),
		Fuel:        s.Float(obd.KindFuelLevel),
		Distance:    s.Float(obd.KindDistance),
		Barometric:  s.Float(obd.KindBarometric),
		RPM:         s.Float(obd.KindRPM),
		CoolantTemp: s.Float(obd.KindCoolantTemp),
		EngineLoad:  s.Float(obd.KindEngineLoad),
		IntakeTemp:  s.Float(obd.KindIntakeTemp),
		Throttle:    s.Float(obd.KindThrottle),
		AccelX:      s.Float(obd.KindAccelX),
		AccelY:      s.Float(obd.KindAccelY),
		AccelZ:      s.Float(obd.KindAccelZ),
	}
}

func (b *BluetoothData) clone() *BluetoothData {
	if b == nil {
		return nil
	}
	cp := func(f *float64) *float64 {
		if f == nil {
			return nil
		}
		v := *f
		return &v
	}
	return &BluetoothData{
		Speed:       cp(b.Speed),
		AmbientTemp: cp(b.AmbientTemp),
		Fuel:        cp(b.Fuel),
		Distance:    cp(b.Distance),
		Barometric:  cp(b.Barometric),
		RPM:         cp(b.RPM),
		CoolantTemp: cp(b.CoolantTemp),
		EngineLoad:  cp(b.EngineLoad),
		IntakeTemp:  cp(b.IntakeTemp),
		Throttle:    cp(b.Throttle),
		AccelX:      cp(b.AccelX),
		AccelY:      cp(b.AccelY),
		AccelZ:      cp(b.AccelZ),
	}
}

type GPSLocation struct {
	ID uuid.UUID
	// owning trip, resolved through DrivingHistory.TripOf
	TripID             uuid.UUID
	Latitude           float64
	Longitude          float64
	Altitude           float64
	Speed              float64
	HorizontalAccuracy float64
	MetersFromStart    float64
	Timestamp          time.Time
	Data               *BluetoothData
}

// Trip is one recording session. Once EndTime is set the trip is final and
// must not be modified; DrivingHistory only hands out copies.
type Trip struct {
	ID uuid.UUID
	// owning history, set by DrivingHistory.Append
	HistoryID uuid.UUID
	StartTime time.Time
	EndTime   *time.Time

	AvgSpeed float64
	MaxSpeed float64
	MinSpeed float64
	// meters
	TotalDistance float64

	Locations []GPSLocation
}

func (t *Trip) Finalized() bool {
	return t.EndTime != nil
}

// Empty reports a trip without fixes; its speed aggregates are 0 and carry
// no meaning.
func (t *Trip) Empty() bool {
	return len(t.Locations) == 0
}

// Duration is zero until the trip is finalized.
func (t *Trip) Duration() time.Duration {
	if t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

func (t *Trip) Clone() *Trip {
	c := *t
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	c.Locations = make([]GPSLocation, len(t.Locations))
	for i, l := range t.Locations {
		l.Data = l.Data.clone()
		c.Locations[i] = l
	}
	return &c
}
