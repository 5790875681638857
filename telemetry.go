package vbox

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/jd3nn1s/vbox/ble"
	"github.com/jd3nn1s/vbox/diag"
	"github.com/jd3nn1s/vbox/trip"
	"strings"
)

// Telemetry is a point in time view of a Session.
type Telemetry struct {
	State      ble.State
	Peripheral string
	Notifying  bool

	Recording bool
	TripID    uuid.UUID
	Locations int
	// meters
	Distance float64

	LastFix     *trip.Fix
	Diagnostics diag.Snapshot
}

func (t Telemetry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s", t.State)
	if t.Peripheral != "" {
		fmt.Fprintf(&b, " peripheral=%s notifying=%t", t.Peripheral, t.Notifying)
	}
	if t.Recording {
		fmt.Fprintf(&b, " trip=%s locations=%d distance=%.0fm", t.TripID, t.Locations, t.Distance)
	}
	if t.LastFix != nil {
		fmt.Fprintf(&b, " fix=%.6f,%.6f speed=%.1f", t.LastFix.Latitude, t.LastFix.Longitude, t.LastFix.Speed)
	}
	for _, k := range t.Diagnostics.Kinds() {
		v, _ := t.Diagnostics.Get(k)
		fmt.Fprintf(&b, " %s=%.2f", k, v.Value)
	}
	return b.String()
}
