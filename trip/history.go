package trip

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"time"
)

var (
	ErrNotFinalized  = errors.New("trip is not finalized")
	ErrDuplicateTrip = errors.New("trip already in history")
	ErrForeignTrip   = errors.New("trip belongs to another history")
)

// DrivingHistory is the append-only, chronologically ordered archive of
// finalized trips. It is not safe for concurrent use; stores guard it.
type DrivingHistory struct {
	ID    uuid.UUID
	trips []*Trip
	index map[uuid.UUID]int
}

func NewDrivingHistory() *DrivingHistory {
	return NewDrivingHistoryWithID(uuid.New())
}

func NewDrivingHistoryWithID(id uuid.UUID) *DrivingHistory {
	return &DrivingHistory{
		ID:    id,
		index: map[uuid.UUID]int{},
	}
}

// Append adds a copy of t and records this history as its owner.
func (h *DrivingHistory) Append(t *Trip) error {
	if !t.Finalized() {
		return errors.Wrapf(ErrNotFinalized, "trip %s", t.ID)
	}
	if _, ok := h.index[t.ID]; ok {
		return errors.Wrapf(ErrDuplicateTrip, "trip %s", t.ID)
	}
	if t.HistoryID != uuid.Nil && t.HistoryID != h.ID {
		return errors.Wrapf(ErrForeignTrip, "trip %s owned by %s", t.ID, t.HistoryID)
	}
	c := t.Clone()
	c.HistoryID = h.ID
	h.index[c.ID] = len(h.trips)
	h.trips = append(h.trips, c)
	return nil
}

func (h *DrivingHistory) Len() int {
	return len(h.trips)
}

// Trips returns copies in insertion order.
func (h *DrivingHistory) Trips() []*Trip {
	out := make([]*Trip, len(h.trips))
	for i, t := range h.trips {
		out[i] = t.Clone()
	}
	return out
}

func (h *DrivingHistory) Trip(id uuid.UUID) (*Trip, bool) {
	i, ok := h.index[id]
	if !ok {
		return nil, false
	}
	return h.trips[i].Clone(), true
}

// TripOf resolves a location's back-reference.
func (h *DrivingHistory) TripOf(loc GPSLocation) (*Trip, bool) {
	return h.Trip(loc.TripID)
}

func (h *DrivingHistory) Clone() *DrivingHistory {
	c := NewDrivingHistoryWithID(h.ID)
	for _, t := range h.trips {
		c.index[t.ID] = len(c.trips)
		c.trips = append(c.trips, t.Clone())
	}
	return c
}

type Statistics struct {
	TripCount       int
	TotalDistance   float64
	TotalDuration   time.Duration
	AverageDistance float64
	AverageDuration time.Duration
	MaxSpeed        float64
	// mean of the average speed of trips that recorded fixes
	AverageSpeed float64
}

func (h *DrivingHistory) Statistics() Statistics {
	s := Statistics{TripCount: len(h.trips)}
	if len(h.trips) == 0 {
		return s
	}
	distances := make([]float64, 0, len(h.trips))
	var avgSpeeds, maxSpeeds []float64
	for _, t := range h.trips {
		distances = append(distances, t.TotalDistance)
		s.TotalDuration += t.Duration()
		if !t.Empty() {
			avgSpeeds = append(avgSpeeds, t.AvgSpeed)
			maxSpeeds = append(maxSpeeds, t.MaxSpeed)
		}
	}
	s.TotalDistance = floats.Sum(distances)
	s.AverageDistance = stat.Mean(distances, nil)
	s.AverageDuration = s.TotalDuration / time.Duration(len(h.trips))
	if len(avgSpeeds) > 0 {
		s.AverageSpeed = stat.Mean(avgSpeeds, nil)
		s.MaxSpeed = floats.Max(maxSpeeds)
	}
	return s
}
