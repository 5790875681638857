package trip

import (
	"context"
	"github.com/google/uuid"
	"github.com/jd3nn1s/vbox/diag"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"sync"
	"time"
)

const (
	DefaultMaxHorizontalAccuracy = 30.0
	DefaultMaxJumpMeters         = 500.0

	// movement below this is treated as GPS jitter
	minStepMeters = 2.0
)

var (
	ErrAlreadyRecording = errors.New("trip already recording")
	ErrNotRecording     = errors.New("no trip recording")
	ErrInaccurate       = errors.New("fix accuracy too low")
	ErrOutOfOrder       = errors.New("fix older than previous fix")
	ErrEmptyTrip        = errors.New("trip has no fixes")
)

// Snapshotter is the diagnostic source sampled on every fix.
type Snapshotter interface {
	Snapshot() diag.Snapshot
}

type Options struct {
	// fixes reporting a worse accuracy are skipped, 0 disables the check
	MaxHorizontalAccuracy float64
	// distance steps longer than this are not added to the trip distance
	MaxJumpMeters float64
	// drop trips without fixes instead of persisting them
	DiscardEmpty bool
}

func DefaultOptions() Options {
	return Options{
		MaxHorizontalAccuracy: DefaultMaxHorizontalAccuracy,
		MaxJumpMeters:         DefaultMaxJumpMeters,
	}
}

// Recorder builds one trip at a time from GPS fixes. All methods are safe
// for concurrent use; appends to the active trip are serialized.
type Recorder struct {
	mu     sync.Mutex
	source Snapshotter
	store  HistoryStore
	opts   Options
	now    func() time.Time

	active *Trip
	speeds []float64
	last   *GPSLocation
}

func NewRecorder(source Snapshotter, store HistoryStore, opts Options) *Recorder {
	return &Recorder{
		source: source,
		store:  store,
		opts:   opts,
		now:    time.Now,
	}
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Start begins a new trip and returns its ID.
func (r *Recorder) Start() (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return uuid.Nil, errors.Wrapf(ErrAlreadyRecording, "trip %s", r.active.ID)
	}
	r.active = &Trip{
		ID:        uuid.New(),
		StartTime: r.now(),
	}
	r.speeds = nil
	r.last = nil
	log.WithField("trip", r.active.ID).Info("trip recording started")
	return r.active.ID, nil
}

// Active returns a copy of the trip being recorded.
func (r *Recorder) Active() (*Trip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, false
	}
	return r.active.Clone(), true
}

// AddFix appends the fix, with the current diagnostic snapshot when there
// is one, to the active trip.
func (r *Recorder) AddFix(fix Fix) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ErrNotRecording
	}
	if r.opts.MaxHorizontalAccuracy > 0 && fix.HorizontalAccuracy > r.opts.MaxHorizontalAccuracy {
		return errors.Wrapf(ErrInaccurate, "%.1fm", fix.HorizontalAccuracy)
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = r.now()
	}
	if r.last != nil && fix.Timestamp.Before(r.last.Timestamp) {
		return errors.Wrapf(ErrOutOfOrder, "%s before %s", fix.Timestamp, r.last.Timestamp)
	}

	loc := GPSLocation{
		ID:                 uuid.New(),
		TripID:             r.active.ID,
		Latitude:           fix.Latitude,
		Longitude:          fix.Longitude,
		Altitude:           fix.Altitude,
		Speed:              fix.Speed,
		HorizontalAccuracy: fix.HorizontalAccuracy,
		Timestamp:          fix.Timestamp,
	}
	if r.source != nil {
		loc.Data = BluetoothDataFromSnapshot(r.source.Snapshot())
	}
	if r.last != nil {
		loc.MetersFromStart = r.last.MetersFromStart
		step := haversineMeters(r.last.Latitude, r.last.Longitude, fix.Latitude, fix.Longitude)
		if step >= minStepMeters && (r.opts.MaxJumpMeters <= 0 || step <= r.opts.MaxJumpMeters) {
			loc.MetersFromStart += step
		}
	}

	r.active.Locations = append(r.active.Locations, loc)
	r.speeds = append(r.speeds, fix.Speed)
	r.last = &r.active.Locations[len(r.active.Locations)-1]
	return nil
}

// Stop finalizes the active trip and hands it to the store. The recorder
// is idle afterwards even when persisting fails.
func (r *Recorder) Stop(ctx context.Context) (*Trip, error) {
	r.mu.Lock()
	t := r.active
	if t == nil {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	end := r.now()
	if end.Before(t.StartTime) {
		end = t.StartTime
	}
	t.EndTime = &end
	if len(r.speeds) > 0 {
		t.AvgSpeed = stat.Mean(r.speeds, nil)
		t.MaxSpeed = floats.Max(r.speeds)
		t.MinSpeed = floats.Min(r.speeds)
		t.TotalDistance = t.Locations[len(t.Locations)-1].MetersFromStart
	}
	r.active = nil
	r.speeds = nil
	r.last = nil
	r.mu.Unlock()

	logger := log.WithField("trip", t.ID).
		WithField("fixes", len(t.Locations)).
		WithField("duration", FormatDuration(t.Duration()))
	if t.Empty() && r.opts.DiscardEmpty {
		logger.Info("discarding trip without fixes")
		return t, ErrEmptyTrip
	}
	if r.store != nil {
		if err := r.store.Append(ctx, t); err != nil {
			return t, errors.Wrapf(err, "unable to store trip %s", t.ID)
		}
	}
	logger.WithField("avgSpeed", t.AvgSpeed).
		WithField("maxSpeed", t.MaxSpeed).
		Info("trip recording stopped")
	return t, nil
}
