// Package vbox wires the BLE diagnostics link, the GPS and wired vehicle
// sources and the trip recorder into one running session.
package vbox

import (
	"context"
	"github.com/google/uuid"
	"github.com/jd3nn1s/vbox/ble"
	"github.com/jd3nn1s/vbox/config"
	"github.com/jd3nn1s/vbox/diag"
	"github.com/jd3nn1s/vbox/obd"
	"github.com/jd3nn1s/vbox/trip"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"sync"
)

const fixChannelSize = 16

type Session struct {
	cfg      *config.Config
	radio    ble.Radio
	// stream holds BLE values and feeds trip locations. wired holds the
	// K-line and CAN values, which survive a BLE disconnect.
	stream   *diag.Stream
	wired    *diag.Stream
	manager  *ble.Manager
	observer *sessionObserver
	recorder *trip.Recorder
	store    trip.HistoryStore
	fixChan  chan trip.Fix
	testMode bool

	mu      sync.Mutex
	lastFix *trip.Fix
}

// NewSession builds the connection manager and trip recorder around radio
// and store. The radio is owned by the session from here on.
func NewSession(cfg *config.Config, radio ble.Radio, store trip.HistoryStore) *Session {
	stream := diag.NewStream()
	opts := ble.DefaultOptions()
	opts.ConnectTimeout = cfg.BLE.ConnectTimeout.Duration
	opts.AutoNotify = cfg.BLE.AutoNotify

	s := &Session{
		cfg:     cfg,
		radio:   radio,
		stream:  stream,
		wired:   diag.NewStream(),
		manager: ble.NewManager(radio, obd.NewDecoder(), stream, opts),
		recorder: trip.NewRecorder(stream, store, trip.Options{
			MaxHorizontalAccuracy: cfg.Trip.MaxHorizontalAccuracy,
			MaxJumpMeters:         cfg.Trip.MaxJumpMeters,
			DiscardEmpty:          cfg.Trip.DiscardEmpty,
		}),
		store:   store,
		fixChan: make(chan trip.Fix, fixChannelSize),
	}
	s.observer = newSessionObserver(s.manager, cfg)
	s.manager.SetObserver(s.observer)
	return s
}

// SetTestMode replaces the GPS and wired sources with the simulator. The
// radio passed to NewSession is still used.
func (s *Session) SetTestMode(testMode bool) {
	s.testMode = testMode
}

func (s *Session) Manager() *ble.Manager {
	return s.manager
}

// Run starts every configured source and handles fixes until ctx is done.
// Any active trip is stopped and stored before Run returns.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, r := range s.retryables() {
		r := r
		log.WithField("source", r.Name()).Info("starting source")
		g.Go(func() error {
			return runRetryable(ctx, r)
		})
	}
	g.Go(func() error {
		s.handleFixes(ctx)
		return nil
	})

	err := g.Wait()
	if s.recorder.Recording() {
		// ctx is done, store with a fresh one
		if _, serr := s.StopTrip(context.Background()); serr != nil && errors.Cause(serr) != trip.ErrEmptyTrip {
			log.WithError(serr).Error("unable to store active trip")
		}
	}
	s.observer.close()
	s.manager.Close()
	if cerr := s.radio.Close(); cerr != nil {
		log.WithError(cerr).Warn("unable to close radio")
	}
	return err
}

func (s *Session) retryables() []Retryable {
	rs := []Retryable{&bleRetryable{
		radio: s.radio,
		cb:    s.manager.Callbacks(),
	}}
	if s.testMode {
		return append(rs, &simGPS{
			sendChan: s.fixChan,
			interval: simGPSInterval,
		})
	}

	switch s.cfg.GPS.Type {
	case config.GPSSkyTraq:
		rs = append(rs, &gpsRetryable{
			port:     s.cfg.GPS.Port,
			maxHDOP:  s.cfg.GPS.MaxHDOP,
			sendChan: s.fixChan,
		})
	case config.GPSNMEA:
		rs = append(rs, &nmeaRetryable{
			port:     s.cfg.GPS.Port,
			baudRate: s.cfg.GPS.BaudRate,
			maxHDOP:  s.cfg.GPS.MaxHDOP,
			sendChan: s.fixChan,
		})
	}
	if s.cfg.ECU.Enabled {
		rs = append(rs, &ecuRetryable{
			port:   s.cfg.ECU.Port,
			stream: s.wired,
		})
	}
	if s.cfg.CAN.Enabled {
		rs = append(rs, &canBus{
			port:   s.cfg.CAN.Interface,
			stream: s.wired,
		})
	}
	return rs
}

// handleFixes is the only consumer of fixChan, so fixes reach the recorder
// in arrival order.
func (s *Session) handleFixes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix := <-s.fixChan:
			s.handleFix(fix)
		}
	}
}

func (s *Session) handleFix(fix trip.Fix) {
	s.mu.Lock()
	s.lastFix = &fix
	s.mu.Unlock()

	err := s.recorder.AddFix(fix)
	switch errors.Cause(err) {
	case nil, trip.ErrNotRecording:
	default:
		log.WithError(err).Debug("fix not recorded")
	}
}

func (s *Session) StartTrip() (uuid.UUID, error) {
	return s.recorder.Start()
}

// StopTrip finalizes the active trip and stores it.
func (s *Session) StopTrip(ctx context.Context) (*trip.Trip, error) {
	return s.recorder.Stop(ctx)
}

func (s *Session) History(ctx context.Context) (*trip.DrivingHistory, error) {
	return s.store.History(ctx)
}

func (s *Session) Telemetry() Telemetry {
	t := Telemetry{
		State:       s.manager.State(),
		Notifying:   s.manager.Notifying(),
		Diagnostics: diag.Merge(s.stream.Snapshot(), s.wired.Snapshot()),
	}
	if p, ok := s.manager.Peripheral(); ok {
		t.Peripheral = p.String()
	}
	if active, ok := s.recorder.Active(); ok {
		t.Recording = true
		t.TripID = active.ID
		t.Locations = len(active.Locations)
		if n := len(active.Locations); n > 0 {
			t.Distance = active.Locations[n-1].MetersFromStart
		}
	}
	s.mu.Lock()
	if s.lastFix != nil {
		fix := *s.lastFix
		t.LastFix = &fix
	}
	s.mu.Unlock()
	return t
}

// bleRetryable runs the radio event loop into the manager. The radio is
// opened by the caller and closed by the session.
type bleRetryable struct {
	radio ble.Radio
	cb    ble.Callbacks
}

func (b *bleRetryable) Open() error {
	return nil
}

func (b *bleRetryable) Close() error {
	return nil
}

func (b *bleRetryable) Start(ctx context.Context) error {
	return b.radio.Start(ctx, b.cb)
}

func (b *bleRetryable) Name() string {
	return "ble"
}
