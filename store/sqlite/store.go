// Package sqlite persists the driving history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"github.com/google/uuid"
	"github.com/jd3nn1s/vbox/trip"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
	"time"
)

// Store holds a single driving history per database file.
type Store struct {
	db        *sql.DB
	historyID uuid.UUID
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "unable to apply %q", pragma)
		}
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.loadHistoryID(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithField("path", path).
		WithField("history", s.historyID).
		Info("opened trip database")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadHistoryID() error {
	var id string
	err := s.db.QueryRow(`SELECT id FROM driving_history ORDER BY created_at LIMIT 1`).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		s.historyID = uuid.New()
		_, err = s.db.Exec(`INSERT INTO driving_history (id, created_at) VALUES (?, ?)`,
			s.historyID.String(), time.Now().UnixNano())
		return errors.Wrap(err, "unable to create driving history")
	case err != nil:
		return errors.Wrap(err, "unable to read driving history")
	}
	s.historyID, err = uuid.Parse(id)
	return errors.Wrapf(err, "invalid driving history id %q", id)
}

func (s *Store) Append(ctx context.Context, t *trip.Trip) error {
	if !t.Finalized() {
		return errors.Wrapf(trip.ErrNotFinalized, "trip %s", t.ID)
	}
	if t.HistoryID != uuid.Nil && t.HistoryID != s.historyID {
		return errors.Wrapf(trip.ErrForeignTrip, "trip %s owned by %s", t.ID, t.HistoryID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "unable to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trips WHERE id = ?`, t.ID.String()).Scan(&exists); err != nil {
		return errors.Wrap(err, "unable to check trip")
	}
	if exists > 0 {
		return errors.Wrapf(trip.ErrDuplicateTrip, "trip %s", t.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trips (id, history_id, start_time, end_time, avg_speed, max_speed, min_speed, total_meters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), s.historyID.String(),
		t.StartTime.UnixNano(), t.EndTime.UnixNano(),
		t.AvgSpeed, t.MaxSpeed, t.MinSpeed, t.TotalDistance)
	if err != nil {
		return errors.Wrapf(err, "unable to insert trip %s", t.ID)
	}

	for _, l := range t.Locations {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO gps_locations (id, trip_id, latitude, longitude, altitude, speed, accuracy, meters_from_start, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID.String(), t.ID.String(), l.Latitude, l.Longitude, l.Altitude,
			l.Speed, l.HorizontalAccuracy, l.MetersFromStart, l.Timestamp.UnixNano())
		if err != nil {
			return errors.Wrapf(err, "unable to insert location %s", l.ID)
		}
		if l.Data == nil {
			continue
		}
		d := l.Data
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bluetooth_data (location_id, speed, ambient_temp, fuel, distance, barometric, rpm,
				coolant_temp, engine_load, intake_temp, throttle, accel_x, accel_y, accel_z)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID.String(), null(d.Speed), null(d.AmbientTemp), null(d.Fuel), null(d.Distance),
			null(d.Barometric), null(d.RPM), null(d.CoolantTemp), null(d.EngineLoad),
			null(d.IntakeTemp), null(d.Throttle), null(d.AccelX), null(d.AccelY), null(d.AccelZ))
		if err != nil {
			return errors.Wrapf(err, "unable to insert bluetooth data for %s", l.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "unable to commit trip")
}

func (s *Store) History(ctx context.Context) (*trip.DrivingHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_time, end_time, avg_speed, max_speed, min_speed, total_meters
		FROM trips WHERE history_id = ? ORDER BY seq`, s.historyID.String())
	if err != nil {
		return nil, errors.Wrap(err, "unable to query trips")
	}
	var trips []*trip.Trip
	for rows.Next() {
		var (
			id         string
			start, end int64
			t          trip.Trip
		)
		if err := rows.Scan(&id, &start, &end, &t.AvgSpeed, &t.MaxSpeed, &t.MinSpeed, &t.TotalDistance); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "unable to scan trip")
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			_ = rows.Close()
			return nil, errors.Wrapf(err, "invalid trip id %q", id)
		}
		t.HistoryID = s.historyID
		t.StartTime = time.Unix(0, start)
		endTime := time.Unix(0, end)
		t.EndTime = &endTime
		trips = append(trips, &t)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to read trips")
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "unable to read trips")
	}

	h := trip.NewDrivingHistoryWithID(s.historyID)
	for _, t := range trips {
		if t.Locations, err = s.locations(ctx, t.ID); err != nil {
			return nil, err
		}
		if err := h.Append(t); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (s *Store) locations(ctx context.Context, tripID uuid.UUID) ([]trip.GPSLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.latitude, l.longitude, l.altitude, l.speed, l.accuracy, l.meters_from_start, l.timestamp,
			b.location_id, b.speed, b.ambient_temp, b.fuel, b.distance, b.barometric, b.rpm,
			b.coolant_temp, b.engine_load, b.intake_temp, b.throttle, b.accel_x, b.accel_y, b.accel_z
		FROM gps_locations l
		LEFT JOIN bluetooth_data b ON b.location_id = l.id
		WHERE l.trip_id = ? ORDER BY l.seq`, tripID.String())
	if err != nil {
		return nil, errors.Wrapf(err, "unable to query locations of %s", tripID)
	}
	defer rows.Close()

	var locs []trip.GPSLocation
	for rows.Next() {
		var (
			id     string
			ts     int64
			dataID sql.NullString
			v      [13]sql.NullFloat64
			l      = trip.GPSLocation{TripID: tripID}
		)
		err := rows.Scan(&id, &l.Latitude, &l.Longitude, &l.Altitude, &l.Speed, &l.HorizontalAccuracy,
			&l.MetersFromStart, &ts, &dataID,
			&v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7], &v[8], &v[9], &v[10], &v[11], &v[12])
		if err != nil {
			return nil, errors.Wrap(err, "unable to scan location")
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrapf(err, "invalid location id %q", id)
		}
		l.Timestamp = time.Unix(0, ts)
		if dataID.Valid {
			l.Data = &trip.BluetoothData{
				Speed:       ptr(v[0]),
				AmbientTemp: ptr(v[1]),
				Fuel:        ptr(v[2]),
				Distance:    ptr(v[3]),
				Barometric:  ptr(v[4]),
				RPM:         ptr(v[5]),
				CoolantTemp: ptr(v[6]),
				EngineLoad:  ptr(v[7]),
				IntakeTemp:  ptr(v[8]),
				Throttle:    ptr(v[9]),
				AccelX:      ptr(v[10]),
				AccelY:      ptr(v[11]),
				AccelZ:      ptr(v[12]),
			}
		}
		locs = append(locs, l)
	}
	return locs, errors.Wrap(rows.Err(), "unable to read locations")
}

func null(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}
