// Package store provides HistoryStore implementations.
package store

import (
	"context"
	"github.com/jd3nn1s/vbox/trip"
	"sync"
)

// Memory keeps the driving history in process. It is used when no database
// is configured and in tests.
type Memory struct {
	mu      sync.Mutex
	history *trip.DrivingHistory
}

func NewMemory() *Memory {
	return &Memory{
		history: trip.NewDrivingHistory(),
	}
}

func (m *Memory) Append(ctx context.Context, t *trip.Trip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Append(t)
}

// History returns a copy that later appends do not affect.
func (m *Memory) History(ctx context.Context) (*trip.DrivingHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Clone(), nil
}
