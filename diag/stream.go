// Package diag holds the live view of the most recent diagnostic readings.
package diag

import (
	"github.com/jd3nn1s/vbox/obd"
	"sort"
	"sync"
	"time"
)

type Value struct {
	Value      float64
	ReceivedAt time.Time
}

// Stream maps each diagnostic kind to its latest value. Writes are last
// write wins in arrival order.
type Stream struct {
	mu     sync.RWMutex
	values map[obd.Kind]Value
	now    func() time.Time
}

func NewStream() *Stream {
	return &Stream{
		values: map[obd.Kind]Value{},
		now:    time.Now,
	}
}

func (s *Stream) Update(kind obd.Kind, v float64) {
	s.mu.Lock()
	s.values[kind] = Value{Value: v, ReceivedAt: s.now()}
	s.mu.Unlock()
}

// UpdateBatch applies readings in order under one lock, so a snapshot never
// sees half of a multi-value packet.
func (s *Stream) UpdateBatch(readings []obd.Reading) {
	if len(readings) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, r := range readings {
		s.values[r.Kind] = Value{Value: r.Value, ReceivedAt: now}
	}
}

func (s *Stream) Clear() {
	s.mu.Lock()
	s.values = map[obd.Kind]Value{}
	s.mu.Unlock()
}

func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *Stream) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[obd.Kind]Value, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return Snapshot{
		values:  values,
		TakenAt: s.now(),
	}
}

// Snapshot is an immutable copy of a Stream.
type Snapshot struct {
	values  map[obd.Kind]Value
	TakenAt time.Time
}

func (s Snapshot) Get(kind obd.Kind) (Value, bool) {
	v, ok := s.values[kind]
	return v, ok
}

// Float returns a pointer to a copy of the value, nil when absent.
func (s Snapshot) Float(kind obd.Kind) *float64 {
	v, ok := s.values[kind]
	if !ok {
		return nil
	}
	f := v.Value
	return &f
}

func (s Snapshot) Len() int {
	return len(s.values)
}

func (s Snapshot) Empty() bool {
	return len(s.values) == 0
}

// Kinds returns the kinds present, sorted.
func (s Snapshot) Kinds() []obd.Kind {
	kinds := make([]obd.Kind, 0, len(s.values))
	for k := range s.values {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i] < kinds[j]
	})
	return kinds
}

// Merge combines snapshots into one. When a kind appears in more than one,
// the earliest snapshot in the argument list wins.
func Merge(snaps ...Snapshot) Snapshot {
	merged := Snapshot{values: map[obd.Kind]Value{}}
	for _, s := range snaps {
		for k, v := range s.values {
			if _, ok := merged.values[k]; !ok {
				merged.values[k] = v
			}
		}
		if s.TakenAt.After(merged.TakenAt) {
			merged.TakenAt = s.TakenAt
		}
	}
	return merged
}
