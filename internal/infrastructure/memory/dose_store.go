// Package memory provides in-process stores used when no database is
// configured and in tests. They honour the same contracts as the Postgres
// implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// slotKey identifies a slot by its wall-clock reading, mirroring a
// TIMESTAMP WITHOUT TIME ZONE primary key.
type slotKey struct {
	medicationID string
	wall         string
}

const wallLayout = "2006-01-02T15:04:05"

func keyOf(medicationID string, at time.Time) slotKey {
	return slotKey{medicationID: medicationID, wall: at.Format(wallLayout)}
}

type doseStore struct {
	mu      sync.RWMutex
	records map[slotKey]dose.Record
}

func NewDoseStore() dose.Store {
	return &doseStore{records: make(map[slotKey]dose.Record)}
}

func (s *doseStore) Find(ctx context.Context, medicationID string, scheduledAt time.Time) (*dose.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[keyOf(medicationID, scheduledAt)]
	if !ok {
		return nil, dose.ErrRecordNotFound
	}
	return &rec, nil
}

func (s *doseStore) FindRange(ctx context.Context, medicationID string, from, to schedule.Date) ([]dose.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dose.Record, 0)
	for k, rec := range s.records {
		if k.medicationID != medicationID {
			continue
		}
		d := schedule.DateOf(rec.ScheduledAt)
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

func (s *doseStore) Insert(ctx context.Context, rec dose.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(rec.MedicationID, rec.ScheduledAt)
	if _, exists := s.records[k]; exists {
		return dose.ErrConflict
	}
	s.records[k] = rec
	return nil
}

func (s *doseStore) MarkTaken(ctx context.Context, medicationID string, scheduledAt, markedAt time.Time) (*dose.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(medicationID, scheduledAt)
	rec, exists := s.records[k]
	if exists && rec.Taken {
		return nil, dose.ErrAlreadyTaken
	}
	if !exists {
		rec = dose.Record{MedicationID: medicationID, ScheduledAt: scheduledAt}
	}
	marked := markedAt
	rec.Taken = true
	rec.MarkedAt = &marked
	s.records[k] = rec

	out := rec
	return &out, nil
}
