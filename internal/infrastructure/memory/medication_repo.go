package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// MedicationRepo is an in-memory medication.Repository and medication.Writer.
type MedicationRepo struct {
	mu   sync.RWMutex
	byID map[string]medication.Medication
	now  func() time.Time
}

func NewMedicationRepo() *MedicationRepo {
	return &MedicationRepo{
		byID: make(map[string]medication.Medication),
		now:  time.Now,
	}
}

func (r *MedicationRepo) GetByID(ctx context.Context, id string) (*medication.Medication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, medication.ErrNotFound
	}
	return &m, nil
}

func (r *MedicationRepo) ListActive(ctx context.Context) ([]medication.Medication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]medication.Medication, 0, len(r.byID))
	for _, m := range r.byID {
		if m.Active {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MedicationRepo) Upsert(ctx context.Context, m *medication.Medication) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m.Rule = m.Rule.Normalized()
	m.UpdatedAt = r.now()
	r.byID[m.ID] = *m
	return nil
}
