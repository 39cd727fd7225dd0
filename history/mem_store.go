package history

import (
	"slices"
	"sync"
)

// MemoryStore keeps run records in memory only.
type MemoryStore struct {
	limit   int
	mu      sync.Mutex
	records []RunRecord
}

// NewMemoryStore creates a store keeping at most limit records. A limit of
// zero or less uses the default.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &MemoryStore{limit: limit}
}

// Records returns a copy of the records, most recent first.
func (s *MemoryStore) Records() ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records), nil
}

// Get returns the record with id.
func (s *MemoryStore) Get(id string) (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, true, nil
		}
	}
	return RunRecord{}, false, nil
}

// Save prepends r, dropping the oldest record beyond the limit.
func (s *MemoryStore) Save(r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]RunRecord{r}, s.records...)
	if len(s.records) > s.limit {
		s.records = s.records[:s.limit]
	}
	return nil
}
