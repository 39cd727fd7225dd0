package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const recordFileTimeFormat = "2006-01-02T15-04-05.000"

// DiskStore persists run records to a directory, one JSON file per record.
type DiskStore struct {
	dir    string
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	records []RunRecord       // most recent first
	files   map[string]string // record id to file path
}

// NewDiskStore creates a new disk-backed store keeping at most limit
// records. The directory is created if it doesn't exist, and existing
// records are loaded.
func NewDiskStore(dir string, limit int, logger *slog.Logger) (*DiskStore, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &DiskStore{
		dir:    dir,
		logger: logger.With("component", "history"),
		limit:  limit,
		files:  make(map[string]string),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	if err := s.Reload(); err != nil {
		s.logger.Warn("failed to load existing records", "error", err)
	}
	return s, nil
}

// Records returns the stored records, most recent first.
func (s *DiskStore) Records() ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RunRecord, len(s.records))
	copy(result, s.records)
	return result, nil
}

// Get returns the record with id.
func (s *DiskStore) Get(id string) (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, true, nil
		}
	}
	return RunRecord{}, false, nil
}

// Save writes r to disk and evicts the oldest records past the limit.
func (s *DiskStore) Save(r RunRecord) error {
	if r.ID == "" {
		return fmt.Errorf("cannot save record without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	filename := r.CompletedAt.UTC().Format(recordFileTimeFormat) + "_" + r.ID + ".json"
	path := filepath.Join(s.dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}

	s.removeLocked(r.ID, path)
	s.records = append([]RunRecord{r}, s.records...)
	s.files[r.ID] = path

	for len(s.records) > s.limit {
		oldest := s.records[len(s.records)-1]
		s.records = s.records[:len(s.records)-1]
		s.deleteFileLocked(oldest.ID)
	}

	s.logger.Debug("saved record to disk", "path", path)
	return nil
}

// removeLocked drops an earlier record with id, keeping the file at keep.
func (s *DiskStore) removeLocked(id, keep string) {
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	if path, ok := s.files[id]; ok && path != keep {
		s.deleteFileLocked(id)
	}
}

func (s *DiskStore) deleteFileLocked(id string) {
	path, ok := s.files[id]
	if !ok {
		return
	}
	delete(s.files, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove record file", "path", path, "error", err)
	}
}

// Reload re-loads all records from disk.
func (s *DiskStore) Reload() error {
	records, files, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.files = files
	return nil
}

func (s *DiskStore) load() ([]RunRecord, map[string]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	records := make([]RunRecord, 0, min(len(entries), s.limit))
	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read record file", "file", path, "error", err)
			continue
		}

		var r RunRecord
		if err := json.Unmarshal(data, &r); err != nil || r.ID == "" {
			s.logger.Warn("failed to parse record file", "file", path, "error", err)
			continue
		}
		records = append(records, r)
		files[r.ID] = path
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CompletedAt.After(records[j].CompletedAt)
	})
	if len(records) > s.limit {
		for _, r := range records[s.limit:] {
			delete(files, r.ID)
		}
		records = records[:s.limit]
	}

	s.logger.Info("loaded run history from disk", "count", len(records))
	return records, files, nil
}
