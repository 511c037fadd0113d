package failures

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pebble "github.com/cockroachdb/pebble"
)

// FailureRecord represents a rendition that could not be produced
type FailureRecord struct {
	TaskHash       string    `json:"taskHash"`
	DescriptorHash string    `json:"descriptorHash"`
	Resolution     int       `json:"resolution"`
	Format         string    `json:"format"`
	Error          string    `json:"error"`
	Timestamp      time.Time `json:"timestamp"`
}

// Store is the failure ledger, keyed by task hash. A newer failure of the
// same task replaces the older record.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the failure ledger at dbPath
func Open(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open failure store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the failure store
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StoreFailure records a failure, stamping it with the current time if the
// record has none
func (s *Store) StoreFailure(record FailureRecord) error {
	if record.TaskHash == "" {
		return errors.New("failure record without task hash")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	return s.db.Set([]byte(record.TaskHash), data, pebble.Sync)
}

// GetFailure retrieves a failure record by task hash. A missing record is
// returned as nil without error.
func (s *Store) GetFailure(taskHash string) (*FailureRecord, error) {
	data, closer, err := s.db.Get([]byte(taskHash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get failure: %w", err)
	}
	defer closer.Close()

	var record FailureRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failure record: %w", err)
	}
	return &record, nil
}

// DeleteFailure removes a failure record
func (s *Store) DeleteFailure(taskHash string) error {
	return s.db.Delete([]byte(taskHash), pebble.Sync)
}

// ListFailures returns all failure records (for admin purposes)
func (s *Store) ListFailures() ([]FailureRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []FailureRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var record FailureRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue // Skip invalid records
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iteration error: %w", err)
	}
	return records, nil
}

// CleanupOldRecords removes failure records older than maxAge and returns how
// many were removed
func (s *Store) CleanupOldRecords(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var record FailureRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue
		}
		if record.Timestamp.Before(cutoff) {
			if err := batch.Delete(iter.Key(), nil); err != nil {
				iter.Close()
				return 0, err
			}
			removed++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to delete old failure records: %w", err)
	}
	return removed, nil
}

// CheckHealth performs a basic read against the failure database
func (s *Store) CheckHealth() error {
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}
