package failures

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "failures.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFailureStore(t *testing.T) {
	s := openTestStore(t)

	err := s.StoreFailure(FailureRecord{
		TaskHash:       "task-1",
		DescriptorHash: "desc-1",
		Resolution:     640,
		Format:         "webp",
		Error:          "magick failed: exit status 1",
	})
	require.NoError(t, err)

	record, err := s.GetFailure("task-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "desc-1", record.DescriptorHash)
	assert.Equal(t, 640, record.Resolution)
	assert.WithinDuration(t, time.Now(), record.Timestamp, time.Minute)

	missing, err := s.GetFailure("non-existent")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.DeleteFailure("task-1"))
	record, err = s.GetFailure("task-1")
	require.NoError(t, err)
	assert.Nil(t, record)

	assert.Error(t, s.StoreFailure(FailureRecord{}))
	assert.NoError(t, s.CheckHealth())
}

func TestListAndCleanup(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.StoreFailure(FailureRecord{TaskHash: "old", Timestamp: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, s.StoreFailure(FailureRecord{TaskHash: "new"}))

	records, err := s.ListFailures()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	removed, err := s.CleanupOldRecords(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err = s.ListFailures()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].TaskHash)
}
