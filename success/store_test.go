package success

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccessStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "success.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StoreSuccess(SuccessRecord{
		TaskHash:       "task-1",
		DescriptorHash: "desc-1",
		Resolution:     1280,
		Format:         "avif",
		Bytes:          4096,
		Tier:           "disk",
		DurationMs:     120,
	}))
	require.NoError(t, s.StoreSuccess(SuccessRecord{TaskHash: "task-2", DescriptorHash: "desc-2"}))

	record, err := s.GetSuccess("task-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 4096, record.Bytes)
	assert.Equal(t, "disk", record.Tier)
	assert.False(t, record.Timestamp.IsZero())

	missing, err := s.GetSuccess("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.ListSuccessRecords("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.ListSuccessRecords("desc-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "task-1", mine[0].TaskHash)

	assert.NoError(t, s.CheckHealth())
}

func TestSuccessCleanup(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "success.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StoreSuccess(SuccessRecord{TaskHash: "old", Timestamp: time.Now().Add(-31 * 24 * time.Hour)}))
	require.NoError(t, s.StoreSuccess(SuccessRecord{TaskHash: "fresh"}))

	removed, err := s.CleanupOldRecords(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	old, err := s.GetSuccess("old")
	require.NoError(t, err)
	assert.Nil(t, old)
}
