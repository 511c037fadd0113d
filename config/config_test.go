package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDirDefaultsAndEnv(t *testing.T) {
	t.Setenv(DataDirEnv, "")
	assert.Equal(t, "./data", GetDataDir())

	custom := filepath.Join(t.TempDir(), "state")
	t.Setenv(DataDirEnv, custom)

	assert.Equal(t, filepath.Join(custom, "credentials.db"), GetCredentialsDBPath())
	assert.Equal(t, filepath.Join(custom, "failures.db"), GetFailuresDBPath())
	assert.Equal(t, filepath.Join(custom, "success.db"), GetSuccessDBPath())
	assert.Equal(t, filepath.Join(custom, "image-cache"), GetImageCacheDir())
	assert.Equal(t, filepath.Join(custom, "crop-cache"), GetCropCacheDir())
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)
	t.Chdir(dir)

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", s.Server.ListenAddr)
	assert.Equal(t, "/images", s.Server.StaticPath)
	assert.Equal(t, 500, s.Cache.ResolutionThreshold)
	assert.Equal(t, 10000, s.Cache.MemoryMaxEntries)
	assert.Equal(t, 50, s.Cache.DiskCacheMB)
	assert.Equal(t, 3*time.Minute, s.Cache.PruneInterval)
	assert.Equal(t, time.Duration(0), s.Cache.MaxAge)
	assert.Equal(t, 320, s.Planner.MinWidth)
	assert.Equal(t, 1920, s.Planner.MaxWidth)
	assert.Equal(t, filepath.Join(dir, "image-cache"), s.Cache.ImageCacheDir)
	assert.False(t, s.Mirror.Enabled)
}

func TestLoadAllowsOnlySourcesDirByDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)
	t.Chdir(dir)

	s, err := Load()
	require.NoError(t, err)
	require.Len(t, s.Sources.Allowed, 1)
	pattern := s.Sources.Allowed[0]
	assert.True(t, filepath.IsAbs(pattern))
	assert.Equal(t, filepath.Join(dir, "sources", "*"), pattern)
	assert.NotEqual(t, "*", pattern)

	// a relative data dir still yields an absolute pattern
	t.Setenv(DataDirEnv, "./state")
	s, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "state", "sources", "*")}, s.Sources.Allowed)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)
	t.Chdir(dir)
	t.Setenv("RENDITION_CACHE_RESOLUTION_THRESHOLD", "800")
	t.Setenv("RENDITION_CACHE_PRUNE_INTERVAL", "30s")
	t.Setenv("RENDITION_SERVER_LOG_LEVEL", "debug")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 800, s.Cache.ResolutionThreshold)
	assert.Equal(t, 30*time.Second, s.Cache.PruneInterval)
	assert.Equal(t, "debug", s.Server.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)
	t.Chdir(dir)

	yaml := `
cache:
  disk_cache_mb: 128
mirror:
  enabled: true
  targets:
    - type: s3
      credentials_key: primary
      folder: renditions
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "renditiond.yaml"), []byte(yaml), 0644))

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 128, s.Cache.DiskCacheMB)
	require.Len(t, s.Mirror.Targets, 1)
	assert.Equal(t, "s3", s.Mirror.Targets[0].Type)
	assert.Equal(t, "primary", s.Mirror.Targets[0].CredentialsKey)
}

func TestValidateRejectsBadPlannerBounds(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)
	t.Chdir(dir)
	t.Setenv("RENDITION_PLANNER_MIN_WIDTH", "2000")

	_, err := Load()
	assert.Error(t, err)
}
