package config

import (
	"os"
	"path/filepath"
)

// DataDirEnv names the environment variable that relocates all on-disk state.
const DataDirEnv = "RENDITION_DATA_DIR"

// GetDataDir returns the directory where renditiond keeps its databases and
// disk caches. It is read on every call so tests and operators can move it
// without restarting the process.
// Priority: RENDITION_DATA_DIR environment variable > "./data" default
func GetDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	return "./data"
}

// GetCredentialsDBPath returns {DATA_DIR}/credentials.db, the pebble store
// holding mirror backend credentials.
func GetCredentialsDBPath() string {
	return filepath.Join(GetDataDir(), "credentials.db")
}

// GetFailuresDBPath returns {DATA_DIR}/failures.db.
func GetFailuresDBPath() string {
	return filepath.Join(GetDataDir(), "failures.db")
}

// GetSuccessDBPath returns {DATA_DIR}/success.db.
func GetSuccessDBPath() string {
	return filepath.Join(GetDataDir(), "success.db")
}

// GetImageCacheDir returns the default directory of the persistent rendition tier.
func GetImageCacheDir() string {
	return filepath.Join(GetDataDir(), "image-cache")
}

// GetCropCacheDir returns the default directory of the crop analysis cache.
func GetCropCacheDir() string {
	return filepath.Join(GetDataDir(), "crop-cache")
}

// GetScratchDir returns the directory the codec uses for intermediate files.
func GetScratchDir() string {
	return filepath.Join(GetDataDir(), "tmp")
}

// GetSourcesDir returns {DATA_DIR}/sources, the only place source images may
// be registered from unless sources.allowed says otherwise.
func GetSourcesDir() string {
	return filepath.Join(GetDataDir(), "sources")
}

// defaultAllowedSources matches every file below the absolute sources
// directory.
func defaultAllowedSources() []string {
	dir := GetSourcesDir()
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return []string{filepath.Join(dir, "*")}
}
