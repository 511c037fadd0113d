package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings holds everything the server needs. It is loaded once at startup by
// Load and then passed down explicitly; packages never read it globally.
type Settings struct {
	Server  ServerSettings  `mapstructure:"server"`
	Cache   CacheSettings   `mapstructure:"cache"`
	Planner PlannerSettings `mapstructure:"planner"`
	Sources SourceSettings  `mapstructure:"sources"`
	Mirror  MirrorSettings  `mapstructure:"mirror"`
}

type ServerSettings struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	StaticPath string `mapstructure:"static_path" validate:"required,startswith=/"`
	LogLevel   string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile    string `mapstructure:"log_file"`
	// JWTSecret protects the /admin routes. Empty disables them.
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type CacheSettings struct {
	// ResolutionThreshold splits the tiers: widths <= threshold live in memory.
	ResolutionThreshold int           `mapstructure:"resolution_threshold" validate:"gte=0"`
	MemoryMaxEntries    int           `mapstructure:"memory_max_entries" validate:"gt=0"`
	DiskCacheMB         int           `mapstructure:"disk_cache_mb" validate:"gt=0"`
	CropCacheMB         int           `mapstructure:"crop_cache_mb" validate:"gt=0"`
	ImageCacheDir       string        `mapstructure:"image_cache_dir"`
	CropCacheDir        string        `mapstructure:"crop_cache_dir"`
	PruneInterval       time.Duration `mapstructure:"prune_interval" validate:"gt=0"`
	MaxAge              time.Duration `mapstructure:"max_age" validate:"gte=0"`
	HashSeed            string        `mapstructure:"hash_seed"`
	MaxConcurrent       int           `mapstructure:"max_concurrent" validate:"gte=0"`
	ThumbnailSize       int           `mapstructure:"thumbnail_size" validate:"gt=0"`
}

type PlannerSettings struct {
	MinWidth int `mapstructure:"min_width" validate:"gt=0"`
	MaxWidth int `mapstructure:"max_width" validate:"gtfield=MinWidth"`
}

type SourceSettings struct {
	// Allowed holds glob patterns a source path must match to be registered.
	Allowed []string `mapstructure:"allowed" validate:"min=1"`
}

type MirrorSettings struct {
	Enabled bool           `mapstructure:"enabled"`
	Workers int            `mapstructure:"workers" validate:"gte=0"`
	Targets []MirrorTarget `mapstructure:"targets" validate:"dive"`
}

type MirrorTarget struct {
	Type           string `mapstructure:"type" validate:"oneof=directServe s3 gcs sftp minio"`
	CredentialsKey string `mapstructure:"credentials_key"`
	Folder         string `mapstructure:"folder"`
}

var defaults = map[string]interface{}{
	"server.listen_addr":         ":8080",
	"server.static_path":         "/images",
	"server.log_level":           "info",
	"server.log_file":            "",
	"server.jwt_secret":          "",
	"server.jwt_issuer":          "",
	"cache.resolution_threshold": 500,
	"cache.memory_max_entries":   10000,
	"cache.disk_cache_mb":        50,
	"cache.crop_cache_mb":        50,
	"cache.image_cache_dir":      "",
	"cache.crop_cache_dir":       "",
	"cache.prune_interval":       3 * time.Minute,
	"cache.max_age":              time.Duration(0),
	"cache.hash_seed":            "",
	"cache.max_concurrent":       0,
	"cache.thumbnail_size":       20,
	"planner.min_width":          320,
	"planner.max_width":          1920,
	"mirror.enabled":             false,
	"mirror.workers":             2,
}

// Load reads settings from defaults, an optional renditiond.{yaml,json,toml}
// in the working directory or the data directory, and RENDITION_* environment
// variables (e.g. RENDITION_CACHE_DISK_CACHE_MB), in increasing priority.
func Load() (*Settings, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetDefault("sources.allowed", defaultAllowedSources())

	v.SetConfigName("renditiond")
	v.AddConfigPath(".")
	v.AddConfigPath(GetDataDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("RENDITION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if s.Cache.ImageCacheDir == "" {
		s.Cache.ImageCacheDir = GetImageCacheDir()
	}
	if s.Cache.CropCacheDir == "" {
		s.Cache.CropCacheDir = GetCropCacheDir()
	}

	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks struct constraints on s.
func Validate(s *Settings) error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
