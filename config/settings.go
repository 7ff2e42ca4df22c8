package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/quay/zlog"
	"github.com/spf13/viper"

	"github.com/appupd/appupd"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// APPUPD_CACHE_DURATION.
const EnvPrefix = "APPUPD"

// Settings are the engine-wide scalars. Scalar durations are expressed in
// seconds on the wire and in the environment.
type Settings struct {
	// CacheDir roots the response cache, artifacts, tmp, and logs trees.
	CacheDir string `mapstructure:"cache_dir" validate:"required"`
	// CacheDuration is the response-cache TTL, seconds.
	CacheDuration int `mapstructure:"cache_duration" validate:"gt=0"`
	// Timeout is the per-attempt connect timeout, seconds.
	Timeout int `mapstructure:"timeout" validate:"gt=0"`
	// MaxRetries bounds attempts per request.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=1,lte=10"`
	// RetryDelay seeds the exponential backoff, seconds.
	RetryDelay int `mapstructure:"retry_delay" validate:"gte=0"`
	// RateLimit is the minimum spacing between outbound requests, seconds.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	UserAgent string  `mapstructure:"user_agent" validate:"required"`
	// MetaMultiplier scales Timeout into the total budget for metadata
	// requests; DownloadMultiplier does the same for artifact downloads.
	MetaMultiplier     int `mapstructure:"timeout_multiplier" validate:"gte=1"`
	DownloadMultiplier int `mapstructure:"download_timeout_multiplier" validate:"gte=1"`
	// MaxExtractMB caps total extracted archive size.
	MaxExtractMB int64 `mapstructure:"max_extract_mb" validate:"gt=0"`
	// BuildTimeout bounds each compile step, seconds.
	BuildTimeout int `mapstructure:"build_timeout" validate:"gt=0"`
	// BuildJobs is make's parallelism.
	BuildJobs int `mapstructure:"build_jobs" validate:"gte=1"`
	// CheckerTimeout bounds a custom checker invocation, seconds.
	CheckerTimeout int `mapstructure:"checker_timeout" validate:"gt=0"`
	// StaleCacheMinutes is the exit-sweep age threshold.
	StaleCacheMinutes int `mapstructure:"stale_cache_minutes" validate:"gt=0"`
}

func (s *Settings) CacheTTL() time.Duration       { return time.Duration(s.CacheDuration) * time.Second }
func (s *Settings) ConnectTimeout() time.Duration { return time.Duration(s.Timeout) * time.Second }
func (s *Settings) Backoff() time.Duration        { return time.Duration(s.RetryDelay) * time.Second }
func (s *Settings) Spacing() time.Duration {
	return time.Duration(s.RateLimit * float64(time.Second))
}
func (s *Settings) BuildBudget() time.Duration { return time.Duration(s.BuildTimeout) * time.Second }
func (s *Settings) CheckerBudget() time.Duration {
	return time.Duration(s.CheckerTimeout) * time.Second
}
func (s *Settings) StaleCacheAge() time.Duration {
	return time.Duration(s.StaleCacheMinutes) * time.Minute
}

// Derived locations under CacheDir.
func (s *Settings) ArtifactsDir() string { return filepath.Join(s.CacheDir, "artifacts") }
func (s *Settings) TmpDir() string       { return filepath.Join(s.CacheDir, "tmp") }
func (s *Settings) LogsDir() string      { return filepath.Join(s.CacheDir, "logs") }

// LoadSettings layers defaults, the optional network_settings.json in root,
// and APPUPD_* environment variables, later layers winning.
func LoadSettings(ctx context.Context, root string) (*Settings, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "config/LoadSettings")
	v := viper.New()
	cache := filepath.Join(xdgCacheHome(), "appupd")
	v.SetDefault("cache_dir", cache)
	v.SetDefault("cache_duration", 300)
	v.SetDefault("timeout", 10)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 2)
	v.SetDefault("rate_limit", 1.0)
	v.SetDefault("user_agent", "appupd/"+appupd.Version)
	v.SetDefault("timeout_multiplier", 4)
	v.SetDefault("download_timeout_multiplier", 10)
	v.SetDefault("max_extract_mb", 5000)
	v.SetDefault("build_timeout", 3600)
	v.SetDefault("build_jobs", 4)
	v.SetDefault("checker_timeout", 120)
	v.SetDefault("stale_cache_minutes", 60)

	v.SetConfigFile(filepath.Join(root, "network_settings.json"))
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, fs.ErrNotExist) {
			return nil, configErr("network_settings.json", err)
		}
		zlog.Debug(ctx).Msg("no network_settings.json, using defaults")
	}

	v.SetEnvPrefix(EnvPrefix)
	for _, key := range []string{
		"cache_dir", "cache_duration", "max_retries", "timeout",
		"user_agent", "rate_limit", "retry_delay",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	s := new(Settings)
	if err := v.Unmarshal(s); err != nil {
		return nil, configErr("network_settings.json", err)
	}
	if err := validator.New().Struct(s); err != nil {
		return nil, configErr("network settings", err)
	}
	zlog.Debug(ctx).
		Str("cache_dir", s.CacheDir).
		Int("cache_duration", s.CacheDuration).
		Msg("settings loaded")
	return s, nil
}

func xdgCacheHome() string {
	if d := os.Getenv("XDG_CACHE_HOME"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, ".cache")
}
