// Package config provides configuration management for shipper using Viper.
// It supports configuration from files, a .env file, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 8080
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 10
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultChunkSeconds     = 6
	defaultLookAhead        = 3
	defaultBitrate          = 128000
	defaultPrintTimeout     = 60 * time.Second
	defaultManifestListSize = 10
	defaultOutputFrameRate  = 48000
	defaultOutputChannels   = 2
	defaultTickInterval     = time.Second
	defaultHealthTimeout    = 60 * time.Second
	defaultWAVSeconds       = 30
	defaultStoreTimeout     = 30 * time.Second
	defaultStoreRetries     = 3
	defaultScratchMaxAge    = time.Hour
	defaultSegmentRetention = 24 * time.Hour
	defaultDiscoveryCron    = "@every 30s"
	defaultHousekeepingCron = "0 */10 * * * *"
)

// Run modes select which consumer receives mixed PCM.
const (
	ModeHLS      = "hls"
	ModePush     = "push"
	ModePlayback = "playback"
	ModeWAV      = "wav"
	ModeOff      = "off"
)

// PushDirName is the scratch subdirectory holding per-process push encoder output.
const PushDirName = "push"

// Manifest formats published in hls mode.
const (
	ManifestHLS  = "hls"
	ManifestDASH = "dash"
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Ship         ShipConfig         `mapstructure:"ship"`
	ObjectStore  ObjectStoreConfig  `mapstructure:"object_store"`
	FFmpeg       FFmpegConfig       `mapstructure:"ffmpeg"`
	Notifier     NotifierConfig     `mapstructure:"notifier"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`

	// RequestLogging logs every HTTP request. Errors are always logged.
	RequestLogging bool `mapstructure:"request_logging"`
}

// ShipConfig holds the chunk scheduling, mixing and publishing settings.
type ShipConfig struct {
	ChunkSeconds     int           `mapstructure:"chunk_seconds"`
	LookAhead        int           `mapstructure:"look_ahead"`
	Bitrate          int           `mapstructure:"bitrate"`
	PrintTimeout     time.Duration `mapstructure:"print_timeout"`
	ManifestListSize int           `mapstructure:"manifest_list_size"`
	Mode             string        `mapstructure:"mode"` // hls, push, playback, wav, off
	TempPrefix       string        `mapstructure:"temp_prefix"`
	OutputFrameRate  int           `mapstructure:"output_frame_rate"`
	OutputChannels   int           `mapstructure:"output_channels"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	StreamKeys       []string      `mapstructure:"stream_keys"`
	ManifestFormats  []string      `mapstructure:"manifest_formats"`
	IncludeInitMap   bool          `mapstructure:"include_init_map"`
	WAVSeconds       int           `mapstructure:"wav_seconds"`
	WAVPath          string        `mapstructure:"wav_path"`
}

// BitrateKbps returns the configured bitrate in kilobits, as used in object names.
func (c *ShipConfig) BitrateKbps() int {
	return c.Bitrate / 1000
}

// ChunkDuration returns the chunk length as a time.Duration.
func (c *ShipConfig) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkSeconds) * time.Second
}

// ScratchDir returns the directory scratch files are written to, the directory
// part of TempPrefix.
func (c *ShipConfig) ScratchDir() string {
	return filepath.Dir(c.TempPrefix + "x")
}

// ScratchFilePrefix returns the file name part of TempPrefix, possibly empty.
func (c *ShipConfig) ScratchFilePrefix() string {
	return strings.TrimSuffix(filepath.Base(c.TempPrefix+"x"), "x")
}

// PushScratchDir returns where a process's push encoder for streamKey writes.
func (c *ShipConfig) PushScratchDir(instanceID, streamKey string) string {
	return filepath.Join(c.ScratchDir(), PushDirName, instanceID, streamKey)
}

// HasManifestFormat reports whether the named manifest format is enabled.
func (c *ShipConfig) HasManifestFormat(format string) bool {
	for _, f := range c.ManifestFormats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// ObjectStoreConfig holds the blob store used for fragments and manifests.
type ObjectStoreConfig struct {
	Type          string        `mapstructure:"type"` // fs, http
	Bucket        string        `mapstructure:"bucket"`
	SourceBucket  string        `mapstructure:"source_bucket"` // fabricated segment waveforms
	BaseURL       string        `mapstructure:"base_url"`
	RootDir       string        `mapstructure:"root_dir"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	ServeMedia    bool          `mapstructure:"serve_media"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
	PlayerPath string `mapstructure:"player_path"` // Path to ffplay binary (empty = auto-detect)
	LogLevel   string `mapstructure:"log_level"`
}

// NotifierConfig selects where operational alerts go.
type NotifierConfig struct {
	Type  string      `mapstructure:"type"` // log, redis
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds the Redis pub/sub connection for the redis notifier.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// HousekeepingConfig holds the cron schedules for background maintenance.
type HousekeepingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Cron          string        `mapstructure:"cron"`           // 6-field cron for scratch cleanup
	DiscoveryCron string        `mapstructure:"discovery_cron"` // stream discovery refresh
	ScratchMaxAge time.Duration `mapstructure:"scratch_max_age"`

	// SegmentRetention is how long segment audio rows are kept after they end. Zero keeps them.
	SegmentRetention time.Duration `mapstructure:"segment_retention"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoadDotEnv loads variables from a .env file into the process environment.
// Existing variables are not overridden and a missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SHIPPER_ and use underscores for nesting.
// Example: SHIPPER_SHIP_CHUNK_SECONDS=4.
func Load(configPath string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/shipper")
		v.AddConfigPath("$HOME/.shipper")
	}

	v.SetEnvPrefix("SHIPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "shipper.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.request_logging", false)

	// Ship defaults
	v.SetDefault("ship.chunk_seconds", defaultChunkSeconds)
	v.SetDefault("ship.look_ahead", defaultLookAhead)
	v.SetDefault("ship.bitrate", defaultBitrate)
	v.SetDefault("ship.print_timeout", defaultPrintTimeout)
	v.SetDefault("ship.manifest_list_size", defaultManifestListSize)
	v.SetDefault("ship.mode", ModeHLS)
	v.SetDefault("ship.temp_prefix", "/tmp/shipper/")
	v.SetDefault("ship.output_frame_rate", defaultOutputFrameRate)
	v.SetDefault("ship.output_channels", defaultOutputChannels)
	v.SetDefault("ship.tick_interval", defaultTickInterval)
	v.SetDefault("ship.health_timeout", defaultHealthTimeout)
	v.SetDefault("ship.stream_keys", []string{})
	v.SetDefault("ship.manifest_formats", []string{ManifestHLS})
	v.SetDefault("ship.include_init_map", false)
	v.SetDefault("ship.wav_seconds", defaultWAVSeconds)
	v.SetDefault("ship.wav_path", "capture-{stream_key}.wav")

	// Object store defaults
	v.SetDefault("object_store.type", "fs")
	v.SetDefault("object_store.bucket", "stream")
	v.SetDefault("object_store.source_bucket", "waveforms")
	v.SetDefault("object_store.base_url", "")
	v.SetDefault("object_store.root_dir", "./data/objects")
	v.SetDefault("object_store.timeout", defaultStoreTimeout)
	v.SetDefault("object_store.retry_attempts", defaultStoreRetries)
	v.SetDefault("object_store.serve_media", false)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.player_path", "")
	v.SetDefault("ffmpeg.log_level", "error")

	// Notifier defaults
	v.SetDefault("notifier.type", "log")
	v.SetDefault("notifier.redis.address", "localhost:6379")
	v.SetDefault("notifier.redis.password", "")
	v.SetDefault("notifier.redis.db", 0)
	v.SetDefault("notifier.redis.channel", "shipper.alerts")

	// Housekeeping defaults
	v.SetDefault("housekeeping.enabled", true)
	v.SetDefault("housekeeping.cron", defaultHousekeepingCron)
	v.SetDefault("housekeeping.discovery_cron", defaultDiscoveryCron)
	v.SetDefault("housekeeping.scratch_max_age", defaultScratchMaxAge)
	v.SetDefault("housekeeping.segment_retention", defaultSegmentRetention)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := c.Ship.validate(); err != nil {
		return err
	}

	switch c.ObjectStore.Type {
	case "fs":
		if c.ObjectStore.RootDir == "" {
			return fmt.Errorf("object_store.root_dir is required for the fs store")
		}
	case "http":
		if c.ObjectStore.BaseURL == "" {
			return fmt.Errorf("object_store.base_url is required for the http store")
		}
	default:
		return fmt.Errorf("object_store.type must be one of: fs, http")
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket is required")
	}

	switch c.Notifier.Type {
	case "log":
	case "redis":
		if c.Notifier.Redis.Address == "" || c.Notifier.Redis.Channel == "" {
			return fmt.Errorf("notifier.redis.address and notifier.redis.channel are required")
		}
	default:
		return fmt.Errorf("notifier.type must be one of: log, redis")
	}

	return nil
}

func (c *ShipConfig) validate() error {
	if c.ChunkSeconds < 1 {
		return fmt.Errorf("ship.chunk_seconds must be at least 1")
	}
	if c.LookAhead < 1 {
		return fmt.Errorf("ship.look_ahead must be at least 1")
	}
	if c.Bitrate < 1000 {
		return fmt.Errorf("ship.bitrate must be at least 1000")
	}
	if c.PrintTimeout <= 0 {
		return fmt.Errorf("ship.print_timeout must be positive")
	}
	if c.ManifestListSize < 1 {
		return fmt.Errorf("ship.manifest_list_size must be at least 1")
	}
	validModes := map[string]bool{ModeHLS: true, ModePush: true, ModePlayback: true, ModeWAV: true, ModeOff: true}
	if !validModes[c.Mode] {
		return fmt.Errorf("ship.mode must be one of: hls, push, playback, wav, off")
	}
	if c.OutputFrameRate < 1 || c.OutputChannels < 1 {
		return fmt.Errorf("ship.output_frame_rate and ship.output_channels must be positive")
	}
	if int64(c.OutputFrameRate)*int64(c.ChunkSeconds) > math.MaxInt32 {
		return fmt.Errorf("ship.output_frame_rate * ship.chunk_seconds exceeds the 32-bit frame count")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("ship.tick_interval must be positive")
	}
	for _, f := range c.ManifestFormats {
		if f != ManifestHLS && f != ManifestDASH {
			return fmt.Errorf("ship.manifest_formats entries must be one of: hls, dash")
		}
	}
	if c.Mode == ModeWAV && c.WAVSeconds < 1 {
		return fmt.Errorf("ship.wav_seconds must be at least 1 in wav mode")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
