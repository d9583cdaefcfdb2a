package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	MediaMTX  MediaMTXConfig  `yaml:"mediamtx"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Device    DeviceConfig    `yaml:"device"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Recording RecordingConfig `yaml:"recording"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	HTTPPort   int  `yaml:"http_port"`
	Production bool `yaml:"production"`
}

// MediaMTXConfig configures access to the remote media server's control API.
// Each operation kind carries its own deadline.
type MediaMTXConfig struct {
	APIURL             string `yaml:"api_url"`
	RTSPURL            string `yaml:"rtsp_url"`
	PathTimeoutSec     int    `yaml:"path_timeout_sec"`
	RecordTimeoutSec   int    `yaml:"record_timeout_sec"`
	SnapshotTimeoutSec int    `yaml:"snapshot_timeout_sec"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	FailureWindowSec int `yaml:"failure_window_sec"`
	CoolDownSec      int `yaml:"cool_down_sec"`
}

type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
	Jitter      float64 `yaml:"jitter"`
}

type DeviceConfig struct {
	DeviceDir       string `yaml:"device_dir"`
	DevicePrefix    string `yaml:"device_prefix"`
	ScanIntervalSec int    `yaml:"scan_interval_sec"`
	DebounceMs      int    `yaml:"debounce_ms"`
	EventSourceURL  string `yaml:"event_source_url"` // optional WebSocket push source
}

type SnapshotConfig struct {
	OutputDir           string `yaml:"output_dir"`
	DirectTimeoutSec    int    `yaml:"direct_timeout_sec"`
	TranscodeTimeoutSec int    `yaml:"transcode_timeout_sec"`
	StreamTimeoutSec    int    `yaml:"stream_timeout_sec"`
	OnDemandTimeoutSec  int    `yaml:"on_demand_timeout_sec"`
	DirectCommand       string `yaml:"direct_command"`
	TranscodeCommand    string `yaml:"transcode_command"`
	StreamCommand       string `yaml:"stream_command"`
}

type RecordingConfig struct {
	PathPattern string `yaml:"path_pattern"`
	Format      string `yaml:"format"`
	// PublishCommand runs on demand to feed a device into its media path;
	// {source} expands to the device node, {url} to the path's RTSP URL.
	PublishCommand string `yaml:"publish_command"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Load reads and validates the YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in values that may be omitted from the file.
func (c *Config) applyDefaults() {
	if c.MediaMTX.PathTimeoutSec == 0 {
		c.MediaMTX.PathTimeoutSec = 5
	}
	if c.MediaMTX.RecordTimeoutSec == 0 {
		c.MediaMTX.RecordTimeoutSec = 5
	}
	if c.MediaMTX.SnapshotTimeoutSec == 0 {
		c.MediaMTX.SnapshotTimeoutSec = 10
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.FailureWindowSec == 0 {
		c.Breaker.FailureWindowSec = 30
	}
	if c.Breaker.CoolDownSec == 0 {
		c.Breaker.CoolDownSec = 15
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 200
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 3000
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.2
	}
	if c.Device.DeviceDir == "" {
		c.Device.DeviceDir = "/dev"
	}
	if c.Device.DevicePrefix == "" {
		c.Device.DevicePrefix = "video"
	}
	if c.Device.ScanIntervalSec == 0 {
		c.Device.ScanIntervalSec = 10
	}
	if c.Device.DebounceMs == 0 {
		c.Device.DebounceMs = 500
	}
	if c.Snapshot.OutputDir == "" {
		c.Snapshot.OutputDir = "snapshots"
	}
	if c.Snapshot.DirectTimeoutSec == 0 {
		c.Snapshot.DirectTimeoutSec = 3
	}
	if c.Snapshot.TranscodeTimeoutSec == 0 {
		c.Snapshot.TranscodeTimeoutSec = 5
	}
	if c.Snapshot.StreamTimeoutSec == 0 {
		c.Snapshot.StreamTimeoutSec = 5
	}
	if c.Snapshot.OnDemandTimeoutSec == 0 {
		c.Snapshot.OnDemandTimeoutSec = 15
	}
	if c.Recording.PathPattern == "" {
		c.Recording.PathPattern = "recordings/%path/%Y-%m-%d_%H-%M-%S-%f"
	}
	if c.Recording.Format == "" {
		c.Recording.Format = "fmp4"
	}
	if c.Recording.PublishCommand == "" {
		c.Recording.PublishCommand = "ffmpeg -f v4l2 -i {source} -c:v libx264 -preset ultrafast -tune zerolatency -f rtsp {url}"
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.MediaMTX.APIURL == "" {
		return fmt.Errorf("mediamtx api_url must be set")
	}

	if c.MediaMTX.RTSPURL == "" {
		return fmt.Errorf("mediamtx rtsp_url must be set")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}

	if c.Device.ScanIntervalSec <= 0 {
		return fmt.Errorf("device scan_interval_sec must be positive")
	}

	return nil
}
