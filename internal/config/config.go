package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	QueueSize        int               `yaml:"queue_size"`         // Pending jobs accepted by the run worker (default: 8)
	ShutdownTimeoutS int               `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 10)
	Pipeline         PipelineConfig    `yaml:"pipeline"`
	Video            VideoConfig       `yaml:"video"`
	Detector         DetectorConfig    `yaml:"detector"`
	Database         DatabaseConfig    `yaml:"database"`
	Acquisition      AcquisitionConfig `yaml:"acquisition"`
	Server           ServerConfig      `yaml:"server"`
	MQTT             MQTTConfig        `yaml:"mqtt"`
	Log              LogConfig         `yaml:"log"`
}

// PipelineConfig contains the frame loop tunables
type PipelineConfig struct {
	ScaleFactor float64 `yaml:"scale_factor"` // Uniform resize ratio (default: 0.5)
	SkipRate    int     `yaml:"skip_rate"`    // Every n-th frame goes through inference (default: 1)
	BatchSize   int     `yaml:"batch_size"`   // Records buffered per insert (default: 100)
}

// VideoConfig selects the container backend
type VideoConfig struct {
	Backend string `yaml:"backend"` // gocv, gst
	Codec   string `yaml:"codec"`   // fourcc for the gocv writer (default: mp4v)
}

// DetectorConfig contains pose worker settings
type DetectorConfig struct {
	PythonPath             string        `yaml:"python_path"`
	ScriptPath             string        `yaml:"script_path"`
	ModelComplexity        int           `yaml:"model_complexity"`
	MinDetectionConfidence float64       `yaml:"min_detection_confidence"`
	MinTrackingConfidence  float64       `yaml:"min_tracking_confidence"`
	Timeout                time.Duration `yaml:"timeout"` // Per-frame inference timeout
}

// DatabaseConfig contains landmark store connection parameters
type DatabaseConfig struct {
	Kind     string `yaml:"kind"` // sqlite, postgres
	Path     string `yaml:"path"` // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// AcquisitionConfig contains remote download settings
type AcquisitionConfig struct {
	YtDlpPath   string        `yaml:"ytdlp_path"`
	FFmpegPath  string        `yaml:"ffmpeg_path"`
	Format      string        `yaml:"format"`
	DownloadDir string        `yaml:"download_dir"`
	MaxRetries  int           `yaml:"max_retries"`
	FFmpegTrim  bool          `yaml:"ffmpeg_trim"` // Trim locally when section download yields nothing
	Timeout     time.Duration `yaml:"timeout"`
}

// ServerConfig contains HTTP intake settings
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	UploadDir   string `yaml:"upload_dir"`
	OutputDir   string `yaml:"output_dir"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // Optional file copy of the JSON log stream
}

// Load reads configuration from a YAML file.
// A missing file is not an error: defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// PostgresDSN builds the connection string for the postgres kind.
func (d DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}
