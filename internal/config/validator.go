package config

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	BackendGoCV = "gocv"
	BackendGst  = "gst"

	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 10
	}

	// Pipeline: zero means unset
	if cfg.Pipeline.ScaleFactor == 0 {
		cfg.Pipeline.ScaleFactor = 0.5
	}
	if cfg.Pipeline.ScaleFactor < 0 || math.IsNaN(cfg.Pipeline.ScaleFactor) || math.IsInf(cfg.Pipeline.ScaleFactor, 0) {
		return fmt.Errorf("pipeline.scale_factor must be > 0, got %v", cfg.Pipeline.ScaleFactor)
	}
	if cfg.Pipeline.SkipRate == 0 {
		cfg.Pipeline.SkipRate = 1
	}
	if cfg.Pipeline.SkipRate < 1 {
		return fmt.Errorf("pipeline.skip_rate must be >= 1, got %d", cfg.Pipeline.SkipRate)
	}
	if cfg.Pipeline.BatchSize == 0 {
		cfg.Pipeline.BatchSize = 100
	}
	if cfg.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be >= 1, got %d", cfg.Pipeline.BatchSize)
	}

	if cfg.Video.Backend == "" {
		cfg.Video.Backend = BackendGoCV
	}
	if cfg.Video.Backend != BackendGoCV && cfg.Video.Backend != BackendGst {
		return fmt.Errorf("video.backend must be %q or %q, got %q", BackendGoCV, BackendGst, cfg.Video.Backend)
	}
	if cfg.Video.Codec == "" {
		cfg.Video.Codec = "mp4v"
	}
	if len(cfg.Video.Codec) != 4 {
		return fmt.Errorf("video.codec must be a fourcc, got %q", cfg.Video.Codec)
	}

	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := validateDatabase(&cfg.Database); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	acq := &cfg.Acquisition
	if acq.YtDlpPath == "" {
		acq.YtDlpPath = "yt-dlp"
	}
	if acq.FFmpegPath == "" {
		acq.FFmpegPath = "ffmpeg"
	}
	if acq.Format == "" {
		acq.Format = "bestvideo+bestaudio/best"
	}
	if acq.DownloadDir == "" {
		acq.DownloadDir = "downloads"
	}
	if acq.MaxRetries < 0 {
		return fmt.Errorf("acquisition.max_retries must be >= 0")
	}
	if acq.Timeout <= 0 {
		acq.Timeout = 10 * time.Minute
	}

	srv := &cfg.Server
	if srv.Addr == "" {
		srv.Addr = ":5000"
	}
	if srv.UploadDir == "" {
		srv.UploadDir = "uploads"
	}
	if srv.OutputDir == "" {
		srv.OutputDir = "outputs"
	}
	if srv.MaxUploadMB <= 0 {
		srv.MaxUploadMB = 512
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "bjj-posed"
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "bjj"
		}
	}

	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	return nil
}

func validateDetector(d *DetectorConfig) error {
	if d.PythonPath == "" {
		d.PythonPath = "python3"
	}
	if d.ScriptPath == "" {
		d.ScriptPath = "models/pose_worker.py"
	}
	if d.ModelComplexity < 0 || d.ModelComplexity > 2 {
		return fmt.Errorf("model_complexity must be 0, 1 or 2, got %d", d.ModelComplexity)
	}
	if d.MinDetectionConfidence == 0 {
		d.MinDetectionConfidence = 0.5
	}
	if d.MinTrackingConfidence == 0 {
		d.MinTrackingConfidence = 0.5
	}
	for name, v := range map[string]float64{
		"min_detection_confidence": d.MinDetectionConfidence,
		"min_tracking_confidence":  d.MinTrackingConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Second
	}
	return nil
}

func validateDatabase(d *DatabaseConfig) error {
	if d.Kind == "" {
		d.Kind = KindSQLite
	}
	switch d.Kind {
	case KindSQLite:
		if d.Path == "" {
			d.Path = "pose_data.db"
		}
	case KindPostgres:
		if d.Host == "" {
			d.Host = "db"
		}
		if d.Port == 0 {
			d.Port = 5432
		}
		if d.User == "" {
			d.User = "user"
		}
		if d.Password == "" {
			d.Password = "password"
		}
		if d.Name == "" {
			d.Name = "pose_db"
		}
		if d.SSLMode == "" {
			d.SSLMode = "disable"
		}
	default:
		return fmt.Errorf("kind must be %q or %q, got %q", KindSQLite, KindPostgres, d.Kind)
	}
	return nil
}

// applyEnv overrides file values with environment variables.
// lookup is os.LookupEnv outside of tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"DB_TYPE":     &cfg.Database.Kind,
		"DB_HOST":     &cfg.Database.Host,
		"DB_USER":     &cfg.Database.User,
		"DB_PASSWORD": &cfg.Database.Password,
		"DB_NAME":     &cfg.Database.Name,
		"DB_PATH":     &cfg.Database.Path,
		"MQTT_BROKER": &cfg.MQTT.Broker,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DB_PORT":    &cfg.Database.Port,
		"SKIP_RATE":  &cfg.Pipeline.SkipRate,
		"BATCH_SIZE": &cfg.Pipeline.BatchSize,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := lookup("SCALE_FACTOR"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("env SCALE_FACTOR: %w", err)
		}
		cfg.Pipeline.ScaleFactor = f
	}

	return nil
}
