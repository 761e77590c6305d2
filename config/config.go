// Package config loads posepipe settings from defaults, an optional YAML file
// and POSEPIPE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind selects the inference backend
type BackendKind string

const (
	BackendRKNN BackendKind = "rknn"
	BackendNull BackendKind = "null"
)

// StoreKind selects where archive units are written
type StoreKind string

const (
	StoreFS StoreKind = "fs"
	StoreS3 StoreKind = "s3"
)

// Config holds all runtime settings
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Input    InputConfig    `yaml:"input"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Backend  BackendConfig  `yaml:"backend"`
	Present  PresentConfig  `yaml:"present"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type InputConfig struct {
	// URI is a video file, image file, directory of images or camera index
	URI  string `yaml:"uri"`
	Loop bool   `yaml:"loop"`
}

type PipelineConfig struct {
	// Slots is the number of inference requests kept in flight
	Slots        int           `yaml:"slots"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type BackendConfig struct {
	Kind BackendKind `yaml:"kind"`
	RKNN RKNNConfig  `yaml:"rknn"`
}

type RKNNConfig struct {
	Model    string `yaml:"model"`
	Platform string `yaml:"platform"`
	// CPUAffinity is one of fast, slow, all or none
	CPUAffinity  string  `yaml:"cpu_affinity"`
	BoxThreshold float32 `yaml:"box_threshold"`
	NMSThreshold float32 `yaml:"nms_threshold"`
}

type PresentConfig struct {
	Show bool `yaml:"show"`
	// Output is a video file the annotated frames are written to
	Output string `yaml:"output"`
	// OutputLimit caps the frames written to Output, 0 is unlimited
	OutputLimit int     `yaml:"output_limit"`
	OutputFPS   float64 `yaml:"output_fps"`
	// StreamAddr serves an MJPEG stream of annotated frames when set
	StreamAddr string `yaml:"stream_addr"`
	// Raw logs every pose's keypoints
	Raw bool `yaml:"raw"`
	// Threshold is the keypoint score needed to draw a limb
	Threshold float32 `yaml:"threshold"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	Window        time.Duration `yaml:"window"`
	Compress      bool          `yaml:"compress"`
	FailurePolicy string        `yaml:"failure_policy"`
	MaxRetained   int           `yaml:"max_retained"`
	Store         StoreKind     `yaml:"store"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PathStyle       bool   `yaml:"path_style"`
}

type MetricsConfig struct {
	// Addr serves /metrics and /healthz when set
	Addr string `yaml:"addr"`
}

// Default returns the built in settings
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Pipeline: PipelineConfig{
			Slots:        3,
			PollInterval: 100 * time.Millisecond,
			DrainTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			Kind: BackendRKNN,
			RKNN: RKNNConfig{
				Model:        "../data/models/rk3588/yolov8n-pose-rk3588.rknn",
				Platform:     "rk3588",
				CPUAffinity:  "fast",
				BoxThreshold: 0.25,
				NMSThreshold: 0.45,
			},
		},
		Present: PresentConfig{
			Show:        true,
			OutputLimit: 1000,
			OutputFPS:   30,
			Threshold:   0.1,
		},
		Archive: ArchiveConfig{
			Dir:           "./archive",
			Window:        30 * time.Minute,
			FailurePolicy: "retain",
			MaxRetained:   8,
			Store:         StoreFS,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
	}
}

// Load applies the YAML file at path, if given, over the defaults followed by
// environment overrides, then validates the result
func Load(path string) (*Config, error) {

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)

		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		err = yaml.Unmarshal(data, cfg)

		if err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	err := cfg.applyEnv()

	if err != nil {
		return nil, err
	}

	err = cfg.Validate()

	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides settings from POSEPIPE_* environment variables
func (c *Config) applyEnv() error {

	c.Log.Level = getEnv("POSEPIPE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("POSEPIPE_LOG_FORMAT", c.Log.Format)

	c.Input.URI = getEnv("POSEPIPE_INPUT_URI", c.Input.URI)
	c.Input.Loop = getEnvBool("POSEPIPE_INPUT_LOOP", c.Input.Loop)

	c.Pipeline.Slots = getEnvInt("POSEPIPE_PIPELINE_SLOTS", c.Pipeline.Slots)

	var errs []error
	var err error

	c.Pipeline.PollInterval, err = getEnvDuration("POSEPIPE_PIPELINE_POLL_INTERVAL", c.Pipeline.PollInterval)
	errs = append(errs, err)

	c.Pipeline.DrainTimeout, err = getEnvDuration("POSEPIPE_PIPELINE_DRAIN_TIMEOUT", c.Pipeline.DrainTimeout)
	errs = append(errs, err)

	c.Backend.Kind = BackendKind(getEnv("POSEPIPE_BACKEND_KIND", string(c.Backend.Kind)))
	c.Backend.RKNN.Model = getEnv("POSEPIPE_BACKEND_RKNN_MODEL", c.Backend.RKNN.Model)
	c.Backend.RKNN.Platform = getEnv("POSEPIPE_BACKEND_RKNN_PLATFORM", c.Backend.RKNN.Platform)
	c.Backend.RKNN.CPUAffinity = getEnv("POSEPIPE_BACKEND_RKNN_CPU_AFFINITY", c.Backend.RKNN.CPUAffinity)
	c.Backend.RKNN.BoxThreshold = getEnvFloat32("POSEPIPE_BACKEND_RKNN_BOX_THRESHOLD", c.Backend.RKNN.BoxThreshold)
	c.Backend.RKNN.NMSThreshold = getEnvFloat32("POSEPIPE_BACKEND_RKNN_NMS_THRESHOLD", c.Backend.RKNN.NMSThreshold)

	c.Present.Show = getEnvBool("POSEPIPE_PRESENT_SHOW", c.Present.Show)
	c.Present.Output = getEnv("POSEPIPE_PRESENT_OUTPUT", c.Present.Output)
	c.Present.OutputLimit = getEnvInt("POSEPIPE_PRESENT_OUTPUT_LIMIT", c.Present.OutputLimit)
	c.Present.OutputFPS = getEnvFloat("POSEPIPE_PRESENT_OUTPUT_FPS", c.Present.OutputFPS)
	c.Present.StreamAddr = getEnv("POSEPIPE_PRESENT_STREAM_ADDR", c.Present.StreamAddr)
	c.Present.Raw = getEnvBool("POSEPIPE_PRESENT_RAW", c.Present.Raw)
	c.Present.Threshold = getEnvFloat32("POSEPIPE_PRESENT_THRESHOLD", c.Present.Threshold)

	c.Archive.Enabled = getEnvBool("POSEPIPE_ARCHIVE_ENABLED", c.Archive.Enabled)
	c.Archive.Dir = getEnv("POSEPIPE_ARCHIVE_DIR", c.Archive.Dir)

	c.Archive.Window, err = getEnvDuration("POSEPIPE_ARCHIVE_WINDOW", c.Archive.Window)
	errs = append(errs, err)

	c.Archive.Compress = getEnvBool("POSEPIPE_ARCHIVE_COMPRESS", c.Archive.Compress)
	c.Archive.FailurePolicy = getEnv("POSEPIPE_ARCHIVE_FAILURE_POLICY", c.Archive.FailurePolicy)
	c.Archive.MaxRetained = getEnvInt("POSEPIPE_ARCHIVE_MAX_RETAINED", c.Archive.MaxRetained)
	c.Archive.Store = StoreKind(getEnv("POSEPIPE_ARCHIVE_STORE", string(c.Archive.Store)))

	c.Archive.S3.Bucket = getEnvAny([]string{"POSEPIPE_ARCHIVE_S3_BUCKET", "S3_BUCKET"}, c.Archive.S3.Bucket)
	c.Archive.S3.Prefix = getEnv("POSEPIPE_ARCHIVE_S3_PREFIX", c.Archive.S3.Prefix)
	c.Archive.S3.Region = getEnvAny([]string{"POSEPIPE_ARCHIVE_S3_REGION", "AWS_REGION"}, c.Archive.S3.Region)
	c.Archive.S3.Endpoint = getEnvAny([]string{"POSEPIPE_ARCHIVE_S3_ENDPOINT", "S3_ENDPOINT"}, c.Archive.S3.Endpoint)
	c.Archive.S3.AccessKeyID = getEnvAny([]string{"POSEPIPE_ARCHIVE_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, c.Archive.S3.AccessKeyID)
	c.Archive.S3.SecretAccessKey = getEnvAny([]string{"POSEPIPE_ARCHIVE_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, c.Archive.S3.SecretAccessKey)
	c.Archive.S3.PathStyle = getEnvBool("POSEPIPE_ARCHIVE_S3_PATH_STYLE", c.Archive.S3.PathStyle)

	c.Metrics.Addr = getEnv("POSEPIPE_METRICS_ADDR", c.Metrics.Addr)

	return errors.Join(errs...)
}

// Validate checks the settings are usable
func (c *Config) Validate() error {

	if c.Pipeline.Slots < 1 {
		return fmt.Errorf("pipeline.slots must be at least 1, got %d", c.Pipeline.Slots)
	}

	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be positive")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}

	switch c.Backend.Kind {
	case BackendRKNN:
		if c.Backend.RKNN.Model == "" {
			return fmt.Errorf("backend.rknn.model must be provided")
		}

		switch c.Backend.RKNN.CPUAffinity {
		case "fast", "slow", "all", "none":
		default:
			return fmt.Errorf("unsupported backend.rknn.cpu_affinity %q", c.Backend.RKNN.CPUAffinity)
		}

	case BackendNull:
	default:
		return fmt.Errorf("unsupported backend.kind %q", c.Backend.Kind)
	}

	if c.Present.OutputLimit < 0 {
		return fmt.Errorf("present.output_limit must not be negative")
	}

	if c.Present.Output != "" && c.Present.OutputFPS <= 0 {
		return fmt.Errorf("present.output_fps must be positive when writing output")
	}

	if !c.Archive.Enabled {
		return nil
	}

	switch c.Archive.FailurePolicy {
	case "retain", "drop":
	default:
		return fmt.Errorf("unsupported archive.failure_policy %q", c.Archive.FailurePolicy)
	}

	if c.Archive.Window < time.Minute || (24*time.Hour)%c.Archive.Window != 0 {
		return fmt.Errorf("archive.window %s must be whole minutes dividing a day", c.Archive.Window)
	}

	switch c.Archive.Store {
	case StoreFS:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be provided")
		}

	case StoreS3:
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket must be provided when archive.store is s3")
		}

	default:
		return fmt.Errorf("unsupported archive.store %q", c.Archive.Store)
	}

	return nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat32(key string, def float32) float32 {
	return float32(getEnvFloat(key, float64(def)))
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

// getEnvDuration parses a Go duration such as "30m", unlike the other getters
// a malformed value is reported rather than ignored
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {

	val := os.Getenv(key)

	if val == "" {
		return def, nil
	}

	d, err := time.ParseDuration(val)

	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}

	return d, nil
}
