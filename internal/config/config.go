package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Model      ModelConfig      `json:"model"`
	Preprocess PreprocessConfig `json:"preprocess"`
	Explain    ExplainConfig    `json:"explain"`
	Report     ReportConfig     `json:"report"`
	Log        LogConfig        `json:"log"`
}

// ServerConfig holds configuration for the HTTP server
type ServerConfig struct {
	Addr            string   `json:"addr"`
	MaxUploadMB     int      `json:"max_upload_mb"`
	TempDir         string   `json:"temp_dir"`
	ReadTimeout     string   `json:"read_timeout"`
	WriteTimeout    string   `json:"write_timeout"`
	ShutdownTimeout string   `json:"shutdown_timeout"`
	AllowedOrigins  []string `json:"allowed_origins"`
}

// ModelConfig holds configuration for the classifier backend
type ModelConfig struct {
	Backend      string `json:"backend"`
	WeightsPath  string `json:"weights_path"`
	ONNXPath     string `json:"onnx_path"`
	ONNXLibrary  string `json:"onnx_library"`
	ONNXMetadata string `json:"onnx_metadata"`
}

// PreprocessConfig holds configuration for image decoding
type PreprocessConfig struct {
	SupportedFormats []string `json:"supported_formats"`
	MinImageSize     int      `json:"min_image_size"`
	MaxPixels        int      `json:"max_pixels"`
}

// ExplainConfig holds configuration for the explanation service
type ExplainConfig struct {
	Enabled    bool   `json:"enabled"`
	Backend    string `json:"backend"`
	URL        string `json:"url"`
	Model      string `json:"model"`
	Timeout    string `json:"timeout"`
	MaxRetries uint64 `json:"max_retries"`
}

// ReportConfig holds configuration for PDF reports
type ReportConfig struct {
	Title            string  `json:"title"`
	Disclaimer       string  `json:"disclaimer"`
	ThumbnailWidthMM float64 `json:"thumbnail_width_mm"`
	ThumbnailMaxPx   int     `json:"thumbnail_max_px"`
	TrimBorder       bool    `json:"trim_border"`
}

// LogConfig holds configuration for logging
type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":5000",
			MaxUploadMB:     10,
			TempDir:         os.TempDir(),
			ReadTimeout:     "30s",
			WriteTimeout:    "120s",
			ShutdownTimeout: "10s",
			AllowedOrigins:  []string{"*"},
		},
		Model: ModelConfig{
			Backend:     "native",
			WeightsPath: "models/tumor_classifier.gob",
			ONNXPath:    "models/tumor_classifier.onnx",
		},
		Preprocess: PreprocessConfig{
			SupportedFormats: []string{"jpeg", "png", "gif", "bmp", "tiff", "webp"},
			MinImageSize:     1,
			MaxPixels:        64_000_000,
		},
		Explain: ExplainConfig{
			Enabled:    true,
			Backend:    "ollama",
			URL:        "http://localhost:11434",
			Model:      "alibayram/medgemma",
			Timeout:    "60s",
			MaxRetries: 2,
		},
		Report: ReportConfig{
			Title:            "Brain MRI Classification Report",
			Disclaimer:       "Automated classification for research use. Not a medical diagnosis.",
			ThumbnailWidthMM: 100,
			ThumbnailMaxPx:   600,
			TrimBorder:       true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Missing keys keep their
// default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides configuration values from the environment
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := getenv("PORT"); v != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := getenv("TUMOR_WEIGHTS"); v != "" {
		c.Model.WeightsPath = v
	}
	if v := getenv("TUMOR_MODEL_BACKEND"); v != "" {
		c.Model.Backend = strings.ToLower(v)
	}
	if v := getenv("ONNXRUNTIME_LIB"); v != "" {
		c.Model.ONNXLibrary = v
	}
	if v := getenv("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		c.Explain.URL = v
	}
	if v := getenv("EXPLAIN_MODEL"); v != "" {
		c.Explain.Model = v
	}
	if v := getenv("EXPLAIN_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Explain.Enabled = b
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	for name, v := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"explain.timeout":         c.Explain.Timeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch c.Model.Backend {
	case "native":
		if c.Model.WeightsPath == "" {
			return fmt.Errorf("model.weights_path cannot be empty")
		}
	case "onnx":
		if c.Model.ONNXPath == "" {
			return fmt.Errorf("model.onnx_path cannot be empty")
		}
	default:
		return fmt.Errorf("model.backend must be native or onnx, got %q", c.Model.Backend)
	}

	if c.Preprocess.MinImageSize < 1 {
		return fmt.Errorf("preprocess.min_image_size must be positive")
	}

	if c.Preprocess.MaxPixels < c.Preprocess.MinImageSize*c.Preprocess.MinImageSize {
		return fmt.Errorf("preprocess.max_pixels must be at least min_image_size squared")
	}

	if len(c.Preprocess.SupportedFormats) == 0 {
		return fmt.Errorf("preprocess.supported_formats cannot be empty")
	}

	if c.Explain.Enabled {
		switch c.Explain.Backend {
		case "ollama", "llamacpp":
		default:
			return fmt.Errorf("explain.backend must be ollama or llamacpp, got %q", c.Explain.Backend)
		}
		if c.Explain.Model == "" {
			return fmt.Errorf("explain.model cannot be empty")
		}
	}

	if c.Report.ThumbnailWidthMM <= 0 || c.Report.ThumbnailWidthMM > 190 {
		return fmt.Errorf("report.thumbnail_width_mm must be between 0 and 190")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}

// MaxUploadBytes returns the upload cap in bytes
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// ExplainTimeout returns the parsed explanation timeout
func (c *Config) ExplainTimeout() time.Duration {
	d, _ := parseDuration(c.Explain.Timeout)
	return d
}

// ReadTimeout returns the parsed server read timeout
func (c *Config) ReadTimeout() time.Duration {
	d, _ := parseDuration(c.Server.ReadTimeout)
	return d
}

// WriteTimeout returns the parsed server write timeout
func (c *Config) WriteTimeout() time.Duration {
	d, _ := parseDuration(c.Server.WriteTimeout)
	return d
}

// ShutdownTimeout returns the parsed graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := parseDuration(c.Server.ShutdownTimeout)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "tumor-classifier", "config.json")
}
