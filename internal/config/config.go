package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Preset is a named quality level.
type Preset string

const (
	PresetSmallest Preset = "smallest"
	PresetBalanced Preset = "balanced"
	PresetBest     Preset = "best"
	PresetCustom   Preset = "custom"
)

// Quality bounds for the compression fraction.
const (
	MinQuality     = 0.1
	MaxQuality     = 1.0
	DefaultQuality = 0.75
)

// PresetOption describes a preset for listings
type PresetOption struct {
	ID          Preset  `json:"id"`
	Name        string  `json:"name"`
	Quality     float64 `json:"quality"`
	Description string  `json:"description"`
}

// Config represents the main configuration structure
type Config struct {
	Quality             float64           `mapstructure:"quality" json:"quality"`
	Preset              Preset            `mapstructure:"preset" json:"preset"`
	OutputDirectory     string            `mapstructure:"output_directory" json:"output_directory"`
	OutputSuffix        string            `mapstructure:"output_suffix" json:"output_suffix"`
	SupportedExtensions []string          `mapstructure:"supported_extensions" json:"supported_extensions"`
	Processing          ProcessingConfig  `mapstructure:"processing" json:"processing"`
	Watch               WatchConfig       `mapstructure:"watch" json:"watch"`
	Performance         PerformanceConfig `mapstructure:"performance" json:"performance"`
	Server              ServerConfig      `mapstructure:"server" json:"server"`
	Logging             LoggingConfig     `mapstructure:"logging" json:"logging"`
}

// ProcessingConfig contains the per-file toggles
type ProcessingConfig struct {
	OverwriteOriginals   bool `mapstructure:"overwrite_originals" json:"overwrite_originals"`
	PreserveMetadata     bool `mapstructure:"preserve_metadata" json:"preserve_metadata"`
	KeepOriginalIfLarger bool `mapstructure:"keep_original_if_larger" json:"keep_original_if_larger"`
	SkipOptimized        bool `mapstructure:"skip_optimized" json:"skip_optimized"`
}

// WatchConfig contains folder watch settings
type WatchConfig struct {
	Enabled           bool          `mapstructure:"enabled" json:"enabled"`
	Path              string        `mapstructure:"path" json:"path"`
	Debounce          time.Duration `mapstructure:"debounce" json:"debounce"`
	StabilityInterval time.Duration `mapstructure:"stability_interval" json:"stability_interval"`
	StabilityChecks   int           `mapstructure:"stability_checks" json:"stability_checks"`
	StabilityTimeout  time.Duration `mapstructure:"stability_timeout" json:"stability_timeout"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	WorkerThreads int `mapstructure:"worker_threads" json:"worker_threads"`
	PreviewSize   int `mapstructure:"preview_size" json:"preview_size"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Port int `mapstructure:"port" json:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	FilePath   string `mapstructure:"file_path" json:"file_path"`
	MaxSize    int    `mapstructure:"max_size" json:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" json:"max_age"` // days
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// GetAvailablePresets returns all preset options
func GetAvailablePresets() []PresetOption {
	return []PresetOption{
		{
			ID:          PresetSmallest,
			Name:        "Smallest file",
			Quality:     0.5,
			Description: "Aggressive compression, visible artifacts possible",
		},
		{
			ID:          PresetBalanced,
			Name:        "Balanced",
			Quality:     0.75,
			Description: "Good size reduction with little visible loss",
		},
		{
			ID:          PresetBest,
			Name:        "Best quality",
			Quality:     0.9,
			Description: "Light compression, near-original quality",
		},
		{
			ID:          PresetCustom,
			Name:        "Custom",
			Quality:     DefaultQuality,
			Description: "Use the quality value as configured",
		},
	}
}

// PresetQuality returns the quality for a non-custom preset.
func PresetQuality(p Preset) (float64, bool) {
	for _, opt := range GetAvailablePresets() {
		if opt.ID == p && p != PresetCustom {
			return opt.Quality, true
		}
	}
	return 0, false
}

// ClampQuality keeps q inside [MinQuality, MaxQuality].
func ClampQuality(q float64) float64 {
	if math.IsNaN(q) || q < MinQuality {
		return MinQuality
	}
	if q > MaxQuality {
		return MaxQuality
	}
	return q
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Quality:      DefaultQuality,
		Preset:       PresetBalanced,
		OutputSuffix: "-optimized",
		SupportedExtensions: []string{
			".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic", ".heif",
		},
		Processing: ProcessingConfig{
			OverwriteOriginals:   false,
			PreserveMetadata:     true,
			KeepOriginalIfLarger: true,
			SkipOptimized:        true,
		},
		Watch: WatchConfig{
			Enabled:           false,
			Debounce:          500 * time.Millisecond,
			StabilityInterval: 250 * time.Millisecond,
			StabilityChecks:   2,
			StabilityTimeout:  30 * time.Second,
		},
		Performance: PerformanceConfig{
			WorkerThreads: 0, // 0 means runtime.NumCPU
			PreviewSize:   256,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "squeezer.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	return loadWith(viper.GetViper(), configPath)
}

func loadWith(v *viper.Viper, configPath string) (*Config, error) {
	config := DefaultConfig()

	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.squeezer")
		v.AddConfigPath("/etc/squeezer")
	}

	// Enable environment variable support
	v.SetEnvPrefix("SQUEEZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Try to read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	if path == "" {
		return fmt.Errorf("config path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range c.settingsMap() {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) settingsMap() map[string]interface{} {
	return map[string]interface{}{
		"quality":                            c.Quality,
		"preset":                             string(c.Preset),
		"output_directory":                   c.OutputDirectory,
		"output_suffix":                      c.OutputSuffix,
		"supported_extensions":               c.SupportedExtensions,
		"processing.overwrite_originals":     c.Processing.OverwriteOriginals,
		"processing.preserve_metadata":       c.Processing.PreserveMetadata,
		"processing.keep_original_if_larger": c.Processing.KeepOriginalIfLarger,
		"processing.skip_optimized":          c.Processing.SkipOptimized,
		"watch.enabled":                      c.Watch.Enabled,
		"watch.path":                         c.Watch.Path,
		"watch.debounce":                     c.Watch.Debounce.String(),
		"watch.stability_interval":           c.Watch.StabilityInterval.String(),
		"watch.stability_checks":             c.Watch.StabilityChecks,
		"watch.stability_timeout":            c.Watch.StabilityTimeout.String(),
		"performance.worker_threads":         c.Performance.WorkerThreads,
		"performance.preview_size":           c.Performance.PreviewSize,
		"server.port":                        c.Server.Port,
		"logging.level":                      c.Logging.Level,
		"logging.file_path":                  c.Logging.FilePath,
		"logging.max_size":                   c.Logging.MaxSize,
		"logging.max_backups":                c.Logging.MaxBackups,
		"logging.max_age":                    c.Logging.MaxAge,
		"logging.compress":                   c.Logging.Compress,
	}
}

// Validate validates and normalizes the configuration
func (c *Config) Validate() error {
	if c.Preset == "" {
		c.Preset = PresetCustom
	}
	if q, ok := PresetQuality(c.Preset); ok {
		c.Quality = q
	} else if c.Preset != PresetCustom {
		return fmt.Errorf("invalid preset: %s (valid: smallest, balanced, best, custom)", c.Preset)
	}
	c.Quality = ClampQuality(c.Quality)

	if c.OutputDirectory != "" {
		c.OutputDirectory = expandPath(c.OutputDirectory)
	}
	if c.OutputSuffix == "" && c.OutputDirectory == "" && !c.Processing.OverwriteOriginals {
		c.OutputSuffix = "-optimized"
	}

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		c.SupportedExtensions = DefaultConfig().SupportedExtensions
	}

	if c.Watch.Path != "" {
		c.Watch.Path = expandPath(c.Watch.Path)
	}
	if c.Watch.Enabled && !isValidPath(c.Watch.Path) {
		return fmt.Errorf("watch path does not exist or is not accessible: %s", c.Watch.Path)
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 500 * time.Millisecond
	}
	if c.Watch.StabilityInterval <= 0 {
		c.Watch.StabilityInterval = 250 * time.Millisecond
	}
	if c.Watch.StabilityChecks <= 0 {
		c.Watch.StabilityChecks = 2
	}
	if c.Watch.StabilityTimeout <= 0 {
		c.Watch.StabilityTimeout = 30 * time.Second
	}

	if c.Performance.WorkerThreads < 0 {
		c.Performance.WorkerThreads = 0
	}
	if c.Performance.PreviewSize <= 0 {
		c.Performance.PreviewSize = 256
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = 8080
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// IsSupportedExtension checks if the extension is enabled
func (c *Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	cp.SupportedExtensions = append([]string(nil), c.SupportedExtensions...)
	return &cp
}

// Helper functions

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}

func isValidPath(path string) bool {
	if path == "" {
		return false
	}
	stat, err := os.Stat(expandPath(path))
	return err == nil && stat.IsDir()
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
