package cfg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks invalid settings or an unusable output directory.
var ErrConfiguration = errors.New("invalid configuration")

// ConfigurationError names the offending setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

type Settings struct {
	OutputDir          string
	Trials             int
	PredictorsPerTrial int
	TopK               int
	Distributed        bool
	Workers            int
	RedisAddr          string
	Queue              string
	ClimateURL         string
	ClimateTimeout     time.Duration
	PrepareCommand     string
	PrepareTimeout     time.Duration
	MaxentJar          string
	Java               string
	JavaMemory         string
	MetricsPort        int
	LogLevel           string
}

type ConfigFile struct {
	Run struct {
		OutputDir          string `yaml:"outputDir"`
		Trials             int    `yaml:"trials"`
		PredictorsPerTrial int    `yaml:"predictorsPerTrial"`
		TopK               int    `yaml:"topK"`
	} `yaml:"run"`

	Workers struct {
		Distributed bool   `yaml:"distributed"`
		Count       int    `yaml:"count"`
		RedisAddr   string `yaml:"redisAddr"`
		Queue       string `yaml:"queue"`
	} `yaml:"workers"`

	Climate struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"climate"`

	Prepare struct {
		Command string `yaml:"command"`
		Timeout string `yaml:"timeout"`
	} `yaml:"prepare"`

	Maxent struct {
		Jar    string `yaml:"jar"`
		Java   string `yaml:"java"`
		Memory string `yaml:"memory"`
	} `yaml:"maxent"`

	System struct {
		MetricsPort int    `yaml:"metricsPort"`
		LogLevel    string `yaml:"logLevel"`
	} `yaml:"system"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Settings {
	return Settings{
		OutputDir:          ".",
		Trials:             10,
		PredictorsPerTrial: 10,
		TopK:               10,
		Workers:            5,
		RedisAddr:          "localhost:6379",
		Queue:              "mmx:trials",
		ClimateURL:         "http://localhost:8090",
		ClimateTimeout:     5 * time.Minute,
		PrepareCommand:     "gdal_translate -of AAIGrid {input} {output}",
		MaxentJar:          "maxent.jar",
		Java:               "java",
		JavaMemory:         "1g",
		LogLevel:           "info",
	}
}

// Load builds settings from defaults, an optional .env file, the YAML file
// named by CONFIG_FILE and MMX_* environment variables, in that order.
// Callers apply their own overrides and then call Validate.
func Load() (Settings, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	settings := Defaults()
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		if err := loadFromYAML(configPath, &settings); err != nil {
			return Settings{}, err
		}
	}
	applyEnv(&settings)
	return settings, nil
}

func loadFromYAML(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	s.OutputDir = stringOr(config.Run.OutputDir, s.OutputDir)
	s.Trials = intOr(config.Run.Trials, s.Trials)
	s.PredictorsPerTrial = intOr(config.Run.PredictorsPerTrial, s.PredictorsPerTrial)
	s.TopK = intOr(config.Run.TopK, s.TopK)
	s.Distributed = config.Workers.Distributed || s.Distributed
	s.Workers = intOr(config.Workers.Count, s.Workers)
	s.RedisAddr = stringOr(config.Workers.RedisAddr, s.RedisAddr)
	s.Queue = stringOr(config.Workers.Queue, s.Queue)
	s.ClimateURL = stringOr(config.Climate.URL, s.ClimateURL)
	s.PrepareCommand = stringOr(config.Prepare.Command, s.PrepareCommand)
	s.MaxentJar = stringOr(config.Maxent.Jar, s.MaxentJar)
	s.Java = stringOr(config.Maxent.Java, s.Java)
	s.JavaMemory = stringOr(config.Maxent.Memory, s.JavaMemory)
	s.MetricsPort = intOr(config.System.MetricsPort, s.MetricsPort)
	s.LogLevel = stringOr(config.System.LogLevel, s.LogLevel)

	if config.Climate.Timeout != "" {
		d, err := time.ParseDuration(config.Climate.Timeout)
		if err != nil {
			return &ConfigurationError{Field: "climate.timeout", Reason: err.Error()}
		}
		s.ClimateTimeout = d
	}
	if config.Prepare.Timeout != "" {
		d, err := time.ParseDuration(config.Prepare.Timeout)
		if err != nil {
			return &ConfigurationError{Field: "prepare.timeout", Reason: err.Error()}
		}
		s.PrepareTimeout = d
	}
	return nil
}

func applyEnv(s *Settings) {
	s.OutputDir = getEnvOrDefault("MMX_OUTPUT_DIR", s.OutputDir)
	s.Trials = getIntOrDefault("MMX_TRIALS", s.Trials)
	s.PredictorsPerTrial = getIntOrDefault("MMX_PREDICTORS_PER_TRIAL", s.PredictorsPerTrial)
	s.TopK = getIntOrDefault("MMX_TOP_K", s.TopK)
	s.Distributed = getBoolOrDefault("MMX_DISTRIBUTED", s.Distributed)
	s.Workers = getIntOrDefault("MMX_WORKERS", s.Workers)
	s.RedisAddr = getEnvOrDefault("MMX_REDIS_ADDR", s.RedisAddr)
	s.Queue = getEnvOrDefault("MMX_QUEUE", s.Queue)
	s.ClimateURL = getEnvOrDefault("MMX_CLIMATE_URL", s.ClimateURL)
	s.ClimateTimeout = getDurationOrDefault("MMX_CLIMATE_TIMEOUT", s.ClimateTimeout)
	s.PrepareCommand = getEnvOrDefault("MMX_PREPARE_COMMAND", s.PrepareCommand)
	s.PrepareTimeout = getDurationOrDefault("MMX_PREPARE_TIMEOUT", s.PrepareTimeout)
	s.MaxentJar = getEnvOrDefault("MMX_MAXENT_JAR", s.MaxentJar)
	s.Java = getEnvOrDefault("MMX_JAVA", s.Java)
	s.JavaMemory = getEnvOrDefault("MMX_JAVA_MEMORY", s.JavaMemory)
	s.MetricsPort = getIntOrDefault("MMX_METRICS_PORT", s.MetricsPort)
	s.LogLevel = getEnvOrDefault("MMX_LOG_LEVEL", s.LogLevel)
}

// Validate range-checks the settings.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.OutputDir) == "" {
		return &ConfigurationError{Field: "outputDir", Reason: "must not be empty"}
	}
	if s.Trials < 1 {
		return &ConfigurationError{Field: "trials", Reason: fmt.Sprintf("must be at least 1, got %d", s.Trials)}
	}
	if s.PredictorsPerTrial < 1 {
		return &ConfigurationError{Field: "predictorsPerTrial", Reason: fmt.Sprintf("must be at least 1, got %d", s.PredictorsPerTrial)}
	}
	if s.TopK < 1 {
		return &ConfigurationError{Field: "topK", Reason: fmt.Sprintf("must be at least 1, got %d", s.TopK)}
	}
	if s.Workers < 0 || s.Workers > 256 {
		return &ConfigurationError{Field: "workers", Reason: fmt.Sprintf("must be between 0 and 256, got %d", s.Workers)}
	}
	if s.Distributed {
		if s.Workers == 0 {
			return &ConfigurationError{Field: "workers", Reason: "distributed execution needs at least one worker"}
		}
		if s.RedisAddr == "" {
			return &ConfigurationError{Field: "redisAddr", Reason: "required for distributed execution"}
		}
	}
	if s.Queue == "" {
		return &ConfigurationError{Field: "queue", Reason: "must not be empty"}
	}
	if s.ClimateTimeout <= 0 {
		return &ConfigurationError{Field: "climateTimeout", Reason: fmt.Sprintf("must be positive, got %v", s.ClimateTimeout)}
	}
	if s.PrepareTimeout < 0 {
		return &ConfigurationError{Field: "prepareTimeout", Reason: fmt.Sprintf("must not be negative, got %v", s.PrepareTimeout)}
	}
	if s.MaxentJar == "" {
		return &ConfigurationError{Field: "maxentJar", Reason: "must not be empty"}
	}
	if s.MetricsPort != 0 && (s.MetricsPort < 1024 || s.MetricsPort > 65535) {
		return &ConfigurationError{Field: "metricsPort", Reason: fmt.Sprintf("must be 0 or between 1024 and 65535, got %d", s.MetricsPort)}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func stringOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func intOr(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}
