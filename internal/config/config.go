// Package config loads settings from scanfood.yaml, SCANFOOD_* environment
// variables and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix   = "SCANFOOD"
	DefaultFile = "scanfood.yaml"
)

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		CORSOrigins     []string      `mapstructure:"cors_origins"`
		MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	} `mapstructure:"server"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Paths struct {
		Models   string `mapstructure:"models"`
		Datasets string `mapstructure:"datasets"`
	} `mapstructure:"paths"`

	Model struct {
		ImageSize    int    `mapstructure:"image_size"`
		Backbone     string `mapstructure:"backbone"`
		HiddenUnits  int    `mapstructure:"hidden_units"`
		Watch        bool   `mapstructure:"watch"`
		KeepVersions int    `mapstructure:"keep_versions"`
	} `mapstructure:"model"`

	ONNX struct {
		ModelPath   string `mapstructure:"model_path"`
		LibraryPath string `mapstructure:"library_path"`
		InputName   string `mapstructure:"input_name"`
		OutputName  string `mapstructure:"output_name"`
		FeatureDim  int    `mapstructure:"feature_dim"`
		// Sessions is the number of serving sessions; training opens its own.
		Sessions int `mapstructure:"sessions"`
	} `mapstructure:"onnx"`

	Train struct {
		Epochs         int     `mapstructure:"epochs"`
		BatchSize      int     `mapstructure:"batch_size"`
		LearningRate   float64 `mapstructure:"learning_rate"`
		WeightDecay    float64 `mapstructure:"weight_decay"`
		Cosine         bool    `mapstructure:"cosine"`
		Workers        int     `mapstructure:"workers"`
		Seed           int64   `mapstructure:"seed"`
		ImagesPerClass int     `mapstructure:"images_per_class"`
		DatasetName    string  `mapstructure:"dataset_name"`
	} `mapstructure:"train"`

	Acquire struct {
		SearchURL    string        `mapstructure:"search_url"`
		Timeout      time.Duration `mapstructure:"timeout"`
		Concurrency  int           `mapstructure:"concurrency"`
		Throttle     time.Duration `mapstructure:"throttle"`
		CacheTTL     time.Duration `mapstructure:"cache_ttl"`
		Retries      int           `mapstructure:"retries"`
		KeywordsFile string        `mapstructure:"keywords_file"`
		// Keywords is filled from KeywordsFile; entries replace the built-in ones per class.
		Keywords map[string][]string `mapstructure:"-"`
	} `mapstructure:"acquire"`

	Jobs struct {
		Store       string `mapstructure:"store"`
		PostgresURL string `mapstructure:"postgres_url"`
	} `mapstructure:"jobs"`

	// File is the config file actually read, "" when none was.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("log.level", "info")

	v.SetDefault("paths.models", "models")
	v.SetDefault("paths.datasets", "datasets")

	v.SetDefault("model.image_size", 256)
	v.SetDefault("model.backbone", "onnx")
	v.SetDefault("model.hidden_units", 0)
	v.SetDefault("model.watch", true)
	v.SetDefault("model.keep_versions", 5)

	v.SetDefault("onnx.model_path", "models/backbone.onnx")
	v.SetDefault("onnx.library_path", "")
	v.SetDefault("onnx.input_name", "input")
	v.SetDefault("onnx.output_name", "features")
	v.SetDefault("onnx.feature_dim", 960)
	v.SetDefault("onnx.sessions", 2)

	v.SetDefault("train.epochs", 5)
	v.SetDefault("train.batch_size", 32)
	v.SetDefault("train.learning_rate", 5e-4)
	v.SetDefault("train.weight_decay", 0.01)
	v.SetDefault("train.cosine", true)
	v.SetDefault("train.workers", 0)
	v.SetDefault("train.seed", 0)
	v.SetDefault("train.images_per_class", 30)
	v.SetDefault("train.dataset_name", "auto")

	v.SetDefault("acquire.search_url", "https://duckduckgo.com")
	v.SetDefault("acquire.timeout", 20*time.Second)
	v.SetDefault("acquire.concurrency", 4)
	v.SetDefault("acquire.throttle", 100*time.Millisecond)
	v.SetDefault("acquire.cache_ttl", 10*time.Minute)
	v.SetDefault("acquire.retries", 3)
	v.SetDefault("acquire.keywords_file", "")

	v.SetDefault("jobs.store", "memory")
	v.SetDefault("jobs.postgres_url", "")
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"addr":         "server.addr",
	"log-level":    "log.level",
	"models-dir":   "paths.models",
	"datasets-dir": "paths.datasets",
	"backbone":     "model.backbone",
	"image-size":   "model.image_size",
	"jobs-store":   "jobs.store",
}

// Flags returns a flag set carrying the flags Load understands. Callers may
// add their own before parsing.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (default "+DefaultFile+" if present, or $"+EnvPrefix+"_CONFIG)")
	fs.String("addr", "", "listen address")
	fs.String("log-level", "", "debug, info, warn, error or off")
	fs.String("models-dir", "", "checkpoint directory")
	fs.String("datasets-dir", "", "dataset root directory")
	fs.String("backbone", "", "feature extractor: onnx or pooled-v1")
	fs.Int("image-size", 0, "square input edge in pixels")
	fs.String("jobs-store", "", "job status store: memory or postgres")
	return fs
}

// Load reads the configuration; fs must already be parsed and may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	file, explicit := configFile(flags)
	cfg := &Config{}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound *fs.PathError
			if explicit || !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", file, err)
			}
		} else {
			cfg.File = v.ConfigFileUsed()
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	baseDir := ""
	if cfg.File != "" {
		abs, err := filepath.Abs(cfg.File)
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Dir(abs)
	}
	cfg.Paths.Models = resolvePath(cfg.Paths.Models, baseDir)
	cfg.Paths.Datasets = resolvePath(cfg.Paths.Datasets, baseDir)
	cfg.ONNX.ModelPath = resolvePath(cfg.ONNX.ModelPath, baseDir)
	cfg.ONNX.LibraryPath = resolvePath(cfg.ONNX.LibraryPath, baseDir)
	cfg.Acquire.KeywordsFile = resolvePath(cfg.Acquire.KeywordsFile, baseDir)

	if cfg.Acquire.KeywordsFile != "" {
		keywords, err := LoadKeywords(cfg.Acquire.KeywordsFile)
		if err != nil {
			return nil, err
		}
		cfg.Acquire.Keywords = keywords
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFile(flags *pflag.FlagSet) (path string, explicit bool) {
	if flags != nil {
		if p, err := flags.GetString("config"); err == nil && p != "" {
			return p, true
		}
	}
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p, true
	}
	return DefaultFile, false
}

func (c *Config) validate() error {
	switch c.Jobs.Store {
	case "memory":
	case "postgres":
		if c.Jobs.PostgresURL == "" {
			return errors.New("jobs.postgres_url is required for the postgres job store")
		}
	default:
		return fmt.Errorf("unknown jobs.store %q", c.Jobs.Store)
	}
	if c.Model.ImageSize <= 0 {
		return fmt.Errorf("model.image_size must be positive, got %d", c.Model.ImageSize)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LoadKeywords reads a YAML map of class name to search phrases.
func LoadKeywords(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keywords %s: %w", path, err)
	}
	keywords := map[string][]string{}
	if err := yaml.Unmarshal(data, &keywords); err != nil {
		return nil, fmt.Errorf("failed to parse keywords %s: %w", path, err)
	}
	return keywords, nil
}

// resolvePath makes a relative path relative to baseDir. With baseDir ""
// it is left relative to the working directory.
func resolvePath(path, baseDir string) string {
	if path == "" || baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func ParseLevel(level string) (log.Lvl, error) {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG, nil
	case "", "info":
		return log.INFO, nil
	case "warn", "warning":
		return log.WARN, nil
	case "error":
		return log.ERROR, nil
	case "off":
		return log.OFF, nil
	}
	return log.INFO, fmt.Errorf("unknown log level %q", level)
}

// Logger returns a component logger at the configured level.
func (c *Config) Logger(prefix string) *log.Logger {
	l := log.New(prefix)
	lvl, _ := ParseLevel(c.Log.Level)
	l.SetLevel(lvl)
	return l
}
