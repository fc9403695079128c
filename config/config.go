// Package config loads config.yaml and fills in the defaults the demo was
// tuned with.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "SIGNDET_CONFIG"

const (
	DefaultWeights   = "best.onnx"
	DefaultConf      = float32(0.387)
	DefaultIou       = float32(0.45)
	DefaultInputSize = 1280
)

type ModelConfig struct {
	Weights   string  `yaml:"weights"`
	Names     string  `yaml:"names"`
	Conf      float32 `yaml:"conf"`
	Iou       float32 `yaml:"iou"`
	InputSize int     `yaml:"inputSize"`
	UseGPU    bool    `yaml:"useGPU"`
}

type MediaConfig struct {
	TempDir         string        `yaml:"tempDir"`
	OutputDir       string        `yaml:"outputDir"`
	MaxImageMB      int64         `yaml:"maxImageMB"`
	MaxVideoMB      int64         `yaml:"maxVideoMB"`
	JobTTL          time.Duration `yaml:"jobTTL"`
	MaxVideoHeight  int           `yaml:"maxVideoHeight"`
	StreamEvery     int           `yaml:"streamEvery"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`
}

type LogConfig struct {
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"maxSizeMB"`
	MaxBackups  int    `yaml:"maxBackups"`
	MaxAgeDays  int    `yaml:"maxAgeDays"`
}

type Config struct {
	HTTPPort      int         `yaml:"HTTPPort"`
	RPCPort       int         `yaml:"RPCPort"`
	MetricsPort   int         `yaml:"MetricsPort"`
	WorkersNum    int         `yaml:"workersNum"`
	HistoryDB     string      `yaml:"historyDB"`
	UseRegServer  bool        `yaml:"UseRegServer"`
	RegServerHost string      `yaml:"RegServerHost"`
	RegServerPort int         `yaml:"RegServerPort"`
	Model         ModelConfig `yaml:"model"`
	Media         MediaConfig `yaml:"media"`
	Log           LogConfig   `yaml:"log"`
}

// Default returns the configuration used when config.yaml leaves a field unset.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadEnv reads a .env file from the working directory if one exists.
func LoadEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.RPCPort == 0 {
		c.RPCPort = 50051
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 50053
	}
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
	}
	if c.HistoryDB == "" {
		c.HistoryDB = "signdet.db"
	}
	if c.Model.Weights == "" {
		c.Model.Weights = DefaultWeights
	}
	if c.Model.Conf == 0 {
		c.Model.Conf = DefaultConf
	}
	if c.Model.Iou == 0 {
		c.Model.Iou = DefaultIou
	}
	if c.Model.InputSize == 0 {
		c.Model.InputSize = DefaultInputSize
	}
	if c.Media.TempDir == "" {
		c.Media.TempDir = os.TempDir()
	}
	if c.Media.MaxImageMB == 0 {
		c.Media.MaxImageMB = 20
	}
	if c.Media.MaxVideoMB == 0 {
		c.Media.MaxVideoMB = 500
	}
	if c.Media.JobTTL == 0 {
		c.Media.JobTTL = 10 * time.Minute
	}
	if c.Media.MaxVideoHeight == 0 {
		c.Media.MaxVideoHeight = 1080
	}
	if c.Media.StreamEvery <= 0 {
		c.Media.StreamEvery = 1
	}
	if c.Media.DownloadTimeout == 0 {
		c.Media.DownloadTimeout = 5 * time.Minute
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 14
	}
}

// Validate rejects values the detector or server cannot run with.
func (c *Config) Validate() error {
	if c.Model.Conf < 0 || c.Model.Conf > 1 {
		return fmt.Errorf("model.conf must be between 0.0 and 1.0, got %f", c.Model.Conf)
	}
	if c.Model.Iou < 0 || c.Model.Iou > 1 {
		return fmt.Errorf("model.iou must be between 0.0 and 1.0, got %f", c.Model.Iou)
	}
	if c.Model.InputSize%32 != 0 || c.Model.InputSize < 0 {
		return fmt.Errorf("model.inputSize must be a positive multiple of 32, got %d", c.Model.InputSize)
	}
	for name, port := range map[string]int{"HTTPPort": c.HTTPPort, "RPCPort": c.RPCPort, "MetricsPort": c.MetricsPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.UseRegServer && c.RegServerHost == "" {
		return errors.New("UseRegServer is set but RegServerHost is empty")
	}
	return nil
}

// Warnings lists settings that are accepted but probably unintended.
func (c *Config) Warnings() []string {
	var out []string
	if c.WorkersNum > runtime.NumCPU() {
		out = append(out, "workersNum exceeds CPU cores, which may lead to performance degradation")
	}
	if c.Model.UseGPU && c.WorkersNum > 1 {
		out = append(out, "every worker holds its own copy of the model in GPU memory")
	}
	return out
}
