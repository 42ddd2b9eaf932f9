package neuralguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"mvdan.cc/sh/v3/shell"

	defaults "github.com/Paranoid-AF/neuralguard/default"
)

// Device names accepted in the runtime.device setting.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Config represents the neuralguard configuration.
type Config struct {
	Runtime RuntimeConfig `toml:"runtime" json:"runtime"`
	Model   ModelConfig   `toml:"model" json:"model"`
	Log     LogConfig     `toml:"log" json:"log"`

	// undecoded lists keys present in the file but unknown to Config.
	undecoded []string
}

// RuntimeConfig holds ONNX Runtime settings.
type RuntimeConfig struct {
	LibraryPath  string `toml:"library_path" json:"library_path"`
	Device       string `toml:"device" json:"device"`
	CUDADeviceID int    `toml:"cuda_device_id" json:"cuda_device_id"`
}

// ModelConfig holds model artifact settings. The model repository itself is fixed (see ModelID).
type ModelConfig struct {
	CacheDir string `toml:"cache_dir" json:"cache_dir"`
	ONNXFile string `toml:"onnx_file" json:"onnx_file"`
}

// LogConfig holds settings for the optional rotating log file.
type LogConfig struct {
	File       string `toml:"file" json:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days"`
}

// ConfigDir returns the config directory path.
// Resolution order: $NEURALGUARD_CONFIG_DIR > $XDG_CONFIG_HOME/neuralguard > ~/.config/neuralguard
func ConfigDir() string {
	if dir := os.Getenv("NEURALGUARD_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "neuralguard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "neuralguard-config")
	}
	return filepath.Join(home, ".config", "neuralguard")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(defaults.DefaultConfigTOML, &cfg); err != nil {
		panic("neuralguard: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from the default path or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile loads config from path or returns defaults if the file does not exist.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		cfg.undecoded = append(cfg.undecoded, key.String())
	}

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Runtime.Device == "" {
		cfg.Runtime.Device = defaults.Runtime.Device
	}
	if cfg.Model.ONNXFile == "" {
		cfg.Model.ONNXFile = defaults.Model.ONNXFile
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = defaults.Log.MaxBackups
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = defaults.Log.MaxAgeDays
	}

	for _, p := range []*string{&cfg.Runtime.LibraryPath, &cfg.Model.CacheDir, &cfg.Log.File} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		*p = expanded
	}

	return &cfg, nil
}

// ExpandPath expands a leading ~ and $VAR references the way a shell would.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	// Expand treats its input as double-quoted, which leaves ~ alone.
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", p, err)
		}
		p = home + p[1:]
	}
	expanded, err := shell.Expand(p, os.Getenv)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return expanded, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	for _, key := range cfg.undecoded {
		warnings = append(warnings, "unknown config key: "+key)
	}
	switch cfg.Runtime.Device {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown runtime.device %q; falling back to %q", cfg.Runtime.Device, DeviceAuto))
	}
	if cfg.Runtime.CUDADeviceID < 0 {
		warnings = append(warnings, "runtime.cuda_device_id is negative; using 0")
	}
	return warnings
}

// ResolveLibraryPath returns the ONNX Runtime shared library path.
// Priority: $NEURALGUARD_ORT_LIBRARY env > config value.
func ResolveLibraryPath(cfg *Config) string {
	if path := os.Getenv("NEURALGUARD_ORT_LIBRARY"); path != "" {
		return path
	}
	if cfg != nil {
		return cfg.Runtime.LibraryPath
	}
	return ""
}

// ResolveDevice returns the requested device name, normalized to one of the Device* constants.
// Priority: $NEURALGUARD_DEVICE env > config value.
func ResolveDevice(cfg *Config) string {
	dev := os.Getenv("NEURALGUARD_DEVICE")
	if dev == "" && cfg != nil {
		dev = cfg.Runtime.Device
	}
	switch dev {
	case DeviceCPU, DeviceCUDA:
		return dev
	default:
		return DeviceAuto
	}
}

// ResolveCacheDir returns the model cache directory, empty for the hub default.
// Priority: $NEURALGUARD_CACHE_DIR env > config value.
func ResolveCacheDir(cfg *Config) string {
	if dir := os.Getenv("NEURALGUARD_CACHE_DIR"); dir != "" {
		return dir
	}
	if cfg != nil {
		return cfg.Model.CacheDir
	}
	return ""
}

// ResolveHFToken returns the Hugging Face access token from $HF_TOKEN, if any.
func ResolveHFToken() string {
	return os.Getenv("HF_TOKEN")
}
