// Package config loads the optional weave-compute configuration file.
//
// The file lives at $XDG_CONFIG_HOME/weave/config.toml (falling back to
// ~/.config/weave) and can be relocated with --config-dir or the
// WEAVE_CONFIG_DIR environment variable. A missing file yields the
// defaults; a malformed file is an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/hurricanerix/weave-compute/internal/engine"
)

const configFile = "config.toml"

// configDir overrides the derived config directory when set (from the
// --config-dir flag or WEAVE_CONFIG_DIR).
var configDir string

// SetConfigDir overrides the config directory. An empty value restores the
// default derivation.
func SetConfigDir(dir string) {
	configDir = dir
}

// Home returns the weave config directory.
func Home() string {
	if configDir != "" {
		return configDir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "weave")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".weave")
	}
	return filepath.Join(home, ".config", "weave")
}

// Path returns the full path of the config file.
func Path() string {
	return filepath.Join(Home(), configFile)
}

// Daemon holds the connection-handling knobs.
type Daemon struct {
	// ReadTimeoutSeconds and WriteTimeoutSeconds apply to server-mode
	// client connections. Zero disables the deadline.
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	LogLevel            string `toml:"log_level"`
}

// Config is the root of config.toml.
type Config struct {
	Engine engine.Config `toml:"engine"`
	Daemon Daemon        `toml:"daemon"`
}

// Default returns the built-in configuration: the pattern backend with the
// conventional model layout under ./models, 60 s read / 5 s write
// connection timeouts, and info-level logging.
func Default() Config {
	return Config{
		Engine: engine.Config{
			Backend:        engine.BackendPattern,
			ModelPath:      "./models/sd3.5_medium.safetensors",
			ClipLPath:      "./models/clip_l.safetensors",
			ClipGPath:      "./models/clip_g.safetensors",
			T5XXLPath:      "./models/t5xxl_fp8_e4m3fn.safetensors",
			Threads:        -1,
			KeepClipOnCPU:  true,
			KeepVAEOnCPU:   false,
			FlashAttention: true,
		},
		Daemon: Daemon{
			ReadTimeoutSeconds:  60,
			WriteTimeoutSeconds: 5,
			LogLevel:            "info",
		},
	}
}

// Load reads config.toml, layering it over the defaults. A missing file is
// not an error.
func Load() (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading %s: %w", Path(), err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", Path(), err)
	}
	return cfg, nil
}
