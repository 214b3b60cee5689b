package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultStatusTail    = 10
	defaultStateDirLinux = ".local/state/prism"
	defaultConfigDir     = ".config/prism"
	envPrefix            = "PRISM_"
)

// Config holds user configuration loaded from TOML.
type Config struct {
	Audio struct {
		SampleRate int `toml:"sample_rate"`
		Channels   int `toml:"channels"`
	} `toml:"audio"`

	Preload struct {
		Strategy        string  `toml:"strategy"` // conservative, default, aggressive
		PreloadDuration float64 `toml:"preload_duration_sec"`
		FastWindow      float64 `toml:"fast_window_sec"`
		MaxConcurrent   int     `toml:"max_concurrent"`
	} `toml:"preload"`

	Cache struct {
		MaxMB    int `toml:"max_mb"`
		MaxItems int `toml:"max_items"`
	} `toml:"cache"`

	Pressure struct {
		Watch       bool `toml:"watch"`
		IntervalMS  int  `toml:"interval_ms"`
		SoftLimitMB int  `toml:"soft_limit_mb"`
	} `toml:"pressure"`

	Recognition struct {
		Auto                 bool    `toml:"auto"`
		SegmentSec           float64 `toml:"segment_sec"`
		FirstFrameTimeoutSec float64 `toml:"first_frame_timeout_sec"`
		LoadTimeoutSec       float64 `toml:"load_timeout_sec"`
		CancelledTokenCap    int     `toml:"cancelled_token_cap"`
		TickMS               int     `toml:"tick_ms"`
	} `toml:"recognition"`

	ASR struct {
		ModelPath         string `toml:"model_path"`
		Language          string `toml:"language"`
		Threads           int    `toml:"threads"`
		VADAggressiveness int    `toml:"vad_aggressiveness"`
	} `toml:"asr"`

	Hook struct {
		Command    string            `toml:"command"`
		Args       []string          `toml:"args"`
		ArgLine    string            `toml:"arg_line"` // shell-style, appended after args
		MinChars   int               `toml:"min_chars"`
		QueueSize  int               `toml:"queue_size"`
		TimeoutSec float64           `toml:"timeout_sec"`
		Env        map[string]string `toml:"env"`
	} `toml:"hook"`

	Logging struct {
		Level  string `toml:"level"`  // debug, info, warn, error
		Format string `toml:"format"` // text, json
		Stdout bool   `toml:"stdout"`
	} `toml:"logging"`

	Paths struct {
		StateDir       string `toml:"state_dir"`
		LogPath        string `toml:"log_path"`
		TranscriptPath string `toml:"transcript_path"`
		SocketPath     string `toml:"socket_path"`
		PidPath        string `toml:"pid_path"`
		ConfigPath     string `toml:"-"`
	} `toml:"paths"`

	UI struct {
		StatusTail int `toml:"status_tail"`
	} `toml:"ui"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`

	Transcripts struct {
		Enabled bool `toml:"enabled"`
	} `toml:"transcripts"`
}

// Default returns Config populated with defaults.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Join(home, defaultStateDirLinux)
	// macOS prefers ~/Library/Application Support/prism for state/logs
	if isMac() {
		stateDir = filepath.Join(home, "Library", "Application Support", "prism")
	}

	cfg := &Config{}

	cfg.Audio.SampleRate = 16000
	cfg.Audio.Channels = 1

	cfg.Preload.Strategy = "default"
	cfg.Preload.MaxConcurrent = 3

	cfg.Cache.MaxMB = 0 // strategy decides
	cfg.Cache.MaxItems = 50

	cfg.Pressure.Watch = true
	cfg.Pressure.IntervalMS = 5000
	cfg.Pressure.SoftLimitMB = 512

	cfg.Recognition.Auto = true
	cfg.Recognition.SegmentSec = 0 // strategy decides
	cfg.Recognition.FirstFrameTimeoutSec = 10
	cfg.Recognition.LoadTimeoutSec = 5
	cfg.Recognition.CancelledTokenCap = 100
	cfg.Recognition.TickMS = 500

	cfg.ASR.ModelPath = filepath.Join(stateDir, "models", "ggml-base.en.bin")
	cfg.ASR.Language = "auto"
	cfg.ASR.VADAggressiveness = 2

	cfg.Hook.MinChars = 1
	cfg.Hook.QueueSize = 16
	cfg.Hook.TimeoutSec = 5
	cfg.Hook.Env = map[string]string{}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Paths.StateDir = stateDir
	cfg.Paths.LogPath = filepath.Join(stateDir, "prism.log")
	cfg.Paths.TranscriptPath = filepath.Join(stateDir, "transcripts.log")
	cfg.Paths.SocketPath = filepath.Join(stateDir, "prism.sock")
	cfg.Paths.PidPath = filepath.Join(stateDir, "prism.pid")

	cfg.UI.StatusTail = defaultStatusTail

	cfg.Metrics.Enabled = false
	cfg.Metrics.Addr = "127.0.0.1:9318"

	cfg.Transcripts.Enabled = true

	return cfg, nil
}

// DefaultPath is ~/.config/prism/config.toml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, defaultConfigDir, "config.toml")
}

// Load loads config from file, applying defaults, .env files and PRISM_*
// environment overrides in that order.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = DefaultPath()
	}
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	// Read if exists; otherwise write template.
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := Save(cfg, path); err != nil {
			return nil, err
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Paths.ConfigPath = path
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// loadDotEnv fills unset variables from the given files; missing files are fine.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func isMac() bool {
	return runtime.GOOS == "darwin"
}

// MustStatePaths ensures state dirs exist.
func MustStatePaths(cfg *Config) error {
	for _, p := range []string{cfg.Paths.StateDir, filepath.Dir(cfg.Paths.LogPath), filepath.Dir(cfg.Paths.TranscriptPath)} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := env("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := env("STRATEGY"); v != "" {
		cfg.Preload.Strategy = v
	}
	if v := env("MODEL_PATH"); v != "" {
		cfg.ASR.ModelPath = v
	}
	if v := env("AUTO_RECOGNIZE"); v != "" {
		cfg.Recognition.Auto = truthy(v)
	}
	if v := env("TRANSCRIPTS_ENABLED"); v != "" {
		cfg.Transcripts.Enabled = truthy(v)
	}
	if v := env("MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%sMAX_CONCURRENT: want a positive integer, got %q", envPrefix, v)
		}
		cfg.Preload.MaxConcurrent = n
	}
	if v := env("CACHE_MAX_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%sCACHE_MAX_MB: want a non-negative integer, got %q", envPrefix, v)
		}
		cfg.Cache.MaxMB = n
	}
	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func truthy(v string) bool {
	return v != "0" && strings.ToLower(v) != "false"
}
