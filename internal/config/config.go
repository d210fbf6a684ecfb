// Package config loads gateway configuration from jsonc files and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

// Config holds every tunable of the gateway.
type Config struct {
	// Port the gateway listens on.
	Port int `json:"port"`
	// WorldURL is the websocket endpoint of the world server,
	// e.g. "ws://localhost:9100/runtime".
	WorldURL string `json:"worldUrl"`
	// WorldAssetURL is the world's asset store endpoint. Derived from
	// WorldURL when empty.
	WorldAssetURL string `json:"worldAssetUrl"`
	// DataDir holds persisted state (avatar proxy cache).
	DataDir string `json:"dataDir"`
	// AvatarLibraryPath points at the named-avatar table (JSON map).
	AvatarLibraryPath string `json:"avatarLibraryPath"`
	// AvatarAllowedHosts are origins served without proxying, in
	// addition to the world host itself.
	AvatarAllowedHosts []string `json:"avatarAllowedHosts"`
	// AvatarMaxBytes caps avatar downloads and uploads.
	AvatarMaxBytes int64 `json:"avatarMaxBytes"`
	// SpeakMaxLen caps chat text length, in characters.
	SpeakMaxLen int `json:"speakMaxLen"`
	// MoveDefaultMs is the move duration when none is given.
	MoveDefaultMs int `json:"moveDefaultMs"`
	// MoveMaxMs is the largest accepted move duration.
	MoveMaxMs int `json:"moveMaxMs"`
	// BufferCapacity bounds each session's event buffer.
	BufferCapacity int `json:"bufferCapacity"`
	// IdleTimeout despawns sessions with no activity, e.g. "5m".
	IdleTimeout Duration `json:"idleTimeout"`
	// LogLevel is the minimum log level ("debug", "info", ...).
	LogLevel string `json:"logLevel"`
	// LogPretty switches to human-readable console logs.
	LogPretty bool `json:"logPretty"`
	// EnableCORS opens the REST surface to browser front-ends.
	EnableCORS bool `json:"enableCors"`
}

// Duration is a time.Duration that unmarshals from "5m"-style strings
// or plain millisecond numbers.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var ms float64
	if err := json.Unmarshal(b, &ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           8420,
		WorldURL:       "ws://localhost:9100/runtime",
		DataDir:        defaultDataDir(),
		AvatarMaxBytes: 25 << 20,
		SpeakMaxLen:    500,
		MoveDefaultMs:  1000,
		MoveMaxMs:      10000,
		BufferCapacity: 500,
		IdleTimeout:    Duration(5 * time.Minute),
		LogLevel:       "info",
		EnableCORS:     true,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "worldgate")
	}
	return ".worldgate"
}

// Load builds the configuration: defaults, then the given file (or
// worldgate.json / worldgate.jsonc in the working directory when path
// is empty), then WORLDGATE_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = []string{"worldgate.json", "worldgate.jsonc"}
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) && path == "" {
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}

	applyEnv(cfg)

	if cfg.WorldAssetURL == "" {
		cfg.WorldAssetURL = assetURLFromWorld(cfg.WorldURL)
	}
	return cfg, nil
}

// applyEnv overlays WORLDGATE_* environment variables. Environment wins
// over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WORLDGATE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("WORLDGATE_WORLD_URL"); v != "" {
		cfg.WorldURL = v
	}
	if v := os.Getenv("WORLDGATE_WORLD_ASSET_URL"); v != "" {
		cfg.WorldAssetURL = v
	}
	if v := os.Getenv("WORLDGATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WORLDGATE_AVATAR_LIBRARY"); v != "" {
		cfg.AvatarLibraryPath = v
	}
	if v := os.Getenv("WORLDGATE_IDLE_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = Duration(parsed)
		}
	}
	if v := os.Getenv("WORLDGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// assetURLFromWorld rewrites a ws(s) world URL into the http(s) asset
// endpoint on the same host.
func assetURLFromWorld(worldURL string) string {
	u, err := url.Parse(worldURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/assets"
	u.RawQuery = ""
	return u.String()
}
