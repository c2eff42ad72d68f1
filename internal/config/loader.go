package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero Config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills values that may come from the environment. getenv is
// usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = getenv(EnvAPIKey)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Gemini
	if cfg.Gemini.ParseErrorThreshold < 0 {
		errs = append(errs, fmt.Errorf("gemini.parse_error_threshold %d must not be negative", cfg.Gemini.ParseErrorThreshold))
	}

	// Audio
	if cfg.Audio.PlaybackBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_buffer %d must not be negative", cfg.Audio.PlaybackBuffer))
	}
	if r := cfg.Audio.SpeakerRate; r != 0 && (r < 8000 || r > 192000) {
		errs = append(errs, fmt.Errorf("audio.speaker_rate %d is out of range [8000, 192000]", r))
	}

	// Session
	for name, d := range map[string]time.Duration{
		"session.pacing_delay":  cfg.Session.PacingDelay,
		"session.stop_timeout":  cfg.Session.StopTimeout,
		"session.drain_timeout": cfg.Session.DrainTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %v must not be negative", name, d))
		}
	}

	// Deck
	switch cfg.Deck.Driver {
	case "", DeckFile:
		if cfg.Deck.Path == "" {
			errs = append(errs, errors.New("deck.path is required for the file driver"))
		}
		if cfg.Deck.DSN != "" {
			slog.Warn("deck.dsn is ignored by the file driver")
		}
	case DeckPostgres:
		if cfg.Deck.DSN == "" {
			errs = append(errs, errors.New("deck.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("deck.driver %q is invalid; valid values: file, postgres", cfg.Deck.Driver))
	}
	if cfg.Deck.SessionLimit < 0 {
		errs = append(errs, fmt.Errorf("deck.session_limit %d must not be negative", cfg.Deck.SessionLimit))
	}

	return errors.Join(errs...)
}
