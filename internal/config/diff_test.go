package config_test

import (
	"testing"
	"time"

	"github.com/MoPaMo/anki-gemini-live/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Gemini:  config.GeminiConfig{APIKey: "k", Model: "gemini-2.0-flash-exp"},
		Session: config.SessionConfig{PacingDelay: 2 * time.Second},
		Deck:    config.DeckConfig{Path: "cards.yaml"},
	}
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.RestartRequired() {
		t.Errorf("Diff of equal configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("LogLevelChanged = %v, NewLogLevel = %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if d.RestartRequired() {
		t.Error("log level change should apply live")
	}
}

func TestDiff_RestartSections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"gemini", func(c *config.Config) { c.Gemini.Voice = "Puck" }, func(d config.ConfigDiff) bool { return d.GeminiChanged }},
		{"audio", func(c *config.Config) { c.Audio.PlaybackBuffer = 8 }, func(d config.ConfigDiff) bool { return d.AudioChanged }},
		{"session", func(c *config.Config) { c.Session.ExplanationEnabled = true }, func(d config.ConfigDiff) bool { return d.SessionChanged }},
		{"deck", func(c *config.Config) { c.Deck.SessionLimit = 10 }, func(d config.ConfigDiff) bool { return d.DeckChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			newCfg := baseConfig()
			tt.mutate(newCfg)
			d := config.Diff(baseConfig(), newCfg)
			if !tt.check(d) {
				t.Errorf("change not detected: %+v", d)
			}
			if !d.RestartRequired() {
				t.Error("RestartRequired() = false")
			}
		})
	}
}
