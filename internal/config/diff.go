package config

// ConfigDiff describes what changed between two configs.
// Only the log level applies to a running session; every other change is
// reported so the caller can say it takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GeminiChanged  bool
	AudioChanged   bool
	SessionChanged bool
	DeckChanged    bool
}

// RestartRequired reports whether any change only applies to a new session.
func (d ConfigDiff) RestartRequired() bool {
	return d.GeminiChanged || d.AudioChanged || d.SessionChanged || d.DeckChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.GeminiChanged = old.Gemini != new.Gemini
	d.AudioChanged = old.Audio != new.Audio
	d.SessionChanged = old.Session != new.Session
	d.DeckChanged = old.Deck != new.Deck

	return d
}
