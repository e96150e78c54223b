package otel

import "time"

// Config tunes the metrics pipeline.
type Config struct {
	Enabled        bool
	SQLiteEnabled  bool
	SinkEnabled    bool
	ExportInterval time.Duration
	ExportTimeout  time.Duration
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		SQLiteEnabled:  true,
		SinkEnabled:    true,
		ExportInterval: 30 * time.Second,
		ExportTimeout:  10 * time.Second,
	}
}
