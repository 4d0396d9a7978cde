package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (addresses, providers, audio parameters) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true when any hot-reloadable pipeline field changed.
	// New sessions pick the new values up; running sessions keep theirs.
	PipelineChanged bool
	NewPipeline     PipelineConfig
}

// Any reports whether the diff contains any change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PipelineChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Pipeline, new.Pipeline
	if op.SystemPrompt != np.SystemPrompt ||
		op.InitialMinChars != np.InitialMinChars ||
		op.RemainingChunkChars != np.RemainingChunkChars ||
		op.Temperature != np.Temperature ||
		op.MaxTokens != np.MaxTokens ||
		op.HistoryExchanges != np.HistoryExchanges ||
		!slices.Equal(op.NoiseSentinels, np.NoiseSentinels) {
		d.PipelineChanged = true
		d.NewPipeline = np
	}

	return d
}
