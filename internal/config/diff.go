package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs and whether the
// change can be applied to a running engine. Log level and the tuning
// section swap in place; everything else reshapes the capture or analysis
// chain and needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged reports a new reference pitch, preset, or target list.
	TuningChanged bool

	// RestartNeeded reports changes outside the hot-applicable set, with
	// the changed sections named in RestartReasons.
	RestartNeeded  bool
	RestartReasons []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Tuning.ReferencePitchHz != new.Tuning.ReferencePitchHz ||
		old.Tuning.Preset != new.Tuning.Preset ||
		!slices.Equal(old.Tuning.Targets, new.Tuning.Targets) {
		d.TuningChanged = true
	}

	restart := func(section string) {
		d.RestartNeeded = true
		d.RestartReasons = append(d.RestartReasons, section)
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		restart("server.listen_addr")
	}
	// Options is a free-form map, so the source section needs DeepEqual.
	if !reflect.DeepEqual(old.Source, new.Source) {
		restart("source")
	}
	if old.Audio != new.Audio {
		restart("audio")
	}
	if old.Analysis != new.Analysis {
		restart("analysis")
	}
	if old.Stability != new.Stability {
		restart("stability")
	}

	return d
}
