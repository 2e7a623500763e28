package app

import (
	"fmt"

	"github.com/quindar/pitchline/pkg/pitch"
)

// inTuneCents is the offset band the printer reports as in tune. Two
// cents sits under the just-noticeable difference for sustained tones.
const inTuneCents = 2.0

// formatResult renders one estimate as a tuner line:
//
//	* A4     440.00 Hz    +0.0 cents  in tune
//	  E2      81.80 Hz    -8.5 cents  tune up
//
// The marker column shows "*" once the reading has settled.
func formatResult(r pitch.StableResult) string {
	marker := " "
	if r.Stable {
		marker = "*"
	}

	direction := "in tune"
	switch {
	case r.CentsOffset < -inTuneCents:
		direction = "tune up"
	case r.CentsOffset > inTuneCents:
		direction = "tune down"
	}

	note := fmt.Sprintf("%s%d", r.Note, r.Octave)
	return fmt.Sprintf("%s %-4s %8.2f Hz  %+6.1f cents  %s",
		marker, note, r.FrequencyHz, r.CentsOffset, direction)
}
