// Package pitch maps fundamental-frequency estimates onto the
// equal-temperament scale and smooths them into stable, display-ready
// results.
package pitch

import (
	"errors"
	"fmt"
	"math"
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Mapper converts frequencies to notes. With tuning targets configured it
// matches the nearest target instead of the nearest chromatic note, so a
// badly detuned string still reads against the string the player means.
//
// Mapper is immutable and safe for concurrent use.
type Mapper struct {
	referenceHz float64
	targets     []TuningTarget
}

// NewMapper creates a mapper with the given reference pitch for A4
// (concert pitch is 440 Hz). targets may be nil for chromatic mapping.
func NewMapper(referenceHz float64, targets []TuningTarget) (*Mapper, error) {
	if referenceHz <= 0 {
		return nil, fmt.Errorf("reference pitch must be positive, got %g", referenceHz)
	}
	var errs []error
	for _, t := range targets {
		if t.FrequencyHz <= 0 {
			errs = append(errs, fmt.Errorf("tuning target %q frequency must be positive, got %g", t.Name, t.FrequencyHz))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	m := &Mapper{referenceHz: referenceHz}
	if len(targets) > 0 {
		m.targets = make([]TuningTarget, len(targets))
		copy(m.targets, targets)
	}
	return m, nil
}

// ReferenceHz returns the mapper's A4 reference pitch.
func (m *Mapper) ReferenceHz() float64 { return m.referenceHz }

// Targets returns the configured tuning targets, nil for chromatic mapping.
func (m *Mapper) Targets() []TuningTarget {
	if m.targets == nil {
		return nil
	}
	out := make([]TuningTarget, len(m.targets))
	copy(out, m.targets)
	return out
}

// Map places freqHz on the scale. Non-positive frequencies return the zero
// NoteResult.
func (m *Mapper) Map(freqHz float64) NoteResult {
	if freqHz <= 0 {
		return NoteResult{}
	}
	if len(m.targets) > 0 {
		return m.mapToTarget(freqHz)
	}

	semis := 12 * math.Log2(freqHz/m.referenceHz)
	// Round half up so the offset stays in [-50, 50).
	n := math.Floor(semis + 0.5)
	midi := int(n) + 69
	return NoteResult{
		Note:        noteName(midi),
		Octave:      noteOctave(midi),
		CentsOffset: 100 * (semis - n),
		TargetHz:    m.referenceHz * math.Exp2(n/12),
	}
}

// mapToTarget picks the target with the smallest absolute distance in cents
// and measures the offset against it. The offset is unbounded: a string a
// whole tone off still reads against its intended target.
func (m *Mapper) mapToTarget(freqHz float64) NoteResult {
	best := m.targets[0]
	bestCents := centsBetween(freqHz, best.FrequencyHz)
	for _, t := range m.targets[1:] {
		if c := centsBetween(freqHz, t.FrequencyHz); math.Abs(c) < math.Abs(bestCents) {
			best, bestCents = t, c
		}
	}

	midi := m.nearestMIDI(best.FrequencyHz)
	return NoteResult{
		Note:        noteName(midi),
		Octave:      noteOctave(midi),
		CentsOffset: bestCents,
		TargetHz:    best.FrequencyHz,
	}
}

// centsBetween returns the signed distance from target to f in cents.
func centsBetween(f, target float64) float64 {
	return 1200 * math.Log2(f/target)
}

func (m *Mapper) nearestMIDI(freqHz float64) int {
	semis := 12 * math.Log2(freqHz/m.referenceHz)
	return int(math.Floor(semis+0.5)) + 69
}

func noteName(midi int) string {
	return noteNames[((midi%12)+12)%12]
}

func noteOctave(midi int) int {
	return int(math.Floor(float64(midi)/12)) - 1
}
