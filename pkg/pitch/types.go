package pitch

import "time"

// Estimate is one raw fundamental-frequency measurement from the analysis
// pipeline. A zero FrequencyHz with zero Confidence means the window held
// no detectable pitch.
type Estimate struct {
	FrequencyHz float64
	Confidence  float64

	// Timestamp is the stream position of the window's first sample.
	Timestamp time.Duration
}

// TuningTarget names a frequency the player is tuning toward, such as one
// guitar string.
type TuningTarget struct {
	Name        string
	FrequencyHz float64
}

// NoteResult places a frequency on the equal-temperament scale.
type NoteResult struct {
	// Note is the pitch class: "C", "C#", ... "B".
	Note   string `json:"note"`
	Octave int    `json:"octave"`

	// CentsOffset is the signed distance to TargetHz in cents. Without
	// tuning targets it is the distance to the nearest chromatic note,
	// always in [-50, 50).
	CentsOffset float64 `json:"cents_offset"`

	// TargetHz is the frequency the offset is measured against: the matched
	// tuning target, or the nearest chromatic note's exact frequency.
	TargetHz float64 `json:"target_hz"`
}

// StableResult is the published output of the pipeline: the smoothed
// frequency, its note mapping, and whether the reading has settled.
type StableResult struct {
	NoteResult

	// FrequencyHz is the median-smoothed frequency, not the latest raw
	// estimate.
	FrequencyHz float64 `json:"frequency_hz"`

	// Confidence of the raw estimate behind this result.
	Confidence float64 `json:"confidence"`

	// Stable reports that recent estimates agree within the stability
	// tolerance. While false the result tracks the raw estimates.
	Stable bool `json:"stable"`

	// Timestamp is the stream position of the window that produced this
	// result.
	Timestamp time.Duration `json:"timestamp"`
}

// StandardGuitar returns the six open strings of a guitar in standard
// tuning, low to high.
func StandardGuitar() []TuningTarget {
	return []TuningTarget{
		{Name: "E2", FrequencyHz: 82.41},
		{Name: "A2", FrequencyHz: 110.00},
		{Name: "D3", FrequencyHz: 146.83},
		{Name: "G3", FrequencyHz: 196.00},
		{Name: "B3", FrequencyHz: 246.94},
		{Name: "E4", FrequencyHz: 329.63},
	}
}
