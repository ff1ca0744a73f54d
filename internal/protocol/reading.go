package protocol

import "time"

// Reading is one decoded physiological snapshot from an oximeter frame.
// Vital fields use pointers: nil means the device reported no valid value
// (finger removed, sensor still searching). A Reading is either fully
// decoded or not produced at all; there are no partially filled readings.
type Reading struct {
	FingerPresent  bool
	SpO2           *int     // percent
	PulseRate      *int     // beats per minute
	PerfusionIndex *float64 // percent
	CapturedAt     time.Time
}

// HasVitals reports whether the reading carries at least one valid vital.
func (r *Reading) HasVitals() bool {
	return r.SpO2 != nil || r.PulseRate != nil || r.PerfusionIndex != nil
}

func intPtr(v int) *int {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}
