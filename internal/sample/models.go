package sample

import "time"

// Source identifies which acquisition channel produced a sample.
type Source string

const (
	SourceWatch      Source = "watch"
	SourceManual     Source = "manual"
	SourceKeepAlive  Source = "keep-alive"
	SourceBackground Source = "background"
)

// Actions carried by location and status messages.
const (
	ActionTracking = "tracking"
	ActionStopped  = "stopped"
)

// Position is a raw fix as reported by the platform.
type Position struct {
	Latitude  float64   `json:"latitude" yaml:"latitude"`
	Longitude float64   `json:"longitude" yaml:"longitude"`
	Accuracy  float64   `json:"accuracy" yaml:"accuracy"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

type Battery struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

type Network struct {
	Type     string  `json:"type"`
	Downlink float64 `json:"downlink"`
	RTT      int     `json:"rtt"`
	SaveData bool    `json:"saveData"`
}

// Diagnostics is best-effort device metadata attached to a sample.
type Diagnostics struct {
	Battery         *Battery `json:"battery"`
	Network         *Network `json:"network"`
	UserAgent       string   `json:"userAgent,omitempty"`
	VisibilityState string   `json:"visibilityState,omitempty"`
}

// LocationSample is the unit of delivery. It is passed by value and never
// mutated once built.
type LocationSample struct {
	ID          string       `json:"id"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	Accuracy    float64      `json:"accuracy,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Action      string       `json:"action"`
	Source      Source       `json:"source,omitempty"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
	StoredAt    *time.Time   `json:"stored_at,omitempty"`
}

// WithStoredAt returns a copy stamped with the time it entered the offline batch.
func (s LocationSample) WithStoredAt(t time.Time) LocationSample {
	s.StoredAt = &t
	return s
}
