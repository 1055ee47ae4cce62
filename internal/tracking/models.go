package tracking

import (
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

// LocationUpdate is one inbound location, from /location-update or an entry of
// /location-batch. Coordinates are pointers so a zero coordinate still counts
// as present.
type LocationUpdate struct {
	ID          string              `json:"id" validate:"required"`
	Latitude    *float64            `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude   *float64            `json:"longitude" validate:"required,gte=-180,lte=180"`
	Accuracy    *float64            `json:"accuracy,omitempty"`
	Timestamp   *time.Time          `json:"timestamp,omitempty"`
	Action      string              `json:"action,omitempty"`
	Source      string              `json:"source,omitempty"`
	Diagnostics *sample.Diagnostics `json:"diagnostics,omitempty"`
	StoredAt    *time.Time          `json:"stored_at,omitempty"`
}

type BatchRequest struct {
	Locations []LocationUpdate `json:"locations"`
}

type StatusRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

type RenameRequest struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
}

// Point is a stored location as returned to dashboards.
type Point struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackerView is the per-tracker body of the /locations endpoints.
type TrackerView struct {
	IsActive   bool       `json:"isActive"`
	Locations  []Point    `json:"locations"`
	LastUpdate *time.Time `json:"lastUpdate"`
}

// Broadcast is the live stream message for an accepted location.
type Broadcast struct {
	TrackerID string `json:"id"`
	Point
}

// CleanupResult counts what a retention pass removed.
type CleanupResult struct {
	Points   int64
	Trackers int64
}
