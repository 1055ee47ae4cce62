package diagnostics

import (
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

// Category names double as the persisted keys.
type Category string

const (
	CategoryAttempts          Category = "tracking_logs"
	CategoryConnectionSuccess Category = "connection_success_logs"
	CategoryConnectionFailure Category = "connection_failure_logs"
	CategoryPendingFailure    Category = "pending_failure_logs"
	CategoryPing              Category = "ping_logs"
	CategoryLocationError     Category = "location_error_logs"
	CategoryWakeLock          Category = "wake_lock_logs"
	CategoryVisibility        Category = "visibility_logs"
	CategoryTrackingStatus    Category = "tracking_status_logs"
)

var capacities = map[Category]int{
	CategoryAttempts:          100,
	CategoryConnectionSuccess: 20,
	CategoryConnectionFailure: 50,
	CategoryPendingFailure:    50,
	CategoryPing:              20,
	CategoryLocationError:     20,
	CategoryWakeLock:          20,
	CategoryVisibility:        20,
	CategoryTrackingStatus:    20,
}

// Categories lists every category in upload order.
func Categories() []Category {
	return []Category{
		CategoryAttempts,
		CategoryConnectionSuccess,
		CategoryConnectionFailure,
		CategoryPendingFailure,
		CategoryPing,
		CategoryLocationError,
		CategoryWakeLock,
		CategoryVisibility,
		CategoryTrackingStatus,
	}
}

func Capacity(c Category) int { return capacities[c] }

// pendingThreshold is the failure count at which failures are mirrored into
// the pending category.
const pendingThreshold = 5

// attemptsUploaded bounds how many attempt entries go into one upload.
const attemptsUploaded = 20

const (
	EntryLocationAttempt = "location_attempt"
	EntryPingSuccess     = "success"
	EntryPingFailure     = "failure"
	EntryStarted         = "started"
	EntryStartFailed     = "start_failed"
)

// Entry is one diagnostic record. Each category fills the fields it needs.
type Entry struct {
	Type            string                 `json:"type,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	Error           string                 `json:"error,omitempty"`
	Message         string                 `json:"message,omitempty"`
	Code            int                    `json:"code,omitempty"`
	TrackingID      string                 `json:"trackingId,omitempty"`
	State           string                 `json:"state,omitempty"`
	VisibilityState string                 `json:"visibilityState,omitempty"`
	NetworkInfo     *sample.Network        `json:"networkInfo,omitempty"`
	Data            *sample.LocationSample `json:"data,omitempty"`
}

// Payload is the body of one diagnostics upload.
type Payload struct {
	DeviceID           string    `json:"deviceId"`
	Timestamp          time.Time `json:"timestamp"`
	UserAgent          string    `json:"userAgent,omitempty"`
	TrackingLogs       []Entry   `json:"trackingLogs,omitempty"`
	SuccessLogs        []Entry   `json:"successLogs,omitempty"`
	FailureLogs        []Entry   `json:"failureLogs,omitempty"`
	PendingFailureLogs []Entry   `json:"pendingFailureLogs,omitempty"`
	PingLogs           []Entry   `json:"pingLogs,omitempty"`
	LocationErrorLogs  []Entry   `json:"locationErrorLogs,omitempty"`
	WakeLockLogs       []Entry   `json:"wakeLockLogs,omitempty"`
	VisibilityLogs     []Entry   `json:"visibilityLogs,omitempty"`
	TrackingStatusLogs []Entry   `json:"trackingStatusLogs,omitempty"`
}

func (p Payload) empty() bool {
	return len(p.TrackingLogs) == 0 &&
		len(p.SuccessLogs) == 0 &&
		len(p.FailureLogs) == 0 &&
		len(p.PendingFailureLogs) == 0 &&
		len(p.PingLogs) == 0 &&
		len(p.LocationErrorLogs) == 0 &&
		len(p.WakeLockLogs) == 0 &&
		len(p.VisibilityLogs) == 0 &&
		len(p.TrackingStatusLogs) == 0
}
