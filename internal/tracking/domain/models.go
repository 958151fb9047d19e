package domain

import "time"

// PositionSample is a single fix from the positioning daemon. Samples are
// immutable; each delivery replaces the previous one wholesale.
type PositionSample struct {
	Latitude    float64
	Longitude   float64
	Accuracy    float64 // meters; meaningful only when HasAccuracy
	HasAccuracy bool
	CapturedAt  time.Time
}

// PermissionState transitions only through an explicit permission request,
// never inferred from position failures.
type PermissionState string

const (
	PermissionUnknown PermissionState = "UNKNOWN"
	PermissionDenied  PermissionState = "DENIED"
	PermissionGranted PermissionState = "GRANTED"
)

// Scope names the two authorization levels the daemon knows about.
type Scope string

const (
	ScopeForeground Scope = "foreground"
	ScopeBackground Scope = "background"
)

// Authorization is the outcome of a full permission round. Background denial
// is non-fatal: Granted reports the foreground state only, so callers that
// need to distinguish foreground-only mode inspect Background directly.
type Authorization struct {
	Foreground PermissionState
	Background PermissionState
}

func (a Authorization) Granted() bool {
	return a.Foreground == PermissionGranted
}

// ForegroundOnly reports whether tracking may run but not survive backgrounding.
func (a Authorization) ForegroundOnly() bool {
	return a.Foreground == PermissionGranted && a.Background != PermissionGranted
}

// Accuracy selects the fix quality requested from the daemon.
type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
)

// WatchConfig parameterizes a continuous watch.
type WatchConfig struct {
	Accuracy        Accuracy
	MinInterval     time.Duration
	MinDisplacement float64 // meters
}

// Notification describes the user-visible indicator shown while the
// background watch is registered.
type Notification struct {
	Title string
	Body  string
	Color string
}

// BackgroundConfig extends WatchConfig with the deferred-delivery window the
// daemon may use to batch samples while the process is not foregrounded.
type BackgroundConfig struct {
	WatchConfig
	DeferredWindow time.Duration
	Notification   Notification
}
