// Package view holds the presentation state machine behind the tracker
// screen: a permission phase, a stopped/tracking toggle, and a formatted
// display snapshot. It delegates all tracking work to the coordinator
// instead of opening a watch of its own, so there is exactly one
// subscription owner in the process.
package view

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"geotrackd/internal/common/log"
	"geotrackd/internal/tracking/domain"
)

// PermissionPhase is the observable permission state of the screen.
type PermissionPhase string

const (
	PhaseChecking PermissionPhase = "CHECKING_PERMISSION"
	PhaseGranted  PermissionPhase = "GRANTED"
	PhaseDenied   PermissionPhase = "DENIED"
)

// Tracker is the slice of the coordinator the view depends on.
type Tracker interface {
	RequestPermissions(ctx context.Context) domain.Authorization
	CurrentLocation(ctx context.Context) (domain.PositionSample, error)
	StartTracking(ctx context.Context, onUpdate func(domain.PositionSample)) error
	StopTracking(ctx context.Context)
	IsTracking() bool
	LastSample() (domain.PositionSample, bool)
}

// Notice is a prompt surfaced to the user. Blocking notices require an
// explicit acknowledgement before the screen is usable again.
type Notice struct {
	Blocking bool
	Title    string
	Body     string
}

// Snapshot is the render-ready state of the screen.
type Snapshot struct {
	Phase         PermissionPhase `json:"phase"`
	Tracking      bool            `json:"tracking"`
	Latitude      string          `json:"latitude,omitempty"`
	Longitude     string          `json:"longitude,omitempty"`
	Accuracy      string          `json:"accuracy,omitempty"`
	LastUpdatedAt time.Time       `json:"last_updated_at,omitzero"`
	Notice        *Notice         `json:"notice,omitempty"`
}

type View struct {
	logger  *slog.Logger
	tracker Tracker

	mu            sync.Mutex
	phase         PermissionPhase
	tracking      bool
	sample        domain.PositionSample
	hasSample     bool
	lastUpdatedAt time.Time
	notice        *Notice
}

func New(logger *slog.Logger, tracker Tracker) *View {
	return &View{
		logger:  logger,
		tracker: tracker,
		phase:   PhaseChecking,
	}
}

// Mount runs the initial permission check. A denial raises a blocking
// notice that stays until acknowledged.
func (v *View) Mount(ctx context.Context) {
	v.checkPermission(ctx)
}

// RequestPermission re-runs the permission check after a denial.
func (v *View) RequestPermission(ctx context.Context) {
	v.checkPermission(ctx)
}

func (v *View) checkPermission(ctx context.Context) {
	v.mu.Lock()
	v.phase = PhaseChecking
	v.mu.Unlock()

	auth := v.tracker.RequestPermissions(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	if auth.Granted() {
		v.phase = PhaseGranted
		v.notice = nil
		return
	}
	v.phase = PhaseDenied
	v.notice = &Notice{
		Blocking: true,
		Title:    "Location permission required",
		Body:     "Location tracking needs permission to access your position.",
	}
}

// Start flips the screen to tracking after an explicit user confirmation.
// It performs a one-shot fetch so the display is populated before the first
// watch callback arrives, then subscribes through the coordinator. A start
// without confirmation is a no-op.
func (v *View) Start(ctx context.Context, confirm func() bool) {
	v.mu.Lock()
	if v.tracking || v.phase != PhaseGranted {
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	if confirm == nil || !confirm() {
		log.Info(ctx, v.logger, "start_declined", "User declined tracking confirmation")
		return
	}

	if sample, err := v.tracker.CurrentLocation(ctx); err == nil {
		v.mu.Lock()
		v.sample = sample
		v.hasSample = true
		v.mu.Unlock()
	} else {
		v.raiseNotice(false, "Location unavailable", "Could not fetch your current position.")
	}

	if err := v.tracker.StartTracking(ctx, v.onSample); err != nil {
		log.Error(ctx, v.logger, "view_start_fail", "Failed to start tracking from the view", err)
		v.raiseNotice(false, "Tracking failed", "Could not start location tracking.")
		return
	}

	v.mu.Lock()
	v.tracking = true
	v.mu.Unlock()
}

// Stop ends tracking and clears the last-update timestamp.
func (v *View) Stop(ctx context.Context) {
	v.mu.Lock()
	if !v.tracking {
		v.mu.Unlock()
		return
	}
	v.tracking = false
	v.lastUpdatedAt = time.Time{}
	v.mu.Unlock()

	v.tracker.StopTracking(ctx)
}

// Unmount releases the subscription no matter how the teardown was
// triggered.
func (v *View) Unmount(ctx context.Context) {
	v.mu.Lock()
	wasTracking := v.tracking
	v.tracking = false
	v.mu.Unlock()

	if wasTracking {
		v.tracker.StopTracking(ctx)
	}
}

func (v *View) raiseNotice(blocking bool, title, body string) {
	v.mu.Lock()
	v.notice = &Notice{Blocking: blocking, Title: title, Body: body}
	v.mu.Unlock()
}

// AcknowledgeNotice dismisses the pending prompt.
func (v *View) AcknowledgeNotice() {
	v.mu.Lock()
	v.notice = nil
	v.mu.Unlock()
}

// Snapshot returns the formatted state of the screen.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := Snapshot{
		Phase:         v.phase,
		Tracking:      v.tracking,
		LastUpdatedAt: v.lastUpdatedAt,
		Notice:        v.notice,
	}
	if v.hasSample {
		snap.Latitude = Coordinate(v.sample.Latitude)
		snap.Longitude = Coordinate(v.sample.Longitude)
		snap.Accuracy = AccuracyLabel(v.sample)
	}
	return snap
}

func (v *View) onSample(sample domain.PositionSample) {
	v.mu.Lock()
	v.sample = sample
	v.hasSample = true
	v.lastUpdatedAt = time.Now()
	v.mu.Unlock()
}
