package view

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"geotrackd/internal/tracking/domain"

	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	auth       domain.Authorization
	sample     domain.PositionSample
	fetchErr   error
	startErr   error
	onUpdate   func(domain.PositionSample)
	startCalls int
	stopCalls  int
	tracking   bool
}

func (f *fakeTracker) RequestPermissions(context.Context) domain.Authorization {
	return f.auth
}

func (f *fakeTracker) CurrentLocation(context.Context) (domain.PositionSample, error) {
	if f.fetchErr != nil {
		return domain.PositionSample{}, f.fetchErr
	}
	return f.sample, nil
}

func (f *fakeTracker) StartTracking(_ context.Context, onUpdate func(domain.PositionSample)) error {
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.onUpdate = onUpdate
	f.tracking = true
	return nil
}

func (f *fakeTracker) StopTracking(context.Context) {
	f.stopCalls++
	f.tracking = false
}

func (f *fakeTracker) IsTracking() bool { return f.tracking }

func (f *fakeTracker) LastSample() (domain.PositionSample, bool) {
	return f.sample, true
}

func grantedTracker() *fakeTracker {
	return &fakeTracker{
		auth: domain.Authorization{
			Foreground: domain.PermissionGranted,
			Background: domain.PermissionGranted,
		},
		sample: domain.PositionSample{
			Latitude:    37.123456789,
			Longitude:   -122.0,
			Accuracy:    5.0,
			HasAccuracy: true,
			CapturedAt:  time.UnixMilli(1000).UTC(),
		},
	}
}

func newTestView(tracker Tracker) *View {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), tracker)
}

func confirmYes() bool { return true }
func confirmNo() bool  { return false }

func TestMountGranted(t *testing.T) {
	v := newTestView(grantedTracker())
	v.Mount(context.Background())

	snap := v.Snapshot()
	require.Equal(t, PhaseGranted, snap.Phase)
	require.Nil(t, snap.Notice)
	require.False(t, snap.Tracking)
}

func TestMountDeniedRaisesBlockingNotice(t *testing.T) {
	tracker := &fakeTracker{auth: domain.Authorization{Foreground: domain.PermissionDenied}}
	v := newTestView(tracker)
	v.Mount(context.Background())

	snap := v.Snapshot()
	require.Equal(t, PhaseDenied, snap.Phase)
	require.NotNil(t, snap.Notice)
	require.True(t, snap.Notice.Blocking)

	v.AcknowledgeNotice()
	require.Nil(t, v.Snapshot().Notice)

	// user grants from system settings, then re-requests
	tracker.auth = domain.Authorization{Foreground: domain.PermissionGranted}
	v.RequestPermission(context.Background())
	require.Equal(t, PhaseGranted, v.Snapshot().Phase)
}

func TestStartRequiresConfirmation(t *testing.T) {
	tracker := grantedTracker()
	v := newTestView(tracker)
	v.Mount(context.Background())

	v.Start(context.Background(), confirmNo)

	require.False(t, v.Snapshot().Tracking)
	require.Zero(t, tracker.startCalls)
}

func TestStartPopulatesDisplayBeforeFirstWatchUpdate(t *testing.T) {
	tracker := grantedTracker()
	v := newTestView(tracker)
	v.Mount(context.Background())

	v.Start(context.Background(), confirmYes)

	snap := v.Snapshot()
	require.True(t, snap.Tracking)
	require.Equal(t, "37.123457", snap.Latitude)
	require.Equal(t, "-122.000000", snap.Longitude)
	require.Equal(t, "±5.0m", snap.Accuracy)
	require.Equal(t, 1, tracker.startCalls)
}

func TestStartWithoutPermissionIsIgnored(t *testing.T) {
	tracker := &fakeTracker{auth: domain.Authorization{Foreground: domain.PermissionDenied}}
	v := newTestView(tracker)
	v.Mount(context.Background())

	v.Start(context.Background(), confirmYes)

	require.False(t, v.Snapshot().Tracking)
	require.Zero(t, tracker.startCalls)
}

func TestFetchFailureRaisesDismissibleNoticeButTrackingStarts(t *testing.T) {
	tracker := grantedTracker()
	tracker.fetchErr = errors.New("gps unavailable")
	v := newTestView(tracker)
	v.Mount(context.Background())

	v.Start(context.Background(), confirmYes)

	snap := v.Snapshot()
	require.True(t, snap.Tracking)
	require.NotNil(t, snap.Notice)
	require.False(t, snap.Notice.Blocking, "fetch failures are dismissible, not blocking")
}

func TestStartFailureKeepsViewStopped(t *testing.T) {
	tracker := grantedTracker()
	tracker.startErr = errors.New("daemon unreachable")
	v := newTestView(tracker)
	v.Mount(context.Background())

	v.Start(context.Background(), confirmYes)

	snap := v.Snapshot()
	require.False(t, snap.Tracking)
	require.NotNil(t, snap.Notice)
}

func TestWatchUpdatesRefreshDisplay(t *testing.T) {
	tracker := grantedTracker()
	v := newTestView(tracker)
	v.Mount(context.Background())
	v.Start(context.Background(), confirmYes)

	require.NotNil(t, tracker.onUpdate)
	tracker.onUpdate(domain.PositionSample{Latitude: 37.0001, Longitude: -122.0, CapturedAt: time.UnixMilli(11000).UTC()})

	snap := v.Snapshot()
	require.Equal(t, "37.000100", snap.Latitude)
	require.Equal(t, "Unknown", snap.Accuracy)
	require.False(t, snap.LastUpdatedAt.IsZero())
}

func TestStopClearsLastUpdatedTimestamp(t *testing.T) {
	tracker := grantedTracker()
	v := newTestView(tracker)
	v.Mount(context.Background())
	v.Start(context.Background(), confirmYes)
	tracker.onUpdate(tracker.sample)

	v.Stop(context.Background())

	snap := v.Snapshot()
	require.False(t, snap.Tracking)
	require.True(t, snap.LastUpdatedAt.IsZero())
	require.Equal(t, 1, tracker.stopCalls)
}

func TestUnmountWhileTrackingReleasesSubscription(t *testing.T) {
	tracker := grantedTracker()
	v := newTestView(tracker)
	v.Mount(context.Background())
	v.Start(context.Background(), confirmYes)

	v.Unmount(context.Background())

	require.Equal(t, 1, tracker.stopCalls)
	require.False(t, v.Snapshot().Tracking)
}

func TestUnmountWhileStoppedDoesNothing(t *testing.T) {
	tracker := grantedTracker()
	v := newTestView(tracker)
	v.Mount(context.Background())

	v.Unmount(context.Background())

	require.Zero(t, tracker.stopCalls)
}
