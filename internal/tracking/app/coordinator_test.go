package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"geotrackd/internal/tracking/domain"

	"github.com/stretchr/testify/require"
)

type fakePerms struct {
	fg, bg       domain.PermissionState
	fgErr, bgErr error
}

func (f *fakePerms) Request(_ context.Context, scope domain.Scope) (domain.PermissionState, error) {
	if scope == domain.ScopeForeground {
		return f.fg, f.fgErr
	}
	return f.bg, f.bgErr
}

type fakePositions struct {
	sample domain.PositionSample
	err    error
	calls  int
}

func (f *fakePositions) Current(context.Context) (domain.PositionSample, error) {
	f.calls++
	if f.err != nil {
		return domain.PositionSample{}, f.err
	}
	return f.sample, nil
}

type fakeSub struct {
	id       string
	released int
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Release() error {
	s.released++
	return nil
}

type fakeWatch struct {
	err     error
	subs    []*fakeSub
	deliver func(domain.PositionSample)
}

func (f *fakeWatch) Watch(_ context.Context, _ domain.WatchConfig, deliver func(domain.PositionSample)) (domain.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeSub{id: fmt.Sprintf("sub-%d", len(f.subs)+1)}
	f.subs = append(f.subs, sub)
	f.deliver = deliver
	return sub, nil
}

func (f *fakeWatch) emit(s domain.PositionSample) { f.deliver(s) }

type fakeRegistrar struct {
	registered      bool
	checkErr        error
	registerErr     error
	registerCalls   int
	unregisterCalls int
}

func (f *fakeRegistrar) IsRegistered(context.Context) (bool, error) {
	return f.registered, f.checkErr
}

func (f *fakeRegistrar) Register(_ context.Context, _ domain.BackgroundConfig, _ func(domain.PositionSample)) error {
	f.registerCalls++
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = true
	return nil
}

func (f *fakeRegistrar) Unregister(context.Context) error {
	f.unregisterCalls++
	f.registered = false
	return nil
}

type recordingSink struct {
	samples []domain.PositionSample
	err     error
}

func (r *recordingSink) Store(_ context.Context, s domain.PositionSample) error {
	r.samples = append(r.samples, s)
	return r.err
}

func testConfigs() (domain.WatchConfig, domain.BackgroundConfig) {
	fg := domain.WatchConfig{
		Accuracy:        domain.AccuracyHigh,
		MinInterval:     10 * time.Second,
		MinDisplacement: 10,
	}
	bg := domain.BackgroundConfig{
		WatchConfig: domain.WatchConfig{
			Accuracy:        domain.AccuracyHigh,
			MinInterval:     30 * time.Second,
			MinDisplacement: 50,
		},
		DeferredWindow: 60 * time.Second,
	}
	return fg, bg
}

func newTestCoordinator(perms *fakePerms, positions *fakePositions, watch *fakeWatch, reg *fakeRegistrar, sinks ...domain.SampleSink) *Coordinator {
	fg, bg := testConfigs()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var registrar domain.BackgroundRegistrar
	if reg != nil {
		registrar = reg
	}
	return NewCoordinator(logger, perms, positions, watch, registrar, fg, bg, sinks...)
}

func grantedPerms() *fakePerms {
	return &fakePerms{fg: domain.PermissionGranted, bg: domain.PermissionGranted}
}

func sampleAt(lat, lon, acc float64, epochMillis int64) domain.PositionSample {
	return domain.PositionSample{
		Latitude:    lat,
		Longitude:   lon,
		Accuracy:    acc,
		HasAccuracy: true,
		CapturedAt:  time.UnixMilli(epochMillis).UTC(),
	}
}

func TestStartTrackingIsIdempotent(t *testing.T) {
	watch := &fakeWatch{}
	c := newTestCoordinator(grantedPerms(), &fakePositions{}, watch, nil)
	c.RequestPermissions(context.Background())

	require.NoError(t, c.StartTracking(context.Background(), nil))
	require.NoError(t, c.StartTracking(context.Background(), nil))

	require.Len(t, watch.subs, 1, "second start must not open a second subscription")
	require.True(t, c.IsTracking())
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	watch := &fakeWatch{}
	reg := &fakeRegistrar{}
	c := newTestCoordinator(grantedPerms(), &fakePositions{}, watch, reg)

	c.StopTracking(context.Background())

	require.False(t, c.IsTracking())
	require.Zero(t, reg.unregisterCalls)
}

func TestCurrentLocationFailureKeepsStoredSample(t *testing.T) {
	positions := &fakePositions{sample: sampleAt(37.0, -122.0, 5.0, 1000)}
	c := newTestCoordinator(grantedPerms(), positions, &fakeWatch{}, nil)

	first, err := c.CurrentLocation(context.Background())
	require.NoError(t, err)

	positions.err = errors.New("gps unavailable")
	_, err = c.CurrentLocation(context.Background())
	require.ErrorIs(t, err, domain.ErrProviderFailure)

	last, ok := c.LastSample()
	require.True(t, ok)
	require.Equal(t, first, last, "a failed fetch must not clear a previously good sample")
}

func TestStopThenStartOpensFreshSubscription(t *testing.T) {
	watch := &fakeWatch{}
	c := newTestCoordinator(grantedPerms(), &fakePositions{}, watch, nil)

	require.NoError(t, c.StartTracking(context.Background(), nil))
	c.StopTracking(context.Background())

	require.False(t, c.IsTracking())
	require.Equal(t, 1, watch.subs[0].released)

	require.NoError(t, c.StartTracking(context.Background(), nil))
	require.Len(t, watch.subs, 2, "restart must create a fresh subscription")
	require.Equal(t, "sub-2", watch.subs[1].ID())
}

func TestWatchDeliveryOrderAndCallback(t *testing.T) {
	watch := &fakeWatch{}
	c := newTestCoordinator(grantedPerms(), &fakePositions{}, watch, nil)

	var got []domain.PositionSample
	require.NoError(t, c.StartTracking(context.Background(), func(s domain.PositionSample) {
		got = append(got, s)
	}))

	first := sampleAt(37.0, -122.0, 5.0, 1000)
	second := sampleAt(37.0001, -122.0, 4.0, 11000)
	watch.emit(first)
	watch.emit(second)

	require.Equal(t, []domain.PositionSample{first, second}, got, "callback must fire exactly twice, in order")

	last, ok := c.LastSample()
	require.True(t, ok)
	require.Equal(t, second, last)
}

func TestBackgroundDeniedStillStartsForegroundOnly(t *testing.T) {
	perms := &fakePerms{fg: domain.PermissionGranted, bg: domain.PermissionDenied}
	watch := &fakeWatch{}
	reg := &fakeRegistrar{}
	c := newTestCoordinator(perms, &fakePositions{}, watch, reg)

	auth := c.RequestPermissions(context.Background())
	require.True(t, auth.Granted())
	require.True(t, auth.ForegroundOnly())

	require.NoError(t, c.StartTracking(context.Background(), nil))
	require.True(t, c.IsTracking())
	require.Zero(t, reg.registerCalls, "no background watch may be registered without background permission")
}

func TestBackgroundRegistrationFailureIsSwallowed(t *testing.T) {
	reg := &fakeRegistrar{registerErr: errors.New("broker down")}
	c := newTestCoordinator(grantedPerms(), &fakePositions{}, &fakeWatch{}, reg)
	c.RequestPermissions(context.Background())

	require.NoError(t, c.StartTracking(context.Background(), nil), "foreground tracking is the minimum viable mode")
	require.True(t, c.IsTracking())
	require.Equal(t, 1, reg.registerCalls)
}

func TestBackgroundUnregisteredOnStop(t *testing.T) {
	reg := &fakeRegistrar{}
	c := newTestCoordinator(grantedPerms(), &fakePositions{}, &fakeWatch{}, reg)
	c.RequestPermissions(context.Background())

	require.NoError(t, c.StartTracking(context.Background(), nil))
	require.Equal(t, 1, reg.registerCalls)

	c.StopTracking(context.Background())
	require.Equal(t, 1, reg.unregisterCalls)
}

func TestForegroundWatchFailureFailsStart(t *testing.T) {
	watch := &fakeWatch{err: errors.New("daemon unreachable")}
	c := newTestCoordinator(grantedPerms(), &fakePositions{}, watch, nil)

	err := c.StartTracking(context.Background(), nil)
	require.Error(t, err)
	require.False(t, c.IsTracking())
}

func TestPermissionProviderErrorReportsDenied(t *testing.T) {
	perms := &fakePerms{fgErr: errors.New("daemon unreachable")}
	c := newTestCoordinator(perms, &fakePositions{}, &fakeWatch{}, nil)

	auth := c.RequestPermissions(context.Background())
	require.False(t, auth.Granted())
	require.Equal(t, domain.PermissionDenied, auth.Foreground)
}

func TestSinksReceiveEverySampleAndFailuresAreIsolated(t *testing.T) {
	watch := &fakeWatch{}
	failing := &recordingSink{err: errors.New("db down")}
	healthy := &recordingSink{}
	c := newTestCoordinator(grantedPerms(), &fakePositions{}, watch, nil, failing, healthy)

	require.NoError(t, c.StartTracking(context.Background(), nil))

	s := sampleAt(37.0, -122.0, 5.0, 1000)
	watch.emit(s)

	require.Equal(t, []domain.PositionSample{s}, failing.samples)
	require.Equal(t, []domain.PositionSample{s}, healthy.samples, "a failing sink must not starve the others")

	last, ok := c.LastSample()
	require.True(t, ok)
	require.Equal(t, s, last)
}

type blockingWatch struct {
	entered chan struct{}
	proceed chan struct{}
}

func (b *blockingWatch) Watch(_ context.Context, _ domain.WatchConfig, _ func(domain.PositionSample)) (domain.Subscription, error) {
	b.entered <- struct{}{}
	<-b.proceed
	return &fakeSub{id: "sub-1"}, nil
}

func TestConcurrentStartIsRejectedExplicitly(t *testing.T) {
	watch := &blockingWatch{entered: make(chan struct{}), proceed: make(chan struct{})}
	fg, bg := testConfigs()
	c := NewCoordinator(slog.New(slog.NewTextHandler(io.Discard, nil)), grantedPerms(), &fakePositions{}, watch, nil, fg, bg)

	done := make(chan error, 1)
	go func() {
		done <- c.StartTracking(context.Background(), nil)
	}()

	<-watch.entered
	err := c.StartTracking(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrStartInProgress)

	close(watch.proceed)
	require.NoError(t, <-done)
	require.True(t, c.IsTracking())
}
