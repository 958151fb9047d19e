package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"geotrackd/internal/common/contextx"
	"geotrackd/internal/common/log"
	"geotrackd/internal/tracking/domain"
)

const sinkTimeout = 5 * time.Second

// Coordinator owns the tracking lifecycle: it requests authorization from
// the positioning daemon, runs the foreground watch, registers the
// background watch, and fans delivered samples out to the registered
// callback and sinks. It is constructed once by the composition root and
// passed by reference to whoever needs it.
type Coordinator struct {
	logger *slog.Logger

	perms      domain.PermissionProvider
	positions  domain.PositionProvider
	watches    domain.WatchProvider
	background domain.BackgroundRegistrar // nil disables background mode
	sinks      []domain.SampleSink

	foregroundCfg domain.WatchConfig
	backgroundCfg domain.BackgroundConfig

	mu               sync.Mutex
	starting         bool
	tracking         bool
	auth             domain.Authorization
	sub              domain.Subscription
	backgroundActive bool
	onUpdate         func(domain.PositionSample)
	lastSample       domain.PositionSample
	hasSample        bool
}

func NewCoordinator(
	logger *slog.Logger,
	perms domain.PermissionProvider,
	positions domain.PositionProvider,
	watches domain.WatchProvider,
	background domain.BackgroundRegistrar,
	foregroundCfg domain.WatchConfig,
	backgroundCfg domain.BackgroundConfig,
	sinks ...domain.SampleSink,
) *Coordinator {
	return &Coordinator{
		logger:        logger,
		perms:         perms,
		positions:     positions,
		watches:       watches,
		background:    background,
		sinks:         sinks,
		foregroundCfg: foregroundCfg,
		backgroundCfg: backgroundCfg,
		auth: domain.Authorization{
			Foreground: domain.PermissionUnknown,
			Background: domain.PermissionUnknown,
		},
	}
}

// RequestPermissions asks the daemon for foreground and then background
// authorization. Provider errors are logged and reported as denial, never
// surfaced to the caller. Background denial leaves tracking in
// foreground-only mode and does not fail the round.
func (c *Coordinator) RequestPermissions(ctx context.Context) domain.Authorization {
	auth := domain.Authorization{
		Foreground: domain.PermissionUnknown,
		Background: domain.PermissionUnknown,
	}

	fg, err := c.perms.Request(ctx, domain.ScopeForeground)
	if err != nil {
		log.Error(ctx, c.logger, "permission_request_fail", "Foreground permission request failed", err)
		fg = domain.PermissionDenied
	}
	auth.Foreground = fg

	if fg != domain.PermissionGranted {
		log.Info(ctx, c.logger, "permission_denied", "Foreground location permission denied")
		c.storeAuth(auth)
		return auth
	}

	bg, err := c.perms.Request(ctx, domain.ScopeBackground)
	if err != nil {
		log.Error(ctx, c.logger, "permission_request_fail", "Background permission request failed", err)
		bg = domain.PermissionDenied
	}
	auth.Background = bg

	if bg != domain.PermissionGranted {
		log.Warn(ctx, c.logger, "background_permission_denied", "Background permission denied, tracking will be foreground-only", nil)
	}

	c.storeAuth(auth)
	return auth
}

// CurrentLocation performs a one-shot high-accuracy fetch. On success the
// sample is stored and returned; on failure the previously stored sample is
// left untouched.
func (c *Coordinator) CurrentLocation(ctx context.Context) (domain.PositionSample, error) {
	sample, err := c.positions.Current(ctx)
	if err != nil {
		log.Error(ctx, c.logger, "position_fetch_fail", "One-shot position fetch failed", err)
		return domain.PositionSample{}, fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}

	c.mu.Lock()
	c.lastSample = sample
	c.hasSample = true
	c.mu.Unlock()

	return sample, nil
}

// StartTracking opens the foreground watch and then best-effort registers
// the background watch. Calling it while already tracking is a no-op that
// reports success without opening a second subscription. Calling it while
// another start is still in flight returns ErrStartInProgress so a
// competing callback is never dropped silently.
func (c *Coordinator) StartTracking(ctx context.Context, onUpdate func(domain.PositionSample)) error {
	c.mu.Lock()
	if c.tracking {
		c.mu.Unlock()
		log.Info(ctx, c.logger, "tracking_already_active", "Start requested while tracking, keeping existing subscription")
		return nil
	}
	if c.starting {
		c.mu.Unlock()
		return domain.ErrStartInProgress
	}
	c.starting = true
	c.onUpdate = onUpdate
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	sub, err := c.watches.Watch(ctx, c.foregroundCfg, c.handleSample)
	if err != nil {
		c.mu.Lock()
		c.onUpdate = nil
		c.mu.Unlock()
		log.Error(ctx, c.logger, "watch_open_fail", "Failed to open foreground watch", err)
		return fmt.Errorf("open foreground watch: %w", err)
	}

	c.mu.Lock()
	c.sub = sub
	c.tracking = true
	auth := c.auth
	c.mu.Unlock()

	ctx = contextx.WithSubscriptionID(ctx, sub.ID())
	log.Info(ctx, c.logger, "tracking_started", "Foreground watch established")

	// Background mode is strictly best-effort: foreground tracking is the
	// minimum viable mode and must not fail because of it.
	if c.background != nil && auth.Background == domain.PermissionGranted {
		c.registerBackground(ctx)
	}

	return nil
}

func (c *Coordinator) registerBackground(ctx context.Context) {
	registered, err := c.background.IsRegistered(ctx)
	if err != nil {
		log.Warn(ctx, c.logger, "background_check_fail", "Could not query background watch registration", err)
		return
	}
	if registered {
		log.Info(ctx, c.logger, "background_already_registered", "Background watch already registered, adopting it")
		c.mu.Lock()
		c.backgroundActive = true
		c.mu.Unlock()
		return
	}

	if err := c.background.Register(ctx, c.backgroundCfg, c.handleSample); err != nil {
		log.Warn(ctx, c.logger, "background_register_fail", "Background watch registration failed, continuing foreground-only", err)
		return
	}

	c.mu.Lock()
	c.backgroundActive = true
	c.mu.Unlock()
	log.Info(ctx, c.logger, "background_registered", "Background watch registered")
}

// StopTracking releases the foreground subscription, unregisters the
// background watch, and clears the callback. Teardown failures are logged
// and state is cleared best-effort. Stopping while not tracking is a no-op.
func (c *Coordinator) StopTracking(ctx context.Context) {
	c.mu.Lock()
	if !c.tracking {
		c.mu.Unlock()
		return
	}
	sub := c.sub
	bgActive := c.backgroundActive
	c.sub = nil
	c.onUpdate = nil
	c.tracking = false
	c.backgroundActive = false
	c.mu.Unlock()

	if sub != nil {
		ctx = contextx.WithSubscriptionID(ctx, sub.ID())
		if err := sub.Release(); err != nil {
			log.Error(ctx, c.logger, "watch_release_fail", "Failed to release foreground subscription", err)
		}
	}

	if bgActive && c.background != nil {
		if err := c.background.Unregister(ctx); err != nil {
			log.Error(ctx, c.logger, "background_unregister_fail", "Failed to unregister background watch", err)
		}
	}

	log.Info(ctx, c.logger, "tracking_stopped", "Tracking stopped")
}

// IsTracking reports whether a foreground watch is currently established.
func (c *Coordinator) IsTracking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracking
}

// LastSample returns the most recently stored sample, if any.
func (c *Coordinator) LastSample() (domain.PositionSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSample, c.hasSample
}

// Authorization returns the outcome of the latest permission round.
func (c *Coordinator) Authorization() domain.Authorization {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

func (c *Coordinator) storeAuth(auth domain.Authorization) {
	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()
}

// handleSample is the single delivery path for both the foreground and the
// background watch: store, notify the callback, fan out to sinks.
func (c *Coordinator) handleSample(sample domain.PositionSample) {
	c.mu.Lock()
	c.lastSample = sample
	c.hasSample = true
	cb := c.onUpdate
	sinks := c.sinks
	c.mu.Unlock()

	if cb != nil {
		cb(sample)
	}

	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Store(ctx, sample); err != nil {
			log.Warn(ctx, c.logger, "sample_sink_fail", "Sample sink rejected update", err)
		}
		cancel()
	}
}
