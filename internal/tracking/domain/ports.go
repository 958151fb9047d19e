package domain

import (
	"context"
)

// PermissionProvider asks the positioning daemon for authorization at a
// given scope. A denial is a result, not an error; errors mean the request
// itself could not be completed.
type PermissionProvider interface {
	Request(ctx context.Context, scope Scope) (PermissionState, error)
}

// PositionProvider performs a one-shot position fetch.
type PositionProvider interface {
	Current(ctx context.Context) (PositionSample, error)
}

// Subscription is the releasable handle of an active continuous watch.
// Release is idempotent.
type Subscription interface {
	ID() string
	Release() error
}

// WatchProvider opens a continuous foreground watch. Samples are delivered
// through deliver in the order the daemon emits them until the subscription
// is released or the stream fails.
type WatchProvider interface {
	Watch(ctx context.Context, cfg WatchConfig, deliver func(PositionSample)) (Subscription, error)
}

// BackgroundRegistrar manages the platform-side background watch, keyed by a
// fixed task identifier owned by the adapter.
type BackgroundRegistrar interface {
	IsRegistered(ctx context.Context) (bool, error)
	Register(ctx context.Context, cfg BackgroundConfig, deliver func(PositionSample)) error
	Unregister(ctx context.Context) error
}

// SampleSink receives every delivered sample for side channels such as the
// history archive or the live viewer stream. Sink failures never propagate
// into the delivery path.
type SampleSink interface {
	Store(ctx context.Context, sample PositionSample) error
}
