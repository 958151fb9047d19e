package domain

import "errors"

var (
	ErrPermissionDenied = errors.New("foreground location permission denied")
	ErrProviderFailure  = errors.New("position provider failure")
	ErrStartInProgress  = errors.New("a tracking start is already in progress")
	ErrNoSample         = errors.New("no position sample available")
)
