package pipeline

import "errors"

var (
	ErrRunNotFound         = errors.New("research run not found")
	ErrInvalidProviderMode = errors.New("invalid provider mode")
	ErrRunBusy             = errors.New("research run is already executing")
)
