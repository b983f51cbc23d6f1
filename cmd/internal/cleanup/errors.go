package cleanup

import "errors"

var (
	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrAlreadyRunning is returned when a manual trigger arrives while a
	// cleanup run is already in flight.
	ErrAlreadyRunning = errors.New("cleanup already running")
)
