package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when metrics export is switched off,
	// so callers can tell "not wanted" from "not reachable".
	ErrDisabled = errors.New("influxdb: metrics export disabled")

	ErrConnectionFailed = errors.New("influxdb: connect failed")
	ErrNotConnected     = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps errors from the non-blocking write API's callback.
	ErrWriteFailed = errors.New("influxdb: point write failed")
)
