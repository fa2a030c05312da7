package broker

import "fmt"

// ConnectionError indicates the volume broker agent could not be reached.
// it is fatal to the whole cached-checkout attempt, callers must fall back
// to an uncached checkout instead of retrying indefinitely.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("volume broker unreachable err:%v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeviceError indicates the broker response was missing a required field
// (device identifier or expose id). treated as a decode-time failure and
// fatal to the cached path.
type DeviceError struct {
	Field string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("broker response missing required field %q", e.Field)
}

// StatusError indicates the broker returned a non-success status which is
// not the hydration-in-progress abort.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker request failed status:%d message:%q", e.StatusCode, e.Message)
}
