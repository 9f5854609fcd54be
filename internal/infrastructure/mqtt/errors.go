package mqtt

import "errors"

// Sentinel errors; callers match them with errors.Is.
var (
	ErrNotConnected      = errors.New("mqtt: not connected")
	ErrConnectionFailed  = errors.New("mqtt: connect failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS rejects anything outside 0..2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	ErrInvalidTopic = errors.New("mqtt: empty topic")

	// ErrInvalidPayload means a status value could not be JSON encoded.
	ErrInvalidPayload = errors.New("mqtt: payload not encodable")
)
