package mqtt

import "errors"

// Errors returned by Client. Operation failures wrap one of these, so
// callers match with errors.Is.
var (
	// ErrNotConnected means the client has no live broker session.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed means the first connection attempt failed.
	// Later drops are retried by paho and reported via SetOnDisconnect.
	ErrConnectionFailed = errors.New("mqtt: broker connection failed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS means a QoS above 2 was requested.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic means the topic was empty.
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)
