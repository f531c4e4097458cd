package connector

import "errors"

// Domain errors for the Connector bridge package.
var (
	// ErrConnectFailed is returned when the multicast receive port cannot be
	// bound or the group cannot be joined.
	ErrConnectFailed = errors.New("connector: multicast join failed")

	// ErrNotConnected is returned when an operation needs a socket and none is open.
	ErrNotConnected = errors.New("connector: not connected")

	// ErrSendFailed is returned when a datagram cannot be written to the group.
	ErrSendFailed = errors.New("connector: send failed")

	// ErrDecode is returned when a received datagram is not a valid message.
	ErrDecode = errors.New("connector: malformed message")

	// ErrUnknownMessageType is returned when a message carries an msgType
	// this package does not handle.
	ErrUnknownMessageType = errors.New("connector: unknown message type")

	// ErrAccessToken is reported when a hub rejects the access token.
	ErrAccessToken = errors.New("connector: access token rejected")

	// ErrUnknownDevice is returned when a mac does not resolve to a known
	// hub or blind.
	ErrUnknownDevice = errors.New("connector: unknown device")

	// ErrUnsupportedWirelessMode is reported when a blind advertises a
	// wireless mode with no matching variant.
	ErrUnsupportedWirelessMode = errors.New("connector: unsupported wireless mode")

	// ErrValidation is returned when a command parameter is out of range.
	ErrValidation = errors.New("connector: invalid command parameter")

	// ErrInvalidCommand is returned for command names the bridge does not know.
	ErrInvalidCommand = errors.New("connector: unknown command")

	// ErrNotSupported is returned when a command is not available on a blind variant.
	ErrNotSupported = errors.New("connector: command not supported by device")

	// ErrNotReady is returned when device discovery has not completed in time.
	ErrNotReady = errors.New("connector: device list not ready")

	// ErrMissingCredentials is returned when a session token or key is empty.
	ErrMissingCredentials = errors.New("connector: missing token or key")

	// ErrInvalidKey is returned when the pre-shared key is not a valid AES key.
	ErrInvalidKey = errors.New("connector: invalid key")

	// ErrInvalidToken is returned when a session token is not block aligned.
	ErrInvalidToken = errors.New("connector: invalid session token")
)
