package ecp

import (
	"errors"
	"fmt"
)

// Sentinel errors for control session operations.
var (
	// ErrBadURL indicates a device location that cannot be turned into a
	// session endpoint.
	ErrBadURL = errors.New("bad device location")

	// ErrConnectFailed indicates the device could not be reached over TCP or
	// the websocket could not be opened.
	ErrConnectFailed = errors.New("unable to connect to device")

	// ErrBadInterfaceIP indicates the interface used to reach the device has
	// no matching local IPv4 address.
	ErrBadInterfaceIP = errors.New("no local IPv4 address for connecting interface")

	// ErrAuthDenied indicates the device rejected the challenge response.
	ErrAuthDenied = errors.New("device denied authentication")

	// ErrBadMessage indicates a websocket message that is not a JSON object.
	ErrBadMessage = errors.New("bad websocket message")

	// ErrRelayStartFailed indicates the device refused to start audio relay.
	ErrRelayStartFailed = errors.New("device refused audio relay")

	// ErrResponseTimeout indicates no response arrived in time where one is
	// required.
	ErrResponseTimeout = errors.New("timed out waiting for device response")

	// ErrSessionClosed indicates use of a session after Close.
	ErrSessionClosed = errors.New("session closed")
)

// ResponseError is a non-success status returned for a request.
type ResponseError struct {
	Request string
	Status  string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s rejected with status %s: %s", e.Request, e.Status, e.Message)
	}
	return fmt.Sprintf("%s rejected with status %s", e.Request, e.Status)
}
