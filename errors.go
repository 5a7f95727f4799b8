package relay

import "errors"

var (
	// ErrClosed is returned by endpoints used after Close.
	ErrClosed = errors.New("relay: endpoint closed")
	// ErrNotConnected is returned when sending on a dealer whose
	// connection is not established.
	ErrNotConnected = errors.New("relay: not connected")
)
