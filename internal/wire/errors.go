package wire

import "errors"

// ErrConnectionClosed is returned by Send once the client has torn down
// its connection, whether by explicit Disconnect or by a fatal transport
// failure; Receive signals the same condition by closing its channel.
var ErrConnectionClosed = errors.New("wire: connection closed")
