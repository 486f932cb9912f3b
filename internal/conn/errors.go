package conn

import "errors"

// ErrConnection is raised on dial failure or dial timeout (spec §7,
// "ConnectionError").
var ErrConnection = errors.New("conn: connection error")

// ErrInactivityTimeout is raised when no bytes arrive on the response
// side within the configured inactivity timeout (spec §7,
// "InactivityTimeout").
var ErrInactivityTimeout = errors.New("conn: inactivity timeout")
