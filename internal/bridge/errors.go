package bridge

import "errors"

// Sentinel errors for the failure kinds the bridge can surface. Callers
// classify with errors.Is and map to HTTP statuses at the API boundary.
var (
	// ErrNoPeer is returned when no browser agent is connected.
	ErrNoPeer = errors.New("browser agent is not connected")

	// ErrInvalidSession is returned when the resolved session tuple is
	// missing or still holds placeholder values.
	ErrInvalidSession = errors.New("session or message ID is invalid")

	// ErrRecoveryTimeout is returned when a parked request was not replayed
	// within the retry timeout.
	ErrRecoveryTimeout = errors.New("request was not recovered before the retry timeout")

	// ErrQueueFull is returned when the pending queue cannot accept another
	// entry before the offer deadline.
	ErrQueueFull = errors.New("pending queue is full")
)
