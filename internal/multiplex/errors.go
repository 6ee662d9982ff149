package multiplex

import "errors"

// ErrMalformedFrame is returned when an inbound frame can't be classified
var ErrMalformedFrame = errors.New("invalid multiplexed frame received")

// ErrUnroutableStream is returned when a data frame addresses a stream that is not registered
// or not accepting frames
var ErrUnroutableStream = errors.New("stream not mapped")

// ErrUnknownStream is returned when the gateway is asked to deliver to or dispatch from a
// stream name that has no slot
var ErrUnknownStream = errors.New("unknown stream")

// ErrCloseTimeout is returned when the close timeout expires before every stream has returned
var ErrCloseTimeout = errors.New("close timeout expired before every stream returned")

var errRepeatSessionStart = errors.New("session has already been started")
var errSessionNotStarted = errors.New("session has not been started")
