// Package services wires the ingestion pipeline: admission, coalescing,
// state transitions, history and delivery for one inbound event at a time.
//
// Errors returned by this package are safe to map to transport status codes
// at the handler layer. Only storage failures during admission are meant to
// reach the messaging platform as a delivery failure.
package services

import "errors"

// ErrEmptyEvent is returned for events missing a user id, event id or text.
var ErrEmptyEvent = errors.New("event has no user, id or text")
