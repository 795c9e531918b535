package model

import "time"

// CallState is the lifecycle state of a voice call session
type CallState string

const (
	CallAwaitingRegistration CallState = "awaiting_registration"
	CallActive               CallState = "active"
	CallClosing              CallState = "closing"
	CallClosed               CallState = "closed"
)

// CallSession is the call-scoped state owned exclusively by one voice
// session handler. CallID is assigned by the voice provider and is the only
// key available to correlate protocol events to an identity, which is why
// the call mapping must exist before the first event can be processed.
type CallSession struct {
	CallID    string
	Identity  Identity
	State     CallState
	StartedAt time.Time
}
