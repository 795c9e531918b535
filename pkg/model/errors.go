package model

import "github.com/m-mizutani/goerr/v2"

// Error taxonomy shared across the request paths. Callers classify with
// errors.Is; goerr wrapping preserves the sentinel through the stack.
var (
	// ErrInvalidInput is a malformed or oversized input, rejected before
	// any side effect.
	ErrInvalidInput = goerr.New("invalid input")

	// ErrRateLimited is an admission rejection. No side effect occurred.
	ErrRateLimited = goerr.New("rate limited")

	// ErrPersistence is a history store read or write failure. Writes are
	// retried with bounded backoff before this surfaces; failed reads
	// degrade to an empty-history context instead.
	ErrPersistence = goerr.New("persistence failure")

	// ErrUpstream is an LLM or embedding provider failure or timeout.
	ErrUpstream = goerr.New("upstream provider failure")

	// ErrProtocol is a malformed or out-of-sequence voice protocol event.
	// It closes the specific connection, never the process.
	ErrProtocol = goerr.New("protocol violation")

	// ErrNotFound indicates a missing record (call mapping, summary).
	ErrNotFound = goerr.New("not found")
)
