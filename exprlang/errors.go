package exprlang

import "errors"

// Sentinel errors for the constructs the sandbox refuses to evaluate.
// Callers that need to distinguish "bad syntax" from "disallowed
// construct" can errors.Is against these.
var (
	ErrCallNotAllowed       = errors.New("exprlang: function/method calls are not allowed")
	ErrConstructNotAllowed  = errors.New("exprlang: constructor calls are not allowed")
	ErrAssignmentNotAllowed = errors.New("exprlang: assignment is not allowed")
	ErrUpdateNotAllowed     = errors.New("exprlang: update expressions (++/--) are not allowed")
	ErrFunctionNotAllowed   = errors.New("exprlang: function expressions are not allowed")
	ErrUnknownIdentifier    = errors.New("exprlang: identifier not found in scope")
)
