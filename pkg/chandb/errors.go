package chandb

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the directory, the wire protocol and the client.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrConflict            = errors.New("conflict")
	ErrAlreadyMember       = fmt.Errorf("%w: already a member", ErrConflict)
	ErrAlreadyInvited      = fmt.Errorf("%w: already invited", ErrConflict)
	ErrCycleDetected       = errors.New("cycle detected")
	ErrRedundantMembership = errors.New("redundant membership")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrRateLimited         = errors.New("rate limited")

	// Client-local.
	ErrTimeout       = errors.New("request timed out")
	ErrTransportLost = errors.New("transport lost")
)

// Code is a machine-readable error code carried on the wire.
type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeConflict            Code = "CONFLICT"
	CodeAlreadyMember       Code = "ALREADY_MEMBER"
	CodeAlreadyInvited      Code = "ALREADY_INVITED"
	CodeCycleDetected       Code = "CYCLE_DETECTED"
	CodeRedundantMembership Code = "REDUNDANT_MEMBERSHIP"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInternal            Code = "INTERNAL"
)

// Order matters: the specific conflict kinds must match before ErrConflict.
var codeTable = []struct {
	code Code
	err  error
}{
	{CodeNotFound, ErrNotFound},
	{CodeUnauthorized, ErrUnauthorized},
	{CodeAlreadyMember, ErrAlreadyMember},
	{CodeAlreadyInvited, ErrAlreadyInvited},
	{CodeConflict, ErrConflict},
	{CodeCycleDetected, ErrCycleDetected},
	{CodeRedundantMembership, ErrRedundantMembership},
	{CodeInvalidArgument, ErrInvalidArgument},
	{CodeRateLimited, ErrRateLimited},
}

// CodeOf maps an error to its wire code. Unknown errors map to CodeInternal.
func CodeOf(err error) Code {
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeInternal
}

// RemoteError is an error reported by the server. It unwraps to the matching
// sentinel so callers can use errors.Is on either side of the wire.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	for _, c := range codeTable {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}
