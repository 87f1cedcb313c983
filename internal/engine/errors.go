package engine

import (
	"errors"
	"fmt"

	"questline/internal/engine/auth"
	"questline/internal/formula"
	"questline/internal/gateway"
	"questline/internal/ledger"
	"questline/internal/mission"
	"questline/internal/repo"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeValidation rejects malformed input: formulas, outcome lists, time windows.
	CodeValidation Code = "validation"
	// CodeForbidden rejects a caller that may not act.
	CodeForbidden Code = "forbidden"
	// CodeState rejects a transition from the wrong lifecycle state.
	CodeState Code = "state"
	// CodeCapacity reports an exhausted reward pool.
	CodeCapacity Code = "capacity"
	// CodeTransfer reports a reward transfer that did not go through.
	CodeTransfer Code = "transfer"
	// CodeUnknownReference reports an id that resolves to nothing.
	CodeUnknownReference Code = "unknown_reference"
	CodeInternal         Code = "internal"
)

// Error is a categorized engine error. The package-level sentinels are
// *Error values; wrap them with fmt.Errorf("%w") to add context.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrStartPassed      = &Error{Code: CodeValidation, Message: "Starting time is over"}
	ErrInvalidLifetime  = &Error{Code: CodeValidation, Message: "Invalid quest lifetime"}
	ErrNoOutcome        = &Error{Code: CodeValidation, Message: "No outcome provided"}
	ErrInvalidOutcome   = &Error{Code: CodeValidation, Message: "Invalid outcome"}
	ErrQuestNotActive   = &Error{Code: CodeState, Message: "Quest is not Active"}
	ErrQuestStarted     = &Error{Code: CodeState, Message: "Quest has started"}
	ErrQuestNotPaused   = &Error{Code: CodeState, Message: "Quest is not paused"}
	ErrQuestPaused      = &Error{Code: CodeState, Message: "Quest is paused"}
	ErrAlreadyJoined    = &Error{Code: CodeState, Message: "Already joined"}
	ErrNotInProgress    = &Error{Code: CodeState, Message: "Not a quester"}
	ErrNotCompleted     = &Error{Code: CodeState, Message: "Quest not completed"}
	ErrTooManyRequests  = &Error{Code: CodeState, Message: "Too many open validation requests"}
	ErrUnknownQuest     = &Error{Code: CodeUnknownReference, Message: "Unknown quest"}
	ErrNullNode         = &Error{Code: CodeUnknownReference, Message: "Null node"}
	ErrNotMission       = &Error{Code: CodeUnknownReference, Message: "Not a mission"}
)

func stateErr(sentinel *Error, questID string) error {
	return fmt.Errorf("%w: quest %s", sentinel, questID)
}

// CodeOf classifies any error produced by the engine or its collaborators.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	var te *ledger.TransferError
	switch {
	case auth.IsForbidden(err):
		return CodeForbidden
	case formula.IsStructural(err), errors.Is(err, formula.ErrEmpty), errors.Is(err, mission.ErrBadData):
		return CodeValidation
	case errors.Is(err, ledger.ErrCapacityExhausted):
		return CodeCapacity
	case errors.As(err, &te):
		return CodeTransfer
	case errors.Is(err, gateway.ErrRequestExpired), errors.Is(err, repo.ErrStatusConflict):
		return CodeState
	case errors.Is(err, gateway.ErrUnknownRequest), errors.Is(err, repo.ErrNotFound), errors.Is(err, mission.ErrUnknownHandler):
		return CodeUnknownReference
	default:
		return CodeInternal
	}
}

func IsValidationError(err error) bool { return CodeOf(err) == CodeValidation }
func IsStateError(err error) bool      { return CodeOf(err) == CodeState }
func IsCapacityError(err error) bool   { return CodeOf(err) == CodeCapacity }
