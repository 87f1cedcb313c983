package auth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ForbiddenError indicates the caller may not perform the action.
type ForbiddenError struct {
	Action string
	Caller common.Address
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s not allowed for %s", e.Action, e.Caller.Hex())
	}
	return fmt.Sprintf("%s not allowed for %s: %s", e.Action, e.Caller.Hex(), e.Reason)
}

// IsForbidden reports whether err is a ForbiddenError.
func IsForbidden(err error) bool {
	var fe ForbiddenError
	return errors.As(err, &fe)
}

// Policy holds caller checks shared by the engine and the gateway.
type Policy struct {
	relayers map[common.Address]struct{}
}

// NewPolicy builds a policy trusting the given relayers to act on behalf of
// participants.
func NewPolicy(relayers []common.Address) Policy {
	set := make(map[common.Address]struct{}, len(relayers))
	for _, r := range relayers {
		set[r] = struct{}{}
	}
	return Policy{relayers: set}
}

func (p Policy) IsRelayer(a common.Address) bool {
	_, ok := p.relayers[a]
	return ok
}

func (p Policy) RequireOwner(action string, owner, caller common.Address) error {
	if caller != owner {
		return ForbiddenError{Action: action, Caller: caller, Reason: "owner only"}
	}
	return nil
}

// RequireParticipant accepts the participant itself or a trusted relayer.
func (p Policy) RequireParticipant(action string, participant, caller common.Address) error {
	if caller == participant || p.IsRelayer(caller) {
		return nil
	}
	return ForbiddenError{Action: action, Caller: caller, Reason: "not a quester"}
}

func (p Policy) RequireHandler(action string, handler, caller common.Address) error {
	if caller != handler {
		return ForbiddenError{Action: action, Caller: caller, Reason: "not the mission handler"}
	}
	return nil
}

func (p Policy) RequireResponder(action string, responder, caller common.Address) error {
	if caller != responder {
		return ForbiddenError{Action: action, Caller: caller, Reason: "not the designated responder"}
	}
	return nil
}
