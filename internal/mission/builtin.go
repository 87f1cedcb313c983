package mission

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"questline/internal/asset"
	"questline/internal/gateway"
)

// Holder is done when the participant holds a token of a collection with an
// id in a range. Leaf data: [collection, first id, last id] as ABI words.
type Holder struct {
	Addr     common.Address
	Holdings Holdings
}

func (h Holder) Address() common.Address { return h.Addr }
func (h Holder) Kind() string            { return KindHolder }

func (h Holder) Validate(ctx context.Context, call Call) (Result, error) {
	if len(call.Data) != 3 {
		return Result{}, fmt.Errorf("%w: holder expects 3 words, got %d", ErrBadData, len(call.Data))
	}
	collection, err := asset.AddressWord(call.Data[0])
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	first, err := asset.UintWord(call.Data[1])
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	last, err := asset.UintWord(call.Data[2])
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	if first.Cmp(last) > 0 {
		return Result{}, fmt.Errorf("%w: id range %s..%s is empty", ErrBadData, first, last)
	}
	ok, err := h.Holdings.HoldsInRange(ctx, call.Tx, collection, call.Participant, first, last)
	if err != nil {
		return Result{}, err
	}
	return Result{Done: ok}, nil
}

// Allowlist is done when the participant appears in the leaf data, one ABI
// address word per entry.
type Allowlist struct {
	Addr common.Address
}

func (a Allowlist) Address() common.Address { return a.Addr }
func (a Allowlist) Kind() string            { return KindAllowlist }

func (a Allowlist) Validate(_ context.Context, call Call) (Result, error) {
	want := asset.EncodeAddress(call.Participant)
	for _, w := range call.Data {
		if bytes.Equal(w, want) {
			return Result{Done: true}, nil
		}
	}
	return Result{}, nil
}

// Oracle defers the decision to an external responder through the gateway.
type Oracle struct {
	Addr      common.Address
	Responder common.Address
	Timeout   time.Duration
	Issuer    Issuer
}

func (o Oracle) Address() common.Address { return o.Addr }
func (o Oracle) Kind() string            { return KindOracle }
func (o Oracle) Async() bool             { return true }

func (o Oracle) Validate(ctx context.Context, call Call) (Result, error) {
	id, err := o.Issuer.Issue(ctx, call.Tx, gateway.IssueRequest{
		QuestID:     call.QuestID,
		Handler:     o.Addr,
		Responder:   o.Responder,
		Participant: call.Participant,
		NodeID:      call.NodeID,
		Data:        call.Data,
		Timeout:     o.Timeout,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Pending: true, RequestID: id}, nil
}
