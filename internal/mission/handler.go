// Package mission defines the boundary to mission handlers, the collaborators
// that decide individual formula leaves, and the built-in handlers.
package mission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"questline/internal/db"
	"questline/internal/gateway"
)

var (
	ErrUnknownHandler = errors.New("unknown mission handler")
	ErrBadData        = errors.New("invalid mission data")
)

const (
	KindHolder    = "holder"
	KindOracle    = "oracle"
	KindAllowlist = "allowlist"
)

// Call is one leaf validation for one participant. Tx is the transaction the
// validation runs in; handlers that touch storage must use it.
type Call struct {
	QuestID     string
	Participant common.Address
	NodeID      uint32
	Data        []hexutil.Bytes
	Tx          db.Querier
}

// Result is a handler's verdict. A pending result carries the request id
// the answer will be correlated with; Done is meaningless until then.
type Result struct {
	Done      bool
	Pending   bool
	RequestID common.Hash
}

type Handler interface {
	Address() common.Address
	Kind() string
	Validate(ctx context.Context, call Call) (Result, error)
}

// Asynchronous is implemented by handlers whose verdict arrives later
// through the gateway.
type Asynchronous interface {
	Async() bool
}

func IsAsync(h Handler) bool {
	a, ok := h.(Asynchronous)
	return ok && a.Async()
}

// Holdings answers NFT ownership questions.
type Holdings interface {
	HoldsInRange(ctx context.Context, q db.Querier, collection, owner common.Address, first, last *big.Int) (bool, error)
}

// Issuer opens asynchronous validation requests.
type Issuer interface {
	Issue(ctx context.Context, q db.Querier, req gateway.IssueRequest) (common.Hash, error)
}

// Registry resolves handler addresses.
type Registry struct {
	handlers map[common.Address]Handler
}

func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[common.Address]Handler, len(handlers))}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(h Handler) error {
	addr := h.Address()
	if addr == (common.Address{}) {
		return fmt.Errorf("%s handler has zero address", h.Kind())
	}
	if _, dup := r.handlers[addr]; dup {
		return fmt.Errorf("handler %s registered twice", addr.Hex())
	}
	r.handlers[addr] = h
	return nil
}

func (r *Registry) Lookup(addr common.Address) (Handler, error) {
	if r != nil {
		if h, ok := r.handlers[addr]; ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, addr.Hex())
}

// Handlers returns registered handlers ordered by address.
func (r *Registry) Handlers() []Handler {
	if r == nil {
		return nil
	}
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address().Cmp(out[j].Address()) < 0
	})
	return out
}
