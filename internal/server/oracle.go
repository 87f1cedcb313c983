package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/ethereum/go-ethereum/common"

	"questline/internal/gateway"
	"questline/internal/repo"
)

type requestPath struct {
	RequestID string `path:"request_id" pattern:"^0x[0-9a-fA-F]{64}$"`
}

func (p requestPath) hash() (common.Hash, huma.StatusError) {
	b, err := decodeHex("request_id", p.RequestID)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, newAPIError(http.StatusBadRequest, "bad_request", "request_id must be 32 bytes of hex", nil)
	}
	return common.BytesToHash(b), nil
}

func registerOracle(api huma.API, g *gateway.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-requests",
		Method:      http.MethodGet,
		Path:        "/oracle/requests",
		Summary:     "Open validation requests awaiting a responder",
		Description: "Lists requests addressed to the responder query parameter, or to the caller when omitted.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Responder string `query:"responder"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		responder, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Responder != "" {
			addr, err := parseAddress("responder", input.Responder)
			if err != nil {
				return nil, badRequest(err)
			}
			responder = addr
		}
		items, err := g.Pending(ctx, responder)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: requestResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/oracle/requests/{request_id}",
		Summary:     "Get a validation request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		id, herr := input.hash()
		if herr != nil {
			return nil, herr
		}
		req, err := g.Request(ctx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "unknown_reference", "unknown request", map[string]any{"request_id": id.Hex()})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fulfil-request",
		Method:      http.MethodPost,
		Path:        "/oracle/requests/{request_id}/fulfil",
		Summary:     "Answer a validation request; only its responder may call",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string        `path:"request_id" pattern:"^0x[0-9a-fA-F]{64}$"`
		Body      FulfilRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, herr := requestPath{RequestID: input.RequestID}.hash()
		if herr != nil {
			return nil, herr
		}
		if err := g.Fulfill(ctx, caller, id, input.Body.Done); err != nil {
			return nil, handleError(err)
		}
		req, err := g.Request(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-requests",
		Method:      http.MethodPost,
		Path:        "/oracle/sweep",
		Summary:     "Evict expired, unanswered requests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Evicted int64 `json:"evicted"`
		} `json:"body"`
	}, error) {
		n, err := g.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Evicted int64 `json:"evicted"`
			} `json:"body"`
		}{}
		out.Body.Evicted = n
		return out, nil
	})
}
