// Package gateway correlates asynchronous mission handlers with the answers
// their responders deliver later.
//
// A request id is keccak256(handler, nonce) where the nonce is a per-handler
// counter, so ids are unique and cannot be predicted without the counter. A
// request is answered at most once and only by the responder recorded at
// issue time.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine/auth"
	"questline/internal/events"
	"questline/internal/repo"
)

var (
	ErrUnknownRequest = errors.New("unknown or already fulfilled request")
	ErrRequestExpired = errors.New("request expired")
)

// Recorder writes a leaf result inside the caller's transaction. The quest
// engine implements it.
type Recorder interface {
	RecordLeafResultTx(ctx context.Context, tx *sql.Tx, caller common.Address, questID string, participant common.Address, nodeID uint32, done bool) error
}

type IssueRequest struct {
	QuestID     string
	Handler     common.Address
	Responder   common.Address
	Participant common.Address
	NodeID      uint32
	Data        []hexutil.Bytes
	// Timeout of zero means the request never expires.
	Timeout time.Duration
}

type Gateway struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Recorder Recorder
	Policy   auth.Policy
	Now      func() time.Time
	Log      zerolog.Logger
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// RequestID derives the id of the handler's nonce-th request.
func RequestID(handler common.Address, nonce uint64) common.Hash {
	return crypto.Keccak256Hash(handler.Bytes(), common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32))
}

// Issue records a pending request through q, normally the transaction of the
// validation that needed it.
func (g *Gateway) Issue(ctx context.Context, q db.Querier, req IssueRequest) (common.Hash, error) {
	if req.Responder == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("handler %s has no responder", req.Handler.Hex())
	}
	nonce, err := g.Repo.NextNonce(ctx, q, req.Handler)
	if err != nil {
		return common.Hash{}, fmt.Errorf("next nonce: %w", err)
	}
	now := g.now().UTC()
	pending := domain.PendingRequest{
		ID:          RequestID(req.Handler, nonce),
		QuestID:     req.QuestID,
		Handler:     req.Handler,
		Responder:   req.Responder,
		Participant: req.Participant,
		NodeID:      req.NodeID,
		Data:        req.Data,
		IssuedAt:    now.Format(time.RFC3339),
	}
	if req.Timeout > 0 {
		pending.ExpiresAt = now.Add(req.Timeout).Format(time.RFC3339)
	}
	if err := g.Repo.InsertRequest(ctx, q, pending); err != nil {
		return common.Hash{}, fmt.Errorf("insert request: %w", err)
	}
	payload := events.EventPayload{
		"participant": pending.Participant.Hex(),
		"node_id":     pending.NodeID,
		"responder":   pending.Responder.Hex(),
	}
	if pending.ExpiresAt != "" {
		payload["expires_at"] = pending.ExpiresAt
	}
	if err := g.Events.Append(ctx, q, events.ValidationRequested, pending.QuestID, "request", pending.ID.Hex(), pending.Handler.Hex(), payload); err != nil {
		return common.Hash{}, err
	}
	g.Log.Debug().Str("request", pending.ID.Hex()).Str("quest", pending.QuestID).Uint32("node", pending.NodeID).Msg("validation requested")
	return pending.ID, nil
}

// Fulfill delivers the responder's answer. The request is consumed and the
// leaf result recorded in one transaction; if recording fails the request
// stays open. An answer for a participant already past InProgress only
// consumes the request.
func (g *Gateway) Fulfill(ctx context.Context, responder common.Address, id common.Hash, done bool) error {
	if g.Recorder == nil {
		return errors.New("gateway has no recorder")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	req, err := g.Repo.GetRequest(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id.Hex())
	}
	if err != nil {
		return err
	}
	if req.ConsumedAt != "" {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id.Hex())
	}
	if err := g.Policy.RequireResponder("fulfill", req.Responder, responder); err != nil {
		return err
	}
	now := g.now().UTC()
	ts := now.Format(time.RFC3339)
	if req.ExpiresAt != "" && req.ExpiresAt <= ts {
		return fmt.Errorf("%w: %s", ErrRequestExpired, id.Hex())
	}
	if err := g.Repo.ConsumeRequest(ctx, tx, id, ts); err != nil {
		if errors.Is(err, repo.ErrConsumed) {
			return fmt.Errorf("%w: %s", ErrUnknownRequest, id.Hex())
		}
		return err
	}
	// A participant that completed through another branch no longer takes
	// leaf results; the answer is consumed without being recorded.
	p, err := g.Repo.GetProgress(ctx, tx, req.QuestID, req.Participant)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	skipped := p.Status > domain.InProgress
	if !skipped {
		if err := g.Recorder.RecordLeafResultTx(ctx, tx, req.Handler, req.QuestID, req.Participant, req.NodeID, done); err != nil {
			return err
		}
	}
	if err := g.Events.Append(ctx, tx, events.ValidationFulfilled, req.QuestID, "request", id.Hex(), responder.Hex(), events.EventPayload{
		"participant": req.Participant.Hex(),
		"node_id":     req.NodeID,
		"done":        done,
		"skipped":     skipped,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	g.Log.Info().Str("request", id.Hex()).Bool("done", done).Bool("skipped", skipped).Msg("validation fulfilled")
	return nil
}

// Pending lists open requests addressed to a responder, oldest first.
func (g *Gateway) Pending(ctx context.Context, responder common.Address) ([]domain.PendingRequest, error) {
	return g.Repo.ListRequests(ctx, nil, repo.RequestFilters{Responder: &responder, Open: true})
}

func (g *Gateway) Request(ctx context.Context, id common.Hash) (domain.PendingRequest, error) {
	return g.Repo.GetRequest(ctx, nil, id)
}

// Sweep evicts expired requests that were never answered.
func (g *Gateway) Sweep(ctx context.Context) (int64, error) {
	n, err := g.Repo.DeleteExpired(ctx, nil, g.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.Log.Info().Int64("evicted", n).Msg("expired requests swept")
	}
	return n, nil
}
