package gateway

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine/auth"
	"questline/internal/events"
	"questline/internal/migrate"
	"questline/internal/repo"
)

var (
	handler   = common.HexToAddress("0x0000000000000000000000000000000000000903")
	responder = common.HexToAddress("0x0000000000000000000000000000000000000904")
	quester   = common.HexToAddress("0x0000000000000000000000000000000000000201")
	stranger  = common.HexToAddress("0x0000000000000000000000000000000000000202")
)

type recorded struct {
	caller common.Address
	quest  string
	node   uint32
	done   bool
}

type fakeRecorder struct {
	calls []recorded
	err   error
}

func (f *fakeRecorder) RecordLeafResultTx(_ context.Context, _ *sql.Tx, caller common.Address, questID string, _ common.Address, nodeID uint32, done bool) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, recorded{caller: caller, quest: questID, node: nodeID, done: done})
	return nil
}

type testGateway struct {
	*Gateway
	rec *fakeRecorder
	now *time.Time
}

func newGateway(t *testing.T) testGateway {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertQuest(context.Background(), nil, domain.Quest{
		ID:        "q1",
		Owner:     stranger,
		Formula:   []domain.FormulaNode{{ID: 1, Leaf: true, Handler: handler}},
		Outcomes:  []domain.Outcome{{Native: true, NativeAmount: 1}},
		End:       100,
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-01-01T00:00:00Z",
	}))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	rec := &fakeRecorder{}
	g := &Gateway{
		DB:       conn,
		Repo:     r,
		Events:   events.Writer{Now: clock},
		Recorder: rec,
		Policy:   auth.NewPolicy(nil),
		Now:      clock,
		Log:      zerolog.Nop(),
	}
	return testGateway{Gateway: g, rec: rec, now: &now}
}

func (g testGateway) issue(t *testing.T, timeout time.Duration) common.Hash {
	t.Helper()
	id, err := g.Issue(context.Background(), g.DB, IssueRequest{
		QuestID:     "q1",
		Handler:     handler,
		Responder:   responder,
		Participant: quester,
		NodeID:      4,
		Timeout:     timeout,
	})
	require.NoError(t, err)
	return id
}

func TestRequestIDsFollowNonce(t *testing.T) {
	g := newGateway(t)
	first := g.issue(t, 0)
	second := g.issue(t, 0)
	assert.Equal(t, RequestID(handler, 1), first)
	assert.Equal(t, RequestID(handler, 2), second)
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, RequestID(handler, 1), RequestID(responder, 1))
}

func TestIssueRequiresResponder(t *testing.T) {
	g := newGateway(t)
	_, err := g.Issue(context.Background(), g.DB, IssueRequest{QuestID: "q1", Handler: handler, Participant: quester, NodeID: 1})
	assert.Error(t, err)
}

func TestFulfillOnce(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	id := g.issue(t, time.Hour)

	pending, err := g.Pending(ctx, responder)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	require.NoError(t, g.Fulfill(ctx, responder, id, true))
	require.Len(t, g.rec.calls, 1)
	assert.Equal(t, recorded{caller: handler, quest: "q1", node: 4, done: true}, g.rec.calls[0])

	err = g.Fulfill(ctx, responder, id, false)
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.Len(t, g.rec.calls, 1)

	pending, err = g.Pending(ctx, responder)
	require.NoError(t, err)
	assert.Empty(t, pending)
	req, err := g.Request(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, req.ConsumedAt)
}

func TestFulfillRejections(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	id := g.issue(t, time.Minute)

	err := g.Fulfill(ctx, responder, common.HexToHash("0x01"), true)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	err = g.Fulfill(ctx, stranger, id, true)
	assert.True(t, auth.IsForbidden(err))

	g.rec.err = errors.New("quest paused")
	err = g.Fulfill(ctx, responder, id, true)
	assert.EqualError(t, err, "quest paused")
	g.rec.err = nil
	// a failed delivery leaves the request open
	pending, err := g.Pending(ctx, responder)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	*g.now = g.now.Add(2 * time.Minute)
	err = g.Fulfill(ctx, responder, id, true)
	assert.ErrorIs(t, err, ErrRequestExpired)
	assert.Empty(t, g.rec.calls)
}

func TestSweepEvictsExpired(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	short := g.issue(t, time.Minute)
	forever := g.issue(t, 0)

	n, err := g.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*g.now = g.now.Add(time.Hour)
	n, err = g.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = g.Request(ctx, short)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = g.Request(ctx, forever)
	assert.NoError(t, err)
}

func TestEventsRecorded(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	id := g.issue(t, 0)
	require.NoError(t, g.Fulfill(ctx, responder, id, false))

	evts, err := g.Repo.EventsAfter(ctx, nil, 0, 0, "q1")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.ValidationRequested, evts[0].Type)
	assert.Equal(t, handler.Hex(), evts[0].ActorID)
	assert.Equal(t, events.ValidationFulfilled, evts[1].Type)
	assert.Equal(t, responder.Hex(), evts[1].ActorID)
	assert.Equal(t, id.Hex(), evts[1].EntityID)
}

func TestFulfillAfterParticipantCompletedConsumesRequest(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	id := g.issue(t, 0)
	require.NoError(t, g.Repo.InsertProgress(ctx, nil, domain.Progress{
		QuestID: "q1", Participant: quester, Status: domain.InProgress, JoinedAt: "2026-01-01T00:00:00Z",
	}))
	require.NoError(t, g.Repo.AdvanceStatus(ctx, nil, "q1", quester, domain.InProgress, domain.Completed, "2026-01-01T00:00:00Z"))
	// the engine would reject the leaf for a Completed participant
	g.rec.err = errors.New("not in progress")

	require.NoError(t, g.Fulfill(ctx, responder, id, true))
	assert.Empty(t, g.rec.calls)

	pending, err := g.Pending(ctx, responder)
	require.NoError(t, err)
	assert.Empty(t, pending)
	err = g.Fulfill(ctx, responder, id, true)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	evts, err := g.Repo.EventsAfter(ctx, nil, 0, 0, "q1")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.ValidationFulfilled, evts[1].Type)
	assert.Contains(t, evts[1].Payload, `"skipped":true`)
}
