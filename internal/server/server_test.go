package server

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/app"
	"questline/internal/asset"
	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/migrate"
	"questline/internal/repo"
	questlinesdk "questline/sdk/go"
)

const testSecret = "test-secret"

var (
	owner     = common.HexToAddress("0x0000000000000000000000000000000000000101")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000201")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000202")
	allowlist = common.HexToAddress("0x0000000000000000000000000000000000000901")
	oracle    = common.HexToAddress("0x0000000000000000000000000000000000000903")
	responder = common.HexToAddress("0x0000000000000000000000000000000000000904")
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	URL string
	App *app.App
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	cfg := &config.Config{Handlers: []config.HandlerConfig{
		{Name: "allowlist", Kind: "allowlist", Address: allowlist.Hex()},
		{Name: "oracle", Kind: "oracle", Address: oracle.Hex(), Responder: responder.Hex(), TimeoutSeconds: 3600},
	}}
	a, err := app.Wire(conn, cfg, zerolog.Nop())
	require.NoError(t, err)
	clock := func() time.Time { return epoch }
	a.Engine.Now = clock
	a.Engine.Ledger.Now = clock
	a.Gateway.Now = clock
	a.Gateway.Events.Now = clock
	a.Gateway.Recorder = a.Engine

	handler, err := New(Config{
		Engine:  a.Engine,
		Gateway: a.Gateway,
		Auth:    AuthConfig{JWTSecret: testSecret},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, App: a}
}

func (s *testServer) client(t *testing.T, who common.Address) *questlinesdk.Client {
	t.Helper()
	token, err := SignToken(testSecret, who, time.Hour)
	require.NoError(t, err)
	c := questlinesdk.New(s.URL)
	c.BearerToken = token
	return c
}

func gatedQuest(start int64) questlinesdk.QuestInput {
	return questlinesdk.QuestInput{
		Title: "Gated",
		Start: start,
		End:   start + 3600,
		Formula: []questlinesdk.FormulaNode{
			{ID: 1, Operator: "AND", Left: 2, Right: 3},
			{ID: 2, Leaf: true, Handler: allowlist.Hex(), Data: []string{asset.EncodeAddress(alice).String()}},
			{ID: 3, Leaf: true, Handler: oracle.Hex()},
		},
		Outcomes: []questlinesdk.Outcome{{Native: true, NativeAmount: 5, Limited: true, Capacity: 1}},
	}
}

func apiCode(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *questlinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	return apiErr.StatusCode, apiErr.Code()
}

func TestQuestLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	q, err := srv.client(t, owner).CreateQuest(ctx, gatedQuest(epoch.Unix()))
	require.NoError(t, err)
	assert.Equal(t, owner.Hex(), q.Owner)
	assert.Equal(t, "active", q.State)
	require.NoError(t, srv.App.Book.FundNative(ctx, nil, asset.EscrowAccount(q.ID), big.NewInt(100)))

	ac := srv.client(t, alice)
	p, err := ac.Join(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", p.Status)

	report, err := ac.ValidateQuest(ctx, q.ID, alice.Hex())
	require.NoError(t, err)
	assert.False(t, report.Completed)
	require.Len(t, report.Leaves, 2)
	assert.True(t, report.Leaves[0].Done)
	assert.True(t, report.Leaves[1].Pending)
	requestID := report.Leaves[1].RequestID
	require.NotEmpty(t, requestID)

	rc := srv.client(t, responder)
	pending, err := rc.PendingRequests(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, requestID, pending[0].ID)
	assert.Equal(t, alice.Hex(), pending[0].Participant)

	fulfilled, err := rc.Fulfil(ctx, requestID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, fulfilled.ConsumedAt)

	p, err = ac.Progress(ctx, q.ID, alice.Hex())
	require.NoError(t, err)
	assert.Equal(t, "completed", p.Status)
	assert.Equal(t, map[string]bool{"2": true, "3": true}, p.Missions)

	transfers, err := srv.client(t, bob).Execute(ctx, q.ID, alice.Hex())
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, alice.Hex(), transfers[0].Recipient)
	assert.Equal(t, uint64(5), transfers[0].Amount)

	summary, err := ac.Summary(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"rewarded": 1}, summary.Statuses)
	require.Len(t, summary.Capacity, 1)
	assert.Zero(t, summary.Capacity[0].Remaining)

	evts, err := ac.Events(ctx, q.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "outcome.executed", evts[0].Type)
}

func TestErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	oc := srv.client(t, owner)
	q, err := oc.CreateQuest(ctx, gatedQuest(epoch.Unix()))
	require.NoError(t, err)

	anon := questlinesdk.New(srv.URL)
	_, err = anon.Quest(ctx, q.ID)
	status, code := apiCode(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", code)

	forged := questlinesdk.New(srv.URL)
	forged.BearerToken = "not-a-token"
	_, err = forged.Quest(ctx, q.ID)
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", code)

	ac := srv.client(t, alice)
	_, err = ac.Pause(ctx, q.ID)
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", code)

	_, err = ac.Join(ctx, q.ID)
	require.NoError(t, err)
	_, err = ac.Join(ctx, q.ID)
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "state", code)

	_, err = ac.Quest(ctx, "missing")
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_reference", code)

	_, err = ac.Progress(ctx, q.ID, "alice")
	status, _ = apiCode(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	_, err = oc.CreateQuest(ctx, gatedQuest(epoch.Unix()-60))
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", code)

	report, err := ac.ValidateQuest(ctx, q.ID, alice.Hex())
	require.NoError(t, err)
	_, err = ac.Fulfil(ctx, report.Leaves[1].RequestID, true)
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", code)

	_, err = ac.Execute(ctx, q.ID, alice.Hex())
	status, code = apiCode(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "state", code)
}

func TestCreateFromDefinition(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	doc := `title: From yaml
start: "+0s"
end: "+2h"
formula:
  - id: 1
    leaf: true
    handler: "0x0000000000000000000000000000000000000901"
outcomes:
  - kind: native
    amount: 3
`
	q, err := srv.client(t, owner).CreateQuestFromDefinition(ctx, []byte(doc), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "From yaml", q.Title)
	assert.Equal(t, epoch.Unix(), q.Start)
	assert.Equal(t, epoch.Add(2*time.Hour).Unix(), q.End)
	require.Len(t, q.Outcomes, 1)
	assert.Equal(t, uint64(3), q.Outcomes[0].NativeAmount)

	_, err = srv.client(t, owner).CreateQuestFromDefinition(ctx, []byte("start: 1\n"), "yaml")
	status, code := apiCode(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", code)
}

func TestListQuestsPaginates(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	oc := srv.client(t, owner)
	for i := 0; i < 3; i++ {
		_, err := oc.CreateQuest(ctx, gatedQuest(epoch.Unix()))
		require.NoError(t, err)
	}
	page, err := oc.Quests(ctx, owner.Hex(), 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "2", page.NextCursor)

	page, err = oc.Quests(ctx, "", 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(2), page.Items[0].Index)
	assert.Empty(t, page.NextCursor)

	q, err := oc.QuestByIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Index)
}

func TestAPIKeyAuth(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	require.NoError(t, srv.App.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID: "k1", ActorID: bob.Hex(), Name: "ci", KeyHash: repo.HashAPIKey("bob-key"), CreatedAt: "2026-01-01T00:00:00Z",
	}))
	c := questlinesdk.New(srv.URL)
	c.APIKey = "bob-key"
	q, err := c.CreateQuest(ctx, gatedQuest(epoch.Unix()))
	require.NoError(t, err)
	assert.Equal(t, bob.Hex(), q.Owner)

	c.APIKey = "wrong"
	_, err = c.Quest(ctx, q.ID)
	status, _ := apiCode(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

type captured struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (c *captured) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.requests = append(c.requests, r)
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDelivery(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	sink := &captured{}
	hook := httptest.NewServer(sink)
	t.Cleanup(hook.Close)

	d := NewWebhookDispatcher(srv.App.Engine.Repo, []config.WebhookConfig{
		{URL: hook.URL, Secret: "s3cret"},
		{URL: hook.URL, Events: []string{"participant.joined"}},
	}, zerolog.Nop())
	d.DispatchAll(ctx)
	require.Empty(t, sink.requests)

	_, err := srv.client(t, owner).CreateQuest(ctx, gatedQuest(epoch.Unix()))
	require.NoError(t, err)
	d.DispatchAll(ctx)

	require.Len(t, sink.requests, 1)
	req := sink.requests[0]
	assert.Equal(t, "quest.created", req.Header.Get("X-Questline-Event"))
	assert.NotEmpty(t, req.Header.Get("X-Questline-Quest"))
	assert.Equal(t, Sign("s3cret", sink.bodies[0]), req.Header.Get("X-Questline-Signature"))

	// delivered events are not sent again
	d.DispatchAll(ctx)
	assert.Len(t, sink.requests, 1)
}

func TestStatusForCode(t *testing.T) {
	for code, want := range map[string]int{
		"validation":        http.StatusBadRequest,
		"forbidden":         http.StatusForbidden,
		"state":             http.StatusConflict,
		"capacity":          http.StatusUnprocessableEntity,
		"unknown_reference": http.StatusNotFound,
		"transfer":          http.StatusFailedDependency,
		"internal":          http.StatusInternalServerError,
	} {
		assert.Equal(t, want, statusForCode(engine.Code(code)), code)
	}
}
