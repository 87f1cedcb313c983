package repo

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/migrate"
)

var (
	owner = common.HexToAddress("0x0000000000000000000000000000000000000101")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000201")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000202")
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func (r Repo) seedQuest(t *testing.T, id string, who common.Address, outcomes ...domain.Outcome) domain.Quest {
	t.Helper()
	ctx := context.Background()
	idx, err := r.NextQuestIndex(ctx, nil)
	require.NoError(t, err)
	q := domain.Quest{
		ID:        id,
		Index:     idx,
		Owner:     who,
		Title:     "quest " + id,
		Formula:   []domain.FormulaNode{{ID: 1, Leaf: true, Handler: common.HexToAddress("0x0901")}},
		Outcomes:  outcomes,
		Start:     10,
		End:       20,
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertQuest(ctx, nil, q))
	require.NoError(t, r.ResetCapacity(ctx, nil, q.ID, outcomes))
	return q
}

func TestQuestRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	q := r.seedQuest(t, "q1", owner, domain.Outcome{Native: true, NativeAmount: 3})
	r.seedQuest(t, "q2", bob, domain.Outcome{Native: true, NativeAmount: 3})
	r.seedQuest(t, "q3", owner, domain.Outcome{Native: true, NativeAmount: 3})

	got, err := r.GetQuest(ctx, nil, "q1")
	require.NoError(t, err)
	assert.Equal(t, q, got)

	byIdx, err := r.QuestByIndex(ctx, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, "q3", byIdx.ID)
	_, err = r.GetQuest(ctx, nil, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	owned, err := r.ListQuests(ctx, nil, QuestFilters{Owner: &owner})
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "q1", owned[0].ID)
	assert.Equal(t, "q3", owned[1].ID)

	page, err := r.ListQuests(ctx, nil, QuestFilters{Cursor: 0, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "q1", page[0].ID)
	page, err = r.ListQuests(ctx, nil, QuestFilters{Cursor: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "q3", page[0].ID)

	require.NoError(t, r.SetQuestPaused(ctx, nil, "q1", true, "2026-01-02T00:00:00Z"))
	got, err = r.GetQuest(ctx, nil, "q1")
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.ErrorIs(t, r.SetQuestPaused(ctx, nil, "nope", true, "t"), ErrNotFound)

	n, err := r.QuestCount(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAdvanceStatusOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	r.seedQuest(t, "q1", owner, domain.Outcome{Native: true, NativeAmount: 1})

	_, err := r.GetProgress(ctx, nil, "q1", alice)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.InsertProgress(ctx, nil, domain.Progress{QuestID: "q1", Participant: alice, Status: domain.InProgress, JoinedAt: "t0"}))
	require.NoError(t, r.SetMission(ctx, nil, "q1", alice, 1, true, "t1"))
	require.NoError(t, r.SetMission(ctx, nil, "q1", alice, 2, false, "t1"))

	p, err := r.GetProgress(ctx, nil, "q1", alice)
	require.NoError(t, err)
	assert.Equal(t, domain.InProgress, p.Status)
	assert.Equal(t, map[uint32]bool{1: true, 2: false}, p.Missions)

	assert.ErrorIs(t, r.AdvanceStatus(ctx, nil, "q1", alice, domain.InProgress, domain.InProgress, "t2"), ErrStatusConflict)
	require.NoError(t, r.AdvanceStatus(ctx, nil, "q1", alice, domain.InProgress, domain.Completed, "t2"))
	assert.ErrorIs(t, r.AdvanceStatus(ctx, nil, "q1", alice, domain.InProgress, domain.Completed, "t3"), ErrStatusConflict)
	assert.ErrorIs(t, r.AdvanceStatus(ctx, nil, "q1", alice, domain.Completed, domain.InProgress, "t3"), ErrStatusConflict)
	require.NoError(t, r.AdvanceStatus(ctx, nil, "q1", alice, domain.Completed, domain.Rewarded, "t3"))

	p, err = r.GetProgress(ctx, nil, "q1", alice)
	require.NoError(t, err)
	assert.Equal(t, domain.Rewarded, p.Status)
	assert.Equal(t, "t2", p.CompletedAt)
	assert.Equal(t, "t3", p.RewardedAt)

	counts, err := r.CountByStatus(ctx, nil, "q1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.ParticipantStatus]int{domain.Rewarded: 1}, counts)
}

func TestTakeCapacity(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	r.seedQuest(t, "q1", owner,
		domain.Outcome{Native: true, NativeAmount: 1, Limited: true, Capacity: 2},
		domain.Outcome{Native: true, NativeAmount: 1},
	)

	for i := 0; i < 2; i++ {
		ok, err := r.TakeCapacity(ctx, nil, "q1", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := r.TakeCapacity(ctx, nil, "q1", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// unlimited outcomes have no counter to take from
	ok, err = r.TakeCapacity(ctx, nil, "q1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	seq, err := r.NotePayout(ctx, nil, "q1", 1)
	require.NoError(t, err)
	assert.Zero(t, seq)
	seq, err = r.NotePayout(ctx, nil, "q1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	caps, err := r.ListCapacity(ctx, nil, "q1")
	require.NoError(t, err)
	assert.Equal(t, []Capacity{
		{OutcomeIndex: 0, Limited: true, Remaining: 0, Paid: 0},
		{OutcomeIndex: 1, Limited: false, Remaining: 0, Paid: 2},
	}, caps)
}

func TestRequests(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	r.seedQuest(t, "q1", owner, domain.Outcome{Native: true, NativeAmount: 1})
	handler := common.HexToAddress("0x0903")
	responder := common.HexToAddress("0x0904")

	n1, err := r.NextNonce(ctx, nil, handler)
	require.NoError(t, err)
	n2, err := r.NextNonce(ctx, nil, handler)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, []uint64{n1, n2})

	live := domain.PendingRequest{ID: common.HexToHash("0xaa"), QuestID: "q1", Handler: handler, Responder: responder, Participant: alice, NodeID: 1, IssuedAt: "2026-01-01T00:00:00Z"}
	stale := live
	stale.ID = common.HexToHash("0xbb")
	stale.NodeID = 2
	stale.ExpiresAt = "2026-01-01T00:05:00Z"
	require.NoError(t, r.InsertRequest(ctx, nil, live))
	require.NoError(t, r.InsertRequest(ctx, nil, stale))

	open, err := r.OpenRequest(ctx, nil, "q1", alice, 1, "2026-01-01T01:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, live.ID, open.ID)
	_, err = r.OpenRequest(ctx, nil, "q1", alice, 2, "2026-01-01T01:00:00Z")
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := r.CountOpenRequests(ctx, nil, "q1", alice, "2026-01-01T00:01:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, r.ConsumeRequest(ctx, nil, live.ID, "2026-01-01T00:02:00Z"))
	assert.ErrorIs(t, r.ConsumeRequest(ctx, nil, live.ID, "2026-01-01T00:03:00Z"), ErrConsumed)

	pending, err := r.ListRequests(ctx, nil, RequestFilters{Responder: &responder, Open: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stale.ID, pending[0].ID)

	n, err := r.DeleteExpired(ctx, nil, "2026-01-01T01:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	all, err := r.ListRequests(ctx, nil, RequestFilters{QuestID: "q1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, live.ID, all[0].ID)
}

func TestEventQueries(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	for i, typ := range []string{"quest.created", "participant.joined", "participant.joined"} {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,quest_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			"2026-01-01T00:00:00Z", typ, "q1", "participant", alice.Hex(), alice.Hex(), "{}")
		require.NoError(t, err, i)
	}

	latest, err := r.LatestEvents(ctx, nil, EventFilters{Type: "participant.joined"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID)

	after, err := r.EventsAfter(ctx, nil, 10, latest[1].ID, "q1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, latest[0].ID, after[0].ID)

	id, err := r.LatestEventID(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, latest[0].ID, id)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	hash := HashAPIKey(" secret ")
	assert.Equal(t, HashAPIKey("secret"), hash)

	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: alice.Hex(), Name: "ci", KeyHash: hash}))
	assert.Error(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", KeyHash: hash}))

	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, alice.Hex(), key.ActorID)

	keys, err := r.ListAPIKeys(ctx, alice.Hex())
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), ErrNotFound)
}
