package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/asset"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/migrate"
	"questline/internal/repo"
)

var (
	owner   = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	token   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	reward  = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	handler = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type testEnv struct {
	db     *sql.DB
	repo   repo.Repo
	book   asset.Book
	ledger Ledger
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	book := asset.Book{DB: conn}
	return testEnv{db: conn, repo: r, book: book, ledger: Ledger{Repo: r, Transferer: book}}
}

func (env testEnv) insertQuest(t *testing.T, id string, outcomes ...domain.Outcome) domain.Quest {
	t.Helper()
	ctx := context.Background()
	q := domain.Quest{
		ID:        id,
		Owner:     owner,
		Formula:   []domain.FormulaNode{{ID: 1, Leaf: true, Handler: handler}},
		Outcomes:  outcomes,
		Start:     0,
		End:       100,
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-01-01T00:00:00Z",
	}
	idx, err := env.repo.NextQuestIndex(ctx, nil)
	require.NoError(t, err)
	q.Index = idx
	require.NoError(t, env.repo.InsertQuest(ctx, nil, q))
	require.NoError(t, env.repo.ResetCapacity(ctx, nil, q.ID, outcomes))
	return q
}

func (env testEnv) pay(t *testing.T, q domain.Quest, who common.Address) error {
	t.Helper()
	ctx := context.Background()
	tx, err := env.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if _, err := env.ledger.AuthorizeAndPay(ctx, tx, q, who); err != nil {
		return err
	}
	return tx.Commit()
}

func TestUnlimitedFungibleOutcome(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	outcome := domain.Outcome{
		Asset:    token,
		Selector: asset.SelectorTransferFrom,
		CallData: asset.Encode(asset.SelectorTransferFrom, owner, common.Address{}, big.NewInt(32)),
	}
	q := env.insertQuest(t, "q1", outcome)
	require.NoError(t, env.book.Mint(ctx, nil, token, owner, big.NewInt(100)))
	require.NoError(t, env.book.Approve(ctx, nil, token, owner, asset.EscrowAccount(q.ID), big.NewInt(100)))

	require.NoError(t, env.pay(t, q, alice))
	require.NoError(t, env.pay(t, q, bob))

	for _, who := range []common.Address{alice, bob} {
		bal, err := env.book.Balance(ctx, nil, token, who)
		require.NoError(t, err)
		assert.Equal(t, "32", bal.String())
	}
	payouts, err := env.repo.ListPayouts(ctx, nil, q.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
}

func TestLimitedOutcomeCapacity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	q := env.insertQuest(t, "q1", domain.Outcome{Native: true, NativeAmount: 1, Limited: true, Capacity: 1})
	require.NoError(t, env.book.FundNative(ctx, nil, asset.EscrowAccount(q.ID), big.NewInt(10)))

	require.NoError(t, env.pay(t, q, alice))
	err := env.pay(t, q, bob)
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	caps, err := env.repo.ListCapacity(ctx, nil, q.ID)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, uint64(0), caps[0].Remaining)
}

func TestTransferFailureRestoresCapacity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	q := env.insertQuest(t, "q1", domain.Outcome{Native: true, NativeAmount: 5, Limited: true, Capacity: 2})

	err := env.pay(t, q, alice)
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, asset.ErrInsufficientBalance)
	assert.NotErrorIs(t, err, ErrCapacityExhausted)

	caps, err := env.repo.ListCapacity(ctx, nil, q.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), caps[0].Remaining)
	assert.Equal(t, uint64(0), caps[0].Paid)
}

func TestNonFungibleOutcomeAdvancesTokenID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	outcome := domain.Outcome{
		Asset:    reward,
		Selector: asset.SelectorSafeTransferFrom,
		CallData: asset.Encode(asset.SelectorSafeTransferFrom, owner, common.Address{}, big.NewInt(1)),
	}
	q := env.insertQuest(t, "q1", outcome)
	for id := int64(1); id <= 2; id++ {
		require.NoError(t, env.book.MintNFT(ctx, nil, reward, big.NewInt(id), owner))
	}
	require.NoError(t, env.book.SetOperator(ctx, nil, reward, owner, asset.EscrowAccount(q.ID), true))

	require.NoError(t, env.pay(t, q, alice))
	require.NoError(t, env.pay(t, q, bob))

	got, err := env.book.OwnerOf(ctx, nil, reward, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, alice, got)
	got, err = env.book.OwnerOf(ctx, nil, reward, big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, bob, got)
}

func TestBuildTransferRewritesRecipient(t *testing.T) {
	o := domain.Outcome{Asset: token, Selector: asset.SelectorTransferFrom, CallData: asset.Encode(asset.SelectorTransferFrom, owner, bob, big.NewInt(3))}
	tr, err := BuildTransfer("q", 0, o, alice, 4)
	require.NoError(t, err)
	call, err := asset.Decode(tr.CallData)
	require.NoError(t, err)
	assert.Equal(t, alice, call.To)
	// fungible amounts never advance
	assert.Equal(t, int64(3), call.Value.Int64())
}
