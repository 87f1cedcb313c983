package asset

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/migrate"
)

var (
	token    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	nft      = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	sponsor  = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	quester  = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	dontCare = common.HexToAddress("0x000000000000000000000000000000000000dead")
)

func newBook(t *testing.T) Book {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Book{DB: conn}
}

func TestReplaceRecipient(t *testing.T) {
	data := Encode(SelectorTransferFrom, sponsor, dontCare, big.NewInt(32))
	out, err := ReplaceRecipient(data, quester)
	require.NoError(t, err)

	call, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, sponsor, call.From)
	assert.Equal(t, quester, call.To)
	assert.Equal(t, int64(32), call.Value.Int64())
	assert.False(t, call.NonFungible())

	// input is not modified
	orig, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, dontCare, orig.To)

	_, err = ReplaceRecipient(data[:40], quester)
	assert.ErrorIs(t, err, ErrShortCallData)
}

func TestDecodeRejectsUnknownSelector(t *testing.T) {
	data := Encode([]byte{0xa9, 0x05, 0x9c, 0xbb}, sponsor, quester, big.NewInt(1))
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrUnsupportedCall)

	err = CheckOutcomeCall(SelectorTransferFrom, Encode(SelectorSafeTransferFrom, sponsor, quester, big.NewInt(1)))
	assert.ErrorIs(t, err, ErrSelectorMismatch)
	assert.NoError(t, CheckOutcomeCall(SelectorSafeTransferFrom, Encode(SelectorSafeTransferFrom, sponsor, quester, big.NewInt(1))))
}

func TestReplaceValue(t *testing.T) {
	data := Encode(SelectorSafeTransferFrom, sponsor, dontCare, big.NewInt(7))
	out, err := ReplaceValue(data, big.NewInt(9))
	require.NoError(t, err)
	call, err := Decode(out)
	require.NoError(t, err)
	assert.True(t, call.NonFungible())
	assert.Equal(t, int64(9), call.Value.Int64())
}

func TestFungibleTransferUsesAllowance(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	escrow := EscrowAccount("q1")
	require.NoError(t, b.Mint(ctx, nil, token, sponsor, big.NewInt(100)))
	require.NoError(t, b.Approve(ctx, nil, token, sponsor, escrow, big.NewInt(50)))

	transfer := domain.Transfer{QuestID: "q1", Recipient: quester, Asset: token, CallData: Encode(SelectorTransferFrom, sponsor, quester, big.NewInt(32))}
	require.NoError(t, b.Transfer(ctx, nil, transfer))

	bal, err := b.Balance(ctx, nil, token, quester)
	require.NoError(t, err)
	assert.Equal(t, "32", bal.String())
	bal, err = b.Balance(ctx, nil, token, sponsor)
	require.NoError(t, err)
	assert.Equal(t, "68", bal.String())
	left, err := b.Allowance(ctx, nil, token, sponsor, escrow)
	require.NoError(t, err)
	assert.Equal(t, "18", left.String())

	err = b.Transfer(ctx, nil, transfer)
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
}

func TestNFTTransferNeedsOperator(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	escrow := EscrowAccount("q1")
	require.NoError(t, b.MintNFT(ctx, nil, nft, big.NewInt(1), sponsor))
	assert.ErrorIs(t, b.MintNFT(ctx, nil, nft, big.NewInt(1), sponsor), ErrTokenExists)

	transfer := domain.Transfer{QuestID: "q1", Recipient: quester, Asset: nft, CallData: Encode(SelectorSafeTransferFrom, sponsor, quester, big.NewInt(1))}
	assert.ErrorIs(t, b.Transfer(ctx, nil, transfer), ErrNotApproved)

	require.NoError(t, b.SetOperator(ctx, nil, nft, sponsor, escrow, true))
	require.NoError(t, b.Transfer(ctx, nil, transfer))
	owner, err := b.OwnerOf(ctx, nil, nft, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, quester, owner)

	held, err := b.HoldsInRange(ctx, nil, nft, quester, big.NewInt(1), big.NewInt(10))
	require.NoError(t, err)
	assert.True(t, held)
	held, err = b.HoldsInRange(ctx, nil, nft, quester, big.NewInt(2), big.NewInt(10))
	require.NoError(t, err)
	assert.False(t, held)

	assert.ErrorIs(t, b.Transfer(ctx, nil, transfer), ErrNotTokenOwner)
}

func TestNativeTransferFromEscrow(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	escrow := EscrowAccount("q1")
	require.NoError(t, b.FundNative(ctx, nil, escrow, big.NewInt(5)))

	transfer := domain.Transfer{QuestID: "q1", Recipient: quester, Native: true, Amount: 3}
	require.NoError(t, b.Transfer(ctx, nil, transfer))
	assert.ErrorIs(t, b.Transfer(ctx, nil, transfer), ErrInsufficientBalance)

	bal, err := b.NativeBalance(ctx, nil, quester)
	require.NoError(t, err)
	assert.Equal(t, "3", bal.String())
}

func TestEscrowAccountIsPerQuest(t *testing.T) {
	assert.Equal(t, EscrowAccount("a"), EscrowAccount("a"))
	assert.NotEqual(t, EscrowAccount("a"), EscrowAccount("b"))
}
