package asset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"questline/internal/db"
	"questline/internal/domain"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNotTokenOwner         = errors.New("sender does not own token")
	ErrNotApproved           = errors.New("escrow is not approved for token")
	ErrTokenExists           = errors.New("token already minted")
	ErrUnknownToken          = errors.New("unknown token")
)

// Book is a ledger of fungible balances, allowances, NFT ownership and native
// balances. Quest rewards move through it; the holder mission reads it.
type Book struct {
	DB *sql.DB
}

func (b Book) conn(q db.Querier) db.Querier {
	if q != nil {
		return q
	}
	return b.DB
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q", s)
	}
	return v, nil
}

func (b Book) readAmount(ctx context.Context, q db.Querier, query string, args ...any) (*big.Int, error) {
	var s string
	err := b.conn(q).QueryRowContext(ctx, query, args...).Scan(&s)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(s)
}

func (b Book) Balance(ctx context.Context, q db.Querier, asset, account common.Address) (*big.Int, error) {
	return b.readAmount(ctx, q, `SELECT amount FROM asset_balances WHERE asset=? AND account=?`, asset.Hex(), account.Hex())
}

func (b Book) Allowance(ctx context.Context, q db.Querier, asset, owner, spender common.Address) (*big.Int, error) {
	return b.readAmount(ctx, q, `SELECT amount FROM asset_allowances WHERE asset=? AND owner=? AND spender=?`, asset.Hex(), owner.Hex(), spender.Hex())
}

func (b Book) NativeBalance(ctx context.Context, q db.Querier, account common.Address) (*big.Int, error) {
	return b.readAmount(ctx, q, `SELECT amount FROM native_balances WHERE account=?`, account.Hex())
}

func (b Book) setBalance(ctx context.Context, q db.Querier, asset, account common.Address, v *big.Int) error {
	_, err := b.conn(q).ExecContext(ctx, `INSERT INTO asset_balances(asset,account,amount) VALUES (?,?,?)
ON CONFLICT(asset,account) DO UPDATE SET amount=excluded.amount`, asset.Hex(), account.Hex(), v.String())
	return err
}

func (b Book) setNative(ctx context.Context, q db.Querier, account common.Address, v *big.Int) error {
	_, err := b.conn(q).ExecContext(ctx, `INSERT INTO native_balances(account,amount) VALUES (?,?)
ON CONFLICT(account) DO UPDATE SET amount=excluded.amount`, account.Hex(), v.String())
	return err
}

// Mint credits a fungible balance.
func (b Book) Mint(ctx context.Context, q db.Querier, asset, account common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	bal, err := b.Balance(ctx, q, asset, account)
	if err != nil {
		return err
	}
	return b.setBalance(ctx, q, asset, account, bal.Add(bal, amount))
}

// Approve sets the allowance of spender over owner's balance.
func (b Book) Approve(ctx context.Context, q db.Querier, asset, owner, spender common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("allowance must not be negative")
	}
	_, err := b.conn(q).ExecContext(ctx, `INSERT INTO asset_allowances(asset,owner,spender,amount) VALUES (?,?,?,?)
ON CONFLICT(asset,owner,spender) DO UPDATE SET amount=excluded.amount`, asset.Hex(), owner.Hex(), spender.Hex(), amount.String())
	return err
}

// FundNative credits a native balance.
func (b Book) FundNative(ctx context.Context, q db.Querier, account common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("fund amount must be positive")
	}
	bal, err := b.NativeBalance(ctx, q, account)
	if err != nil {
		return err
	}
	return b.setNative(ctx, q, account, bal.Add(bal, amount))
}

func (b Book) MintNFT(ctx context.Context, q db.Querier, collection common.Address, tokenID *big.Int, owner common.Address) error {
	if _, err := b.OwnerOf(ctx, q, collection, tokenID); err == nil {
		return fmt.Errorf("%w: %s #%s", ErrTokenExists, collection.Hex(), tokenID)
	} else if !errors.Is(err, ErrUnknownToken) {
		return err
	}
	_, err := b.conn(q).ExecContext(ctx, `INSERT INTO nft_owners(collection,token_id,owner) VALUES (?,?,?)`, collection.Hex(), tokenID.String(), owner.Hex())
	return err
}

func (b Book) OwnerOf(ctx context.Context, q db.Querier, collection common.Address, tokenID *big.Int) (common.Address, error) {
	var owner string
	err := b.conn(q).QueryRowContext(ctx, `SELECT owner FROM nft_owners WHERE collection=? AND token_id=?`, collection.Hex(), tokenID.String()).Scan(&owner)
	if err == sql.ErrNoRows {
		return common.Address{}, ErrUnknownToken
	}
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(owner), nil
}

// SetOperator grants or revokes operator rights over all of owner's tokens in
// a collection.
func (b Book) SetOperator(ctx context.Context, q db.Querier, collection, owner, operator common.Address, approved bool) error {
	if approved {
		_, err := b.conn(q).ExecContext(ctx, `INSERT OR IGNORE INTO nft_operators(collection,owner,operator) VALUES (?,?,?)`, collection.Hex(), owner.Hex(), operator.Hex())
		return err
	}
	_, err := b.conn(q).ExecContext(ctx, `DELETE FROM nft_operators WHERE collection=? AND owner=? AND operator=?`, collection.Hex(), owner.Hex(), operator.Hex())
	return err
}

func (b Book) isOperator(ctx context.Context, q db.Querier, collection, owner, operator common.Address) (bool, error) {
	var n int
	err := b.conn(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM nft_operators WHERE collection=? AND owner=? AND operator=?`,
		collection.Hex(), owner.Hex(), operator.Hex()).Scan(&n)
	return n > 0, err
}

// TokensOf lists token ids held by owner in a collection.
func (b Book) TokensOf(ctx context.Context, q db.Querier, collection, owner common.Address) ([]*big.Int, error) {
	rows, err := b.conn(q).QueryContext(ctx, `SELECT token_id FROM nft_owners WHERE collection=? AND owner=?`, collection.Hex(), owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []*big.Int
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := parseAmount(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HoldsInRange reports whether owner holds any token with first <= id <= last.
func (b Book) HoldsInRange(ctx context.Context, q db.Querier, collection, owner common.Address, first, last *big.Int) (bool, error) {
	ids, err := b.TokensOf(ctx, q, collection, owner)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id.Cmp(first) >= 0 && id.Cmp(last) <= 0 {
			return true, nil
		}
	}
	return false, nil
}

// Transfer executes one reward transfer on behalf of the quest's escrow
// account. Any failure leaves the book untouched once the caller rolls back.
func (b Book) Transfer(ctx context.Context, q db.Querier, t domain.Transfer) error {
	escrow := EscrowAccount(t.QuestID)
	if t.Native {
		return b.transferNative(ctx, q, escrow, t.Recipient, new(big.Int).SetUint64(t.Amount))
	}
	call, err := Decode(t.CallData)
	if err != nil {
		return err
	}
	if call.NonFungible() {
		return b.transferNFT(ctx, q, t.Asset, escrow, call)
	}
	return b.transferFungible(ctx, q, t.Asset, escrow, call)
}

func (b Book) transferNative(ctx context.Context, q db.Querier, from, to common.Address, amount *big.Int) error {
	bal, err := b.NativeBalance(ctx, q, from)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: escrow %s holds %s native, needs %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	if err := b.setNative(ctx, q, from, bal.Sub(bal, amount)); err != nil {
		return err
	}
	dst, err := b.NativeBalance(ctx, q, to)
	if err != nil {
		return err
	}
	return b.setNative(ctx, q, to, dst.Add(dst, amount))
}

func (b Book) transferFungible(ctx context.Context, q db.Querier, asset, spender common.Address, call Call) error {
	if call.From != spender {
		allowance, err := b.Allowance(ctx, q, asset, call.From, spender)
		if err != nil {
			return err
		}
		if allowance.Cmp(call.Value) < 0 {
			return fmt.Errorf("%w: %s allows %s, needs %s", ErrInsufficientAllowance, call.From.Hex(), allowance, call.Value)
		}
		if err := b.Approve(ctx, q, asset, call.From, spender, allowance.Sub(allowance, call.Value)); err != nil {
			return err
		}
	}
	bal, err := b.Balance(ctx, q, asset, call.From)
	if err != nil {
		return err
	}
	if bal.Cmp(call.Value) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, call.From.Hex(), bal, call.Value)
	}
	if err := b.setBalance(ctx, q, asset, call.From, bal.Sub(bal, call.Value)); err != nil {
		return err
	}
	dst, err := b.Balance(ctx, q, asset, call.To)
	if err != nil {
		return err
	}
	return b.setBalance(ctx, q, asset, call.To, dst.Add(dst, call.Value))
}

func (b Book) transferNFT(ctx context.Context, q db.Querier, collection, operator common.Address, call Call) error {
	owner, err := b.OwnerOf(ctx, q, collection, call.Value)
	if err != nil {
		return fmt.Errorf("%s #%s: %w", collection.Hex(), call.Value, err)
	}
	if owner != call.From {
		return fmt.Errorf("%w: %s #%s", ErrNotTokenOwner, collection.Hex(), call.Value)
	}
	if owner != operator {
		ok, err := b.isOperator(ctx, q, collection, owner, operator)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s #%s", ErrNotApproved, collection.Hex(), call.Value)
		}
	}
	_, err = b.conn(q).ExecContext(ctx, `UPDATE nft_owners SET owner=? WHERE collection=? AND token_id=?`, call.To.Hex(), collection.Hex(), call.Value.String())
	return err
}
