// Package ledger authorizes and pays quest rewards.
//
// Capacity accounting has one critical section: the limited-outcome counter is
// checked and decremented by a single conditional UPDATE. Splitting it into a
// read followed by a write would let two concurrent executions both observe
// the last unit. The ledger runs inside the engine's transaction, so a failed
// transfer also restores the counter.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"questline/internal/asset"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/repo"
)

var ErrCapacityExhausted = errors.New("reward capacity exhausted")

// TransferError reports a failed asset movement. It is distinct from
// ErrCapacityExhausted: the pool had room but the transfer did not go through.
type TransferError struct {
	OutcomeIndex int
	Err          error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("outcome %d transfer failed: %v", e.OutcomeIndex, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Transferer moves assets.
type Transferer interface {
	Transfer(ctx context.Context, q db.Querier, t domain.Transfer) error
}

type Ledger struct {
	Repo       repo.Repo
	Transferer Transferer
	Now        func() time.Time
	Log        zerolog.Logger
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// AuthorizeAndPay releases every outcome of the quest to participant. It
// does not deduplicate participants; the engine's status check does.
func (l Ledger) AuthorizeAndPay(ctx context.Context, q db.Querier, quest domain.Quest, participant common.Address) ([]domain.Transfer, error) {
	if l.Transferer == nil {
		return nil, errors.New("ledger has no transferer")
	}
	var paid []domain.Transfer
	for i, o := range quest.Outcomes {
		if o.Limited {
			ok, err := l.Repo.TakeCapacity(ctx, q, quest.ID, i)
			if err != nil {
				return nil, fmt.Errorf("take capacity: %w", err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: quest %s outcome %d", ErrCapacityExhausted, quest.ID, i)
			}
		}
		seq, err := l.Repo.NotePayout(ctx, q, quest.ID, i)
		if err != nil {
			return nil, fmt.Errorf("note payout: %w", err)
		}
		t, err := BuildTransfer(quest.ID, i, o, participant, seq)
		if err != nil {
			return nil, &TransferError{OutcomeIndex: i, Err: err}
		}
		if err := l.Transferer.Transfer(ctx, q, t); err != nil {
			return nil, &TransferError{OutcomeIndex: i, Err: err}
		}
		if err := l.Repo.InsertPayout(ctx, q, repo.Payout{
			QuestID:      quest.ID,
			OutcomeIndex: i,
			Participant:  participant,
			Asset:        t.Asset,
			Native:       t.Native,
			Amount:       amountString(t),
			CallData:     callDataString(t),
			CreatedAt:    l.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, fmt.Errorf("record payout: %w", err)
		}
		l.Log.Debug().Str("quest", quest.ID).Int("outcome", i).Str("recipient", participant.Hex()).Msg("outcome paid")
		paid = append(paid, t)
	}
	return paid, nil
}

// BuildTransfer resolves an outcome for one recipient. The call's `to`
// argument becomes the recipient; for non-fungible outcomes the token id
// advances by the number of earlier payouts (seq).
func BuildTransfer(questID string, index int, o domain.Outcome, recipient common.Address, seq uint64) (domain.Transfer, error) {
	t := domain.Transfer{QuestID: questID, OutcomeIndex: index, Recipient: recipient, Asset: o.Asset, Native: o.Native}
	if o.Native {
		t.Amount = o.NativeAmount
		return t, nil
	}
	data, err := asset.ReplaceRecipient(o.CallData, recipient)
	if err != nil {
		return t, err
	}
	call, err := asset.Decode(data)
	if err != nil {
		return t, err
	}
	if call.NonFungible() && seq > 0 {
		id := new(big.Int).Add(call.Value, new(big.Int).SetUint64(seq))
		if data, err = asset.ReplaceValue(data, id); err != nil {
			return t, err
		}
	}
	t.CallData = data
	return t, nil
}

func amountString(t domain.Transfer) string {
	if t.Native {
		return new(big.Int).SetUint64(t.Amount).String()
	}
	return ""
}

func callDataString(t domain.Transfer) string {
	if len(t.CallData) == 0 {
		return ""
	}
	return hexutil.Encode(t.CallData)
}
