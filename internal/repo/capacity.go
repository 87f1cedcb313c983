package repo

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"questline/internal/db"
	"questline/internal/domain"
)

// Capacity is the stored counter of one outcome.
type Capacity struct {
	OutcomeIndex int    `json:"outcome_index"`
	Limited      bool   `json:"limited"`
	Remaining    uint64 `json:"remaining"`
	Paid         uint64 `json:"paid"`
}

// ResetCapacity replaces all counters of a quest from its outcome list.
func (r Repo) ResetCapacity(ctx context.Context, q db.Querier, questID string, outcomes []domain.Outcome) error {
	c := r.conn(q)
	if _, err := c.ExecContext(ctx, `DELETE FROM outcome_capacity WHERE quest_id=?`, questID); err != nil {
		return err
	}
	for i, o := range outcomes {
		remaining := uint64(0)
		if o.Limited {
			remaining = o.Capacity
		}
		if _, err := c.ExecContext(ctx, `INSERT INTO outcome_capacity(quest_id,outcome_index,limited,remaining,paid) VALUES (?,?,?,?,0)`,
			questID, i, boolInt(o.Limited), remaining); err != nil {
			return err
		}
	}
	return nil
}

// TakeCapacity decrements the remaining counter of a limited outcome in one
// statement. It reports false when nothing was left; the check and the
// decrement cannot be separated.
func (r Repo) TakeCapacity(ctx context.Context, q db.Querier, questID string, outcomeIndex int) (bool, error) {
	res, err := r.conn(q).ExecContext(ctx, `UPDATE outcome_capacity SET remaining = remaining - 1 WHERE quest_id=? AND outcome_index=? AND limited=1 AND remaining > 0`,
		questID, outcomeIndex)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NotePayout bumps the payout counter and returns its value before the bump.
func (r Repo) NotePayout(ctx context.Context, q db.Querier, questID string, outcomeIndex int) (uint64, error) {
	var paid uint64
	if err := r.conn(q).QueryRowContext(ctx, `SELECT paid FROM outcome_capacity WHERE quest_id=? AND outcome_index=?`, questID, outcomeIndex).Scan(&paid); err != nil {
		return 0, err
	}
	_, err := r.conn(q).ExecContext(ctx, `UPDATE outcome_capacity SET paid = paid + 1 WHERE quest_id=? AND outcome_index=?`, questID, outcomeIndex)
	return paid, err
}

func (r Repo) ListCapacity(ctx context.Context, q db.Querier, questID string) ([]Capacity, error) {
	rows, err := r.conn(q).QueryContext(ctx, `SELECT outcome_index,limited,remaining,paid FROM outcome_capacity WHERE quest_id=? ORDER BY outcome_index`, questID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Capacity
	for rows.Next() {
		var (
			c       Capacity
			limited int
		)
		if err := rows.Scan(&c.OutcomeIndex, &limited, &c.Remaining, &c.Paid); err != nil {
			return nil, err
		}
		c.Limited = limited != 0
		res = append(res, c)
	}
	return res, rows.Err()
}

// Payout is one recorded reward transfer.
type Payout struct {
	ID           int64          `json:"id"`
	QuestID      string         `json:"quest_id"`
	OutcomeIndex int            `json:"outcome_index"`
	Participant  common.Address `json:"participant"`
	Asset        common.Address `json:"asset"`
	Native       bool           `json:"native"`
	Amount       string         `json:"amount,omitempty"`
	CallData     string         `json:"call_data,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

func (r Repo) InsertPayout(ctx context.Context, q db.Querier, p Payout) error {
	_, err := r.conn(q).ExecContext(ctx, `INSERT INTO outcome_payouts(quest_id,outcome_index,participant,asset,native,amount,call_data,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.QuestID, p.OutcomeIndex, p.Participant.Hex(), p.Asset.Hex(), boolInt(p.Native), nullable(p.Amount), nullable(p.CallData), p.CreatedAt)
	return err
}

func (r Repo) ListPayouts(ctx context.Context, q db.Querier, questID string) ([]Payout, error) {
	rows, err := r.conn(q).QueryContext(ctx, `SELECT id,quest_id,outcome_index,participant,asset,native,COALESCE(amount,''),COALESCE(call_data,''),created_at FROM outcome_payouts WHERE quest_id=? ORDER BY id`, questID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Payout
	for rows.Next() {
		var (
			p                  Payout
			participant, asset string
			native             int
		)
		if err := rows.Scan(&p.ID, &p.QuestID, &p.OutcomeIndex, &participant, &asset, &native, &p.Amount, &p.CallData, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Participant = common.HexToAddress(participant)
		p.Asset = common.HexToAddress(asset)
		p.Native = native != 0
		res = append(res, p)
	}
	return res, rows.Err()
}
