package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"questline/internal/db"
	"questline/internal/domain"
)

// Repo persists quest state. Every method takes a db.Querier; pass the open
// transaction when inside one, or nil to use the pool.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) conn(q db.Querier) db.Querier {
	if q != nil {
		return q
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const questColumns = `id,idx,owner,COALESCE(title,''),formula_json,outcomes_json,start_ts,end_ts,paused,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuest(row rowScanner) (domain.Quest, error) {
	var (
		q                     domain.Quest
		owner                 string
		formulaJSON, outsJSON string
		paused                int
	)
	err := row.Scan(&q.ID, &q.Index, &owner, &q.Title, &formulaJSON, &outsJSON, &q.Start, &q.End, &paused, &q.CreatedAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.Owner = common.HexToAddress(owner)
	q.Paused = paused != 0
	if err := json.Unmarshal([]byte(formulaJSON), &q.Formula); err != nil {
		return q, fmt.Errorf("decode formula of quest %s: %w", q.ID, err)
	}
	if err := json.Unmarshal([]byte(outsJSON), &q.Outcomes); err != nil {
		return q, fmt.Errorf("decode outcomes of quest %s: %w", q.ID, err)
	}
	return q, nil
}

func (r Repo) NextQuestIndex(ctx context.Context, q db.Querier) (int64, error) {
	var idx int64
	err := r.conn(q).QueryRowContext(ctx, `SELECT COALESCE(MAX(idx)+1,0) FROM quests`).Scan(&idx)
	return idx, err
}

func (r Repo) InsertQuest(ctx context.Context, q db.Querier, quest domain.Quest) error {
	formulaJSON, err := json.Marshal(quest.Formula)
	if err != nil {
		return err
	}
	outsJSON, err := json.Marshal(quest.Outcomes)
	if err != nil {
		return err
	}
	_, err = r.conn(q).ExecContext(ctx, `INSERT INTO quests(id,idx,owner,title,formula_json,outcomes_json,start_ts,end_ts,paused,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		quest.ID, quest.Index, quest.Owner.Hex(), nullable(quest.Title), string(formulaJSON), string(outsJSON),
		quest.Start, quest.End, boolInt(quest.Paused), quest.CreatedAt, quest.UpdatedAt)
	return err
}

func (r Repo) GetQuest(ctx context.Context, q db.Querier, id string) (domain.Quest, error) {
	return scanQuest(r.conn(q).QueryRowContext(ctx, `SELECT `+questColumns+` FROM quests WHERE id=?`, id))
}

// QuestByIndex resolves the factory index assigned at creation.
func (r Repo) QuestByIndex(ctx context.Context, q db.Querier, idx int64) (domain.Quest, error) {
	return scanQuest(r.conn(q).QueryRowContext(ctx, `SELECT `+questColumns+` FROM quests WHERE idx=?`, idx))
}

func (r Repo) QuestCount(ctx context.Context, q db.Querier) (int64, error) {
	var n int64
	err := r.conn(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM quests`).Scan(&n)
	return n, err
}

type QuestFilters struct {
	Owner  *common.Address
	Limit  int
	Cursor int64 // first factory index to return
}

// ListQuests returns quests in factory order.
func (r Repo) ListQuests(ctx context.Context, q db.Querier, f QuestFilters) ([]domain.Quest, error) {
	query := `SELECT ` + questColumns + ` FROM quests WHERE idx>=?`
	args := []any{f.Cursor}
	if f.Owner != nil {
		query += ` AND owner=?`
		args = append(args, f.Owner.Hex())
	}
	query += ` ORDER BY idx ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.conn(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Quest
	for rows.Next() {
		quest, err := scanQuest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, quest)
	}
	return res, rows.Err()
}

func (r Repo) UpdateQuestFormula(ctx context.Context, q db.Querier, id string, nodes []domain.FormulaNode, updatedAt string) error {
	data, err := json.Marshal(nodes)
	if err != nil {
		return err
	}
	return r.updateQuest(ctx, q, `UPDATE quests SET formula_json=?, updated_at=? WHERE id=?`, string(data), updatedAt, id)
}

func (r Repo) UpdateQuestOutcomes(ctx context.Context, q db.Querier, id string, outcomes []domain.Outcome, updatedAt string) error {
	data, err := json.Marshal(outcomes)
	if err != nil {
		return err
	}
	return r.updateQuest(ctx, q, `UPDATE quests SET outcomes_json=?, updated_at=? WHERE id=?`, string(data), updatedAt, id)
}

func (r Repo) SetQuestPaused(ctx context.Context, q db.Querier, id string, paused bool, updatedAt string) error {
	return r.updateQuest(ctx, q, `UPDATE quests SET paused=?, updated_at=? WHERE id=?`, boolInt(paused), updatedAt, id)
}

func (r Repo) updateQuest(ctx context.Context, q db.Querier, query string, args ...any) error {
	res, err := r.conn(q).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
