package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"questline/internal/db"
	"questline/internal/domain"
)

// ErrStatusConflict is returned when a status transition finds the row in an
// unexpected state.
var ErrStatusConflict = errors.New("participant status changed concurrently")

func (r Repo) InsertProgress(ctx context.Context, q db.Querier, p domain.Progress) error {
	_, err := r.conn(q).ExecContext(ctx, `INSERT INTO progress(quest_id,participant,status,joined_at) VALUES (?,?,?,?)`,
		p.QuestID, p.Participant.Hex(), int(p.Status), p.JoinedAt)
	return err
}

// GetProgress returns the participant's record with its mission map. A
// participant that never joined yields NotEnrolled and ErrNotFound.
func (r Repo) GetProgress(ctx context.Context, q db.Querier, questID string, participant common.Address) (domain.Progress, error) {
	p := domain.Progress{QuestID: questID, Participant: participant, Missions: map[uint32]bool{}}
	var (
		status                  int
		completedAt, rewardedAt sql.NullString
	)
	err := r.conn(q).QueryRowContext(ctx, `SELECT status,joined_at,completed_at,rewarded_at FROM progress WHERE quest_id=? AND participant=?`,
		questID, participant.Hex()).Scan(&status, &p.JoinedAt, &completedAt, &rewardedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.ParticipantStatus(status)
	p.CompletedAt = completedAt.String
	p.RewardedAt = rewardedAt.String

	rows, err := r.conn(q).QueryContext(ctx, `SELECT node_id,done FROM mission_status WHERE quest_id=? AND participant=?`, questID, participant.Hex())
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			node uint32
			done int
		)
		if err := rows.Scan(&node, &done); err != nil {
			return p, err
		}
		p.Missions[node] = done != 0
	}
	return p, rows.Err()
}

// AdvanceStatus moves a participant from one status to a later one. The
// update only matches the expected current status, so status never regresses.
func (r Repo) AdvanceStatus(ctx context.Context, q db.Querier, questID string, participant common.Address, from, to domain.ParticipantStatus, ts string) error {
	if to <= from {
		return ErrStatusConflict
	}
	var column string
	switch to {
	case domain.Completed:
		column = "completed_at"
	case domain.Rewarded:
		column = "rewarded_at"
	default:
		return ErrStatusConflict
	}
	res, err := r.conn(q).ExecContext(ctx, `UPDATE progress SET status=?, `+column+`=? WHERE quest_id=? AND participant=? AND status=?`,
		int(to), ts, questID, participant.Hex(), int(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// SetMission overwrites the recorded result of one leaf.
func (r Repo) SetMission(ctx context.Context, q db.Querier, questID string, participant common.Address, nodeID uint32, done bool, ts string) error {
	_, err := r.conn(q).ExecContext(ctx, `INSERT INTO mission_status(quest_id,participant,node_id,done,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(quest_id,participant,node_id) DO UPDATE SET done=excluded.done, updated_at=excluded.updated_at`,
		questID, participant.Hex(), nodeID, boolInt(done), ts)
	return err
}

func (r Repo) MissionStatus(ctx context.Context, q db.Querier, questID string, participant common.Address, nodeID uint32) (bool, error) {
	var done int
	err := r.conn(q).QueryRowContext(ctx, `SELECT done FROM mission_status WHERE quest_id=? AND participant=? AND node_id=?`,
		questID, participant.Hex(), nodeID).Scan(&done)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return done != 0, err
}

// CountByStatus returns participant counts per status for a quest.
func (r Repo) CountByStatus(ctx context.Context, q db.Querier, questID string) (map[domain.ParticipantStatus]int, error) {
	rows, err := r.conn(q).QueryContext(ctx, `SELECT status, COUNT(*) FROM progress WHERE quest_id=? GROUP BY status`, questID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.ParticipantStatus]int{}
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.ParticipantStatus(status)] = n
	}
	return res, rows.Err()
}
