package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"questline/internal/db"
	"questline/internal/domain"
)

// ErrConsumed is returned when a request was already fulfilled.
var ErrConsumed = errors.New("request already consumed")

// NextNonce increments and returns the handler's request counter.
func (r Repo) NextNonce(ctx context.Context, q db.Querier, handler common.Address) (uint64, error) {
	c := r.conn(q)
	_, err := c.ExecContext(ctx, `INSERT INTO handler_nonces(handler,nonce) VALUES (?,1)
ON CONFLICT(handler) DO UPDATE SET nonce = nonce + 1`, handler.Hex())
	if err != nil {
		return 0, err
	}
	var nonce uint64
	err = c.QueryRowContext(ctx, `SELECT nonce FROM handler_nonces WHERE handler=?`, handler.Hex()).Scan(&nonce)
	return nonce, err
}

func (r Repo) InsertRequest(ctx context.Context, q db.Querier, req domain.PendingRequest) error {
	data, err := json.Marshal(req.Data)
	if err != nil {
		return err
	}
	_, err = r.conn(q).ExecContext(ctx, `INSERT INTO pending_requests(id,quest_id,handler,responder,participant,node_id,data_json,issued_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		req.ID.Hex(), req.QuestID, req.Handler.Hex(), req.Responder.Hex(), req.Participant.Hex(), req.NodeID, string(data), req.IssuedAt, nullable(req.ExpiresAt))
	return err
}

const requestColumns = `id,quest_id,handler,responder,participant,node_id,COALESCE(data_json,''),issued_at,COALESCE(expires_at,''),COALESCE(consumed_at,'')`

func scanRequest(row rowScanner) (domain.PendingRequest, error) {
	var req domain.PendingRequest
	var id, handler, responder, participant, data string
	err := row.Scan(&id, &req.QuestID, &handler, &responder, &participant, &req.NodeID, &data, &req.IssuedAt, &req.ExpiresAt, &req.ConsumedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.ID = common.HexToHash(id)
	req.Handler = common.HexToAddress(handler)
	req.Responder = common.HexToAddress(responder)
	req.Participant = common.HexToAddress(participant)
	if data != "" && data != "null" {
		if err := json.Unmarshal([]byte(data), &req.Data); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, q db.Querier, id common.Hash) (domain.PendingRequest, error) {
	return scanRequest(r.conn(q).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM pending_requests WHERE id=?`, id.Hex()))
}

// ConsumeRequest marks a request fulfilled. It succeeds exactly once.
func (r Repo) ConsumeRequest(ctx context.Context, q db.Querier, id common.Hash, ts string) error {
	res, err := r.conn(q).ExecContext(ctx, `UPDATE pending_requests SET consumed_at=? WHERE id=? AND consumed_at IS NULL`, ts, id.Hex())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConsumed
	}
	return nil
}

// OpenRequest returns the unconsumed request for a leaf, if any. Requests
// whose expiry is before now are ignored.
func (r Repo) OpenRequest(ctx context.Context, q db.Querier, questID string, participant common.Address, nodeID uint32, now string) (domain.PendingRequest, error) {
	return scanRequest(r.conn(q).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM pending_requests
WHERE quest_id=? AND participant=? AND node_id=? AND consumed_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
ORDER BY issued_at DESC LIMIT 1`, questID, participant.Hex(), nodeID, now))
}

func (r Repo) CountOpenRequests(ctx context.Context, q db.Querier, questID string, participant common.Address, now string) (int, error) {
	var n int
	err := r.conn(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests
WHERE quest_id=? AND participant=? AND consumed_at IS NULL AND (expires_at IS NULL OR expires_at > ?)`, questID, participant.Hex(), now).Scan(&n)
	return n, err
}

type RequestFilters struct {
	Responder *common.Address
	QuestID   string
	Open      bool
	Limit     int
}

func (r Repo) ListRequests(ctx context.Context, q db.Querier, f RequestFilters) ([]domain.PendingRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM pending_requests WHERE 1=1`
	var args []any
	if f.Responder != nil {
		query += ` AND responder=?`
		args = append(args, f.Responder.Hex())
	}
	if f.QuestID != "" {
		query += ` AND quest_id=?`
		args = append(args, f.QuestID)
	}
	if f.Open {
		query += ` AND consumed_at IS NULL`
	}
	query += ` ORDER BY issued_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.conn(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// DeleteExpired removes unconsumed requests whose expiry is at or before now.
func (r Repo) DeleteExpired(ctx context.Context, q db.Querier, now string) (int64, error) {
	res, err := r.conn(q).ExecContext(ctx, `DELETE FROM pending_requests WHERE consumed_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
