package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Operator combines the two children of a non-leaf formula node.
type Operator uint8

const (
	OpAnd Operator = 0
	OpOr  Operator = 1
)

func (o Operator) String() string {
	switch o {
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	default:
		return fmt.Sprintf("Operator(%d)", uint8(o))
	}
}

func (o Operator) MarshalText() ([]byte, error) {
	if o != OpAnd && o != OpOr {
		return nil, fmt.Errorf("invalid operator %d", uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *Operator) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "AND", "":
		*o = OpAnd
	case "OR":
		*o = OpOr
	default:
		return fmt.Errorf("invalid operator %q", string(b))
	}
	return nil
}

// FormulaNode is one entry of a flat formula sequence. Children are referenced
// by id; id 0 means "absent".
type FormulaNode struct {
	ID       uint32          `json:"id" yaml:"id"`
	Leaf     bool            `json:"leaf" yaml:"leaf"`
	Handler  common.Address  `json:"handler" yaml:"handler"`
	Operator Operator        `json:"operator" yaml:"operator"`
	Left     uint32          `json:"left" yaml:"left"`
	Right    uint32          `json:"right" yaml:"right"`
	Data     []hexutil.Bytes `json:"data,omitempty" yaml:"data,omitempty"`
}

// Outcome describes one reward released to a participant that completed the quest.
type Outcome struct {
	Asset        common.Address `json:"asset"`
	Selector     hexutil.Bytes  `json:"selector,omitempty"`
	CallData     hexutil.Bytes  `json:"call_data,omitempty"`
	Native       bool           `json:"native"`
	NativeAmount uint64         `json:"native_amount"`
	Limited      bool           `json:"limited"`
	Capacity     uint64         `json:"capacity"`
}

type Quest struct {
	ID        string         `json:"id"`
	Index     int64          `json:"index"`
	Owner     common.Address `json:"owner"`
	Title     string         `json:"title,omitempty"`
	Formula   []FormulaNode  `json:"formula"`
	Outcomes  []Outcome      `json:"outcomes"`
	Start     int64          `json:"start"`
	End       int64          `json:"end"`
	Paused    bool           `json:"paused"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// QuestState is derived from the clock and the paused flag; it is never stored.
type QuestState string

const (
	QuestCreated QuestState = "created"
	QuestActive  QuestState = "active"
	QuestPaused  QuestState = "paused"
	QuestEnded   QuestState = "ended"
)

// State reports the lifecycle state at unix time now. When enforceEnd is false
// an expired quest keeps reporting active/paused.
func (q Quest) State(now int64, enforceEnd bool) QuestState {
	switch {
	case now < q.Start:
		return QuestCreated
	case enforceEnd && now > q.End:
		return QuestEnded
	case q.Paused:
		return QuestPaused
	default:
		return QuestActive
	}
}

// ParticipantStatus only ever moves forward.
type ParticipantStatus uint8

const (
	NotEnrolled ParticipantStatus = iota
	InProgress
	Completed
	Rewarded
)

func (s ParticipantStatus) String() string {
	switch s {
	case NotEnrolled:
		return "not_enrolled"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Rewarded:
		return "rewarded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s ParticipantStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ParticipantStatus) UnmarshalText(b []byte) error {
	for _, c := range []ParticipantStatus{NotEnrolled, InProgress, Completed, Rewarded} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("invalid participant status %q", string(b))
}

type Progress struct {
	QuestID     string            `json:"quest_id"`
	Participant common.Address    `json:"participant"`
	Status      ParticipantStatus `json:"status" enum:"not_enrolled,in_progress,completed,rewarded"`
	Missions    map[uint32]bool   `json:"missions"`
	JoinedAt    string            `json:"joined_at,omitempty" format:"date-time"`
	CompletedAt string            `json:"completed_at,omitempty" format:"date-time"`
	RewardedAt  string            `json:"rewarded_at,omitempty" format:"date-time"`
}

// PendingRequest correlates an asynchronous mission handler with the
// responder's later answer.
type PendingRequest struct {
	ID          common.Hash     `json:"id"`
	QuestID     string          `json:"quest_id"`
	Handler     common.Address  `json:"handler"`
	Responder   common.Address  `json:"responder"`
	Participant common.Address  `json:"participant"`
	NodeID      uint32          `json:"node_id"`
	Data        []hexutil.Bytes `json:"data,omitempty"`
	IssuedAt    string          `json:"issued_at" format:"date-time"`
	ExpiresAt   string          `json:"expires_at,omitempty" format:"date-time"`
	ConsumedAt  string          `json:"consumed_at,omitempty" format:"date-time"`
}

// Transfer is one asset movement authorized by the reward ledger.
type Transfer struct {
	QuestID      string         `json:"quest_id"`
	OutcomeIndex int            `json:"outcome_index"`
	Recipient    common.Address `json:"recipient"`
	Asset        common.Address `json:"asset"`
	Native       bool           `json:"native"`
	Amount       uint64         `json:"amount,omitempty"`
	CallData     hexutil.Bytes  `json:"call_data,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	QuestID    string `json:"quest_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
