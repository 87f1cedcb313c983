package server

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/repo"
)

// Request payloads

type FormulaNodeBody struct {
	ID       uint32   `json:"id"`
	Leaf     bool     `json:"leaf,omitempty"`
	Handler  string   `json:"handler,omitempty" pattern:"^0x[0-9a-fA-F]{40}$"`
	Operator string   `json:"operator,omitempty" enum:"AND,OR"`
	Left     uint32   `json:"left,omitempty"`
	Right    uint32   `json:"right,omitempty"`
	Data     []string `json:"data,omitempty" doc:"0x-prefixed words passed to the mission handler"`
}

type OutcomeBody struct {
	Asset        string `json:"asset,omitempty" pattern:"^0x[0-9a-fA-F]{40}$"`
	Selector     string `json:"selector,omitempty"`
	CallData     string `json:"call_data,omitempty"`
	Native       bool   `json:"native,omitempty"`
	NativeAmount uint64 `json:"native_amount,omitempty"`
	Limited      bool   `json:"limited,omitempty"`
	Capacity     uint64 `json:"capacity,omitempty"`
}

type CreateQuestRequest struct {
	// Definition, when set, replaces every structured field below.
	Definition string            `json:"definition,omitempty" doc:"Quest definition document"`
	Format     string            `json:"format,omitempty" enum:"yaml,json,cue" doc:"Format of definition; defaults to yaml"`
	Title      string            `json:"title,omitempty"`
	Start      int64             `json:"start,omitempty" doc:"Unix seconds"`
	End        int64             `json:"end,omitempty" doc:"Unix seconds"`
	Formula    []FormulaNodeBody `json:"formula,omitempty"`
	Outcomes   []OutcomeBody     `json:"outcomes,omitempty"`
}

type SetFormulaRequest struct {
	Formula []FormulaNodeBody `json:"formula"`
}

type SetOutcomesRequest struct {
	Outcomes []OutcomeBody `json:"outcomes"`
}

type RecordLeafRequest struct {
	Done bool `json:"done"`
}

type FulfilRequest struct {
	Done bool `json:"done"`
}

type DevLoginRequest struct {
	Address string `json:"address" pattern:"^0x[0-9a-fA-F]{40}$"`
}

// Response payloads

type QuestResponse struct {
	ID        string            `json:"id"`
	Index     int64             `json:"index"`
	Owner     string            `json:"owner"`
	Title     string            `json:"title,omitempty"`
	Formula   []FormulaNodeBody `json:"formula"`
	Outcomes  []OutcomeBody     `json:"outcomes"`
	Start     int64             `json:"start"`
	End       int64             `json:"end"`
	Paused    bool              `json:"paused"`
	State     string            `json:"state" enum:"created,active,paused,ended"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

type ProgressResponse struct {
	QuestID     string          `json:"quest_id"`
	Participant string          `json:"participant"`
	Status      string          `json:"status" enum:"not_enrolled,in_progress,completed,rewarded"`
	Missions    map[string]bool `json:"missions"`
	JoinedAt    string          `json:"joined_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	RewardedAt  string          `json:"rewarded_at,omitempty"`
}

type MissionStatusResponse struct {
	NodeID uint32 `json:"node_id"`
	Done   bool   `json:"done"`
}

type LeafOutcomeResponse struct {
	NodeID    uint32 `json:"node_id"`
	Handler   string `json:"handler"`
	Done      bool   `json:"done"`
	Pending   bool   `json:"pending,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

type ValidationReportResponse struct {
	QuestID     string                `json:"quest_id"`
	Participant string                `json:"participant"`
	Leaves      []LeafOutcomeResponse `json:"leaves"`
	Completed   bool                  `json:"completed"`
	Status      string                `json:"status"`
}

type TransferResponse struct {
	OutcomeIndex int    `json:"outcome_index"`
	Recipient    string `json:"recipient"`
	Asset        string `json:"asset"`
	Native       bool   `json:"native"`
	Amount       uint64 `json:"amount,omitempty"`
	CallData     string `json:"call_data,omitempty"`
}

type ExecuteResponse struct {
	Transfers []TransferResponse `json:"transfers"`
}

type PayoutResponse struct {
	ID           int64  `json:"id"`
	OutcomeIndex int    `json:"outcome_index"`
	Participant  string `json:"participant"`
	Asset        string `json:"asset"`
	Native       bool   `json:"native"`
	Amount       string `json:"amount,omitempty"`
	CallData     string `json:"call_data,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type SummaryResponse struct {
	Quest    QuestResponse   `json:"quest"`
	Statuses map[string]int  `json:"statuses"`
	Capacity []repo.Capacity `json:"capacity"`
}

type RequestResponse struct {
	ID          string   `json:"id"`
	QuestID     string   `json:"quest_id"`
	Handler     string   `json:"handler"`
	Responder   string   `json:"responder"`
	Participant string   `json:"participant"`
	NodeID      uint32   `json:"node_id"`
	Data        []string `json:"data,omitempty"`
	IssuedAt    string   `json:"issued_at" format:"date-time"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	ConsumedAt  string   `json:"consumed_at,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	QuestID    string         `json:"quest_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedQuests struct {
	Items      []QuestResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MeResponse struct {
	Address string `json:"address"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversions

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func decodeHex(field, s string) (hexutil.Bytes, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return b, nil
}

func (b FormulaNodeBody) node() (domain.FormulaNode, error) {
	n := domain.FormulaNode{ID: b.ID, Leaf: b.Leaf, Left: b.Left, Right: b.Right}
	if b.Leaf {
		h, err := parseAddress("handler", b.Handler)
		if err != nil {
			return n, err
		}
		n.Handler = h
		for i, w := range b.Data {
			word, err := decodeHex(fmt.Sprintf("data[%d]", i), w)
			if err != nil {
				return n, err
			}
			n.Data = append(n.Data, word)
		}
		return n, nil
	}
	if err := n.Operator.UnmarshalText([]byte(b.Operator)); err != nil {
		return n, err
	}
	return n, nil
}

func nodesFromBody(items []FormulaNodeBody) ([]domain.FormulaNode, error) {
	out := make([]domain.FormulaNode, 0, len(items))
	for i, b := range items {
		n, err := b.node()
		if err != nil {
			return nil, fmt.Errorf("formula[%d]: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (b OutcomeBody) outcome() (domain.Outcome, error) {
	o := domain.Outcome{Native: b.Native, NativeAmount: b.NativeAmount, Limited: b.Limited, Capacity: b.Capacity}
	if b.Asset != "" {
		a, err := parseAddress("asset", b.Asset)
		if err != nil {
			return o, err
		}
		o.Asset = a
	}
	var err error
	if o.Selector, err = decodeHex("selector", b.Selector); err != nil {
		return o, err
	}
	if o.CallData, err = decodeHex("call_data", b.CallData); err != nil {
		return o, err
	}
	return o, nil
}

func outcomesFromBody(items []OutcomeBody) ([]domain.Outcome, error) {
	out := make([]domain.Outcome, 0, len(items))
	for i, b := range items {
		o, err := b.outcome()
		if err != nil {
			return nil, fmt.Errorf("outcomes[%d]: %w", i, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (r CreateQuestRequest) spec() (engine.QuestSpec, error) {
	nodes, err := nodesFromBody(r.Formula)
	if err != nil {
		return engine.QuestSpec{}, err
	}
	outcomes, err := outcomesFromBody(r.Outcomes)
	if err != nil {
		return engine.QuestSpec{}, err
	}
	return engine.QuestSpec{Title: r.Title, Start: r.Start, End: r.End, Formula: nodes, Outcomes: outcomes}, nil
}

func nodeBody(n domain.FormulaNode) FormulaNodeBody {
	b := FormulaNodeBody{ID: n.ID, Leaf: n.Leaf, Left: n.Left, Right: n.Right}
	if n.Leaf {
		b.Handler = n.Handler.Hex()
		for _, w := range n.Data {
			b.Data = append(b.Data, w.String())
		}
	} else {
		b.Operator = n.Operator.String()
	}
	return b
}

func outcomeBody(o domain.Outcome) OutcomeBody {
	b := OutcomeBody{Native: o.Native, NativeAmount: o.NativeAmount, Limited: o.Limited, Capacity: o.Capacity}
	if !o.Native {
		b.Asset = o.Asset.Hex()
		b.Selector = o.Selector.String()
		b.CallData = o.CallData.String()
	}
	return b
}

func questResponse(q domain.Quest, state domain.QuestState) QuestResponse {
	res := QuestResponse{
		ID:        q.ID,
		Index:     q.Index,
		Owner:     q.Owner.Hex(),
		Title:     q.Title,
		Formula:   make([]FormulaNodeBody, 0, len(q.Formula)),
		Outcomes:  make([]OutcomeBody, 0, len(q.Outcomes)),
		Start:     q.Start,
		End:       q.End,
		Paused:    q.Paused,
		State:     string(state),
		CreatedAt: q.CreatedAt,
		UpdatedAt: q.UpdatedAt,
	}
	for _, n := range q.Formula {
		res.Formula = append(res.Formula, nodeBody(n))
	}
	for _, o := range q.Outcomes {
		res.Outcomes = append(res.Outcomes, outcomeBody(o))
	}
	return res
}

func progressResponse(p domain.Progress) ProgressResponse {
	res := ProgressResponse{
		QuestID:     p.QuestID,
		Participant: p.Participant.Hex(),
		Status:      p.Status.String(),
		Missions:    make(map[string]bool, len(p.Missions)),
		JoinedAt:    p.JoinedAt,
		CompletedAt: p.CompletedAt,
		RewardedAt:  p.RewardedAt,
	}
	for id, done := range p.Missions {
		res.Missions[strconv.FormatUint(uint64(id), 10)] = done
	}
	return res
}

func leafResponse(l engine.LeafOutcome) LeafOutcomeResponse {
	res := LeafOutcomeResponse{NodeID: l.NodeID, Handler: l.Handler.Hex(), Done: l.Done, Pending: l.Pending, Skipped: l.Skipped}
	if l.RequestID != nil {
		res.RequestID = l.RequestID.Hex()
	}
	return res
}

func reportResponse(r engine.ValidationReport) ValidationReportResponse {
	res := ValidationReportResponse{
		QuestID:     r.QuestID,
		Participant: r.Participant.Hex(),
		Leaves:      make([]LeafOutcomeResponse, 0, len(r.Leaves)),
		Completed:   r.Completed,
		Status:      r.Status.String(),
	}
	for _, l := range r.Leaves {
		res.Leaves = append(res.Leaves, leafResponse(l))
	}
	return res
}

func transferResponses(items []domain.Transfer) []TransferResponse {
	out := make([]TransferResponse, 0, len(items))
	for _, t := range items {
		tr := TransferResponse{OutcomeIndex: t.OutcomeIndex, Recipient: t.Recipient.Hex(), Native: t.Native, Amount: t.Amount}
		if !t.Native {
			tr.Asset = t.Asset.Hex()
			tr.CallData = t.CallData.String()
		}
		out = append(out, tr)
	}
	return out
}

func payoutResponses(items []repo.Payout) []PayoutResponse {
	out := make([]PayoutResponse, 0, len(items))
	for _, p := range items {
		out = append(out, PayoutResponse{
			ID:           p.ID,
			OutcomeIndex: p.OutcomeIndex,
			Participant:  p.Participant.Hex(),
			Asset:        p.Asset.Hex(),
			Native:       p.Native,
			Amount:       p.Amount,
			CallData:     p.CallData,
			CreatedAt:    p.CreatedAt,
		})
	}
	return out
}

func requestResponse(r domain.PendingRequest) RequestResponse {
	res := RequestResponse{
		ID:          r.ID.Hex(),
		QuestID:     r.QuestID,
		Handler:     r.Handler.Hex(),
		Responder:   r.Responder.Hex(),
		Participant: r.Participant.Hex(),
		NodeID:      r.NodeID,
		IssuedAt:    r.IssuedAt,
		ExpiresAt:   r.ExpiresAt,
		ConsumedAt:  r.ConsumedAt,
	}
	for _, w := range r.Data {
		res.Data = append(res.Data, w.String())
	}
	return res
}

func requestResponses(items []domain.PendingRequest) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		QuestID:    e.QuestID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
