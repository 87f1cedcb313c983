package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"questline/internal/db"
)

const (
	QuestCreated          = "quest.created"
	QuestFormulaReplaced  = "quest.formula_replaced"
	QuestOutcomesReplaced = "quest.outcomes_replaced"
	QuestPaused           = "quest.paused"
	QuestResumed          = "quest.resumed"
	ParticipantJoined     = "participant.joined"
	LeafRecorded          = "leaf.recorded"
	MissionValidated      = "mission.validated"
	QuestCompleted        = "quest.completed"
	OutcomeExecuted       = "outcome.executed"
	ValidationRequested   = "validation.requested"
	ValidationFulfilled   = "validation.fulfilled"
)

// Types lists every event type in emission-independent order.
var Types = []string{
	QuestCreated, QuestFormulaReplaced, QuestOutcomesReplaced, QuestPaused, QuestResumed,
	ParticipantJoined, LeafRecorded, MissionValidated, QuestCompleted, OutcomeExecuted,
	ValidationRequested, ValidationFulfilled,
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event through q, normally the caller's transaction, so
// the event commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, q db.Querier, evtType, questID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,quest_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(questID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
