package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"questline/internal/asset"
	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/engine/auth"
	"questline/internal/events"
	"questline/internal/formula"
	"questline/internal/ledger"
	"questline/internal/mission"
	"questline/internal/repo"
)

// Engine is the quest state machine. It is the only writer of participant
// progress and the only caller of the reward ledger. Every operation is one
// transaction; on error nothing is applied.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *mission.Registry
	Ledger   ledger.Ledger
	Policy   auth.Policy
	Now      func() time.Time
	Log      zerolog.Logger
}

func New(db *sql.DB, cfg *config.Config, registry *mission.Registry, transferer ledger.Transferer, log zerolog.Logger) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Config:   cfg,
		Registry: registry,
		Ledger:   ledger.Ledger{Repo: r, Transferer: transferer, Log: log.With().Str("component", "ledger").Logger()},
		Policy:   auth.NewPolicy(cfg.RelayerAddresses()),
		Now:      time.Now,
		Log:      log.With().Str("component", "engine").Logger(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// QuestSpec is the input of CreateQuest.
type QuestSpec struct {
	Title    string               `json:"title,omitempty" yaml:"title,omitempty"`
	Formula  []domain.FormulaNode `json:"formula" yaml:"formula"`
	Outcomes []domain.Outcome     `json:"outcomes" yaml:"outcomes"`
	Start    int64                `json:"start" yaml:"start"`
	End      int64                `json:"end" yaml:"end"`
}

// CreateQuest validates spec and registers a quest owned by owner.
func (e Engine) CreateQuest(ctx context.Context, owner common.Address, spec QuestSpec) (domain.Quest, error) {
	now := e.now().Unix()
	if spec.Start < now {
		return domain.Quest{}, ErrStartPassed
	}
	if spec.End <= spec.Start {
		return domain.Quest{}, ErrInvalidLifetime
	}
	if err := formula.Validate(spec.Formula); err != nil {
		return domain.Quest{}, err
	}
	if err := validateOutcomes(spec.Outcomes); err != nil {
		return domain.Quest{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Quest{}, err
	}
	defer tx.Rollback()

	idx, err := e.Repo.NextQuestIndex(ctx, tx)
	if err != nil {
		return domain.Quest{}, err
	}
	ts := e.stamp()
	q := domain.Quest{
		ID:        uuid.NewString(),
		Index:     idx,
		Owner:     owner,
		Title:     norm.NFC.String(strings.TrimSpace(spec.Title)),
		Formula:   spec.Formula,
		Outcomes:  spec.Outcomes,
		Start:     spec.Start,
		End:       spec.End,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := e.Repo.InsertQuest(ctx, tx, q); err != nil {
		return domain.Quest{}, fmt.Errorf("insert quest: %w", err)
	}
	if err := e.Repo.ResetCapacity(ctx, tx, q.ID, q.Outcomes); err != nil {
		return domain.Quest{}, fmt.Errorf("init capacity: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, events.QuestCreated, q.ID, "quest", q.ID, owner.Hex(), events.EventPayload{
		"index":    q.Index,
		"start":    q.Start,
		"end":      q.End,
		"nodes":    len(q.Formula),
		"outcomes": len(q.Outcomes),
	}); err != nil {
		return domain.Quest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Quest{}, err
	}
	e.Log.Info().Str("quest", q.ID).Int64("index", q.Index).Str("owner", owner.Hex()).Msg("quest created")
	return q, nil
}

func validateOutcomes(outcomes []domain.Outcome) error {
	if len(outcomes) == 0 {
		return ErrNoOutcome
	}
	for i, o := range outcomes {
		if o.Limited && o.Capacity == 0 {
			return fmt.Errorf("%w: outcome %d is limited with zero capacity", ErrInvalidOutcome, i)
		}
		// stored as SQLite INTEGER
		if o.Capacity > math.MaxInt64 || o.NativeAmount > math.MaxInt64 {
			return fmt.Errorf("%w: outcome %d amount or capacity exceeds %d", ErrInvalidOutcome, i, int64(math.MaxInt64))
		}
		if o.Native {
			if o.NativeAmount == 0 {
				return fmt.Errorf("%w: outcome %d has zero native amount", ErrInvalidOutcome, i)
			}
			continue
		}
		if o.Asset == (common.Address{}) {
			return fmt.Errorf("%w: outcome %d has no asset", ErrInvalidOutcome, i)
		}
		if len(o.Selector) != 4 {
			return fmt.Errorf("%w: outcome %d selector must be 4 bytes", ErrInvalidOutcome, i)
		}
		if err := asset.CheckOutcomeCall(o.Selector, o.CallData); err != nil {
			return fmt.Errorf("%w: outcome %d: %v", ErrInvalidOutcome, i, err)
		}
	}
	return nil
}

func (e Engine) loadQuest(ctx context.Context, q *sql.Tx, id string) (domain.Quest, error) {
	quest, err := e.Repo.GetQuest(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return quest, fmt.Errorf("%w: %s", ErrUnknownQuest, id)
	}
	return quest, err
}

func (e Engine) state(q domain.Quest) domain.QuestState {
	return q.State(e.now().Unix(), e.Config.EnforceEndTime())
}

func (e Engine) requireActive(q domain.Quest) error {
	if e.state(q) != domain.QuestActive {
		return stateErr(ErrQuestNotActive, q.ID)
	}
	return nil
}

// requireNotStarted guards owner edits of formula and outcomes.
func (e Engine) requireNotStarted(q domain.Quest) error {
	if e.now().Unix() >= q.Start {
		return stateErr(ErrQuestStarted, q.ID)
	}
	return nil
}

// SetFormula replaces the formula of a quest that has not started.
func (e Engine) SetFormula(ctx context.Context, caller common.Address, questID string, nodes []domain.FormulaNode) (domain.Quest, error) {
	if err := formula.Validate(nodes); err != nil {
		return domain.Quest{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Quest{}, err
	}
	defer tx.Rollback()

	q, err := e.loadQuest(ctx, tx, questID)
	if err != nil {
		return domain.Quest{}, err
	}
	if err := e.Policy.RequireOwner("set formula", q.Owner, caller); err != nil {
		return domain.Quest{}, err
	}
	if err := e.requireNotStarted(q); err != nil {
		return domain.Quest{}, err
	}
	q.Formula = nodes
	q.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateQuestFormula(ctx, tx, q.ID, nodes, q.UpdatedAt); err != nil {
		return domain.Quest{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.QuestFormulaReplaced, q.ID, "quest", q.ID, caller.Hex(), events.EventPayload{"nodes": len(nodes)}); err != nil {
		return domain.Quest{}, err
	}
	return q, tx.Commit()
}

// SetOutcomes replaces the outcomes of a quest that has not started and
// resets their capacity counters.
func (e Engine) SetOutcomes(ctx context.Context, caller common.Address, questID string, outcomes []domain.Outcome) (domain.Quest, error) {
	if err := validateOutcomes(outcomes); err != nil {
		return domain.Quest{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Quest{}, err
	}
	defer tx.Rollback()

	q, err := e.loadQuest(ctx, tx, questID)
	if err != nil {
		return domain.Quest{}, err
	}
	if err := e.Policy.RequireOwner("set outcomes", q.Owner, caller); err != nil {
		return domain.Quest{}, err
	}
	if err := e.requireNotStarted(q); err != nil {
		return domain.Quest{}, err
	}
	q.Outcomes = outcomes
	q.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateQuestOutcomes(ctx, tx, q.ID, outcomes, q.UpdatedAt); err != nil {
		return domain.Quest{}, err
	}
	if err := e.Repo.ResetCapacity(ctx, tx, q.ID, outcomes); err != nil {
		return domain.Quest{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.QuestOutcomesReplaced, q.ID, "quest", q.ID, caller.Hex(), events.EventPayload{"outcomes": len(outcomes)}); err != nil {
		return domain.Quest{}, err
	}
	return q, tx.Commit()
}

// Pause stops joins, validations and reward execution of an active quest.
func (e Engine) Pause(ctx context.Context, caller common.Address, questID string) (domain.Quest, error) {
	return e.setPaused(ctx, caller, questID, true)
}

func (e Engine) Resume(ctx context.Context, caller common.Address, questID string) (domain.Quest, error) {
	return e.setPaused(ctx, caller, questID, false)
}

func (e Engine) setPaused(ctx context.Context, caller common.Address, questID string, paused bool) (domain.Quest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Quest{}, err
	}
	defer tx.Rollback()

	q, err := e.loadQuest(ctx, tx, questID)
	if err != nil {
		return domain.Quest{}, err
	}
	action, evt := "resume", events.QuestResumed
	if paused {
		action, evt = "pause", events.QuestPaused
	}
	if err := e.Policy.RequireOwner(action, q.Owner, caller); err != nil {
		return domain.Quest{}, err
	}
	switch st := e.state(q); {
	case paused && st != domain.QuestActive:
		return domain.Quest{}, stateErr(ErrQuestNotActive, q.ID)
	case !paused && st != domain.QuestPaused:
		return domain.Quest{}, stateErr(ErrQuestNotPaused, q.ID)
	}
	q.Paused = paused
	q.UpdatedAt = e.stamp()
	if err := e.Repo.SetQuestPaused(ctx, tx, q.ID, paused, q.UpdatedAt); err != nil {
		return domain.Quest{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, evt, q.ID, "quest", q.ID, caller.Hex(), nil); err != nil {
		return domain.Quest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Quest{}, err
	}
	e.Log.Info().Str("quest", q.ID).Bool("paused", paused).Msg("quest pause toggled")
	return q, nil
}

// Join enrolls participant in an active quest.
func (e Engine) Join(ctx context.Context, participant common.Address, questID string) (domain.Progress, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Progress{}, err
	}
	defer tx.Rollback()

	q, err := e.loadQuest(ctx, tx, questID)
	if err != nil {
		return domain.Progress{}, err
	}
	if err := e.requireActive(q); err != nil {
		return domain.Progress{}, err
	}
	_, err = e.Repo.GetProgress(ctx, tx, q.ID, participant)
	if err == nil {
		return domain.Progress{}, fmt.Errorf("%w: %s in quest %s", ErrAlreadyJoined, participant.Hex(), q.ID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Progress{}, err
	}
	p := domain.Progress{
		QuestID:     q.ID,
		Participant: participant,
		Status:      domain.InProgress,
		Missions:    map[uint32]bool{},
		JoinedAt:    e.stamp(),
	}
	if err := e.Repo.InsertProgress(ctx, tx, p); err != nil {
		return domain.Progress{}, fmt.Errorf("insert progress: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, events.ParticipantJoined, q.ID, "participant", participant.Hex(), participant.Hex(), nil); err != nil {
		return domain.Progress{}, err
	}
	return p, tx.Commit()
}

// inProgress loads the participant and requires the InProgress status.
func (e Engine) inProgress(ctx context.Context, tx *sql.Tx, questID string, participant common.Address) (domain.Progress, error) {
	p, err := e.Repo.GetProgress(ctx, tx, questID, participant)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && p.Status != domain.InProgress) {
		return p, fmt.Errorf("%w: %s is %s in quest %s", ErrNotInProgress, participant.Hex(), p.Status, questID)
	}
	return p, err
}

func leafNode(q domain.Quest, nodeID uint32) (domain.FormulaNode, error) {
	n, ok := formula.New(q.Formula).Node(nodeID)
	if !ok {
		return n, fmt.Errorf("%w: node %d in quest %s", ErrNullNode, nodeID, q.ID)
	}
	if !n.Leaf {
		return n, fmt.Errorf("%w: node %d in quest %s", ErrNotMission, nodeID, q.ID)
	}
	return n, nil
}

// RecordLeafResult stores a mission handler's verdict for one leaf. Only the
// handler named by the leaf may call it. It never changes the status.
func (e Engine) RecordLeafResult(ctx context.Context, caller common.Address, questID string, participant common.Address, nodeID uint32, done bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.RecordLeafResultTx(ctx, tx, caller, questID, participant, nodeID, done); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordLeafResultTx is RecordLeafResult inside the caller's transaction.
func (e Engine) RecordLeafResultTx(ctx context.Context, tx *sql.Tx, caller common.Address, questID string, participant common.Address, nodeID uint32, done bool) error {
	q, err := e.loadQuest(ctx, tx, questID)
	if err != nil {
		return err
	}
	if err := e.requireActive(q); err != nil {
		return err
	}
	n, err := leafNode(q, nodeID)
	if err != nil {
		return err
	}
	if err := e.Policy.RequireHandler("record leaf result", n.Handler, caller); err != nil {
		return err
	}
	if _, err := e.inProgress(ctx, tx, q.ID, participant); err != nil {
		return err
	}
	if err := e.Repo.SetMission(ctx, tx, q.ID, participant, nodeID, done, e.stamp()); err != nil {
		return err
	}
	return e.eventWriter().Append(ctx, tx, events.LeafRecorded, q.ID, "participant", participant.Hex(), caller.Hex(), events.EventPayload{
		"node_id": nodeID,
		"done":    done,
	})
}

// LeafOutcome reports what validation did for one leaf.
type LeafOutcome struct {
	NodeID  uint32         `json:"node_id"`
	Handler common.Address `json:"handler"`
	Done    bool           `json:"done"`
	// Pending leaves wait for a responder; RequestID correlates the answer.
	Pending   bool         `json:"pending,omitempty"`
	RequestID *common.Hash `json:"request_id,omitempty"`
	// Skipped leaves were already true or have no local handler.
	Skipped bool `json:"skipped,omitempty"`
}

// ValidationReport is the result of ValidateQuest.
type ValidationReport struct {
	QuestID     string                   `json:"quest_id"`
	Participant common.Address           `json:"participant"`
	Leaves      []LeafOutcome            `json:"leaves"`
	Completed   bool                     `json:"completed"`
	Status      domain.ParticipantStatus `json:"status"`
}

// runLeaf dispatches one leaf to its handler and records a synchronous
// result. An async leaf with an open request is not dispatched again.
func (e Engine) runLeaf(ctx context.Context, tx *sql.Tx, q domain.Quest, participant common.Address, n domain.FormulaNode, h mission.Handler) (LeafOutcome, error) {
	out := LeafOutcome{NodeID: n.ID, Handler: n.Handler}
	if mission.IsAsync(h) {
		open, err := e.Repo.OpenRequest(ctx, tx, q.ID, participant, n.ID, e.stamp())
		if err == nil {
			out.Pending = true
			out.RequestID = &open.ID
			return out, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return out, err
		}
		count, err := e.Repo.CountOpenRequests(ctx, tx, q.ID, participant, e.stamp())
		if err != nil {
			return out, err
		}
		if count >= e.Config.MaxOpenRequests() {
			return out, fmt.Errorf("%w: %d open for %s in quest %s", ErrTooManyRequests, count, participant.Hex(), q.ID)
		}
	}
	res, err := h.Validate(ctx, mission.Call{QuestID: q.ID, Participant: participant, NodeID: n.ID, Data: n.Data, Tx: tx})
	if err != nil {
		return out, fmt.Errorf("node %d: %w", n.ID, err)
	}
	if res.Pending {
		out.Pending = true
		id := res.RequestID
		out.RequestID = &id
		return out, nil
	}
	out.Done = res.Done
	if err := e.Repo.SetMission(ctx, tx, q.ID, participant, n.ID, res.Done, e.stamp()); err != nil {
		return out, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.MissionValidated, q.ID, "participant", participant.Hex(), h.Address().Hex(), events.EventPayload{
		"node_id": n.ID,
		"done":    res.Done,
	}); err != nil {
		return out, err
	}
	return out, nil
}

// ValidateMission runs the handler of a single leaf for participant.
func (e Engine) ValidateMission(ctx context.Context, caller common.Address, questID string, participant common.Address, nodeID uint32) (LeafOutcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LeafOutcome{}, err
	}
	defer tx.Rollback()

	q, err := e.loadQuest(ctx, tx, questID)
	if err != nil {
		return LeafOutcome{}, err
	}
	if err := e.requireActive(q); err != nil {
		return LeafOutcome{}, err
	}
	if err := e.Policy.RequireParticipant("validate mission", participant, caller); err != nil {
		return LeafOutcome{}, err
	}
	n, err := leafNode(q, nodeID)
	if err != nil {
		return LeafOutcome{}, err
	}
	if _, err := e.inProgress(ctx, tx, q.ID, participant); err != nil {
		return LeafOutcome{}, err
	}
	h, err := e.Registry.Lookup(n.Handler)
	if err != nil {
		return LeafOutcome{}, err
	}
	out, err := e.runLeaf(ctx, tx, q, participant, n, h)
	if err != nil {
		return LeafOutcome{}, err
	}
	return out, tx.Commit()
}

// ValidateQuest refreshes the participant's leaves and evaluates the
// formula. A true formula moves the participant to Completed; otherwise the
// status is unchanged. Leaves already true are not re-run, and leaves whose
// handler is not served locally are left to RecordLeafResult.
func (e Engine) ValidateQuest(ctx context.Context, caller common.Address, questID string, participant common.Address) (ValidationReport, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ValidationReport{}, err
	}
	defer tx.Rollback()

	q, err := e.loadQuest(ctx, tx, questID)
	if err != nil {
		return ValidationReport{}, err
	}
	if err := e.requireActive(q); err != nil {
		return ValidationReport{}, err
	}
	if err := e.Policy.RequireParticipant("validate quest", participant, caller); err != nil {
		return ValidationReport{}, err
	}
	p, err := e.inProgress(ctx, tx, q.ID, participant)
	if err != nil {
		return ValidationReport{}, err
	}

	tree := formula.New(q.Formula)
	report := ValidationReport{QuestID: q.ID, Participant: participant, Status: p.Status}
	for _, n := range tree.Leaves() {
		if p.Missions[n.ID] {
			report.Leaves = append(report.Leaves, LeafOutcome{NodeID: n.ID, Handler: n.Handler, Done: true, Skipped: true})
			continue
		}
		h, err := e.Registry.Lookup(n.Handler)
		if errors.Is(err, mission.ErrUnknownHandler) {
			report.Leaves = append(report.Leaves, LeafOutcome{NodeID: n.ID, Handler: n.Handler, Skipped: true})
			continue
		}
		if err != nil {
			return ValidationReport{}, err
		}
		out, err := e.runLeaf(ctx, tx, q, participant, n, h)
		if err != nil {
			return ValidationReport{}, err
		}
		if !out.Pending {
			p.Missions[n.ID] = out.Done
		}
		report.Leaves = append(report.Leaves, out)
	}

	ok, err := tree.Eval(p.Missions)
	if err != nil {
		return ValidationReport{}, err
	}
	if ok {
		if err := e.Repo.AdvanceStatus(ctx, tx, q.ID, participant, domain.InProgress, domain.Completed, e.stamp()); err != nil {
			return ValidationReport{}, err
		}
		if err := e.eventWriter().Append(ctx, tx, events.QuestCompleted, q.ID, "participant", participant.Hex(), caller.Hex(), nil); err != nil {
			return ValidationReport{}, err
		}
		report.Completed = true
		report.Status = domain.Completed
	}
	if err := tx.Commit(); err != nil {
		return ValidationReport{}, err
	}
	if ok {
		e.Log.Info().Str("quest", q.ID).Str("participant", participant.Hex()).Msg("quest completed")
	}
	return report, nil
}

// ExecuteOutcome pays a Completed participant and moves them to Rewarded.
// Anyone may trigger it. A ledger failure leaves the participant Completed.
func (e Engine) ExecuteOutcome(ctx context.Context, caller common.Address, questID string, participant common.Address) ([]domain.Transfer, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	q, err := e.loadQuest(ctx, tx, questID)
	if err != nil {
		return nil, err
	}
	if q.Paused {
		return nil, stateErr(ErrQuestPaused, q.ID)
	}
	p, err := e.Repo.GetProgress(ctx, tx, q.ID, participant)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if p.Status != domain.Completed {
		return nil, fmt.Errorf("%w: %s is %s in quest %s", ErrNotCompleted, participant.Hex(), p.Status, q.ID)
	}
	transfers, err := e.Ledger.AuthorizeAndPay(ctx, tx, q, participant)
	if err != nil {
		e.Log.Warn().Err(err).Str("quest", q.ID).Str("participant", participant.Hex()).Msg("outcome execution failed")
		return nil, err
	}
	if err := e.Repo.AdvanceStatus(ctx, tx, q.ID, participant, domain.Completed, domain.Rewarded, e.stamp()); err != nil {
		return nil, err
	}
	if err := e.eventWriter().Append(ctx, tx, events.OutcomeExecuted, q.ID, "participant", participant.Hex(), caller.Hex(), events.EventPayload{
		"transfers": len(transfers),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Log.Info().Str("quest", q.ID).Str("participant", participant.Hex()).Int("transfers", len(transfers)).Msg("outcome executed")
	return transfers, nil
}
