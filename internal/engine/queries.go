package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"questline/internal/domain"
	"questline/internal/repo"
)

func (e Engine) GetQuest(ctx context.Context, id string) (domain.Quest, error) {
	q, err := e.Repo.GetQuest(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return q, fmt.Errorf("%w: %s", ErrUnknownQuest, id)
	}
	return q, err
}

// QuestByIndex resolves the factory index assigned at creation.
func (e Engine) QuestByIndex(ctx context.Context, idx int64) (domain.Quest, error) {
	q, err := e.Repo.QuestByIndex(ctx, nil, idx)
	if errors.Is(err, repo.ErrNotFound) {
		return q, fmt.Errorf("%w: index %d", ErrUnknownQuest, idx)
	}
	return q, err
}

func (e Engine) QuestCount(ctx context.Context) (int64, error) {
	return e.Repo.QuestCount(ctx, nil)
}

func (e Engine) ListQuests(ctx context.Context, f repo.QuestFilters) ([]domain.Quest, error) {
	return e.Repo.ListQuests(ctx, nil, f)
}

func (e Engine) QuestsByOwner(ctx context.Context, owner common.Address) ([]domain.Quest, error) {
	return e.Repo.ListQuests(ctx, nil, repo.QuestFilters{Owner: &owner})
}

// QuestState reports the derived lifecycle state at the engine clock.
func (e Engine) QuestState(q domain.Quest) domain.QuestState {
	return e.state(q)
}

// Progress returns the participant's record. A participant that never joined
// is reported as NotEnrolled with no error.
func (e Engine) Progress(ctx context.Context, questID string, participant common.Address) (domain.Progress, error) {
	if _, err := e.GetQuest(ctx, questID); err != nil {
		return domain.Progress{}, err
	}
	p, err := e.Repo.GetProgress(ctx, nil, questID, participant)
	if errors.Is(err, repo.ErrNotFound) {
		return p, nil
	}
	return p, err
}

// MissionStatus reports the recorded result of one leaf; unrecorded leaves
// read false.
func (e Engine) MissionStatus(ctx context.Context, questID string, participant common.Address, nodeID uint32) (bool, error) {
	q, err := e.GetQuest(ctx, questID)
	if err != nil {
		return false, err
	}
	if _, err := leafNode(q, nodeID); err != nil {
		return false, err
	}
	return e.Repo.MissionStatus(ctx, nil, questID, participant, nodeID)
}

// Remaining returns the capacity counters of every outcome of a quest.
func (e Engine) Remaining(ctx context.Context, questID string) ([]repo.Capacity, error) {
	if _, err := e.GetQuest(ctx, questID); err != nil {
		return nil, err
	}
	return e.Repo.ListCapacity(ctx, nil, questID)
}

func (e Engine) Payouts(ctx context.Context, questID string) ([]repo.Payout, error) {
	return e.Repo.ListPayouts(ctx, nil, questID)
}

func (e Engine) EventLog(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, nil, f)
}

// Summary aggregates one quest for dashboards and the CLI.
type Summary struct {
	Quest    domain.Quest      `json:"quest"`
	State    domain.QuestState `json:"state"`
	Statuses map[string]int    `json:"statuses"`
	Capacity []repo.Capacity   `json:"capacity"`
}

func (e Engine) Summary(ctx context.Context, questID string) (Summary, error) {
	q, err := e.GetQuest(ctx, questID)
	if err != nil {
		return Summary{}, err
	}
	counts, err := e.Repo.CountByStatus(ctx, nil, q.ID)
	if err != nil {
		return Summary{}, err
	}
	caps, err := e.Repo.ListCapacity(ctx, nil, q.ID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Quest: q, State: e.state(q), Statuses: map[string]int{}, Capacity: caps}
	for st, n := range counts {
		s.Statuses[st.String()] = n
	}
	return s, nil
}
