package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/ethereum/go-ethereum/common"

	"questline/internal/definition"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/repo"
)

type questPath struct {
	QuestID string `path:"quest_id"`
}

type questBody struct {
	Body QuestResponse `json:"body"`
}

func engineNow(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func registerQuests(api huma.API, e engine.Engine) {
	respond := func(q domain.Quest, err error) (*questBody, error) {
		if err != nil {
			return nil, handleError(err)
		}
		return &questBody{Body: questResponse(q, e.QuestState(q))}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-quest",
		Method:        http.MethodPost,
		Path:          "/quests",
		Summary:       "Create quest",
		Description:   "Creates a quest owned by the caller, either from structured fields or from a definition document.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateQuestRequest `json:"body"`
	}) (*questBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			spec engine.QuestSpec
			err  error
		)
		if input.Body.Definition != "" {
			format := definition.FormatYAML
			if input.Body.Format != "" {
				format = definition.Format(input.Body.Format)
			}
			spec, err = definition.Parse([]byte(input.Body.Definition), format, engineNow(e))
			if err != nil {
				var inv *definition.InvalidError
				if errors.As(err, &inv) {
					return nil, handleError(err)
				}
				return nil, badRequest(err)
			}
		} else if spec, err = input.Body.spec(); err != nil {
			return nil, badRequest(err)
		}
		return respond(e.CreateQuest(ctx, caller, spec))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-quests",
		Method:      http.MethodGet,
		Path:        "/quests",
		Summary:     "List quests in factory order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner  string `query:"owner"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedQuests `json:"body"`
	}, error) {
		f := repo.QuestFilters{Limit: normalizeLimit(input.Limit) + 1}
		if input.Owner != "" {
			owner, err := parseAddress("owner", input.Owner)
			if err != nil {
				return nil, badRequest(err)
			}
			f.Owner = &owner
		}
		if input.Cursor != "" {
			idx, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || idx < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.Cursor = idx
		}
		items, err := e.ListQuests(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		limit := f.Limit - 1
		resp := paginatedQuests{Items: []QuestResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit].Index, 10)
			items = items[:limit]
		}
		for _, q := range items {
			resp.Items = append(resp.Items, questResponse(q, e.QuestState(q)))
		}
		return &struct {
			Body paginatedQuests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-quests",
		Method:      http.MethodGet,
		Path:        "/quests/count",
		Summary:     "Number of quests created",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Count int64 `json:"count"`
		} `json:"body"`
	}, error) {
		n, err := e.QuestCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Count int64 `json:"count"`
			} `json:"body"`
		}{}
		out.Body.Count = n
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-quest-by-index",
		Method:      http.MethodGet,
		Path:        "/quests/by-index/{index}",
		Summary:     "Resolve a quest by factory index",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Index int64 `path:"index" minimum:"0"`
	}) (*questBody, error) {
		return respond(e.QuestByIndex(ctx, input.Index))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-quest",
		Method:      http.MethodGet,
		Path:        "/quests/{quest_id}",
		Summary:     "Get quest",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *questPath) (*questBody, error) {
		return respond(e.GetQuest(ctx, input.QuestID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-quest-formula",
		Method:      http.MethodPut,
		Path:        "/quests/{quest_id}/formula",
		Summary:     "Replace the formula before the quest starts",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		QuestID string            `path:"quest_id"`
		Body    SetFormulaRequest `json:"body"`
	}) (*questBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		nodes, err := nodesFromBody(input.Body.Formula)
		if err != nil {
			return nil, badRequest(err)
		}
		return respond(e.SetFormula(ctx, caller, input.QuestID, nodes))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-quest-outcomes",
		Method:      http.MethodPut,
		Path:        "/quests/{quest_id}/outcomes",
		Summary:     "Replace the outcomes before the quest starts",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		QuestID string             `path:"quest_id"`
		Body    SetOutcomesRequest `json:"body"`
	}) (*questBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcomes, err := outcomesFromBody(input.Body.Outcomes)
		if err != nil {
			return nil, badRequest(err)
		}
		return respond(e.SetOutcomes(ctx, caller, input.QuestID, outcomes))
	})

	for _, op := range []struct {
		id, verb, summary string
		run               func(context.Context, common.Address, string) (domain.Quest, error)
	}{
		{"pause-quest", "pause", "Pause an active quest", e.Pause},
		{"resume-quest", "resume", "Resume a paused quest", e.Resume},
	} {
		run := op.run
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/quests/{quest_id}/" + op.verb,
			Summary:     op.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *questPath) (*questBody, error) {
			caller, authErr := callerFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			return respond(run(ctx, caller, input.QuestID))
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "quest-summary",
		Method:      http.MethodGet,
		Path:        "/quests/{quest_id}/summary",
		Summary:     "Participant counts and remaining capacity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *questPath) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		s, err := e.Summary(ctx, input.QuestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{Quest: questResponse(s.Quest, s.State), Statuses: s.Statuses, Capacity: s.Capacity}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "quest-capacity",
		Method:      http.MethodGet,
		Path:        "/quests/{quest_id}/capacity",
		Summary:     "Remaining capacity per outcome",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *questPath) (*struct {
		Body []repo.Capacity `json:"body"`
	}, error) {
		caps, err := e.Remaining(ctx, input.QuestID)
		if err != nil {
			return nil, handleError(err)
		}
		if caps == nil {
			caps = []repo.Capacity{}
		}
		return &struct {
			Body []repo.Capacity `json:"body"`
		}{Body: caps}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "quest-payouts",
		Method:      http.MethodGet,
		Path:        "/quests/{quest_id}/payouts",
		Summary:     "Reward transfers made by a quest",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *questPath) (*struct {
		Body []PayoutResponse `json:"body"`
	}, error) {
		if _, err := e.GetQuest(ctx, input.QuestID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Payouts(ctx, input.QuestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PayoutResponse `json:"body"`
		}{Body: payoutResponses(items)}, nil
	})
}
