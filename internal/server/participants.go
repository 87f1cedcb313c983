package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/ethereum/go-ethereum/common"

	"questline/internal/engine"
)

type participantPath struct {
	QuestID     string `path:"quest_id"`
	Participant string `path:"participant" pattern:"^0x[0-9a-fA-F]{40}$"`
}

func (p participantPath) address() (common.Address, huma.StatusError) {
	addr, err := parseAddress("participant", p.Participant)
	if err != nil {
		return addr, badRequest(err)
	}
	return addr, nil
}

type missionPath struct {
	QuestID     string `path:"quest_id"`
	Participant string `path:"participant" pattern:"^0x[0-9a-fA-F]{40}$"`
	NodeID      uint32 `path:"node_id"`
}

type progressBody struct {
	Body ProgressResponse `json:"body"`
}

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "join-quest",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/join",
		Summary:     "Enroll the caller in an active quest",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *questPath) (*progressBody, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Join(ctx, caller, input.QuestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &progressBody{Body: progressResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/quests/{quest_id}/participants/{participant}",
		Summary:     "Participant status and recorded missions",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *participantPath) (*progressBody, error) {
		who, perr := input.address()
		if perr != nil {
			return nil, perr
		}
		p, err := e.Progress(ctx, input.QuestID, who)
		if err != nil {
			return nil, handleError(err)
		}
		p.QuestID = input.QuestID
		p.Participant = who
		return &progressBody{Body: progressResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission-status",
		Method:      http.MethodGet,
		Path:        "/quests/{quest_id}/participants/{participant}/missions/{node_id}",
		Summary:     "Recorded result of one mission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body MissionStatusResponse `json:"body"`
	}, error) {
		who, perr := participantPath{Participant: input.Participant}.address()
		if perr != nil {
			return nil, perr
		}
		done, err := e.MissionStatus(ctx, input.QuestID, who, input.NodeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionStatusResponse `json:"body"`
		}{Body: MissionStatusResponse{NodeID: input.NodeID, Done: done}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-mission",
		Method:      http.MethodPut,
		Path:        "/quests/{quest_id}/participants/{participant}/missions/{node_id}",
		Summary:     "Record a mission result; the caller must be the leaf's handler",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		QuestID     string            `path:"quest_id"`
		Participant string            `path:"participant" pattern:"^0x[0-9a-fA-F]{40}$"`
		NodeID      uint32            `path:"node_id"`
		Body        RecordLeafRequest `json:"body"`
	}) (*struct {
		Body MissionStatusResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, perr := participantPath{Participant: input.Participant}.address()
		if perr != nil {
			return nil, perr
		}
		if err := e.RecordLeafResult(ctx, caller, input.QuestID, who, input.NodeID, input.Body.Done); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionStatusResponse `json:"body"`
		}{Body: MissionStatusResponse{NodeID: input.NodeID, Done: input.Body.Done}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-mission",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/participants/{participant}/missions/{node_id}/validate",
		Summary:     "Run one mission handler",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body LeafOutcomeResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, perr := participantPath{Participant: input.Participant}.address()
		if perr != nil {
			return nil, perr
		}
		out, err := e.ValidateMission(ctx, caller, input.QuestID, who, input.NodeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeafOutcomeResponse `json:"body"`
		}{Body: leafResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-quest",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/participants/{participant}/validate",
		Summary:     "Run every mission handler and evaluate the formula",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *participantPath) (*struct {
		Body ValidationReportResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, perr := input.address()
		if perr != nil {
			return nil, perr
		}
		report, err := e.ValidateQuest(ctx, caller, input.QuestID, who)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationReportResponse `json:"body"`
		}{Body: reportResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-outcome",
		Method:      http.MethodPost,
		Path:        "/quests/{quest_id}/participants/{participant}/execute",
		Summary:     "Pay the outcomes to a completed participant",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusFailedDependency,
		},
	}, func(ctx context.Context, input *participantPath) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, perr := input.address()
		if perr != nil {
			return nil, perr
		}
		transfers, err := e.ExecuteOutcome(ctx, caller, input.QuestID, who)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: ExecuteResponse{Transfers: transferResponses(transfers)}}, nil
	})
}
