package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/followup/internal/domain"
	"github.com/gosuda/followup/internal/replay"
)

type GetHistoryInput struct {
	LastFollowupID  string `query:"lastFollowupId" doc:"Last reviewer stream ID already seen; empty replays from the start"`
	LastQuestionsID string `query:"lastQuestionsId" doc:"Last agent stream ID already seen; empty replays from the start"`
}

type GetHistoryOutput struct {
	Body struct {
		Messages []domain.Envelope `json:"messages"`
	}
}

// RegisterHistoryRoutes exposes the replay sequence over HTTP for clients that
// catch up without holding a WebSocket open.
func RegisterHistoryRoutes(api huma.API, history HistoryReader) {
	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/api/v1/history",
		Summary:     "Replay reviewer follow-ups and their agent questions",
		Tags:        []string{"History"},
	}, func(ctx context.Context, input *GetHistoryInput) (*GetHistoryOutput, error) {
		cursors := replay.StartCursors()
		if input.LastFollowupID != "" {
			cursors.Followups = domain.LogID(input.LastFollowupID)
		}
		if input.LastQuestionsID != "" {
			cursors.Questions = domain.LogID(input.LastQuestionsID)
		}

		envs, err := history.History(ctx, cursors)
		if errors.Is(err, domain.ErrInvalidCursor) {
			return nil, huma.Error400BadRequest("invalid cursor", err)
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read history", err)
		}

		out := &GetHistoryOutput{}
		out.Body.Messages = envs
		return out, nil
	})
}
