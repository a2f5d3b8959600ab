package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gosuda/followup/internal/domain"
	"github.com/gosuda/followup/internal/guard"
)

var errNotObject = errors.New("frame is not a JSON object")

// inboundFrame is the structured client event.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type followupData struct {
	Items     []string `json:"items"`
	CreatedAt int64    `json:"createdAt"`
}

// followup is a classified follow-up ready for the guard layer.
type followup struct {
	text      string
	createdAt time.Time
}

// decodeFrame parses a structured client event. Only JSON objects qualify;
// scalars, arrays and null report errNotObject and are relayed as Unknown.
func decodeFrame(raw []byte) (inboundFrame, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return inboundFrame{}, errNotObject
		}
		return inboundFrame{}, err
	}
	if probe == nil {
		return inboundFrame{}, errNotObject
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return inboundFrame{}, err
	}
	return frame, nil
}

// classify returns the follow-up carried by frame, or false when the frame
// should be relayed as a plain message.
func classify(frame inboundFrame, now time.Time) (followup, bool) {
	if frame.Event != domain.EventFollowupCreate || len(frame.Data) == 0 {
		return followup{}, false
	}

	var data followupData
	if err := json.Unmarshal(frame.Data, &data); err != nil || len(data.Items) == 0 {
		return followup{}, false
	}

	text := guard.Normalize(data.Items)
	if text == "" {
		return followup{}, false
	}

	createdAt := now
	if data.CreatedAt > 0 {
		createdAt = time.UnixMilli(data.CreatedAt)
	}
	return followup{text: text, createdAt: createdAt}, true
}

// relaySender picks the sender for an unclassified structured frame.
func relaySender(frame inboundFrame) domain.Sender {
	if frame.Event != "" {
		return domain.SenderReviewer
	}
	return domain.SenderParticipant
}
