package domain

import (
	"strconv"
	"time"
)

// LogID is a per-topic, strictly increasing identifier assigned by the log at
// append time. Its textual form is backend specific and only ordered by the log.
type LogID string

// CursorStart is the cursor that replays a topic from its first record.
const CursorStart LogID = "0"

// Topic names an append-only sequence in the durable log.
type Topic string

const (
	TopicFollowups Topic = "followups:stream"
	TopicQuestions Topic = "questions:stream"
)

// Valid reports whether t is one of the fixed topics.
func (t Topic) Valid() bool {
	return t == TopicFollowups || t == TopicQuestions
}

// Record field names as stored in the log.
const (
	FieldSender     = "sender"
	FieldText       = "text"
	FieldReviewerID = "reviewerId"
	FieldCreatedAt  = "createdAt"
)

// Entry is a raw log record: the ID assigned by the log plus its fields.
type Entry struct {
	ID     LogID
	Fields map[string]string
}

// ReviewerRecord is a reviewer follow-up persisted to the followups topic.
type ReviewerRecord struct {
	ID        LogID
	Text      string
	CreatedAt time.Time
}

// Fields returns the log representation of r.
func (r ReviewerRecord) Fields() map[string]string {
	return map[string]string{
		FieldSender:    string(SenderReviewer),
		FieldText:      r.Text,
		FieldCreatedAt: formatMillis(r.CreatedAt),
	}
}

// ReviewerRecordFromEntry decodes a followups topic entry.
func ReviewerRecordFromEntry(e Entry) ReviewerRecord {
	return ReviewerRecord{
		ID:        e.ID,
		Text:      e.Fields[FieldText],
		CreatedAt: parseMillis(e.Fields[FieldCreatedAt]),
	}
}

// AgentRecord is the generated answer to exactly one ReviewerRecord.
type AgentRecord struct {
	ID         LogID
	Text       string
	ReviewerID LogID
	CreatedAt  time.Time
}

// Fields returns the log representation of r.
func (r AgentRecord) Fields() map[string]string {
	return map[string]string{
		FieldSender:     string(SenderAgent),
		FieldText:       r.Text,
		FieldReviewerID: string(r.ReviewerID),
		FieldCreatedAt:  formatMillis(r.CreatedAt),
	}
}

// AgentRecordFromEntry decodes a questions topic entry.
func AgentRecordFromEntry(e Entry) AgentRecord {
	return AgentRecord{
		ID:         e.ID,
		Text:       e.Fields[FieldText],
		ReviewerID: LogID(e.Fields[FieldReviewerID]),
		CreatedAt:  parseMillis(e.Fields[FieldCreatedAt]),
	}
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
