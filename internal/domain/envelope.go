package domain

// Sender identifies who produced an envelope.
type Sender string

const (
	SenderReviewer    Sender = "Reviewer"
	SenderAgent       Sender = "Agent"
	SenderParticipant Sender = "Participant"
	SenderUnknown     Sender = "Unknown"
	SenderServer      Sender = "Server"
)

// Event names carried on the wire.
const (
	EventFollowupCreate = "followup:create"
	EventAgentQuestions = "agent:questions"
)

// ErrorRateLimited is the error code set on rate-limit rejection notices.
const ErrorRateLimited = "rate_limited"

// Envelope is the transient broadcast unit sent to connections. It mirrors a
// log record or wraps an unclassified payload; it is never persisted itself.
type Envelope struct {
	Sender   Sender `json:"sender"`
	Message  string `json:"message"`
	StreamID LogID  `json:"streamId,omitempty"`
	Event    string `json:"event,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReviewerEnvelope mirrors a persisted reviewer record.
func ReviewerEnvelope(r ReviewerRecord) Envelope {
	return Envelope{
		Sender:   SenderReviewer,
		Message:  r.Text,
		StreamID: r.ID,
		Event:    EventFollowupCreate,
	}
}

// AgentEnvelope mirrors a persisted agent record.
func AgentEnvelope(r AgentRecord) Envelope {
	return Envelope{
		Sender:   SenderAgent,
		Message:  r.Text,
		StreamID: r.ID,
		Event:    EventAgentQuestions,
	}
}
