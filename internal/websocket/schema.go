package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing   Action = "ping"
	ActionSubmit Action = "submit"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTick      Event = "tick"
	EventSubmitted Event = "submitted"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// TickResponse carries the remaining time for a live attempt. The deadline
// is included so clients can run their own countdown between ticks.
type TickResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
	DeadlineUnix     int64 `json:"deadline_unix"`
}

// SubmittedResponse is pushed once when the attempt reaches its terminal
// state, whether by the student, the timer, or the server.
type SubmittedResponse struct {
	Event       Event    `json:"event"`
	TriggeredBy string   `json:"triggered_by"`
	Score       *float64 `json:"score,omitempty"`
	Grade       *string  `json:"grade,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
