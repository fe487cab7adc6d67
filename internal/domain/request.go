package domain

// RunInput is the user turn a run answers.
type RunInput struct {
	Message       string    `json:"message"`
	PriorMessages []Message `json:"prior_messages,omitempty"`
}

// StartRunRequest represents the request to start a run.
type StartRunRequest struct {
	ProjectID string      `json:"project_id"`
	AgentID   string      `json:"agent_id"`
	UserID    string      `json:"user_id,omitempty"`
	Agent     AgentConfig `json:"agent"`
	Input     RunInput    `json:"input"`
}

// StartRunResponse represents the response after a run is queued.
type StartRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// RunResponse describes a run together with its replayed transcript.
type RunResponse struct {
	Run          *Run   `json:"run"`
	LastSeq      int64  `json:"last_seq"`
	Transcript   string `json:"transcript"`
	FinalMessage string `json:"final_message,omitempty"`
	Usage        Usage  `json:"usage"`
}

// ListEventsResponse represents a page of run events.
type ListEventsResponse struct {
	Events       []RunEvent `json:"events"`
	NextAfterSeq int64      `json:"next_after_seq"`
	HasMore      bool       `json:"has_more"`
}
