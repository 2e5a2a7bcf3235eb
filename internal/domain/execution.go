package domain

import "time"

// ExecutionRecord is the live, merge-updated state of one flow execution
type ExecutionRecord struct {
	ExecutionSid      string    `json:"executionSid"`
	FlowSid           string    `json:"flowSid,omitempty"`
	Status            string    `json:"status,omitempty"`
	StepName          string    `json:"stepName,omitempty"`
	CallStatus        string    `json:"callStatus,omitempty"`
	AnsweredBy        string    `json:"answeredBy,omitempty"`
	Outcome           Outcome   `json:"outcome,omitempty"`
	OutcomeReceivedAt time.Time `json:"outcomeReceivedAt,omitempty"`
	CallID            string    `json:"callId,omitempty"`
	CallSid           string    `json:"callSid,omitempty"`
	Agent             string    `json:"agent,omitempty"`
	ActivityName      string    `json:"activityName,omitempty"`
	Number            string    `json:"number,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	Context           JSONB     `json:"context,omitempty"`
	Source            string    `json:"source,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Terminal reports whether the execution reached a final condition
func (r *ExecutionRecord) Terminal() bool {
	return IsTerminalExecutionStatus(r.Status) || IsTerminalCallStatus(r.CallStatus)
}

// OutcomeRecord is what the outcome query and the call-id index expose
type OutcomeRecord struct {
	CallID          string    `json:"callId"`
	ExecutionSid    string    `json:"executionSid,omitempty"`
	Outcome         Outcome   `json:"outcome"`
	Timestamp       time.Time `json:"timestamp"`
	Agent           string    `json:"agent,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	MeetingNotes    string    `json:"meetingNotes,omitempty"`
	MeetingDatetime string    `json:"meetingDatetime,omitempty"`
}

// OutcomeEvent is delivered to the dialer session that owns CallID
type OutcomeEvent struct {
	CallID       string    `json:"callId"`
	ExecutionSid string    `json:"executionSid,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Source       string    `json:"source,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProviderExecution is the telephony provider's view of a flow execution
type ProviderExecution struct {
	Sid         string
	FlowSid     string
	Status      string
	DateUpdated time.Time
}
