package domain

import "strings"

// JSONB is a free-form JSON object carried through records (provider context, flow parameters)
type JSONB map[string]interface{}

// CallStatus values reported by the telephony provider for a call leg
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusNoAnswer   = "no-answer"
	CallStatusFailed     = "failed"
	CallStatusCanceled   = "canceled"
)

// ExecutionStatus values of a hosted flow execution
const (
	ExecutionStatusActive = "active"
	ExecutionStatusEnded  = "ended"
)

// IsTerminalCallStatus reports whether the call leg has finished
func IsTerminalCallStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCanceled:
		return true
	}
	return false
}

// IsTerminalExecutionStatus reports whether a flow execution has finished
func IsTerminalExecutionStatus(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), ExecutionStatusEnded)
}
