package domain

// ResultUpdate is the final disposition of a lead sent to the CRM
type ResultUpdate struct {
	ActivityName    string  `json:"activityName"`
	Result          Outcome `json:"result"`
	Notes           string  `json:"notes"`
	Agent           string  `json:"agent"`
	MeetingNotes    string  `json:"meetingNotes,omitempty"`
	MeetingDatetime string  `json:"meetingDatetime,omitempty"`
	CallID          string  `json:"callId,omitempty"`
	LeadID          string  `json:"leadId,omitempty"`
}
