package domain

import (
	"strings"
	"unicode"
)

// Lead status values
const (
	LeadStatusTodo = "to-do"
	LeadStatusDone = "done"
)

// Lead is one prospect to call, as exported from the CRM
type Lead struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Title        string `json:"title,omitempty"`
	Company      string `json:"company,omitempty"`
	MobilePhone  string `json:"mobilePhone,omitempty"`
	DirectPhone  string `json:"directPhone,omitempty"`
	CompanyPhone string `json:"companyPhone,omitempty"`
	ActivityName string `json:"activityName,omitempty"`
	Notes        string `json:"notes,omitempty"`
	CompanyNotes string `json:"companyNotes,omitempty"`
	Status       string `json:"status,omitempty"`
}

// WithDefaults fills the fields a pushed lead may omit
func (l Lead) WithDefaults() Lead {
	if strings.TrimSpace(l.Status) == "" {
		l.Status = LeadStatusTodo
	}
	return l
}

// DialNumber returns the first valid number in mobile, direct, company order
func (l Lead) DialNumber() (string, bool) {
	for _, candidate := range []string{l.MobilePhone, l.DirectPhone, l.CompanyPhone} {
		if n, ok := NormalizePhone(candidate); ok {
			return n, true
		}
	}
	return "", false
}

// NormalizePhone converts a free-form number to E.164.
// Ten-digit numbers are assumed to be North American.
func NormalizePhone(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	plus := strings.HasPrefix(raw, "+")

	var digits strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case plus && len(d) >= 8 && len(d) <= 15:
		return "+" + d, true
	case len(d) == 10:
		return "+1" + d, true
	case len(d) == 11 && strings.HasPrefix(d, "1"):
		return "+" + d, true
	}
	return "", false
}

// AgentKey canonicalises an agent identifier for storage keys
func AgentKey(agent string) string {
	return strings.ToLower(strings.TrimSpace(agent))
}
