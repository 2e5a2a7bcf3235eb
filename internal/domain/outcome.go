package domain

import "strings"

// Outcome is a call disposition code
type Outcome string

// Closed CRM vocabulary
const (
	OutcomeSO                   Outcome = "S_O"
	OutcomeExploratoryMeeting   Outcome = "Rencontre_Expl._Planifiee"
	OutcomeNeedsMeeting         Outcome = "Rencontre_Besoin_Planifiee"
	OutcomeVisitPlanned         Outcome = "Visite_Planifiee"
	OutcomeOfferPlanned         Outcome = "Offre_Planifiee"
	OutcomeTouchbasePlanned     Outcome = "Touchbase_Planifiee"
	OutcomeFollowUpLater        Outcome = "Relancer_Dans_X"
	OutcomeInfoByEmail          Outcome = "Info_Par_Courriel"
	OutcomeVoicemail            Outcome = "Boite_Vocale"
	OutcomeUnreachable          Outcome = "Pas_Joignable"
	OutcomeNotInterested        Outcome = "Pas_Interesse"
	OutcomeBookingLinkRequested Outcome = "Demande_Lien_Booking"
	OutcomeReferredInternal     Outcome = "Me_Refere_Interne"
	OutcomeReferredExternal     Outcome = "Me_Refere_Externe"
)

// OutcomeHumanAnswered marks a call picked up by a person. It hands the call to the
// agent's result form and is never accepted by the CRM relay.
const OutcomeHumanAnswered Outcome = "Humain"

var vocabulary = []Outcome{
	OutcomeSO,
	OutcomeExploratoryMeeting,
	OutcomeNeedsMeeting,
	OutcomeVisitPlanned,
	OutcomeOfferPlanned,
	OutcomeTouchbasePlanned,
	OutcomeFollowUpLater,
	OutcomeInfoByEmail,
	OutcomeVoicemail,
	OutcomeUnreachable,
	OutcomeNotInterested,
	OutcomeBookingLinkRequested,
	OutcomeReferredInternal,
	OutcomeReferredExternal,
}

// Vocabulary returns the CRM outcome codes in display order
func Vocabulary() []Outcome {
	out := make([]Outcome, len(vocabulary))
	copy(out, vocabulary)
	return out
}

// IsValid reports whether o belongs to the CRM vocabulary
func (o Outcome) IsValid() bool {
	for _, v := range vocabulary {
		if v == o {
			return true
		}
	}
	return false
}

// IsHumanAnswered reports whether o hands the call to the agent
func (o Outcome) IsHumanAnswered() bool {
	return o == OutcomeHumanAnswered
}

// AutoRecorded reports whether o ends the call without agent input
func (o Outcome) AutoRecorded() bool {
	return o == OutcomeVoicemail || o == OutcomeUnreachable
}

func (o Outcome) String() string { return string(o) }

// FoldUnknown maps codes outside the vocabulary to unreachable. The human-answered
// sentinel is kept.
func FoldUnknown(o Outcome) Outcome {
	o = Outcome(strings.TrimSpace(string(o)))
	if o.IsHumanAnswered() || o.IsValid() {
		return o
	}
	return OutcomeUnreachable
}

// Normalize folds the provider's signals into one outcome. First match wins:
// explicit outcome, answering-machine classification, call status.
// Anything ambiguous collapses to unreachable, never to human-answered.
func Normalize(explicit, answeredBy, callStatus string) Outcome {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return FoldUnknown(Outcome(explicit))
	}

	if answeredBy = strings.ToLower(strings.TrimSpace(answeredBy)); answeredBy != "" {
		switch {
		case answeredBy == "human":
			return OutcomeHumanAnswered
		case strings.HasPrefix(answeredBy, "machine"), strings.Contains(answeredBy, "voicemail"):
			return OutcomeVoicemail
		default:
			// fax and unknown classifications
			return OutcomeUnreachable
		}
	}

	if callStatus = strings.ToLower(strings.TrimSpace(callStatus)); callStatus != "" {
		if callStatus == CallStatusCompleted {
			return OutcomeHumanAnswered
		}
		return OutcomeUnreachable
	}

	return OutcomeUnreachable
}

// HasOutcomeSignal reports whether the inputs carry enough to conclude a call:
// an explicit outcome, a machine-detection result or a finished call leg.
func HasOutcomeSignal(explicit, answeredBy, callStatus string) bool {
	return strings.TrimSpace(explicit) != "" ||
		strings.TrimSpace(answeredBy) != "" ||
		IsTerminalCallStatus(callStatus)
}
