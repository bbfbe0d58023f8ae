package agent

import "strings"

// NextSpeakerDecision records whether the model should continue without
// fresh user input, with the reason for the host's debug output.
type NextSpeakerDecision struct {
	Continue bool
	Reason   string
}

// DecideNextSpeaker is the heuristic next-speaker classifier. It is
// consulted after a turn finished with stop and tool responses were
// just appended: the model should keep going when it ended purely in
// tool work or visibly announced a next step, and yield to the user
// otherwise. The caller enforces the max-turns cap.
func DecideNextSpeaker(result *TurnResult, appendedResponses bool) NextSpeakerDecision {
	if !appendedResponses {
		return NextSpeakerDecision{Continue: false, Reason: "no tool responses this turn"}
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return NextSpeakerDecision{Continue: true, Reason: "turn ended purely in tool calls"}
	}

	// An unfinished sentence or an announced follow-up reads as the
	// model narrating work in progress.
	for _, marker := range []string{":", "...", "…"} {
		if strings.HasSuffix(text, marker) {
			return NextSpeakerDecision{Continue: true, Reason: "text ends with continuation marker"}
		}
	}

	lower := strings.ToLower(text)
	lastLine := lower
	if i := strings.LastIndex(lower, "\n"); i >= 0 {
		lastLine = strings.TrimSpace(lower[i+1:])
	}
	for _, phrase := range []string{"let me ", "i'll ", "i will ", "next, ", "now i"} {
		if strings.HasPrefix(lastLine, phrase) {
			return NextSpeakerDecision{Continue: true, Reason: "text announces a next step"}
		}
	}

	return NextSpeakerDecision{Continue: false, Reason: "model addressed the user"}
}
