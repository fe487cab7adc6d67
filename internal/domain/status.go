package domain

import "strings"

// StatusForEvent returns the status a run takes once an event of type t is
// recorded, and false when the event does not move the run.
func StatusForEvent(t EventType, payload map[string]any) (RunStatus, bool) {
	switch t {
	case EventTypeRunStarted:
		return RunStatusRunning, true
	case EventTypeRunFinished:
		switch {
		case PayloadBool(payload, KeyCanceled):
			return RunStatusCanceled, true
		case PayloadBool(payload, KeyOK):
			return RunStatusSucceeded, true
		default:
			return RunStatusFailed, true
		}
	case EventTypeStatus:
		s := RunStatus(PayloadString(payload, KeyStatus))
		if s.Valid() {
			return s, true
		}
	}
	return "", false
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	switch to {
	case RunStatusRunning:
		return from == RunStatusQueued
	case RunStatusSucceeded:
		return from == RunStatusRunning
	case RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Replay is the state of a run reconstructed from its log.
type Replay struct {
	Status       RunStatus
	Transcript   string
	FinalMessage string
	Usage        Usage
	LastSeq      int64
	Errors       []string
}

// ReplayEvents folds events, ordered by sequence, into the run's state.
func ReplayEvents(events []RunEvent) Replay {
	r := Replay{Status: RunStatusQueued}
	var transcript strings.Builder
	for _, ev := range events {
		r.LastSeq = ev.Seq
		switch ev.Type {
		case EventTypeAssistantDelta:
			transcript.WriteString(PayloadString(ev.Payload, KeyDelta))
		case EventTypeAssistantMessage:
			r.FinalMessage = PayloadString(ev.Payload, KeyContent)
		case EventTypeUsage:
			r.Usage.Add(Usage{
				InputTokens:  payloadInt(ev.Payload, KeyInputTokens),
				OutputTokens: payloadInt(ev.Payload, KeyOutputTokens),
			})
		case EventTypeError:
			r.Errors = append(r.Errors, PayloadString(ev.Payload, KeyMessage))
		}
		if next, ok := StatusForEvent(ev.Type, ev.Payload); ok && CanTransition(r.Status, next) {
			r.Status = next
		}
	}
	r.Transcript = transcript.String()
	return r
}

// payloadInt reads numbers that may have come back from JSON as float64.
func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
