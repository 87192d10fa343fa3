package extraction

import (
	"encoding/json"
	"strings"
)

type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// Action is one reconciliation decision. ID is a temp id ("0", "1", ...)
// referencing the candidate pool shown to the model, never a database id.
type Action struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Event     Event  `json:"event"`
	OldMemory string `json:"old_memory,omitempty"`
}

// parseActions accepts the JSON form {"memory":[...]} or the pipe-delimited
// line form EVENT|ID|TEXT|OLD_MEMORY. Actions with unknown events, or
// UPDATE/DELETE/NONE actions without an id, are dropped.
func parseActions(raw string) []Action {
	text := stripCodeFence(strings.TrimSpace(raw))
	if text == "" {
		return nil
	}

	var wrapper struct {
		Memory []Action `json:"memory"`
	}
	if region := jsonRegion(text, '{', '}'); region != "" {
		if err := json.Unmarshal([]byte(region), &wrapper); err == nil && wrapper.Memory != nil {
			return filterActions(wrapper.Memory)
		}
	}

	var actions []Action
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 2 {
			continue
		}
		action := Action{
			Event: Event(strings.ToUpper(strings.TrimSpace(parts[0]))),
			ID:    strings.TrimSpace(parts[1]),
		}
		if len(parts) > 2 {
			action.Text = strings.TrimSpace(parts[2])
		}
		if len(parts) > 3 {
			action.OldMemory = strings.TrimSpace(parts[3])
		}
		actions = append(actions, action)
	}
	return filterActions(actions)
}

func filterActions(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		a.Event = Event(strings.ToUpper(strings.TrimSpace(string(a.Event))))
		a.ID = strings.TrimSpace(a.ID)
		a.Text = strings.TrimSpace(a.Text)

		switch a.Event {
		case EventAdd:
			if a.Text == "" {
				continue
			}
		case EventUpdate:
			if a.ID == "" || a.Text == "" {
				continue
			}
		case EventDelete, EventNone:
			if a.ID == "" {
				continue
			}
		default:
			continue
		}
		out = append(out, a)
	}
	return out
}
