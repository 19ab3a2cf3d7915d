package types

import "encoding/json"

// Known realtime actions.
const (
	ActionRefreshTable    = "refresh_table"
	ActionPulseStarted    = "pulse_started"
	ActionPulseCompleted  = "pulse_completed"
	ActionTargetUpdated   = "target_updated"
	ActionScheduleUpdated = "schedule_updated"
	ActionTeamUpdated     = "team_updated"
	ActionPong            = "pong"

	// Outbound only.
	ActionSubscribe = "subscribe"
	ActionPing      = "ping"
)

// Event is a decoded message variant.
type Event interface {
	Action() string
}

// RefreshTable asks consumers to reload a table view.
type RefreshTable struct {
	Table  string `json:"table"`
	TeamID string `json:"team_id,omitempty"`
}

// PulseStarted reports that a measurement run was accepted by the backend.
type PulseStarted struct {
	PulseID  string `json:"pulse_id"`
	TargetID string `json:"target_id,omitempty"`
	URL      string `json:"url,omitempty"`
	Device   string `json:"device,omitempty"`
}

// PulseCompleted reports a finished measurement run.
type PulseCompleted struct {
	PulseID  string  `json:"pulse_id"`
	TargetID string  `json:"target_id,omitempty"`
	Device   string  `json:"device,omitempty"`
	Status   string  `json:"status,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

type TargetUpdated struct {
	TargetID string `json:"target_id"`
}

type ScheduleUpdated struct {
	ScheduleID string `json:"schedule_id"`
	TargetID   string `json:"target_id,omitempty"`
}

type TeamUpdated struct {
	TeamID string `json:"team_id"`
}

type Pong struct{}

// Subscribe asks the backend to scope pushed events to a team.
type Subscribe struct {
	TeamID string `json:"team_id"`
}

type Ping struct{}

// Unknown carries an action this client has no variant for.
type Unknown struct {
	Name   string
	Fields map[string]any
}

func (RefreshTable) Action() string    { return ActionRefreshTable }
func (PulseStarted) Action() string    { return ActionPulseStarted }
func (PulseCompleted) Action() string  { return ActionPulseCompleted }
func (TargetUpdated) Action() string   { return ActionTargetUpdated }
func (ScheduleUpdated) Action() string { return ActionScheduleUpdated }
func (TeamUpdated) Action() string     { return ActionTeamUpdated }
func (Pong) Action() string            { return ActionPong }
func (Subscribe) Action() string       { return ActionSubscribe }
func (Ping) Action() string            { return ActionPing }
func (u Unknown) Action() string       { return u.Name }

// Decode maps a message onto its typed variant. Actions without a variant
// decode to Unknown rather than failing.
func Decode(msg Message) (Event, error) {
	switch msg.Action {
	case "":
		return nil, ErrMissingAction
	case ActionRefreshTable:
		var e RefreshTable
		if err := msg.decodeInto(&e); err != nil {
			return nil, err
		}
		return e, nil
	case ActionPulseStarted:
		var e PulseStarted
		if err := msg.decodeInto(&e); err != nil {
			return nil, err
		}
		return e, nil
	case ActionPulseCompleted:
		var e PulseCompleted
		if err := msg.decodeInto(&e); err != nil {
			return nil, err
		}
		return e, nil
	case ActionTargetUpdated:
		var e TargetUpdated
		if err := msg.decodeInto(&e); err != nil {
			return nil, err
		}
		return e, nil
	case ActionScheduleUpdated:
		var e ScheduleUpdated
		if err := msg.decodeInto(&e); err != nil {
			return nil, err
		}
		return e, nil
	case ActionTeamUpdated:
		var e TeamUpdated
		if err := msg.decodeInto(&e); err != nil {
			return nil, err
		}
		return e, nil
	case ActionPong:
		return Pong{}, nil
	case ActionSubscribe:
		var e Subscribe
		if err := msg.decodeInto(&e); err != nil {
			return nil, err
		}
		return e, nil
	case ActionPing:
		return Ping{}, nil
	default:
		return Unknown{Name: msg.Action, Fields: msg.Fields}, nil
	}
}

// Encode turns a typed event back into a message.
func Encode(ev Event) (Message, error) {
	if u, ok := ev.(Unknown); ok {
		return NewMessage(u.Name, u.Fields), nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, err
	}
	return NewMessage(ev.Action(), fields), nil
}
