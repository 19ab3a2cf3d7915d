package session

import "github.com/orchestra-mcp/madonna/src/kickoff"

// Event is a message processed by the lifecycle loop. Results of
// asynchronous tasks carry the epoch they were started in; results from an
// earlier epoch (before a logout) are discarded.
type Event interface {
	eventName() string
}

// CheckRequested starts a session check.
type CheckRequested struct{}

// SessionChecked carries the outcome of a session check.
type SessionChecked struct {
	Epoch uint64
	User  *User
	Err   error
}

// LoggedIn triggers login continuation. It may fire more than once; kickoff
// runs at most once per session.
type LoggedIn struct{}

// KickoffCompleted carries the kickoff payload.
type KickoffCompleted struct {
	Epoch   uint64
	Payload *kickoff.Payload
}

// KickoffFailed reports that every kickoff attempt failed.
type KickoffFailed struct {
	Epoch uint64
	Err   error
}

// TeamSelected is the "set current team" action.
type TeamSelected struct {
	TeamID string
	reply  chan error
}

// LogoutRequested clears the session.
type LogoutRequested struct {
	reply chan error
}

func (CheckRequested) eventName() string   { return "check_requested" }
func (SessionChecked) eventName() string   { return "session_checked" }
func (LoggedIn) eventName() string         { return "logged_in" }
func (KickoffCompleted) eventName() string { return "kickoff_completed" }
func (KickoffFailed) eventName() string    { return "kickoff_failed" }
func (TeamSelected) eventName() string     { return "team_selected" }
func (LogoutRequested) eventName() string  { return "logout_requested" }
