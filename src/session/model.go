package session

// Phase is the bootstrap state of the session.
type Phase string

const (
	PhaseUnchecked       Phase = "unchecked"
	PhaseChecking        Phase = "checking"
	PhaseUnauthenticated Phase = "unauthenticated"
	// PhaseCheckFailed means the auth check could not reach a verdict.
	PhaseCheckFailed   Phase = "check_failed"
	PhaseAuthenticated Phase = "authenticated"
	PhaseKickoffFailed Phase = "kickoff_failed"
	PhaseKickedOff     Phase = "kicked_off"
)

// User is the signed-in user.
type User struct {
	ID         string         `json:"id"`
	GivenName  string         `json:"given_name"`
	FamilyName string         `json:"family_name"`
	Email      string         `json:"email"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Team is a team the user is a member of, with the membership fields merged in.
type Team struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Role       string         `json:"role,omitempty"`
	Status     string         `json:"status,omitempty"`
	Selected   bool           `json:"selected"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type FeatureFlag struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// Enum is a named, ordered list of values from the backend catalog.
type Enum struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// State is an immutable snapshot of the session. Every change replaces the
// whole snapshot; the slices it holds must not be modified by readers.
type State struct {
	Phase           Phase         `json:"phase"`
	IsLoaded        bool          `json:"is_loaded"`
	IsAuthenticated bool          `json:"is_authenticated"`
	KickoffReady    bool          `json:"kickoff_ready"`
	CurrentUser     *User         `json:"current_user,omitempty"`
	Teams           []Team        `json:"teams"`
	FeatureFlags    []FeatureFlag `json:"feature_flags"`
	Enums           []Enum        `json:"enums"`
	LastError       string        `json:"last_error,omitempty"`
}

// CurrentTeam returns the selected team.
func (s State) CurrentTeam() (Team, bool) {
	for _, t := range s.Teams {
		if t.Selected {
			return t, true
		}
	}
	return Team{}, false
}

// FeatureEnabled reports whether the named flag is on. Unknown flags are off.
func (s State) FeatureEnabled(key string) bool {
	for _, f := range s.FeatureFlags {
		if f.Key == key {
			return f.Enabled
		}
	}
	return false
}

// EnumValues returns the values of the named enum.
func (s State) EnumValues(name string) ([]string, bool) {
	for _, e := range s.Enums {
		if e.Name == name {
			return e.Values, true
		}
	}
	return nil, false
}

func initialState() State {
	return State{Phase: PhaseUnchecked}
}

// loggedOutState is what logout resets to: the check is settled and the
// user is not signed in.
func loggedOutState() State {
	return State{Phase: PhaseUnauthenticated, IsLoaded: true}
}
