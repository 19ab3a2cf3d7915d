package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/orchestra-mcp/madonna/src/auth"
	"github.com/orchestra-mcp/madonna/src/kickoff"
)

var (
	// ErrIncompleteProfile means the auth collaborator returned a user
	// without id, given name, family name or email.
	ErrIncompleteProfile = errors.New("incomplete user profile")

	// ErrUnknownTeam is returned when selecting a team the user is not in.
	ErrUnknownTeam = errors.New("unknown team")
)

func userFromAttributes(a auth.UserAttributes) (*User, error) {
	if a.SubjectID == "" || a.GivenName == "" || a.FamilyName == "" || a.Email == "" {
		return nil, ErrIncompleteProfile
	}
	return &User{
		ID:         a.SubjectID,
		GivenName:  a.GivenName,
		FamilyName: a.FamilyName,
		Email:      a.Email,
	}, nil
}

// mergeProfile overlays the kickoff profile on the user from the auth check.
func mergeProfile(current *User, profile map[string]any) *User {
	u := &User{}
	if current != nil {
		*u = *current
	}
	if s := firstString(profile, "id", "sub"); s != "" {
		u.ID = s
	}
	if s := firstString(profile, "givenName", "given_name"); s != "" {
		u.GivenName = s
	}
	if s := firstString(profile, "familyName", "family_name"); s != "" {
		u.FamilyName = s
	}
	if s := firstString(profile, "email"); s != "" {
		u.Email = s
	}
	if len(profile) > 0 {
		u.Attributes = profile
	}
	return u
}

// deriveTeams merges every membership's team object with the membership's
// own fields. The merge is shallow; membership fields win on collision.
func deriveTeams(memberships []map[string]any) []Team {
	teams := make([]Team, 0, len(memberships))
	for _, m := range memberships {
		merged := make(map[string]any, len(m)+4)
		if team, ok := m["team"].(map[string]any); ok {
			for k, v := range team {
				merged[k] = v
			}
		}
		for k, v := range m {
			if k == "team" {
				continue
			}
			merged[k] = v
		}
		teams = append(teams, teamFromMap(merged))
	}
	return teams
}

func teamFromMap(m map[string]any) Team {
	t := Team{
		ID:         stringify(m["id"]),
		Name:       firstString(m, "name"),
		Role:       firstString(m, "role"),
		Status:     firstString(m, "status"),
		Attributes: m,
	}
	t.Selected, _ = m["selected"].(bool)
	return t
}

// selectTeam returns a copy of teams with exactly the team id selected.
func selectTeam(teams []Team, id string) ([]Team, error) {
	found := false
	out := make([]Team, len(teams))
	for i, t := range teams {
		t.Selected = t.ID == id && !found
		if t.Selected {
			found = true
		}
		out[i] = t
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTeam, id)
	}
	return out, nil
}

// withDefaultTeam makes exactly one team selected: the first one the server
// marked selected, or the first team when none is marked.
func withDefaultTeam(teams []Team) []Team {
	if len(teams) == 0 {
		return teams
	}
	id := teams[0].ID
	for _, t := range teams {
		if t.Selected {
			id = t.ID
			break
		}
	}
	out, err := selectTeam(teams, id)
	if err != nil {
		return teams
	}
	return out
}

func convertFlags(flags []kickoff.FeatureFlag) []FeatureFlag {
	out := make([]FeatureFlag, 0, len(flags))
	for _, f := range flags {
		out = append(out, FeatureFlag{Key: f.Key, Enabled: f.Enabled})
	}
	return out
}

// parseEnums decodes the enum catalog, a JSON-encoded map of enum name to
// values. A bare JSON object is accepted too. Enums are sorted by name.
func parseEnums(raw json.RawMessage) ([]Enum, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode enums: %w", err)
		}
		if s == "" {
			return nil, nil
		}
		raw = []byte(s)
	}

	var catalog map[string][]string
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("decode enums: %w", err)
	}
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	enums := make([]Enum, 0, len(names))
	for _, name := range names {
		enums = append(enums, Enum{Name: name, Values: catalog[name]})
	}
	return enums, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.0f", x)
	default:
		return fmt.Sprint(x)
	}
}
