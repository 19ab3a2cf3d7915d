package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/madonna/src/auth"
	"github.com/orchestra-mcp/madonna/src/kickoff"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeAuth struct {
	mu       sync.Mutex
	session  auth.Session
	sessErr  error
	attrs    auth.UserAttributes
	attrErr  error
	block    bool
	signOuts int
}

func (a *fakeAuth) CurrentSession(ctx context.Context) (auth.Session, error) {
	a.mu.Lock()
	block := a.block
	s, err := a.session, a.sessErr
	a.mu.Unlock()
	if block {
		<-ctx.Done()
		return auth.Session{}, ctx.Err()
	}
	return s, err
}

func (a *fakeAuth) UserAttributes(context.Context) (auth.UserAttributes, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attrs, a.attrErr
}

func (a *fakeAuth) SignOut(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signOuts++
	a.session = auth.Session{}
	a.sessErr = auth.ErrNoSession
	return nil
}

func signedIn() *fakeAuth {
	return &fakeAuth{
		session: auth.Session{SubjectID: "user-1", IDToken: "tok"},
		attrs: auth.UserAttributes{
			SubjectID:  "user-1",
			GivenName:  "Ada",
			FamilyName: "Lovelace",
			Email:      "ada@example.com",
		},
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	payload *kickoff.Payload
	errs    []error
	failAll error
	release chan struct{}
}

func (f *fakeFetcher) Kickoff(ctx context.Context) (*kickoff.Payload, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if f.failAll != nil {
		err = f.failAll
	}
	p, release := f.payload, f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu     sync.Mutex
	saved  []State
	clears int
}

func (s *fakeStore) Save(_ context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, st)
	return nil
}

func (s *fakeStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func twoTeamPayload() *kickoff.Payload {
	return &kickoff.Payload{
		User: map[string]any{"id": "user-1", "givenName": "Ada", "locale": "en"},
		Memberships: []map[string]any{
			{"team": map[string]any{"id": "A", "name": "Alpha"}, "role": "owner", "status": "active"},
			{"team": map[string]any{"id": "B", "name": "Beta", "selected": true}, "role": "member", "status": "active"},
		},
		FeatureFlags: []kickoff.FeatureFlag{{Key: "schedules", Enabled: true}, {Key: "charts", Enabled: false}},
		Enums:        json.RawMessage(`"{\"Device\":[\"mobile\",\"desktop\"],\"Audit\":[\"lcp\",\"cls\"]}"`),
	}
}

func oneTeamPayload() *kickoff.Payload {
	return &kickoff.Payload{
		User:        map[string]any{"id": "user-1"},
		Memberships: []map[string]any{{"team": map[string]any{"id": "solo", "name": "Solo"}, "role": "owner"}},
	}
}

func testConfig() Config {
	return Config{
		CheckTimeout:      time.Second,
		KickoffTimeout:    time.Second,
		KickoffRetries:    3,
		KickoffRetryDelay: time.Millisecond,
		StoreTimeout:      time.Second,
	}
}

func startLifecycle(t *testing.T, a Authenticator, f KickoffFetcher, opts ...Option) *Lifecycle {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig())}, opts...)
	l := New(a, f, zerolog.Nop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func teamSelection(teams []Team) map[string]bool {
	out := make(map[string]bool, len(teams))
	for _, tm := range teams {
		out[tm.ID] = tm.Selected
	}
	return out
}

// --- session check ---

func TestUnauthenticatedStart(t *testing.T) {
	a := &fakeAuth{sessErr: auth.ErrNoSession}
	f := &fakeFetcher{payload: twoTeamPayload()}
	l := startLifecycle(t, a, f)

	assert.Equal(t, PhaseUnchecked, l.Snapshot().Phase)
	assert.False(t, l.Snapshot().IsLoaded)

	l.CheckSession()
	s, err := l.WaitLoaded(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, PhaseUnauthenticated, s.Phase)
	assert.True(t, s.IsLoaded)
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.KickoffReady)
	assert.Nil(t, s.CurrentUser)
	assert.Equal(t, 0, f.Calls())

	_, err = l.WaitReady(waitCtx(t))
	assert.Error(t, err)
}

func TestMissingSubjectIsUnauthenticated(t *testing.T) {
	a := &fakeAuth{session: auth.Session{}}
	l := startLifecycle(t, a, &fakeFetcher{})

	l.CheckSession()
	s, err := l.WaitLoaded(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, PhaseUnauthenticated, s.Phase)
	assert.False(t, s.IsAuthenticated)
}

func TestIncompleteProfileIsUnauthenticated(t *testing.T) {
	a := signedIn()
	a.attrs.Email = ""
	f := &fakeFetcher{payload: twoTeamPayload()}
	l := startLifecycle(t, a, f)

	l.CheckSession()
	s, err := l.WaitLoaded(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, PhaseUnauthenticated, s.Phase)
	assert.False(t, s.IsAuthenticated)
	assert.Equal(t, 0, f.Calls())
}

func TestCheckFailureIsDistinctFromLoggedOut(t *testing.T) {
	a := &fakeAuth{sessErr: errors.New("identity provider unreachable")}
	l := startLifecycle(t, a, &fakeFetcher{})

	l.CheckSession()
	s, err := l.WaitLoaded(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, PhaseCheckFailed, s.Phase)
	assert.True(t, s.IsLoaded)
	assert.False(t, s.IsAuthenticated)
	assert.Contains(t, s.LastError, "unreachable")
}

func TestCheckTimeout(t *testing.T) {
	a := &fakeAuth{block: true}
	cfg := testConfig()
	cfg.CheckTimeout = 20 * time.Millisecond
	l := startLifecycle(t, a, &fakeFetcher{}, WithConfig(cfg))

	l.CheckSession()
	s, err := l.WaitLoaded(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, PhaseCheckFailed, s.Phase)
	assert.Contains(t, s.LastError, context.DeadlineExceeded.Error())
}

func TestCheckCanBeRetriedAfterFailure(t *testing.T) {
	a := &fakeAuth{sessErr: errors.New("flaky")}
	f := &fakeFetcher{payload: oneTeamPayload()}
	l := startLifecycle(t, a, f)

	l.CheckSession()
	s, err := l.WaitLoaded(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, PhaseCheckFailed, s.Phase)

	a.mu.Lock()
	a.sessErr = nil
	a.session = auth.Session{SubjectID: "user-1"}
	a.attrs = signedIn().attrs
	a.mu.Unlock()

	l.CheckSession()
	require.Eventually(t, func() bool { return l.Snapshot().KickoffReady }, time.Second, 5*time.Millisecond)
	assert.Equal(t, PhaseKickedOff, l.Snapshot().Phase)
}

// --- kickoff ---

func TestKickoffWithServerSelectedTeam(t *testing.T) {
	f := &fakeFetcher{payload: twoTeamPayload()}
	l := startLifecycle(t, signedIn(), f)

	l.CheckSession()
	s, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, PhaseKickedOff, s.Phase)
	assert.True(t, s.IsLoaded)
	assert.True(t, s.IsAuthenticated)
	assert.True(t, s.KickoffReady)

	require.Len(t, s.Teams, 2)
	assert.Equal(t, "A", s.Teams[0].ID)
	assert.False(t, s.Teams[0].Selected)
	assert.Equal(t, "B", s.Teams[1].ID)
	assert.True(t, s.Teams[1].Selected)
	assert.Equal(t, "owner", s.Teams[0].Role)
	assert.Equal(t, "Beta", s.Teams[1].Name)

	require.NotNil(t, s.CurrentUser)
	assert.Equal(t, "user-1", s.CurrentUser.ID)
	assert.Equal(t, "Lovelace", s.CurrentUser.FamilyName)
	assert.Equal(t, "en", s.CurrentUser.Attributes["locale"])

	assert.True(t, s.FeatureEnabled("schedules"))
	assert.False(t, s.FeatureEnabled("charts"))
	assert.False(t, s.FeatureEnabled("missing"))

	require.Len(t, s.Enums, 2)
	assert.Equal(t, "Audit", s.Enums[0].Name)
	devices, ok := s.EnumValues("Device")
	require.True(t, ok)
	assert.Equal(t, []string{"mobile", "desktop"}, devices)

	team, ok := s.CurrentTeam()
	require.True(t, ok)
	assert.Equal(t, "B", team.ID)
	assert.Equal(t, 1, f.Calls())
}

func TestKickoffSelectsOnlyTeamByDefault(t *testing.T) {
	l := startLifecycle(t, signedIn(), &fakeFetcher{payload: oneTeamPayload()})

	l.CheckSession()
	s, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, s.Teams, 1)
	assert.True(t, s.Teams[0].Selected)
	assert.Equal(t, "solo", s.Teams[0].ID)
}

func TestKickoffSelectsExactlyOneTeam(t *testing.T) {
	p := &kickoff.Payload{Memberships: []map[string]any{
		{"team": map[string]any{"id": "x"}},
		{"team": map[string]any{"id": "y"}},
		{"team": map[string]any{"id": "z"}},
	}}
	l := startLifecycle(t, signedIn(), &fakeFetcher{payload: p})

	l.CheckSession()
	s, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)

	selected := 0
	for _, tm := range s.Teams {
		if tm.Selected {
			selected++
			assert.Contains(t, []string{"x", "y", "z"}, tm.ID)
		}
	}
	assert.Equal(t, 1, selected)
}

func TestKickoffWithoutTeams(t *testing.T) {
	l := startLifecycle(t, signedIn(), &fakeFetcher{payload: &kickoff.Payload{}})

	l.CheckSession()
	s, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)
	assert.Empty(t, s.Teams)
	_, ok := s.CurrentTeam()
	assert.False(t, ok)
}

func TestRepeatedLoginRunsKickoffOnce(t *testing.T) {
	f := &fakeFetcher{payload: twoTeamPayload()}
	l := startLifecycle(t, signedIn(), f)

	l.CheckSession()
	_, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)

	l.Login()
	l.Login()
	// round trip through the loop so both triggers are handled
	require.NoError(t, l.SelectTeam(waitCtx(t), "B"))

	assert.Equal(t, 1, f.Calls())
}

func TestLoginWhileKickoffInFlight(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{payload: twoTeamPayload(), release: release}
	l := startLifecycle(t, signedIn(), f)

	l.CheckSession()
	require.Eventually(t, func() bool { return f.Calls() == 1 }, time.Second, 5*time.Millisecond)

	l.Login()
	l.Login()
	close(release)

	_, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls())
}

func TestLoginWithoutUserIsIgnored(t *testing.T) {
	f := &fakeFetcher{payload: twoTeamPayload()}
	l := startLifecycle(t, &fakeAuth{sessErr: auth.ErrNoSession}, f)

	l.Login()
	err := l.SelectTeam(waitCtx(t), "A")
	assert.ErrorIs(t, err, ErrUnknownTeam)
	assert.Equal(t, 0, f.Calls())
}

func TestKickoffRetriesThenSucceeds(t *testing.T) {
	f := &fakeFetcher{
		payload: oneTeamPayload(),
		errs:    []error{errors.New("502"), errors.New("timeout")},
	}
	l := startLifecycle(t, signedIn(), f)

	l.CheckSession()
	s, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)
	assert.True(t, s.KickoffReady)
	assert.Equal(t, 3, f.Calls())
}

func TestKickoffFailureSurfacesAndCanBeRetried(t *testing.T) {
	f := &fakeFetcher{payload: oneTeamPayload(), failAll: errors.New("backend down")}
	cfg := testConfig()
	cfg.KickoffRetries = 1
	l := startLifecycle(t, signedIn(), f, WithConfig(cfg))

	l.CheckSession()
	s, err := l.WaitReady(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Equal(t, PhaseKickoffFailed, s.Phase)
	assert.False(t, s.KickoffReady)
	assert.True(t, s.IsAuthenticated)
	assert.Equal(t, 2, f.Calls())

	f.mu.Lock()
	f.failAll = nil
	f.mu.Unlock()

	l.Login()
	require.Eventually(t, func() bool { return l.Snapshot().KickoffReady }, time.Second, 5*time.Millisecond)
	assert.Equal(t, PhaseKickedOff, l.Snapshot().Phase)
	assert.Empty(t, l.Snapshot().LastError)
}

func TestKickoffUnauthorizedIsNotRetried(t *testing.T) {
	f := &fakeFetcher{failAll: kickoff.ErrUnauthorized}
	l := startLifecycle(t, signedIn(), f)

	l.CheckSession()
	s, err := l.WaitReady(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, PhaseKickoffFailed, s.Phase)
	assert.Equal(t, 1, f.Calls())
}

func TestMalformedEnumsFailKickoff(t *testing.T) {
	p := oneTeamPayload()
	p.Enums = json.RawMessage(`"not json"`)
	l := startLifecycle(t, signedIn(), &fakeFetcher{payload: p})

	l.CheckSession()
	s, err := l.WaitReady(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, PhaseKickoffFailed, s.Phase)
	assert.Contains(t, s.LastError, "decode enums")
}

// --- team selection ---

func TestSelectTeam(t *testing.T) {
	l := startLifecycle(t, signedIn(), &fakeFetcher{payload: twoTeamPayload()})

	l.CheckSession()
	_, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)

	require.NoError(t, l.SelectTeam(waitCtx(t), "A"))
	assert.Equal(t, map[string]bool{"A": true, "B": false}, teamSelection(l.Snapshot().Teams))

	err = l.SelectTeam(waitCtx(t), "nope")
	assert.ErrorIs(t, err, ErrUnknownTeam)
	assert.Equal(t, map[string]bool{"A": true, "B": false}, teamSelection(l.Snapshot().Teams))
}

// --- readiness and logout ---

func TestReadinessIsMonotonicUntilLogout(t *testing.T) {
	a := signedIn()
	l := startLifecycle(t, a, &fakeFetcher{payload: twoTeamPayload()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := l.Subscribe(ctx)

	l.CheckSession()
	_, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)

	l.Login()
	require.NoError(t, l.SelectTeam(waitCtx(t), "A"))
	l.Login()
	require.NoError(t, l.SelectTeam(waitCtx(t), "B"))
	require.NoError(t, l.Logout(waitCtx(t)))

	var seen []State
	for len(seen) == 0 || seen[len(seen)-1].Phase != PhaseUnauthenticated {
		select {
		case s := <-sub:
			seen = append(seen, s)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d snapshots", len(seen))
		}
	}

	ready := false
	for i, s := range seen {
		if ready && !s.KickoffReady {
			assert.Equal(t, len(seen)-1, i, "readiness reset before logout")
			assert.Equal(t, PhaseUnauthenticated, s.Phase)
		}
		ready = ready || s.KickoffReady
	}
	assert.True(t, ready)
}

func TestLogoutClearsStateAndIsIdempotent(t *testing.T) {
	a := signedIn()
	st := &fakeStore{}
	l := startLifecycle(t, a, &fakeFetcher{payload: twoTeamPayload()}, WithStore(st))

	l.CheckSession()
	_, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)

	require.NoError(t, l.Logout(waitCtx(t)))
	first := l.Snapshot()
	assert.Equal(t, PhaseUnauthenticated, first.Phase)
	assert.True(t, first.IsLoaded)
	assert.False(t, first.IsAuthenticated)
	assert.False(t, first.KickoffReady)
	assert.Nil(t, first.CurrentUser)
	assert.Empty(t, first.Teams)
	assert.Empty(t, first.FeatureFlags)
	assert.Empty(t, first.Enums)

	require.NoError(t, l.Logout(waitCtx(t)))
	assert.Equal(t, first, l.Snapshot())

	a.mu.Lock()
	assert.Equal(t, 2, a.signOuts)
	a.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, 2, st.clears)
	require.NotEmpty(t, st.saved)
	assert.True(t, st.saved[len(st.saved)-1].KickoffReady)
}

func TestLogoutDiscardsInFlightKickoff(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{payload: twoTeamPayload(), release: release}
	l := startLifecycle(t, signedIn(), f)

	l.CheckSession()
	require.Eventually(t, func() bool { return f.Calls() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Logout(waitCtx(t)))
	close(release)

	assert.Never(t, func() bool { return l.Snapshot().KickoffReady }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, PhaseUnauthenticated, l.Snapshot().Phase)
}

func TestLoginAfterLogoutStartsNewSession(t *testing.T) {
	a := signedIn()
	f := &fakeFetcher{payload: oneTeamPayload()}
	l := startLifecycle(t, a, f)

	l.CheckSession()
	_, err := l.WaitReady(waitCtx(t))
	require.NoError(t, err)
	require.NoError(t, l.Logout(waitCtx(t)))

	fresh := signedIn()
	a.mu.Lock()
	a.session, a.sessErr, a.attrs = fresh.session, nil, fresh.attrs
	a.mu.Unlock()

	l.CheckSession()
	require.Eventually(t, func() bool { return l.Snapshot().KickoffReady }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.Calls())
}

func TestStoppedLifecycle(t *testing.T) {
	l := New(&fakeAuth{}, &fakeFetcher{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Error(t, l.Run(context.Background()))
	assert.Error(t, l.Logout(context.Background()))
	_, ok := <-l.Subscribe(context.Background())
	assert.False(t, ok)
}
