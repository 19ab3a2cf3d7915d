package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-mcp/madonna/src/auth"
	"github.com/orchestra-mcp/madonna/src/kickoff"
	"github.com/orchestra-mcp/madonna/src/obs"
	"github.com/rs/zerolog"
)

// Authenticator is the auth collaborator.
type Authenticator interface {
	CurrentSession(ctx context.Context) (auth.Session, error)
	UserAttributes(ctx context.Context) (auth.UserAttributes, error)
	SignOut(ctx context.Context) error
}

// KickoffFetcher issues the batched bootstrap request.
type KickoffFetcher interface {
	Kickoff(ctx context.Context) (*kickoff.Payload, error)
}

// Store persists committed snapshots.
type Store interface {
	Save(ctx context.Context, s State) error
	Clear(ctx context.Context) error
}

// Config holds lifecycle deadlines and the kickoff retry policy.
type Config struct {
	CheckTimeout      time.Duration
	KickoffTimeout    time.Duration
	KickoffRetries    int
	KickoffRetryDelay time.Duration
	StoreTimeout      time.Duration
}

// DefaultConfig returns the lifecycle defaults.
func DefaultConfig() Config {
	return Config{
		CheckTimeout:      10 * time.Second,
		KickoffTimeout:    15 * time.Second,
		KickoffRetries:    3,
		KickoffRetryDelay: time.Second,
		StoreTimeout:      2 * time.Second,
	}
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

func WithConfig(cfg Config) Option {
	return func(l *Lifecycle) { l.cfg = cfg }
}

func WithStore(s Store) Option {
	return func(l *Lifecycle) { l.store = s }
}

// Lifecycle runs the session bootstrap: check the session, kick off once per
// login, derive the default team and open the readiness gate. All state
// changes happen on the Run goroutine; I/O runs in tasks that post their
// results back as events.
type Lifecycle struct {
	auth    Authenticator
	fetcher KickoffFetcher
	store   Store
	cfg     Config
	logger  zerolog.Logger

	events  chan Event
	stopped chan struct{}
	running atomic.Bool
	state   atomic.Pointer[State]

	// owned by the Run goroutine
	epoch          uint64
	checking       bool
	kickoffRunning bool

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int

	tasks sync.WaitGroup
}

// New creates a Lifecycle. Call Run to start processing events.
func New(a Authenticator, f KickoffFetcher, logger zerolog.Logger, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		auth:    a,
		fetcher: f,
		cfg:     DefaultConfig(),
		logger:  logger.With().Str("component", "session").Logger(),
		events:  make(chan Event, 64),
		stopped: make(chan struct{}),
		subs:    make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(l)
	}
	s := initialState()
	l.state.Store(&s)
	return l
}

// Run processes events until ctx is done. It returns ctx.Err().
func (l *Lifecycle) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("session lifecycle already running")
	}
	defer func() {
		close(l.stopped)
		l.tasks.Wait()
		l.closeSubscribers()
	}()

	for {
		select {
		case ev := <-l.events:
			l.handle(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CheckSession queries the auth collaborator for a current session.
func (l *Lifecycle) CheckSession() {
	l.post(CheckRequested{})
}

// Login fires the login trigger. Kickoff runs only when a user is set and
// kickoff has not already run for this session.
func (l *Lifecycle) Login() {
	l.post(LoggedIn{})
}

// SelectTeam marks id as the current team.
func (l *Lifecycle) SelectTeam(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	if err := l.postWait(ctx, TeamSelected{TeamID: id, reply: reply}); err != nil {
		return err
	}
	return l.await(ctx, reply)
}

// Logout signs out and clears the session. Calling it while logged out is a
// no-op apart from the repeated sign-out call.
func (l *Lifecycle) Logout(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := l.postWait(ctx, LogoutRequested{reply: reply}); err != nil {
		return err
	}
	return l.await(ctx, reply)
}

// Snapshot returns the current state.
func (l *Lifecycle) Snapshot() State {
	return *l.state.Load()
}

// Subscribe delivers every committed snapshot until ctx is done. Slow
// subscribers miss intermediate snapshots.
func (l *Lifecycle) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 16)

	l.subMu.Lock()
	select {
	case <-l.stopped:
		l.subMu.Unlock()
		close(ch)
		return ch
	default:
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-l.stopped:
		}
		l.subMu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.subMu.Unlock()
	}()
	return ch
}

// WaitLoaded blocks until the session check has settled.
func (l *Lifecycle) WaitLoaded(ctx context.Context) (State, error) {
	return l.waitFor(ctx, func(s State) bool { return s.IsLoaded })
}

// WaitReady blocks until kickoff has completed. It fails early when the
// check settles unauthenticated or kickoff gives up.
func (l *Lifecycle) WaitReady(ctx context.Context) (State, error) {
	s, err := l.waitFor(ctx, func(s State) bool {
		return s.KickoffReady ||
			(s.IsLoaded && !s.IsAuthenticated) ||
			s.Phase == PhaseKickoffFailed
	})
	if err != nil {
		return s, err
	}
	if !s.KickoffReady {
		if s.LastError != "" {
			return s, fmt.Errorf("session not ready (%s): %s", s.Phase, s.LastError)
		}
		return s, fmt.Errorf("session not ready: %s", s.Phase)
	}
	return s, nil
}

func (l *Lifecycle) waitFor(ctx context.Context, done func(State) bool) (State, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := l.Subscribe(subCtx)
	for {
		s := l.Snapshot()
		if done(s) {
			return s, nil
		}
		select {
		case _, ok := <-sub:
			if !ok {
				if err := ctx.Err(); err != nil {
					return l.Snapshot(), err
				}
				return l.Snapshot(), errors.New("session lifecycle stopped")
			}
		case <-ctx.Done():
			return l.Snapshot(), ctx.Err()
		}
	}
}

func (l *Lifecycle) handle(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Str("event", ev.eventName()).Interface("panic", r).Msg("event handler panicked")
		}
	}()

	l.logger.Debug().Str("event", ev.eventName()).Uint64("epoch", l.epoch).Msg("handling event")

	switch e := ev.(type) {
	case CheckRequested:
		l.onCheckRequested(ctx)
	case SessionChecked:
		l.onSessionChecked(ctx, e)
	case LoggedIn:
		l.onLoggedIn(ctx)
	case KickoffCompleted:
		l.onKickoffCompleted(e)
	case KickoffFailed:
		l.onKickoffFailed(e)
	case TeamSelected:
		e.reply <- l.onTeamSelected(e.TeamID)
	case LogoutRequested:
		e.reply <- l.onLogout(ctx)
	default:
		l.logger.Warn().Str("event", ev.eventName()).Msg("unhandled event")
	}
}

func (l *Lifecycle) onCheckRequested(ctx context.Context) {
	cur := l.Snapshot()
	if l.checking || cur.IsAuthenticated {
		l.logger.Debug().Str("phase", string(cur.Phase)).Msg("session check skipped")
		return
	}
	l.checking = true
	l.commit(State{Phase: PhaseChecking})

	epoch := l.epoch
	l.spawn(ctx, func(ctx context.Context) Event {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.CheckTimeout)
		defer cancel()
		user, err := l.checkSession(cctx)
		return SessionChecked{Epoch: epoch, User: user, Err: err}
	})
}

func (l *Lifecycle) checkSession(ctx context.Context) (*User, error) {
	sess, err := l.auth.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess.SubjectID == "" {
		return nil, auth.ErrNoSession
	}
	attrs, err := l.auth.UserAttributes(ctx)
	if err != nil {
		return nil, err
	}
	return userFromAttributes(attrs)
}

func (l *Lifecycle) onSessionChecked(ctx context.Context, e SessionChecked) {
	if e.Epoch != l.epoch {
		l.logger.Debug().Uint64("epoch", e.Epoch).Msg("discarding stale session check")
		return
	}
	l.checking = false

	switch {
	case e.Err == nil:
		l.logger.Info().Str("user_id", e.User.ID).Msg("session authenticated")
		l.commit(State{
			Phase:           PhaseAuthenticated,
			IsLoaded:        true,
			IsAuthenticated: true,
			CurrentUser:     e.User,
		})
		l.onLoggedIn(ctx)
	case errors.Is(e.Err, auth.ErrNoSession), errors.Is(e.Err, ErrIncompleteProfile):
		l.logger.Info().Err(e.Err).Msg("no authenticated session")
		l.commit(State{Phase: PhaseUnauthenticated, IsLoaded: true})
	default:
		l.logger.Error().Err(e.Err).Msg("session check failed")
		l.commit(State{Phase: PhaseCheckFailed, IsLoaded: true, LastError: e.Err.Error()})
	}
}

func (l *Lifecycle) onLoggedIn(ctx context.Context) {
	cur := l.Snapshot()
	if cur.CurrentUser == nil || cur.KickoffReady || l.kickoffRunning {
		l.logger.Debug().
			Bool("has_user", cur.CurrentUser != nil).
			Bool("kickoff_ready", cur.KickoffReady).
			Bool("kickoff_running", l.kickoffRunning).
			Msg("login continuation skipped")
		return
	}
	l.kickoffRunning = true
	if cur.Phase == PhaseKickoffFailed {
		next := cur
		next.Phase = PhaseAuthenticated
		next.LastError = ""
		l.commit(next)
	}

	epoch := l.epoch
	l.spawn(ctx, func(ctx context.Context) Event {
		p, err := l.kickoff(ctx)
		if err != nil {
			return KickoffFailed{Epoch: epoch, Err: err}
		}
		return KickoffCompleted{Epoch: epoch, Payload: p}
	})
}

// kickoff tries the request KickoffRetries+1 times with doubling delays.
func (l *Lifecycle) kickoff(ctx context.Context) (*kickoff.Payload, error) {
	var lastErr error
	delay := l.cfg.KickoffRetryDelay
	for attempt := 0; attempt <= l.cfg.KickoffRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
			delay *= 2
		}

		actx, cancel := context.WithTimeout(ctx, l.cfg.KickoffTimeout)
		p, err := l.fetcher.Kickoff(actx)
		cancel()
		if err == nil {
			obs.KickoffRequests.WithLabelValues("ok").Inc()
			return p, nil
		}
		obs.KickoffRequests.WithLabelValues("error").Inc()
		lastErr = err
		l.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("kickoff attempt failed")

		if errors.Is(err, kickoff.ErrUnauthorized) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (l *Lifecycle) onKickoffCompleted(e KickoffCompleted) {
	if e.Epoch != l.epoch {
		l.logger.Debug().Uint64("epoch", e.Epoch).Msg("discarding stale kickoff result")
		return
	}
	l.kickoffRunning = false

	cur := l.Snapshot()
	if cur.KickoffReady {
		return
	}
	next, err := applyKickoff(cur, e.Payload)
	if err != nil {
		l.onKickoffFailed(KickoffFailed{Epoch: e.Epoch, Err: err})
		return
	}
	l.commit(next)
	obs.SessionReady.Set(1)

	team, _ := next.CurrentTeam()
	l.logger.Info().
		Int("teams", len(next.Teams)).
		Str("team_id", team.ID).
		Int("feature_flags", len(next.FeatureFlags)).
		Int("enums", len(next.Enums)).
		Msg("kickoff complete")
}

// applyKickoff builds the ready snapshot from the kickoff payload.
func applyKickoff(cur State, p *kickoff.Payload) (State, error) {
	if p == nil {
		return cur, errors.New("empty kickoff payload")
	}
	enums, err := parseEnums(p.Enums)
	if err != nil {
		return cur, err
	}

	next := cur
	next.Phase = PhaseKickedOff
	next.CurrentUser = mergeProfile(cur.CurrentUser, p.User)
	next.FeatureFlags = convertFlags(p.FeatureFlags)
	next.Teams = withDefaultTeam(deriveTeams(p.Memberships))
	next.Enums = enums
	next.LastError = ""
	next.KickoffReady = true
	return next, nil
}

func (l *Lifecycle) onKickoffFailed(e KickoffFailed) {
	if e.Epoch != l.epoch {
		return
	}
	l.kickoffRunning = false

	l.logger.Error().Err(e.Err).Msg("kickoff failed")
	next := l.Snapshot()
	next.Phase = PhaseKickoffFailed
	next.LastError = e.Err.Error()
	l.commit(next)
}

func (l *Lifecycle) onTeamSelected(id string) error {
	cur := l.Snapshot()
	teams, err := selectTeam(cur.Teams, id)
	if err != nil {
		return err
	}
	next := cur
	next.Teams = teams
	l.commit(next)
	l.logger.Info().Str("team_id", id).Msg("current team selected")
	return nil
}

func (l *Lifecycle) onLogout(ctx context.Context) error {
	l.epoch++
	l.checking = false
	l.kickoffRunning = false

	var errs []error
	sctx, cancel := context.WithTimeout(ctx, l.cfg.CheckTimeout)
	defer cancel()
	if err := l.auth.SignOut(sctx); err != nil {
		l.logger.Error().Err(err).Msg("sign out failed")
		errs = append(errs, fmt.Errorf("sign out: %w", err))
	}
	if l.store != nil {
		if err := l.store.Clear(sctx); err != nil {
			l.logger.Error().Err(err).Msg("clear session store failed")
			errs = append(errs, fmt.Errorf("clear store: %w", err))
		}
	}

	l.commit(loggedOutState())
	obs.SessionReady.Set(0)
	l.logger.Info().Uint64("epoch", l.epoch).Msg("logged out")
	return errors.Join(errs...)
}

// commit replaces the snapshot and notifies subscribers.
func (l *Lifecycle) commit(next State) {
	l.state.Store(&next)

	l.subMu.Lock()
	for _, ch := range l.subs {
		select {
		case ch <- next:
		default:
		}
	}
	l.subMu.Unlock()

	// logged-out snapshots are never persisted
	if l.store != nil && next.Phase != PhaseUnauthenticated {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
		defer cancel()
		if err := l.store.Save(ctx, next); err != nil {
			l.logger.Warn().Err(err).Msg("persist session snapshot failed")
		}
	}
}

// spawn runs task on its own goroutine and posts the event it returns.
func (l *Lifecycle) spawn(ctx context.Context, task func(context.Context) Event) {
	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		ev := task(ctx)
		select {
		case l.events <- ev:
		case <-ctx.Done():
		}
	}()
}

func (l *Lifecycle) post(ev Event) {
	select {
	case l.events <- ev:
	case <-l.stopped:
	}
}

func (l *Lifecycle) postWait(ctx context.Context, ev Event) error {
	select {
	case l.events <- ev:
		return nil
	case <-l.stopped:
		return errors.New("session lifecycle stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifecycle) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-l.stopped:
		return errors.New("session lifecycle stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifecycle) closeSubscribers() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
