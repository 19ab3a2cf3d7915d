package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/madonna/config"
	"github.com/orchestra-mcp/madonna/src/auth"
	"github.com/orchestra-mcp/madonna/src/kickoff"
	"github.com/orchestra-mcp/madonna/src/obs"
	"github.com/orchestra-mcp/madonna/src/realtime"
	"github.com/orchestra-mcp/madonna/src/service"
	"github.com/orchestra-mcp/madonna/src/session"
	"github.com/orchestra-mcp/madonna/src/store"
	"github.com/orchestra-mcp/madonna/src/transport"
	"github.com/orchestra-mcp/madonna/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Version is reported by the status routes.
const Version = "0.1.0"

// App owns the session lifecycle and the single realtime channel.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	active bool

	redis     *redis.Client
	store     *store.Redis
	authn     *auth.TokenAuthenticator
	lifecycle *session.Lifecycle
	dialer    types.Dialer

	mu      sync.Mutex
	ctx     context.Context
	service *service.Service
	http    *fiber.App
}

// NewApp creates an app. Call Activate (or Run) before use.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		ctx:    context.Background(),
	}
}

func (a *App) ID() string      { return "madonna" }
func (a *App) Version() string { return Version }
func (a *App) IsActive() bool  { return a.active }

// Activate wires the collaborators from the configuration. Nothing is
// connected until Run or Channel is called.
func (a *App) Activate() error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	obs.Init()

	if a.cfg.UsesRedis() {
		a.redis = store.NewClient(store.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.store = store.NewRedis(a.redis, a.cfg.Redis.Prefix, a.cfg.Session.SnapshotTTL, a.logger)
	}

	a.authn = auth.NewTokenAuthenticator(a.tokenSource(), []byte(a.cfg.Auth.Secret), a.cfg.Auth.Issuer)
	kc := kickoff.New(a.cfg.Kickoff.URL, a.authn.IDToken, a.logger,
		kickoff.WithTimeout(a.cfg.Session.KickoffTimeout))

	opts := []session.Option{session.WithConfig(session.Config{
		CheckTimeout:      a.cfg.Session.CheckTimeout,
		KickoffTimeout:    a.cfg.Session.KickoffTimeout,
		KickoffRetries:    a.cfg.Session.KickoffRetries,
		KickoffRetryDelay: a.cfg.Session.KickoffRetryDelay,
		StoreTimeout:      session.DefaultConfig().StoreTimeout,
	})}
	if a.cfg.Session.Persist && a.store != nil {
		opts = append(opts, session.WithStore(a.store))
	}
	a.lifecycle = session.New(a.authn, kc, a.logger, opts...)

	dialer, err := a.newDialer()
	if err != nil {
		return err
	}
	a.dialer = dialer
	a.http = a.newRouter()

	a.active = true
	a.logger.Info().
		Str("transport", a.cfg.Realtime.Transport).
		Str("token_store", a.cfg.Auth.TokenStore).
		Bool("persist", a.cfg.Session.Persist).
		Msg("madonna activated")
	return nil
}

func (a *App) tokenSource() auth.TokenSource {
	switch a.cfg.Auth.TokenStore {
	case config.TokenStoreFile:
		return auth.FileTokenSource{Path: a.cfg.Auth.TokenFile}
	case config.TokenStoreRedis:
		return a.store
	default:
		return auth.NewStaticTokenSource(a.cfg.Auth.Token)
	}
}

func (a *App) newDialer() (types.Dialer, error) {
	rc := a.cfg.Realtime
	logger := a.logger
	switch rc.Transport {
	case config.TransportWebSocket:
		return &transport.WebSocketDialer{
			URL:              rc.URL,
			Token:            a.authn.IDToken,
			HandshakeTimeout: rc.HandshakeTimeout,
			WriteTimeout:     rc.WriteTimeout,
			PingInterval:     rc.PingInterval,
			ReadBufferSize:   rc.ReadBufferSize,
			WriteBufferSize:  rc.WriteBufferSize,
			Logger:           logger,
		}, nil
	case config.TransportSSE:
		return &transport.SSEDialer{
			URL:         rc.URL,
			SendURL:     rc.SendURL,
			Token:       a.authn.IDToken,
			SendTimeout: rc.WriteTimeout,
			Logger:      logger,
		}, nil
	case config.TransportRedis:
		d := transport.NewRedisDialer(a.redis, a.cfg.Redis.Prefix, logger)
		if rc.WriteTimeout > 0 {
			d.WriteTimeout = rc.WriteTimeout
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown realtime transport %q", rc.Transport)
}

func (a *App) backoff() realtime.Backoff {
	rc := a.cfg.Realtime
	if rc.Backoff == config.BackoffExponential {
		return realtime.ExponentialBackoff{
			Initial: rc.ReconnectDelay,
			Max:     rc.MaxReconnectDelay,
			Factor:  2,
			Jitter:  true,
		}
	}
	return realtime.FixedBackoff{Delay: rc.ReconnectDelay}
}

// Lifecycle returns the session lifecycle.
func (a *App) Lifecycle() *session.Lifecycle { return a.lifecycle }

// Service returns the realtime service, creating and starting the channel on
// first use.
func (a *App) Service() *service.Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.service == nil {
		c := realtime.New(a.dialer, a.logger,
			realtime.WithBackoff(a.backoff()),
			realtime.WithMaxAttempts(a.cfg.Realtime.MaxAttempts))
		c.AddListener(a.logEvent)
		svc := service.New(c, a.logger)
		// every new connection starts without a team scope
		svc.OnConnection(func() { a.resubscribe(svc) })
		c.Start(a.ctx)
		a.service = svc
	}
	return a.service
}

// resubscribe sends the subscribe frame for the current team, if any.
func (a *App) resubscribe(svc *service.Service) {
	s := a.lifecycle.Snapshot()
	if !s.KickoffReady {
		return
	}
	if cur, ok := s.CurrentTeam(); ok {
		if err := svc.SubscribeTeam(cur.ID); err != nil {
			a.logger.Error().Err(err).Msg("team subscription failed")
		}
	}
}

// Channel returns the single realtime channel, starting it on first use.
func (a *App) Channel() *realtime.Channel {
	return a.Service().Channel()
}

// channelStarted returns the channel if it has been created.
func (a *App) channelStarted() (*realtime.Channel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.service == nil {
		return nil, false
	}
	return a.service.Channel(), true
}

func (a *App) logEvent(msg types.Message) error {
	ev, err := types.Decode(msg)
	if err != nil {
		return fmt.Errorf("decode %s: %w", msg.Action, err)
	}
	if u, ok := ev.(types.Unknown); ok {
		a.logger.Debug().Str("action", u.Name).Msg("unknown realtime action")
		return nil
	}
	a.logger.Debug().Str("action", ev.Action()).Interface("event", ev).Msg("realtime event")
	return nil
}

// Run checks the session, opens the channel once the session is ready and
// serves the status routes until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if !a.active {
		if err := a.Activate(); err != nil {
			return err
		}
	}
	defer func() { _ = a.Deactivate() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	lcDone := make(chan struct{})
	go func() {
		defer close(lcDone)
		_ = a.lifecycle.Run(ctx)
	}()
	go a.followSession(ctx)
	a.lifecycle.CheckSession()

	var err error
	if a.cfg.HTTP.Addr != "" {
		a.logger.Info().Str("addr", a.cfg.HTTP.Addr).Msg("status server listening")
		err = a.http.Listen(a.cfg.HTTP.Addr, fiber.ListenConfig{
			DisableStartupMessage: true,
			GracefulContext:       ctx,
		})
		if err != nil {
			cancel()
		}
	}
	<-ctx.Done()
	<-lcDone
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// followSession opens the channel when the session becomes ready and
// subscribes to the current team whenever it changes. Subscriptions after a
// reconnect are sent by resubscribe.
func (a *App) followSession(ctx context.Context) {
	sub := a.lifecycle.Subscribe(ctx)
	team := a.syncTeam(ctx, "")
	for range sub {
		team = a.syncTeam(ctx, team)
	}
}

// syncTeam reads the latest snapshot and subscribes when the current team
// differs from last. It returns the team now subscribed to.
func (a *App) syncTeam(ctx context.Context, last string) string {
	if ctx.Err() != nil {
		return last
	}
	s := a.lifecycle.Snapshot()
	if !s.KickoffReady {
		return ""
	}
	cur, ok := s.CurrentTeam()
	if !ok || cur.ID == last {
		return last
	}
	// the open hook subscribes once connected
	c, started := a.channelStarted()
	if !started {
		a.Service()
		return cur.ID
	}
	if c.State() != types.StateOpen {
		return cur.ID
	}
	if err := a.Service().SubscribeTeam(cur.ID); err != nil {
		a.logger.Error().Err(err).Msg("team subscription failed")
	}
	return cur.ID
}

// Deactivate closes the channel and the Redis client.
func (a *App) Deactivate() error {
	var errs []error
	if c, ok := a.channelStarted(); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		a.redis = nil
	}
	a.active = false
	return errors.Join(errs...)
}
