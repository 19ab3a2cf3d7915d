package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/madonna/src/obs"
	"github.com/orchestra-mcp/madonna/src/types"
	"github.com/rs/zerolog"
)

// Channel keeps one logical connection to the server push endpoint. It
// reconnects after every close, queues outbound frames while the connection
// is not open and fans inbound frames out to listeners in registration order.
type Channel struct {
	dialer      types.Dialer
	backoff     Backoff
	maxAttempts int
	logger      zerolog.Logger

	mu         sync.Mutex // guards the connection, state, queue and writes
	conn       types.Conn
	state      types.ConnState
	queue      []types.Message
	reconnects int
	lastErr    string

	lmu       sync.RWMutex
	listeners []types.Listener
	onState   []func(types.ConnState)

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Info is a point-in-time view of the channel.
type Info struct {
	State       types.ConnState `json:"state"`
	QueueLength int             `json:"queue_length"`
	Listeners   int             `json:"listeners"`
	Reconnects  int             `json:"reconnects"`
	LastError   string          `json:"last_error,omitempty"`
}

// Option configures a Channel.
type Option func(*Channel)

// WithBackoff replaces the fixed reconnect delay.
func WithBackoff(b Backoff) Option {
	return func(c *Channel) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithMaxAttempts bounds consecutive failed connection attempts. Zero means
// retry forever.
func WithMaxAttempts(n int) Option {
	return func(c *Channel) { c.maxAttempts = n }
}

// New creates a channel that connects through dialer once started.
func New(dialer types.Dialer, logger zerolog.Logger, opts ...Option) *Channel {
	c := &Channel{
		dialer:  dialer,
		backoff: FixedBackoff{Delay: DefaultReconnectDelay},
		logger:  logger.With().Str("component", "realtime").Logger(),
		state:   types.StateClosed,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the connect loop. Calls after the first are no-ops.
func (c *Channel) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.run(ctx)
	})
}

// Close stops reconnecting and closes the current connection. Queued frames
// are kept.
func (c *Channel) Close() error {
	started := false
	c.startOnce.Do(func() { close(c.done) })
	if c.cancel != nil {
		started = true
		c.cancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if started {
		<-c.done
	}
	return err
}

// AddListener registers fn for every message received from now on.
func (c *Channel) AddListener(fn types.Listener) {
	if fn == nil {
		return
	}
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// AddActionListener registers fn for messages carrying the given action.
func (c *Channel) AddActionListener(action string, fn types.Listener) {
	if fn == nil {
		return
	}
	c.AddListener(func(msg types.Message) error {
		if msg.Action != action {
			return nil
		}
		return fn(msg)
	})
}

// OnStateChange registers a callback for connection state transitions.
func (c *Channel) OnStateChange(cb func(types.ConnState)) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.onState = append(c.onState, cb)
}

// Send writes msg immediately when the connection is open and queues it
// otherwise. It never blocks on reconnection and never reports transport
// errors.
func (c *Channel) Send(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == types.StateOpen && c.conn != nil && len(c.queue) == 0 {
		err := c.conn.WriteJSON(msg)
		if err == nil {
			obs.RealtimeSent.Inc()
			return
		}
		c.lastErr = err.Error()
		if errors.Is(err, types.ErrSendUnsupported) {
			c.logger.Debug().Str("action", msg.Action).Msg("connection is receive-only, queueing")
		} else {
			c.logger.Warn().Err(err).Str("action", msg.Action).Msg("write failed, queueing")
			c.state = types.StateDegraded
			_ = c.conn.Close()
		}
	}
	c.queue = append(c.queue, msg)
	obs.RealtimeQueued.Set(float64(len(c.queue)))
	c.logger.Debug().Str("action", msg.Action).Int("queued", len(c.queue)).Msg("message queued")
}

// State returns the current connection state.
func (c *Channel) State() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the channel.
func (c *Channel) Info() Info {
	c.mu.Lock()
	info := Info{
		State:       c.state,
		QueueLength: len(c.queue),
		Reconnects:  c.reconnects,
		LastError:   c.lastErr,
	}
	c.mu.Unlock()

	c.lmu.RLock()
	info.Listeners = len(c.listeners)
	c.lmu.RUnlock()
	return info
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	failures := 0
	for {
		c.setState(types.StateConnecting)
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.handleError(err)
			}
		} else {
			failures = 0
			if c.handleOpen(conn) {
				c.readLoop(ctx, conn)
			}
			_ = conn.Close()
		}
		c.handleClose()

		if ctx.Err() != nil {
			return
		}
		failures++
		if c.maxAttempts > 0 && failures >= c.maxAttempts {
			c.logger.Error().Int("attempts", failures).Msg("giving up reconnecting")
			return
		}

		delay := c.backoff.Next(failures)
		c.logger.Info().Dur("delay", delay).Int("attempt", failures).Msg("reconnect scheduled")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		obs.RealtimeReconnects.Inc()
	}
}

// handleOpen marks the connection open and drains the queue in FIFO order.
// It reports false if a queued write failed. A receive-only connection keeps
// the queue and stays open.
func (c *Channel) handleOpen(conn types.Conn) bool {
	c.mu.Lock()
	c.conn = conn
	c.state = types.StateOpen
	flushed := 0
	for len(c.queue) > 0 {
		msg := c.queue[0]
		if err := conn.WriteJSON(msg); err != nil {
			if errors.Is(err, types.ErrSendUnsupported) {
				c.lastErr = err.Error()
				obs.RealtimeQueued.Set(float64(len(c.queue)))
				c.mu.Unlock()
				c.logger.Info().Int("pending", len(c.queue)).Msg("connection open, receive only")
				c.notifyState(types.StateOpen)
				return true
			}
			c.state = types.StateDegraded
			c.lastErr = err.Error()
			obs.RealtimeQueued.Set(float64(len(c.queue)))
			c.mu.Unlock()
			c.logger.Warn().Err(err).Int("pending", len(c.queue)).Msg("flush failed")
			return false
		}
		c.queue[0] = types.Message{}
		c.queue = c.queue[1:]
		flushed++
		obs.RealtimeSent.Inc()
	}
	c.queue = nil
	obs.RealtimeQueued.Set(0)
	c.mu.Unlock()

	c.logger.Info().Int("flushed", flushed).Msg("connection open")
	c.notifyState(types.StateOpen)
	return true
}

func (c *Channel) handleError(err error) {
	c.mu.Lock()
	c.state = types.StateDegraded
	c.lastErr = err.Error()
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("transport error")
	c.notifyState(types.StateDegraded)
}

func (c *Channel) handleClose() {
	c.mu.Lock()
	c.conn = nil
	c.state = types.StateClosed
	c.mu.Unlock()

	c.logger.Info().Msg("connection closed")
	c.notifyState(types.StateClosed)
}

func (c *Channel) setState(s types.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Channel) readLoop(ctx context.Context, conn types.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg types.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if isMalformed(err) {
				obs.RealtimeMalformed.Inc()
				c.logger.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			if ctx.Err() == nil {
				c.handleError(err)
			}
			return
		}
		c.dispatch(msg)
	}
}

// dispatch invokes every listener in registration order. A failing listener
// does not stop the rest.
func (c *Channel) dispatch(msg types.Message) {
	c.lmu.RLock()
	listeners := make([]types.Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.lmu.RUnlock()

	obs.RealtimeReceived.WithLabelValues(msg.Action).Inc()
	c.logger.Debug().Str("action", msg.Action).Int("listeners", len(listeners)).Msg("message received")

	for i, fn := range listeners {
		if err := c.invoke(fn, msg); err != nil {
			obs.ListenerFailures.Inc()
			c.logger.Error().Err(err).Int("listener", i).Str("action", msg.Action).Msg("listener error")
		}
	}
}

func (c *Channel) invoke(fn types.Listener, msg types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ListenerPanic{Value: r}
		}
	}()
	return fn(msg)
}

func (c *Channel) notifyState(s types.ConnState) {
	c.lmu.RLock()
	cbs := make([]func(types.ConnState), len(c.onState))
	copy(cbs, c.onState)
	c.lmu.RUnlock()

	for _, cb := range cbs {
		cb(s)
	}
}

// ListenerPanic wraps a value recovered from a panicking listener.
type ListenerPanic struct {
	Value any
}

func (p *ListenerPanic) Error() string {
	return fmt.Sprintf("listener panicked: %v", p.Value)
}

func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.Is(err, types.ErrMissingAction) ||
		errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr)
}
