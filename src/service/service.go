package service

import (
	"fmt"
	"sync/atomic"

	"github.com/orchestra-mcp/madonna/src/realtime"
	"github.com/orchestra-mcp/madonna/src/types"
	"github.com/rs/zerolog"
)

// Service provides the high-level realtime API used by consumers of the
// channel: named handlers, publishing and team subscriptions.
type Service struct {
	channel *realtime.Channel
	logger  zerolog.Logger
}

// New creates a service backed by the given channel.
func New(c *realtime.Channel, logger zerolog.Logger) *Service {
	return &Service{channel: c, logger: logger}
}

// Channel returns the underlying channel.
func (s *Service) Channel() *realtime.Channel { return s.channel }

// RegisterHandler registers a handler for one action.
func (s *Service) RegisterHandler(action string, handler types.Listener) {
	s.channel.AddActionListener(action, handler)
	s.logger.Debug().Str("action", action).Msg("handler registered")
}

// Publish sends a frame for action. Non-map data is carried as "value".
func (s *Service) Publish(action string, data any) error {
	if action == "" {
		return types.ErrMissingAction
	}
	dataMap, ok := data.(map[string]any)
	if !ok && data != nil {
		dataMap = map[string]any{"value": data}
	}
	s.channel.Send(types.NewMessage(action, dataMap))
	return nil
}

// Send queues an already built frame.
func (s *Service) Send(msg types.Message) error {
	if msg.Action == "" {
		return types.ErrMissingAction
	}
	s.channel.Send(msg)
	return nil
}

// SubscribeTeam asks the server to push events for a team.
func (s *Service) SubscribeTeam(teamID string) error {
	msg, err := types.Encode(types.Subscribe{TeamID: teamID})
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	s.channel.Send(msg)
	s.logger.Info().Str("team_id", teamID).Msg("subscribed to team events")
	return nil
}

// OnConnection registers a callback for every time the connection opens.
func (s *Service) OnConnection(cb func()) {
	s.channel.OnStateChange(func(st types.ConnState) {
		if st == types.StateOpen {
			cb()
		}
	})
}

// OnDisconnection registers a callback for every time an open connection
// is lost.
func (s *Service) OnDisconnection(cb func()) {
	var wasOpen atomic.Bool
	s.channel.OnStateChange(func(st types.ConnState) {
		switch st {
		case types.StateOpen:
			wasOpen.Store(true)
		case types.StateDegraded, types.StateClosed:
			if wasOpen.CompareAndSwap(true, false) {
				cb()
			}
		}
	})
}

// Info returns the channel state.
func (s *Service) Info() realtime.Info {
	return s.channel.Info()
}
