package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orchestra-mcp/madonna/src/realtime"
	"github.com/orchestra-mcp/madonna/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mu       sync.Mutex
	written  []types.Message
	readCh   chan []byte
	closedCh chan struct{}
	once     sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{readCh: make(chan []byte, 8), closedCh: make(chan struct{})}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, v.(types.Message))
	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	select {
	case data := <-m.readCh:
		return json.Unmarshal(data, v)
	case <-m.closedCh:
		return errors.New("connection closed")
	}
}

func (m *mockConn) Close() error {
	m.once.Do(func() { close(m.closedCh) })
	return nil
}

func (m *mockConn) getWritten() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Message(nil), m.written...)
}

// newTestService returns a service whose channel dials conns in order.
func newTestService(t *testing.T, conns ...*mockConn) *Service {
	t.Helper()
	var next atomic.Int32
	dialer := types.DialerFunc(func(ctx context.Context) (types.Conn, error) {
		i := int(next.Add(1)) - 1
		if i < len(conns) {
			return conns[i], nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := realtime.New(dialer, zerolog.Nop(), realtime.WithBackoff(realtime.FixedBackoff{Delay: 10 * time.Millisecond}))
	t.Cleanup(func() { _ = c.Close() })
	return New(c, zerolog.Nop())
}

func TestServicePublish(t *testing.T) {
	conn := newMockConn()
	svc := newTestService(t, conn)

	require.NoError(t, svc.Publish("pulse_requested", map[string]any{"target_id": "t1"}))
	require.NoError(t, svc.Publish("note", "hello"))
	assert.ErrorIs(t, svc.Publish("", nil), types.ErrMissingAction)
	assert.Equal(t, 2, svc.Info().QueueLength)

	svc.Channel().Start(context.Background())
	require.Eventually(t, func() bool { return len(conn.getWritten()) == 2 }, time.Second, 5*time.Millisecond)

	written := conn.getWritten()
	assert.Equal(t, "pulse_requested", written[0].Action)
	assert.Equal(t, "t1", written[0].String("target_id"))
	assert.Equal(t, "hello", written[1].String("value"))
}

func TestServiceSubscribeTeam(t *testing.T) {
	conn := newMockConn()
	svc := newTestService(t, conn)
	svc.Channel().Start(context.Background())

	require.NoError(t, svc.SubscribeTeam("B"))
	require.Eventually(t, func() bool { return len(conn.getWritten()) == 1 }, time.Second, 5*time.Millisecond)

	msg := conn.getWritten()[0]
	assert.Equal(t, types.ActionSubscribe, msg.Action)
	ev, err := types.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, types.Subscribe{TeamID: "B"}, ev)
}

func TestServiceHandlerAndConnectionCallbacks(t *testing.T) {
	first, second := newMockConn(), newMockConn()
	svc := newTestService(t, first, second)

	var connects, disconnects atomic.Int32
	svc.OnConnection(func() { connects.Add(1) })
	svc.OnDisconnection(func() { disconnects.Add(1) })

	var mu sync.Mutex
	var tables []string
	svc.RegisterHandler(types.ActionRefreshTable, func(msg types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		tables = append(tables, msg.String("table"))
		return nil
	})

	svc.Channel().Start(context.Background())
	require.Eventually(t, func() bool { return connects.Load() == 1 }, time.Second, 5*time.Millisecond)

	first.readCh <- []byte(`{"action":"pong"}`)
	first.readCh <- []byte(`{"action":"refresh_table","table":"targets"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tables) == 1
	}, time.Second, 5*time.Millisecond)

	_ = first.Close()
	require.Eventually(t, func() bool { return connects.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())

	mu.Lock()
	assert.Equal(t, []string{"targets"}, tables)
	mu.Unlock()
}

func TestServiceSendValidatesAction(t *testing.T) {
	svc := newTestService(t)
	assert.ErrorIs(t, svc.Send(types.Message{}), types.ErrMissingAction)
	require.NoError(t, svc.Send(types.NewMessage("ping", nil)))
	assert.Equal(t, 1, svc.Info().QueueLength)
}
