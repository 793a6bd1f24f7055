package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/workflow"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) (context.Context, *nats.Conn) {
	t.Helper()
	ctx := logger.ContextWithLogger(t.Context(), logger.NewForTests())
	srv, err := NewServer(ctx, DefaultServerOptions())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	conn, err := Connect(ctx, srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return ctx, conn
}

func Test_Protocol(t *testing.T) {
	t.Run("Should round trip a payload through the envelope", func(t *testing.T) {
		msg, err := NewMessage(TypeActionRequest, map[string]string{"key": "value"})
		require.NoError(t, err)
		var out map[string]string
		require.NoError(t, msg.UnmarshalPayload(&out))
		assert.Equal(t, "value", out["key"])
	})

	t.Run("Should reject unmarshalable payloads", func(t *testing.T) {
		_, err := NewMessage(TypeActionRequest, make(chan int))
		assert.ErrorContains(t, err, "failed to marshal payload")
	})

	t.Run("Should map action ids onto a single subject token", func(t *testing.T) {
		assert.Equal(t, "engine.actions.restart", GenActionSubject("engine.actions", "restart"))
		assert.Equal(t, "engine.actions.a_b_c_", GenActionSubject("engine.actions", "a.b c>"))
		assert.Equal(t, "engine.actions._", GenActionSubject("engine.actions", ""))
		assert.Equal(t, "engine.actions.>", GenActionWildcard("engine.actions"))
	})
}

func TestServer(t *testing.T) {
	t.Run("Should start and shut down", func(t *testing.T) {
		ctx := logger.ContextWithLogger(t.Context(), logger.NewForTests())
		srv, err := NewServer(ctx, DefaultServerOptions())
		require.NoError(t, err)
		assert.True(t, srv.IsRunning())
		srv.Shutdown()
		assert.False(t, srv.IsRunning())
	})
}

func TestInvoker_RunAction(t *testing.T) {
	t.Run("Should return the worker result", func(t *testing.T) {
		ctx, conn := newTestConn(t)
		_, err := Serve(ctx, conn, "engine.actions", "workers",
			func(_ context.Context, inv task.Invocation) (json.RawMessage, error) {
				return json.RawMessage(`{"restarted":"` + inv.Args["o"] + `"}`), nil
			})
		require.NoError(t, err)
		require.NoError(t, conn.Flush())
		inv := NewInvoker(conn, "engine.actions", time.Second)
		got, err := inv.RunAction(ctx, task.Invocation{ActionID: "restart", TaskID: 7, Args: map[string]string{"o": "web1"}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"restarted":"web1"}`, string(got))
	})

	t.Run("Should surface worker errors as plain messages", func(t *testing.T) {
		ctx, conn := newTestConn(t)
		_, err := Serve(ctx, conn, "engine.actions", "workers",
			func(_ context.Context, _ task.Invocation) (json.RawMessage, error) {
				return nil, errors.New("disk full")
			})
		require.NoError(t, err)
		require.NoError(t, conn.Flush())
		inv := NewInvoker(conn, "engine.actions", time.Second)
		_, err = inv.RunAction(ctx, task.Invocation{ActionID: "backup"})
		assert.EqualError(t, err, "disk full")
	})

	t.Run("Should report missing workers", func(t *testing.T) {
		ctx, conn := newTestConn(t)
		inv := NewInvoker(conn, "engine.actions", time.Second)
		_, err := inv.RunAction(ctx, task.Invocation{ActionID: "nobody"})
		assert.ErrorIs(t, err, ErrNoWorker)
	})

	t.Run("Should time out slow workers", func(t *testing.T) {
		ctx, conn := newTestConn(t)
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		_, err := Serve(ctx, conn, "engine.actions", "workers",
			func(_ context.Context, _ task.Invocation) (json.RawMessage, error) {
				<-release
				return nil, nil
			})
		require.NoError(t, err)
		require.NoError(t, conn.Flush())
		inv := NewInvoker(conn, "engine.actions", 100*time.Millisecond)
		_, err = inv.RunAction(ctx, task.Invocation{ActionID: "slow"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Should reject unknown reply types", func(t *testing.T) {
		_, err := decodeReply([]byte(`{"type":"Other","payload":{}}`))
		assert.ErrorContains(t, err, "unexpected response type")
	})
}

func TestMessenger_Send(t *testing.T) {
	t.Run("Should publish the notification envelope", func(t *testing.T) {
		ctx, conn := newTestConn(t)
		sub, err := conn.SubscribeSync("engine.messages")
		require.NoError(t, err)
		m := NewMessenger(conn, "engine.messages", 2)
		require.NoError(t, m.Send(ctx, workflow.Message{Text: "done", TaskID: 7, Action: "EXECUTE"}))
		got, err := sub.NextMsg(time.Second)
		require.NoError(t, err)
		var env Message
		require.NoError(t, json.Unmarshal(got.Data, &env))
		assert.Equal(t, TypeNotification, env.Type)
		var msg workflow.Message
		require.NoError(t, env.UnmarshalPayload(&msg))
		assert.Equal(t, "done", msg.Text)
		assert.Equal(t, int64(7), msg.TaskID)
	})

	t.Run("Should fail without retrying on a closed connection", func(t *testing.T) {
		ctx, conn := newTestConn(t)
		conn.Close()
		m := NewMessenger(conn, "engine.messages", 5)
		err := m.Send(ctx, workflow.Message{Text: "x"})
		assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	})
}
