package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func signedEnvelope(t *testing.T, cmd Command, data any) *Envelope {
	t.Helper()
	env, err := NewSigner([]byte("test-secret"), time.Minute).NewEnvelope(cmd, data)
	require.NoError(t, err)
	return env
}

func TestMemoryBroadcasterFanOut(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroadcaster(zaptest.NewLogger(t))
	defer b.Close()

	ch1, cancel1, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel2()

	env := signedEnvelope(t, CommandControl, map[string]string{"action": "report_status"})
	require.NoError(t, b.Publish(ctx, env))

	for _, ch := range []<-chan *Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, env.ID, got.ID)
			assert.Equal(t, CommandControl, got.Command)
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestMemoryBroadcasterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroadcaster(zaptest.NewLogger(t))
	defer b.Close()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	// 取消后 channel 关闭
	_, open := <-ch
	assert.False(t, open)

	// 向无人订阅的广播器发布不报错
	require.NoError(t, b.Publish(ctx, signedEnvelope(t, CommandControl, nil)))
}

func TestMemoryBroadcasterRejectsInvalidEnvelope(t *testing.T) {
	b := NewMemoryBroadcaster(zaptest.NewLogger(t))
	defer b.Close()

	err := b.Publish(context.Background(), &Envelope{Version: 99, ID: "x", Command: CommandControl})
	assert.Error(t, err)
}

func TestRedisBroadcasterFanOut(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := NewRedisBroadcaster(client, "taskmesh:broadcast", zaptest.NewLogger(t))
	defer b.Close()

	ch1, cancel1, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel2()

	env := signedEnvelope(t, CommandUpdateSystem, map[string]string{"version": "1.3.0"})
	require.NoError(t, b.Publish(ctx, env))

	for _, ch := range []<-chan *Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, env.ID, got.ID)
			assert.Equal(t, CommandUpdateSystem, got.Command)
			assert.JSONEq(t, `{"version":"1.3.0"}`, string(got.Data))
			// 信封经由网络仍可验证
			require.NoError(t, NewSigner([]byte("test-secret"), time.Minute).Verify(got))
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestRedisBroadcasterCancelClosesChannel(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := NewRedisBroadcaster(client, "taskmesh:broadcast", zaptest.NewLogger(t))
	defer b.Close()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestEnvelopeJSONRoundTripThroughWire(t *testing.T) {
	env := signedEnvelope(t, CommandUpdateAck, map[string]any{"node_id": "node-7", "version": "1.3.0"})

	wire, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(wire, &decoded))
	require.NoError(t, decoded.Validate())
	assert.Equal(t, env.AuthToken, decoded.AuthToken)
}
