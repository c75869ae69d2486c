package signaling

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBusChannelNames(t *testing.T) {
	bus := NewRedisBus(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), DefaultRedisPrefix)
	defer bus.Close()

	assert.Equal(t, "p2pdrop:webrtc-signaling-alice1", bus.Channel(DeviceTopic("alice1")))
	assert.Equal(t, "p2pdrop:device-discovery", bus.Channel(DiscoveryTopic))
}

func TestRedisBusClosed(t *testing.T) {
	bus := NewRedisBus(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "x:")
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), "t", Message{}), ErrClosed)
	_, err := bus.Subscribe("t", func(Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

// dialTestRedis connects to the server named by P2PDROP_REDIS_ADDR under a
// prefix unique to the test.
func dialTestRedis(t *testing.T) *RedisBus {
	t.Helper()
	addr := os.Getenv("P2PDROP_REDIS_ADDR")
	if addr == "" {
		t.Skip("P2PDROP_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("P2PDROP_REDIS_PASSWORD")})
	require.NoError(t, client.Ping(ctx).Err())

	bus := NewRedisBus(client, "p2pdrop-test-"+uuid.NewString()+":")
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBusRoundTrip(t *testing.T) {
	bus := dialTestRedis(t)

	got := make(chan Message, 16)
	sub, err := bus.Subscribe(DeviceTopic("bob007"), func(m Message) { got <- m })
	require.NoError(t, err)

	ctx := context.Background()
	for _, sdp := range []string{"one", "two", "three"} {
		require.NoError(t, bus.Publish(ctx, DeviceTopic("bob007"), Message{Type: MsgTypeOffer, SenderID: "alice1", TargetID: "bob007", SDP: sdp}))
	}
	require.NoError(t, bus.Publish(ctx, DeviceTopic("carol9"), Message{Type: MsgTypeOffer, SenderID: "alice1", TargetID: "carol9", SDP: "other"}))

	for _, want := range []string{"one", "two", "three"} {
		select {
		case m := <-got:
			assert.Equal(t, MsgTypeOffer, m.Type)
			assert.Equal(t, "alice1", m.SenderID)
			assert.Equal(t, want, m.SDP)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q not delivered", want)
		}
	}

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(ctx, DeviceTopic("bob007"), Message{Type: MsgTypeOffer, SenderID: "alice1", TargetID: "bob007", SDP: "late"}))
	select {
	case m := <-got:
		t.Fatalf("delivered after unsubscribe: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBusDrivesChannel(t *testing.T) {
	bus := dialTestRedis(t)
	alice := NewChannel(bus, "alice1")
	bob := NewChannel(bus, "bob007")

	got := make(chan Message, 1)
	_, err := bob.OnDirect(func(m Message) { got <- m })
	require.NoError(t, err)

	require.NoError(t, alice.SendAnswer(context.Background(), "bob007", "v=0"))
	select {
	case m := <-got:
		assert.Equal(t, MsgTypeAnswer, m.Type)
		assert.Equal(t, "v=0", m.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("answer not delivered")
	}
}
