package signaling_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pdrop/internal/config"
	"github.com/1ureka/p2pdrop/internal/relay"
	"github.com/1ureka/p2pdrop/internal/signaling"
)

func startRelay(t *testing.T) (string, *relay.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := relay.NewHub()
	srv := httptest.NewServer(relay.NewRouter(&config.RelayConfig{Environment: "test"}, hub))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", hub
}

func TestWSBusRoundTrip(t *testing.T) {
	url, hub := startRelay(t)
	ctx := context.Background()

	alice, err := signaling.DialWS(ctx, url, "")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := signaling.DialWS(ctx, url, "")
	require.NoError(t, err)
	defer bob.Close()

	got := make(chan signaling.Message, 4)
	bobChan := signaling.NewChannel(bob, "bob007")
	sub, err := bobChan.OnDirect(func(m signaling.Message) { got <- m })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	topic := signaling.DeviceTopic("bob007")
	require.Eventually(t, func() bool { return hub.Subscribers(topic) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, signaling.NewChannel(alice, "alice1").SendOffer(ctx, "bob007", "v=0"))

	select {
	case m := <-got:
		assert.Equal(t, signaling.MsgTypeOffer, m.Type)
		assert.Equal(t, "alice1", m.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("offer not delivered through relay")
	}
}

func TestWSBusSharesOneRelaySubscriptionPerTopic(t *testing.T) {
	url, hub := startRelay(t)

	bus, err := signaling.DialWS(context.Background(), url, "")
	require.NoError(t, err)
	defer bus.Close()

	s1, err := bus.Subscribe("t", func(signaling.Message) {})
	require.NoError(t, err)
	s2, err := bus.Subscribe("t", func(signaling.Message) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers("t") == 1 }, 2*time.Second, 10*time.Millisecond)

	s1.Unsubscribe()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.Subscribers("t"))

	s2.Unsubscribe()
	require.Eventually(t, func() bool { return hub.Subscribers("t") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSBusClosed(t *testing.T) {
	url, _ := startRelay(t)

	bus, err := signaling.DialWS(context.Background(), url, "")
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), "t", signaling.Message{}), signaling.ErrClosed)
	_, err = bus.Subscribe("t", func(signaling.Message) {})
	assert.ErrorIs(t, err, signaling.ErrClosed)
}

func TestDialWSFailsWithoutRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := signaling.DialWS(ctx, "ws://127.0.0.1:1/ws", "")
	assert.Error(t, err)
}
