package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pdrop/internal/config"
	"github.com/1ureka/p2pdrop/internal/signaling"
)

func newTestRelay(t *testing.T, secret string) (*httptest.Server, *Hub) {
	t.Helper()
	return newTestRelayWithConfig(t, &config.RelayConfig{
		Environment:    "test",
		AllowedOrigins: []string{"http://allowed.example"},
		JWTSecret:      secret,
	})
}

func newTestRelayWithConfig(t *testing.T, cfg *config.RelayConfig) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	srv := httptest.NewServer(NewRouter(cfg, hub))
	t.Cleanup(srv.Close)
	return srv, hub
}

func requestToken(t *testing.T, srv *httptest.Server, deviceID string, header http.Header) (int, tokenResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/token", bytes.NewBufferString(`{"deviceId":"`+deviceID+`"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body tokenResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp.StatusCode, body
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) signaling.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f signaling.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHealth(t *testing.T) {
	srv, _ := newTestRelay(t, "")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelayFansOutToSubscribers(t *testing.T) {
	srv, hub := newTestRelay(t, "")
	sub1 := dial(t, wsURL(srv), nil)
	sub2 := dial(t, wsURL(srv), nil)
	pub := dial(t, wsURL(srv), nil)

	require.NoError(t, sub1.WriteJSON(signaling.Frame{Op: signaling.OpSubscribe, Topic: "device-discovery"}))
	require.NoError(t, sub2.WriteJSON(signaling.Frame{Op: signaling.OpSubscribe, Topic: "device-discovery"}))
	require.Eventually(t, func() bool { return hub.Subscribers("device-discovery") == 2 }, 2*time.Second, 10*time.Millisecond)

	payload := json.RawMessage(`{"type":"device-discovery-request","requesterId":"alice1"}`)
	require.NoError(t, pub.WriteJSON(signaling.Frame{Op: signaling.OpPublish, Topic: "device-discovery", Message: payload}))

	for _, conn := range []*websocket.Conn{sub1, sub2} {
		f := readFrame(t, conn)
		assert.Equal(t, signaling.OpMessage, f.Op)
		assert.Equal(t, "device-discovery", f.Topic)
		assert.JSONEq(t, string(payload), string(f.Message))
	}
}

func TestRelayUnsubscribe(t *testing.T) {
	srv, hub := newTestRelay(t, "")
	conn := dial(t, wsURL(srv), nil)

	require.NoError(t, conn.WriteJSON(signaling.Frame{Op: signaling.OpSubscribe, Topic: "t"}))
	require.Eventually(t, func() bool { return hub.Subscribers("t") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(signaling.Frame{Op: signaling.OpUnsubscribe, Topic: "t"}))
	require.Eventually(t, func() bool { return hub.Subscribers("t") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayRejectsBadFrames(t *testing.T) {
	srv, _ := newTestRelay(t, "")
	conn := dial(t, wsURL(srv), nil)

	require.NoError(t, conn.WriteJSON(signaling.Frame{Op: signaling.OpPublish, Topic: "t"}))
	assert.Equal(t, signaling.OpError, readFrame(t, conn).Op)

	require.NoError(t, conn.WriteJSON(signaling.Frame{Op: "bogus"}))
	assert.Equal(t, signaling.OpError, readFrame(t, conn).Op)
}

func TestRelayClientDisconnectCleansUp(t *testing.T) {
	srv, hub := newTestRelay(t, "")
	conn := dial(t, wsURL(srv), nil)

	require.NoError(t, conn.WriteJSON(signaling.Frame{Op: signaling.OpSubscribe, Topic: "t"}))
	require.Eventually(t, func() bool { return hub.Subscribers("t") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("t") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayRequiresTokenWhenSecretSet(t *testing.T) {
	srv, _ := newTestRelay(t, "s3cret")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := IssueToken("s3cret", "alice1", time.Minute)
	require.NoError(t, err)
	dial(t, wsURL(srv)+"?token="+token, nil)
}

func TestRelayRestrictsDeviceTopicsToOwner(t *testing.T) {
	srv, hub := newTestRelay(t, "s3cret")
	token, err := IssueToken("s3cret", "alice1", time.Minute)
	require.NoError(t, err)
	conn := dial(t, wsURL(srv), http.Header{"Authorization": []string{"Bearer " + token}})

	require.NoError(t, conn.WriteJSON(signaling.Frame{Op: signaling.OpSubscribe, Topic: signaling.DeviceTopic("bob007")}))
	f := readFrame(t, conn)
	assert.Equal(t, signaling.OpError, f.Op)

	require.NoError(t, conn.WriteJSON(signaling.Frame{Op: signaling.OpSubscribe, Topic: signaling.DeviceTopic("alice1")}))
	require.NoError(t, conn.WriteJSON(signaling.Frame{Op: signaling.OpSubscribe, Topic: signaling.DiscoveryTopic}))
	require.Eventually(t, func() bool {
		return hub.Subscribers(signaling.DeviceTopic("alice1")) == 1 && hub.Subscribers(signaling.DiscoveryTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTokenEndpoint(t *testing.T) {
	srv, _ := newTestRelay(t, "s3cret")

	resp, err := http.Post(srv.URL+"/api/token", "application/json", bytes.NewBufferString(`{"deviceId":"alice1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	claims, err := ParseToken("s3cret", body.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice1", claims.DeviceID)

	bad, err := http.Post(srv.URL+"/api/token", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestParseTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := IssueToken("one", "alice1", time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("two", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueToken("one", "alice1", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("one", expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOriginFilter(t *testing.T) {
	srv, _ := newTestRelay(t, "")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("Origin", "http://allowed.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://allowed.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestTokenEndpointBindsDeviceToFirstClient(t *testing.T) {
	srv, _ := newTestRelay(t, "s3cret")

	status, first := requestToken(t, srv, "alice1", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = requestToken(t, srv, "alice1", nil)
	assert.Equal(t, http.StatusConflict, status)

	other, err := IssueToken("s3cret", "bob007", time.Minute)
	require.NoError(t, err)
	status, _ = requestToken(t, srv, "alice1", http.Header{"Authorization": []string{"Bearer " + other}})
	assert.Equal(t, http.StatusConflict, status)

	status, renewed := requestToken(t, srv, "alice1", http.Header{"Authorization": []string{"Bearer " + first.Token}})
	require.Equal(t, http.StatusOK, status)
	claims, err := ParseToken("s3cret", renewed.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice1", claims.DeviceID)
}

func TestTokenEndpointRequiresRegistrationKey(t *testing.T) {
	srv, _ := newTestRelayWithConfig(t, &config.RelayConfig{
		Environment:     "test",
		JWTSecret:       "s3cret",
		RegistrationKey: "letmein",
	})

	status, _ := requestToken(t, srv, "alice1", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = requestToken(t, srv, "alice1", http.Header{"X-Registration-Key": []string{"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := requestToken(t, srv, "alice1", http.Header{"X-Registration-Key": []string{"letmein"}})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body.Token)
}

func TestRelayRejectsSpoofedSender(t *testing.T) {
	srv, hub := newTestRelay(t, "s3cret")
	bobToken, err := IssueToken("s3cret", "bob007", time.Minute)
	require.NoError(t, err)
	malloryToken, err := IssueToken("s3cret", "mallory", time.Minute)
	require.NoError(t, err)

	bob := dial(t, wsURL(srv), http.Header{"Authorization": []string{"Bearer " + bobToken}})
	mallory := dial(t, wsURL(srv), http.Header{"Authorization": []string{"Bearer " + malloryToken}})

	topic := signaling.DeviceTopic("bob007")
	require.NoError(t, bob.WriteJSON(signaling.Frame{Op: signaling.OpSubscribe, Topic: topic}))
	require.Eventually(t, func() bool { return hub.Subscribers(topic) == 1 }, 2*time.Second, 10*time.Millisecond)

	spoofed := json.RawMessage(`{"type":"offer","senderId":"alice1","targetId":"bob007","sdp":"v=0"}`)
	require.NoError(t, mallory.WriteJSON(signaling.Frame{Op: signaling.OpPublish, Topic: topic, Message: spoofed}))
	f := readFrame(t, mallory)
	assert.Equal(t, signaling.OpError, f.Op)

	genuine := json.RawMessage(`{"type":"offer","senderId":"mallory","targetId":"bob007","sdp":"v=0"}`)
	require.NoError(t, mallory.WriteJSON(signaling.Frame{Op: signaling.OpPublish, Topic: topic, Message: genuine}))
	f = readFrame(t, bob)
	assert.Equal(t, signaling.OpMessage, f.Op)
	assert.JSONEq(t, string(genuine), string(f.Message))
}
