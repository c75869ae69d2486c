package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pdrop/internal/transport"
)

type closeLog struct {
	mu    sync.Mutex
	order []string
}

func (l *closeLog) add(s string) {
	l.mu.Lock()
	l.order = append(l.order, s)
	l.mu.Unlock()
}

type fakeConn struct {
	transport.Conn
	name string
	log  *closeLog
}

func (c *fakeConn) Close() error {
	c.log.add("conn:" + c.name)
	return nil
}

type fakeChannel struct {
	transport.Channel
	name string
	log  *closeLog
}

func (c *fakeChannel) Close() error {
	c.log.add("channel:" + c.name)
	return nil
}

func (c *fakeChannel) Send(context.Context, []byte) error { return nil }
func (c *fakeChannel) OnMessage(func(webrtc.DataChannelMessage)) {}

func TestGetOrCreateReusesEntry(t *testing.T) {
	r := New()
	a, created := r.GetOrCreate("bob007", RoleOfferer)
	require.True(t, created)
	b, created := r.GetOrCreate("bob007", RoleAnswerer)
	assert.False(t, created)
	assert.Same(t, a, b)
	assert.Equal(t, RoleOfferer, b.Role())
	assert.Equal(t, StateNew, b.State())
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("bob007")
	assert.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("carol1")
	assert.False(t, ok)
}

func TestCloseAllClosesChannelBeforeConn(t *testing.T) {
	log := &closeLog{}
	r := New()
	pc, _ := r.GetOrCreate("bob007", RoleOfferer)
	require.NoError(t, pc.Reset(RoleOfferer, &fakeConn{name: "b", log: log}))
	assert.True(t, pc.SetChannel(&fakeChannel{name: "b", log: log}))

	require.NoError(t, r.CloseAll())
	assert.Equal(t, []string{"channel:b", "conn:b"}, log.order)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateClosed, pc.State())
}

func TestCloseAllIsolatesPeers(t *testing.T) {
	log := &closeLog{}
	r := New()
	for _, id := range []string{"a", "b", "c"} {
		pc, _ := r.GetOrCreate(id, RoleAnswerer)
		require.NoError(t, pc.Reset(RoleAnswerer, &fakeConn{name: id, log: log}))
		pc.SetChannel(&fakeChannel{name: id, log: log})
	}
	require.NoError(t, r.CloseAll())

	assert.Len(t, log.order, 6)
	for _, id := range []string{"a", "b", "c"} {
		ci := indexOf(log.order, "channel:"+id)
		co := indexOf(log.order, "conn:"+id)
		assert.GreaterOrEqual(t, ci, 0)
		assert.Less(t, ci, co)
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestResetClosesPrevious(t *testing.T) {
	log := &closeLog{}
	r := New()
	pc, _ := r.GetOrCreate("bob007", RoleOfferer)
	require.NoError(t, pc.Reset(RoleOfferer, &fakeConn{name: "1", log: log}))
	pc.SetChannel(&fakeChannel{name: "1", log: log})

	require.NoError(t, pc.Reset(RoleAnswerer, &fakeConn{name: "2", log: log}))
	assert.Equal(t, []string{"channel:1", "conn:1"}, log.order)
	assert.Equal(t, RoleAnswerer, pc.Role())
	assert.Equal(t, StateConnecting, pc.State())
	assert.Nil(t, pc.Channel())
}

func TestSetChannelKeepsFirst(t *testing.T) {
	log := &closeLog{}
	pc := &PeerConnection{PeerID: "x"}
	first := &fakeChannel{name: "1", log: log}
	assert.True(t, pc.SetChannel(first))
	assert.False(t, pc.SetChannel(&fakeChannel{name: "2", log: log}))
	assert.Same(t, first, pc.Channel())
}

func TestRemoveOnlyMatchingEntry(t *testing.T) {
	r := New()
	pc, _ := r.GetOrCreate("bob007", RoleOfferer)
	stale := &PeerConnection{PeerID: "bob007"}

	require.NoError(t, r.Remove("bob007", stale))
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.Remove("bob007", pc))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Peers())
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "offerer", RoleOfferer.String())
	assert.Equal(t, "answerer", RoleAnswerer.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "State(42)", State(42).String())
}
