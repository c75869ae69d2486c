package memnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pdrop/internal/transport"
)

func waitReady(t *testing.T, ch transport.Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, transport.WaitOpen(ctx, ch))
}

func TestHandshakeOpensChannels(t *testing.T) {
	n := New()
	offerer, err := n.NewConn()
	require.NoError(t, err)
	answerer, err := n.NewConn()
	require.NoError(t, err)

	remote := make(chan transport.Channel, 1)
	answerer.OnChannel(func(ch transport.Channel) { remote <- ch })

	local, err := offerer.CreateChannel("file-transfer-1")
	require.NoError(t, err)
	assert.False(t, transport.IsOpen(local))

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))
	require.NoError(t, answerer.SetRemoteDescription(offer))

	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))

	var rch transport.Channel
	select {
	case rch = <-remote:
	case <-time.After(2 * time.Second):
		t.Fatal("remote channel not announced")
	}
	assert.Equal(t, "file-transfer-1", rch.Label())

	waitReady(t, local)
	waitReady(t, rch)
	assert.True(t, transport.IsOpen(local))
}

func TestCreateAnswerWithoutOffer(t *testing.T) {
	c, err := New().NewConn()
	require.NoError(t, err)
	_, err = c.CreateAnswer()
	assert.ErrorIs(t, err, ErrUnexpectedState)
}

func TestAddCandidateBeforeRemoteDescription(t *testing.T) {
	n := New()
	a, _ := n.NewConn()
	b, _ := n.NewConn()

	cand := webrtc.ICECandidateInit{Candidate: "candidate:x"}
	assert.ErrorIs(t, b.AddICECandidate(cand), ErrNoRemote)

	offer, _ := a.CreateOffer()
	require.NoError(t, b.SetRemoteDescription(offer))
	require.NoError(t, b.AddICECandidate(cand))
	assert.Len(t, b.(*Conn).Candidates(), 1)
}

func TestLocalDescriptionEmitsCandidate(t *testing.T) {
	c, _ := New().NewConn()
	got := make(chan webrtc.ICECandidateInit, 1)
	c.OnICECandidate(func(cand webrtc.ICECandidateInit) { got <- cand })

	offer, _ := c.CreateOffer()
	require.NoError(t, c.SetLocalDescription(offer))

	select {
	case cand := <-got:
		assert.Contains(t, cand.Candidate, "memnet")
	case <-time.After(time.Second):
		t.Fatal("no candidate emitted")
	}
}

func TestBadDescription(t *testing.T) {
	c, _ := New().NewConn()
	err := c.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	assert.ErrorIs(t, err, ErrBadDescription)
}

func TestPipeOrderedDelivery(t *testing.T) {
	a, b := Pipe("p")

	const total = 500
	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	b.OnMessage(func(msg webrtc.DataChannelMessage) {
		mu.Lock()
		got = append(got, msg.Data[0])
		n := len(got)
		mu.Unlock()
		if n == total {
			close(done)
		}
	})

	ctx := context.Background()
	for i := 0; i < total; i++ {
		require.NoError(t, a.Send(ctx, []byte{byte(i)}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}
	for i := 0; i < total; i++ {
		assert.Equal(t, byte(i), got[i])
	}
	text, binary := a.Sent()
	assert.Equal(t, 0, text)
	assert.Equal(t, total, binary)
}

func TestPipeTextFlag(t *testing.T) {
	a, b := Pipe("p")
	got := make(chan webrtc.DataChannelMessage, 2)
	b.OnMessage(func(msg webrtc.DataChannelMessage) { got <- msg })

	ctx := context.Background()
	require.NoError(t, a.SendText(ctx, "hello"))
	require.NoError(t, a.Send(ctx, []byte{1, 2}))

	first := <-got
	assert.True(t, first.IsString)
	assert.Equal(t, "hello", string(first.Data))
	second := <-got
	assert.False(t, second.IsString)
}

func TestSendBlocksWhenInboxFull(t *testing.T) {
	a, _ := Pipe("p")
	ctx := context.Background()
	for i := 0; i < inboxSize; i++ {
		require.NoError(t, a.Send(ctx, []byte{0}))
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Send(short, []byte{0}), context.DeadlineExceeded)
}

func TestCloseReachesPeer(t *testing.T) {
	a, b := Pipe("p")
	require.NoError(t, a.Close())

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("peer not closed")
	}
	assert.ErrorIs(t, b.Send(context.Background(), []byte{1}), transport.ErrChannelClosed)
	assert.False(t, transport.IsOpen(b))
}

func TestConnCloseClosesChannels(t *testing.T) {
	n := New()
	a, _ := n.NewConn()
	ch, err := a.CreateChannel("x")
	require.NoError(t, err)
	assert.Equal(t, 1, n.Active())

	require.NoError(t, a.Close())
	<-ch.Done()
	assert.Equal(t, 0, n.Active())
	assert.Equal(t, 1, n.Created())

	_, err = a.CreateOffer()
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestBlockedNetworkNeverOpens(t *testing.T) {
	n := New()
	n.Block()
	a, _ := n.NewConn()
	b, _ := n.NewConn()

	ch, _ := a.CreateChannel("x")
	offer, _ := a.CreateOffer()
	require.NoError(t, a.SetLocalDescription(offer))
	require.NoError(t, b.SetRemoteDescription(offer))
	answer, _ := b.CreateAnswer()
	require.NoError(t, b.SetLocalDescription(answer))
	require.NoError(t, a.SetRemoteDescription(answer))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, transport.WaitOpen(ctx, ch), context.DeadlineExceeded)
}

func TestCloseDeliversQueuedMessages(t *testing.T) {
	a, b := Pipe("p")
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(context.Background(), []byte{byte(i)}))
	}
	require.NoError(t, a.Close())

	var mu sync.Mutex
	var got []byte
	b.OnMessage(func(msg webrtc.DataChannelMessage) {
		mu.Lock()
		got = append(got, msg.Data...)
		mu.Unlock()
	})

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("peer not closed")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}
