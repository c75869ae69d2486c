package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pdrop/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// pionChannel wraps a pion DataChannel with an open gate, a close signal and
// buffered-amount backpressure.
type pionChannel struct {
	dc *webrtc.DataChannel

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	drainSignal chan struct{}
}

func newPionChannel(dc *webrtc.DataChannel) *pionChannel {
	ch := &pionChannel{
		dc:          dc,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case ch.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		util.LogDebug("DataChannel %q open", dc.Label())
		ch.readyOnce.Do(func() { close(ch.ready) })
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel %q closed", dc.Label())
		ch.markDone()
	})

	dc.OnError(func(err error) {
		util.LogWarning("DataChannel %q error: %v", dc.Label(), err)
		_ = ch.Close()
	})

	return ch
}

func (c *pionChannel) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *pionChannel) Label() string          { return c.dc.Label() }
func (c *pionChannel) Ready() <-chan struct{} { return c.ready }
func (c *pionChannel) Done() <-chan struct{}  { return c.done }

// waitSendable blocks until the channel is open and its buffer is below the
// high-water mark.
func (c *pionChannel) waitSendable(ctx context.Context) error {
	if err := WaitOpen(ctx, c); err != nil {
		return err
	}

	for c.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.drainSignal:
		case <-c.done:
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
		return nil
	}
}

func (c *pionChannel) Send(ctx context.Context, data []byte) error {
	if err := c.waitSendable(ctx); err != nil {
		return err
	}
	return c.dc.Send(data)
}

func (c *pionChannel) SendText(ctx context.Context, text string) error {
	if err := c.waitSendable(ctx); err != nil {
		return err
	}
	return c.dc.SendText(text)
}

func (c *pionChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	c.dc.OnMessage(fn)
}

func (c *pionChannel) Close() error {
	c.markDone()
	return c.dc.Close()
}
