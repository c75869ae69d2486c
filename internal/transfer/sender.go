package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

// SenderState is the state of the sending side of a transfer.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderMetadataSent
	SenderStreaming
	SenderComplete
	SenderError
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderMetadataSent:
		return "metadata-sent"
	case SenderStreaming:
		return "streaming"
	case SenderComplete:
		return "complete"
	case SenderError:
		return "error"
	default:
		return fmt.Sprintf("SenderState(%d)", int(s))
	}
}

// File is a file to send. Size must be the exact number of bytes Reader
// yields.
type File struct {
	Name     string
	Size     int64
	MIMEType string
	Reader   io.Reader
}

// Sender streams files over one data channel.
type Sender struct {
	ch        transport.Channel
	chunkSize int

	mu    sync.Mutex
	state SenderState
}

// NewSender returns a sender on ch. A non-positive chunkSize selects
// protocol.ChunkSize.
func NewSender(ch transport.Channel, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = protocol.ChunkSize
	}
	return &Sender{ch: ch, chunkSize: chunkSize}
}

// State returns the current sender state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) setState(state SenderState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Send transmits file-info, the file in chunks, then file-complete with the
// sha256 digest of the streamed bytes. Progress reflects bytes handed to the
// channel, not bytes acknowledged by the peer. The terminal status (complete
// or error) is always emitted before Send returns. A failure after file-info
// went out closes the channel: the peer holds a partial file and the stream
// cannot be resumed.
func (s *Sender) Send(ctx context.Context, file File, onStatus StatusFunc) error {
	s.setState(SenderIdle)
	util.Stats.AddStarted()
	onStatus.emit(started(file.Size))

	if err := s.send(ctx, file, onStatus); err != nil {
		if ctx.Err() != nil || errors.Is(err, transport.ErrChannelClosed) {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		if st := s.State(); st == SenderMetadataSent || st == SenderStreaming {
			_ = s.ch.Close()
		}
		s.setState(SenderError)
		util.Stats.AddFailed()
		util.LogWarning("Sending %q failed: %v", file.Name, err)
		onStatus.emit(failed(err))
		return err
	}

	s.setState(SenderComplete)
	util.Stats.AddCompleted()
	util.LogDebug("Sent %q (%s)", file.Name, util.FormatBytes(float64(file.Size)))
	onStatus.emit(complete(file.Size))
	return nil
}

func (s *Sender) send(ctx context.Context, file File, onStatus StatusFunc) error {
	info, err := protocol.EncodeFileInfo(protocol.FileInfo{
		Name:     file.Name,
		Size:     file.Size,
		FileType: file.MIMEType,
	})
	if err != nil {
		return err
	}
	if err := s.ch.SendText(ctx, info); err != nil {
		return fmt.Errorf("send file-info: %w", err)
	}
	s.setState(SenderMetadataSent)

	digest := sha256.New()
	var sent int64
	if file.Reader != nil {
		s.setState(SenderStreaming)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			buf := make([]byte, s.chunkSize)
			n, rerr := io.ReadFull(file.Reader, buf)
			if n > 0 {
				sent += int64(n)
				if sent > file.Size {
					return ErrSizeMismatch
				}
				if err := s.ch.Send(ctx, buf[:n]); err != nil {
					return fmt.Errorf("send chunk: %w", err)
				}
				digest.Write(buf[:n])
				util.Stats.AddSent(n)
				onStatus.emit(progress(sent, file.Size))
			}
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			if rerr != nil {
				return fmt.Errorf("read %q: %w", file.Name, rerr)
			}
		}
	}
	if sent != file.Size {
		return ErrSizeMismatch
	}

	done, err := protocol.EncodeFileComplete(protocol.FileComplete{
		SHA256: hex.EncodeToString(digest.Sum(nil)),
	})
	if err != nil {
		return err
	}
	if err := s.ch.SendText(ctx, done); err != nil {
		return fmt.Errorf("send file-complete: %w", err)
	}
	return nil
}
