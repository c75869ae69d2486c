package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

// ReceiverState is the state of the receiving side of a transfer.
type ReceiverState int

const (
	ReceiverIdle ReceiverState = iota
	ReceiverMetadata
	ReceiverChunks
	ReceiverReassembling
	ReceiverDelivered
	ReceiverError
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "idle"
	case ReceiverMetadata:
		return "receiving-metadata"
	case ReceiverChunks:
		return "receiving-chunks"
	case ReceiverReassembling:
		return "reassembling"
	case ReceiverDelivered:
		return "delivered"
	case ReceiverError:
		return "error"
	default:
		return fmt.Sprintf("ReceiverState(%d)", int(s))
	}
}

func (s ReceiverState) active() bool {
	return s == ReceiverMetadata || s == ReceiverChunks
}

const maxPrealloc = 64 << 20

// IncomingFile is a completely received file. The whole file is held in
// memory.
type IncomingFile struct {
	PeerID   string
	Name     string
	MIMEType string
	Size     int64
	Data     []byte
}

// Receiver reassembles files arriving on one data channel. Messages must be
// fed in channel order; callbacks run on the feeding goroutine.
type Receiver struct {
	peerID   string
	onStatus StatusFunc
	onFile   func(IncomingFile)

	mu       sync.Mutex
	state    ReceiverState
	info     protocol.FileInfo
	buf      bytes.Buffer
	received int64
	digest   hash.Hash
}

// NewReceiver returns a receiver for files from peerID.
func NewReceiver(peerID string, onStatus StatusFunc, onFile func(IncomingFile)) *Receiver {
	return &Receiver{peerID: peerID, onStatus: onStatus, onFile: onFile}
}

// Attach feeds every message of ch to the receiver and aborts an active
// transfer when ch closes.
func (r *Receiver) Attach(ch transport.Channel) {
	ch.OnMessage(r.Handle)
	go func() {
		<-ch.Done()
		r.Abort(ErrClosed)
	}()
}

// State returns the current receiver state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Handle processes one data channel message.
func (r *Receiver) Handle(msg webrtc.DataChannelMessage) {
	var events []Status
	var file *IncomingFile

	r.mu.Lock()
	if msg.IsString {
		events, file = r.handleControl(string(msg.Data))
	} else {
		events = r.handleChunk(msg.Data)
	}
	r.mu.Unlock()

	for _, s := range events {
		r.onStatus.emit(s)
	}
	if file != nil && r.onFile != nil {
		r.onFile(*file)
	}
}

// Abort fails the active transfer, if any, with err.
func (r *Receiver) Abort(err error) {
	r.mu.Lock()
	if !r.state.active() {
		r.mu.Unlock()
		return
	}
	s := r.fail(err)
	r.mu.Unlock()
	r.onStatus.emit(s)
}

func (r *Receiver) handleControl(text string) ([]Status, *IncomingFile) {
	frame, err := protocol.Decode(text)
	if err != nil {
		return []Status{r.fail(err)}, nil
	}

	switch frame.Type {
	case protocol.TypeFileInfo:
		if r.state.active() {
			return []Status{r.fail(ErrUnexpectedInfo)}, nil
		}
		r.reset()
		r.info = *frame.Info
		r.buf.Grow(int(min(r.info.Size, maxPrealloc)))
		r.state = ReceiverMetadata
		util.Stats.AddStarted()
		util.LogDebug("Receiving %q (%d bytes) from %s", r.info.Name, r.info.Size, util.ShortID(r.peerID))
		return []Status{started(r.info.Size)}, nil

	case protocol.TypeFileComplete:
		if r.state == ReceiverError {
			util.LogDebug("Dropping file-complete from %s after failed transfer", util.ShortID(r.peerID))
			return nil, nil
		}
		if !r.state.active() {
			return []Status{r.fail(ErrUnexpectedComplete)}, nil
		}
		return r.finish(frame.Complete.SHA256)
	}
	return nil, nil
}

func (r *Receiver) handleChunk(data []byte) []Status {
	if !r.state.active() {
		if r.state == ReceiverError {
			util.LogDebug("Dropping chunk from %s after failed transfer", util.ShortID(r.peerID))
			return nil
		}
		return []Status{r.fail(ErrUnexpectedChunk)}
	}

	r.state = ReceiverChunks
	r.received += int64(len(data))
	if r.received > r.info.Size {
		return []Status{r.fail(ErrSizeMismatch)}
	}
	r.buf.Write(data)
	r.digest.Write(data)
	util.Stats.AddRecv(len(data))
	return []Status{progress(r.received, r.info.Size)}
}

func (r *Receiver) finish(sum string) ([]Status, *IncomingFile) {
	r.state = ReceiverReassembling
	if r.received != r.info.Size {
		return []Status{r.fail(ErrSizeMismatch)}, nil
	}
	if sum != "" && sum != hex.EncodeToString(r.digest.Sum(nil)) {
		return []Status{r.fail(ErrChecksumMismatch)}, nil
	}

	data := r.buf.Bytes()
	if data == nil {
		data = []byte{}
	}
	file := &IncomingFile{
		PeerID:   r.peerID,
		Name:     r.info.Name,
		MIMEType: r.info.FileType,
		Size:     r.info.Size,
		Data:     data,
	}
	r.buf = bytes.Buffer{}
	r.state = ReceiverDelivered
	util.Stats.AddCompleted()
	util.LogDebug("Received %q from %s", file.Name, util.ShortID(r.peerID))
	return []Status{complete(file.Size)}, file
}

// fail discards the partial file and moves to ReceiverError.
func (r *Receiver) fail(err error) Status {
	if r.state.active() || r.state == ReceiverReassembling {
		util.Stats.AddFailed()
	}
	util.LogWarning("Transfer from %s failed: %v", util.ShortID(r.peerID), err)
	r.reset()
	r.state = ReceiverError
	return failed(err)
}

func (r *Receiver) reset() {
	r.buf = bytes.Buffer{}
	r.received = 0
	r.info = protocol.FileInfo{}
	r.digest = sha256.New()
}
