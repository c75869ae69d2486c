// Package transfer implements the chunked file transfer over an open data
// channel: the sender streaming loop and the receiver reassembly state
// machine, with progress reporting.
package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("transfer closed")
	ErrUnexpectedInfo     = errors.New("file-info received during an active transfer")
	ErrUnexpectedComplete = errors.New("file-complete received without file-info")
	ErrUnexpectedChunk    = errors.New("chunk received outside a transfer")
	ErrSizeMismatch       = errors.New("transferred size does not match declared size")
	ErrChecksumMismatch   = errors.New("sha256 checksum mismatch")
)

// Kind is the kind of a status event.
type Kind string

const (
	KindStarted  Kind = "started"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Progress is the byte accounting of a transfer.
type Progress struct {
	Total      int64
	Received   int64
	Percentage int
}

// Status is one event of a transfer. Err is set for KindError only.
type Status struct {
	Kind     Kind
	Progress Progress
	Err      error
}

func (s Status) String() string {
	if s.Kind == KindError {
		return fmt.Sprintf("%s: %v", s.Kind, s.Err)
	}
	return fmt.Sprintf("%s %d/%d (%d%%)", s.Kind, s.Progress.Received, s.Progress.Total, s.Progress.Percentage)
}

// StatusFunc receives status events in order.
type StatusFunc func(Status)

func (f StatusFunc) emit(s Status) {
	if f != nil {
		f(s)
	}
}

// percentage is floor(done*100/total), capped at 99 so that 100 is only
// reported on completion.
func percentage(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	if p > 99 {
		p = 99
	}
	if p < 0 {
		p = 0
	}
	return p
}

func started(total int64) Status {
	return Status{Kind: KindStarted, Progress: Progress{Total: total}}
}

func progress(done, total int64) Status {
	return Status{Kind: KindProgress, Progress: Progress{Total: total, Received: done, Percentage: percentage(done, total)}}
}

func complete(total int64) Status {
	return Status{Kind: KindComplete, Progress: Progress{Total: total, Received: total, Percentage: 100}}
}

func failed(err error) Status {
	return Status{Kind: KindError, Err: err}
}
