// Package protocol defines the file-transfer wire format carried over the
// data channel. A transfer is one file-info text frame, zero or more binary
// chunks in order, then one file-complete text frame.
package protocol

import "errors"

// Text frame types.
const (
	TypeFileInfo     = "file-info"
	TypeFileComplete = "file-complete"
)

// ChunkSize is the maximum binary chunk size.
const ChunkSize = 16 * 1024

var (
	ErrMalformed   = errors.New("malformed control frame")
	ErrUnknownType = errors.New("unknown control frame type")
	ErrInvalidInfo = errors.New("invalid file-info frame")
)

// FileInfo announces a file. Size is in bytes.
type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	FileType string `json:"fileType"`
}

// FileComplete ends a transfer. SHA256 is the lowercase hex digest of the
// whole file; empty when the sender did not compute one.
type FileComplete struct {
	SHA256 string `json:"sha256,omitempty"`
}

// Frame is a decoded text frame. Exactly one of Info and Complete is set.
type Frame struct {
	Type     string
	Info     *FileInfo
	Complete *FileComplete
}

// Chunks returns the number of binary chunks a file of size bytes is split
// into.
func Chunks(size int64, chunkSize int) int64 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + int64(chunkSize) - 1) / int64(chunkSize)
}
