package protocol

import (
	"encoding/json"
	"fmt"
)

type wireFrame struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Size     *int64 `json:"size,omitempty"`
	FileType string `json:"fileType,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// EncodeFileInfo serializes a file-info frame.
func EncodeFileInfo(info FileInfo) (string, error) {
	if info.Name == "" || info.Size < 0 {
		return "", ErrInvalidInfo
	}
	size := info.Size
	if info.FileType == "" {
		info.FileType = "application/octet-stream"
	}
	return encode(wireFrame{
		Type:     TypeFileInfo,
		Name:     info.Name,
		Size:     &size,
		FileType: info.FileType,
	})
}

// EncodeFileComplete serializes a file-complete frame.
func EncodeFileComplete(c FileComplete) (string, error) {
	return encode(wireFrame{Type: TypeFileComplete, SHA256: c.SHA256})
}

func encode(f wireFrame) (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a text frame.
func Decode(text string) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch w.Type {
	case TypeFileInfo:
		if w.Name == "" || w.Size == nil || *w.Size < 0 {
			return nil, ErrInvalidInfo
		}
		return &Frame{
			Type: TypeFileInfo,
			Info: &FileInfo{Name: w.Name, Size: *w.Size, FileType: w.FileType},
		}, nil
	case TypeFileComplete:
		return &Frame{
			Type:     TypeFileComplete,
			Complete: &FileComplete{SHA256: w.SHA256},
		}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}
