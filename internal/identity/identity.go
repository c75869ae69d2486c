// Package identity assigns and persists the local device identifier and
// derives a human-readable device name from platform hints.
package identity

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/p2pdrop/internal/util"
)

// idLength is the number of hex characters kept from the random token.
const idLength = 8

// DeviceIdentity is the public view of a device.
type DeviceIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Identity lazily generates the device id on first use and keeps it for the
// lifetime of the process. It is safe for concurrent use.
type Identity struct {
	store Store
	hint  string

	mu sync.Mutex
	id string
}

// New creates an Identity backed by store. hint is a user-agent-like string
// used to label the platform; when empty, runtime.GOOS is used.
func New(store Store, hint string) *Identity {
	if store == nil {
		store = &MemoryStore{}
	}
	return &Identity{store: store, hint: hint}
}

// DeviceID returns the cached id, loading it from the store or generating and
// persisting a new one on first call. A store failure is logged and the
// in-memory id is still returned.
func (i *Identity) DeviceID() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id
	}

	id, err := i.store.Load()
	if err != nil {
		util.LogWarning("failed to load device id: %v", err)
	}
	if id != "" {
		i.id = id
		return id
	}

	i.id = newDeviceID()
	if err := i.store.Save(i.id); err != nil {
		util.LogWarning("failed to persist device id: %v", err)
	}
	return i.id
}

// DeviceName returns the platform label followed by the device id.
func (i *Identity) DeviceName() string {
	hint := i.hint
	if hint == "" {
		hint = runtime.GOOS
	}
	return fmt.Sprintf("%s (%s)", PlatformLabel(hint), i.DeviceID())
}

// Device returns the id and display name together.
func (i *Identity) Device() DeviceIdentity {
	return DeviceIdentity{ID: i.DeviceID(), DisplayName: i.DeviceName()}
}

func newDeviceID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:idLength]
}

// PlatformLabel maps a user-agent string or GOOS name to a coarse label.
// Phone and tablet markers are checked before desktop families because mobile
// user agents also mention desktop platforms.
func PlatformLabel(hint string) string {
	h := strings.ToLower(hint)
	switch {
	case strings.Contains(h, "iphone"):
		return "iPhone"
	case strings.Contains(h, "ipad"):
		return "iPad"
	case strings.Contains(h, "android"):
		return "Android Device"
	case strings.Contains(h, "mac"), strings.Contains(h, "darwin"):
		return "Mac"
	case strings.Contains(h, "windows"):
		return "Windows PC"
	case strings.Contains(h, "linux"):
		return "Linux Device"
	default:
		return "Unknown Device"
	}
}
