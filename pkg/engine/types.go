package engine

import (
	"context"
	"errors"
	"time"
)

// Errors returned by the Adapter. DeleteImage returns ErrNotFound,
// ErrHasChildren and ErrInUse, which the vacuum engine classifies per
// spec §7: not-found is success, has-children and in-use are expected
// races, everything else propagates. ErrUnreachable comes from the
// listing calls and from starting the event stream.
var (
	ErrNotFound    = errors.New("engine: image not found")
	ErrHasChildren = errors.New("engine: image has children")
	ErrInUse       = errors.New("engine: image in use by a container")
	ErrUnreachable = errors.New("engine: container engine unreachable")
)

// EventKind enumerates the event vocabulary the adapter reports. Only a
// subset triggers a vacuum/timestamp update; see IsUseEvent and
// MayGrowUsage.
type EventKind string

const (
	EventSync    EventKind = "sync"
	EventPull    EventKind = "pull"
	EventImport  EventKind = "import"
	EventLoad    EventKind = "load"
	EventBuild   EventKind = "build"
	EventTag     EventKind = "tag"
	EventCreate  EventKind = "create"
	EventDestroy EventKind = "destroy"
	EventDelete  EventKind = "delete"
	EventUntag   EventKind = "untag"
	EventUnknown EventKind = "unknown"
)

// Event is a single occurrence from the engine's event stream, already
// normalized from whatever wire format the engine CLI emits.
type Event struct {
	Kind      EventKind
	ImageID   string
	Timestamp time.Time
}

// IsUseEvent reports whether Kind should refresh an image's last-used
// timestamp and be considered for triggering a vacuum (spec §4.1).
func (k EventKind) IsUseEvent() bool {
	switch k {
	case EventPull, EventImport, EventLoad, EventBuild, EventTag, EventCreate, EventDestroy:
		return true
	default:
		return false
	}
}

// MayGrowUsage reports whether Kind can plausibly increase on-disk usage,
// which per spec §4.5 "When to vacuum" is the conservative trigger for
// running a vacuum (as opposed to merely refreshing a timestamp).
func (k EventKind) MayGrowUsage() bool {
	switch k {
	case EventSync, EventPull, EventImport, EventLoad, EventBuild, EventTag:
		return true
	default:
		return false
	}
}

// Image is a snapshot row from the engine's image listing.
type Image struct {
	ID        string
	ParentID  string
	CreatedAt time.Time
	SizeBytes int64
	RepoTags  []string
}

// Container is a snapshot row from the engine's container listing. State
// is not interpreted by the adapter; any container counts as "in use".
type Container struct {
	ID      string
	ImageID string
	State   string
}

// Adapter is the contract the rest of the daemon depends on (spec §4.1).
// DockerAdapter is the concrete realization; tests use a fake.
type Adapter interface {
	StreamEvents(ctx context.Context) (<-chan Event, error)
	ListImages(ctx context.Context) ([]Image, error)
	ListContainers(ctx context.Context) ([]Container, error)
	DeleteImage(ctx context.Context, id string) error
	Close() error
}
