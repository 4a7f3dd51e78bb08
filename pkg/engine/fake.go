package engine

import (
	"context"
	"sync"
)

// FakeAdapter is an in-memory Adapter used by tests in pkg/vacuum and
// pkg/supervisor -- no real container engine is invoked in
// tests (SPEC_FULL.md §8).
type FakeAdapter struct {
	mu            sync.Mutex
	Images        []Image
	Containers    []Container
	Deleted       []string
	DeleteErrs    map[string]error
	ListImagesErr error
	StreamErr     error
	events        chan Event
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		DeleteErrs: map[string]error{},
		events:     make(chan Event, 64),
	}
}

func (f *FakeAdapter) StreamEvents(ctx context.Context) (<-chan Event, error) {
	if f.StreamErr != nil {
		return nil, f.StreamErr
	}
	return f.events, nil
}

// Emit pushes a synthetic event onto the stream, for tests driving the
// supervisor's event loop.
func (f *FakeAdapter) Emit(ev Event) {
	f.events <- ev
}

func (f *FakeAdapter) Close() error {
	close(f.events)
	return nil
}

func (f *FakeAdapter) ListImages(ctx context.Context) ([]Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListImagesErr != nil {
		return nil, f.ListImagesErr
	}
	out := make([]Image, len(f.Images))
	copy(out, f.Images)
	return out, nil
}

func (f *FakeAdapter) ListContainers(ctx context.Context) ([]Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Container, len(f.Containers))
	copy(out, f.Containers)
	return out, nil
}

func (f *FakeAdapter) DeleteImage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.DeleteErrs[id]; ok && err != nil {
		return err
	}

	for i, img := range f.Images {
		if img.ID == id {
			f.Images = append(f.Images[:i], f.Images[i+1:]...)
			f.Deleted = append(f.Deleted, id)
			return nil
		}
	}
	return ErrNotFound
}
