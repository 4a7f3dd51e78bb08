package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DockerAdapter talks to a local container engine exclusively through
// its CLI, as a child process, per spec §6: no daemon sockets, no
// privileged filesystem access.
type DockerAdapter struct {
	binary string
	log    *logrus.Entry
}

// imageInspect mirrors the subset of `docker image inspect` JSON that
// vacuumd needs (grounded on the pack's ImageData shape in
// other_examples/jesseduffield-lazydocker__inspect.go).
type imageInspect struct {
	ID       string   `json:"Id"`
	Parent   string   `json:"Parent"`
	Created  string   `json:"Created"`
	Size     int64    `json:"Size"`
	RepoTags []string `json:"RepoTags"`
}

type containerInspect struct {
	ID    string `json:"Id"`
	Image string `json:"Image"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
}

// NewDockerAdapter constructs an adapter bound to the given engine CLI
// binary ("docker" or "podman"; both accept the same invocations used
// here).
func NewDockerAdapter(binary string) *DockerAdapter {
	if binary == "" {
		binary = "docker"
	}
	return &DockerAdapter{
		binary: binary,
		log:    logrus.WithField("name", "engine"),
	}
}

func (a *DockerAdapter) Close() error { return nil }

// StreamEvents starts a long-lived `<binary> events` child and turns its
// newline-delimited JSON stdout into a channel of Event, prefixed with a
// synthetic EventSync so the first vacuum runs unconditionally (spec
// §4.1). The channel is closed when the child exits or ctx is canceled;
// the child is always killed and reaped before that happens.
func (a *DockerAdapter) StreamEvents(ctx context.Context) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, a.binary, "events", "--format", "{{json .}}")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	sp, err := startScoped(a.log, cmd)
	if err != nil {
		return nil, classifyStartError(err)
	}

	out := make(chan Event, 16)
	out <- Event{Kind: EventSync, Timestamp: time.Now()}

	go func() {
		defer close(out)
		defer sp.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var we wireEvent
			if err := json.Unmarshal(line, &we); err != nil {
				a.log.Warnln("malformed event record, skipping:", err)
				continue
			}
			ev, ok := we.toEvent()
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// ListImages returns a full image snapshot via `<binary> image ls -q`
// followed by a single batched `<binary> image inspect`.
func (a *DockerAdapter) ListImages(ctx context.Context) ([]Image, error) {
	ids, err := a.listIDs(ctx, "image", "ls", "-q", "--no-trunc")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out, err := a.run(ctx, append([]string{"image", "inspect"}, ids...)...)
	if err != nil {
		return nil, err
	}

	var records []imageInspect
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, fmt.Errorf("engine: decode image inspect: %w", err)
	}

	images := make([]Image, 0, len(records))
	for _, r := range records {
		created, _ := time.Parse(time.RFC3339Nano, r.Created)
		images = append(images, Image{
			ID:        r.ID,
			ParentID:  r.Parent,
			CreatedAt: created,
			SizeBytes: r.Size,
			RepoTags:  r.RepoTags,
		})
	}
	return images, nil
}

// ListContainers returns every container, in any state, per spec §4.1
// ("all containers, any state").
func (a *DockerAdapter) ListContainers(ctx context.Context) ([]Container, error) {
	ids, err := a.listIDs(ctx, "ps", "-aq", "--no-trunc")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out, err := a.run(ctx, append([]string{"container", "inspect"}, ids...)...)
	if err != nil {
		return nil, err
	}

	var records []containerInspect
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, fmt.Errorf("engine: decode container inspect: %w", err)
	}

	containers := make([]Container, 0, len(records))
	for _, r := range records {
		containers = append(containers, Container{
			ID:      r.ID,
			ImageID: r.Image,
			State:   r.State.Status,
		})
	}
	return containers, nil
}

// DeleteImage requests deletion of a single image and classifies the
// outcome per spec §4.1/§7.
func (a *DockerAdapter) DeleteImage(ctx context.Context, id string) error {
	cmd := exec.CommandContext(ctx, a.binary, "image", "rm", id)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	return classifyDeleteError(stderr.String(), err)
}

func (a *DockerAdapter) listIDs(ctx context.Context, args ...string) ([]string, error) {
	out, err := a.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

func (a *DockerAdapter) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if isUnreachable(stderr.String(), err) {
			return nil, ErrUnreachable
		}
		return nil, fmt.Errorf("engine: %s %s: %w: %s", a.binary, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func classifyStartError(err error) error {
	if _, ok := err.(*exec.Error); ok {
		return ErrUnreachable
	}
	return err
}

func isUnreachable(stderr string, err error) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "cannot connect") ||
		strings.Contains(s, "is the docker daemon running") ||
		strings.Contains(s, "connection refused")
}

func classifyDeleteError(stderr string, err error) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "no such image"):
		return ErrNotFound
	case strings.Contains(s, "has dependent child images"), strings.Contains(s, "image is referenced in multiple repositories"):
		return ErrHasChildren
	case strings.Contains(s, "being used by"), strings.Contains(s, "is using this image"), strings.Contains(s, "container is using"):
		return ErrInUse
	default:
		return fmt.Errorf("engine: delete image: %w: %s", err, stderr)
	}
}
