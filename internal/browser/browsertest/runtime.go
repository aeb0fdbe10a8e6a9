// Package browsertest provides an in-memory browser.Runtime for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/cloud-browser/internal/browser"
	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

type container struct {
	spec    browser.ContainerSpec
	running bool
	created time.Time
}

// Runtime is a thread-safe fake container engine that counts calls.
type Runtime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*container

	// Failure injection. Set before use.
	CreateErr error
	// CreateLeaves makes a failed Create still leave a container behind.
	CreateLeaves bool
	// CreateLosesHandle makes that failed Create return an empty handle, as
	// when the engine finished creating after the caller's deadline.
	CreateLosesHandle bool
	WaitErr      error
	// WaitBlock makes WaitReady block until ctx is done.
	WaitBlock  bool
	StopErr    error
	RemoveErr  error
	InspectErr error
	ListErr    error

	Stats models.ContainerStats
	Host  models.RuntimeInfo

	stopFail   map[string]error
	removeFail map[string]error

	creates   int
	waits     int
	lastReady browser.ReadySpec
	stops     map[string]int
	removes   map[string]int
	pulled    []string
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*container),
		stopFail:   make(map[string]error),
		removeFail: make(map[string]error),
		stops:      make(map[string]int),
		removes:    make(map[string]int),
	}
}

func (r *Runtime) Create(ctx context.Context, spec browser.ContainerSpec) (browser.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.CreateErr != nil && !r.CreateLeaves {
		return browser.Handle{}, r.CreateErr
	}
	r.seq++
	id := fmt.Sprintf("fake-%04d", r.seq)
	r.containers[id] = &container{spec: spec, running: r.CreateErr == nil, created: time.Now()}
	if r.CreateErr != nil && r.CreateLosesHandle {
		return browser.Handle{}, r.CreateErr
	}
	h := browser.Handle{ID: id, Name: spec.Name}
	return h, r.CreateErr
}

func (r *Runtime) WaitReady(ctx context.Context, h browser.Handle, spec browser.ReadySpec) error {
	r.mu.Lock()
	r.waits++
	r.lastReady = spec
	block, err := r.WaitBlock, r.WaitErr
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (r *Runtime) Stop(ctx context.Context, h browser.Handle, grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops[h.ID]++
	if r.StopErr != nil {
		return r.StopErr
	}
	if err := r.stopFail[h.ID]; err != nil {
		return err
	}
	if c, ok := r.containers[h.ID]; ok {
		c.running = false
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, h browser.Handle, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removes[h.ID]++
	if r.RemoveErr != nil {
		return r.RemoveErr
	}
	if err := r.removeFail[h.ID]; err != nil {
		return err
	}
	delete(r.containers, h.ID)
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, h browser.Handle) (models.ContainerStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.InspectErr != nil {
		return models.ContainerStats{}, r.InspectErr
	}
	c, ok := r.containers[h.ID]
	if !ok {
		return models.ContainerStats{Status: "not_found"}, nil
	}
	out := r.Stats
	out.Running = c.running
	out.Status = "exited"
	if c.running {
		out.Status = "running"
	}
	return out, nil
}

func (r *Runtime) ListByLabel(ctx context.Context, labels map[string]string) ([]browser.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	var out []browser.Container
	for id, c := range r.containers {
		if !matches(c.spec.Labels, labels) {
			continue
		}
		state := "exited"
		if c.running {
			state = "running"
		}
		out = append(out, browser.Container{
			ID:      id,
			Name:    c.spec.Name,
			Labels:  c.spec.Labels,
			State:   state,
			Created: c.created,
		})
	}
	return out, nil
}

func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulled = append(r.pulled, image)
	return nil
}

func (r *Runtime) Info(ctx context.Context) (models.RuntimeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.Host
	info.ContainersTotal = len(r.containers)
	info.ContainersRunning = 0
	for _, c := range r.containers {
		if c.running {
			info.ContainersRunning++
		}
	}
	return info, nil
}

func (r *Runtime) Ping(ctx context.Context) error { return nil }

func (r *Runtime) Close() error { return nil }

// AddContainer registers a container that was not created through Create,
// such as one left behind by a previous process.
func (r *Runtime) AddContainer(id string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[id] = &container{
		spec:    browser.ContainerSpec{Name: id, Labels: labels},
		running: true,
		created: time.Now(),
	}
}

// SetFailures replaces the stop and remove errors under the lock.
func (r *Runtime) SetFailures(stopErr, removeErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopErr, r.RemoveErr = stopErr, removeErr
}

// FailContainer makes Stop and Remove of one container fail with the given
// errors. Nil errors clear the injection.
func (r *Runtime) FailContainer(id string, stopErr, removeErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stopErr == nil {
		delete(r.stopFail, id)
	} else {
		r.stopFail[id] = stopErr
	}
	if removeErr == nil {
		delete(r.removeFail, id)
	} else {
		r.removeFail[id] = removeErr
	}
}

// LastReady returns the spec passed to the most recent WaitReady.
func (r *Runtime) LastReady() browser.ReadySpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReady
}

// Exists reports whether the container is still present.
func (r *Runtime) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.containers[id]
	return ok
}

// Count returns the number of containers present.
func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Spec returns the spec a container was created with.
func (r *Runtime) Spec(id string) (browser.ContainerSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return browser.ContainerSpec{}, false
	}
	return c.spec, true
}

func (r *Runtime) Creates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

func (r *Runtime) Waits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waits
}

func (r *Runtime) Stops(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops[id]
}

func (r *Runtime) Removes(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removes[id]
}

// TotalRemoves returns the number of Remove calls across all containers.
func (r *Runtime) TotalRemoves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.removes {
		n += v
	}
	return n
}

func (r *Runtime) Pulled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pulled...)
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

var _ browser.Runtime = (*Runtime)(nil)
