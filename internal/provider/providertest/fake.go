// Package providertest provides an in-memory provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/sandboxd/internal/provider"
)

// Fake is a scriptable in-memory provider. Set the exported hooks before
// use; all methods are safe for concurrent use.
type Fake struct {
	name string
	desc provider.Descriptor

	mu         sync.Mutex
	seq        int
	containers map[string]*container
	calls      map[string]int

	// Hooks. Nil means the default behavior.
	CreateErr error
	StopErr   error
	RemoveErr error
	InfoErr   error
	InfoDelay time.Duration
	ExecFunc  func(ctx context.Context, containerID string, req provider.ExecRequest) (*provider.ExecResult, error)
	Logs      []provider.OutputChunk
}

type container struct {
	sandboxID string
	status    provider.ContainerStatus
	metrics   *provider.ContainerMetrics
}

// New creates a Fake named name with generous limits and no GPU.
func New(name string) *Fake {
	return &Fake{
		name: name,
		desc: provider.Descriptor{
			Name:   name,
			Limits: provider.Limits{MaxMemoryMB: 16384, MaxVCPU: 8, MaxStorageGB: 100},
		},
		containers: make(map[string]*container),
		calls:      make(map[string]int),
	}
}

// WithDescriptor replaces the descriptor. The name is kept.
func (f *Fake) WithDescriptor(d provider.Descriptor) *Fake {
	d.Name = f.name
	f.desc = d
	return f
}

func (f *Fake) Name() string                    { return f.name }
func (f *Fake) Descriptor() provider.Descriptor { return f.desc }

func (f *Fake) record(op string) {
	f.calls[op]++
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) Create(_ context.Context, spec provider.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("%s-%04d", f.name, f.seq)
	f.containers[id] = &container{
		sandboxID: spec.SandboxID.String(),
		status:    provider.ContainerStatus{State: provider.StateRunning},
	}
	return id, nil
}

func (f *Fake) Exec(ctx context.Context, containerID string, req provider.ExecRequest) (*provider.ExecResult, error) {
	f.mu.Lock()
	f.record("exec")
	_, ok := f.containers[containerID]
	hook := f.ExecFunc
	f.mu.Unlock()

	if !ok {
		return nil, provider.NewError(f.name, "exec", containerID, provider.ErrContainerNotFound, nil)
	}
	if hook != nil {
		return hook(ctx, containerID, req)
	}
	return &provider.ExecResult{ExitCode: 0, Stdout: req.Command + "\n"}, nil
}

func (f *Fake) StreamLogs(ctx context.Context, containerID string, opts provider.LogOptions) (<-chan provider.OutputChunk, error) {
	f.mu.Lock()
	f.record("logs")
	_, ok := f.containers[containerID]
	logs := append([]provider.OutputChunk(nil), f.Logs...)
	f.mu.Unlock()

	if !ok {
		return nil, provider.NewError(f.name, "logs", containerID, provider.ErrContainerNotFound, nil)
	}

	out := make(chan provider.OutputChunk)
	go func() {
		defer close(out)
		for _, c := range logs {
			if !provider.Send(ctx, out, c) {
				return
			}
		}
		if opts.Follow {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *Fake) Info(ctx context.Context, containerID string) (*provider.ContainerInfo, error) {
	f.mu.Lock()
	f.record("info")
	c, ok := f.containers[containerID]
	var info *provider.ContainerInfo
	if ok {
		info = &provider.ContainerInfo{ID: containerID, Status: c.status}
		if c.metrics != nil {
			m := *c.metrics
			info.Metrics = &m
		}
	}
	infoErr, delay := f.InfoErr, f.InfoDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if infoErr != nil {
		return nil, infoErr
	}
	if !ok {
		return nil, provider.NewError(f.name, "info", containerID, provider.ErrContainerNotFound, nil)
	}
	return info, nil
}

func (f *Fake) Stop(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	if f.StopErr != nil {
		return f.StopErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return provider.NewError(f.name, "stop", containerID, provider.ErrContainerNotFound, nil)
	}
	c.status = provider.ContainerStatus{State: provider.StateExited}
	return nil
}

func (f *Fake) Remove(_ context.Context, containerID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove")
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return provider.NewError(f.name, "remove", containerID, provider.ErrContainerNotFound, nil)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) ListManaged(_ context.Context) ([]provider.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	out := make([]provider.ManagedContainer, 0, len(f.containers))
	for id, c := range f.containers {
		out = append(out, provider.ManagedContainer{
			ID:        id,
			Name:      id,
			SandboxID: c.sandboxID,
			State:     c.status.State,
		})
	}
	return out, nil
}

// AddContainer registers a container outside of Create, e.g. an orphan.
func (f *Fake) AddContainer(id, sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &container{
		sandboxID: sandboxID,
		status:    provider.ContainerStatus{State: provider.StateRunning},
	}
}

// SetStatus overrides the reported status of a container.
func (f *Fake) SetStatus(id string, status provider.ContainerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.status = status
	}
}

// SetMetrics overrides the metrics sample reported for a container.
func (f *Fake) SetMetrics(id string, m provider.ContainerMetrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.metrics = &m
	}
}

// HasContainer reports whether the container exists.
func (f *Fake) HasContainer(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok
}

var _ provider.Provider = (*Fake)(nil)
