// Package process implements a host-process provider: each sandbox is an
// isolated work directory and commands run as resource-limited OS processes.
//
// Isolation guarantees:
//   - Commands run in their own process group, killed as a whole on stop or cancel
//   - No environment inheritance from the daemon, only a minimal safe set
//   - Memory and CPU time enforced via ulimit
//   - Buffered stdout/stderr capped to prevent OOM
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/sandboxd/internal/provider"
)

const (
	// Name is the registry key of the provider.
	Name = "process"

	// maxOutputBytes caps buffered stdout/stderr per command.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultCPUSeconds = 300
	defaultMemoryMB   = 512

	markerFile = ".sandboxd.json"
)

// Config configures the process provider.
type Config struct {
	BaseDir    string // Parent of all work directories.
	CPUSeconds int    // ulimit -t per command. Default: 300.
	Descriptor provider.Descriptor
}

// marker is persisted in every work directory so managed workspaces
// survive a daemon restart and can be listed as orphans.
type marker struct {
	SandboxID string            `json:"sandbox_id"`
	Labels    map[string]string `json:"labels"`
	MemoryMB  uint64            `json:"memory_mb"`
	Env       map[string]string `json:"env,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type workspace struct {
	id        string
	dir       string
	marker    marker
	state     provider.ContainerState
	startedAt time.Time
	logs      *logBuffer
	active    map[*exec.Cmd]struct{}
}

// Provider runs sandboxes as work directories on the local host.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*workspace
}

// New creates a process provider rooted at cfg.BaseDir.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = filepath.Join(os.TempDir(), "sandboxd")
	}
	if cfg.CPUSeconds <= 0 {
		cfg.CPUSeconds = defaultCPUSeconds
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating process base dir %s: %w", cfg.BaseDir, err)
	}
	cfg.Descriptor.Name = Name
	if cfg.Descriptor.DisplayName == "" {
		cfg.Descriptor.DisplayName = "Local Process"
	}
	return &Provider{
		cfg:        cfg,
		logger:     logger,
		workspaces: make(map[string]*workspace),
	}, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Descriptor() provider.Descriptor { return p.cfg.Descriptor }

// Create makes the work directory for spec. The returned id is the directory name.
func (p *Provider) Create(ctx context.Context, spec provider.ContainerSpec) (string, error) {
	if len(spec.Ports) > 0 {
		return "", provider.NewError(Name, "create", "", provider.ErrBackend, errors.New("port publishing is not supported"))
	}
	if spec.Resources.GPUEnabled {
		return "", provider.NewError(Name, "create", "", provider.ErrResourceLimitExceeded, errors.New("gpu is not supported"))
	}

	id := "proc-" + spec.SandboxID.String()
	dir := filepath.Join(p.cfg.BaseDir, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", provider.NewError(Name, "create", id, classifyFS(err), err)
	}
	for _, v := range spec.Volumes {
		// Volumes become symlinks inside the work directory.
		link := filepath.Join(dir, strings.TrimPrefix(filepath.Clean(v.ContainerPath), "/"))
		if err := os.MkdirAll(filepath.Dir(link), 0o750); err != nil {
			return "", provider.NewError(Name, "create", id, classifyFS(err), err)
		}
		if err := os.Symlink(v.HostPath, link); err != nil && !errors.Is(err, os.ErrExist) {
			return "", provider.NewError(Name, "create", id, classifyFS(err), err)
		}
	}

	m := marker{
		SandboxID: spec.SandboxID.String(),
		Labels:    spec.Labels(),
		MemoryMB:  spec.Resources.MemoryMB,
		Env:       spec.Env,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", provider.NewError(Name, "create", id, provider.ErrBackend, err)
	}
	if err := os.WriteFile(filepath.Join(dir, markerFile), data, 0o640); err != nil {
		return "", provider.NewError(Name, "create", id, classifyFS(err), err)
	}

	p.mu.Lock()
	p.workspaces[id] = &workspace{
		id:        id,
		dir:       dir,
		marker:    m,
		state:     provider.StateRunning,
		startedAt: m.CreatedAt,
		logs:      newLogBuffer(p.logger),
		active:    make(map[*exec.Cmd]struct{}),
	}
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "process workspace created",
		slog.String("sandbox_id", m.SandboxID),
		slog.String("dir", dir),
	)
	return id, nil
}

// lookup returns the workspace, loading it from disk after a restart.
func (p *Provider) lookup(op, id string) (*workspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ws, ok := p.workspaces[id]; ok {
		return ws, nil
	}
	dir := filepath.Join(p.cfg.BaseDir, filepath.Base(id))
	m, err := readMarker(dir)
	if err != nil {
		return nil, provider.NewError(Name, op, id, provider.ErrContainerNotFound, err)
	}
	// Processes do not survive a restart; the workspace is reported as exited.
	ws := &workspace{
		id:        id,
		dir:       dir,
		marker:    *m,
		state:     provider.StateExited,
		startedAt: m.CreatedAt,
		logs:      newLogBuffer(p.logger),
		active:    make(map[*exec.Cmd]struct{}),
	}
	p.workspaces[id] = ws
	return ws, nil
}

func readMarker(dir string) (*marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return nil, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", markerFile, err)
	}
	return &m, nil
}

func (p *Provider) Exec(ctx context.Context, containerID string, req provider.ExecRequest) (*provider.ExecResult, error) {
	return p.exec(ctx, containerID, req, nil)
}

func (p *Provider) ExecStream(ctx context.Context, containerID string, req provider.ExecRequest, out chan<- provider.OutputChunk) (*provider.ExecResult, error) {
	return p.exec(ctx, containerID, req, out)
}

func (p *Provider) exec(ctx context.Context, containerID string, req provider.ExecRequest, out chan<- provider.OutputChunk) (*provider.ExecResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, provider.NewError(Name, "exec", containerID, provider.ErrBackend, errors.New("empty command"))
	}
	ws, err := p.lookup("exec", containerID)
	if err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	memoryMB := ws.marker.MemoryMB
	if memoryMB == 0 {
		memoryMB = defaultMemoryMB
	}

	// The command is passed as $1 so it is never interpolated into the
	// ulimit prologue.
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec /bin/sh -c \"$1\"",
		memoryMB*1024, p.cfg.CPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script, "_", req.Command)
	cmd.Dir = resolveDir(ws.dir, req.WorkingDir)
	if err := os.MkdirAll(cmd.Dir, 0o750); err != nil {
		return nil, provider.NewError(Name, "exec", containerID, classifyFS(err), err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = buildEnv(ws.dir, ws.marker.Env, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := []io.Writer{&limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}, logWriter{ws.logs, provider.StreamStdout}}
	stderr := []io.Writer{&limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}, logWriter{ws.logs, provider.StreamStderr}}
	if out != nil {
		stdout = append(stdout, provider.NewChunkWriter(ctx, out, provider.StreamStdout))
		stderr = append(stderr, provider.NewChunkWriter(ctx, out, provider.StreamStderr))
	}
	cmd.Stdout = io.MultiWriter(stdout...)
	cmd.Stderr = io.MultiWriter(stderr...)

	// Register and start under the lock so Stop cannot miss the command.
	p.mu.Lock()
	if ws.state != provider.StateRunning {
		p.mu.Unlock()
		return nil, provider.NewError(Name, "exec", containerID, provider.ErrBackend, fmt.Errorf("workspace is %s", ws.state))
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return nil, provider.NewError(Name, "exec", containerID, provider.ErrBackend, err)
	}
	ws.active[cmd] = struct{}{}
	p.mu.Unlock()

	runErr := cmd.Wait()
	duration := time.Since(start)

	p.mu.Lock()
	delete(ws.active, cmd)
	p.mu.Unlock()

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, provider.NewError(Name, "exec", containerID, provider.ErrBackend, fmt.Errorf("command interrupted after %s: %w", duration.Round(time.Millisecond), ctx.Err()))
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, provider.NewError(Name, "exec", containerID, provider.ErrBackend, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	res := &provider.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}
	if cmd.ProcessState != nil {
		cpu := (cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()).Seconds()
		res.CPUTimeSeconds = &cpu
		if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
			peak := uint64(ru.Maxrss) / 1024 // Linux reports KiB.
			res.MemoryPeakMB = &peak
		}
	}

	p.logger.DebugContext(ctx, "process exec completed",
		slog.String("container", containerID),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)
	return res, nil
}

func resolveDir(root, wd string) string {
	if wd == "" {
		return root
	}
	if filepath.IsAbs(wd) {
		// Absolute paths are rooted inside the workspace.
		return filepath.Join(root, filepath.Clean(wd))
	}
	return filepath.Join(root, filepath.Clean("/"+wd))
}

// buildEnv constructs a minimal environment. The daemon's own environment is
// never inherited so credentials do not leak into sandboxed commands.
func buildEnv(dir string, layers ...map[string]string) []string {
	base := map[string]string{
		"PATH":   "/usr/local/bin:/usr/bin:/bin",
		"HOME":   dir,
		"TMPDIR": dir,
		"LANG":   "en_US.UTF-8",
		"TERM":   "dumb",
	}
	for _, l := range layers {
		for k, v := range l {
			base[k] = v
		}
	}
	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+base[k])
	}
	return env
}

func (p *Provider) StreamLogs(ctx context.Context, containerID string, opts provider.LogOptions) (<-chan provider.OutputChunk, error) {
	ws, err := p.lookup("logs", containerID)
	if err != nil {
		return nil, err
	}
	src := ws.logs.stream(ctx, opts.Follow)
	if opts.Timestamps {
		return withTimestamps(ctx, src), nil
	}
	return src, nil
}

// withTimestamps prefixes each chunk with its RFC 3339 timestamp, the way
// docker logs --timestamps renders it.
func withTimestamps(ctx context.Context, src <-chan provider.OutputChunk) <-chan provider.OutputChunk {
	out := make(chan provider.OutputChunk, cap(src))
	go func() {
		defer close(out)
		for c := range src {
			c.Data = append([]byte(c.Timestamp.Format(time.RFC3339Nano)+" "), c.Data...)
			if !provider.Send(ctx, out, c) {
				return
			}
		}
	}()
	return out
}

func (p *Provider) Info(_ context.Context, containerID string) (*provider.ContainerInfo, error) {
	ws, err := p.lookup("info", containerID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	state := ws.state
	pids := make([]int, 0, len(ws.active))
	for cmd := range ws.active {
		if cmd.Process != nil {
			pids = append(pids, cmd.Process.Pid)
		}
	}
	p.mu.Unlock()

	started := ws.startedAt
	info := &provider.ContainerInfo{
		ID:        containerID,
		Status:    provider.ContainerStatus{State: state},
		StartedAt: &started,
	}
	if state == provider.StateRunning {
		limit := ws.marker.MemoryMB
		if limit == 0 {
			limit = defaultMemoryMB
		}
		info.Metrics = &provider.ContainerMetrics{
			MemoryUsedMB:  float64(residentBytes(pids)) / (1024 * 1024),
			MemoryLimitMB: float64(limit),
		}
	}
	return info, nil
}

// residentBytes sums the resident set size of the given pids from /proc.
func residentBytes(pids []int) uint64 {
	var total uint64
	page := uint64(os.Getpagesize())
	for _, pid := range pids {
		data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "statm"))
		if err != nil {
			continue
		}
		fields := strings.Fields(string(data))
		if len(fields) < 2 {
			continue
		}
		rss, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		total += rss * page
	}
	return total
}

// Stop terminates running commands: SIGTERM to each process group, then
// SIGKILL once timeout elapses.
func (p *Provider) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ws, err := p.lookup("stop", containerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	ws.state = provider.StateExited
	pids := make([]int, 0, len(ws.active))
	for cmd := range ws.active {
		if cmd.Process != nil {
			pids = append(pids, cmd.Process.Pid)
		}
	}
	p.mu.Unlock()

	for _, pid := range pids {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for p.activeCount(ws) > 0 {
		select {
		case <-deadline.C:
			for _, pid := range pids {
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
			return nil
		case <-ctx.Done():
			return provider.NewError(Name, "stop", containerID, provider.ErrBackend, ctx.Err())
		case <-tick.C:
		}
	}
	p.logger.InfoContext(ctx, "process workspace stopped", slog.String("container", containerID))
	return nil
}

func (p *Provider) activeCount(ws *workspace) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(ws.active)
}

// Remove deletes the work directory.
func (p *Provider) Remove(ctx context.Context, containerID string, force bool) error {
	ws, err := p.lookup("remove", containerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	running := ws.state == provider.StateRunning
	p.mu.Unlock()
	if running {
		if !force {
			return provider.NewError(Name, "remove", containerID, provider.ErrBackend, errors.New("workspace is running"))
		}
		if err := p.Stop(ctx, containerID, 0); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(ws.dir); err != nil {
		return provider.NewError(Name, "remove", containerID, classifyFS(err), err)
	}
	ws.logs.close()

	p.mu.Lock()
	delete(p.workspaces, containerID)
	p.mu.Unlock()
	return nil
}

// ListManaged scans the base directory for workspaces carrying a marker.
func (p *Provider) ListManaged(_ context.Context) ([]provider.ManagedContainer, error) {
	entries, err := os.ReadDir(p.cfg.BaseDir)
	if err != nil {
		return nil, provider.NewError(Name, "list", "", classifyFS(err), err)
	}

	var out []provider.ManagedContainer
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := readMarker(filepath.Join(p.cfg.BaseDir, e.Name()))
		if err != nil || m.Labels[provider.LabelManaged] != "true" {
			continue
		}
		state := provider.StateExited
		p.mu.Lock()
		if ws, ok := p.workspaces[e.Name()]; ok {
			state = ws.state
		}
		p.mu.Unlock()
		out = append(out, provider.ManagedContainer{
			ID:        e.Name(),
			Name:      e.Name(),
			SandboxID: m.Labels[provider.LabelSandboxID],
			State:     state,
		})
	}
	return out, nil
}

func classifyFS(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return provider.ErrResourceLimitExceeded
	case errors.Is(err, os.ErrPermission):
		return provider.ErrProviderUnavailable
	case errors.Is(err, os.ErrNotExist):
		return provider.ErrContainerNotFound
	}
	return provider.ErrBackend
}

// logWriter appends command output to the workspace log buffer.
type logWriter struct {
	buf    *logBuffer
	stream provider.StreamKind
}

func (w logWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	w.buf.append(provider.OutputChunk{Timestamp: time.Now().UTC(), Stream: w.stream, Data: data})
	return len(p), nil
}

// limitedWriter stops writing after a byte limit. Excess data is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

var (
	_ provider.Provider     = (*Provider)(nil)
	_ provider.StreamExecer = (*Provider)(nil)
)
