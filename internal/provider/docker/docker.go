// Package docker implements the local Docker provider by driving the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/sandboxd/internal/provider"
)

const (
	// Name is the registry key of the provider.
	Name = "docker"

	// maxOutputBytes caps buffered stdout/stderr per command.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultImage     = "alpine:3.20"
	defaultPIDsLimit = 256
	defaultNetwork   = "bridge"
)

// Config configures the docker provider.
type Config struct {
	Binary     string // Default: "docker".
	Image      string // Image used when a sandbox does not name one.
	Network    string // --network value. Default: "bridge".
	PIDsLimit  int    // --pids-limit. Default: 256.
	StorageOpt bool   // Pass --storage-opt size=NG (needs overlay2 on xfs with pquota).
	Descriptor provider.Descriptor
}

// Provider runs sandboxes as long-lived local containers.
//
// Every container is started detached with a keep-alive command and labeled
// with provider.LabelManaged and provider.LabelSandboxID so orphans can be found.
type Provider struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// New creates a docker provider using the docker CLI.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	return NewWithRunner(cfg, cliRunner{binary: cfg.Binary}, logger)
}

// NewWithRunner creates a docker provider on a custom Runner.
func NewWithRunner(cfg Config, runner Runner, logger *slog.Logger) *Provider {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.Network == "" {
		cfg.Network = defaultNetwork
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	cfg.Descriptor.Name = Name
	if cfg.Descriptor.DisplayName == "" {
		cfg.Descriptor.DisplayName = "Local Docker"
	}
	return &Provider{cfg: cfg, runner: runner, logger: logger}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Descriptor() provider.Descriptor { return p.cfg.Descriptor }

// Create starts a detached container for spec and returns its id.
func (p *Provider) Create(ctx context.Context, spec provider.ContainerSpec) (string, error) {
	args := p.buildRunArgs(spec)

	p.logger.InfoContext(ctx, "docker creating container",
		slog.String("sandbox_id", spec.SandboxID.String()),
		slog.String("image", imageOr(spec.Image, p.cfg.Image)),
		slog.Float64("cpu_cores", spec.Resources.CPUCores),
		slog.Uint64("memory_mb", spec.Resources.MemoryMB),
	)

	out, err := p.runner.Output(ctx, args...)
	if err != nil {
		return "", p.classify("create", "", err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", provider.NewError(Name, "create", "", provider.ErrBackend, errors.New("docker run returned no container id"))
	}
	return id, nil
}

// buildRunArgs constructs the docker run argument list for spec.
func (p *Provider) buildRunArgs(spec provider.ContainerSpec) []string {
	name := "sandboxd-" + spec.SandboxID.String()
	args := []string{
		"run", "-d", "--init",
		"--name", name,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--pids-limit=" + strconv.Itoa(p.cfg.PIDsLimit),
		"--network=" + p.cfg.Network,
	}

	labels := spec.Labels()
	for _, k := range sortedKeys(labels) {
		args = append(args, "--label", k+"="+labels[k])
	}

	r := spec.Resources
	if r.CPUCores > 0 {
		args = append(args, "--cpus="+strconv.FormatFloat(r.CPUCores, 'f', 2, 64))
	}
	if r.MemoryMB > 0 {
		mem := strconv.FormatUint(r.MemoryMB, 10) + "m"
		args = append(args, "--memory="+mem, "--memory-swap="+mem)
	}
	if r.StorageGB > 0 && p.cfg.StorageOpt {
		args = append(args, "--storage-opt", "size="+strconv.FormatUint(r.StorageGB, 10)+"G")
	}
	if r.GPUEnabled {
		args = append(args, "--gpus", "all")
	}

	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, v := range spec.Volumes {
		mount := v.HostPath + ":" + v.ContainerPath
		if v.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}
	for _, pm := range spec.Ports {
		proto := pm.Protocol
		if proto == "" {
			proto = "tcp"
		}
		args = append(args, "-p", fmt.Sprintf("%d:%d/%s", pm.HostPort, pm.ContainerPort, proto))
	}

	args = append(args, imageOr(spec.Image, p.cfg.Image), "tail", "-f", "/dev/null")
	return args
}

// Exec runs a command to completion through docker exec.
func (p *Provider) Exec(ctx context.Context, containerID string, req provider.ExecRequest) (*provider.ExecResult, error) {
	return p.exec(ctx, containerID, req, nil)
}

// ExecStream runs a command and forwards its output to out while it runs.
func (p *Provider) ExecStream(ctx context.Context, containerID string, req provider.ExecRequest, out chan<- provider.OutputChunk) (*provider.ExecResult, error) {
	return p.exec(ctx, containerID, req, out)
}

func (p *Provider) exec(ctx context.Context, containerID string, req provider.ExecRequest, out chan<- provider.OutputChunk) (*provider.ExecResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, provider.NewError(Name, "exec", containerID, provider.ErrBackend, errors.New("empty command"))
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"exec"}
	if req.WorkingDir != "" {
		args = append(args, "-w", req.WorkingDir)
	}
	for _, k := range sortedKeys(req.Env) {
		args = append(args, "-e", k+"="+req.Env[k])
	}
	args = append(args, containerID, "/bin/sh", "-c", req.Command)

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdout, stderr io.Writer = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}, &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}
	if out != nil {
		stdout = io.MultiWriter(stdout, provider.NewChunkWriter(ctx, out, provider.StreamStdout))
		stderr = io.MultiWriter(stderr, provider.NewChunkWriter(ctx, out, provider.StreamStderr))
	}

	start := time.Now()
	runErr := p.runner.Stream(ctx, stdout, stderr, args...)
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, provider.NewError(Name, "exec", containerID, provider.ErrBackend, fmt.Errorf("command interrupted after %s: %w", duration.Round(time.Millisecond), ctx.Err()))
		}
		var cmdErr *CommandError
		if !errors.As(runErr, &cmdErr) || cmdErr.ExitCode() < 0 {
			return nil, p.classify("exec", containerID, runErr)
		}
		// docker exec exits 1 with a daemon message when the container is
		// gone; any other non-zero status belongs to the command.
		if isDaemonError(stderrBuf.String()) {
			cmdErr.Stderr = stderrBuf.String()
			return nil, p.classify("exec", containerID, cmdErr)
		}
		exitCode = cmdErr.ExitCode()
	}

	p.logger.DebugContext(ctx, "docker exec completed",
		slog.String("container", containerID),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &provider.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}, nil
}

// StreamLogs streams docker logs output. The channel closes when the docker
// process exits or ctx is cancelled.
func (p *Provider) StreamLogs(ctx context.Context, containerID string, opts provider.LogOptions) (<-chan provider.OutputChunk, error) {
	if _, err := p.inspectState(ctx, containerID); err != nil {
		return nil, err
	}

	args := []string{"logs"}
	if opts.Follow {
		args = append(args, "--follow")
	}
	if opts.Timestamps {
		args = append(args, "--timestamps")
	}
	args = append(args, containerID)

	out := make(chan provider.OutputChunk, 64)
	go func() {
		defer close(out)
		err := p.runner.Stream(ctx, provider.NewChunkWriter(ctx, out, provider.StreamStdout), provider.NewChunkWriter(ctx, out, provider.StreamStderr), args...)
		if err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "docker logs ended with error",
				slog.String("container", containerID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return out, nil
}

// Info inspects the container and, when it is running, samples docker stats.
func (p *Provider) Info(ctx context.Context, containerID string) (*provider.ContainerInfo, error) {
	state, err := p.inspectState(ctx, containerID)
	if err != nil {
		return nil, err
	}

	info := &provider.ContainerInfo{
		ID:        containerID,
		Status:    state.status(),
		StartedAt: state.startedAt(),
	}

	if info.Status.State == provider.StateRunning {
		out, err := p.runner.Output(ctx, "stats", "--no-stream", "--format", "{{json .}}", containerID)
		if err != nil {
			p.logger.DebugContext(ctx, "docker stats failed",
				slog.String("container", containerID),
				slog.String("error", err.Error()),
			)
			return info, nil
		}
		m, err := parseStats(out)
		if err != nil {
			p.logger.DebugContext(ctx, "parsing docker stats",
				slog.String("container", containerID),
				slog.String("error", err.Error()),
			)
			return info, nil
		}
		info.Metrics = m
	}
	return info, nil
}

func (p *Provider) inspectState(ctx context.Context, containerID string) (*inspectState, error) {
	out, err := p.runner.Output(ctx, "container", "inspect", "--format", "{{json .State}}", containerID)
	if err != nil {
		return nil, p.classify("inspect", containerID, err)
	}
	state, err := parseInspectState(out)
	if err != nil {
		return nil, provider.NewError(Name, "inspect", containerID, provider.ErrBackend, err)
	}
	return state, nil
}

// Stop sends SIGTERM and kills the container after timeout.
func (p *Provider) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 0 {
		secs = 0
	}
	p.logger.InfoContext(ctx, "docker stopping container",
		slog.String("container", containerID),
		slog.Int("timeout_s", secs),
	)
	if _, err := p.runner.Output(ctx, "stop", "-t", strconv.Itoa(secs), containerID); err != nil {
		return p.classify("stop", containerID, err)
	}
	return nil
}

// Remove deletes the container.
func (p *Provider) Remove(ctx context.Context, containerID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)
	if _, err := p.runner.Output(ctx, args...); err != nil {
		return p.classify("remove", containerID, err)
	}
	return nil
}

// ListManaged lists every container carrying the managed label, running or not.
func (p *Provider) ListManaged(ctx context.Context) ([]provider.ManagedContainer, error) {
	out, err := p.runner.Output(ctx, "ps", "-a", "--no-trunc",
		"--filter", "label="+provider.LabelManaged+"=true",
		"--format", "{{json .}}")
	if err != nil {
		return nil, p.classify("list", "", err)
	}
	containers, err := parsePS(out)
	if err != nil {
		return nil, provider.NewError(Name, "list", "", provider.ErrBackend, err)
	}
	return containers, nil
}

// classify maps a docker CLI failure onto the provider error classes.
func (p *Provider) classify(op, containerID string, err error) error {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return provider.NewError(Name, op, containerID, provider.ErrProviderUnavailable, err)
	}

	var msg string
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		msg = strings.ToLower(cmdErr.Stderr)
	}

	kind := provider.ErrBackend
	switch {
	case strings.Contains(msg, "cannot connect to the docker daemon"),
		strings.Contains(msg, "is the docker daemon running"),
		strings.Contains(msg, "error during connect"),
		strings.Contains(msg, "permission denied while trying to connect"):
		kind = provider.ErrProviderUnavailable
	case strings.Contains(msg, "no such container"),
		strings.Contains(msg, "no such object"):
		kind = provider.ErrContainerNotFound
	case strings.Contains(msg, "minimum memory limit"),
		strings.Contains(msg, "range of cpus"),
		strings.Contains(msg, "cannot allocate memory"),
		strings.Contains(msg, "no space left on device"),
		strings.Contains(msg, "could not select device driver"),
		strings.Contains(msg, "insufficient"):
		kind = provider.ErrResourceLimitExceeded
	}
	return provider.NewError(Name, op, containerID, kind, err)
}

func isDaemonError(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.HasPrefix(s, "error response from daemon") ||
		strings.Contains(s, "cannot connect to the docker daemon")
}

func imageOr(image, fallback string) string {
	if image != "" {
		return image
	}
	return fallback
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ provider.Provider     = (*Provider)(nil)
	_ provider.StreamExecer = (*Provider)(nil)
)
