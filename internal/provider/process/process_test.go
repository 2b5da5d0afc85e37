package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/provider"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := New(Config{BaseDir: t.TempDir(), CPUSeconds: 10}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func createWorkspace(t *testing.T, p *Provider, env map[string]string) string {
	t.Helper()
	id, err := p.Create(context.Background(), provider.ContainerSpec{
		SandboxID: uuid.New(),
		Resources: domain.ResourceConfig{CPUCores: 1, MemoryMB: 512},
		Env:       env,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestProcess_ExecBasic(t *testing.T) {
	p := newTestProvider(t)
	id := createWorkspace(t, p, nil)

	res, err := p.Exec(context.Background(), id, provider.ExecRequest{Command: "echo hello"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
	if res.CPUTimeSeconds == nil {
		t.Error("expected measured cpu time")
	}
}

func TestProcess_NonZeroExit(t *testing.T) {
	p := newTestProvider(t)
	id := createWorkspace(t, p, nil)

	res, err := p.Exec(context.Background(), id, provider.ExecRequest{Command: "echo oops >&2; exit 42"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", res.ExitCode)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q, want oops", res.Stderr)
	}
}

func TestProcess_EnvIsolation(t *testing.T) {
	t.Setenv("SANDBOXD_TEST_SECRET", "leaked")
	p := newTestProvider(t)
	id := createWorkspace(t, p, map[string]string{"FROM_SPEC": "spec"})

	res, err := p.Exec(context.Background(), id, provider.ExecRequest{
		Command: "echo \"$SANDBOXD_TEST_SECRET|$FROM_SPEC|$FROM_REQ\"",
		Env:     map[string]string{"FROM_REQ": "req"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "|spec|req" {
		t.Errorf("stdout = %q, want |spec|req", got)
	}
}

func TestProcess_WorkingDirInsideWorkspace(t *testing.T) {
	p := newTestProvider(t)
	id := createWorkspace(t, p, nil)

	res, err := p.Exec(context.Background(), id, provider.ExecRequest{Command: "pwd", WorkingDir: "/src/app"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	want := filepath.Join(p.cfg.BaseDir, id, "src", "app")
	if got := strings.TrimSpace(res.Stdout); got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestProcess_TimeoutInterrupts(t *testing.T) {
	p := newTestProvider(t)
	id := createWorkspace(t, p, nil)

	start := time.Now()
	_, err := p.Exec(context.Background(), id, provider.ExecRequest{Command: "sleep 10", Timeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("process group was not killed promptly")
	}
}

func TestProcess_ExecStream(t *testing.T) {
	p := newTestProvider(t)
	id := createWorkspace(t, p, nil)

	out := make(chan provider.OutputChunk, 16)
	res, err := p.ExecStream(context.Background(), id, provider.ExecRequest{Command: "echo one; echo two >&2"}, out)
	if err != nil {
		t.Fatalf("ExecStream: %v", err)
	}
	close(out)

	var stdout, stderr strings.Builder
	for c := range out {
		switch c.Stream {
		case provider.StreamStdout:
			stdout.Write(c.Data)
		case provider.StreamStderr:
			stderr.Write(c.Data)
		}
	}
	if stdout.String() != "one\n" || stderr.String() != "two\n" {
		t.Errorf("streamed = %q / %q", stdout.String(), stderr.String())
	}
	if res.Stdout != "one\n" {
		t.Errorf("buffered stdout = %q", res.Stdout)
	}
}

func TestProcess_StreamLogs(t *testing.T) {
	p := newTestProvider(t)
	id := createWorkspace(t, p, nil)

	if _, err := p.Exec(context.Background(), id, provider.ExecRequest{Command: "echo first"}); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	// Non-follow stream ends after the backlog.
	ch, err := p.StreamLogs(context.Background(), id, provider.LogOptions{})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	var got []string
	for c := range ch {
		got = append(got, string(c.Data))
	}
	if len(got) != 1 || got[0] != "first\n" {
		t.Errorf("backlog = %q", got)
	}

	// Follow stream sees new output, then ends on cancel.
	ctx, cancel := context.WithCancel(context.Background())
	follow, err := p.StreamLogs(ctx, id, provider.LogOptions{Follow: true, Timestamps: true})
	if err != nil {
		t.Fatalf("StreamLogs(follow): %v", err)
	}
	<-follow // backlog
	if _, err := p.Exec(context.Background(), id, provider.ExecRequest{Command: "echo second"}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	select {
	case c := <-follow:
		if !strings.HasSuffix(string(c.Data), " second\n") {
			t.Errorf("followed chunk = %q", c.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for followed output")
	}
	cancel()
	for range follow {
	}
}

func TestProcess_StopRemove(t *testing.T) {
	p := newTestProvider(t)
	id := createWorkspace(t, p, nil)

	if err := p.Remove(context.Background(), id, false); err == nil {
		t.Fatal("Remove(force=false) on a running workspace should fail")
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Exec(context.Background(), id, provider.ExecRequest{Command: "sleep 30"})
		done <- err
	}()
	waitActive(t, p, id)

	if err := p.Stop(context.Background(), id, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("running command was not terminated by Stop")
	}

	info, err := p.Info(context.Background(), id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Status.State != provider.StateExited {
		t.Errorf("state = %s, want exited", info.Status.State)
	}
	if _, err := p.Exec(context.Background(), id, provider.ExecRequest{Command: "true"}); err == nil {
		t.Error("Exec on a stopped workspace should fail")
	}

	if err := p.Remove(context.Background(), id, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.cfg.BaseDir, id)); !os.IsNotExist(err) {
		t.Error("workspace directory should be gone")
	}
	if _, err := p.Info(context.Background(), id); !errors.Is(err, provider.ErrContainerNotFound) {
		t.Errorf("Info after remove error = %v, want ErrContainerNotFound", err)
	}
}

func waitActive(t *testing.T, p *Provider, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.workspaces[id].active)
		p.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("command never became active")
}

func TestProcess_ListManagedSurvivesRestart(t *testing.T) {
	p := newTestProvider(t)
	sandboxID := uuid.New()
	id, err := p.Create(context.Background(), provider.ContainerSpec{SandboxID: sandboxID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A fresh provider on the same base dir sees the workspace as exited.
	restarted, err := New(Config{BaseDir: p.cfg.BaseDir}, p.logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	list, err := restarted.ListManaged(context.Background())
	if err != nil {
		t.Fatalf("ListManaged: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d managed, want 1", len(list))
	}
	if list[0].ID != id || list[0].SandboxID != sandboxID.String() {
		t.Errorf("managed = %+v", list[0])
	}
	if list[0].State != provider.StateExited {
		t.Errorf("state = %s, want exited", list[0].State)
	}
	if err := restarted.Remove(context.Background(), id, false); err != nil {
		t.Fatalf("Remove after restart: %v", err)
	}
}

func TestProcess_CreateRejectsGPU(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Create(context.Background(), provider.ContainerSpec{
		SandboxID: uuid.New(),
		Resources: domain.ResourceConfig{GPUEnabled: true},
	})
	if !errors.Is(err, provider.ErrResourceLimitExceeded) {
		t.Errorf("error = %v, want ErrResourceLimitExceeded", err)
	}
}
