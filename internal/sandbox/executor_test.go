package sandbox_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/provider"
	"github.com/jkaninda/sandboxd/internal/provider/providertest"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/sandbox/sandboxtest"
)

func newExecutor(t *testing.T, fake *providertest.Fake) (*sandboxtest.Env, *sandbox.Executor, *domain.Sandbox) {
	t.Helper()
	env := sandboxtest.New(t, fake)
	sb := env.Running(t, fake.Name(), "alice")
	return env, sandbox.NewExecutor(env.Manager, time.Minute, env.Logger), sb
}

// blockUntilCancelled makes Exec wait for its context.
func blockUntilCancelled(ctx context.Context, _ string, _ provider.ExecRequest) (*provider.ExecResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func waitInFlight(t *testing.T, e *sandbox.Executor, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.InFlight() != n {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight = %d, want %d", e.InFlight(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func drain(ch <-chan provider.OutputChunk) []provider.OutputChunk {
	var chunks []provider.OutputChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestExecuteCommand(t *testing.T) {
	env, exec, sb := newExecutor(t, providertest.New("fake"))
	ctx := context.Background()

	res, err := exec.ExecuteCommand(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "echo hi", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if res.Status != domain.ExecutionCompleted || res.ExitCode != 0 {
		t.Errorf("result = %s/%d, want completed/0", res.Status, res.ExitCode)
	}
	if res.Stdout != "echo hi\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}

	got, err := env.Manager.GetExecution(ctx, res.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != domain.ExecutionCompleted {
		t.Errorf("persisted status = %s, want completed", got.Status)
	}
	if got.Stdout != "echo hi\n" || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("persisted output = %q/%v", got.Stdout, got.ExitCode)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not recorded")
	}
	if got.CreatedBy != "alice" {
		t.Errorf("created_by = %q", got.CreatedBy)
	}

	if v := testutil.ToFloat64(env.Metrics.ExecutionsTotal.WithLabelValues("blocking", "completed")); v != 1 {
		t.Errorf("executions metric = %v, want 1", v)
	}
}

func TestExecuteCommand_NonZeroExit(t *testing.T) {
	fake := providertest.New("fake")
	cpu, peak := 1.5, uint64(300)
	fake.ExecFunc = func(context.Context, string, provider.ExecRequest) (*provider.ExecResult, error) {
		return &provider.ExecResult{ExitCode: 3, Stderr: "boom", CPUTimeSeconds: &cpu, MemoryPeakMB: &peak}, nil
	}
	env, exec, sb := newExecutor(t, fake)

	res, err := exec.ExecuteCommand(context.Background(), sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "false"})
	if err != nil {
		t.Fatalf("a non-zero exit is not an error: %v", err)
	}
	if res.Status != domain.ExecutionFailed || res.ExitCode != 3 {
		t.Errorf("result = %s/%d, want failed/3", res.Status, res.ExitCode)
	}

	got, _ := env.Manager.GetExecution(context.Background(), res.ExecutionID)
	if got.Stderr != "boom" {
		t.Errorf("stderr = %q", got.Stderr)
	}
	if got.CPUTimeSeconds == nil || *got.CPUTimeSeconds != 1.5 {
		t.Errorf("cpu_time_seconds = %v, want 1.5", got.CPUTimeSeconds)
	}
	if got.MemoryPeakMB == nil || *got.MemoryPeakMB != 300 {
		t.Errorf("memory_peak_mb = %v, want 300", got.MemoryPeakMB)
	}
}

func TestExecuteCommand_ProviderError(t *testing.T) {
	fake := providertest.New("fake")
	fake.ExecFunc = func(_ context.Context, id string, _ provider.ExecRequest) (*provider.ExecResult, error) {
		return nil, provider.NewError("fake", "exec", id, provider.ErrBackend, errors.New("exec failed"))
	}
	env, exec, sb := newExecutor(t, fake)

	res, err := exec.ExecuteCommand(context.Background(), sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "ls"})
	if !errors.Is(err, provider.ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
	if res == nil || res.Status != domain.ExecutionFailed {
		t.Fatalf("result = %+v, want failed", res)
	}
	got, _ := env.Manager.GetExecution(context.Background(), res.ExecutionID)
	if !strings.Contains(got.ErrorMessage, "exec failed") {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestExecuteCommand_Timeout(t *testing.T) {
	fake := providertest.New("fake")
	fake.ExecFunc = blockUntilCancelled
	env, exec, sb := newExecutor(t, fake)

	res, err := exec.ExecuteCommand(context.Background(), sandbox.ExecuteRequest{
		SandboxID: sb.ID,
		Command:   "sleep 60",
		Timeout:   20 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	got, _ := env.Manager.GetExecution(context.Background(), res.ExecutionID)
	if got.Status != domain.ExecutionFailed || !strings.HasPrefix(got.ErrorMessage, "timed out") {
		t.Errorf("execution = %s/%q, want failed/timed out", got.Status, got.ErrorMessage)
	}
	if exec.InFlight() != 0 {
		t.Errorf("in-flight = %d after completion", exec.InFlight())
	}
}

func TestExecuteCommand_Rejected(t *testing.T) {
	fake := providertest.New("fake")
	env, exec, sb := newExecutor(t, fake)
	ctx := context.Background()

	if _, err := exec.ExecuteCommand(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "  "}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty command: err = %v, want ErrInvalidRequest", err)
	}
	if _, err := exec.ExecuteCommand(ctx, sandbox.ExecuteRequest{SandboxID: uuid.New(), Command: "ls"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown sandbox: err = %v, want ErrNotFound", err)
	}

	if err := env.Manager.StopSandbox(ctx, sb.ID, 0); err != nil {
		t.Fatalf("StopSandbox: %v", err)
	}
	if _, err := exec.ExecuteCommand(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "ls"}); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("stopped sandbox: err = %v, want ErrNotRunning", err)
	}
	list, _ := env.Manager.ListExecutions(ctx, sb.ID, 0)
	if len(list) != 0 {
		t.Errorf("rejected commands created %d executions", len(list))
	}
	if fake.Calls("exec") != 0 {
		t.Errorf("provider exec calls = %d, want 0", fake.Calls("exec"))
	}
}

func TestExecuteCommandStreaming(t *testing.T) {
	env, exec, sb := newExecutor(t, providertest.New("fake"))
	ctx := context.Background()

	rec, ch, err := exec.ExecuteCommandStreaming(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "make test"})
	if err != nil {
		t.Fatalf("ExecuteCommandStreaming: %v", err)
	}
	if rec.Status != domain.ExecutionRunning {
		t.Errorf("returned status = %s, want running", rec.Status)
	}

	chunks := drain(ch)
	if len(chunks) != 1 || chunks[0].Stream != provider.StreamStdout || string(chunks[0].Data) != "make test\n" {
		t.Fatalf("chunks = %+v", chunks)
	}

	got, _ := env.Manager.GetExecution(ctx, rec.ID)
	if got.Status != domain.ExecutionCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if v := testutil.ToFloat64(env.Metrics.ExecutionsTotal.WithLabelValues("streaming", "completed")); v != 1 {
		t.Errorf("executions metric = %v, want 1", v)
	}
}

func TestExecuteCommandStreaming_ProviderError(t *testing.T) {
	fake := providertest.New("fake")
	fake.ExecFunc = func(context.Context, string, provider.ExecRequest) (*provider.ExecResult, error) {
		return nil, errors.New("container vanished")
	}
	env, exec, sb := newExecutor(t, fake)
	ctx := context.Background()

	rec, ch, err := exec.ExecuteCommandStreaming(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "ls"})
	if err != nil {
		t.Fatalf("ExecuteCommandStreaming: %v", err)
	}
	chunks := drain(ch)
	if len(chunks) != 1 || chunks[0].Stream != provider.StreamError {
		t.Fatalf("chunks = %+v, want one error chunk", chunks)
	}
	if !strings.Contains(string(chunks[0].Data), "container vanished") {
		t.Errorf("error chunk = %q", chunks[0].Data)
	}

	got, _ := env.Manager.GetExecution(ctx, rec.ID)
	if got.Status != domain.ExecutionFailed || got.ErrorMessage != "container vanished" {
		t.Errorf("execution = %s/%q", got.Status, got.ErrorMessage)
	}
}

func TestExecuteCommandStreaming_ConsumerGone(t *testing.T) {
	fake := providertest.New("fake")
	release := make(chan struct{})
	fake.ExecFunc = func(_ context.Context, _ string, req provider.ExecRequest) (*provider.ExecResult, error) {
		<-release
		return &provider.ExecResult{Stdout: strings.Repeat("x", 10)}, nil
	}
	env, exec, sb := newExecutor(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	rec, ch, err := exec.ExecuteCommandStreaming(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "build"})
	if err != nil {
		t.Fatalf("ExecuteCommandStreaming: %v", err)
	}
	cancel()
	close(release)
	drain(ch)

	got, _ := env.Manager.GetExecution(context.Background(), rec.ID)
	if got.Status != domain.ExecutionCompleted {
		t.Errorf("status = %s, want completed after the consumer left", got.Status)
	}
}

func TestCancelExecution_Streaming(t *testing.T) {
	fake := providertest.New("fake")
	fake.ExecFunc = blockUntilCancelled
	env, exec, sb := newExecutor(t, fake)
	ctx := context.Background()

	rec, ch, err := exec.ExecuteCommandStreaming(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "sleep 600"})
	if err != nil {
		t.Fatalf("ExecuteCommandStreaming: %v", err)
	}
	waitInFlight(t, exec, 1)

	if err := exec.CancelExecution(ctx, rec.ID); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	drain(ch)

	got, _ := env.Manager.GetExecution(ctx, rec.ID)
	if got.Status != domain.ExecutionCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if exec.InFlight() != 0 {
		t.Errorf("in-flight = %d after cancel", exec.InFlight())
	}

	if err := exec.CancelExecution(ctx, rec.ID); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("second cancel: err = %v, want ErrInvalidRequest", err)
	}
}

func TestCancelExecution_Blocking(t *testing.T) {
	fake := providertest.New("fake")
	fake.ExecFunc = blockUntilCancelled
	env, exec, sb := newExecutor(t, fake)
	ctx := context.Background()

	type outcome struct {
		res *sandbox.ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := exec.ExecuteCommand(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "sleep 600"})
		done <- outcome{res, err}
	}()
	waitInFlight(t, exec, 1)

	list, err := env.Manager.ListExecutions(ctx, sb.ID, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListExecutions = %d, %v", len(list), err)
	}
	if err := exec.CancelExecution(ctx, list[0].ID); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("cancelled execution returned error: %v", o.err)
		}
		if o.res.Status != domain.ExecutionCancelled {
			t.Errorf("status = %s, want cancelled", o.res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not interrupt the command")
	}
}

func TestCancelExecution_Finished(t *testing.T) {
	_, exec, sb := newExecutor(t, providertest.New("fake"))
	ctx := context.Background()

	res, err := exec.ExecuteCommand(ctx, sandbox.ExecuteRequest{SandboxID: sb.ID, Command: "true"})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if err := exec.CancelExecution(ctx, res.ExecutionID); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
	if err := exec.CancelExecution(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown execution: err = %v, want ErrNotFound", err)
	}
}

func TestStreamLogs(t *testing.T) {
	fake := providertest.New("fake")
	fake.Logs = []provider.OutputChunk{
		{Stream: provider.StreamStdout, Data: []byte("booting\n")},
		{Stream: provider.StreamStderr, Data: []byte("warning\n")},
	}
	env, exec, sb := newExecutor(t, fake)
	ctx := context.Background()

	ch, err := exec.StreamLogs(ctx, sb.ID, false, false)
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	if chunks := drain(ch); len(chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(chunks))
	}

	// Follow ends when the caller goes away.
	followCtx, cancel := context.WithCancel(ctx)
	ch, err = exec.StreamLogs(followCtx, sb.ID, true, false)
	if err != nil {
		t.Fatalf("StreamLogs follow: %v", err)
	}
	<-ch
	<-ch
	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Error("unexpected chunk after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("follow stream not closed after cancel")
	}

	fake.CreateErr = errors.New("no capacity")
	failed, _ := env.Manager.CreateSandbox(ctx, sandboxtest.Request("fake", "alice"))
	if _, err := exec.StreamLogs(ctx, failed.ID, false, false); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}
