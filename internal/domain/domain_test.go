package domain

import "testing"

func TestSandboxStatus_HasContainer(t *testing.T) {
	tests := []struct {
		status SandboxStatus
		want   bool
	}{
		{SandboxCreating, false},
		{SandboxStarting, true},
		{SandboxRunning, true},
		{SandboxStopping, true},
		{SandboxStopped, true},
		{SandboxRemoving, false},
		{SandboxError, false},
	}
	for _, tt := range tests {
		if got := tt.status.HasContainer(); got != tt.want {
			t.Errorf("%s.HasContainer() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSandboxStatus_Valid(t *testing.T) {
	if !SandboxRunning.Valid() {
		t.Error("running should be valid")
	}
	if SandboxStatus("paused").Valid() {
		t.Error("paused is not a sandbox status")
	}
}

func TestExecutionStatus_Terminal(t *testing.T) {
	for _, s := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecutionQueued, ExecutionRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
