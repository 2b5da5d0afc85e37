package janitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/sandboxd/internal/config"
	"github.com/jkaninda/sandboxd/internal/provider/providertest"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/sandbox/sandboxtest"
)

type recordingCleaner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recordingCleaner) CleanupOrphanedContainers(_ context.Context, providerID string, dryRun bool) (*sandbox.CleanupResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, providerID)
	if err := r.fail[providerID]; err != nil {
		return nil, err
	}
	return &sandbox.CleanupResult{Provider: providerID, DryRun: dryRun}, nil
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&recordingCleaner{}, &config.CleanupConfig{Schedule: "every tuesday"}, nil, nil)
	if err == nil {
		t.Fatal("expected a schedule parse error")
	}
}

func TestSweep_ProviderSelection(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *config.CleanupConfig
		registered []string
		want       []string
	}{
		{"all registered", &config.CleanupConfig{}, []string{"docker", "process"}, []string{"docker", "process"}},
		{"nil config", nil, []string{"docker"}, []string{"docker"}},
		{"configured subset", &config.CleanupConfig{Providers: []string{"process"}}, []string{"docker", "process"}, []string{"process"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaner := &recordingCleaner{}
			j, err := New(cleaner, tt.cfg, tt.registered, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := j.Sweep(context.Background()); err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			if strings.Join(cleaner.calls, ",") != strings.Join(tt.want, ",") {
				t.Errorf("swept %v, want %v", cleaner.calls, tt.want)
			}
		})
	}
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	cleaner := &recordingCleaner{fail: map[string]error{"docker": errors.New("daemon down")}}
	j, err := New(cleaner, &config.CleanupConfig{DryRun: true}, []string{"docker", "process"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := j.Sweep(context.Background())
	if err == nil || !strings.Contains(err.Error(), "daemon down") {
		t.Errorf("err = %v, want the docker failure", err)
	}
	if len(results) != 1 || results[0].Provider != "process" || !results[0].DryRun {
		t.Errorf("results = %+v", results)
	}
}

func TestSweep_RemovesOrphans(t *testing.T) {
	fake := providertest.New("fake")
	env := sandboxtest.New(t, fake)
	kept := env.Running(t, "fake", "alice")
	fake.AddContainer("orphan-1", "")

	j, err := New(env.Manager, &config.CleanupConfig{}, env.Registry.Names(), env.Logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(results) != 1 || results[0].Removed != 1 {
		t.Fatalf("results = %+v", results)
	}
	if fake.HasContainer("orphan-1") {
		t.Error("orphan container still present")
	}
	if !fake.HasContainer(kept.ContainerID) {
		t.Error("tracked container was removed")
	}
}

func TestStartStop(t *testing.T) {
	j, err := New(&recordingCleaner{}, &config.CleanupConfig{Schedule: "@every 1h"}, []string{"docker"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Start(context.Background())
	j.Start(context.Background())
	j.Stop()
	j.Stop()
}
