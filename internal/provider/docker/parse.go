package docker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/jkaninda/sandboxd/internal/provider"
)

const bytesPerMB = 1024 * 1024

// inspectState is the subset of `docker inspect` .State we consume.
type inspectState struct {
	Status     string `json:"Status"`
	Running    bool   `json:"Running"`
	Paused     bool   `json:"Paused"`
	Restarting bool   `json:"Restarting"`
	OOMKilled  bool   `json:"OOMKilled"`
	Dead       bool   `json:"Dead"`
	ExitCode   int    `json:"ExitCode"`
	Error      string `json:"Error"`
	StartedAt  string `json:"StartedAt"`
}

func parseInspectState(data []byte) (*inspectState, error) {
	var s inspectState
	if err := json.Unmarshal(bytes.TrimSpace(data), &s); err != nil {
		return nil, fmt.Errorf("decoding inspect state: %w", err)
	}
	return &s, nil
}

func (s *inspectState) status() provider.ContainerStatus {
	switch {
	case s.Error != "":
		return provider.ContainerStatus{State: provider.StateError, Reason: s.Error}
	case s.OOMKilled && !s.Running:
		return provider.ContainerStatus{State: provider.StateError, Reason: "killed by the OOM killer"}
	case s.Dead:
		return provider.ContainerStatus{State: provider.StateDead}
	case s.Paused:
		return provider.ContainerStatus{State: provider.StatePaused}
	case s.Restarting:
		return provider.ContainerStatus{State: provider.StateRestarting}
	case s.Running:
		return provider.ContainerStatus{State: provider.StateRunning}
	}
	switch s.Status {
	case "created":
		return provider.ContainerStatus{State: provider.StateCreated}
	case "exited":
		return provider.ContainerStatus{State: provider.StateExited}
	case "dead":
		return provider.ContainerStatus{State: provider.StateDead}
	}
	return provider.ContainerStatus{State: provider.StateUnknown}
}

func (s *inspectState) startedAt() *time.Time {
	t, err := time.Parse(time.RFC3339Nano, s.StartedAt)
	if err != nil || t.IsZero() || t.Year() <= 1 {
		return nil
	}
	return &t
}

// statsLine is one `docker stats --format '{{json .}}'` record.
type statsLine struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
}

func parseStats(data []byte) (*provider.ContainerMetrics, error) {
	var line statsLine
	if err := json.Unmarshal(bytes.TrimSpace(firstLine(data)), &line); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}

	cpu, err := parsePercent(line.CPUPerc)
	if err != nil {
		return nil, err
	}
	used, limit, err := splitPair(line.MemUsage, units.RAMInBytes)
	if err != nil {
		return nil, fmt.Errorf("memory usage %q: %w", line.MemUsage, err)
	}
	rx, tx, err := splitPair(line.NetIO, units.FromHumanSize)
	if err != nil {
		return nil, fmt.Errorf("network io %q: %w", line.NetIO, err)
	}

	return &provider.ContainerMetrics{
		CPUPercent:     cpu,
		MemoryUsedMB:   float64(used) / bytesPerMB,
		MemoryLimitMB:  float64(limit) / bytesPerMB,
		NetworkRxBytes: uint64(rx),
		NetworkTxBytes: uint64(tx),
	}, nil
}

func parsePercent(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" || s == "--" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing percentage %q: %w", s, err)
	}
	return v, nil
}

// splitPair parses "a / b" where both sides are human-readable sizes.
func splitPair(s string, parse func(string) (int64, error)) (int64, int64, error) {
	left, right, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("expected \"a / b\"")
	}
	a, err := parseSize(left, parse)
	if err != nil {
		return 0, 0, err
	}
	b, err := parseSize(right, parse)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseSize(s string, parse func(string) (int64, error)) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "--" {
		return 0, nil
	}
	return parse(s)
}

// psLine is one `docker ps --format '{{json .}}'` record.
type psLine struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Labels string `json:"Labels"`
	State  string `json:"State"`
}

func parsePS(data []byte) ([]provider.ManagedContainer, error) {
	var out []provider.ManagedContainer
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line psLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("decoding ps line: %w", err)
		}
		out = append(out, provider.ManagedContainer{
			ID:        line.ID,
			Name:      line.Names,
			SandboxID: parseLabels(line.Labels)[provider.LabelSandboxID],
			State:     psState(line.State),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ps output: %w", err)
	}
	return out, nil
}

// parseLabels splits docker's "k1=v1,k2=v2" label rendering.
func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return labels
}

func psState(s string) provider.ContainerState {
	switch provider.ContainerState(s) {
	case provider.StateCreated, provider.StateRunning, provider.StatePaused,
		provider.StateRestarting, provider.StateExited, provider.StateDead:
		return provider.ContainerState(s)
	}
	return provider.StateUnknown
}

func firstLine(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[:i]
	}
	return data
}
