// Package cost turns the runtime and resource shape of sandboxes and
// executions into cost breakdowns using the pricing of their provider.
// Results are recomputed on every call.
package cost

import (
	"time"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/provider"
)

// Breakdown is the itemized cost of a sandbox, an execution or an estimate.
type Breakdown struct {
	Base         float64 `json:"base_cost"`
	Compute      float64 `json:"compute_cost"`
	Memory       float64 `json:"memory_cost"`
	Storage      float64 `json:"storage_cost"`
	Network      float64 `json:"network_cost"`
	GPU          float64 `json:"gpu_cost"`
	Total        float64 `json:"total_cost"`
	HoursRunning float64 `json:"hours_running"`
}

func (b *Breakdown) add(o Breakdown) {
	b.Base += o.Base
	b.Compute += o.Compute
	b.Memory += o.Memory
	b.Storage += o.Storage
	b.Network += o.Network
	b.GPU += o.GPU
	b.Total += o.Total
	b.HoursRunning += o.HoursRunning
}

func (b *Breakdown) sum() {
	b.Total = b.Base + b.Compute + b.Memory + b.Storage + b.Network + b.GPU
}

// DescriptorSource resolves provider descriptors. *provider.Registry
// implements it.
type DescriptorSource interface {
	Descriptor(name string) (provider.Descriptor, bool)
}

// EstimateRequest is a hypothetical sandbox shape priced before provisioning.
type EstimateRequest struct {
	ProviderID string  `json:"provider_id"`
	CPUCores   float64 `json:"cpu_cores"`
	MemoryMB   uint64  `json:"memory_mb"`
	StorageGB  uint64  `json:"storage_gb"`
	GPUEnabled bool    `json:"gpu_enabled"`
	GPUModel   string  `json:"gpu_model,omitempty"`
	Hours      float64 `json:"hours"`
}

// Calculator prices sandboxes. It holds no state besides its inputs.
type Calculator struct {
	descriptors DescriptorSource
	now         func() time.Time
}

// NewCalculator returns a Calculator reading pricing from descriptors.
func NewCalculator(descriptors DescriptorSource) *Calculator {
	return &Calculator{
		descriptors: descriptors,
		now:         time.Now,
	}
}

// WithClock replaces the time used for sandboxes that are still running.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// SandboxCost prices a sandbox from its start until it stopped, or until
// now when it is still running. ok is false when the provider is unknown
// or the sandbox never started.
func (c *Calculator) SandboxCost(sb *domain.Sandbox) (Breakdown, bool) {
	d, found := c.descriptors.Descriptor(sb.ProviderID)
	if !found || sb.StartedAt == nil {
		return Breakdown{}, false
	}
	end := c.now()
	if sb.StoppedAt != nil {
		end = *sb.StoppedAt
	}
	return price(d.Pricing, shape(sb.Resources), hoursBetween(*sb.StartedAt, end)), true
}

// ExecutionCost prices one execution. Measured CPU time and peak memory are
// preferred over wall clock time and the sandbox allocation. ok is false
// when the provider is unknown or the execution has not both started and
// completed.
func (c *Calculator) ExecutionCost(sb *domain.Sandbox, exec *domain.SandboxExecution) (Breakdown, bool) {
	d, found := c.descriptors.Descriptor(sb.ProviderID)
	if !found || exec.StartedAt == nil || exec.CompletedAt == nil {
		return Breakdown{}, false
	}
	p := d.Pricing
	hours := hoursBetween(*exec.StartedAt, *exec.CompletedAt)

	s := shape(sb.Resources)
	if exec.MemoryPeakMB != nil {
		s.memoryMB = *exec.MemoryPeakMB
	}
	b := price(p, s, hours)
	b.Base = p.PerExecution

	// CPU time already accounts for every core that was busy.
	if exec.CPUTimeSeconds != nil {
		cpuHours := *exec.CPUTimeSeconds / 3600
		switch {
		case p.PerHour != nil:
			b.Compute = *p.PerHour * cpuHours
		case p.PerCPUHour != nil:
			b.Compute = *p.PerCPUHour * cpuHours
		}
	}
	b.sum()
	return b, true
}

// TotalCost sums the breakdowns of sandboxes field by field, skipping the
// ones that cannot be priced.
func (c *Calculator) TotalCost(sandboxes []domain.Sandbox) Breakdown {
	var total Breakdown
	for i := range sandboxes {
		if b, ok := c.SandboxCost(&sandboxes[i]); ok {
			total.add(b)
		}
	}
	return total
}

// Estimate prices a hypothetical shape for the given number of hours.
// ok is false when the provider is unknown.
func (c *Calculator) Estimate(req EstimateRequest) (Breakdown, bool) {
	d, found := c.descriptors.Descriptor(req.ProviderID)
	if !found {
		return Breakdown{}, false
	}
	return price(d.Pricing, resources{
		cpuCores:   req.CPUCores,
		memoryMB:   req.MemoryMB,
		storageGB:  req.StorageGB,
		gpuEnabled: req.GPUEnabled,
		gpuModel:   req.GPUModel,
	}, req.Hours), true
}

// ThresholdPercentage returns current as a percentage of limit, or 0 when
// limit is 0.
func ThresholdPercentage(current, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return current / limit * 100
}

// IsWithinLimit reports whether cost does not exceed limit.
func IsWithinLimit(cost, limit float64) bool {
	return cost <= limit
}

type resources struct {
	cpuCores   float64
	memoryMB   uint64
	storageGB  uint64
	gpuEnabled bool
	gpuModel   string
}

func shape(r domain.ResourceConfig) resources {
	return resources{
		cpuCores:   r.CPUCores,
		memoryMB:   r.MemoryMB,
		storageGB:  r.StorageGB,
		gpuEnabled: r.GPUEnabled,
		gpuModel:   r.GPUModel,
	}
}

func price(p provider.Pricing, r resources, hours float64) Breakdown {
	b := Breakdown{Base: p.BaseCost, HoursRunning: hours}
	switch {
	case p.PerHour != nil:
		b.Compute = *p.PerHour * hours
	case p.PerCPUHour != nil:
		b.Compute = *p.PerCPUHour * r.cpuCores * hours
	}
	b.Memory = p.MemoryRate() * float64(r.memoryMB) / 1024 * hours
	b.Storage = p.PerGBStorage * float64(r.storageGB) * hours
	if r.gpuEnabled && r.gpuModel != "" {
		if rate, ok := p.GPUPerHour[r.gpuModel]; ok {
			b.GPU = rate * hours
		}
	}
	b.sum()
	return b
}

func hoursBetween(start, end time.Time) float64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Hours()
}
