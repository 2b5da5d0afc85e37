package provider

import (
	"fmt"
	"slices"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// Descriptor is the capability, limit and pricing metadata of a provider.
// It is read-only once the provider is registered.
type Descriptor struct {
	Name         string       `json:"name" yaml:"name"`
	DisplayName  string       `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
	Limits       Limits       `json:"limits" yaml:"limits"`
	Pricing      Pricing      `json:"pricing" yaml:"pricing"`
}

// Capabilities lists optional provider features.
type Capabilities struct {
	GPU               bool     `json:"gpu" yaml:"gpu"`
	PersistentStorage bool     `json:"persistent_storage" yaml:"persistent_storage"`
	PublicURLs        bool     `json:"public_urls" yaml:"public_urls"`
	SSH               bool     `json:"ssh" yaml:"ssh"`
	Autoscaling       bool     `json:"autoscaling" yaml:"autoscaling"`
	Regions           []string `json:"regions,omitempty" yaml:"regions,omitempty"`
}

// Limits caps the resources a single sandbox may request. Zero means unlimited.
type Limits struct {
	MaxMemoryMB     uint64  `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxVCPU         float64 `json:"max_vcpu" yaml:"max_vcpu"`
	MaxStorageGB    uint64  `json:"max_storage_gb" yaml:"max_storage_gb"`
	MaxRuntimeHours float64 `json:"max_runtime_hours" yaml:"max_runtime_hours"`
}

// Pricing is the provider cost model in USD.
// Compute is billed by PerHour when set, else by PerCPUHour.
// Memory is billed by PerGBMemory when set, else by PerGBHour.
type Pricing struct {
	BaseCost     float64            `json:"base_cost" yaml:"base_cost"`
	PerHour      *float64           `json:"per_hour,omitempty" yaml:"per_hour,omitempty"`
	PerCPUHour   *float64           `json:"per_cpu_hour,omitempty" yaml:"per_cpu_hour,omitempty"`
	PerGBMemory  *float64           `json:"per_gb_memory,omitempty" yaml:"per_gb_memory,omitempty"`
	PerGBHour    *float64           `json:"per_gb_hour,omitempty" yaml:"per_gb_hour,omitempty"`
	PerGBStorage float64            `json:"per_gb_storage" yaml:"per_gb_storage"`
	PerExecution float64            `json:"per_execution" yaml:"per_execution"`
	GPUPerHour   map[string]float64 `json:"gpu_per_hour,omitempty" yaml:"gpu_per_hour,omitempty"`
}

// MemoryRate returns the per-GB-hour memory rate, or 0 when unpriced.
func (p Pricing) MemoryRate() float64 {
	if p.PerGBMemory != nil {
		return *p.PerGBMemory
	}
	if p.PerGBHour != nil {
		return *p.PerGBHour
	}
	return 0
}

// CheckResources validates a requested shape against the limits and capabilities.
// The returned error wraps domain.ErrLimitExceeded.
func (d Descriptor) CheckResources(r domain.ResourceConfig) error {
	l := d.Limits
	if l.MaxVCPU > 0 && r.CPUCores > l.MaxVCPU {
		return fmt.Errorf("%w: %s allows %.2f vCPU, requested %.2f", domain.ErrLimitExceeded, d.Name, l.MaxVCPU, r.CPUCores)
	}
	if l.MaxMemoryMB > 0 && r.MemoryMB > l.MaxMemoryMB {
		return fmt.Errorf("%w: %s allows %d MB memory, requested %d", domain.ErrLimitExceeded, d.Name, l.MaxMemoryMB, r.MemoryMB)
	}
	if l.MaxStorageGB > 0 && r.StorageGB > l.MaxStorageGB {
		return fmt.Errorf("%w: %s allows %d GB storage, requested %d", domain.ErrLimitExceeded, d.Name, l.MaxStorageGB, r.StorageGB)
	}
	if r.GPUEnabled && !d.Capabilities.GPU {
		return fmt.Errorf("%w: %s has no GPU capability", domain.ErrLimitExceeded, d.Name)
	}
	return nil
}

// SupportsRegion reports whether region is served. An empty region list serves all.
func (c Capabilities) SupportsRegion(region string) bool {
	return len(c.Regions) == 0 || slices.Contains(c.Regions, region)
}
