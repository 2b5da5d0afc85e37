package config

import "github.com/jkaninda/sandboxd/internal/provider"

func rate(v float64) *float64 { return &v }

// DefaultDockerDescriptor returns the built-in docker descriptor.
// Pricing approximates the amortized cost of a local workstation.
func DefaultDockerDescriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:        "docker",
		DisplayName: "Local Docker",
		Capabilities: provider.Capabilities{
			PersistentStorage: true,
		},
		Limits: provider.Limits{
			MaxMemoryMB:  16384,
			MaxVCPU:      8,
			MaxStorageGB: 100,
		},
		Pricing: provider.Pricing{
			PerCPUHour:   rate(0.01),
			PerGBHour:    rate(0.005),
			PerGBStorage: 0.0001,
		},
	}
}

// DefaultProcessDescriptor returns the built-in host-process descriptor.
func DefaultProcessDescriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:        "process",
		DisplayName: "Local Process",
		Limits: provider.Limits{
			MaxMemoryMB:  4096,
			MaxVCPU:      4,
			MaxStorageGB: 10,
		},
	}
}
