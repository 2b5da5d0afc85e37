package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/cost"
)

var (
	estimateProvider string
	estimateCPU      float64
	estimateMemory   string
	estimateStorage  string
	estimateGPU      string
	estimateHours    float64
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Quote the cost of a sandbox shape before provisioning it",
	Example: `  sandboxd estimate --provider docker --cpu 2 --memory 4g --storage 20g --hours 8
  sandboxd estimate --provider process --memory 512m --hours 1`,
	RunE: runEstimate,
}

func init() {
	estimateCmd.Flags().StringVar(&estimateProvider, "provider", "", "provider to price (required)")
	estimateCmd.Flags().Float64Var(&estimateCPU, "cpu", 1, "vCPU cores")
	estimateCmd.Flags().StringVar(&estimateMemory, "memory", "512m", "memory size, e.g. 512m or 2g")
	estimateCmd.Flags().StringVar(&estimateStorage, "storage", "5g", "disk size, e.g. 10g")
	estimateCmd.Flags().StringVar(&estimateGPU, "gpu", "", "GPU model (empty = no GPU)")
	estimateCmd.Flags().Float64Var(&estimateHours, "hours", 1, "runtime in hours")
	_ = estimateCmd.MarkFlagRequired("provider")
}

func runEstimate(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := buildRegistry(cfg, nil, newLogger(false))
	if err != nil {
		return err
	}

	req, err := estimateRequest()
	if err != nil {
		return err
	}
	b, ok := cost.NewCalculator(registry).Estimate(req)
	if !ok {
		return fmt.Errorf("unknown provider %q (enabled: %v)", req.ProviderID, registry.Names())
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "provider\t%s\n", req.ProviderID)
	fmt.Fprintf(w, "shape\t%.2f vCPU, %s memory, %s disk\n", req.CPUCores,
		units.BytesSize(float64(req.MemoryMB)*units.MiB), units.HumanSize(float64(req.StorageGB)*units.GB))
	fmt.Fprintf(w, "hours\t%.2f\n", b.HoursRunning)
	for _, line := range []struct {
		name  string
		value float64
	}{
		{"base", b.Base},
		{"compute", b.Compute},
		{"memory", b.Memory},
		{"storage", b.Storage},
		{"network", b.Network},
		{"gpu", b.GPU},
		{"total", b.Total},
	} {
		fmt.Fprintf(w, "%s\t$%.4f\n", line.name, line.value)
	}
	return w.Flush()
}

func estimateRequest() (cost.EstimateRequest, error) {
	memBytes, err := units.RAMInBytes(estimateMemory)
	if err != nil {
		return cost.EstimateRequest{}, fmt.Errorf("--memory: %w", err)
	}
	diskBytes, err := units.FromHumanSize(estimateStorage)
	if err != nil {
		return cost.EstimateRequest{}, fmt.Errorf("--storage: %w", err)
	}
	if estimateHours < 0 {
		return cost.EstimateRequest{}, fmt.Errorf("--hours must not be negative")
	}
	return cost.EstimateRequest{
		ProviderID: estimateProvider,
		CPUCores:   estimateCPU,
		MemoryMB:   uint64(memBytes / units.MiB),
		StorageGB:  uint64(diskBytes / units.GB),
		GPUEnabled: estimateGPU != "",
		GPUModel:   estimateGPU,
		Hours:      estimateHours,
	}, nil
}
