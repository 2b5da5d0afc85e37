package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/cost"
	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/provider"
	"github.com/jkaninda/sandboxd/internal/sandbox"
)

var sandboxCmd = &cobra.Command{
	Use:     "sandbox",
	Aliases: []string{"sb"},
	Short:   "Manage sandboxes from the command line",
}

var (
	createReq     sandbox.CreateSandboxRequest
	createMemory  string
	createStorage string
	createEnv     map[string]string

	listUser     string
	listStatus   string
	listProvider string

	stopTimeout time.Duration
	removeForce bool

	execWorkdir string
	execTimeout time.Duration
	execStream  bool
	execUser    string

	logsFollow     bool
	logsTimestamps bool

	costExecution string
)

func init() {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a sandbox",
		Args:  cobra.NoArgs,
		RunE:  withManager(runSandboxCreate),
	}
	f := createCmd.Flags()
	f.StringVar(&createReq.Name, "name", "", "sandbox name (default: generated)")
	f.StringVar(&createReq.ProviderID, "provider", "docker", "provider to run on")
	f.StringVar(&createReq.UserID, "user", "", "owning user (required)")
	f.StringVar(&createReq.AgentID, "agent", "", "owning agent")
	f.StringVar(&createReq.ProjectID, "project", "", "project id")
	f.StringVar(&createReq.Image, "image", "", "container image (provider default when empty)")
	f.Float64Var(&createReq.Resources.CPUCores, "cpu", 1, "vCPU cores")
	f.StringVar(&createMemory, "memory", "512m", "memory size, e.g. 512m or 2g")
	f.StringVar(&createStorage, "storage", "5g", "disk size, e.g. 10g")
	f.StringVar(&createReq.Resources.GPUModel, "gpu", "", "GPU model (empty = no GPU)")
	f.StringToStringVarP(&createEnv, "env", "e", nil, "environment variables (KEY=VALUE)")
	_ = createCmd.MarkFlagRequired("user")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sandboxes",
		Args:    cobra.NoArgs,
		RunE:    withManager(runSandboxList),
	}
	listCmd.Flags().StringVar(&listUser, "user", "", "filter by user")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listProvider, "provider", "", "filter by provider")

	stopCmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  withManager(runSandboxStop),
	}
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 0, "graceful stop timeout (default from config)")

	removeCmd := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a sandbox and its container",
		Args:    cobra.ExactArgs(1),
		RunE:    withManager(runSandboxRemove),
	}
	removeCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "stop a running sandbox first")

	execCmd := &cobra.Command{
		Use:   "exec <id> -- <command>",
		Short: "Run a shell command inside a sandbox",
		Args:  cobra.MinimumNArgs(2),
		RunE:  withManager(runSandboxExec),
	}
	execCmd.Flags().StringVarP(&execWorkdir, "workdir", "w", "", "working directory inside the sandbox")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "command timeout (default from config)")
	execCmd.Flags().BoolVar(&execStream, "stream", false, "print output while the command runs")
	execCmd.Flags().StringVar(&execUser, "as", "", "recorded as the creator of the execution")

	logsCmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print the container logs of a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  withManager(runSandboxLogs),
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming new output")
	logsCmd.Flags().BoolVarP(&logsTimestamps, "timestamps", "t", false, "prefix lines with timestamps")

	costCmd := &cobra.Command{
		Use:   "cost [id]",
		Short: "Price one sandbox, or all sandboxes of a user",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withManager(runSandboxCost),
	}
	costCmd.Flags().StringVar(&listUser, "user", "", "sum the cost of every sandbox of this user")
	costCmd.Flags().StringVar(&costExecution, "exec", "", "price one execution of the sandbox instead")

	sandboxCmd.AddCommand(createCmd, listCmd, stopCmd, removeCmd, execCmd, logsCmd, costCmd)
}

type managerCommand func(ctx context.Context, sc *SharedComponents, args []string) error

// withManager initializes the shared components for a one-shot command.
// SIGINT cancels the command context.
func withManager(fn managerCommand) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sc, err := initShared(ctx, cfg, newLogger(false))
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		return fn(ctx, sc, args)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid sandbox id %q", s)
	}
	return id, nil
}

func runSandboxCreate(ctx context.Context, sc *SharedComponents, _ []string) error {
	mem, err := units.RAMInBytes(createMemory)
	if err != nil {
		return fmt.Errorf("--memory: %w", err)
	}
	disk, err := units.FromHumanSize(createStorage)
	if err != nil {
		return fmt.Errorf("--storage: %w", err)
	}
	req := createReq
	req.Resources.MemoryMB = uint64(mem / units.MiB)
	req.Resources.StorageGB = uint64(disk / units.GB)
	req.Resources.GPUEnabled = req.Resources.GPUModel != ""
	req.Env = createEnv

	sb, err := sc.Manager.CreateSandbox(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(sb)
}

func runSandboxList(ctx context.Context, sc *SharedComponents, _ []string) error {
	list, err := sc.Manager.ListSandboxes(ctx, sandbox.ListFilter{
		UserID:     listUser,
		Status:     domain.SandboxStatus(listStatus),
		ProviderID: listProvider,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tSTATUS\tCPU\tMEMORY\tUSER\tCREATED")
	for _, sb := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s ago\n",
			sb.ID, sb.Name, sb.ProviderID, sb.Status, sb.Resources.CPUCores,
			units.BytesSize(float64(sb.Resources.MemoryMB)*units.MiB), sb.UserID,
			units.HumanDuration(time.Since(sb.CreatedAt)))
	}
	return w.Flush()
}

func runSandboxStop(ctx context.Context, sc *SharedComponents, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := sc.Manager.StopSandbox(ctx, id, stopTimeout); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runSandboxRemove(ctx context.Context, sc *SharedComponents, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := sc.Manager.RemoveSandbox(ctx, id, removeForce); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runSandboxExec(ctx context.Context, sc *SharedComponents, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	executor := sandbox.NewExecutor(sc.Manager, sc.Config.Sandbox.ExecTimeout(), sc.Logger)
	req := sandbox.ExecuteRequest{
		SandboxID:  id,
		Command:    strings.Join(args[1:], " "),
		WorkingDir: execWorkdir,
		Timeout:    execTimeout,
		CreatedBy:  execUser,
	}

	if execStream {
		exec, chunks, err := executor.ExecuteCommandStreaming(ctx, req)
		if err != nil {
			return err
		}
		printChunks(chunks)
		final, err := sc.Manager.GetExecution(context.WithoutCancel(ctx), exec.ID)
		if err != nil {
			return err
		}
		return exitStatus(final.Status, final.ExitCode)
	}

	res, err := executor.ExecuteCommand(ctx, req)
	if res != nil {
		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if err != nil {
		return err
	}
	return exitStatus(res.Status, &res.ExitCode)
}

func runSandboxLogs(ctx context.Context, sc *SharedComponents, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	executor := sandbox.NewExecutor(sc.Manager, 0, sc.Logger)
	chunks, err := executor.StreamLogs(ctx, id, logsFollow, logsTimestamps)
	if err != nil {
		return err
	}
	printChunks(chunks)
	return nil
}

func runSandboxCost(ctx context.Context, sc *SharedComponents, args []string) error {
	calc := cost.NewCalculator(sc.Registry)
	if len(args) == 1 {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		sb, err := sc.Manager.GetSandbox(ctx, id)
		if err != nil {
			return err
		}
		if costExecution != "" {
			execID, err := uuid.Parse(costExecution)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", costExecution)
			}
			exec, err := sc.Manager.GetExecution(ctx, execID)
			if err != nil {
				return err
			}
			if exec.SandboxID != sb.ID {
				return fmt.Errorf("execution %s does not belong to sandbox %s", execID, id)
			}
			b, ok := calc.ExecutionCost(sb, exec)
			if !ok {
				return fmt.Errorf("execution %s has not completed", execID)
			}
			return printJSON(b)
		}
		b, ok := calc.SandboxCost(sb)
		if !ok {
			return fmt.Errorf("sandbox %s has no cost yet (never started or unknown provider)", id)
		}
		return printJSON(b)
	}

	if listUser == "" {
		return fmt.Errorf("pass a sandbox id or --user")
	}
	list, err := sc.Manager.ListSandboxes(ctx, sandbox.ListFilter{UserID: listUser})
	if err != nil {
		return err
	}
	return printJSON(calc.TotalCost(list))
}

func printChunks(chunks <-chan provider.OutputChunk) {
	for c := range chunks {
		switch c.Stream {
		case provider.StreamStdout:
			os.Stdout.Write(c.Data)
		default:
			os.Stderr.Write(c.Data)
		}
	}
}

// exitStatus turns a finished execution into the process result.
func exitStatus(status domain.ExecutionStatus, code *int) error {
	switch {
	case status == domain.ExecutionCompleted:
		return nil
	case code != nil:
		return fmt.Errorf("command %s with exit code %d", status, *code)
	default:
		return fmt.Errorf("command %s", status)
	}
}
