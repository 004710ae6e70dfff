package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianfleet/controlplane/pkg/alerts"
	"github.com/meridianfleet/controlplane/pkg/broker"
	"github.com/meridianfleet/controlplane/pkg/planner"
	"github.com/meridianfleet/controlplane/pkg/statestore"
	"github.com/meridianfleet/controlplane/pkg/types"
	"github.com/meridianfleet/controlplane/pkg/workflow"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Submit and inspect deployment workflows",
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Control an already-submitted deployment workflow",
}

func init() {
	deployCmd.AddCommand(deploySubmitCmd, deployStatusCmd)
	workflowCmd.AddCommand(workflowPauseCmd, workflowResumeCmd, workflowCancelCmd)

	addFabricFlags(deploySubmitCmd)
	addFabricFlags(deployStatusCmd)
	addFabricFlags(workflowPauseCmd)
	addFabricFlags(workflowResumeCmd)
	addFabricFlags(workflowCancelCmd)

	f := deploySubmitCmd.Flags()
	f.String("service", "", "Service name being deployed")
	f.String("version", "", "Target version")
	f.String("strategy", "rolling", "Strategy: rolling, blue_green, canary, immediate")
	f.StringSlice("servers", nil, "Target server/agent ids, comma-separated")
	f.String("package-path", "", "Package reference the agent resolves via its PackageSource")
	f.String("package-sha256", "", "Expected SHA-256 of the package")
	f.Int("priority", 0, "Workflow priority, higher runs first when parallelism is constrained")
	f.String("wave-strategy", "fixed_size", "Wave partitioning: fixed_size or percentage")
	f.Int("wave-size", 1, "Servers per wave when wave-strategy is fixed_size")
	f.Float64("wave-percentage", 10, "Percent of fleet per wave when wave-strategy is percentage")
	f.Int("wave-interval-s", 30, "Seconds between waves")
	f.Bool("parallel-within-wave", true, "Dispatch a wave's servers concurrently")
	f.Int("max-parallelism", 10, "Max concurrent per-server operations within a wave")
	f.Float64("max-failure-threshold-pct", 0, "Percent of a wave allowed to fail before the gate breaches")
	f.Int("health-check-timeout-s", 60, "Seconds a wave's health gate waits before declaring a breach")
	f.Bool("wait", false, "Block until the workflow reaches a terminal state, printing its final status")
	_ = deploySubmitCmd.MarkFlagRequired("service")
	_ = deploySubmitCmd.MarkFlagRequired("version")

	deployStatusCmd.Flags().String("workflow-id", "", "Workflow id to inspect")
	_ = deployStatusCmd.MarkFlagRequired("workflow-id")

	workflowPauseCmd.Flags().String("workflow-id", "", "Workflow id to pause")
	_ = workflowPauseCmd.MarkFlagRequired("workflow-id")
	workflowResumeCmd.Flags().String("workflow-id", "", "Workflow id to resume")
	_ = workflowResumeCmd.MarkFlagRequired("workflow-id")
	workflowCancelCmd.Flags().String("workflow-id", "", "Workflow id to cancel")
	_ = workflowCancelCmd.MarkFlagRequired("workflow-id")
}

func addFabricFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("amqp-host", "localhost", "RabbitMQ host")
	f.Int("amqp-port", 5672, "RabbitMQ port")
	f.String("amqp-user", "guest", "RabbitMQ username")
	f.String("amqp-password", "guest", "RabbitMQ password")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database index")
}

// dialShared connects to the same message fabric and state store the
// coordinator uses, returning a bound-but-unstarted Engine: enough to
// read workflow status directly from the store and to publish control
// signals. dialShared itself acquires no lease; a caller that then
// starts the engine and submits a workflow becomes that run's lease
// owner.
func dialShared(cmd *cobra.Command) (*workflow.Engine, func(), error) {
	f := cmd.Flags()
	amqpHost, _ := f.GetString("amqp-host")
	amqpPort, _ := f.GetInt("amqp-port")
	amqpUser, _ := f.GetString("amqp-user")
	amqpPassword, _ := f.GetString("amqp-password")
	redisAddr, _ := f.GetString("redis-addr")
	redisPassword, _ := f.GetString("redis-password")
	redisDB, _ := f.GetInt("redis-db")

	fabric, err := broker.Dial(broker.Config{
		HostName: amqpHost, Port: amqpPort, UserName: amqpUser, Password: amqpPassword,
		MaxConnPool: 1, MinConnPool: 1, Prefetch: 8,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial message fabric: %w", err)
	}
	if err := fabric.DeclareTopology(); err != nil {
		fabric.Close()
		return nil, nil, fmt.Errorf("declare fabric topology: %w", err)
	}

	store := statestore.New(statestore.Config{Addr: redisAddr, Password: redisPassword, DB: redisDB})
	bus := alerts.New(alerts.Config{})
	eng := workflow.New(workflow.Config{}, fabric, store, nil, bus, nil)
	return eng, func() { fabric.Close() }, nil
}

func runDeploySubmit(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	service, _ := f.GetString("service")
	version, _ := f.GetString("version")
	strategy, _ := f.GetString("strategy")
	servers, _ := f.GetStringSlice("servers")
	packagePath, _ := f.GetString("package-path")
	packageSHA256, _ := f.GetString("package-sha256")
	priority, _ := f.GetInt("priority")
	waveStrategy, _ := f.GetString("wave-strategy")
	waveSize, _ := f.GetInt("wave-size")
	wavePercentage, _ := f.GetFloat64("wave-percentage")
	waveIntervalS, _ := f.GetInt("wave-interval-s")
	parallelWithinWave, _ := f.GetBool("parallel-within-wave")
	maxParallelism, _ := f.GetInt("max-parallelism")
	maxFailureThresholdPct, _ := f.GetFloat64("max-failure-threshold-pct")
	healthCheckTimeoutS, _ := f.GetInt("health-check-timeout-s")
	wait, _ := f.GetBool("wait")

	if len(servers) == 0 {
		return fmt.Errorf("at least one --servers target is required")
	}

	eng, closeFn, err := dialShared(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	req := planner.Request{
		ServiceName:   service,
		Version:       version,
		Strategy:      types.StrategyKind(strings.ToLower(strategy)),
		TargetServers: servers,
		PackagePath:   packagePath,
		PackageSHA256: packageSHA256,
		Priority:      priority,
		Configuration: planner.Configuration{
			Rolling: &planner.RollingConfiguration{MaxFailureThresholdPct: maxFailureThresholdPct},
			Wave: &planner.WaveConfiguration{
				Strategy:             planner.WaveStrategyKind(waveStrategy),
				WaveSize:             waveSize,
				WavePercentage:       wavePercentage,
				WaveIntervalS:        waveIntervalS,
				ParallelWithinWave:   parallelWithinWave,
				MaxParallelism:       maxParallelism,
				DelayBetweenServersS: 0,
			},
			HealthCheck: &planner.HealthCheckConfiguration{HealthCheckTimeoutS: healthCheckTimeoutS},
		},
	}

	wf, err := eng.Submit(ctx, req, currentUser())
	if err != nil {
		return fmt.Errorf("submit workflow: %w", err)
	}
	if wf.LastError != nil {
		return fmt.Errorf("workflow rejected at planning: %s", wf.LastError.Message)
	}
	fmt.Printf("submitted workflow %s (%s)\n", wf.WorkflowID, wf.State)

	if !wait {
		// This process owns the run's lease only as long as it stays up;
		// exiting now leaves it to lapse after its TTL, at which point the
		// long-running coordinator's crash-resume scan reattaches it. No
		// graceful Stop here: that would cancel the run we just started.
		return nil
	}

	defer eng.Stop()
	for {
		current, err := eng.Status(ctx, wf.WorkflowID)
		if err != nil {
			return fmt.Errorf("poll workflow status: %w", err)
		}
		if current.State.Terminal() {
			return printWorkflow(current)
		}
		time.Sleep(time.Second)
	}
}

func runDeployStatus(cmd *cobra.Command, args []string) error {
	workflowID, _ := cmd.Flags().GetString("workflow-id")
	eng, closeFn, err := dialShared(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	wf, err := eng.Status(context.Background(), workflowID)
	if err != nil {
		return fmt.Errorf("fetch workflow status: %w", err)
	}
	if wf == nil {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	return printWorkflow(wf)
}

func runWorkflowPause(cmd *cobra.Command, args []string) error {
	return withRequestedControl(cmd, func(eng *workflow.Engine, ctx context.Context, id string) error {
		return eng.RequestPause(ctx, id)
	})
}

func runWorkflowResume(cmd *cobra.Command, args []string) error {
	return withRequestedControl(cmd, func(eng *workflow.Engine, ctx context.Context, id string) error {
		return eng.RequestResume(ctx, id)
	})
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	return withRequestedControl(cmd, func(eng *workflow.Engine, ctx context.Context, id string) error {
		return eng.RequestCancel(ctx, id)
	})
}

func withRequestedControl(cmd *cobra.Command, fn func(*workflow.Engine, context.Context, string) error) error {
	workflowID, _ := cmd.Flags().GetString("workflow-id")
	eng, closeFn, err := dialShared(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	if err := fn(eng, ctx, workflowID); err != nil {
		return err
	}
	fmt.Printf("control signal sent for workflow %s\n", workflowID)
	return nil
}

func printWorkflow(wf *types.DeploymentWorkflow) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(wf)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "fleetctl"
}

var deploySubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Plan and submit a deployment workflow",
	RunE:  runDeploySubmit,
}

var deployStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a workflow's current persisted state",
	RunE:  runDeployStatus,
}

var workflowPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Request that a running workflow pause after its current step",
	RunE:  runWorkflowPause,
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused workflow",
	RunE:  runWorkflowResume,
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a running or paused workflow",
	RunE:  runWorkflowCancel,
}
