package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianfleet/controlplane/pkg/health"
	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/security"
	"github.com/meridianfleet/controlplane/pkg/transport"
	"github.com/meridianfleet/controlplane/pkg/transport/wire"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the fleet agent on this server",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the coordinator and serve its heartbeat/deploy/rollback commands",
	RunE:  runAgentRun,
}

func init() {
	agentCmd.AddCommand(agentRunCmd)

	f := agentRunCmd.Flags()
	f.String("coordinator-addr", "localhost:8443", "Coordinator transport address")
	f.String("hostname", "", "Hostname to register as (defaults to os.Hostname)")
	f.String("environment", "production", "Environment tag reported at registration")
	f.String("location", "", "Location/region tag reported at registration")
	f.String("package-dir", "./packages", "Directory deployed packages are written to")
	f.Duration("heartbeat-interval", 15*time.Second, "Fallback heartbeat interval until the coordinator's Settings override it")
	f.String("health-check-mode", "exec", "How OpHealthCheck probes a service: exec, tcp, or http")
	f.String("health-check-http-url", "http://localhost:8080/healthz", "HTTP health check URL template; %s is replaced with the service name (health-check-mode=http)")
	f.String("health-check-tcp-addr", "localhost:8080", "TCP health check address template; %s is replaced with the service name (health-check-mode=tcp)")
	f.Duration("health-check-timeout", 10*time.Second, "Timeout for a single health probe")
	f.Int("health-check-retries", 3, "Consecutive failures before a service is marked unhealthy")
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	coordinatorAddr, _ := f.GetString("coordinator-addr")
	hostname, _ := f.GetString("hostname")
	environment, _ := f.GetString("environment")
	location, _ := f.GetString("location")
	packageDir, _ := f.GetString("package-dir")
	heartbeatInterval, _ := f.GetDuration("heartbeat-interval")
	healthCheckMode, _ := f.GetString("health-check-mode")
	healthCheckHTTPURL, _ := f.GetString("health-check-http-url")
	healthCheckTCPAddr, _ := f.GetString("health-check-tcp-addr")
	healthCheckTimeout, _ := f.GetDuration("health-check-timeout")
	healthCheckRetries, _ := f.GetInt("health-check-retries")

	hc := healthCheckConfig{
		mode:         healthCheckMode,
		httpTemplate: healthCheckHTTPURL,
		addrTemplate: healthCheckTCPAddr,
		probe:        health.Config{Timeout: healthCheckTimeout, Retries: healthCheckRetries},
	}

	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		hostname = h
	}
	if err := os.MkdirAll(packageDir, 0755); err != nil {
		return fmt.Errorf("create package directory: %w", err)
	}

	logger := log.WithComponent("agent")

	certDir, err := security.GetCertDir("agent", hostname)
	if err != nil {
		return fmt.Errorf("resolve certificate directory: %w", err)
	}
	var tlsConfig *tls.Config
	if security.CertExists(certDir) {
		cert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load agent certificate: %w", err)
		}
		caCert, err := security.LoadCACertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load CA certificate: %w", err)
		}
		roots := x509.NewCertPool()
		roots.AddCert(caCert)
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{*cert}, RootCAs: roots}
	} else {
		// No provisioned identity yet: connect with the system root pool
		// and rely on the coordinator's bearer-token check alone until an
		// operator provisions a certificate out of band.
		tlsConfig = &tls.Config{}
		logger.Warn().Str("cert_dir", certDir).Msg("no agent certificate found, connecting without client mTLS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := transport.Dial(ctx, transport.DialOptions{Addr: coordinatorAddr, TLSConfig: tlsConfig})
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	defer client.Close()

	reg, err := client.RegisterAgent(ctx, &wire.AgentRegistration{
		Hostname:      hostname,
		AgentVersion:  Version,
		CPUCores:      runtime.NumCPU(),
		TotalMemoryMB: readTotalMemoryMB(),
		Location:      location,
		Environment:   environment,
		Tags:          map[string]string{},
	})
	if err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}
	if !reg.Success {
		return fmt.Errorf("registration rejected: %s", reg.Message)
	}
	logger.Info().Str("server_id", reg.ServerID).Msg("registered with coordinator")

	interval := heartbeatInterval
	if reg.Settings.HeartbeatIntervalS > 0 {
		interval = time.Duration(reg.Settings.HeartbeatIntervalS) * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serviceCount := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("agent shutting down")
			return nil
		case <-ticker.C:
			resp, err := client.Heartbeat(ctx, &wire.HeartbeatRequest{
				ServerID:     reg.ServerID,
				Hostname:     hostname,
				AgentStatus:  "connected",
				Timestamp:    time.Now(),
				MemMB:        readTotalMemoryMB(),
				ServiceCount: serviceCount,
			})
			if err != nil {
				logger.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			for _, pending := range resp.PendingCommands {
				result := executeCommand(ctx, client, pending, packageDir, hc)
				if err := client.ReportCommandResult(ctx, &result); err != nil {
					logger.Warn().Err(err).Str("command_id", pending.CommandID).Msg("report command result")
				}
			}
		}
	}
}

// executeCommand runs one DeploymentCommand delivered over the
// heartbeat fallback path and returns its outcome. OpDeploy pulls the
// package over DeployService and verifies its checksum; OpHealthCheck
// runs the configured health.Checker; every other operation is realized
// as a local service-manager invocation, the agent's only point of
// contact with the host OS.
func executeCommand(ctx context.Context, client *transport.Client, cmd wire.DeploymentCommand, packageDir string, hc healthCheckConfig) wire.CommandResult {
	logger := log.WithComponent("agent")
	logger.Info().Str("command_id", cmd.CommandID).Str("operation", cmd.Operation).Str("service", cmd.ServiceName).Msg("executing command")

	switch cmd.Operation {
	case opDeploy:
		return deployPackage(ctx, client, cmd, packageDir)
	case opHealthCheck:
		return runHealthCheck(ctx, cmd, hc)
	}

	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(execCtx, "systemctl", cmd.Operation, cmd.ServiceName).CombinedOutput()
	if err != nil {
		return wire.CommandResult{
			CommandID: cmd.CommandID, Success: false, ExitCode: 1,
			Message: fmt.Sprintf("%v: %s", err, string(out)), ExecutedAt: time.Now(),
		}
	}
	return wire.CommandResult{CommandID: cmd.CommandID, Success: true, ExitCode: 0, Message: string(out), ExecutedAt: time.Now()}
}

const (
	opDeploy      = "deploy"
	opHealthCheck = "health_check"
)

// healthCheckConfig selects and parameterizes the health.Checker an
// agent process runs for every OpHealthCheck command it receives.
type healthCheckConfig struct {
	mode         string // exec, tcp, or http
	httpTemplate string // %s replaced by the service name
	addrTemplate string // %s replaced by the service name
	probe        health.Config
}

func (hc healthCheckConfig) checkerFor(serviceName string) health.Checker {
	switch hc.mode {
	case "http":
		return health.NewHTTPChecker(fmt.Sprintf(hc.httpTemplate, serviceName))
	case "tcp":
		return health.NewTCPChecker(fmt.Sprintf(hc.addrTemplate, serviceName))
	default:
		return health.NewExecChecker([]string{"systemctl", "is-active", "--quiet", serviceName})
	}
}

var (
	healthStatusesMu sync.Mutex
	healthStatuses   = make(map[string]*health.Status)
)

// statusFor returns the persistent consecutive-failure tracker for
// serviceName, creating one on first use. One agent process tracks
// every service it has ever been asked to check.
func statusFor(serviceName string) *health.Status {
	healthStatusesMu.Lock()
	defer healthStatusesMu.Unlock()
	st, ok := healthStatuses[serviceName]
	if !ok {
		st = health.NewStatus()
		healthStatuses[serviceName] = st
	}
	return st
}

// runHealthCheck probes cmd.ServiceName with the configured checker and
// folds the result into that service's running Status, so a single
// flaky probe doesn't flip a gate: a service only reports unhealthy
// after hc.probe.Retries consecutive failures.
func runHealthCheck(ctx context.Context, cmd wire.DeploymentCommand, hc healthCheckConfig) wire.CommandResult {
	checker := hc.checkerFor(cmd.ServiceName)

	timeout := hc.probe.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := checker.Check(checkCtx)
	status := statusFor(cmd.ServiceName)
	status.Update(result, hc.probe)

	if !status.Healthy {
		return wire.CommandResult{
			CommandID: cmd.CommandID, Success: false, ExitCode: 1,
			Message: result.Message, ExecutedAt: time.Now(),
		}
	}
	return wire.CommandResult{CommandID: cmd.CommandID, Success: true, ExitCode: 0, Message: result.Message, ExecutedAt: time.Now()}
}

func deployPackage(ctx context.Context, client *transport.Client, cmd wire.DeploymentCommand, packageDir string) wire.CommandResult {
	stream, err := client.DeployService(ctx, &wire.DeployRequest{
		ServiceName: cmd.ServiceName, TargetVersion: cmd.Version, PackageRef: cmd.PackageRef,
	})
	if err != nil {
		return wire.CommandResult{CommandID: cmd.CommandID, Success: false, Message: err.Error(), ExecutedAt: time.Now()}
	}

	var buf bytes.Buffer
	var checksum string
	for {
		chunk, err := stream.RecvChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return wire.CommandResult{CommandID: cmd.CommandID, Success: false, Message: err.Error(), ExecutedAt: time.Now()}
		}
		buf.Write(chunk.Bytes)
		checksum = chunk.SHA256
		progress := "Received"
		if int64(buf.Len()) >= chunk.TotalSize {
			progress = "Verified"
		}
		if err := stream.SendProgress(&wire.Progress{Status: progress, Timestamp: time.Now()}); err != nil {
			return wire.CommandResult{CommandID: cmd.CommandID, Success: false, Message: err.Error(), ExecutedAt: time.Now()}
		}
	}
	_ = stream.CloseSend()

	sum := sha256.Sum256(buf.Bytes())
	if hex.EncodeToString(sum[:]) != checksum {
		return wire.CommandResult{CommandID: cmd.CommandID, Success: false, Message: "checksum mismatch", ExecutedAt: time.Now()}
	}

	dest := filepath.Join(packageDir, cmd.ServiceName+"-"+cmd.Version+".pkg")
	if err := os.WriteFile(dest, buf.Bytes(), 0644); err != nil {
		return wire.CommandResult{CommandID: cmd.CommandID, Success: false, Message: err.Error(), ExecutedAt: time.Now()}
	}

	return wire.CommandResult{
		CommandID: cmd.CommandID, Success: true, ExitCode: 0,
		Message: fmt.Sprintf("applied %s", dest), ExecutedAt: time.Now(),
	}
}

func readTotalMemoryMB() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Sys / (1024 * 1024))
}
