// Package transport implements the Agent Transport component: the
// bidirectional RPC channel between an agent and the coordinator, an
// mTLS-wrapped grpc.Server paired with a client-side connect/register/
// heartbeat loop, built around a single service surface and a
// hand-registered, JSON-coded grpc.ServiceDesc in place of
// protoc-generated stubs.
//
// The agent is always the gRPC client: it dials the coordinator to
// register, heartbeat, report discovered services, and stream metrics,
// and it initiates DeployService itself to pull a package. The
// synchronous admin path (ExecuteServiceCommand, RollbackService) is
// realized over the existing Heartbeat/pendingCommands channel rather
// than a second, coordinator-initiated RPC, so that no inbound
// connectivity to any of the 200+ managed servers is ever required; the
// agent answers with a unary ReportCommandResult call once it has
// executed the command. This resolves a direction left implicit for a
// fleet this size — see DESIGN.md.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/metrics"
	"github.com/meridianfleet/controlplane/pkg/registry"
	"github.com/meridianfleet/controlplane/pkg/transport/wire"
	"github.com/meridianfleet/controlplane/pkg/types"
)

// PackageSource resolves a content-addressed package reference into a
// byte stream the coordinator feeds into a DeployService chunk stream.
// The core only consumes this interface; the package store itself is
// out of scope.
type PackageSource interface {
	Open(ref string) (data []byte, sha256 string, err error)
}

// CommandResultHandler receives the outcome of a synchronous admin
// command or rollback once the agent reports it back.
type CommandResultHandler func(agentID string, result wire.CommandResult)

// MetricsBatchHandler receives a validated batch of agent-reported
// service metrics; the repository or an external TSDB forwarder hangs
// off this.
type MetricsBatchHandler func(agentID string, batch wire.MetricsBatch)

// Server is the coordinator-side Agent Transport: a grpc.Server over
// mTLS, backed by the fleet registry for RegisterAgent/Heartbeat/
// ReportServices/StreamMetrics and a PackageSource for DeployService.
type Server struct {
	registry  *registry.Registry
	issuer    *TokenIssuer
	pkgSource PackageSource
	onResult  CommandResultHandler
	onMetrics MetricsBatchHandler
	settings  wire.Settings
	cfg       Config

	pending *pendingCommands

	grpcServer *grpc.Server
}

// Config configures the coordinator's transport listener.
type Config struct {
	ListenAddr  string
	TLSCert     tls.Certificate
	ClientCAs   *x509.CertPool // verifying agent client certs; nil disables mTLS client verification
	TokenIssuer *TokenIssuer
	Settings        wire.Settings
	PackageSource   PackageSource
	OnCommandResult CommandResultHandler
	OnMetricsBatch  MetricsBatchHandler
}

// NewServer creates a transport Server. Call Serve to start accepting
// connections.
func NewServer(reg *registry.Registry, cfg Config) *Server {
	return &Server{
		registry:  reg,
		issuer:    cfg.TokenIssuer,
		pkgSource: cfg.PackageSource,
		onResult:  cfg.OnCommandResult,
		onMetrics: cfg.OnMetricsBatch,
		settings:  cfg.Settings,
		cfg:       cfg,
		pending:   newPendingCommands(),
	}
}

// EnqueueCommand schedules a DeploymentCommand for delivery to agentID
// on its next heartbeat response. Nothing in this repository calls it:
// ExecuteServiceCommand and RollbackService do not queue through it, and
// the workflow engine publishes its commands over the message fabric.
func (s *Server) EnqueueCommand(agentID string, cmd wire.DeploymentCommand) {
	s.pending.push(agentID, cmd)
}

// Serve starts the gRPC listener on the configured address with mTLS,
// blocking until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "listen on %s", s.cfg.ListenAddr)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{s.cfg.TLSCert},
		ClientAuth:   tls.RequestClientCert,
	}
	if s.cfg.ClientCAs != nil {
		tlsConfig.ClientCAs = s.cfg.ClientCAs
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	srv := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.UnaryInterceptor(UnaryAuthInterceptor(s.issuer)),
		grpc.StreamInterceptor(StreamAuthInterceptor(s.issuer)),
	)
	srv.RegisterService(&serviceDesc, s)
	s.grpcServer = srv

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.WithComponent("transport").Info().Str("addr", s.cfg.ListenAddr).Msg("agent transport listening")
	if err := srv.Serve(lis); err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "serve agent transport")
	}
	return nil
}

// Stop gracefully drains in-flight RPCs and stops accepting new ones.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func observeRPC(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.TransportRequestsTotal.WithLabelValues(method, outcome).Inc()
	metrics.TransportRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// RegisterAgent implements the RegisterAgent RPC: if hostname is known
// it returns the existing agentId and refreshes metadata, otherwise it
// creates one. Idempotent over repeated calls.
func (s *Server) RegisterAgent(ctx context.Context, req *wire.AgentRegistration) (*wire.RegistrationResponse, error) {
	start := time.Now()
	agent, err := s.registry.Upsert(registry.AgentInfo{
		Hostname:      req.Hostname,
		IPAddress:     req.IPAddress,
		OSType:        req.OSType,
		OSVersion:     req.OSVersion,
		AgentVersion:  req.AgentVersion,
		CPUCores:      req.CPUCores,
		TotalMemoryMB: req.TotalMemoryMB,
		Location:      req.Location,
		Environment:   req.Environment,
		Tags:          req.Tags,
	})
	observeRPC("RegisterAgent", start, err)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "register agent %s", req.Hostname)
	}

	log.WithAgent(agent.ID).Info().Str("hostname", req.Hostname).Msg("agent registered")
	return &wire.RegistrationResponse{
		Success:  true,
		ServerID: agent.ID,
		Message:  fmt.Sprintf("registered as %s", agent.ID),
		Settings: s.settings,
	}, nil
}

// Heartbeat implements the Heartbeat RPC: it refreshes liveness and
// resource metrics, and piggybacks any commands pending delivery to
// this agent.
func (s *Server) Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	start := time.Now()
	err := s.registry.MarkHeartbeat(req.ServerID, registry.HeartbeatMetrics{
		Status:       types.AgentStatus(req.AgentStatus),
		CPUPercent:   req.CPUPercent,
		MemoryMB:     req.MemMB,
		ServiceCount: req.ServiceCount,
		Timestamp:    req.Timestamp,
	})
	observeRPC("Heartbeat", start, err)
	metrics.HeartbeatsTotal.WithLabelValues(req.AgentStatus).Inc()
	if err != nil {
		if errs.Is(err, errs.NotRegistered) {
			return nil, err
		}
		return nil, errs.Wrap(errs.Internal, err, "heartbeat for %s", req.ServerID)
	}

	return &wire.HeartbeatResponse{
		Success:         true,
		PendingCommands: s.pending.drain(req.ServerID),
	}, nil
}

// ReportServices implements the ReportServices RPC: a full service
// snapshot that upserts present services and marks absent ones inactive.
func (s *Server) ReportServices(ctx context.Context, req *wire.ServiceDiscovery) (*wire.ServiceDiscoveryResponse, error) {
	start := time.Now()
	services := make([]*types.Service, 0, len(req.Services))
	for _, svc := range req.Services {
		services = append(services, &types.Service{
			Name:           svc.Name,
			DisplayName:    svc.DisplayName,
			Status:         types.ServiceStatus(svc.Status),
			PID:            svc.ProcessID,
			Port:           svc.Port,
			ExecutablePath: svc.ExecutablePath,
			WorkingDir:     svc.WorkingDir,
			ConfigFilePath: svc.ConfigFilePath,
			StartupType:    svc.StartupType,
			ServiceAccount: svc.ServiceAccount,
			LastStartTime:  svc.LastStartTime,
		})
	}
	err := s.registry.ReportServices(req.ServerID, services)
	observeRPC("ReportServices", start, err)
	if err != nil {
		if errs.Is(err, errs.NotRegistered) {
			return nil, err
		}
		return nil, errs.Wrap(errs.Internal, err, "report services for %s", req.ServerID)
	}
	return &wire.ServiceDiscoveryResponse{Success: true}, nil
}

// ReportCommandResult implements the agent's callback for the
// synchronous admin path: the result of an ExecuteServiceCommand or
// RollbackService operation it executed from a prior heartbeat's
// pendingCommands.
func (s *Server) ReportCommandResult(ctx context.Context, req *wire.CommandResult) (*wire.CommandResult, error) {
	start := time.Now()
	principal, _ := ContextPrincipal(ctx)
	if s.onResult != nil {
		s.onResult(principal.AgentID, *req)
	}
	observeRPC("ReportCommandResult", start, nil)
	return req, nil
}
