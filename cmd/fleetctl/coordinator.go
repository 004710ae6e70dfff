package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianfleet/controlplane/pkg/alerts"
	"github.com/meridianfleet/controlplane/pkg/broker"
	"github.com/meridianfleet/controlplane/pkg/events"
	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/metrics"
	"github.com/meridianfleet/controlplane/pkg/registry"
	"github.com/meridianfleet/controlplane/pkg/repository"
	"github.com/meridianfleet/controlplane/pkg/security"
	"github.com/meridianfleet/controlplane/pkg/statestore"
	"github.com/meridianfleet/controlplane/pkg/transport"
	"github.com/meridianfleet/controlplane/pkg/transport/wire"
	"github.com/meridianfleet/controlplane/pkg/workflow"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the fleet coordinator",
}

var coordinatorServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator: message fabric consumer, agent transport, workflow engine, and HTTP metrics/health surface",
	RunE:  runCoordinatorServe,
}

func init() {
	coordinatorCmd.AddCommand(coordinatorServeCmd)

	f := coordinatorServeCmd.Flags()
	f.String("amqp-host", "localhost", "RabbitMQ host")
	f.Int("amqp-port", 5672, "RabbitMQ port")
	f.String("amqp-user", "guest", "RabbitMQ username")
	f.String("amqp-password", "guest", "RabbitMQ password")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database index")
	f.String("listen-addr", ":8443", "Agent transport listen address")
	f.String("metrics-addr", ":9090", "Metrics/health HTTP listen address")
	f.String("data-dir", "./data", "BoltDB data directory for deployment history and CA key material")
	f.String("cluster-id", "default-fleet", "Fleet cluster identifier, used to derive the CA root key encryption key")
	f.String("jwt-secret", "change-me", "HMAC secret signing agent/operator bearer tokens")
	f.Duration("heartbeat-timeout", 45*time.Second, "Agent heartbeat timeout before marking disconnected")
	f.Int("max-parallel-workflows", 200, "Global cap on concurrent in-flight per-server operations")
}

func runCoordinatorServe(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	amqpHost, _ := f.GetString("amqp-host")
	amqpPort, _ := f.GetInt("amqp-port")
	amqpUser, _ := f.GetString("amqp-user")
	amqpPassword, _ := f.GetString("amqp-password")
	redisAddr, _ := f.GetString("redis-addr")
	redisPassword, _ := f.GetString("redis-password")
	redisDB, _ := f.GetInt("redis-db")
	listenAddr, _ := f.GetString("listen-addr")
	metricsAddr, _ := f.GetString("metrics-addr")
	dataDir, _ := f.GetString("data-dir")
	clusterID, _ := f.GetString("cluster-id")
	jwtSecret, _ := f.GetString("jwt-secret")
	heartbeatTimeout, _ := f.GetDuration("heartbeat-timeout")
	maxParallel, _ := f.GetInt("max-parallel-workflows")

	logger := log.WithComponent("coordinator")
	metrics.SetVersion(Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()
	metrics.RegisterComponent("repository", true, "")

	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
		return fmt.Errorf("derive CA encryption key: %w", err)
	}
	ca := security.NewCertAuthority(repo)
	if err := ca.LoadFromStore(); err != nil {
		logger.Info().Msg("no existing CA found, issuing a new root")
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize certificate authority: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return fmt.Errorf("persist certificate authority: %w", err)
		}
	}
	coordCert, err := ca.IssueClientCertificate("coordinator")
	if err != nil {
		return fmt.Errorf("issue coordinator certificate: %w", err)
	}

	bfabric, err := broker.Dial(broker.Config{
		HostName: amqpHost, Port: amqpPort, UserName: amqpUser, Password: amqpPassword,
		AutoRecover: true, MaxConnPool: 4, MinConnPool: 1, Prefetch: 32,
	})
	if err != nil {
		return fmt.Errorf("dial message fabric: %w", err)
	}
	defer bfabric.Close()
	if err := bfabric.DeclareTopology(); err != nil {
		return fmt.Errorf("declare fabric topology: %w", err)
	}
	metrics.RegisterComponent("broker", true, "")

	store := statestore.New(statestore.Config{Addr: redisAddr, Password: redisPassword, DB: redisDB})
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping state store: %w", err)
	}
	metrics.RegisterComponent("statestore", true, "")

	evtBroker := events.NewBroker()
	evtBroker.Start()
	defer evtBroker.Stop()

	fleet := registry.New(heartbeatTimeout, evtBroker)
	fleet.Start(heartbeatTimeout / 3)
	defer fleet.Stop()

	collector := metrics.NewCollector(fleet)
	collector.Start()
	defer collector.Stop()

	bus := alerts.New(alerts.Config{Fabric: bfabric, SuppressionWindow: 5 * time.Minute})
	alertSub := evtBroker.Subscribe()
	defer evtBroker.Unsubscribe(alertSub)
	go alerts.BridgeRegistryEvents(ctx, alertSub, bus)

	engine := workflow.New(workflow.Config{
		MaxConcurrentOperations: maxParallel,
	}, bfabric, store, fleet, bus, repo)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start workflow engine: %w", err)
	}
	defer engine.Stop()
	metrics.RegisterComponent("transport", true, "")

	issuer := transport.NewTokenIssuer([]byte(jwtSecret))
	srv := transport.NewServer(fleet, transport.Config{
		ListenAddr:  listenAddr,
		TLSCert:     *coordCert,
		TokenIssuer: issuer,
		Settings: wire.Settings{
			HeartbeatIntervalS: 15,
			DiscoveryIntervalS: 60,
			MetricsIntervalS:   30,
		},
	})
	go func() {
		if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("transport server exited")
		}
	}()
	defer srv.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	logger.Info().Str("listen", listenAddr).Str("metrics", metricsAddr).Msg("coordinator started")

	<-ctx.Done()
	logger.Info().Msg("shutting down, draining in-flight workflow steps")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	return nil
}
