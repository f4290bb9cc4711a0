package main

import (
	"context"
	stdlog "log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/task-scheduler/api"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/events"
	tsKafka "task-orchestrator/internal/task-scheduler/kafka"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/registry"
	"task-orchestrator/internal/task-scheduler/secrets"
	"task-orchestrator/internal/task-scheduler/services"
	"task-orchestrator/internal/task-scheduler/syncer"
	gorm_db "task-orchestrator/pkg/db"
)

func main() {
	stdlog.Println("Task Scheduler starting...")

	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	appCtx, appCancel := context.WithCancel(context.Background())

	gormDB, err := gorm_db.NewGormDB(cfg.DB.Type, cfg.DB.DSN)
	if err != nil {
		stdlog.Fatalf("Failed to initialize database: %v", err)
	}
	store := db.NewStore(gormDB)
	if err := store.Migrate(); err != nil {
		stdlog.Fatalf("Failed to migrate database: %v", err)
	}
	hlog.Info("Database migration successful.")

	keyring, err := secrets.NewKeyring(cfg.MasterKey)
	if err != nil {
		stdlog.Fatalf("Failed to initialize keyring: %v", err)
	}
	transport, err := pool.NewSSHTransport(cfg.Pool.KnownHostsFile)
	if err != nil {
		stdlog.Fatalf("Failed to initialize SSH transport: %v", err)
	}
	connPool := pool.New(transport, keyring, pool.OptionsFromConfig(cfg.Pool))

	reg, err := registry.FromConfig(cfg.Services)
	if err != nil {
		stdlog.Fatalf("Failed to load service registry: %v", err)
	}

	var emitter events.Emitter = events.NopEmitter{}
	var closeEvents func() error
	if cfg.Kafka.Enabled {
		writer := tsKafka.NewEventWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		emitter = events.NewKafkaEmitter(writer)
		closeEvents = writer.Close
	} else {
		hlog.Warn("Kafka disabled, task events are not published")
	}

	scheduler := services.NewSchedulerService(store, connPool, reg, emitter, syncer.New(connPool, keyring), cfg.Scheduler)
	healthService, err := services.NewHealthService(appCtx, store, connPool, emitter, cfg.Health)
	if err != nil {
		stdlog.Fatalf("Failed to create health service: %v", err)
	}
	if err := healthService.Start(); err != nil {
		stdlog.Fatalf("Failed to start health service: %v", err)
	}

	var loopDone sync.WaitGroup
	loopDone.Add(1)
	go func() {
		defer loopDone.Done()
		scheduler.Run(appCtx)
	}()

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		stdlog.Fatalf("Failed to listen on %s: %v", cfg.Server.GRPCAddr, err)
	}
	go func() {
		hlog.Infof("gRPC health endpoint listening on %s", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			hlog.Errorf("gRPC server stopped: %v", err)
		}
	}()

	h := server.Default(server.WithHostPorts(cfg.Server.Addr), server.WithExitWaitTime(5*time.Second))
	api.NewAdminHandler(store, connPool, scheduler, healthService).Register(h)

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		healthServer.Shutdown()
		appCancel()

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}

		healthService.Stop()
		loopDone.Wait()
		grpcServer.GracefulStop()
		connPool.Close()
		hlog.Info("Connection pool closed.")

		if closeEvents != nil {
			if err := closeEvents(); err != nil {
				hlog.Errorf("Kafka producer close error: %v", err)
			} else {
				hlog.Info("Kafka producer closed.")
			}
		}
		hlog.Info("Task Scheduler gracefully shut down.")
	}()

	hlog.Infof("Task Scheduler fully initialized, admin API on %s", cfg.Server.Addr)
	h.Spin()

	stdlog.Println("Task Scheduler has been shut down.")
}
