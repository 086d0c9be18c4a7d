// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/relaydeck/meshcore/internal/adminapi"
	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	"github.com/relaydeck/meshcore/internal/leaderelect"
	"github.com/relaydeck/meshcore/internal/obs"
	"github.com/relaydeck/meshcore/internal/pool"
	"github.com/relaydeck/meshcore/internal/producer"
	"github.com/relaydeck/meshcore/internal/reclaimer"
	"github.com/relaydeck/meshcore/internal/redisclient"
	"github.com/relaydeck/meshcore/internal/runtime"
	"github.com/relaydeck/meshcore/internal/scaling"
	"github.com/relaydeck/meshcore/internal/scaling/backend"
)

// version is stamped at build time via -ldflags; "dev" otherwise, matching
// the teacher's cmd/job-queue-system/main.go convention.
var version = "dev"

func main() {
	var role, configPath, imageManifestPath string
	var leaderElection bool
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: producer|worker|scaler|admin|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&imageManifestPath, "image-manifest", "", "Optional YAML worker-image manifest, overlaid onto orchestrator_settings.worker_images")
	fs.BoolVar(&leaderElection, "leader-election", false, "Require leader election before this process's Scaling Service ticks")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := config.LoadWorkerImageManifest(cfg, imageManifestPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load worker image manifest: %v\n", err)
		os.Exit(1)
	}

	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	tp, err := obs.MaybeInitTracing(cfg.Observability.TracingEnabled, cfg.Observability.TracingEndpoint)
	if err != nil {
		log.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal("failed to build redis client", obs.Err(err))
	}
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			log.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(10 * time.Second):
			log.Warn("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	metricsSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	brk := broker.New(rdb, cfg, log)
	pools := pool.NewManager(cfg, rdb, log)

	switch role {
	case "producer":
		p := producer.New(cfg, brk, log)
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatal("producer error", obs.Err(err))
		}

	case "worker":
		// internal/executor.Executor has no production implementation in
		// this module: the automation engine it drives is an out-of-scope
		// external collaborator per SPEC_FULL.md's Non-goals. A real
		// deployment links its own Executor into a binary that calls
		// worker.New directly; this CLI has nothing concrete to run.
		log.Fatal("role 'worker' requires a concrete executor.Executor linked into the binary; " +
			"see internal/executor and internal/worker.New")

	case "scaler":
		svc, err := buildScalingService(cfg, brk, pools, rdb, log, leaderElection)
		if err != nil {
			log.Fatal("failed to build scaling service", obs.Err(err))
		}
		runScaler(ctx, cfg, brk, pools, log, svc)

	case "admin":
		runAdmin(ctx, cfg, brk, pools, log, nil)

	case "all":
		svc, err := buildScalingService(cfg, brk, pools, rdb, log, leaderElection)
		if err != nil {
			log.Fatal("failed to build scaling service", obs.Err(err))
		}
		go runScaler(ctx, cfg, brk, pools, log, svc)
		runAdmin(ctx, cfg, brk, pools, log, svc) // blocks until the admin listener shuts down

	default:
		log.Fatal("unknown role", obs.String("role", role))
	}
}

// buildBackend selects the orchestration backend named by cfg.Orchestrator,
// per spec.md's pluggable Backend interface.
func buildBackend(cfg *config.Config) (backend.Backend, error) {
	imageFor := func(workerType string) string {
		if img, ok := cfg.OrchestratorSettings.WorkerImages[workerType]; ok {
			return img
		}
		return workerType + ":latest"
	}

	switch cfg.Orchestrator {
	case config.OrchestratorKubernetes:
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			restCfg, err = clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
			if err != nil {
				return nil, fmt.Errorf("build kubernetes config: %w", err)
			}
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("build kubernetes clientset: %w", err)
		}
		return backend.NewKubernetes(clientset, cfg.OrchestratorSettings.KubernetesNamespace), nil

	case config.OrchestratorFly:
		return backend.NewFly(cfg.OrchestratorSettings.FlyAppName, cfg.OrchestratorSettings.FlyAPIToken, imageFor), nil

	default: // config.OrchestratorDockerAPI: containerd is this pack's concrete container-runtime client
		client, err := containerd.New(cfg.OrchestratorSettings.ContainerdAddress)
		if err != nil {
			return nil, fmt.Errorf("connect to containerd: %w", err)
		}
		return backend.NewContainerd(client, cfg.OrchestratorSettings.ContainerdNamespace, imageFor), nil
	}
}

// buildScalingService wires the orchestration backend, optional leader
// elector, and history ring into a *scaling.Service, without starting its
// control loop. Split out from runScaler so -role all can hand the same
// instance to both the control loop and the admin API's manual-scale route.
func buildScalingService(cfg *config.Config, brk *broker.Broker, pools *pool.Manager, rdb *redis.Client, log *zap.Logger, leaderElection bool) (*scaling.Service, error) {
	be, err := buildBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("build orchestration backend: %w", err)
	}

	var elector *leaderelect.Elector
	if leaderElection {
		ownerID := fmt.Sprintf("scaler-%d", os.Getpid())
		elector = leaderelect.New(rdb, "meshcore:scaling:leader", ownerID, 3*cfg.CheckInterval)
	}

	history := scaling.NewHistory(1000)
	return scaling.NewService(cfg, brk, pools, be, history, rdb, log, elector), nil
}

// runScaler starts the pool health refresher, the reclaimer, and svc's
// control loop, blocking until ctx is cancelled. Shared by -role scaler and
// -role all.
func runScaler(ctx context.Context, cfg *config.Config, brk *broker.Broker, pools *pool.Manager, log *zap.Logger, svc *scaling.Service) {
	go pools.Run(ctx, cfg.CheckInterval)
	r := reclaimer.New(cfg, brk, log, fmt.Sprintf("reclaimer-%d", os.Getpid()))
	go r.Run(ctx)

	svc.Run(ctx)
}

// runAdmin starts the admin HTTP API, blocking until ctx is cancelled. One
// Runtime façade is built per configured worker type so /api/v1/circuit and
// /api/v1/stats can report breaker state. svc is nil unless a
// *scaling.Service is already running in this process (-role all), in which
// case POST /api/v1/scale/{type} drives it directly instead of 503ing.
func runAdmin(ctx context.Context, cfg *config.Config, brk *broker.Broker, pools *pool.Manager, log *zap.Logger, svc *scaling.Service) {
	runtimes := make(map[string]*runtime.Runtime, len(cfg.WorkerTypes))
	for name := range cfg.WorkerTypes {
		runtimes[name] = runtime.New(name, brk, cfg, log)
	}

	srv := adminapi.NewServer(cfg, brk, pools, svc, runtimes, log)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin API shutdown error", obs.Err(err))
		}
	}()
	if err := srv.Start(); err != nil {
		log.Fatal("admin API error", obs.Err(err))
	}
}
