package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/clearing-armada/internal/api"
	"github.com/ahrav/clearing-armada/internal/app/clearing"
	appcluster "github.com/ahrav/clearing-armada/internal/app/cluster"
	"github.com/ahrav/clearing-armada/internal/config"
	"github.com/ahrav/clearing-armada/internal/config/envloader"
	"github.com/ahrav/clearing-armada/internal/config/fileloader"
	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
	attachmem "github.com/ahrav/clearing-armada/internal/infra/attachments/memory"
	attachminio "github.com/ahrav/clearing-armada/internal/infra/attachments/minio"
	"github.com/ahrav/clearing-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/clearing-armada/internal/infra/cluster/standalone"
	eventdispatcher "github.com/ahrav/clearing-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/clearing-armada/internal/infra/eventbus"
	"github.com/ahrav/clearing-armada/internal/infra/eventbus/kafka"
	busmem "github.com/ahrav/clearing-armada/internal/infra/eventbus/memory"
	"github.com/ahrav/clearing-armada/internal/infra/fossology"
	"github.com/ahrav/clearing-armada/internal/infra/storage"
	releasemem "github.com/ahrav/clearing-armada/internal/infra/storage/clearing/memory"
	releasepg "github.com/ahrav/clearing-armada/internal/infra/storage/clearing/postgres"
	"github.com/ahrav/clearing-armada/pkg/common"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
	"github.com/ahrav/clearing-armada/pkg/common/otel"
)

const serviceType = "clearing-controller"

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"service":   cfg.Service.Name,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}
	logLevel := parseLevel(cfg.Service.LogLevel)
	log := logger.NewWithMetadata(os.Stdout, logLevel, cfg.Service.Name, otel.GetTraceID, logEvents, metadata)

	if err := run(ctx, cfg, hostname, log); err != nil {
		log.Error(ctx, "controller stopped with error", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the file named by CLEARING_CONFIG, if any, and overlays
// the environment.
func loadConfig(ctx context.Context) (*config.Config, error) {
	var base config.Loader = config.DefaultLoader{}
	if path := os.Getenv("CLEARING_CONFIG"); path != "" {
		base = fileloader.NewFileLoader(path)
	}
	return config.Load(ctx, envloader.New(base))
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, hostname string, log *logger.Logger) error {
	log.Info(ctx, "starting clearing controller", "build", build, "hostname", hostname)

	tracer, teardown, err := initTelemetry(ctx, cfg, hostname, log)
	if err != nil {
		return err
	}
	defer teardown(context.Background())

	mp := otel.GetMeterProvider()
	retry := common.DefaultRetryConfig()

	releases, ready, closeStore, err := newReleaseStore(ctx, cfg, retry, log, tracer)
	if err != nil {
		return err
	}
	defer closeStore()

	contents, err := newContentStore(ctx, cfg, retry, log, tracer)
	if err != nil {
		return err
	}

	bus, err := newEventBus(ctx, cfg, retry, hostname, log, tracer)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error(context.Background(), "failed to close event bus", "error", err)
		}
	}()
	publisher := eventbus.NewDomainEventPublisher(bus, log)

	remote := fossology.NewClient(fossology.Config{
		BaseURL:         cfg.Fossology.BaseURL,
		Token:           cfg.Fossology.Token,
		FolderID:        cfg.Fossology.FolderID,
		Group:           cfg.Fossology.Group,
		VersionPrefix:   cfg.Fossology.VersionPrefix,
		RequestTimeout:  cfg.Fossology.RequestTimeout,
		RateLimit:       cfg.Fossology.RateLimit,
		Burst:           cfg.Fossology.Burst,
		UploadRateLimit: cfg.Fossology.UploadRateLimit,
	}, nil, log, tracer)

	metrics, err := clearing.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating clearing metrics: %w", err)
	}
	orchestrator := clearing.NewOrchestrator(
		clearing.Config{DisableReportDownload: cfg.Fossology.DisableReportDownload},
		releases,
		contents,
		remote,
		publisher,
		log,
		tracer,
		metrics,
	)
	probeTool(ctx, orchestrator, log)

	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}
	server := api.NewServer(api.Config{
		Host:         cfg.API.Host,
		Port:         cfg.API.Port,
		Build:        build,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		Service:      orchestrator,
		Ready:        ready,
		Metrics:      apiMetrics,
	}, log, tracer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })

	if cfg.Debug.Addr != "" {
		g.Go(func() error { return common.RunMetricsServer(ctx, cfg.Debug.Addr, log) })
	}

	if cfg.Poller.Enabled {
		poller := clearing.NewPoller(clearing.PollerConfig{
			Interval:    cfg.Poller.Interval,
			BatchSize:   cfg.Poller.BatchSize,
			Concurrency: cfg.Poller.Concurrency,
			Actor:       domain.Actor{Email: cfg.Poller.ActorEmail, Group: cfg.Poller.ActorGroup},
		}, orchestrator, releases, log, tracer, metrics)

		coord, err := newCoordinator(cfg, hostname, log, tracer)
		if err != nil {
			return err
		}
		coord.OnLeadershipChange(poller.SetLeader)

		g.Go(func() error {
			defer func() {
				if err := coord.Stop(); err != nil {
					log.Error(context.Background(), "failed to stop coordinator", "error", err)
				}
			}()
			return coord.Start(ctx)
		})
		g.Go(func() error { return poller.Run(ctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info(context.Background(), "clearing controller stopped")
	return nil
}

func initTelemetry(
	ctx context.Context,
	cfg *config.Config,
	hostname string,
	log *logger.Logger,
) (trace.Tracer, func(context.Context), error) {
	if cfg.Telemetry.Endpoint == "" {
		log.Info(ctx, "telemetry exporter not configured, tracing disabled")
		return noop.NewTracerProvider().Tracer(cfg.Service.Name), func(context.Context) {}, nil
	}

	tp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	return tp.Tracer(cfg.Service.Name), teardown, nil
}

func newReleaseStore(
	ctx context.Context,
	cfg *config.Config,
	retry common.RetryConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) (domain.ReleaseRepository, func(context.Context) error, func(), error) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn(ctx, "using in-memory release store, data is lost on restart")
		return releasemem.NewReleaseStore(), func(context.Context) error { return nil }, func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing db config: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening db: %w", err)
	}

	if err := common.ConnectWithRetry(ctx, log, "postgres", retry, pool.Ping); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := storage.RunMigrations(ctx, pool, cfg.Database.MigrationsURL); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info(ctx, "migrations applied")

	return releasepg.NewReleaseStore(pool, tracer), pool.Ping, pool.Close, nil
}

func newContentStore(
	ctx context.Context,
	cfg *config.Config,
	retry common.RetryConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) (domain.AttachmentContentStore, error) {
	if cfg.ObjectStore.Driver == config.DriverMemory {
		log.Warn(ctx, "using in-memory attachment store, content is lost on restart")
		return attachmem.NewStore(), nil
	}

	client, err := attachminio.NewClient(attachminio.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Region:    cfg.ObjectStore.Region,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	store, err := attachminio.NewStore(client, cfg.ObjectStore.Bucket, tracer)
	if err != nil {
		return nil, err
	}

	if err := common.ConnectWithRetry(ctx, log, "object store", retry, func(ctx context.Context) error {
		return store.EnsureBucket(ctx, cfg.ObjectStore.Region)
	}); err != nil {
		return nil, err
	}
	return store, nil
}

func newEventBus(
	ctx context.Context,
	cfg *config.Config,
	retry common.RetryConfig,
	hostname string,
	log *logger.Logger,
	tracer trace.Tracer,
) (events.EventBus, error) {
	if cfg.EventBus.Driver == config.DriverMemory {
		eventLog := clearing.NewEventLog(log)
		dispatcher := eventdispatcher.New(tracer, log)
		dispatcher.RegisterHandler(ctx, domain.EventTypeClearingProcessAdvanced, eventLog.HandleProcessAdvanced)
		dispatcher.RegisterHandler(ctx, domain.EventTypeClearingProcessOutdated, eventLog.HandleProcessOutdated)

		bus := busmem.NewEventBus(log)
		bus.Subscribe(dispatcher.EventTypes(), dispatcher.Dispatch)
		return bus, nil
	}

	metrics, err := kafka.NewOtelMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("creating event bus metrics: %w", err)
	}
	clientID := cfg.EventBus.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%s", serviceType, hostname)
	}
	return kafka.ConnectEventBus(ctx, &kafka.Config{
		Brokers:       cfg.EventBus.Brokers,
		ClearingTopic: cfg.EventBus.Topic,
		ClientID:      clientID,
	}, retry, log, metrics, tracer)
}

func newCoordinator(
	cfg *config.Config,
	hostname string,
	log *logger.Logger,
	tracer trace.Tracer,
) (appcluster.Coordinator, error) {
	if cfg.Cluster.Mode == config.ClusterStandalone {
		return standalone.NewCoordinator(log), nil
	}

	client, err := kubernetes.NewClientset(cfg.Cluster.KubeConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	identity := cfg.Cluster.Identity
	if identity == "" {
		identity = hostname
	}
	return kubernetes.NewCoordinator(&kubernetes.K8sConfig{
		Namespace:     cfg.Cluster.Namespace,
		LeaderLockID:  cfg.Cluster.LeaderLockID,
		Identity:      identity,
		KubeConfig:    cfg.Cluster.KubeConfig,
		LeaseDuration: cfg.Cluster.LeaseDuration,
		RenewDeadline: cfg.Cluster.RenewDeadline,
		RetryPeriod:   cfg.Cluster.RetryPeriod,
	}, client, log, tracer)
}

// probeTool logs whether the clearing tool answers. An unreachable tool does
// not stop startup; requests report it until it comes back.
func probeTool(ctx context.Context, o *clearing.Orchestrator, log *logger.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if o.CheckConnection(probeCtx) {
		log.Info(ctx, "clearing tool reachable")
		return
	}
	log.Warn(ctx, "clearing tool not reachable or not configured")
}
