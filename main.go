package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/api"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/config"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/event"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/repo"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/service"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/worker"

	"cloud.google.com/go/profiler"
	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	pkgerrors "github.com/pkg/errors"
	redisotel "github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	serviceName    = "provisioningservice"
	serviceVersion = "1.0.0"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	cfg, err := config.Load(log)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.EnableTracing {
		tp, err := initTracing(ctx, cfg.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start tracer: %+v", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down tracer provider: %v", err)
				}
			}()
		}

		mp, err := initMetrics(ctx, cfg.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start metric provider: %+v", err)
		} else {
			defer func() {
				if err := mp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down metric provider: %v", err)
				}
			}()
		}
	}

	if !cfg.DisableProfiler {
		log.Info("Profiling enabled.")
		go initProfiling(serviceName, serviceVersion)
	} else {
		log.Info("Profiling disabled.")
	}

	// Propagate trace context
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))

	// 1. Local record store
	store := initStore(cfg)

	// 2. Per-username lock: Redis when configured, otherwise in-process
	var locker service.Locker = service.NewLocalLocker()
	if rdb := initRedis(cfg); rdb != nil {
		locker = service.NewRedisLocker(rdb, cfg.LockTTL, log)
		defer rdb.Close()
	}

	// 3. Lifecycle events
	var events service.EventPublisher = event.Nop{}
	if p := initProducer(cfg); p != nil {
		events = event.NewPublisher(p, log)
		defer p.Shutdown()
	}

	// 4. Platform adapters
	registry := initRegistry(ctx, cfg)
	if len(registry.Platforms()) == 0 {
		log.Warn("no platform adapters configured, every provisioning request will be rejected")
	}

	orch := service.NewOrchestrator(registry, store, log, service.Options{
		Retry:   service.RetryPolicy{MaxRetries: cfg.RetryMax, Backoff: cfg.RetryBackoff},
		Locker:  locker,
		Events:  events,
		Orphans: store,
	})

	// 5. Orphan cleanup worker
	cleanupWorker := worker.NewOrphanCleanupWorker(store, registry, locker, cfg.CleanupInterval, cfg.CleanupMaxAttempts, log)
	go cleanupWorker.Start(ctx, wg)

	// 6. HTTP API
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewHandler(orch, registry, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("ProvisioningService HTTP API started on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	// 7. gRPC health
	grpcSrv := runHealthServer(cfg.GRPCPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Info("Gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}
	grpcSrv.GracefulStop()
	// Notify workers to stop
	cancel()
	// Wait for workers to cleanup
	wg.Wait()
}

func initStore(cfg *config.Config) repo.Store {
	if cfg.Store == "memory" {
		log.Warn("STORE=memory: records are lost on restart")
		return repo.NewMemoryStore()
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQLAddr), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to mysql: %v", err)
	}
	log.Info("connected to mysql")

	// 监控 sql 语句执行时间
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Fatalf("failed to initialize otelgorm plugin: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	return repo.NewMySQLStore(db)
}

// initRedis returns nil when Redis is not configured or not reachable.
func initRedis(cfg *config.Config) *redis.Client {
	var rdb *redis.Client

	if len(cfg.RedisSentinelAddrs) > 0 {
		// [模式 A] 哨兵模式 (生产环境/K8s)
		log.Infof("Initializing Redis in Sentinel Mode. Sentinels: %v", cfg.RedisSentinelAddrs)

		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterName,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			DB:            0,
		})
	} else if cfg.RedisAddr != "" {
		// [模式 B] 单机模式 (本地开发/旧环境)
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s", cfg.RedisAddr)

		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
	} else {
		log.Info("Redis is not configured, using in-process user locks (single replica only)")
		return nil
	}

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		log.Warnf("failed to instrument redis: %v", err)
	}

	// 带重试的 Redis 连接
	maxRetries := 10
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Info("connected to redis")
			return rdb
		}

		if i == maxRetries-1 {
			log.Warnf("failed to connect to redis after %d retries: %v, using in-process user locks", maxRetries, err)
			rdb.Close()
			return nil
		}

		backoff := time.Duration(1<<i) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		log.Warnf("redis not ready, retry in %v... (%d/%d)", backoff, i+1, maxRetries)
		time.Sleep(backoff)
	}
	return nil
}

// initProducer returns nil when no name server is configured or the producer cannot start.
func initProducer(cfg *config.Config) rocketmq.Producer {
	if cfg.RocketMQNameServer == "" {
		log.Info("ROCKETMQ_NAMESERVER is not set, lifecycle events disabled")
		return nil
	}

	// RocketMQ Go 客户端不支持主机名，需要解析为 IP 地址
	resolvedAddr := resolveToIP(cfg.RocketMQNameServer)
	log.Infof("RocketMQ NameServer: %s -> %s", cfg.RocketMQNameServer, resolvedAddr)

	p, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{resolvedAddr}),
		producer.WithGroupName("provisioning_event_producer_group"),
		producer.WithRetry(2),
	)
	if err != nil {
		log.Warnf("Failed to create RocketMQ producer: %v (events disabled)", err)
		return nil
	}
	if err := p.Start(); err != nil {
		log.Warnf("Failed to start RocketMQ producer: %v (events disabled)", err)
		return nil
	}
	log.Info("RocketMQ producer started")
	return p
}

func initRegistry(ctx context.Context, cfg *config.Config) *platform.Registry {
	registry := platform.NewRegistry()
	register := func(a platform.Adapter) {
		if err := registry.Register(a); err != nil {
			log.Fatalf("failed to register %s adapter: %v", a.Platform(), err)
		}
		log.Infof("registered %s adapter", a.Platform())
	}

	if c := cfg.GitLab; c.Active() {
		register(client.NewGitLab(clientOptions(c, cfg), c.Token, log))
	}
	if c := cfg.Mattermost; c.Active() {
		register(client.NewMattermost(clientOptions(c, cfg), c.Token, log))
	}
	if c := cfg.Nextcloud; c.Active() {
		register(client.NewNextcloud(clientOptions(c, cfg), c.AdminUser, c.AdminPassword, log))
	}
	if c := cfg.Drive; c.Active() {
		opts := []option.ClientOption{option.WithScopes(drive.DriveScope)}
		if c.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
		}
		if c.BaseURL != "" {
			opts = append(opts, option.WithEndpoint(c.BaseURL))
		}
		d, err := client.NewDrive(ctx, c.Timeout(cfg.PlatformTimeout), log, opts...)
		if err != nil {
			log.Errorf("failed to create drive client: %v (cloud-drive disabled)", err)
		} else {
			register(d)
		}
	}
	return registry
}

func clientOptions(c config.PlatformConfig, cfg *config.Config) client.Options {
	return client.Options{BaseURL: c.BaseURL, Timeout: c.Timeout(cfg.PlatformTimeout)}
}

func runHealthServer(port string) *grpc.Server {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		log.Fatal(err)
	}

	srv := grpc.NewServer(
		// 自动拦截grpc调用，实现自动埋点
		grpc.StatsHandler(otelgrpc.NewServerHandler()))

	hsrv := health.NewServer()
	hsrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hsrv)
	reflection.Register(srv)

	log.Infof("starting grpc health server at :%s", port)
	go srv.Serve(listener)
	return srv
}

func initTracing(ctx context.Context, collectorAddr string) (*sdktrace.TracerProvider, error) {
	collectorConn, err := connGRPC(collectorAddr)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithGRPCConn(collectorConn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			// 核心：在 Jaeger 里显示的服务名
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			semconv.DeploymentEnvironmentKey.String("production"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// 创建导出器和采样器
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func initMetrics(ctx context.Context, collectorAddr string) (*sdkmetric.MeterProvider, error) {
	if collectorAddr == "" {
		return nil, errors.New("COLLECTOR_SERVICE_ADDR is not set")
	}

	exporter, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(collectorAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		log.Warnf("warn: Failed to create resource: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func initProfiling(service, version string) {
	for i := 1; i <= 3; i++ {
		if err := profiler.Start(profiler.Config{
			Service:        service,
			ServiceVersion: version,
		}); err != nil {
			log.Warnf("failed to start profiler: %+v", err)
		} else {
			log.Info("started Stackdriver profiler")
			return
		}
		d := time.Second * 10 * time.Duration(i)
		log.Infof("sleeping %v to retry initializing Stackdriver profiler", d)
		time.Sleep(d)
	}
	log.Warn("could not initialize Stackdriver profiler after retrying, giving up")
}

func connGRPC(addr string) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, errors.New("COLLECTOR_SERVICE_ADDR is not set")
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "grpc: failed to connect %s", addr)
	}
	return conn, nil
}

// resolveToIP 将 hostname:port 格式解析为 ip:port 格式
// RocketMQ Go 客户端不支持主机名，需要先进行 DNS 解析
func resolveToIP(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return addr
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return addr
	}

	// 优先使用 IPv4 地址
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return net.JoinHostPort(ip4.String(), port)
		}
	}
	return net.JoinHostPort(ips[0].String(), port)
}
