package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/events"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/logging"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/payment/stripepay"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// application owns every long-lived dependency of the process.
type application struct {
	logger  *zap.Logger
	db      *gorm.DB
	ledger  *ledger.Service
	redis   *redis.Client
	closers []func() error
}

func newApplication(ctx context.Context, cfg *runtimeConfig) (*application, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, err
	}
	app := &application{logger: logger}
	app.closers = append(app.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		app.close()
		return nil, err
	}
	app.db = db
	app.closers = append(app.closers, cleanup)

	if _, err := prepareSchema(db, driver); err != nil {
		app.close()
		return nil, err
	}

	store, closeStore, err := openLedgerStore(ctx, cfg, db, driver)
	if err != nil {
		app.close()
		return nil, err
	}
	app.closers = append(app.closers, func() error {
		closeStore()
		return nil
	})

	options := []ledger.ServiceOption{
		ledger.WithOperationLogger(logging.NewOperationLogger(logger)),
		ledger.WithOperationLogger(metrics.Recorder{}),
		ledger.WithUsagePolicy(cfg.UsagePolicy),
	}
	if cfg.AMQPURL != "" {
		publisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			app.close()
			return nil, err
		}
		app.closers = append(app.closers, publisher.Close)
		options = append(options, ledger.WithOperationLogger(publisher))
	}

	configProvider := gormstore.NewConfigProvider(db, cfg.fallbackConfig())
	service, err := ledger.NewService(store, configProvider, time.Now, options...)
	if err != nil {
		app.close()
		return nil, err
	}
	app.ledger = service

	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		app.redis = redis.NewClient(redisOptions)
		app.closers = append(app.closers, app.redis.Close)
	}
	return app, nil
}

func (app *application) newScheduler(spec string) (*scheduler.Scheduler, error) {
	config := scheduler.Config{
		Spec:    spec,
		Sweeper: app.ledger,
		Logger:  app.logger.Named("sweep"),
	}
	if app.redis != nil {
		lease, err := scheduler.NewRedisLease(app.redis, scheduler.DefaultLeaseKey, scheduler.DefaultLeaseTTL)
		if err != nil {
			return nil, err
		}
		config.Lease = lease
	}
	return scheduler.New(config)
}

func (app *application) newReconciler(cfg *runtimeConfig) (*checkout.Reconciler, error) {
	provider, err := stripepay.New(stripepay.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIBaseURL:    cfg.StripeAPIBaseURL,
		Logger:        app.logger.Named("stripe"),
	})
	if err != nil {
		return nil, err
	}
	return checkout.NewReconciler(checkout.ReconcilerConfig{
		Ledger:   app.ledger,
		Provider: provider,
		Catalog:  gormstore.NewPackCatalog(app.db),
		Events:   gormstore.NewWebhookEventLog(app.db),
		Logger:   app.logger.Named("checkout"),
		Currency: cfg.Currency,
	})
}

// close releases dependencies in reverse order of acquisition.
func (app *application) close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil && app.logger != nil {
			app.logger.Warn("shutdown", zap.Error(err))
		}
	}
	app.closers = nil
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	reconciler, err := app.newReconciler(cfg)
	if err != nil {
		return err
	}

	var sweepJob *scheduler.Scheduler
	if cfg.SweepSchedule != "" {
		sweepJob, err = app.newScheduler(cfg.SweepSchedule)
		if err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, cfg.HTTP, app.ledger, reconciler, app.logger.Named("http"))
	})
	switch {
	case cfg.GRPCListenAddr == "":
	case cfg.GRPCSigningKey == "":
		app.logger.Warn("admin grpc disabled: no signing key configured")
	default:
		group.Go(func() error {
			return app.serveGRPC(groupCtx, cfg)
		})
	}
	if sweepJob != nil {
		sweepJob.Start()
		app.logger.Info("free credit sweep scheduled", zap.String("schedule", cfg.SweepSchedule))
		group.Go(func() error {
			<-groupCtx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			sweepJob.Stop(stopCtx)
			return nil
		})
	}
	return group.Wait()
}

func (app *application) serveGRPC(ctx context.Context, cfg *runtimeConfig) error {
	interceptor, err := grpcserver.AdminAuthInterceptor(grpcserver.AuthConfig{
		SigningKey:   []byte(cfg.GRPCSigningKey),
		Issuer:       cfg.GRPCIssuer,
		AdminUserIDs: cfg.HTTP.AdminUserIDs,
	})
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	grpcserver.Register(server, grpcserver.NewWalletAdminServer(app.ledger))

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	app.logger.Info("admin grpc listening", zap.String("addr", cfg.GRPCListenAddr))
	if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
		return serveErr
	}
	return nil
}

func runSweep(ctx context.Context, cfg *runtimeConfig, out io.Writer) error {
	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	sweepJob, err := app.newScheduler(scheduler.DefaultSpec)
	if err != nil {
		return err
	}
	report, ran, err := sweepJob.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !ran {
		fmt.Fprintln(out, "sweep skipped: lease held elsewhere")
		return nil
	}
	fmt.Fprintf(out, "scanned=%d reset=%d conflicts=%d\n", report.Scanned, report.Reset, report.Conflicts)
	return nil
}

func runMigrate(ctx context.Context, cfg *runtimeConfig, out io.Writer) error {
	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	version, err := prepareSchema(db, driver)
	if err != nil {
		return err
	}
	if driver == driverPostgres {
		fmt.Fprintf(out, "schema at version %d\n", version)
		return nil
	}
	fmt.Fprintf(out, "%s schema migrated\n", driver)
	return nil
}
