package main

import (
	"context"
	"fmt"
	"net/http"
	"net/textproto"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bgtransfer/internal/config"
	apphttp "bgtransfer/internal/http"
	"bgtransfer/internal/repository"
	"bgtransfer/internal/repository/redis"
	"bgtransfer/internal/repository/sqlite"
	"bgtransfer/internal/service"
	"bgtransfer/internal/storage"
	"bgtransfer/internal/tracker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		logger.Warnf("unknown log level %q, keeping %s", cfg.Log.Level, logger.GetLevel())
	} else {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	taskRepo, closeRepo, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup %s store: %v", cfg.Store.Driver, err)
	}
	defer closeRepo()

	if err := taskRepo.Init(ctx); err != nil {
		logger.Fatalf("init task repository: %v", err)
	}

	headers := make(map[string]string, len(cfg.Transfer.Headers))
	for k, v := range cfg.Transfer.Headers {
		headers[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	taskService := service.NewTaskService(taskRepo, headers, logger)

	tr := tracker.New(tracker.Config{Logger: logger}, taskService)
	if _, err := tr.Resume(ctx); err != nil {
		logger.Warnf("resume tasks: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(tr, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

func buildRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (repository.TaskRepository, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("using sqlite store at %s", cfg.Database.Path)
		return sqlite.NewTaskRepository(db), func() { db.Close() }, nil

	case config.DriverRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Infof("using redis store at %s (db %d)", cfg.Redis.Addr, cfg.Redis.DB)
		return redis.NewTaskRepository(rdb, cfg.Redis.KeyPrefix), func() { rdb.Close() }, nil

	case config.DriverS3:
		client, err := buildS3Client(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
		repo := storage.NewS3TaskRepository(client, storage.Options{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		})
		return repo, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func buildS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
