package main

import (
	"context"
	"database/sql"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	sqlxlib "github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/mwalimu/broker/nats"
	"github.com/trezcool/mwalimu/cache"
	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/notif"
	"github.com/trezcool/mwalimu/core/submission"
	emailsvc "github.com/trezcool/mwalimu/services/email"
	"github.com/trezcool/mwalimu/services/extraction"
	"github.com/trezcool/mwalimu/services/grading"
	logsvc "github.com/trezcool/mwalimu/services/logger"
	"github.com/trezcool/mwalimu/storage/database"
	sqlxrepos "github.com/trezcool/mwalimu/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf, err := core.LoadConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "WORKER : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			logger.Error("closing database", err)
		}
	}()
	dbx := sqlxlib.NewDb(db, "postgres")

	subRepo := sqlxrepos.NewSubmissionRepository(dbx)
	rubricRepo := sqlxrepos.NewAssignmentRepository(dbx)
	notifRepo := sqlxrepos.NewNotificationRepository(dbx)
	usrRepo := sqlxrepos.NewUserRepository(dbx)

	// set up cache; the remote tier is optional, a worker degrades to its
	// local tier when Redis is unreachable
	var remote core.Cache
	if conf.Cache.RedisAddress != "" {
		redisCache, err := cache.OpenRedis(conf, logger)
		if err != nil {
			logger.Warn(fmt.Sprintf("redis unavailable, using local cache only: %v", err))
		} else {
			defer redisCache.Close()
			remote = redisCache
		}
	}
	appCache := cache.NewTiered(cache.NewLocalCache(conf.Cache.LocalCapacity), remote)

	// set up broker
	broker, err := nats.Connect(conf, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("connecting to broker: %v", err), err)
	}

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	subSvc := submission.NewService(
		conf, logger, subRepo, rubricRepo, broker,
		extraction.NewService(conf, logger, appCache),
		grading.NewService(conf, logger, appCache),
	)
	notifSvc := notif.NewService(conf, logger, notifRepo, usrRepo, mailSvc)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Worker initializing : version %q", conf.Build))
	defer logger.Info("Worker stopped")

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.
	// /metrics - Prometheus scrape endpoint.

	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	http.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Consumers

	subOpts := core.SubscribeOptions{
		Concurrency: conf.Broker.Concurrency,
		Prefetch:    conf.Broker.Prefetch,
	}
	if err = broker.Subscribe(core.TopicProcessSubmission, "mwalimu-pipeline", subSvc.HandleProcessTask, subOpts); err != nil {
		logger.Fatal(fmt.Sprintf("subscribing to %s: %v", core.TopicProcessSubmission, err), err)
	}
	if err = broker.Subscribe(core.TopicSendNotification, "mwalimu-notify", notifSvc.HandleSendTask, subOpts); err != nil {
		logger.Fatal(fmt.Sprintf("subscribing to %s: %v", core.TopicSendNotification, err), err)
	}

	// =========================================================================
	// Shutdown

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("Start shutdown...")

	// give in-flight handlers a deadline for completion
	done := make(chan error, 1)
	go func() { done <- broker.Close() }()
	select {
	case err = <-done:
		if err != nil {
			logger.Error(fmt.Sprintf("could not stop broker gracefully: %v", err), err)
		}
	case <-time.After(conf.Server.ShutdownTimeout):
		logger.Error("broker shutdown timed out")
	}
}

func setUpDB(conf *core.Config) (*sql.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
