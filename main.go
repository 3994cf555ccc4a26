package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundflow/archiver"
	"fundflow/audit"
	"fundflow/config"
	"fundflow/executor"
	"fundflow/gateway"
	"fundflow/logger"
	"fundflow/pipeline"
	"fundflow/scheduler"
	"fundflow/scoring"
	"fundflow/server"
	"fundflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Fundflow.Name,
		"version": cfg.Fundflow.Version,
		"mode":    cfg.Executor.Mode,
	}).Info("starting fundflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Pipeline.ReportInterval)
	}
	if cfg.Storage.S3.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "FundFlow", cfg.Fundflow.Name)
	}

	db, err := store.Open(cfg.Storage.Badger.Dir)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.GC()
			}
		}
	}()

	registry, err := gateway.NewRegistry(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build gateway registry")
		os.Exit(1)
	}

	auditor := audit.NewLogger(cfg.Audit, db)

	sched, err := scheduler.NewScheduler(cfg, registry, db, auditor)
	if err != nil {
		log.WithError(err).Error("failed to build scheduler")
		os.Exit(1)
	}

	engine := scoring.NewEngine(cfg, db)

	exec, err := executor.NewExecutor(cfg, registry, db, auditor)
	if err != nil {
		log.WithError(err).Error("failed to build executor")
		os.Exit(1)
	}

	var arch *archiver.Archiver
	if cfg.Storage.S3.Enabled {
		arch, err = archiver.NewArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		sched.SetSnapshotSink(arch)
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archiver")
	}

	pipe := pipeline.NewPipeline(cfg.Pipeline, sched, engine, exec, db)

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.NewServer(cfg.Server, db, exec)
	}

	if err := auditor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start audit logger")
		os.Exit(1)
	}
	if arch != nil {
		if err := arch.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
	}
	if srv != nil {
		if err := srv.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start http server")
			os.Exit(1)
		}
	}
	if err := pipe.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping pipeline")
		pipe.Stop()

		if srv != nil {
			log.Info("stopping http server")
			srv.Stop()
		}
		if arch != nil {
			log.Info("stopping archiver")
			arch.Stop()
		}

		log.Info("stopping audit logger")
		auditor.Stop()

		if err := db.Close(); err != nil {
			log.WithError(err).Warn("error closing store")
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("fundflow stopped")
}
