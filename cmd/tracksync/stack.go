package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/config"
	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/exporter"
	"github.com/mschirtzinger/tracksync/internal/importer"
	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/richtext"
	"github.com/mschirtzinger/tracksync/internal/task"
	"github.com/mschirtzinger/tracksync/internal/transport"
)

// The constructors below are shared by the one-shot commands and the fx
// graph in serve.

func openDB(cfg *config.Config, logger *zap.Logger) (*db.DB, error) {
	database, err := db.Open(cfg.DB.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DB.Path, err)
	}
	return database, nil
}

func newClient(logger *zap.Logger) *transport.Client {
	return transport.New(transport.DefaultRegistry(), transport.WithLogger(logger))
}

func newImporter(database *db.DB, client *transport.Client, logger *zap.Logger) *importer.Importer {
	return importer.New(database, client, importer.WithLogger(logger))
}

func newExporter(cfg *config.Config, database *db.DB, client *transport.Client, logger *zap.Logger) (*exporter.Exporter, error) {
	pb, err := richtext.LoadPhrasebook(cfg.Export.Phrasebook)
	if err != nil {
		return nil, err
	}
	return exporter.New(database, client,
		exporter.WithLogger(logger),
		exporter.WithPhrasebook(pb, cfg.Export.Locale),
	), nil
}

// newRedis returns nil when no address is configured.
func newRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newTasks(cfg *config.Config, database *db.DB, rdb *redis.Client, logger *zap.Logger) *task.Manager {
	var opts []task.Option
	if rdb != nil {
		opts = append(opts, task.WithMirror(task.NewRedisMirror(rdb, cfg.Redis.TTL, logger)))
	}
	return task.NewManager(database, logger, opts...)
}

// stack is everything a one-shot command needs.
type stack struct {
	db       *db.DB
	redis    *redis.Client
	client   *transport.Client
	importer *importer.Importer
	exporter *exporter.Exporter
	tasks    *task.Manager
	receiver *ingest.Receiver
}

func openStack() (*stack, error) {
	database, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	client := newClient(logger)
	ex, err := newExporter(cfg, database, client, logger)
	if err != nil {
		database.Close()
		return nil, err
	}
	rdb := newRedis(cfg)
	s := &stack{
		db:       database,
		redis:    rdb,
		client:   client,
		importer: newImporter(database, client, logger),
		exporter: ex,
		tasks:    newTasks(cfg, database, rdb, logger),
	}
	s.receiver = ingest.NewReceiver(database, s.tasks, s.importer, logger)
	return s, nil
}

func (s *stack) Close(ctx context.Context) {
	if err := s.tasks.Shutdown(ctx); err != nil {
		logger.Warn("task shutdown", zap.Error(err))
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if err := s.db.Close(); err != nil {
		logger.Warn("database close", zap.Error(err))
	}
}
