package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mschirtzinger/tracksync/internal/api"
	"github.com/mschirtzinger/tracksync/internal/config"
	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/exporter"
	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/notify"
	"github.com/mschirtzinger/tracksync/internal/queue"
	"github.com/mschirtzinger/tracksync/internal/spool"
	"github.com/mschirtzinger/tracksync/internal/task"
	"github.com/mschirtzinger/tracksync/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the webhook receiver, export API and realtime hub",
	Long: `Run tracksync as a service.

Always started:
  - HTTP API on http.addr: POST /hooks/{server}, POST /exports, /tasks, /health
  - Realtime websocket on /ws?user=<id>&area=client|admin

Started when configured:
  - Spool directory watcher (spool.dir)
  - RabbitMQ consumer (queue.url)
  - Redis task mirror (redis.addr)
  - OTLP trace export (telemetry.endpoint)
  - Server seed file (servers)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTP.Addr = addr
		}

		app := fx.New(serveOptions(cfg, logger))
		if err := app.Err(); err != nil {
			return err
		}

		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Start(startCtx); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
		defer stop()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout+5*time.Second)
		defer cancel()
		return app.Stop(stopCtx)
	},
}

func serveOptions(cfg *config.Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Provide(
			provideTelemetry,
			provideDB,
			provideRedis,
			newClient,
			newImporter,
			newExporter,
			provideTasks,
			provideHub,
			ingest.NewReceiver,
			provideAPI,
		),
		fx.Invoke(
			seedServers,
			func(telemetry.Shutdown) {},
			func(*api.Server) {},
			startSpool,
			startQueue,
		),
	)
}

func provideTelemetry(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (telemetry.Shutdown, error) {
	shutdown, err := telemetry.Setup(context.Background(), cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(shutdown))
	return shutdown, nil
}

func provideDB(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*db.DB, error) {
	database, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(database.Close))
	return database, nil
}

// provideRedis returns a nil client when Redis is not configured.
func provideRedis(lc fx.Lifecycle, cfg *config.Config) *redis.Client {
	rdb := newRedis(cfg)
	if rdb != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			OnStop:  func(context.Context) error { return rdb.Close() },
		})
	}
	return rdb
}

func provideTasks(lc fx.Lifecycle, cfg *config.Config, database *db.DB, rdb *redis.Client, logger *zap.Logger) *task.Manager {
	tasks := newTasks(cfg, database, rdb, logger)
	lc.Append(fx.StopHook(tasks.Shutdown))
	return tasks
}

func provideHub(lc fx.Lifecycle, database *db.DB, logger *zap.Logger) *notify.Hub {
	hub := notify.NewHub(database.Users, logger)
	hub.Attach(database)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			hub.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			hub.Close()
			return nil
		},
	})
	return hub
}

type apiParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Logger    *zap.Logger
	DB        *db.DB
	Tasks     *task.Manager
	Receiver  *ingest.Receiver
	Exporter  *exporter.Exporter
	Hub       *notify.Hub
}

func provideAPI(p apiParams) *api.Server {
	server := api.New(api.Config{
		Addr:            p.Config.HTTP.Addr,
		ShutdownTimeout: p.Config.HTTP.ShutdownTimeout,
	}, api.Deps{
		DB:       p.DB,
		Tasks:    p.Tasks,
		Receiver: p.Receiver,
		Exporter: p.Exporter,
		Realtime: p.Hub,
	}, p.Logger)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := server.Start(); err != nil {
				return err
			}
			fmt.Printf("%s Listening on http://%s\n", renderPass("✓"), server.Addr())
			return nil
		},
		OnStop: server.Stop,
	})
	return server
}

func seedServers(lc fx.Lifecycle, cfg *config.Config, database *db.DB, logger *zap.Logger) {
	if cfg.Servers == "" {
		return
	}
	lc.Append(fx.StartHook(func(ctx context.Context) error {
		servers, err := config.SeedServers(ctx, database, cfg.Servers)
		if err != nil {
			return err
		}
		logger.Info("servers seeded", zap.String("file", cfg.Servers), zap.Int("count", len(servers)))
		return nil
	}))
}

func startSpool(lc fx.Lifecycle, cfg *config.Config, receiver *ingest.Receiver, logger *zap.Logger) error {
	if cfg.Spool.Dir == "" {
		return nil
	}
	s, err := spool.New(cfg.Spool.Dir, receiver, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return s.Start(ctx) },
		OnStop: func(context.Context) error {
			cancel()
			return s.Stop()
		},
	})
	return nil
}

func startQueue(lc fx.Lifecycle, cfg *config.Config, receiver *ingest.Receiver, logger *zap.Logger) {
	if cfg.Queue.URL == "" {
		return
	}
	consumer := queue.NewConsumer(queue.Config{
		URL:      cfg.Queue.URL,
		Queue:    cfg.Queue.Name,
		Prefetch: cfg.Queue.Prefetch,
	}, receiver, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("queue consumer stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	rootCmd.AddCommand(serveCmd)
}
