package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/api"
	"github.com/awehrman/peas-sub008/cache"
	"github.com/awehrman/peas-sub008/cleaner"
	"github.com/awehrman/peas-sub008/config"
	"github.com/awehrman/peas-sub008/ingest"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/monitor"
	"github.com/awehrman/peas-sub008/processor/categorization"
	"github.com/awehrman/peas-sub008/processor/ingredient"
	"github.com/awehrman/peas-sub008/processor/instruction"
	"github.com/awehrman/peas-sub008/processor/note"
	"github.com/awehrman/peas-sub008/processor/patterntrack"
	"github.com/awehrman/peas-sub008/queue"
	"github.com/awehrman/peas-sub008/status"
	"github.com/awehrman/peas-sub008/storage"
	"github.com/awehrman/peas-sub008/tracker"
	"github.com/awehrman/peas-sub008/worker"
)

// App wires the engine together: repository, broker, cache, monitor,
// tracker, broadcaster, the five stage workers, the file ingester, and
// the HTTP surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	natsConn    *nats.Conn
	broker      queue.Broker
	repo        *storage.SQLiteRepository
	redisClient *redis.Client
	cache       *cache.Cache
	broadcaster *status.Broadcaster
	tracker     *tracker.CompletionTracker
	monitor     *monitor.Monitor
	workers     []*worker.Worker
	ingester    *ingest.Processor
	apiServer   *api.Server
}

// NewApp builds the dependency graph without starting anything.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Start brings the whole engine up. Components start in dependency
// order: storage, broker, cache, broadcaster, monitor, workers, then
// the optional ingester and HTTP server.
func (a *App) Start(ctx context.Context) error {
	repo, err := storage.Open(a.cfg.Database.Path, a.logger)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	a.repo = repo

	if err := a.startBroker(ctx); err != nil {
		return err
	}
	a.startCache()

	var publisher status.Publisher
	if a.natsConn != nil {
		publisher = a.natsConn
	}
	a.broadcaster = status.New(repo, publisher, a.logger)

	a.tracker = tracker.New(a.logger, tracker.WithBroadcaster(a.broadcaster))

	monOpts := []monitor.Option{monitor.WithDatabase(repo)}
	if a.redisClient != nil {
		monOpts = append(monOpts, monitor.WithRedis(a.redisClient, a.cfg.Redis.Host))
	}
	a.monitor = monitor.New(a.logger, monOpts...)
	a.monitor.Start()

	if err := a.startWorkers(ctx); err != nil {
		return err
	}

	ingestOpts := []ingest.Option{
		ingest.WithIncludes(a.cfg.Ingest.Includes...),
		ingest.WithMaxFileSize(a.cfg.Ingest.MaxFileSizeBytes),
		ingest.WithConcurrency(a.cfg.Ingest.Concurrency),
	}
	if a.cache != nil {
		ingestOpts = append(ingestOpts, ingest.WithCache(a.cache))
	}
	ingester, err := ingest.New(a.broker, a.logger, ingestOpts...)
	if err != nil {
		return fmt.Errorf("create ingester: %w", err)
	}
	a.ingester = ingester

	if a.cfg.HTTP.Enabled {
		srv, err := api.New(a.monitor, a.logger,
			api.WithAddr(a.cfg.HTTP.Addr),
			api.WithEventSource(a.broadcaster),
		)
		if err != nil {
			return fmt.Errorf("create http server: %w", err)
		}
		a.apiServer = srv
		go func() {
			if err := srv.Start(); err != nil {
				a.logger.Error("http server stopped", "error", err)
			}
		}()
	}

	a.logger.Info("engine started",
		"database", a.cfg.Database.Path,
		"workers", len(a.workers),
		"http", a.cfg.HTTP.Enabled)
	return nil
}

func (a *App) startBroker(ctx context.Context) error {
	if a.cfg.NATS.URL == "" || a.cfg.NATS.Embedded {
		a.logger.Info("using in-process broker")
		a.broker = queue.NewMemoryBroker()
		return nil
	}

	conn, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name("recipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
	}
	a.natsConn = conn

	broker, err := queue.NewJetStreamBroker(ctx, conn, a.logger,
		queue.WithMaxDeliver(a.cfg.Workers.MaxRetries+1),
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create jetstream broker: %w", err)
	}
	a.broker = broker
	a.logger.Info("connected to NATS", "url", a.cfg.NATS.URL)
	return nil
}

func (a *App) startCache() {
	if a.cfg.Redis.Host == "" {
		a.logger.Info("cache disabled, no redis host configured")
		return
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Host,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.cache = cache.New(a.redisClient, a.cfg.Redis.KeyPrefix, a.logger)
}

type stage struct {
	queue    model.QueueName
	name     string
	register func(action.Registry) error
	validate worker.Validator
	decode   worker.Decoder
}

func (a *App) stages() []stage {
	return []stage{
		{
			queue: model.QueueNote,
			name:  "note-worker",
			register: func(f action.Registry) error {
				return note.Register(f, note.Services{Cleaner: cleaner.NewReadability(), Repo: a.repo})
			},
			validate: note.Validate,
			decode:   note.Decode,
		},
		{
			queue: model.QueueIngredient,
			name:  "ingredient-worker",
			register: func(f action.Registry) error {
				return ingredient.Register(f, ingredient.Services{Parser: ingredient.NewRuleParser(), Repo: a.repo})
			},
			validate: ingredient.Validate,
			decode:   ingredient.Decode,
		},
		{
			queue: model.QueueInstruction,
			name:  "instruction-worker",
			register: func(f action.Registry) error {
				return instruction.Register(f, instruction.Services{Repo: a.repo})
			},
			validate: instruction.Validate,
			decode:   instruction.Decode,
		},
		{
			queue: model.QueueCategorization,
			name:  "categorization-worker",
			register: func(f action.Registry) error {
				return categorization.Register(f, categorization.Services{Repo: a.repo})
			},
			validate: categorization.Validate,
			decode:   categorization.Decode,
		},
		{
			queue: model.QueuePatternTrack,
			name:  "pattern-worker",
			register: func(f action.Registry) error {
				return patterntrack.Register(f, patterntrack.Services{Repo: a.repo})
			},
			validate: patterntrack.Validate,
			decode:   patterntrack.Decode,
		},
	}
}

func (a *App) startWorkers(ctx context.Context) error {
	deps := &action.Dependencies{
		Logger:            a.logger,
		StatusBroadcaster: a.broadcaster,
		Broker:            a.broker,
		Tracker:           a.tracker,
	}
	retry := queue.RetryOptions{
		MaxRetries:        a.cfg.Workers.MaxRetries,
		BackoffMs:         a.cfg.Workers.BackoffMs,
		BackoffMultiplier: a.cfg.Workers.BackoffMultiplier,
		MaxBackoffMs:      a.cfg.Workers.MaxBackoffMs,
	}

	for _, s := range a.stages() {
		f := action.NewFactory()
		if err := s.register(f); err != nil {
			return fmt.Errorf("register %s pipeline: %w", s.queue, err)
		}
		pipeline, err := f.Pipeline()
		if err != nil {
			return fmt.Errorf("build %s pipeline: %w", s.queue, err)
		}

		opts := []worker.Option{
			worker.WithRetryPolicy(retry),
			worker.WithHealthMonitor(a.monitor),
			worker.WithMetrics(a.monitor),
			worker.WithValidator(s.validate),
			worker.WithDecoder(s.decode),
		}
		if n, ok := a.cfg.Workers.Concurrency[string(s.queue)]; ok {
			opts = append(opts, worker.WithConcurrency(n))
		}

		w, err := worker.New(string(s.queue), s.name, pipeline, deps, opts...)
		if err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", s.name, err)
		}
		a.workers = append(a.workers, w)
	}
	return nil
}

// Ingest runs a one-shot directory scan, optionally staying up to watch
// for new files.
func (a *App) Ingest(ctx context.Context, dir string, watch bool) error {
	accepted, err := a.ingester.ProcessDirectory(ctx, dir, "")
	if err != nil {
		return err
	}
	a.logger.Info("ingest scan complete", "dir", dir, "accepted", accepted)
	if watch {
		return a.ingester.Watch(ctx, dir, "")
	}
	return nil
}

// Shutdown stops components in reverse order of startup.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Stop(ctx); err != nil {
			a.logger.Error("stop http server", "error", err)
		}
	}
	if a.ingester != nil {
		if err := a.ingester.Shutdown(ctx); err != nil {
			a.logger.Error("stop ingester", "error", err)
		}
	}
	for _, w := range a.workers {
		if err := w.Stop(); err != nil {
			a.logger.Error("stop worker", "error", err)
		}
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Error("drain nats connection", "error", err)
		}
		a.natsConn.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("close redis client", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Error("close repository", "error", err)
		}
	}
	a.logger.Info("engine shutdown complete")
}
