package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/txmanager/internal/archive"
	"github.com/juno-intents/txmanager/internal/bootstrap"
	"github.com/juno-intents/txmanager/internal/config"
	"github.com/juno-intents/txmanager/internal/journal"
	journalpg "github.com/juno-intents/txmanager/internal/journal/postgres"
	"github.com/juno-intents/txmanager/internal/metrics"
	"github.com/juno-intents/txmanager/internal/queue"
	"github.com/juno-intents/txmanager/internal/secrets"
	"github.com/juno-intents/txmanager/internal/worker"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker stopped", "err", err)
		if errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// parseConfig loads --config over the defaults, then applies only the flags
// that were set explicitly.
func parseConfig(args []string) (config.Worker, error) {
	fs := flag.NewFlagSet("txmanager-worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configPath   = fs.String("config", "", "YAML config file")
		rpcURL       = fs.String("rpc-url", "", "JSON-RPC URL")
		chainID      = fs.Uint64("chain-id", 0, "EVM chain id")
		watcher      = fs.String("watcher", "", "receipt watcher: polling|subscription")
		attempts     = fs.Int("poll-attempts", 0, "receipt poll attempts")
		interval     = fs.Duration("poll-interval", 0, "receipt poll interval")
		signerMode   = fs.String("signer", "", "signer mode: local|remote|node")
		signerURL    = fs.String("signer-url", "", "custody signer base URL (remote mode)")
		signerAddr   = fs.String("signer-address", "", "sending address (remote and node modes)")
		queueDriver  = fs.String("queue-driver", "", "queue driver: kafka|stdio")
		queueBrokers = fs.String("queue-brokers", "", "comma-separated queue brokers")
		queueGroup   = fs.String("queue-group", "", "queue consumer group")
		maxInFlight  = fs.Int("max-in-flight", 0, "max concurrently executing requests")
		journalDrv   = fs.String("journal-driver", "", "journal driver: memory|postgres")
		archiveDrv   = fs.String("archive-driver", "", "receipt archive driver: none|memory|s3")
		archiveBkt   = fs.String("archive-bucket", "", "receipt archive S3 bucket")
		secretsDrv   = fs.String("secrets-driver", "", "secrets driver: env|aws")
		metricsAddr  = fs.String("metrics-addr", "", "Prometheus listen address (empty disables)")
	)
	if err := fs.Parse(args); err != nil {
		return config.Worker{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Worker{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rpc-url":
			cfg.RPCURL = *rpcURL
		case "chain-id":
			cfg.ChainID = *chainID
		case "watcher":
			cfg.Watcher = *watcher
		case "poll-attempts":
			cfg.Polling.Attempts = *attempts
		case "poll-interval":
			cfg.Polling.Interval = *interval
		case "signer":
			cfg.Signer.Mode = *signerMode
		case "signer-url":
			cfg.Signer.URL = *signerURL
		case "signer-address":
			cfg.Signer.Address = *signerAddr
		case "queue-driver":
			cfg.Queue.Driver = *queueDriver
		case "queue-brokers":
			cfg.Queue.Brokers = queue.SplitCommaList(*queueBrokers)
		case "queue-group":
			cfg.Queue.Group = *queueGroup
		case "max-in-flight":
			cfg.Limits.MaxInFlight = *maxInFlight
		case "journal-driver":
			cfg.Journal.Driver = *journalDrv
		case "archive-driver":
			cfg.Archive.Driver = *archiveDrv
		case "archive-bucket":
			cfg.Archive.Bucket = *archiveBkt
		case "secrets-driver":
			cfg.SecretsDriver = *secretsDrv
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Worker{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Worker, log *slog.Logger) error {
	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStartup()

	sp, err := secrets.New(startupCtx, cfg.SecretsDriver)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	obs := metrics.New(reg)

	chain, err := bootstrap.DialChain(startupCtx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		return err
	}
	defer chain.Close()

	mgr, err := bootstrap.NewManager(startupCtx, chain, cfg, sp, obs, log)
	if err != nil {
		return err
	}
	mgr.Describe()

	store, closeJournal, err := openJournal(startupCtx, cfg.Journal, sp)
	if err != nil {
		return err
	}
	defer closeJournal()

	arch, err := openArchive(startupCtx, cfg.Archive)
	if err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  cfg.Queue.Driver,
		Brokers: cfg.Queue.Brokers,
		Group:   cfg.Queue.Group,
		Topics:  []string{cfg.Queue.RequestTopic},
		Reader:  os.Stdin,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  cfg.Queue.Driver,
		Brokers: cfg.Queue.Brokers,
		Writer:  os.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	deps := worker.Deps{
		Executor: mgr,
		Journal:  store,
		Consumer: consumer,
		Producer: producer,
		Metrics:  obs,
		Log:      log,
	}
	if arch != nil {
		deps.Archive = arch
	}
	w, err := worker.New(worker.Config{
		ResultTopic:   cfg.Queue.ResultTopic,
		FailureTopic:  cfg.Queue.FailureTopic,
		MaxInFlight:   cfg.Limits.MaxInFlight,
		RatePerSecond: cfg.Limits.RatePerSecond,
		Burst:         cfg.Limits.Burst,
	}, deps)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("worker started",
		"from", mgr.Address().Hex(),
		"request_topic", cfg.Queue.RequestTopic,
		"queue_driver", cfg.Queue.Driver,
		"journal_driver", cfg.Journal.Driver,
		"archive_driver", cfg.Archive.Driver,
	)
	return w.Run(ctx)
}

func openJournal(ctx context.Context, cfg config.Journal, sp secrets.Provider) (journal.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return journal.NewMemoryStore(nil), func() {}, nil
	case "postgres":
		dsn, err := sp.Get(ctx, cfg.DSNRef)
		if err != nil {
			return nil, nil, fmt.Errorf("journal dsn: %w", err)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("journal pool: %w", err)
		}
		store, err := journalpg.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported journal driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

// openArchive returns nil when archiving is disabled.
func openArchive(ctx context.Context, cfg config.Archive) (*archive.Archive, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case archive.DriverMemory:
		return archive.New(archive.Config{Driver: archive.DriverMemory, Prefix: cfg.Prefix})
	case archive.DriverS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return archive.New(archive.Config{
			Driver:   archive.DriverS3,
			Prefix:   cfg.Prefix,
			Bucket:   cfg.Bucket,
			S3Client: s3.NewFromConfig(awsCfg),
		})
	default:
		return nil, fmt.Errorf("%w: unsupported archive driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}
