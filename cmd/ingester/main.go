// Command ingester consumes session-recording event batches from the
// partitioned log, buffers them per session, and flushes completed sessions
// to blob storage. A deployment runs two instances: one on the main topic
// and one, with -consume-overflow, on the overflow topic.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kumarlokesh/replay-ingest/internal/config"
	"github.com/kumarlokesh/replay-ingest/internal/ingester"
	"github.com/kumarlokesh/replay-ingest/internal/kafka"
	"github.com/kumarlokesh/replay-ingest/internal/kv"
	"github.com/kumarlokesh/replay-ingest/internal/storage"
	"github.com/kumarlokesh/replay-ingest/internal/team"
	"github.com/kumarlokesh/replay-ingest/internal/types"
)

const shutdownGrace = 30 * time.Second

// lazyClient defers the commit target until the kafka consumer exists; the
// consumer itself needs the ingester for its rebalance callbacks.
type lazyClient struct {
	consumer *kafka.Consumer
}

func (l *lazyClient) Commit(ctx context.Context, partition int32, offset int64) error {
	return l.consumer.Commit(ctx, partition, offset)
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	consumeOverflow := flag.Bool("consume-overflow", false, "consume the overflow topic and disable the overflow detector")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *consumeOverflow {
		cfg.Kafka.ConsumeOverflow = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Str("topic", cfg.Kafka.ConsumedTopic()).Str("group", cfg.Kafka.Group).
		Bool("overflow_detector", cfg.DetectorEnabled()).Msg("starting ingester")

	var store kv.Store
	if cfg.Redis.Addr != "" {
		store = kv.NewRedisStore(cfg.Redis.Addr)
	} else {
		log.Warn().Msg("no redis address configured, using in-process kv store")
		store = kv.NewMemoryStore()
	}

	sink, err := storage.NewFilesystemStore(cfg.Storage.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	// Team lookup is an external collaborator; until it is wired, tokens
	// resolve from the environment-provided static table.
	resolver := team.NewCachedResolver(team.NewStaticResolver(loadStaticTeams()), 5*time.Minute)

	client := &lazyClient{}
	ing := ingester.New(cfg, log, client, sink, store, resolver)

	consumer, err := kafka.NewConsumer(&cfg.Kafka, ing, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	client.consumer = consumer

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go ing.Run(ctx)
	go serveAdmin(ctx, cfg.Server.Addr, store, sink, log)

	runErr := consumer.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		log.Error().Err(runErr).Msg("consumer stopped")
	}

	// Graceful shutdown: revoke every owned partition with an extended
	// deadline, then leave the group.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := ing.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown flush incomplete")
	}
	consumer.Close()
	log.Info().Msg("ingester stopped")
}

// serveAdmin exposes liveness and metrics on the admin listener.
func serveAdmin(ctx context.Context, addr string, store kv.Store, sink storage.BlobStore, log zerolog.Logger) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			http.Error(w, "kv store unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := sink.Ping(req.Context()); err != nil {
			http.Error(w, "blob storage unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = srv.Shutdown(closeCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("admin listener failed")
	}
}

// loadStaticTeams reads token mappings of the form token=team_id from
// INGESTER_TEAM_TOKENS, comma separated. Disabled teams carry a trailing "!".
func loadStaticTeams() map[string]types.Team {
	teams := make(map[string]types.Team)
	for _, pair := range strings.Split(os.Getenv("INGESTER_TEAM_TOKENS"), ",") {
		token, id, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		enabled := !strings.HasSuffix(id, "!")
		teamID, err := strconv.ParseInt(strings.TrimSuffix(id, "!"), 10, 64)
		if err != nil {
			continue
		}
		teams[token] = types.Team{ID: teamID, RecordingEnabled: enabled}
	}
	return teams
}
