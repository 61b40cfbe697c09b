// Command valuationd runs the valuation orchestrator as an HTTP/SSE
// server: it loads configuration, selects checkpoint and artifact storage
// backends from their configured URLs, wires the reference valuation graph
// (package valuation) into a graph.Engine, and serves the boundary
// adapter's HTTP routes until an interrupt signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/sosodennis/valuation-graph/artifact"
	"github.com/sosodennis/valuation-graph/boundary"
	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/config"
	"github.com/sosodennis/valuation-graph/graph"
	"github.com/sosodennis/valuation-graph/graph/emit"
	"github.com/sosodennis/valuation-graph/graph/model/anthropic"
	"github.com/sosodennis/valuation-graph/graph/model/google"
	"github.com/sosodennis/valuation-graph/graph/model/openai"
	"github.com/sosodennis/valuation-graph/registry"
	"github.com/sosodennis/valuation-graph/valuation"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("valuationd: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("VALUATIOND_CONFIG"), os.Getenv("VALUATIOND_DOTENV"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	saver, err := openCheckpointer(cfg)
	if err != nil {
		return fmt.Errorf("open checkpointer: %w", err)
	}

	blobStore, err := openArtifactStore(cfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	registerer := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registerer)

	router := registry.NewEventRouter()
	// The engine's events fan out to three backends: the per-thread SSE
	// dispatchers (via the router), a JSONL structured log on stderr, and
	// OpenTelemetry spans (a no-op unless the deployment installs a real
	// tracer provider before starting the daemon).
	logEmitter := emit.NewLogEmitter(os.Stderr, true)
	otelEmitter := emit.NewOTelEmitter(otel.Tracer("valuation-graph"))
	emitter := emit.NewMultiEmitter(router, logEmitter, otelEmitter)
	eng := graph.New(valuation.Schema(), saver, emitter,
		graph.Options{
			MaxSteps:           cfg.RecursionLimit,
			DefaultNodeTimeout: cfg.NodeTimeout(),
			RunWallClockBudget: cfg.ExecutionTimeout(),
			DefaultRetryPolicy: defaultRetryPolicy(cfg),
			Metrics:            metrics,
		},
	)

	costs := graph.NewCostTracker("valuationd", "USD")
	deps, err := buildDeps(blobStore, costs)
	if err != nil {
		return fmt.Errorf("build model dependencies: %w", err)
	}

	if err := valuation.Build(eng, deps, valuation.Config{
		ApprovalThreshold: approvalThreshold(),
	}); err != nil {
		return fmt.Errorf("build valuation graph: %w", err)
	}

	reg := registry.New(eng, saver, router).
		WithGC(time.Minute, 10*time.Minute).
		WithStreamOptions(registry.StreamOptions{
			HeartbeatInterval: cfg.HeartbeatInterval(),
			SubscriberQueue:   cfg.SubscriberQueueCapacity,
			ReplayBuffer:      cfg.ReplayBufferCapacity,
		})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	reg.StartGC(ctx)
	defer reg.StopGC()

	input := func(message map[string]any) (graph.State, error) {
		ticker, _ := message["ticker"].(string)
		if ticker == "" {
			return nil, errors.New("message.ticker is required")
		}
		return graph.State{"ticker": ticker}, nil
	}

	srv := boundary.NewServer(reg, saver, input, boundary.Options{
		ProtocolVersion: cfg.ProtocolVersion,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	addr := listenAddr()
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("valuationd: listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Print("valuationd: shutting down")
		log.Printf("valuationd: %s", costs.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openCheckpointer selects a checkpoint.Saver backend from cfg.DatabaseURL's
// scheme (sqlite/mysql/postgres), wrapping it in an EncryptedSaver when an
// encryption key is configured.
func openCheckpointer(cfg config.Config) (checkpoint.Saver, error) {
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database_url: %w", err)
	}

	var saver checkpoint.Saver
	switch u.Scheme {
	case "sqlite", "sqlite3", "file":
		path := u.Opaque
		if path == "" {
			path = u.Path
		}
		saver, err = checkpoint.NewSQLiteStore(path)
	case "mysql":
		// go-sql-driver/mysql DSNs aren't URLs ("user:pass@tcp(host:port)/db"),
		// so only the "mysql://" scheme prefix itself is stripped.
		saver, err = checkpoint.NewMySQLStore(strings.TrimPrefix(cfg.DatabaseURL, "mysql://"))
	case "postgres", "postgresql":
		saver, err = checkpoint.NewPostgresStore(context.Background(), cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported database_url scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if cfg.EncryptionKeyCurrent == "" {
		return saver, nil
	}
	return checkpoint.NewEncryptedSaver(saver, []byte(cfg.EncryptionKeyCurrent))
}

// openArtifactStore selects an artifact.Store backend from cfg.BlobStoreURL's
// scheme: a local directory, or a COS bucket URL with credentials supplied
// via environment variables (the COS SDK takes no other form of
// credential, so there is no config field to carry them in).
func openArtifactStore(cfg config.Config) (artifact.Store, error) {
	u, err := url.Parse(cfg.BlobStoreURL)
	if err != nil {
		return nil, fmt.Errorf("parse blob_store_url: %w", err)
	}

	switch u.Scheme {
	case "", "file":
		path := u.Opaque
		if path == "" {
			path = u.Path
		}
		if path == "" {
			path = cfg.BlobStoreURL
		}
		return artifact.NewLocalStore(path)
	case "cos":
		return artifact.NewCOSStore(cfg.BlobStoreURL, os.Getenv("COS_SECRET_ID"), os.Getenv("COS_SECRET_KEY"))
	default:
		return nil, fmt.Errorf("unsupported blob_store_url scheme %q", u.Scheme)
	}
}

// buildDeps wires the reference valuation graph's analysis nodes to real
// model providers with a fixed assignment: Anthropic for sentiment/debate,
// OpenAI for the DCF model, Gemini for comparables. All three provider API
// keys must be present in the environment; if any is missing, buildDeps
// returns an error. There is no per-node provider selection in config.
func buildDeps(blobStore artifact.Store, costs *graph.CostTracker) (valuation.Deps, error) {
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	if anthropicKey == "" || openaiKey == "" || googleKey == "" {
		return valuation.Deps{}, errors.New("ANTHROPIC_API_KEY, OPENAI_API_KEY, and GOOGLE_API_KEY must all be set")
	}

	sentimentModel := anthropic.NewChatModel(anthropicKey, "")
	debateModel := anthropic.NewChatModel(anthropicKey, "")
	dcfModel := openai.NewChatModel(openaiKey, "")
	comparablesModel := google.NewChatModel(googleKey, "")

	return valuation.Deps{
		MarketData:       noopMarketData,
		Filings:          noopFilings,
		SentimentModel:   sentimentModel,
		DebateModel:      debateModel,
		DCFModel:         dcfModel,
		ComparablesModel: comparablesModel,
		Artifacts:        blobStore,
		Costs:            costs,
	}, nil
}

// defaultRetryPolicy builds the engine-wide retry fallback from the
// retry_default_* configuration keys. Only transient failures retry:
// a context cancellation or deadline is final.
func defaultRetryPolicy(cfg config.Config) *graph.RetryPolicy {
	if cfg.RetryDefaultMaxAttempts <= 1 {
		return nil
	}
	base := time.Duration(cfg.RetryDefaultInitialIntervalS * float64(time.Second))
	return &graph.RetryPolicy{
		MaxAttempts: cfg.RetryDefaultMaxAttempts,
		BaseDelay:   base,
		MaxDelay:    base * 32,
		Factor:      cfg.RetryDefaultBackoffFactor,
		Jitter:      cfg.RetryDefaultJitter,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
	}
}

// noopMarketData and noopFilings are placeholders; a real deployment
// replaces these with calls to its own market-data and filings providers.
func noopMarketData(ctx context.Context, ticker string) ([]byte, error) {
	return nil, fmt.Errorf("valuationd: no market data provider configured for %s", ticker)
}

func noopFilings(ctx context.Context, ticker string) (string, error) {
	return "", fmt.Errorf("valuationd: no filings provider configured for %s", ticker)
}

func approvalThreshold() float64 {
	const defaultThreshold = 1_000_000
	v := os.Getenv("APPROVAL_THRESHOLD")
	if v == "" {
		return defaultThreshold
	}
	var threshold float64
	if _, err := fmt.Sscanf(v, "%f", &threshold); err != nil {
		return defaultThreshold
	}
	return threshold
}

func listenAddr() string {
	if addr := os.Getenv("VALUATIOND_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
