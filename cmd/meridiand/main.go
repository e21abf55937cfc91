// Command meridiand is the daemon process: it loads configuration,
// connects to Postgres, wires every component, and serves the HTTP/
// WebSocket API until it receives an interrupt or termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	dockerclient "github.com/docker/docker/client"
	"github.com/joho/godotenv"

	"github.com/meridianhq/meridian/internal/api"
	"github.com/meridianhq/meridian/internal/broker"
	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/consolidation"
	"github.com/meridianhq/meridian/internal/eventlog"
	"github.com/meridianhq/meridian/internal/llmclient"
	"github.com/meridianhq/meridian/internal/notify"
	"github.com/meridianhq/meridian/internal/sandbox"
	"github.com/meridianhq/meridian/internal/store"
	"github.com/meridianhq/meridian/internal/swarm"
	"github.com/meridianhq/meridian/internal/workqueue"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	httpAddr := flag.String("http-addr",
		getEnv("HTTP_ADDR", ":8080"),
		"HTTP/WebSocket listen address")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables...")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	log.Printf("starting meridian")
	log.Printf("config directory: %s", *configDir)
	log.Printf("http address: %s", *httpAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("loading database config: %v", err)
	}

	st, err := store.Open(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer st.Close()
	log.Println("connected to postgres, migrations applied")

	logger := slog.Default()

	dockerCli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		log.Fatalf("creating docker client: %v", err)
	}

	sandboxSup := sandbox.NewSupervisor(dockerCli, cfg.Defaults.SandboxIdleTimeout, st.LockSession)
	logs := eventlog.NewRegistry(cfg.Defaults.MaxEventLog)

	llmClient, err := buildLLMClient(ctx, cfg)
	if err != nil {
		log.Fatalf("configuring llm client: %v", err)
	}

	notifySvc := notify.New(st, notify.NewSlackWebhookDeliverer())

	brk := broker.NewBroker(st, cfg, sandboxSup, logs, notifySvc, llmClient, logger)

	queue := workqueue.New(st)
	orchestrator := swarm.NewOrchestrator(st, queue, broker.NewInvoker(brk), swarm.SummaryPolicy{
		SummaryThresholdChars: cfg.Swarm.SummaryThresholdChars,
	}, llmClient)
	scheduler := consolidation.New(st, llmClient)

	apiServer := api.NewServer(cfg, st, brk, orchestrator, queue, notifySvc, scheduler, logger)

	var wg sync.WaitGroup
	sandboxSup.StartReaper(ctx, cfg.Queue.SandboxReapInterval, &wg)
	scheduler.Start(ctx, cfg.Queue.ConsolidationInterval, &wg)

	go func() {
		log.Printf("http server listening on %s", *httpAddr)
		if err := apiServer.Start(*httpAddr); err != nil {
			log.Printf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down http server: %v", err)
	}

	wg.Wait()
	log.Println("shutdown complete")
}

// buildLLMClient constructs the single StructuredClient backing the broker,
// swarm orchestrator, and consolidation scheduler, from the provider named
// by defaults.llm_provider in config.yaml.
func buildLLMClient(ctx context.Context, cfg *config.Config) (llmclient.StructuredClient, error) {
	name := cfg.Defaults.LLMProvider
	if name == "" {
		return nil, fmt.Errorf("defaults.llm_provider is not configured")
	}
	p, err := cfg.LLMProviders.Get(name)
	if err != nil {
		return nil, err
	}

	switch p.Type {
	case config.LLMProviderAnthropic:
		return llmclient.NewAnthropicClient(os.Getenv(p.APIKeyEnv), p.Model)
	case config.LLMProviderOpenAI:
		return llmclient.NewOpenAIClient(os.Getenv(p.APIKeyEnv), p.Model)
	case config.LLMProviderBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.Region))
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		return llmclient.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), p.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider type %q", p.Type)
	}
}
