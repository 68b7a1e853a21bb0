// Command optiq runs the AI-workload optimization assistant: an HTTP API in
// front of a supervised multi-agent analysis pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"optiq/pkg/agents"
	"optiq/pkg/api"
	"optiq/pkg/cache"
	"optiq/pkg/config"
	"optiq/pkg/llm"
	"optiq/pkg/llm/factory"
	"optiq/pkg/logx"
	"optiq/pkg/metrics"
	"optiq/pkg/store"
	"optiq/pkg/supervisor"
	"optiq/pkg/tokens"
	"optiq/pkg/tools"
	"optiq/pkg/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	secretsPath := flag.String("secrets", "", "path to encrypted secrets file")
	initSecrets := flag.Bool("init-secrets", false, "interactively create the secrets file and exit")
	flag.Parse()

	if err := run(*configPath, *secretsPath, *initSecrets); err != nil {
		fmt.Fprintf(os.Stderr, "optiq: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, secretsPath string, initSecrets bool) error {
	// .env is a development convenience; production won't have one.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Debug {
		logx.SetDebug(true)
		logx.SetDebugDomains(cfg.DebugScopes)
	}
	logger := logx.NewLogger("main")

	secrets := config.NewSecretStore()
	if initSecrets {
		return bootstrapSecrets(secrets, secretsPath)
	}
	if secretsPath != "" {
		password, err := secretsPassword()
		if err != nil {
			return err
		}
		if err := secrets.LoadFile(secretsPath, password); err != nil {
			return err
		}
		logger.Info("loaded %d secrets from %s", len(secrets.Names()), secretsPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// Metric-snapshot cache is optional: no address means no cache.
	var snapCache *cache.Cache
	if cfg.Redis.Addr != "" {
		snapCache, err = cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache: %v", err)
		}
	}
	defer func() { _ = snapCache.Close() }()

	// Metrics.
	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)
	counter, err := tokens.NewCounter(cfg.Provider.Model)
	if err != nil {
		return err
	}

	// LLM provider client.
	baseClient, err := factory.NewClient(cfg.Provider, secrets)
	if err != nil {
		return err
	}
	clientFor := func(agent string) llm.LLMClient {
		return llm.Chain(baseClient, metrics.Middleware(recorder, counter, agent))
	}

	// Tools.
	dispatcher := tools.NewDispatcher()
	tools.NewWorkloadTools(tools.SyntheticSource{}, snapCache, st).RegisterAll(dispatcher)

	// Agents.
	registryAgents := agents.NewRegistry()
	registryAgents.Register(agents.NewTriageAgent(clientFor(agents.NameTriage)))
	registryAgents.Register(agents.NewDataAnalysisAgent(clientFor(agents.NameDataAnalysis), dispatcher))
	registryAgents.Register(agents.NewOptimizationAgent(clientFor(agents.NameOptimization)))
	registryAgents.Register(agents.NewActionPlanAgent(clientFor(agents.NameActionPlan), dispatcher))
	registryAgents.Register(agents.NewReportingAgent(clientFor(agents.NameReporting)))

	// Supervisor + notifications.
	hub := ws.NewHub()
	sup := supervisor.New(registryAgents, cfg.Supervisor, cfg.Reliability).
		WithNotifier(hub).
		WithPersister(st).
		WithRecorder(recorder)

	// HTTP server.
	server := api.NewServer(ctx, sup, st, hub, registry, cfg.Server.AuthToken)
	if cfg.Metrics.PrometheusURL != "" {
		usage, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return err
		}
		server.WithUsage(usage)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening on %s (provider=%s model=%s)", addr, cfg.Provider.Kind, cfg.Provider.Model)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// secretsPassword reads the secrets password from the environment or, when
// attached to a terminal, prompts for it.
func secretsPassword() (string, error) {
	if p := os.Getenv("OPTIQ_SECRETS_PASSWORD"); p != "" {
		return p, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no OPTIQ_SECRETS_PASSWORD set and stdin is not a terminal")
	}
	fmt.Print("Secrets password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}

// bootstrapSecrets interactively collects API keys and writes the encrypted
// secrets file.
func bootstrapSecrets(secrets *config.SecretStore, path string) error {
	if path == "" {
		return fmt.Errorf("-init-secrets requires -secrets <path>")
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return fmt.Errorf("-init-secrets requires an interactive terminal")
	}

	for _, name := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		fmt.Printf("%s (blank to skip): ", name)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if len(raw) > 0 {
			secrets.Set(name, string(raw))
		}
	}

	fmt.Print("Choose a secrets password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) == 0 {
		return fmt.Errorf("password cannot be empty")
	}

	if err := secrets.SaveFile(path, string(password)); err != nil {
		return err
	}
	fmt.Printf("Wrote %d secrets to %s\n", len(secrets.Names()), path)
	return nil
}
