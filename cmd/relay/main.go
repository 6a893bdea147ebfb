package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gen2brain/beeep"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/client"
	"github.com/relay-llm/relay/config"
	"github.com/relay-llm/relay/conversations"
	"github.com/relay-llm/relay/llm"
	"github.com/relay-llm/relay/llm/anthropic"
	"github.com/relay-llm/relay/llm/gemini"
	"github.com/relay-llm/relay/llm/ollama"
	"github.com/relay-llm/relay/llm/openai"
	relaylogger "github.com/relay-llm/relay/logger"
	"github.com/relay-llm/relay/memory"
	ollamaembed "github.com/relay-llm/relay/memory/ollama"
	"github.com/relay-llm/relay/migrations"
	"github.com/relay-llm/relay/orchestrator"
	responsecache "github.com/relay-llm/relay/cache"
	"github.com/relay-llm/relay/router"
	"github.com/relay-llm/relay/session"
	"github.com/relay-llm/relay/tools"
	"github.com/relay-llm/relay/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	var (
		configPath = flag.String("config", config.DefaultPath(), "Path to config file")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		oneShot    = flag.String("m", "", "Send one message and exit instead of starting the REPL")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := relaylogger.InitWithOptions(*logFile, *pretty, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("config", *configPath).
		Str("db", cfg.Storage.Path).
		Msg("relay starting")

	// ---------------------------
	// 1. Open SQLite + Stores
	// ---------------------------

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.Run(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	memoryStore := memory.NewStore(db, embedder, logger)
	conversationStore := conversations.NewStore(db)

	// ---------------------------
	// 2. Register Provider Adapters
	// ---------------------------

	factory := llm.NewFactory(logger)
	factory.Register(llm.ProviderClaude, func() (llm.Adapter, error) {
		return anthropic.New(cfg.Claude.APIKey, cfg.Claude.Model, logger)
	})
	factory.Register(llm.ProviderOpenAI, func() (llm.Adapter, error) {
		return openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger)
	})
	factory.Register(llm.ProviderGemini, func() (llm.Adapter, error) {
		return gemini.New(cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
	})
	factory.Register(llm.ProviderOllama, func() (llm.Adapter, error) {
		return ollama.New(cfg.Ollama.Host, cfg.Ollama.Model, logger)
	})

	// ---------------------------
	// 3. Tool Engine
	// ---------------------------

	var audit *tools.AuditLog
	if cfg.Tools.AuditLog != "" {
		audit = tools.NewAuditLog(cfg.Tools.AuditLog)
	}
	engine := tools.NewEngine(tools.Options{
		Mode:           tools.Mode(cfg.Tools.Mode),
		Whitelist:      cfg.Tools.AutoApprove,
		Approve:        promptApproval,
		Audit:          audit,
		DefaultTimeout: time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
	}, logger)

	if err := engine.RegisterFilesystemTools(cfg.Tools.Workspace); err != nil {
		return fmt.Errorf("failed to register filesystem tools: %w", err)
	}
	if err := engine.RegisterShellTool(cfg.Tools.Workspace); err != nil {
		return fmt.Errorf("failed to register shell tool: %w", err)
	}

	mcpSource := tools.NewMCPSource(logger)
	defer mcpSource.Close()
	connectMCPServers(logger, engine, mcpSource, cfg.MCPServers)

	// ---------------------------
	// 4. Client Facade
	// ---------------------------

	respCache := responsecache.New(
		time.Duration(cfg.Cache.TTLSeconds)*time.Second,
		cfg.Cache.MaxEntries,
		logger,
	)
	tracker := usage.NewTracker(usage.Limits{
		MaxTokensPerRequest: cfg.Quotas.MaxTokensPerRequest,
		MaxCostPerHour:      cfg.Quotas.MaxCostPerHour,
		MaxCostPerDay:       cfg.Quotas.MaxCostPerDay,
		MaxTotalCost:        cfg.Quotas.MaxTotalCost,
	}, nil, logger)
	rt := router.New(factory, cfg.Router.MaxCharsLocal, logger)

	llmClient := client.New(factory, respCache, tracker, engine, rt, client.Options{
		FallbackChain: parseChain(cfg.FallbackChain),
		MaxRetries:    cfg.Stream.MaxRetries,
		Backoff:       time.Duration(cfg.Stream.BackoffSeconds * float64(time.Second)),
	}, logger)

	// ---------------------------
	// 5. Session + Orchestrator
	// ---------------------------

	distiller := orchestrator.NewClientDistiller(
		llmClient,
		llm.Provider(cfg.Context.DistillBackend),
		cfg.Context.DistillTargetTokens,
	)
	sess := session.NewManager(session.Limits{
		MaxMessages:        cfg.Context.MaxMessages,
		SummarizeThreshold: cfg.Context.SummarizeThreshold,
		KeepTail:           cfg.Context.KeepTail,
		DistillTrigger:     cfg.Context.DistillTrigger,
		DistillTarget:      cfg.Context.DistillTargetTokens,
	}, distiller, logger)

	primeSession(context.Background(), sess, conversationStore, logger)

	orch := orchestrator.New(
		llmClient, engine, tracker, sess,
		memoryStore, conversationStore,
		cfg.Context.SessionMaxTokens, logger,
	)

	// ---------------------------
	// 6. Background Maintenance
	// ---------------------------

	maintenance := cron.New()
	if _, err := maintenance.AddFunc("@hourly", func() {
		purged := respCache.PurgeExpired()
		if purged > 0 {
			logger.Debug().Int("purged", purged).Msg("Expired cache entries purged")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule cache maintenance: %w", err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	// ---------------------------
	// 7. Chat Loop
	// ---------------------------

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	repl := &repl{orch: orch, client: llmClient, logger: logger}
	if *oneShot != "" {
		return repl.send(ctx, *oneShot)
	}
	return repl.loop(ctx)
}

// repl is the interactive chat front end.
type repl struct {
	orch    *orchestrator.Orchestrator
	client  *client.Client
	backend string // empty means routed
	logger  zerolog.Logger
}

func (r *repl) loop(ctx context.Context) error {
	fmt.Println("relay ready. Type /help for commands, Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := r.command(ctx, line); done {
				break
			}
			continue
		}
		if err := r.send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	fmt.Println()
	return scanner.Err()
}

// send streams one message and prints the deltas as they arrive.
func (r *repl) send(ctx context.Context, message string) error {
	opts := orchestrator.Options{
		Backend:        r.backend,
		IncludeContext: true,
	}
	s, err := r.orch.Stream(ctx, message, opts)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // Stream close is advisory

	for s.Next() {
		chunk := s.Chunk()
		if chunk == nil {
			continue
		}
		fmt.Print(chunk.Delta)
	}
	fmt.Println()
	return s.Err()
}

// command handles one slash command; it returns true when the loop
// should exit.
func (r *repl) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(`commands:
  /backend <claude|openai|gemini|ollama|auto>  select or auto-route the backend
  /persona <name>                              switch persona
  /personas                                    list personas
  /tools <deny|trust|auto|manual>              set tool permission mode
  /remember <text>                             store a persistent memory
  /usage                                       show token and cost totals
  /health                                      probe provider availability
  /quit`)
	case "/backend":
		if len(args) != 1 {
			fmt.Println("usage: /backend <name|auto>")
			break
		}
		if args[0] == "auto" {
			r.backend = ""
			fmt.Println("backend: auto-routed")
			break
		}
		r.backend = args[0]
		fmt.Printf("backend: %s\n", r.backend)
	case "/persona":
		if len(args) != 1 {
			fmt.Println("usage: /persona <name>")
			break
		}
		if err := r.orch.SetPersona(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		fmt.Printf("persona: %s\n", args[0])
	case "/personas":
		active := r.orch.ActivePersona().Name
		for _, name := range r.orch.Personas() {
			marker := " "
			if name == active {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
	case "/tools":
		if len(args) != 1 {
			fmt.Printf("tool mode: %s\n", r.orch.ToolMode())
			break
		}
		if err := r.orch.SetToolMode(tools.Mode(args[0])); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		fmt.Printf("tool mode: %s\n", args[0])
	case "/remember":
		if len(args) == 0 {
			fmt.Println("usage: /remember <text>")
			break
		}
		if err := r.orch.Remember(ctx, strings.Join(args, " "), nil); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		fmt.Println("remembered")
	case "/usage":
		stats := r.orch.UsageStats()
		fmt.Printf("requests: %d (errors: %d)\ntokens: %d\ncost: $%.4f\n",
			stats.Requests, stats.Errors, stats.TotalTokens, stats.TotalCost)
	case "/health":
		for provider, health := range r.client.CheckAvailability(ctx) {
			line := fmt.Sprintf("%-8s %s", provider, health.Status)
			if health.Status == llm.HealthOK {
				line += fmt.Sprintf(" (%s)", health.Latency.Round(time.Millisecond))
			} else if health.Detail != "" {
				line += " " + health.Detail
			}
			fmt.Println(line)
		}
	default:
		fmt.Printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

// promptApproval asks the user to approve a tool call in manual mode. A
// desktop notification is sent in case the terminal is not in focus.
func promptApproval(tool string, args map[string]any) bool {
	_ = beeep.Notify("relay", fmt.Sprintf("Tool %q wants to run, approval needed", tool), "")

	fmt.Printf("\nallow tool %q with args %v? [y/N] ", tool, args)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func connectMCPServers(logger zerolog.Logger, engine *tools.Engine, source *tools.MCPSource, servers map[string]*config.MCPServerConfig) {
	if len(servers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for name, serverCfg := range servers {
		if serverCfg == nil {
			logger.Warn().Str("name", name).Msg("MCP server has nil config, skipping")
			continue
		}
		err := source.Connect(ctx, engine, tools.MCPServer{
			Name:    name,
			Command: serverCfg.Command,
			Args:    serverCfg.Args,
			Env:     serverCfg.Env,
		})
		if err != nil {
			logger.Error().Str("name", name).Err(err).Msg("Failed to connect MCP server")
		}
	}
}

// buildEmbedder selects the memory embedder: the Ollama server when
// configured, the deterministic hash placeholder otherwise.
func buildEmbedder(cfg *config.Config, logger zerolog.Logger) (memory.Embedder, error) {
	switch cfg.Memory.Embedder {
	case "ollama":
		logger.Info().
			Str("host", cfg.Ollama.Host).
			Str("model", cfg.Memory.EmbedModel).
			Msg("Using ollama embedder for persistent memory")
		return ollamaembed.NewEmbedder(cfg.Ollama.Host, cfg.Memory.EmbedModel)
	case "", "hash":
		return memory.NewHashEmbedder(0), nil
	}
	return nil, fmt.Errorf("unknown memory embedder %q", cfg.Memory.Embedder)
}

// primeSession reloads the most recent logged turns into session context
// so a restart resumes the conversation.
func primeSession(ctx context.Context, sess *session.Manager, store *conversations.Store, logger zerolog.Logger) {
	const primeLimit = 20
	for _, provider := range llm.Providers() {
		turns, err := store.Recent(ctx, string(provider), primeLimit)
		if err != nil {
			logger.Warn().Err(err).Str("backend", string(provider)).Msg("Failed to load recent turns")
			continue
		}
		for _, turn := range turns {
			sess.AddMessage(turn.Backend, llm.ChatMessage{Role: turn.Role, Content: turn.Content})
		}
	}
}

func parseChain(names []string) []llm.Provider {
	chain := make([]llm.Provider, 0, len(names))
	for _, name := range names {
		chain = append(chain, llm.Provider(name))
	}
	return chain
}
