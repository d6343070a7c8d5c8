package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/migadu/mailflow/ai"
	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/mail"
	"github.com/migadu/mailflow/planstore"
	"github.com/migadu/mailflow/queue"
	"github.com/migadu/mailflow/rules"
	"github.com/migadu/mailflow/scheduler"
	"github.com/migadu/mailflow/server/httpapi"
)

func main() {
	// Initialize with application defaults
	cfg := newDefaultConfig()

	// --- Define Command-Line Flags ---
	// These flags will override values from the config file if set.
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stderr', 'stdout', 'syslog', or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: 'debug', 'info', 'warn', 'error' (overrides config)")

	// Database flags
	fDbHosts := flag.String("dbhosts", strings.Join(cfg.Database.Write.Hosts, ","), "Comma-separated database hosts (overrides config)")
	fDbPort := flag.String("dbport", cfg.Database.Write.Port, "Database port (overrides config)")
	fDbUser := flag.String("dbuser", cfg.Database.Write.User, "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", cfg.Database.Write.Password, "Database password (overrides config)")
	fDbName := flag.String("dbname", cfg.Database.Write.Name, "Database name (overrides config)")
	fDbTLS := flag.Bool("dbtls", cfg.Database.Write.TLSMode, "Enable TLS for database connection (overrides config)")
	fDbDebug := flag.Bool("dbdebug", cfg.Database.Debug, "Log all database queries (overrides config)")

	// Completion engine flags
	fAIBaseURL := flag.String("aibaseurl", cfg.AI.BaseURL, "Completion engine base URL (overrides config)")
	fAIModel := flag.String("aimodel", cfg.AI.Model, "Completion engine model (overrides config)")
	fAIAPIKey := flag.String("aiapikey", cfg.AI.APIKey, "Completion engine API key (overrides config)")

	// Gmail provider flags
	fGmailCredentials := flag.String("gmailcredentials", cfg.Gmail.CredentialsFile, "Gmail OAuth credentials file (overrides config)")
	fGmailToken := flag.String("gmailtoken", cfg.Gmail.TokenFile, "Gmail OAuth token file (overrides config)")

	// Pipeline flags
	fAutoExecute := flag.Bool("autoexecute", cfg.Execution.AutoExecute, "Allow automated rule execution (overrides config)")
	fStartScheduler := flag.Bool("scheduler", cfg.Scheduler.Start, "Start the delayed action scheduler (overrides config)")
	fStartDispatch := flag.Bool("dispatch", cfg.DispatchQueue.Start, "Start the distributed dispatch queue (overrides config)")
	fQueuePath := flag.String("queuepath", cfg.LocalQueue.Path, "Local queue persistence file (overrides config)")

	// HTTP API flags
	fStartHTTPAPI := flag.Bool("httpapi", cfg.HTTPAPI.Start, "Start the management HTTP API (overrides config)")
	fHTTPAddr := flag.String("httpaddr", cfg.HTTPAPI.Addr, "Management HTTP API address (overrides config)")
	fHTTPAPIKey := flag.String("httpapikey", cfg.HTTPAPI.APIKey, "Management HTTP API key (overrides config)")

	flag.Parse()

	// --- Load Configuration from TOML File ---
	// Values from the TOML file override the application defaults;
	// explicitly set command-line flags override both.
	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet("config") { // User explicitly set -config
				log.Fatalf("Error: Specified configuration file '%s' not found: %v", *configPath, err)
			}
			log.Printf("WARNING: Default configuration file '%s' not found. Using application defaults and command-line flags.", *configPath)
		} else {
			log.Fatalf("Error parsing configuration file '%s': %v", *configPath, err)
		}
	}

	// --- Apply Command-Line Flag Overrides ---
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("dbhosts") {
		cfg.Database.Write.Hosts = strings.Split(*fDbHosts, ",")
	}
	if isFlagSet("dbport") {
		cfg.Database.Write.Port = *fDbPort
	}
	if isFlagSet("dbuser") {
		cfg.Database.Write.User = *fDbUser
	}
	if isFlagSet("dbpassword") {
		cfg.Database.Write.Password = *fDbPassword
	}
	if isFlagSet("dbname") {
		cfg.Database.Write.Name = *fDbName
	}
	if isFlagSet("dbtls") {
		cfg.Database.Write.TLSMode = *fDbTLS
	}
	if isFlagSet("dbdebug") {
		cfg.Database.Debug = *fDbDebug
	}
	if isFlagSet("aibaseurl") {
		cfg.AI.BaseURL = *fAIBaseURL
	}
	if isFlagSet("aimodel") {
		cfg.AI.Model = *fAIModel
	}
	if isFlagSet("aiapikey") {
		cfg.AI.APIKey = *fAIAPIKey
	}
	if isFlagSet("gmailcredentials") {
		cfg.Gmail.CredentialsFile = *fGmailCredentials
	}
	if isFlagSet("gmailtoken") {
		cfg.Gmail.TokenFile = *fGmailToken
	}
	if isFlagSet("autoexecute") {
		cfg.Execution.AutoExecute = *fAutoExecute
	}
	if isFlagSet("scheduler") {
		cfg.Scheduler.Start = *fStartScheduler
	}
	if isFlagSet("dispatch") {
		cfg.DispatchQueue.Start = *fStartDispatch
	}
	if isFlagSet("queuepath") {
		cfg.LocalQueue.Path = *fQueuePath
	}
	if isFlagSet("httpapi") {
		cfg.HTTPAPI.Start = *fStartHTTPAPI
	}
	if isFlagSet("httpaddr") {
		cfg.HTTPAPI.Addr = *fHTTPAddr
	}
	if isFlagSet("httpapikey") {
		cfg.HTTPAPI.APIKey = *fHTTPAPIKey
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// --- Initialize Logging ---
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// --- Initialize the database connection ---
	logger.Info("Connecting to database",
		"hosts", strings.Join(cfg.Database.Write.Hosts, ","), "name", cfg.Database.Write.Name)
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to the database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	// --- Completion engine and mail provider ---
	engine, err := ai.NewClient(cfg.AI)
	if err != nil {
		logger.Fatal("Failed to create completion engine client", "error", err)
	}

	provider, err := mail.NewGmailProvider(ctx, cfg.Gmail)
	if err != nil {
		logger.Fatal("Failed to create mail provider", "error", err)
	}
	webhooks := mail.NewWebhookClient(0)

	// --- Pending plan store ---
	planTTL, err := cfg.PlanStore.GetTTL()
	if err != nil {
		logger.Fatal("Invalid plan_store ttl duration", "error", err)
	}
	planCleanup, err := cfg.PlanStore.GetCleanupInterval()
	if err != nil {
		logger.Fatal("Invalid plan_store cleanup_interval duration", "error", err)
	}
	plans := planstore.New(planTTL, cfg.PlanStore.MaxSize, planCleanup)
	defer plans.Stop(context.Background())

	// --- Rule pipeline ---
	retryDelay, err := cfg.AI.GetRetryDelay()
	if err != nil {
		logger.Fatal("Invalid ai retry_delay duration", "error", err)
	}
	executor := rules.NewExecutor(
		rules.NewMatcher(engine),
		rules.NewArgumentGenerator(engine, cfg.AI.MaxRetries, retryDelay),
		database, plans, provider, webhooks,
		cfg.Execution.AutoExecute,
	)

	errChan := make(chan error, 1)

	// --- Delayed action scheduler ---
	sweepInterval, err := cfg.Scheduler.GetSweepInterval()
	if err != nil {
		logger.Fatal("Invalid scheduler sweep_interval duration", "error", err)
	}
	schedulerWorker := scheduler.New(database, executor, sweepInterval, cfg.Scheduler.BatchSize, cfg.Scheduler.Concurrency)
	if cfg.Scheduler.Start {
		if err := schedulerWorker.Start(ctx); err != nil {
			logger.Fatal("Failed to start scheduler", "error", err)
		}
		defer schedulerWorker.Stop()
	}

	// --- Local bulk operation queue ---
	localQueue, err := queue.NewLocal(cfg.LocalQueue.Path, cfg.LocalQueue.Concurrency, nil)
	if err != nil {
		logger.Fatal("Failed to open local queue", "error", err)
	}
	runRules := runRulesHandler(database, provider, executor)
	localQueue.RegisterHandler(queue.KindArchive, func(ctx context.Context, userID int64, threadID string) error {
		return provider.ArchiveThread(ctx, threadID)
	})
	localQueue.RegisterHandler(queue.KindDelete, func(ctx context.Context, userID int64, threadID string) error {
		return provider.TrashThread(ctx, threadID)
	})
	localQueue.RegisterHandler(queue.KindMarkRead, func(ctx context.Context, userID int64, threadID string) error {
		return provider.MarkThreadRead(ctx, threadID)
	})
	localQueue.RegisterHandler(queue.KindRunRules, runRules)
	if err := localQueue.Start(ctx); err != nil {
		logger.Fatal("Failed to start local queue", "error", err)
	}
	defer localQueue.Stop()
	if err := localQueue.Resume(ctx); err != nil {
		logger.Error("Failed to resume persisted queue items", "error", err)
	}

	// --- Distributed dispatch queue ---
	pollInterval, err := cfg.DispatchQueue.GetPollInterval()
	if err != nil {
		logger.Fatal("Invalid dispatch_queue poll_interval duration", "error", err)
	}
	stuckThreshold, err := cfg.DispatchQueue.GetStuckJobThreshold()
	if err != nil {
		logger.Fatal("Invalid dispatch_queue stuck_job_threshold duration", "error", err)
	}
	dispatcher := queue.NewDispatcher(database,
		cfg.DispatchQueue.PerUserParallel, cfg.DispatchQueue.BatchChunkSize,
		cfg.DispatchQueue.Concurrency, cfg.DispatchQueue.MaxAttempts,
		pollInterval, stuckThreshold)
	dispatcher.RegisterHandler(queue.KindRunRules, dispatchRunRulesHandler(runRules))
	if cfg.DispatchQueue.Start {
		if err := dispatcher.Start(ctx); err != nil {
			logger.Fatal("Failed to start dispatch queue", "error", err)
		}
		defer dispatcher.Stop()
	}

	// --- Management HTTP API ---
	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, database, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Plans:        plans,
			Executor:     executor,
			Scheduler:    schedulerWorker,
		}, errChan)
	}

	logger.Info("mailflow started", "auto_execute", cfg.Execution.AutoExecute,
		"scheduler", cfg.Scheduler.Start, "dispatch_queue", cfg.DispatchQueue.Start,
		"http_api", cfg.HTTPAPI.Start)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down mailflow...")
	case err := <-errChan:
		logger.Fatal("Server error", "error", err)
	}
}

// runRulesHandler builds the handler that runs the full rule pipeline
// for one delivered message.
func runRulesHandler(database *db.Database, provider mail.Provider, executor *rules.Executor) queue.LocalHandler {
	return func(ctx context.Context, userID int64, messageID string) error {
		email, err := provider.GetMessage(ctx, messageID)
		if err != nil {
			return fmt.Errorf("failed to fetch message %s: %w", messageID, err)
		}
		userRules, err := database.GetEnabledRules(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load rules for user %d: %w", userID, err)
		}
		_, err = executor.ProcessMessage(ctx, userID, email, userRules, false)
		return err
	}
}

// dispatchRunRulesHandler adapts the pipeline handler to dispatch queue
// jobs, whose payloads are chunked arrays of message references.
func dispatchRunRulesHandler(runRules queue.LocalHandler) queue.JobHandler {
	return func(ctx context.Context, job db.QueueJob) error {
		var items []struct {
			UserID    int64  `json:"user_id"`
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(job.Payload, &items); err != nil {
			return fmt.Errorf("malformed job payload: %w", err)
		}
		for _, item := range items {
			if err := runRules(ctx, item.UserID, item.MessageID); err != nil {
				return err
			}
		}
		return nil
	}
}

// isFlagSet reports whether a flag was explicitly set on the command line.
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
