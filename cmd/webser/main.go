package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/byildiz78/webser/internal/cache"
	"github.com/byildiz78/webser/internal/config"
	"github.com/byildiz78/webser/internal/counter"
	"github.com/byildiz78/webser/internal/db"
	"github.com/byildiz78/webser/internal/events"
	"github.com/byildiz78/webser/internal/logging"
	"github.com/byildiz78/webser/internal/metrics"
	"github.com/byildiz78/webser/internal/queue"
	"github.com/byildiz78/webser/internal/ratelimit"
	"github.com/byildiz78/webser/internal/sqlexec"
	"github.com/byildiz78/webser/internal/tenant"
	"github.com/byildiz78/webser/internal/web"
	"github.com/byildiz78/webser/internal/worker"
)

const Version = "0.3.2"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("webser version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "beat":
		runBeat(os.Args[2:])
	case "tenant":
		runTenant(os.Args[2:])
	case "triage":
		runTriage(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: webser <serve|worker|beat|tenant|triage|prune|version> [args]")
}

// loadConfig layers defaults, an optional config file, the environment, and
// finally the subcommand's flags. bind, when non-nil, registers extra flags
// on the subcommand's flag set before parsing.
func loadConfig(name string, args []string, bind func(*flag.FlagSet)) *config.Config {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		log.Fatal(err)
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		log.Fatal(err)
	}
	if envCfg, err := config.Load(); err == nil {
		// Env wins over the file for shared connection settings.
		*cfg = mergeEnv(*cfg, *envCfg)
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("config", configPath, "Path to webser config file")
	cfg.BindFlags(fs)
	if bind != nil {
		bind(fs)
	}
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DSN required (use --dsn, DATABASE_URL, or config file)")
	}
	cfg.Version = Version
	return cfg
}

func mergeEnv(base, env config.Config) config.Config {
	merged := base
	merged.DatabaseURL = env.DatabaseURL
	if os.Getenv("REDIS_ADDR") != "" {
		merged.RedisAddr = env.RedisAddr
	}
	if env.RedisPassword != "" {
		merged.RedisPassword = env.RedisPassword
	}
	if os.Getenv("INSTANCE_ID") != "" || merged.InstanceID == "" {
		merged.InstanceID = env.InstanceID
	}
	if os.Getenv("LISTEN_ADDR") != "" {
		merged.ListenAddr = env.ListenAddr
	}
	if env.OpsToken != "" {
		merged.OpsToken = env.OpsToken
	}
	if len(env.AllowCIDRs) > 0 {
		merged.AllowCIDRs = env.AllowCIDRs
	}
	return merged
}

func connect(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		log.Fatal(err)
	}
	return pool
}

func redisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// counterRetention covers the longest admission window plus slack so pruning
// never eats events a live window still needs.
func counterRetention(rules map[ratelimit.Class]ratelimit.Rule) time.Duration {
	retention := time.Hour
	for _, rule := range rules {
		if rule.Window > retention {
			retention = rule.Window
		}
	}
	return retention + time.Hour
}

func admissionRules(cfg *config.Config) map[ratelimit.Class]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	for name, rc := range cfg.RateLimits {
		if rc.Limit <= 0 || rc.WindowSeconds <= 0 {
			continue
		}
		rules[ratelimit.Class(name)] = ratelimit.Rule{
			Limit:  rc.Limit,
			Window: time.Duration(rc.WindowSeconds) * time.Second,
		}
	}
	return rules
}

func runServe(args []string) {
	cfg := loadConfig("serve", args, nil)
	logger := logging.Init(cfg.InstanceID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	metrics.StartRuntimeSampler(ctx, metrics.RuntimeSampleInterval(logger), logger)

	pool := connect(ctx, cfg)
	defer pool.Close()

	rc := redisClient(cfg)
	defer rc.Close()
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup; admission and cache fail open", "addr", cfg.RedisAddr, "error", err)
	}

	rules := admissionRules(cfg)
	cnt := counter.NewRedisCounter(rc, counterRetention(rules))
	limiter := ratelimit.New(cnt, rules, logger)
	resultCache := cache.New(rc, time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheMaxEntries)

	allowlist, err := web.ParseAllowlist(cfg.AllowCIDRs)
	if err != nil {
		log.Fatal(err)
	}
	tlsConfig, err := web.BuildTLSConfig(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.OpsToken == "" && allowlist == nil {
		logger.Warn("Ops endpoints have no auth; set OPS_TOKEN or server.allow_cidrs")
	}

	broker := events.NewBroker(200)
	metrics.StartCollector(ctx, pool, 5*time.Second, logger)

	classes := worker.ClassesFromConfig(cfg)
	store := queue.NewStore(pool, classes)
	resolver := tenant.NewResolver(pool)
	executor := sqlexec.NewPGExecutor()

	// serve runs the worker fleet in-process; the worker subcommand exists
	// for scaling them out separately.
	procs := &worker.Processors{
		Resolver: resolver,
		Executor: executor,
		Cache:    resultCache,
		Counter:  cnt,
		Logger:   logger,
	}
	runner := worker.NewRunner(cfg, store, procs.Registry(), cnt, broker, logger)
	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- runner.Start(ctx)
	}()

	server := web.NewServer(cfg, web.Deps{
		Pool:     pool,
		Queue:    store,
		Admit:    limiter,
		Cache:    resultCache,
		Resolver: resolver,
		Executor: executor,
		Broker:   broker,
		Allow:    allowlist,
		TLS:      tlsConfig,
		Logger:   logger,
	})
	if err := server.Start(ctx); err != nil {
		log.Fatal(err)
	}
	if err := <-runnerDone; err != nil {
		log.Fatal(err)
	}
}

func runWorker(args []string) {
	cfg := loadConfig("worker", args, nil)
	logger := logging.Init(cfg.InstanceID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	metrics.StartRuntimeSampler(ctx, metrics.RuntimeSampleInterval(logger), logger)

	pool := connect(ctx, cfg)
	defer pool.Close()

	rc := redisClient(cfg)
	defer rc.Close()

	rules := admissionRules(cfg)
	cnt := counter.NewRedisCounter(rc, counterRetention(rules))
	resultCache := cache.New(rc, time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheMaxEntries)

	classes := worker.ClassesFromConfig(cfg)
	store := queue.NewStore(pool, classes)
	procs := &worker.Processors{
		Resolver: tenant.NewResolver(pool),
		Executor: sqlexec.NewPGExecutor(),
		Cache:    resultCache,
		Counter:  cnt,
		Logger:   logger,
	}

	broker := events.NewBroker(200)
	runner := worker.NewRunner(cfg, store, procs.Registry(), cnt, broker, logger)
	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
}

func runBeat(args []string) {
	var once *bool
	cfg := loadConfig("beat", args, func(fs *flag.FlagSet) {
		once = fs.Bool("once", false, "Enqueue due scheduled queries once and exit")
	})
	logger := logging.Init(cfg.InstanceID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := connect(ctx, cfg)
	defer pool.Close()

	store := queue.NewStore(pool, worker.ClassesFromConfig(cfg))
	logger.Info("Starting scheduled query beat", "interval", cfg.BeatInterval.String())

	sweep := func() {
		n, err := store.EnqueueDueScheduledQueries(ctx)
		if err != nil {
			logger.Error("Scheduled query sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Enqueued scheduled queries", "count", n)
		}
	}

	sweep()
	if *once {
		return
	}

	ticker := time.NewTicker(cfg.BeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down beat")
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func runTenant(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: webser tenant <add> [args]")
		return
	}

	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("tenant add", flag.ExitOnError)
		dsn := fs.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
		tenantID := fs.String("tenant-id", "", "Tenant identifier")
		apiKey := fs.String("api-key", "", "API key to hash and store")
		connStr := fs.String("conn-str", "", "Tenant database connection string")
		if err := fs.Parse(args[1:]); err != nil {
			log.Fatal(err)
		}

		if *dsn == "" || *tenantID == "" || *apiKey == "" || *connStr == "" {
			log.Fatal("DSN, --tenant-id, --api-key, and --conn-str required")
		}

		ctx := context.Background()
		pool, err := db.Connect(ctx, *dsn)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatal(err)
		}

		resolver := tenant.NewResolver(pool)
		if err := resolver.Upsert(ctx, *tenantID, *apiKey, *connStr, true); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Provisioned tenant %s\n", *tenantID)
	default:
		fmt.Println("usage: webser tenant <add> [args]")
	}
}

func runTriage(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: webser triage <list|inspect|retry> [args]")
		return
	}

	triagePool := func(dsn string) *pgxpool.Pool {
		if dsn == "" {
			log.Fatal("DSN required")
		}
		pool, err := db.Connect(context.Background(), dsn)
		if err != nil {
			log.Fatal(err)
		}
		return pool
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("triage list", flag.ExitOnError)
		dsn := fs.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
		limit := fs.Int("limit", 50, "Max jobs to list")
		class := fs.String("class", "", "Filter by job class")
		if err := fs.Parse(args[1:]); err != nil {
			log.Fatal(err)
		}

		pool := triagePool(*dsn)
		defer pool.Close()

		store := queue.NewStore(pool, nil)
		items, err := store.ListFailedJobs(context.Background(), *limit, *class)
		if err != nil {
			log.Fatal(err)
		}
		if len(items) == 0 {
			fmt.Println("No failed jobs.")
			return
		}
		fmt.Println("ID\tClass\tAttempts\tFinishedAt\tLastError")
		for _, item := range items {
			finishedAt := ""
			if item.FinishedAt != nil {
				finishedAt = item.FinishedAt.Format(time.RFC3339)
			}
			lastError := ""
			if item.LastError != nil {
				lastError = *item.LastError
			}
			fmt.Printf("%s\t%s\t%d/%d\t%s\t%s\n", item.ID, item.Class, item.AttemptsMade, item.MaxAttempts, finishedAt, lastError)
		}
	case "inspect":
		fs := flag.NewFlagSet("triage inspect", flag.ExitOnError)
		dsn := fs.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
		id := fs.String("id", "", "Job ID to inspect")
		if err := fs.Parse(args[1:]); err != nil {
			log.Fatal(err)
		}
		if *id == "" {
			log.Fatal("--id required")
		}

		pool := triagePool(*dsn)
		defer pool.Close()

		store := queue.NewStore(pool, nil)
		job, err := store.GetJob(context.Background(), *id)
		if err != nil {
			log.Fatal(err)
		}

		lastError := ""
		if job.LastError != nil {
			lastError = *job.LastError
		}
		fmt.Printf("Job ID: %s\n", job.ID)
		fmt.Printf("Class: %s\n", job.Class)
		fmt.Printf("State: %s\n", job.State)
		fmt.Printf("Attempts: %d/%d\n", job.AttemptsMade, job.MaxAttempts)
		fmt.Printf("Last Error: %s\n", lastError)
		fmt.Printf("Payload: %s\n", string(job.Payload))
		fmt.Printf("Errors JSON: %s\n", string(job.ErrorsJSON))
	case "retry":
		fs := flag.NewFlagSet("triage retry", flag.ExitOnError)
		dsn := fs.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
		id := fs.String("id", "", "Job ID to retry")
		all := fs.Bool("all", false, "Retry all failed jobs")
		if err := fs.Parse(args[1:]); err != nil {
			log.Fatal(err)
		}
		if *id == "" && !*all {
			log.Fatal("Provide --id or --all")
		}

		pool := triagePool(*dsn)
		defer pool.Close()

		store := queue.NewStore(pool, nil)
		var updated int64
		var err error
		if *all {
			updated, err = store.RetryAllFailedJobs(context.Background())
		} else {
			updated, err = store.RetryFailedJob(context.Background(), *id)
		}
		if err != nil {
			log.Fatal(err)
		}
		if updated == 0 {
			fmt.Println("No failed jobs updated.")
			return
		}
		fmt.Printf("Retried %d job(s)\n", updated)
	default:
		fmt.Println("usage: webser triage <list|inspect|retry> [args]")
	}
}

func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}

	if *dsn == "" {
		log.Fatal("DSN required")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, *dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := queue.NewStore(pool, nil)
	removed, err := store.Cleanup(ctx, queue.DefaultRemovalPolicy())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Removed %d finished job(s)\n", removed)
}
