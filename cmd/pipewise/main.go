package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pipewise-io/pipewise/internal/analytics"
	"github.com/pipewise-io/pipewise/internal/auth"
	"github.com/pipewise-io/pipewise/internal/bridge"
	"github.com/pipewise-io/pipewise/internal/circuitbreaker"
	"github.com/pipewise-io/pipewise/internal/config"
	"github.com/pipewise-io/pipewise/internal/domain"
	"github.com/pipewise-io/pipewise/internal/hub"
	"github.com/pipewise-io/pipewise/internal/leaderelection"
	"github.com/pipewise-io/pipewise/internal/metrics"
	"github.com/pipewise-io/pipewise/internal/processor"
	"github.com/pipewise-io/pipewise/internal/reaper"
	"github.com/pipewise-io/pipewise/internal/runner"
	"github.com/pipewise-io/pipewise/internal/schedule"
	"github.com/pipewise-io/pipewise/internal/scheduler"
	"github.com/pipewise-io/pipewise/internal/store/postgres"
	"github.com/pipewise-io/pipewise/internal/transport/channel"
	"github.com/pipewise-io/pipewise/internal/ws"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("pipewise: loaded environment from .env")
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`pipewise - pipeline trigger scheduler and realtime event server

Usage:
  pipewise <command>

Commands:
  serve      Start the scheduler and realtime server
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  TOKEN_SECRET              Secret for signing client tokens (required)
  REDIS_ADDR                Redis address for the event broker (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  TOKEN_TTL                 Client token lifetime (default: "24h")

  POLL_INTERVAL             Trigger poll interval (default: "5s")
  WORKER_BUDGET             Max concurrent job executions (default: "4")
  JOB_TIMEOUT               Default per-run job timeout (default: "30s")
  CONDITION_RECHECK         Condition trigger recheck delay (default: "30s")
  STOP_GRACE                In-flight worker wait on shutdown (default: "30s")

  CONN_BUFFER               Per-connection event buffer (default: "32")
  STATEBUS_BUFFER_SIZE      State change buffer size (default: "256")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  REAPER_ENABLED            Enable abandoned execution reaper (default: "false")
  REAPER_INTERVAL           How often to scan for stale executions (default: "1m")
  REAPER_THRESHOLD          Age before a running execution is abandoned (default: "10m")
  REAPER_BATCH_SIZE         Max executions reaped per cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before the runner trips (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN  Breaker cooldown before a probe run (default: "2m")

  BRIDGE_BACKOFF_BASE       Broker reconnect backoff base (default: "1s")
  BRIDGE_BACKOFF_MAX        Broker reconnect backoff cap (default: "30s")

  ANALYTICS_ENABLED         Enable Redis outcome analytics (default: "false")
  ANALYTICS_WINDOW          Analytics bucket window (default: "1m")
  ANALYTICS_RETENTION       Analytics bucket retention (default: "24h")

  LEADER_LOCK_KEY           Advisory lock key shared by all instances (default: "429117")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")`)
}

// jobDispatcher routes realtime commands to the scheduler that is active on
// this instance. Between leadership terms there is no scheduler and commands
// fail with ErrNotStarted.
type jobDispatcher struct {
	store *postgres.Store

	mu    sync.Mutex
	sched *scheduler.Scheduler
}

func (d *jobDispatcher) setScheduler(s *scheduler.Scheduler) {
	d.mu.Lock()
	d.sched = s
	d.mu.Unlock()
}

func (d *jobDispatcher) current() *scheduler.Scheduler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sched
}

func (d *jobDispatcher) StartJob(ctx context.Context, tenant string, jobID uuid.UUID) error {
	sched := d.current()
	if sched == nil {
		return scheduler.ErrNotStarted
	}
	tenantID, err := uuid.Parse(tenant)
	if err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	twj, err := d.store.GetTriggerForJob(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	return sched.RunNow(ctx, twj)
}

func (d *jobDispatcher) CancelExecution(executionID uuid.UUID) bool {
	sched := d.current()
	if sched == nil {
		return false
	}
	return sched.CancelExecution(executionID)
}

// loopbackPublisher short-circuits the broker when Redis is not configured:
// rendered events go straight to the local hub. Only safe with a single
// instance, since no other instance will see them.
type loopbackPublisher struct {
	hub *hub.Hub
}

func (p *loopbackPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	var event domain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	tenant := topicTenant(topic)
	p.hub.Broadcast(tenant, event)
	return nil
}

func topicTenant(topic string) string {
	const prefix = "events:"
	if len(topic) > len(prefix) && topic[:len(prefix)] == prefix {
		return topic[len(prefix):]
	}
	return topic
}

// probeTriggerJobsTable checks that the trigger_jobs table exists, so a
// missing migration surfaces at startup instead of on the first poll.
func probeTriggerJobsTable(db *sql.DB) error {
	var one int
	return db.QueryRow(
		`SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = 'trigger_jobs'`,
	).Scan(&one)
}

// logConfigWarnings flags configuration combinations that work but degrade
// reliability or visibility.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.ReaperEnabled {
		log.Println("pipewise: WARNING [P0]: REAPER_ENABLED=false - executions abandoned by a crashed instance " +
			"stay 'running' forever and block their trigger from dispatching again")
	}
	if cfg.RedisAddr == "" {
		log.Println("pipewise: WARNING [P0]: REDIS_ADDR not set - events loop back to this instance only; " +
			"clients connected to other instances will not receive them")
	}
	if !cfg.MetricsEnabled {
		log.Println("pipewise: WARNING [P1]: METRICS_ENABLED=false - no visibility into dispatch outcomes, " +
			"worker saturation, or dropped connections")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("pipewise: INFO: CIRCUIT_BREAKER_THRESHOLD=0 - runner circuit breaker disabled, " +
			"a dead runner endpoint will be retried at full rate")
	}
	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		log.Println("pipewise: INFO: ANALYTICS_ENABLED=true without REDIS_ADDR - analytics disabled")
	}
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("pipewise: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	if err := probeTriggerJobsTable(db); err != nil {
		if err == sql.ErrNoRows {
			fmt.Fprintln(os.Stderr, "trigger_jobs table not found: run migrations before starting")
			return exitRuntimeError
		}
		log.Printf("pipewise: schema probe failed, continuing: %v", err)
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("pipewise: metrics enabled (path=%s)", cfg.MetricsPath)
	}

	bus := channel.NewStateBus(cfg.StateBusBufferSize)

	eventHub := hub.New(cfg.ConnBuffer)
	if metricsSink != nil {
		eventHub = eventHub.WithMetrics(metricsSink)
	}

	hubCtx, cancelHub := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		eventHub.Run(hubCtx)
	}()

	// Wire the broker if Redis is configured; otherwise events loop back to
	// the local hub only.
	var (
		publisher   processor.Publisher
		eventBridge *bridge.Bridge
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		pubsub := bridge.NewRedisPubSub(redisClient)
		publisher = pubsub

		eventBridge = bridge.New(pubsub, eventHub).
			WithBackoff(cfg.BridgeBackoffBase, cfg.BridgeBackoffMax)
		if metricsSink != nil {
			eventBridge = eventBridge.WithMetrics(metricsSink)
		}
		log.Printf("pipewise: broker bridge enabled (redis=%s)", cfg.RedisAddr)
	} else {
		publisher = &loopbackPublisher{hub: eventHub}
	}

	dispatcher := &jobDispatcher{store: store}

	proc := processor.New(dispatcher, publisher)
	if cfg.AnalyticsEnabled && redisClient != nil {
		recorder := analytics.NewRedisRecorder(redisClient, cfg.AnalyticsWindow, cfg.AnalyticsRetention)
		proc = proc.WithAnalytics(recorder)
		log.Printf("pipewise: analytics enabled (window=%s, retention=%s)", cfg.AnalyticsWindow, cfg.AnalyticsRetention)
	}

	procCtx, cancelProc := context.WithCancel(context.Background())
	var procWg sync.WaitGroup
	procWg.Add(1)
	go func() {
		defer procWg.Done()
		proc.Run(procCtx, bus.Channel())
	}()

	tokens := auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL)
	wsServer := ws.NewServer(tokens, eventHub, proc)
	if eventBridge != nil {
		wsServer = wsServer.WithTenantWarmer(eventBridge)
	}

	// Job runner shared by every scheduler term.
	jobRunner := runner.NewHTTPRunner()
	if cfg.CircuitBreakerThreshold > 0 {
		jobRunner = jobRunner.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("pipewise: runner circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	rules := schedule.NewEvaluator(cfg.ConditionRecheck)

	// Scheduling duties run only while this instance holds the leader lock.
	// A fresh scheduler and reaper are built for every term.
	var reaperWg sync.WaitGroup

	onElected := func(leaderCtx context.Context) {
		sched := scheduler.New(scheduler.Config{
			PollInterval: cfg.PollInterval,
			WorkerBudget: int64(cfg.WorkerBudget),
			JobTimeout:   cfg.JobTimeout,
			StopGrace:    cfg.StopGrace,
		}, store, jobRunner, rules).WithEmitter(bus)
		if metricsSink != nil {
			sched = sched.WithMetrics(metricsSink)
		}
		sched.Start()
		dispatcher.setScheduler(sched)

		if cfg.ReaperEnabled {
			rp := reaper.New(reaper.Config{
				Interval:  cfg.ReaperInterval,
				Threshold: cfg.ReaperThreshold,
				BatchSize: cfg.ReaperBatchSize,
			}, store).WithEmitter(bus)
			if metricsSink != nil {
				rp = rp.WithMetrics(metricsSink)
			}
			reaperWg.Add(1)
			go func() {
				defer reaperWg.Done()
				rp.Run(leaderCtx)
			}()
		}
	}

	onDemoted := func() {
		sched := dispatcher.current()
		dispatcher.setScheduler(nil)
		if sched != nil {
			sched.Stop()
		}
		reaperWg.Wait()
	}

	elector := leaderelection.New(db, leaderelection.Config{
		LockKey:           cfg.LeaderLockKey,
		RetryInterval:     cfg.LeaderRetryInterval,
		HeartbeatInterval: cfg.LeaderHeartbeatInterval,
	}, onElected, onDemoted)
	if metricsSink != nil {
		elector = elector.WithMetrics(metricsSink)
	}

	electorCtx, cancelElector := context.WithCancel(context.Background())
	var electorWg sync.WaitGroup
	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	// HTTP surface: realtime endpoint, probes, optional metrics.
	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	})
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("pipewise: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("pipewise: http server error: %v", err)
		}
	}()

	log.Printf("pipewise: started (poll=%s, budget=%d, http=%s)", cfg.PollInterval, cfg.WorkerBudget, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("pipewise: received signal %v, shutting down", received)

	// Phase 1: Stop the elector. Demotion stops the scheduler and reaper, so
	// no new state changes are emitted.
	log.Println("pipewise: stopping elector...")
	cancelElector()
	electorWg.Wait()
	log.Println("pipewise: elector stopped")

	// Phase 2: Stop the processor once producers are quiet.
	log.Println("pipewise: stopping processor...")
	cancelProc()
	procWg.Wait()
	log.Println("pipewise: processor stopped")

	// Phase 3: Stop the broker bridge.
	if eventBridge != nil {
		log.Println("pipewise: stopping bridge...")
		eventBridge.Close()
		log.Println("pipewise: bridge stopped")
	}

	// Phase 4: Stop the hub; connected clients get a close frame.
	log.Println("pipewise: stopping hub...")
	cancelHub()
	hubWg.Wait()
	log.Println("pipewise: hub stopped")

	// Phase 5: Graceful HTTP shutdown.
	log.Println("pipewise: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("pipewise: http server shutdown error: %v", err)
	}
	log.Println("pipewise: http server stopped")

	log.Println("pipewise: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("pipewise version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
