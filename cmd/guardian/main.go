package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/ignite/mailguard/internal/config"
	"github.com/ignite/mailguard/internal/disaster"
	"github.com/ignite/mailguard/internal/dnsx"
	"github.com/ignite/mailguard/internal/emailauth/dkim"
	"github.com/ignite/mailguard/internal/emailauth/dmarc"
	"github.com/ignite/mailguard/internal/emailauth/spf"
	"github.com/ignite/mailguard/internal/ops"
	"github.com/ignite/mailguard/internal/pipeline"
	"github.com/ignite/mailguard/internal/pkg/distlock"
	"github.com/ignite/mailguard/internal/pkg/logger"
	"github.com/ignite/mailguard/internal/queue"
	"github.com/ignite/mailguard/internal/remediation"
	"github.com/ignite/mailguard/internal/reputation"
	"github.com/ignite/mailguard/internal/resilience"
	"github.com/ignite/mailguard/internal/senders"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	// A missing config file is fine; env vars carry everything needed
	// for a container deployment.
	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("config file %s not found, using environment only", path)
		path = ""
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg := logger.New(logger.ParseLevel(cfg.LogLevel), os.Stdout)
	lg.Info("guardian starting", "log_level", cfg.LogLevel, "dns_backend", cfg.DNS.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One breaker registry guards every external dependency: DNS, the
	// GeoIP service, mailbox APIs, token refreshes.
	breakers := resilience.NewRegistry(func(string) resilience.BreakerConfig {
		return resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			SuccessThreshold: cfg.Resilience.SuccessThreshold,
			CallTimeout:      cfg.Resilience.CallTimeout(),
			ResetTimeout:     cfg.Resilience.ResetTimeout(),
		}
	})

	// DNS: backend → breaker+retry guard → TTL cache. Every SPF, DKIM
	// and DMARC lookup flows through this stack.
	backend, err := dnsx.New(cfg.DNS.Backend)
	if err != nil {
		log.Fatalf("Failed to build DNS backend: %v", err)
	}
	guarded := dnsx.WithGuard(backend, func(ctx context.Context, op func(context.Context) error) error {
		return breakers.Execute(ctx, "dns", func(ctx context.Context) error {
			return resilience.Retry(ctx, op, resilience.RetryOptions{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				Jitter:      true,
				ShouldRetry: dnsx.IsTemporary,
			})
		})
	})
	dnsCache := dnsx.NewCache(guarded,
		dnsx.WithTTL(cfg.DNS.CacheTTL()),
		dnsx.WithSweepInterval(cfg.DNS.SweepInterval()))
	dnsCache.Start()

	registry := senders.NewRegistry(senders.WithSenders(extraSenders(cfg.Classifier)...))
	classifier := senders.NewClassifier(registry)

	queryCache := resilience.NewQueryCache(resilience.QueryCacheConfig{
		Name:           "queries",
		MaxEntries:     cfg.Resilience.CacheMaxEntries,
		MaxMemoryBytes: int64(cfg.Resilience.CacheMaxMemoryMB) << 20,
	})

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			lg.Warn("redis unreachable at startup, snapshots and token store degraded", "error", err.Error())
		}
		pingCancel()
	}

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
	}

	var repSvc *reputation.Service
	if cfg.Reputation.Enabled() {
		client := reputation.NewClient(cfg.Reputation.ServiceURL, cfg.Reputation.APIKey, cfg.Reputation.Timeout())
		repSvc = reputation.NewService(client, queryCache, breakers, cfg.Reputation.CacheTTL())
		lg.Info("ip reputation enabled", "service_url", cfg.Reputation.ServiceURL)
	}

	audit := remediation.NewMemoryAuditSink()
	remediator := buildRemediator(cfg, breakers, redisClient, db, audit, lg)

	analyzer := pipeline.NewAnalyzer(pipeline.Deps{
		Classifier: classifier,
		SPF:        spf.NewEvaluator(dnsCache),
		DKIM:       dkim.NewVerifier(dnsCache, dkim.WithKeyTTL(cfg.Auth.DKIMKeyTTL())),
		DMARC:      dmarc.NewEvaluator(dnsCache),
		Reputation: repSvc,
		Remediator: remediator,
	}, pipeline.Config{
		Thresholds: pipeline.Thresholds{
			Block:      cfg.Pipeline.BlockThreshold,
			Quarantine: cfg.Pipeline.QuarantineThreshold,
			Flag:       cfg.Pipeline.FlagThreshold,
		},
		AutoRemediate: cfg.Pipeline.AutoRemediate,
	}, lg)

	scanQueue := queue.NewWorkerQueue(queue.Config{
		MaxConcurrent:   cfg.Queue.MaxConcurrent,
		MaxRetries:      cfg.Queue.MaxRetries,
		RetryDelay:      cfg.Queue.RetryDelay(),
		MaxDepth:        cfg.Queue.MaxDepth,
		ThreatThreshold: cfg.Queue.ThreatThreshold,
	}, analyzer, lg)
	scanQueue.OnThreat(func(job *queue.ScanJob, score float64) {
		lg.Warn("threat detected",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"score", score)
	})

	// Crash recovery: reload the queue snapshot persisted by the last
	// shutdown, then keep draining.
	var snapshots queue.SnapshotStore
	if redisClient != nil {
		snapshots = queue.NewRedisStore(redisClient, cfg.Queue.SnapshotKey, 0)
		if err := scanQueue.RestoreFrom(ctx, snapshots); err != nil {
			lg.Warn("queue snapshot restore failed", "error", err.Error())
		} else if depth := scanQueue.Stats().Depth; depth > 0 {
			lg.Info("restored queued scans from snapshot", "depth", depth)
		}
	}
	go scanQueue.Run(ctx, time.Second)

	var backupMgr *disaster.Manager
	if cfg.Disaster.BackupsEnabled() {
		backupMgr, err = buildBackupManager(ctx, cfg.Disaster, lg)
		if err != nil {
			log.Fatalf("Failed to initialize backups: %v", err)
		}
		// One sweep owner across replicas sharing the same stores.
		backupLock := distlock.New(redisClient, db, "backup-sweep", 15*time.Minute)
		go runBackupLoop(ctx, backupMgr, scanQueue, backupLock, cfg.Disaster, lg)
	}

	var failover *disaster.FailoverManager
	if cfg.Disaster.FailoverEnabled() {
		failover, err = buildFailover(ctx, cfg.Disaster, lg)
		if err != nil {
			log.Fatalf("Failed to initialize failover: %v", err)
		}
		go failover.Run(ctx)
	}

	opsServer := ops.NewServer(ops.Config{AllowedOrigins: cfg.Ops.AllowedOrigins}, ops.Sources{
		Queue:      scanQueue,
		Breakers:   breakers,
		DNSCache:   dnsCache,
		QueryCache: queryCache,
		Audit:      audit,
		Remediator: remediator,
		Failover:   failover,
		Redis:      redisClient,
	}, lg)

	go func() {
		lg.Info("ops server listening", "addr", cfg.Ops.ListenAddr)
		if err := opsServer.ListenAndServe(cfg.Ops.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ops server error: %v", err)
		}
	}()

	lg.Info("guardian ready",
		"workers", cfg.Queue.MaxConcurrent,
		"auto_remediate", cfg.Pipeline.AutoRemediate,
		"reputation", cfg.Reputation.Enabled())

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	lg.Info("shutting down")

	cancel()

	// Persist pending work before the process dies so a restart picks
	// up where this instance stopped.
	if snapshots != nil {
		persistCtx, persistCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := scanQueue.Persist(persistCtx, snapshots); err != nil {
			lg.Error("queue snapshot persist failed", "error", err.Error())
		}
		persistCancel()
	}

	dnsCache.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		lg.Error("ops server shutdown error", "error", err.Error())
	}

	lg.Info("guardian stopped")
}

// extraSenders converts configured registry rows into senders entries.
func extraSenders(cfg config.ClassifierConfig) []senders.SenderInfo {
	out := make([]senders.SenderInfo, 0, len(cfg.ExtraSenders))
	for _, e := range cfg.ExtraSenders {
		out = append(out, senders.SenderInfo{
			Domain:         e.Domain,
			Name:           e.Name,
			Category:       senders.Category(e.Category),
			Subdomains:     e.Subdomains,
			FromAddresses:  e.FromAddrs,
			ReplyToDomains: e.ReplyDomains,
		})
	}
	return out
}

// buildRemediator wires the mailbox providers that have OAuth client
// material configured. Returns nil when none do, which disables
// auto-remediation and the release endpoint.
func buildRemediator(cfg *config.Config, breakers *resilience.Registry, redisClient *redis.Client, db *sql.DB, audit remediation.AuditSink, lg *logger.Logger) *remediation.Remediator {
	var store remediation.TokenStore
	switch cfg.Remediation.TokenStore {
	case "redis":
		if redisClient == nil {
			log.Fatalf("remediation token_store is redis but no redis address is configured")
		}
		store = remediation.NewRedisTokenStore(redisClient)
	case "postgres":
		if db == nil {
			log.Fatalf("remediation token_store is postgres but no database url is configured")
		}
		store = remediation.NewPostgresTokenStore(db)
	default:
		store = remediation.NewMemoryTokenStore()
	}
	tokens := remediation.NewTokenManager(store, breakers)

	dir := remediation.NewStaticDirectory()
	registered := 0

	if cfg.Remediation.GoogleClientID != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.Remediation.GoogleClientID,
			ClientSecret: cfg.Remediation.GoogleClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.modify"},
		}
		gmail := remediation.NewGmailProvider(nil, oauthCfg, tokens.For("default", "gmail"), "", "")
		dir.SetFallback(gmail)
		registered++
	}

	if cfg.Remediation.MicrosoftClientID != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.Remediation.MicrosoftClientID,
			ClientSecret: cfg.Remediation.MicrosoftClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"https://graph.microsoft.com/Mail.ReadWrite"},
		}
		graph := remediation.NewGraphProvider(nil, oauthCfg, tokens.For("default", "microsoft"), "", "")
		dir.SetFallback(graph)
		registered++
	}

	if registered == 0 {
		return nil
	}
	lg.Info("remediation enabled", "providers", registered, "token_store", cfg.Remediation.TokenStore)
	return remediation.NewRemediator(dir, audit, nil, lg)
}

func buildBackupManager(ctx context.Context, cfg config.DisasterConfig, lg *logger.Logger) (*disaster.Manager, error) {
	var store disaster.Storage
	var err error
	if cfg.S3Bucket != "" {
		store, err = disaster.NewS3Storage(ctx, disaster.S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		})
	} else {
		store, err = disaster.NewLocalStorage(cfg.LocalDir)
	}
	if err != nil {
		return nil, err
	}

	var catalog disaster.Catalog
	if cfg.DynamoCatalogTable != "" {
		catalog, err = buildDynamoCatalog(ctx, cfg)
		if err != nil {
			return nil, err
		}
	} else {
		catalog = disaster.NewStorageCatalog(store)
	}

	var enc *disaster.Encryptor
	if cfg.EncryptionKey != "" {
		enc = disaster.NewEncryptor(cfg.EncryptionKey)
	} else {
		lg.Warn("backups run unencrypted: no encryption key configured")
	}

	return disaster.NewManager(store, catalog, enc, lg, cfg.Retention()), nil
}

// runBackupLoop snapshots the scan queue on the configured cadence and
// expires records past retention.
func runBackupLoop(ctx context.Context, mgr *disaster.Manager, q *queue.WorkerQueue, lock distlock.Lock, cfg config.DisasterConfig, lg *logger.Logger) {
	ticker := time.NewTicker(cfg.BackupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		owned, err := lock.Acquire(ctx)
		if err != nil {
			lg.Warn("backup lock unavailable", "error", err.Error())
			continue
		}
		if !owned {
			lg.Debug("backup sweep held by another instance, skipping")
			continue
		}
		backupSweep(ctx, mgr, q, cfg, lg)
		if err := lock.Release(ctx); err != nil {
			lg.Warn("backup lock release failed", "error", err.Error())
		}
	}
}

func backupSweep(ctx context.Context, mgr *disaster.Manager, q *queue.WorkerQueue, cfg config.DisasterConfig, lg *logger.Logger) {
	rec, err := mgr.CreateBackup(ctx, disaster.Options{
		Type:     "queue_snapshot",
		Source:   "guardian",
		Compress: cfg.Compress,
		Dump: func(context.Context) ([]byte, error) {
			return q.Serialize()
		},
	})
	if err != nil {
		lg.Error("scheduled backup failed", "error", err.Error())
		return
	}
	lg.Info("scheduled backup complete", "backup_id", rec.ID, "bytes", rec.Size)

	if removed, err := mgr.CleanupOldBackups(ctx); err != nil {
		lg.Error("backup cleanup failed", "error", err.Error())
	} else if removed > 0 {
		lg.Info("expired old backups", "removed", removed)
	}
}

func buildFailover(ctx context.Context, cfg config.DisasterConfig, lg *logger.Logger) (*disaster.FailoverManager, error) {
	primaryName := cfg.PrimaryName
	if primaryName == "" {
		primaryName = "primary"
	}
	standbyName := cfg.StandbyName
	if standbyName == "" {
		standbyName = "standby"
	}

	var switchover disaster.Switchover
	if cfg.Route53HostedZone != "" && cfg.Route53Record != "" {
		r53, err := disaster.NewRoute53Switchover(ctx, cfg.S3Region, cfg.Route53HostedZone, cfg.Route53Record, cfg.Route53TTL)
		if err != nil {
			return nil, err
		}
		switchover = r53.Switch
	} else {
		switchover = func(_ context.Context, to disaster.Endpoint) error {
			lg.Warn("switchover requested but no dns automation configured", "to", to.Name)
			return nil
		}
	}

	healthClient := &http.Client{Timeout: 5 * time.Second}
	healthCheck := func(ctx context.Context, ep disaster.Endpoint) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ep.Addr+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := healthClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("endpoint %s unhealthy: %s", ep.Name, resp.Status)
		}
		return nil
	}

	return disaster.NewFailoverManager(disaster.FailoverConfig{
		Primary:       disaster.Endpoint{Name: primaryName, Addr: cfg.PrimaryAddr},
		Standby:       disaster.Endpoint{Name: standbyName, Addr: cfg.StandbyAddr},
		HealthCheck:   healthCheck,
		Switchover:    switchover,
		Threshold:     cfg.FailoverThreshold,
		CheckInterval: cfg.CheckInterval(),
	}, lg), nil
}

func buildDynamoCatalog(ctx context.Context, cfg config.DisasterConfig) (disaster.Catalog, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config for backup catalog: %w", err)
	}
	return disaster.NewDynamoCatalog(dynamodb.NewFromConfig(awsCfg), cfg.DynamoCatalogTable), nil
}
