// Package config loads the guardian configuration from YAML with
// environment-variable overrides. Env vars win over file values so
// container deployments can keep secrets out of the config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the guardian daemon.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Ops         OpsConfig         `yaml:"ops"`
	DNS         DNSConfig         `yaml:"dns"`
	Auth        AuthConfig        `yaml:"auth"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Queue       QueueConfig       `yaml:"queue"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Remediation RemediationConfig `yaml:"remediation"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Disaster    DisasterConfig    `yaml:"disaster"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
}

// OpsConfig configures the operational HTTP surface (health, stats,
// Prometheus metrics). It carries no product endpoints.
type OpsConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DNSConfig selects the resolver backend and cache behavior.
// Backend is "system" or "server:<ip:port>".
type DNSConfig struct {
	Backend              string `yaml:"backend"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	CacheTTLSeconds      int    `yaml:"cache_ttl_seconds"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
}

// Timeout returns the per-lookup deadline.
func (c DNSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns the default cache insertion TTL.
func (c DNSConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// SweepInterval returns how often expired cache keys are swept.
func (c DNSConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// AuthConfig tunes the SPF/DKIM/DMARC engines.
type AuthConfig struct {
	DKIMKeyTTLSeconds int `yaml:"dkim_key_ttl_seconds"`
}

// DKIMKeyTTL returns how long fetched DKIM keys are reused.
func (c AuthConfig) DKIMKeyTTL() time.Duration {
	return time.Duration(c.DKIMKeyTTLSeconds) * time.Second
}

// ClassifierConfig carries tenant additions to the builtin sender
// registry. Entries merge over the builtin table.
type ClassifierConfig struct {
	ExtraSenders []SenderEntry `yaml:"extra_senders"`
}

// SenderEntry is one configured sender-registry row.
type SenderEntry struct {
	Domain       string   `yaml:"domain"`
	Name         string   `yaml:"name"`
	Category     string   `yaml:"category"`
	Subdomains   []string `yaml:"subdomains"`
	FromAddrs    []string `yaml:"from_addresses"`
	ReplyDomains []string `yaml:"reply_to_domains"`
}

// ResilienceConfig tunes the shared breaker registry and query cache.
type ResilienceConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	SuccessThreshold   int `yaml:"success_threshold"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	ResetTimeoutSecs   int `yaml:"reset_timeout_seconds"`
	CacheMaxEntries    int `yaml:"cache_max_entries"`
	CacheMaxMemoryMB   int `yaml:"cache_max_memory_mb"`
}

// CallTimeout returns the per-call deadline breakers impose.
func (c ResilienceConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// ResetTimeout returns how long an open breaker waits before probing.
func (c ResilienceConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSecs) * time.Second
}

// QueueConfig tunes the scan worker queue.
type QueueConfig struct {
	MaxConcurrent     int     `yaml:"max_concurrent"`
	MaxRetries        int     `yaml:"max_retries"`
	RetryDelaySeconds int     `yaml:"retry_delay_seconds"`
	MaxDepth          int     `yaml:"max_depth"`
	ThreatThreshold   float64 `yaml:"threat_threshold"`
	SnapshotKey       string  `yaml:"snapshot_key"`
}

// RetryDelay returns the wait between per-job retry attempts.
func (c QueueConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// PipelineConfig tunes scoring thresholds. Scores are 0-100.
type PipelineConfig struct {
	BlockThreshold      float64 `yaml:"block_threshold"`
	QuarantineThreshold float64 `yaml:"quarantine_threshold"`
	FlagThreshold       float64 `yaml:"flag_threshold"`
	AutoRemediate       bool    `yaml:"auto_remediate"`
}

// RemediationConfig carries OAuth client material for the mailbox
// providers and selects the token store.
type RemediationConfig struct {
	GoogleClientID        string `yaml:"google_client_id"`
	GoogleClientSecret    string `yaml:"google_client_secret"`
	MicrosoftClientID     string `yaml:"microsoft_client_id"`
	MicrosoftClientSecret string `yaml:"microsoft_client_secret"`
	// TokenStore is "memory", "redis" or "postgres".
	TokenStore string `yaml:"token_store"`
}

// ReputationConfig enables the GeoIP signal when ServiceURL is set.
type ReputationConfig struct {
	ServiceURL      string `yaml:"service_url"`
	APIKey          string `yaml:"api_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheTTLMinutes int    `yaml:"cache_ttl_minutes"`
}

// Enabled reports whether the IP-reputation module should start.
func (c ReputationConfig) Enabled() bool { return c.ServiceURL != "" }

// Timeout returns the per-lookup deadline for the GeoIP client.
func (c ReputationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns how long reputation answers are cached.
func (c ReputationConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// DisasterConfig configures backups and failover. Backups are enabled
// when a local directory or S3 bucket is set; failover when both
// endpoint addresses are set.
type DisasterConfig struct {
	EncryptionKey       string `yaml:"encryption_key"`
	Compress            bool   `yaml:"compress"`
	RetentionDays       int    `yaml:"retention_days"`
	BackupIntervalHours int    `yaml:"backup_interval_hours"`
	LocalDir            string `yaml:"local_dir"`
	S3Bucket            string `yaml:"s3_bucket"`
	S3Region            string `yaml:"s3_region"`
	S3Prefix            string `yaml:"s3_prefix"`
	DynamoCatalogTable  string `yaml:"dynamo_catalog_table"`

	PrimaryName          string `yaml:"primary_name"`
	PrimaryAddr          string `yaml:"primary_addr"`
	StandbyName          string `yaml:"standby_name"`
	StandbyAddr          string `yaml:"standby_addr"`
	FailoverThreshold    int    `yaml:"failover_threshold"`
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
	RTOSeconds           int    `yaml:"rto_seconds"`

	// Route53 switchover target. Empty means switchovers only log.
	Route53HostedZone string `yaml:"route53_hosted_zone"`
	Route53Record     string `yaml:"route53_record"`
	Route53TTL        int64  `yaml:"route53_ttl"`
}

// BackupsEnabled reports whether the backup loop should run.
func (c DisasterConfig) BackupsEnabled() bool {
	return c.LocalDir != "" || c.S3Bucket != ""
}

// FailoverEnabled reports whether the failover watcher should run.
func (c DisasterConfig) FailoverEnabled() bool {
	return c.PrimaryAddr != "" && c.StandbyAddr != ""
}

// Retention returns the backup retention window.
func (c DisasterConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// BackupInterval returns the cadence of the periodic backup loop.
func (c DisasterConfig) BackupInterval() time.Duration {
	return time.Duration(c.BackupIntervalHours) * time.Hour
}

// CheckInterval returns the failover health-probe cadence.
func (c DisasterConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// RTO returns the recovery-time objective for recovery plans.
func (c DisasterConfig) RTO() time.Duration {
	return time.Duration(c.RTOSeconds) * time.Second
}

// RedisConfig points at the snapshot/token store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig points at the Postgres token store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// Load reads path and applies defaults. A missing file is an error;
// use LoadFromEnv with an empty path for env-only operation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the optional .env file, then the YAML file when
// path is non-empty, then overlays environment variables.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env if present; absence is not an error.
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		var err error
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPS_LISTEN_ADDR"); v != "" {
		cfg.Ops.ListenAddr = v
	}
	if v := os.Getenv("DNS_BACKEND"); v != "" {
		cfg.DNS.Backend = v
	}
	if v := os.Getenv("DNS_SERVER"); v != "" {
		cfg.DNS.Backend = "server:" + v
	}
	if v := os.Getenv("GEOIP_SERVICE_URL"); v != "" {
		cfg.Reputation.ServiceURL = v
	}
	if v := os.Getenv("GEOIP_API_KEY"); v != "" {
		cfg.Reputation.APIKey = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Remediation.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Remediation.GoogleClientSecret = v
	}
	if v := os.Getenv("MICROSOFT_CLIENT_ID"); v != "" {
		cfg.Remediation.MicrosoftClientID = v
	}
	if v := os.Getenv("MICROSOFT_CLIENT_SECRET"); v != "" {
		cfg.Remediation.MicrosoftClientSecret = v
	}
	if v := os.Getenv("BACKUP_ENCRYPTION_KEY"); v != "" {
		cfg.Disaster.EncryptionKey = v
	}
	if v := os.Getenv("BACKUP_S3_BUCKET"); v != "" {
		cfg.Disaster.S3Bucket = v
	}
	if v := os.Getenv("BACKUP_S3_REGION"); v != "" {
		cfg.Disaster.S3Region = v
	}
	if v := os.Getenv("BACKUP_S3_PREFIX"); v != "" {
		cfg.Disaster.S3Prefix = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.Ops.ListenAddr == "" {
		c.Ops.ListenAddr = "localhost:9090"
	}
	if c.DNS.Backend == "" {
		c.DNS.Backend = "system"
	}
	if c.DNS.TimeoutSeconds == 0 {
		c.DNS.TimeoutSeconds = 5
	}
	if c.DNS.CacheTTLSeconds == 0 {
		c.DNS.CacheTTLSeconds = 300
	}
	if c.DNS.SweepIntervalSeconds == 0 {
		c.DNS.SweepIntervalSeconds = 60
	}
	if c.Auth.DKIMKeyTTLSeconds == 0 {
		c.Auth.DKIMKeyTTLSeconds = 300
	}
	if c.Resilience.FailureThreshold == 0 {
		c.Resilience.FailureThreshold = 5
	}
	if c.Resilience.SuccessThreshold == 0 {
		c.Resilience.SuccessThreshold = 2
	}
	if c.Resilience.CallTimeoutSeconds == 0 {
		c.Resilience.CallTimeoutSeconds = 30
	}
	if c.Resilience.ResetTimeoutSecs == 0 {
		c.Resilience.ResetTimeoutSecs = 60
	}
	if c.Resilience.CacheMaxEntries == 0 {
		c.Resilience.CacheMaxEntries = 10000
	}
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = 4
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RetryDelaySeconds == 0 {
		c.Queue.RetryDelaySeconds = 2
	}
	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = 10000
	}
	if c.Queue.ThreatThreshold == 0 {
		c.Queue.ThreatThreshold = 50
	}
	if c.Queue.SnapshotKey == "" {
		c.Queue.SnapshotKey = "mailguard:queue:snapshot"
	}
	if c.Pipeline.BlockThreshold == 0 {
		c.Pipeline.BlockThreshold = 80
	}
	if c.Pipeline.QuarantineThreshold == 0 {
		c.Pipeline.QuarantineThreshold = 50
	}
	if c.Pipeline.FlagThreshold == 0 {
		c.Pipeline.FlagThreshold = 25
	}
	if c.Remediation.TokenStore == "" {
		c.Remediation.TokenStore = "memory"
	}
	if c.Reputation.TimeoutSeconds == 0 {
		c.Reputation.TimeoutSeconds = 10
	}
	if c.Reputation.CacheTTLMinutes == 0 {
		c.Reputation.CacheTTLMinutes = 60
	}
	if c.Disaster.RetentionDays == 0 {
		c.Disaster.RetentionDays = 30
	}
	if c.Disaster.BackupIntervalHours == 0 {
		c.Disaster.BackupIntervalHours = 24
	}
	if c.Disaster.Route53TTL == 0 {
		c.Disaster.Route53TTL = 60
	}
	if c.Disaster.FailoverThreshold == 0 {
		c.Disaster.FailoverThreshold = 3
	}
	if c.Disaster.CheckIntervalSeconds == 0 {
		c.Disaster.CheckIntervalSeconds = 30
	}
	if c.Disaster.RTOSeconds == 0 {
		c.Disaster.RTOSeconds = 900
	}
}
