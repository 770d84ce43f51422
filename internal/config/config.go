package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr     string   // e.g. nsqd:4150
	NsqdHTTPAddr    string   // e.g. http://nsqd:4151, used for queue depth
	LookupHTTPAddrs []string // e.g. http://nsqlookupd:4161
	TasksTopic      string   // NSQ topic for task envelopes
	DLQTopic        string   // Dead letter topic
	WorkerChannel   string   // NSQ channel name for workers
	MaxInFlight     int
}

type Redis struct {
	Addr     string // empty disables the shared dedup window
	Password string
	DB       int
	DedupTTL time.Duration
}

type Gateway struct {
	WebhookPath string
	MaxBodySize int64
	Secret      string // overrides the webhook-secret file, development only
}

type Worker struct {
	ID                string // empty means a random id per process
	Concurrency       int
	TaskTimeout       time.Duration
	HTTPPort          string // Worker HTTP metrics port
	DepthPollInterval time.Duration
}

type Retry struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	Multiplier      float64
	MaxDelay        time.Duration
	JitterPercent   float64 // 0.0-1.0
	ClaimRetryDelay time.Duration
}

type Ledger struct {
	Lease         time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
}

type Secrets struct {
	Dir   string
	Files map[string]string // secret kind -> file path override
}

type Platform struct {
	APIURL   string
	CIAPIURL string
	Rate     float64 // outbound requests per second
	Burst    int
	Timeout  time.Duration
}

type Bot struct {
	Handle       string // login the bot answers to in comments
	Name         string // commit author name
	Email        string // commit author email
	MergeMethod  string // merge, squash or rebase
	OpenedLabels []string
}

type Monitor struct {
	HTTPPort     string
	PollInterval time.Duration
}

type FakePlatform struct {
	Port            string
	FailFirstN      int // Number of requests to fail initially
	ResponseDelayMS int // Simulated response delay in milliseconds
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	DB           DB
	NSQ          NSQ
	Redis        Redis
	Gateway      Gateway
	Worker       Worker
	Retry        Retry
	Ledger       Ledger
	Secrets      Secrets
	Platform     Platform
	Bot          Bot
	Monitor      Monitor
	FakePlatform FakePlatform
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma separated value, dropping blanks
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// secretFiles reads SECRET_<KIND>_FILE overrides, e.g. SECRET_CI_TOKEN_FILE
func secretFiles() map[string]string {
	files := make(map[string]string)
	for _, kind := range []string{"app-id", "app-private-key", "webhook-secret", "signing-key", "ci-token"} {
		key := "SECRET_" + strings.ToUpper(strings.ReplaceAll(kind, "-", "_")) + "_FILE"
		if v := os.Getenv(key); v != "" {
			files[kind] = v
		}
	}
	return files
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborbot"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harborbot"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "http://nsqd:4151"),
			LookupHTTPAddrs: getenvList("NSQ_LOOKUP_HTTP_ADDR", []string{"http://nsqlookupd:4161"}),
			TasksTopic:      getenv("NSQ_TASKS_TOPIC", "tasks"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "tasks_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:     getenvInt("NSQ_MAX_IN_FLIGHT", 0),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			DedupTTL: getenvDuration("DEDUP_TTL", 10*time.Minute),
		},
		Gateway: Gateway{
			WebhookPath: getenv("WEBHOOK_PATH", "/webhook"),
			MaxBodySize: int64(getenvInt("WEBHOOK_MAX_BODY_BYTES", 25<<20)),
			Secret:      getenv("WEBHOOK_SECRET", ""),
		},
		Worker: Worker{
			ID:                getenv("WORKER_ID", ""),
			Concurrency:       getenvInt("WORKER_CONCURRENCY", 4),
			TaskTimeout:       getenvDuration("TASK_TIMEOUT", 30*time.Second),
			HTTPPort:          ":" + getenv("WORKER_HTTP_PORT", "8083"),
			DepthPollInterval: getenvDuration("DEPTH_POLL_INTERVAL", 15*time.Second),
		},
		Retry: Retry{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BaseDelay:       getenvDuration("RETRY_BASE_DELAY", time.Second),
			Multiplier:      getenvFloat("RETRY_MULTIPLIER", 4),
			MaxDelay:        getenvDuration("RETRY_MAX_DELAY", 10*time.Minute),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			ClaimRetryDelay: getenvDuration("CLAIM_RETRY_DELAY", 5*time.Second),
		},
		Ledger: Ledger{
			Lease:         getenvDuration("LEDGER_LEASE", 2*time.Minute),
			Retention:     getenvDuration("LEDGER_RETENTION", 7*24*time.Hour),
			PurgeInterval: getenvDuration("LEDGER_PURGE_INTERVAL", time.Hour),
		},
		Secrets: Secrets{
			Dir:   getenv("SECRETS_DIR", "/run/secrets/harborbot"),
			Files: secretFiles(),
		},
		Platform: Platform{
			APIURL:   getenv("PLATFORM_API_URL", "https://api.github.com/"),
			CIAPIURL: getenv("CI_API_URL", "https://circleci.com/api/v2"),
			Rate:     getenvFloat("PLATFORM_RATE", 10),
			Burst:    getenvInt("PLATFORM_BURST", 20),
			Timeout:  getenvDuration("PLATFORM_TIMEOUT", 15*time.Second),
		},
		Bot: Bot{
			Handle:       getenv("BOT_HANDLE", "harborbot"),
			Name:         getenv("BOT_NAME", "harborbot[bot]"),
			Email:        getenv("BOT_EMAIL", "harborbot@users.noreply.github.com"),
			MergeMethod:  getenv("MERGE_METHOD", "squash"),
			OpenedLabels: getenvList("OPENED_LABELS", []string{"needs-review"}),
		},
		Monitor: Monitor{
			HTTPPort:     ":" + getenv("MONITOR_PORT", "8084"),
			PollInterval: getenvDuration("MONITOR_POLL_INTERVAL", 15*time.Second),
		},
		FakePlatform: FakePlatform{
			Port:            getenv("FAKE_PLATFORM_PORT", ":8090"),
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			ReadTimeout:     getenvDuration("FAKE_PLATFORM_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_PLATFORM_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_PLATFORM_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate rejects settings the gateway or worker cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency))
	}
	if c.Worker.TaskTimeout <= 0 {
		errs = append(errs, errors.New("TASK_TIMEOUT must be positive"))
	}
	// matches executor.MinLease: the timeout plus half again for ledger writes
	if floor := c.Worker.TaskTimeout + c.Worker.TaskTimeout/2; c.Ledger.Lease < floor {
		errs = append(errs, fmt.Errorf("LEDGER_LEASE (%s) must be at least %s for TASK_TIMEOUT %s", c.Ledger.Lease, floor, c.Worker.TaskTimeout))
	}
	if c.Ledger.Retention <= 0 {
		errs = append(errs, errors.New("LEDGER_RETENTION must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("RETRY_MULTIPLIER must be at least 1"))
	}
	if c.Retry.JitterPercent < 0 || c.Retry.JitterPercent > 1 {
		errs = append(errs, errors.New("BACKOFF_JITTER_PCT must be within [0, 1]"))
	}
	if c.NSQ.TasksTopic == "" || c.NSQ.DLQTopic == "" || c.NSQ.TasksTopic == c.NSQ.DLQTopic {
		errs = append(errs, errors.New("NSQ_TASKS_TOPIC and NSQ_DLQ_TOPIC must be set and distinct"))
	}
	if !strings.HasPrefix(c.Gateway.WebhookPath, "/") {
		errs = append(errs, fmt.Errorf("WEBHOOK_PATH must start with /, got %q", c.Gateway.WebhookPath))
	}
	switch c.Bot.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		errs = append(errs, fmt.Errorf("MERGE_METHOD must be merge, squash or rebase, got %q", c.Bot.MergeMethod))
	}
	return errors.Join(errs...)
}
