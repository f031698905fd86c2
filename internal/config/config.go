package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is an immutable snapshot of the runtime settings. It is built once
// at process start and threaded through constructors; components never read
// the environment themselves.
type Config struct {
	Tenant    string
	Workspace string

	Store StoreConfig
	HTTP  HTTPConfig
	Log   LogConfig

	Budget     BudgetConfig
	Judge      JudgeConfig
	Worker     WorkerConfig
	Planner    PlannerConfig
	Perception PerceptionConfig
	Fleet      FleetConfig
	Secrets    SecretsConfig
}

type StoreConfig struct {
	// Backend selects the store implementation: "sqlite" or "redis".
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type HTTPConfig struct {
	Addr      string
	APIKey    string
	JWTSecret string
}

type LogConfig struct {
	Level  string
	Format string
}

type BudgetConfig struct {
	MaxDailySpendUSDC float64
	MaxPerTxUSDC      float64
}

type JudgeConfig struct {
	HighConfidence  float64
	MedConfidence   float64
	LeaseSeconds    int
	SensitiveTopics []string
}

type WorkerConfig struct {
	LeaseSeconds       int
	MaxAttempts        int
	ReviewHighWater    int64
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffMaxAttempts int
}

type PlannerConfig struct {
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffMaxAttempts int
	TrendWords         []string
	CommerceWords      []string
}

type PerceptionConfig struct {
	PollInterval       time.Duration
	RelevanceThreshold float64
	DedupTTL           time.Duration
	Sources            []string
}

type FleetConfig struct {
	GracePeriod time.Duration
	Workers     int
	Judges      int
}

type SecretsConfig struct {
	// Provider selects the secret source: "env" or "store".
	Provider string
	CacheTTL time.Duration
}

// Load builds a Config from CHIMERA_* environment variables with defaults
// applied for everything not set.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHIMERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		Tenant:    v.GetString("tenant"),
		Workspace: v.GetString("workspace"),
		Store: StoreConfig{
			Backend:       v.GetString("store.backend"),
			RedisAddr:     v.GetString("store.redis_addr"),
			RedisPassword: v.GetString("store.redis_password"),
			RedisDB:       v.GetInt("store.redis_db"),
		},
		HTTP: HTTPConfig{
			Addr:      v.GetString("http.addr"),
			APIKey:    v.GetString("http.api_key"),
			JWTSecret: v.GetString("http.jwt_secret"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Budget: BudgetConfig{
			MaxDailySpendUSDC: v.GetFloat64("budget.max_daily_spend_usdc"),
			MaxPerTxUSDC:      v.GetFloat64("budget.max_per_tx_usdc"),
		},
		Judge: JudgeConfig{
			HighConfidence:  v.GetFloat64("judge.high_confidence"),
			MedConfidence:   v.GetFloat64("judge.med_confidence"),
			LeaseSeconds:    v.GetInt("judge.lease_sec"),
			SensitiveTopics: splitList(v.GetString("judge.sensitive_topics")),
		},
		Worker: WorkerConfig{
			LeaseSeconds:       v.GetInt("worker.lease_sec"),
			MaxAttempts:        v.GetInt("worker.max_attempts"),
			ReviewHighWater:    v.GetInt64("worker.review_high_water"),
			BackoffInitial:     v.GetDuration("worker.backoff_initial"),
			BackoffMax:         v.GetDuration("worker.backoff_max"),
			BackoffMaxAttempts: v.GetInt("worker.backoff_max_attempts"),
		},
		Planner: PlannerConfig{
			BackoffInitial:     v.GetDuration("planner.backoff_initial"),
			BackoffMax:         v.GetDuration("planner.backoff_max"),
			BackoffMaxAttempts: v.GetInt("planner.backoff_max_attempts"),
		},
		Perception: PerceptionConfig{
			PollInterval:       time.Duration(v.GetInt("perception.poll_sec")) * time.Second,
			RelevanceThreshold: v.GetFloat64("perception.threshold"),
			DedupTTL:           time.Duration(v.GetInt("perception.dedup_ttl_hours")) * time.Hour,
			Sources:            splitList(v.GetString("perception.sources")),
		},
		Fleet: FleetConfig{
			GracePeriod: v.GetDuration("fleet.grace_period"),
			Workers:     v.GetInt("fleet.workers"),
			Judges:      v.GetInt("fleet.judges"),
		},
		Secrets: SecretsConfig{
			Provider: v.GetString("secrets.provider"),
			CacheTTL: v.GetDuration("secrets.cache_ttl"),
		},
	}
	policyPath := v.GetString("policy_file")
	if policyPath == "" {
		policyPath = PolicyPath(cfg.Workspace)
	}
	policy, err := LoadPolicyOptional(policyPath)
	if err != nil {
		return nil, err
	}
	policy.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tenant", "default")
	v.SetDefault("workspace", ".")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("http.addr", ":8787")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("budget.max_daily_spend_usdc", 50.0)
	v.SetDefault("budget.max_per_tx_usdc", 10.0)
	v.SetDefault("judge.high_confidence", 0.90)
	v.SetDefault("judge.med_confidence", 0.70)
	v.SetDefault("judge.lease_sec", 60)
	v.SetDefault("judge.sensitive_topics", "")
	v.SetDefault("worker.lease_sec", 30)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.review_high_water", 1000)
	v.SetDefault("worker.backoff_initial", 200*time.Millisecond)
	v.SetDefault("worker.backoff_max", 2*time.Second)
	v.SetDefault("worker.backoff_max_attempts", 6)
	v.SetDefault("planner.backoff_initial", 100*time.Millisecond)
	v.SetDefault("planner.backoff_max", 5*time.Second)
	v.SetDefault("planner.backoff_max_attempts", 6)
	v.SetDefault("perception.poll_sec", 10)
	v.SetDefault("perception.threshold", 0.75)
	v.SetDefault("perception.dedup_ttl_hours", 24)
	v.SetDefault("perception.sources", "")
	v.SetDefault("fleet.grace_period", 10*time.Second)
	v.SetDefault("fleet.workers", 1)
	v.SetDefault("fleet.judges", 1)
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.cache_ttl", 5*time.Minute)
	v.SetDefault("policy_file", "")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("store.backend must be 'sqlite' or 'redis', got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("store.redis_addr is required for the redis backend")
	}
	switch c.Secrets.Provider {
	case "env", "store":
	default:
		return fmt.Errorf("secrets.provider must be 'env' or 'store', got %q", c.Secrets.Provider)
	}
	if c.Budget.MaxDailySpendUSDC <= 0 {
		return fmt.Errorf("budget.max_daily_spend_usdc must be positive")
	}
	if c.Budget.MaxPerTxUSDC <= 0 {
		return fmt.Errorf("budget.max_per_tx_usdc must be positive")
	}
	if c.Budget.MaxPerTxUSDC > c.Budget.MaxDailySpendUSDC {
		return fmt.Errorf("budget.max_per_tx_usdc cannot exceed budget.max_daily_spend_usdc")
	}
	if c.Judge.HighConfidence < c.Judge.MedConfidence {
		return fmt.Errorf("judge.high_confidence must be >= judge.med_confidence")
	}
	if c.Judge.HighConfidence > 1 || c.Judge.MedConfidence < 0 {
		return fmt.Errorf("judge confidence thresholds must lie in [0,1]")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	if c.Worker.LeaseSeconds < 1 || c.Judge.LeaseSeconds < 1 {
		return fmt.Errorf("lease durations must be at least one second")
	}
	if c.Perception.RelevanceThreshold < 0 || c.Perception.RelevanceThreshold > 1 {
		return fmt.Errorf("perception.threshold must lie in [0,1]")
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
