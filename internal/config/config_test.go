package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chimera/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tenant != "default" || cfg.Store.Backend != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Budget.MaxDailySpendUSDC != 50 || cfg.Budget.MaxPerTxUSDC != 10 {
		t.Fatalf("budget defaults = %+v", cfg.Budget)
	}
	if cfg.Judge.HighConfidence != 0.90 || cfg.Judge.MedConfidence != 0.70 {
		t.Fatalf("judge defaults = %+v", cfg.Judge)
	}
	if cfg.Worker.MaxAttempts != 3 || cfg.Worker.LeaseSeconds != 30 {
		t.Fatalf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Perception.PollInterval != 10*time.Second || cfg.Perception.RelevanceThreshold != 0.75 {
		t.Fatalf("perception defaults = %+v", cfg.Perception)
	}
	if cfg.Fleet.Workers != 1 || cfg.Fleet.GracePeriod != 10*time.Second {
		t.Fatalf("fleet defaults = %+v", cfg.Fleet)
	}
	if cfg.Secrets.Provider != "env" {
		t.Fatalf("secrets provider = %q", cfg.Secrets.Provider)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CHIMERA_TENANT", "acme")
	t.Setenv("CHIMERA_BUDGET_MAX_DAILY_SPEND_USDC", "200")
	t.Setenv("CHIMERA_JUDGE_SENSITIVE_TOPICS", "politics, medical advice")
	t.Setenv("CHIMERA_PERCEPTION_SOURCES", "feed://a,feed://b")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tenant != "acme" {
		t.Fatalf("tenant = %q", cfg.Tenant)
	}
	if cfg.Budget.MaxDailySpendUSDC != 200 {
		t.Fatalf("daily cap = %v", cfg.Budget.MaxDailySpendUSDC)
	}
	topics := cfg.Judge.SensitiveTopics
	if len(topics) != 2 || topics[0] != "politics" || topics[1] != "medical advice" {
		t.Fatalf("topics = %v", topics)
	}
	if len(cfg.Perception.Sources) != 2 || cfg.Perception.Sources[1] != "feed://b" {
		t.Fatalf("sources = %v", cfg.Perception.Sources)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	t.Setenv("CHIMERA_STORE_BACKEND", "etcd")
	if _, err := config.Load(); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestValidateCatchesInvertedCaps(t *testing.T) {
	t.Setenv("CHIMERA_BUDGET_MAX_PER_TX_USDC", "500")
	if _, err := config.Load(); err == nil {
		t.Fatal("per-tx cap above daily cap accepted")
	}
}

func TestValidateCatchesInvertedThresholds(t *testing.T) {
	t.Setenv("CHIMERA_JUDGE_HIGH_CONFIDENCE", "0.5")
	if _, err := config.Load(); err == nil {
		t.Fatal("high threshold below medium accepted")
	}
}

func TestValidateRejectsBadSecretsProvider(t *testing.T) {
	t.Setenv("CHIMERA_SECRETS_PROVIDER", "vault")
	if _, err := config.Load(); err == nil {
		t.Fatal("unknown secrets provider accepted")
	}
}

func TestLoadAppliesPolicyFile(t *testing.T) {
	ws := t.TempDir()
	policy := `
sensitive:
  topics: [politics, gambling]
planner:
  trend_words: [hype]
perception:
  sources: ["feed://policy"]
`
	if err := os.WriteFile(filepath.Join(ws, "policy.yml"), []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHIMERA_WORKSPACE", ws)
	t.Setenv("CHIMERA_JUDGE_SENSITIVE_TOPICS", "from-env")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	topics := cfg.Judge.SensitiveTopics
	if len(topics) != 2 || topics[0] != "politics" {
		t.Fatalf("topics = %v, want policy override", topics)
	}
	if len(cfg.Planner.TrendWords) != 1 || cfg.Planner.TrendWords[0] != "hype" {
		t.Fatalf("trend words = %v", cfg.Planner.TrendWords)
	}
	if len(cfg.Planner.CommerceWords) != 0 {
		t.Fatalf("commerce words = %v, want untouched when the policy omits them", cfg.Planner.CommerceWords)
	}
	if len(cfg.Perception.Sources) != 1 || cfg.Perception.Sources[0] != "feed://policy" {
		t.Fatalf("sources = %v", cfg.Perception.Sources)
	}
}

func TestPolicyRejectsEmptyEntries(t *testing.T) {
	if _, err := config.PolicyFromYAML([]byte("sensitive:\n  topics: [\"\"]\n")); err == nil {
		t.Fatal("empty topic accepted")
	}
}

func TestLoadMissingPolicyFileIsFine(t *testing.T) {
	t.Setenv("CHIMERA_WORKSPACE", t.TempDir())
	if _, err := config.Load(); err != nil {
		t.Fatalf("load without policy file: %v", err)
	}
}
