package perception

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chimera/internal/decisions"
	"chimera/internal/domain"
	"chimera/internal/keyspace"
	"chimera/internal/store"
	"chimera/internal/tools"
)

// Options bound one perception loop.
type Options struct {
	PollInterval       time.Duration
	RelevanceThreshold float64
	HighPriorityScore  float64
	DedupTTL           time.Duration
	Resources          []string
	TaskHighWater      int64
	PauseInitial       time.Duration
	PauseMax           time.Duration
}

// DefaultOptions matches the documented loop parameters.
func DefaultOptions() Options {
	return Options{
		PollInterval:       10 * time.Second,
		RelevanceThreshold: 0.75,
		HighPriorityScore:  0.9,
		DedupTTL:           24 * time.Hour,
		TaskHighWater:      1000,
		PauseInitial:       200 * time.Millisecond,
		PauseMax:           2 * time.Second,
	}
}

// Poller watches external resources for content relevant to a campaign's
// goals and turns hits into analyze_trends tasks. Scoring is deterministic;
// a hit seen twice inside the dedup window produces one task, even across
// concurrent pollers, because the seen-set lives in the store.
type Poller struct {
	Store      store.Store
	Keys       keyspace.Keyspace
	Reader     tools.ResourceReader
	Decisions  decisions.Writer
	Log        *zap.Logger
	Opts       Options
	CampaignID string

	Now   func() time.Time
	NewID func() string
	Sleep func(context.Context, time.Duration) error

	// fingerprints short-circuits re-scoring a resource whose raw payload
	// has not changed since the previous poll. Per-process only; the shared
	// dedup set still guards correctness.
	fingerprints map[string]string
	pause        time.Duration
}

// New builds a poller for one (tenant, campaign).
func New(s store.Store, keys keyspace.Keyspace, reader tools.ResourceReader, dec decisions.Writer, log *zap.Logger, campaignID string, opts Options) *Poller {
	return &Poller{
		Store:      s,
		Keys:       keys,
		Reader:     reader,
		Decisions:  dec,
		Log:        log.With(zap.String("component", "perception"), zap.String("tenant", keys.TenantID()), zap.String("campaign", campaignID)),
		Opts:       opts,
		CampaignID: campaignID,
		Now:        time.Now,
		NewID:      uuid.NewString,
		Sleep:      sleepCtx,

		fingerprints: make(map[string]string),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run ticks until cancelled.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := p.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.Log.Error("perception tick failed", zap.Error(err))
		}
		if err := p.Sleep(ctx, p.Opts.PollInterval); err != nil {
			return err
		}
	}
}

// Tick runs one poll cycle across all configured resources.
func (p *Poller) Tick(ctx context.Context) error {
	if paused, err := p.backPressure(ctx); err != nil || paused {
		return err
	}
	goals, active, err := p.campaignGoals(ctx)
	if err != nil {
		return err
	}
	if !active || len(goals) == 0 {
		return nil
	}
	for _, uri := range p.Opts.Resources {
		if err := p.pollResource(ctx, uri, goals); err != nil {
			p.Log.Warn("resource poll failed", zap.String("uri", uri), zap.Error(err))
		}
	}
	return nil
}

func (p *Poller) backPressure(ctx context.Context) (bool, error) {
	depth, err := p.Store.Depth(ctx, p.Keys.TaskQueue())
	if err != nil {
		return false, err
	}
	if depth <= p.Opts.TaskHighWater {
		p.pause = 0
		return false, nil
	}
	if p.pause == 0 {
		p.pause = p.Opts.PauseInitial
	} else {
		p.pause *= 2
		if p.pause > p.Opts.PauseMax {
			p.pause = p.Opts.PauseMax
		}
	}
	p.Log.Warn("task queue above high water, pausing",
		zap.Int64("depth", depth),
		zap.Duration("pause", p.pause))
	return true, p.Sleep(ctx, p.pause)
}

// campaignGoals reads the campaign's goal phrases and reports whether the
// campaign is active.
func (p *Poller) campaignGoals(ctx context.Context) ([]string, bool, error) {
	v, err := p.Store.Get(ctx, p.Keys.Campaign(p.CampaignID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var state domain.CampaignState
	if err := json.Unmarshal(v.Value, &state); err != nil {
		return nil, false, fmt.Errorf("decode campaign %s: %w", p.CampaignID, err)
	}
	return state.Goals, state.Status == domain.CampaignActive, nil
}

func (p *Poller) pollResource(ctx context.Context, uri string, goals []string) error {
	raw, err := p.Reader.ReadResource(ctx, uri)
	if err != nil {
		return err
	}
	fp := hashBytes(raw)
	if p.fingerprints[uri] == fp {
		return nil
	}
	p.fingerprints[uri] = fp

	for _, item := range SplitItems(string(raw)) {
		score, goal := BestGoal(item, goals)
		if score < p.Opts.RelevanceThreshold {
			continue
		}
		if err := p.emit(ctx, uri, item, goal, score); err != nil {
			return err
		}
	}
	return nil
}

// emit enqueues one analyze_trends task unless the item was already seen in
// the dedup window.
func (p *Poller) emit(ctx context.Context, uri, content, goal string, score float64) error {
	hash := ContentHash(p.Keys.TenantID(), p.CampaignID, content)
	fresh, err := p.Store.SetNX(ctx, p.Keys.Seen(hash), []byte(uri), p.Opts.DedupTTL)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	priority := domain.PriorityMedium
	if score >= p.Opts.HighPriorityScore {
		priority = domain.PriorityHigh
	}
	now := p.Now().UTC()
	task := domain.Task{
		TaskID:          p.NewID(),
		TenantID:        p.Keys.TenantID(),
		CampaignID:      p.CampaignID,
		Type:            domain.TaskAnalyzeTrends,
		Priority:        priority,
		GoalDescription: "Analyze trends for: " + goal,
		Context: map[string]string{
			"content":  content,
			"source":   uri,
			"goal":     goal,
			"score":    fmt.Sprintf("%.4f", score),
			"dedup_id": hash,
		},
		State:     domain.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := p.Store.Enqueue(ctx, p.Keys.TaskQueue(), store.QueueItem{
		ID:         task.TaskID,
		Payload:    payload,
		Priority:   int(priority),
		EnqueuedAt: now,
	}); err != nil {
		return err
	}
	if err := p.Store.Put(ctx, p.Keys.Task(task.TaskID), payload, 0); err != nil {
		return err
	}
	_ = p.Decisions.Append(ctx, decisions.TypePerceptionHit, "task", task.TaskID, "perception", map[string]any{
		"source": uri,
		"goal":   goal,
		"score":  score,
	})
	p.Log.Info("perception hit",
		zap.String("source", uri),
		zap.String("goal", goal),
		zap.Float64("score", score),
		zap.String("priority", priority.String()))
	return nil
}

// SplitItems breaks a resource payload into discrete content items, one per
// non-blank line.
func SplitItems(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// stoplist is the closed set of tokens dropped before scoring.
var stoplist = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "about": true,
	"into": true, "that": true, "this": true, "from": true, "are": true,
	"was": true, "will": true, "have": true, "has": true, "our": true,
	"your": true, "their": true, "them": true, "then": true, "than": true,
}

// Tokenize lowercases, strips punctuation, and drops stop words and tokens
// shorter than three characters.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 2 && !stoplist[f] {
			out = append(out, f)
		}
	}
	return out
}

// Score is the token-overlap relevance of content against one goal phrase.
func Score(content, goal string) float64 {
	goalTokens := Tokenize(goal)
	if len(goalTokens) == 0 {
		return 0
	}
	contentSet := make(map[string]bool)
	for _, t := range Tokenize(content) {
		contentSet[t] = true
	}
	overlap := 0
	seen := make(map[string]bool)
	for _, t := range goalTokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		if contentSet[t] {
			overlap++
		}
	}
	return float64(overlap) / float64(max(1, len(seen)))
}

// BestGoal returns the highest score across goals, breaking ties on the
// lexicographically smaller goal so results are stable across runs.
func BestGoal(content string, goals []string) (float64, string) {
	best := -1.0
	bestGoal := ""
	for _, g := range goals {
		s := Score(content, g)
		if s > best || (s == best && g < bestGoal) {
			best = s
			bestGoal = g
		}
	}
	if best < 0 {
		return 0, ""
	}
	return best, bestGoal
}

// ContentHash fingerprints one (tenant, campaign, content) triple for the
// dedup set.
func ContentHash(tenantID, campaignID, content string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + campaignID + "|" + content))
	return hex.EncodeToString(sum[:16])
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}
