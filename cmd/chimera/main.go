package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chimera/internal/config"
	"chimera/internal/decisions"
	"chimera/internal/domain"
	"chimera/internal/fleet"
	"chimera/internal/hitl"
	"chimera/internal/judge"
	"chimera/internal/keyspace"
	"chimera/internal/ledger"
	"chimera/internal/perception"
	"chimera/internal/planner"
	"chimera/internal/secrets"
	"chimera/internal/server"
	"chimera/internal/skills"
	"chimera/internal/store"
	"chimera/internal/store/redisstore"
	"chimera/internal/store/sqlitestore"
	"chimera/internal/tools"
	"chimera/internal/worker"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 store unreachable at
// startup, 3 a supervised loop died on an unrecoverable error.
const (
	exitConfig    = 1
	exitStoreDown = 2
	exitInvariant = 3
)

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

var (
	flagTenant string
	flagAgent  string
	flagJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "chimera",
	Short: "Chimera agent orchestration",
	Long: `Chimera runs fleets of autonomous content agents for one or more tenants.
Planners decompose campaign goals into tasks, workers execute them through
validated tool adapters, judges score the results and commit approved work,
and anything uncertain lands in a human review queue. All coordination flows
through a shared store (SQLite by default, Redis for multi-process fleets),
so every command here is just another client of the same keyspace.

Configuration comes from CHIMERA_* environment variables; flags override the
tenant and agent identity per invocation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVar(&flagTenant, "tenant", "", "tenant id (overrides CHIMERA_TENANT)")
	rootCmd.PersistentFlags().StringVar(&flagAgent, "agent", "agent-main", "agent identity for budget accounting")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output JSON")
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(judgeCmd())
	rootCmd.AddCommand(perceptionCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(hitlCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
}

// runtime bundles what every command needs after startup.
type runtime struct {
	cfg  *config.Config
	log  *zap.Logger
	st   store.Store
	keys keyspace.Keyspace
	dec  decisions.Writer
}

// withRuntime loads config, connects the store, verifies reachability, and
// hands a signal-cancelled context to fn. Store and logger are torn down on
// the way out.
func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := config.Load()
	if err != nil {
		return exitError{code: exitConfig, err: err}
	}
	if flagTenant != "" {
		cfg.Tenant = flagTenant
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return exitError{code: exitConfig, err: err}
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return exitError{code: exitStoreDown, err: err}
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return exitError{code: exitStoreDown, err: fmt.Errorf("store unreachable: %w", err)}
	}

	keys := keyspace.ForTenant(cfg.Tenant)
	return fn(ctx, &runtime{
		cfg:  cfg,
		log:  log,
		st:   st,
		keys: keys,
		dec:  decisions.New(st, keys),
	})
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	default:
		return sqlitestore.New(sqlitestore.Config{Workspace: cfg.Workspace})
	}
}

func secretsProvider(rt *runtime) secrets.Provider {
	if rt.cfg.Secrets.Provider == "store" {
		return secrets.NewStoreProvider(rt.st, rt.keys, rt.cfg.Secrets.CacheTTL)
	}
	return secrets.NewEnvProvider()
}

func workerOptions(cfg *config.Config) worker.Options {
	opts := worker.DefaultOptions()
	opts.LeaseDuration = time.Duration(cfg.Worker.LeaseSeconds) * time.Second
	opts.MaxAttempts = cfg.Worker.MaxAttempts
	opts.ReviewHighWater = cfg.Worker.ReviewHighWater
	opts.PauseInitial = cfg.Worker.BackoffInitial
	opts.PauseMax = cfg.Worker.BackoffMax
	return opts
}

func judgeOptions(cfg *config.Config) judge.Options {
	opts := judge.DefaultOptions()
	opts.LeaseDuration = time.Duration(cfg.Judge.LeaseSeconds) * time.Second
	opts.HighConfidence = cfg.Judge.HighConfidence
	opts.MedConfidence = cfg.Judge.MedConfidence
	if len(cfg.Judge.SensitiveTopics) > 0 {
		opts.SensitiveTopics = cfg.Judge.SensitiveTopics
	}
	return opts
}

func plannerVocab(cfg *config.Config) planner.Vocab {
	return planner.DefaultVocab().Merge(cfg.Planner.TrendWords, cfg.Planner.CommerceWords)
}

func perceptionOptions(cfg *config.Config) perception.Options {
	opts := perception.DefaultOptions()
	opts.PollInterval = cfg.Perception.PollInterval
	opts.RelevanceThreshold = cfg.Perception.RelevanceThreshold
	opts.DedupTTL = cfg.Perception.DedupTTL
	opts.Resources = cfg.Perception.Sources
	return opts
}

func newWorker(rt *runtime) (*worker.Worker, error) {
	inv := tools.NewInvoker()
	reg := skills.NewRegistry()
	if err := skills.RegisterDefaults(inv, reg, skills.CommerceCaps{MaxPerTxUSDC: rt.cfg.Budget.MaxPerTxUSDC}); err != nil {
		return nil, err
	}
	led := ledger.New(rt.st, rt.keys, rt.cfg.Budget.MaxDailySpendUSDC, rt.cfg.Budget.MaxPerTxUSDC)
	sc := skills.Context{
		TenantID: rt.cfg.Tenant,
		AgentID:  flagAgent,
		Invoker:  inv,
		Secrets:  secretsProvider(rt),
	}
	return worker.New(rt.st, rt.keys, reg, sc, led, rt.dec, rt.log, workerOptions(rt.cfg)), nil
}

func newJudge(rt *runtime) *judge.Judge {
	led := ledger.New(rt.st, rt.keys, rt.cfg.Budget.MaxDailySpendUSDC, rt.cfg.Budget.MaxPerTxUSDC)
	return judge.New(rt.st, rt.keys, led, rt.dec, rt.log, judgeOptions(rt.cfg))
}

func newHTTPHandler(rt *runtime, basePath string) (http.Handler, error) {
	return server.New(server.Config{
		Store:        rt.st,
		Logger:       rt.log,
		Budget:       rt.cfg.Budget,
		JudgeOpts:    judgeOptions(rt.cfg),
		PlannerVocab: plannerVocab(rt.cfg),
		BasePath:     basePath,
		Auth: server.AuthConfig{
			APIKey:    rt.cfg.HTTP.APIKey,
			JWTSecret: rt.cfg.HTTP.JWTSecret,
		},
	})
}

func serveHTTP(ctx context.Context, rt *runtime, addr, basePath string) error {
	handler, err := newHTTPHandler(rt, basePath)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	rt.log.Info("http api listening", zap.String("addr", addr), zap.String("base_path", basePath))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				if addr == "" {
					addr = rt.cfg.HTTP.Addr
				}
				return serveHTTP(ctx, rt, addr, basePath)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default CHIMERA_HTTP_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func runCmd() *cobra.Command {
	var addr, basePath string
	var campaigns []string
	var noAPI bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full fleet: workers, judges, perception, and the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				sup := fleet.NewSupervisor(rt.log, rt.cfg.Fleet.GracePeriod)

				for i := 0; i < max(1, rt.cfg.Fleet.Workers); i++ {
					w, err := newWorker(rt)
					if err != nil {
						return exitError{code: exitConfig, err: err}
					}
					sup.Add(fmt.Sprintf("worker-%d", i), w.Run)
				}
				for i := 0; i < max(1, rt.cfg.Fleet.Judges); i++ {
					j := newJudge(rt)
					sup.Add(fmt.Sprintf("judge-%d", i), j.Run)
				}
				if len(rt.cfg.Perception.Sources) > 0 {
					reader := tools.NewFetchResources()
					for _, campaignID := range campaigns {
						p := perception.New(rt.st, rt.keys, reader, rt.dec, rt.log, campaignID, perceptionOptions(rt.cfg))
						sup.Add("perception-"+campaignID, p.Run)
					}
				}
				if !noAPI {
					if addr == "" {
						addr = rt.cfg.HTTP.Addr
					}
					sup.Add("http", func(ctx context.Context) error {
						return serveHTTP(ctx, rt, addr, basePath)
					})
				}
				if err := sup.Run(ctx); err != nil {
					return exitError{code: exitInvariant, err: err}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (default CHIMERA_HTTP_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringArrayVar(&campaigns, "campaign", nil, "campaign id to watch with perception (repeatable)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the HTTP API")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				w, err := newWorker(rt)
				if err != nil {
					return exitError{code: exitConfig, err: err}
				}
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return exitError{code: exitInvariant, err: err}
				}
				return nil
			})
		},
	}
	return cmd
}

func judgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Run a single judge loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				j := newJudge(rt)
				if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return exitError{code: exitInvariant, err: err}
				}
				return nil
			})
		},
	}
	return cmd
}

func perceptionCmd() *cobra.Command {
	var sources []string
	cmd := &cobra.Command{
		Use:   "perception <campaign>",
		Short: "Run a perception poller for one campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				opts := perceptionOptions(rt.cfg)
				if len(sources) > 0 {
					opts.Resources = sources
				}
				if len(opts.Resources) == 0 {
					return exitError{code: exitConfig, err: errors.New("no perception sources configured (set CHIMERA_PERCEPTION_SOURCES or --source)")}
				}
				p := perception.New(rt.st, rt.keys, tools.NewFetchResources(), rt.dec, rt.log, args[0], opts)
				if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return exitError{code: exitInvariant, err: err}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sources, "source", nil, "resource URI to poll (repeatable, overrides config)")
	return cmd
}

func planCmd() *cobra.Command {
	var goals []string
	var budget float64
	cmd := &cobra.Command{
		Use:   "plan <campaign>",
		Short: "Inject goals into a campaign and enqueue the task batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(goals) == 0 {
				return errors.New("at least one --goal is required")
			}
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				p := planner.New(rt.st, rt.keys, rt.dec, rt.log)
				p.Vocab = plannerVocab(rt.cfg)
				tasks, err := p.InjectGoals(ctx, args[0], goals, budget)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Type", "Priority", "Goal"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.TaskID, t.Type, t.Priority.String(), t.GoalDescription})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&goals, "goal", nil, "campaign goal (repeatable)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "campaign budget in USDC (only applied when creating the campaign)")
	return cmd
}

func newGate(rt *runtime) *hitl.Gate {
	return hitl.New(rt.st, rt.keys, newJudge(rt), rt.dec, rt.log)
}

func hitlCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "hitl", Short: "Review escalated tasks"}
	cmd.AddCommand(hitlListCmd())
	cmd.AddCommand(hitlDecideCmd())
	return cmd
}

func hitlListCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending review items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				items, err := newGate(rt).List(ctx, offset, limit)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Reason", "Type", "Attempt", "Confidence", "Queued"})
				for _, h := range items {
					tw.AppendRow(table.Row{
						h.TaskID,
						h.Reason,
						h.Payload.Task.Type,
						h.Payload.Task.Attempt,
						fmt.Sprintf("%.2f", h.Payload.Result.Confidence),
						h.QueuedAt.UTC().Format(time.RFC3339),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	return cmd
}

func hitlDecideCmd() *cobra.Command {
	var verdict, reason, editedJSON string
	cmd := &cobra.Command{
		Use:   "decide <task-id>",
		Short: "Apply a verdict to a pending item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var edited map[string]any
			if editedJSON != "" {
				if err := json.Unmarshal([]byte(editedJSON), &edited); err != nil {
					return fmt.Errorf("parse --edited-payload: %w", err)
				}
			}
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				item, err := newGate(rt).Decide(ctx, args[0], hitl.Verdict{
					Verdict:       domain.Verdict(verdict),
					EditedPayload: edited,
					Reason:        reason,
					ActorID:       flagAgent,
				})
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(item)
				}
				fmt.Printf("%s -> %s\n", item.TaskID, item.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "approve, reject_retry, or reject_drop")
	cmd.Flags().StringVar(&reason, "reason", "", "free-form reason recorded with the verdict")
	cmd.Flags().StringVar(&editedJSON, "edited-payload", "", "JSON object replacing the result output on approve")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func statusCmd() *cobra.Command {
	var campaignsCSV, agentsCSV string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tenant queue depths, campaigns, and budget spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				led := ledger.New(rt.st, rt.keys, rt.cfg.Budget.MaxDailySpendUSDC, rt.cfg.Budget.MaxPerTxUSDC)
				st, err := fleet.Snapshot(ctx, rt.st, rt.keys, led, splitCSV(campaignsCSV), splitCSV(agentsCSV))
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Queue", "Depth"})
				for _, name := range []string{"task", "review", "hitl"} {
					tw.AppendRow(table.Row{name, st.QueueDepths[name]})
				}
				tw.AppendRow(table.Row{"pending-commits", st.PendingCommits})
				tw.Render()

				if len(st.Campaigns) > 0 {
					cw := table.NewWriter()
					cw.SetOutputMirror(os.Stdout)
					cw.AppendHeader(table.Row{"Campaign", "Status", "Budget Remaining", "Goals", "Version"})
					for _, c := range st.Campaigns {
						cw.AppendRow(table.Row{c.CampaignID, c.Status, fmt.Sprintf("%.2f", c.BudgetRemainingUSDC), len(c.Goals), c.Version})
					}
					cw.Render()
				}
				if len(st.BudgetSpent) > 0 {
					bw := table.NewWriter()
					bw.SetOutputMirror(os.Stdout)
					bw.AppendHeader(table.Row{"Agent", "Spent Today (USDC)"})
					for agent, spent := range st.BudgetSpent {
						bw.AppendRow(table.Row{agent, fmt.Sprintf("%.2f", spent)})
					}
					bw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&campaignsCSV, "campaigns", "", "comma-separated campaign ids to include")
	cmd.Flags().StringVar(&agentsCSV, "agents", "", "comma-separated agent ids for budget spend")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the decision log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent decision events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *runtime) error {
				events, err := rt.dec.Recent(ctx, offset, limit)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{
						e.At.UTC().Format(time.RFC3339),
						e.Type,
						e.EntityKind + "/" + e.EntityID,
						e.ActorID,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "log offset")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
