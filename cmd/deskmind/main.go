package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"deskmind/internal/config"
	"deskmind/internal/learning"
	"deskmind/internal/logging"
	"deskmind/internal/memory"
	"deskmind/internal/orchestrator"
	"deskmind/internal/scaffold"
	"deskmind/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// core bundles the four stores the CLI operates on.
type core struct {
	cfg      *config.Config
	ws       string
	memories *memory.Store
	engine   *learning.Engine
	scaffold *scaffold.Scaffold
	orch     *orchestrator.Orchestrator
	ledger   *store.CallLedger
}

func (c *core) close() {
	if c.ledger != nil {
		_ = c.ledger.Close()
	}
	logging.CloseAll()
}

// openCore discovers the workspace, loads config, and rebuilds the
// stores from their snapshots.
func openCore() (*core, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = config.FindWorkspaceRoot()
		if err != nil {
			return nil, fmt.Errorf("workspace discovery failed: %w", err)
		}
	}

	if err := logging.Initialize(ws); err != nil {
		logger.Warn("logging init failed", zap.Error(err))
	}

	cfg, err := config.Load(config.ConfigPath(ws))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	memories := memory.NewStore(cfg.Memory.Capacity, cfg.MemorySnapshotPath(ws))
	if err := memories.Load(); err != nil {
		logger.Warn("memory snapshot unreadable, starting empty", zap.Error(err))
	}

	engine := learning.NewEngine(cfg.Learning.Capacity, cfg.LearningSnapshotPath(ws), memories)
	if err := engine.Load(); err != nil {
		logger.Warn("learning snapshot unreadable, starting empty", zap.Error(err))
	}

	executor := scaffold.NewExecutor(cfg.GetExecutionTimeout())
	sc := scaffold.NewScaffold(cfg.Scaffold.Capacity, cfg.ScaffoldSnapshotPath(ws), executor, memories)
	if err := sc.Load(); err != nil {
		logger.Warn("scaffold snapshot unreadable, starting empty", zap.Error(err))
	}

	var ledger *store.CallLedger
	if cfg.Ledger.Enabled {
		ledger, err = store.NewCallLedger(cfg.LedgerPath(ws))
		if err != nil {
			logger.Warn("call ledger unavailable", zap.Error(err))
			ledger = nil
		}
	}

	return &core{
		cfg:      cfg,
		ws:       ws,
		memories: memories,
		engine:   engine,
		scaffold: sc,
		orch:     orchestrator.New(sc, memories, ledger),
		ledger:   ledger,
	}, nil
}

var rootCmd = &cobra.Command{
	Use:   "deskmind",
	Short: "deskmind - agent memory and self-improvement core",
	Long: `deskmind is the memory and self-improvement core of a desktop agent.

It keeps a bounded, importance-ranked memory log, learns corrective
improvements from recurring failures, and maintains a versioned registry
of runtime-interpreted capabilities with usage-driven evolution.

State lives under .deskmind/ in the workspace root.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .deskmind/ with a default config in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := workspace
		if ws == "" {
			var err error
			ws, err = os.Getwd()
			if err != nil {
				return err
			}
		}

		path := config.ConfigPath(ws)
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("already initialized: %s\n", path)
			return nil
		}

		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("initialized %s\n", path)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store sizes, registry composition, and call statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		sum := c.memories.Summarize("")
		fmt.Printf("workspace:     %s\n", c.ws)
		fmt.Printf("memories:      %d (mean importance %.2f)\n", sum.Count, sum.MeanImportance)
		for typ, n := range sum.TypeBreakdown {
			fmt.Printf("  %-12s %d\n", typ, n)
		}
		fmt.Printf("improvements:  %d\n", len(c.engine.Improvements()))
		fmt.Printf("capabilities:  %d\n", c.scaffold.Len())

		report := c.scaffold.Analyze()
		if report.Total > 0 {
			fmt.Printf("success rate:  %.0f%%\n", report.OverallSuccessRate*100)
		}

		if c.ledger != nil {
			stats, err := c.ledger.GetStats()
			if err == nil {
				fmt.Printf("calls logged:  %d (%d ok, %d failed)\n",
					stats.TotalCalls, stats.SuccessCount, stats.FailureCount)
			}
		}
		return nil
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and modify the memory store",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Add a memory record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		importance, _ := cmd.Flags().GetFloat64("importance")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		rec := c.memories.Add(args[0], memory.Type(typ), importance, nil)
		fmt.Printf("added %s (%s, importance %.2f)\n", rec.ID, rec.Type, rec.Importance)
		return nil
	},
}

var memoryQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query memory records",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		contains, _ := cmd.Flags().GetString("contains")
		limit, _ := cmd.Flags().GetInt("limit")
		recency, _ := cmd.Flags().GetFloat64("recency-weight")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		records := c.memories.Query(memory.Query{
			Type:          memory.Type(typ),
			TextContains:  contains,
			Limit:         limit,
			RecencyWeight: recency,
		})
		for _, rec := range records {
			fmt.Printf("%.2f  %-11s %s\n", rec.Importance, rec.Type, rec.Content)
		}
		fmt.Printf("%d record(s)\n", len(records))
		return nil
	},
}

var memorySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize the memory store",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		out, err := json.MarshalIndent(c.memories.Summarize(""), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear memory records (optionally by type)",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		removed := c.memories.Clear(memory.Type(typ))
		fmt.Printf("removed %d record(s)\n", removed)
		return nil
	},
}

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Inspect the learning engine",
}

var learnFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show the failure ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		for _, rec := range c.engine.Failures() {
			fmt.Printf("%3dx %-20s %s\n", rec.Count, rec.Operation, rec.Message)
		}
		return nil
	},
}

var learnImprovementsCmd = &cobra.Command{
	Use:   "improvements",
	Short: "Show learned improvements",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		for _, imp := range c.engine.Improvements() {
			fmt.Printf("%.2f  %-20s %s\n", imp.Confidence, imp.TriggerPattern, imp.NewBehavior)
		}
		return nil
	},
}

var capabilityCmd = &cobra.Command{
	Use:   "capability",
	Short: "Manage the capability registry",
}

var capabilityAddCmd = &cobra.Command{
	Use:   "add [name] [source-file]",
	Short: "Register a capability from a Go source file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		typ, _ := cmd.Flags().GetString("type")

		src, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		cap, err := c.scaffold.Add(args[0], desc, scaffold.CapabilityType(typ), string(src), nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s v%d (%s)\n", cap.Name, cap.Version, cap.Stage)
		return nil
	},
}

var capabilityCallCmd = &cobra.Command{
	Use:   "call [name] [args...]",
	Short: "Invoke a capability",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		result, err := c.orch.Call(context.Background(), args[0], args[1:]...)
		if err != nil {
			return err
		}
		fmt.Println(result)
		return nil
	},
}

var capabilityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		for _, cap := range c.scaffold.List() {
			fmt.Printf("%-20s v%-3d %-10s %4d uses  %.0f%%\n",
				cap.Name, cap.Version, cap.Stage, cap.UseCount, cap.SuccessRate()*100)
		}
		return nil
	},
}

var capabilityShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a capability's detail and source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		cap, ok := c.scaffold.Get(args[0])
		if !ok {
			return scaffold.ErrNotFound
		}
		fmt.Printf("name:        %s\n", cap.Name)
		fmt.Printf("description: %s\n", cap.Description)
		fmt.Printf("type:        %s\n", cap.Type)
		fmt.Printf("stage:       %s (v%d)\n", cap.Stage, cap.Version)
		fmt.Printf("usage:       %d calls, %d ok, %d failed\n", cap.UseCount, cap.SuccessCount, cap.FailureCount)
		if len(cap.Dependencies) > 0 {
			fmt.Printf("deps:        %s\n", strings.Join(cap.Dependencies, ", "))
		}
		fmt.Printf("\n%s\n", cap.SourceCode)
		return nil
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Show usage-driven evolution suggestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		suggestions := c.orch.Suggest()
		if len(suggestions) == 0 {
			fmt.Println("no suggestions")
			return nil
		}
		for _, s := range suggestions {
			fmt.Printf("[%-6s] %-20s %-24s %s\n", s.Priority, s.Capability, s.Strategy, s.Reason)
		}
		return nil
	},
}

var evolveCmd = &cobra.Command{
	Use:   "evolve [topN]",
	Short: "Apply the top-N evolution suggestions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topN := 3
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("topN must be an integer: %w", err)
			}
			topN = n
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		results := c.orch.AutoEvolve(topN)
		if len(results) == 0 {
			fmt.Println("nothing to evolve")
			return nil
		}
		for _, r := range results {
			if r.Err != "" {
				fmt.Printf("%-20s %-24s FAILED: %s\n", r.Capability, r.Strategy, r.Err)
				continue
			}
			fmt.Printf("%-20s %-24s -> v%d\n", r.Capability, r.Strategy, r.NewVersion)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (default: discovered)")

	memoryAddCmd.Flags().String("type", string(memory.TypeContextual), "Memory type")
	memoryAddCmd.Flags().Float64("importance", 0.5, "Importance in [0,1]")
	memoryQueryCmd.Flags().String("type", "", "Filter by memory type")
	memoryQueryCmd.Flags().String("contains", "", "Filter by substring")
	memoryQueryCmd.Flags().Int("limit", 10, "Maximum results")
	memoryQueryCmd.Flags().Float64("recency-weight", 0, "Recency weight in [0,1]")
	memoryClearCmd.Flags().String("type", "", "Only clear this type")
	memoryCmd.AddCommand(memoryAddCmd, memoryQueryCmd, memorySummaryCmd, memoryClearCmd)

	learnCmd.AddCommand(learnFailuresCmd, learnImprovementsCmd)

	capabilityAddCmd.Flags().String("description", "", "Capability description")
	capabilityAddCmd.Flags().String("type", string(scaffold.TypeCore), "Capability type")
	capabilityCmd.AddCommand(capabilityAddCmd, capabilityCallCmd, capabilityListCmd, capabilityShowCmd)

	rootCmd.AddCommand(initCmd, statsCmd, memoryCmd, learnCmd, capabilityCmd, suggestCmd, evolveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
