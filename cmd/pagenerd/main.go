package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pagenerd/internal/assistant"
	"pagenerd/internal/config"
	"pagenerd/internal/format"
	"pagenerd/internal/history"
	"pagenerd/internal/intent"
	"pagenerd/internal/llm"
	"pagenerd/internal/mcp"
	"pagenerd/internal/orchestrator"
)

var (
	// Global flags
	configPath string
	debug      bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pagenerd",
	Short: "pageNERD - natural-language Confluence assistant",
	Long: `pageNERD answers natural-language questions against a Confluence site.

It classifies your request into one supported operation (search, get,
summarize, space overview), drives the Confluence tool server over MCP,
and composes the results into one readable answer.

Examples:
  pagenerd ask "Find pages about Docker"
  pagenerd ask "Summarize the 'May Product Roadmap' page"
  pagenerd ask "Executive summary of the DOCS space"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg = zap.NewDevelopmentConfig()
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if debug {
			cfg.Debug = true
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [request]",
	Short: "Answer one natural-language request",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently answered requests",
	RunE:  runHistory,
}

var historyLimit int

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "verbose debug logging")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "how many entries to show")
	rootCmd.AddCommand(askCmd, historyCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	// Validate everything before the tool server is even started.
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := mcp.NewClient(mcp.Options{
		Command:      cfg.MCP.Command,
		Env:          cfg.MCPEnv(),
		StartTimeout: cfg.StartTimeout(),
		CallTimeout:  cfg.CallTimeout(),
		Logger:       logger,
	})
	defer func() {
		if err := client.Stop(); err != nil {
			logger.Warn("transport shutdown failed", zap.Error(err))
		}
	}()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	gemini, err := llm.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
	if err != nil {
		return err
	}

	var journal *history.Store
	if cfg.HistoryPath != "" {
		journal, err = history.Open(cfg.HistoryPath)
		if err != nil {
			logger.Warn("history journal unavailable", zap.Error(err))
		} else {
			defer journal.Close()
		}
	}

	orch := orchestrator.New(client, llm.NewGeminiSummarizer(gemini), orchestrator.Limits{
		MaxContentLength:  cfg.Limits.MaxContentLength,
		MaxSearchResults:  cfg.Limits.MaxSearchResults,
		FanoutPages:       cfg.Limits.FanoutPages,
		FanoutWorkers:     cfg.Limits.FanoutWorkers,
		SpacePageCap:      cfg.Limits.SpacePageCap,
		SpaceSummaryPages: cfg.Limits.SpaceSummaryPages,
		DefaultSpace:      cfg.Confluence.SpacesFilter,
	}, logger)

	a := assistant.New(assistant.Options{
		Classifier: intent.NewGeminiClassifier(gemini, logger),
		Executor:   orch,
		Render:     format.Render,
		Journal:    journal,
		Deadline:   cfg.OperationTimeout(),
		Logger:     logger,
	})

	answer, err := a.Ask(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	fmt.Println(answer)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	if cfg.HistoryPath == "" {
		return fmt.Errorf("no history path configured")
	}
	journal, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	entries, err := journal.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No requests recorded yet.")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s  [%s/%s]  items=%d failures=%d  %s\n",
			e.AskedAt.Format("2006-01-02 15:04:05"),
			e.Kind, e.Outcome, e.Items, e.Failures, e.Request)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
