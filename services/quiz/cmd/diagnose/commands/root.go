package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"quizadmin/internal/diagnostics"
	"quizadmin/pkg/store"
	"quizadmin/services/quiz/cmd/diagnose/output"
	"quizadmin/services/quiz/internal/config"
)

var (
	// Global flags
	configPath  string
	jsonOutput  bool
	retries     int
	interval    time.Duration
	fix         bool
	concurrency int
	timeout     time.Duration
)

var errChecksFailed = errors.New("one or more checks failed")

// rootCmd runs every check when invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Diagnose the quiz admin database connection",
	Long: `diagnose checks that the quiz admin server can use its database.

It reads the same configuration as the server (config.yaml, .env and the
environment; QUIZ_CONFIG or --config selects another file) and runs:
  - conn         analyze the connection string
  - port         check TCP reachability of the database host
  - ping         open the database and run a round trip
  - tables       check that every application table exists
  - write        create and delete a scratch row in one transaction
  - concurrency  run several round trips at once
  - pool         exercise the connection pool and report its statistics

Failing runs are retried; --fix creates missing tables between attempts.
The exit status is 1 when any check fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), diagnostics.AllChecks)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every check",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), diagnostics.AllChecks)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			type entry struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			entries := make([]entry, 0, len(diagnostics.AllChecks))
			for _, c := range diagnostics.AllChecks {
				entries = append(entries, entry{Name: string(c), Description: c.Description()})
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		output.Section("Available checks")
		for _, c := range diagnostics.AllChecks {
			fmt.Printf("  %-12s %s\n", c, c.Description())
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errChecksFailed) {
			output.Error("%v", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("QUIZ_CONFIG"), "Config file (defaults to config.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 2, "Extra attempts after a failed run")
	rootCmd.PersistentFlags().DurationVar(&interval, "interval", 5*time.Second, "Wait between attempts")
	rootCmd.PersistentFlags().BoolVar(&fix, "fix", false, "Create missing tables before retrying")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 5, "Simultaneous round trips for the concurrency check")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Time limit for each check")

	rootCmd.AddCommand(allCmd, listCmd)
	for _, c := range diagnostics.AllChecks {
		c := c
		rootCmd.AddCommand(&cobra.Command{
			Use:   string(c),
			Short: c.Description(),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), []diagnostics.Check{c})
			},
		})
	}
}

func run(ctx context.Context, checks []diagnostics.Check) error {
	if retries < 0 {
		return fmt.Errorf("--retries must not be negative")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db := cfg.Database
	dsn := db.DSN()
	runner, err := diagnostics.NewRunner(diagnostics.Config{
		Driver:       db.Driver,
		DSN:          dsn,
		Concurrency:  concurrency,
		CheckTimeout: timeout,
		Open: func() (diagnostics.Database, error) {
			return store.NewGormStore(store.Options{
				Driver:       db.Driver,
				DSN:          dsn,
				MaxOpenConns: db.MaxOpenConns,
				SkipMigrate:  true,
			})
		},
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	var reports []diagnostics.Report
	final := runner.RunWithRetries(ctx, checks, retries, interval, fix, func(rep diagnostics.Report) {
		reports = append(reports, rep)
		if !jsonOutput {
			printReport(rep, retries+1)
		}
	})

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Passed  bool                 `json:"passed"`
			Reports []diagnostics.Report `json:"attempts"`
		}{Passed: final.Passed, Reports: reports}); err != nil {
			return err
		}
	} else {
		fmt.Println()
		if final.Passed {
			output.Success("All checks passed")
		} else {
			output.Error("Checks failed after %d attempt(s)", final.Attempt)
			if !fix {
				output.Info("Rerun with --fix to create missing tables")
			}
		}
	}
	if !final.Passed {
		return errChecksFailed
	}
	return nil
}

func printReport(rep diagnostics.Report, attempts int) {
	output.Section(fmt.Sprintf("Attempt %d of %d", rep.Attempt, attempts))
	for _, res := range rep.Results {
		output.CheckLine(string(res.Status), string(res.Check), res.Detail, res.ElapsedMS)
	}
	if !rep.Passed && rep.Attempt < attempts {
		output.Warning("Retrying in %s", interval)
	}
}
