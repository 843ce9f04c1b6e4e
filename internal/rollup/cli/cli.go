// Package cli implements rolloutctl, the operator command-line surface
// over the rollup control plane (spec §6).
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipiton/tsrollup/internal/rollup/bootstrap"
	"github.com/ipiton/tsrollup/internal/rollup/domain"
	"github.com/ipiton/tsrollup/internal/rollup/monitor"
	"github.com/ipiton/tsrollup/internal/rollup/orchestrate"
)

// CLI bundles the orchestrator components rolloutctl's subcommands drive.
type CLI struct {
	orchestrator *orchestrate.Orchestrator
	creator      *bootstrap.Creator
	monitor      *monitor.Monitor
	logger       *slog.Logger
}

// NewCLI builds a CLI over already-constructed rollup components.
func NewCLI(orchestrator *orchestrate.Orchestrator, creator *bootstrap.Creator, mon *monitor.Monitor, logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{orchestrator: orchestrator, creator: creator, monitor: mon, logger: logger}
}

// GetRootCommand returns the rolloutctl root command with every subcommand
// attached.
func (c *CLI) GetRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "rolloutctl",
		Short: "Operate the time-series rollup control plane",
		Long:  "rolloutctl drives rollup processing, target-table bootstrap, and operations monitoring for the rollup control plane.",
	}

	root.AddCommand(
		c.performCommand(),
		c.retryCommand(),
		c.createTargetCommand(),
		c.maintainCommand(),
		c.validateCommand(),
		c.snapshotCommand(),
		c.partitionStatsCommand(),
		c.detailedStatsCommand(),
	)

	return root
}

func (c *CLI) performCommand() *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "perform",
		Short: "Run one rollup processing pass over claimable configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var specificTable *string
			if table != "" {
				specificTable = &table
			}
			if err := c.orchestrator.PerformRollup(ctx, specificTable); err != nil {
				return fmt.Errorf("perform rollup: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "Restrict the pass to a single source table")
	return cmd
}

func (c *CLI) retryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-run configs whose backoff window has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.orchestrator.HandleRetries(cmd.Context()); err != nil {
				return fmt.Errorf("handle retries: %w", err)
			}
			return nil
		},
	}
}

func (c *CLI) createTargetCommand() *cobra.Command {
	var (
		source           string
		targetSchema     string
		targetName       string
		rollupInterval   time.Duration
		lookBackWindow   time.Duration
		retentionPeriod  time.Duration
		processingWindow time.Duration
		active           bool
	)

	cmd := &cobra.Command{
		Use:   "create-target",
		Short: "Create a rollup target table and register its config (spec §4.8)",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := bootstrap.Spec{
				Source:           source,
				TargetSchema:     targetSchema,
				TargetName:       targetName,
				RollupInterval:   rollupInterval,
				LookBackWindow:   lookBackWindow,
				RetentionPeriod:  retentionPeriod,
				ProcessingWindow: processingWindow,
				InitialStatus:    domain.LeaseIdle,
				IsActive:         active,
			}
			if err := c.creator.CreateRollupTable(cmd.Context(), spec); err != nil {
				return fmt.Errorf("create rollup target: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Qualified source table (schema.table)")
	cmd.Flags().StringVar(&targetSchema, "target-schema", "gold", "Target table schema")
	cmd.Flags().StringVar(&targetName, "target-name", "", "Target table name")
	cmd.Flags().DurationVar(&rollupInterval, "rollup-interval", time.Hour, "Bucket width passed to time_bucket")
	cmd.Flags().DurationVar(&lookBackWindow, "look-back-window", time.Hour, "Initial look-back window")
	cmd.Flags().DurationVar(&retentionPeriod, "retention", 30*24*time.Hour, "Target table retention period")
	cmd.Flags().DurationVar(&processingWindow, "processing-window", 5*time.Minute, "Seed processing window")
	cmd.Flags().BoolVar(&active, "active", true, "Activate the config immediately")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target-name")

	return cmd
}

func (c *CLI) maintainCommand() *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Recompute chunk intervals and retention for managed targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *string
			if table != "" {
				target = &table
			}
			if err := c.creator.MaintainTimeseriesTables(cmd.Context(), target); err != nil {
				return fmt.Errorf("maintain timeseries tables: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "target", "", "Restrict maintenance to a single target table")
	return cmd
}

func (c *CLI) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate every active config's source/target schema compatibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := c.orchestrator.ValidateRollupConfig(cmd.Context())
			if err != nil {
				return fmt.Errorf("validate configs: %w", err)
			}
			return printJSON(cmd, results)
		},
	}
}

func (c *CLI) snapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the operations health snapshot (spec §4.7)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.monitor.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			now := time.Now()
			type withStatus struct {
				monitor.ConfigHealth
				HealthStatus monitor.HealthStatus `json:"health_status"`
			}
			out := make([]withStatus, 0, len(rows))
			for _, r := range rows {
				out = append(out, withStatus{ConfigHealth: r, HealthStatus: r.HealthStatus(now)})
			}
			return printJSON(cmd, out)
		},
	}
}

func (c *CLI) partitionStatsCommand() *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "partition-stats",
		Short: "Print per-partition size and row estimates for a target table",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.monitor.GetPartitionStats(cmd.Context(), table)
			if err != nil {
				return fmt.Errorf("partition stats: %w", err)
			}
			return printJSON(cmd, rows)
		},
	}
	cmd.Flags().StringVar(&table, "target", "", "Qualified target table (schema.table)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (c *CLI) detailedStatsCommand() *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "detailed-stats",
		Short: "Print the health snapshot extended with source/target row estimates",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.monitor.GetDetailedStats(cmd.Context(), pattern)
			if err != nil {
				return fmt.Errorf("detailed stats: %w", err)
			}
			return printJSON(cmd, rows)
		},
	}
	cmd.Flags().StringVar(&pattern, "like", "%", "SQL LIKE pattern over source_table/target_table")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
