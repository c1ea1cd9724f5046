package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/jobs"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect, replay and resolve dead-lettered partitions",
	Long: `Dead-letter entries record partitions that failed permanently or exhausted
their retries. They are never replayed automatically.`,
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries, newest first",
	Args:  cobra.NoArgs,
	RunE:  runDeadLettersList,
}

var deadLettersGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one dead-letter entry with its payload snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLettersGet,
}

var deadLettersReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Re-run the dead-lettered partition under a new run",
	Long: `Re-run exactly the partition of a dead-letter entry with the original run's
resolved parameters. The entry is marked resolved when the new run succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeadLettersReplay,
}

var deadLettersResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark an entry resolved without re-running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLettersResolve,
}

func init() {
	deadLettersListCmd.Flags().String("run", "", "Filter by run ID")
	deadLettersListCmd.Flags().String("entity", "", "Filter by entity type")
	deadLettersListCmd.Flags().Bool("unresolved", false, "Only entries not yet resolved")

	deadLettersReplayCmd.Flags().String("archive-bucket", "", "Mirror raw payloads into this S3 bucket")

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersGetCmd)
	deadLettersCmd.AddCommand(deadLettersReplayCmd)
	deadLettersCmd.AddCommand(deadLettersResolveCmd)
}

func runDeadLettersList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	runID, _ := cmd.Flags().GetString("run")
	entity, _ := cmd.Flags().GetString("entity")
	unresolved, _ := cmd.Flags().GetBool("unresolved")

	entries, err := jobs.NewDeadLetterStore(a.db).List(cmd.Context(),
		jobs.DeadLetterFilter{RunID: runID, EntityType: entity, Unresolved: unresolved})
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	w := cmd.OutOrStdout()
	if structured() {
		return printOutput(w, map[string]any{"deadLetters": entries, "totalSize": len(entries)})
	}

	headers := []string{"ID", "Run", "Entity", "Partition", "Stage", "Class", "Retries", "Created", "Resolved", "Error"}
	rows := make([][]string, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		rows = append(rows, []string{
			e.ID,
			e.RunID,
			e.EntityType,
			e.PartitionKey,
			string(e.Stage),
			e.ErrorClass,
			strconv.Itoa(e.RetryCount),
			formatTime(&e.CreatedAt),
			formatTime(e.ResolvedAt),
			truncate(e.ErrorDetail, 50),
		})
	}
	printTable(w, headers, rows)
	return nil
}

func runDeadLettersGet(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := jobs.NewDeadLetterStore(a.db).Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get dead letter: %w", err)
	}
	if entry == nil {
		return fmt.Errorf("dead letter %s: %w", args[0], jobs.ErrNotFound)
	}

	w := cmd.OutOrStdout()
	if structured() {
		return printOutput(w, entry)
	}
	rows := [][]string{
		{"ID", entry.ID},
		{"Run", entry.RunID},
		{"Entity", entry.EntityType},
		{"Partition", entry.PartitionKey},
		{"Stage", string(entry.Stage)},
		{"Class", entry.ErrorClass},
		{"Retries", strconv.Itoa(entry.RetryCount)},
		{"Created", formatTime(&entry.CreatedAt)},
		{"Resolved", formatTime(entry.ResolvedAt)},
		{"Resolved by", entry.ResolvedByRun},
		{"Error", entry.ErrorDetail},
		{"Payload", string(entry.PayloadSnapshot)},
	}
	printTable(w, []string{"Field", "Value"}, rows)
	return nil
}

func runDeadLettersReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	bucket, _ := cmd.Flags().GetString("archive-bucket")
	o, err := a.newOrchestrator(ctx, bucket)
	if err != nil {
		return err
	}

	summary, err := o.Replay(ctx, args[0])
	outcome := err
	if outcome == nil && summary != nil && summary.Status != jobs.RunStatusSucceeded {
		outcome = fmt.Errorf("replay run %s %s", summary.RunID, summary.Status)
	}
	a.recordAction(ctx, args[0], "replay", outcome)
	a.pushMetrics(viper.GetString("pushgateway"), summary)
	return reportRun(cmd.OutOrStdout(), summary, err)
}

func runDeadLettersResolve(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	err = jobs.NewDeadLetterStore(a.db).Resolve(cmd.Context(), args[0], "")
	a.recordAction(cmd.Context(), args[0], "resolve", err)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dead letter %s resolved\n", args[0])
	return nil
}
