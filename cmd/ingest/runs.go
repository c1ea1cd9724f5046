package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/jobs"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and prune pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsGet,
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished runs and their checkpoints",
	Long: `Delete runs that finished before now minus --older-than, together with their
checkpoints. Unfinished runs and dead-letter entries are kept.`,
	Example: `  ingest runs prune --older-than 30d`,
	Args:    cobra.NoArgs,
	RunE:    runRunsPrune,
}

func init() {
	runsListCmd.Flags().String("entity", "", "Filter by entity type")
	runsListCmd.Flags().String("mode", "", "Filter by mode")
	runsListCmd.Flags().String("status", "", "Filter by status")
	runsListCmd.Flags().Int("limit", 20, "Maximum runs to show (max 100)")
	runsListCmd.Flags().String("page-token", "", "Continue after a previous page")

	runsPruneCmd.Flags().String("older-than", "720h", "Age cutoff, e.g. 72h or 30d")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)
	runsCmd.AddCommand(runsPruneCmd)
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	entity, _ := cmd.Flags().GetString("entity")
	mode, _ := cmd.Flags().GetString("mode")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	token, _ := cmd.Flags().GetString("page-token")

	runs, next, total, err := jobs.NewRunStore(a.db).List(cmd.Context(),
		jobs.RunListFilter{EntityType: entity, Mode: mode, Status: status}, limit, token)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	w := cmd.OutOrStdout()
	if structured() {
		return printOutput(w, map[string]any{
			"runs":          runs,
			"nextPageToken": next,
			"totalSize":     total,
		})
	}

	headers := []string{"Run", "Entity", "Mode", "Status", "Started", "Finished", "Partitions", "Records"}
	rows := make([][]string, 0, len(runs))
	for i := range runs {
		r := &runs[i]
		rows = append(rows, []string{
			r.ID,
			r.EntityType,
			string(r.Mode),
			string(r.Status),
			formatTime(&r.StartedAt),
			formatTime(r.FinishedAt),
			fmt.Sprintf("%d/%d", r.PartitionsSucceeded, r.PartitionsTotal),
			strconv.FormatInt(r.RecordsProcessed, 10),
		})
	}
	printTable(w, headers, rows)
	if next != "" {
		fmt.Fprintf(w, "\n%d runs total; next page: --page-token %s\n", total, next)
	}
	return nil
}

func runRunsGet(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := jobs.NewRunStore(a.db).Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s: %w", args[0], jobs.ErrNotFound)
	}

	w := cmd.OutOrStdout()
	if structured() {
		return printOutput(w, run)
	}
	rows := [][]string{
		{"Run", run.ID},
		{"Job key", run.JobKey},
		{"Entity", run.EntityType},
		{"Mode", string(run.Mode)},
		{"Status", string(run.Status)},
		{"Started", formatTime(&run.StartedAt)},
		{"Finished", formatTime(run.FinishedAt)},
		{"Partitions", fmt.Sprintf("%d total, %d succeeded, %d failed",
			run.PartitionsTotal, run.PartitionsSucceeded, run.PartitionsFailed)},
		{"Records", strconv.FormatInt(run.RecordsProcessed, 10)},
		{"API calls", strconv.FormatInt(run.APICallsMade, 10)},
		{"Params", string(run.Params)},
	}
	if run.ReplayOf != "" {
		rows = append(rows, []string{"Replay of", run.ReplayOf})
	}
	if run.Error != "" {
		rows = append(rows, []string{"Error", truncate(run.Error, 120)})
	}
	printTable(w, []string{"Field", "Value"}, rows)
	return nil
}

func runRunsPrune(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("older-than")
	age, err := parseAge(raw)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	cutoff := time.Now().Add(-age)
	deleted, err := jobs.NewRunStore(a.db).DeleteFinishedBefore(cmd.Context(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune runs: %w", err)
	}
	a.logger.Info("pruned runs", "deleted", deleted, "cutoff", cutoff.UTC().Format(time.RFC3339))
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs finished before %s\n", deleted, cutoff.UTC().Format(time.RFC3339))
	return nil
}
