package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/jobs"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <run-id>",
	Short: "Show the partition checkpoints of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpoints,
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
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

	cps, err := jobs.NewCheckpointStore(a.db).ListByRun(cmd.Context(), run.ID)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	w := cmd.OutOrStdout()
	if structured() {
		return printOutput(w, map[string]any{"runId": run.ID, "checkpoints": cps})
	}

	headers := []string{"Seq", "Partition", "Status", "State", "Last stage", "Retries", "Records", "Updated", "Error"}
	rows := make([][]string, 0, len(cps))
	for _, cp := range cps {
		rows = append(rows, []string{
			strconv.Itoa(cp.Seq),
			cp.PartitionKey,
			string(cp.Status),
			cp.State,
			string(cp.LastStage),
			strconv.Itoa(cp.RetryCount),
			strconv.Itoa(cp.Records),
			cp.UpdatedAt.UTC().Format(time.RFC3339),
			truncate(cp.LastError, 50),
		})
	}
	printTable(w, headers, rows)
	return nil
}
