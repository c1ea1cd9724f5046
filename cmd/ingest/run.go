package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/jobs"
)

// runFailedError is returned when a run finished with a status other than
// succeeded. main maps it to exit status 2.
type runFailedError struct {
	runID  string
	status jobs.RunStatus
}

func (e *runFailedError) Error() string {
	return fmt.Sprintf("run %s finished %s", e.runID, e.status)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an ingestion job",
	Long: `Run one job in backfill, incremental or lookback mode and print its summary.

Parameters come from flags, from a YAML or JSON job file (--job), or both;
flags given explicitly override the job file. Re-running the same job while
an earlier run of it is unfinished resumes that run from its checkpoints.

The command exits non-zero unless the run succeeded.`,
	Example: `  ingest run --entity leagues --mode backfill --start 2019 --end 2021
  ingest run --entity leagues --mode incremental --since-last-run
  ingest run --entity leagues --mode lookback --lookback-days 3 --max-workers 8
  ingest run --job leagues.yaml`,
	Args: cobra.NoArgs,
	RunE: runJob,
}

func init() {
	f := runCmd.Flags()
	f.String("job", "", "Job file (YAML or JSON)")
	f.String("entity", "", "Entity type, see 'ingest entities'")
	f.String("mode", "", "Mode: backfill, incremental or lookback")
	f.String("start", "", "Scope start: season, date or RFC 3339 timestamp")
	f.String("end", "", "Scope end (inclusive)")
	f.Int("lookback-days", 0, "Days to re-fetch in lookback mode")
	f.Bool("since-last-run", false, "Incremental: start at the last successful run's high-water mark")
	f.StringSlice("entities", nil, "Backfill explicit entity keys")
	f.StringSlice("partitions", nil, "Restrict the run to these partition keys")
	f.Int("batch-size", 0, "Records per write batch")
	f.Int("max-workers", 0, "Partitions processed concurrently")
	f.Int("max-retries", 0, "Retries per partition for transient failures")
	f.String("archive-bucket", "", "Mirror raw payloads into this S3 bucket")
}

// loadJobFile reads job parameters in the invocation shape.
func loadJobFile(path string) (jobs.JobParameters, error) {
	var params jobs.JobParameters
	data, err := os.ReadFile(path)
	if err != nil {
		return params, fmt.Errorf("failed to read job file: %w", err)
	}
	// YAML is a superset of JSON, so one decoder covers both.
	if err := yaml.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	return params, nil
}

// jobParameters builds parameters from --job and the explicitly set flags.
func jobParameters(cmd *cobra.Command) (jobs.JobParameters, error) {
	var params jobs.JobParameters
	f := cmd.Flags()

	if path, _ := f.GetString("job"); path != "" {
		p, err := loadJobFile(path)
		if err != nil {
			return params, err
		}
		params = p
	}

	if f.Changed("entity") {
		params.EntityType, _ = f.GetString("entity")
	}
	if f.Changed("mode") {
		raw, _ := f.GetString("mode")
		params.Mode = jobs.Mode(raw)
	}
	if params.Mode != "" {
		mode, err := jobs.ParseMode(string(params.Mode))
		if err != nil {
			return params, err
		}
		params.Mode = mode
	}
	if f.Changed("start") {
		params.Scope.Start, _ = f.GetString("start")
	}
	if f.Changed("end") {
		params.Scope.End, _ = f.GetString("end")
	}
	if f.Changed("lookback-days") {
		params.Scope.LookbackDays, _ = f.GetInt("lookback-days")
	}
	if f.Changed("since-last-run") {
		params.Scope.SinceLastRun, _ = f.GetBool("since-last-run")
	}
	if f.Changed("entities") {
		params.Scope.Entities, _ = f.GetStringSlice("entities")
	}
	if f.Changed("partitions") {
		params.Partitions, _ = f.GetStringSlice("partitions")
	}
	if f.Changed("batch-size") {
		params.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("max-workers") {
		params.MaxWorkers, _ = f.GetInt("max-workers")
	}
	if f.Changed("max-retries") {
		params.MaxRetries, _ = f.GetInt("max-retries")
	}

	if params.EntityType == "" || params.Mode == "" {
		return params, errors.New("--entity and --mode (or a --job file) are required")
	}
	return params, nil
}

func runJob(cmd *cobra.Command, _ []string) error {
	params, err := jobParameters(cmd)
	if err != nil {
		return err
	}

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

	summary, err := o.Run(ctx, params)
	a.pushMetrics(viper.GetString("pushgateway"), summary)
	return reportRun(cmd.OutOrStdout(), summary, err)
}

// reportRun prints a summary and turns the outcome into the command error.
func reportRun(w io.Writer, summary *jobs.RunSummary, runErr error) error {
	if summary != nil {
		if perr := printSummary(w, summary); perr != nil {
			return perr
		}
	}
	if runErr != nil {
		if errors.Is(runErr, jobs.ErrRunInterrupted) {
			return fmt.Errorf("%w; re-run the same job to resume", runErr)
		}
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("run cancelled: %w", runErr)
		}
		return runErr
	}
	if summary.Status != jobs.RunStatusSucceeded {
		return &runFailedError{runID: summary.RunID, status: summary.Status}
	}
	return nil
}

func printSummary(w io.Writer, s *jobs.RunSummary) error {
	if structured() {
		return printOutput(w, s)
	}
	rows := [][]string{
		{"Run", s.RunID},
		{"Entity", s.EntityType},
		{"Mode", string(s.Mode)},
		{"Status", string(s.Status)},
		{"Resumed", strconv.FormatBool(s.Resumed)},
		{"Started", formatTime(&s.StartedAt)},
		{"Finished", formatTime(s.FinishedAt)},
		{"Partitions", fmt.Sprintf("%d total, %d succeeded, %d failed",
			s.PartitionsTotal, s.PartitionsSucceeded, s.PartitionsFailed)},
		{"Records", strconv.FormatInt(s.RecordsProcessed, 10)},
		{"API calls", strconv.FormatInt(s.APICallsMade, 10)},
	}
	if len(s.DeadLettered) > 0 {
		rows = append(rows, []string{"Dead-lettered", strings.Join(s.DeadLettered, ", ")})
	}
	if len(s.PostProcessFailures) > 0 {
		rows = append(rows, []string{"Post-process failures", strings.Join(s.PostProcessFailures, ", ")})
	}
	if s.Error != "" {
		rows = append(rows, []string{"Error", truncate(s.Error, 120)})
	}
	printTable(w, []string{"Field", "Value"}, rows)
	return nil
}
