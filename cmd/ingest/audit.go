package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List operator actions, newest first",
	Long: `List audited operator actions: dead-letter resolves and replays from this CLI
and mutating calls made through the ingest server API.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().String("actor", "", "Filter by actor")
	auditCmd.Flags().String("action", "", "Filter by action, e.g. resolve or replay")
	auditCmd.Flags().Int("limit", 20, "Maximum events to show (max 100)")
	auditCmd.Flags().String("page-token", "", "Continue after a previous page")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	actor, _ := cmd.Flags().GetString("actor")
	action, _ := cmd.Flags().GetString("action")
	limit, _ := cmd.Flags().GetInt("limit")
	token, _ := cmd.Flags().GetString("page-token")

	events, next, total, err := audit.NewStore(a.db).List(cmd.Context(),
		audit.ListFilter{Actor: actor, Action: action}, limit, token)
	if err != nil {
		return fmt.Errorf("failed to list audit events: %w", err)
	}

	w := cmd.OutOrStdout()
	if structured() {
		return printOutput(w, map[string]any{
			"events":        events,
			"nextPageToken": next,
			"totalSize":     total,
		})
	}

	headers := []string{"Time", "Actor", "Action", "Resource", "Outcome", "Status"}
	rows := make([][]string, 0, len(events))
	for i := range events {
		e := &events[i]
		status := ""
		if e.StatusCode != 0 {
			status = strconv.Itoa(e.StatusCode)
		}
		rows = append(rows, []string{
			formatTime(&e.CreatedAt),
			e.Actor,
			e.Action,
			e.ResourceType + "/" + e.ResourceID,
			e.Outcome,
			status,
		})
	}
	printTable(w, headers, rows)
	if next != "" {
		fmt.Fprintf(w, "\n%d events total; next page: --page-token %s\n", total, next)
	}
	return nil
}
