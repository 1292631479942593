package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/pulse/internal/controlplane"
	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/scheduler"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending queue now",
	RunE:  runSync,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show [resource-type]",
	Short: "Show cached entities for a resource type",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheShow,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear cached entities, pending actions and sync metadata",
	RunE:  runCacheClear,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or change the background sync interval",
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show scheduler status",
	RunE:  runScheduleShow,
}

var scheduleSetCmd = &cobra.Command{
	Use:       "set [minimum|hourly|daily]",
	Short:     "Set the background sync interval",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(scheduler.IntervalMinimum), string(scheduler.IntervalHourly), string(scheduler.IntervalDaily)},
	RunE:      runScheduleSet,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health",
	RunE:  runStatus,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent sync decisions",
	RunE:  runJournal,
}

var (
	syncBackground bool
	clearConfirm   bool
	journalLimit   int
)

func init() {
	syncCmd.Flags().BoolVar(&syncBackground, "background", false, "Hand the drain to the scheduler and return immediately")

	cacheCmd.AddCommand(cacheShowCmd, cacheClearCmd)
	cacheClearCmd.Flags().BoolVar(&clearConfirm, "yes", false, "Skip confirmation")

	scheduleCmd.AddCommand(scheduleShowCmd, scheduleSetCmd)

	journalCmd.Flags().IntVar(&journalLimit, "limit", 20, "Number of entries")
	rootCmd.AddCommand(journalCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	path := "/sync"
	if syncBackground {
		path += "?background=true"
	}
	resp, err := apiPost(path, nil)
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}
	if syncBackground {
		fmt.Println("Sync started in background")
		return nil
	}

	var result models.SyncResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	if result.Skipped {
		fmt.Println("Sync skipped (offline or already running)")
		return nil
	}
	fmt.Printf("Synced %d, failed %d, dead-lettered %d\n", result.Synced, result.Failed, result.DeadLettered)
	return nil
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/cache/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}

	var view controlplane.CacheView
	if err := json.Unmarshal(resp, &view); err != nil {
		return err
	}
	if view.LastSyncedAt != nil {
		fmt.Printf("Last synced: %s\n", view.LastSyncedAt.Local().Format(time.RFC3339))
	} else {
		fmt.Println("Last synced: never")
	}
	if len(view.Entities) == 0 {
		fmt.Println("No cached entities")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYNCED\tDATA")
	for _, e := range view.Entities {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.LastSyncedAt.Local().Format("2006-01-02 15:04"), truncate(string(e.Data), 60))
	}
	return w.Flush()
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	if !clearConfirm {
		return fmt.Errorf("this drops every queued change; re-run with --yes")
	}
	if _, err := apiDelete("/cache"); err != nil {
		return err
	}
	fmt.Println("Cache cleared")
	return nil
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/scheduler")
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}
	var st scheduler.Status
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}
	printSchedule(st)
	return nil
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
	if _, err := scheduler.ParseInterval(args[0]); err != nil {
		return err
	}
	resp, err := apiPut("/scheduler", map[string]string{"interval": args[0]})
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}
	var st scheduler.Status
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}
	printSchedule(st)
	return nil
}

func printSchedule(st scheduler.Status) {
	fmt.Printf("Interval:    %s (%s)\n", st.Interval, st.Period)
	if st.LastRun != nil {
		fmt.Printf("Last run:    %s\n", st.LastRun.Local().Format(time.RFC3339))
	}
	if st.NextRun != nil {
		fmt.Printf("Next run:    %s\n", st.NextRun.Local().Format(time.RFC3339))
	}
	if st.InProgress {
		fmt.Println("In progress: yes")
	}
	fmt.Printf("Last result: synced %d, failed %d\n", st.LastResult.Synced, st.LastResult.Failed)
	if st.LastError != "" {
		fmt.Printf("Last error:  %s\n", st.LastError)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/health")
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}
	var h controlplane.HealthResponse
	if err := json.Unmarshal(resp, &h); err != nil {
		return err
	}

	network := "offline"
	if h.Network.IsConnected {
		network = "online (" + string(h.Network.ConnectionClass) + ")"
	}
	fmt.Printf("Daemon:   %s\n", h.Version)
	fmt.Printf("Database: %s\n", h.DB)
	fmt.Printf("Network:  %s\n", network)
	fmt.Printf("Pending:  %d\n", h.Pending)
	fmt.Printf("Stale:    %s\n", strconv.FormatBool(h.Stale))
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/journal?limit=%d", journalLimit))
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}
	var entries []models.JournalEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No journal entries")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tSUBJECT\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("01-02 15:04:05"),
			e.Action, e.Outcome, truncateID(e.SubjectID), truncate(e.Details, 50))
	}
	return w.Flush()
}
