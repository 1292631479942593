package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/offline"
)

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Queue and inspect pending actions",
}

var actionAddCmd = &cobra.Command{
	Use:   "add [resource-type] [operation]",
	Short: "Perform a mutation offline-first",
	Long: `Applies the mutation to the local cache, queues it and syncs immediately
when online. Operation is add, update, delete or custom:<name>.`,
	Args: cobra.ExactArgs(2),
	RunE: runActionAdd,
}

var actionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	RunE:  runActionList,
}

var actionDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered actions",
	RunE:  runActionDead,
}

var (
	actionTarget  string
	actionPayload string
)

func init() {
	actionCmd.AddCommand(actionAddCmd, actionListCmd, actionDeadCmd)

	actionAddCmd.Flags().StringVar(&actionTarget, "id", "", "Target entity id (update, delete, custom)")
	actionAddCmd.Flags().StringVar(&actionPayload, "data", "", "JSON payload")
}

func runActionAdd(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"resource_type": args[0],
		"operation":     args[1],
	}
	if actionTarget != "" {
		body["target_id"] = actionTarget
	}
	if actionPayload != "" {
		if !json.Valid([]byte(actionPayload)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		body["payload"] = json.RawMessage(actionPayload)
	}

	resp, err := apiPost("/actions", body)
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}

	var out offline.Outcome
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}
	switch {
	case out.Synced:
		fmt.Printf("Synced action %s\n", truncateID(out.Action.ID))
	case out.Queued:
		fmt.Printf("Queued action %s (will sync when online)\n", truncateID(out.Action.ID))
	default:
		fmt.Printf("Recorded action %s\n", truncateID(out.Action.ID))
	}
	return nil
}

func runActionList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/actions")
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}

	var actions []models.PendingAction
	if err := json.Unmarshal(resp, &actions); err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Println("No pending actions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tOPERATION\tTARGET\tATTEMPTS\tLAST ERROR")
	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(a.ID), a.ResourceType, formatOperation(a.Operation),
			truncateID(a.TargetID), a.Attempts, truncate(a.LastError, 40))
	}
	return w.Flush()
}

func runActionDead(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/actions/dead")
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}

	var dead []models.DeadLetter
	if err := json.Unmarshal(resp, &dead); err != nil {
		return err
	}
	if len(dead) == 0 {
		fmt.Println("No dead-lettered actions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tOPERATION\tWHEN\tREASON")
	for _, d := range dead {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(d.Action.ID), d.Action.ResourceType, formatOperation(d.Action.Operation),
			d.DeadLetteredAt.Local().Format("2006-01-02 15:04"), truncate(d.Reason, 50))
	}
	return w.Flush()
}

func formatOperation(op models.Operation) string {
	if op.Name != "" {
		return string(op.Kind) + ":" + op.Name
	}
	return string(op.Kind)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
