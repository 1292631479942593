package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/pulse/internal/controlplane"
	"github.com/fentz26/pulse/internal/models"
)

var sourceCmd = &cobra.Command{
	Use:     "source",
	Aliases: []string{"sources"},
	Short:   "Manage external data sources",
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available sources and their connection status",
	RunE:  runSourceList,
}

var sourceConnectCmd = &cobra.Command{
	Use:   "connect [source-id]",
	Short: "Connect a source",
	Long: `Connects a source. OAuth sources open the provider's consent page in a
browser and wait for the daemon to receive the callback.`,
	Args: cobra.ExactArgs(1),
	RunE: runSourceConnect,
}

var sourceDisconnectCmd = &cobra.Command{
	Use:   "disconnect [source-id]",
	Short: "Disconnect a source and forget its credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceDisconnect,
}

var sourceFetchCmd = &cobra.Command{
	Use:   "fetch [source-id] [data-type]",
	Short: "Fetch data from a connected source",
	Args:  cobra.ExactArgs(2),
	RunE:  runSourceFetch,
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List stored connections",
	RunE:  runConnections,
}

var (
	sourceCapability string
	connectUser      string
	connectNoBrowser bool
	connectTimeout   time.Duration
	fetchParams      []string
)

func init() {
	sourceCmd.AddCommand(sourceListCmd, sourceConnectCmd, sourceDisconnectCmd, sourceFetchCmd)

	sourceListCmd.Flags().StringVar(&sourceCapability, "capability", "", "Filter by capability (health, music, productivity, social, location)")

	user := os.Getenv("USER")
	if user == "" {
		user = "local"
	}
	sourceConnectCmd.Flags().StringVar(&connectUser, "user", user, "User id bound to the authorization")
	sourceConnectCmd.Flags().BoolVar(&connectNoBrowser, "no-browser", false, "Print the authorization URL instead of opening it")
	sourceConnectCmd.Flags().DurationVar(&connectTimeout, "wait", 5*time.Minute, "How long to wait for the callback")

	sourceFetchCmd.Flags().StringArrayVar(&fetchParams, "param", nil, "Query parameter key=value (repeatable)")
}

func runSourceList(cmd *cobra.Command, args []string) error {
	path := "/sources"
	if sourceCapability != "" {
		path += "?capability=" + url.QueryEscape(sourceCapability)
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}

	var list []controlplane.SourceView
	if err := json.Unmarshal(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sources registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCAPABILITY\tAUTH\tSTATUS\tDATA TYPES")
	for _, s := range list {
		auth := "native"
		if s.RequiresOAuth {
			auth = "oauth"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.DisplayName, s.Capability, auth, s.Status,
			strings.Join(s.DataTypes, ","))
	}
	return w.Flush()
}

func runSourceConnect(cmd *cobra.Command, args []string) error {
	sourceID := args[0]
	resp, err := apiPost("/sources/"+url.PathEscape(sourceID)+"/connect", map[string]string{"user_id": connectUser})
	if err != nil {
		return err
	}

	var out controlplane.ConnectResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}
	if out.Connection != nil {
		fmt.Printf("Connected %s\n", sourceID)
		return nil
	}

	fmt.Printf("Authorize %s at:\n  %s\n", sourceID, out.AuthURL)
	if connectNoBrowser {
		return nil
	}
	if err := openBrowser(out.AuthURL); err != nil {
		fmt.Printf("Could not open a browser (%v); open the URL above manually.\n", err)
	}

	fmt.Print("Waiting for authorization...")
	rec, err := waitForConnection(sourceID, connectTimeout)
	fmt.Println()
	if err != nil {
		return err
	}
	if rec.DisplayName != "" {
		fmt.Printf("Connected %s as %s\n", sourceID, rec.DisplayName)
	} else {
		fmt.Printf("Connected %s\n", sourceID)
	}
	return nil
}

// waitForConnection polls /connections until sourceID leaves the
// authorization flow.
func waitForConnection(sourceID string, timeout time.Duration) (*models.ConnectionRecord, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var recs []models.ConnectionRecord
		if err := getJSON("/connections", &recs); err != nil {
			return nil, err
		}
		for i := range recs {
			if recs[i].SourceID != sourceID {
				continue
			}
			switch recs[i].Status {
			case models.ConnectionConnected:
				return &recs[i], nil
			case models.ConnectionFailed:
				return nil, fmt.Errorf("authorization for %s failed", sourceID)
			}
		}

		var list []controlplane.SourceView
		if err := getJSON("/sources", &list); err == nil {
			for _, s := range list {
				if s.ID == sourceID && s.Status == models.ConnectionFailed {
					return nil, fmt.Errorf("authorization for %s failed", sourceID)
				}
			}
		}

		time.Sleep(time.Second)
		fmt.Print(".")
	}
	return nil, fmt.Errorf("timed out waiting for %s authorization", sourceID)
}

func runSourceDisconnect(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/sources/" + url.PathEscape(args[0])); err != nil {
		return err
	}
	fmt.Printf("Disconnected %s\n", args[0])
	return nil
}

func runSourceFetch(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("type", args[1])
	for _, p := range fetchParams {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("invalid --param %q, want key=value", p)
		}
		q.Add(k, v)
	}
	resp, err := apiGet("/sources/" + url.PathEscape(args[0]) + "/data?" + q.Encode())
	if err != nil {
		return err
	}
	printRaw(resp)
	return nil
}

func runConnections(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/connections")
	if err != nil {
		return err
	}
	if jsonOutput {
		printRaw(resp)
		return nil
	}
	var recs []models.ConnectionRecord
	if err := json.Unmarshal(resp, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No connections")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tTYPE\tACCOUNT\tSTATUS\tEXPIRES")
	for _, r := range recs {
		expires := "-"
		if r.Credential.ExpiresAt != nil {
			expires = r.Credential.ExpiresAt.Local().Format("2006-01-02 15:04")
		}
		account := r.DisplayName
		if account == "" {
			account = r.AccountID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.SourceID, r.ProviderType, account, r.Status, expires)
	}
	return w.Flush()
}
