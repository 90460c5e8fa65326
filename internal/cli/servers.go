package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardmcp/steward/pkg/mcp"
)

var (
	eventsLimit int
	checkAll    bool
	outputJSON  bool
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Inspect and manage the tool-provider fleet",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := setupLogging(cfg, false); err != nil {
			return err
		}

		st, err := buildStack(cfg, mcp.Options{})
		if err != nil {
			return err
		}
		defer st.Close()

		overviews := st.Manager.Overviews()
		if outputJSON {
			return printJSON(cmd, overviews)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRANSPORT\tENABLED\tSTATE\tCIRCUIT\tQUARANTINE")
		for _, o := range overviews {
			quarantine := "-"
			if o.Quarantined {
				quarantine = o.QuarantineReason
				if quarantine == "" {
					quarantine = "yes"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
				o.ServerID, o.Transport, o.Enabled, o.State, o.Circuit, quarantine)
		}
		return w.Flush()
	},
}

var serversStatusCmd = &cobra.Command{
	Use:   "status <server-id>",
	Short: "Show one server's supervision state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := setupLogging(cfg, false); err != nil {
			return err
		}

		st, err := buildStack(cfg, mcp.Options{})
		if err != nil {
			return err
		}
		defer st.Close()

		var found bool
		for _, o := range st.Manager.Overviews() {
			if o.ServerID != id {
				continue
			}
			found = true
			if outputJSON {
				return printJSON(cmd, o)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server:      %s\n", o.ServerID)
			fmt.Fprintf(out, "Transport:   %s\n", o.Transport)
			fmt.Fprintf(out, "Enabled:     %v\n", o.Enabled)
			fmt.Fprintf(out, "State:       %s\n", o.State)
			fmt.Fprintf(out, "Circuit:     %s\n", o.Circuit)
			if o.Quarantined {
				fmt.Fprintf(out, "Quarantined: yes (%s)\n", o.QuarantineReason)
			} else {
				fmt.Fprintf(out, "Quarantined: no\n")
			}
		}
		if !found {
			return fmt.Errorf("server %q is not configured", id)
		}

		events, err := st.Store.RecentEvents(id, 10)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "\nRecent events:")
			for _, ev := range events {
				fmt.Fprintf(out, "  %s  %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type)
			}
		}
		return nil
	},
}

var serversEventsCmd = &cobra.Command{
	Use:   "events <server-id>",
	Short: "Show a server's archived event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := setupLogging(cfg, false); err != nil {
			return err
		}

		st, err := buildStack(cfg, mcp.Options{})
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.Store.RecentEvents(id, eventsLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, events)
		}
		if len(events) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No events recorded for %s\n", id)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tDETAILS")
		for _, ev := range events {
			details := ""
			if len(ev.Details) > 0 {
				data, err := json.Marshal(ev.Details)
				if err == nil {
					details = string(data)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, details)
		}
		return w.Flush()
	},
}

var serversCheckCmd = &cobra.Command{
	Use:   "check [server-id...]",
	Short: "Start servers, probe them, and report health",
	Long: `Check starts each named server (or all with --all), lists its tools,
pings the session, and stops it again. Quarantined and disabled servers
are reported without being started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := setupLogging(cfg, false); err != nil {
			return err
		}

		st, err := buildStack(cfg, mcp.Options{})
		if err != nil {
			return err
		}
		defer st.Close()

		targets := args
		if checkAll {
			targets = st.Manager.List()
		}
		if len(targets) == 0 {
			return fmt.Errorf("name at least one server or pass --all")
		}

		out := cmd.OutOrStdout()
		failures := 0
		for _, id := range targets {
			if err := checkServer(cmd.Context(), st, id, out); err != nil {
				failures++
			}
		}
		if failures > 0 {
			return fmt.Errorf("%d of %d servers failed the check", failures, len(targets))
		}
		return nil
	},
}

func checkServer(ctx context.Context, st *stack, id string, out io.Writer) error {
	srv, err := st.Manager.Get(id)
	if err != nil {
		fmt.Fprintf(out, "%-20s FAIL  %v\n", id, err)
		return err
	}
	if quarantined, reason := srv.Quarantined(); quarantined {
		fmt.Fprintf(out, "%-20s SKIP  quarantined: %s\n", id, reason)
		return nil
	}
	if !srv.Enabled() {
		fmt.Fprintf(out, "%-20s SKIP  disabled\n", id)
		return nil
	}

	start := time.Now()
	if err := st.Manager.Start(ctx, id); err != nil {
		fmt.Fprintf(out, "%-20s FAIL  %v\n", id, err)
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		st.Manager.Stop(stopCtx, id) //nolint:errcheck
	}()

	tools, err := st.Manager.Tools(ctx, id)
	if err != nil {
		fmt.Fprintf(out, "%-20s FAIL  %v\n", id, err)
		return err
	}
	if err := srv.Ping(ctx); err != nil {
		fmt.Fprintf(out, "%-20s FAIL  ping: %v\n", id, err)
		return err
	}

	fmt.Fprintf(out, "%-20s OK    %d tools, %s\n", id, len(tools), time.Since(start).Round(time.Millisecond))
	return nil
}

var serversClearCmd = &cobra.Command{
	Use:   "clear <server-id>",
	Short: "Clear a server's quarantine flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := setupLogging(cfg, false); err != nil {
			return err
		}

		st, err := buildStack(cfg, mcp.Options{})
		if err != nil {
			return err
		}
		defer st.Close()

		cleared, err := st.Manager.ClearQuarantine(id)
		if err != nil {
			return err
		}
		if cleared {
			fmt.Fprintf(cmd.OutOrStdout(), "Quarantine cleared for %s\n", id)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Server %s was not quarantined\n", id)
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func init() {
	serversEventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to show")
	serversCheckCmd.Flags().BoolVar(&checkAll, "all", false, "check every configured server")
	serversCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "emit JSON instead of a table")

	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversStatusCmd)
	serversCmd.AddCommand(serversEventsCmd)
	serversCmd.AddCommand(serversCheckCmd)
	serversCmd.AddCommand(serversClearCmd)
	rootCmd.AddCommand(serversCmd)
}
