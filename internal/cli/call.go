package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardmcp/steward/pkg/mcp"
)

var (
	callArgs    string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <server-id> <tool>",
	Short: "Invoke a single tool through the supervision pipeline",
	Long: `Call starts the named server, dispatches one tool call through the
concurrency gate, argument validation, retry loop and circuit breaker,
prints the result, and stops the server again.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverID, tool := args[0], args[1]

		var toolArgs map[string]interface{}
		if callArgs != "" {
			if err := json.Unmarshal([]byte(callArgs), &toolArgs); err != nil {
				return fmt.Errorf("invalid --args JSON: %w", err)
			}
		}

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

		ctx := cmd.Context()
		if callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, callTimeout)
			defer cancel()
		}

		if err := st.Manager.Start(ctx, serverID); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			st.Manager.Stop(stopCtx, serverID) //nolint:errcheck
		}()

		result, err := st.Manager.CallTool(ctx, serverID, tool, toolArgs)
		if err != nil {
			return err
		}

		if !result.Success {
			return fmt.Errorf("tool reported an error: %s", result.Error)
		}
		switch v := result.Output.(type) {
		case string:
			fmt.Fprintln(cmd.OutOrStdout(), v)
		default:
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		}
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callArgs, "args", "", "tool arguments as a JSON object")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "overall deadline for the call (e.g. 90s)")
	rootCmd.AddCommand(callCmd)
}
