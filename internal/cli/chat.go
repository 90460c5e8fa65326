package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stewardmcp/steward/internal/config"
	"github.com/stewardmcp/steward/pkg/agent"
	"github.com/stewardmcp/steward/pkg/mcp"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive agent session against the tool-provider fleet",
	Long: `Chat starts every enabled server, exposes their tools to the model,
and runs a conversation loop. Type "exit" or "quit" to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := setupLogging(cfg, false); err != nil {
			return err
		}
		if len(cfg.AI.Profiles) == 0 {
			return fmt.Errorf("no AI profiles configured; run 'steward configure' first")
		}

		st, err := buildStack(cfg, mcp.Options{})
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		for id, startErr := range st.Manager.StartAll(ctx) {
			log.Warn().Err(startErr).Str("server", id).Msg("Server failed to start")
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: server %s failed to start: %v\n", id, startErr)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			st.Manager.StopAll(stopCtx)
		}()

		runner, err := agent.NewRunner(agent.Config{
			Model:        cfg.Agent.Model,
			Temperature:  cfg.Agent.Temperature,
			MaxTokens:    cfg.Agent.MaxTokens,
			SystemPrompt: cfg.Agent.SystemPrompt,
			MaxTurns:     cfg.Agent.MaxTurns,
			AuthProfiles: authProfiles(cfg),
		}, st.Manager, log.Logger)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "steward chat (model %s, %d servers)\n", cfg.Agent.Model, len(st.Manager.List()))

		var history []agent.Message
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for {
			fmt.Fprint(out, "> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				break
			}

			result, err := runner.Run(ctx, line, history)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				continue
			}
			if result.Aborted {
				break
			}
			history = result.Messages
			fmt.Fprintln(out, result.Response)
			if result.Usage != nil {
				log.Debug().
					Int("inputTokens", result.Usage.InputTokens).
					Int("outputTokens", result.Usage.OutputTokens).
					Int("toolCalls", len(result.ToolCalls)).
					Msg("Turn complete")
			}
		}
		return scanner.Err()
	},
}

// authProfiles converts configured credentials into agent auth profiles.
func authProfiles(cfg *config.Config) []agent.AuthProfile {
	profiles := make([]agent.AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}
	return profiles
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
