package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/curie/internal/config"
	"github.com/harun/curie/pkg/agent"
	"github.com/harun/curie/pkg/provider"
	"github.com/spf13/cobra"
)

var (
	chatRole    string
	chatSession string
	chatJSON    bool
	chatResume  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Run one conversation turn",
	Long: `Run one conversation turn against an agent and print the session's
conversation thread as JSON.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if chatResume {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatRole, "role", "", "agent role (default is server.default_role)")
	chatCmd.Flags().StringVar(&chatSession, "session", "cli", "session id")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "ask the backend for a JSON object reply")
	chatCmd.Flags().BoolVar(&chatResume, "resume", false, "retry the session's interrupted turn instead of sending a message")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")

	return withRuntime(cmd, nil, func(rt runtime, cfg *config.Config) error {
		role := chatRole
		if role == "" {
			role = cfg.Server.DefaultRole
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.TurnTimeout)
		defer cancel()

		a, err := rt.Agent(ctx, role, chatSession)
		if err != nil {
			return err
		}

		opts := agent.RunOptions{Resume: chatResume}
		if chatJSON {
			opts.ResponseFormat = provider.FormatJSON
		}
		thread, err := a.Run(ctx, message, opts)
		if err != nil {
			return fmt.Errorf("turn failed: %w", err)
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(thread.WithoutSystem())
	})
}
