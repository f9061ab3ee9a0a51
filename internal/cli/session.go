package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/curie/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var showYAML bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or delete persisted sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the persisted threads of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Delete the persisted threads of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionClear,
}

func init() {
	sessionShowCmd.Flags().BoolVar(&showYAML, "yaml", false, "print YAML instead of JSON")
	sessionCmd.AddCommand(sessionShowCmd, sessionClearCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	return withRuntime(cmd, nil, func(rt runtime, cfg *config.Config) error {
		threads, err := rt.SessionThreads(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		if len(threads) == 0 {
			return fmt.Errorf("no persisted threads for session %s", sessionID)
		}

		if !showYAML {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(threads)
		}

		// Round-trip through JSON so YAML keys match the persisted field names.
		raw, err := json.Marshal(threads)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		encoder := yaml.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent(2)
		if err := encoder.Encode(doc); err != nil {
			return err
		}
		return encoder.Close()
	})
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	return withRuntime(cmd, nil, func(rt runtime, cfg *config.Config) error {
		if err := rt.ClearSession(cmd.Context(), sessionID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s cleared\n", sessionID)
		return nil
	})
}
