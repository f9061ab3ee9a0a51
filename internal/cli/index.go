package cli

import (
	"encoding/json"
	"path/filepath"

	"github.com/harun/curie/internal/config"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Index a directory into the vector index",
	Long: `Summarise and embed the source files under a directory and upsert them
into the vector index used by get_relevant_files_for_feature.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	enable := func(cfg *config.Config) { cfg.VectorIndex.Enabled = true }
	return withRuntime(cmd, enable, func(rt runtime, cfg *config.Config) error {
		report, err := rt.IndexDir(cmd.Context(), root)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	})
}
