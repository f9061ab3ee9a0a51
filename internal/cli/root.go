package cli

import (
	"context"

	"github.com/harun/curie/internal/config"
	"github.com/harun/curie/internal/daemon"
	"github.com/harun/curie/internal/logger"
	"github.com/harun/curie/pkg/agent"
	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/vectorindex"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "curie",
	Short: "Curie - multi-provider conversational agent runtime",
	Long: `Curie runs role-based conversational agents over OpenAI and Anthropic
backends. Conversations persist per session, agents call workspace tools, and
an HTTP API serves chat turns as JSON, server-sent events or websocket frames.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.curie/curie.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// runtime is the part of the daemon the one-shot commands drive.
type runtime interface {
	Agent(ctx context.Context, role, sessionID string) (*agent.Agent, error)
	SessionThreads(ctx context.Context, sessionID string) (map[string]conversation.Thread, error)
	ClearSession(ctx context.Context, sessionID string) error
	IndexDir(ctx context.Context, root string) (vectorindex.Report, error)
	Close()
}

var openRuntime = func(cfg *config.Config, log *logger.Logger) (runtime, error) {
	return daemon.New(cfg, log)
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. One-shot commands keep stdout for
// their output and only log to the file.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	lc := cfg.Logging
	return logger.New(logger.Config{
		Level:     lc.Level,
		File:      lc.File,
		Console:   console && lc.Console,
		Pretty:    lc.Pretty,
		Redaction: lc.Redaction,
		MaxSize:   lc.MaxSize,
		MaxAge:    lc.MaxAge,
		Compress:  lc.Compress,
	})
}

// withRuntime opens the runtime for a one-shot command and releases it
// afterwards.
func withRuntime(cmd *cobra.Command, prepare func(*config.Config), fn func(runtime, *config.Config) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// One-shot commands do not export spans.
	cfg.Tracing.Enabled = false
	if prepare != nil {
		prepare(cfg)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	rt, err := openRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	return fn(rt, cfg)
}
