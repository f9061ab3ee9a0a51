package cli

import (
	"fmt"

	"github.com/harun/curie/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Curie HTTP server",
	Long: `Run the Curie HTTP server in the foreground.
The server answers chat turns on /chat, /chat/stream and /ws until it
receives SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}

	if pid, running := daemon.IsRunning(cfg.DataDir); running {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Curie listening on %s\n", d.Status().Addr)
	d.Wait()
	return nil
}
