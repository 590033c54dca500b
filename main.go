package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/utils"
)

var (
	// Global flags
	configPath string

	// Loaded by the root command before any subcommand runs.
	settings     *config.Settings
	settingsFile string
	logger       *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "psyho",
	Short: "psyho backend server and management commands",
	Long: `psyho serves the admin site, proxies the tests app and serves media
files in development.

Settings are read from ~/.psyho/config.yaml (or --config, or $PSYHO_CONFIG)
and overridden by PSYHO_* environment variables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadSettings,
}

func loadSettings(cmd *cobra.Command, args []string) error {
	s, path, err := config.Load(configPath)
	if err != nil {
		return err
	}
	settings, settingsFile = s, path
	logger = utils.InitLogger(utils.LogOptions{
		Level:  s.Logging.Level,
		Format: s.Logging.Format,
		Color:  s.Debug && isatty.IsTerminal(os.Stderr.Fd()),
		Output: cmd.ErrOrStderr(),
	})
	gin.SetMode(gin.ReleaseMode)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.psyho/config.yaml)")

	rootCmd.AddCommand(runserverCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(collectstaticCmd)
	rootCmd.AddCommand(createsuperuserCmd)
	rootCmd.AddCommand(showurlsCmd)
	rootCmd.AddCommand(diffsettingsCmd)
	rootCmd.AddCommand(clearsessionsCmd)
	rootCmd.AddCommand(initconfigCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
