package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"

	"github.com/psyho/psyho/pkg/apps"
	"github.com/psyho/psyho/pkg/auth"
	"github.com/psyho/psyho/pkg/checks"
	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/db"
	"github.com/psyho/psyho/pkg/service"
	"github.com/psyho/psyho/pkg/session"
	"github.com/psyho/psyho/pkg/staticfiles"
)

// ErrSystemCheck is returned when checks report issues at or above the
// failure level.
var ErrSystemCheck = errors.New("system check identified problems")

// superuserPasswordEnv supplies the password for createsuperuser --noinput.
const superuserPasswordEnv = "PSYHO_SUPERUSER_PASSWORD"

var (
	noReload   bool
	insecure   bool
	skipChecks bool

	checkDeploy    bool
	checkFailLevel string

	collectClear  bool
	collectDryRun bool

	superuserName  string
	superuserEmail string
	noInput        bool

	diffAll bool
)

var runserverCmd = &cobra.Command{
	Use:   "runserver [addr:port]",
	Short: "Start the HTTP server",
	Long: `Starts the server on server.host:server.port, or on the given address.

In DEBUG the config file is watched and the server restarts with fresh
settings when it changes.

Examples:
  psyho runserver
  psyho runserver 8080
  psyho runserver 0.0.0.0:8000`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServer,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Inspect the settings for common problems",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the tables of the installed apps",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var collectstaticCmd = &cobra.Command{
	Use:   "collectstatic",
	Short: "Copy static files from STATICFILES_DIRS into STATIC_ROOT",
	Args:  cobra.NoArgs,
	RunE:  runCollectstatic,
}

var createsuperuserCmd = &cobra.Command{
	Use:   "createsuperuser",
	Short: "Create a user with staff and superuser rights",
	Long: `Creates a superuser for the admin site.

With --noinput the username comes from --username and the password from
$PSYHO_SUPERUSER_PASSWORD; without a password the user cannot log in.`,
	Args: cobra.NoArgs,
	RunE: runCreatesuperuser,
}

var showurlsCmd = &cobra.Command{
	Use:   "showurls",
	Short: "List the URL table in match order",
	Args:  cobra.NoArgs,
	RunE:  runShowurls,
}

var diffsettingsCmd = &cobra.Command{
	Use:   "diffsettings",
	Short: "Show settings that differ from the defaults",
	Long:  `Changed settings are marked with ###.`,
	Args:  cobra.NoArgs,
	RunE:  runDiffsettings,
}

var clearsessionsCmd = &cobra.Command{
	Use:   "clearsessions",
	Short: "Delete expired sessions",
	Long: `Deletes expired rows from the session table. Run it from cron when
session.engine is db; redis expires cache sessions by itself.`,
	Args: cobra.NoArgs,
	RunE: runClearsessions,
}

var initconfigCmd = &cobra.Command{
	Use:   "initconfig",
	Short: "Write the default config file if none exists",
	Args:  cobra.NoArgs,
	RunE:  runInitconfig,
}

func init() {
	runserverCmd.Flags().BoolVar(&noReload, "noreload", false, "Do not restart the server when the config file changes")
	runserverCmd.Flags().BoolVar(&insecure, "insecure", false, "Serve static files even if DEBUG is off")
	runserverCmd.Flags().BoolVar(&skipChecks, "skip-checks", false, "Skip system checks")

	checkCmd.Flags().BoolVar(&checkDeploy, "deploy", false, "Check deployment settings")
	checkCmd.Flags().StringVar(&checkFailLevel, "fail-level", "ERROR", "Message level that makes the command exit non-zero (DEBUG, INFO, WARNING, ERROR, CRITICAL)")

	collectstaticCmd.Flags().BoolVar(&collectClear, "clear", false, "Clear STATIC_ROOT before copying")
	collectstaticCmd.Flags().BoolVarP(&collectDryRun, "dry-run", "n", false, "Report what would be done without changing files")

	createsuperuserCmd.Flags().StringVar(&superuserName, "username", "", "Username of the superuser")
	createsuperuserCmd.Flags().StringVar(&superuserEmail, "email", "", "Email address of the superuser")
	createsuperuserCmd.Flags().BoolVar(&noInput, "noinput", false, "Do not prompt for input")

	diffsettingsCmd.Flags().BoolVar(&diffAll, "all", false, "List every setting, not only changed ones")
}

// withAddr returns a copy of s listening on addr ("port", "host:port" or
// "[v6]:port").
func withAddr(s *config.Settings, addr string) (*config.Settings, error) {
	host, portStr := s.Server.Host, addr
	if strings.Contains(addr, ":") {
		var err error
		host, portStr, err = net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("%q is not a valid port number or address:port pair", addr)
		}
		if host == "" {
			host = s.Server.Host
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("%q is not a valid port number", portStr)
	}
	cp := *s
	cp.Server = config.ServerConfig{Host: host, Port: port}
	return &cp, nil
}

// reportChecks prints the check messages for s and returns ErrSystemCheck
// if any is at or above level.
func reportChecks(w io.Writer, s *config.Settings, deploy bool, level checks.Level) error {
	msgs := checks.Run(s, deploy)
	if len(msgs) == 0 {
		fmt.Fprintln(w, "System check identified no issues (0 silenced).")
		return nil
	}
	fmt.Fprintln(w, "System check identified some issues:")
	for _, m := range msgs {
		fmt.Fprintf(w, "\n%s: %s\n", m.Level, m)
	}
	plural := "s"
	if len(msgs) == 1 {
		plural = ""
	}
	fmt.Fprintf(w, "\nSystem check identified %d issue%s (0 silenced).\n", len(msgs), plural)
	if checks.Failed(msgs, level) {
		return ErrSystemCheck
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	addr := ""
	if len(args) == 1 {
		addr = args[0]
	}
	reread := false
	load := func() (*config.Settings, error) {
		s := settings
		if reread {
			var err error
			if s, _, err = config.Load(settingsFile); err != nil {
				return nil, err
			}
		}
		if addr != "" {
			var err error
			if s, err = withAddr(s, addr); err != nil {
				return nil, err
			}
		}
		if !skipChecks {
			if err := reportChecks(cmd.ErrOrStderr(), s, false, checks.Error); err != nil {
				return nil, err
			}
		}
		return s, nil
	}

	s, err := load()
	if err != nil {
		return err
	}
	opts := ServerOptions{Insecure: insecure}
	if !s.Debug || noReload {
		return serve(cmd.Context(), s, opts, logger)
	}
	reread = true
	return serveWithReload(cmd.Context(), settingsFile, s, load, opts, logger)
}

func serve(ctx context.Context, s *config.Settings, opts ServerOptions, log *slog.Logger) error {
	server, err := NewServer(s, opts, log)
	if err != nil {
		return err
	}
	defer server.Close()
	return server.Run(ctx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	level, err := checks.ParseLevel(checkFailLevel)
	if err != nil {
		return err
	}
	return reportChecks(cmd.OutOrStdout(), settings, checkDeploy, level)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := reportChecks(cmd.ErrOrStderr(), settings, false, checks.Error); err != nil {
		return err
	}
	return migrate(cmd.Context(), cmd.OutOrStdout(), settings, logger)
}

// migrate creates the installed apps' tables and syncs their content types.
func migrate(ctx context.Context, w io.Writer, s *config.Settings, log *slog.Logger) error {
	registry, err := apps.Populate(s)
	if err != nil {
		return err
	}
	gdb, err := db.Open(s.Database, s.BaseDir, log)
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}

	fmt.Fprintln(w, "Operations to perform:")
	var labels []string
	for _, a := range registry.Apps() {
		if len(a.Models) > 0 {
			labels = append(labels, a.Label)
		}
	}
	fmt.Fprintf(w, "  Apply all migrations: %s\n", strings.Join(labels, ", "))
	if err := db.Migrate(gdb, registry.Models()...); err != nil {
		return err
	}
	created, err := service.NewContentTypeService(gdb).Sync(ctx, registry.Apps())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Migrated %d tables, %d new content types.\n", len(registry.Models()), created)
	return nil
}

func runCollectstatic(cmd *cobra.Command, args []string) error {
	return collectstatic(cmd.OutOrStdout(), settings, staticfiles.CollectOptions{Clear: collectClear, DryRun: collectDryRun}, logger)
}

func collectstatic(w io.Writer, s *config.Settings, opts staticfiles.CollectOptions, log *slog.Logger) error {
	res, err := staticfiles.Collect(staticfiles.NewFinder(s.StaticfilesDirs), s.StaticRoot, opts, log)
	if err != nil {
		return err
	}
	prefix := ""
	if opts.DryRun {
		prefix = "Pretending to be run. Nothing was changed. "
	}
	if opts.Clear {
		fmt.Fprintf(w, "%sDeleted %d files from %s.\n", prefix, res.Deleted, res.Root)
	}
	fmt.Fprintf(w, "%s%d static files copied to %s, %d unmodified.\n", prefix, len(res.Copied), res.Root, len(res.Skipped))
	return nil
}

func runCreatesuperuser(cmd *cobra.Command, args []string) error {
	username, email, password := superuserName, superuserEmail, os.Getenv(superuserPasswordEnv)
	if !noInput {
		var err error
		if username, email, password, err = promptSuperuser(cmd.InOrStdin(), cmd.OutOrStdout(), username, email); err != nil {
			return err
		}
	} else if username == "" {
		return errors.New("you must use --username with --noinput")
	}
	return createSuperuser(cmd.Context(), cmd.OutOrStdout(), settings, username, email, password, logger)
}

func promptSuperuser(in io.Reader, out io.Writer, username, email string) (string, string, string, error) {
	r := bufio.NewReader(in)
	ask := func(label, current string) (string, error) {
		if current != "" {
			return current, nil
		}
		fmt.Fprintf(out, "%s: ", label)
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	username, err := ask("Username", username)
	if err != nil {
		return "", "", "", err
	}
	if email, err = ask("Email address", email); err != nil {
		return "", "", "", err
	}

	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		password, err := ask("Password", "")
		return username, email, password, err
	}
	fmt.Fprint(out, "Password: ")
	first, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", "", "", err
	}
	fmt.Fprint(out, "Password (again): ")
	second, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", "", "", err
	}
	if string(first) != string(second) {
		return "", "", "", errors.New("your passwords didn't match")
	}
	return username, email, string(first), nil
}

func createSuperuser(ctx context.Context, w io.Writer, s *config.Settings, username, email, password string, log *slog.Logger) error {
	gdb, err := db.Open(s.Database, s.BaseDir, log)
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	if _, err := service.NewUserService(gdb, auth.DefaultHashers()).CreateSuperuser(ctx, username, email, password); err != nil {
		return fmt.Errorf("create superuser: %w", err)
	}
	fmt.Fprintln(w, "Superuser created successfully.")
	return nil
}

func runClearsessions(cmd *cobra.Command, args []string) error {
	return clearSessions(cmd.Context(), cmd.OutOrStdout(), settings, logger)
}

// clearSessions removes expired sessions from the configured store.
func clearSessions(ctx context.Context, w io.Writer, s *config.Settings, log *slog.Logger) error {
	var (
		gdb *gorm.DB
		rdb redis.Cmdable
	)
	switch s.Session.Engine {
	case config.SessionEngineCache:
		client := session.NewRedisClient(s.Cache.Redis)
		defer client.Close()
		rdb = client
	default:
		var err error
		gdb, err = db.Open(s.Database, s.BaseDir, log)
		if err != nil {
			return err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			defer sqlDB.Close()
		}
	}
	store, err := session.NewStore(s, gdb, rdb)
	if err != nil {
		return err
	}
	n, err := store.ClearExpired(ctx)
	if err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	log.Info("Cleared expired sessions", "engine", s.Session.Engine, "deleted", n)
	fmt.Fprintf(w, "Deleted %d expired sessions.\n", n)
	return nil
}

func runInitconfig(cmd *cobra.Command, args []string) error {
	return initConfig(cmd.OutOrStdout())
}

func initConfig(w io.Writer) error {
	path, err := config.EnsureDefaultConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Config file: %s\n", path)
	return nil
}

func runShowurls(cmd *cobra.Command, args []string) error {
	return showURLs(cmd.OutOrStdout(), settings, logger)
}

func showURLs(w io.Writer, s *config.Settings, log *slog.Logger) error {
	server, err := NewServer(s, ServerOptions{}, log)
	if err != nil {
		return err
	}
	defer server.Close()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tNAME\tKIND")
	for _, r := range server.Resolver().Routes() {
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Route, name, r.Kind)
	}
	return tw.Flush()
}

func runDiffsettings(cmd *cobra.Command, args []string) error {
	for _, d := range settings.Diff(config.Default(), diffAll) {
		fmt.Fprintln(cmd.OutOrStdout(), d.String())
	}
	return nil
}
