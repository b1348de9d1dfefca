// Command collabdoc-server runs the real-time collaboration server, built
// on spf13/cobra the way cuemby-warren's cmd/warren is: a root command with
// serve/migrate/version subcommands and a --config flag.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Polqt/collabdoc/internal/config"
	"github.com/Polqt/collabdoc/internal/directory"
	"github.com/Polqt/collabdoc/internal/log"
	"github.com/Polqt/collabdoc/internal/metrics"
	"github.com/Polqt/collabdoc/internal/perm"
	"github.com/Polqt/collabdoc/internal/ratelimit"
	"github.com/Polqt/collabdoc/internal/room"
	"github.com/Polqt/collabdoc/internal/session"
	"github.com/Polqt/collabdoc/internal/store"
	"github.com/Polqt/collabdoc/internal/store/postgres"
	"github.com/Polqt/collabdoc/internal/store/sqlite"
	"github.com/Polqt/collabdoc/internal/store/sqlstore"
	"github.com/Polqt/collabdoc/internal/transport"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "collabdoc-server",
	Short: "collabdoc - real-time collaborative document server",
	Long: `collabdoc-server hosts multi-user editing sessions over a CRDT
document: WebSocket handshake, permission enforcement, durable update
persistence, and room-scoped broadcast.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("collabdoc-server %s (%s, built %s)\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("collabdoc-server %s (%s, built %s)\n", Version, Commit, BuildTime)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration WebSocket server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the update/snapshot schema to the configured storage backend",
	RunE:  runMigrate,
}

func openStore(ctx context.Context, cfg config.Config) (store.UpdateStore, *sql.DB, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Storage.DSN)
	case "sqlite", "":
		return sqlite.Open(ctx, cfg.Storage.DSN)
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	_, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return sqlstore.EnsureSchema(ctx, db)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	lg := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var bus room.Backplane
	if cfg.NATS.URL != "" {
		nb, err := room.NewNATSBackplane(cfg.NATS.URL)
		if err != nil {
			return err
		}
		bus = nb
	}

	hub := room.New(bus)
	rooms := room.NewManager(hub, st, "collabdoc-server", cfg.SnapshotIntervalSeconds, cfg.SnapshotAfterEditCount, nil, true)

	dir := directory.NewMemory() // stand-in for the external permission/page service (spec.md §1)
	resolver := perm.New(dir)
	limiter := ratelimit.New(cfg.RateLimitConnections, time.Duration(cfg.RateLimitWindowSeconds)*time.Second)

	deps := session.Deps{
		Rooms:     rooms,
		Hub:       hub,
		Resolver:  resolver,
		Directory: dir,
		RateLimit: limiter,
	}

	auth := func(r *http.Request) session.User {
		if uid := r.Header.Get("X-Debug-User-Id"); uid != "" {
			return session.User{ID: uid, Authenticated: true}
		}
		return session.User{}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/pages/", transport.NewHandler(deps, auth))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "ok") })

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.Handler()}

	go func() {
		lg.Info().Str("addr", cfg.Listen).Msg("collabdoc server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal().Err(err).Msg("server failed")
		}
	}()
	go func() {
		lg.Info().Str("addr", cfg.Metrics.Listen).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("metrics server failed")
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}
