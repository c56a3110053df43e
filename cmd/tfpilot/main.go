package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/izavyalov-dev/tfpilot/engine"
	"github.com/izavyalov-dev/tfpilot/internal/artifacts"
	"github.com/izavyalov-dev/tfpilot/internal/observability"
	"github.com/izavyalov-dev/tfpilot/internal/vcs/github"
	"github.com/izavyalov-dev/tfpilot/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	case "sync":
		if err := runSync(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: tfpilot <serve|sync> [flags]")
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN; empty runs the in-memory store")
	listen := flags.String("listen", ":8080", "Listen address")
	webhookSecret := flags.String("webhook-secret", os.Getenv("TFPILOT_WEBHOOK_SECRET"), "GitHub webhook HMAC secret")
	token := flags.String("github-token", os.Getenv("GITHUB_TOKEN"), "GitHub token; ignored when app credentials are set")
	appID := flags.String("github-app-id", os.Getenv("GITHUB_APP_ID"), "GitHub App id")
	installationID := flags.String("github-installation-id", os.Getenv("GITHUB_INSTALLATION_ID"), "GitHub App installation id")
	appKeyPath := flags.String("github-app-key", os.Getenv("GITHUB_APP_KEY_PATH"), "Path to the GitHub App private key PEM")
	apiBaseURL := flags.String("github-api-url", "", "GitHub API base URL override")
	s3Bucket := flags.String("s3-bucket", os.Getenv("TFPILOT_S3_BUCKET"), "S3 bucket for attempt archival; empty disables archival")
	s3Prefix := flags.String("s3-prefix", os.Getenv("TFPILOT_S3_PREFIX"), "S3 key prefix for attempt archival")
	s3Region := flags.String("s3-region", os.Getenv("AWS_REGION"), "S3 region for attempt archival")
	resyncInterval := flags.Duration("resync-interval", 60*time.Second, "Background resync sweep interval; 0 disables the sweeper")
	_ = flags.Parse(args)

	if *webhookSecret == "" {
		return errors.New("webhook-secret or TFPILOT_WEBHOOK_SECRET required")
	}

	ctx := context.Background()
	logger := observability.NewLogger("tfpilot")

	store, runs, deliveries, closeDB, err := buildStores(ctx, *databaseURL, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	client, err := buildGitHubClient(*token, *appID, *installationID, *appKeyPath, *apiBaseURL)
	if err != nil {
		return err
	}

	opts := engine.Options{
		Config:  engine.DefaultConfig(),
		Clock:   engine.SystemClock(),
		Metrics: observability.NewMetrics(nil),
		Logger:  observability.NewLogger("tfpilot.engine"),
	}
	if *s3Bucket != "" {
		archiver, err := artifacts.NewS3Archiver(ctx, artifacts.S3Config{
			Bucket: *s3Bucket,
			Prefix: *s3Prefix,
			Region: *s3Region,
		})
		if err != nil {
			return err
		}
		opts.Archiver = archiver
	}

	service := engine.NewService(store, runs, deliveries, client, opts)
	handler := engine.NewHTTPHandler(service, *webhookSecret, observability.NewLogger("tfpilot.http"))

	if *resyncInterval > 0 {
		stop := startResyncSweeper(service, observability.NewLogger("tfpilot.sweeper"), *resyncInterval)
		defer close(stop)
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("server starting", "event", "server_starting", "listen", *listen)
	return server.ListenAndServe()
}

// runSync performs a one-shot sync of a single request against a running
// database, useful for debugging a stuck request without going through the
// HTTP surface.
func runSync(args []string) error {
	flags := flag.NewFlagSet("sync", flag.ExitOnError)
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	requestID := flags.String("request-id", "", "Request id to sync")
	token := flags.String("github-token", os.Getenv("GITHUB_TOKEN"), "GitHub token")
	apiBaseURL := flags.String("github-api-url", "", "GitHub API base URL override")
	repair := flags.Bool("repair", true, "Bypass cooldowns")
	hydrate := flags.Bool("hydrate", false, "Refresh pull request facts")
	_ = flags.Parse(args)

	if *databaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}
	if *requestID == "" {
		return errors.New("request-id required")
	}

	ctx := context.Background()
	logger := observability.NewLogger("tfpilot.sync")

	store, runs, deliveries, closeDB, err := buildStores(ctx, *databaseURL, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	client, err := buildGitHubClient(*token, "", "", "", *apiBaseURL)
	if err != nil {
		return err
	}

	service := engine.NewService(store, runs, deliveries, client, engine.Options{Logger: logger})
	result, err := service.Sync(ctx, *requestID, engine.SyncOptions{Repair: *repair, Hydrate: *hydrate})
	if err != nil {
		return err
	}
	logger.Info("sync complete",
		"request_id", *requestID, "status", string(result.Status), "mode", result.Sync.Mode, "degraded", result.Sync.Degraded)
	return nil
}

func buildStores(ctx context.Context, databaseURL string, logger *slog.Logger) (state.Store, state.RunIndex, state.DeliveryLedger, func(), error) {
	if databaseURL == "" {
		logger.Warn("no database configured, using in-memory state")
		return state.NewMemoryStore(), state.NewMemoryRunIndex(), state.NewMemoryDeliveryLedger(), func() {}, nil
	}
	db, err := openDB(ctx, databaseURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := state.ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, nil, nil, nil, err
	}
	closeDB := func() { _ = db.Close() }
	return state.NewPostgresStore(db), state.NewPostgresRunIndex(db), state.NewPostgresDeliveryLedger(db), closeDB, nil
}

func buildGitHubClient(token, appID, installationID, appKeyPath, apiBaseURL string) (*github.Client, error) {
	var client *github.Client
	if appID != "" && installationID != "" && appKeyPath != "" {
		pem, err := os.ReadFile(appKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read app key: %w", err)
		}
		provider, err := github.NewAppTokenProvider(appID, installationID, pem, apiBaseURL)
		if err != nil {
			return nil, err
		}
		client = github.NewClientWithTokens(provider)
	} else {
		if token == "" {
			return nil, errors.New("github-token or GITHUB_TOKEN required when app credentials are not set")
		}
		client = github.NewClient(token)
	}
	if apiBaseURL != "" {
		client.BaseURL = apiBaseURL
	}
	return client, nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func startResyncSweeper(service *engine.Service, logger *slog.Logger, interval time.Duration) chan struct{} {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				repaired, err := service.ResyncAll(context.Background())
				if err != nil {
					logger.Error("resync sweep failed", "event", "resync_sweep_failed", "error", err)
				} else if repaired > 0 {
					logger.Info("resync sweep completed", "event", "resync_sweep_completed", "repaired", repaired)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
