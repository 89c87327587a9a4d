package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/curio/internal/config"
	"github.com/alexjbarnes/curio/internal/extract"
	"github.com/alexjbarnes/curio/internal/imaging"
	"github.com/alexjbarnes/curio/internal/inbox"
	"github.com/alexjbarnes/curio/internal/logging"
	"github.com/alexjbarnes/curio/internal/mcpserver"
	"github.com/alexjbarnes/curio/internal/models"
	"github.com/alexjbarnes/curio/internal/remote"
	"github.com/alexjbarnes/curio/internal/store"
	"github.com/alexjbarnes/curio/internal/syncer"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("curio starting",
		slog.String("version", Version),
		slog.Bool("online", cfg.Online()),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(cfg.StorePath())
	defer st.Close()

	userID := "local"
	var remoteStore syncer.RemoteStore
	var blobs syncer.BlobStore

	if cfg.Online() {
		if id, ok := resolveSession(cfg.SessionToken, logger); ok {
			userID = id

			// An unreachable remote tier is never fatal: the app runs
			// against the local cache and reconciles later.
			rs, err := remote.OpenStore(ctx, cfg.DatabaseURL, cfg.TrustClientTime)
			if err != nil {
				logger.Warn("remote store unreachable, running local-only",
					slog.String("error", err.Error()),
				)
			} else {
				defer rs.Close()

				if err := rs.Migrate(ctx); err != nil {
					logger.Warn("remote migration failed, running local-only",
						slog.String("error", err.Error()),
					)
				} else {
					remoteStore = rs
					blobs = remote.NewBlobClient(cfg.BlobURL, cfg.SessionToken, nil)
				}
			}
		}
	}

	sync := syncer.New(syncer.Config{
		Store:          st,
		Remote:         remoteStore,
		Blobs:          blobs,
		UserID:         userID,
		IncludePublic:  cfg.IncludePublic,
		DebounceWindow: cfg.DebounceWindow(),
		Logger:         logger,
	})

	if _, err := sync.LoadCollections(ctx); err != nil {
		return fmt.Errorf("hydrating catalog: %w", err)
	}

	if err := sync.EnsureSeed(ctx); err != nil {
		return fmt.Errorf("seeding starter catalog: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	ingestor := &photoIngestor{sync: sync, userID: userID, logger: logger}
	if cfg.ExtractorURL != "" {
		ingestor.extractor = extract.NewClient(cfg.ExtractorURL, nil)
	}

	watcher, err := inbox.NewWatcher(cfg.InboxDir, ingestor, logger)
	if err != nil {
		return fmt.Errorf("creating inbox watcher: %w", err)
	}

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	if cfg.RealtimeURL != "" && remoteStore != nil {
		listener := remote.NewListener(cfg.RealtimeURL, cfg.SessionToken, func(ev remote.ChangeEvent) {
			logger.Debug("remote change",
				slog.String("table", ev.Table),
				slog.String("op", ev.Op),
				slog.String("id", ev.ID),
			)
			sync.ScheduleRefresh()
		}, logger)

		g.Go(func() error {
			return listener.Listen(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, sync, logger)
		})
	}

	err = g.Wait()

	// Push whatever is still debounced before exiting.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sync.Flush(flushCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// resolveSession extracts the user id from the configured session
// token. A malformed or expired token runs the daemon local-only, the
// same degradation as an unreachable remote tier, instead of failing
// startup.
func resolveSession(token string, logger *slog.Logger) (string, bool) {
	session, err := remote.ParseSession(token)
	if err != nil {
		logger.Warn("session token rejected, running local-only",
			slog.String("error", err.Error()),
		)

		return "", false
	}

	logger.Info("session loaded", slog.String("user", session.UserID))

	return session.UserID, true
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, sync *syncer.Syncer, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "curio-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sync)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)

	server := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// inboxSeedKey identifies the collection that receives drop-folder
// photos, so every device funnels them into the same collection.
const inboxSeedKey = "inbox"

// photoIngestor turns a dropped photo into a cataloged item: derive the
// display variant, optionally ask the extraction service for metadata,
// create the item and store both asset variants.
type photoIngestor struct {
	sync      *syncer.Syncer
	extractor *extract.Client
	userID    string
	logger    *slog.Logger
}

func (p *photoIngestor) IngestPhoto(ctx context.Context, filename string, data []byte) error {
	display, err := imaging.Display(data)
	if err != nil {
		return fmt.Errorf("deriving display variant: %w", err)
	}

	coll, err := p.inboxCollection(ctx)
	if err != nil {
		return err
	}

	item := models.Item{
		CollectionID: coll.ID,
		Title:        strings.TrimSuffix(filename, filepath.Ext(filename)),
	}

	if p.extractor != nil {
		suggestion, err := p.extractor.Extract(ctx, data, coll.TemplateID)
		if err != nil {
			p.logger.Warn("metadata extraction failed",
				slog.String("file", filename),
				slog.String("error", err.Error()),
			)
		} else {
			if suggestion.Title != "" {
				item.Title = suggestion.Title
			}

			item.Notes = suggestion.Notes
		}
	}

	item.ID = models.NewID()
	item.PhotoPath = remote.AssetPath(p.userID, item.ID, models.VariantOriginal)
	item.DisplayPhotoPath = remote.AssetPath(p.userID, item.ID, models.VariantDisplay)

	saved, err := p.sync.SaveItem(ctx, item)
	if err != nil {
		return fmt.Errorf("cataloging photo: %w", err)
	}

	if err := p.sync.SaveAsset(ctx, saved.ID, data, display); err != nil {
		return fmt.Errorf("storing photo: %w", err)
	}

	return nil
}

// inboxCollection finds the drop-folder collection, creating it on
// first use.
func (p *photoIngestor) inboxCollection(ctx context.Context) (*models.Collection, error) {
	collections, err := p.sync.LoadCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	for _, c := range collections {
		if c.SeedKey == inboxSeedKey {
			return &c, nil
		}
	}

	created, err := p.sync.SaveCollection(ctx, models.Collection{
		Name:    "Inbox",
		Icon:    "📥",
		SeedKey: inboxSeedKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating inbox collection: %w", err)
	}

	return &created, nil
}
