// Package syncer composes the local cache, the relational remote store
// and the blob store into the offline-first sync workflows: hydrate and
// merge on load, dual-write with per-entity debounced pushes on save.
//
// The local cache is always authoritative for the caller: every write
// lands there synchronously before anything touches the network, and
// every remote failure degrades to the local snapshot with a warning.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	curioerr "github.com/alexjbarnes/curio/internal/errors"
	"github.com/alexjbarnes/curio/internal/logging"
	"github.com/alexjbarnes/curio/internal/merge"
	"github.com/alexjbarnes/curio/internal/models"
	"github.com/alexjbarnes/curio/internal/remote"
	"github.com/alexjbarnes/curio/internal/store"
	"github.com/alexjbarnes/curio/internal/templates"
)

const (
	// defaultDebounceWindow is how long a locally-edited entity waits
	// before its remote push fires. A newer edit within the window
	// supersedes the pending push, so only the latest state is sent.
	defaultDebounceWindow = 1500 * time.Millisecond

	// refreshDebounceWindow coalesces bursts of change-feed
	// notifications into a single re-hydrate.
	refreshDebounceWindow = 2 * time.Second

	// knownRemoteIDsKey is the settings key holding the id set seen in
	// the previous remote fetch. Diffing it against the newest fetch
	// yields the deletion markers, so it must survive restarts.
	knownRemoteIDsKey = "remote_ids"
)

// RemoteStore is the relational tier as the orchestrator sees it.
// *remote.Store satisfies this interface.
type RemoteStore interface {
	FetchCollections(ctx context.Context, userID string, includePublic bool) ([]models.Collection, error)
	SaveCollection(ctx context.Context, c models.Collection) error
	SaveItem(ctx context.Context, it models.Item) error
	DeleteItem(ctx context.Context, itemID string) error
	DeleteCollection(ctx context.Context, collectionID string) error
}

// BlobStore is the asset tier as the orchestrator sees it.
// *remote.BlobClient satisfies this interface.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte) error
	Download(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// Config holds the orchestrator's dependencies. Remote and Blobs may be
// nil, in which case the syncer runs local-only.
type Config struct {
	Store  *store.Store
	Remote RemoteStore
	Blobs  BlobStore

	UserID        string
	IncludePublic bool

	// DebounceWindow overrides the default remote-push coalescing
	// window. Zero means the default.
	DebounceWindow time.Duration

	// Schemas resolves template ids to default field schemas during
	// merge normalization. Nil means the built-in template registry.
	Schemas merge.SchemaResolver

	Logger *slog.Logger
}

type pendingPush struct {
	timer *time.Timer
	fn    func(context.Context) error
}

// Syncer orchestrates the two storage tiers.
type Syncer struct {
	store   *store.Store
	remote  RemoteStore
	blobs   BlobStore
	schemas merge.SchemaResolver
	logger  *slog.Logger

	userID        string
	includePublic bool
	debounce      time.Duration

	// writeMu serializes every local catalog mutation against the
	// hydrate cycle: a save landing while a fetch is in flight must be
	// part of the merged snapshot, not overwritten by it.
	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[string]*pendingPush
	status       map[string]Status
	refreshTimer *time.Timer

	bg sync.WaitGroup
}

// New creates a Syncer. The store handle is opened lazily on first use.
func New(cfg Config) *Syncer {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = defaultDebounceWindow
	}

	if cfg.Schemas == nil {
		cfg.Schemas = templates.Schema
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Syncer{
		store:         cfg.Store,
		remote:        cfg.Remote,
		blobs:         cfg.Blobs,
		schemas:       cfg.Schemas,
		logger:        cfg.Logger,
		userID:        cfg.UserID,
		includePublic: cfg.IncludePublic,
		debounce:      cfg.DebounceWindow,
		pending:       make(map[string]*pendingPush),
		status:        make(map[string]Status),
	}
}

// Online reports whether a remote tier is configured.
func (s *Syncer) Online() bool {
	return s.remote != nil
}

// LoadCollections returns the freshest consistent view of the catalog.
// When the remote tier is reachable it fetches the authoritative
// snapshot, diffs the previously-known remote id set into deletion
// markers, merges, persists the merged result as the new local snapshot
// and returns it. Any remote failure falls back to the local-only
// snapshot; only a local transaction failure is an error.
func (s *Syncer) LoadCollections(ctx context.Context) ([]models.Collection, error) {
	if s.remote == nil {
		local, err := s.store.Collections()
		if err != nil {
			return nil, fmt.Errorf("reading local snapshot: %w", err)
		}

		return local, nil
	}

	cloud, err := s.remote.FetchCollections(ctx, s.userID, s.includePublic)
	if err != nil {
		s.logger.Warn("remote fetch failed, serving local snapshot",
			slog.String("error", err.Error()),
		)

		local, lerr := s.store.Collections()
		if lerr != nil {
			return nil, fmt.Errorf("reading local snapshot: %w", lerr)
		}

		return local, nil
	}

	// The local snapshot is read under the write lock, after the fetch
	// returns, so writes that landed during the fetch are merged rather
	// than replaced.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	local, err := s.store.Collections()
	if err != nil {
		return nil, fmt.Errorf("reading local snapshot: %w", err)
	}

	prev := s.loadKnownRemoteIDs()
	current := remoteIDSet(cloud)

	var deletedIDs []string

	for id := range prev {
		if _, still := current[id]; !still {
			deletedIDs = append(deletedIDs, id)
		}
	}

	merged := merge.MergeCollections(local, cloud, merge.NewDeletedSet(deletedIDs...), s.schemas)

	if err := s.store.ReplaceCollections(merged); err != nil {
		return nil, fmt.Errorf("persisting merged snapshot: %w", err)
	}

	s.saveKnownRemoteIDs(current)

	s.logger.Info("collections hydrated",
		slog.Int("local", len(local)),
		slog.Int("cloud", len(cloud)),
		slog.Int("deleted", len(deletedIDs)),
		slog.Int("merged", len(merged)),
	)

	return merged, nil
}

// SaveCollection writes the collection to the local cache synchronously
// and schedules a debounced remote push carrying the latest state.
func (s *Syncer) SaveCollection(ctx context.Context, c models.Collection) (models.Collection, error) {
	if c.ID == "" {
		c.ID = models.NewID()
	}

	if c.UserID == "" {
		c.UserID = s.userID
	}

	if c.CreatedAt == "" {
		c.CreatedAt = models.Now()
	} else {
		c.UpdatedAt = models.Now()
	}

	schema := s.collectionSchema(c)
	for _, it := range c.Items {
		if err := it.Validate(schema); err != nil {
			return models.Collection{}, fmt.Errorf("validating collection %s: %w", c.ID, err)
		}
	}

	s.writeMu.Lock()
	err := s.store.PutCollection(c)
	s.writeMu.Unlock()

	if err != nil {
		return models.Collection{}, fmt.Errorf("writing collection locally: %w", err)
	}

	s.schedulePush(c.ID, func(ctx context.Context) error {
		return s.remote.SaveCollection(ctx, c)
	})

	return c, nil
}

// SaveItem writes the item into its collection document synchronously
// and schedules a debounced remote push for the item. The item is
// validated against the owning collection's schema first.
func (s *Syncer) SaveItem(ctx context.Context, it models.Item) (models.Item, error) {
	if it.ID == "" {
		it.ID = models.NewID()
	}

	if it.UserID == "" {
		it.UserID = s.userID
	}

	if it.CreatedAt == "" {
		it.CreatedAt = models.Now()
	} else {
		it.UpdatedAt = models.Now()
	}

	// The collection document is read, modified and rewritten as one
	// unit; without the lock two concurrent saves into one collection
	// could drop each other's item.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c, err := s.store.Collection(it.CollectionID)
	if err != nil {
		return models.Item{}, fmt.Errorf("loading collection %s: %w", it.CollectionID, err)
	}

	if err := it.Validate(s.collectionSchema(*c)); err != nil {
		return models.Item{}, err
	}

	replaced := false

	for i := range c.Items {
		if c.Items[i].ID == it.ID {
			c.Items[i] = it
			replaced = true

			break
		}
	}

	if !replaced {
		c.Items = append(c.Items, it)
	}

	if err := s.store.PutCollection(*c); err != nil {
		return models.Item{}, fmt.Errorf("writing item locally: %w", err)
	}

	s.schedulePush(it.ID, func(ctx context.Context) error {
		return s.remote.SaveItem(ctx, it)
	})

	return it, nil
}

// DeleteItem removes the item from the local cache synchronously
// (including its cached assets) and issues a best-effort remote delete.
func (s *Syncer) DeleteItem(ctx context.Context, collectionID, itemID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c, err := s.store.Collection(collectionID)
	if err != nil {
		return fmt.Errorf("loading collection %s: %w", collectionID, err)
	}

	found := false
	kept := c.Items[:0]

	for _, it := range c.Items {
		if it.ID == itemID {
			found = true
			continue
		}

		kept = append(kept, it)
	}

	if !found {
		return curioerr.ErrItemNotFound
	}

	c.Items = kept

	if err := s.store.PutCollection(*c); err != nil {
		return fmt.Errorf("removing item locally: %w", err)
	}

	if err := s.store.DeleteAsset(itemID); err != nil {
		return fmt.Errorf("removing cached assets: %w", err)
	}

	s.cancelPush(itemID)

	if s.remote != nil {
		s.background("delete item remotely", func(ctx context.Context) error {
			return s.remote.DeleteItem(ctx, itemID)
		})
	}

	s.deleteRemoteAssets(itemID)

	return nil
}

// DeleteCollection removes the collection document and its items' cached
// assets synchronously, then issues a best-effort remote delete.
func (s *Syncer) DeleteCollection(ctx context.Context, collectionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c, err := s.store.Collection(collectionID)
	if err != nil {
		return fmt.Errorf("loading collection %s: %w", collectionID, err)
	}

	if err := s.store.DeleteCollection(collectionID); err != nil {
		return fmt.Errorf("removing collection locally: %w", err)
	}

	s.cancelPush(collectionID)

	for _, it := range c.Items {
		if err := s.store.DeleteAsset(it.ID); err != nil {
			s.logger.Warn("removing cached assets",
				slog.String("item", it.ID),
				slog.String("error", err.Error()),
			)
		}

		s.cancelPush(it.ID)
		s.deleteRemoteAssets(it.ID)
	}

	if s.remote != nil {
		s.background("delete collection remotely", func(ctx context.Context) error {
			return s.remote.DeleteCollection(ctx, collectionID)
		})
	}

	return nil
}

// collectionSchema returns the collection's effective field schema,
// falling back to its template when the persisted schema is missing.
func (s *Syncer) collectionSchema(c models.Collection) []models.FieldDef {
	if len(c.Settings.Fields) > 0 {
		return c.Settings.Fields
	}

	return s.schemas(c.TemplateID)
}

// schedulePush arms (or re-arms) the debounced remote push for an
// entity id. A pending push for the same id is superseded, never
// queued; pushes for different ids proceed independently.
func (s *Syncer) schedulePush(id string, fn func(context.Context) error) {
	if s.remote == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[id]; ok {
		p.timer.Stop()
	}

	p := &pendingPush{fn: fn}
	p.timer = time.AfterFunc(s.debounce, func() { s.firePush(id) })
	s.pending[id] = p

	s.status[id] = StatusPending
}

// cancelPush drops any pending debounced push for an id. Used when the
// entity is deleted before the window elapses.
func (s *Syncer) cancelPush(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[id]; ok {
		p.timer.Stop()
		delete(s.pending, id)
	}

	delete(s.status, id)
}

// firePush runs the pending push for an id. There is no cancellation of
// an in-flight push and no timeout: a failure is logged, recorded as
// retry state, and leaves the local cache untouched.
func (s *Syncer) firePush(id string) {
	s.mu.Lock()

	p, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	delete(s.pending, id)
	s.mu.Unlock()

	s.runPush(id, p.fn)
}

func (s *Syncer) runPush(id string, fn func(context.Context) error) {
	err := fn(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer edit may have re-armed the push while this one was in
	// flight; its pending state wins over this outcome.
	if _, rearmed := s.pending[id]; rearmed {
		return
	}

	if err != nil {
		s.status[id] = StatusRetry
		s.logger.Warn("remote push failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	s.status[id] = StatusSynced
	s.logger.Debug("remote push complete", slog.String("id", id))
}

// Flush fires every pending debounced push immediately and waits for
// background remote work to settle. Called on shutdown.
func (s *Syncer) Flush(ctx context.Context) {
	s.mu.Lock()

	flushing := make(map[string]func(context.Context) error, len(s.pending))

	for id, p := range s.pending {
		p.timer.Stop()
		flushing[id] = p.fn
		delete(s.pending, id)
	}

	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}

	s.mu.Unlock()

	for id, fn := range flushing {
		s.runPush(id, fn)
	}

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("flush abandoned before background pushes settled")
	}
}

// ScheduleRefresh coalesces change-feed notifications into one
// re-hydrate after a quiet period.
func (s *Syncer) ScheduleRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}

	s.refreshTimer = time.AfterFunc(refreshDebounceWindow, func() {
		s.mu.Lock()
		s.refreshTimer = nil
		s.mu.Unlock()

		if _, err := s.LoadCollections(context.Background()); err != nil {
			s.logger.Warn("refresh after change notification failed",
				slog.String("error", err.Error()),
			)
		}
	})
}

// background runs fn on its own goroutine, logging a warning on error.
// Used for best-effort remote work that must never block the caller.
func (s *Syncer) background(op string, fn func(context.Context) error) {
	s.bg.Add(1)

	go func() {
		defer s.bg.Done()

		if err := fn(context.Background()); err != nil {
			s.logger.Warn(op, slog.String("error", err.Error()))
		}
	}()
}

// remoteIDSet collects every collection and item id present in a remote
// fetch. Ids that later disappear from this set are the deletion
// markers the merge engine consumes.
func remoteIDSet(collections []models.Collection) map[string]struct{} {
	ids := make(map[string]struct{}, len(collections))

	for _, c := range collections {
		ids[c.ID] = struct{}{}

		for _, it := range c.Items {
			ids[it.ID] = struct{}{}
		}
	}

	return ids
}

func (s *Syncer) loadKnownRemoteIDs() map[string]struct{} {
	data, err := s.store.Setting(knownRemoteIDsKey)
	if err != nil || data == nil {
		return nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn("corrupt known-remote id set, discarding",
			slog.String("error", err.Error()),
		)

		return nil
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}

func (s *Syncer) saveKnownRemoteIDs(ids map[string]struct{}) {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}

	data, err := json.Marshal(list)
	if err == nil {
		err = s.store.PutSetting(knownRemoteIDsKey, data)
	}

	if err != nil {
		s.logger.Warn("persisting known-remote id set",
			slog.String("error", err.Error()),
		)
	}
}

// deleteRemoteAssets issues best-effort blob deletes for both variants.
func (s *Syncer) deleteRemoteAssets(itemID string) {
	if s.blobs == nil {
		return
	}

	for _, variant := range []models.AssetVariant{models.VariantOriginal, models.VariantDisplay} {
		path := remote.AssetPath(s.userID, itemID, variant)

		s.background("delete remote asset "+path, func(ctx context.Context) error {
			err := s.blobs.Delete(ctx, path)
			if errors.Is(err, curioerr.ErrAssetNotFound) {
				return nil
			}

			return err
		})
	}
}
