package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	curioerr "github.com/alexjbarnes/curio/internal/errors"
	"github.com/alexjbarnes/curio/internal/models"
	"github.com/alexjbarnes/curio/internal/remote"
	"github.com/alexjbarnes/curio/internal/store"
	"github.com/alexjbarnes/curio/internal/templates"
)

const testUserID = "user-1"

func newTestSyncer(t *testing.T, rs RemoteStore, bs BlobStore, debounce time.Duration) *Syncer {
	t.Helper()

	st := store.New(filepath.Join(t.TempDir(), "curio.db"))
	t.Cleanup(func() { _ = st.Close() })

	return New(Config{
		Store:          st,
		Remote:         rs,
		Blobs:          bs,
		UserID:         testUserID,
		DebounceWindow: debounce,
	})
}

func ts(t *testing.T, offset time.Duration) string {
	t.Helper()

	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	return base.Add(offset).Format(time.RFC3339Nano)
}

func testCollection(id, name, createdAt string) models.Collection {
	return models.Collection{
		ID:         id,
		TemplateID: "vinyl-records",
		Name:       name,
		UserID:     testUserID,
		CreatedAt:  createdAt,
	}
}

func collectionIDs(collections []models.Collection) []string {
	ids := make([]string, 0, len(collections))
	for _, c := range collections {
		ids = append(ids, c.ID)
	}

	return ids
}

func TestLoadCollections_OfflineReturnsLocalSnapshot(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	require.NoError(t, s.store.PutCollection(testCollection("c1", "Records", ts(t, 0))))

	got, err := s.LoadCollections(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Records", got[0].Name)
	assert.False(t, s.Online())
}

func TestLoadCollections_RemoteFailureFallsBackToLocal(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	rs := NewMockRemoteStore(ctrl)
	rs.EXPECT().
		FetchCollections(gomock.Any(), testUserID, false).
		Return(nil, errors.New("connection refused"))

	s := newTestSyncer(t, rs, nil, time.Hour)

	require.NoError(t, s.store.PutCollection(testCollection("c1", "Records", ts(t, 0))))

	got, err := s.LoadCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, collectionIDs(got))
}

func TestLoadCollections_MergesAndPersists(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	shared := testCollection("shared", "Old Name", ts(t, 0))
	cloudShared := testCollection("shared", "New Name", ts(t, 0))
	cloudShared.UpdatedAt = ts(t, time.Minute)

	rs := NewMockRemoteStore(ctrl)
	rs.EXPECT().
		FetchCollections(gomock.Any(), testUserID, false).
		Return([]models.Collection{cloudShared}, nil)

	s := newTestSyncer(t, rs, nil, time.Hour)

	require.NoError(t, s.store.PutCollection(shared))
	require.NoError(t, s.store.PutCollection(testCollection("local-only", "Drafts", ts(t, time.Second))))

	got, err := s.LoadCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"shared", "local-only"}, collectionIDs(got))
	assert.Equal(t, "New Name", got[0].Name)

	persisted, err := s.store.Collections()
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestLoadCollections_DeletionMarkersSurviveRestartState(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	item := models.Item{ID: "i1", CollectionID: "c1", UserID: testUserID, Title: "First Pressing", CreatedAt: ts(t, 0)}

	withItem := testCollection("c1", "Records", ts(t, 0))
	withItem.Items = []models.Item{item}

	rs := NewMockRemoteStore(ctrl)
	gomock.InOrder(
		rs.EXPECT().
			FetchCollections(gomock.Any(), testUserID, false).
			Return([]models.Collection{withItem, testCollection("c2", "Sneakers", ts(t, 0))}, nil),
		rs.EXPECT().
			FetchCollections(gomock.Any(), testUserID, false).
			Return([]models.Collection{testCollection("c1", "Records", ts(t, 0))}, nil),
	)

	s := newTestSyncer(t, rs, nil, time.Hour)

	_, err := s.LoadCollections(context.Background())
	require.NoError(t, err)

	// Another device deletes c2 and item i1 remotely; this device also
	// has an unsynced local-only collection that must survive.
	require.NoError(t, s.store.PutCollection(testCollection("c3", "Drafts", ts(t, time.Second))))

	got, err := s.LoadCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, collectionIDs(got))
	assert.Empty(t, got[0].Items, "item deleted remotely should not resurrect")
}

func TestLoadCollections_KeepsWriteLandedDuringFetch(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	fetchStarted := make(chan struct{})
	release := make(chan struct{})

	rs := NewMockRemoteStore(ctrl)
	rs.EXPECT().
		FetchCollections(gomock.Any(), testUserID, false).
		DoAndReturn(func(context.Context, string, bool) ([]models.Collection, error) {
			close(fetchStarted)
			<-release

			return []models.Collection{testCollection("cloud", "Records", ts(t, 0))}, nil
		})

	s := newTestSyncer(t, rs, nil, time.Hour)

	type loadResult struct {
		collections []models.Collection
		err         error
	}

	done := make(chan loadResult, 1)

	go func() {
		got, err := s.LoadCollections(context.Background())
		done <- loadResult{collections: got, err: err}
	}()

	<-fetchStarted

	// A save landing while the fetch is in flight must end up in the
	// merged snapshot instead of being replaced by it.
	mid, err := s.SaveCollection(context.Background(), testCollection("", "Mid Hydrate", ""))
	require.NoError(t, err)

	close(release)

	var result loadResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("hydrate never finished")
	}

	require.NoError(t, result.err)
	assert.Contains(t, collectionIDs(result.collections), mid.ID)

	persisted, err := s.store.Collections()
	require.NoError(t, err)
	assert.Contains(t, collectionIDs(persisted), mid.ID)
	assert.Contains(t, collectionIDs(persisted), "cloud")
}

func TestSaveItem_ConcurrentSavesKeepAllItems(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	c, err := s.SaveCollection(context.Background(), testCollection("", "Records", ""))
	require.NoError(t, err)

	const writers = 8

	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = s.SaveItem(context.Background(), models.Item{
				CollectionID: c.ID,
				Title:        fmt.Sprintf("pressing %d", i),
			})
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	stored, err := s.store.Collection(c.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, writers)
}

func TestSaveItem_CoalescesPushesWithinWindow(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	pushed := make(chan models.Item, 1)

	rs := NewMockRemoteStore(ctrl)
	rs.EXPECT().
		SaveItem(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, it models.Item) error {
			pushed <- it
			return nil
		})

	s := newTestSyncer(t, rs, nil, 50*time.Millisecond)

	c, err := s.SaveCollection(context.Background(), testCollection("", "Records", ""))
	require.NoError(t, err)
	s.cancelPush(c.ID)

	it, err := s.SaveItem(context.Background(), models.Item{CollectionID: c.ID, Title: "first draft"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s.Status(it.ID))

	it.Title = "final title"
	_, err = s.SaveItem(context.Background(), it)
	require.NoError(t, err)

	select {
	case got := <-pushed:
		assert.Equal(t, "final title", got.Title, "only the latest edit should reach the remote")
	case <-time.After(2 * time.Second):
		t.Fatal("debounced push never fired")
	}

	require.Eventually(t, func() bool {
		return s.Status(it.ID) == StatusSynced
	}, time.Second, 10*time.Millisecond)
}

func TestSaveItem_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	c, err := s.SaveCollection(context.Background(), testCollection("", "Records", ""))
	require.NoError(t, err)

	_, err = s.SaveItem(context.Background(), models.Item{
		CollectionID: c.ID,
		Title:        "Kind of Blue",
		Fields:       map[string]models.FieldValue{"nonsense": models.TextValue("x")},
	})
	require.Error(t, err)

	stored, err := s.store.Collection(c.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Items, "invalid item must not be persisted")
}

func TestSaveItem_MissingCollection(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	_, err := s.SaveItem(context.Background(), models.Item{CollectionID: "missing", Title: "x"})
	require.ErrorIs(t, err, curioerr.ErrCollectionNotFound)
}

func TestRunPush_FailureSetsRetryAndKeepsLocal(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	rs := NewMockRemoteStore(ctrl)
	rs.EXPECT().
		SaveCollection(gomock.Any(), gomock.Any()).
		Return(errors.New("relation missing"))

	s := newTestSyncer(t, rs, nil, time.Hour)

	c, err := s.SaveCollection(context.Background(), testCollection("", "Records", ""))
	require.NoError(t, err)

	s.Flush(context.Background())

	assert.Equal(t, StatusRetry, s.Status(c.ID))

	stored, err := s.store.Collection(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Records", stored.Name)
}

func TestDeleteItem_CancelsPendingPush(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	rs := NewMockRemoteStore(ctrl)
	rs.EXPECT().DeleteItem(gomock.Any(), gomock.Any()).Return(nil)

	bs := NewMockBlobStore(ctrl)
	bs.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		Times(2)
	bs.EXPECT().
		Delete(gomock.Any(), gomock.Any()).
		Return(nil).
		Times(2)

	s := newTestSyncer(t, rs, bs, time.Hour)

	c, err := s.SaveCollection(context.Background(), testCollection("", "Records", ""))
	require.NoError(t, err)
	s.cancelPush(c.ID)

	it, err := s.SaveItem(context.Background(), models.Item{CollectionID: c.ID, Title: "mistake"})
	require.NoError(t, err)
	require.NoError(t, s.SaveAsset(context.Background(), it.ID, []byte("orig"), []byte("disp")))

	// No SaveItem expectation is registered: deleting inside the
	// debounce window must drop the pending push entirely.
	require.NoError(t, s.DeleteItem(context.Background(), c.ID, it.ID))

	s.Flush(context.Background())

	stored, err := s.store.Collection(c.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Items)

	_, err = s.store.Asset(it.ID, models.VariantOriginal)
	assert.ErrorIs(t, err, curioerr.ErrAssetNotFound)
}

func TestDeleteItem_UnknownItem(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	c, err := s.SaveCollection(context.Background(), testCollection("", "Records", ""))
	require.NoError(t, err)

	err = s.DeleteItem(context.Background(), c.ID, "missing")
	require.ErrorIs(t, err, curioerr.ErrItemNotFound)
}

func TestDeleteCollection_RemovesDocumentAndAssets(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	rs := NewMockRemoteStore(ctrl)
	rs.EXPECT().DeleteCollection(gomock.Any(), gomock.Any()).Return(nil)

	s := newTestSyncer(t, rs, nil, time.Hour)

	c, err := s.SaveCollection(context.Background(), testCollection("", "Records", ""))
	require.NoError(t, err)
	s.cancelPush(c.ID)

	it, err := s.SaveItem(context.Background(), models.Item{CollectionID: c.ID, Title: "Blue Train"})
	require.NoError(t, err)
	require.NoError(t, s.store.PutAsset(it.ID, models.VariantOriginal, []byte("jpeg")))

	require.NoError(t, s.DeleteCollection(context.Background(), c.ID))
	s.Flush(context.Background())

	_, err = s.store.Collection(c.ID)
	assert.ErrorIs(t, err, curioerr.ErrCollectionNotFound)

	_, err = s.store.Asset(it.ID, models.VariantOriginal)
	assert.ErrorIs(t, err, curioerr.ErrAssetNotFound)
}

func TestFlush_FiresPendingPushesImmediately(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	rs := NewMockRemoteStore(ctrl)
	rs.EXPECT().SaveCollection(gomock.Any(), gomock.Any()).Return(nil)

	s := newTestSyncer(t, rs, nil, time.Hour)

	c, err := s.SaveCollection(context.Background(), testCollection("", "Records", ""))
	require.NoError(t, err)
	require.Equal(t, StatusPending, s.Status(c.ID))

	s.Flush(context.Background())

	assert.Equal(t, StatusSynced, s.Status(c.ID))
}

func TestSaveAsset_CachesBothVariantsAndUploads(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	bs := NewMockBlobStore(ctrl)
	bs.EXPECT().
		Upload(gomock.Any(), remote.AssetPath(testUserID, "i1", models.VariantOriginal), []byte("orig")).
		Return(nil)
	bs.EXPECT().
		Upload(gomock.Any(), remote.AssetPath(testUserID, "i1", models.VariantDisplay), []byte("disp")).
		Return(nil)

	s := newTestSyncer(t, nil, bs, time.Hour)

	require.NoError(t, s.SaveAsset(context.Background(), "i1", []byte("orig"), []byte("disp")))
	s.Flush(context.Background())

	orig, err := s.store.Asset("i1", models.VariantOriginal)
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), orig)

	disp, err := s.store.Asset("i1", models.VariantDisplay)
	require.NoError(t, err)
	assert.Equal(t, []byte("disp"), disp)
}

func TestGetAsset_RepopulatesCacheFromRemote(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	path := remote.AssetPath(testUserID, "i1", models.VariantDisplay)

	bs := NewMockBlobStore(ctrl)
	bs.EXPECT().
		Download(gomock.Any(), path).
		Return([]byte("jpeg bytes"), nil)

	s := newTestSyncer(t, nil, bs, time.Hour)

	got, err := s.GetAsset(context.Background(), "i1", models.VariantDisplay, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), got)

	// Second read must be served from the repaired cache; the mock
	// would fail the test on a second Download.
	got, err = s.GetAsset(context.Background(), "i1", models.VariantDisplay, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), got)
}

func TestGetAsset_UsesPathHint(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	bs := NewMockBlobStore(ctrl)
	bs.EXPECT().
		Download(gomock.Any(), "other-user/items/i9/original.jpg").
		Return([]byte("x"), nil)

	s := newTestSyncer(t, nil, bs, time.Hour)

	got, err := s.GetAsset(context.Background(), "i9", models.VariantOriginal, "other-user/items/i9/original.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestGetAsset_MissingEverywhere(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)

	bs := NewMockBlobStore(ctrl)
	bs.EXPECT().
		Download(gomock.Any(), gomock.Any()).
		Return(nil, curioerr.ErrAssetNotFound)

	s := newTestSyncer(t, nil, bs, time.Hour)

	_, err := s.GetAsset(context.Background(), "i1", models.VariantOriginal, "")
	require.ErrorIs(t, err, curioerr.ErrAssetNotFound)
}

func TestGetAsset_OfflineMiss(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	_, err := s.GetAsset(context.Background(), "i1", models.VariantOriginal, "")
	require.ErrorIs(t, err, curioerr.ErrAssetNotFound)
}

func TestEnsureSeed_CreatesStarterCatalogOnce(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	require.NoError(t, s.EnsureSeed(context.Background()))

	got, err := s.store.Collections()
	require.NoError(t, err)
	require.Len(t, got, len(templates.All()))

	for _, c := range got {
		assert.Equal(t, "starter:"+c.TemplateID, c.SeedKey)
		assert.NotEmpty(t, c.Settings.Fields)
	}

	require.NoError(t, s.EnsureSeed(context.Background()))

	again, err := s.store.Collections()
	require.NoError(t, err)
	assert.Len(t, again, len(templates.All()), "second run must be a no-op")
}

func TestEnsureSeed_SkipsExistingSeedKeys(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	// A starter collection synced down from another device keeps its
	// seed key, so this device must not create a duplicate.
	fromOtherDevice := testCollection("remote-seeded", "My Vinyl", ts(t, 0))
	fromOtherDevice.SeedKey = "starter:vinyl-records"
	require.NoError(t, s.store.PutCollection(fromOtherDevice))

	require.NoError(t, s.EnsureSeed(context.Background()))

	got, err := s.store.Collections()
	require.NoError(t, err)
	assert.Len(t, got, len(templates.All()))

	for _, c := range got {
		if c.SeedKey == "starter:vinyl-records" {
			assert.Equal(t, "remote-seeded", c.ID)
		}
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	c := testCollection("c1", "Vinyl Records", ts(t, 0))
	c.Items = []models.Item{
		{ID: "i1", CollectionID: "c1", Title: "Café Tacvba", CreatedAt: ts(t, 0)},
		{ID: "i2", CollectionID: "c1", Title: "Kind of Blue", Notes: "gatefold sleeve", CreatedAt: ts(t, 0)},
		{
			ID: "i3", CollectionID: "c1", Title: "Nameless", CreatedAt: ts(t, 0),
			Fields: map[string]models.FieldValue{"artist": models.TextValue("Miles Davis")},
		},
	}
	require.NoError(t, s.store.PutCollection(c))

	tests := []struct {
		name    string
		query   string
		limit   int
		wantIDs []string
	}{
		{name: "case insensitive title", query: "CAFÉ", wantIDs: []string{"i1"}},
		{name: "decomposed accent matches composed", query: "café", wantIDs: []string{"i1"}},
		{name: "notes", query: "gatefold", wantIDs: []string{"i2"}},
		{name: "field value", query: "miles", wantIDs: []string{"i3"}},
		{name: "collection name", query: "vinyl", wantIDs: []string{""}},
		{name: "no match", query: "zzz"},
		{name: "blank query", query: "   "},
		{name: "limit", query: "i", limit: 1, wantIDs: []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := s.Search(tt.query, tt.limit)
			require.NoError(t, err)

			var ids []string
			for _, r := range got {
				ids = append(ids, r.ItemID)
			}

			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestScheduleRefresh_Coalesces(t *testing.T) {
	t.Parallel()

	s := newTestSyncer(t, nil, nil, time.Hour)

	s.ScheduleRefresh()
	s.ScheduleRefresh()

	s.mu.Lock()
	timer := s.refreshTimer
	s.mu.Unlock()

	require.NotNil(t, timer)

	s.Flush(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Nil(t, s.refreshTimer)
}
