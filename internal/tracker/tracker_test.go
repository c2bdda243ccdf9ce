package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/observability"
	"github.com/helixir/docdigest-service/internal/store"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	metrics := observability.NewMetrics("docdigest", prometheus.NewRegistry())
	st := store.New(store.NewMemoryBackend(), store.DefaultConfig(), metrics, zerolog.Nop())
	return New(st, metrics, zerolog.Nop())
}

func mainItem() domain.ItemRecord {
	return domain.ItemRecord{
		ItemID:    "main-1",
		ContentID: "https://example.com/doc",
		Title:     "Main Document",
		Kind:      domain.ItemKindMain,
	}
}

func subItems(n int) []domain.ItemRecord {
	subs := make([]domain.ItemRecord, 0, n)
	for i := 0; i < n; i++ {
		subs = append(subs, domain.ItemRecord{
			ItemID:     fmt.Sprintf("sub-%d", i+1),
			ContentID:  fmt.Sprintf("https://example.com/related-%d", i+1),
			SourceKind: "link",
			Kind:       domain.ItemKindSub,
		})
	}
	return subs
}

func TestInitManifest(t *testing.T) {
	tr := newTestTracker(t)

	manifest, err := tr.InitManifest(context.Background(), "doc-1", "Main Document", mainItem(), subItems(2))
	require.NoError(t, err)

	assert.Equal(t, "doc-1", manifest.DocumentID)
	assert.Equal(t, 3, manifest.TotalCount)
	assert.Equal(t, 0, manifest.CompletedCount)
	assert.False(t, manifest.Finalized)
	assert.Equal(t, domain.ItemStatusProcessing, manifest.MainItem.Status)
	for _, sub := range manifest.SubItems {
		assert.Equal(t, domain.ItemStatusPending, sub.Status)
	}

	loaded, err := tr.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.Version, loaded.Version)
	assert.Equal(t, 3, loaded.TotalCount)
}

func TestInitManifestAlreadyExists(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), nil)
	require.NoError(t, err)

	_, err = tr.InitManifest(ctx, "doc-1", "t", mainItem(), nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestGetMissingManifest(t *testing.T) {
	tr := newTestTracker(t)

	_, err := tr.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkCompletedFanIn(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), subItems(2))
	require.NoError(t, err)

	res, err := tr.MarkCompleted(ctx, "doc-1", "main-1", "result#doc-1#main-1")
	require.NoError(t, err)
	assert.False(t, res.AllCompleted)
	assert.False(t, res.AlreadyCompleted)
	assert.Equal(t, 1, res.Manifest.CompletedCount)

	res, err = tr.MarkCompleted(ctx, "doc-1", "sub-1", "result#doc-1#sub-1")
	require.NoError(t, err)
	assert.False(t, res.AllCompleted)

	res, err = tr.MarkCompleted(ctx, "doc-1", "sub-2", "result#doc-1#sub-2")
	require.NoError(t, err)
	assert.True(t, res.AllCompleted)
	assert.Equal(t, 3, res.Manifest.CompletedCount)

	item := res.Manifest.Item("sub-2")
	require.NotNil(t, item)
	assert.Equal(t, domain.ItemStatusCompleted, item.Status)
	assert.Equal(t, "result#doc-1#sub-2", item.ResultRef)
	require.NotNil(t, item.CompletedAt)
}

func TestMarkCompletedIdempotent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), subItems(1))
	require.NoError(t, err)

	first, err := tr.MarkCompleted(ctx, "doc-1", "main-1", "result#a")
	require.NoError(t, err)
	assert.False(t, first.AlreadyCompleted)

	second, err := tr.MarkCompleted(ctx, "doc-1", "main-1", "result#b")
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.False(t, second.AllCompleted)
	assert.Equal(t, 1, second.Manifest.CompletedCount)

	// The original result reference survives the duplicate call.
	item := second.Manifest.Item("main-1")
	require.NotNil(t, item)
	assert.Equal(t, "result#a", item.ResultRef)
}

func TestMarkCompletedUnknownItem(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), nil)
	require.NoError(t, err)

	_, err = tr.MarkCompleted(ctx, "doc-1", "ghost", "ref")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkCompletedSingleItemTriggersImmediately(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), nil)
	require.NoError(t, err)

	res, err := tr.MarkCompleted(ctx, "doc-1", "main-1", "ref")
	require.NoError(t, err)
	assert.True(t, res.AllCompleted)
}

func TestMarkCompletedConcurrentSingleWinner(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	const subCount = 9
	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), subItems(subCount))
	require.NoError(t, err)

	itemIDs := []string{"main-1"}
	for i := 1; i <= subCount; i++ {
		itemIDs = append(itemIDs, fmt.Sprintf("sub-%d", i))
	}

	var wg sync.WaitGroup
	winners := make(chan string, len(itemIDs))
	for _, id := range itemIDs {
		wg.Add(1)
		go func(itemID string) {
			defer wg.Done()
			res, err := tr.MarkCompleted(ctx, "doc-1", itemID, "result#"+itemID)
			assert.NoError(t, err)
			if res.AllCompleted {
				winners <- itemID
			}
		}(id)
	}
	wg.Wait()
	close(winners)

	var count int
	for range winners {
		count++
	}
	assert.Equal(t, 1, count)

	manifest, err := tr.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, len(itemIDs), manifest.CompletedCount)
	assert.True(t, manifest.AllCompleted())
}

func TestMarkProcessing(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), subItems(1))
	require.NoError(t, err)

	require.NoError(t, tr.MarkProcessing(ctx, "doc-1", "sub-1", "task-42"))

	manifest, err := tr.Get(ctx, "doc-1")
	require.NoError(t, err)
	item := manifest.Item("sub-1")
	require.NotNil(t, item)
	assert.Equal(t, domain.ItemStatusProcessing, item.Status)
	assert.Equal(t, "task-42", item.TaskID)
}

func TestMarkProcessingDoesNotDowngradeCompleted(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), nil)
	require.NoError(t, err)
	_, err = tr.MarkCompleted(ctx, "doc-1", "main-1", "ref")
	require.NoError(t, err)

	require.NoError(t, tr.MarkProcessing(ctx, "doc-1", "main-1", "task-late"))

	manifest, err := tr.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStatusCompleted, manifest.MainItem.Status)
	assert.Empty(t, manifest.MainItem.TaskID)
}

func TestMarkFinalizedOnce(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.InitManifest(ctx, "doc-1", "t", mainItem(), nil)
	require.NoError(t, err)

	first, err := tr.MarkFinalized(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := tr.MarkFinalized(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, second)

	manifest, err := tr.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, manifest.Finalized)
}
