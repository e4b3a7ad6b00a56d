package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*Cache, *MemoryIndex) {
	t.Helper()
	idx := NewMemoryIndex()
	c, err := NewCache(context.Background(), idx, HashEmbedder{}, CacheConfig{}, nil)
	require.NoError(t, err)
	return c, idx
}

func TestCache_HitBelowThreshold(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	req := "Write a login test for https://shop.example.com with valid credentials"
	require.NoError(t, c.Save(ctx, req, "def test_login(): pass", "https://shop.example.com"))

	got, err := c.FindSimilar(ctx, req, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "def test_login(): pass", got.Code)
	assert.Equal(t, "shop.example.com", got.Domain)
	assert.Less(t, got.Distance, DefaultCacheThreshold)
}

func TestCache_MissForUnrelatedRequest(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	require.NoError(t, c.Save(ctx, "login test for the shop", "code", ""))

	got, err := c.FindSimilar(ctx, "generate api tests for the payments endpoint schema", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, idx := newCache(t)
	require.NoError(t, c.Save(ctx, "same request", "first", ""))
	require.NoError(t, c.Save(ctx, "same request", "second", ""))
	assert.Len(t, idx.classes[DefaultCacheClass], 1)

	got, err := c.FindSimilar(ctx, "same request", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Code)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service down")
}

func TestCache_EmbedErrorSurfaces(t *testing.T) {
	c, err := NewCache(context.Background(), NewMemoryIndex(), failingEmbedder{}, CacheConfig{}, nil)
	require.NoError(t, err)
	_, err = c.FindSimilar(context.Background(), "anything", 0)
	assert.Error(t, err)
}

func TestLessons_RecallFormatsBlock(t *testing.T) {
	ctx := context.Background()
	l, err := NewLessons(ctx, NewMemoryIndex(), HashEmbedder{}, "", nil)
	require.NoError(t, err)

	require.NoError(t, l.Learn(ctx, "https://shop.example.com/cart", "TimeoutError waiting for #checkout", "Wait for the cart drawer to open before clicking #checkout"))
	require.NoError(t, l.Learn(ctx, "https://other.example.org", "TimeoutError waiting for #checkout", "unrelated domain lesson"))

	out := l.Recall(ctx, "TimeoutError waiting for #checkout", "https://shop.example.com/", 3)
	assert.Equal(t, RecallHeader+"- Wait for the cart drawer to open before clicking #checkout", out)
}

func TestLessons_EmptyLessonIgnored(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	l, err := NewLessons(ctx, idx, HashEmbedder{}, "", nil)
	require.NoError(t, err)
	require.NoError(t, l.Learn(ctx, "", "err", "   "))
	assert.Empty(t, idx.classes[DefaultLessonsClass])
	assert.Equal(t, "", l.Recall(ctx, "err", "", 3))
}

func TestLessons_DocumentFormatAndTruncation(t *testing.T) {
	ctx := context.Background()
	l, err := NewLessons(ctx, NewMemoryIndex(), HashEmbedder{}, "", nil)
	require.NoError(t, err)
	longErr := strings.Repeat("x", 9000)
	require.NoError(t, l.Learn(ctx, "", longErr, strings.Repeat("y", 3000)))

	got, err := l.FindSimilar(ctx, "x", "", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].Document, "URL: N/A | Error: xxx"))
	assert.Len(t, got[0].Document, maxDocumentChars)
	assert.Len(t, got[0].Lesson, maxLessonChars)
	assert.Len(t, got[0].Error, maxErrorChars)
	assert.Equal(t, "N/A", got[0].Domain)
	assert.Equal(t, SourceAutoFix, got[0].Source)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	c, err := NewCache(ctx, idx, HashEmbedder{}, CacheConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, "old request", "code", ""))

	n, err := c.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "zero ttl keeps everything")

	for _, obj := range idx.classes[DefaultCacheClass] {
		obj.createdAt = time.Now().Add(-48 * time.Hour)
	}
	n, err = c.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 2, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 1.0, CosineDistance(nil, []float32{1}))
}
