package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultCacheClass     = "TestCase"
	DefaultLessonsClass   = "QaInsight"
	DefaultCacheThreshold = 0.2
)

var lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "testforge_knowledge_lookups_total",
	Help: "Knowledge store lookups by collection and result.",
}, []string{"collection", "result"})

// namespace seeds deterministic object ids so re-saving the same key is a no-op.
var namespace = uuid.MustParse("5c3f8f5e-7a7d-4f0e-9a51-3b0f2d7c9e41")

func objectID(class, key string) string {
	return uuid.NewSHA1(namespace, []byte(class+"\x00"+key)).String()
}

// Entry is a cached approved artifact.
type Entry struct {
	ID        string
	Request   string
	Code      string
	URL       string
	Domain    string
	CreatedAt time.Time
	Distance  float64
}

type CacheConfig struct {
	Class     string
	Threshold float64
}

// Cache maps request text to previously approved test code.
type Cache struct {
	index     Index
	embed     Embedder
	class     string
	threshold float64
	logger    *slog.Logger
}

func NewCache(ctx context.Context, index Index, embed Embedder, cfg CacheConfig, logger *slog.Logger) (*Cache, error) {
	if cfg.Class == "" {
		cfg.Class = DefaultCacheClass
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultCacheThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := index.EnsureClass(ctx, cfg.Class, []string{"request", "code", "url", "domain"}); err != nil {
		return nil, err
	}
	return &Cache{
		index:     index,
		embed:     embed,
		class:     cfg.Class,
		threshold: cfg.Threshold,
		logger:    logger.With("component", "cache"),
	}, nil
}

func (c *Cache) Threshold() float64 { return c.threshold }

// FindSimilar returns the closest entry whose distance is strictly below
// threshold, or nil. A threshold <= 0 uses the configured one.
func (c *Cache) FindSimilar(ctx context.Context, query string, threshold float64) (*Entry, error) {
	if threshold <= 0 {
		threshold = c.threshold
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	vec, err := c.embed.Embed(ctx, query)
	if err != nil {
		lookupsTotal.WithLabelValues("cache", "error").Inc()
		return nil, err
	}
	hits, err := c.index.NearestWithin(ctx, c.class, vec, threshold, 1, nil)
	if err != nil {
		lookupsTotal.WithLabelValues("cache", "error").Inc()
		return nil, err
	}
	if len(hits) == 0 || hits[0].Distance >= threshold {
		lookupsTotal.WithLabelValues("cache", "miss").Inc()
		return nil, nil
	}
	h := hits[0]
	c.logger.Info("cache hit", "distance", h.Distance)
	lookupsTotal.WithLabelValues("cache", "hit").Inc()
	return &Entry{
		ID:        h.ID,
		Request:   propString(h.Props, "request"),
		Code:      propString(h.Props, "code"),
		URL:       propString(h.Props, "url"),
		Domain:    propString(h.Props, "domain"),
		CreatedAt: propTime(h.Props, CreatedAtProperty),
		Distance:  h.Distance,
	}, nil
}

// Save stores code under request. Saving the same request twice keeps the
// first entry.
func (c *Cache) Save(ctx context.Context, request, code, pageURL string) error {
	request = strings.TrimSpace(request)
	if request == "" || strings.TrimSpace(code) == "" {
		return nil
	}
	vec, err := c.embed.Embed(ctx, request)
	if err != nil {
		return err
	}
	props := map[string]any{
		"request":         request,
		"code":            code,
		"url":             pageURL,
		"domain":          Domain(pageURL),
		CreatedAtProperty: time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.index.Insert(ctx, c.class, objectID(c.class, request), props, vec); err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	c.logger.Info("saved test case")
	return nil
}

func (c *Cache) Prune(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	return c.index.DeleteOlderThan(ctx, c.class, time.Now().Add(-ttl))
}

// Domain returns the host of rawURL, or "" when it has none.
func Domain(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func propTime(props map[string]any, key string) time.Time {
	t, _ := time.Parse(time.RFC3339, propString(props, key))
	return t
}
