package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateIndex stores vectors we compute ourselves (Vectorizer "none") and
// queries them by cosine distance.
type WeaviateIndex struct {
	client *weaviate.Client
	logger *slog.Logger

	mu    sync.RWMutex
	props map[string][]string
}

// NewWeaviateIndex connects to rawURL, e.g. "http://localhost:8080".
func NewWeaviateIndex(rawURL string, logger *slog.Logger) (*WeaviateIndex, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateIndex{
		client: client,
		logger: logger.With("component", "weaviate_index"),
		props:  map[string][]string{},
	}, nil
}

func (w *WeaviateIndex) EnsureClass(ctx context.Context, class string, props []string) error {
	w.mu.Lock()
	w.props[class] = append([]string(nil), props...)
	w.mu.Unlock()

	if _, err := w.client.Schema().ClassGetter().WithClassName(class).Do(ctx); err == nil {
		return nil
	}
	w.logger.Info("creating class", "class", class)
	properties := make([]*models.Property, 0, len(props)+1)
	for _, p := range props {
		properties = append(properties, &models.Property{Name: p, DataType: []string{"text"}})
	}
	properties = append(properties, &models.Property{Name: CreatedAtProperty, DataType: []string{"date"}})
	err := w.client.Schema().ClassCreator().WithClass(&models.Class{
		Class:             class,
		Vectorizer:        "none",
		VectorIndexConfig: map[string]interface{}{"distance": "cosine"},
		Properties:        properties,
	}).Do(ctx)
	if err != nil {
		return fmt.Errorf("create class %s: %w", class, err)
	}
	return nil
}

func (w *WeaviateIndex) Insert(ctx context.Context, class, id string, props map[string]any, vector []float32) error {
	exists, err := w.client.Data().Checker().WithClassName(class).WithID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("check object %s: %w", id, err)
	}
	if exists {
		return nil
	}
	if _, ok := props[CreatedAtProperty]; !ok {
		cp := make(map[string]any, len(props)+1)
		for k, v := range props {
			cp[k] = v
		}
		cp[CreatedAtProperty] = time.Now().UTC().Format(time.RFC3339)
		props = cp
	}
	_, err = w.client.Data().Creator().
		WithClassName(class).
		WithID(id).
		WithProperties(props).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", class, err)
	}
	return nil
}

func (w *WeaviateIndex) NearestWithin(ctx context.Context, class string, vector []float32, maxDistance float64, limit int, where *Filter) ([]Hit, error) {
	w.mu.RLock()
	names := w.props[class]
	w.mu.RUnlock()

	fields := make([]graphql.Field, 0, len(names)+2)
	for _, n := range names {
		fields = append(fields, graphql.Field{Name: n})
	}
	fields = append(fields, graphql.Field{Name: CreatedAtProperty})
	fields = append(fields, graphql.Field{
		Name:   "_additional",
		Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}},
	})

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	if maxDistance > 0 {
		nearVector = nearVector.WithDistance(float32(maxDistance))
	}
	q := w.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(nearVector)
	if limit > 0 {
		q = q.WithLimit(limit)
	}
	if where != nil {
		q = q.WithWhere(filters.Where().
			WithPath([]string{where.Property}).
			WithOperator(filters.Equal).
			WithValueText(where.Value))
	}
	result, err := q.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("near vector search on %s: %w", class, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("near vector search on %s: %s", class, result.Errors[0].Message)
	}
	return parseHits(result, class)
}

func (w *WeaviateIndex) DeleteOlderThan(ctx context.Context, class string, cutoff time.Time) (int, error) {
	resp, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(class).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{CreatedAtProperty}).
			WithOperator(filters.LessThan).
			WithValueDate(cutoff)).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", class, err)
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	return int(resp.Results.Successful), nil
}

type getObject struct {
	Additional struct {
		ID       string  `json:"id"`
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

// parseHits decodes result.Data["Get"][class] by round-tripping through JSON.
func parseHits(result *models.GraphQLResponse, class string) ([]Hit, error) {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	raw, ok := get[class].([]interface{})
	if !ok {
		return nil, nil
	}
	hits := make([]Hit, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("decode hit: %w", err)
		}
		var meta getObject
		if err := json.Unmarshal(b, &meta); err != nil {
			return nil, fmt.Errorf("decode hit: %w", err)
		}
		props := make(map[string]any, len(obj))
		for k, v := range obj {
			if k != "_additional" {
				props[k] = v
			}
		}
		hits = append(hits, Hit{ID: meta.Additional.ID, Distance: meta.Additional.Distance, Props: props})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}
