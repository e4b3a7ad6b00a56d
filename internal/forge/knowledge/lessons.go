package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxDocumentChars = 8000
	maxLessonChars   = 2000
	maxErrorChars    = 2000

	RecallHeader  = "\n\n[KNOWN PROJECT QUIRKS / MEMORY]:\n"
	SourceAutoFix = "auto_fix"
)

type Lesson struct {
	ID        string
	Document  string
	Lesson    string
	Error     string
	URL       string
	Domain    string
	Source    string
	CreatedAt time.Time
	Distance  float64
}

// Lessons remembers what fixed a failure so later plans and generations can
// avoid repeating it.
type Lessons struct {
	index  Index
	embed  Embedder
	class  string
	logger *slog.Logger
}

func NewLessons(ctx context.Context, index Index, embed Embedder, class string, logger *slog.Logger) (*Lessons, error) {
	if class == "" {
		class = DefaultLessonsClass
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := index.EnsureClass(ctx, class, []string{"document", "lesson", "error", "url", "domain", "source"}); err != nil {
		return nil, err
	}
	return &Lessons{index: index, embed: embed, class: class, logger: logger.With("component", "lessons")}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Learn stores a lesson keyed on the page URL and the error it resolved. An
// empty lesson is ignored.
func (l *Lessons) Learn(ctx context.Context, pageURL, originalError, lesson string) error {
	pageURL = strings.TrimSpace(pageURL)
	originalError = strings.TrimSpace(originalError)
	lesson = strings.TrimSpace(lesson)
	if lesson == "" {
		return nil
	}
	shownURL := pageURL
	if shownURL == "" {
		shownURL = "N/A"
	}
	domain := Domain(pageURL)
	if domain == "" {
		domain = "N/A"
	}
	doc := truncate(fmt.Sprintf("URL: %s | Error: %s", shownURL, originalError), maxDocumentChars)
	vec, err := l.embed.Embed(ctx, doc)
	if err != nil {
		return err
	}
	props := map[string]any{
		"document":        doc,
		"lesson":          truncate(lesson, maxLessonChars),
		"error":           truncate(originalError, maxErrorChars),
		"url":             shownURL,
		"domain":          domain,
		"source":          SourceAutoFix,
		CreatedAtProperty: time.Now().UTC().Format(time.RFC3339Nano),
	}
	// Lessons are append-only; every fix gets its own entry.
	if err := l.index.Insert(ctx, l.class, uuid.NewString(), props, vec); err != nil {
		return fmt.Errorf("save lesson: %w", err)
	}
	l.logger.Info("saved lesson", "domain", domain)
	return nil
}

// FindSimilar returns the n lessons nearest to query, limited to the host of
// pageURL when one is given.
func (l *Lessons) FindSimilar(ctx context.Context, query, pageURL string, n int) ([]Lesson, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if n <= 0 {
		n = 3
	}
	vec, err := l.embed.Embed(ctx, query)
	if err != nil {
		lookupsTotal.WithLabelValues("lessons", "error").Inc()
		return nil, err
	}
	var where *Filter
	if d := Domain(pageURL); d != "" {
		where = &Filter{Property: "domain", Value: d}
	}
	hits, err := l.index.NearestWithin(ctx, l.class, vec, 0, n, where)
	if err != nil {
		lookupsTotal.WithLabelValues("lessons", "error").Inc()
		return nil, err
	}
	result := "miss"
	if len(hits) > 0 {
		result = "hit"
	}
	lookupsTotal.WithLabelValues("lessons", result).Inc()
	out := make([]Lesson, 0, len(hits))
	for _, h := range hits {
		out = append(out, Lesson{
			ID:        h.ID,
			Document:  propString(h.Props, "document"),
			Lesson:    propString(h.Props, "lesson"),
			Error:     propString(h.Props, "error"),
			URL:       propString(h.Props, "url"),
			Domain:    propString(h.Props, "domain"),
			Source:    propString(h.Props, "source"),
			CreatedAt: propTime(h.Props, CreatedAtProperty),
			Distance:  h.Distance,
		})
	}
	return out, nil
}

// Recall formats relevant lessons as a prompt block. Lookup failures are
// logged and yield "".
func (l *Lessons) Recall(ctx context.Context, query, pageURL string, n int) string {
	lessons, err := l.FindSimilar(ctx, query, pageURL, n)
	if err != nil {
		l.logger.Warn("lesson recall failed", "error", err)
		return ""
	}
	var lines []string
	for _, ls := range lessons {
		if s := strings.TrimSpace(ls.Lesson); s != "" {
			lines = append(lines, "- "+s)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return RecallHeader + strings.Join(lines, "\n")
}

func (l *Lessons) Prune(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	return l.index.DeleteOlderThan(ctx, l.class, time.Now().Add(-ttl))
}
