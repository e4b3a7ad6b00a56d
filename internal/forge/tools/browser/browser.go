// Package browser fetches live pages and summarizes the elements a test is
// likely to target, and dry-runs generated locators against them.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

const (
	maxSummaryLines = 150
	maxTextRunes    = 50
	maxLineChars    = 200
	defaultMaxBytes = 5 << 20
	userAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var (
	interactiveTags   = "button, a, input, select, textarea, label"
	semanticTags      = "h1, h2, h3, div"
	containerHints    = []string{"card", "panel", "form", "container", "wrapper"}
	meaningfulClasses = []string{"btn", "input", "card", "nav", "menu", "item"}
)

type Config struct {
	Timeout  time.Duration
	MaxBytes int64
}

// Inspector reads the server-rendered DOM. Client-side rendered content is
// not visible to it.
type Inspector struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Inspector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects (max 5)")
				}
				return nil
			},
		},
		maxBytes: cfg.MaxBytes,
		logger:   logger.With("component", "browser"),
	}
}

func (in *Inspector) load(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, in.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Inspect returns one line per distinct interactive or structural element,
// sorted, at most 150 lines.
func (in *Inspector) Inspect(ctx context.Context, url string) (string, error) {
	in.logger.Info("inspecting page", "url", url)
	doc, err := in.load(ctx, url)
	if err != nil {
		return "", err
	}
	return Summarize(doc), nil
}

// Summarize renders the element summary for an already parsed document.
func Summarize(doc *goquery.Document) string {
	seen := map[string]bool{}
	var lines []string
	add := func(line string) {
		if line == "" || seen[line] {
			return
		}
		seen[line] = true
		lines = append(lines, line)
	}
	doc.Find(interactiveTags).Each(func(_ int, s *goquery.Selection) {
		add(elementInfo(s))
	})
	doc.Find(semanticTags).Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "div" && !isContainer(s) {
			return
		}
		if info := elementInfo(s); len(info) < maxLineChars {
			add(info)
		}
	})
	sort.Strings(lines)
	if len(lines) > maxSummaryLines {
		lines = lines[:maxSummaryLines]
	}
	return strings.Join(lines, "\n")
}

func isContainer(s *goquery.Selection) bool {
	var attrs string
	for _, a := range []string{"class", "id", "data-testid"} {
		v, _ := s.Attr(a)
		attrs += v
	}
	attrs = strings.ToLower(attrs)
	for _, h := range containerHints {
		if strings.Contains(attrs, h) {
			return true
		}
	}
	return false
}

func elementInfo(s *goquery.Selection) string {
	name := goquery.NodeName(s)
	text := strings.Join(strings.Fields(s.Text()), " ")
	if r := []rune(text); len(r) > maxTextRunes {
		text = string(r[:maxTextRunes])
	}
	var attrs []string
	for _, a := range []string{"id", "data-testid", "name", "placeholder", "role", "type"} {
		if v, ok := s.Attr(a); ok && v != "" {
			attrs = append(attrs, fmt.Sprintf("%s='%s'", a, v))
		}
	}
	if class, ok := s.Attr("class"); ok {
		var keep []string
		for _, c := range strings.Fields(class) {
			for _, m := range meaningfulClasses {
				if strings.Contains(c, m) {
					keep = append(keep, c)
					break
				}
			}
		}
		if len(keep) > 0 {
			attrs = append(attrs, fmt.Sprintf("class='%s'", strings.Join(keep, " ")))
		}
	}
	attrStr := strings.Join(attrs, " ")
	if attrStr == "" && text == "" {
		return ""
	}
	return fmt.Sprintf("<%s %s>%s</%s>", name, attrStr, text, name)
}

// CheckLocators returns the locators that match nothing on the page. When the
// page cannot be loaded every locator is reported missing. Locators that are
// not valid CSS (Playwright text or role engines) are skipped.
func (in *Inspector) CheckLocators(ctx context.Context, url string, locators []string) []string {
	if len(locators) == 0 {
		return nil
	}
	in.logger.Info("dry-running locators", "url", url, "count", len(locators))
	doc, err := in.load(ctx, url)
	if err != nil {
		in.logger.Warn("dry run could not load page", "url", url, "error", err)
		return append([]string(nil), locators...)
	}
	missing := MissingLocators(doc, locators)
	if len(missing) > 0 {
		in.logger.Warn("dry run found missing locators", "count", len(missing))
	}
	return missing
}

func MissingLocators(doc *goquery.Document, locators []string) []string {
	var missing []string
	for _, loc := range locators {
		sel, err := cascadia.Compile(loc)
		if err != nil {
			continue
		}
		if doc.FindMatcher(sel).Length() == 0 {
			missing = append(missing, loc)
		}
	}
	return missing
}
