// Package ingestion pulls news articles from RSS and Atom feeds and writes
// their embeddings to the vector index.
package ingestion

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
	"github.com/fyrsmithlabs/newsrag/internal/vectorstore"
)

// Article is one news item ready to be indexed.
type Article struct {
	ID          string
	Title       string
	URL         string
	PublishedAt string // RFC3339
	Content     string
}

// Payload returns the vector index payload for the article.
func (a Article) Payload() vectorstore.Payload {
	return vectorstore.Payload{
		Title:       a.Title,
		URL:         a.URL,
		PublishedAt: a.PublishedAt,
		Content:     a.Content,
	}
}

// Source produces articles.
type Source interface {
	Fetch(ctx context.Context) ([]Article, error)
}

// FeedConfig configures a FeedSource.
type FeedConfig struct {
	Feeds []string

	// FetchTimeout bounds each feed download. Default: 30s
	FetchTimeout time.Duration

	// MaxItems caps the articles taken from each feed. Zero means no cap.
	MaxItems int

	// Parallelism bounds concurrent feed downloads. Default: 4
	Parallelism int

	// Client is used for downloads. Default: http.DefaultClient
	Client *http.Client
}

// FeedSource reads articles from a fixed list of feed URLs.
type FeedSource struct {
	config FeedConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewFeedSource creates a FeedSource.
func NewFeedSource(cfg FeedConfig, logger *logging.Logger) *FeedSource {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 4
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FeedSource{config: cfg, logger: logger.Named("ingestion.feeds"), now: time.Now}
}

// Fetch downloads every feed and returns their articles in feed order. A
// feed that cannot be fetched or parsed is logged and skipped; only
// cancellation of ctx is returned as an error.
func (s *FeedSource) Fetch(ctx context.Context) ([]Article, error) {
	results := make([][]Article, len(s.config.Feeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)
	for i, url := range s.config.Feeds {
		g.Go(func() error {
			articles, err := s.fetchOne(gctx, url)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn(ctx, "skipping feed", zap.String("feed", url), zap.Error(err))
				return nil
			}
			results[i] = articles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Article
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (s *FeedSource) fetchOne(ctx context.Context, url string) ([]Article, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	parser := gofeed.NewParser()
	parser.UserAgent = "newsrag/1.0"
	if s.config.Client != nil {
		parser.Client = s.config.Client
	}
	feed, err := parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, err
	}

	var out []Article
	for _, item := range feed.Items {
		if s.config.MaxItems > 0 && len(out) >= s.config.MaxItems {
			break
		}
		if a, ok := s.toArticle(item); ok {
			out = append(out, a)
		}
	}
	s.logger.Debug(ctx, "fetched feed",
		zap.String("feed", url),
		zap.Int("items", len(feed.Items)),
		zap.Int("articles", len(out)))
	return out, nil
}

func (s *FeedSource) toArticle(item *gofeed.Item) (Article, bool) {
	content := firstNonEmpty(item.Description, item.Content, item.Title)
	if content == "" {
		return Article{}, false
	}

	published := s.now()
	if item.PublishedParsed != nil {
		published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		published = *item.UpdatedParsed
	}

	return Article{
		ID:          articleID(item),
		Title:       strings.TrimSpace(item.Title),
		URL:         item.Link,
		PublishedAt: published.UTC().Format(time.RFC3339),
		Content:     content,
	}, true
}

// articleID is stable for items with a link or guid, so re-ingesting a feed
// overwrites earlier points instead of duplicating them.
func articleID(item *gofeed.Item) string {
	if key := firstNonEmpty(item.Link, item.GUID); key != "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
	}
	return uuid.NewString()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
