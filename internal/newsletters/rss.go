package newsletters

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/ignite/dispatch-engine/internal/pkg/httpretry"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// Importer turns RSS/Atom feed entries into newsletter issues. Entries are
// deduplicated by GUID or link, so re-importing a feed only creates issues
// for new items.
type Importer struct {
	store      *Store
	client     httpretry.HTTPDoer
	feedParser *gofeed.Parser
}

// NewImporter creates a feed importer backed by the given issue store.
// Feeds are fetched through a retrying HTTP client; flaky feed hosts get a
// few backed-off attempts before the import fails.
func NewImporter(store *Store) *Importer {
	return &Importer{
		store:      store,
		client:     httpretry.NewRetryClient(nil, 3),
		feedParser: gofeed.NewParser(),
	}
}

// ImportFeed fetches the feed at the given URL and creates one issue per
// not-yet-imported entry. Returns the created issues in feed order.
func (imp *Importer) ImportFeed(ctx context.Context, url string) ([]*Issue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	resp, err := imp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed %s: status %d", url, resp.StatusCode)
	}

	feed, err := imp.feedParser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", url, err)
	}

	var created []*Issue
	for _, item := range feed.Items {
		sourceURL := item.GUID
		if sourceURL == "" {
			sourceURL = item.Link
		}
		if sourceURL == "" {
			continue
		}

		exists, err := imp.store.HasSourceURL(ctx, sourceURL)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		issue := &Issue{
			Subject:   item.Title,
			Body:      itemText(item),
			BodyHTML:  item.Content,
			SourceURL: sourceURL,
		}
		if err := imp.store.Create(ctx, issue); err != nil {
			return created, err
		}
		logger.Info("imported feed item", "feed", feed.Title, "issue_id", issue.ID, "subject", issue.Subject)
		created = append(created, issue)
	}
	return created, nil
}

func itemText(item *gofeed.Item) string {
	text := stripHTML(item.Description)
	if text == "" {
		text = stripHTML(item.Content)
	}
	if item.Link != "" {
		text += "\n\nRead more: " + item.Link
	}
	return strings.TrimSpace(text)
}

// stripHTML removes tags from feed HTML, leaving readable plain text.
func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
