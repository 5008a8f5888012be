// Package europepmc reads preprint records from the Europe PMC search API as
// an alternative to the bioRxiv details feed.
package europepmc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"paper-pulse/config"
	"paper-pulse/providers"
)

const (
	dateLayout = "2006-01-02"
	firstMark  = "*"

	// markTTL bounds how long an unused continuation mark is kept.
	markTTL = 6 * time.Hour
)

var _ providers.Feed = (*Fetcher)(nil)

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// Fetcher implements providers.Feed over Europe PMC preprints (SRC:PPR).
//
// Europe PMC pages with opaque cursor marks instead of offsets. The fetcher
// remembers the mark that continues each (interval, offset) so the
// orchestrator can keep paging with plain integer cursors. A mark depends
// only on the query and the position, so runs over the same interval share
// it; marks are dropped once they are older than markTTL.
type Fetcher struct {
	BaseURL string
	Query   string
	Client  *http.Client
	Clock   clockwork.Clock
	Logger  *zap.Logger

	mu    sync.Mutex
	marks map[markKey]storedMark
}

type markKey struct {
	start, end string
	offset     int
}

type storedMark struct {
	mark   string
	stored time.Time
}

// NewFetcher creates a Europe PMC fetcher from the configuration.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		BaseURL: strings.TrimRight(cfg.EuropePMCBaseURL, "/"),
		Query:   cfg.EuropePMCQuery,
		Client:  &http.Client{Timeout: 60 * time.Second},
		Clock:   clockwork.NewRealClock(),
		Logger:  logger,
	}
}

// Name returns the provider name.
func (f *Fetcher) Name() string {
	return "europepmc"
}

// Fetch returns up to providers.FeedPageSize preprints first published in the
// interval. Cursor 0 starts a new scan; any other cursor must be the offset
// reached by a previous page of the same interval.
func (f *Fetcher) Fetch(ctx context.Context, start, end time.Time, cursor int) (*providers.FeedPage, error) {
	key := markKey{start: start.UTC().Format(dateLayout), end: end.UTC().Format(dateLayout), offset: cursor}
	mark, ok := f.mark(key)
	if !ok {
		return nil, &providers.FeedError{Message: fmt.Sprintf("no cursor mark for offset %d", cursor)}
	}

	reqURL := f.searchURL(key, mark)
	log := f.Logger.With(zap.Int("cursor", cursor), zap.String("cursor_mark", mark))
	log.Debug("Requesting Europe PMC search page", zap.String("url", reqURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &providers.FeedError{Message: "building request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &providers.FeedError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Error("Europe PMC API returned non-2xx status",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return nil, &providers.FeedError{
			Message:    fmt.Sprintf("Europe PMC API error: %s", resp.Status),
			StatusCode: resp.StatusCode,
		}
	}

	var payload SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &providers.FeedError{Message: "decoding response", Err: err}
	}
	if payload.ResultList == nil {
		return nil, &providers.FeedError{Message: "Invalid response from Europe PMC API"}
	}

	entries := make([]providers.FeedEntry, 0, len(payload.ResultList.Result))
	for i := range payload.ResultList.Result {
		entries = append(entries, normalizeArticle(&payload.ResultList.Result[i]))
	}

	if len(entries) == providers.FeedPageSize && payload.NextCursorMark != "" && payload.NextCursorMark != mark {
		next := key
		next.offset = cursor + len(entries)
		f.remember(next, payload.NextCursorMark)
	}

	log.Debug("Europe PMC page received", zap.Int("count", len(entries)), zap.Int("total", payload.HitCount))
	return &providers.FeedPage{Entries: entries, Total: payload.HitCount}, nil
}

func (f *Fetcher) mark(key markKey) (string, bool) {
	if key.offset == 0 {
		return firstMark, true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.marks[key]
	if !ok || f.now().Sub(m.stored) > markTTL {
		return "", false
	}
	return m.mark, true
}

// remember stores the mark continuing key and prunes expired marks.
func (f *Fetcher) remember(key markKey, mark string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if f.marks == nil {
		f.marks = make(map[markKey]storedMark)
	}
	for k, m := range f.marks {
		if now.Sub(m.stored) > markTTL {
			delete(f.marks, k)
		}
	}
	f.marks[key] = storedMark{mark: mark, stored: now}
}

func (f *Fetcher) now() time.Time {
	if f.Clock == nil {
		return time.Now()
	}
	return f.Clock.Now()
}

func (f *Fetcher) searchURL(key markKey, mark string) string {
	query := fmt.Sprintf("SRC:PPR AND FIRST_PDATE:[%s TO %s]", key.start, key.end)
	if q := strings.TrimSpace(f.Query); q != "" {
		query += " AND (" + q + ")"
	}
	v := url.Values{}
	v.Set("query", query)
	v.Set("format", "json")
	v.Set("resultType", "core")
	v.Set("pageSize", strconv.Itoa(providers.FeedPageSize))
	v.Set("cursorMark", mark)
	return f.BaseURL + "/search?" + v.Encode()
}

// normalizeArticle converts a search result into a FeedEntry.
func normalizeArticle(a *Article) providers.FeedEntry {
	entry := providers.FeedEntry{
		DOI:      strings.TrimSpace(a.DOI),
		Title:    providers.CleanText(tagPattern.ReplaceAllString(a.Title, "")),
		Authors:  authors(a),
		Version:  a.VersionNumber,
		Type:     "preprint",
		Abstract: providers.CleanText(tagPattern.ReplaceAllString(a.AbstractText, "")),
	}
	if entry.Version < 1 {
		entry.Version = 1
	}
	for _, t := range a.PubTypeList.PubType {
		if t = strings.TrimSpace(t); t != "" {
			entry.Type = strings.ToLower(t)
			break
		}
	}
	if t, err := time.Parse(dateLayout, strings.TrimSpace(a.FirstPublicationDate)); err == nil {
		entry.Date = t
	}
	return entry
}

// authors prefers the structured author list and falls back to splitting the
// comma-joined authorString.
func authors(a *Article) []string {
	names := []string{}
	for _, au := range a.AuthorList.Author {
		if n := strings.TrimSpace(au.FullName); n != "" {
			names = append(names, n)
		}
	}
	if len(names) > 0 {
		return names
	}
	for _, n := range strings.Split(strings.TrimSuffix(strings.TrimSpace(a.AuthorString), "."), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}
