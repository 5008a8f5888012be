package biorxiv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"paper-pulse/config"
	"paper-pulse/providers"
)

// PageSize is the fixed page size of the details endpoint.
const PageSize = providers.FeedPageSize

const (
	dateLayout      = "2006-01-02"
	statusOK        = "ok"
	statusNoResults = "no posts found"
	invalidResponse = "Invalid response from BioRxiv API"
)

var _ providers.Feed = (*Fetcher)(nil)

// Fetcher reads preprint metadata from the bioRxiv details API.
type Fetcher struct {
	BaseURL  string
	Server   string
	Category string
	Client   *http.Client
	Logger   *zap.Logger
}

// NewFetcher creates a bioRxiv fetcher from the configuration.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		BaseURL:  strings.TrimRight(cfg.BioRxivBaseURL, "/"),
		Server:   cfg.BioRxivServer,
		Category: cfg.BioRxivCategory,
		Client:   &http.Client{Timeout: 60 * time.Second},
		Logger:   logger,
	}
}

// Name returns the provider name.
func (f *Fetcher) Name() string {
	return f.Server
}

// Fetch returns one page of at most PageSize records for [start, end).
// It never retries; the orchestrator decides what a failed page means.
func (f *Fetcher) Fetch(ctx context.Context, start, end time.Time, cursor int) (*providers.FeedPage, error) {
	reqURL := f.detailsURL(start, end, cursor)
	log := f.Logger.With(zap.String("url", reqURL), zap.Int("cursor", cursor))
	log.Debug("Requesting bioRxiv details page")

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
		log.Error("bioRxiv API returned non-2xx status",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return nil, &providers.FeedError{
			Message:    fmt.Sprintf("BioRxiv API error: %s", resp.Status),
			StatusCode: resp.StatusCode,
		}
	}

	var payload DetailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &providers.FeedError{Message: "decoding response", Err: err}
	}

	if len(payload.Messages) == 0 {
		return nil, &providers.FeedError{Message: invalidResponse}
	}
	msg := payload.Messages[0]
	var status string
	if err := json.Unmarshal(msg.Status, &status); err != nil {
		return nil, &providers.FeedError{Message: invalidResponse}
	}
	status = strings.TrimSpace(status)
	if strings.EqualFold(status, statusNoResults) {
		log.Debug("bioRxiv reported no posts for interval")
		return &providers.FeedPage{}, nil
	}
	var collection []Entry
	if len(payload.Collection) == 0 || json.Unmarshal(payload.Collection, &collection) != nil || collection == nil {
		return nil, &providers.FeedError{Message: invalidResponse}
	}
	if status != statusOK {
		return nil, &providers.FeedError{Message: "BioRxiv API returned status", Status: status}
	}

	entries := make([]providers.FeedEntry, 0, len(collection))
	for i := range collection {
		entries = append(entries, normalizeEntry(&collection[i]))
	}

	log.Debug("bioRxiv page received", zap.Int("count", len(entries)), zap.Int("total", int(msg.Total)))
	return &providers.FeedPage{Entries: entries, Total: int(msg.Total)}, nil
}

// detailsURL builds /details/{server}/{start}/{end}/{cursor}?category={cat}.
func (f *Fetcher) detailsURL(start, end time.Time, cursor int) string {
	u := fmt.Sprintf("%s/details/%s/%s/%s/%d",
		f.BaseURL,
		url.PathEscape(f.Server),
		start.UTC().Format(dateLayout),
		end.UTC().Format(dateLayout),
		cursor)
	if f.Category != "" {
		u += "?category=" + url.QueryEscape(f.Category)
	}
	return u
}

// normalizeEntry converts a raw collection entry into a FeedEntry.
func normalizeEntry(e *Entry) providers.FeedEntry {
	entry := providers.FeedEntry{
		DOI:      strings.TrimSpace(e.DOI),
		Title:    providers.CleanText(e.Title),
		Authors:  splitAuthors(e.Authors),
		Version:  parseVersion(string(e.Version)),
		Type:     strings.TrimSpace(e.Type),
		Abstract: providers.CleanText(e.Abstract),
	}
	if entry.Type == "" {
		entry.Type = strings.TrimSpace(e.Category)
	}
	if t, err := time.Parse(dateLayout, strings.TrimSpace(e.Date)); err == nil {
		entry.Date = t
	}
	return entry
}

// splitAuthors splits the semicolon-joined author string into trimmed, non-empty names.
func splitAuthors(raw string) []string {
	authors := []string{}
	for _, name := range strings.Split(raw, ";") {
		if name = strings.TrimSpace(name); name != "" {
			authors = append(authors, name)
		}
	}
	return authors
}

// parseVersion falls back to 1 when the version is not an integer.
func parseVersion(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 1
	}
	return v
}
