package providers

import (
	"context"
	"fmt"
	"time"
)

// FeedEntry is one normalized record returned by the bibliographic feed.
type FeedEntry struct {
	DOI      string
	Title    string
	Authors  []string
	Date     time.Time
	Version  int
	Type     string
	Abstract string
}

// FeedPageSize is the maximum number of entries in one feed page. A shorter
// page is the last one.
const FeedPageSize = 100

// FeedPage is one page of feed results. Total is the number of records the
// feed reports for the whole interval.
type FeedPage struct {
	Entries []FeedEntry
	Total   int
}

// Feed is implemented by every bibliographic source (e.g. bioRxiv).
type Feed interface {
	// Fetch returns one page of records published in [start, end), starting at cursor.
	Fetch(ctx context.Context, start, end time.Time, cursor int) (*FeedPage, error)

	// Name returns the unique name of the source.
	Name() string
}

// Annotation is the AI enrichment of one abstract.
type Annotation struct {
	Summary       string   `json:"summary"`
	Keywords      []string `json:"keywords"`
	Methods       []string `json:"methods"`
	ModelOrganism string   `json:"model_organism,omitempty"`
}

// Annotator produces an Annotation for an abstract.
type Annotator interface {
	Annotate(ctx context.Context, abstract string) (*Annotation, error)
}

// FeedError is returned for network, status and shape failures of the feed.
// It always aborts the current ingestion run.
type FeedError struct {
	Message    string
	Status     string // status field of the feed payload, if any
	StatusCode int    // HTTP status, if any
	Err        error
}

func (e *FeedError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Status != "" {
		msg = fmt.Sprintf("%s: status %q", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "feed: " + msg
}

func (e *FeedError) Unwrap() error { return e.Err }

// AnnotationError is returned when one abstract could not be annotated.
// Ingestion counts it and moves on to the next record.
type AnnotationError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *AnnotationError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "annotation: " + msg
}

func (e *AnnotationError) Unwrap() error { return e.Err }
