package services

import (
	"strconv"
	"strings"
	"time"
)

// DocumentFields are the record fields that make up the rendered document.
type DocumentFields struct {
	Title    string
	Authors  []string
	Date     time.Time
	Version  int
	DOI      string
	Type     string
	Abstract string
	Summary  string
	Keywords []string
}

// RenderMarkdown formats a paper as a markdown document. The output depends
// only on its input and always ends with exactly one newline.
func RenderMarkdown(f DocumentFields) string {
	var b strings.Builder

	b.WriteString("# " + f.Title + "\n\n")

	if len(f.Authors) > 0 {
		b.WriteString("**Authors:** " + strings.Join(f.Authors, ", ") + "\n")
	}
	if !f.Date.IsZero() {
		b.WriteString("**Date:** " + f.Date.UTC().Format("2006-01-02") + "\n")
	}
	b.WriteString("**Version:** " + strconv.Itoa(f.Version) + "\n")
	b.WriteString("**DOI:** " + f.DOI + "\n")
	if f.Type != "" {
		b.WriteString("**Category:** " + f.Type + "\n")
	}
	b.WriteString("\n")

	section := func(heading, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		b.WriteString("## " + heading + "\n\n" + strings.TrimSpace(body) + "\n\n")
	}
	section("Abstract", f.Abstract)
	section("AI Summary", f.Summary)
	section("Keywords", strings.Join(f.Keywords, ", "))

	return strings.TrimRight(b.String(), "\n") + "\n"
}
