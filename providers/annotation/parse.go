package annotation

import (
	"encoding/json"
	"strings"

	"paper-pulse/providers"
)

// MaxKeywords caps the keyword list of one annotation.
const MaxKeywords = 5

// SystemInstruction asks the model for a strict JSON object.
const SystemInstruction = `You are a research assistant that annotates biology preprints.
Read the abstract and answer with ONE JSON object and nothing else, using these keys:

1. summary: a plain-language summary of the study in two or three sentences.
2. keywords: an array of at most 5 short lowercase keywords (single words or compact terms,
   e.g. "droughtresponse", "crispr", "rootdevelopment"). No duplicates.
3. methods: an array of the main experimental or computational methods used
   (e.g. "RNA-seq", "CRISPR-Cas9", "GWAS"). Empty array if none are stated.
4. modelOrganism: the primary model organism as a binomial name (e.g. "Arabidopsis thaliana"),
   or null if the study has none.

Do NOT wrap the JSON in a markdown code block.`

// missingOrganism lists answers models give instead of null.
var missingOrganism = map[string]bool{
	"":               true,
	"none":           true,
	"null":           true,
	"n/a":            true,
	"na":             true,
	"not applicable": true,
	"unknown":        true,
}

// parseAnnotation validates and normalizes the model's JSON answer.
func parseAnnotation(content string) (*providers.Annotation, error) {
	content = stripCodeFence(content)
	if content == "" {
		return nil, &providers.AnnotationError{Message: "No response returned from API"}
	}

	if !json.Valid([]byte(content)) {
		return nil, &providers.AnnotationError{Message: "Invalid JSON returned from API"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil || fields == nil {
		return nil, &providers.AnnotationError{Message: "Invalid JSON structure returned from API"}
	}

	var summary string
	var keywords []string
	rawSummary, ok := fields["summary"]
	if !ok || string(rawSummary) == "null" || json.Unmarshal(rawSummary, &summary) != nil || strings.TrimSpace(summary) == "" {
		return nil, &providers.AnnotationError{Message: "Invalid JSON structure returned from API"}
	}
	if err := json.Unmarshal(fields["keywords"], &keywords); err != nil || keywords == nil {
		return nil, &providers.AnnotationError{Message: "Invalid JSON structure returned from API"}
	}

	a := &providers.Annotation{
		Summary:  strings.TrimSpace(summary),
		Keywords: normalizeList(keywords, MaxKeywords),
		Methods:  []string{},
	}

	// methods and modelOrganism are optional; a malformed value is dropped.
	var methods []string
	if raw, ok := fields["methods"]; ok && json.Unmarshal(raw, &methods) == nil {
		a.Methods = normalizeList(methods, 0)
	}
	var organism string
	if raw, ok := fields["modelOrganism"]; ok && json.Unmarshal(raw, &organism) == nil {
		organism = strings.TrimSpace(organism)
		if !missingOrganism[strings.ToLower(organism)] {
			a.ModelOrganism = organism
		}
	}
	return a, nil
}

// normalizeList trims entries, drops empty ones and caps the length (0 = no cap).
func normalizeList(in []string, limit int) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
