package biorxiv

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// DetailsResponse is the JSON answer of the details endpoint. Status and
// collection stay raw until their shape has been checked.
type DetailsResponse struct {
	Messages   []Message       `json:"messages"`
	Collection json.RawMessage `json:"collection"`
}

// Message carries the feed status and paging totals.
type Message struct {
	Status json.RawMessage `json:"status"`
	Total  flexInt         `json:"total"`
	Count  flexInt         `json:"count"`
	Cursor flexText        `json:"cursor"`
}

// Entry is one raw record of the collection.
type Entry struct {
	DOI      string   `json:"doi"`
	Title    string   `json:"title"`
	Authors  string   `json:"authors"`
	Date     string   `json:"date"`
	Version  flexText `json:"version"`
	Type     string   `json:"type"`
	Category string   `json:"category"`
	Abstract string   `json:"abstract"`
}

// flexInt accepts numbers and numeric strings; the feed emits both.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		*n = 0
		return nil
	}
	*n = flexInt(v)
	return nil
}

// flexText accepts strings and bare numbers.
type flexText string

func (t *flexText) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = flexText(s)
		return nil
	}
	if string(b) == "null" {
		*t = ""
		return nil
	}
	*t = flexText(b)
	return nil
}
