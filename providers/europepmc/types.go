package europepmc

// SearchResponse is the top level of a Europe PMC search answer.
type SearchResponse struct {
	HitCount       int    `json:"hitCount"`
	NextCursorMark string `json:"nextCursorMark"`
	ResultList     *struct {
		Result []Article `json:"result"`
	} `json:"resultList"`
}

// Article is one search result in the core result type.
type Article struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	DOI          string `json:"doi"`
	Title        string `json:"title"`
	AuthorString string `json:"authorString"`
	AuthorList   struct {
		Author []Author `json:"author"`
	} `json:"authorList"`
	FirstPublicationDate string `json:"firstPublicationDate"`
	AbstractText         string `json:"abstractText"`
	PubTypeList          struct {
		PubType []string `json:"pubType"`
	} `json:"pubTypeList"`
	VersionNumber int `json:"versionNumber"`
}

// Author is one entry of authorList.
type Author struct {
	FullName string `json:"fullName"`
}
