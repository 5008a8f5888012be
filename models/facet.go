package models

import "time"

const (
	KeywordFacetTable  = "keyword_facets"
	OrganismFacetTable = "organism_facets"
)

// FacetCount is one precomputed row of a facet table: a label and how many
// papers carry it.
type FacetCount struct {
	ID          uint      `json:"-" gorm:"primaryKey"`
	Label       string    `json:"label" gorm:"uniqueIndex;not null"`
	Count       int64     `json:"count" gorm:"not null;default:0"`
	LastUpdated time.Time `json:"last_updated"`
}

// KeywordFacet and OrganismFacet share the FacetCount shape but live in their
// own tables.
type KeywordFacet FacetCount

func (KeywordFacet) TableName() string { return KeywordFacetTable }

type OrganismFacet FacetCount

func (OrganismFacet) TableName() string { return OrganismFacetTable }
