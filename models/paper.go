package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Paper is one ingested preprint together with its AI enrichment.
// A Paper with a non-empty Summary is fully processed; one without a summary
// is left over from an interrupted run and is only touched by the backfill path.
type Paper struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DOI      string                      `json:"doi" gorm:"column:doi;uniqueIndex;not null"`
	Title    string                      `json:"title" gorm:"not null"`
	Authors  datatypes.JSONSlice[string] `json:"authors"`
	Date     time.Time                   `json:"date" gorm:"index"`
	Version  int                         `json:"version" gorm:"default:1"`
	Type     string                      `json:"type" gorm:"index"`
	Abstract string                      `json:"abstract,omitempty" gorm:"type:text"`

	Summary       string                      `json:"summary,omitempty" gorm:"type:text"`
	Keywords      datatypes.JSONSlice[string] `json:"keywords"`
	Methods       datatypes.JSONSlice[string] `json:"methods"`
	ModelOrganism string                      `json:"model_organism,omitempty" gorm:"index"`
	Markdown      string                      `json:"markdown,omitempty" gorm:"type:text"`
}

// TableName sets the table name explicitly.
func (Paper) TableName() string {
	return "papers"
}

// FullyProcessed reports whether the paper carries an AI summary.
func (p *Paper) FullyProcessed() bool {
	return p.Summary != ""
}

// BeforeSave keeps list columns as JSON arrays; the aggregate queries explode
// them and a JSON null cannot be exploded.
func (p *Paper) BeforeSave(*gorm.DB) error {
	if p.Authors == nil {
		p.Authors = datatypes.JSONSlice[string]{}
	}
	if p.Keywords == nil {
		p.Keywords = datatypes.JSONSlice[string]{}
	}
	if p.Methods == nil {
		p.Methods = datatypes.JSONSlice[string]{}
	}
	return nil
}
