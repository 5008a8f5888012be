package models

import "time"

const (
	RunStatusInProgress  = "in_progress"
	RunStatusCompleted   = "completed"
	RunStatusError       = "error"
	RunStatusInterrupted = "interrupted"
)

// RunLog tracks the progress of one ingestion run.
type RunLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RunAt         time.Time `json:"run_at" gorm:"index;not null"`
	IntervalStart time.Time `json:"interval_start"`
	IntervalEnd   time.Time `json:"interval_end"`

	Fetched   int `json:"fetched" gorm:"not null;default:0"`
	Processed int `json:"processed" gorm:"not null;default:0"`
	Errors    int `json:"errors" gorm:"not null;default:0"`

	Status       string `json:"status" gorm:"index;not null;default:'in_progress'"`
	ErrorMessage string `json:"error_message,omitempty" gorm:"type:text"`
}

func (RunLog) TableName() string { return "run_logs" }
