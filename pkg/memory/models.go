package memory

import "time"

// Run is one persisted orchestrator run. Immutable once created.
type Run struct {
	ID  uint   `gorm:"primaryKey" json:"-"`
	UID string `gorm:"uniqueIndex;size:36" json:"uid"`

	Project   string    `gorm:"index" json:"project"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`

	// Final attempt summary counts.
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`

	ClassifierSummary string `gorm:"type:text" json:"classifier_summary,omitempty"`
}

// Result is one persisted test case row of a run.
type Result struct {
	ID    uint `gorm:"primaryKey" json:"-"`
	RunID uint `gorm:"index" json:"-"`

	Name    string `gorm:"index" json:"name"`
	Suite   string `json:"suite"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `gorm:"type:text" json:"details"`
	Attempt int    `json:"attempt"`
}
