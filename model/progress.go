package model

import "time"

// Step progress status constants.
const (
	ProgressStatusNotStarted = "not_started"
	ProgressStatusInProgress = "in_progress"
	ProgressStatusCompleted  = "completed"
	ProgressStatusSkipped    = "skipped"
)

// StepProgress is the per-instance record of a step's completion state.
// Created lazily on first interaction with the step, updated on every
// progress call. For gated kinds, Status reflects only the automated
// criterion; effective completion additionally requires an approved review.
type StepProgress struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	StepNumber int            `json:"step_number"`
	SubItemID  string         `json:"sub_item_id,omitempty"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Score      *float64       `json:"score,omitempty"`
	Passed     *bool          `json:"passed,omitempty"`
	FileRef    string         `json:"file_ref,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ProgressEntry is the read-model row returned by the progress listing: one
// step of the bound template joined with its progress and review state.
type ProgressEntry struct {
	StepNumber   int        `json:"step_number"`
	Kind         string     `json:"kind"`
	Name         string     `json:"name"`
	IsRequired   bool       `json:"is_required"`
	Status       string     `json:"status"`
	ReviewStatus string     `json:"review_status,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
