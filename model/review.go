package model

import "time"

// Review status constants.
const (
	ReviewStatusPending  = "pending_review"
	ReviewStatusApproved = "approved"
	ReviewStatusRejected = "rejected"
)

// Review decision actions.
const (
	ReviewActionApprove = "approve"
	ReviewActionReject  = "reject"
)

// ReviewDecision is the human gate attached to a gated StepProgress. A row is
// opened in pending_review when the automated criterion is satisfied (quiz
// passed) or when an approval step is first touched, and decided at most once
// per submission.
type ReviewDecision struct {
	ID           string     `json:"id"`
	ProgressID   string     `json:"progress_id"`
	InstanceID   string     `json:"instance_id"`
	ReviewStatus string     `json:"review_status"`
	ReviewerID   string     `json:"reviewer_id,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// Decided reports whether the review has already been decided.
func (r *ReviewDecision) Decided() bool {
	return r.ReviewStatus != ReviewStatusPending
}
