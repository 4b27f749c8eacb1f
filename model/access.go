package model

import "context"

// Role constants, ordered from least to most privileged.
const (
	RoleCrew    = "crew"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Access is the resolved authorization scope of an actor. For managers,
// SubjectIDs holds the crew members covered by an active assignment; for
// admins it is ignored.
type Access struct {
	ActorID    string
	Role       string
	SubjectIDs map[string]bool
}

// CanReadSubject reports whether the actor may read instances bound to the
// given subject.
func (a Access) CanReadSubject(subjectID string) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleManager:
		return a.SubjectIDs[subjectID]
	default:
		return a.ActorID == subjectID
	}
}

// CanReview reports whether the actor may decide reviews for instances bound
// to the given subject. Crew members can never review, not even themselves.
func (a Access) CanReview(subjectID string) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleManager:
		return a.SubjectIDs[subjectID]
	default:
		return false
	}
}

// CanAuthorTemplates reports whether the actor may create or change
// workflow templates.
func (a Access) CanAuthorTemplates() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager
}

// AccessResolver resolves the authorization scope for a request.
type AccessResolver interface {
	Resolve(ctx context.Context, rctx *RequestContext) (Access, error)
	Invalidate(actorID string)
}
