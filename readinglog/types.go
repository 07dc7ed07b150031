/*
Package readinglog contains the core domain for the classroom reading-log
tracker: reading records, the approval state machine, per-student reward
profiles, class trees, and the notification outbox.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: a single student reading submission with its approval status
  - Profile: per-student reward state (nickname, role, gold, level)
  - ClassTree: the class-wide reward aggregate (leaves, level, target)
  - Notification: an in-app message produced by a state transition
  - Decision: one immutable approve/reject entry in the decision log

STATE MACHINE:
  pending   -> approved   (teacher approve; terminal for rewards)
  pending   -> rejected   (teacher reject; student may edit back)
  rejected  -> pending    (student edit/resubmit; clears teacher comment)
  approved  ->            (terminal; no edit, no reject, no re-approve)

DESIGN PRINCIPLES:
  1. The Engine is the only writer of reward state; the front door never
     touches counters.
  2. Gold uses decimal.Decimal to keep reward arithmetic exact.
  3. Roles are a closed enum parsed at the boundary, never compared as
     free-form text.
  4. Decisions and reward credits are append-only; the record row mirrors
     only the latest decision.

SEE ALSO:
  - engine.go: the approval transition engine
  - submit.go: the submission/edit front door
  - store.go:  persistence interfaces
*/
package readinglog

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// RecordID is the numeric identity of a reading record.
type RecordID int64

// UserID identifies a student, teacher, or admin.
type UserID string

// ClassID identifies a class and its tree.
type ClassID string

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// ParseRole converts a string claim into a Role. Unknown values are
// rejected so loosely-typed role strings never reach the domain.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Staff reports whether the role may act on other students' records.
func (r Role) Staff() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// Actor is the already-authenticated caller identity. Authentication
// itself is an external collaborator; the domain only sees the claim.
type Actor struct {
	ID   UserID
	Role Role
}

// =============================================================================
// READING RECORD
// =============================================================================

type RecordStatus string

const (
	StatusPending  RecordStatus = "pending"
	StatusApproved RecordStatus = "approved"
	StatusRejected RecordStatus = "rejected"
)

// Book is the catalog metadata attached to a record. Every field is
// optional; empty string / zero means "not provided".
type Book struct {
	Title           string
	Author          string
	Publisher       string
	ISBN            string
	CoverURL        string
	TotalPages      int
	PublicationYear int
}

// Record is a single reading submission.
//
// Status together with TeacherComment reflects the most recent decision
// only; the full history lives in the decision log.
type Record struct {
	ID     RecordID
	UserID UserID

	Book       Book
	Reflection string
	ImageURL   string
	Rating     int // 0 = unrated, otherwise 1..5

	Status         RecordStatus
	TeacherComment string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ApprovedAt *time.Time // set only while Status == approved
}

// RecordInput is the editable content of a record, shared by submit
// and edit. Identity and status are never part of it.
type RecordInput struct {
	Book       Book
	Reflection string
	ImageURL   string
	Rating     int
}

// Validate enforces submission-level rules. It reports the first
// violation as a *ValidationError so callers can surface the field.
func (in RecordInput) Validate() error {
	if in.Book.Title == "" {
		return &ValidationError{Field: "book_title", Reason: "a record must name its book"}
	}
	if in.Rating != 0 && (in.Rating < 1 || in.Rating > 5) {
		return &ValidationError{Field: "rating", Reason: "rating must be between 1 and 5"}
	}
	if in.Book.TotalPages < 0 {
		return &ValidationError{Field: "book_total_pages", Reason: "page count cannot be negative"}
	}
	if in.Book.PublicationYear < 0 {
		return &ValidationError{Field: "book_publication_year", Reason: "publication year cannot be negative"}
	}
	return nil
}

// =============================================================================
// DECISION LOG
// =============================================================================

// Decision is one immutable approve/reject entry. Re-submission never
// removes decisions; it only resets the record's mirrored state.
type Decision struct {
	ID        string
	RecordID  RecordID
	Status    RecordStatus // approved or rejected
	Comment   string
	ActorID   UserID
	DecidedAt time.Time
}

// =============================================================================
// REWARD PROFILE
// =============================================================================

// Profile is the per-user reward state. The approved-leaf count is NOT
// stored here; it is always derived from the records table.
type Profile struct {
	UserID    UserID
	Nickname  string
	Role      Role
	Gold      decimal.Decimal
	Level     int
	CreatedAt time.Time
}

// RewardCredit is one append-only reward ledger entry. The idempotency
// key ties a credit to the approval that produced it, so a record can
// never be credited twice even under concurrent approvals.
type RewardCredit struct {
	ID             string
	UserID         UserID
	RecordID       RecordID
	Gold           decimal.Decimal
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// CLASS TREE
// =============================================================================

// ClassTree is the aggregate reward object shared by one class.
//
// INVARIANTS:
//   - CurrentLeaves equals the sum of member students' approved-record
//     counts at all times.
//   - CurrentLevel only moves up, and only when an approval makes
//     CurrentLeaves cross LevelUpTarget.
type ClassTree struct {
	ClassID       ClassID
	Name          string
	CurrentLevel  int
	CurrentLeaves int
	LevelUpTarget int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TreeSettings is the teacher-configurable part of a class tree.
type TreeSettings struct {
	Name          string
	LevelUpTarget int
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationType string

const (
	NotificationApproval  NotificationType = "approval"
	NotificationRejection NotificationType = "rejection"
	NotificationLevelUp   NotificationType = "level_up"
)

// Notification is one in-app outbox message. Created only by the
// transition engine; the recipient may flip the read flag, nothing else.
type Notification struct {
	ID              string
	UserID          UserID
	Type            NotificationType
	Title           string
	Message         string
	Read            bool
	RelatedRecordID *RecordID
	CreatedAt       time.Time
}
