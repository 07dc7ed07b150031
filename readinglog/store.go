/*
store.go - Persistence interfaces for the reading-log core

PURPOSE:
  Defines the contract between the domain and the database. Two
  implementations exist: store/sqlite (default, embedded) and
  store/postgres (managed relational store).

ATOMIC UNIT CONTRACT:
  The transition engine runs every approve/reject inside WithTx. The
  store must guarantee that everything written through the Store handed
  to fn commits or rolls back as one unit. The database's transactional
  isolation is the sole concurrency-control mechanism; the domain never
  takes application-level locks.

COMPARE-AND-SET:
  MarkApproved/MarkRejected/ResubmitRecord are CAS operations keyed on
  the record's current status. They return false (not an error) when the
  guard fails, so the caller can report the actual current state.

APPEND-ONLY TABLES:
  Reward credits, decisions, and notifications are insert-only. No
  update or delete methods exist for them (the read flag on a
  notification is the single exception).
*/
package readinglog

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RecordStore persists reading records.
type RecordStore interface {
	// CreateRecord inserts a new pending record and returns its id.
	CreateRecord(ctx context.Context, rec *Record) (RecordID, error)

	// GetRecord returns a record, or ErrRecordNotFound.
	GetRecord(ctx context.Context, id RecordID) (*Record, error)

	// ResubmitRecord replaces the record's content, resets status to
	// pending, and clears the teacher comment. The write is guarded by
	// owner id and status != approved; returns false if the guard fails.
	ResubmitRecord(ctx context.Context, id RecordID, owner UserID, in RecordInput, at time.Time) (bool, error)

	// MarkApproved sets status=approved, the approval timestamp, and the
	// comment, guarded by status = pending. Returns false on guard miss.
	MarkApproved(ctx context.Context, id RecordID, comment string, at time.Time) (bool, error)

	// MarkRejected sets status=rejected and the comment, guarded by
	// status = pending. Returns false on guard miss.
	MarkRejected(ctx context.Context, id RecordID, comment string, at time.Time) (bool, error)

	// ListRecordsByStatus returns records with the given status,
	// newest-first. limit <= 0 means no limit.
	ListRecordsByStatus(ctx context.Context, status RecordStatus, limit int) ([]Record, error)

	// ListRecordsByUser returns a student's records, newest-first.
	ListRecordsByUser(ctx context.Context, userID UserID) ([]Record, error)

	// CountApprovedRecords is the source of truth for a student's leaves.
	CountApprovedRecords(ctx context.Context, userID UserID) (int, error)
}

// ProfileStore persists per-user reward profiles.
type ProfileStore interface {
	// CreateProfile inserts a profile. ErrProfileExists if present.
	CreateProfile(ctx context.Context, p *Profile) error

	// GetProfile returns a profile, or ErrProfileNotFound.
	GetProfile(ctx context.Context, id UserID) (*Profile, error)

	// AddGold adds delta to the profile's gold and stores the recomputed
	// level. Invoked only by the transition engine.
	AddGold(ctx context.Context, id UserID, delta decimal.Decimal, newLevel int) error
}

// RewardLedger is the append-only audit trail of reward credits.
type RewardLedger interface {
	// AppendRewardCredit inserts a credit. ErrDuplicateCredit if a credit
	// with the same idempotency key already exists.
	AppendRewardCredit(ctx context.Context, entry RewardCredit) error

	// RewardCredits returns a user's credits, oldest-first.
	RewardCredits(ctx context.Context, userID UserID) ([]RewardCredit, error)
}

// ClassStore persists class trees and membership.
type ClassStore interface {
	// CreateClass inserts a class tree row.
	CreateClass(ctx context.Context, tree *ClassTree) error

	// GetTree returns the tree, or ErrClassNotFound.
	GetTree(ctx context.Context, classID ClassID) (*ClassTree, error)

	// IncrementLeaves atomically bumps current_leaves by 1 and returns
	// the updated tree. Must serialize with concurrent increments.
	IncrementLeaves(ctx context.Context, classID ClassID) (*ClassTree, error)

	// SetTreeLevel stores a new level after a crossing.
	SetTreeLevel(ctx context.Context, classID ClassID, level int) error

	// UpdateTreeSettings applies teacher-configurable settings.
	UpdateTreeSettings(ctx context.Context, classID ClassID, s TreeSettings) error

	// Enroll adds a member with the given role to a class. A student can
	// belong to at most one class; ErrAlreadyEnrolled otherwise.
	Enroll(ctx context.Context, classID ClassID, userID UserID, role Role) error

	// ClassOf returns the class a student belongs to, or ErrNotEnrolled.
	ClassOf(ctx context.Context, userID UserID) (ClassID, error)

	// IsTeacherOf reports whether the user is enrolled in the class as a
	// teacher.
	IsTeacherOf(ctx context.Context, userID UserID, classID ClassID) (bool, error)

	// ListStudents returns the students enrolled in a class.
	ListStudents(ctx context.Context, classID ClassID) ([]UserID, error)
}

// NotificationStore is the per-user outbox.
type NotificationStore interface {
	// EnqueueNotification appends one message.
	EnqueueNotification(ctx context.Context, n *Notification) error

	// ListNotifications returns a user's messages, newest-first.
	ListNotifications(ctx context.Context, userID UserID, limit int) ([]Notification, error)

	// UnreadCount returns the number of unread messages.
	UnreadCount(ctx context.Context, userID UserID) (int, error)

	// MarkNotificationRead flips the read flag. Guarded by recipient;
	// returns false if the message is not theirs or doesn't exist.
	MarkNotificationRead(ctx context.Context, id string, userID UserID) (bool, error)
}

// DecisionLog is the append-only approve/reject history.
type DecisionLog interface {
	AppendDecision(ctx context.Context, d *Decision) error

	// ListDecisions returns a record's decisions, oldest-first.
	ListDecisions(ctx context.Context, recordID RecordID) ([]Decision, error)
}

// Store bundles every persistence concern the domain needs.
type Store interface {
	RecordStore
	ProfileStore
	RewardLedger
	ClassStore
	NotificationStore
	DecisionLog
}

// TxStore adds the atomic unit. The engine refuses to run without it.
type TxStore interface {
	Store

	// WithTx executes fn within one database transaction. If fn returns
	// an error the transaction is rolled back and nothing is applied.
	WithTx(ctx context.Context, fn func(Store) error) error
}
