/*
submit.go - Submission/edit front door

PURPOSE:
  Lets a student create a record in pending, or edit a pending/rejected
  record back to pending. Pure validation and ownership checks; reward
  state is never touched here - that is the engine's monopoly.

RE-SUBMISSION SEMANTICS:
  Editing resets status to pending and clears the teacher comment, so
  the record always reflects the most recent decision only. Approved
  records are terminal and refuse edits.
*/
package readinglog

import (
	"context"
	"fmt"
	"time"
)

// SubmissionService is the student-facing entry point for records.
type SubmissionService struct {
	store Store
	now   func() time.Time
}

func NewSubmissionService(store Store) *SubmissionService {
	return &SubmissionService{store: store, now: time.Now}
}

// Submit creates a new pending record for the acting student.
// The student must have a profile and a class enrollment; reward
// bookkeeping for the class requires knowing where leaves will land.
func (ss *SubmissionService) Submit(ctx context.Context, actor Actor, in RecordInput) (*Record, error) {
	if actor.Role != RoleStudent {
		return nil, fmt.Errorf("%w: only students submit records", ErrNotAuthorized)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := ss.store.GetProfile(ctx, actor.ID); err != nil {
		return nil, err
	}
	if _, err := ss.store.ClassOf(ctx, actor.ID); err != nil {
		return nil, err
	}

	now := ss.now().UTC()
	rec := &Record{
		UserID:     actor.ID,
		Book:       in.Book,
		Reflection: in.Reflection,
		ImageURL:   in.ImageURL,
		Rating:     in.Rating,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	id, err := ss.store.CreateRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	rec.ID = id
	return rec, nil
}

// Edit replaces a record's content and returns it to pending, clearing
// any prior teacher comment. Allowed only for the owner and only while
// the record is not approved.
func (ss *SubmissionService) Edit(ctx context.Context, actor Actor, id RecordID, in RecordInput) (*Record, error) {
	if actor.Role != RoleStudent {
		return nil, fmt.Errorf("%w: only students edit records", ErrNotAuthorized)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	rec, err := ss.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != actor.ID {
		return nil, fmt.Errorf("%w: record %d belongs to another student", ErrNotAuthorized, id)
	}

	ok, err := ss.store.ResubmitRecord(ctx, id, actor.ID, in, ss.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		// The guard only fails when the record went terminal underneath.
		return nil, &StateConflictError{RecordID: id, Current: StatusApproved, Action: "edit"}
	}

	return ss.store.GetRecord(ctx, id)
}

// Get returns a record if the actor may see it: the owner, or staff.
func (ss *SubmissionService) Get(ctx context.Context, actor Actor, id RecordID) (*Record, error) {
	rec, err := ss.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != actor.ID && !actor.Role.Staff() {
		return nil, fmt.Errorf("%w: record %d belongs to another student", ErrNotAuthorized, id)
	}
	return rec, nil
}
