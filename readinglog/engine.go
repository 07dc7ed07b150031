/*
engine.go - Approval transition engine

PURPOSE:
  The single authority for moving a record out of pending, and the only
  place permitted to grant or adjust reward counters for that record.

TRANSITION FLOW (approve):
  ┌────────────────────────────────────────────────────────────────┐
  │ WithTx:                                                        │
  │   1. load record, authorize teacher against the student's class│
  │   2. CAS status pending -> approved (+ timestamp, + comment)   │
  │   3. append decision to the decision log                       │
  │   4. credit gold to the student, recompute level               │
  │   5. append reward ledger entry (idempotency-keyed)            │
  │   6. class leaves +1; crossing check -> level +1 + fan-out     │
  │   7. enqueue approval notification to the submitter            │
  └────────────────────────────────────────────────────────────────┘
  Reject is the same unit minus every reward step.

CONCURRENCY CONTRACT:
  Two concurrent approve attempts on one record result in exactly one
  success: the loser's CAS touches zero rows, the unit returns a state
  conflict, and the transaction rolls back with no side effects. The
  reward ledger's idempotency key is a second, independent guard.

ERROR SEMANTICS:
  Everything or nothing. A failure in any side effect aborts the whole
  transaction and leaves the record, counters, and outbox untouched.
*/
package readinglog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// POLICIES - Injected by the reward domain packages
// =============================================================================

// RewardPolicy computes the per-approval credit and the level curve.
// Implemented by the rewards package; the engine stays policy-free.
type RewardPolicy interface {
	// ApprovalCredit builds the ledger entry for one approved record.
	ApprovalCredit(rec *Record, at time.Time) RewardCredit

	// LevelForGold maps a gold total to a level. Must be monotone.
	LevelForGold(gold decimal.Decimal) int
}

// TreePolicy decides when the class tree levels up.
// Implemented by the classtree package.
type TreePolicy interface {
	// Crossed reports whether moving the leaf count from before to after
	// crosses the target. Must fire exactly once per crossing.
	Crossed(before, after, target int) bool
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine drives approve/reject transitions. All dependencies are
// required; NewEngine panics on nil wiring rather than failing later
// inside a transaction.
type Engine struct {
	store   TxStore
	rewards RewardPolicy
	tree    TreePolicy
	log     *logrus.Logger
	now     func() time.Time
}

func NewEngine(store TxStore, rewards RewardPolicy, tree TreePolicy, log *logrus.Logger) *Engine {
	if store == nil || rewards == nil || tree == nil {
		panic("readinglog: engine wired with nil dependency")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{store: store, rewards: rewards, tree: tree, log: log, now: time.Now}
}

// Approve moves a pending record to approved and applies the full
// reward unit atomically. Returns the updated record.
func (e *Engine) Approve(ctx context.Context, id RecordID, actor Actor, comment string) (*Record, error) {
	var out *Record

	err := e.store.WithTx(ctx, func(s Store) error {
		rec, classID, err := e.loadForDecision(ctx, s, id, actor)
		if err != nil {
			return err
		}

		at := e.now().UTC()
		ok, err := s.MarkApproved(ctx, id, comment, at)
		if err != nil {
			return fmt.Errorf("mark approved: %w", err)
		}
		if !ok {
			return e.stateConflict(ctx, s, id, rec, "approve")
		}

		if err := s.AppendDecision(ctx, &Decision{
			RecordID:  id,
			Status:    StatusApproved,
			Comment:   comment,
			ActorID:   actor.ID,
			DecidedAt: at,
		}); err != nil {
			return fmt.Errorf("append decision: %w", err)
		}

		if err := e.credit(ctx, s, rec, at); err != nil {
			return err
		}

		if err := e.growTree(ctx, s, classID, at); err != nil {
			return err
		}

		if err := s.EnqueueNotification(ctx, approvalNotification(rec, comment, at)); err != nil {
			return fmt.Errorf("enqueue approval notification: %w", err)
		}

		out, err = s.GetRecord(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"record_id": id,
		"student":   out.UserID,
		"actor":     actor.ID,
	}).Info("record approved")

	return out, nil
}

// Reject moves a pending record to rejected. No reward state changes.
func (e *Engine) Reject(ctx context.Context, id RecordID, actor Actor, comment string) (*Record, error) {
	var out *Record

	err := e.store.WithTx(ctx, func(s Store) error {
		rec, _, err := e.loadForDecision(ctx, s, id, actor)
		if err != nil {
			return err
		}

		at := e.now().UTC()
		ok, err := s.MarkRejected(ctx, id, comment, at)
		if err != nil {
			return fmt.Errorf("mark rejected: %w", err)
		}
		if !ok {
			return e.stateConflict(ctx, s, id, rec, "reject")
		}

		if err := s.AppendDecision(ctx, &Decision{
			RecordID:  id,
			Status:    StatusRejected,
			Comment:   comment,
			ActorID:   actor.ID,
			DecidedAt: at,
		}); err != nil {
			return fmt.Errorf("append decision: %w", err)
		}

		if err := s.EnqueueNotification(ctx, rejectionNotification(rec, comment, at)); err != nil {
			return fmt.Errorf("enqueue rejection notification: %w", err)
		}

		out, err = s.GetRecord(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"record_id": id,
		"student":   out.UserID,
		"actor":     actor.ID,
	}).Info("record rejected")

	return out, nil
}

// =============================================================================
// TRANSITION STEPS
// =============================================================================

// loadForDecision fetches the record and checks the actor's authority
// over the submitting student's class.
func (e *Engine) loadForDecision(ctx context.Context, s Store, id RecordID, actor Actor) (*Record, ClassID, error) {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, "", err
	}

	classID, err := s.ClassOf(ctx, rec.UserID)
	if err != nil {
		return nil, "", err
	}

	switch actor.Role {
	case RoleAdmin:
		// admins may act on any class
	case RoleTeacher:
		teaches, err := s.IsTeacherOf(ctx, actor.ID, classID)
		if err != nil {
			return nil, "", err
		}
		if !teaches {
			return nil, "", fmt.Errorf("%w: %s does not teach class %s", ErrNotAuthorized, actor.ID, classID)
		}
	default:
		return nil, "", fmt.Errorf("%w: role %s cannot decide records", ErrNotAuthorized, actor.Role)
	}

	return rec, classID, nil
}

// stateConflict reloads the record inside the same transaction to name
// the actual current state in the error.
func (e *Engine) stateConflict(ctx context.Context, s Store, id RecordID, fallback *Record, action string) error {
	current := fallback.Status
	if rec, err := s.GetRecord(ctx, id); err == nil {
		current = rec.Status
	}
	return &StateConflictError{RecordID: id, Current: current, Action: action}
}

// credit applies the per-approval gold to the student and records the
// ledger entry. The ledger's idempotency key makes a double credit a
// constraint violation even if the CAS guard were ever bypassed.
func (e *Engine) credit(ctx context.Context, s Store, rec *Record, at time.Time) error {
	entry := e.rewards.ApprovalCredit(rec, at)
	if err := s.AppendRewardCredit(ctx, entry); err != nil {
		return fmt.Errorf("append reward credit: %w", err)
	}

	profile, err := s.GetProfile(ctx, rec.UserID)
	if err != nil {
		return err
	}
	newLevel := e.rewards.LevelForGold(profile.Gold.Add(entry.Gold))
	if err := s.AddGold(ctx, rec.UserID, entry.Gold, newLevel); err != nil {
		return fmt.Errorf("credit gold: %w", err)
	}
	return nil
}

// growTree bumps the class aggregate and runs the level-up check inside
// the same unit, so concurrent approvals can neither miss nor duplicate
// a crossing.
func (e *Engine) growTree(ctx context.Context, s Store, classID ClassID, at time.Time) error {
	tree, err := s.IncrementLeaves(ctx, classID)
	if err != nil {
		return fmt.Errorf("increment leaves: %w", err)
	}

	before := tree.CurrentLeaves - 1
	if !e.tree.Crossed(before, tree.CurrentLeaves, tree.LevelUpTarget) {
		return nil
	}

	newLevel := tree.CurrentLevel + 1
	if err := s.SetTreeLevel(ctx, classID, newLevel); err != nil {
		return fmt.Errorf("set tree level: %w", err)
	}

	students, err := s.ListStudents(ctx, classID)
	if err != nil {
		return err
	}
	for _, studentID := range students {
		if err := s.EnqueueNotification(ctx, levelUpNotification(studentID, tree.Name, newLevel, at)); err != nil {
			return fmt.Errorf("enqueue level-up notification: %w", err)
		}
	}

	e.log.WithFields(logrus.Fields{
		"class_id": classID,
		"level":    newLevel,
		"leaves":   tree.CurrentLeaves,
	}).Info("class tree leveled up")

	return nil
}

// RequireTxStore asserts a Store also carries transactions. Used by
// wiring code that only holds the narrow interface.
func RequireTxStore(s Store) (TxStore, error) {
	ts, ok := s.(TxStore)
	if !ok {
		return nil, errors.New("readinglog: store does not support transactions")
	}
	return ts, nil
}
