/*
Package classtree holds the class-aggregate reward rules: when the
shared tree levels up, and what a new tree looks like.

CROSSING SEMANTICS:
  The tree levels up when an approval moves the leaf count from below
  the target to at-or-above it. The check runs inside the approval
  transaction, so concurrent approvals can neither miss nor duplicate
  a level-up.

  Leaves are cumulative (they always equal the sum of member students'
  approved records), so a crossing is before < target && after >= target.
  Consequences, deliberately:
  - Exactly one level increment per crossing, even if the approval
    overshoots the target.
  - Lowering the target below the current leaf count never triggers a
    retroactive level-up; the level only moves on an approval event.
*/
package classtree

import (
	"time"

	"github.com/sprout/reading-tree/readinglog"
)

// DefaultLevelUpTarget is the leaf count a new class needs for its
// first level-up.
const DefaultLevelUpTarget = 50

// Crossing is the production tree policy.
// Implements readinglog.TreePolicy.
type Crossing struct{}

var _ readinglog.TreePolicy = Crossing{}

func (Crossing) Crossed(before, after, target int) bool {
	return Crossed(before, after, target)
}

// Crossed reports whether moving the leaf count from before to after
// crosses the target. Fires exactly once per crossing.
func Crossed(before, after, target int) bool {
	if target <= 0 {
		return false
	}
	return before < target && after >= target
}

// New builds a fresh tree for a class: level 1, no leaves, default
// target unless the teacher picked one.
func New(classID readinglog.ClassID, name string, target int, at time.Time) *readinglog.ClassTree {
	if target <= 0 {
		target = DefaultLevelUpTarget
	}
	return &readinglog.ClassTree{
		ClassID:       classID,
		Name:          name,
		CurrentLevel:  1,
		CurrentLeaves: 0,
		LevelUpTarget: target,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}
