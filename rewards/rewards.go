/*
Package rewards defines the reward economy: how much gold an approved
record is worth and how gold maps to a student's level.

NUMERIC SEMANTICS:
  - Gold increments by a fixed constant per approval. Rejection never
    credited, so nothing is ever decremented.
  - Level is a pure, monotone function of gold with a constant step.
    Leveling up is derived, never a separately stored decision.

Gold uses decimal.Decimal so reward arithmetic stays exact if the
per-approval amount ever becomes fractional.
*/
package rewards

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sprout/reading-tree/readinglog"
)

// Module-scoped reward constants.
var (
	// GoldPerApproval is credited to the student for each approved record.
	GoldPerApproval = decimal.NewFromInt(10)

	// GoldPerLevel is the experience step between levels.
	GoldPerLevel = decimal.NewFromInt(100)
)

// Standard is the production reward policy.
// Implements readinglog.RewardPolicy.
type Standard struct{}

var _ readinglog.RewardPolicy = Standard{}

// ApprovalCredit builds the ledger entry for one approved record. The
// idempotency key is derived from the record id alone: a record can be
// credited at most once, ever.
func (Standard) ApprovalCredit(rec *readinglog.Record, at time.Time) readinglog.RewardCredit {
	return readinglog.RewardCredit{
		ID:             uuid.NewString(),
		UserID:         rec.UserID,
		RecordID:       rec.ID,
		Gold:           GoldPerApproval,
		Reason:         fmt.Sprintf("reading record %d approved", rec.ID),
		IdempotencyKey: CreditKey(rec.ID),
		CreatedAt:      at,
	}
}

// LevelForGold maps a gold total to a level: level 1 at zero gold, one
// level per GoldPerLevel. Monotone by construction.
func (Standard) LevelForGold(gold decimal.Decimal) int {
	return LevelForGold(gold)
}

func LevelForGold(gold decimal.Decimal) int {
	if gold.IsNegative() {
		return 1
	}
	steps := gold.Div(GoldPerLevel).IntPart()
	return int(steps) + 1
}

// CreditKey is the idempotency key for a record's one-and-only credit.
func CreditKey(id readinglog.RecordID) string {
	return fmt.Sprintf("approve-record-%d", id)
}
