package rewards_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprout/reading-tree/readinglog"
	"github.com/sprout/reading-tree/rewards"
)

func TestApprovalCredit(t *testing.T) {
	rec := &readinglog.Record{ID: 42, UserID: "student-1"}
	at := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	entry := rewards.Standard{}.ApprovalCredit(rec, at)

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, readinglog.UserID("student-1"), entry.UserID)
	assert.Equal(t, readinglog.RecordID(42), entry.RecordID)
	assert.True(t, entry.Gold.Equal(rewards.GoldPerApproval))
	assert.Equal(t, "approve-record-42", entry.IdempotencyKey)
	assert.Equal(t, at, entry.CreatedAt)
}

func TestApprovalCredit_KeyIgnoresEverythingButTheRecord(t *testing.T) {
	// Two credit attempts for the same record must collide on the key,
	// regardless of when or for whom they were built.
	a := rewards.Standard{}.ApprovalCredit(&readinglog.Record{ID: 7, UserID: "x"}, time.Now())
	b := rewards.Standard{}.ApprovalCredit(&readinglog.Record{ID: 7, UserID: "y"}, time.Now().Add(time.Hour))

	require.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestLevelForGold(t *testing.T) {
	cases := []struct {
		gold  int64
		level int
	}{
		{0, 1},
		{10, 1},
		{90, 1},
		{100, 2},
		{110, 2},
		{199, 2},
		{200, 3},
		{1000, 11},
	}
	for _, tc := range cases {
		got := rewards.LevelForGold(decimal.NewFromInt(tc.gold))
		assert.Equal(t, tc.level, got, "gold=%d", tc.gold)
	}

	assert.Equal(t, 1, rewards.LevelForGold(decimal.NewFromInt(-5)))
}

func TestLevelForGold_Monotone(t *testing.T) {
	prev := 0
	for gold := int64(0); gold <= 500; gold += 10 {
		level := rewards.LevelForGold(decimal.NewFromInt(gold))
		require.GreaterOrEqual(t, level, prev)
		prev = level
	}
}
