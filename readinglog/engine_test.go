package readinglog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprout/reading-tree/classtree"
	"github.com/sprout/reading-tree/readinglog"
	"github.com/sprout/reading-tree/rewards"
	"github.com/sprout/reading-tree/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	store  *sqlite.Store
	engine *readinglog.Engine
	submit *readinglog.SubmissionService
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{
		store:  store,
		engine: readinglog.NewEngine(store, rewards.Standard{}, classtree.Crossing{}, nil),
		submit: readinglog.NewSubmissionService(store),
	}
}

// seedClass creates a class with the given level-up target, one teacher
// and the given students, each with a fresh profile.
func (f *fixture) seedClass(t *testing.T, target int, students ...string) {
	ctx := context.Background()

	tree := classtree.New("class-1", "Room 3-2", target, time.Now())
	require.NoError(t, f.store.CreateClass(ctx, tree))

	require.NoError(t, f.store.CreateProfile(ctx, &readinglog.Profile{
		UserID: "teacher-1", Nickname: "Ms. Park", Role: readinglog.RoleTeacher,
		Gold: decimal.Zero, Level: 1, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.Enroll(ctx, "class-1", "teacher-1", readinglog.RoleTeacher))

	for _, s := range students {
		require.NoError(t, f.store.CreateProfile(ctx, &readinglog.Profile{
			UserID: readinglog.UserID(s), Nickname: s, Role: readinglog.RoleStudent,
			Gold: decimal.Zero, Level: 1, CreatedAt: time.Now(),
		}))
		require.NoError(t, f.store.Enroll(ctx, "class-1", readinglog.UserID(s), readinglog.RoleStudent))
	}
}

func (f *fixture) submitRecord(t *testing.T, student string) readinglog.RecordID {
	rec, err := f.submit.Submit(context.Background(),
		readinglog.Actor{ID: readinglog.UserID(student), Role: readinglog.RoleStudent},
		readinglog.RecordInput{
			Book:       readinglog.Book{Title: "Charlotte's Web", Author: "E. B. White"},
			Reflection: "Spiders can be friends.",
			Rating:     5,
		})
	require.NoError(t, err)
	return rec.ID
}

var (
	teacher = readinglog.Actor{ID: "teacher-1", Role: readinglog.RoleTeacher}
	admin   = readinglog.Actor{ID: "admin-1", Role: readinglog.RoleAdmin}
)

// =============================================================================
// APPROVAL
// =============================================================================

func TestEngine_Approve_CreditsGoldAndLeaf(t *testing.T) {
	// GIVEN: a pending record from an enrolled student
	// WHEN: the class teacher approves it
	// THEN: status flips, the student earns 10 gold, the tree gains a leaf,
	//       and the student is notified

	f := newFixture(t)
	f.seedClass(t, 50, "student-1")
	id := f.submitRecord(t, "student-1")
	ctx := context.Background()

	rec, err := f.engine.Approve(ctx, id, teacher, "Nice reflection!")
	require.NoError(t, err)

	assert.Equal(t, readinglog.StatusApproved, rec.Status)
	assert.Equal(t, "Nice reflection!", rec.TeacherComment)
	require.NotNil(t, rec.ApprovedAt)

	profile, err := f.store.GetProfile(ctx, "student-1")
	require.NoError(t, err)
	assert.True(t, profile.Gold.Equal(decimal.NewFromInt(10)), "gold = %s", profile.Gold)
	assert.Equal(t, 1, profile.Level)

	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tree.CurrentLeaves)
	assert.Equal(t, 1, tree.CurrentLevel)

	notifications, err := f.store.ListNotifications(ctx, "student-1", 0)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, readinglog.NotificationApproval, notifications[0].Type)

	credits, err := f.store.RewardCredits(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, rewards.CreditKey(id), credits[0].IdempotencyKey)
}

func TestEngine_Approve_IsTerminal(t *testing.T) {
	// GIVEN: an already-approved record
	// WHEN: approving or rejecting it again
	// THEN: state conflict, and no second credit appears

	f := newFixture(t)
	f.seedClass(t, 50, "student-1")
	id := f.submitRecord(t, "student-1")
	ctx := context.Background()

	_, err := f.engine.Approve(ctx, id, teacher, "")
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, id, teacher, "")
	var conflict *readinglog.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, readinglog.StatusApproved, conflict.Current)

	_, err = f.engine.Reject(ctx, id, teacher, "changed my mind")
	assert.ErrorIs(t, err, readinglog.ErrNotPending)

	profile, err := f.store.GetProfile(ctx, "student-1")
	require.NoError(t, err)
	assert.True(t, profile.Gold.Equal(decimal.NewFromInt(10)), "gold must stay at one credit, got %s", profile.Gold)

	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tree.CurrentLeaves)
}

func TestEngine_Approve_Concurrent_SingleCredit(t *testing.T) {
	// GIVEN: one pending record
	// WHEN: two approvals race
	// THEN: exactly one succeeds; gold, leaves, and the ledger all count one

	f := newFixture(t)
	f.seedClass(t, 50, "student-1")
	id := f.submitRecord(t, "student-1")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Approve(ctx, id, teacher, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, readinglog.ErrNotPending)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one approval must win")

	profile, err := f.store.GetProfile(ctx, "student-1")
	require.NoError(t, err)
	assert.True(t, profile.Gold.Equal(decimal.NewFromInt(10)))

	credits, err := f.store.RewardCredits(ctx, "student-1")
	require.NoError(t, err)
	assert.Len(t, credits, 1)

	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tree.CurrentLeaves)
}

func TestEngine_Approve_LevelsUpStudent(t *testing.T) {
	// GIVEN: a student nine approvals in (90 gold)
	// WHEN: the tenth record is approved
	// THEN: gold hits 100 and the student reaches level 2

	f := newFixture(t)
	f.seedClass(t, 0, "student-1")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := f.submitRecord(t, "student-1")
		_, err := f.engine.Approve(ctx, id, teacher, "")
		require.NoError(t, err)
	}

	profile, err := f.store.GetProfile(ctx, "student-1")
	require.NoError(t, err)
	assert.True(t, profile.Gold.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 2, profile.Level)
}

// =============================================================================
// REJECTION
// =============================================================================

func TestEngine_Reject_NoRewardSideEffects(t *testing.T) {
	// GIVEN: a pending record
	// WHEN: the teacher rejects it with a comment
	// THEN: status and comment update, the student is notified, and no
	//       reward state moves anywhere

	f := newFixture(t)
	f.seedClass(t, 50, "student-1")
	id := f.submitRecord(t, "student-1")
	ctx := context.Background()

	rec, err := f.engine.Reject(ctx, id, teacher, "Please write more than one line.")
	require.NoError(t, err)
	assert.Equal(t, readinglog.StatusRejected, rec.Status)
	assert.Equal(t, "Please write more than one line.", rec.TeacherComment)
	assert.Nil(t, rec.ApprovedAt)

	profile, err := f.store.GetProfile(ctx, "student-1")
	require.NoError(t, err)
	assert.True(t, profile.Gold.IsZero())

	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 0, tree.CurrentLeaves)

	notifications, err := f.store.ListNotifications(ctx, "student-1", 0)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, readinglog.NotificationRejection, notifications[0].Type)
	assert.Contains(t, notifications[0].Message, "Please write more than one line.")
}

func TestEngine_RejectThenResubmitThenApprove(t *testing.T) {
	// GIVEN: a rejected record the student has edited back to pending
	// WHEN: the teacher approves the resubmission
	// THEN: the decision log holds both decisions and the credit happens once

	f := newFixture(t)
	f.seedClass(t, 50, "student-1")
	id := f.submitRecord(t, "student-1")
	ctx := context.Background()
	student := readinglog.Actor{ID: "student-1", Role: readinglog.RoleStudent}

	_, err := f.engine.Reject(ctx, id, teacher, "too short")
	require.NoError(t, err)

	rec, err := f.submit.Edit(ctx, student, id, readinglog.RecordInput{
		Book:       readinglog.Book{Title: "Charlotte's Web"},
		Reflection: "A longer reflection about the farm and the fair.",
		Rating:     4,
	})
	require.NoError(t, err)
	assert.Equal(t, readinglog.StatusPending, rec.Status)
	assert.Empty(t, rec.TeacherComment, "resubmission must clear the old comment")

	_, err = f.engine.Approve(ctx, id, teacher, "")
	require.NoError(t, err)

	decisions, err := f.store.ListDecisions(ctx, id)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, readinglog.StatusRejected, decisions[0].Status)
	assert.Equal(t, readinglog.StatusApproved, decisions[1].Status)

	credits, err := f.store.RewardCredits(ctx, "student-1")
	require.NoError(t, err)
	assert.Len(t, credits, 1)
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestEngine_Approve_Authorization(t *testing.T) {
	// GIVEN: a pending record in class-1
	// WHEN: a teacher of another class, a student, and an admin each act
	// THEN: only the admin (and class-1's own teacher) may decide

	f := newFixture(t)
	f.seedClass(t, 50, "student-1")
	ctx := context.Background()

	// A teacher with no stake in class-1.
	require.NoError(t, f.store.CreateProfile(ctx, &readinglog.Profile{
		UserID: "teacher-2", Nickname: "Mr. Kim", Role: readinglog.RoleTeacher,
		Gold: decimal.Zero, Level: 1, CreatedAt: time.Now(),
	}))

	id := f.submitRecord(t, "student-1")

	_, err := f.engine.Approve(ctx, id, readinglog.Actor{ID: "teacher-2", Role: readinglog.RoleTeacher}, "")
	assert.ErrorIs(t, err, readinglog.ErrNotAuthorized)

	_, err = f.engine.Approve(ctx, id, readinglog.Actor{ID: "student-1", Role: readinglog.RoleStudent}, "")
	assert.ErrorIs(t, err, readinglog.ErrNotAuthorized)

	// Nothing was applied by the failed attempts.
	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 0, tree.CurrentLeaves)

	_, err = f.engine.Approve(ctx, id, admin, "")
	assert.NoError(t, err, "admins may decide any class's records")
}

// =============================================================================
// CLASS TREE LEVEL-UP
// =============================================================================

func TestEngine_TreeLevelUp_CrossingFansOutOnce(t *testing.T) {
	// GIVEN: a class of two students with a level-up target of 3
	// WHEN: approvals take the leaf count from 2 to 3
	// THEN: the tree levels up exactly once and every student is notified

	f := newFixture(t)
	f.seedClass(t, 3, "student-1", "student-2")
	ctx := context.Background()

	ids := []readinglog.RecordID{
		f.submitRecord(t, "student-1"),
		f.submitRecord(t, "student-2"),
		f.submitRecord(t, "student-1"),
	}

	for _, id := range ids[:2] {
		_, err := f.engine.Approve(ctx, id, teacher, "")
		require.NoError(t, err)
	}

	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tree.CurrentLevel, "no level-up before the target")

	_, err = f.engine.Approve(ctx, ids[2], teacher, "")
	require.NoError(t, err)

	tree, err = f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 2, tree.CurrentLevel)
	assert.Equal(t, 3, tree.CurrentLeaves, "leaves are cumulative, never reset")

	for _, student := range []readinglog.UserID{"student-1", "student-2"} {
		notifications, err := f.store.ListNotifications(ctx, student, 0)
		require.NoError(t, err)

		levelUps := 0
		for _, n := range notifications {
			if n.Type == readinglog.NotificationLevelUp {
				levelUps++
			}
		}
		assert.Equal(t, 1, levelUps, "student %s should see exactly one level-up", student)
	}
}

func TestEngine_TreeLevelUp_RaisedTargetDelaysNextCrossing(t *testing.T) {
	// GIVEN: a tree that leveled up at target 2
	// WHEN: the teacher raises the target to 5 and approvals continue
	// THEN: no second level-up until leaves cross 5

	f := newFixture(t)
	f.seedClass(t, 2, "student-1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id := f.submitRecord(t, "student-1")
		_, err := f.engine.Approve(ctx, id, teacher, "")
		require.NoError(t, err)
	}

	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	require.Equal(t, 2, tree.CurrentLevel)

	require.NoError(t, f.store.UpdateTreeSettings(ctx, "class-1",
		readinglog.TreeSettings{Name: "Room 3-2", LevelUpTarget: 5}))

	for i := 0; i < 2; i++ {
		id := f.submitRecord(t, "student-1")
		_, err := f.engine.Approve(ctx, id, teacher, "")
		require.NoError(t, err)
	}

	tree, err = f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 2, tree.CurrentLevel, "4 leaves has not crossed 5 yet")

	id := f.submitRecord(t, "student-1")
	_, err = f.engine.Approve(ctx, id, teacher, "")
	require.NoError(t, err)

	tree, err = f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 3, tree.CurrentLevel)
	assert.Equal(t, 5, tree.CurrentLeaves)
}

func TestEngine_TreeLevelUp_LoweredTargetNeverRetroFires(t *testing.T) {
	// GIVEN: a tree with 3 leaves and target 50
	// WHEN: the teacher lowers the target to 2 (already below the count)
	// THEN: nothing fires until the NEXT approval, which crossed long ago,
	//       so the level stays put

	f := newFixture(t)
	f.seedClass(t, 50, "student-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := f.submitRecord(t, "student-1")
		_, err := f.engine.Approve(ctx, id, teacher, "")
		require.NoError(t, err)
	}

	require.NoError(t, f.store.UpdateTreeSettings(ctx, "class-1",
		readinglog.TreeSettings{Name: "Room 3-2", LevelUpTarget: 2}))

	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tree.CurrentLevel, "lowering the target is not an approval")

	id := f.submitRecord(t, "student-1")
	_, err = f.engine.Approve(ctx, id, teacher, "")
	require.NoError(t, err)

	tree, err = f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tree.CurrentLevel, "3->4 does not cross a target of 2")
}

// =============================================================================
// AGGREGATE CONSISTENCY
// =============================================================================

func TestEngine_LeavesEqualApprovedCounts(t *testing.T) {
	// GIVEN: a mix of approvals and rejections across two students
	// THEN: tree leaves always equal the sum of approved-record counts

	f := newFixture(t)
	f.seedClass(t, 0, "student-1", "student-2")
	ctx := context.Background()

	approve := func(student string) {
		id := f.submitRecord(t, student)
		_, err := f.engine.Approve(ctx, id, teacher, "")
		require.NoError(t, err)
	}
	reject := func(student string) {
		id := f.submitRecord(t, student)
		_, err := f.engine.Reject(ctx, id, teacher, "redo")
		require.NoError(t, err)
	}

	approve("student-1")
	reject("student-1")
	approve("student-2")
	approve("student-2")
	reject("student-2")

	n1, err := f.store.CountApprovedRecords(ctx, "student-1")
	require.NoError(t, err)
	n2, err := f.store.CountApprovedRecords(ctx, "student-2")
	require.NoError(t, err)

	tree, err := f.store.GetTree(ctx, "class-1")
	require.NoError(t, err)
	assert.Equal(t, n1+n2, tree.CurrentLeaves)
}

// =============================================================================
// MISSING DEPENDENCIES
// =============================================================================

func TestEngine_Approve_UnknownRecord(t *testing.T) {
	f := newFixture(t)
	f.seedClass(t, 50, "student-1")

	_, err := f.engine.Approve(context.Background(), 9999, teacher, "")
	assert.ErrorIs(t, err, readinglog.ErrRecordNotFound)
}
