package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprout/reading-tree/api"
	"github.com/sprout/reading-tree/catalog"
	"github.com/sprout/reading-tree/classtree"
	"github.com/sprout/reading-tree/readinglog"
	"github.com/sprout/reading-tree/rewards"
	"github.com/sprout/reading-tree/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := readinglog.NewEngine(store, rewards.Standard{}, classtree.Crossing{}, nil)
	submissions := readinglog.NewSubmissionService(store)
	books := catalog.NewClient("", nil)

	handler := api.NewHandler(submissions, engine, store, books, nil)
	server := httptest.NewServer(api.NewRouter(handler, []string{"*"}))
	t.Cleanup(server.Close)
	return server
}

// do sends a request with actor identity headers and decodes the JSON
// response into out (when out is non-nil).
func do(t *testing.T, server *httptest.Server, method, path, actorID, role string, body, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
		req.Header.Set("X-Actor-Role", role)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func setupClassroom(t *testing.T, server *httptest.Server) {
	resp := do(t, server, http.MethodPost, "/api/me/profile/setup", "teacher-1", "teacher",
		map[string]any{"nickname": "Ms. Park"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, server, http.MethodPost, "/api/me/profile/setup", "student-1", "student",
		map[string]any{"nickname": "bookworm"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, server, http.MethodPost, "/api/classes", "teacher-1", "teacher",
		map[string]any{"class_id": "class-1", "name": "Room 3-2", "level_up_target": 3}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, server, http.MethodPost, "/api/classes/class-1/students", "teacher-1", "teacher",
		map[string]any{"user_id": "student-1"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func submitBody(title string) map[string]any {
	return map[string]any{
		"book_title": title,
		"reflection": "I liked it.",
		"rating":     5,
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestAPI_RequiresIdentityHeaders(t *testing.T) {
	server := newTestServer(t)

	resp := do(t, server, http.MethodGet, "/api/me/profile", "", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, server, http.MethodGet, "/api/me/profile", "u-1", "principal", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open.
	resp = do(t, server, http.MethodGet, "/health", "", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// =============================================================================
// RECORD LIFECYCLE OVER HTTP
// =============================================================================

func TestAPI_SubmitApproveLifecycle(t *testing.T) {
	server := newTestServer(t)
	setupClassroom(t, server)

	var rec struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	resp := do(t, server, http.MethodPost, "/api/records", "student-1", "student",
		submitBody("Charlotte's Web"), &rec)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pending", rec.Status)

	// The review queue shows it.
	var queue []map[string]any
	resp = do(t, server, http.MethodGet, "/api/records", "teacher-1", "teacher", nil, &queue)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, queue, 1)

	var approved struct {
		Status         string `json:"status"`
		TeacherComment string `json:"teacher_comment"`
	}
	resp = do(t, server, http.MethodPost, fmt.Sprintf("/api/records/%d/approve", rec.ID),
		"teacher-1", "teacher", map[string]any{"comment": "Great!"}, &approved)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, "Great!", approved.TeacherComment)

	// Gold landed on the profile.
	var profile struct {
		Gold          string `json:"gold"`
		Level         int    `json:"level"`
		ApprovedCount int    `json:"approved_count"`
	}
	resp = do(t, server, http.MethodGet, "/api/me/profile", "student-1", "student", nil, &profile)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10", profile.Gold)
	assert.Equal(t, 1, profile.ApprovedCount)

	// The tree grew a leaf.
	var tree struct {
		CurrentLeaves int `json:"current_leaves"`
	}
	resp = do(t, server, http.MethodGet, "/api/classes/class-1/tree", "student-1", "student", nil, &tree)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, tree.CurrentLeaves)

	// And the student was told.
	var notifications []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	resp = do(t, server, http.MethodGet, "/api/me/notifications", "student-1", "student", nil, &notifications)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, notifications, 1)
	assert.Equal(t, "approval", notifications[0].Type)

	var unread struct {
		Unread int `json:"unread"`
	}
	do(t, server, http.MethodGet, "/api/me/notifications/unread", "student-1", "student", nil, &unread)
	assert.Equal(t, 1, unread.Unread)

	resp = do(t, server, http.MethodPost, "/api/me/notifications/"+notifications[0].ID+"/read",
		"student-1", "student", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	do(t, server, http.MethodGet, "/api/me/notifications/unread", "student-1", "student", nil, &unread)
	assert.Equal(t, 0, unread.Unread)

	// Second approval is a conflict, not a second credit.
	resp = do(t, server, http.MethodPost, fmt.Sprintf("/api/records/%d/approve", rec.ID),
		"teacher-1", "teacher", map[string]any{}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var credits []map[string]any
	do(t, server, http.MethodGet, "/api/me/rewards", "student-1", "student", nil, &credits)
	assert.Len(t, credits, 1)
}

func TestAPI_RejectAndResubmit(t *testing.T) {
	server := newTestServer(t)
	setupClassroom(t, server)

	var rec struct {
		ID int64 `json:"id"`
	}
	do(t, server, http.MethodPost, "/api/records", "student-1", "student",
		submitBody("Matilda"), &rec)

	// Rejection without a comment is refused.
	resp := do(t, server, http.MethodPost, fmt.Sprintf("/api/records/%d/reject", rec.ID),
		"teacher-1", "teacher", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, server, http.MethodPost, fmt.Sprintf("/api/records/%d/reject", rec.ID),
		"teacher-1", "teacher", map[string]any{"comment": "too short"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var edited struct {
		Status         string `json:"status"`
		TeacherComment string `json:"teacher_comment"`
	}
	resp = do(t, server, http.MethodPut, fmt.Sprintf("/api/records/%d", rec.ID),
		"student-1", "student", submitBody("Matilda (2nd try)"), &edited)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", edited.Status)
	assert.Empty(t, edited.TeacherComment)

	// Decision history survives the resubmission.
	var decisions []map[string]any
	resp = do(t, server, http.MethodGet, fmt.Sprintf("/api/records/%d/decisions", rec.ID),
		"student-1", "student", nil, &decisions)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decisions, 1)
}

func TestAPI_EditApprovedIsConflict(t *testing.T) {
	server := newTestServer(t)
	setupClassroom(t, server)

	var rec struct {
		ID int64 `json:"id"`
	}
	do(t, server, http.MethodPost, "/api/records", "student-1", "student",
		submitBody("The BFG"), &rec)
	resp := do(t, server, http.MethodPost, fmt.Sprintf("/api/records/%d/approve", rec.ID),
		"teacher-1", "teacher", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, server, http.MethodPut, fmt.Sprintf("/api/records/%d", rec.ID),
		"student-1", "student", submitBody("rewrite"), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_Validation(t *testing.T) {
	server := newTestServer(t)
	setupClassroom(t, server)

	var errResp struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	resp := do(t, server, http.MethodPost, "/api/records", "student-1", "student",
		map[string]any{"rating": 9}, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, errResp.Details)
}

// =============================================================================
// AUTHORIZATION BOUNDARIES
// =============================================================================

func TestAPI_StudentsCannotDecide(t *testing.T) {
	server := newTestServer(t)
	setupClassroom(t, server)

	var rec struct {
		ID int64 `json:"id"`
	}
	do(t, server, http.MethodPost, "/api/records", "student-1", "student",
		submitBody("Holes"), &rec)

	resp := do(t, server, http.MethodPost, fmt.Sprintf("/api/records/%d/approve", rec.ID),
		"student-1", "student", map[string]any{}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_ClassManagementRequiresItsTeacher(t *testing.T) {
	server := newTestServer(t)
	setupClassroom(t, server)

	do(t, server, http.MethodPost, "/api/me/profile/setup", "teacher-2", "teacher",
		map[string]any{"nickname": "Mr. Kim"}, nil)

	resp := do(t, server, http.MethodPut, "/api/classes/class-1/tree", "teacher-2", "teacher",
		map[string]any{"name": "Hijacked", "level_up_target": 1}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, server, http.MethodPost, "/api/classes", "student-1", "student",
		map[string]any{"class_id": "c2", "name": "n"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The class's own teacher may update the tree.
	var tree struct {
		Name          string `json:"name"`
		LevelUpTarget int    `json:"level_up_target"`
	}
	resp = do(t, server, http.MethodPut, "/api/classes/class-1/tree", "teacher-1", "teacher",
		map[string]any{"name": "Room 3-2 Readers", "level_up_target": 20}, &tree)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Room 3-2 Readers", tree.Name)
	assert.Equal(t, 20, tree.LevelUpTarget)
}

func TestAPI_StudentsSeeOnlyOwnRecords(t *testing.T) {
	server := newTestServer(t)
	setupClassroom(t, server)

	do(t, server, http.MethodPost, "/api/me/profile/setup", "student-2", "student",
		map[string]any{"nickname": "other"}, nil)
	resp := do(t, server, http.MethodPost, "/api/classes/class-1/students", "teacher-1", "teacher",
		map[string]any{"user_id": "student-2"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var rec struct {
		ID int64 `json:"id"`
	}
	do(t, server, http.MethodPost, "/api/records", "student-1", "student",
		submitBody("Wonder"), &rec)

	resp = do(t, server, http.MethodGet, fmt.Sprintf("/api/records/%d", rec.ID),
		"student-2", "student", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var mine []map[string]any
	do(t, server, http.MethodGet, "/api/records", "student-2", "student", nil, &mine)
	assert.Empty(t, mine)
}

func TestAPI_ClassDashboardAndStudentHistory(t *testing.T) {
	server := newTestServer(t)
	setupClassroom(t, server)

	var rec struct {
		ID int64 `json:"id"`
	}
	do(t, server, http.MethodPost, "/api/records", "student-1", "student",
		submitBody("Matilda"), &rec)
	resp := do(t, server, http.MethodPost, fmt.Sprintf("/api/records/%d/approve", rec.ID),
		"teacher-1", "teacher", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The dashboard shows each student's progress.
	var dashboard struct {
		Students []struct {
			UserID        string `json:"user_id"`
			Nickname      string `json:"nickname"`
			Gold          string `json:"gold"`
			ApprovedCount int    `json:"approved_count"`
		} `json:"students"`
	}
	resp = do(t, server, http.MethodGet, "/api/classes/class-1/students",
		"teacher-1", "teacher", nil, &dashboard)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, dashboard.Students, 1)
	assert.Equal(t, "student-1", dashboard.Students[0].UserID)
	assert.Equal(t, "bookworm", dashboard.Students[0].Nickname)
	assert.Equal(t, "10", dashboard.Students[0].Gold)
	assert.Equal(t, 1, dashboard.Students[0].ApprovedCount)

	// Staff can pull one student's full history.
	var history []map[string]any
	resp = do(t, server, http.MethodGet, "/api/students/student-1/records",
		"teacher-1", "teacher", nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, history, 1)

	// A teacher of another class may not.
	do(t, server, http.MethodPost, "/api/me/profile/setup", "teacher-2", "teacher",
		map[string]any{"nickname": "Mr. Kim"}, nil)
	resp = do(t, server, http.MethodGet, "/api/students/student-1/records",
		"teacher-2", "teacher", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Neither may students.
	resp = do(t, server, http.MethodGet, "/api/students/student-1/records",
		"student-1", "student", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// =============================================================================
// PROFILE SETUP
// =============================================================================

func TestAPI_ProfileSetupIsOneTime(t *testing.T) {
	server := newTestServer(t)

	resp := do(t, server, http.MethodPost, "/api/me/profile/setup", "u-1", "student",
		map[string]any{"nickname": "once"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, server, http.MethodPost, "/api/me/profile/setup", "u-1", "student",
		map[string]any{"nickname": "twice"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, server, http.MethodGet, "/api/me/profile", "nobody", "student", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// BOOK SEARCH
// =============================================================================

func TestAPI_BookSearch_EmptyWithoutKey(t *testing.T) {
	server := newTestServer(t)

	var result struct {
		Books []map[string]any `json:"books"`
	}
	resp := do(t, server, http.MethodGet, "/api/books/search?q=matilda", "u-1", "student", nil, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, result.Books)
}
